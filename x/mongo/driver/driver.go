package driver

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongocore/driver/address"
	"github.com/mongocore/driver/description"
	"github.com/mongocore/driver/session"
)

// Connection is a single checked-out connection to a server (§5 owned exclusively for the
// duration of one operation).
type Connection interface {
	WriteWireMessage(ctx context.Context, wm []byte) error
	ReadWireMessage(ctx context.Context) ([]byte, error)
	Description() description.Server
	Close() error
	ID() string
	Stale() bool
}

// Server represents a single deployment member capable of handing out connections (§4.B/§4.D).
type Server interface {
	Connection(ctx context.Context) (Connection, error)
	Description() description.Server
}

// Deployment is implemented by types that can select a server from a topology (§4.D).
type Deployment interface {
	SelectServer(ctx context.Context, selector description.Selector) (Server, error)
	Description() description.Topology
}

// SingleConnectionDeployment adapts one already-established Connection into a Deployment, used
// by the server monitor to run its handshake over a connection it owns directly (§4.B).
type SingleConnectionDeployment struct {
	C Connection
}

// SelectServer implements Deployment.
func (s SingleConnectionDeployment) SelectServer(context.Context, description.Selector) (Server, error) {
	return singleServer{conn: s.C}, nil
}

// Description implements Deployment.
func (s SingleConnectionDeployment) Description() description.Topology {
	return description.Topology{Kind: description.Single, Servers: []description.Server{s.C.Description()}}
}

type singleServer struct{ conn Connection }

func (s singleServer) Connection(context.Context) (Connection, error) { return s.conn, nil }
func (s singleServer) Description() description.Server                { return s.conn.Description() }

// PinnedServerDeployment adapts one already-selected Server into a Deployment that always hands
// it back, for callers outside this package that need the same "selected once, reused for every
// follow-up command" pattern cursor.go's pinnedDeployment applies internally (§4.G, §5).
type PinnedServerDeployment struct{ Srv Server }

// SelectServer implements Deployment.
func (p PinnedServerDeployment) SelectServer(context.Context, description.Selector) (Server, error) {
	return p.Srv, nil
}

// Description implements Deployment.
func (p PinnedServerDeployment) Description() description.Topology {
	return description.Topology{Servers: []description.Server{p.Srv.Description()}}
}

// roundTrip writes wm and reads back a single reply, classifying transport failures as a
// NetworkError (§4.F step 4, §7).
func roundTrip(ctx context.Context, conn Connection, wm []byte) ([]byte, error) {
	if err := conn.WriteWireMessage(ctx, wm); err != nil {
		return nil, NetworkError{Wrapped: err, Labels: []string{TransientTransactionErrorLabel, "NetworkError"}}
	}
	res, err := conn.ReadWireMessage(ctx)
	if err != nil {
		return nil, NetworkError{Wrapped: err, Labels: []string{TransientTransactionErrorLabel, "NetworkError"}}
	}
	return res, nil
}

// addClusterTime appends the greater of the topology-wide and session cluster times to an
// outgoing command, when the cluster supports sessions (§4.E).
func addClusterTime(dst []byte, sess *session.Client, clock *session.ClusterClock, desc description.Server) []byte {
	if (clock == nil && sess == nil) || !description.SessionsSupported(desc.WireVersion) {
		return dst
	}
	clusterTime := bson.Raw(nil)
	if clock != nil {
		clusterTime = clock.GetClusterTime()
	}
	if sess != nil {
		clusterTime = session.MaxClusterTime(clusterTime, sess.ClusterTime)
	}
	if len(clusterTime) == 0 {
		return dst
	}
	val, err := clusterTime.LookupErr("$clusterTime")
	if err != nil {
		return dst
	}
	return bsoncore.AppendValueElement(dst, "$clusterTime", bsoncore.Value{Type: val.Type, Data: val.Value})
}

// addSession appends lsid/txnNumber/startTransaction/autocommit, per §4.E/§4.J. It rejects an
// unacknowledged write concern combined with an explicit session (§4.E). It does not inspect the
// command for a write concern, so a per-command write concern inside a transaction is not
// rejected here.
func addSession(dst []byte, sess *session.Client, desc description.Server, ackWrite bool) ([]byte, error) {
	if sess == nil || !description.SessionsSupported(desc.WireVersion) || !desc.HasSessionTimeout {
		return dst, nil
	}
	if sess.Terminated {
		return dst, session.ErrSessionEnded
	}
	if !ackWrite && sess != nil {
		return dst, ClientError{Message: "cannot use an unacknowledged write concern with an explicit session"}
	}

	dst = bsoncore.AppendBinaryElement(dst, "lsid", sess.SessionID.Subtype, sess.SessionID.Data)

	if sess.TransactionRunning() {
		dst = bsoncore.AppendInt64Element(dst, "txnNumber", sess.TxnNumber)
		if sess.TransactionStarting() {
			dst = bsoncore.AppendBooleanElement(dst, "startTransaction", true)
		}
		dst = bsoncore.AppendBooleanElement(dst, "autocommit", false)
	}

	return dst, nil
}

// responseClusterTime extracts the $clusterTime sub-document from a server reply, if present.
func responseClusterTime(response bsoncore.Document) bson.Raw {
	val, err := response.LookupErr("$clusterTime")
	if err != nil {
		return nil
	}
	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = bsoncore.AppendValueElement(doc, "$clusterTime", bsoncore.Value{Type: val.Type, Data: val.Data})
	doc, _ = bsoncore.AppendDocumentEnd(doc, idx)
	return bson.Raw(doc)
}

// gossipClusterTime applies §4.E's gossip rule: on every reply containing $clusterTime, update
// the stored value in the topology clock and/or session if the incoming timestamp is strictly
// greater (enforced by ClusterClock/session.Client's own monotonic compare-and-swap).
func gossipClusterTime(sess *session.Client, clock *session.ClusterClock, response bsoncore.Document) {
	ct := responseClusterTime(response)
	if ct == nil {
		return
	}
	if sess != nil {
		sess.AdvanceClusterTime(ct)
	}
	if clock != nil {
		clock.AdvanceClusterTime(ct)
	}
}

// gossipOperationTime updates the session's operationTime from a server reply (§4.E).
func gossipOperationTime(sess *session.Client, response bsoncore.Document) {
	if sess == nil {
		return
	}
	val, err := response.LookupErr("operationTime")
	if err != nil {
		return
	}
	t, i := val.Timestamp()
	sess.AdvanceOperationTime(session.Timestamp{T: t, I: i})
}

// ExtractError inspects a decoded command reply and returns a classified error if the command
// failed, or nil on { ok: 1 } (§4.F steps 6-7).
func ExtractError(rdr bsoncore.Document) error {
	var (
		errmsg, codeName string
		code             int32
		labels           []string
		ok               bool
		wcErr            WriteCommandError
	)

	elems, err := rdr.Elements()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}

	for _, elem := range elems {
		switch elem.Key() {
		case "ok":
			if n, nok := elem.Value().AsInt64OK(); nok && n == 1 {
				ok = true
			}
		case "errmsg":
			if s, sok := elem.Value().StringValueOK(); sok {
				errmsg = s
			}
		case "codeName":
			if s, sok := elem.Value().StringValueOK(); sok {
				codeName = s
			}
		case "code":
			if c, cok := elem.Value().Int32OK(); cok {
				code = c
			}
		case "errorLabels":
			if arr, aok := elem.Value().ArrayOK(); aok {
				vals, _ := arr.Values()
				for _, v := range vals {
					if s, sok := v.StringValueOK(); sok {
						labels = append(labels, s)
					}
				}
			}
		case "writeErrors":
			if arr, aok := elem.Value().ArrayOK(); aok {
				vals, _ := arr.Values()
				for _, v := range vals {
					doc, dok := v.DocumentOK()
					if !dok {
						continue
					}
					var we WriteError
					if idx, iok := doc.Lookup("index").AsInt64OK(); iok {
						we.Index = idx
					}
					if c, cok := doc.Lookup("code").AsInt64OK(); cok {
						we.Code = c
					}
					if m, mok := doc.Lookup("errmsg").StringValueOK(); mok {
						we.Message = m
					}
					if info, iok := doc.Lookup("errInfo").DocumentOK(); iok {
						we.Details = append([]byte(nil), info...)
					}
					wcErr.WriteErrors = append(wcErr.WriteErrors, we)
				}
			}
		case "writeConcernError":
			if doc, dok := elem.Value().DocumentOK(); dok {
				wce := &WriteConcernError{}
				if c, cok := doc.Lookup("code").AsInt64OK(); cok {
					wce.Code = c
				}
				if m, mok := doc.Lookup("errmsg").StringValueOK(); mok {
					wce.Message = m
				}
				if info, iok := doc.Lookup("errInfo").DocumentOK(); iok {
					wce.Details = append([]byte(nil), info...)
				}
				wcErr.WriteConcernError = wce
			}
		}
	}

	if !ok {
		if errmsg == "" {
			errmsg = "command failed"
		}
		return Error{Code: code, Name: codeName, Message: errmsg, Labels: labels, Raw: rdr}
	}

	if len(wcErr.WriteErrors) > 0 || wcErr.WriteConcernError != nil {
		wcErr.Labels = labels
		wcErr.Raw = rdr
		return wcErr
	}

	return nil
}

// ErrMalformedReply is returned when a server reply document cannot be parsed (§7 kind
// Protocol).
var ErrMalformedReply = fmt.Errorf("malformed server reply")

// addr is a tiny helper returning a server description's address.
func addr(s description.Server) address.Address { return s.Addr }
