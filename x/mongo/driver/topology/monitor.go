package topology

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	driverpkg "github.com/mongocore/driver/x/mongo/driver"

	"github.com/mongocore/driver/address"
	"github.com/mongocore/driver/description"
	"github.com/mongocore/driver/internal/logger"
)

const minHeartbeatFrequency = 500 * time.Millisecond
const defaultHeartbeatFrequency = 10 * time.Second

// monitor runs the background hello/isMaster loop for a single server (§4.B). Each monitor owns
// one dedicated connection distinct from the operation connection pool, and publishes every
// observed description.Server to onUpdate so the owning Topology can fold it into an aggregate
// view (§4.C).
type monitor struct {
	addr              address.Address
	heartbeatFrequency time.Duration
	dialTimeout       time.Duration
	onUpdate          func(description.Server)
	log               *logger.Logger

	checkNow chan struct{}
	done     chan struct{}
	closewg  sync.WaitGroup

	generation uint64 // bumped whenever the server transitions to Unknown (§4.C invariant 2)

	topologyVersion atomic.Value // *description.TopologyVersion
}

func newMonitor(addr address.Address, heartbeatFrequency time.Duration, onUpdate func(description.Server), log *logger.Logger) *monitor {
	if heartbeatFrequency <= 0 {
		heartbeatFrequency = defaultHeartbeatFrequency
	}
	return &monitor{
		addr:               addr,
		heartbeatFrequency: heartbeatFrequency,
		dialTimeout:        10 * time.Second,
		onUpdate:           onUpdate,
		log:                log,
		checkNow:           make(chan struct{}, 1),
		done:               make(chan struct{}),
	}
}

// start launches the monitor's background goroutine, which runs the first heartbeat as soon as it
// starts; start returns without waiting for that heartbeat.
func (m *monitor) start(ctx context.Context) {
	m.closewg.Add(1)
	go m.run(ctx)
}

// requestImmediateCheck causes the next heartbeat to fire without waiting out the remainder of
// heartbeatFrequency, subject to the minHeartbeatFrequency rate limit (§4.B).
func (m *monitor) requestImmediateCheck() {
	select {
	case m.checkNow <- struct{}{}:
	default:
	}
}

func (m *monitor) stop() {
	close(m.done)
	m.closewg.Wait()
}

func (m *monitor) run(parent context.Context) {
	defer m.closewg.Done()

	var conn *connection

	desc, conn := m.heartbeat(parent, conn)
	m.publish(desc)

	ticker := time.NewTicker(m.heartbeatFrequency)
	limiter := time.NewTicker(minHeartbeatFrequency)
	defer ticker.Stop()
	defer limiter.Stop()

	for {
		select {
		case <-m.done:
			if conn != nil {
				_ = conn.Close()
			}
			return
		case <-ticker.C:
		case <-m.checkNow:
		}

		select {
		case <-limiter.C:
		case <-m.done:
			if conn != nil {
				_ = conn.Close()
			}
			return
		}

		desc, conn = m.heartbeat(parent, conn)
		m.publish(desc)
	}
}

func (m *monitor) publish(desc description.Server) {
	desc.Generation = m.generation
	if m.log != nil && desc.LastErr == nil {
		m.log.Print(logger.ComponentTopology, logger.LevelDebug, "server heartbeat succeeded",
			"server", string(m.addr), "kind", desc.Kind.String())
	}
	m.onUpdate(desc)
}

// heartbeat issues one hello command over conn, dialing a new connection on the first call or
// after a previous failure (§4.B). A failure bumps the monitor's generation counter and returns
// an Unknown description, per §4.C invariant 2.
func (m *monitor) heartbeat(ctx context.Context, conn *connection) (description.Server, *connection) {
	hbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if conn == nil {
		c, err := newConnection(hbCtx, m.addr, string(m.addr)+"-monitor", 0, m.dialTimeout)
		if err != nil {
			return m.onError(err), nil
		}
		conn = c
	}

	start := time.Now()
	reply, err := m.runHello(hbCtx, conn)
	rtt := time.Since(start)
	if err != nil {
		_ = conn.Close()
		return m.onError(err), nil
	}

	desc, err := parseHelloReply(m.addr, reply)
	if err != nil {
		_ = conn.Close()
		return m.onError(err), nil
	}
	desc = desc.SetAverageRTT(rtt)
	m.topologyVersion.Store(desc.TopologyVersion)
	conn.setDescription(desc)
	return desc, conn
}

func (m *monitor) onError(err error) description.Server {
	m.generation++
	if m.log != nil {
		m.log.Print(logger.ComponentTopology, logger.LevelInfo, "server heartbeat failed",
			"server", string(m.addr), "error", err.Error())
	}
	return description.DefaultServer(m.addr).WithError(err, m.generation)
}

func (m *monitor) runHello(ctx context.Context, conn *connection) (bsoncore.Document, error) {
	op := &driverpkg.Operation{
		Database: "admin",
		CommandFn: func(dst []byte, _ description.Server) ([]byte, error) {
			dst = bsoncore.AppendInt32Element(dst, "hello", 1)
			dst = bsoncore.AppendBooleanElement(dst, "helloOk", true)
			if tv, ok := m.topologyVersion.Load().(*description.TopologyVersion); ok && tv != nil {
				idx, sub := bsoncore.AppendDocumentStart(nil)
				sub = bsoncore.AppendObjectIDElement(sub, "processId", tv.ProcessID)
				sub = bsoncore.AppendInt64Element(sub, "counter", tv.Counter)
				sub, _ = bsoncore.AppendDocumentEnd(sub, idx)
				dst = bsoncore.AppendDocumentElement(dst, "topologyVersion", sub)
				dst = bsoncore.AppendInt64Element(dst, "maxAwaitTimeMS", int64(m.heartbeatFrequency/time.Millisecond))
			}
			return dst, nil
		},
		Deployment: driverpkg.SingleConnectionDeployment{C: conn},
	}
	if err := op.Execute(ctx); err != nil {
		return nil, err
	}
	return op.Result(), nil
}

// parseHelloReply builds a description.Server snapshot from a decoded hello/isMaster reply
// (§3 Data Model, §4.B).
func parseHelloReply(addr address.Address, reply bsoncore.Document) (description.Server, error) {
	desc := description.DefaultServer(addr)
	desc.HelloOK = true

	elems, err := reply.Elements()
	if err != nil {
		return description.Server{}, err
	}

	var isReplicaSet, isMongos, isPrimary, isSecondary, isArbiter bool
	for _, elem := range elems {
		switch elem.Key() {
		case "ismaster", "isWritablePrimary":
			if b, ok := elem.Value().BooleanOK(); ok {
				isPrimary = b
			}
		case "secondary":
			if b, ok := elem.Value().BooleanOK(); ok {
				isSecondary = b
			}
		case "arbiterOnly":
			if b, ok := elem.Value().BooleanOK(); ok {
				isArbiter = b
			}
		case "msg":
			if s, ok := elem.Value().StringValueOK(); ok && s == "isdbgrid" {
				isMongos = true
			}
		case "setName":
			if s, ok := elem.Value().StringValueOK(); ok {
				desc.SetName = s
				isReplicaSet = true
			}
		case "setVersion":
			if v, ok := elem.Value().AsInt64OK(); ok {
				desc.SetVersion = v
				desc.HasSetVersion = true
			}
		case "electionId":
			if oid, ok := elem.Value().ObjectIDOK(); ok {
				desc.ElectionID = oid
				desc.HasElectionID = true
			}
		case "primary":
			if s, ok := elem.Value().StringValueOK(); ok {
				desc.Primary = s
			}
		case "me":
			if s, ok := elem.Value().StringValueOK(); ok {
				desc.Me = s
			}
		case "hosts":
			desc.Hosts = stringArray(elem.Value())
		case "passives":
			desc.Passives = stringArray(elem.Value())
		case "arbiters":
			desc.Arbiters = stringArray(elem.Value())
		case "tags":
			desc.Tags = tagSet(elem.Value())
		case "minWireVersion":
			if v, ok := elem.Value().AsInt64OK(); ok {
				desc.WireVersion.Min = int32(v)
				desc.HasWireVersion = true
			}
		case "maxWireVersion":
			if v, ok := elem.Value().AsInt64OK(); ok {
				desc.WireVersion.Max = int32(v)
				desc.HasWireVersion = true
			}
		case "maxBsonObjectSize":
			if v, ok := elem.Value().AsInt64OK(); ok {
				desc.MaxDocumentSize = int32(v)
			}
		case "maxMessageSizeBytes":
			if v, ok := elem.Value().AsInt64OK(); ok {
				desc.MaxMessageSize = int32(v)
			}
		case "maxWriteBatchSize":
			if v, ok := elem.Value().AsInt64OK(); ok {
				desc.MaxBatchCount = int32(v)
			}
		case "logicalSessionTimeoutMinutes":
			if v, ok := elem.Value().AsInt64OK(); ok {
				desc.SessionTimeoutMins = v
				desc.HasSessionTimeout = true
			}
		case "topologyVersion":
			if doc, ok := elem.Value().DocumentOK(); ok {
				tv := &description.TopologyVersion{}
				if oid, ok := doc.Lookup("processId").ObjectIDOK(); ok {
					tv.ProcessID = oid
				}
				if c, ok := doc.Lookup("counter").AsInt64OK(); ok {
					tv.Counter = c
				}
				desc.TopologyVersion = tv
			}
		}
	}

	desc.Kind = classifyServerKind(isReplicaSet, isMongos, isPrimary, isSecondary, isArbiter)
	return desc, nil
}

func classifyServerKind(isReplicaSet, isMongos, isPrimary, isSecondary, isArbiter bool) description.ServerKind {
	switch {
	case isMongos:
		return description.Mongos
	case isPrimary:
		return description.RSPrimary
	case isSecondary:
		return description.RSSecondary
	case isArbiter:
		return description.RSArbiter
	case isReplicaSet:
		return description.RSOther
	default:
		return description.Standalone
	}
}

func stringArray(val bsoncore.Value) []string {
	arr, ok := val.ArrayOK()
	if !ok {
		return nil
	}
	vals, err := arr.Values()
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if s, ok := v.StringValueOK(); ok {
			out = append(out, s)
		}
	}
	return out
}

func tagSet(val bsoncore.Value) description.TagSet {
	doc, ok := val.DocumentOK()
	if !ok {
		return nil
	}
	elems, err := doc.Elements()
	if err != nil {
		return nil
	}
	var ts description.TagSet
	for _, e := range elems {
		if s, ok := e.Value().StringValueOK(); ok {
			ts = append(ts, description.Tag{Name: e.Key(), Value: s})
		}
	}
	return ts
}
