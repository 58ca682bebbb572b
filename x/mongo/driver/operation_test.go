package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongocore/driver/address"
	"github.com/mongocore/driver/description"
	"github.com/mongocore/driver/session"
	"github.com/mongocore/driver/wiremessage"
)

// fakeConn is an in-memory Connection that replays a scripted sequence of OP_MSG replies.
type fakeConn struct {
	desc    description.Server
	replies [][]byte
	calls   int
	writeErr error
}

func (c *fakeConn) WriteWireMessage(context.Context, []byte) error { return c.writeErr }

func (c *fakeConn) ReadWireMessage(context.Context) ([]byte, error) {
	if c.calls >= len(c.replies) {
		return nil, errors.New("no more scripted replies")
	}
	r := c.replies[c.calls]
	c.calls++
	return r, nil
}

func (c *fakeConn) Description() description.Server { return c.desc }
func (c *fakeConn) Close() error                    { return nil }
func (c *fakeConn) ID() string                      { return "fake" }
func (c *fakeConn) Stale() bool                      { return false }

type fakeServer struct{ conn *fakeConn }

func (s fakeServer) Connection(context.Context) (Connection, error) { return s.conn, nil }
func (s fakeServer) Description() description.Server                { return s.conn.Description() }

type fakeDeployment struct{ srv fakeServer }

func (d fakeDeployment) SelectServer(context.Context, description.Selector) (Server, error) {
	return d.srv, nil
}
func (d fakeDeployment) Description() description.Topology {
	return description.Topology{Kind: description.Single, Servers: []description.Server{d.srv.conn.desc}}
}

func okReply(t *testing.T, extra func(dst []byte) []byte) []byte {
	t.Helper()
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendInt32Element(dst, "ok", 1)
	if extra != nil {
		dst = extra(dst)
	}
	dst, err := bsoncore.AppendDocumentEnd(dst, idx)
	require.NoError(t, err)
	return wiremessage.BuildMsg(1, dst, nil, false)
}

func errReply(t *testing.T, code int32) []byte {
	t.Helper()
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendInt32Element(dst, "ok", 0)
	dst = bsoncore.AppendInt32Element(dst, "code", code)
	dst = bsoncore.AppendStringElement(dst, "errmsg", "boom")
	dst, err := bsoncore.AppendDocumentEnd(dst, idx)
	require.NoError(t, err)
	return wiremessage.BuildMsg(1, dst, nil, false)
}

func serverDesc(wireMax int32) description.Server {
	return description.Server{
		Addr:              address.Address("localhost:27017"),
		Kind:              description.Standalone,
		WireVersion:       description.VersionRange{Min: 0, Max: wireMax},
		HasWireVersion:    true,
		HasSessionTimeout: true,
	}
}

func TestOperationExecute_SuccessNoRetry(t *testing.T) {
	conn := &fakeConn{desc: serverDesc(17), replies: [][]byte{okReply(t, nil)}}
	op := &Operation{
		CommandFn: func(dst []byte, _ description.Server) ([]byte, error) {
			return bsoncore.AppendStringElement(dst, "ping", "1"), nil
		},
		Database:   "admin",
		Deployment: fakeDeployment{srv: fakeServer{conn: conn}},
	}

	err := op.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, conn.calls)
}

func TestOperationExecute_RetriesOnceOnNetworkError(t *testing.T) {
	conn := &fakeConn{desc: serverDesc(17), writeErr: errors.New("connection reset"), replies: [][]byte{okReply(t, nil)}}
	op := &Operation{
		CommandFn: func(dst []byte, _ description.Server) ([]byte, error) {
			return bsoncore.AppendStringElement(dst, "insert", "coll"), nil
		},
		Database:    "db",
		Deployment:  fakeDeployment{srv: fakeServer{conn: conn}},
		Client:      session.NewClient(false, session.TransactionOptions{}),
		RetryWrites: true,
		RetryMode:   RetryOnce,
		Type:        Write,
	}

	err := op.Execute(context.Background())
	// the session and RetryWrites give the write a txnNumber, so the network error is retryable;
	// the retry attempt goes through selectServerAndConnection again, which hands back the same
	// fakeConn; its WriteWireMessage always fails, so the retry also fails with a NetworkError.
	require.Error(t, err)
	var netErr NetworkError
	assert.ErrorAs(t, err, &netErr)
}

func TestOperationExecute_DoesNotRetryWithoutRetryMode(t *testing.T) {
	conn := &fakeConn{desc: serverDesc(17), replies: [][]byte{errReply(t, 11600)}}
	op := &Operation{
		CommandFn: func(dst []byte, _ description.Server) ([]byte, error) {
			return bsoncore.AppendStringElement(dst, "insert", "coll"), nil
		},
		Database:   "db",
		Deployment: fakeDeployment{srv: fakeServer{conn: conn}},
	}

	err := op.Execute(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, conn.calls)
}

func TestOperationExecute_RetryableWriteCodeRetriesOnce(t *testing.T) {
	conn := &fakeConn{desc: serverDesc(17), replies: [][]byte{errReply(t, 11600), okReply(t, nil)}}
	client := session.NewClient(false, session.TransactionOptions{})
	op := &Operation{
		CommandFn: func(dst []byte, _ description.Server) ([]byte, error) {
			return bsoncore.AppendStringElement(dst, "insert", "coll"), nil
		},
		Database:    "db",
		Deployment:  fakeDeployment{srv: fakeServer{conn: conn}},
		RetryMode:   RetryOnce,
		RetryWrites: true,
		Type:        Write,
		Client:      client,
	}

	err := op.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, conn.calls)
	assert.Equal(t, int64(1), client.TxnNumber)
}

// TestOperationExecute_WriteNotRetriedWithoutTxnNumber covers the gate added for §4.J: a write
// marked RetryOnce but never granted a txnNumber (no session attached) must not be retried, since
// the server has no way to de-duplicate a second attempt.
func TestOperationExecute_WriteNotRetriedWithoutTxnNumber(t *testing.T) {
	conn := &fakeConn{desc: serverDesc(17), replies: [][]byte{errReply(t, 11600), okReply(t, nil)}}
	op := &Operation{
		CommandFn: func(dst []byte, _ description.Server) ([]byte, error) {
			return bsoncore.AppendStringElement(dst, "insert", "coll"), nil
		},
		Database:   "db",
		Deployment: fakeDeployment{srv: fakeServer{conn: conn}},
		RetryMode:  RetryOnce,
		Type:       Write,
	}

	err := op.Execute(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, conn.calls)
}

func TestOperationExecute_NoRetryOnLowWireVersion(t *testing.T) {
	conn := &fakeConn{desc: serverDesc(5), replies: [][]byte{errReply(t, 11600)}}
	op := &Operation{
		CommandFn: func(dst []byte, _ description.Server) ([]byte, error) {
			return bsoncore.AppendStringElement(dst, "insert", "coll"), nil
		},
		Database:   "db",
		Deployment: fakeDeployment{srv: fakeServer{conn: conn}},
		RetryMode:  RetryOnce,
		Type:       Write,
	}

	err := op.Execute(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, conn.calls)
}
