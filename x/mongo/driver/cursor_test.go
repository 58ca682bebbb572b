package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongocore/driver/description"
	"github.com/mongocore/driver/wiremessage"
)

// docWithA builds a one-field {"a": v} BSON document.
func docWithA(v int64) bsoncore.Document {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendInt64Element(dst, "a", v)
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

// cursorReply builds a find/getMore-shaped { ok: 1, cursor: { id, ns, <batchKey>: [...] } } reply
// out of one-field {"a": v} documents.
func cursorReply(t *testing.T, id int64, batchKey string, values ...int64) []byte {
	t.Helper()
	bidx, batch := bsoncore.AppendArrayStart(nil)
	for i, v := range values {
		batch = bsoncore.AppendDocumentElement(batch, itoa(i), docWithA(v))
	}
	batch, err := bsoncore.AppendArrayEnd(batch, bidx)
	require.NoError(t, err)

	cidx, cdoc := bsoncore.AppendDocumentStart(nil)
	cdoc = bsoncore.AppendInt64Element(cdoc, "id", id)
	cdoc = bsoncore.AppendStringElement(cdoc, "ns", "db.coll")
	cdoc = bsoncore.AppendArrayElement(cdoc, batchKey, batch)
	cdoc, err = bsoncore.AppendDocumentEnd(cdoc, cidx)
	require.NoError(t, err)

	ridx, reply := bsoncore.AppendDocumentStart(nil)
	reply = bsoncore.AppendInt32Element(reply, "ok", 1)
	reply = bsoncore.AppendDocumentElement(reply, "cursor", cdoc)
	reply, err = bsoncore.AppendDocumentEnd(reply, ridx)
	require.NoError(t, err)
	return reply
}

func itoa(i int) string {
	return string(rune('0' + i))
}

func TestNewCursor_EmptyFirstBatchWithZeroID_IsDone(t *testing.T) {
	reply := cursorReply(t, 0, "firstBatch")
	c, err := NewCursor(reply, Namespace{DB: "db", Collection: "coll"}, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Done, c.state)

	doc, ok, err := c.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, doc)
}

func TestNewCursor_FirstBatchServedWithoutRoundTrip(t *testing.T) {
	reply := cursorReply(t, 42, "firstBatch", 1, 2)
	c, err := NewCursor(reply, Namespace{DB: "db", Collection: "coll"}, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, InBatch, c.state)

	doc, ok, err := c.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	v, err := doc.LookupErr("a")
	require.NoError(t, err)
	i, _ := v.AsInt64OK()
	assert.EqualValues(t, 1, i)

	// second document exhausts the batch but the cursor id is still live, so state moves to
	// EndOfBatch rather than Done.
	_, ok, err = c.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, EndOfBatch, c.state)
}

func TestCursor_GetMoreFetchesNextBatchAndTerminatesOnZeroID(t *testing.T) {
	getMoreReply := cursorReply(t, 0, "nextBatch", 3)
	wm := wiremessage.BuildMsg(1, getMoreReply, nil, false)
	conn := &fakeConn{desc: serverDesc(17), replies: [][]byte{wm}}
	srv := fakeServer{conn: conn}

	firstReply := cursorReply(t, 7, "firstBatch", 1)
	c, err := NewCursor(firstReply, Namespace{DB: "db", Collection: "coll"}, srv, nil, nil)
	require.NoError(t, err)

	doc, ok, err := c.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	v, _ := doc.LookupErr("a")
	i, _ := v.AsInt64OK()
	assert.EqualValues(t, 1, i)

	// batch exhausted with a live id: Next must issue getMore and return the next document.
	doc, ok, err = c.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	v, _ = doc.LookupErr("a")
	i, _ = v.AsInt64OK()
	assert.EqualValues(t, 3, i)
	assert.Equal(t, 1, conn.calls)

	// the getMore reply carried id 0, so the cursor is now Done.
	_, ok, err = c.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCursor_CloseIsNoOpWhenAlreadyExhausted(t *testing.T) {
	reply := cursorReply(t, 0, "firstBatch")
	c, err := NewCursor(reply, Namespace{DB: "db", Collection: "coll"}, nil, nil, nil)
	require.NoError(t, err)

	err = c.Close(context.Background())
	require.NoError(t, err)
}

func TestCursor_CloseDispatchesKillCursors(t *testing.T) {
	wm := okReply(t, nil)
	conn := &fakeConn{desc: serverDesc(17), replies: [][]byte{wm}}
	srv := fakeServer{conn: conn}

	firstReply := cursorReply(t, 99, "firstBatch", 1)
	c, err := NewCursor(firstReply, Namespace{DB: "db", Collection: "coll"}, srv, nil, nil)
	require.NoError(t, err)

	err = c.Close(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, conn.calls)
	assert.Equal(t, Done, c.state)
	assert.EqualValues(t, 0, c.id)
}
