package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongocore/driver/wiremessage"
)

// changeDoc builds a one-notification change-stream document: {_id: {_data: tok}, operationType, ...}.
func changeDoc(t *testing.T, tok string) bsoncore.Document {
	t.Helper()
	iidx, idDoc := bsoncore.AppendDocumentStart(nil)
	idDoc = bsoncore.AppendStringElement(idDoc, "_data", tok)
	idDoc, err := bsoncore.AppendDocumentEnd(idDoc, iidx)
	require.NoError(t, err)

	didx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendDocumentElement(dst, "_id", idDoc)
	dst = bsoncore.AppendStringElement(dst, "operationType", "insert")
	dst, err = bsoncore.AppendDocumentEnd(dst, didx)
	require.NoError(t, err)
	return dst
}

// aggregateCursorReply builds an aggregate-shaped { ok: 1, cursor: { id, ns, firstBatch } } reply.
func aggregateCursorReply(t *testing.T, id int64, docs ...bsoncore.Document) []byte {
	t.Helper()
	bidx, batch := bsoncore.AppendArrayStart(nil)
	for i, d := range docs {
		batch = bsoncore.AppendDocumentElement(batch, itoa(i), d)
	}
	batch, err := bsoncore.AppendArrayEnd(batch, bidx)
	require.NoError(t, err)

	cidx, cdoc := bsoncore.AppendDocumentStart(nil)
	cdoc = bsoncore.AppendInt64Element(cdoc, "id", id)
	cdoc = bsoncore.AppendStringElement(cdoc, "ns", "db.coll")
	cdoc = bsoncore.AppendArrayElement(cdoc, "firstBatch", batch)
	cdoc, err = bsoncore.AppendDocumentEnd(cdoc, cidx)
	require.NoError(t, err)

	ridx, reply := bsoncore.AppendDocumentStart(nil)
	reply = bsoncore.AppendInt32Element(reply, "ok", 1)
	reply = bsoncore.AppendDocumentElement(reply, "cursor", cdoc)
	reply, err = bsoncore.AppendDocumentEnd(reply, ridx)
	require.NoError(t, err)
	return wiremessage.BuildMsg(1, reply, nil, false)
}

func TestChangeStream_NextServesFirstBatchThenResumesOnRetryableError(t *testing.T) {
	doc1 := changeDoc(t, "token-1")
	doc2 := changeDoc(t, "token-2")

	conn := &fakeConn{
		desc: serverDesc(17),
		replies: [][]byte{
			aggregateCursorReply(t, 42, doc1), // initial aggregate: one doc, cursor stays open
			errReply(t, 43),                   // getMore: CursorNotFound, resumable
			aggregateCursorReply(t, 0, doc2),  // resumed aggregate: one doc, cursor exhausted
		},
	}
	deployment := fakeDeployment{srv: fakeServer{conn: conn}}

	cs, err := NewChangeStream(
		context.Background(),
		deployment,
		nil,
		nil,
		nil,
		ChangeStreamTarget{Database: "db", Collection: "coll"},
		nil,
		ChangeStreamOptions{},
	)
	require.NoError(t, err)

	got, ok, err := cs.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	opType, lerr := got.LookupErr("operationType")
	require.NoError(t, lerr)
	assert.Equal(t, "insert", opType.StringValue())
	assert.NotNil(t, cs.ResumeToken())

	// the next call triggers a getMore, observes the resumable CursorNotFound, transparently
	// resumes the aggregate with resumeAfter, and serves the second document without the caller
	// seeing an error.
	got2, ok2, err := cs.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok2)
	opType2, lerr := got2.LookupErr("operationType")
	require.NoError(t, lerr)
	assert.Equal(t, "insert", opType2.StringValue())

	assert.Equal(t, 3, conn.calls)
}

func TestChangeStream_SecondResumableErrorInARowSurfaces(t *testing.T) {
	doc1 := changeDoc(t, "token-1")

	conn := &fakeConn{
		desc: serverDesc(17),
		replies: [][]byte{
			aggregateCursorReply(t, 42, doc1),
			errReply(t, 43), // first resumable error: triggers a resume
			errReply(t, 43), // resumed aggregate itself fails; already resumed once, must surface
		},
	}
	deployment := fakeDeployment{srv: fakeServer{conn: conn}}

	cs, err := NewChangeStream(
		context.Background(),
		deployment,
		nil,
		nil,
		nil,
		ChangeStreamTarget{Database: "db", Collection: "coll"},
		nil,
		ChangeStreamOptions{},
	)
	require.NoError(t, err)

	_, ok, err := cs.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	_, ok2, err := cs.Next(context.Background())
	require.Error(t, err)
	assert.False(t, ok2)
}

func TestChangeStream_MissingResumeTokenIsNonResumable(t *testing.T) {
	idx, badDoc := bsoncore.AppendDocumentStart(nil)
	badDoc = bsoncore.AppendStringElement(badDoc, "operationType", "insert")
	badDoc, err := bsoncore.AppendDocumentEnd(badDoc, idx)
	require.NoError(t, err)

	conn := &fakeConn{
		desc:    serverDesc(17),
		replies: [][]byte{aggregateCursorReply(t, 0, badDoc)},
	}
	deployment := fakeDeployment{srv: fakeServer{conn: conn}}

	cs, err := NewChangeStream(
		context.Background(),
		deployment,
		nil,
		nil,
		nil,
		ChangeStreamTarget{Database: "db", Collection: "coll"},
		nil,
		ChangeStreamOptions{},
	)
	require.NoError(t, err)

	_, ok, err := cs.Next(context.Background())
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrMissingResumeToken)
}
