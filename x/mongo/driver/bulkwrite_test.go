package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongocore/driver/session"
	"github.com/mongocore/driver/wiremessage"
)

func filterDoc(t *testing.T, key string, val int64) bsoncore.Document {
	t.Helper()
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendInt64Element(dst, key, val)
	dst, err := bsoncore.AppendDocumentEnd(dst, idx)
	require.NoError(t, err)
	return dst
}

// perOpDoc builds one bulkWrite result-cursor document: {idx, ok, ...extra}.
func perOpDoc(t *testing.T, idx int64, ok int32, extra func(dst []byte) []byte) bsoncore.Document {
	t.Helper()
	i, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendInt64Element(dst, "idx", idx)
	dst = bsoncore.AppendInt32Element(dst, "ok", ok)
	if extra != nil {
		dst = extra(dst)
	}
	dst, err := bsoncore.AppendDocumentEnd(dst, i)
	require.NoError(t, err)
	return dst
}

// bulkWriteReply builds the top-level { ok, nInserted, ..., cursor: { id, firstBatch } } shape a
// bulkWrite command returns.
func bulkWriteReply(t *testing.T, counts map[string]int32, perOps []bsoncore.Document) []byte {
	t.Helper()
	bidx, batch := bsoncore.AppendArrayStart(nil)
	for i, doc := range perOps {
		batch = bsoncore.AppendDocumentElement(batch, itoa(i), doc)
	}
	batch, err := bsoncore.AppendArrayEnd(batch, bidx)
	require.NoError(t, err)

	cidx, cdoc := bsoncore.AppendDocumentStart(nil)
	cdoc = bsoncore.AppendInt64Element(cdoc, "id", 0)
	cdoc = bsoncore.AppendStringElement(cdoc, "ns", "admin.$cmd.bulkWrite")
	cdoc = bsoncore.AppendArrayElement(cdoc, "firstBatch", batch)
	cdoc, err = bsoncore.AppendDocumentEnd(cdoc, cidx)
	require.NoError(t, err)

	ridx, reply := bsoncore.AppendDocumentStart(nil)
	reply = bsoncore.AppendInt32Element(reply, "ok", 1)
	for k, v := range counts {
		reply = bsoncore.AppendInt32Element(reply, k, v)
	}
	reply = bsoncore.AppendDocumentElement(reply, "cursor", cdoc)
	reply, err = bsoncore.AppendDocumentEnd(reply, ridx)
	require.NoError(t, err)
	return wiremessage.BuildMsg(1, reply, nil, false)
}

func TestBulkWrite_AppendInsertGeneratesIDWhenMissing(t *testing.T) {
	idx, d := bsoncore.AppendDocumentStart(nil)
	d = bsoncore.AppendStringElement(d, "name", "ada")
	d, err := bsoncore.AppendDocumentEnd(d, idx)
	require.NoError(t, err)

	bw := NewBulkWrite()
	require.NoError(t, bw.Append(Namespace{DB: "db", Collection: "coll"}, InsertOneModel{Document: d}))

	require.Len(t, bw.ops, 1)
	assert.Equal(t, "insert", bw.ops[0].opKind)
	assert.NotEqual(t, bsoncore.Value{}, bw.ops[0].insertID)

	// fields is the raw "document" element; wrap it back into a document to read the generated _id.
	widx, wrapped := bsoncore.AppendDocumentStart(nil)
	wrapped = append(wrapped, bw.ops[0].fields...)
	wrapped, err = bsoncore.AppendDocumentEnd(wrapped, widx)
	require.NoError(t, err)
	sentDocVal, err := bsoncore.Document(wrapped).LookupErr("document")
	require.NoError(t, err)
	sentDoc, ok := sentDocVal.DocumentOK()
	require.True(t, ok)
	idVal, err := sentDoc.LookupErr("_id")
	require.NoError(t, err)
	assert.Equal(t, bw.ops[0].insertID, idVal)
}

func TestBulkWrite_AppendInsertKeepsExistingID(t *testing.T) {
	idx, d := bsoncore.AppendDocumentStart(nil)
	d = bsoncore.AppendInt64Element(d, "_id", 7)
	d, err := bsoncore.AppendDocumentEnd(d, idx)
	require.NoError(t, err)

	bw := NewBulkWrite()
	require.NoError(t, bw.Append(Namespace{DB: "db", Collection: "coll"}, InsertOneModel{Document: d}))

	require.Len(t, bw.ops, 1)
	n, ok := bw.ops[0].insertID.AsInt64OK()
	require.True(t, ok)
	assert.EqualValues(t, 7, n)
}

func TestBulkWrite_ExecuteSingleBatchFoldsVerboseResults(t *testing.T) {
	updateResult := perOpDoc(t, 1, 1, func(dst []byte) []byte {
		dst = bsoncore.AppendInt64Element(dst, "n", 1)
		dst = bsoncore.AppendInt64Element(dst, "nModified", 1)
		return dst
	})
	deleteResult := perOpDoc(t, 2, 1, func(dst []byte) []byte {
		return bsoncore.AppendInt64Element(dst, "n", 1)
	})
	insertResult := perOpDoc(t, 0, 1, nil)

	reply := bulkWriteReply(t, map[string]int32{
		"nInserted": 1, "nMatched": 1, "nModified": 1, "nDeleted": 1, "nUpserted": 0,
	}, []bsoncore.Document{insertResult, updateResult, deleteResult})

	conn := &fakeConn{desc: serverDesc(17), replies: [][]byte{reply}}
	deployment := fakeDeployment{srv: fakeServer{conn: conn}}

	insertIdx, insertDoc := bsoncore.AppendDocumentStart(nil)
	insertDoc = bsoncore.AppendStringElement(insertDoc, "name", "ada")
	insertDoc, err := bsoncore.AppendDocumentEnd(insertDoc, insertIdx)
	require.NoError(t, err)

	bw := NewBulkWrite()
	ns := Namespace{DB: "db", Collection: "coll"}
	require.NoError(t, bw.Append(ns, InsertOneModel{Document: insertDoc}))
	require.NoError(t, bw.Append(ns, UpdateOneModel{Filter: filterDoc(t, "_id", 1), Update: filterDoc(t, "$set", 1)}))
	require.NoError(t, bw.Append(ns, DeleteOneModel{Filter: filterDoc(t, "_id", 2)}))

	res, exc, err := bw.Execute(context.Background(), deployment, nil, nil, nil, BulkWriteOptions{
		VerboseResults:           true,
		WriteConcernAcknowledged: true,
	})
	require.NoError(t, err)
	assert.Nil(t, exc)
	require.NotNil(t, res)
	assert.EqualValues(t, 1, res.InsertedCount)
	assert.EqualValues(t, 1, res.MatchedCount)
	assert.EqualValues(t, 1, res.ModifiedCount)
	assert.EqualValues(t, 1, res.DeletedCount)

	require.Contains(t, res.InsertResults, 0)
	require.Contains(t, res.UpdateResults, 1)
	assert.EqualValues(t, 1, res.UpdateResults[1].MatchedCount)
	assert.EqualValues(t, 1, res.UpdateResults[1].ModifiedCount)
	require.Contains(t, res.DeleteResults, 2)
	assert.EqualValues(t, 1, res.DeleteResults[2].DeletedCount)

	assert.Equal(t, 1, conn.calls)
}

func TestBulkWrite_OrderedStopsAfterWriteError(t *testing.T) {
	errResult := perOpDoc(t, 0, 0, func(dst []byte) []byte {
		dst = bsoncore.AppendInt64Element(dst, "code", 11000)
		dst = bsoncore.AppendStringElement(dst, "errmsg", "duplicate key")
		return dst
	})
	reply := bulkWriteReply(t, map[string]int32{"nInserted": 0}, []bsoncore.Document{errResult})

	conn := &fakeConn{desc: serverDesc(17), replies: [][]byte{reply}}
	deployment := fakeDeployment{srv: fakeServer{conn: conn}}

	idx, d := bsoncore.AppendDocumentStart(nil)
	d = bsoncore.AppendInt64Element(d, "_id", 1)
	d, err := bsoncore.AppendDocumentEnd(d, idx)
	require.NoError(t, err)

	bw := NewBulkWrite()
	ns := Namespace{DB: "db", Collection: "coll"}
	require.NoError(t, bw.Append(ns, InsertOneModel{Document: d}))
	require.NoError(t, bw.Append(ns, InsertOneModel{Document: d}))

	res, exc, err := bw.Execute(context.Background(), deployment, nil, nil, nil, BulkWriteOptions{
		Ordered:                  true,
		WriteConcernAcknowledged: true,
	})
	require.NoError(t, err)
	require.NotNil(t, exc)
	require.Len(t, exc.WriteErrors, 1)
	assert.Equal(t, 0, exc.WriteErrors[0].Index)
	assert.EqualValues(t, 11000, exc.WriteErrors[0].Code)
	assert.EqualValues(t, 0, res.InsertedCount)
}

func TestBulkWrite_MultiDocumentWriteDisablesRetry(t *testing.T) {
	conn := &fakeConn{
		desc:     serverDesc(17),
		writeErr: errors.New("connection reset"),
		replies:  [][]byte{bulkWriteReply(t, nil, nil)},
	}
	deployment := fakeDeployment{srv: fakeServer{conn: conn}}
	client := session.NewClient(false, session.TransactionOptions{})

	bw := NewBulkWrite()
	ns := Namespace{DB: "db", Collection: "coll"}
	require.NoError(t, bw.Append(ns, DeleteManyModel{Filter: filterDoc(t, "status", 0)}))
	assert.True(t, bw.hasMultiWrite)

	_, _, err := bw.Execute(context.Background(), deployment, nil, client, nil, BulkWriteOptions{
		WriteConcernAcknowledged: true,
	})
	// a multi-document write must never be retried: the network error surfaces directly instead
	// of a second attempt being made (§4.J).
	require.Error(t, err)
	var netErr NetworkError
	assert.ErrorAs(t, err, &netErr)
	assert.EqualValues(t, 0, client.TxnNumber)
}

func TestBulkWrite_ExecuteRejectsEmpty(t *testing.T) {
	bw := NewBulkWrite()
	_, _, err := bw.Execute(context.Background(), fakeDeployment{}, nil, nil, nil, BulkWriteOptions{})
	assert.ErrorIs(t, err, ErrBulkWriteEmpty)
}

func TestBulkWrite_ExecuteRejectsReuse(t *testing.T) {
	idx, d := bsoncore.AppendDocumentStart(nil)
	d = bsoncore.AppendInt64Element(d, "_id", 1)
	d, err := bsoncore.AppendDocumentEnd(d, idx)
	require.NoError(t, err)

	conn := &fakeConn{desc: serverDesc(17), replies: [][]byte{bulkWriteReply(t, nil, nil)}}
	deployment := fakeDeployment{srv: fakeServer{conn: conn}}

	bw := NewBulkWrite()
	require.NoError(t, bw.Append(Namespace{DB: "db", Collection: "coll"}, InsertOneModel{Document: d}))

	_, _, err = bw.Execute(context.Background(), deployment, nil, nil, nil, BulkWriteOptions{WriteConcernAcknowledged: true})
	require.NoError(t, err)

	_, _, err = bw.Execute(context.Background(), deployment, nil, nil, nil, BulkWriteOptions{WriteConcernAcknowledged: true})
	assert.ErrorIs(t, err, ErrBulkWriteAlreadyExecuted)
}
