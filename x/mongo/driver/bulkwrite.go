package driver

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongocore/driver/description"
	"github.com/mongocore/driver/session"
	"github.com/mongocore/driver/wiremessage"
)

// WriteModel is implemented by every bulk-write operation kind accepted by BulkWrite.Append
// (§4.I Append phase).
type WriteModel interface {
	writeModel()
}

// InsertOneModel inserts a single document.
type InsertOneModel struct{ Document bsoncore.Document }

func (InsertOneModel) writeModel() {}

// UpdateOneModel updates at most one matching document.
type UpdateOneModel struct {
	Filter       bsoncore.Document
	Update       bsoncore.Document // an update document or an aggregation pipeline encoded as an array
	ArrayFilters bsoncore.Array
	Upsert       bool
}

func (UpdateOneModel) writeModel() {}

// UpdateManyModel updates every matching document.
type UpdateManyModel struct {
	Filter       bsoncore.Document
	Update       bsoncore.Document
	ArrayFilters bsoncore.Array
	Upsert       bool
}

func (UpdateManyModel) writeModel() {}

// ReplaceOneModel replaces at most one matching document wholesale.
type ReplaceOneModel struct {
	Filter      bsoncore.Document
	Replacement bsoncore.Document
	Upsert      bool
}

func (ReplaceOneModel) writeModel() {}

// DeleteOneModel deletes at most one matching document.
type DeleteOneModel struct{ Filter bsoncore.Document }

func (DeleteOneModel) writeModel() {}

// DeleteManyModel deletes every matching document.
type DeleteManyModel struct{ Filter bsoncore.Document }

func (DeleteManyModel) writeModel() {}

// bufferedOp is one appended model once its namespace and (for inserts) _id have been recorded,
// ready to be wrapped with a batch-local namespace index at Execute time (§4.I Append phase).
type bufferedOp struct {
	ns       Namespace
	opKind   string // "insert", "update", "delete" — the bulkWrite command's op-type key
	multi    bool
	fields   []byte // the op's own elements (document/filter/updateMods/multi/upsert/...)
	insertID bsoncore.Value
}

// BulkWriteOptions snapshots the execute-phase options of §4.I.
type BulkWriteOptions struct {
	Ordered                  bool
	VerboseResults           bool
	BypassDocumentValidation bool
	Let                      bsoncore.Document
	Comment                  bsoncore.Value
	HasComment               bool
	WriteConcernAcknowledged bool
}

// InsertOneResult is the verbose per-op result of a successful insert.
type InsertOneResult struct{ InsertedID bsoncore.Value }

// UpdateOneResult is the verbose per-op result of a successful update or replace.
type UpdateOneResult struct {
	MatchedCount  int64
	ModifiedCount int64
	UpsertedID    bsoncore.Value
	HasUpsertedID bool
}

// DeleteOneResult is the verbose per-op result of a successful delete.
type DeleteOneResult struct{ DeletedCount int64 }

// BulkWriteResult accumulates the server-reported counts and, when requested, the verbose per-op
// results of a bulk write, keyed by each model's original Append-order index (§4.I step 5,8).
type BulkWriteResult struct {
	InsertedCount int64
	MatchedCount  int64
	ModifiedCount int64
	DeletedCount  int64
	UpsertedCount int64

	InsertResults map[int]InsertOneResult
	UpdateResults map[int]UpdateOneResult
	DeleteResults map[int]DeleteOneResult
}

// BulkWriteError is a single per-op failure, indexed by its model's original Append position.
type BulkWriteError struct {
	Index   int
	Code    int64
	Message string
	Details []byte
}

func (e BulkWriteError) Error() string {
	return fmt.Sprintf("bulk write error at index %d: (%d) %s", e.Index, e.Code, e.Message)
}

// BulkWriteException aggregates every per-op write error and top-level write-concern error
// observed across a bulk write's batches (§4.I step 5,8). The engine never returns one with
// zero recorded errors — Execute drops it entirely in that case.
type BulkWriteException struct {
	WriteErrors        []BulkWriteError
	WriteConcernErrors []WriteConcernError
}

func (e *BulkWriteException) Error() string {
	return fmt.Sprintf("bulk write exception: %d write error(s), %d write concern error(s)",
		len(e.WriteErrors), len(e.WriteConcernErrors))
}

// ErrBulkWriteEmpty is returned by Execute when no models were appended (§4.I step 1).
var ErrBulkWriteEmpty = errors.New("bulk write has no operations")

// ErrBulkWriteAlreadyExecuted is returned by Execute on a BulkWrite that already ran (§4.I step
// 1): a BulkWrite is single-use.
var ErrBulkWriteAlreadyExecuted = errors.New("bulk write already executed")

// BulkWrite is the append-only client bulk-write engine of §4.I. Models accumulate in Append
// order; Execute splits them into size-bounded batches, drives each batch's per-op results
// through the cursor engine (G) per SPEC_FULL.md §4.I, and folds every result back to its
// original model index.
type BulkWrite struct {
	ops           []bufferedOp
	hasMultiWrite bool
	executed      bool
}

// NewBulkWrite constructs an empty bulk-write buffer.
func NewBulkWrite() *BulkWrite { return &BulkWrite{} }

// Append records one model against ns (§4.I Append phase). An insert whose document has no
// "_id" field is prepended with a freshly generated ObjectId so a later successful reply can
// report it without re-reading the caller's document.
func (bw *BulkWrite) Append(ns Namespace, model WriteModel) error {
	switch m := model.(type) {
	case InsertOneModel:
		doc, idVal, err := ensureID(m.Document)
		if err != nil {
			return err
		}
		bw.ops = append(bw.ops, bufferedOp{
			ns:       ns,
			opKind:   "insert",
			fields:   bsoncore.AppendDocumentElement(nil, "document", doc),
			insertID: idVal,
		})
	case UpdateOneModel:
		bw.ops = append(bw.ops, bufferedOp{ns: ns, opKind: "update", fields: buildUpdateFields(m.Filter, m.Update, m.ArrayFilters, m.Upsert)})
	case UpdateManyModel:
		bw.hasMultiWrite = true
		bw.ops = append(bw.ops, bufferedOp{ns: ns, opKind: "update", multi: true, fields: buildUpdateFields(m.Filter, m.Update, m.ArrayFilters, m.Upsert)})
	case ReplaceOneModel:
		bw.ops = append(bw.ops, bufferedOp{ns: ns, opKind: "update", fields: buildUpdateFields(m.Filter, m.Replacement, nil, m.Upsert)})
	case DeleteOneModel:
		bw.ops = append(bw.ops, bufferedOp{ns: ns, opKind: "delete", fields: buildDeleteFields(m.Filter, false)})
	case DeleteManyModel:
		bw.hasMultiWrite = true
		bw.ops = append(bw.ops, bufferedOp{ns: ns, opKind: "delete", multi: true, fields: buildDeleteFields(m.Filter, true)})
	default:
		return fmt.Errorf("unsupported write model %T", model)
	}
	return nil
}

// ensureID returns doc unchanged along with its existing "_id" value, or, if doc has none,
// a copy of doc with a freshly generated ObjectId prepended as "_id".
func ensureID(doc bsoncore.Document) (bsoncore.Document, bsoncore.Value, error) {
	if val, err := doc.LookupErr("_id"); err == nil {
		return doc, val, nil
	}
	if len(doc) < 5 {
		return nil, bsoncore.Value{}, fmt.Errorf("%w: empty insert document", ErrMalformedReply)
	}
	oid := bson.NewObjectID()
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendObjectIDElement(dst, "_id", oid)
	dst = append(dst, doc[4:len(doc)-1]...) // the original document's elements, length prefix/terminator stripped
	dst, err := bsoncore.AppendDocumentEnd(dst, idx)
	if err != nil {
		return nil, bsoncore.Value{}, err
	}
	val, err := bsoncore.Document(dst).LookupErr("_id")
	if err != nil {
		return nil, bsoncore.Value{}, err
	}
	return dst, val, nil
}

func buildUpdateFields(filter, update bsoncore.Document, arrayFilters bsoncore.Array, upsert bool) []byte {
	dst := bsoncore.AppendDocumentElement(nil, "filter", filter)
	dst = bsoncore.AppendDocumentElement(dst, "updateMods", update)
	if len(arrayFilters) > 0 {
		dst = bsoncore.AppendArrayElement(dst, "arrayFilters", arrayFilters)
	}
	if upsert {
		dst = bsoncore.AppendBooleanElement(dst, "upsert", true)
	}
	return dst
}

func buildDeleteFields(filter bsoncore.Document, multi bool) []byte {
	dst := bsoncore.AppendDocumentElement(nil, "filter", filter)
	if multi {
		dst = bsoncore.AppendBooleanElement(dst, "multi", true)
	}
	return dst
}

// bulkWriteGetMoreNamespace is the pseudo-namespace the bulkWrite command's result cursor is
// addressed under for getMore (there is no user collection involved: the cursor belongs to the
// command invocation itself).
var bulkWriteGetMoreNamespace = Namespace{DB: "admin", Collection: "$cmd.bulkWrite"}

// Execute runs every appended model to completion (§4.I Execute phase). deployment/selector
// choose the server once; every batch is then dispatched against that same pinned server
// (step 2: "a server stream, possibly pinned"). retryEligible additionally requires that no
// multi-document write appears anywhere in the payload (§4.J).
func (bw *BulkWrite) Execute(
	ctx context.Context,
	deployment Deployment,
	selector description.Selector,
	client *session.Client,
	clock *session.ClusterClock,
	opts BulkWriteOptions,
) (*BulkWriteResult, *BulkWriteException, error) {
	if bw.executed {
		return nil, nil, ErrBulkWriteAlreadyExecuted
	}
	if len(bw.ops) == 0 {
		return nil, nil, ErrBulkWriteEmpty
	}
	bw.executed = true

	if selector == nil {
		selector = description.WriteSelector()
	}
	srv, err := deployment.SelectServer(ctx, selector)
	if err != nil {
		return nil, nil, SelectionError{Wrapped: err}
	}
	desc := srv.Description()
	pinned := pinnedDeployment{srv: srv}

	maxBatchCount := int(desc.MaxBatchCount)
	if maxBatchCount <= 0 {
		maxBatchCount = 100000
	}
	maxMessageSize := int(desc.MaxMessageSize)
	if maxMessageSize <= 0 {
		maxMessageSize = defaultMaxMessageSize
	}

	retryEligible := !bw.hasMultiWrite &&
		client != nil &&
		opts.WriteConcernAcknowledged &&
		description.SessionsSupported(desc.WireVersion) &&
		desc.HasSessionTimeout

	res := &BulkWriteResult{}
	exc := &BulkWriteException{}
	if opts.VerboseResults {
		res.InsertResults = make(map[int]InsertOneResult)
		res.UpdateResults = make(map[int]UpdateOneResult)
		res.DeleteResults = make(map[int]DeleteOneResult)
	}

	offset := 0
	for offset < len(bw.ops) {
		opDocs, nsDocs, next, err := bw.buildBatch(offset, maxBatchCount, maxMessageSize)
		if err != nil {
			return res, dropIfEmpty(exc), err
		}

		reply, err := bw.dispatchBatch(ctx, pinned, client, clock, opts, opDocs, nsDocs, retryEligible)
		if err != nil {
			return res, dropIfEmpty(exc), err
		}

		foldBatchCounts(reply, res)
		if wce := extractTopLevelWriteConcernError(reply); wce != nil {
			exc.WriteConcernErrors = append(exc.WriteConcernErrors, *wce)
		}

		hadWriteErrors, err := bw.foldBatchResults(ctx, reply, srv, client, clock, offset, opts, res, exc)
		if err != nil {
			return res, dropIfEmpty(exc), err
		}

		offset = next
		if opts.Ordered && hadWriteErrors {
			break
		}
	}

	if !opts.WriteConcernAcknowledged {
		res = nil
	}
	return res, dropIfEmpty(exc), nil
}

func dropIfEmpty(exc *BulkWriteException) *BulkWriteException {
	if len(exc.WriteErrors) == 0 && len(exc.WriteConcernErrors) == 0 {
		return nil
	}
	return exc
}

// buildBatch partitions bw.ops[offset:] into a contiguous run bounded by maxBatchCount operations
// and maxMessageSize bytes (including the nsInfo overhead each op's namespace costs the first
// time it appears in the batch), per §4.I step 4.
func (bw *BulkWrite) buildBatch(offset, maxBatchCount, maxMessageSize int) (ops []bsoncore.Document, nsInfo []bsoncore.Document, next int, err error) {
	const fixedOverhead = 1024 // headroom for bulkWrite:1/errorsOnly/ordered/$db/lsid/txnNumber/$clusterTime
	nsIndex := make(map[Namespace]int32)
	opsSize, nsInfoSize := 0, 0

	i := offset
	for ; i < len(bw.ops) && i-offset < maxBatchCount; i++ {
		op := bw.ops[i]

		idx, found := nsIndex[op.ns]
		var nsDoc bsoncore.Document
		addNsInfo := 0
		if !found {
			if len(nsIndex) >= (1<<31 - 1) {
				break
			}
			idx = int32(len(nsIndex))
			nsDoc = buildNsInfoDoc(op.ns)
			addNsInfo = len(nsDoc)
		}

		opDoc := buildOpDoc(op.opKind, idx, op.fields)

		fits := fixedOverhead+opsSize+len(opDoc)+nsInfoSize+addNsInfo <= maxMessageSize
		if !fits {
			if len(ops) == 0 {
				return nil, nil, 0, fmt.Errorf("%w: operation at index %d exceeds maxMessageSizeBytes",
					wiremessage.ErrMessageTooLarge, i)
			}
			break
		}

		if !found {
			nsIndex[op.ns] = idx
			nsInfo = append(nsInfo, nsDoc)
			nsInfoSize += addNsInfo
		}
		ops = append(ops, opDoc)
		opsSize += len(opDoc)
	}
	return ops, nsInfo, i, nil
}

func buildOpDoc(kind string, nsIndex int32, fields []byte) bsoncore.Document {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendInt32Element(dst, kind, nsIndex)
	dst = append(dst, fields...)
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

func buildNsInfoDoc(ns Namespace) bsoncore.Document {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendStringElement(dst, "ns", ns.String())
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

// dispatchBatch sends one bulkWrite command batch (§4.I step 4c) and returns the decoded reply.
// A reply that reports ok:1 but carries only a writeConcernError is recovered from the returned
// WriteCommandError's Raw field rather than treated as fatal, since the per-op cursor must still
// be drained in that case (§4.I step 5).
func (bw *BulkWrite) dispatchBatch(
	ctx context.Context,
	pinned pinnedDeployment,
	client *session.Client,
	clock *session.ClusterClock,
	opts BulkWriteOptions,
	opDocs, nsDocs []bsoncore.Document,
	retryEligible bool,
) (bsoncore.Document, error) {
	opsBytes := make([][]byte, len(opDocs))
	for i, d := range opDocs {
		opsBytes[i] = d
	}
	nsBytes := make([][]byte, len(nsDocs))
	for i, d := range nsDocs {
		nsBytes[i] = d
	}

	op := &Operation{
		Database: "admin",
		CommandFn: func(dst []byte, _ description.Server) ([]byte, error) {
			dst = bsoncore.AppendInt32Element(dst, "bulkWrite", 1)
			dst = bsoncore.AppendBooleanElement(dst, "errorsOnly", !opts.VerboseResults)
			dst = bsoncore.AppendBooleanElement(dst, "ordered", opts.Ordered)
			if opts.BypassDocumentValidation {
				dst = bsoncore.AppendBooleanElement(dst, "bypassDocumentValidation", true)
			}
			if len(opts.Let) > 0 {
				dst = bsoncore.AppendDocumentElement(dst, "let", opts.Let)
			}
			if opts.HasComment {
				dst = bsoncore.AppendValueElement(dst, "comment", opts.Comment)
			}
			return dst, nil
		},
		Payloads: func(description.Server) ([]wiremessage.Payload, error) {
			return []wiremessage.Payload{
				{Identifier: "nsInfo", Documents: nsBytes},
				{Identifier: "ops", Documents: opsBytes},
			}, nil
		},
		Deployment: pinned,
		Client:     client,
		Clock:      clock,
		Type:       Write,
	}
	if retryEligible {
		op.RetryMode = RetryOnce
		op.RetryWrites = true
	}

	if err := op.Execute(ctx); err != nil {
		var wcErr WriteCommandError
		if errors.As(err, &wcErr) && len(wcErr.WriteErrors) == 0 && wcErr.Raw != nil {
			return bsoncore.Document(wcErr.Raw), nil
		}
		return nil, err
	}
	return op.Result(), nil
}

func foldBatchCounts(reply bsoncore.Document, res *BulkWriteResult) {
	add := func(key string, dst *int64) {
		if v, err := reply.LookupErr(key); err == nil {
			if n, ok := v.AsInt64OK(); ok {
				*dst += n
			}
		}
	}
	add("nInserted", &res.InsertedCount)
	add("nMatched", &res.MatchedCount)
	add("nModified", &res.ModifiedCount)
	add("nDeleted", &res.DeletedCount)
	add("nUpserted", &res.UpsertedCount)
}

func extractTopLevelWriteConcernError(reply bsoncore.Document) *WriteConcernError {
	val, err := reply.LookupErr("writeConcernError")
	if err != nil {
		return nil
	}
	doc, ok := val.DocumentOK()
	if !ok {
		return nil
	}
	wce := &WriteConcernError{}
	if c, ok := doc.Lookup("code").AsInt64OK(); ok {
		wce.Code = c
	}
	if m, ok := doc.Lookup("errmsg").StringValueOK(); ok {
		wce.Message = m
	}
	if info, ok := doc.Lookup("errInfo").DocumentOK(); ok {
		wce.Details = append([]byte(nil), info...)
	}
	return wce
}

// foldBatchResults drains the batch reply's result cursor through the cursor engine (G), per
// SPEC_FULL.md §4.I, translating each per-op document's batch-local idx into the model's original
// Append-order index and folding it into res/exc (§4.I step 5).
func (bw *BulkWrite) foldBatchResults(
	ctx context.Context,
	reply bsoncore.Document,
	srv Server,
	client *session.Client,
	clock *session.ClusterClock,
	batchOffset int,
	opts BulkWriteOptions,
	res *BulkWriteResult,
	exc *BulkWriteException,
) (bool, error) {
	if _, err := reply.LookupErr("cursor"); err != nil {
		// no per-op results accompanied this reply (e.g. an unacknowledged write).
		return false, nil
	}

	cur, err := NewCursor(reply, bulkWriteGetMoreNamespace, srv, client, clock)
	if err != nil {
		return false, err
	}
	defer func() { _ = cur.Close(ctx) }()

	hadWriteErrors := false
	for {
		doc, ok, err := cur.Next(ctx)
		if err != nil {
			return hadWriteErrors, err
		}
		if !ok {
			return hadWriteErrors, nil
		}

		idxVal, err := doc.LookupErr("idx")
		if err != nil {
			continue
		}
		batchIdx, ok := idxVal.AsInt64OK()
		if !ok {
			continue
		}
		origIndex := batchOffset + int(batchIdx)

		opOK := false
		if v, err := doc.LookupErr("ok"); err == nil {
			if n, nok := v.AsInt64OK(); nok && n == 1 {
				opOK = true
			}
		}

		if !opOK {
			hadWriteErrors = true
			bwe := BulkWriteError{Index: origIndex}
			if c, ok := doc.Lookup("code").AsInt64OK(); ok {
				bwe.Code = c
			}
			if m, ok := doc.Lookup("errmsg").StringValueOK(); ok {
				bwe.Message = m
			}
			if info, ok := doc.Lookup("errInfo").DocumentOK(); ok {
				bwe.Details = append([]byte(nil), info...)
			}
			exc.WriteErrors = append(exc.WriteErrors, bwe)
			continue
		}

		if !opts.VerboseResults || origIndex < 0 || origIndex >= len(bw.ops) {
			continue
		}
		op := bw.ops[origIndex]
		switch op.opKind {
		case "insert":
			res.InsertResults[origIndex] = InsertOneResult{InsertedID: op.insertID}
		case "update":
			ur := UpdateOneResult{}
			if v, ok := doc.Lookup("n").AsInt64OK(); ok {
				ur.MatchedCount = v
			}
			if v, ok := doc.Lookup("nModified").AsInt64OK(); ok {
				ur.ModifiedCount = v
			}
			if upserted, err := doc.LookupErr("upserted"); err == nil {
				if updoc, ok := upserted.DocumentOK(); ok {
					if idVal, err := updoc.LookupErr("_id"); err == nil {
						ur.UpsertedID = bsoncore.Value{Type: idVal.Type, Data: idVal.Data}
						ur.HasUpsertedID = true
					}
				}
			}
			res.UpdateResults[origIndex] = ur
		case "delete":
			dr := DeleteOneResult{}
			if v, ok := doc.Lookup("n").AsInt64OK(); ok {
				dr.DeletedCount = v
			}
			res.DeleteResults[origIndex] = dr
		}
	}
}
