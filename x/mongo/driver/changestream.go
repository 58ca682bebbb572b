package driver

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongocore/driver/description"
	"github.com/mongocore/driver/session"
)

// ErrMissingResumeToken is returned when a change-stream document has no "_id" field to resume
// from (§4.H): without one the engine cannot guarantee replay semantics across a resume.
var ErrMissingResumeToken = errors.New("change stream notification is missing a resume token")

// ChangeStreamTarget identifies what an aggregate's $changeStream stage watches: a single
// collection, every collection in a database (Collection empty), or the whole cluster
// (AllChangesForCluster, §4.H "database/client-wide" streams).
type ChangeStreamTarget struct {
	Database             string
	Collection           string
	AllChangesForCluster bool
}

// ChangeStreamOptions mirrors the subset of aggregate/$changeStream options this engine resumes
// across (§4.H).
type ChangeStreamOptions struct {
	BatchSize            int32
	MaxAwaitTimeMS       int64
	FullDocument         string
	StartAtOperationTime *session.Timestamp
	// ResumeAfter seeds the stream's initial aggregate with a caller-supplied resume token,
	// distinct from the token tracked internally once documents start flowing (§4.H).
	ResumeAfter bsoncore.Document
}

// ChangeStream drives a cursor whose initial command is an aggregate with a $changeStream stage,
// transparently re-executing that aggregate with a resumeAfter token on a resumable failure
// (§4.H). It is built directly on the cursor engine (G): every document it yields, and every
// getMore/killCursors it issues, goes through an embedded *Cursor.
type ChangeStream struct {
	target   ChangeStreamTarget
	pipeline []bsoncore.Document // user stages, following the engine's own $changeStream stage
	opts     ChangeStreamOptions

	deployment Deployment
	selector   description.Selector
	client     *session.Client
	clock      *session.ClusterClock

	cursor      *Cursor
	resumeToken bsoncore.Document
	resumed     bool
	current     bsoncore.Document
	err         error
}

// NewChangeStream opens a change stream by running the initial aggregate (§4.H).
func NewChangeStream(
	ctx context.Context,
	deployment Deployment,
	selector description.Selector,
	client *session.Client,
	clock *session.ClusterClock,
	target ChangeStreamTarget,
	pipeline []bsoncore.Document,
	opts ChangeStreamOptions,
) (*ChangeStream, error) {
	cs := &ChangeStream{
		target:     target,
		pipeline:   pipeline,
		opts:       opts,
		deployment: deployment,
		selector:   selector,
		client:     client,
		clock:      clock,
	}
	if err := cs.open(ctx, opts.ResumeAfter); err != nil {
		return nil, err
	}
	return cs, nil
}

// open (re-)runs the aggregate that starts or resumes the stream, replacing cs.cursor on
// success. resumeAfter, if non-nil, is merged into the $changeStream stage in place of any
// StartAtOperationTime (§4.H: "must not set startAtOperationTime" once a token is available).
func (cs *ChangeStream) open(ctx context.Context, resumeAfter bsoncore.Document) error {
	selector := cs.selector
	if selector == nil {
		selector = description.ReadPrefSelector(description.ReadPreference{Mode: description.PrimaryMode})
	}
	srv, err := cs.deployment.SelectServer(ctx, selector)
	if err != nil {
		return SelectionError{Wrapped: err}
	}
	pinned := pinnedDeployment{srv: srv}

	csStage := cs.buildChangeStreamStage(resumeAfter)
	fullPipeline := append([]bsoncore.Document{csStage}, cs.pipeline...)

	op := &Operation{
		Database: cs.target.Database,
		CommandFn: func(dst []byte, _ description.Server) ([]byte, error) {
			if cs.target.Collection != "" {
				dst = bsoncore.AppendStringElement(dst, "aggregate", cs.target.Collection)
			} else {
				dst = bsoncore.AppendInt32Element(dst, "aggregate", 1)
			}

			pidx, parr := bsoncore.AppendArrayStart(nil)
			for i, stage := range fullPipeline {
				parr = bsoncore.AppendDocumentElement(parr, itoa32(i), stage)
			}
			parr, aerr := bsoncore.AppendArrayEnd(parr, pidx)
			if aerr != nil {
				return nil, aerr
			}
			dst = bsoncore.AppendArrayElement(dst, "pipeline", parr)

			cidx, cdoc := bsoncore.AppendDocumentStart(nil)
			if cs.opts.BatchSize > 0 {
				cdoc = bsoncore.AppendInt32Element(cdoc, "batchSize", cs.opts.BatchSize)
			}
			cdoc, cerr := bsoncore.AppendDocumentEnd(cdoc, cidx)
			if cerr != nil {
				return nil, cerr
			}
			dst = bsoncore.AppendDocumentElement(dst, "cursor", cdoc)

			return dst, nil
		},
		Deployment: pinned,
		Client:     cs.client,
		Clock:      cs.clock,
		Type:       Read,
	}

	if err := op.Execute(ctx); err != nil {
		return err
	}

	cur, err := NewCursor(op.Result(), Namespace{DB: cs.target.Database, Collection: cs.target.Collection}, srv, cs.client, cs.clock)
	if err != nil {
		return err
	}
	cur.batchSize = cs.opts.BatchSize
	cur.maxTimeMS = cs.opts.MaxAwaitTimeMS
	cs.cursor = cur
	return nil
}

// itoa32 renders small non-negative ints as decimal strings without pulling in strconv, matching
// the array-index-as-key convention bsoncore arrays use.
func itoa32(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [10]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}

// buildChangeStreamStage assembles the "$changeStream" stage document, preferring resumeAfter
// over any configured StartAtOperationTime once one is available (§4.H).
func (cs *ChangeStream) buildChangeStreamStage(resumeAfter bsoncore.Document) bsoncore.Document {
	idx, opts := bsoncore.AppendDocumentStart(nil)
	if cs.target.AllChangesForCluster {
		opts = bsoncore.AppendBooleanElement(opts, "allChangesForCluster", true)
	}
	if cs.opts.FullDocument != "" {
		opts = bsoncore.AppendStringElement(opts, "fullDocument", cs.opts.FullDocument)
	}

	switch {
	case resumeAfter != nil:
		opts = bsoncore.AppendDocumentElement(opts, "resumeAfter", resumeAfter)
	case cs.opts.StartAtOperationTime != nil:
		opts = bsoncore.AppendTimestampElement(opts, "startAtOperationTime", cs.opts.StartAtOperationTime.T, cs.opts.StartAtOperationTime.I)
	}

	opts, _ = bsoncore.AppendDocumentEnd(opts, idx)

	sidx, stage := bsoncore.AppendDocumentStart(nil)
	stage = bsoncore.AppendDocumentElement(stage, "$changeStream", opts)
	stage, _ = bsoncore.AppendDocumentEnd(stage, sidx)
	return stage
}

// isResumableChangeStreamError reports whether err belongs to the resumable set of §4.H: F's
// retryable-read set, plus any network error.
func isResumableChangeStreamError(err error) bool {
	var netErr NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	return IsRetryableRead(err)
}

// Next advances the stream to the next change document (§4.H). On a resumable cursor error it
// transparently re-opens the aggregate with the last observed resume token and retries once;
// any other error is surfaced, and so is every resumable failure once the stream has already
// resumed (the resumed flag is never reset).
func (cs *ChangeStream) Next(ctx context.Context) (bsoncore.Document, bool, error) {
	doc, ok, err := cs.cursor.Next(ctx)
	if err == nil {
		if !ok {
			return nil, false, nil
		}
		idVal, lerr := doc.LookupErr("_id")
		if lerr != nil {
			_ = cs.Close(ctx)
			cs.err = ErrMissingResumeToken
			return nil, false, ErrMissingResumeToken
		}
		tokenDoc, tok := idVal.DocumentOK()
		if !tok {
			_ = cs.Close(ctx)
			cs.err = ErrMissingResumeToken
			return nil, false, ErrMissingResumeToken
		}
		cs.resumeToken = bsoncore.Document(tokenDoc)
		cs.current = doc
		return doc, true, nil
	}

	if cs.resumed || !isResumableChangeStreamError(err) {
		cs.err = err
		return nil, false, err
	}

	cs.resumed = true
	_ = cs.cursor.Close(ctx) // best-effort; the server-side cursor is likely already gone
	if rerr := cs.open(ctx, cs.resumeToken); rerr != nil {
		cs.err = rerr
		return nil, false, rerr
	}
	return cs.Next(ctx)
}

// ResumeToken returns the most recently observed resume token, or nil before the first document.
func (cs *ChangeStream) ResumeToken() bsoncore.Document { return cs.resumeToken }

// Err returns the error that ended the stream, if any.
func (cs *ChangeStream) Err() error { return cs.err }

// ID returns the underlying cursor's server-side id.
func (cs *ChangeStream) ID() int64 { return cs.cursor.ID() }

// Close releases the underlying cursor (§4.H).
func (cs *ChangeStream) Close(ctx context.Context) error {
	return cs.cursor.Close(ctx)
}
