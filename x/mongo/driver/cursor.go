package driver

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongocore/driver/description"
	"github.com/mongocore/driver/session"
)

// CursorState is the state machine described by §4.G: a cursor starts Unprimed, moves into
// InBatch once a batch has been fetched, falls to EndOfBatch when the current batch is
// exhausted, and transitions to Done once the server reports cursorID 0 or the cursor is
// explicitly closed.
type CursorState uint8

// Cursor states (§4.G).
const (
	Unprimed CursorState = iota
	InBatch
	EndOfBatch
	Done
)

// Namespace identifies a collection as "db.collection", the form the server expects for
// getMore/killCursors (§4.G).
type Namespace struct {
	DB         string
	Collection string
}

// String implements fmt.Stringer.
func (ns Namespace) String() string { return ns.DB + "." + ns.Collection }

// ErrCursorClosed is returned by getMore when the cursor has already reached the Done state. Next
// reports a Done cursor as (nil, false, nil) instead.
var ErrCursorClosed = errors.New("cursor is closed")

// Cursor drives the getMore/killCursors lifecycle against the server that returned the
// originating find/aggregate/bulkWrite reply (§4.G). A Cursor is pinned to the server and,
// when one is in use, the session that produced it: both are reused on every getMore, never
// re-selected (§4.G, §5).
type Cursor struct {
	ns         Namespace
	id         int64
	srv        Server
	client     *session.Client
	clock      *session.ClusterClock
	batchSize  int32
	maxTimeMS  int64

	state   CursorState
	current []bsoncore.Document
	index   int

	postBatchResumeToken bsoncore.Document
}

// NewCursor constructs a Cursor from a command reply's "cursor" sub-document (the shape shared
// by find, aggregate, and — per the bulk-write batch-reply exhaustion described in
// SPEC_FULL.md §4.I — bulkWrite). The first batch already present in the reply is loaded
// immediately, so the cursor leaves NewCursor in InBatch, EndOfBatch or Done and the first Next
// serves that batch without an extra round trip.
func NewCursor(reply bsoncore.Document, ns Namespace, srv Server, client *session.Client, clock *session.ClusterClock) (*Cursor, error) {
	cursorVal, err := reply.LookupErr("cursor")
	if err != nil {
		return nil, fmt.Errorf("%w: reply has no \"cursor\" field", ErrMalformedReply)
	}
	cursorDoc, ok := cursorVal.DocumentOK()
	if !ok {
		return nil, fmt.Errorf("%w: \"cursor\" field is not a document", ErrMalformedReply)
	}

	c := &Cursor{ns: ns, srv: srv, client: client, clock: clock, state: Unprimed}
	if err := c.consumeCursorDoc(cursorDoc); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cursor) consumeCursorDoc(doc bsoncore.Document) error {
	id, err := doc.LookupErr("id")
	if err == nil {
		if v, ok := id.AsInt64OK(); ok {
			c.id = v
		}
	}

	batchKey := "firstBatch"
	if _, err := doc.LookupErr("nextBatch"); err == nil {
		batchKey = "nextBatch"
	}
	batchVal, err := doc.LookupErr(batchKey)
	if err != nil {
		return fmt.Errorf("%w: cursor document has neither firstBatch nor nextBatch", ErrMalformedReply)
	}
	arr, ok := batchVal.ArrayOK()
	if !ok {
		return fmt.Errorf("%w: batch field is not an array", ErrMalformedReply)
	}
	vals, err := arr.Values()
	if err != nil {
		return err
	}
	docs := make([]bsoncore.Document, 0, len(vals))
	for _, v := range vals {
		if d, ok := v.DocumentOK(); ok {
			docs = append(docs, bsoncore.Document(d))
		}
	}

	if pbrt, err := doc.LookupErr("postBatchResumeToken"); err == nil {
		if d, ok := pbrt.DocumentOK(); ok {
			c.postBatchResumeToken = bsoncore.Document(d)
		}
	}

	c.current = docs
	c.index = 0
	if len(docs) > 0 {
		c.state = InBatch
	} else if c.id == 0 {
		c.state = Done
	} else {
		c.state = EndOfBatch
	}
	return nil
}

// Next advances to the next document in the current batch, fetching a new batch with getMore
// when the current one is exhausted and the cursor is not yet Done (§4.G).
func (c *Cursor) Next(ctx context.Context) (bsoncore.Document, bool, error) {
	for {
		switch c.state {
		case Done:
			return nil, false, nil
		case InBatch:
			doc := c.current[c.index]
			c.index++
			if c.index >= len(c.current) {
				if c.id == 0 {
					c.state = Done
				} else {
					c.state = EndOfBatch
				}
			}
			return doc, true, nil
		case EndOfBatch:
			if err := c.getMore(ctx); err != nil {
				return nil, false, err
			}
		case Unprimed:
			// a Cursor built by NewCursor is always primed with its first batch (an empty first
			// batch with a live ID goes to EndOfBatch), so Unprimed is only seen on a zero Cursor.
			if err := c.getMore(ctx); err != nil {
				return nil, false, err
			}
		}
	}
}

// ID returns the server-side cursor id, or 0 once the cursor is exhausted.
func (c *Cursor) ID() int64 { return c.id }

// PostBatchResumeToken returns the resume token attached to the most recently fetched batch, if
// the server supplied one (change streams only; §4.H).
func (c *Cursor) PostBatchResumeToken() bsoncore.Document { return c.postBatchResumeToken }

// getMore issues a getMore command against the pinned server and folds the resulting batch into
// the cursor's state (§4.G).
func (c *Cursor) getMore(ctx context.Context) error {
	if c.state == Done {
		return ErrCursorClosed
	}

	op := &Operation{
		Database: c.ns.DB,
		CommandFn: func(dst []byte, _ description.Server) ([]byte, error) {
			dst = bsoncore.AppendInt64Element(dst, "getMore", c.id)
			dst = bsoncore.AppendStringElement(dst, "collection", c.ns.Collection)
			if c.batchSize > 0 {
				dst = bsoncore.AppendInt32Element(dst, "batchSize", c.batchSize)
			}
			if c.maxTimeMS > 0 {
				dst = bsoncore.AppendInt64Element(dst, "maxTimeMS", c.maxTimeMS)
			}
			return dst, nil
		},
		Deployment: pinnedDeployment{srv: c.srv},
		Client:     c.client,
		Clock:      c.clock,
		Type:       Read,
	}

	if err := op.Execute(ctx); err != nil {
		c.state = Done
		return err
	}

	cursorVal, err := op.Result().LookupErr("cursor")
	if err != nil {
		c.state = Done
		return fmt.Errorf("%w: getMore reply has no \"cursor\" field", ErrMalformedReply)
	}
	cursorDoc, ok := cursorVal.DocumentOK()
	if !ok {
		c.state = Done
		return fmt.Errorf("%w: \"cursor\" field is not a document", ErrMalformedReply)
	}
	return c.consumeCursorDoc(cursorDoc)
}

// Close kills the server-side cursor if one is still open. It is a no-op once the cursor has
// already reached Done (§4.G).
func (c *Cursor) Close(ctx context.Context) error {
	if c.state == Done || c.id == 0 {
		c.state = Done
		return nil
	}
	id := c.id
	c.state = Done
	c.id = 0

	op := &Operation{
		Database: c.ns.DB,
		CommandFn: func(dst []byte, _ description.Server) ([]byte, error) {
			idx, arr := bsoncore.AppendArrayStart(nil)
			arr = bsoncore.AppendInt64Element(arr, "0", id)
			arr, _ = bsoncore.AppendArrayEnd(arr, idx)
			dst = bsoncore.AppendStringElement(dst, "killCursors", c.ns.Collection)
			dst = bsoncore.AppendArrayElement(dst, "cursors", arr)
			return dst, nil
		},
		Deployment: pinnedDeployment{srv: c.srv},
		Client:     c.client,
		Clock:      c.clock,
	}
	return op.Execute(ctx)
}

// pinnedDeployment adapts a single already-selected Server into a Deployment that always
// returns that same server, implementing the "pinned to the originating server" requirement of
// §4.G (getMore/killCursors never re-run server selection).
type pinnedDeployment struct{ srv Server }

func (p pinnedDeployment) SelectServer(context.Context, description.Selector) (Server, error) {
	return p.srv, nil
}

func (p pinnedDeployment) Description() description.Topology {
	return description.Topology{Servers: []description.Server{p.srv.Description()}}
}
