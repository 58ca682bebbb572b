package driver

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/mongocore/driver/description"
	"github.com/mongocore/driver/session"
	"github.com/mongocore/driver/wiremessage"
)

// Type classifies an Operation for the purposes of retry eligibility (§4.F step 7, §4.J).
type Type uint8

// Operation types recognized by the retry policy.
const (
	Write Type = iota
	Read
)

// RetryMode controls whether and how an Operation's execution retries (§4.F step 7).
type RetryMode uint8

// Retry modes.
const (
	RetryNone RetryMode = iota
	RetryOnce
)

// Enabled reports whether this mode permits a retry attempt.
func (rm RetryMode) Enabled() bool { return rm == RetryOnce }

// CommandFn builds the body of a command, appending to dst and returning the extended slice. desc
// is the server the command is being sent to, since some commands vary their shape by server kind
// (§4.A, §4.F step 1).
type CommandFn func(dst []byte, desc description.Server) ([]byte, error)

// PayloadsFn builds the OP_MSG kind-1 document-sequence sections that accompany a command, such
// as bulkWrite's "nsInfo" and "ops" sections (§4.A, §4.I step 4c). Most operations have none.
type PayloadsFn func(desc description.Server) ([]wiremessage.Payload, error)

// Operation is the generic command-execution pipeline described by §4.F: it assembles a command,
// selects a server, dispatches it over the wire, parses the reply, gossips cluster/operation
// time, and retries once when the failure and operation shape permit it.
type Operation struct {
	// CommandFn builds the operation-specific part of the command document.
	CommandFn CommandFn
	// Payloads optionally supplies document-sequence sections to accompany the command, used by
	// the bulk-write engine's nsInfo/ops sections (§4.I step 4c). Nil for ordinary commands.
	Payloads PayloadsFn
	// Database is the target database; the command is sent against its admin/$cmd namespace
	// implicitly via the "$db" field (§4.A).
	Database string
	// Deployment supplies server selection and connections.
	Deployment Deployment
	// Selector narrows the deployment to eligible servers (§4.D). A nil Selector selects the
	// primary/any-writable server.
	Selector description.Selector

	Client *session.Client
	Clock  *session.ClusterClock

	// RetryMode and Type together determine whether a failed execution is retried once (§4.F
	// step 7, §4.J).
	RetryMode RetryMode
	Type      Type

	// MaxMessageSize bounds the assembled command per §4.A; defaults to 48MB if zero, matching
	// the server's default maxMessageSizeBytes prior to the first hello reply.
	MaxMessageSize int

	// RetryWrites requests retryable-write txnNumber semantics for this operation (§4.J): the
	// caller asserts eligibility on every axis it owns (this is a supported write command, and,
	// for multi-operation payloads such as bulk write, that no multi-document write appears
	// anywhere in the payload). Execute still gates the actual allocation on session/server
	// eligibility (a session must be attached and the selected server must support sessions) and
	// never overrides an already-running transaction's own txnNumber.
	RetryWrites bool

	// result is the decoded reply document from the most recent successful execution.
	result bsoncore.Document
	// txnNumber, once allocated for a retryable write, is reused across the retry attempt so the
	// server can recognize and de-duplicate it (§4.J).
	txnNumber *int64
}

const defaultMaxMessageSize = 48 * 1024 * 1024

// payloadsSize sums the document bytes carried by a set of document-sequence sections, for size
// validation (§4.F step 3, §4.I step 4b).
func payloadsSize(payloads []wiremessage.Payload) int {
	n := 0
	for _, p := range payloads {
		for _, d := range p.Documents {
			n += len(d)
		}
	}
	return n
}

// Result returns the decoded reply from the last successful Execute call.
func (op *Operation) Result() bsoncore.Document { return op.result }

// Execute runs the operation to completion, selecting a server, dispatching the command, and
// retrying once if the failure and operation type are eligible (§4.F, §4.J).
func (op *Operation) Execute(ctx context.Context) error {
	_, conn, desc, err := op.selectServerAndConnection(ctx)
	if err != nil {
		return SelectionError{Wrapped: err}
	}

	if op.shouldAllocateTxnNumber(desc) {
		n := op.Client.NextTxnNumber()
		op.txnNumber = &n
	}

	res, err := op.roundTrip(ctx, conn, desc)
	if err == nil {
		op.result = res
		return nil
	}
	if !op.retryable(err, desc) {
		return err
	}

	// retry exactly once, against a freshly selected server (§4.F step 7, §4.J): the retry
	// attempt reuses the original txnNumber so the server can recognize and de-duplicate it.
	_, conn2, desc2, serr := op.selectServerAndConnection(ctx)
	if serr != nil {
		// the original error is more actionable than a selection failure on retry.
		return err
	}

	res, rerr := op.roundTrip(ctx, conn2, desc2)
	if rerr != nil {
		return rerr
	}
	op.result = res
	return nil
}

func (op *Operation) selectServerAndConnection(ctx context.Context) (Server, Connection, description.Server, error) {
	sel := op.Selector
	if sel == nil {
		sel = description.WriteSelector()
	}
	srv, err := op.Deployment.SelectServer(ctx, sel)
	if err != nil {
		return nil, nil, description.Server{}, err
	}
	conn, err := srv.Connection(ctx)
	if err != nil {
		return nil, nil, description.Server{}, err
	}
	return srv, conn, conn.Description(), nil
}

// roundTrip assembles, sends, and decodes a single command attempt against the given connection.
func (op *Operation) roundTrip(ctx context.Context, conn Connection, desc description.Server) (bsoncore.Document, error) {
	if op.Client != nil {
		if err := op.Client.StartOperation(); err != nil {
			return nil, err
		}
		defer op.Client.EndOperation()
	}

	cmd, err := op.assembleCommand(desc)
	if err != nil {
		return nil, err
	}

	var payloads []wiremessage.Payload
	if op.Payloads != nil {
		payloads, err = op.Payloads(desc)
		if err != nil {
			return nil, err
		}
	}

	maxSize := op.MaxMessageSize
	if maxSize == 0 {
		maxSize = defaultMaxMessageSize
	}
	if err := wiremessage.ValidateSize(len(cmd), payloadsSize(payloads), maxSize); err != nil {
		return nil, err
	}

	wm := wiremessage.BuildMsg(wiremessage.NextRequestID(), cmd, payloads, false)
	wireReply, err := roundTrip(ctx, conn, wm)
	if err != nil {
		return nil, err
	}

	parsed, err := wiremessage.ParseMsg(wireReply)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}

	reply := bsoncore.Document(parsed.Body)
	if err := reply.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}

	gossipClusterTime(op.Client, op.Clock, reply)
	gossipOperationTime(op.Client, reply)

	if op.Client != nil && op.Client.TransactionStarting() {
		op.Client.AdvanceToInProgress()
	}

	if cerr := ExtractError(reply); cerr != nil {
		return reply, cerr
	}
	return reply, nil
}

// assembleCommand builds the full wire body: the caller's command fields, followed by $db,
// $clusterTime, lsid/txnNumber/startTransaction/autocommit (§4.A, §4.E, §4.J).
func (op *Operation) assembleCommand(desc description.Server) ([]byte, error) {
	idx, dst := bsoncore.AppendDocumentStart(nil)

	var err error
	dst, err = op.CommandFn(dst, desc)
	if err != nil {
		return nil, err
	}

	dst = bsoncore.AppendStringElement(dst, "$db", op.Database)
	dst = addClusterTime(dst, op.Client, op.Clock, desc)

	// write concern acknowledgment is assumed true here; unacknowledged writes never attach a
	// session per §4.E and are the caller's responsibility to signal via CommandFn.
	dst, err = addSession(dst, op.Client, desc, true)
	if err != nil {
		return nil, err
	}

	// a retryable write's txnNumber rides outside a transaction's own lsid/autocommit handling
	// (addSession only emits txnNumber while a transaction is running); §4.J.
	if op.txnNumber != nil && !op.Client.TransactionRunning() {
		dst = bsoncore.AppendInt64Element(dst, "txnNumber", *op.txnNumber)
	}

	return bsoncore.AppendDocumentEnd(dst, idx)
}

// shouldAllocateTxnNumber reports whether this execution should allocate (or, on a retry
// attempt, keep) a retryable-write txnNumber, per §4.J's full eligibility list: a supported write
// command (asserted by the caller via RetryWrites), an attached session that is not terminated,
// no transaction already owning its own txnNumber, and a server that advertises session support
// with a logical session timeout.
func (op *Operation) shouldAllocateTxnNumber(desc description.Server) bool {
	if op.txnNumber != nil {
		return false
	}
	if !op.RetryWrites || op.Type != Write {
		return false
	}
	if op.Client == nil || op.Client.Terminated {
		return false
	}
	if op.Client.TransactionRunning() {
		return false
	}
	return description.SessionsSupported(desc.WireVersion) && desc.HasSessionTimeout
}

// retryable reports whether a failed attempt is eligible for the single permitted retry, per
// §4.F step 7 and §4.J's txnNumber-stability requirement (outside an active multi-statement
// transaction).
func (op *Operation) retryable(err error, desc description.Server) bool {
	if !op.RetryMode.Enabled() {
		return false
	}
	if op.Client != nil && op.Client.TransactionRunning() {
		return false
	}
	if !description.SessionsSupported(desc.WireVersion) {
		return false
	}
	// a write retry only lets the server de-duplicate the attempt if a txnNumber actually
	// accompanied it; without one (no session, or eligibility otherwise failed) a second attempt
	// could double-apply the write, so it is not safe to retry (§4.J).
	if op.Type == Write && op.txnNumber == nil {
		return false
	}

	var netErr NetworkError
	if errors.As(err, &netErr) {
		return true
	}

	switch op.Type {
	case Write:
		return IsRetryableWrite(err)
	case Read:
		return IsRetryableRead(err)
	default:
		return false
	}
}
