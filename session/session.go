package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// TransactionState is the state machine described in §4.E.
type TransactionState uint8

// Transaction states, forming the cycle described in §4.E:
//
//	None -(start)-> Starting -(first op)-> InProgress -(commit)-> Committed -(start)-> Starting ...
//	InProgress -(abort)-> Aborted -(start)-> Starting ...
const (
	None TransactionState = iota
	Starting
	InProgress
	Committed
	Aborted
)

// ErrSessionEnded is returned when an operation is attempted on a session that has already been
// ended by the application.
var ErrSessionEnded = errors.New("session ended")

// ErrConcurrentOperation is returned when an operation is started on a session that already has
// one in flight, violating the "at most one in-flight operation per session" invariant (§3, §5).
var ErrConcurrentOperation = errors.New("session already has an operation in progress")

// Client is a logical session (§3 Data Model "Session"). A Client is created and destroyed by
// the application; it must not be used concurrently from multiple goroutines (§5).
type Client struct {
	SessionID bson.Binary // subtype 4 (UUID), wrapping a google/uuid.UUID value

	ClusterTime   bson.Raw
	OperationTime *Timestamp

	TxnNumber int64

	TransactionState TransactionState
	Consistent       bool // causal-consistency flag

	Terminated bool

	DefaultTxnOptions TransactionOptions

	inOp int32 // guards the "at most one in-flight operation" invariant
}

// Timestamp is a BSON timestamp value (seconds + ordinal).
type Timestamp struct {
	T, I uint32
}

// Compare returns -1, 0, or 1 comparing two timestamps.
func (t Timestamp) Compare(other Timestamp) int {
	if t.T != other.T {
		if t.T > other.T {
			return 1
		}
		return -1
	}
	if t.I != other.I {
		if t.I > other.I {
			return 1
		}
		return -1
	}
	return 0
}

// TransactionOptions carries the options attached to a transaction at start time. Per §4.E, the
// write concern recorded here is the only one permitted for the lifetime of the transaction.
type TransactionOptions struct {
	WriteConcernAcknowledged bool
	ReadConcernLevel         string
}

// NewClient constructs a new logical session with a freshly generated UUID session id.
func NewClient(causallyConsistent bool, defaults TransactionOptions) *Client {
	id, _ := uuid.NewRandom()
	return &Client{
		SessionID:         bson.Binary{Subtype: 0x04, Data: id[:]},
		Consistent:        causallyConsistent,
		DefaultTxnOptions: defaults,
	}
}

// StartOperation marks the session as having an in-flight operation. It returns
// ErrConcurrentOperation if one is already running, and ErrSessionEnded if the session was
// already ended.
func (c *Client) StartOperation() error {
	if c.Terminated {
		return ErrSessionEnded
	}
	if !atomic.CompareAndSwapInt32(&c.inOp, 0, 1) {
		return ErrConcurrentOperation
	}
	return nil
}

// EndOperation clears the in-flight marker set by StartOperation.
func (c *Client) EndOperation() {
	atomic.StoreInt32(&c.inOp, 0)
}

// NextTxnNumber allocates the next txnNumber for a retryable write or transactional statement
// (§4.J): it is only ever incremented, never reused except by an explicit retry of the same
// logical operation, which passes the already-allocated number back in.
func (c *Client) NextTxnNumber() int64 {
	c.TxnNumber++
	return c.TxnNumber
}

// AdvanceClusterTime gossips an incoming $clusterTime into the session if it is strictly
// greater than the one already stored (§4.E).
func (c *Client) AdvanceClusterTime(incoming bson.Raw) {
	c.ClusterTime = MaxClusterTime(c.ClusterTime, incoming)
}

// AdvanceOperationTime records the latest operationTime observed from a server reply, used for
// causally-consistent afterClusterTime on subsequent reads (§4.E).
func (c *Client) AdvanceOperationTime(t Timestamp) {
	if c.OperationTime == nil || t.Compare(*c.OperationTime) > 0 {
		c.OperationTime = &t
	}
}

// StartTransaction transitions the session into Starting, allocating a new txnNumber and
// recording the options in effect for the lifetime of the transaction.
func (c *Client) StartTransaction(opts TransactionOptions) error {
	if c.TransactionState == Starting || c.TransactionState == InProgress {
		return fmt.Errorf("cannot call StartTransaction: %w", errTransactionInProgress)
	}
	c.TransactionState = Starting
	c.DefaultTxnOptions = opts
	c.NextTxnNumber()
	return nil
}

var errTransactionInProgress = errors.New("transaction already in progress")

// AdvanceToInProgress transitions Starting -> InProgress after the first statement of a
// transaction is sent.
func (c *Client) AdvanceToInProgress() {
	if c.TransactionState == Starting {
		c.TransactionState = InProgress
	}
}

// CommitTransaction transitions InProgress -> Committed.
func (c *Client) CommitTransaction() {
	c.TransactionState = Committed
}

// AbortTransaction transitions InProgress -> Aborted.
func (c *Client) AbortTransaction() {
	c.TransactionState = Aborted
}

// TransactionRunning reports whether a transaction is Starting or InProgress.
func (c *Client) TransactionRunning() bool {
	return c.TransactionState == Starting || c.TransactionState == InProgress
}

// TransactionStarting reports whether the transaction is in the Starting state, i.e. the next
// command must carry startTransaction:true.
func (c *Client) TransactionStarting() bool {
	return c.TransactionState == Starting
}

// EndSession terminates the session; it must not be used for further operations.
func (c *Client) EndSession() {
	c.Terminated = true
}
