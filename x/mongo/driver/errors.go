// Package driver implements the command-execution pipeline (§4.F), retryable write/read support
// (§4.J), and the shared Connection/Server/Deployment contracts consumed by topology, cursor,
// change-stream, and bulk-write engines.
package driver

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes an error per the taxonomy in §7.
type Kind uint8

// Error kinds (§7).
const (
	KindClient Kind = iota
	KindCommand
	KindWriteConcern
	KindWrite
	KindNetwork
	KindSelection
	KindProtocol
	KindCompatibility
	KindCursor
)

func (k Kind) String() string {
	switch k {
	case KindClient:
		return "Client"
	case KindCommand:
		return "Command"
	case KindWriteConcern:
		return "WriteConcern"
	case KindWrite:
		return "Write"
	case KindNetwork:
		return "Network"
	case KindSelection:
		return "Selection"
	case KindProtocol:
		return "Protocol"
	case KindCompatibility:
		return "Compatibility"
	case KindCursor:
		return "Cursor"
	default:
		return "Unknown"
	}
}

// RetryableWriteErrorLabel is the error label the server attaches to a write-command reply to
// mark it retryable (§4.F step 7), independent of the closed code set.
const RetryableWriteErrorLabel = "RetryableWriteError"

// TransientTransactionErrorLabel marks an error as safe to retry an entire transaction against.
const TransientTransactionErrorLabel = "TransientTransactionError"

// Error is a server-returned command error: { ok: 0, code, errmsg, ... } (§7 kind Command).
// It preserves the originating server reply so callers can inspect server-side diagnostics.
type Error struct {
	Code    int32
	Name    string
	Message string
	Labels  []string
	// Raw is the full server reply document that produced this error, preserved verbatim so
	// callers can inspect server-side diagnostics (§7 propagation).
	Raw []byte
}

func (e Error) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("(%s) %s", e.Name, e.Message)
	}
	return e.Message
}

// HasErrorLabel reports whether label is present on this error.
func (e Error) HasErrorLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// NetworkError reports whether this Error represents a network failure classification. Command
// errors themselves are never network errors; this exists so callers can treat the two
// uniformly when both satisfy the same interface (mirrors the teacher's driver.Error contract).
func (Error) NetworkError() bool { return false }

// retryableCodes is the closed set of codes from §4.F step 7 that mark a write error retryable,
// independent of any error label the server may have attached.
var retryableCodes = map[int32]bool{
	11600: true, // InterruptedAtShutdown
	11602: true, // InterruptedDueToReplStateChange
	10107: true, // NotWritablePrimary
	13435: true, // NotPrimaryNoSecondaryOk
	13436: true, // NotPrimaryOrSecondary
	189:   true, // PrimarySteppedDown
	91:    true, // ShutdownInProgress
	7:     true, // HostNotFound
	6:     true, // HostUnreachable
	89:    true, // NetworkTimeout
	9001:  true, // SocketException
}

const cursorNotFoundCode int32 = 43

// IsRetryableWrite classifies a command error per §4.F step 7's retryable-write set: a closed
// code set, plus any reply carrying the RetryableWriteError label.
func IsRetryableWrite(err error) bool {
	var cerr Error
	if !errors.As(err, &cerr) {
		return false
	}
	if cerr.HasErrorLabel(RetryableWriteErrorLabel) {
		return true
	}
	return retryableCodes[cerr.Code]
}

// IsRetryableRead classifies a command error per §4.F step 7's retryable-read set: the
// retryable-write set, plus CursorNotFound (43) and any errmsg containing "not master".
func IsRetryableRead(err error) bool {
	var cerr Error
	if !errors.As(err, &cerr) {
		return false
	}
	if cerr.Code == cursorNotFoundCode {
		return true
	}
	if strings.Contains(strings.ToLower(cerr.Message), "not master") {
		return true
	}
	return IsRetryableWrite(err)
}

// WriteError is a single per-document write failure (§3 Data Model "Bulk write result").
type WriteError struct {
	Index   int64
	Code    int64
	Message string
	Details []byte // errInfo, if present
}

func (e WriteError) Error() string {
	return fmt.Sprintf("write error at index %d: (%d) %s", e.Index, e.Code, e.Message)
}

// WriteConcernError describes a durability failure that accompanies an otherwise-successful
// write (§7 kind WriteConcern).
type WriteConcernError struct {
	Code    int64
	Message string
	Details []byte
}

func (e WriteConcernError) Error() string {
	return fmt.Sprintf("write concern error: (%d) %s", e.Code, e.Message)
}

// WriteCommandError aggregates the write errors and write concern error observed in a single
// command reply, as extracted by ExtractError.
type WriteCommandError struct {
	WriteErrors       []WriteError
	WriteConcernError *WriteConcernError
	Labels            []string
	// Raw is the full reply that produced this error. A command can reply { ok: 1 } and still
	// carry a writeConcernError (e.g. a bulkWrite batch whose per-op results matter even though
	// durability wasn't satisfied); callers that need to keep processing such a reply recover it
	// from here instead of treating the error as fully fatal (§4.I step 5).
	Raw []byte
}

func (e WriteCommandError) Error() string {
	switch {
	case len(e.WriteErrors) > 0:
		return e.WriteErrors[0].Error()
	case e.WriteConcernError != nil:
		return e.WriteConcernError.Error()
	default:
		return "write command error"
	}
}

// HasErrorLabel reports whether label is present on this error.
func (e WriteCommandError) HasErrorLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// SelectionError is returned when no server satisfied an operation's requirements within the
// selection timeout (§7 kind Selection; always fatal for the operation).
type SelectionError struct {
	Wrapped error
}

func (e SelectionError) Error() string {
	return fmt.Sprintf("server selection error: %s", e.Wrapped)
}

func (e SelectionError) Unwrap() error { return e.Wrapped }

// CompatibilityError is returned when the cluster's negotiated wire-version range excludes a
// required feature (§7 kind Compatibility; always fatal).
type CompatibilityError struct {
	Message string
}

func (e CompatibilityError) Error() string { return e.Message }

// NetworkError wraps a transport-level failure (socket error, timeout, connection closed).
// Operation retries it once when Operation.retryable allows a retry: RetryMode enabled, no
// transaction running, session support, and for writes an allocated txnNumber (§4.F step 7).
type NetworkError struct {
	Wrapped error
	Labels  []string
}

func (e NetworkError) Error() string { return fmt.Sprintf("network error: %s", e.Wrapped) }
func (e NetworkError) Unwrap() error { return e.Wrapped }

// HasErrorLabel reports whether label is present on this error.
func (e NetworkError) HasErrorLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// ClientError represents malformed input or API misuse (§7 kind Client): e.g. combining an
// unacknowledged write concern with an explicit session.
type ClientError struct {
	Message string
}

func (e ClientError) Error() string { return e.Message }
