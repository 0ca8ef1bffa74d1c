package exchange

import (
	"fmt"
	"strings"
	"time"

	"github.com/dantte-lp/gofvt/internal/endpoint"
	"github.com/dantte-lp/gofvt/internal/normalize"
)

// Mode selects how much of an expected message is compared.
type Mode = normalize.Mode

// Compare modes.
const (
	ModeExact      = normalize.ModeExact
	ModeHeaderOnly = normalize.ModeHeaderOnly
)

// Directive sends one framed message from one endpoint.
type Directive struct {
	Origin  endpoint.Address
	Payload []byte
}

// Expectation asserts that Target does or does not receive a message.
type Expectation struct {
	Target endpoint.Address

	// Payload is the expected frame. Nil or empty asserts that nothing is
	// queued on Target at the moment the expectation is checked.
	Payload []byte

	Mode         Mode
	IgnoreXID    bool
	IgnoreHandle bool

	// Timeout overrides the orchestrator's receive timeout when positive.
	Timeout time.Duration
}

// Expect is shorthand for an exact-match expectation.
func Expect(target endpoint.Address, payload []byte) Expectation {
	return Expectation{Target: target, Payload: payload}
}

// ExpectNothing asserts that target has nothing queued.
func ExpectNothing(target endpoint.Address) Expectation {
	return Expectation{Target: target}
}

// -------------------------------------------------------------------------
// Failure
// -------------------------------------------------------------------------

// FailureKind classifies why an exchange failed.
type FailureKind uint8

const (
	// FailureUnknownEndpoint: an origin or target resolved to nothing.
	FailureUnknownEndpoint FailureKind = iota + 1
	// FailureTransport: the send failed or the target's reader stopped.
	FailureTransport
	// FailureTimeout: an expected message did not arrive in time.
	FailureTimeout
	// FailureUnexpected: a message was queued where none was expected.
	FailureUnexpected
	// FailureMismatch: a well-framed message failed comparison.
	FailureMismatch
	// FailureMalformed: a message whose framing is broken failed comparison.
	FailureMalformed
	// FailureCanceled: the caller's context ended while waiting.
	FailureCanceled
)

var failureKindNames = map[FailureKind]string{
	FailureUnknownEndpoint: "unknown_endpoint",
	FailureTransport:       "transport",
	FailureTimeout:         "timeout",
	FailureUnexpected:      "unexpected",
	FailureMismatch:        "mismatch",
	FailureMalformed:       "malformed",
	FailureCanceled:        "canceled",
}

// String returns the snake_case kind name used in logs and metric labels.
func (k FailureKind) String() string {
	if s, ok := failureKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("FailureKind(%d)", k)
}

// SendStep is the Failure.Step value for failures of the directive itself.
const SendStep = -1

// Failure is the diagnostic payload of a failed exchange. It is captured
// at the point of failure; nothing after it was evaluated.
type Failure struct {
	Kind FailureKind

	// Step is the zero-based expectation index, or SendStep.
	Step int

	// Endpoint is the identity of the endpoint involved.
	Endpoint string

	// Expected and Observed are the raw frames before normalization.
	Expected []byte
	Observed []byte

	// ExpectedText and ObservedText are their decoded descriptions.
	ExpectedText string
	ObservedText string

	// Err is the underlying error, if any.
	Err error
}

// Error implements error.
func (f *Failure) Error() string {
	var b strings.Builder
	if f.Step == SendStep {
		fmt.Fprintf(&b, "send from %s: %s", f.Endpoint, f.Kind)
	} else {
		fmt.Fprintf(&b, "expectation %d at %s: %s", f.Step, f.Endpoint, f.Kind)
	}
	if f.Err != nil {
		fmt.Fprintf(&b, ": %v", f.Err)
	}
	if f.ExpectedText != "" {
		fmt.Fprintf(&b, "; expected %s", f.ExpectedText)
	}
	if f.ObservedText != "" {
		fmt.Fprintf(&b, "; observed %s", f.ObservedText)
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (f *Failure) Unwrap() error { return f.Err }

// Result is the outcome of one exchange.
type Result struct {
	OK bool

	// TransactionID is the true xid of the first frame received for an
	// expectation with a payload. HasTransactionID is false when no such
	// frame was received.
	TransactionID    uint32
	HasTransactionID bool

	// Handles are the opaque handles captured, in expectation order.
	Handles []uint64

	// Failure is nil when OK is set.
	Failure *Failure
}

// Err returns the failure as an error, or nil.
func (r Result) Err() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure
}

// Handle returns the i-th captured handle, or false when fewer were
// captured.
func (r Result) Handle(i int) (uint64, bool) {
	if i < 0 || i >= len(r.Handles) {
		return 0, false
	}
	return r.Handles[i], true
}
