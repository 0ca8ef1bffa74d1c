// Package endpoint implements simulated OpenFlow peers for the conformance
// oracle. Each Endpoint owns one connection and exactly one reader goroutine
// that frames inbound bytes into an unbounded FIFO inbox; consumers only ever
// drain the inbox. The Registry resolves role/index addresses to endpoints
// and to the sub-sessions held by upstream peers.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbmk-project/common/errclass"

	"github.com/dantte-lp/gofvt/internal/ofp"
)

// -------------------------------------------------------------------------
// Endpoint Errors
// -------------------------------------------------------------------------

// Sentinel errors for endpoint operations.
var (
	// ErrReceiveTimeout indicates no frame arrived before the deadline.
	ErrReceiveTimeout = errors.New("receive timeout")

	// ErrEndpointClosed indicates the endpoint was closed locally.
	ErrEndpointClosed = errors.New("endpoint closed")

	// ErrUnexpectedKind indicates ReceiveKind got a frame of another kind.
	ErrUnexpectedKind = errors.New("unexpected message kind")
)

// TransportError reports a failed send or a reader that stopped. Endpoint
// is the identity of the failing endpoint.
type TransportError struct {
	Endpoint string
	Op       string
	Err      error
}

// Error implements error.
func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Endpoint, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error { return e.Err }

// Class returns a stable classification of the underlying error such as
// "ECONNRESET" or "EOF", suitable for metric labels.
func (e *TransportError) Class() string {
	if errors.Is(e.Err, ErrEndpointClosed) {
		return "ECLOSED"
	}
	return errclass.New(e.Err)
}

// -------------------------------------------------------------------------
// Endpoint Options
// -------------------------------------------------------------------------

// Option configures optional Endpoint behavior.
type Option func(*Endpoint)

// WithEchoResponder makes the reader answer ECHO_REQUEST frames itself
// instead of queueing them.
func WithEchoResponder() Option {
	return func(e *Endpoint) {
		e.echo = true
	}
}

// WithMetrics attaches a MetricsReporter. If mr is nil, the default no-op
// reporter is used.
func WithMetrics(mr MetricsReporter) Option {
	return func(e *Endpoint) {
		if mr != nil {
			e.metrics = mr
		}
	}
}

// -------------------------------------------------------------------------
// Endpoint
// -------------------------------------------------------------------------

// Endpoint is one simulated peer bound to one connection.
type Endpoint struct {
	addr    Address
	name    string
	conn    net.Conn
	echo    bool
	metrics MetricsReporter
	logger  *slog.Logger

	// writeMu serializes full-frame writes from Send and the echo responder.
	writeMu sync.Mutex

	mu      sync.Mutex
	inbox   [][]byte
	readErr error

	// notify has capacity 1; the reader does a non-blocking send after
	// every push so a waiting Receive wakes up without polling.
	notify chan struct{}

	// done is closed when the reader goroutine exits.
	done chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New wraps conn and starts its reader goroutine. The Endpoint takes
// ownership of conn.
func New(conn net.Conn, addr Address, logger *slog.Logger, opts ...Option) *Endpoint {
	e := &Endpoint{
		addr:    addr,
		name:    addr.String(),
		conn:    conn,
		metrics: noopMetrics{},
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logger.With(
		slog.String("component", "endpoint"),
		slog.String("endpoint", e.name),
	)

	go e.readLoop()

	return e
}

// Address returns the address the endpoint was created with.
func (e *Endpoint) Address() Address { return e.addr }

// Name returns the identity used in diagnostics.
func (e *Endpoint) Name() string { return e.name }

// LocalAddr returns the local network address of the connection.
func (e *Endpoint) LocalAddr() net.Addr { return e.conn.LocalAddr() }

// Send writes one complete frame.
func (e *Endpoint) Send(payload []byte) error {
	if e.closed.Load() {
		return e.transportErr("send", ErrEndpointClosed)
	}
	e.writeMu.Lock()
	_, err := e.conn.Write(payload)
	e.writeMu.Unlock()
	if err != nil {
		return e.transportErr("send", err)
	}
	e.metrics.IncFramesSent(e.name)
	if e.logger.Enabled(context.Background(), slog.LevelDebug) {
		e.logger.Debug("frame sent", slog.String("frame", ofp.Describe(payload)))
	}
	return nil
}

// Receive returns the oldest queued frame, waiting up to timeout for one
// to arrive. It returns ErrReceiveTimeout when the deadline passes, the
// context error when ctx ends first, and a *TransportError once the reader
// has stopped and every queued frame has been consumed. A non-positive
// timeout checks the inbox once without waiting.
func (e *Endpoint) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if frame, ok := e.pop(); ok {
		return frame, nil
	}
	if timeout <= 0 {
		return nil, ErrReceiveTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-e.notify:
			if frame, ok := e.pop(); ok {
				return frame, nil
			}
		case <-e.done:
			if frame, ok := e.pop(); ok {
				return frame, nil
			}
			return nil, e.stoppedErr()
		case <-timer.C:
			// A frame may have been pushed right as the timer fired.
			if frame, ok := e.pop(); ok {
				return frame, nil
			}
			return nil, ErrReceiveTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryReceive pops the oldest queued frame without waiting.
func (e *Endpoint) TryReceive() ([]byte, bool) {
	return e.pop()
}

// ReceiveKind receives the next frame and checks its kind. Interleaved
// ECHO_REQUEST frames are answered and skipped unless want is itself
// ECHO_REQUEST. Handshakes use it to walk a fixed message sequence.
func (e *Endpoint) ReceiveKind(ctx context.Context, timeout time.Duration, want ofp.Type) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		frame, err := e.Receive(ctx, time.Until(deadline))
		if err != nil {
			return nil, fmt.Errorf("%s: await %s: %w", e.name, want, err)
		}
		got, _ := ofp.TypeOf(frame)
		if got == ofp.TypeEchoRequest && want != ofp.TypeEchoRequest {
			if xid, err := ofp.XID(frame); err == nil {
				if err := e.Send(ofp.EchoReply(xid, nil).Marshal()); err != nil {
					e.logger.Warn("echo reply failed", slog.String("error", err.Error()))
				}
			}
			continue
		}
		if got != want {
			return frame, fmt.Errorf("%s: await %s: got %s: %w", e.name, want, ofp.Describe(frame), ErrUnexpectedKind)
		}
		return frame, nil
	}
}

// Pending returns the number of queued frames.
func (e *Endpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inbox)
}

// Drain discards every queued frame and returns how many were dropped.
func (e *Endpoint) Drain() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.inbox)
	e.inbox = nil
	return n
}

// Done is closed once the reader goroutine has exited.
func (e *Endpoint) Done() <-chan struct{} { return e.done }

// Close closes the connection and waits for the reader goroutine to exit.
// It is safe to call more than once.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		if err := e.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			e.closeErr = fmt.Errorf("close %s: %w", e.name, err)
		}
		<-e.done
	})
	return e.closeErr
}

// -------------------------------------------------------------------------
// Reader
// -------------------------------------------------------------------------

func (e *Endpoint) readLoop() {
	defer close(e.done)

	fr := ofp.NewFrameReader(e.conn)
	for {
		frame, err := fr.ReadFrame()
		if err != nil {
			e.stop(err)
			return
		}
		e.metrics.IncFramesReceived(e.name)

		if e.echo && e.answerEcho(frame) {
			continue
		}

		if e.logger.Enabled(context.Background(), slog.LevelDebug) {
			e.logger.Debug("frame received", slog.String("frame", ofp.Describe(frame)))
		}
		e.push(frame)
	}
}

// answerEcho replies to a well-formed ECHO_REQUEST and reports whether
// the frame was consumed.
func (e *Endpoint) answerEcho(frame []byte) bool {
	h, err := ofp.ValidateHeader(frame)
	if err != nil || h.Type != ofp.TypeEchoRequest {
		return false
	}
	reply := ofp.EchoReply(h.XID, frame[ofp.HeaderSize:h.Length]).Marshal()
	e.writeMu.Lock()
	_, err = e.conn.Write(reply)
	e.writeMu.Unlock()
	if err != nil {
		e.logger.Warn("echo reply failed", slog.String("error", err.Error()))
		return true
	}
	e.metrics.IncEchoReplies(e.name)
	return true
}

func (e *Endpoint) stop(err error) {
	if e.closed.Load() {
		err = ErrEndpointClosed
	} else {
		level := slog.LevelWarn
		if errors.Is(err, io.EOF) {
			level = slog.LevelDebug
		}
		e.logger.Log(context.Background(), level, "reader stopped",
			slog.String("error", err.Error()),
			slog.String("errClass", errclass.New(err)),
		)
	}

	e.mu.Lock()
	e.readErr = err
	e.mu.Unlock()
}

func (e *Endpoint) push(frame []byte) {
	e.mu.Lock()
	e.inbox = append(e.inbox, frame)
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *Endpoint) pop() ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.inbox) == 0 {
		return nil, false
	}
	frame := e.inbox[0]
	e.inbox[0] = nil
	e.inbox = e.inbox[1:]
	return frame, true
}

func (e *Endpoint) stoppedErr() error {
	e.mu.Lock()
	err := e.readErr
	e.mu.Unlock()
	if err == nil {
		err = ErrEndpointClosed
	}
	return e.transportErr("receive", err)
}

func (e *Endpoint) transportErr(op string, err error) *TransportError {
	te := &TransportError{Endpoint: e.name, Op: op, Err: err}
	e.metrics.IncTransportErrors(e.name, te.Class())
	return te
}
