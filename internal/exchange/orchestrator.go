// Package exchange implements the oracle's single entry point: send one
// directive, then check an ordered list of expectations against the
// addressed endpoints' inboxes and return one verdict together with the
// correlation values (transaction id, opaque handles) later directives in
// the same scenario may need.
package exchange

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dantte-lp/gofvt/internal/endpoint"
	"github.com/dantte-lp/gofvt/internal/normalize"
	"github.com/dantte-lp/gofvt/internal/ofp"
	"github.com/dantte-lp/gofvt/internal/transcript"
)

// Defaults for the receive deadlines.
const (
	// DefaultTimeout is the per-expectation receive timeout.
	DefaultTimeout = 2 * time.Second

	// DefaultFallbackWait bounds the wait used when the configured
	// timeout is zero ("no timeout").
	DefaultFallbackWait = 100 * time.Millisecond
)

// Resolver maps addresses to live endpoints. Implemented by
// endpoint.Registry.
type Resolver interface {
	Resolve(addr endpoint.Address) (*endpoint.Endpoint, error)
}

// -------------------------------------------------------------------------
// Options
// -------------------------------------------------------------------------

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTimeout sets the per-expectation receive timeout. Zero selects the
// bounded fallback wait instead of blocking.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.timeout = d
		}
	}
}

// WithFallbackWait sets the bounded wait used when the timeout is zero.
func WithFallbackWait(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.fallback = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics attaches a MetricsReporter. If mr is nil, the default no-op
// reporter is used.
func WithMetrics(mr MetricsReporter) Option {
	return func(o *Orchestrator) {
		if mr != nil {
			o.metrics = mr
		}
	}
}

// WithRecorder writes a transcript record for every exchange.
func WithRecorder(r transcript.Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.recorder = r
		}
	}
}

// -------------------------------------------------------------------------
// Orchestrator
// -------------------------------------------------------------------------

// Orchestrator evaluates exchanges one at a time against a Resolver.
type Orchestrator struct {
	resolver   Resolver
	timeout    time.Duration
	fallback   time.Duration
	normalizer normalize.Normalizer
	metrics    MetricsReporter
	recorder   transcript.Recorder
	logger     *slog.Logger

	// mu serializes Run; exchanges never overlap.
	mu sync.Mutex
}

// New creates an Orchestrator over resolver.
func New(resolver Resolver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		resolver: resolver,
		timeout:  DefaultTimeout,
		fallback: DefaultFallbackWait,
		metrics:  noopMetrics{},
		recorder: transcript.NoopRecorder{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(slog.String("component", "exchange"))
	return o
}

// Timeout returns the configured receive timeout.
func (o *Orchestrator) Timeout() time.Duration { return o.timeout }

// Run sends d and evaluates exps in order. The first failing expectation
// ends the exchange; its diagnostics are in Result.Failure. Run never
// panics on bad input and leaves every endpoint usable for the next
// exchange.
func (o *Orchestrator) Run(ctx context.Context, d Directive, exps ...Expectation) Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	start := time.Now()
	rec := transcript.Record{
		Time:    start,
		Origin:  d.Origin.String(),
		Payload: d.Payload,
	}

	res := o.run(ctx, d, exps, &rec)

	elapsed := time.Since(start)
	outcome := "pass"
	if !res.OK {
		outcome = res.Failure.Kind.String()
	}
	o.metrics.ObserveExchange(outcome, elapsed)

	rec.Duration = elapsed
	rec.OK = res.OK
	rec.TransactionID = res.TransactionID
	rec.HasTransactionID = res.HasTransactionID
	rec.Handles = res.Handles
	if res.Failure != nil {
		rec.FailureKind = res.Failure.Kind.String()
		rec.Failure = res.Failure.Error()
	}
	if err := o.recorder.Record(rec); err != nil {
		o.logger.Warn("transcript write failed", slog.String("error", err.Error()))
	}

	if res.OK {
		o.logger.Debug("exchange passed",
			slog.String("origin", rec.Origin),
			slog.Int("expectations", len(exps)),
			slog.Duration("elapsed", elapsed),
		)
	} else {
		f := res.Failure
		o.logger.Warn("exchange failed",
			slog.String("origin", rec.Origin),
			slog.String("kind", f.Kind.String()),
			slog.Int("step", f.Step),
			slog.String("endpoint", f.Endpoint),
			slog.String("expected", f.ExpectedText),
			slog.String("observed", f.ObservedText),
		)
	}
	return res
}

func (o *Orchestrator) run(ctx context.Context, d Directive, exps []Expectation, rec *transcript.Record) Result {
	var res Result

	origin, err := o.resolver.Resolve(d.Origin)
	if err != nil {
		return fail(res, &Failure{Kind: FailureUnknownEndpoint, Step: SendStep, Endpoint: d.Origin.String(), Err: err})
	}
	if err := origin.Send(d.Payload); err != nil {
		return fail(res, &Failure{Kind: FailureTransport, Step: SendStep, Endpoint: origin.Name(), Err: err})
	}

	for i, exp := range exps {
		target := inheritSub(exp.Target, d.Origin)
		step := transcript.Step{
			Target:       target.String(),
			Mode:         exp.Mode.String(),
			IgnoreXID:    exp.IgnoreXID,
			IgnoreHandle: exp.IgnoreHandle,
			Expected:     exp.Payload,
		}

		f := o.check(ctx, i, target, exp, &res, &step)
		step.OK = f == nil
		rec.Steps = append(rec.Steps, step)
		if f != nil {
			return fail(res, f)
		}
	}

	res.OK = true
	return res
}

// check evaluates one expectation and returns nil when it holds.
func (o *Orchestrator) check(
	ctx context.Context,
	i int,
	addr endpoint.Address,
	exp Expectation,
	res *Result,
	step *transcript.Step,
) *Failure {
	target, err := o.resolver.Resolve(addr)
	if err != nil {
		return &Failure{Kind: FailureUnknownEndpoint, Step: i, Endpoint: addr.String(), Err: err}
	}

	if len(exp.Payload) == 0 {
		if frame, ok := target.TryReceive(); ok {
			step.Observed = frame
			return &Failure{
				Kind:         FailureUnexpected,
				Step:         i,
				Endpoint:     target.Name(),
				Observed:     frame,
				ObservedText: ofp.Describe(frame),
			}
		}
		return nil
	}

	frame, err := target.Receive(ctx, o.waitFor(exp))
	if err != nil {
		return &Failure{
			Kind:         receiveFailureKind(err),
			Step:         i,
			Endpoint:     target.Name(),
			Expected:     exp.Payload,
			ExpectedText: ofp.Describe(exp.Payload),
			Err:          err,
		}
	}
	step.Observed = frame

	pair := o.normalizer.Prepare(exp.Payload, frame, normalize.Rules{
		Mode:         exp.Mode,
		IgnoreXID:    exp.IgnoreXID,
		IgnoreHandle: exp.IgnoreHandle,
	})
	if pair.HasXID && !res.HasTransactionID {
		res.TransactionID, res.HasTransactionID = pair.XID, true
	}
	if pair.HasHandle {
		res.Handles = append(res.Handles, pair.Handle)
		o.metrics.IncHandlesCaptured()
	}

	if pair.Equal() {
		return nil
	}

	f := &Failure{
		Kind:         FailureMismatch,
		Step:         i,
		Endpoint:     target.Name(),
		Expected:     exp.Payload,
		Observed:     frame,
		ExpectedText: ofp.Describe(exp.Payload),
		ObservedText: ofp.Describe(frame),
	}
	if err := normalize.CheckFraming(frame); err != nil {
		f.Kind = FailureMalformed
		f.Err = err
	}
	return f
}

// receiveFailureKind maps a Receive error onto a verdict. Only an expired
// wait is a timeout; an ended ctx aborts the exchange instead.
func receiveFailureKind(err error) FailureKind {
	switch {
	case errors.Is(err, endpoint.ErrReceiveTimeout):
		return FailureTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return FailureCanceled
	default:
		return FailureTransport
	}
}

// waitFor returns the receive deadline for exp.
func (o *Orchestrator) waitFor(exp Expectation) time.Duration {
	switch {
	case exp.Timeout > 0:
		return exp.Timeout
	case o.timeout > 0:
		return o.timeout
	default:
		return o.fallback
	}
}

// inheritSub fills in the sub-session of an upstream target that names
// none, using the downstream device the directive concerns: the origin
// itself when it is downstream, or the origin's sub-session otherwise.
func inheritSub(target, origin endpoint.Address) endpoint.Address {
	if target.Role != endpoint.RoleUpstream || target.HasSub {
		return target
	}
	switch {
	case origin.Role == endpoint.RoleDownstream:
		return target.Via(origin.Index)
	case origin.HasSub:
		return target.Via(origin.Sub)
	default:
		return target
	}
}

func fail(res Result, f *Failure) Result {
	res.OK = false
	res.Failure = f
	return res
}
