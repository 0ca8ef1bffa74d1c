// Package fixture brings up and tears down the simulated peers of one
// conformance run: upstream controllers listening for the intermediary,
// and downstream switches dialing it. Both sides complete the OpenFlow
// handshake before their endpoints are registered, so the Registry handed
// to the Orchestrator only ever contains live, handshaken sessions.
package fixture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/gofvt/internal/endpoint"
	"github.com/dantte-lp/gofvt/internal/exchange"
	"github.com/dantte-lp/gofvt/internal/normalize"
	"github.com/dantte-lp/gofvt/internal/ofp"
)

// -------------------------------------------------------------------------
// Fixture Errors
// -------------------------------------------------------------------------

// Sentinel errors for fixture lifecycle operations.
var (
	// ErrNotStarted indicates an Add call before Start.
	ErrNotStarted = errors.New("fixture not started")

	// ErrClosed indicates an Add call after Close.
	ErrClosed = errors.New("fixture closed")

	// ErrDuplicateController indicates a controller index already listening.
	ErrDuplicateController = errors.New("controller already added")
)

// Defaults matching the conventional single-host test layout.
const (
	DefaultSUTAddr            = "127.0.0.1:16633"
	DefaultListenHost         = "127.0.0.1"
	DefaultControllerBasePort = 54321
	DefaultPorts              = 4
	DefaultSwitches           = 1
	DefaultControllers        = 2
)

// Config holds the fixture parameters.
type Config struct {
	// SUTAddr is the switch-facing address of the intermediary.
	SUTAddr string

	// ListenHost is the host controllers listen on.
	ListenHost string

	// ControllerBasePort is the port of controller 0; controller i
	// listens on ControllerBasePort+i. Zero picks ephemeral ports.
	ControllerBasePort int

	// Ports is the number of data ports each simulated switch reports.
	Ports int

	// Timeout bounds each handshake and is the exchange receive timeout.
	Timeout time.Duration

	// FallbackWait is the bounded wait used when Timeout is zero.
	FallbackWait time.Duration

	// EchoResponder makes every endpoint answer keepalives itself.
	EchoResponder bool
}

// DefaultConfig returns the conventional layout: SUT on 16633,
// controllers from 54321, four ports per switch.
func DefaultConfig() Config {
	return Config{
		SUTAddr:            DefaultSUTAddr,
		ListenHost:         DefaultListenHost,
		ControllerBasePort: DefaultControllerBasePort,
		Ports:              DefaultPorts,
		Timeout:            exchange.DefaultTimeout,
		FallbackWait:       exchange.DefaultFallbackWait,
	}
}

// handshakeTimeout is the bound used for handshakes when the exchange
// timeout is "no timeout".
func (c Config) handshakeTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return exchange.DefaultTimeout
}

// -------------------------------------------------------------------------
// Options
// -------------------------------------------------------------------------

// Option configures optional Fixture behavior.
type Option func(*Fixture)

// WithEndpointOptions adds options applied to every endpoint created.
func WithEndpointOptions(opts ...endpoint.Option) Option {
	return func(f *Fixture) {
		f.endpointOpts = append(f.endpointOpts, opts...)
	}
}

// WithExchangeOptions adds options applied by Orchestrator.
func WithExchangeOptions(opts ...exchange.Option) Option {
	return func(f *Fixture) {
		f.exchangeOpts = append(f.exchangeOpts, opts...)
	}
}

// -------------------------------------------------------------------------
// Fixture
// -------------------------------------------------------------------------

// Fixture owns the simulated peers of one run.
type Fixture struct {
	cfg          Config
	logger       *slog.Logger
	reg          *endpoint.Registry
	endpointOpts []endpoint.Option
	exchangeOpts []exchange.Option

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu        sync.Mutex
	started   bool
	closed    bool
	listeners map[int]net.Listener

	// pending holds connections still in their handshake so Close can
	// abort them.
	pending map[net.Conn]struct{}

	failures []error
}

// New creates a Fixture. Nothing listens or dials until Start and the
// Add calls.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Fixture {
	f := &Fixture{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "fixture")),
		reg:       endpoint.NewRegistry(),
		listeners: make(map[int]net.Listener),
		pending:   make(map[net.Conn]struct{}),
	}
	if cfg.EchoResponder {
		f.endpointOpts = append(f.endpointOpts, endpoint.WithEchoResponder())
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Registry returns the populated endpoint registry.
func (f *Fixture) Registry() *endpoint.Registry { return f.reg }

// Start binds the fixture's background work to ctx.
func (f *Fixture) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.started {
		return
	}
	ctx, f.cancel = context.WithCancel(ctx)
	f.group, f.ctx = errgroup.WithContext(ctx)
	f.started = true
}

// Up adds controllers 0..controllers-1 and then switches 0..switches-1,
// stopping at the first failure.
func (f *Fixture) Up(ctx context.Context, switches, controllers int) error {
	for i := range controllers {
		if err := f.AddController(ctx, i); err != nil {
			return err
		}
	}
	for i := range switches {
		if err := f.AddSwitch(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

// ControllerAddr returns the listen address of controller i.
func (f *Fixture) ControllerAddr(i int) (net.Addr, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ln, ok := f.listeners[i]
	if !ok {
		return nil, false
	}
	return ln.Addr(), true
}

// HandshakeFailures returns the controller-side handshake errors seen so
// far. Those happen on accepted connections and cannot be returned from
// any call.
func (f *Fixture) HandshakeFailures() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.failures...)
}

// Orchestrator returns an Orchestrator bound to the fixture's registry
// and timeouts.
func (f *Fixture) Orchestrator(opts ...exchange.Option) *exchange.Orchestrator {
	base := []exchange.Option{
		exchange.WithTimeout(f.cfg.Timeout),
		exchange.WithFallbackWait(f.cfg.FallbackWait),
		exchange.WithLogger(f.logger),
	}
	base = append(base, f.exchangeOpts...)
	return exchange.New(f.reg, append(base, opts...)...)
}

// Close stops accepting, aborts unfinished handshakes, closes every
// endpoint and waits for background goroutines.
func (f *Fixture) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	var errs []error
	for i, ln := range f.listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close controller %d listener: %w", i, err))
		}
	}
	for c := range f.pending {
		_ = c.Close()
	}
	cancel, group := f.cancel, f.group
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if group != nil {
		if err := group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := f.reg.Close(); err != nil {
		errs = append(errs, err)
	}
	f.logger.Info("fixture closed")
	return errors.Join(errs...)
}

// -------------------------------------------------------------------------
// Controllers
// -------------------------------------------------------------------------

// AddController starts upstream peer i listening for the intermediary.
// Every accepted connection becomes a sub-session once its handshake
// names the switch it belongs to.
func (f *Fixture) AddController(ctx context.Context, i int) error {
	f.mu.Lock()
	if err := f.usableLocked(); err != nil {
		f.mu.Unlock()
		return err
	}
	if _, ok := f.listeners[i]; ok {
		f.mu.Unlock()
		return fmt.Errorf("add controller %d: %w", i, ErrDuplicateController)
	}
	f.mu.Unlock()

	port := 0
	if f.cfg.ControllerBasePort > 0 {
		port = f.cfg.ControllerBasePort + i
	}
	addr := net.JoinHostPort(f.cfg.ListenHost, strconv.Itoa(port))

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("add controller %d: listen %s: %w", i, addr, err)
	}

	up := endpoint.NewPeer(i, f.logger)
	if err := f.reg.AddUpstream(up); err != nil {
		ln.Close()
		return fmt.Errorf("add controller %d: %w", i, err)
	}

	f.mu.Lock()
	if err := f.usableLocked(); err != nil {
		f.mu.Unlock()
		ln.Close()
		return err
	}
	f.listeners[i] = ln
	f.mu.Unlock()

	f.group.Go(func() error {
		f.acceptLoop(up, ln)
		return nil
	})

	f.logger.Info("controller listening",
		slog.Int("controller", i),
		slog.String("addr", ln.Addr().String()),
	)
	return nil
}

func (f *Fixture) acceptLoop(up *endpoint.Peer, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && f.ctx.Err() == nil {
				f.logger.Warn("accept failed",
					slog.Int("controller", up.Index()),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		if !f.track(conn) {
			conn.Close()
			return
		}
		f.group.Go(func() error {
			if err := f.serveController(up, conn); err != nil {
				conn.Close()
				f.recordFailure(fmt.Errorf("controller %d: %w", up.Index(), err))
			}
			return nil
		})
	}
}

// serveController runs the controller side of the handshake: exchange
// HELLOs, request features, and attach the connection under the
// datapath id the switch reported.
func (f *Fixture) serveController(up *endpoint.Peer, conn net.Conn) error {
	defer f.untrack(conn)

	hs := newHandshake(conn, f.cfg.handshakeTimeout())
	if err := hs.send(ofp.Hello(ofp.NextXID())); err != nil {
		return err
	}
	if _, err := hs.expect(ofp.TypeHello); err != nil {
		return err
	}
	reqXID := ofp.NextXID()
	if err := hs.send(ofp.FeaturesRequest(reqXID)); err != nil {
		return err
	}
	frame, err := hs.expect(ofp.TypeFeaturesReply)
	if err != nil {
		return err
	}
	features, err := ofp.ParseFeaturesReply(frame)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if features.XID != reqXID {
		return fmt.Errorf("features reply xid 0x%08x, requested 0x%08x: %w", features.XID, reqXID, ErrHandshake)
	}
	hs.finish()

	sw := int(features.DatapathID)
	ep := endpoint.New(conn, up.Address(sw), f.logger, f.endpointOpts...)
	if err := up.Attach(sw, ep); err != nil {
		_ = ep.Close()
		return err
	}
	f.logger.Info("controller session up",
		slog.Int("controller", up.Index()),
		slog.Int("switch", sw),
		slog.Int("ports", len(features.Ports)),
	)
	return nil
}

// -------------------------------------------------------------------------
// Switches
// -------------------------------------------------------------------------

// AddSwitch dials the intermediary as downstream device i (datapath id i),
// completes the handshake with the intermediary and with every controller
// it relays, and registers the endpoint. It returns once every registered
// controller holds the sub-session for i.
func (f *Fixture) AddSwitch(ctx context.Context, i int) error {
	f.mu.Lock()
	err := f.usableLocked()
	f.mu.Unlock()
	if err != nil {
		return err
	}

	timeout := f.cfg.handshakeTimeout()
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", f.cfg.SUTAddr)
	if err != nil {
		return fmt.Errorf("add switch %d: dial %s: %w", i, f.cfg.SUTAddr, err)
	}
	if !f.track(conn) {
		conn.Close()
		return ErrClosed
	}

	controllers := f.reg.UpstreamIndexes()
	if err := f.switchHandshake(conn, i, len(controllers)); err != nil {
		f.untrack(conn)
		conn.Close()
		return fmt.Errorf("add switch %d: %w", i, err)
	}
	f.untrack(conn)

	ep := endpoint.New(conn, endpoint.Downstream(i), f.logger, f.endpointOpts...)
	if err := f.reg.AddDownstream(i, ep); err != nil {
		_ = ep.Close()
		return fmt.Errorf("add switch %d: %w", i, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for _, c := range controllers {
		up, ok := f.reg.Upstream(c)
		if !ok {
			continue
		}
		if _, err := up.WaitSession(waitCtx, i); err != nil {
			return fmt.Errorf("add switch %d: controller %d session: %w", i, c, err)
		}
	}

	f.logger.Info("switch up",
		slog.Int("switch", i),
		slog.Int("controllers", len(controllers)),
	)
	return nil
}

func (f *Fixture) switchHandshake(conn net.Conn, i, controllers int) error {
	hs := newHandshake(conn, f.cfg.handshakeTimeout())

	if err := hs.send(ofp.Hello(ofp.NextXID())); err != nil {
		return err
	}
	if _, err := hs.expect(ofp.TypeHello); err != nil {
		return err
	}

	frame, err := hs.expect(ofp.TypeFlowMod)
	if err != nil {
		return err
	}
	flush := ofp.FlowModFlush(0).Marshal()
	pair := normalize.Normalizer{}.Prepare(flush, frame, normalize.Rules{IgnoreXID: true})
	if !pair.Equal() {
		return fmt.Errorf("expected flow flush, got %s: %w", ofp.Describe(frame), ErrHandshake)
	}

	ports := make([]uint16, f.cfg.Ports)
	for p := range ports {
		ports[p] = uint16(p)
	}
	features := ofp.SwitchFeatures(0, uint64(i), ports)

	// One FEATURES_REQUEST from the intermediary itself, then one relayed
	// per controller.
	for range 1 + controllers {
		req, err := hs.expect(ofp.TypeFeaturesRequest)
		if err != nil {
			return err
		}
		features.XID, _ = ofp.XID(req)
		if err := hs.send(features); err != nil {
			return err
		}
	}
	hs.finish()
	return nil
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func (f *Fixture) usableLocked() error {
	switch {
	case f.closed:
		return ErrClosed
	case !f.started:
		return ErrNotStarted
	default:
		return nil
	}
}

func (f *Fixture) track(c net.Conn) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.pending[c] = struct{}{}
	return true
}

func (f *Fixture) untrack(c net.Conn) {
	f.mu.Lock()
	delete(f.pending, c)
	f.mu.Unlock()
}

func (f *Fixture) recordFailure(err error) {
	f.logger.Warn("handshake failed", slog.String("error", err.Error()))
	f.mu.Lock()
	f.failures = append(f.failures, err)
	f.mu.Unlock()
}
