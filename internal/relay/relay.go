// Package relay is a minimal in-process OpenFlow intermediary. Switches
// connect to it; for every switch it dials each configured controller and
// forwards messages both ways, rewriting transaction ids and flow cookies
// so that controllers never see each other's values. It stands in for a
// real proxy when the oracle itself needs exercising.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// -------------------------------------------------------------------------
// Relay Errors
// -------------------------------------------------------------------------

var (
	// ErrNotListening indicates Serve or Addr before Listen.
	ErrNotListening = errors.New("relay not listening")

	// ErrRelayClosed indicates Listen after Close.
	ErrRelayClosed = errors.New("relay closed")

	// ErrHandshake indicates a peer deviated from the opening sequence.
	ErrHandshake = errors.New("relay handshake failed")
)

// Defaults.
const (
	DefaultListenAddr = "127.0.0.1:16633"
	DefaultTimeout    = 5 * time.Second
	DefaultWindow     = 4096

	// errorDataLimit caps how much of a rejected frame is echoed back in
	// the ERROR body.
	errorDataLimit = 64
)

// Config holds relay parameters.
type Config struct {
	// ListenAddr is the switch-facing listen address.
	ListenAddr string

	// Controllers are dialed, in order, for every switch that connects.
	Controllers []string

	// Timeout bounds each handshake and controller dial.
	Timeout time.Duration

	// Window is the number of outstanding rewritten xids kept per switch.
	Window int
}

// Option configures optional Relay behavior.
type Option func(*Relay)

// WithMetrics attaches a MetricsReporter. If mr is nil, the default no-op
// reporter is used.
func WithMetrics(mr MetricsReporter) Option {
	return func(r *Relay) {
		if mr != nil {
			r.metrics = mr
		}
	}
}

// -------------------------------------------------------------------------
// Relay
// -------------------------------------------------------------------------

// Relay accepts switches and bridges each one to every controller.
type Relay struct {
	cfg     Config
	logger  *slog.Logger
	metrics MetricsReporter

	mu          sync.Mutex
	ln          net.Listener
	controllers []string
	closed      bool
}

// New creates a Relay. Call Listen, then Serve.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Relay {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	r := &Relay{
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "relay")),
		metrics:     noopMetrics{},
		controllers: append([]string(nil), cfg.Controllers...),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Listen binds the switch-facing socket.
func (r *Relay) Listen(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRelayClosed
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", r.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("relay listen %s: %w", r.cfg.ListenAddr, err)
	}
	r.ln = ln
	r.logger.Info("relay listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound switch-facing address.
func (r *Relay) Addr() (net.Addr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ln == nil {
		return nil, ErrNotListening
	}
	return r.ln.Addr(), nil
}

// AddController appends a controller address. Only switches that connect
// afterwards are bridged to it.
func (r *Relay) AddController(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.controllers = append(r.controllers, addr)
}

func (r *Relay) controllerAddrs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.controllers...)
}

// Serve accepts switches until ctx is canceled or Close is called, then
// tears every session down and returns. A clean stop returns nil.
func (r *Relay) Serve(ctx context.Context) error {
	r.mu.Lock()
	ln := r.ln
	r.mu.Unlock()
	if ln == nil {
		return ErrNotListening
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		_ = ln.Close()
		return nil
	})

	g.Go(func() error {
		defer cancel()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) || gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("relay accept: %w", err)
			}
			g.Go(func() error {
				r.serveSwitch(gctx, conn)
				return nil
			})
		}
	})

	err := g.Wait()
	r.logger.Info("relay stopped")
	return err
}

// Close stops accepting. Serve returns once every session has ended.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if r.ln == nil {
		return nil
	}
	if err := r.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("relay close: %w", err)
	}
	return nil
}

// serveSwitch runs one switch session to completion.
func (r *Relay) serveSwitch(ctx context.Context, conn net.Conn) {
	s := &session{
		relay:   r,
		logger:  r.logger.With(slog.String("switch_addr", conn.RemoteAddr().String())),
		sw:      newLink(conn),
		xids:    NewTranslator(NewAllocator(math.MaxUint32), r.cfg.Window),
		cookies: NewTranslator(NewAllocator(math.MaxUint64), 0),
	}
	defer s.closeAll()
	stop := context.AfterFunc(ctx, s.closeAll)
	defer stop()

	dpid, err := s.switchHandshake(r.cfg.Timeout)
	if err != nil {
		s.logger.Warn("switch handshake failed", slog.String("error", err.Error()))
		return
	}
	s.logger = s.logger.With(slog.Uint64("dpid", dpid))

	for i, addr := range r.controllerAddrs() {
		l, err := dialController(ctx, addr, r.cfg.Timeout)
		if err != nil {
			s.logger.Warn("controller link failed",
				slog.Int("controller", i),
				slog.String("error", err.Error()),
			)
			return
		}
		if !s.addController(l) {
			return
		}
	}

	r.metrics.SessionUp()
	defer r.metrics.SessionDown()
	s.logger.Info("switch session up", slog.Int("controllers", len(s.ctls)))

	if err := s.run(ctx); err != nil {
		s.logger.Info("switch session ended", slog.String("reason", err.Error()))
	}
}
