package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// ErrUpstreamClosed indicates a sub-session was attached after Close.
var ErrUpstreamClosed = errors.New("upstream closed")

// Peer is a simulated upstream peer. The intermediary opens one
// connection to it per downstream device, and each of those connections
// becomes a sub-session Endpoint keyed by the downstream index. The
// Peer owns its sub-sessions and closes them with itself.
type Peer struct {
	index  int
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[int]*Endpoint
	order    []int
	closed   bool

	// changed is closed and replaced on every Attach so WaitSession
	// callers can block without polling.
	changed chan struct{}
}

// NewPeer creates an upstream peer with no sub-sessions.
func NewPeer(index int, logger *slog.Logger) *Peer {
	return &Peer{
		index:    index,
		sessions: make(map[int]*Endpoint),
		changed:  make(chan struct{}),
		logger: logger.With(
			slog.String("component", "endpoint.upstream"),
			slog.String("endpoint", Upstream(index).String()),
		),
	}
}

// Index returns the upstream index.
func (p *Peer) Index() int { return p.index }

// Address returns the sub-session address for downstream device sw.
func (p *Peer) Address(sw int) Address { return Upstream(p.index).Via(sw) }

// Attach registers ep as the sub-session for downstream device sw.
func (p *Peer) Attach(sw int, ep *Endpoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("attach %s: %w", p.Address(sw), ErrUpstreamClosed)
	}
	if _, ok := p.sessions[sw]; ok {
		return fmt.Errorf("attach %s: %w", p.Address(sw), ErrDuplicateEndpoint)
	}
	p.sessions[sw] = ep
	p.order = append(p.order, sw)
	close(p.changed)
	p.changed = make(chan struct{})

	p.logger.Debug("sub-session attached", slog.Int("downstream", sw))
	return nil
}

// Session returns the sub-session for downstream device sw.
func (p *Peer) Session(sw int) (*Endpoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep, ok := p.sessions[sw]
	return ep, ok
}

// Sessions returns the attached downstream indexes in ascending order.
func (p *Peer) Sessions() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, 0, len(p.sessions))
	for sw := range p.sessions {
		out = append(out, sw)
	}
	slices.Sort(out)
	return out
}

// WaitSession blocks until the sub-session for sw is attached or ctx ends.
func (p *Peer) WaitSession(ctx context.Context, sw int) (*Endpoint, error) {
	for {
		p.mu.Lock()
		ep, ok := p.sessions[sw]
		changed := p.changed
		closed := p.closed
		p.mu.Unlock()

		if ok {
			return ep, nil
		}
		if closed {
			return nil, fmt.Errorf("wait %s: %w", p.Address(sw), ErrUpstreamClosed)
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, fmt.Errorf("wait %s: %w", p.Address(sw), ctx.Err())
		}
	}
}

// Close closes every sub-session, most recently attached first.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.changed)
	order := slices.Clone(p.order)
	sessions := p.sessions
	p.mu.Unlock()

	var errs []error
	for _, sw := range slices.Backward(order) {
		if err := sessions[sw].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
