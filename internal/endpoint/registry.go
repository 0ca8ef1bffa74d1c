package endpoint

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
)

// -------------------------------------------------------------------------
// Registry Errors
// -------------------------------------------------------------------------

// Sentinel errors for Registry operations.
var (
	// ErrUnknownEndpoint indicates an address that names no live endpoint.
	ErrUnknownEndpoint = errors.New("unknown endpoint")

	// ErrSubSessionRequired indicates an upstream address without a
	// sub-session. Upstream peers exchange traffic only through the
	// per-downstream connections the intermediary opens to them.
	ErrSubSessionRequired = errors.New("upstream address requires a sub-session")

	// ErrDuplicateEndpoint indicates an index is already registered.
	ErrDuplicateEndpoint = errors.New("duplicate endpoint")
)

// resolveErrPrefix is the common error prefix for address resolution.
const resolveErrPrefix = "resolve"

// -------------------------------------------------------------------------
// Registry
// -------------------------------------------------------------------------

// Registry is the indexed collection of live endpoints for one fixture.
// It is populated during bring-up and read-mostly afterwards.
type Registry struct {
	mu         sync.RWMutex
	downstream map[int]*Endpoint
	upstream   map[int]*Peer

	// closers records registration order; Close walks it backwards.
	closers []io.Closer
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		downstream: make(map[int]*Endpoint),
		upstream:   make(map[int]*Peer),
	}
}

// AddDownstream registers the endpoint for downstream device i.
func (r *Registry) AddDownstream(i int, ep *Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.downstream[i]; ok {
		return fmt.Errorf("add %s: %w", Downstream(i), ErrDuplicateEndpoint)
	}
	r.downstream[i] = ep
	r.closers = append(r.closers, ep)
	return nil
}

// AddUpstream registers upstream peer u under its own index.
func (r *Registry) AddUpstream(u *Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.upstream[u.Index()]; ok {
		return fmt.Errorf("add %s: %w", Upstream(u.Index()), ErrDuplicateEndpoint)
	}
	r.upstream[u.Index()] = u
	r.closers = append(r.closers, u)
	return nil
}

// Downstream returns the endpoint for downstream device i.
func (r *Registry) Downstream(i int) (*Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.downstream[i]
	return ep, ok
}

// Upstream returns upstream peer i.
func (r *Registry) Upstream(i int) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.upstream[i]
	return u, ok
}

// DownstreamIndexes returns the registered downstream indexes in order.
func (r *Registry) DownstreamIndexes() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.downstream)
}

// UpstreamIndexes returns the registered upstream indexes in order.
func (r *Registry) UpstreamIndexes() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.upstream)
}

// Resolve maps an address to a live endpoint. Unknown addresses are
// reported as ErrUnknownEndpoint wrapped with the address, never as a nil
// endpoint.
func (r *Registry) Resolve(a Address) (*Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch a.Role {
	case RoleDownstream:
		ep, ok := r.downstream[a.Index]
		if !ok || a.HasSub {
			return nil, fmt.Errorf("%s %s: %w", resolveErrPrefix, a, ErrUnknownEndpoint)
		}
		return ep, nil

	case RoleUpstream:
		u, ok := r.upstream[a.Index]
		if !ok {
			return nil, fmt.Errorf("%s %s: %w", resolveErrPrefix, a, ErrUnknownEndpoint)
		}
		if !a.HasSub {
			return nil, fmt.Errorf("%s %s: %w", resolveErrPrefix, a, ErrSubSessionRequired)
		}
		ep, ok := u.Session(a.Sub)
		if !ok {
			return nil, fmt.Errorf("%s %s: %w", resolveErrPrefix, a, ErrUnknownEndpoint)
		}
		return ep, nil

	default:
		return nil, fmt.Errorf("%s %s: %w", resolveErrPrefix, a, ErrUnknownEndpoint)
	}
}

// Close closes every registered endpoint and upstream peer in reverse
// registration order and joins their errors.
func (r *Registry) Close() error {
	r.mu.Lock()
	closers := r.closers
	r.closers = nil
	r.mu.Unlock()

	var errs []error
	for _, c := range slices.Backward(closers) {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
