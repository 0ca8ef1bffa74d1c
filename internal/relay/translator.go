package relay

import (
	"fmt"
	"sync"
)

// Origin identifies who a rewritten value belongs to.
type Origin struct {
	// Controller is the index of the controller link that sent the
	// original message.
	Controller int

	// Value is the original xid or cookie.
	Value uint64
}

// Translator maps relay-chosen values back to their origin. At most
// window entries are kept; the oldest mapping is evicted and its value
// released once the window is full, so requests that never get a reply do
// not accumulate.
type Translator struct {
	alloc  *Allocator
	window int

	mu      sync.Mutex
	entries map[uint64]Origin
	order   []uint64
}

// NewTranslator creates a Translator drawing from alloc.
func NewTranslator(alloc *Allocator, window int) *Translator {
	return &Translator{
		alloc:   alloc,
		window:  window,
		entries: make(map[uint64]Origin),
	}
}

// Assign allocates a relay value for o and remembers the mapping.
func (t *Translator) Assign(o Origin) (uint64, error) {
	v, err := t.alloc.Allocate()
	if err != nil {
		return 0, fmt.Errorf("assign relay value: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries[v] = o
	t.order = append(t.order, v)
	for t.window > 0 && len(t.order) > t.window {
		old := t.order[0]
		t.order = t.order[1:]
		if _, ok := t.entries[old]; ok {
			delete(t.entries, old)
			t.alloc.Release(old)
		}
	}
	return v, nil
}

// Lookup returns the origin of v without forgetting it. Several replies
// may share one request's xid.
func (t *Translator) Lookup(v uint64) (Origin, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.entries[v]
	return o, ok
}

// Take returns the origin of v and forgets the mapping.
func (t *Translator) Take(v uint64) (Origin, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.entries[v]
	if ok {
		delete(t.entries, v)
		t.alloc.Release(v)
	}
	return o, ok
}

// Len returns the number of live mappings.
func (t *Translator) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}
