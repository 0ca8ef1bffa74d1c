package relay

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// maxAllocAttempts is the maximum number of random draws before Allocate
// gives up. Live values are a tiny fraction of either space.
const maxAllocAttempts = 100

// ErrAllocatorExhausted indicates that no unused nonzero value was found
// within maxAllocAttempts draws.
var ErrAllocatorExhausted = errors.New("allocator exhausted")

// Allocator hands out unique, nonzero, random values no larger than a
// fixed maximum. The relay draws transaction ids (32-bit) and flow cookies
// (64-bit) from separate allocators so that rewritten values cannot be
// guessed from the originals.
type Allocator struct {
	mu        sync.Mutex
	max       uint64
	allocated map[uint64]struct{}
}

// NewAllocator creates an Allocator over [1, max].
func NewAllocator(maxValue uint64) *Allocator {
	return &Allocator{
		max:       maxValue,
		allocated: make(map[uint64]struct{}),
	}
}

// Allocate returns an unused nonzero value and marks it allocated.
func (a *Allocator) Allocate() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var buf [8]byte

	for range maxAllocAttempts {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("generate random value: %w", err)
		}

		v := binary.BigEndian.Uint64(buf[:])
		if a.max != ^uint64(0) {
			v %= a.max + 1
		}

		// Zero means "unset" for both xids and cookies.
		if v == 0 {
			continue
		}
		if _, exists := a.allocated[v]; exists {
			continue
		}

		a.allocated[v] = struct{}{}
		return v, nil
	}

	return 0, fmt.Errorf("allocate after %d attempts: %w", maxAllocAttempts, ErrAllocatorExhausted)
}

// Release returns v to the pool. Releasing an unallocated value is a no-op.
func (a *Allocator) Release(v uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.allocated, v)
}

// IsAllocated reports whether v is currently allocated.
func (a *Allocator) IsAllocated(v uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, exists := a.allocated[v]
	return exists
}

// Len returns the number of live values.
func (a *Allocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.allocated)
}
