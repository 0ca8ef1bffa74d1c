package relay_test

import (
	"errors"
	"math"
	"testing"

	"github.com/dantte-lp/gofvt/internal/relay"
)

func TestAllocatorNonZeroUnique(t *testing.T) {
	t.Parallel()

	alloc := relay.NewAllocator(math.MaxUint32)
	seen := make(map[uint64]struct{}, 1000)

	for i := range 1000 {
		v, err := alloc.Allocate()
		if err != nil {
			t.Fatalf("allocation %d: unexpected error: %v", i, err)
		}
		if v == 0 {
			t.Fatalf("allocation %d: got zero", i)
		}
		if v > math.MaxUint32 {
			t.Fatalf("allocation %d: 0x%x exceeds 32 bits", i, v)
		}
		if _, dup := seen[v]; dup {
			t.Fatalf("allocation %d: duplicate 0x%x", i, v)
		}
		seen[v] = struct{}{}
	}
	if alloc.Len() != 1000 {
		t.Errorf("Len() = %d, want 1000", alloc.Len())
	}
}

func TestAllocatorExhaustion(t *testing.T) {
	t.Parallel()

	alloc := relay.NewAllocator(3)
	for range 3 {
		if _, err := alloc.Allocate(); err != nil {
			t.Fatalf("Allocate: %v", err)
		}
	}

	_, err := alloc.Allocate()
	if !errors.Is(err, relay.ErrAllocatorExhausted) {
		t.Fatalf("Allocate on full space: err = %v, want ErrAllocatorExhausted", err)
	}

	alloc.Release(2)
	if alloc.IsAllocated(2) {
		t.Fatal("2 still allocated after Release")
	}
	v, err := alloc.Allocate()
	if err != nil {
		t.Fatalf("Allocate after Release: %v", err)
	}
	if v != 2 {
		t.Errorf("Allocate after Release = %d, want 2", v)
	}
}

func TestAllocatorReleaseUnknown(t *testing.T) {
	t.Parallel()

	alloc := relay.NewAllocator(math.MaxUint64)
	alloc.Release(42)
	if alloc.Len() != 0 {
		t.Errorf("Len() = %d after releasing an unknown value", alloc.Len())
	}
}

func TestTranslatorWindowEvictsOldest(t *testing.T) {
	t.Parallel()

	alloc := relay.NewAllocator(math.MaxUint32)
	tr := relay.NewTranslator(alloc, 2)

	var values []uint64
	for i := range 3 {
		v, err := tr.Assign(relay.Origin{Controller: i, Value: uint64(100 + i)})
		if err != nil {
			t.Fatalf("Assign %d: %v", i, err)
		}
		values = append(values, v)
	}

	if _, ok := tr.Lookup(values[0]); ok {
		t.Error("oldest mapping survived eviction")
	}
	if alloc.IsAllocated(values[0]) {
		t.Error("evicted value not released")
	}
	for i, v := range values[1:] {
		o, ok := tr.Lookup(v)
		if !ok {
			t.Fatalf("mapping %d missing", i+1)
		}
		if o.Controller != i+1 || o.Value != uint64(101+i) {
			t.Errorf("mapping %d = %+v", i+1, o)
		}
	}
	if tr.Len() != 2 {
		t.Errorf("Len() = %d, want 2", tr.Len())
	}
}

func TestTranslatorTake(t *testing.T) {
	t.Parallel()

	alloc := relay.NewAllocator(math.MaxUint64)
	tr := relay.NewTranslator(alloc, 0)

	v, err := tr.Assign(relay.Origin{Controller: 1, Value: 0xabc})
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}

	// Lookup keeps the mapping, Take consumes it.
	if _, ok := tr.Lookup(v); !ok {
		t.Fatal("Lookup missed a fresh mapping")
	}
	o, ok := tr.Take(v)
	if !ok || o.Value != 0xabc || o.Controller != 1 {
		t.Fatalf("Take = %+v, %v", o, ok)
	}
	if _, ok := tr.Take(v); ok {
		t.Error("second Take found the mapping")
	}
	if alloc.IsAllocated(v) {
		t.Error("taken value still allocated")
	}
}
