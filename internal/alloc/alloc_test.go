package alloc

import (
	"errors"
	"testing"
)

func TestSequentialAllocationThenExhaustion(t *testing.T) {
	a := New(100, 103)
	for _, want := range []uint32{100, 101, 102} {
		got, err := a.Peek()
		if err != nil {
			t.Fatalf("peek: %v", err)
		}
		if got != want {
			t.Fatalf("peek = %d, want %d", got, want)
		}
		// Simulated host acceptance.
		a.Commit()
	}
	if _, err := a.Peek(); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	// Exhaustion is terminal.
	if _, err := a.Peek(); !errors.Is(err, ErrExhausted) {
		t.Fatalf("exhaustion must persist, got %v", err)
	}
}

func TestRefusedCandidateDoesNotAdvance(t *testing.T) {
	a := New(10, 12)
	first, err := a.Peek()
	if err != nil || first != 10 {
		t.Fatalf("peek = %d, %v", first, err)
	}
	// Host refused: no Commit. The same candidate comes back; the
	// allocator never skips over a refused id.
	again, err := a.Peek()
	if err != nil || again != 10 {
		t.Fatalf("peek after refusal = %d, %v", again, err)
	}
}

func TestDisabledAllocator(t *testing.T) {
	for _, a := range []*Allocator{NewDisabled(), {}} {
		if a.Enabled() {
			t.Fatalf("expected disabled allocator")
		}
		if _, err := a.Peek(); !errors.Is(err, ErrDisabled) {
			t.Fatalf("expected ErrDisabled, got %v", err)
		}
		a.Commit() // must be a no-op, not a panic
	}
}

func TestSnapshotTracksCursor(t *testing.T) {
	a := New(100, 103)
	a.Commit()
	st := a.Snapshot()
	if !st.Enabled || st.Start != 100 || st.Next != 101 || st.Max != 103 {
		t.Fatalf("snapshot = %+v", st)
	}
	if !a.SameRange(100, 103) || a.SameRange(100, 104) {
		t.Fatalf("SameRange misreported")
	}
}
