// Package alloc hands out sequential surface ids from the configured
// default range for surfaces that match no rule.
package alloc

import "errors"

var (
	// ErrDisabled means no default range is configured.
	ErrDisabled = errors.New("default id allocation disabled")
	// ErrExhausted means the range cursor reached max. Terminal: the
	// range does not recover until the process restarts.
	ErrExhausted = errors.New("default id range exhausted")
)

// Allocator is a cursor over the half-open interval [start, max). The zero
// value is a disabled allocator.
type Allocator struct {
	enabled bool
	start   uint32
	next    uint32
	max     uint32
}

// Status is the serializable allocator state.
type Status struct {
	Enabled bool   `json:"enabled"`
	Start   uint32 `json:"start,omitempty"`
	Next    uint32 `json:"next,omitempty"`
	Max     uint32 `json:"max,omitempty"`
}

// New returns an allocator over [start, max).
func New(start, max uint32) *Allocator {
	return &Allocator{enabled: true, start: start, next: start, max: max}
}

// NewDisabled returns an allocator that refuses every request.
func NewDisabled() *Allocator {
	return &Allocator{}
}

// Enabled reports whether default allocation is configured.
func (a *Allocator) Enabled() bool {
	return a.enabled
}

// Peek returns the next candidate id without claiming it. The caller must
// verify with the host that the candidate is free before calling Commit;
// a refused candidate is never skipped.
func (a *Allocator) Peek() (uint32, error) {
	if !a.enabled {
		return 0, ErrDisabled
	}
	if a.next >= a.max {
		return 0, ErrExhausted
	}
	return a.next, nil
}

// Commit advances the cursor past the last peeked candidate. Call only
// after the host accepted the id.
func (a *Allocator) Commit() {
	if a.enabled && a.next < a.max {
		a.next++
	}
}

// Snapshot returns the allocator state for introspection.
func (a *Allocator) Snapshot() Status {
	if !a.enabled {
		return Status{}
	}
	return Status{Enabled: true, Start: a.start, Next: a.next, Max: a.max}
}

// SameRange reports whether the allocator was built over the given bounds.
func (a *Allocator) SameRange(start, max uint32) bool {
	return a.enabled && a.start == start && a.max == max
}
