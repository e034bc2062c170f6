package rules

import (
	"errors"
	"fmt"

	"github.com/surfid/surfid/internal/config"
)

// ErrIDInUse reports that the matching rule's id is currently held by a
// different live surface. The caller must treat this as a terminal failure
// for the event rather than falling through to default allocation.
var ErrIDInUse = errors.New("surface id held by another surface")

// Identity is the per-event snapshot of a surface's matchable attributes.
// Empty fields mean the host reported nothing.
type Identity struct {
	AppID string
	Title string
}

// Rule is one compiled matching record. An empty pattern is a wildcard.
type Rule struct {
	SurfaceID uint32
	AppID     string
	Title     string

	// bound is the handle of the live surface currently holding this
	// rule's id, empty when free. A relation, not a reference: the
	// surface's lifetime belongs to the host.
	bound string
}

// Status is the externally visible view of a rule.
type Status struct {
	SurfaceID uint32 `json:"surfaceId"`
	AppID     string `json:"appId,omitempty"`
	Title     string `json:"title,omitempty"`
	Bound     string `json:"bound,omitempty"`
}

// Store holds the ordered rule set. It performs no locking of its own; the
// engine owns it and serializes access.
type Store struct {
	rules []*Rule
}

// NewStore validates the full rule set atomically and compiles it. Any
// violation rejects the whole load.
func NewStore(cfgRules []config.SurfaceRule, rng *config.RangeConfig) (*Store, error) {
	rules := make([]*Rule, 0, len(cfgRules))
	seen := make(map[uint32]struct{}, len(cfgRules))
	for i, rc := range cfgRules {
		if rc.SurfaceID == 0 {
			return nil, fmt.Errorf("rule %d: surfaceId is not set", i)
		}
		if rc.AppID == "" && rc.Title == "" {
			return nil, fmt.Errorf("rule %d (id %d): no patterns set", i, rc.SurfaceID)
		}
		if _, dup := seen[rc.SurfaceID]; dup {
			return nil, fmt.Errorf("duplicate surfaceId %d", rc.SurfaceID)
		}
		seen[rc.SurfaceID] = struct{}{}
		if rng != nil && rc.SurfaceID >= rng.Start && rc.SurfaceID < rng.Max {
			return nil, fmt.Errorf("surfaceId %d inside default range [%d, %d)",
				rc.SurfaceID, rng.Start, rng.Max)
		}
		rules = append(rules, &Rule{SurfaceID: rc.SurfaceID, AppID: rc.AppID, Title: rc.Title})
	}
	return &Store{rules: rules}, nil
}

// matches reports whether every set pattern equals the identity field.
// Extend here when additional attributes join the matching scheme.
func (r *Rule) matches(id Identity) bool {
	if r.AppID != "" && r.AppID != id.AppID {
		return false
	}
	if r.Title != "" && r.Title != id.Title {
		return false
	}
	return true
}

// FindMatch returns the first rule in declaration order whose set patterns
// all equal-match the identity. Declaration order is the deliberate
// tie-break for overlapping configurations. A matching rule whose id is
// bound to a surface other than handle yields ErrIDInUse; a plain miss
// yields (nil, nil).
func (s *Store) FindMatch(id Identity, handle string) (*Rule, error) {
	for _, rule := range s.rules {
		if !rule.matches(id) {
			continue
		}
		if rule.bound != "" && rule.bound != handle {
			return nil, ErrIDInUse
		}
		return rule, nil
	}
	return nil, nil
}

// Bind records that handle now holds the rule's id.
func (s *Store) Bind(rule *Rule, handle string) {
	rule.bound = handle
}

// Release clears the binding for whichever rule references handle. Idempotent.
func (s *Store) Release(handle string) {
	if handle == "" {
		return
	}
	for _, rule := range s.rules {
		if rule.bound == handle {
			rule.bound = ""
			return
		}
	}
}

// BindID binds the rule configured with id to handle, reporting whether
// such a rule exists. Used to rebind surfaces that already hold configured
// ids when the agent starts.
func (s *Store) BindID(id uint32, handle string) bool {
	for _, rule := range s.rules {
		if rule.SurfaceID == id {
			rule.bound = handle
			return true
		}
	}
	return false
}

// BoundHandle returns the surface handle bound to the rule owning id.
func (s *Store) BoundHandle(id uint32) (string, bool) {
	for _, rule := range s.rules {
		if rule.SurfaceID == id && rule.bound != "" {
			return rule.bound, true
		}
	}
	return "", false
}

// Snapshot returns the current rule statuses in declaration order.
func (s *Store) Snapshot() []Status {
	out := make([]Status, 0, len(s.rules))
	for _, rule := range s.rules {
		out = append(out, Status{
			SurfaceID: rule.SurfaceID,
			AppID:     rule.AppID,
			Title:     rule.Title,
			Bound:     rule.bound,
		})
	}
	return out
}

// AdoptBindings carries live bindings from a previous store into this one
// for rules whose surface id survived a reload.
func (s *Store) AdoptBindings(prev *Store) {
	if prev == nil {
		return
	}
	byID := make(map[uint32]*Rule, len(s.rules))
	for _, rule := range s.rules {
		byID[rule.SurfaceID] = rule
	}
	for _, old := range prev.rules {
		if old.bound == "" {
			continue
		}
		if rule, ok := byID[old.SurfaceID]; ok {
			rule.bound = old.bound
		}
	}
}

// Len returns the number of configured rules.
func (s *Store) Len() int {
	return len(s.rules)
}
