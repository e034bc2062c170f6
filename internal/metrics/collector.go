package metrics

import (
	"sort"
	"sync"
	"time"
)

// Failure reasons recorded by the engine.
const (
	ReasonNoMatch        = "no-match"
	ReasonIDCollision    = "id-collision"
	ReasonRangeExhausted = "range-exhausted"
	ReasonApplyRejected  = "apply-rejected"
)

// Collector aggregates assignment counters for introspection.
type Collector struct {
	mu              sync.Mutex
	started         time.Time
	ruleAssigned    uint64
	defaultAssigned uint64
	removals        uint64
	failures        map[string]uint64
	rules           map[uint32]*RuleMetrics
}

// RuleMetrics captures per-rule assignment counters.
type RuleMetrics struct {
	SurfaceID    uint32    `json:"surfaceId"`
	Assigned     uint64    `json:"assigned"`
	LastAssigned time.Time `json:"lastAssigned,omitempty"`
}

// Snapshot is the serializable view of the current counters.
type Snapshot struct {
	Started         time.Time         `json:"started"`
	RuleAssigned    uint64            `json:"ruleAssigned"`
	DefaultAssigned uint64            `json:"defaultAssigned"`
	Removals        uint64            `json:"removals"`
	Failures        map[string]uint64 `json:"failures,omitempty"`
	Rules           []RuleMetrics     `json:"rules,omitempty"`
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{
		started:  time.Now(),
		failures: make(map[string]uint64),
		rules:    make(map[uint32]*RuleMetrics),
	}
}

// RecordRuleAssigned counts a successful rule-based assignment.
func (c *Collector) RecordRuleAssigned(surfaceID uint32) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ruleAssigned++
	rm, ok := c.rules[surfaceID]
	if !ok {
		rm = &RuleMetrics{SurfaceID: surfaceID}
		c.rules[surfaceID] = rm
	}
	rm.Assigned++
	rm.LastAssigned = time.Now()
}

// RecordDefaultAssigned counts a successful default-range assignment.
func (c *Collector) RecordDefaultAssigned() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.defaultAssigned++
	c.mu.Unlock()
}

// RecordFailure counts a failed assignment event by reason.
func (c *Collector) RecordFailure(reason string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.failures[reason]++
	c.mu.Unlock()
}

// RecordRemoval counts a surface removal.
func (c *Collector) RecordRemoval() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.removals++
	c.mu.Unlock()
}

// Snapshot returns the current counters for serialization or display.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		Started:         c.started,
		RuleAssigned:    c.ruleAssigned,
		DefaultAssigned: c.defaultAssigned,
		Removals:        c.removals,
	}
	if len(c.failures) > 0 {
		snap.Failures = make(map[string]uint64, len(c.failures))
		for reason, n := range c.failures {
			snap.Failures[reason] = n
		}
	}
	if len(c.rules) > 0 {
		snap.Rules = make([]RuleMetrics, 0, len(c.rules))
		for _, rm := range c.rules {
			snap.Rules = append(snap.Rules, *rm)
		}
		sort.Slice(snap.Rules, func(i, j int) bool {
			return snap.Rules[i].SurfaceID < snap.Rules[j].SurfaceID
		})
	}
	return snap
}
