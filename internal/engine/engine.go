package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/surfid/surfid/internal/alloc"
	"github.com/surfid/surfid/internal/compositor"
	"github.com/surfid/surfid/internal/metrics"
	"github.com/surfid/surfid/internal/rules"
	"github.com/surfid/surfid/internal/util"
)

// registryClient is the slice of the registry API the engine drives.
type registryClient interface {
	Register(appID string, surfaceID uint32)
	Unregister(surfaceID uint32)
	Close()
}

// Engine assigns ids to surfaces as they appear and keeps the registry in
// step with surface lifecycles. Events are processed one at a time; the
// mutex only guards the rule store and allocator against concurrent reads
// from the control server.
type Engine struct {
	host      compositor.Host
	logger    *util.Logger
	registry  registryClient
	collector *metrics.Collector

	mu        sync.Mutex
	store     *rules.Store
	allocator *alloc.Allocator
}

// New creates an engine over the given host and collaborators.
func New(host compositor.Host, logger *util.Logger, store *rules.Store, allocator *alloc.Allocator, reg registryClient, collector *metrics.Collector) *Engine {
	return &Engine{
		host:      host,
		logger:    logger,
		registry:  reg,
		collector: collector,
		store:     store,
		allocator: allocator,
	}
}

// Run subscribes to host events and processes them until the context is
// cancelled or the host announces shutdown.
func (e *Engine) Run(ctx context.Context) error {
	events, err := e.host.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to host events: %w", err)
	}
	e.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("host event stream closed")
			}
			switch ev.Kind {
			case compositor.EventConfigured:
				e.handleConfigured(ctx, ev.Handle)
			case compositor.EventRemoved:
				e.handleRemoved(ctx, ev.Handle)
			case compositor.EventShutdown:
				e.logger.Infof("host shutting down")
				e.shutdown()
				return nil
			default:
				e.logger.Debugf("ignoring host event %q", ev.Kind)
			}
		}
	}
}

// sweep assigns ids to surfaces that appeared before the agent started and
// rebinds rules whose ids are already held by live surfaces.
func (e *Engine) sweep(ctx context.Context) {
	surfaces, err := e.host.ListSurfaces(ctx)
	if err != nil {
		e.logger.Warnf("startup sweep skipped: %v", err)
		return
	}
	e.mu.Lock()
	for _, surf := range surfaces {
		if surf.ID == compositor.InvalidID || surf.ID == 0 {
			continue
		}
		if e.store.BindID(surf.ID, surf.Handle) {
			e.logger.Debugf("rebound surface %s to configured id %d", surf.Handle, surf.ID)
		}
	}
	e.mu.Unlock()
	for _, surf := range surfaces {
		if surf.ID != compositor.InvalidID && surf.ID != 0 {
			continue
		}
		e.assign(ctx, surf)
	}
}

func (e *Engine) handleConfigured(ctx context.Context, handle string) {
	surf, err := e.host.Describe(ctx, handle)
	if err != nil {
		e.logger.Warnf("describe surface %s: %v", handle, err)
		return
	}
	if surf.ID != compositor.InvalidID && surf.ID != 0 {
		// Duplicate notification for a surface that already has an id.
		e.logger.Debugf("surface %s already has id %d", handle, surf.ID)
		return
	}
	if !e.assign(ctx, surf) {
		e.logger.Warnf("could not create surface id for %s", handle)
	}
}

// assign runs the full id selection for one surface. Any failure is
// terminal for this event: the surface stays id-less.
func (e *Engine) assign(ctx context.Context, surf compositor.Surface) bool {
	identity := e.identityOf(surf)

	e.mu.Lock()
	rule, err := e.store.FindMatch(identity, surf.Handle)
	e.mu.Unlock()
	if errors.Is(err, rules.ErrIDInUse) {
		// The rule's id is held by another live surface. Deliberately
		// not falling through to default allocation: two instances of
		// a configured application is an operator problem.
		e.logger.Warnf("surface %s matches a rule whose id is already in use", surf.Handle)
		e.collector.RecordFailure(metrics.ReasonIDCollision)
		return false
	}
	if rule != nil {
		return e.applyRule(ctx, surf, identity, rule)
	}
	return e.applyDefault(ctx, surf, identity)
}

func (e *Engine) applyRule(ctx context.Context, surf compositor.Surface, identity rules.Identity, rule *rules.Rule) bool {
	if err := e.host.SetSurfaceID(ctx, surf.Handle, rule.SurfaceID); err != nil {
		e.logger.Warnf("apply id %d to surface %s: %v", rule.SurfaceID, surf.Handle, err)
		e.collector.RecordFailure(metrics.ReasonApplyRejected)
		return false
	}
	e.mu.Lock()
	e.store.Bind(rule, surf.Handle)
	e.mu.Unlock()
	e.collector.RecordRuleAssigned(rule.SurfaceID)
	e.logger.Infof("assigned id %d to surface %s (rule match)", rule.SurfaceID, surf.Handle)
	e.registry.Register(identity.AppID, rule.SurfaceID)
	return true
}

func (e *Engine) applyDefault(ctx context.Context, surf compositor.Surface, identity rules.Identity) bool {
	e.mu.Lock()
	candidate, err := e.allocator.Peek()
	e.mu.Unlock()
	switch {
	case errors.Is(err, alloc.ErrDisabled):
		e.logger.Warnf("no configuration for surface %s and default behavior is disabled", surf.Handle)
		e.collector.RecordFailure(metrics.ReasonNoMatch)
		return false
	case errors.Is(err, alloc.ErrExhausted):
		e.logger.Errorf("default surface id range exhausted")
		e.collector.RecordFailure(metrics.ReasonRangeExhausted)
		return false
	}

	// Check-then-claim: only the current candidate is inspected. A
	// candidate held by a different surface is a configuration error and
	// fails the event without advancing the cursor.
	holder, held, err := e.host.SurfaceByID(ctx, candidate)
	if err != nil {
		e.logger.Warnf("lookup id %d: %v", candidate, err)
		e.collector.RecordFailure(metrics.ReasonApplyRejected)
		return false
	}
	if held && holder != surf.Handle {
		e.logger.Warnf("default id %d already held by surface %s", candidate, holder)
		e.collector.RecordFailure(metrics.ReasonIDCollision)
		return false
	}
	if err := e.host.SetSurfaceID(ctx, surf.Handle, candidate); err != nil {
		e.logger.Warnf("apply default id %d to surface %s: %v", candidate, surf.Handle, err)
		e.collector.RecordFailure(metrics.ReasonApplyRejected)
		return false
	}
	e.mu.Lock()
	e.allocator.Commit()
	e.mu.Unlock()
	e.collector.RecordDefaultAssigned()
	e.logger.Infof("assigned default id %d to surface %s", candidate, surf.Handle)
	e.registry.Register(identity.AppID, candidate)
	return true
}

func (e *Engine) handleRemoved(ctx context.Context, handle string) {
	// Query the id the surface held at removal time before clearing any
	// internal state.
	id, err := e.host.SurfaceID(ctx, handle)
	if err != nil {
		e.logger.Debugf("surface %s gone before id query: %v", handle, err)
		id = compositor.InvalidID
	}
	e.mu.Lock()
	e.store.Release(handle)
	e.mu.Unlock()
	if id != compositor.InvalidID && id != 0 {
		e.registry.Unregister(id)
	}
	e.collector.RecordRemoval()
	e.logger.Debugf("surface %s removed", handle)
}

func (e *Engine) shutdown() {
	e.registry.Close()
}

// identityOf derives the matchable identity snapshot for a surface. The
// application id falls back to the title when the host reports none.
func (e *Engine) identityOf(surf compositor.Surface) rules.Identity {
	identity := rules.Identity{AppID: surf.AppID, Title: surf.Title}
	if identity.AppID == "" && identity.Title != "" {
		e.logger.Infof("no app id for surface %s, using title %q", surf.Handle, identity.Title)
		identity.AppID = identity.Title
	}
	if identity.AppID == "" && identity.Title == "" {
		e.logger.Warnf("surface %s reports no app id and no title", surf.Handle)
	}
	return identity
}

// ReloadRules swaps in a freshly validated rule set, carrying over bindings
// for rules whose surface id survived.
func (e *Engine) ReloadRules(store *rules.Store) {
	e.mu.Lock()
	store.AdoptBindings(e.store)
	e.store = store
	e.mu.Unlock()
	e.logger.Infof("reloaded %d surface rules", store.Len())
}

// RulesSnapshot returns the current rule statuses.
func (e *Engine) RulesSnapshot() []rules.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Snapshot()
}

// AllocatorSnapshot returns the default-range allocator state.
func (e *Engine) AllocatorSnapshot() alloc.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.allocator.Snapshot()
}

// MetricsSnapshot returns the assignment counters.
func (e *Engine) MetricsSnapshot() metrics.Snapshot {
	return e.collector.Snapshot()
}
