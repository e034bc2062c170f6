package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/surfid/surfid/internal/alloc"
	"github.com/surfid/surfid/internal/compositor"
	"github.com/surfid/surfid/internal/config"
	"github.com/surfid/surfid/internal/metrics"
	"github.com/surfid/surfid/internal/rules"
	"github.com/surfid/surfid/internal/util"
)

type fakeSurface struct {
	appID string
	title string
	id    uint32
}

type fakeHost struct {
	mu       sync.Mutex
	surfaces map[string]*fakeSurface
	events   chan compositor.Event
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		surfaces: make(map[string]*fakeSurface),
		events:   make(chan compositor.Event, 16),
	}
}

func (h *fakeHost) add(handle, appID, title string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.surfaces[handle] = &fakeSurface{appID: appID, title: title, id: compositor.InvalidID}
}

func (h *fakeHost) addWithID(handle, appID, title string, id uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.surfaces[handle] = &fakeSurface{appID: appID, title: title, id: id}
}

func (h *fakeHost) remove(handle string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.surfaces, handle)
}

func (h *fakeHost) idOf(t *testing.T, handle string) uint32 {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	surf, ok := h.surfaces[handle]
	if !ok {
		t.Fatalf("surface %s not present", handle)
	}
	return surf.id
}

func (h *fakeHost) Subscribe(ctx context.Context) (<-chan compositor.Event, error) {
	return h.events, nil
}

func (h *fakeHost) Describe(ctx context.Context, handle string) (compositor.Surface, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	surf, ok := h.surfaces[handle]
	if !ok {
		return compositor.Surface{}, fmt.Errorf("no surface %s", handle)
	}
	return compositor.Surface{Handle: handle, AppID: surf.appID, Title: surf.title, ID: surf.id}, nil
}

func (h *fakeHost) ListSurfaces(ctx context.Context) ([]compositor.Surface, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	handles := make([]string, 0, len(h.surfaces))
	for handle := range h.surfaces {
		handles = append(handles, handle)
	}
	sort.Strings(handles)
	out := make([]compositor.Surface, 0, len(handles))
	for _, handle := range handles {
		surf := h.surfaces[handle]
		out = append(out, compositor.Surface{Handle: handle, AppID: surf.appID, Title: surf.title, ID: surf.id})
	}
	return out, nil
}

func (h *fakeHost) SurfaceID(ctx context.Context, handle string) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	surf, ok := h.surfaces[handle]
	if !ok {
		return compositor.InvalidID, fmt.Errorf("no surface %s", handle)
	}
	return surf.id, nil
}

func (h *fakeHost) SetSurfaceID(ctx context.Context, handle string, id uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for other, surf := range h.surfaces {
		if other != handle && surf.id == id {
			return fmt.Errorf("id %d held by %s", id, other)
		}
	}
	surf, ok := h.surfaces[handle]
	if !ok {
		return fmt.Errorf("no surface %s", handle)
	}
	surf.id = id
	return nil
}

func (h *fakeHost) SurfaceByID(ctx context.Context, id uint32) (string, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for handle, surf := range h.surfaces {
		if surf.id == id {
			return handle, true, nil
		}
	}
	return "", false, nil
}

type registration struct {
	AppID string
	ID    uint32
}

type fakeRegistry struct {
	mu           sync.Mutex
	registered   []registration
	unregistered []uint32
	closed       bool
}

func (r *fakeRegistry) Register(appID string, surfaceID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, registration{AppID: appID, ID: surfaceID})
}

func (r *fakeRegistry) Unregister(surfaceID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregistered = append(r.unregistered, surfaceID)
}

func (r *fakeRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *fakeRegistry) registrations() []registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]registration(nil), r.registered...)
}

func newTestEngine(t *testing.T, host *fakeHost, cfgRules []config.SurfaceRule, rng *config.RangeConfig) (*Engine, *fakeRegistry) {
	t.Helper()
	store, err := rules.NewStore(cfgRules, rng)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	allocator := alloc.NewDisabled()
	if rng != nil {
		allocator = alloc.New(rng.Start, rng.Max)
	}
	reg := &fakeRegistry{}
	logger := util.NewLogger(util.LevelError)
	eng := New(host, logger, store, allocator, reg, metrics.NewCollector())
	return eng, reg
}

func TestRuleMatchAssignsAndRegisters(t *testing.T) {
	host := newFakeHost()
	host.add("0x1", "nav", "")
	eng, reg := newTestEngine(t, host, []config.SurfaceRule{{SurfaceID: 7, AppID: "nav"}}, nil)

	eng.handleConfigured(context.Background(), "0x1")

	if got := host.idOf(t, "0x1"); got != 7 {
		t.Fatalf("surface id = %d, want 7", got)
	}
	want := []registration{{AppID: "nav", ID: 7}}
	if diff := cmp.Diff(want, reg.registrations()); diff != "" {
		t.Fatalf("registrations mismatch (-want +got):\n%s", diff)
	}
	snap := eng.MetricsSnapshot()
	if snap.RuleAssigned != 1 {
		t.Fatalf("metrics = %+v", snap)
	}
}

func TestSecondMatchingSurfaceFailsWithoutDefaultFallback(t *testing.T) {
	host := newFakeHost()
	host.add("0x1", "nav", "")
	host.add("0x2", "nav", "")
	// Default range enabled on purpose: the collision must NOT fall
	// through to default allocation.
	rng := &config.RangeConfig{Start: 10, Max: 12}
	eng, reg := newTestEngine(t, host, []config.SurfaceRule{{SurfaceID: 7, AppID: "nav"}}, rng)

	eng.handleConfigured(context.Background(), "0x1")
	eng.handleConfigured(context.Background(), "0x2")

	if got := host.idOf(t, "0x2"); got != compositor.InvalidID {
		t.Fatalf("second surface must stay id-less, got %d", got)
	}
	if len(reg.registrations()) != 1 {
		t.Fatalf("registrations = %+v", reg.registrations())
	}
	snap := eng.MetricsSnapshot()
	if snap.Failures[metrics.ReasonIDCollision] != 1 {
		t.Fatalf("expected one id-collision failure, got %+v", snap.Failures)
	}
	if st := eng.AllocatorSnapshot(); st.Next != 10 {
		t.Fatalf("allocator cursor must not move, got %+v", st)
	}
}

func TestDefaultRangeAssignsSequentiallyThenFails(t *testing.T) {
	host := newFakeHost()
	host.add("0xa", "alpha", "")
	host.add("0xb", "beta", "")
	host.add("0xc", "gamma", "")
	eng, reg := newTestEngine(t, host, nil, &config.RangeConfig{Start: 10, Max: 12})

	ctx := context.Background()
	eng.handleConfigured(ctx, "0xa")
	eng.handleConfigured(ctx, "0xb")
	eng.handleConfigured(ctx, "0xc")

	if got := host.idOf(t, "0xa"); got != 10 {
		t.Fatalf("first default id = %d, want 10", got)
	}
	if got := host.idOf(t, "0xb"); got != 11 {
		t.Fatalf("second default id = %d, want 11", got)
	}
	if got := host.idOf(t, "0xc"); got != compositor.InvalidID {
		t.Fatalf("third surface must fail, got id %d", got)
	}
	want := []registration{{AppID: "alpha", ID: 10}, {AppID: "beta", ID: 11}}
	if diff := cmp.Diff(want, reg.registrations()); diff != "" {
		t.Fatalf("registrations mismatch (-want +got):\n%s", diff)
	}
	snap := eng.MetricsSnapshot()
	if snap.Failures[metrics.ReasonRangeExhausted] != 1 {
		t.Fatalf("failures = %+v", snap.Failures)
	}
}

func TestDefaultCandidateHeldByOtherSurfaceFails(t *testing.T) {
	host := newFakeHost()
	// An externally created surface already claims id 10.
	host.addWithID("0xext", "ext", "", 10)
	host.add("0x1", "alpha", "")
	eng, _ := newTestEngine(t, host, nil, &config.RangeConfig{Start: 10, Max: 12})

	eng.handleConfigured(context.Background(), "0x1")

	if got := host.idOf(t, "0x1"); got != compositor.InvalidID {
		t.Fatalf("surface must stay id-less, got %d", got)
	}
	// No auto-skip: the cursor stays on the contested id.
	if st := eng.AllocatorSnapshot(); st.Next != 10 {
		t.Fatalf("allocator = %+v", st)
	}
	snap := eng.MetricsSnapshot()
	if snap.Failures[metrics.ReasonIDCollision] != 1 {
		t.Fatalf("failures = %+v", snap.Failures)
	}
}

func TestNoMatchWithDefaultDisabledFails(t *testing.T) {
	host := newFakeHost()
	host.add("0x1", "unknown", "")
	eng, reg := newTestEngine(t, host, []config.SurfaceRule{{SurfaceID: 7, AppID: "nav"}}, nil)

	eng.handleConfigured(context.Background(), "0x1")

	if got := host.idOf(t, "0x1"); got != compositor.InvalidID {
		t.Fatalf("surface must stay id-less, got %d", got)
	}
	if len(reg.registrations()) != 0 {
		t.Fatalf("registrations = %+v", reg.registrations())
	}
	snap := eng.MetricsSnapshot()
	if snap.Failures[metrics.ReasonNoMatch] != 1 {
		t.Fatalf("failures = %+v", snap.Failures)
	}
}

func TestConfiguredEventIdempotentWhenIDAssigned(t *testing.T) {
	host := newFakeHost()
	host.addWithID("0x1", "nav", "", 7)
	eng, reg := newTestEngine(t, host, []config.SurfaceRule{{SurfaceID: 7, AppID: "nav"}}, nil)

	eng.handleConfigured(context.Background(), "0x1")

	if len(reg.registrations()) != 0 {
		t.Fatalf("duplicate notification must be a no-op, got %+v", reg.registrations())
	}
}

func TestAppIDFallsBackToTitle(t *testing.T) {
	host := newFakeHost()
	host.add("0x1", "", "Nav Main")
	eng, reg := newTestEngine(t, host, []config.SurfaceRule{{SurfaceID: 7, AppID: "Nav Main"}}, nil)

	eng.handleConfigured(context.Background(), "0x1")

	if got := host.idOf(t, "0x1"); got != 7 {
		t.Fatalf("surface id = %d, want 7", got)
	}
	want := []registration{{AppID: "Nav Main", ID: 7}}
	if diff := cmp.Diff(want, reg.registrations()); diff != "" {
		t.Fatalf("registrations mismatch (-want +got):\n%s", diff)
	}
}

func TestSurfaceWithoutAppIDOrTitleGetsDefaultID(t *testing.T) {
	host := newFakeHost()
	host.add("0x1", "", "")
	eng, reg := newTestEngine(t, host, nil, &config.RangeConfig{Start: 10, Max: 12})

	eng.handleConfigured(context.Background(), "0x1")

	// An empty identity is warned about but still gets a default id; the
	// registry layer is what rejects the empty app id.
	if got := host.idOf(t, "0x1"); got != 10 {
		t.Fatalf("surface id = %d, want 10", got)
	}
	want := []registration{{AppID: "", ID: 10}}
	if diff := cmp.Diff(want, reg.registrations()); diff != "" {
		t.Fatalf("registrations mismatch (-want +got):\n%s", diff)
	}
}

func TestRemovalUnregistersAndFreesRule(t *testing.T) {
	host := newFakeHost()
	host.add("0x1", "nav", "")
	eng, reg := newTestEngine(t, host, []config.SurfaceRule{{SurfaceID: 7, AppID: "nav"}}, nil)

	ctx := context.Background()
	eng.handleConfigured(ctx, "0x1")
	eng.handleRemoved(ctx, "0x1")
	host.remove("0x1")

	if diff := cmp.Diff([]uint32{7}, reg.unregistered); diff != "" {
		t.Fatalf("unregistered mismatch (-want +got):\n%s", diff)
	}

	// The rule is free again for the next instance.
	host.add("0x2", "nav", "")
	eng.handleConfigured(ctx, "0x2")
	if got := host.idOf(t, "0x2"); got != 7 {
		t.Fatalf("replacement surface id = %d, want 7", got)
	}
}

func TestRemovalOfIDLessSurfaceSkipsUnregister(t *testing.T) {
	host := newFakeHost()
	host.add("0x1", "unknown", "")
	eng, reg := newTestEngine(t, host, []config.SurfaceRule{{SurfaceID: 7, AppID: "nav"}}, nil)

	eng.handleRemoved(context.Background(), "0x1")

	if len(reg.unregistered) != 0 {
		t.Fatalf("unregistered = %+v", reg.unregistered)
	}
}

func TestRunSweepsExistingSurfacesAndStopsOnShutdown(t *testing.T) {
	host := newFakeHost()
	// Present before the agent starts: one id-less, one already bound to
	// a configured id.
	host.add("0x1", "nav", "")
	host.addWithID("0x2", "media", "", 9)
	eng, reg := newTestEngine(t, host, []config.SurfaceRule{
		{SurfaceID: 7, AppID: "nav"},
		{SurfaceID: 9, AppID: "media"},
	}, nil)

	done := make(chan error, 1)
	go func() {
		done <- eng.Run(context.Background())
	}()

	deadline := time.After(2 * time.Second)
	for host.idOf(t, "0x1") != 7 {
		select {
		case <-deadline:
			t.Fatalf("sweep did not assign id 7")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// The rebound rule must collide for a second media instance.
	host.add("0x3", "media", "")
	host.events <- compositor.Event{Kind: compositor.EventConfigured, Handle: "0x3"}
	host.events <- compositor.Event{Kind: compositor.EventShutdown}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop on shutdown")
	}
	if got := host.idOf(t, "0x3"); got != compositor.InvalidID {
		t.Fatalf("second media surface must stay id-less, got %d", got)
	}
	reg.mu.Lock()
	closed := reg.closed
	reg.mu.Unlock()
	if !closed {
		t.Fatalf("registry must be closed on shutdown")
	}
}

func TestReloadRulesKeepsBindings(t *testing.T) {
	host := newFakeHost()
	host.add("0x1", "nav", "")
	eng, _ := newTestEngine(t, host, []config.SurfaceRule{{SurfaceID: 7, AppID: "nav"}}, nil)

	ctx := context.Background()
	eng.handleConfigured(ctx, "0x1")

	next, err := rules.NewStore([]config.SurfaceRule{
		{SurfaceID: 7, AppID: "nav"},
		{SurfaceID: 8, AppID: "hvac"},
	}, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	eng.ReloadRules(next)

	// Binding carried over: a second nav instance still collides.
	host.add("0x2", "nav", "")
	eng.handleConfigured(ctx, "0x2")
	if got := host.idOf(t, "0x2"); got != compositor.InvalidID {
		t.Fatalf("expected collision after reload, surface got id %d", got)
	}
}
