package compositor

import "context"

// InvalidID is the host sentinel for a surface without an assigned id.
const InvalidID uint32 = 0xFFFFFFFF

// Surface is a point-in-time snapshot of a compositor surface.
type Surface struct {
	Handle string
	AppID  string
	Title  string
	ID     uint32
}

// EventKind identifies a host notification.
type EventKind string

const (
	// EventConfigured fires when a surface's desktop descriptor becomes available.
	EventConfigured EventKind = "configured"
	// EventRemoved fires when a surface disappears.
	EventRemoved EventKind = "removed"
	// EventShutdown fires exactly once when the compositor is going down.
	EventShutdown EventKind = "shutdown"
)

// Event is a single host notification. Handle is empty for shutdown.
type Event struct {
	Kind   EventKind
	Handle string
}

// Host abstracts the compositor the agent drives. Implementations must
// deliver events in order on a single channel; the engine processes them
// sequentially.
type Host interface {
	// Subscribe streams host events until context cancellation.
	Subscribe(ctx context.Context) (<-chan Event, error)
	// Describe returns the current snapshot of a surface.
	Describe(ctx context.Context, handle string) (Surface, error)
	// ListSurfaces returns snapshots of all live surfaces.
	ListSurfaces(ctx context.Context) ([]Surface, error)
	// SurfaceID returns the surface's current id, InvalidID when unset.
	SurfaceID(ctx context.Context, handle string) (uint32, error)
	// SetSurfaceID assigns an id; it fails when a different surface holds it.
	SetSurfaceID(ctx context.Context, handle string, id uint32) error
	// SurfaceByID reports which surface, if any, currently holds an id.
	SurfaceByID(ctx context.Context, id uint32) (string, bool, error)
}
