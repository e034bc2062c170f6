package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/surfid/surfid/internal/compositor"
	"github.com/surfid/surfid/internal/config"
	"github.com/surfid/surfid/internal/util"
)

const defaultCommandTimeout = 3 * time.Second

// Command socket operations.
const (
	opDescribe = "describe"
	opList     = "list"
	opGetID    = "getid"
	opSetID    = "setid"
	opByID     = "byid"
)

type request struct {
	Op     string `json:"op"`
	Handle string `json:"handle,omitempty"`
	ID     uint32 `json:"id,omitempty"`
}

type response struct {
	Status   string               `json:"status"`
	Error    string               `json:"error,omitempty"`
	Surface  *compositor.Surface  `json:"surface,omitempty"`
	Surfaces []compositor.Surface `json:"surfaces,omitempty"`
	ID       uint32               `json:"id,omitempty"`
	Handle   string               `json:"handle,omitempty"`
	Found    bool                 `json:"found,omitempty"`
}

// Client implements compositor.Host over the agent protocol sockets.
type Client struct {
	eventSocket   string
	commandSocket string
	logger        *util.Logger
}

// NewClient resolves socket locations from the config, falling back to
// $XDG_RUNTIME_DIR/surfid/{events,command}.sock.
func NewClient(cfg config.CompositorConfig, logger *util.Logger) (*Client, error) {
	eventSocket := cfg.EventSocket
	if eventSocket == "" {
		path, err := defaultSocketPath("events.sock")
		if err != nil {
			return nil, err
		}
		eventSocket = path
	}
	commandSocket := cfg.CommandSocket
	if commandSocket == "" {
		path, err := defaultSocketPath("command.sock")
		if err != nil {
			return nil, err
		}
		commandSocket = path
	}
	return &Client{eventSocket: eventSocket, commandSocket: commandSocket, logger: logger}, nil
}

// Subscribe streams compositor events.
func (c *Client) Subscribe(ctx context.Context) (<-chan compositor.Event, error) {
	return subscribeEvents(ctx, c.eventSocket, c.logger)
}

// Describe returns the snapshot of one surface.
func (c *Client) Describe(ctx context.Context, handle string) (compositor.Surface, error) {
	resp, err := c.do(ctx, request{Op: opDescribe, Handle: handle})
	if err != nil {
		return compositor.Surface{}, err
	}
	if resp.Surface == nil {
		return compositor.Surface{}, fmt.Errorf("no surface in response")
	}
	return *resp.Surface, nil
}

// ListSurfaces returns snapshots of all live surfaces.
func (c *Client) ListSurfaces(ctx context.Context) ([]compositor.Surface, error) {
	resp, err := c.do(ctx, request{Op: opList})
	if err != nil {
		return nil, err
	}
	return resp.Surfaces, nil
}

// SurfaceID returns the surface's current id.
func (c *Client) SurfaceID(ctx context.Context, handle string) (uint32, error) {
	resp, err := c.do(ctx, request{Op: opGetID, Handle: handle})
	if err != nil {
		return compositor.InvalidID, err
	}
	return resp.ID, nil
}

// SetSurfaceID assigns an id; the compositor rejects ids held elsewhere.
func (c *Client) SetSurfaceID(ctx context.Context, handle string, id uint32) error {
	_, err := c.do(ctx, request{Op: opSetID, Handle: handle, ID: id})
	return err
}

// SurfaceByID reports the surface currently holding id, if any.
func (c *Client) SurfaceByID(ctx context.Context, id uint32) (string, bool, error) {
	resp, err := c.do(ctx, request{Op: opByID, ID: id})
	if err != nil {
		return "", false, err
	}
	return resp.Handle, resp.Found, nil
}

func (c *Client) do(ctx context.Context, req request) (*response, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCommandTimeout)
		defer cancel()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.commandSocket)
	if err != nil {
		return nil, fmt.Errorf("dial command socket: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("encode %s request: %w", req.Op, err)
	}
	var resp response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", req.Op, err)
	}
	if resp.Status != "ok" {
		if resp.Error == "" {
			resp.Error = "unknown compositor error"
		}
		return nil, errors.New(resp.Error)
	}
	return &resp, nil
}

var _ compositor.Host = (*Client)(nil)
