package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/surfid/surfid/internal/control"
)

// defaultTimeout is used when the caller does not provide a context deadline.
const defaultTimeout = 3 * time.Second

// Client talks to the running surfid daemon over its control socket.
type Client struct {
	socketPath string
}

type (
	// StatusResult aggregates the daemon's runtime state.
	StatusResult = control.StatusResult
	// RulesResult lists the configured rules and their current bindings.
	RulesResult = control.RulesResult
)

// New creates a client that connects to the provided socket path. When path
// is empty, the default runtime path is used.
func New(path string) (*Client, error) {
	if path == "" {
		var err error
		path, err = control.DefaultSocketPath()
		if err != nil {
			return nil, err
		}
	}
	return &Client{socketPath: path}, nil
}

// Status retrieves the daemon's counters, allocator, and registry state.
func (c *Client) Status(ctx context.Context) (StatusResult, error) {
	var status StatusResult
	if err := c.do(ctx, control.Request{Action: control.ActionStatus}, &status); err != nil {
		return StatusResult{}, err
	}
	return status, nil
}

// Rules retrieves the configured rules and their live bindings.
func (c *Client) Rules(ctx context.Context) (RulesResult, error) {
	var result RulesResult
	if err := c.do(ctx, control.Request{Action: control.ActionRules}, &result); err != nil {
		return RulesResult{}, err
	}
	return result, nil
}

// Reload asks the daemon to reload its rule configuration.
func (c *Client) Reload(ctx context.Context) error {
	return c.do(ctx, control.Request{Action: control.ActionReload}, nil)
}

func (c *Client) do(ctx context.Context, req control.Request, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("dial control socket: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	var resp control.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != control.StatusOK {
		if resp.Error == "" {
			resp.Error = "unknown control error"
		}
		return errors.New(resp.Error)
	}
	if out == nil || resp.Data == nil {
		return nil
	}
	data, err := json.Marshal(resp.Data)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
