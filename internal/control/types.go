package control

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/surfid/surfid/internal/alloc"
	"github.com/surfid/surfid/internal/metrics"
	"github.com/surfid/surfid/internal/registry"
	"github.com/surfid/surfid/internal/rules"
)

const (
	// SocketFileName is the filename of the control socket within the runtime dir.
	SocketFileName = "control.sock"

	// Action names supported by the control protocol.
	ActionStatus = "status"
	ActionRules  = "rules"
	ActionReload = "reload"

	// Response statuses.
	StatusOK    = "ok"
	StatusError = "error"
)

// Request represents a control API request.
type Request struct {
	Action string `json:"action"`
}

// Response represents a control API response.
type Response struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// StatusResult aggregates the daemon's runtime state.
type StatusResult struct {
	Metrics   metrics.Snapshot `json:"metrics"`
	Allocator alloc.Status     `json:"allocator"`
	Registry  registry.Status  `json:"registry"`
}

// RulesResult lists the configured rules and their current bindings.
type RulesResult struct {
	Rules []rules.Status `json:"rules"`
}

// DefaultSocketPath returns the expected location of the control socket.
func DefaultSocketPath() (string, error) {
	if env := os.Getenv("SURFID_CONTROL_SOCKET"); env != "" {
		return env, nil
	}
	base := os.Getenv("XDG_RUNTIME_DIR")
	if base == "" {
		base = os.TempDir()
		if base == "" {
			return "", errors.New("no runtime directory available")
		}
	}
	return filepath.Join(base, "surfid", SocketFileName), nil
}
