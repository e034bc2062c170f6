// Package ipc adapts a compositor exposing the agent protocol over unix
// sockets into the compositor.Host interface: an event socket streaming
// KIND>>payload lines and a JSON command socket for queries and id writes.
package ipc

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/surfid/surfid/internal/compositor"
	"github.com/surfid/surfid/internal/util"
)

const runtimeSubdir = "surfid"

// subscribeEvents connects to the compositor event socket and streams events
// until context cancellation or stream end.
func subscribeEvents(ctx context.Context, socket string, logger *util.Logger) (<-chan compositor.Event, error) {
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("connect event socket: %w", err)
	}
	events := make(chan compositor.Event)
	go func() {
		defer close(events)
		defer conn.Close()
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			ev := parseEventLine(scanner.Text())
			if ev.Kind == "" {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			logger.Warnf("event stream error: %v", err)
		}
	}()
	return events, nil
}

// parseEventLine splits a KIND>>payload line into an event. Unknown kinds
// pass through for the engine to ignore; blank lines yield a zero event.
func parseEventLine(line string) compositor.Event {
	line = strings.TrimSpace(line)
	if line == "" {
		return compositor.Event{}
	}
	parts := strings.SplitN(line, ">>", 2)
	ev := compositor.Event{Kind: compositor.EventKind(parts[0])}
	if len(parts) == 2 {
		ev.Handle = parts[1]
	}
	return ev
}

// defaultSocketPath resolves a socket file under the runtime directory.
func defaultSocketPath(name string) (string, error) {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		return "", fmt.Errorf("XDG_RUNTIME_DIR not set")
	}
	return filepath.Join(runtimeDir, runtimeSubdir, name), nil
}
