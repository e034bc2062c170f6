package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/surfid/surfid/internal/engine"
	"github.com/surfid/surfid/internal/registry"
	"github.com/surfid/surfid/internal/util"
)

// Server hosts the control socket and serves introspection requests.
type Server struct {
	engine     *engine.Engine
	registry   *registry.Client
	logger     *util.Logger
	reload     func(reason string) error
	socketPath string

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a control server on the default socket path.
func NewServer(eng *engine.Engine, reg *registry.Client, logger *util.Logger, reload func(reason string) error) (*Server, error) {
	path, err := DefaultSocketPath()
	if err != nil {
		return nil, err
	}
	return NewServerAt(path, eng, reg, logger, reload), nil
}

// NewServerAt creates a control server on an explicit socket path.
func NewServerAt(path string, eng *engine.Engine, reg *registry.Client, logger *util.Logger, reload func(reason string) error) *Server {
	return &Server{
		engine:     eng,
		registry:   reg,
		logger:     logger,
		reload:     reload,
		socketPath: path,
	}
}

// Serve listens on the control socket until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.prepareSocket(); err != nil {
		return err
	}
	s.logger.Infof("control server listening on %s", s.socketPath)
	defer s.cleanup()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := s.accept(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			s.logger.Errorf("control accept error: %v", err)
			continue
		}
		go s.handle(conn)
	}
}

func (s *Server) accept(ctx context.Context) (net.Conn, error) {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return nil, context.Canceled
	}
	conn, err := listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return conn, nil
}

func (s *Server) prepareSocket() error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create control dir: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on control socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("chmod control socket: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	return nil
}

func (s *Server) cleanup() {
	s.mu.Lock()
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()
	if listener != nil {
		listener.Close()
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warnf("remove control socket: %v", err)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(conn)
	var req Request
	if err := dec.Decode(&req); err != nil {
		s.writeError(conn, fmt.Errorf("decode request: %w", err))
		return
	}
	switch req.Action {
	case ActionStatus:
		s.handleStatus(conn)
	case ActionRules:
		s.handleRules(conn)
	case ActionReload:
		s.handleReload(conn)
	default:
		s.writeError(conn, fmt.Errorf("unknown action %q", req.Action))
	}
}

func (s *Server) handleStatus(conn net.Conn) {
	s.writeOK(conn, StatusResult{
		Metrics:   s.engine.MetricsSnapshot(),
		Allocator: s.engine.AllocatorSnapshot(),
		Registry:  s.registry.Snapshot(),
	})
}

func (s *Server) handleRules(conn net.Conn) {
	s.writeOK(conn, RulesResult{Rules: s.engine.RulesSnapshot()})
}

func (s *Server) handleReload(conn net.Conn) {
	if s.reload == nil {
		s.writeError(conn, errors.New("reload not supported"))
		return
	}
	if err := s.reload("control request"); err != nil {
		s.writeError(conn, err)
		return
	}
	s.writeOK(conn, nil)
}

func (s *Server) writeOK(conn net.Conn, data any) {
	resp := Response{Status: StatusOK}
	if data != nil {
		resp.Data = data
	}
	_ = json.NewEncoder(conn).Encode(resp)
}

func (s *Server) writeError(conn net.Conn, err error) {
	resp := Response{Status: StatusError}
	if err != nil {
		resp.Error = err.Error()
	}
	_ = json.NewEncoder(conn).Encode(resp)
}
