package core

import (
	"sync"

	"github.com/pacsd/pacsd/logging"
)

// Server owns the current *Context and the restart barrier around it:
// a configuration change (via the REST /system PUT or SIGHUP-style
// trigger) tears the whole pipeline down and rebuilds it in place,
// without restarting the process, the same full-teardown/rebuild the
// teacher's rungroup performs around a single mainRunner (ais/daemon.go)
// generalized here to one swappable Context instead of a fixed set of
// long-lived runners.
type Server struct {
	resetMu            sync.Mutex // serializes Reset and Shutdown
	mu                 sync.Mutex
	current            *Context
	configDir          string
	allowSchemaUpgrade bool
	closed             bool
}

// NewServer builds the first Context from configDir and wraps it in a
// restart barrier.
func NewServer(configDir string, allowSchemaUpgrade bool) (*Server, error) {
	ctx, err := Build(configDir, allowSchemaUpgrade)
	if err != nil {
		return nil, err
	}
	return &Server{current: ctx, configDir: configDir, allowSchemaUpgrade: allowSchemaUpgrade}, nil
}

// Current returns the live Context. Callers must re-fetch it after any
// call that might block across a Reset (Current itself never blocks).
func (s *Server) Current() *Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Reset tears down the current Context and rebuilds a fresh one from
// configDir; a concurrent Reset or Shutdown waits until it completes.
// In-flight requests holding a *Context obtained before Reset continue
// to run against the old (now stopping) Context; only the next Current()
// call observes the new one.
func (s *Server) Reset() error {
	s.resetMu.Lock()
	defer s.resetMu.Unlock()
	s.mu.Lock()
	for s.closed {
		s.mu.Unlock()
		return nil
	}
	old := s.current
	s.mu.Unlock()

	old.Stop()

	fresh, err := Build(s.configDir, s.allowSchemaUpgrade)
	if err != nil {
		logging.Errorf("failed to rebuild server context after reset: %v", err)
		return err
	}

	s.mu.Lock()
	s.current = fresh
	s.mu.Unlock()
	return nil
}

// Shutdown stops the current Context for good; Reset becomes a no-op
// afterward.
func (s *Server) Shutdown() {
	s.resetMu.Lock()
	defer s.resetMu.Unlock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cur := s.current
	s.mu.Unlock()
	cur.Stop()
}
