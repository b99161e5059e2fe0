// Copyright 2026 The Agentd Authors
// SPDX-License-Identifier: Apache-2.0

// Package control provides the per-agent HTTP control surface: a
// small server exposing liveness, status, and a route listing, plus
// dynamic route registration for services (webhook ingestion).
//
// Status is never cached; the /status handler invokes a late-bound
// provider callback on every request. Handler panics are recovered
// and reported as 500 JSON; nothing that happens inside a handler can
// crash the agent process.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Host is the bind host. Defaults to "127.0.0.1".
	Host string

	// Port is the bind port. 0 lets the OS pick (tests).
	Port int

	// RuntimeID identifies this process instance in the root route
	// listing. Defaults to a generated UUID.
	RuntimeID string

	// ShutdownTimeout bounds connection draining in Stop. Defaults
	// to 10 seconds.
	ShutdownTimeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server is the agent's HTTP control server. Fixed routes:
//
//	GET /        route listing and runtime id
//	GET /health  {"healthy":true} while the process is up
//	GET /status  status provider output, computed per request
//
// Services register additional routes with Handle before Start.
type Server struct {
	host            string
	port            int
	runtimeID       string
	shutdownTimeout time.Duration
	logger          *slog.Logger

	mu             sync.Mutex
	routes         map[string]routeEntry
	statusProvider func() any
	running        bool
	httpServer     *http.Server
	listener       net.Listener
	serveDone      chan error
}

// routeEntry is one registered route: method restriction plus handler.
type routeEntry struct {
	method  string
	handler http.HandlerFunc
}

// NewServer creates a control server. Call Start to bind and serve.
func NewServer(config ServerConfig) *Server {
	host := config.Host
	if host == "" {
		host = "127.0.0.1"
	}
	runtimeID := config.RuntimeID
	if runtimeID == "" {
		runtimeID = uuid.NewString()
	}
	shutdownTimeout := config.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 10 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		host:            host,
		port:            config.Port,
		runtimeID:       runtimeID,
		shutdownTimeout: shutdownTimeout,
		logger:          logger,
		routes:          make(map[string]routeEntry),
	}

	s.routes["/health"] = routeEntry{method: http.MethodGet, handler: s.handleHealth}
	s.routes["/status"] = routeEntry{method: http.MethodGet, handler: s.handleStatus}
	return s
}

// Handle registers a service route. Routes may be added while the
// server is running; services start after the server and register
// their endpoints then.
func (s *Server) Handle(method, pattern string, handler http.HandlerFunc) error {
	if pattern == "" || pattern[0] != '/' {
		return fmt.Errorf("control: route pattern %q must start with /", pattern)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.routes[pattern]; exists {
		return fmt.Errorf("control: route %q is already registered", pattern)
	}
	s.routes[pattern] = routeEntry{method: method, handler: handler}
	return nil
}

// Unhandle removes a route registered with Handle, so a stopped
// service can re-register its endpoint on a later start. Unknown
// patterns are a no-op; the fixed routes cannot be removed.
func (s *Server) Unhandle(pattern string) {
	switch pattern {
	case "/health", "/status":
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.routes, pattern)
}

// SetStatusProvider installs the callback invoked by /status on every
// request. The provider's return value is serialized as JSON.
func (s *Server) SetStatusProvider(provider func() any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusProvider = provider
}

// RuntimeID returns the server's instance identifier.
func (s *Server) RuntimeID() string {
	return s.runtimeID
}

// Addr returns the resolved listen address, or nil before Start.
// With Port 0 this carries the OS-assigned port.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the listener and begins serving. Idempotent: starting a
// running server is a no-op.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	address := fmt.Sprintf("%s:%d", s.host, s.port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("control: listening on %s: %w", address, err)
	}

	s.listener = listener
	s.httpServer = &http.Server{
		Handler: http.HandlerFunc(s.route),

		// Control traffic is small JSON; modest timeouts protect
		// against slow clients pinning connections.
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.serveDone = make(chan error, 1)
	s.running = true

	go func(server *http.Server, listener net.Listener, done chan error) {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- err
		}
		close(done)
	}(s.httpServer, listener, s.serveDone)

	s.logger.Info("control server listening",
		"address", listener.Addr().String(),
		"runtime_id", s.runtimeID,
	)
	return nil
}

// Stop shuts the server down gracefully, returning once in-flight
// requests have drained (bounded by ShutdownTimeout). Idempotent:
// stopping a stopped server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	server := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	drainCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("control: shutdown: %w", err)
	}
	s.logger.Info("control server stopped")
	return nil
}

// Running reports whether the server is currently serving.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Routes returns the registered route patterns, sorted.
func (s *Server) Routes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	patterns := make([]string, 0, len(s.routes)+1)
	patterns = append(patterns, "/")
	for pattern := range s.routes {
		patterns = append(patterns, pattern)
	}
	sort.Strings(patterns)
	return patterns
}

// route dispatches a request to the registered handler, with panic
// recovery so a faulty handler returns 500 instead of crashing the
// process.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("handler panic",
				"path", r.URL.Path,
				"panic", fmt.Sprint(recovered),
			)
			// The handler may have already written a response; a
			// second WriteHeader is logged by net/http and ignored.
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
	}()

	if r.URL.Path == "/" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleRoot(w, r)
		return
	}

	s.mu.Lock()
	entry, found := s.routes[r.URL.Path]
	s.mu.Unlock()

	if !found {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if entry.method != "" && r.Method != entry.method {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	entry.handler(w, r)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"runtime_id": s.runtimeID,
		"routes":     s.Routes(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"healthy": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	provider := s.statusProvider
	s.mu.Unlock()

	if provider == nil {
		writeError(w, http.StatusNotFound, "no status provider configured")
		return
	}
	// Invoked per request: status is always computed live.
	writeJSON(w, http.StatusOK, provider())
}

// writeJSON serializes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// The status line is already gone; nothing to do but note it.
		slog.Default().Debug("control: encoding response", "error", err)
	}
}

// writeError writes the uniform {"error": message} JSON error body.
// Messages are operator-facing strings, never stack traces.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
