// Package server runs the shared HTTP server: health and readiness probes,
// the Prometheus metrics endpoint, and callback routes that providers mount
// at runtime through [provider.Context.Callbacks].
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vtforge/hibiki/internal/health"
	"github.com/vtforge/hibiki/internal/observe"
)

// Server is the shared HTTP server. It implements
// [provider.CallbackRegistrar]; callback routes may be registered before or
// after Start, since providers set up while the server is already accepting.
type Server struct {
	addr string
	mux  *http.ServeMux
	log  *slog.Logger

	mu        sync.Mutex
	callbacks map[string]struct{}
	srv       *http.Server
}

// New builds a Server listening on addr. The health handler is mounted at
// /healthz and /readyz, Prometheus at /metrics, and everything is wrapped in
// the observability middleware.
func New(addr string, h *health.Handler, met *observe.Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &Server{
		addr:      addr,
		mux:       mux,
		log:       log.With("component", "server"),
		callbacks: make(map[string]struct{}),
		srv: &http.Server{
			Addr:              addr,
			Handler:           observe.Middleware(met)(mux),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// RegisterCallback mounts handler at POST /callbacks/<name>. Registering the
// same name twice returns an error; the first registration stays in place.
func (s *Server) RegisterCallback(name string, handler http.Handler) error {
	if name == "" {
		return errors.New("server: callback name must not be empty")
	}
	if handler == nil {
		return fmt.Errorf("server: callback %s: nil handler", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.callbacks[name]; dup {
		return fmt.Errorf("server: callback %s already registered", name)
	}
	s.callbacks[name] = struct{}{}
	s.mux.Handle("POST /callbacks/"+name, handler)
	s.log.Info("callback registered", "path", "/callbacks/"+name)
	return nil
}

// Handler returns the full middleware-wrapped handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start binds the listen address and begins serving in a background
// goroutine. Bind failures are returned synchronously; later serve errors are
// logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.addr, err)
	}
	s.log.Info("http server listening", "addr", ln.Addr().String())

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.addr }

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
