package server_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vtforge/hibiki/internal/health"
	"github.com/vtforge/hibiki/internal/observe"
	"github.com/vtforge/hibiki/internal/server"
)

func newTestServer(t *testing.T, probes map[string]health.Probe) *server.Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := health.New()
	for name, p := range probes {
		h.Add(name, p)
	}
	return server.New(":0", h, observe.DefaultMetrics(), log)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, map[string]health.Probe{
		"bus": func(context.Context) error { return nil },
	})

	if rec := get(t, s.Handler(), "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("/healthz: got %d", rec.Code)
	}
	rec := get(t, s.Handler(), "/readyz")
	if rec.Code != http.StatusOK {
		t.Errorf("/readyz: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"bus":{"ok":true}`) {
		t.Errorf("/readyz body: %s", rec.Body.String())
	}
}

func TestReadyzFailsWhenCheckerFails(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, map[string]health.Probe{
		"memory": func(context.Context) error { return errors.New("pool exhausted") },
	})

	rec := get(t, s.Handler(), "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz: got %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "pool exhausted") {
		t.Errorf("/readyz body: %s", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	rec := get(t, s.Handler(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Errorf("/metrics: got %d", rec.Code)
	}
}

func TestRegisterCallback(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	if err := s.RegisterCallback("webhook", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})); err != nil {
		t.Fatalf("RegisterCallback: %v", err)
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/callbacks/webhook", strings.NewReader(`{}`)))
	if rec.Code != http.StatusAccepted {
		t.Errorf("POST /callbacks/webhook: got %d", rec.Code)
	}

	// GET on a callback route is not mounted.
	if rec := get(t, s.Handler(), "/callbacks/webhook"); rec.Code == http.StatusAccepted {
		t.Error("GET should not hit the callback handler")
	}
}

func TestRegisterCallbackRejectsDuplicates(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	noop := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	if err := s.RegisterCallback("vts", noop); err != nil {
		t.Fatalf("first RegisterCallback: %v", err)
	}
	if err := s.RegisterCallback("vts", noop); err == nil {
		t.Error("duplicate RegisterCallback should fail")
	}
	if err := s.RegisterCallback("", noop); err == nil {
		t.Error("empty name should fail")
	}
	if err := s.RegisterCallback("danmaku", nil); err == nil {
		t.Error("nil handler should fail")
	}
}

func TestUnknownCallbackIs404(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/callbacks/nobody", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown callback: got %d, want 404", rec.Code)
	}
}

func TestStartAndShutdown(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
