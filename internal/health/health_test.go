package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func decodeReport(t *testing.T, rec *httptest.ResponseRecorder) report {
	t.Helper()
	var rep report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rep
}

func TestHealthz_AlwaysOK(t *testing.T) {
	t.Parallel()
	h := New()
	h.Add("doomed", func(context.Context) error { return errors.New("down") })

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rep := decodeReport(t, rec); rep.Status != "ok" {
		t.Errorf("status = %q, want ok", rep.Status)
	}
}

func TestReadyz_AllProbesPass(t *testing.T) {
	t.Parallel()
	h := New()
	h.Add("decision", func(context.Context) error { return nil })
	h.Add("providers", func(context.Context) error { return nil })

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	rep := decodeReport(t, rec)
	if rep.Status != "ok" {
		t.Errorf("status = %q, want ok", rep.Status)
	}
	for _, name := range []string{"decision", "providers"} {
		if !rep.Probes[name].OK {
			t.Errorf("probe %q not ok: %+v", name, rep.Probes[name])
		}
	}
}

func TestReadyz_OneFailingProbeFlips503(t *testing.T) {
	t.Parallel()
	h := New()
	h.Add("decision", func(context.Context) error { return errors.New("swap in progress") })
	h.Add("providers", func(context.Context) error { return nil })

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	rep := decodeReport(t, rec)
	if rep.Status != "unavailable" {
		t.Errorf("status = %q, want unavailable", rep.Status)
	}
	if p := rep.Probes["decision"]; p.OK || p.Error != "swap in progress" {
		t.Errorf("decision probe = %+v", p)
	}
	if !rep.Probes["providers"].OK {
		t.Errorf("healthy probe reported not ok: %+v", rep.Probes["providers"])
	}
}

func TestReadyz_NoProbesMeansReady(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	New().Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReadyz_ProbesRunConcurrently(t *testing.T) {
	t.Parallel()

	// Two probes that each wait for the other prove concurrent execution;
	// sequential evaluation would deadlock until both probe contexts expire.
	aReady := make(chan struct{})
	bReady := make(chan struct{})
	h := New()
	h.Add("a", func(ctx context.Context) error {
		close(aReady)
		select {
		case <-bReady:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	h.Add("b", func(ctx context.Context) error {
		close(bReady)
		select {
		case <-aReady:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReadyz_ProbeHonorsCancelledRequest(t *testing.T) {
	t.Parallel()
	h := New()
	h.Add("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestRegister_MountsBothRoutes(t *testing.T) {
	t.Parallel()
	h := New()
	h.Add("test", func(context.Context) error { return nil })

	mux := http.NewServeMux()
	h.Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}
}
