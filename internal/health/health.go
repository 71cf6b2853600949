// Package health answers the runtime's liveness and readiness probes.
//
// Liveness (GET /healthz) only proves the process can still serve HTTP and
// always reports ok. Readiness (GET /readyz) asks every registered probe
// whether its subsystem can do useful work right now; a single failing probe
// flips the response to 503 so an orchestrator stops routing traffic while
// the runtime is degraded, for example mid decision-provider swap or with a
// failed provider record in the registry.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// probeTimeout bounds one probe per readiness request. Probes touch only
// in-process state, so a probe that needs longer than this is itself a
// failure worth reporting.
const probeTimeout = 2 * time.Second

// Probe reports whether one subsystem is ready. A nil return means ready;
// the error message is surfaced verbatim in the readiness response. Probes
// must honor ctx and must be safe for concurrent use.
type Probe func(ctx context.Context) error

type namedProbe struct {
	name  string
	probe Probe
}

// Handler serves the probe endpoints. Register probes during startup with
// Add, then mount the handler; Add is not safe once requests are flowing.
type Handler struct {
	probes []namedProbe
}

// New returns a Handler with no probes. With nothing registered /readyz
// always reports ready, which suits tests and minimal configs without an
// HTTP server dependency chain.
func New() *Handler {
	return &Handler{}
}

// Add registers probe under name. Names appear as keys in the readiness
// response; registration order is not significant because probes run
// concurrently.
func (h *Handler) Add(name string, probe Probe) {
	h.probes = append(h.probes, namedProbe{name: name, probe: probe})
}

// probeState is one probe's outcome in the readiness response.
type probeState struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// report is the JSON body of both endpoints.
type report struct {
	Status string                `json:"status"`
	Probes map[string]probeState `json:"probes,omitempty"`
}

// Healthz always answers 200. A process that reached this handler is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every probe concurrently, each bounded by probeTimeout under
// the request context, and answers 200 only when all of them pass.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	states := make([]probeState, len(h.probes))
	var wg sync.WaitGroup
	for i, np := range h.probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			defer cancel()
			if err := np.probe(ctx); err != nil {
				states[i] = probeState{Error: err.Error()}
				return
			}
			states[i] = probeState{OK: true}
		}()
	}
	wg.Wait()

	out := report{Status: "ok", Probes: make(map[string]probeState, len(h.probes))}
	status := http.StatusOK
	for i, np := range h.probes {
		out.Probes[np.name] = states[i]
		if !states[i].OK {
			out.Status = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}
	writeReport(w, status, out)
}

// Register mounts both endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeReport(w http.ResponseWriter, status int, rep report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
