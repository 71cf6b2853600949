// Package webhook implements the HTTP push input provider. External systems
// POST JSON events to /callbacks/webhook on the shared HTTP server; each
// accepted body becomes one text observation.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/vtforge/hibiki/pkg/provider"
	"github.com/vtforge/hibiki/pkg/provider/input"
	"github.com/vtforge/hibiki/pkg/types"
)

// Name is the provider's registry name and callback path segment.
const Name = "webhook"

const (
	defaultQueueSize = 256
	maxBodyBytes     = 1 << 20
)

var _ input.Provider = (*Provider)(nil)

// payload is the accepted request body.
type payload struct {
	Text     string         `json:"text"`
	UserID   string         `json:"user_id"`
	Username string         `json:"username"`
	Metadata map[string]any `json:"metadata"`
}

// Provider accepts pushed events over HTTP.
type Provider struct {
	log    *slog.Logger
	secret string
	events chan types.RawData
}

// New creates an unconfigured provider; everything arrives via Setup.
func New() *Provider {
	return &Provider{}
}

// Name implements [input.Provider].
func (p *Provider) Name() string { return Name }

// Setup implements [input.Provider]. It registers POST /callbacks/webhook on
// the shared server. Config keys: "secret" (bearer token required on every
// request when set), "queue_size".
func (p *Provider) Setup(_ context.Context, pctx provider.Context, cfg map[string]any) error {
	if pctx.Callbacks == nil {
		return fmt.Errorf("%s: callback registrar not available", Name)
	}
	p.secret = provider.StringOption(cfg, "secret", "")
	p.events = make(chan types.RawData, provider.IntOption(cfg, "queue_size", defaultQueueSize))
	p.log = pctx.Logger("input." + Name)

	if err := pctx.Callbacks.RegisterCallback(Name, http.HandlerFunc(p.handle)); err != nil {
		return fmt.Errorf("%s: register callback: %w", Name, err)
	}
	return nil
}

// Run implements [input.Provider]. It drains accepted events into the sink
// until ctx ends.
func (p *Provider) Run(ctx context.Context, sink input.Sink) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw := <-p.events:
			sink(raw)
		}
	}
}

// Cleanup implements [input.Provider]. The callback route lives on the shared
// server, which owns its own shutdown.
func (p *Provider) Cleanup() error { return nil }

func (p *Provider) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"status": "error", "error": "POST only"})
		return
	}
	if p.secret != "" && r.Header.Get("Authorization") != "Bearer "+p.secret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"status": "error", "error": "bad credentials"})
		return
	}

	var body payload
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "error": "invalid JSON body"})
		return
	}
	if body.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "error": "text is required"})
		return
	}

	raw := types.RawData{
		Content: types.TextContent{
			Text:     body.Text,
			User:     body.UserID,
			Username: body.Username,
		},
		Source:    Name,
		Type:      types.DataText,
		Timestamp: time.Now(),
		Metadata:  body.Metadata,
	}

	select {
	case p.events <- raw:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	default:
		p.log.Warn("event queue full, rejecting webhook")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "error": "queue full"})
	}
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
