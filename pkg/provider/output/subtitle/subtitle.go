// Package subtitle implements the subtitle output provider: a small
// WebSocket server that overlay clients (OBS browser sources, stream decks)
// connect to. Every render pushes one subtitle frame to all connected
// clients; a stalled client is dropped rather than allowed to block the
// broadcast.
package subtitle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/vtforge/hibiki/pkg/provider"
	"github.com/vtforge/hibiki/pkg/provider/output"
	"github.com/vtforge/hibiki/pkg/types"
)

// Name is the provider's registry name.
const Name = "subtitle"

const (
	defaultListen   = ":8765"
	defaultPath     = "/subtitles"
	writeTimeout    = 2 * time.Second
	shutdownTimeout = 3 * time.Second

	// wordsPerSecond drives the display-duration estimate sent with each
	// frame so overlays can fade subtitles without their own heuristics.
	wordsPerSecond = 3.0
)

var _ output.Provider = (*Provider)(nil)

// subtitleFrame is the JSON pushed to overlay clients.
type subtitleFrame struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	Emotion    string `json:"emotion"`
	DurationMS int64  `json:"duration_ms"`
}

// Provider broadcasts subtitles to WebSocket overlay clients.
type Provider struct {
	log *slog.Logger

	listen string
	path   string

	srv *http.Server
	ln  net.Listener

	mu       sync.Mutex
	clients  map[*websocket.Conn]struct{}
	stopOnce sync.Once
}

// New creates an unconfigured provider; everything arrives via Setup.
func New() *Provider {
	return &Provider{}
}

// Name implements [output.Provider].
func (p *Provider) Name() string { return Name }

// Setup implements [output.Provider]. It binds the overlay server. Config
// keys: "listen" (default ":8765"), "path" (default "/subtitles").
func (p *Provider) Setup(_ context.Context, pctx provider.Context, cfg map[string]any) error {
	p.listen = provider.StringOption(cfg, "listen", defaultListen)
	p.path = provider.StringOption(cfg, "path", defaultPath)
	if !strings.HasPrefix(p.path, "/") {
		p.path = "/" + p.path
	}
	p.log = pctx.Logger("output." + Name)
	p.clients = make(map[*websocket.Conn]struct{})

	ln, err := net.Listen("tcp", p.listen)
	if err != nil {
		return fmt.Errorf("%s: listen %s: %w", Name, p.listen, err)
	}
	p.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc(p.path, p.handleClient)
	p.srv = &http.Server{Handler: mux}
	go func() {
		if err := p.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			p.log.Error("subtitle server failed", "error", err)
		}
	}()

	p.log.Info("subtitle server listening", "addr", ln.Addr().String(), "path", p.path)
	return nil
}

// Addr returns the bound listen address, useful when "listen" used port 0.
func (p *Provider) Addr() string {
	if p.ln == nil {
		return ""
	}
	return p.ln.Addr().String()
}

// Render implements [output.Provider]. It pushes one frame to every connected
// overlay; a write that cannot complete within a short timeout drops that
// client.
func (p *Provider) Render(ctx context.Context, params *types.ExpressionParameters) error {
	if !params.SubtitleEnabled || params.SubtitleText == "" {
		return nil
	}

	frame := subtitleFrame{
		Type:       "subtitle",
		Text:       params.SubtitleText,
		Emotion:    string(params.Emotion),
		DurationMS: displayDuration(params.SubtitleText).Milliseconds(),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("%s: encode frame: %w", Name, err)
	}

	for _, conn := range p.clientList() {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		werr := conn.Write(wctx, websocket.MessageText, data)
		cancel()
		if werr != nil {
			p.log.Debug("dropping stalled subtitle client", "error", werr)
			p.removeClient(conn)
			_ = conn.Close(websocket.StatusPolicyViolation, "write timeout")
		}
	}
	return nil
}

// Cleanup implements [output.Provider]. Safe to call more than once.
func (p *Provider) Cleanup() error {
	var err error
	p.stopOnce.Do(func() {
		for _, conn := range p.clientList() {
			p.removeClient(conn)
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		if p.srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			err = p.srv.Shutdown(ctx)
		}
	})
	return err
}

// handleClient upgrades one overlay connection and parks it until the client
// goes away. Overlays only listen; inbound frames are not expected.
func (p *Provider) handleClient(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Overlays load from OBS browser sources and arbitrary local files.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		p.log.Debug("subtitle client rejected", "error", err)
		return
	}
	p.addClient(conn)
	p.log.Debug("subtitle client connected", "remote", r.RemoteAddr)
	defer func() {
		p.removeClient(conn)
		p.log.Debug("subtitle client disconnected", "remote", r.RemoteAddr)
	}()

	<-conn.CloseRead(r.Context()).Done()
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func (p *Provider) addClient(conn *websocket.Conn) {
	p.mu.Lock()
	p.clients[conn] = struct{}{}
	p.mu.Unlock()
}

func (p *Provider) removeClient(conn *websocket.Conn) {
	p.mu.Lock()
	delete(p.clients, conn)
	p.mu.Unlock()
}

func (p *Provider) clientList() []*websocket.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*websocket.Conn, 0, len(p.clients))
	for conn := range p.clients {
		out = append(out, conn)
	}
	return out
}

// displayDuration estimates how long a subtitle should stay on screen,
// between 1.5s and 8s depending on word count.
func displayDuration(text string) time.Duration {
	words := len(strings.Fields(text))
	d := time.Duration(float64(words) / wordsPerSecond * float64(time.Second))
	if d < 1500*time.Millisecond {
		return 1500 * time.Millisecond
	}
	if d > 8*time.Second {
		return 8 * time.Second
	}
	return d
}
