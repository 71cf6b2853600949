// Package danmaku implements the live-chat input provider: a WebSocket
// client for a bilibili-style danmaku feed. Chat lines, gifts, super chats,
// and guard (membership) events arrive as JSON frames and are forwarded as
// pre-structured observations; the connection is kept alive with periodic
// heartbeats and reconnects with backoff until the run context ends.
package danmaku

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/coder/websocket"

	"github.com/vtforge/hibiki/pkg/provider"
	"github.com/vtforge/hibiki/pkg/provider/input"
	"github.com/vtforge/hibiki/pkg/types"
)

// Name is the provider's registry name.
const Name = "danmaku"

// Inbound frame types.
const (
	frameDanmaku   = "danmaku"
	frameGift      = "gift"
	frameSuperChat = "super_chat"
	frameGuard     = "guard"
	frameHeartbeat = "heartbeat"
)

const (
	defaultHeartbeat   = 30 * time.Second
	defaultBaseBackoff = time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultDialTimeout = 10 * time.Second
)

var heartbeatFrame = []byte(`{"type":"heartbeat"}`)

var _ input.Provider = (*Provider)(nil)

// feedFrame is the inbound frame shape, a union across the frame types; each
// type reads the fields it needs.
type feedFrame struct {
	Type     string  `json:"type"`
	UserID   string  `json:"user_id"`
	Username string  `json:"username"`
	Text     string  `json:"text"`
	GiftName string  `json:"gift_name"`
	Count    int     `json:"count"`
	Price    float64 `json:"price"`
	Level    int     `json:"level"`
	Tier     string  `json:"tier"`
}

// Provider streams a live-chat feed into the input domain.
type Provider struct {
	log *slog.Logger

	url         string
	roomID      string
	heartbeat   time.Duration
	baseBackoff time.Duration
	maxBackoff  time.Duration
	dialTimeout time.Duration
}

// New creates an unconfigured provider; everything arrives via Setup.
func New() *Provider {
	return &Provider{}
}

// Name implements [input.Provider].
func (p *Provider) Name() string { return Name }

// Setup implements [input.Provider]. Config keys: "url" (required), "room_id"
// (joined after connect when set), "heartbeat_seconds",
// "reconnect_base_seconds", "reconnect_max_seconds", "dial_timeout_seconds".
func (p *Provider) Setup(_ context.Context, pctx provider.Context, cfg map[string]any) error {
	p.url = provider.StringOption(cfg, "url", "")
	if p.url == "" {
		return fmt.Errorf("%s: url is required", Name)
	}
	p.roomID = provider.StringOption(cfg, "room_id", "")
	p.heartbeat = provider.SecondsOption(cfg, "heartbeat_seconds", defaultHeartbeat)
	p.baseBackoff = provider.SecondsOption(cfg, "reconnect_base_seconds", defaultBaseBackoff)
	p.maxBackoff = provider.SecondsOption(cfg, "reconnect_max_seconds", defaultMaxBackoff)
	p.dialTimeout = provider.SecondsOption(cfg, "dial_timeout_seconds", defaultDialTimeout)
	p.log = pctx.Logger("input." + Name)
	return nil
}

// Run implements [input.Provider]. The feed is endless: socket loss triggers
// a reconnect with exponential backoff and jitter, and only ctx cancellation
// ends the run.
func (p *Provider) Run(ctx context.Context, sink input.Sink) error {
	backoff := p.baseBackoff
	for {
		conn, err := p.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := withJitter(backoff)
			p.log.Warn("chat feed dial failed", "url", p.url, "retry_in", wait, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			backoff = min(backoff*2, p.maxBackoff)
			continue
		}
		backoff = p.baseBackoff
		p.log.Info("chat feed connected", "url", p.url, "room_id", p.roomID)

		err = p.consume(ctx, conn, sink)
		if ctx.Err() != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
			return ctx.Err()
		}
		_ = conn.Close(websocket.StatusGoingAway, "connection lost")
		p.log.Warn("chat feed connection lost, reconnecting", "error", err)
	}
}

// Cleanup implements [input.Provider]. Run owns the socket, so there is
// nothing left to release.
func (p *Provider) Cleanup() error { return nil }

func (p *Provider) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.url, err)
	}
	return conn, nil
}

// consume joins the configured room, keeps the heartbeat running, and pumps
// frames into the sink until the socket fails.
func (p *Provider) consume(ctx context.Context, conn *websocket.Conn, sink input.Sink) error {
	if p.roomID != "" {
		join, _ := json.Marshal(map[string]string{"type": "join", "room_id": p.roomID})
		if err := conn.Write(ctx, websocket.MessageText, join); err != nil {
			return fmt.Errorf("join room: %w", err)
		}
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go p.heartbeatLoop(hbCtx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		raw, ok := p.parseFrame(data)
		if !ok {
			continue
		}
		sink(raw)
	}
}

func (p *Provider) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Write(ctx, websocket.MessageText, heartbeatFrame); err != nil {
				return
			}
		}
	}
}

// parseFrame maps one inbound frame to an observation. Heartbeats, unknown
// types, and undecodable frames yield ok=false.
func (p *Provider) parseFrame(data []byte) (types.RawData, bool) {
	var f feedFrame
	if err := json.Unmarshal(data, &f); err != nil {
		p.log.Debug("dropping undecodable frame", "error", err)
		return types.RawData{}, false
	}

	var (
		content types.StructuredContent
		dt      types.DataType
	)
	switch f.Type {
	case frameDanmaku:
		if f.Text == "" {
			return types.RawData{}, false
		}
		content = types.TextContent{Text: f.Text, User: f.UserID, Username: f.Username}
		dt = types.DataText
	case frameGift:
		content = types.GiftContent{GiftName: f.GiftName, Count: f.Count, Price: f.Price, User: f.UserID, Username: f.Username}
		dt = types.DataEvent
	case frameSuperChat:
		content = types.SuperChatContent{Message: f.Text, Price: f.Price, User: f.UserID, Username: f.Username}
		dt = types.DataEvent
	case frameGuard:
		content = types.MembershipContent{Tier: f.Tier, Level: f.Level, User: f.UserID, Username: f.Username}
		dt = types.DataEvent
	case frameHeartbeat:
		return types.RawData{}, false
	default:
		p.log.Debug("ignoring frame", "type", f.Type)
		return types.RawData{}, false
	}

	raw := types.RawData{
		Content:   content,
		Source:    Name,
		Type:      dt,
		Timestamp: time.Now(),
	}
	if p.roomID != "" {
		raw.Metadata = map[string]any{"room_id": p.roomID}
	}
	return raw, true
}

// withJitter spreads a retry delay over [d/2, d) so reconnecting clients
// don't thunder in lockstep.
func withJitter(d time.Duration) time.Duration {
	if d <= time.Millisecond {
		return d
	}
	half := d / 2
	return half + rand.N(half)
}
