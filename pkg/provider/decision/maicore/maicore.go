// Package maicore implements the default decision provider: a persistent
// WebSocket client for a MaiCore-style chat backend. Each decide sends a
// JSON frame tagged with a UUID message_id; a read loop correlates reply
// frames back to the waiting call, and the backend's freeform reply text is
// turned into a structured intent by the intent parser.
//
// A background loop keeps the socket alive with exponential backoff and
// jitter, retrying until Cleanup. While the socket is down, decides fail
// immediately with [decision.ErrDisconnected] instead of burning their
// timeout.
package maicore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/vtforge/hibiki/pkg/bus"
	"github.com/vtforge/hibiki/pkg/provider"
	"github.com/vtforge/hibiki/pkg/provider/decision"
	"github.com/vtforge/hibiki/pkg/provider/decision/intentparse"
	"github.com/vtforge/hibiki/pkg/types"
)

// Name is the provider's registry name.
const Name = "maicore"

// Frame types on the wire.
const (
	frameTypeMessage = "message"
	frameTypeReply   = "reply"
)

const (
	defaultBaseBackoff = time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultDialTimeout = 10 * time.Second
)

var _ decision.Provider = (*Provider)(nil)

// messageFrame is the outbound frame for one viewer message.
type messageFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
	Source    string `json:"source"`
	UserID    string `json:"user_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// replyFrame is an inbound frame from the backend. Frames whose Type is not
// "reply" are ignored.
type replyFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

// Provider decides through an external chat backend over WebSocket.
type Provider struct {
	log    *slog.Logger
	bus    *bus.Bus
	parser *intentparse.Parser

	url         string
	token       string
	baseBackoff time.Duration
	maxBackoff  time.Duration
	dialTimeout time.Duration

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan string
}

// New creates an unconfigured provider; everything arrives via Setup.
func New() *Provider {
	return &Provider{}
}

// Name implements [decision.Provider].
func (p *Provider) Name() string { return Name }

// Setup implements [decision.Provider]. Config keys: "url" (required,
// ws:// or wss://), "token" (bearer auth), "reconnect_base_seconds",
// "reconnect_max_seconds", "dial_timeout_seconds".
//
// Setup attempts one dial so a reachable backend is connected on return,
// but a failed first dial is not fatal: the reconnect loop keeps trying
// until Cleanup.
func (p *Provider) Setup(ctx context.Context, pctx provider.Context, cfg map[string]any) error {
	p.url = provider.StringOption(cfg, "url", "")
	if p.url == "" {
		return fmt.Errorf("%s: url is required", Name)
	}
	p.token = provider.StringOption(cfg, "token", "")
	p.baseBackoff = provider.SecondsOption(cfg, "reconnect_base_seconds", defaultBaseBackoff)
	p.maxBackoff = provider.SecondsOption(cfg, "reconnect_max_seconds", defaultMaxBackoff)
	p.dialTimeout = provider.SecondsOption(cfg, "dial_timeout_seconds", defaultDialTimeout)

	p.log = pctx.Logger("decision." + Name)
	p.bus = pctx.Bus
	p.parser = intentparse.New(pctx.LLM, pctx.Prompts, intentparse.WithLogger(p.log))
	p.pending = make(map[string]chan string)
	p.runCtx, p.runCancel = context.WithCancel(context.Background())

	if conn, err := p.dialOnce(ctx); err == nil {
		p.setConn(conn)
		p.emit(ctx, bus.TopicDecisionConnected, p.url)
		p.log.Info("chat backend connected", "url", p.url)
	} else {
		p.log.Warn("initial chat backend dial failed, retrying in background", "url", p.url, "error", err)
	}

	p.wg.Add(1)
	go p.connectLoop(p.runCtx)
	return nil
}

// Decide implements [decision.Provider]. It fails fast with
// [decision.ErrDisconnected] when the socket is down, including when the
// connection drops while the reply is still pending.
func (p *Provider) Decide(ctx context.Context, msg *types.NormalizedMessage) (*types.Intent, error) {
	conn := p.connection()
	if conn == nil {
		return nil, fmt.Errorf("%s: %w", Name, decision.ErrDisconnected)
	}

	id := uuid.NewString()
	ch := make(chan string, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
	defer p.forget(id)

	frame := messageFrame{
		Type:      frameTypeMessage,
		MessageID: id,
		Text:      msg.Text,
		Source:    msg.Source,
		UserID:    msg.UserID(),
		Timestamp: msg.Timestamp.UnixMilli(),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("%s: encode message: %w", Name, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		p.log.Warn("message send failed", "message_id", id, "error", err)
		return nil, fmt.Errorf("%s: send: %w", Name, decision.ErrDisconnected)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case text, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: %w", Name, decision.ErrDisconnected)
		}
		intent := p.parser.Parse(ctx, text)
		intent.OriginalText = msg.Text
		return intent, nil
	}
}

// Cleanup implements [decision.Provider]. Safe to call more than once.
func (p *Provider) Cleanup() error {
	p.stopOnce.Do(func() {
		if p.runCancel != nil {
			p.runCancel()
		}
		if conn := p.connection(); conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "provider cleanup")
		}
		p.wg.Wait()
		p.failPending()
	})
	return nil
}

// connectLoop owns the socket: it redials whenever the connection is gone
// and pumps frames while it is up. Only ctx cancellation ends it.
func (p *Provider) connectLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		conn := p.connection()
		if conn == nil {
			var err error
			conn, err = p.redial(ctx)
			if err != nil {
				return
			}
			p.setConn(conn)
			p.emit(ctx, bus.TopicDecisionConnected, p.url)
			p.log.Info("chat backend connected", "url", p.url)
		}

		err := p.readFrames(ctx, conn)
		p.setConn(nil)
		p.failPending()

		if ctx.Err() != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
			return
		}
		_ = conn.Close(websocket.StatusGoingAway, "connection lost")
		p.emit(ctx, bus.TopicDecisionDisconnected, err.Error())
		p.log.Warn("chat backend connection lost, reconnecting", "error", err)
	}
}

// redial retries with exponential backoff and jitter until a dial succeeds.
// Only ctx cancellation makes it give up.
func (p *Provider) redial(ctx context.Context) (*websocket.Conn, error) {
	backoff := p.baseBackoff
	for {
		conn, err := p.dialOnce(ctx)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		wait := withJitter(backoff)
		p.log.Warn("chat backend dial failed", "url", p.url, "retry_in", wait, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		backoff = min(backoff*2, p.maxBackoff)
	}
}

// dialOnce performs a single bounded dial attempt.
func (p *Provider) dialOnce(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()

	opts := &websocket.DialOptions{}
	if p.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + p.token}}
	}
	conn, _, err := websocket.Dial(dctx, p.url, opts)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.url, err)
	}
	return conn, nil
}

// readFrames pumps inbound frames until the socket fails and returns the
// read error that ended the connection.
func (p *Provider) readFrames(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		p.handleFrame(data)
	}
}

func (p *Provider) handleFrame(data []byte) {
	var frame replyFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		p.log.Debug("dropping undecodable frame", "error", err)
		return
	}
	if frame.Type != frameTypeReply {
		p.log.Debug("ignoring frame", "type", frame.Type)
		return
	}
	p.resolve(frame.MessageID, frame.Text)
}

// resolve hands a reply to the decide waiting on its message_id. Unknown or
// late IDs are logged and dropped.
func (p *Provider) resolve(id, text string) {
	p.mu.Lock()
	ch, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.mu.Unlock()
	if !ok {
		p.log.Debug("dropping reply for unknown message id", "message_id", id)
		return
	}
	ch <- text
}

// failPending closes every waiting reply channel so in-flight decides fail
// fast instead of running out their timeout.
func (p *Provider) failPending() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.pending {
		delete(p.pending, id)
		close(ch)
	}
}

func (p *Provider) forget(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

func (p *Provider) connection() *websocket.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

func (p *Provider) setConn(conn *websocket.Conn) {
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
}

func (p *Provider) emit(ctx context.Context, topic, detail string) {
	if p.bus == nil {
		return
	}
	ev := bus.ProviderEvent{Provider: Name, Kind: "decision", Detail: detail}
	if err := p.bus.Emit(ctx, topic, ev, Name); err != nil {
		p.log.Debug("could not emit provider event", "topic", topic, "error", err)
	}
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
