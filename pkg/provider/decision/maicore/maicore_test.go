package maicore_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/vtforge/hibiki/pkg/bus"
	"github.com/vtforge/hibiki/pkg/provider"
	"github.com/vtforge/hibiki/pkg/provider/decision"
	"github.com/vtforge/hibiki/pkg/provider/decision/maicore"
	"github.com/vtforge/hibiki/pkg/types"
)

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startBackend launches a test WebSocket chat backend. The handler receives
// each accepted conn; the server closes when the test finishes.
func startBackend(t *testing.T, handler func(ctx context.Context, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// wireFrame mirrors the outbound message frame for server-side decoding.
type wireFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
	Source    string `json:"source"`
	UserID    string `json:"user_id"`
}

func readFrame(ctx context.Context, conn *websocket.Conn) (wireFrame, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return wireFrame{}, err
	}
	var f wireFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return wireFrame{}, err
	}
	return f, nil
}

func writeReply(ctx context.Context, conn *websocket.Conn, id, text string) error {
	data, _ := json.Marshal(map[string]string{"type": "reply", "message_id": id, "text": text})
	return conn.Write(ctx, websocket.MessageText, data)
}

// newConnectedProvider sets up a provider against srv with short reconnect
// delays. Cleanup is registered before the server closes so the socket shuts
// down first.
func newConnectedProvider(t *testing.T, srv *httptest.Server, b *bus.Bus) *maicore.Provider {
	t.Helper()
	p := maicore.New()
	pctx := provider.Context{
		Bus: b,
		Log: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	cfg := map[string]any{
		"url":                    wsURL(srv),
		"reconnect_base_seconds": 0.05,
		"reconnect_max_seconds":  0.2,
	}
	if err := p.Setup(context.Background(), pctx, cfg); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	t.Cleanup(func() { _ = p.Cleanup() })
	return p
}

func viewerMsg(text string) *types.NormalizedMessage {
	return &types.NormalizedMessage{
		Text:      text,
		Source:    "console",
		Type:      types.DataText,
		Timestamp: time.Now(),
	}
}

func TestDecideCorrelatesReply(t *testing.T) {
	t.Parallel()

	frames := make(chan wireFrame, 1)
	srv := startBackend(t, func(ctx context.Context, conn *websocket.Conn) {
		f, err := readFrame(ctx, conn)
		if err != nil {
			return
		}
		frames <- f
		_ = writeReply(ctx, conn, f.MessageID, `{"response_text": "hi!", "emotion": "happy"}`)
		<-conn.CloseRead(context.Background()).Done()
	})
	p := newConnectedProvider(t, srv, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	intent, err := p.Decide(ctx, viewerMsg("hello"))
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if intent.ResponseText != "hi!" {
		t.Errorf("ResponseText = %q, want %q", intent.ResponseText, "hi!")
	}
	if intent.Emotion != types.EmotionHappy {
		t.Errorf("Emotion = %q, want %q", intent.Emotion, types.EmotionHappy)
	}
	if intent.OriginalText != "hello" {
		t.Errorf("OriginalText = %q, want %q", intent.OriginalText, "hello")
	}

	select {
	case f := <-frames:
		if f.Type != "message" {
			t.Errorf("frame type = %q, want %q", f.Type, "message")
		}
		if f.Text != "hello" {
			t.Errorf("frame text = %q, want %q", f.Text, "hello")
		}
		if f.Source != "console" {
			t.Errorf("frame source = %q, want %q", f.Source, "console")
		}
		if f.MessageID == "" {
			t.Error("frame message_id is empty")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for the outbound frame")
	}
}

func TestDecideDropsUnknownReplyIDs(t *testing.T) {
	t.Parallel()

	srv := startBackend(t, func(ctx context.Context, conn *websocket.Conn) {
		f, err := readFrame(ctx, conn)
		if err != nil {
			return
		}
		_ = writeReply(ctx, conn, "bogus-id", `{"response_text": "wrong", "emotion": "angry"}`)
		_ = writeReply(ctx, conn, f.MessageID, `{"response_text": "right", "emotion": "neutral"}`)
		<-conn.CloseRead(context.Background()).Done()
	})
	p := newConnectedProvider(t, srv, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	intent, err := p.Decide(ctx, viewerMsg("which one?"))
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if intent.ResponseText != "right" {
		t.Errorf("ResponseText = %q, want the correlated reply", intent.ResponseText)
	}
}

func TestDecideHonorsContextTimeout(t *testing.T) {
	t.Parallel()

	srv := startBackend(t, func(ctx context.Context, conn *websocket.Conn) {
		// Swallow the message and never reply.
		if _, err := readFrame(ctx, conn); err != nil {
			return
		}
		<-conn.CloseRead(context.Background()).Done()
	})
	p := newConnectedProvider(t, srv, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err := p.Decide(ctx, viewerMsg("anyone home?"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Decide() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestDecideFastFailsWhenNeverConnected(t *testing.T) {
	t.Parallel()

	// The server refuses the WebSocket upgrade, so the provider stays
	// disconnected and keeps retrying in the background.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not today", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	p := newConnectedProvider(t, srv, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	start := time.Now()
	_, err := p.Decide(ctx, viewerMsg("hello"))
	if !errors.Is(err, decision.ErrDisconnected) {
		t.Fatalf("Decide() error = %v, want decision.ErrDisconnected", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Decide() took %v, want an immediate failure", elapsed)
	}
}

func TestDecideFastFailsWhenConnectionDrops(t *testing.T) {
	t.Parallel()

	srv := startBackend(t, func(ctx context.Context, conn *websocket.Conn) {
		// Read the message, then drop the connection without replying.
		_, _ = readFrame(ctx, conn)
	})
	p := newConnectedProvider(t, srv, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	_, err := p.Decide(ctx, viewerMsg("hello"))
	if !errors.Is(err, decision.ErrDisconnected) {
		t.Fatalf("Decide() error = %v, want decision.ErrDisconnected", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Decide() took %v, want fast failure well before the deadline", elapsed)
	}
}

func TestReconnectsAfterDrop(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	conns := 0
	srv := startBackend(t, func(ctx context.Context, conn *websocket.Conn) {
		mu.Lock()
		conns++
		first := conns == 1
		mu.Unlock()
		if first {
			// Drop the first connection immediately to force a reconnect.
			return
		}
		for {
			f, err := readFrame(ctx, conn)
			if err != nil {
				return
			}
			_ = writeReply(ctx, conn, f.MessageID, `{"response_text": "back!", "emotion": "neutral"}`)
		}
	})
	p := newConnectedProvider(t, srv, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var intent *types.Intent
	var err error
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		intent, err = p.Decide(ctx, viewerMsg("are you there?"))
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Decide() never succeeded after reconnect: %v", err)
	}
	if intent.ResponseText != "back!" {
		t.Errorf("ResponseText = %q, want %q", intent.ResponseText, "back!")
	}

	mu.Lock()
	defer mu.Unlock()
	if conns < 2 {
		t.Errorf("backend saw %d connections, want at least 2", conns)
	}
}

func TestEmitsConnectionEvents(t *testing.T) {
	t.Parallel()

	events := make(chan bus.Event, 8)
	b := bus.New(bus.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(func() { _ = b.Close() })
	for _, topic := range []string{bus.TopicDecisionConnected, bus.TopicDecisionDisconnected} {
		if _, err := b.Subscribe(topic, func(_ context.Context, ev bus.Event) error {
			events <- ev
			return nil
		}); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", topic, err)
		}
	}

	var mu sync.Mutex
	conns := 0
	srv := startBackend(t, func(ctx context.Context, conn *websocket.Conn) {
		mu.Lock()
		conns++
		first := conns == 1
		mu.Unlock()
		if first {
			return
		}
		<-conn.CloseRead(context.Background()).Done()
	})
	newConnectedProvider(t, srv, b)

	sawConnected, sawDisconnected := false, false
	timeout := time.After(4 * time.Second)
	for !(sawConnected && sawDisconnected) {
		select {
		case ev := <-events:
			pe, ok := ev.Payload.(bus.ProviderEvent)
			if !ok {
				t.Fatalf("payload type = %T, want bus.ProviderEvent", ev.Payload)
			}
			if pe.Provider != maicore.Name || pe.Kind != "decision" {
				t.Errorf("event = %+v, want provider %q kind decision", pe, maicore.Name)
			}
			switch ev.Topic {
			case bus.TopicDecisionConnected:
				sawConnected = true
			case bus.TopicDecisionDisconnected:
				sawDisconnected = true
			}
		case <-timeout:
			t.Fatalf("timed out waiting for events: connected=%v disconnected=%v", sawConnected, sawDisconnected)
		}
	}
}

func TestSetupRequiresURL(t *testing.T) {
	t.Parallel()

	p := maicore.New()
	err := p.Setup(context.Background(), provider.Context{}, map[string]any{})
	if err == nil {
		t.Fatal("Setup() error = nil, want missing url")
	}
	if !strings.Contains(err.Error(), "url") {
		t.Errorf("error = %q, want mention of url", err)
	}
}

func TestCleanupIdempotent(t *testing.T) {
	t.Parallel()

	srv := startBackend(t, func(ctx context.Context, conn *websocket.Conn) {
		<-conn.CloseRead(context.Background()).Done()
	})
	p := newConnectedProvider(t, srv, nil)

	if err := p.Cleanup(); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if err := p.Cleanup(); err != nil {
		t.Fatalf("second Cleanup() error = %v", err)
	}
}
