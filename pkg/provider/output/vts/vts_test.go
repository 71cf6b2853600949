package vts_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/vtforge/hibiki/pkg/audio"
	"github.com/vtforge/hibiki/pkg/provider"
	"github.com/vtforge/hibiki/pkg/provider/output/vts"
	"github.com/vtforge/hibiki/pkg/types"
)

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// hostFrame mirrors the API envelope for server-side decoding.
type hostFrame struct {
	APIName     string          `json:"apiName"`
	RequestID   string          `json:"requestID"`
	MessageType string          `json:"messageType"`
	Data        json.RawMessage `json:"data"`
}

type injectData struct {
	Mode            string `json:"mode"`
	FaceFound       bool   `json:"faceFound"`
	ParameterValues []struct {
		ID    string  `json:"id"`
		Value float64 `json:"value"`
	} `json:"parameterValues"`
}

type hotkeyData struct {
	HotkeyID string `json:"hotkeyID"`
}

func writeHostResponse(ctx context.Context, conn *websocket.Conn, id, msgType string, data any) error {
	raw, _ := json.Marshal(map[string]any{
		"apiName":     "VTubeStudioPublicAPI",
		"apiVersion":  "1.0",
		"requestID":   id,
		"messageType": msgType,
		"data":        data,
	})
	return conn.Write(ctx, websocket.MessageText, raw)
}

// startHost launches a test avatar host. The handler receives each accepted
// conn; the server closes when the test finishes.
func startHost(t *testing.T, handler func(ctx context.Context, conn *websocket.Conn)) *httptest.Server {
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

// avatarHost answers the auth handshake, acknowledges every other request,
// and records all frames it reads.
func avatarHost(frames chan<- hostFrame) func(ctx context.Context, conn *websocket.Conn) {
	return func(ctx context.Context, conn *websocket.Conn) {
		for {
			_, raw, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var f hostFrame
			if err := json.Unmarshal(raw, &f); err != nil {
				continue
			}
			if frames != nil {
				select {
				case frames <- f:
				default:
				}
			}
			switch f.MessageType {
			case "AuthenticationTokenRequest":
				_ = writeHostResponse(ctx, conn, f.RequestID, "AuthenticationTokenResponse",
					map[string]any{"authenticationToken": "issued-token"})
			case "AuthenticationRequest":
				_ = writeHostResponse(ctx, conn, f.RequestID, "AuthenticationResponse",
					map[string]any{"authenticated": true})
			default:
				respType := strings.TrimSuffix(f.MessageType, "Request") + "Response"
				_ = writeHostResponse(ctx, conn, f.RequestID, respType, map[string]any{})
			}
		}
	}
}

func setupProvider(t *testing.T, srv *httptest.Server, pctx provider.Context, cfg map[string]any) *vts.Provider {
	t.Helper()
	if cfg == nil {
		cfg = map[string]any{}
	}
	cfg["url"] = wsURL(srv)
	if pctx.Log == nil {
		pctx.Log = discardLogger()
	}
	p := vts.New()
	if err := p.Setup(context.Background(), pctx, cfg); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	t.Cleanup(func() { _ = p.Cleanup() })
	return p
}

func nextFrame(t *testing.T, frames <-chan hostFrame) hostFrame {
	t.Helper()
	select {
	case f := <-frames:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for a frame")
		return hostFrame{}
	}
}

func loudPCM(samples int, amp int16) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		out[i*2] = byte(amp)
		out[i*2+1] = byte(amp >> 8)
	}
	return out
}

func TestSetupRunsAuthHandshake(t *testing.T) {
	t.Parallel()

	frames := make(chan hostFrame, 16)
	srv := startHost(t, avatarHost(frames))
	setupProvider(t, srv, provider.Context{}, nil)

	first := nextFrame(t, frames)
	if first.MessageType != "AuthenticationTokenRequest" {
		t.Fatalf("first frame = %q, want AuthenticationTokenRequest", first.MessageType)
	}
	if first.APIName != "VTubeStudioPublicAPI" {
		t.Errorf("apiName = %q, want VTubeStudioPublicAPI", first.APIName)
	}
	var tok struct {
		PluginName      string `json:"pluginName"`
		PluginDeveloper string `json:"pluginDeveloper"`
	}
	if err := json.Unmarshal(first.Data, &tok); err != nil {
		t.Fatalf("decode token request: %v", err)
	}
	if tok.PluginName != "hibiki" || tok.PluginDeveloper != "vtforge" {
		t.Errorf("plugin identity = %q/%q", tok.PluginName, tok.PluginDeveloper)
	}

	second := nextFrame(t, frames)
	if second.MessageType != "AuthenticationRequest" {
		t.Fatalf("second frame = %q, want AuthenticationRequest", second.MessageType)
	}
	var auth struct {
		AuthenticationToken string `json:"authenticationToken"`
	}
	if err := json.Unmarshal(second.Data, &auth); err != nil {
		t.Fatalf("decode auth request: %v", err)
	}
	if auth.AuthenticationToken != "issued-token" {
		t.Errorf("token = %q, want the issued token echoed back", auth.AuthenticationToken)
	}
}

func TestSetupUsesConfiguredToken(t *testing.T) {
	t.Parallel()

	frames := make(chan hostFrame, 16)
	srv := startHost(t, avatarHost(frames))
	setupProvider(t, srv, provider.Context{}, map[string]any{"auth_token": "stored-token"})

	first := nextFrame(t, frames)
	if first.MessageType != "AuthenticationRequest" {
		t.Fatalf("first frame = %q, want the token request skipped", first.MessageType)
	}
	var auth struct {
		AuthenticationToken string `json:"authenticationToken"`
	}
	if err := json.Unmarshal(first.Data, &auth); err != nil {
		t.Fatalf("decode auth request: %v", err)
	}
	if auth.AuthenticationToken != "stored-token" {
		t.Errorf("token = %q, want %q", auth.AuthenticationToken, "stored-token")
	}
}

func TestSetupRejectedAuthentication(t *testing.T) {
	t.Parallel()

	srv := startHost(t, func(ctx context.Context, conn *websocket.Conn) {
		for {
			_, raw, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var f hostFrame
			if err := json.Unmarshal(raw, &f); err != nil {
				continue
			}
			switch f.MessageType {
			case "AuthenticationTokenRequest":
				_ = writeHostResponse(ctx, conn, f.RequestID, "AuthenticationTokenResponse",
					map[string]any{"authenticationToken": "issued-token"})
			case "AuthenticationRequest":
				_ = writeHostResponse(ctx, conn, f.RequestID, "AuthenticationResponse",
					map[string]any{"authenticated": false, "reason": "denied by user"})
			}
		}
	})

	p := vts.New()
	pctx := provider.Context{Log: discardLogger()}
	err := p.Setup(context.Background(), pctx, map[string]any{"url": wsURL(srv)})
	if err == nil || !strings.Contains(err.Error(), "denied by user") {
		t.Fatalf("Setup() error = %v, want the rejection reason", err)
	}
}

func TestRenderInjectsExpressionsAndTriggersHotkeys(t *testing.T) {
	t.Parallel()

	frames := make(chan hostFrame, 16)
	srv := startHost(t, avatarHost(frames))
	p := setupProvider(t, srv, provider.Context{}, map[string]any{"auth_token": "tok"})
	nextFrame(t, frames) // auth request

	params := &types.ExpressionParameters{
		ExpressionEnabled: true,
		Expressions:       map[string]float64{"Joy": 0.8, "Anger": 0.1},
		Hotkeys:           []string{"wave", "nod"},
	}
	if err := p.Render(context.Background(), params); err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	inject := nextFrame(t, frames)
	if inject.MessageType != "InjectParameterDataRequest" {
		t.Fatalf("frame = %q, want InjectParameterDataRequest", inject.MessageType)
	}
	var data injectData
	if err := json.Unmarshal(inject.Data, &data); err != nil {
		t.Fatalf("decode inject request: %v", err)
	}
	if data.Mode != "set" || !data.FaceFound {
		t.Errorf("inject mode/faceFound = %q/%v, want set/true", data.Mode, data.FaceFound)
	}
	if len(data.ParameterValues) != 2 {
		t.Fatalf("parameter values = %d, want 2", len(data.ParameterValues))
	}
	if data.ParameterValues[0].ID != "Anger" || data.ParameterValues[0].Value != 0.1 {
		t.Errorf("first value = %+v, want Anger=0.1", data.ParameterValues[0])
	}
	if data.ParameterValues[1].ID != "Joy" || data.ParameterValues[1].Value != 0.8 {
		t.Errorf("second value = %+v, want Joy=0.8", data.ParameterValues[1])
	}

	for _, want := range []string{"wave", "nod"} {
		f := nextFrame(t, frames)
		if f.MessageType != "HotkeyTriggerRequest" {
			t.Fatalf("frame = %q, want HotkeyTriggerRequest", f.MessageType)
		}
		var hk hotkeyData
		if err := json.Unmarshal(f.Data, &hk); err != nil {
			t.Fatalf("decode hotkey request: %v", err)
		}
		if hk.HotkeyID != want {
			t.Errorf("hotkeyID = %q, want %q", hk.HotkeyID, want)
		}
	}
}

func TestRenderSkipsExpressionsWhenDisabled(t *testing.T) {
	t.Parallel()

	frames := make(chan hostFrame, 16)
	srv := startHost(t, avatarHost(frames))
	p := setupProvider(t, srv, provider.Context{}, map[string]any{"auth_token": "tok"})
	nextFrame(t, frames) // auth request

	params := &types.ExpressionParameters{
		ExpressionEnabled: false,
		Expressions:       map[string]float64{"Joy": 1},
		Hotkeys:           []string{"wave"},
	}
	if err := p.Render(context.Background(), params); err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	f := nextFrame(t, frames)
	if f.MessageType != "HotkeyTriggerRequest" {
		t.Errorf("frame = %q, want only the hotkey trigger", f.MessageType)
	}
}

func TestRenderSurfacesAPIError(t *testing.T) {
	t.Parallel()

	srv := startHost(t, func(ctx context.Context, conn *websocket.Conn) {
		for {
			_, raw, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var f hostFrame
			if err := json.Unmarshal(raw, &f); err != nil {
				continue
			}
			switch f.MessageType {
			case "AuthenticationRequest":
				_ = writeHostResponse(ctx, conn, f.RequestID, "AuthenticationResponse",
					map[string]any{"authenticated": true})
			case "HotkeyTriggerRequest":
				_ = writeHostResponse(ctx, conn, f.RequestID, "APIError",
					map[string]any{"errorID": 450, "message": "hotkey not found"})
			default:
				_ = writeHostResponse(ctx, conn, f.RequestID, "Response", map[string]any{})
			}
		}
	})
	p := setupProvider(t, srv, provider.Context{}, map[string]any{"auth_token": "tok"})

	err := p.Render(context.Background(), &types.ExpressionParameters{Hotkeys: []string{"ghost"}})
	if err == nil || !strings.Contains(err.Error(), "hotkey not found") {
		t.Fatalf("Render() error = %v, want the host's error message", err)
	}
}

func TestLipSyncFollowsAudioLevel(t *testing.T) {
	t.Parallel()

	frames := make(chan hostFrame, 64)
	srv := startHost(t, avatarHost(frames))
	stream := audio.NewStream()
	t.Cleanup(func() { _ = stream.Close() })
	setupProvider(t, srv, provider.Context{Audio: stream}, map[string]any{"auth_token": "tok"})
	nextFrame(t, frames) // auth request

	if err := stream.StartSegment(audio.Segment{ID: "seg", Text: "hi"}); err != nil {
		t.Fatalf("StartSegment: %v", err)
	}
	if err := stream.PublishChunk(audio.Chunk{Data: loudPCM(2400, 16000), SampleRate: 24000, Channels: 1}); err != nil {
		t.Fatalf("PublishChunk: %v", err)
	}
	if err := stream.EndSegment(); err != nil {
		t.Fatalf("EndSegment: %v", err)
	}

	open := nextFrame(t, frames)
	if open.MessageType != "InjectParameterDataRequest" {
		t.Fatalf("frame = %q, want InjectParameterDataRequest", open.MessageType)
	}
	var data injectData
	if err := json.Unmarshal(open.Data, &data); err != nil {
		t.Fatalf("decode inject request: %v", err)
	}
	if len(data.ParameterValues) != 1 || data.ParameterValues[0].ID != "MouthOpen" {
		t.Fatalf("parameter values = %+v, want one MouthOpen entry", data.ParameterValues)
	}
	if data.ParameterValues[0].Value < 0.9 {
		t.Errorf("mouth value = %v, want near fully open for loud audio", data.ParameterValues[0].Value)
	}

	closed := nextFrame(t, frames)
	if err := json.Unmarshal(closed.Data, &data); err != nil {
		t.Fatalf("decode inject request: %v", err)
	}
	if len(data.ParameterValues) != 1 || data.ParameterValues[0].Value != 0 {
		t.Errorf("mouth value after segment end = %+v, want 0", data.ParameterValues)
	}
}

func TestRenderFailsAfterConnectionLoss(t *testing.T) {
	t.Parallel()

	srv := startHost(t, func(ctx context.Context, conn *websocket.Conn) {
		// Authenticate, then drop the connection.
		for {
			_, raw, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var f hostFrame
			if err := json.Unmarshal(raw, &f); err != nil {
				continue
			}
			if f.MessageType == "AuthenticationRequest" {
				_ = writeHostResponse(ctx, conn, f.RequestID, "AuthenticationResponse",
					map[string]any{"authenticated": true})
				return
			}
		}
	})
	p := setupProvider(t, srv, provider.Context{}, map[string]any{"auth_token": "tok"})

	var err error
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		err = p.Render(ctx, &types.ExpressionParameters{Hotkeys: []string{"wave"}})
		cancel()
		if errors.Is(err, vts.ErrDisconnected) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !errors.Is(err, vts.ErrDisconnected) {
		t.Fatalf("Render() error = %v, want vts.ErrDisconnected", err)
	}
}

func TestSetupDialFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no avatar here", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	p := vts.New()
	pctx := provider.Context{Log: discardLogger()}
	err := p.Setup(context.Background(), pctx, map[string]any{"url": wsURL(srv), "dial_timeout_seconds": 1})
	if err == nil || !strings.Contains(err.Error(), "dial") {
		t.Fatalf("Setup() error = %v, want dial failure", err)
	}
}

func TestCleanupIdempotent(t *testing.T) {
	t.Parallel()

	srv := startHost(t, avatarHost(nil))
	p := setupProvider(t, srv, provider.Context{}, map[string]any{"auth_token": "tok"})

	if err := p.Cleanup(); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if err := p.Cleanup(); err != nil {
		t.Fatalf("second Cleanup() error = %v", err)
	}
}
