// Package vts implements the avatar output provider for VTube Studio's
// public WebSocket API. Setup dials the avatar host and runs the two-step
// authentication handshake (token request, then session authentication);
// each render injects the bundle's expression parameters and triggers its
// hotkeys, awaiting the host's acknowledgement per request.
//
// The provider is also a lip-sync consumer: it subscribes to the shared
// audio stream and converts each PCM chunk's RMS level into a mouth-open
// parameter injection, so the avatar's mouth follows whatever the speech
// producer is currently playing. Mouth injections are fire-and-forget; the
// host's acknowledgements for them are drained and dropped by the read loop.
package vts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/vtforge/hibiki/pkg/audio"
	"github.com/vtforge/hibiki/pkg/bus"
	"github.com/vtforge/hibiki/pkg/provider"
	"github.com/vtforge/hibiki/pkg/provider/output"
	"github.com/vtforge/hibiki/pkg/types"
)

// Name is the provider's registry name.
const Name = "vts"

// ErrDisconnected is returned by renders after the connection to the avatar
// host is lost. The provider does not redial; the runtime restarts it.
var ErrDisconnected = errors.New("vts: not connected to avatar host")

const (
	defaultURL         = "ws://127.0.0.1:8001"
	defaultPluginName  = "hibiki"
	defaultPluginDev   = "vtforge"
	defaultMouthParam  = "MouthOpen"
	defaultMouthGain   = 4.0
	defaultDialTimeout = 10 * time.Second

	apiName    = "VTubeStudioPublicAPI"
	apiVersion = "1.0"
)

// Message types of the VTube Studio public API.
const (
	msgAPIError      = "APIError"
	msgTokenRequest  = "AuthenticationTokenRequest"
	msgAuthRequest   = "AuthenticationRequest"
	msgInjectParams  = "InjectParameterDataRequest"
	msgHotkeyTrigger = "HotkeyTriggerRequest"
)

var _ output.Provider = (*Provider)(nil)

// apiRequest is the envelope around every outbound API message.
type apiRequest struct {
	APIName     string `json:"apiName"`
	APIVersion  string `json:"apiVersion"`
	RequestID   string `json:"requestID"`
	MessageType string `json:"messageType"`
	Data        any    `json:"data,omitempty"`
}

// apiResponse is the envelope around every inbound API message.
type apiResponse struct {
	RequestID   string          `json:"requestID"`
	MessageType string          `json:"messageType"`
	Data        json.RawMessage `json:"data"`
}

type tokenRequestData struct {
	PluginName      string `json:"pluginName"`
	PluginDeveloper string `json:"pluginDeveloper"`
}

type tokenResponseData struct {
	AuthenticationToken string `json:"authenticationToken"`
}

type authRequestData struct {
	PluginName          string `json:"pluginName"`
	PluginDeveloper     string `json:"pluginDeveloper"`
	AuthenticationToken string `json:"authenticationToken"`
}

type authResponseData struct {
	Authenticated bool   `json:"authenticated"`
	Reason        string `json:"reason"`
}

type parameterValue struct {
	ID    string  `json:"id"`
	Value float64 `json:"value"`
}

type injectParamsData struct {
	Mode            string           `json:"mode"`
	FaceFound       bool             `json:"faceFound"`
	ParameterValues []parameterValue `json:"parameterValues"`
}

type hotkeyTriggerData struct {
	HotkeyID string `json:"hotkeyID"`
}

type apiErrorData struct {
	ErrorID int    `json:"errorID"`
	Message string `json:"message"`
}

// Provider drives an avatar host over the VTube Studio API.
type Provider struct {
	log    *slog.Logger
	bus    *bus.Bus
	stream *audio.Stream

	url        string
	pluginName string
	pluginDev  string
	token      string
	mouthParam string
	mouthGain  float64

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan apiResponse
}

// New creates an unconfigured provider; everything arrives via Setup.
func New() *Provider {
	return &Provider{}
}

// Name implements [output.Provider].
func (p *Provider) Name() string { return Name }

// Setup implements [output.Provider]. Config keys: "url", "plugin_name",
// "plugin_developer", "auth_token" (skips the token request when set),
// "mouth_parameter", "mouth_gain", "dial_timeout_seconds".
//
// Unlike the chat backends, an unreachable avatar host fails Setup: without
// the authenticated socket every render would be a no-op, and the registry
// keeps the remaining outputs running.
func (p *Provider) Setup(ctx context.Context, pctx provider.Context, cfg map[string]any) error {
	p.log = pctx.Logger("output." + Name)
	p.bus = pctx.Bus
	p.url = provider.StringOption(cfg, "url", defaultURL)
	p.pluginName = provider.StringOption(cfg, "plugin_name", defaultPluginName)
	p.pluginDev = provider.StringOption(cfg, "plugin_developer", defaultPluginDev)
	p.token = provider.StringOption(cfg, "auth_token", "")
	p.mouthParam = provider.StringOption(cfg, "mouth_parameter", defaultMouthParam)
	p.mouthGain = provider.FloatOption(cfg, "mouth_gain", defaultMouthGain)
	dialTimeout := provider.SecondsOption(cfg, "dial_timeout_seconds", defaultDialTimeout)

	p.pending = make(map[string]chan apiResponse)
	p.runCtx, p.runCancel = context.WithCancel(context.Background())

	conn, err := p.dialAndAuth(ctx, dialTimeout)
	if err != nil {
		p.runCancel()
		return err
	}
	p.setConn(conn)
	p.emit(ctx, bus.TopicOutputConnected, p.url)
	p.log.Info("avatar host connected", "url", p.url, "plugin", p.pluginName)

	p.wg.Add(1)
	go p.readLoop(p.runCtx, conn)

	if pctx.Audio != nil {
		if err := pctx.Audio.Subscribe(Name, audio.SubscriberFuncs{
			Chunk: p.onChunk,
			End:   p.onSegmentEnd,
		}); err != nil {
			p.Cleanup()
			return fmt.Errorf("vts: subscribe audio stream: %w", err)
		}
		p.stream = pctx.Audio
	}
	return nil
}

// Render implements [output.Provider]. Expression parameters go out as one
// injection request; each hotkey is triggered with its own request. The
// first rejected request aborts the render.
func (p *Provider) Render(ctx context.Context, params *types.ExpressionParameters) error {
	if params.ExpressionEnabled && len(params.Expressions) > 0 {
		ids := slices.Sorted(maps.Keys(params.Expressions))
		values := make([]parameterValue, 0, len(ids))
		for _, id := range ids {
			values = append(values, parameterValue{ID: id, Value: params.Expressions[id]})
		}
		data := injectParamsData{Mode: "set", FaceFound: true, ParameterValues: values}
		if _, err := p.call(ctx, msgInjectParams, data); err != nil {
			return fmt.Errorf("vts: inject expressions: %w", err)
		}
	}

	for _, hk := range params.Hotkeys {
		if _, err := p.call(ctx, msgHotkeyTrigger, hotkeyTriggerData{HotkeyID: hk}); err != nil {
			return fmt.Errorf("vts: trigger hotkey %q: %w", hk, err)
		}
	}
	return nil
}

// Cleanup implements [output.Provider]. Safe to call more than once.
func (p *Provider) Cleanup() error {
	p.stopOnce.Do(func() {
		if p.runCancel != nil {
			p.runCancel()
		}
		if p.stream != nil {
			p.stream.Unsubscribe(Name)
		}
		if conn := p.connection(); conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "provider cleanup")
		}
		p.wg.Wait()
		p.failPending()
	})
	return nil
}

// dialAndAuth dials the host and completes the authentication handshake. It
// owns the socket exclusively until it returns, so responses are read inline
// rather than through the read loop.
func (p *Provider) dialAndAuth(ctx context.Context, dialTimeout time.Duration) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("vts: dial %s: %w", p.url, err)
	}

	if p.token == "" {
		data, err := p.roundTrip(ctx, conn, msgTokenRequest, tokenRequestData{
			PluginName:      p.pluginName,
			PluginDeveloper: p.pluginDev,
		})
		if err != nil {
			_ = conn.Close(websocket.StatusInternalError, "token request failed")
			return nil, fmt.Errorf("vts: request token: %w", err)
		}
		var tok tokenResponseData
		if err := json.Unmarshal(data, &tok); err != nil || tok.AuthenticationToken == "" {
			_ = conn.Close(websocket.StatusInternalError, "bad token response")
			return nil, errors.New("vts: host returned no authentication token")
		}
		p.token = tok.AuthenticationToken
	}

	data, err := p.roundTrip(ctx, conn, msgAuthRequest, authRequestData{
		PluginName:          p.pluginName,
		PluginDeveloper:     p.pluginDev,
		AuthenticationToken: p.token,
	})
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "authentication failed")
		return nil, fmt.Errorf("vts: authenticate: %w", err)
	}
	var auth authResponseData
	if err := json.Unmarshal(data, &auth); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "bad auth response")
		return nil, fmt.Errorf("vts: decode auth response: %w", err)
	}
	if !auth.Authenticated {
		_ = conn.Close(websocket.StatusNormalClosure, "authentication rejected")
		return nil, fmt.Errorf("vts: authentication rejected: %s", auth.Reason)
	}
	return conn, nil
}

// roundTrip writes one request and reads frames until its response arrives.
// Only valid while no read loop is running on conn.
func (p *Provider) roundTrip(ctx context.Context, conn *websocket.Conn, msgType string, data any) (json.RawMessage, error) {
	req := apiRequest{
		APIName:     apiName,
		APIVersion:  apiVersion,
		RequestID:   uuid.NewString(),
		MessageType: msgType,
		Data:        data,
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msgType, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		return nil, err
	}
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		var resp apiResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.RequestID != req.RequestID {
			continue
		}
		if resp.MessageType == msgAPIError {
			return nil, apiErrorFrom(resp.Data)
		}
		return resp.Data, nil
	}
}

// call sends one request and waits for the host's response, failing fast
// with [ErrDisconnected] when the socket is down.
func (p *Provider) call(ctx context.Context, msgType string, data any) (json.RawMessage, error) {
	conn := p.connection()
	if conn == nil {
		return nil, ErrDisconnected
	}

	id := uuid.NewString()
	ch := make(chan apiResponse, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
	defer p.forget(id)

	req := apiRequest{
		APIName:     apiName,
		APIVersion:  apiVersion,
		RequestID:   id,
		MessageType: msgType,
		Data:        data,
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msgType, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		p.log.Warn("request send failed", "type", msgType, "error", err)
		return nil, ErrDisconnected
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrDisconnected
		}
		if resp.MessageType == msgAPIError {
			return nil, apiErrorFrom(resp.Data)
		}
		return resp.Data, nil
	}
}

// send is the fire-and-forget path used by lip-sync injections. Responses
// come back with an ID nothing waits on and are dropped by the read loop.
func (p *Provider) send(msgType string, data any) {
	conn := p.connection()
	if conn == nil {
		return
	}
	raw, err := json.Marshal(apiRequest{
		APIName:     apiName,
		APIVersion:  apiVersion,
		RequestID:   uuid.NewString(),
		MessageType: msgType,
		Data:        data,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(p.runCtx, time.Second)
	defer cancel()
	_ = conn.Write(ctx, websocket.MessageText, raw)
}

// readLoop pumps inbound frames until the socket fails, then marks the
// provider disconnected.
func (p *Provider) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer p.wg.Done()
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			p.setConn(nil)
			p.failPending()
			if ctx.Err() == nil {
				p.emit(ctx, bus.TopicOutputDisconnected, err.Error())
				p.log.Warn("avatar host connection lost", "error", err)
			}
			return
		}
		var resp apiResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			p.log.Debug("dropping undecodable frame", "error", err)
			continue
		}
		p.resolve(resp)
	}
}

// resolve hands a response to the call waiting on its request ID. Responses
// to fire-and-forget requests have no waiter and are dropped.
func (p *Provider) resolve(resp apiResponse) {
	p.mu.Lock()
	ch, ok := p.pending[resp.RequestID]
	if ok {
		delete(p.pending, resp.RequestID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	ch <- resp
}

// failPending closes every waiting response channel so in-flight calls fail
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
	ev := bus.ProviderEvent{Provider: Name, Kind: "output", Detail: detail}
	if err := p.bus.Emit(ctx, topic, ev, Name); err != nil {
		p.log.Debug("could not emit provider event", "topic", topic, "error", err)
	}
}

// onChunk converts one PCM chunk's level into a mouth-open injection.
func (p *Provider) onChunk(c audio.Chunk) {
	level := chunkLevel(c.Data)
	value := min(level*p.mouthGain, 1.0)
	p.injectMouth(value)
}

// onSegmentEnd closes the mouth once the utterance is over.
func (p *Provider) onSegmentEnd(audio.Segment) {
	p.injectMouth(0)
}

func (p *Provider) injectMouth(value float64) {
	p.send(msgInjectParams, injectParamsData{
		Mode:      "set",
		FaceFound: true,
		ParameterValues: []parameterValue{
			{ID: p.mouthParam, Value: value},
		},
	})
}

// chunkLevel computes the RMS level of little-endian int16 PCM, normalized
// to [0, 1].
func chunkLevel(data []byte) float64 {
	n := len(data) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(data[i*2]) | int16(data[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum/float64(n)) / 32768.0
}

func apiErrorFrom(data json.RawMessage) error {
	var e apiErrorData
	if err := json.Unmarshal(data, &e); err != nil {
		return errors.New("api error")
	}
	return fmt.Errorf("api error %d: %s", e.ErrorID, e.Message)
}
