package flow

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/vtforge/hibiki/internal/config"
	"github.com/vtforge/hibiki/internal/pipeline"
	"github.com/vtforge/hibiki/pkg/bus"
	"github.com/vtforge/hibiki/pkg/memory"
	"github.com/vtforge/hibiki/pkg/provider"
	"github.com/vtforge/hibiki/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStub records appended entries in order.
type memStub struct {
	mu      sync.Mutex
	entries []memory.Entry
}

var _ memory.Store = (*memStub)(nil)

func (m *memStub) Append(_ context.Context, e memory.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memStub) Recent(_ context.Context, limit int) ([]memory.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.entries) {
		limit = len(m.entries)
	}
	return slices.Clone(m.entries[len(m.entries)-limit:]), nil
}

func (m *memStub) Close() error { return nil }

func (m *memStub) all() []memory.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.entries)
}

// dropStage discards everything it is given.
type dropStage struct{}

func (dropStage) Name() string { return "drop_all" }

func (dropStage) Process(context.Context, *types.ExpressionParameters) (*types.ExpressionParameters, error) {
	return nil, nil
}

type harness struct {
	bus    *bus.Bus
	coord  *Coordinator
	params chan *types.ExpressionParameters
}

func newHarness(t *testing.T, cfg config.FlowConfig, chain *pipeline.ParamsChain, mem memory.Store) *harness {
	t.Helper()
	b := bus.New()
	t.Cleanup(func() { b.Close() })

	if chain == nil {
		chain = pipeline.NewChain[*types.ExpressionParameters](discardLogger())
	}
	c := New(cfg, chain, provider.Context{Bus: b, Memory: mem, Log: discardLogger()})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(c.Stop)

	h := &harness{bus: b, coord: c, params: make(chan *types.ExpressionParameters, 16)}
	b.Subscribe(bus.TopicOutputIntent, func(_ context.Context, ev bus.Event) error {
		h.params <- ev.Payload.(*types.ExpressionParameters)
		return nil
	})
	return h
}

func (h *harness) emit(t *testing.T, intent *types.Intent) {
	t.Helper()
	if err := h.bus.Emit(context.Background(), bus.TopicDecisionIntent, intent, "test"); err != nil {
		t.Fatalf("emit: %v", err)
	}
}

func (h *harness) next(t *testing.T) *types.ExpressionParameters {
	t.Helper()
	select {
	case p := <-h.params:
		return p
	case <-time.After(3 * time.Second):
		t.Fatal("no parameters arrived")
		return nil
	}
}

// expectNone relies on dispatch being synchronous: once emit returns, any
// resulting parameters are already in the channel.
func (h *harness) expectNone(t *testing.T) {
	t.Helper()
	select {
	case p := <-h.params:
		t.Fatalf("unexpected parameters: %+v", p)
	default:
	}
}

func TestCoordinator_MapsIntentToParams(t *testing.T) {
	t.Parallel()
	h := newHarness(t, config.FlowConfig{
		TTSEnabled:        true,
		SubtitleEnabled:   true,
		ExpressionEnabled: true,
	}, nil, nil)

	h.emit(t, &types.Intent{
		OriginalText: "how are you?",
		ResponseText: "Doing great!",
		Emotion:      types.EmotionHappy,
		Metadata:     map[string]any{"model": "test-model"},
	})

	p := h.next(t)
	if p.TTSText != "Doing great!" || p.SubtitleText != "Doing great!" {
		t.Fatalf("texts = %q / %q", p.TTSText, p.SubtitleText)
	}
	if p.Emotion != types.EmotionHappy {
		t.Fatalf("emotion = %q", p.Emotion)
	}
	if !p.TTSEnabled || !p.SubtitleEnabled || !p.ExpressionEnabled {
		t.Fatalf("channel flags not carried: %+v", p)
	}
	if p.Expressions["MouthSmile"] != 0.8 {
		t.Fatalf("expressions = %v", p.Expressions)
	}
	if p.Metadata["model"] != "test-model" {
		t.Fatalf("metadata = %v", p.Metadata)
	}
	if p.Timestamp.IsZero() {
		t.Fatal("timestamp not set")
	}
}

func TestCoordinator_EmotionOverrideFromConfig(t *testing.T) {
	t.Parallel()
	h := newHarness(t, config.FlowConfig{
		EmotionMap: map[string]map[string]float64{
			"HAPPY": {"Joy": 1},
		},
	}, nil, nil)

	h.emit(t, &types.Intent{ResponseText: "yay", Emotion: types.EmotionHappy})
	p := h.next(t)
	if len(p.Expressions) != 1 || p.Expressions["Joy"] != 1 {
		t.Fatalf("override not applied: %v", p.Expressions)
	}

	// Emotions absent from the override keep their defaults.
	h.emit(t, &types.Intent{ResponseText: "oh no", Emotion: types.EmotionSad})
	p = h.next(t)
	if p.Expressions["BrowLeftY"] != 0.25 {
		t.Fatalf("default table lost: %v", p.Expressions)
	}
}

func TestCoordinator_ChainTransformsParams(t *testing.T) {
	t.Parallel()
	chain, err := pipeline.NewOutputChain(map[string]config.PipelineConfig{
		"profanity": {Enabled: true, Options: map[string]any{"words": []string{"darn"}}},
	}, discardLogger())
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	h := newHarness(t, config.FlowConfig{}, chain, nil)

	h.emit(t, &types.Intent{ResponseText: "darn it", Emotion: types.EmotionNeutral})
	p := h.next(t)
	if p.TTSText != "*** it" {
		t.Fatalf("TTSText = %q", p.TTSText)
	}
}

func TestCoordinator_ChainDropStopsEmission(t *testing.T) {
	t.Parallel()
	chain := pipeline.NewChain[*types.ExpressionParameters](discardLogger())
	chain.Add(dropStage{}, pipeline.StageConfig{})
	h := newHarness(t, config.FlowConfig{}, chain, nil)

	h.emit(t, &types.Intent{ResponseText: "hello", Emotion: types.EmotionNeutral})
	h.expectNone(t)
}

func TestCoordinator_DropsEmptyResponse(t *testing.T) {
	t.Parallel()
	h := newHarness(t, config.FlowConfig{}, nil, nil)

	h.emit(t, &types.Intent{ResponseText: "   ", Emotion: types.EmotionNeutral})
	h.expectNone(t)
}

func TestCoordinator_IgnoresForeignPayload(t *testing.T) {
	t.Parallel()
	h := newHarness(t, config.FlowConfig{}, nil, nil)

	if err := h.bus.Emit(context.Background(), bus.TopicDecisionIntent, "not an intent", "test"); err != nil {
		t.Fatalf("emit: %v", err)
	}
	h.expectNone(t)
}

func TestCoordinator_WritesMemory(t *testing.T) {
	t.Parallel()
	mem := &memStub{}
	h := newHarness(t, config.FlowConfig{MemoryLog: true}, nil, mem)

	h.emit(t, &types.Intent{
		OriginalText: "hi there",
		ResponseText: "hello friend",
		Emotion:      types.EmotionHappy,
	})
	h.next(t)

	entries := mem.all()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Role != memory.RoleUser || entries[0].Text != "hi there" || entries[0].Source != "test" {
		t.Fatalf("user entry = %+v", entries[0])
	}
	if entries[1].Role != memory.RoleAssistant || entries[1].Text != "hello friend" || entries[1].Emotion != "happy" {
		t.Fatalf("assistant entry = %+v", entries[1])
	}
}

func TestCoordinator_MemoryRecordsSpokenText(t *testing.T) {
	t.Parallel()
	chain, err := pipeline.NewOutputChain(map[string]config.PipelineConfig{
		"profanity": {Enabled: true, Options: map[string]any{"words": []string{"darn"}}},
	}, discardLogger())
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	mem := &memStub{}
	h := newHarness(t, config.FlowConfig{MemoryLog: true}, chain, mem)

	h.emit(t, &types.Intent{OriginalText: "say it", ResponseText: "darn it", Emotion: types.EmotionNeutral})
	h.next(t)

	entries := mem.all()
	if len(entries) != 2 || entries[1].Text != "*** it" {
		t.Fatalf("entries = %+v, want masked assistant text", entries)
	}
}

func TestCoordinator_SkipsMemoryForFallback(t *testing.T) {
	t.Parallel()
	mem := &memStub{}
	h := newHarness(t, config.FlowConfig{MemoryLog: true}, nil, mem)

	h.emit(t, &types.Intent{
		OriginalText: "hi",
		ResponseText: "(decision unavailable)",
		Emotion:      types.EmotionNeutral,
		Metadata:     map[string]any{"error": "timeout"},
	})
	h.next(t)

	if got := mem.all(); len(got) != 0 {
		t.Fatalf("fallback logged to memory: %+v", got)
	}
}

func TestCoordinator_NoMemoryWhenDisabled(t *testing.T) {
	t.Parallel()
	mem := &memStub{}
	h := newHarness(t, config.FlowConfig{MemoryLog: false}, nil, mem)

	h.emit(t, &types.Intent{OriginalText: "hi", ResponseText: "hey", Emotion: types.EmotionNeutral})
	h.next(t)

	if got := mem.all(); len(got) != 0 {
		t.Fatalf("memory written while disabled: %+v", got)
	}
}

func TestCoordinator_EmptyOriginalSkipsUserEntry(t *testing.T) {
	t.Parallel()
	mem := &memStub{}
	h := newHarness(t, config.FlowConfig{MemoryLog: true}, nil, mem)

	h.emit(t, &types.Intent{ResponseText: "unprompted remark", Emotion: types.EmotionNeutral})
	h.next(t)

	entries := mem.all()
	if len(entries) != 1 || entries[0].Role != memory.RoleAssistant {
		t.Fatalf("entries = %+v, want single assistant entry", entries)
	}
}

func TestCoordinator_UpdateConfigSwapsTables(t *testing.T) {
	t.Parallel()
	h := newHarness(t, config.FlowConfig{}, nil, nil)

	h.emit(t, &types.Intent{ResponseText: "one", Emotion: types.EmotionHappy})
	p := h.next(t)
	if p.TTSEnabled || p.Expressions["MouthSmile"] != 0.8 {
		t.Fatalf("initial params = %+v", p)
	}

	h.coord.UpdateConfig(config.FlowConfig{
		TTSEnabled: true,
		EmotionMap: map[string]map[string]float64{"happy": {"Joy": 0.5}},
	})

	h.emit(t, &types.Intent{ResponseText: "two", Emotion: types.EmotionHappy})
	p = h.next(t)
	if !p.TTSEnabled || p.Expressions["Joy"] != 0.5 {
		t.Fatalf("updated params = %+v", p)
	}
}

func TestCoordinator_StartTwiceFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t, config.FlowConfig{}, nil, nil)
	if err := h.coord.Start(context.Background()); err == nil {
		t.Fatal("second start succeeded")
	}
}

func TestBuildParams_ActionHotkeys(t *testing.T) {
	t.Parallel()
	c := New(config.FlowConfig{
		ActionHotkeys: map[string]string{"wave": "hk_big_wave", "bow": "hk_bow"},
	}, pipeline.NewChain[*types.ExpressionParameters](discardLogger()), provider.Context{Log: discardLogger()})

	p := c.buildParams(&types.Intent{
		ResponseText: "sure!",
		Emotion:      types.EmotionNeutral,
		Actions: []types.IntentAction{
			{Type: "hotkey", Params: map[string]any{"hotkey": "hk_custom"}},
			{Type: "expression", Params: map[string]any{"expression": "wave"}},
			{Type: "expression", Params: map[string]any{"expression": "bow"}},
			{Type: "expression", Params: map[string]any{"expression": "nod"}},
			{Type: "expression", Params: map[string]any{"expression": "unmapped"}},
			{Type: "scene", Params: map[string]any{"scene": "main"}},
		},
	})
	if p == nil {
		t.Fatal("params dropped")
	}

	want := []string{"hk_custom", "hk_big_wave", "hk_bow", "hk_nod"}
	if !slices.Equal(p.Hotkeys, want) {
		t.Fatalf("hotkeys = %v, want %v", p.Hotkeys, want)
	}
	if len(p.Actions) != 6 {
		t.Fatalf("actions = %d, want all passed through", len(p.Actions))
	}
}

func TestBuildParams_ClampsOverrides(t *testing.T) {
	t.Parallel()
	c := New(config.FlowConfig{
		EmotionMap: map[string]map[string]float64{"happy": {"Over": 3.5, "Under": -1}},
	}, pipeline.NewChain[*types.ExpressionParameters](discardLogger()), provider.Context{Log: discardLogger()})

	p := c.buildParams(&types.Intent{ResponseText: "!", Emotion: types.EmotionHappy})
	if p.Expressions["Over"] != 1 || p.Expressions["Under"] != 0 {
		t.Fatalf("expressions not clamped: %v", p.Expressions)
	}
}

func TestBuildParams_NeutralHasNoExpressions(t *testing.T) {
	t.Parallel()
	c := New(config.FlowConfig{}, pipeline.NewChain[*types.ExpressionParameters](discardLogger()), provider.Context{Log: discardLogger()})

	p := c.buildParams(&types.Intent{ResponseText: "ok", Emotion: types.EmotionNeutral})
	if len(p.Expressions) != 0 {
		t.Fatalf("neutral expressions = %v", p.Expressions)
	}
}
