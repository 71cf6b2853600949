// Package flow bridges the decision layer to the output domain.
//
// The coordinator subscribes to decision.intent, translates every Intent
// into an ExpressionParameters bundle using the emotion and hotkey tables,
// runs the output pipeline chain over the bundle, and emits the survivor as
// output.intent. When memory logging is enabled it also appends the exchange
// to the conversation store so decision providers can use it as context.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/vtforge/hibiki/internal/config"
	"github.com/vtforge/hibiki/internal/pipeline"
	"github.com/vtforge/hibiki/pkg/bus"
	"github.com/vtforge/hibiki/pkg/memory"
	"github.com/vtforge/hibiki/pkg/provider"
	"github.com/vtforge/hibiki/pkg/types"
)

// Coordinator turns intents into renderable parameter bundles.
type Coordinator struct {
	chain *pipeline.ParamsChain
	b     *bus.Bus
	mem   memory.Store
	log   *slog.Logger

	// mu guards the config-derived tables, which are hot-swappable via
	// UpdateConfig.
	mu        sync.RWMutex
	cfg       config.FlowConfig
	emotions  map[types.Emotion]map[string]float64
	hotkeys   map[string]string

	lifecycle sync.Mutex
	subID     bus.SubscriptionID
	started   bool
}

// New builds a Coordinator. The memory store comes from pctx and may be nil;
// exchanges are then not logged regardless of configuration.
func New(cfg config.FlowConfig, chain *pipeline.ParamsChain, pctx provider.Context) *Coordinator {
	c := &Coordinator{
		chain: chain,
		b:     pctx.Bus,
		mem:   pctx.Memory,
		log:   pctx.Logger("flow"),
	}
	c.applyConfig(cfg)
	return c
}

// Start subscribes the coordinator to decision.intent.
func (c *Coordinator) Start(context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.started {
		return errors.New("flow: coordinator already started")
	}
	id, err := c.b.Subscribe(bus.TopicDecisionIntent, c.onIntent)
	if err != nil {
		return fmt.Errorf("flow: subscribe: %w", err)
	}
	c.subID = id
	c.started = true
	return nil
}

// Stop unsubscribes. Safe to call more than once.
func (c *Coordinator) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if !c.started {
		return
	}
	c.b.Unsubscribe(c.subID)
	c.subID = ""
	c.started = false
}

// UpdateConfig swaps the channel flags and mapping tables live. Used by the
// configuration watcher; in-flight intents keep the tables they started with.
func (c *Coordinator) UpdateConfig(cfg config.FlowConfig) {
	c.applyConfig(cfg)
	c.log.Info("flow tables updated")
}

func (c *Coordinator) applyConfig(cfg config.FlowConfig) {
	emotions := defaultEmotionExpressions()
	for name, m := range cfg.EmotionMap {
		emotions[types.Emotion(strings.ToLower(name))] = maps.Clone(m)
	}
	hotkeys := defaultActionHotkeys()
	maps.Copy(hotkeys, cfg.ActionHotkeys)

	c.mu.Lock()
	c.cfg = cfg
	c.emotions = emotions
	c.hotkeys = hotkeys
	c.mu.Unlock()
}

// onIntent handles one decision.intent: map, filter, emit, remember.
func (c *Coordinator) onIntent(ctx context.Context, ev bus.Event) error {
	intent, ok := ev.Payload.(*types.Intent)
	if !ok {
		return fmt.Errorf("flow: unexpected payload %T on %s", ev.Payload, ev.Topic)
	}

	params := c.buildParams(intent)
	if params == nil {
		c.log.Debug("intent has no renderable text, dropping", "source", ev.Source)
		return nil
	}

	out, alive := c.chain.Run(ctx, params)
	if !alive {
		return nil
	}

	c.logExchange(ctx, intent, out, ev.Source)

	if err := c.b.Emit(ctx, bus.TopicOutputIntent, out, "flow"); err != nil && !errors.Is(err, bus.ErrClosed) {
		c.log.Warn("output emit failed", "error", err)
	}
	return nil
}

// buildParams maps one intent to its parameter bundle, or nil when there is
// nothing to render.
func (c *Coordinator) buildParams(intent *types.Intent) *types.ExpressionParameters {
	if strings.TrimSpace(intent.ResponseText) == "" {
		return nil
	}

	c.mu.RLock()
	cfg := c.cfg
	expressions := maps.Clone(c.emotions[intent.Emotion])
	hotkeys := c.hotkeys
	c.mu.RUnlock()

	params := &types.ExpressionParameters{
		TTSText:           intent.ResponseText,
		SubtitleText:      intent.ResponseText,
		Expressions:       expressions,
		Actions:           intent.Actions,
		Emotion:           intent.Emotion,
		TTSEnabled:        cfg.TTSEnabled,
		SubtitleEnabled:   cfg.SubtitleEnabled,
		ExpressionEnabled: cfg.ExpressionEnabled,
		Metadata:          intent.Metadata,
		Timestamp:         time.Now(),
	}

	for _, action := range intent.Actions {
		switch action.Type {
		case "hotkey":
			if hk, _ := action.Params["hotkey"].(string); hk != "" {
				params.Hotkeys = append(params.Hotkeys, hk)
			}
		case "expression":
			name, _ := action.Params["expression"].(string)
			if hk, ok := hotkeys[name]; ok && hk != "" {
				params.Hotkeys = append(params.Hotkeys, hk)
			}
		}
	}

	params.ClampExpressions()
	return params
}

// logExchange appends the user utterance and the spoken response to the
// conversation store. Fallback intents are skipped so decision failures do
// not pollute the context window.
func (c *Coordinator) logExchange(ctx context.Context, intent *types.Intent, params *types.ExpressionParameters, source string) {
	c.mu.RLock()
	enabled := c.cfg.MemoryLog
	c.mu.RUnlock()
	if !enabled || c.mem == nil {
		return
	}
	if intent.Metadata != nil && intent.Metadata["error"] != nil {
		return
	}

	if intent.OriginalText != "" {
		if err := c.mem.Append(ctx, memory.Entry{
			Role:   memory.RoleUser,
			Source: source,
			Text:   intent.OriginalText,
		}); err != nil {
			c.log.Warn("memory append failed", "role", "user", "error", err)
		}
	}
	if err := c.mem.Append(ctx, memory.Entry{
		Role:    memory.RoleAssistant,
		Source:  source,
		Text:    params.TTSText,
		Emotion: string(intent.Emotion),
	}); err != nil {
		c.log.Warn("memory append failed", "role", "assistant", "error", err)
	}
}

// defaultEmotionExpressions is the built-in emotion → avatar parameter
// table. Parameter names follow common Live2D tracking inputs; overrides
// from configuration replace whole per-emotion entries.
func defaultEmotionExpressions() map[types.Emotion]map[string]float64 {
	return map[types.Emotion]map[string]float64{
		types.EmotionNeutral:   {},
		types.EmotionHappy:     {"MouthSmile": 0.8, "EyeOpenLeft": 0.9, "EyeOpenRight": 0.9},
		types.EmotionSad:       {"MouthSmile": 0.1, "BrowLeftY": 0.25, "BrowRightY": 0.25},
		types.EmotionAngry:     {"MouthSmile": 0.15, "BrowLeftY": 0.1, "BrowRightY": 0.1},
		types.EmotionSurprised: {"EyeOpenLeft": 1, "EyeOpenRight": 1, "MouthOpen": 0.7},
		types.EmotionLove:      {"MouthSmile": 1, "CheekPuff": 0.6},
	}
}

// defaultActionHotkeys maps well-known named actions to avatar hotkey
// identifiers.
func defaultActionHotkeys() map[string]string {
	return map[string]string{
		"wave":     "hk_wave",
		"nod":      "hk_nod",
		"shake":    "hk_shake_head",
		"dance":    "hk_dance",
		"wink":     "hk_wink",
		"clap":     "hk_clap",
		"surprise": "hk_surprise",
	}
}
