// Package intentparse converts freeform decision-backend replies into
// structured [types.Intent] values.
//
// A reply that already is strict JSON parses directly. Anything else goes
// through a small LLM (the "llm_fast" backend) instructed to emit strict
// JSON; a reply that still cannot be parsed degrades to a neutral intent
// carrying the raw text. Parsing therefore never fails — the worst case is a
// response with no emotion and no actions.
package intentparse

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/vtforge/hibiki/pkg/llm"
	"github.com/vtforge/hibiki/pkg/prompt"
	"github.com/vtforge/hibiki/pkg/types"
)

// DefaultPromptName is the prompt-manager template holding the system prompt.
const DefaultPromptName = "intent_parser"

// defaultSystemPrompt is used when no prompt manager is configured or the
// template is missing.
const defaultSystemPrompt = `You convert a VTuber's freeform reply into strict JSON.
Respond with ONLY a JSON object, no prose and no code fences, shaped as:
{"response_text": "<what to say>", "emotion": "<neutral|happy|sad|angry|surprised|love>", "actions": ["<action>", ...]}
Keep response_text as close to the original wording as possible, minus any
bracketed stage directions; derive emotion and actions from those directions.`

type chatFunc func(ctx context.Context, prompt string, opts ...llm.CallOption) (*llm.Response, error)

// Parser turns backend reply text into intents.
type Parser struct {
	chat       chatFunc
	prompts    *prompt.Manager
	log        *slog.Logger
	backend    string
	promptName string
	maxTokens  int
}

// Option configures a [Parser].
type Option func(*Parser)

// WithBackend selects the LLM backend name. Defaults to [llm.BackendFast].
func WithBackend(name string) Option {
	return func(p *Parser) { p.backend = name }
}

// WithPromptName selects the system-prompt template. Defaults to
// [DefaultPromptName].
func WithPromptName(name string) Option {
	return func(p *Parser) { p.promptName = name }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Parser) { p.log = log }
}

// New creates a parser backed by svc. Both svc and prompts may be nil; the
// parser then only handles replies that already are JSON.
func New(svc *llm.Service, prompts *prompt.Manager, opts ...Option) *Parser {
	p := &Parser{
		prompts:    prompts,
		backend:    llm.BackendFast,
		promptName: DefaultPromptName,
		maxTokens:  512,
	}
	if svc != nil {
		p.chat = svc.Chat
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = slog.Default().With("component", "intentparse")
	}
	return p
}

// Parse converts one reply into an intent. It never returns nil; the caller
// fills in Intent.OriginalText.
func (p *Parser) Parse(ctx context.Context, reply string) *types.Intent {
	if intent, ok := decodeIntent(reply); ok {
		return intent
	}

	if p.chat == nil {
		return fallback(reply)
	}

	resp, err := p.chat(ctx, reply,
		llm.WithBackend(p.backend),
		llm.WithSystem(p.systemPrompt()),
		llm.WithTemperature(0.1),
		llm.WithMaxTokens(p.maxTokens),
	)
	if err != nil {
		p.log.Warn("intent parse call failed, keeping raw reply", "error", err)
		return fallback(reply)
	}

	if intent, ok := decodeIntent(resp.Content); ok {
		return intent
	}
	p.log.Warn("intent parser emitted malformed json, keeping raw reply",
		"content", snippet(resp.Content))
	return fallback(reply)
}

func (p *Parser) systemPrompt() string {
	if p.prompts != nil {
		s, err := p.prompts.Render(p.promptName, nil)
		if err == nil {
			return s
		}
		p.log.Debug("intent parser template unavailable, using builtin", "error", err)
	}
	return defaultSystemPrompt
}

// fallback wraps an unparseable reply into the neutral intent shape.
func fallback(reply string) *types.Intent {
	return &types.Intent{
		ResponseText: reply,
		Emotion:      types.EmotionNeutral,
	}
}

// decodeIntent attempts a strict decode of s (or the JSON object embedded in
// it). ok is false on malformed JSON, an empty response_text, or mis-shaped
// action elements.
func decodeIntent(s string) (*types.Intent, bool) {
	raw := extractJSON(s)
	if raw == "" {
		return nil, false
	}

	var wire struct {
		ResponseText string            `json:"response_text"`
		Emotion      string            `json:"emotion"`
		Actions      []json.RawMessage `json:"actions"`
		Metadata     map[string]any    `json:"metadata"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, false
	}
	if wire.ResponseText == "" {
		return nil, false
	}

	intent := &types.Intent{
		ResponseText: wire.ResponseText,
		Emotion:      types.ParseEmotion(wire.Emotion),
		Metadata:     wire.Metadata,
	}
	for _, elem := range wire.Actions {
		// String elements are shorthand for an expression trigger; objects
		// carry the full action shape.
		var name string
		if err := json.Unmarshal(elem, &name); err == nil {
			intent.Actions = append(intent.Actions, types.IntentAction{
				Type:   "expression",
				Params: map[string]any{"expression": name},
			})
			continue
		}
		var action types.IntentAction
		if err := json.Unmarshal(elem, &action); err != nil || action.Type == "" {
			return nil, false
		}
		intent.Actions = append(intent.Actions, action)
	}
	return intent, true
}

// extractJSON returns the JSON object text embedded in s: the whole string,
// the inside of a markdown code fence, or the outermost {...} span. Empty
// when s contains no object at all.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		}
		s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func snippet(s string) string {
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
