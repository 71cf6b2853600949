// Package localllm provides the decision provider that asks the shared LLM
// service directly: recent conversation context plus the incoming message go
// into a prompt template, the completion comes back through the intent
// parser. No external chat backend is involved.
package localllm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vtforge/hibiki/pkg/llm"
	"github.com/vtforge/hibiki/pkg/memory"
	"github.com/vtforge/hibiki/pkg/prompt"
	"github.com/vtforge/hibiki/pkg/provider"
	"github.com/vtforge/hibiki/pkg/provider/decision"
	"github.com/vtforge/hibiki/pkg/provider/decision/intentparse"
	"github.com/vtforge/hibiki/pkg/types"
)

// Name is the provider's registry name.
const Name = "local_llm"

// DefaultPromptName is the prompt-manager template for the system prompt.
const DefaultPromptName = "decision"

const defaultHistoryLimit = 10

var _ decision.Provider = (*Provider)(nil)

type chatFunc func(ctx context.Context, prompt string, opts ...llm.CallOption) (*llm.Response, error)

// Provider decides through the shared LLM service.
type Provider struct {
	log     *slog.Logger
	chat    chatFunc
	parser  *intentparse.Parser
	prompts *prompt.Manager
	memory  memory.Store

	backend      string
	promptName   string
	persona      string
	historyLimit int
	temperature  float64
	maxTokens    int
}

// New creates an unconfigured provider; everything arrives via Setup.
func New() *Provider {
	return &Provider{}
}

// Name implements [decision.Provider].
func (p *Provider) Name() string { return Name }

// Setup implements [decision.Provider]. Config keys: "backend" (default
// "llm"), "prompt" (template name, default "decision"), "persona",
// "history_limit", "temperature", "max_tokens".
func (p *Provider) Setup(_ context.Context, pctx provider.Context, cfg map[string]any) error {
	if pctx.LLM == nil {
		return fmt.Errorf("%s: llm service not available", Name)
	}
	p.log = pctx.Logger("decision." + Name)
	p.chat = pctx.LLM.Chat
	p.parser = intentparse.New(pctx.LLM, pctx.Prompts, intentparse.WithLogger(p.log))
	p.prompts = pctx.Prompts
	p.memory = pctx.Memory

	p.backend = provider.StringOption(cfg, "backend", llm.BackendDefault)
	p.promptName = provider.StringOption(cfg, "prompt", DefaultPromptName)
	p.persona = provider.StringOption(cfg, "persona", "")
	p.historyLimit = provider.IntOption(cfg, "history_limit", defaultHistoryLimit)
	p.temperature = provider.FloatOption(cfg, "temperature", 0.7)
	p.maxTokens = provider.IntOption(cfg, "max_tokens", 0)
	return nil
}

// Decide implements [decision.Provider].
func (p *Provider) Decide(ctx context.Context, msg *types.NormalizedMessage) (*types.Intent, error) {
	system := p.systemPrompt(ctx, msg)

	opts := []llm.CallOption{
		llm.WithBackend(p.backend),
		llm.WithSystem(system),
		llm.WithTemperature(p.temperature),
	}
	if p.maxTokens > 0 {
		opts = append(opts, llm.WithMaxTokens(p.maxTokens))
	}
	resp, err := p.chat(ctx, msg.Text, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: chat: %w", Name, err)
	}

	intent := p.parser.Parse(ctx, resp.Content)
	intent.OriginalText = msg.Text
	return intent, nil
}

// Cleanup implements [decision.Provider]. The LLM service is shared and stays
// open.
func (p *Provider) Cleanup() error { return nil }

// systemPrompt renders the decision template with persona, history, and
// source; when the template is unavailable it falls back to a built-in
// prompt of the same shape.
func (p *Provider) systemPrompt(ctx context.Context, msg *types.NormalizedMessage) string {
	history := p.recentHistory(ctx)

	if p.prompts != nil {
		s, err := p.prompts.Render(p.promptName, map[string]string{
			"persona": p.persona,
			"history": history,
			"source":  msg.Source,
		})
		if err == nil {
			return s
		}
		p.log.Debug("decision template unavailable, using builtin", "error", err)
	}

	var b strings.Builder
	if p.persona != "" {
		b.WriteString(p.persona)
		b.WriteString("\n\n")
	}
	b.WriteString("You are a live virtual streamer replying to one viewer message.\n")
	b.WriteString("Respond with ONLY a JSON object shaped as ")
	b.WriteString(`{"response_text": "...", "emotion": "neutral|happy|sad|angry|surprised|love", "actions": []}.`)
	if history != "" {
		b.WriteString("\n\nRecent conversation:\n")
		b.WriteString(history)
	}
	return b.String()
}

// recentHistory formats the newest conversation entries, oldest first.
func (p *Provider) recentHistory(ctx context.Context) string {
	if p.memory == nil || p.historyLimit <= 0 {
		return ""
	}
	entries, err := p.memory.Recent(ctx, p.historyLimit)
	if err != nil {
		p.log.Warn("could not load conversation history", "error", err)
		return ""
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s: %s\n", e.Role, e.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}
