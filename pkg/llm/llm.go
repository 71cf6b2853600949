// Package llm provides backend-neutral access to large language models for
// the decision layer and any provider that wants it.
//
// A [Service] owns a set of named backends ("llm", "llm_fast", "vlm", or any
// local name), each bound to a concrete implementation selected by the
// config's backend type tag: "openai" uses the official OpenAI SDK, every
// other tag goes through github.com/mozilla-ai/any-llm-go. Requests are
// retried with exponential backoff on transient failures only; token usage is
// accounted per backend.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Well-known backend names. Callers may configure additional names freely.
const (
	// BackendDefault serves general chat and tool calls.
	BackendDefault = "llm"

	// BackendFast serves latency-sensitive auxiliary calls such as intent
	// parsing.
	BackendFast = "llm_fast"

	// BackendVision serves image-understanding calls.
	BackendVision = "vlm"
)

var (
	// ErrUnknownBackend is returned when a request names an unconfigured
	// backend.
	ErrUnknownBackend = errors.New("llm: unknown backend")

	// ErrUnsupported is returned when a backend cannot serve the requested
	// capability (for example vision on a text-only backend).
	ErrUnsupported = errors.New("llm: operation not supported by backend")
)

// BackendConfig describes one named backend.
type BackendConfig struct {
	// Type selects the implementation: "openai" (also the default when empty)
	// or one of the any-llm provider names: "anthropic", "gemini", "ollama",
	// "deepseek", "mistral", "groq", "llamacpp", "llamafile".
	Type string

	// Model is the model identifier sent with every request.
	Model string

	APIKey  string
	BaseURL string

	// Temperature is the default sampling temperature when the caller does
	// not override it. Zero leaves the backend's own default in place.
	Temperature float64

	// MaxTokens caps the completion length when > 0.
	MaxTokens int

	// MaxRetries bounds retry attempts for transient failures.
	// Zero means [DefaultMaxRetries].
	MaxRetries int

	// RetryDelay is the backoff base; the delay for attempt n is
	// RetryDelay · 2^n, capped at MaxRetryDelay. Zeroes mean
	// [DefaultRetryDelay] and [DefaultMaxRetryDelay].
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

// BackendUsage accumulates per-backend token and request counts.
type BackendUsage struct {
	Requests         uint64
	Failures         uint64
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64

	// TotalLatency sums wall time spent in backend calls, retries included.
	TotalLatency time.Duration
}

// BackendInfo describes a configured backend for observability surfaces.
type BackendInfo struct {
	Type  string
	Model string
}

// Response is the uniform result of every [Service] operation. On failure the
// operation returns both a non-nil Response with Success=false and the error,
// so callers can branch on either.
type Response struct {
	Success   bool
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
	Model     string
	Backend   string

	// Error holds the failure message when Success is false.
	Error string
}

type backendHandle struct {
	name  string
	cfg   BackendConfig
	impl  Backend
	retry retryPolicy
}

// Service is the shared LLM access point. Safe for concurrent use.
type Service struct {
	log      *slog.Logger
	backends map[string]*backendHandle

	usageMu sync.Mutex
	usage   map[string]*BackendUsage

	closeOnce sync.Once
}

// ServiceOption configures a [Service].
type ServiceOption func(*Service)

// WithServiceLogger sets the logger. Defaults to slog.Default with a
// component attr.
func WithServiceLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) { s.log = log }
}

// withBackendImpl swaps in a pre-built backend, bypassing construction from
// config. Used by tests.
func withBackendImpl(name string, impl Backend, cfg BackendConfig) ServiceOption {
	return func(s *Service) {
		s.backends[name] = &backendHandle{
			name:  name,
			cfg:   cfg,
			impl:  impl,
			retry: newRetryPolicy(cfg),
		}
	}
}

// NewService builds a [Service] from named backend configs. Backends that
// fail to construct abort the whole service; a misconfigured LLM is a startup
// error, not a runtime surprise.
func NewService(configs map[string]BackendConfig, opts ...ServiceOption) (*Service, error) {
	s := &Service{
		backends: make(map[string]*backendHandle, len(configs)),
		usage:    make(map[string]*BackendUsage),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default().With("component", "llm")
	}

	for name, cfg := range configs {
		impl, err := newBackend(cfg)
		if err != nil {
			return nil, fmt.Errorf("llm: backend %q: %w", name, err)
		}
		s.backends[name] = &backendHandle{
			name:  name,
			cfg:   cfg,
			impl:  impl,
			retry: newRetryPolicy(cfg),
		}
	}
	return s, nil
}

// newBackend selects the implementation for one backend config.
func newBackend(cfg BackendConfig) (Backend, error) {
	switch cfg.Type {
	case "", "openai":
		return newOpenAIBackend(cfg)
	case "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile":
		return newAnyLLMBackend(cfg)
	default:
		return nil, fmt.Errorf("unsupported backend type %q", cfg.Type)
	}
}

// ─── Call options ────────────────────────────────────────────────────────────

type callConfig struct {
	backend     string
	system      string
	temperature *float64
	maxTokens   int
}

// CallOption adjusts a single Chat/StreamChat/CallTools/Vision invocation.
type CallOption func(*callConfig)

// WithBackend selects a named backend for this call.
func WithBackend(name string) CallOption {
	return func(c *callConfig) { c.backend = name }
}

// WithSystem sets the system message for this call.
func WithSystem(msg string) CallOption {
	return func(c *callConfig) { c.system = msg }
}

// WithTemperature overrides the backend's default sampling temperature.
func WithTemperature(t float64) CallOption {
	return func(c *callConfig) { c.temperature = &t }
}

// WithMaxTokens caps the completion length for this call.
func WithMaxTokens(n int) CallOption {
	return func(c *callConfig) { c.maxTokens = n }
}

func (s *Service) resolve(defaultBackend string, opts []CallOption) (*backendHandle, callConfig, error) {
	cfg := callConfig{backend: defaultBackend}
	for _, o := range opts {
		o(&cfg)
	}
	h, ok := s.backends[cfg.backend]
	if !ok {
		return nil, cfg, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.backend)
	}
	return h, cfg, nil
}

func (h *backendHandle) buildRequest(prompt string, cfg callConfig) Request {
	req := Request{
		Messages:     []Message{{Role: "user", Content: prompt}},
		SystemPrompt: cfg.system,
		Temperature:  h.cfg.Temperature,
		MaxTokens:    h.cfg.MaxTokens,
	}
	if cfg.temperature != nil {
		req.Temperature = *cfg.temperature
	}
	if cfg.maxTokens > 0 {
		req.MaxTokens = cfg.maxTokens
	}
	return req
}

// ─── Operations ──────────────────────────────────────────────────────────────

// Chat sends a single-turn prompt to the "llm" backend (or the one selected
// via [WithBackend]) and returns the completion.
func (s *Service) Chat(ctx context.Context, prompt string, opts ...CallOption) (*Response, error) {
	h, cfg, err := s.resolve(BackendDefault, opts)
	if err != nil {
		return s.failure("", cfg.backend, err), err
	}
	return s.complete(ctx, h, h.buildRequest(prompt, cfg))
}

// CallTools sends a prompt together with tool definitions; when the model
// decides to call tools, Response.ToolCalls carries them.
func (s *Service) CallTools(ctx context.Context, prompt string, tools []ToolDefinition, opts ...CallOption) (*Response, error) {
	h, cfg, err := s.resolve(BackendDefault, opts)
	if err != nil {
		return s.failure("", cfg.backend, err), err
	}
	req := h.buildRequest(prompt, cfg)
	req.Tools = tools
	return s.complete(ctx, h, req)
}

// Vision sends a prompt plus images to the "vlm" backend (or the selected
// one). Backends without vision support fail fast with [ErrUnsupported].
func (s *Service) Vision(ctx context.Context, prompt string, images []ImageInput, opts ...CallOption) (*Response, error) {
	h, cfg, err := s.resolve(BackendVision, opts)
	if err != nil {
		return s.failure("", cfg.backend, err), err
	}
	if !h.impl.Capabilities().Vision {
		err := fmt.Errorf("%w: %q has no vision support", ErrUnsupported, h.name)
		return s.failure(h.cfg.Model, h.name, err), err
	}
	req := h.buildRequest(prompt, cfg)
	req.Images = images
	return s.complete(ctx, h, req)
}

// StreamChat streams completion text chunks. The returned channel closes when
// the stream ends; cancel ctx to stop early. Stream errors are logged and end
// the stream rather than surfacing mid-channel.
func (s *Service) StreamChat(ctx context.Context, prompt string, opts ...CallOption) (<-chan string, error) {
	h, cfg, err := s.resolve(BackendDefault, opts)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var stream <-chan Chunk
	err = withRetry(ctx, h.retry, s.log, func() error {
		var err error
		stream, err = h.impl.Stream(ctx, h.buildRequest(prompt, cfg))
		return err
	})
	if err != nil {
		s.recordFailure(h.name, time.Since(start))
		return nil, fmt.Errorf("llm: stream on %q: %w", h.name, err)
	}
	s.recordRequest(h.name, time.Since(start))

	out := make(chan string, streamBufferSize)
	go func() {
		defer close(out)
		for chunk := range stream {
			if chunk.FinishReason == "error" {
				s.log.Warn("stream failed mid-flight", "backend", h.name, "error", chunk.Text)
				s.recordMidStreamFailure(h.name)
				return
			}
			if chunk.Text == "" {
				continue
			}
			select {
			case out <- chunk.Text:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *Service) complete(ctx context.Context, h *backendHandle, req Request) (*Response, error) {
	start := time.Now()
	var comp *Completion
	err := withRetry(ctx, h.retry, s.log, func() error {
		c, err := h.impl.Complete(ctx, req)
		if err == nil {
			comp = c
		}
		return err
	})
	if err != nil {
		s.recordFailure(h.name, time.Since(start))
		wrapped := fmt.Errorf("llm: completion on %q: %w", h.name, err)
		return s.failure(h.cfg.Model, h.name, wrapped), wrapped
	}

	s.recordUsage(h.name, comp.Usage, time.Since(start))
	return &Response{
		Success:   true,
		Content:   comp.Content,
		ToolCalls: comp.ToolCalls,
		Usage:     comp.Usage,
		Model:     h.cfg.Model,
		Backend:   h.name,
	}, nil
}

func (s *Service) failure(model, backend string, err error) *Response {
	return &Response{
		Success: false,
		Model:   model,
		Backend: backend,
		Error:   err.Error(),
	}
}

// ─── Accounting ──────────────────────────────────────────────────────────────

func (s *Service) usageFor(backend string) *BackendUsage {
	u, ok := s.usage[backend]
	if !ok {
		u = &BackendUsage{}
		s.usage[backend] = u
	}
	return u
}

func (s *Service) recordRequest(backend string, elapsed time.Duration) {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	u := s.usageFor(backend)
	u.Requests++
	u.TotalLatency += elapsed
}

func (s *Service) recordFailure(backend string, elapsed time.Duration) {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	u := s.usageFor(backend)
	u.Requests++
	u.Failures++
	u.TotalLatency += elapsed
}

// recordMidStreamFailure marks a stream that died after being counted as a
// request at open time.
func (s *Service) recordMidStreamFailure(backend string) {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	s.usageFor(backend).Failures++
}

func (s *Service) recordUsage(backend string, usage Usage, elapsed time.Duration) {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	u := s.usageFor(backend)
	u.Requests++
	u.TotalLatency += elapsed
	u.PromptTokens += int64(usage.PromptTokens)
	u.CompletionTokens += int64(usage.CompletionTokens)
	u.TotalTokens += int64(usage.TotalTokens)
}

// UsageSummary returns a copy of the per-backend token accounting.
func (s *Service) UsageSummary() map[string]BackendUsage {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	out := make(map[string]BackendUsage, len(s.usage))
	for name, u := range s.usage {
		out[name] = *u
	}
	return out
}

// Backends returns the configured backends for observability surfaces.
func (s *Service) Backends() map[string]BackendInfo {
	out := make(map[string]BackendInfo, len(s.backends))
	for name, h := range s.backends {
		typ := h.cfg.Type
		if typ == "" {
			typ = "openai"
		}
		out[name] = BackendInfo{Type: typ, Model: h.cfg.Model}
	}
	return out
}

// Close releases backend HTTP resources. Idempotent.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		for _, h := range s.backends {
			if c, ok := h.impl.(interface{ close() }); ok {
				c.close()
			}
		}
	})
	return nil
}
