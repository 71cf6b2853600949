package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/vtforge/hibiki/pkg/types"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the built-in provider names per provider kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"input":    {"console", "danmaku", "discord", "webhook"},
	"decision": {"rule_engine", "local_llm", "maicore"},
	"output":   {"console", "subtitle", "tts", "vts"},
}

// ValidPipelineNames lists the built-in pipeline names per chain.
var ValidPipelineNames = map[string][]string{
	"input":  {"rate_limit", "similar_text"},
	"output": {"profanity", "length_limit"},
}

// validBackendNames lists the LLM backend types [llm.NewService] understands.
var validBackendNames = []string{
	"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Inputs
	errs = append(errs, validateEnabledNames("inputs.enabled", cfg.Inputs.Enabled)...)
	if cfg.Inputs.RestartIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("inputs.restart_interval_seconds %.2f is negative", cfg.Inputs.RestartIntervalSeconds))
	}
	for _, name := range cfg.Inputs.Enabled {
		validateProviderName("input", name)
	}
	warnUnusedProviderBlocks("inputs", cfg.Inputs.Providers, cfg.Inputs.Enabled)

	// Decision
	available := cfg.Decision.AvailableProviders
	errs = append(errs, validateEnabledNames("decision.available_providers", available)...)
	if cfg.Decision.ActiveProvider == "" {
		if len(cfg.Inputs.Enabled) > 0 {
			slog.Warn("decision.active_provider is empty; incoming messages will not be answered")
		}
	} else {
		validateProviderName("decision", cfg.Decision.ActiveProvider)
		if len(available) > 0 && !slices.Contains(available, cfg.Decision.ActiveProvider) {
			errs = append(errs, fmt.Errorf("decision.active_provider %q is not listed in decision.available_providers %v", cfg.Decision.ActiveProvider, available))
		}
	}
	for _, name := range available {
		validateProviderName("decision", name)
	}
	if cfg.Decision.DecideTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("decision.decide_timeout_seconds %.2f is negative", cfg.Decision.DecideTimeoutSeconds))
	}
	if cfg.Decision.SwapQueueSize < 0 {
		errs = append(errs, fmt.Errorf("decision.swap_queue_size %d is negative", cfg.Decision.SwapQueueSize))
	}
	if cfg.Decision.SwapGraceSeconds < 0 {
		errs = append(errs, fmt.Errorf("decision.swap_grace_seconds %.2f is negative", cfg.Decision.SwapGraceSeconds))
	}
	warnUnusedProviderBlocks("decision", cfg.Decision.Providers, decisionNames(cfg.Decision))

	// Outputs
	errs = append(errs, validateEnabledNames("outputs.enabled", cfg.Outputs.Enabled)...)
	switch cfg.Outputs.ErrorHandling {
	case "", ErrorContinue, ErrorStop:
	default:
		errs = append(errs, fmt.Errorf("outputs.error_handling %q is invalid; valid values: continue, stop", cfg.Outputs.ErrorHandling))
	}
	if cfg.Outputs.RenderTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("outputs.render_timeout_seconds %.2f is negative", cfg.Outputs.RenderTimeoutSeconds))
	}
	if cfg.Outputs.RenderQueueSize < 0 {
		errs = append(errs, fmt.Errorf("outputs.render_queue_size %d is negative", cfg.Outputs.RenderQueueSize))
	}
	for _, name := range cfg.Outputs.Enabled {
		validateProviderName("output", name)
	}
	warnUnusedProviderBlocks("outputs", cfg.Outputs.Providers, cfg.Outputs.Enabled)

	// Pipelines
	errs = append(errs, validatePipelines("pipelines.input", "input", cfg.Pipelines.Input)...)
	errs = append(errs, validatePipelines("pipelines.output", "output", cfg.Pipelines.Output)...)

	// Flow
	for emotion, params := range cfg.Flow.EmotionMap {
		if !types.Emotion(emotion).IsValid() {
			slog.Warn("flow.emotion_map contains an unknown emotion; decisions never produce it",
				"emotion", emotion,
			)
		}
		for param, weight := range params {
			if weight < 0 || weight > 1 {
				slog.Warn("flow.emotion_map weight is outside [0, 1] and will be clamped at render time",
					"emotion", emotion,
					"parameter", param,
					"weight", weight,
				)
			}
		}
	}

	// LLM backends
	for name, backend := range cfg.LLM.Backends {
		prefix := fmt.Sprintf("llm.backends.%s", name)
		if backend.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required", prefix))
		}
		if backend.Backend != "" && !slices.Contains(validBackendNames, backend.Backend) {
			slog.Warn("unknown LLM backend type — may be a typo or an OpenAI-compatible endpoint",
				"backend", name,
				"type", backend.Backend,
				"known", validBackendNames,
			)
		}
		if backend.Temperature < 0 || backend.Temperature > 2 {
			errs = append(errs, fmt.Errorf("%s.temperature %.2f is out of range [0, 2]", prefix, backend.Temperature))
		}
		if backend.MaxTokens < 0 {
			errs = append(errs, fmt.Errorf("%s.max_tokens %d is negative", prefix, backend.MaxTokens))
		}
		if backend.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("%s.max_retries %d is negative", prefix, backend.MaxRetries))
		}
		if backend.RetryDelaySeconds < 0 {
			errs = append(errs, fmt.Errorf("%s.retry_delay_seconds %.2f is negative", prefix, backend.RetryDelaySeconds))
		}
	}

	// Memory
	if cfg.Memory.Backend != "" && !cfg.Memory.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("memory.backend %q is invalid; valid values: ring, postgres, none", cfg.Memory.Backend))
	}
	if cfg.Memory.Backend == MemoryPostgres && cfg.Memory.DSN == "" {
		errs = append(errs, errors.New("memory.dsn is required when memory.backend is postgres"))
	}
	if cfg.Memory.Capacity < 0 {
		errs = append(errs, fmt.Errorf("memory.capacity %d is negative", cfg.Memory.Capacity))
	}

	return errors.Join(errs...)
}

// validateEnabledNames rejects empty and duplicate entries in a provider
// name list.
func validateEnabledNames(key string, names []string) []error {
	var errs []error
	seen := make(map[string]int, len(names))
	for i, name := range names {
		if name == "" {
			errs = append(errs, fmt.Errorf("%s[%d] is empty", key, i))
			continue
		}
		if prev, ok := seen[name]; ok {
			errs = append(errs, fmt.Errorf("%s[%d] %q is a duplicate of %s[%d]", key, i, name, key, prev))
		}
		seen[name] = i
	}
	return errs
}

func validatePipelines(key, chain string, pipelines map[string]PipelineConfig) []error {
	var errs []error
	for name, p := range pipelines {
		prefix := fmt.Sprintf("%s.%s", key, name)
		if p.ErrorHandling != "" && !p.ErrorHandling.IsValid() {
			errs = append(errs, fmt.Errorf("%s.error_handling %q is invalid; valid values: continue, stop, drop", prefix, p.ErrorHandling))
		}
		if p.TimeoutSeconds < 0 {
			errs = append(errs, fmt.Errorf("%s.timeout_seconds %.2f is negative", prefix, p.TimeoutSeconds))
		}
		if p.Enabled && !slices.Contains(ValidPipelineNames[chain], name) {
			slog.Warn("unknown pipeline name — may be a typo",
				"chain", chain,
				"name", name,
				"known", ValidPipelineNames[chain],
			)
		}
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// warnUnusedProviderBlocks flags configuration blocks for providers that are
// not enabled; the block is parsed but never handed to a factory.
func warnUnusedProviderBlocks(section string, blocks map[string]map[string]any, enabled []string) {
	for name := range blocks {
		if !slices.Contains(enabled, name) {
			slog.Warn("provider has a configuration block but is not enabled; the block is ignored",
				"section", section,
				"provider", name,
			)
		}
	}
}

func decisionNames(c DecisionConfig) []string {
	names := slices.Clone(c.AvailableProviders)
	if c.ActiveProvider != "" && !slices.Contains(names, c.ActiveProvider) {
		names = append(names, c.ActiveProvider)
	}
	return names
}
