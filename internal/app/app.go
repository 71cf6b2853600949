// Package app wires all Hibiki subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems leaves-first, Run blocks until the context ends, and Shutdown
// tears everything down in reverse order under a bounded grace period.
//
// For testing, inject doubles via functional options (WithMemoryStore,
// WithoutTelemetry, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"

	"github.com/vtforge/hibiki/internal/config"
	"github.com/vtforge/hibiki/internal/decision"
	"github.com/vtforge/hibiki/internal/flow"
	"github.com/vtforge/hibiki/internal/health"
	"github.com/vtforge/hibiki/internal/input"
	"github.com/vtforge/hibiki/internal/observe"
	"github.com/vtforge/hibiki/internal/output"
	"github.com/vtforge/hibiki/internal/pipeline"
	"github.com/vtforge/hibiki/internal/server"
	"github.com/vtforge/hibiki/pkg/audio"
	"github.com/vtforge/hibiki/pkg/bus"
	"github.com/vtforge/hibiki/pkg/llm"
	"github.com/vtforge/hibiki/pkg/memory"
	memorypostgres "github.com/vtforge/hibiki/pkg/memory/postgres"
	"github.com/vtforge/hibiki/pkg/prompt"
	"github.com/vtforge/hibiki/pkg/provider"
	"github.com/vtforge/hibiki/pkg/types"
)

// App owns all subsystem lifetimes and orchestrates the input → decision →
// output pipeline.
type App struct {
	cfg *config.Config
	reg *config.Registry
	log *slog.Logger

	// Level is adjusted live on config reload when set.
	level *slog.LevelVar

	// Subsystems, initialised in New, torn down in Shutdown.
	bus     *bus.Bus
	llm     *llm.Service
	prompts *prompt.Manager
	mem     memory.Store
	audio   *audio.Stream
	srv     *server.Server

	decisions *decision.Manager
	flows     *flow.Coordinator
	outputs   *output.Manager
	inputs    *input.Manager

	skipTelemetry bool

	// closers run in reverse append order during Shutdown.
	closers []closer

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMemoryStore injects a memory store instead of creating one from config.
func WithMemoryStore(s memory.Store) Option {
	return func(a *App) { a.mem = s }
}

// WithLogger sets the base logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// WithLevelVar hands the App the log level handle so config reloads can
// adjust verbosity live.
func WithLevelVar(level *slog.LevelVar) Option {
	return func(a *App) { a.level = level }
}

// WithoutTelemetry skips the OTel SDK initialisation. Metrics still record
// through the global no-op provider. Meant for tests, which must not fight
// over the process-wide Prometheus registry.
func WithoutTelemetry() Option {
	return func(a *App) { a.skipTelemetry = true }
}

// New creates an App by wiring all subsystems leaves-first. The registry
// comes from main with every built-in provider factory already registered.
//
// Configuration errors (unknown provider names, unreachable stores, missing
// prompt dirs) fail New; nothing keeps running half-built.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		reg: reg,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}

	// Anything already initialised is torn down when a later step fails.
	ok := false
	defer func() {
		if !ok {
			a.Shutdown(context.Background())
		}
	}()

	// ── 1. Observability ─────────────────────────────────────────────────
	if !a.skipTelemetry {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
		if err != nil {
			return nil, fmt.Errorf("app: init telemetry: %w", err)
		}
		a.addCloser("telemetry", shutdown)
	}

	// ── 2. Event bus ─────────────────────────────────────────────────────
	a.initBus()

	// ── 3. Shared services: LLM, prompts, memory, audio ──────────────────
	if err := a.initServices(ctx); err != nil {
		return nil, err
	}

	// ── 4. HTTP server ───────────────────────────────────────────────────
	if err := a.initServer(); err != nil {
		return nil, err
	}

	// ── 5. Provider domains: decision → flow → output → input ────────────
	if err := a.initDomains(ctx); err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

// addCloser records fn for reverse-order teardown.
func (a *App) addCloser(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// initBus builds the event bus and registers the payload schema for every
// core topic.
func (a *App) initBus() {
	busOpts := []bus.Option{bus.WithLogger(a.log)}
	if a.cfg.Bus.ValidatePayloads {
		busOpts = append(busOpts, bus.WithPayloadValidation())
	}
	a.bus = bus.New(busOpts...)

	a.bus.RegisterTopicType(bus.TopicDataMessage, &types.NormalizedMessage{})
	a.bus.RegisterTopicType(bus.TopicDecisionIntent, &types.Intent{})
	a.bus.RegisterTopicType(bus.TopicOutputIntent, &types.ExpressionParameters{})
	for _, topic := range []string{
		bus.TopicInputConnected, bus.TopicInputDisconnected,
		bus.TopicDecisionConnected, bus.TopicDecisionDisconnected,
		bus.TopicOutputConnected, bus.TopicOutputDisconnected,
	} {
		a.bus.RegisterTopicType(topic, bus.ProviderEvent{})
	}

	a.addCloser("bus", func(context.Context) error { return a.bus.Close() })
}

// initServices builds the shared leaf services providers depend on.
func (a *App) initServices(ctx context.Context) error {
	svc, err := llm.NewService(a.cfg.LLM.BackendConfigs(), llm.WithServiceLogger(a.log))
	if err != nil {
		return fmt.Errorf("app: init llm: %w", err)
	}
	a.llm = svc

	if dir := a.cfg.Prompts.Dir; dir != "" {
		pm, err := prompt.NewManager(dir, prompt.WithLogger(a.log.With("component", "prompt")))
		if err != nil {
			return fmt.Errorf("app: init prompts: %w", err)
		}
		a.prompts = pm
	}

	if err := a.initMemory(ctx); err != nil {
		return fmt.Errorf("app: init memory: %w", err)
	}

	a.audio = audio.NewStream(audio.WithLogger(a.log))
	a.addCloser("audio", func(context.Context) error { return a.audio.Close() })

	// Counters the bus, LLM service, and audio stream already keep are
	// surfaced as observable instruments. With telemetry disabled the global
	// provider is a no-op and the callback never fires.
	obs, err := observe.RegisterRuntimeObservers(otel.GetMeterProvider(), a.bus, a.llm, a.audio)
	if err != nil {
		return fmt.Errorf("app: register runtime observers: %w", err)
	}
	a.addCloser("runtime-observers", func(context.Context) error { return obs.Unregister() })
	return nil
}

// initMemory builds the conversation store selected by config, unless a
// store was injected.
func (a *App) initMemory(ctx context.Context) error {
	if a.mem != nil {
		return nil
	}

	switch a.cfg.Memory.Backend {
	case config.MemoryRing, "":
		a.mem = memory.NewRing(a.cfg.Memory.Capacity)
	case config.MemoryPostgres:
		store, err := memorypostgres.NewStore(ctx, a.cfg.Memory.DSN)
		if err != nil {
			return err
		}
		a.mem = store
	case config.MemoryNone:
		return nil
	default:
		return fmt.Errorf("unknown memory backend %q", a.cfg.Memory.Backend)
	}

	a.addCloser("memory", func(context.Context) error { return a.mem.Close() })
	return nil
}

// initServer starts the shared HTTP server unless server.addr is empty.
func (a *App) initServer() error {
	if a.cfg.Server.Addr == "" {
		return nil
	}

	h := health.New()
	h.Add("decision", a.checkDecision)
	h.Add("providers", a.checkProviders)
	a.srv = server.New(a.cfg.Server.Addr, h, observe.DefaultMetrics(), a.log)
	if err := a.srv.Start(); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.addCloser("server", a.srv.Shutdown)
	return nil
}

// initDomains builds the provider domains in pipeline order and starts them
// back to front so every consumer is subscribed before its producer emits.
func (a *App) initDomains(ctx context.Context) error {
	pctx := a.providerContext()

	a.decisions = decision.NewManager(a.cfg.Decision, a.reg, pctx)
	if err := a.decisions.Start(ctx); err != nil {
		return fmt.Errorf("app: start decision: %w", err)
	}
	a.addCloser("decision", func(context.Context) error { a.decisions.Stop(); return nil })

	outChain, err := pipeline.NewOutputChain(a.cfg.Pipelines.Output, a.log)
	if err != nil {
		return fmt.Errorf("app: build output pipelines: %w", err)
	}
	a.flows = flow.New(a.cfg.Flow, outChain, pctx)
	if err := a.flows.Start(ctx); err != nil {
		return fmt.Errorf("app: start flow: %w", err)
	}
	a.addCloser("flow", func(context.Context) error { a.flows.Stop(); return nil })

	a.outputs = output.NewManager(a.cfg.Outputs, a.reg, pctx)
	if err := a.outputs.Start(ctx); err != nil {
		return fmt.Errorf("app: start outputs: %w", err)
	}
	a.addCloser("outputs", func(context.Context) error { a.outputs.Stop(); return nil })

	inChain, err := pipeline.NewInputChain(a.cfg.Pipelines.Input, a.log)
	if err != nil {
		return fmt.Errorf("app: build input pipelines: %w", err)
	}
	a.inputs = input.NewManager(a.cfg.Inputs, a.reg, pctx, inChain)
	if err := a.inputs.Start(ctx); err != nil {
		return fmt.Errorf("app: start inputs: %w", err)
	}
	a.addCloser("inputs", func(context.Context) error { a.inputs.Stop(); return nil })

	return nil
}

// providerContext builds the frozen capability record handed to every
// provider. The server field may be nil; providers tolerate missing
// capabilities they can live without.
func (a *App) providerContext() provider.Context {
	pctx := provider.Context{
		Bus:     a.bus,
		LLM:     a.llm,
		Audio:   a.audio,
		Prompts: a.prompts,
		Memory:  a.mem,
		Log:     a.log,
	}
	if a.srv != nil {
		pctx.Callbacks = a.srv
	}
	return pctx
}

// Bus exposes the event bus, e.g. for control surfaces in main.
func (a *App) Bus() *bus.Bus { return a.bus }

// SwitchDecisionProvider swaps the active decision provider at runtime.
func (a *App) SwitchDecisionProvider(ctx context.Context, name string) error {
	return a.decisions.SwitchProvider(ctx, name, a.cfg.Decision.Providers[name])
}

// ApplyConfig applies a reloaded configuration to the running system. Only
// hot-appliable sections take effect: log level, the active decision
// provider, and the flow tables. Everything else is reported as requiring a
// restart.
func (a *App) ApplyConfig(ctx context.Context, old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}

	if d.LogLevelChanged {
		if a.level != nil {
			a.level.Set(d.NewLogLevel.Level())
			a.log.Info("log level changed", "level", d.NewLogLevel)
		} else {
			a.log.Warn("log level changed but no level handle is attached", "level", d.NewLogLevel)
		}
	}

	if d.ActiveProviderChanged {
		cfg := new.Decision.Providers[d.NewActiveProvider]
		if err := a.decisions.SwitchProvider(ctx, d.NewActiveProvider, cfg); err != nil {
			a.log.Error("provider swap from config reload failed",
				"provider", d.NewActiveProvider, "error", err)
		}
	}

	if d.FlowChanged {
		a.flows.UpdateConfig(d.NewFlow)
		a.log.Info("flow configuration updated")
	}

	if len(d.RestartRequired) > 0 {
		a.log.Warn("config sections changed that need a restart", "sections", d.RestartRequired)
	}

	a.cfg = new
}

// Run blocks until ctx is cancelled. All work happens on the subsystems'
// own goroutines; Run exists so main has something to wait on.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("hibiki running",
		"inputs", a.cfg.Inputs.Enabled,
		"decision", a.decisions.ActiveProvider(),
		"outputs", a.outputs.Providers(),
	)
	<-ctx.Done()
	return ctx.Err()
}

// checkDecision reports readiness of the active decision provider.
func (a *App) checkDecision(context.Context) error {
	active := a.decisions.ActiveProvider()
	if active == "" {
		return fmt.Errorf("no active decision provider")
	}
	rec, ok := a.reg.Record(types.KindDecision, active)
	if !ok {
		return fmt.Errorf("active provider %s has no registry record", active)
	}
	if rec.State != types.StateRunning {
		return fmt.Errorf("active provider %s is %s", active, rec.State)
	}
	return nil
}

// checkProviders fails when any provider record is in the failed state.
func (a *App) checkProviders(context.Context) error {
	var failed []string
	for _, rec := range a.reg.Records() {
		if rec.State == types.StateFailed {
			failed = append(failed, string(rec.Kind)+"/"+rec.Name)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed providers: %v", failed)
	}
	return nil
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			c := a.closers[i]
			if err := c.fn(ctx); err != nil {
				a.log.Warn("closer error", "subsystem", c.name, "error", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
