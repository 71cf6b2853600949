// Package input runs the configured input providers and turns their raw
// observations into normalized messages on the bus.
//
// The manager owns one goroutine per enabled provider. A provider that
// returns, fails, or panics is isolated from its siblings; with auto_restart
// enabled the manager rebuilds it from its registry factory after the restart
// interval, so a flaky chat connection cannot take the rest of the runtime
// down with it. Observations flow sink → normalize → pipeline chain → bus,
// all on the provider's own goroutine, which preserves per-provider arrival
// order end to end.
package input

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vtforge/hibiki/internal/config"
	"github.com/vtforge/hibiki/internal/observe"
	"github.com/vtforge/hibiki/internal/pipeline"
	"github.com/vtforge/hibiki/pkg/bus"
	"github.com/vtforge/hibiki/pkg/provider"
	providerinput "github.com/vtforge/hibiki/pkg/provider/input"
	"github.com/vtforge/hibiki/pkg/types"
)

// Manager supervises the input providers.
type Manager struct {
	cfg   config.InputsConfig
	reg   *config.Registry
	pctx  provider.Context
	chain *pipeline.MessageChain
	log   *slog.Logger
	met   *observe.Metrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool

	wg sync.WaitGroup
}

// NewManager builds a Manager. The chain may be empty but not nil.
func NewManager(cfg config.InputsConfig, reg *config.Registry, pctx provider.Context, chain *pipeline.MessageChain) *Manager {
	return &Manager{
		cfg:   cfg,
		reg:   reg,
		pctx:  pctx,
		chain: chain,
		log:   pctx.Logger("input"),
		met:   observe.DefaultMetrics(),
	}
}

// Start launches one supervisor goroutine per enabled provider and returns.
// Individual provider build or setup failures do not fail Start; they are
// recorded in the registry and retried per the auto-restart policy.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("input: manager already started")
	}
	m.started = true

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for _, name := range m.cfg.Enabled {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.supervise(runCtx, name)
		}()
	}
	m.log.Info("input manager started", "providers", m.cfg.Enabled)
	return nil
}

// Stop cancels every provider goroutine and blocks until all have cleaned up.
// Safe to call more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// supervise drives one provider through build → setup → run → cleanup cycles
// until ctx ends or the restart policy gives up.
func (m *Manager) supervise(ctx context.Context, name string) {
	for {
		err := m.runOnce(ctx, name)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, config.ErrProviderNotRegistered) {
			// No factory will appear mid-run; retrying cannot help.
			m.log.Error("input provider not registered", "provider", name)
			return
		}
		if err != nil {
			m.log.Error("input provider failed", "provider", name, "error", err)
		} else {
			m.log.Info("input provider ended", "provider", name)
		}
		if !m.cfg.AutoRestart {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.RestartInterval()):
		}
		m.log.Info("restarting input provider", "provider", name)
	}
}

// runOnce builds a fresh provider instance from the registry, runs it to
// completion, and tears it down. A nil return means clean end-of-stream.
func (m *Manager) runOnce(ctx context.Context, name string) error {
	cfg := m.cfg.Providers[name]

	p, err := m.reg.CreateInput(name, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := p.Cleanup(); cerr != nil {
			m.log.Warn("input provider cleanup failed", "provider", name, "error", cerr)
		}
	}()

	if err := p.Setup(ctx, m.pctx, cfg); err != nil {
		m.reg.Fail(types.KindInput, name, err)
		return fmt.Errorf("input: setup %s: %w", name, err)
	}

	m.reg.SetState(types.KindInput, name, types.StateRunning)
	m.emitLifecycle(ctx, bus.TopicInputConnected, name, "")

	err = m.runGuarded(ctx, p, name)

	detail := ""
	switch {
	case ctx.Err() != nil:
		m.reg.SetState(types.KindInput, name, types.StateStopping)
		err = nil
	case err != nil:
		m.reg.Fail(types.KindInput, name, err)
		detail = err.Error()
	default:
		// Clean end-of-stream. The instance is gone but the factory can
		// rebuild it, so the record returns to registered.
		m.reg.SetState(types.KindInput, name, types.StateRegistered)
	}
	m.emitLifecycle(context.WithoutCancel(ctx), bus.TopicInputDisconnected, name, detail)
	return err
}

// runGuarded converts a provider panic into an error so one bad provider
// cannot crash the process.
func (m *Manager) runGuarded(ctx context.Context, p providerinput.Provider, name string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("input: provider %s panicked: %v", name, r)
		}
	}()
	err = p.Run(ctx, m.sink(ctx, name))
	if err != nil && errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// sink returns the delivery function handed to one provider's Run. It
// executes on the provider's goroutine: normalize, run the pipeline chain,
// emit survivors on the bus.
func (m *Manager) sink(ctx context.Context, name string) providerinput.Sink {
	return func(raw types.RawData) {
		if raw.Source == "" {
			raw.Source = name
		}

		msg, err := Normalize(raw)
		if err != nil {
			m.log.Debug("dropping observation", "provider", name, "reason", err)
			m.met.RecordMessage(ctx, name, true)
			return
		}

		out, ok := m.chain.Run(ctx, msg)
		if !ok {
			m.met.RecordMessage(ctx, name, true)
			return
		}

		if err := m.pctx.Bus.Emit(ctx, bus.TopicDataMessage, out, name); err != nil && !errors.Is(err, bus.ErrClosed) {
			m.log.Warn("message emit failed", "provider", name, "error", err)
		}
		m.met.RecordMessage(ctx, name, false)
	}
}

func (m *Manager) emitLifecycle(ctx context.Context, topic, name, detail string) {
	if m.pctx.Bus == nil {
		return
	}
	ev := bus.ProviderEvent{Provider: name, Kind: string(types.KindInput), Detail: detail}
	if err := m.pctx.Bus.Emit(ctx, topic, ev, name); err != nil && !errors.Is(err, bus.ErrClosed) {
		m.log.Debug("lifecycle emit failed", "topic", topic, "error", err)
	}
}
