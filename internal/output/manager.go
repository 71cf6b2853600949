// Package output fans rendering work out to the enabled output providers.
//
// The manager subscribes to output.intent and hands every parameter bundle to
// each provider's own worker goroutine, so N providers start N renders
// concurrently and a slow or failing surface never holds up its siblings.
// Workers render strictly in arrival order; while a render is in progress new
// bundles queue in a bounded per-provider buffer that drops its oldest entry
// on overflow, because on a live stream a stale subtitle is worse than a
// missing one.
package output

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vtforge/hibiki/internal/config"
	"github.com/vtforge/hibiki/internal/observe"
	"github.com/vtforge/hibiki/pkg/bus"
	"github.com/vtforge/hibiki/pkg/provider"
	provideroutput "github.com/vtforge/hibiki/pkg/provider/output"
	"github.com/vtforge/hibiki/pkg/types"
)

const (
	defaultRenderTimeout   = 10 * time.Second
	defaultRenderQueueSize = 8
)

// job is one queued render. Jobs for the same intent share intentCtx so that
// error_handling=stop can cancel the sibling renders of that intent without
// touching later ones.
type job struct {
	params    *types.ExpressionParameters
	intentCtx context.Context
	abort     context.CancelFunc

	// onDone balances the per-intent accounting exactly once, whether the
	// job renders, is skipped, or is dropped from a full queue.
	onDone func()
}

func (j job) done() {
	if j.onDone != nil {
		j.onDone()
	}
}

// worker owns one provider instance and its render queue.
type worker struct {
	name  string
	p     provideroutput.Provider
	queue chan job
}

// Manager runs the output domain.
type Manager struct {
	cfg  config.OutputsConfig
	reg  *config.Registry
	pctx provider.Context
	log  *slog.Logger
	met  *observe.Metrics

	mu      sync.Mutex
	started bool
	runCtx  context.Context
	cancel  context.CancelFunc
	subID   bus.SubscriptionID
	workers []*worker

	wg sync.WaitGroup
}

// NewManager builds a Manager around the given registry and capabilities.
func NewManager(cfg config.OutputsConfig, reg *config.Registry, pctx provider.Context) *Manager {
	return &Manager{
		cfg:  cfg,
		reg:  reg,
		pctx: pctx,
		log:  pctx.Logger("output"),
		met:  observe.DefaultMetrics(),
	}
}

// Start builds and sets up every enabled provider, launches their workers,
// and subscribes to output.intent. A provider that cannot be built or set up
// is marked failed and skipped; its siblings still come up. Start fails only
// when no subscription could be established.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("output: manager already started")
	}
	m.started = true

	m.runCtx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))

	for _, name := range m.cfg.Enabled {
		w, err := m.bring(ctx, name)
		if err != nil {
			m.log.Error("output provider failed to start", "provider", name, "error", err)
			continue
		}
		m.workers = append(m.workers, w)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.run(w)
		}()
	}

	id, err := m.pctx.Bus.Subscribe(bus.TopicOutputIntent, m.onIntent)
	if err != nil {
		return fmt.Errorf("output: subscribe: %w", err)
	}
	m.subID = id

	names := make([]string, len(m.workers))
	for i, w := range m.workers {
		names[i] = w.name
	}
	m.log.Info("output manager started", "providers", names)
	return nil
}

// Stop unsubscribes, drains the workers, and cleans every provider up. Safe
// to call more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	subID := m.subID
	m.subID = ""
	cancel := m.cancel
	workers := m.workers
	m.workers = nil
	m.mu.Unlock()

	if subID != "" {
		m.pctx.Bus.Unsubscribe(subID)
	}
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	for _, w := range workers {
		m.reg.SetState(types.KindOutput, w.name, types.StateStopping)
		if err := w.p.Cleanup(); err != nil {
			m.log.Warn("output provider cleanup failed", "provider", w.name, "error", err)
		}
		m.reg.SetState(types.KindOutput, w.name, types.StateRegistered)
		m.emitLifecycle(bus.TopicOutputDisconnected, w.name, "")
	}
}

// Providers returns the names of the providers currently rendering.
func (m *Manager) Providers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.workers))
	for i, w := range m.workers {
		names[i] = w.name
	}
	return names
}

// bring builds and sets up one provider and prepares its worker.
func (m *Manager) bring(ctx context.Context, name string) (*worker, error) {
	cfg := m.cfg.Providers[name]

	p, err := m.reg.CreateOutput(name, cfg)
	if err != nil {
		return nil, err
	}
	if err := p.Setup(ctx, m.pctx, cfg); err != nil {
		m.reg.Fail(types.KindOutput, name, err)
		if cerr := p.Cleanup(); cerr != nil {
			m.log.Warn("output provider cleanup after failed setup", "provider", name, "error", cerr)
		}
		return nil, fmt.Errorf("setup: %w", err)
	}

	m.reg.SetState(types.KindOutput, name, types.StateRunning)
	m.emitLifecycle(bus.TopicOutputConnected, name, "")

	size := m.cfg.RenderQueueSize
	if size <= 0 {
		size = defaultRenderQueueSize
	}
	return &worker{name: name, p: p, queue: make(chan job, size)}, nil
}

// onIntent is the output.intent subscriber. Each worker gets its own clone of
// the bundle; the shared intent context exists so error_handling=stop can
// abort the intent's remaining renders.
func (m *Manager) onIntent(_ context.Context, ev bus.Event) error {
	params, ok := ev.Payload.(*types.ExpressionParameters)
	if !ok {
		return fmt.Errorf("output: unexpected payload %T on %s", ev.Payload, ev.Topic)
	}

	m.mu.Lock()
	workers := m.workers
	runCtx := m.runCtx
	m.mu.Unlock()
	if len(workers) == 0 || runCtx == nil || runCtx.Err() != nil {
		return nil
	}

	intentCtx, abort := context.WithCancel(runCtx)
	pending := &sync.WaitGroup{}
	pending.Add(len(workers))
	go func() {
		pending.Wait()
		abort()
	}()

	for _, w := range workers {
		m.enqueue(w, job{
			params:    params.Clone(),
			intentCtx: intentCtx,
			abort:     abort,
		}, pending)
	}
	return nil
}

// enqueue adds j to the worker's queue, dropping the oldest pending job when
// the buffer is full. Runs on the bus dispatch goroutine and never blocks.
func (m *Manager) enqueue(w *worker, j job, pending *sync.WaitGroup) {
	j.onDone = sync.OnceFunc(pending.Done)
	select {
	case w.queue <- j:
		return
	default:
	}

	select {
	case old := <-w.queue:
		old.done()
		m.log.Warn("render queue full, dropping oldest bundle", "provider", w.name, "capacity", cap(w.queue))
		m.met.RecordRenderDrop(context.Background(), w.name)
	default:
	}

	select {
	case w.queue <- j:
	default:
		// Lost the race with a concurrent emit; drop the new job instead.
		j.done()
		m.log.Warn("render queue full, dropping bundle", "provider", w.name, "capacity", cap(w.queue))
		m.met.RecordRenderDrop(context.Background(), w.name)
	}
}

// run drains one worker's queue until Stop cancels the run context. Renders
// for this provider never overlap, preserving per-provider emit order.
func (m *Manager) run(w *worker) {
	defer func() {
		// Settle whatever is still queued so no intent accounting dangles.
		for {
			select {
			case j := <-w.queue:
				j.done()
			default:
				return
			}
		}
	}()

	for {
		select {
		case <-m.runCtx.Done():
			return
		case j := <-w.queue:
			m.render(w, j)
			j.done()
		}
	}
}

// render executes one render with the configured timeout and panic recovery.
// Failures are isolated by default; with error_handling=stop they also cancel
// the sibling renders of the same intent.
func (m *Manager) render(w *worker, j job) {
	if j.intentCtx.Err() != nil {
		m.log.Debug("skipping cancelled render", "provider", w.name)
		return
	}

	rctx := j.intentCtx
	cancel := context.CancelFunc(func() {})
	if timeout := m.renderTimeout(); timeout > 0 {
		rctx, cancel = context.WithTimeout(j.intentCtx, timeout)
	}
	defer cancel()

	done := make(chan error, 1)
	start := time.Now()
	go func() {
		done <- safeRender(rctx, w.p, j.params)
	}()

	var err error
	select {
	case err = <-done:
	case <-rctx.Done():
		// The channel is buffered, so a render that ignores its context is
		// abandoned rather than blocking the worker forever.
		err = rctx.Err()
	}
	elapsed := time.Since(start)
	m.met.RecordRender(context.Background(), w.name, elapsed, err)

	switch {
	case err == nil:
		m.log.Debug("render complete", "provider", w.name, "duration", elapsed)
	case errors.Is(err, context.DeadlineExceeded):
		m.log.Warn("render timed out", "provider", w.name, "timeout", m.renderTimeout())
	case errors.Is(err, context.Canceled):
		m.log.Debug("render cancelled", "provider", w.name)
	default:
		m.log.Error("render failed", "provider", w.name, "duration", elapsed, "error", err)
		if m.cfg.ErrorHandling == config.ErrorStop {
			m.log.Warn("aborting remaining renders for this intent", "failed_provider", w.name)
			j.abort()
		}
	}
}

func (m *Manager) renderTimeout() time.Duration {
	if t := m.cfg.RenderTimeout(); t > 0 {
		return t
	}
	return defaultRenderTimeout
}

func (m *Manager) emitLifecycle(topic, name, detail string) {
	if m.pctx.Bus == nil {
		return
	}
	ev := bus.ProviderEvent{Provider: name, Kind: string(types.KindOutput), Detail: detail}
	if err := m.pctx.Bus.Emit(context.Background(), topic, ev, name); err != nil && !errors.Is(err, bus.ErrClosed) {
		m.log.Debug("lifecycle emit failed", "topic", topic, "error", err)
	}
}

// safeRender shields the worker from a panicking provider.
func safeRender(ctx context.Context, p provideroutput.Provider, params *types.ExpressionParameters) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("output: provider panicked: %v", r)
		}
	}()
	return p.Render(ctx, params)
}
