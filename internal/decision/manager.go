// Package decision owns the runtime's single active decision provider.
//
// The manager subscribes to data.message and answers every message with
// exactly one decision.intent: the provider's answer when it delivers one in
// time, a synthetic fallback when it times out, fails, panics, or is
// disconnected. Decides run concurrently, one goroutine each, bounded by the
// configured decide timeout, so one slow answer never blocks the next
// message.
//
// SwitchProvider replaces the active provider without losing messages:
// arrivals during the swap are parked in a bounded queue and replayed against
// the replacement once it is up. No message ever observes both providers,
// and the old provider's Cleanup runs exactly once.
package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/vtforge/hibiki/internal/config"
	"github.com/vtforge/hibiki/internal/observe"
	"github.com/vtforge/hibiki/pkg/bus"
	"github.com/vtforge/hibiki/pkg/provider"
	providerdecision "github.com/vtforge/hibiki/pkg/provider/decision"
	"github.com/vtforge/hibiki/pkg/types"
)

// FallbackResponseText is spoken when no decision could be produced for a
// message.
const FallbackResponseText = "(decision unavailable)"

const defaultSwapQueueSize = 16

// Manager drives decision providers.
type Manager struct {
	cfg  config.DecisionConfig
	reg  *config.Registry
	pctx provider.Context
	log  *slog.Logger
	met  *observe.Metrics

	mu        sync.Mutex
	started   bool
	runCtx    context.Context
	cancelRun context.CancelFunc
	subID     bus.SubscriptionID

	// slot guards the active provider reference and the swap state. Decide
	// goroutines capture the provider under this lock and release it before
	// calling Decide.
	slot       sync.Mutex
	active     providerdecision.Provider
	activeName string
	genCtx     context.Context
	genCancel  context.CancelFunc
	swapping   bool
	held       []*types.NormalizedMessage

	inflight sync.WaitGroup
}

// NewManager builds a Manager around the given registry and capabilities.
func NewManager(cfg config.DecisionConfig, reg *config.Registry, pctx provider.Context) *Manager {
	return &Manager{
		cfg:  cfg,
		reg:  reg,
		pctx: pctx,
		log:  pctx.Logger("decision"),
		met:  observe.DefaultMetrics(),
	}
}

// Start activates the configured provider and subscribes to data.message.
// A provider that cannot be built or set up fails Start; with no active
// provider configured the manager runs anyway and answers every message with
// the fallback intent.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("decision: manager already started")
	}
	m.started = true

	m.runCtx, m.cancelRun = context.WithCancel(ctx)

	if name := m.cfg.ActiveProvider; name != "" {
		if err := m.activate(ctx, name, m.cfg.Providers[name]); err != nil {
			return fmt.Errorf("decision: activate %q: %w", name, err)
		}
	} else {
		m.log.Warn("no active decision provider; every message gets the fallback intent")
	}

	id, err := m.pctx.Bus.Subscribe(bus.TopicDataMessage, m.onMessage)
	if err != nil {
		return fmt.Errorf("decision: subscribe: %w", err)
	}
	m.subID = id
	return nil
}

// Stop unsubscribes, waits for in-flight decides, and cleans up the active
// provider.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	subID := m.subID
	m.subID = ""
	cancel := m.cancelRun
	m.mu.Unlock()

	if subID != "" {
		m.pctx.Bus.Unsubscribe(subID)
	}
	if cancel != nil {
		cancel()
	}
	m.inflight.Wait()

	m.slot.Lock()
	p, name := m.active, m.activeName
	m.active, m.activeName = nil, ""
	m.slot.Unlock()

	if p != nil {
		m.reg.SetState(types.KindDecision, name, types.StateStopping)
		if err := p.Cleanup(); err != nil {
			m.log.Warn("decision provider cleanup failed", "provider", name, "error", err)
		}
		m.reg.SetState(types.KindDecision, name, types.StateRegistered)
	}
}

// ActiveProvider returns the name of the provider currently answering
// decides, or "" when none is active.
func (m *Manager) ActiveProvider() string {
	m.slot.Lock()
	defer m.slot.Unlock()
	return m.activeName
}

// SwitchProvider replaces the active provider with name, built from cfg (nil
// means the provider block from the manager's configuration). Messages that
// arrive during the swap are held in a bounded queue and replayed against
// the replacement. The old provider is cleaned up exactly once, after
// in-flight decides drain or the swap grace expires.
func (m *Manager) SwitchProvider(ctx context.Context, name string, cfg map[string]any) error {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return errors.New("decision: manager not started")
	}

	if len(m.cfg.AvailableProviders) > 0 && !slices.Contains(m.cfg.AvailableProviders, name) {
		return fmt.Errorf("decision: provider %q is not in available_providers", name)
	}
	if cfg == nil {
		cfg = m.cfg.Providers[name]
	}

	m.slot.Lock()
	if m.swapping {
		m.slot.Unlock()
		return errors.New("decision: provider swap already in progress")
	}
	m.swapping = true
	old, oldName, oldCancel := m.active, m.activeName, m.genCancel
	m.active, m.activeName = nil, ""
	m.slot.Unlock()

	m.log.Info("switching decision provider", "from", oldName, "to", name)

	// Drain in-flight decides up to the grace period, then cancel them.
	drained := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(m.swapGrace()):
		m.log.Warn("swap grace expired, cancelling in-flight decisions", "provider", oldName)
		if oldCancel != nil {
			oldCancel()
		}
		<-drained
	}

	if old != nil {
		if err := old.Cleanup(); err != nil {
			m.log.Warn("old decision provider cleanup failed", "provider", oldName, "error", err)
		}
		m.reg.SetState(types.KindDecision, oldName, types.StateRegistered)
	}

	actErr := m.activate(ctx, name, cfg)
	if actErr == nil {
		m.met.RecordSwap(ctx, oldName, name)
	}

	m.slot.Lock()
	held := m.held
	m.held = nil
	m.swapping = false
	p, pname, genCtx := m.active, m.activeName, m.genCtx
	m.inflight.Add(len(held))
	m.slot.Unlock()

	if len(held) > 0 {
		m.log.Info("replaying held messages", "count", len(held), "provider", pname)
	}
	for _, msg := range held {
		m.spawnDecide(genCtx, p, pname, msg)
	}

	if actErr != nil {
		return fmt.Errorf("decision: activate %q: %w", name, actErr)
	}
	return nil
}

// activate builds name from the registry, runs Setup, and installs it in the
// slot with a fresh decide generation context.
func (m *Manager) activate(ctx context.Context, name string, cfg map[string]any) error {
	p, err := m.reg.CreateDecision(name, cfg)
	if err != nil {
		return err
	}
	if err := p.Setup(ctx, m.pctx, cfg); err != nil {
		m.reg.Fail(types.KindDecision, name, err)
		if cerr := p.Cleanup(); cerr != nil {
			m.log.Warn("decision provider cleanup after failed setup", "provider", name, "error", cerr)
		}
		return fmt.Errorf("setup: %w", err)
	}

	genCtx, genCancel := context.WithCancel(m.runCtx)
	m.slot.Lock()
	m.active, m.activeName = p, name
	m.genCtx, m.genCancel = genCtx, genCancel
	m.slot.Unlock()

	m.reg.SetState(types.KindDecision, name, types.StateRunning)
	m.log.Info("decision provider active", "provider", name)
	return nil
}

// onMessage is the data.message subscriber. Held during swaps, otherwise one
// goroutine per decide.
func (m *Manager) onMessage(_ context.Context, ev bus.Event) error {
	msg, ok := ev.Payload.(*types.NormalizedMessage)
	if !ok {
		return fmt.Errorf("decision: unexpected payload %T on %s", ev.Payload, ev.Topic)
	}

	m.slot.Lock()
	if m.swapping {
		m.holdLocked(msg)
		m.slot.Unlock()
		return nil
	}
	p, name, genCtx := m.active, m.activeName, m.genCtx
	// Counted before the slot is released, so a swap draining inflight
	// cannot clean up p while this decide is still pending.
	m.inflight.Add(1)
	m.slot.Unlock()

	m.spawnDecide(genCtx, p, name, msg)
	return nil
}

// spawnDecide runs one decide in its own goroutine. The caller must have
// incremented inflight under the slot lock.
func (m *Manager) spawnDecide(ctx context.Context, p providerdecision.Provider, name string, msg *types.NormalizedMessage) {
	go func() {
		defer m.inflight.Done()
		intent := m.decideWith(ctx, p, name, msg)
		m.emit(intent, name)
	}()
}

// holdLocked parks msg for replay after the swap. Callers hold m.slot.
func (m *Manager) holdLocked(msg *types.NormalizedMessage) {
	max := m.cfg.SwapQueueSize
	if max <= 0 {
		max = defaultSwapQueueSize
	}
	if len(m.held) >= max {
		m.log.Warn("swap queue full, dropping oldest held message", "capacity", max)
		m.held = m.held[1:]
	}
	m.held = append(m.held, msg)
}

// decideWith runs one Decide against p with the configured timeout and maps
// every failure mode to a fallback intent. It never returns nil, and it
// returns by the deadline even when the provider ignores its context.
func (m *Manager) decideWith(ctx context.Context, p providerdecision.Provider, name string, msg *types.NormalizedMessage) *types.Intent {
	if p == nil {
		return FallbackIntent(msg, "error")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	dctx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout := m.cfg.DecideTimeout(); timeout > 0 {
		dctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type result struct {
		intent *types.Intent
		err    error
	}
	done := make(chan result, 1)

	start := time.Now()
	go func() {
		intent, err := safeDecide(dctx, p, msg)
		done <- result{intent, err}
	}()

	var intent *types.Intent
	var err error
	select {
	case res := <-done:
		intent, err = res.intent, res.err
	case <-dctx.Done():
		// The answer channel is buffered, so a late reply is discarded
		// rather than leaking the goroutine.
		intent, err = nil, dctx.Err()
	}
	elapsed := time.Since(start)

	var pe panicError
	var reason string
	switch {
	case err == nil && intent != nil:
		if intent.OriginalText == "" {
			intent.OriginalText = msg.Text
		}
		m.log.Debug("decision made", "provider", name, "duration", elapsed)
	case errors.As(err, &pe):
		m.log.Error("decision provider panicked", "provider", name, "panic", pe.value)
		reason = "panic"
	case errors.Is(err, providerdecision.ErrDisconnected):
		m.log.Warn("decision provider disconnected", "provider", name)
		reason = "disconnected"
	case errors.Is(err, context.DeadlineExceeded):
		m.log.Warn("decision timed out", "provider", name, "timeout", m.cfg.DecideTimeout())
		reason = "timeout"
	case err != nil:
		m.log.Warn("decision failed", "provider", name, "duration", elapsed, "error", err)
		reason = "error"
	default:
		m.log.Warn("decision provider returned no intent", "provider", name)
		reason = "error"
	}
	m.met.RecordDecide(context.Background(), name, elapsed, reason)
	if reason != "" {
		return FallbackIntent(msg, reason)
	}
	return intent
}

func (m *Manager) emit(intent *types.Intent, providerName string) {
	source := providerName
	if source == "" {
		source = "decision"
	}
	if err := m.pctx.Bus.Emit(m.runCtx, bus.TopicDecisionIntent, intent, source); err != nil && !errors.Is(err, bus.ErrClosed) {
		m.log.Warn("intent emit failed", "error", err)
	}
}

func (m *Manager) swapGrace() time.Duration {
	if g := m.cfg.SwapGrace(); g > 0 {
		return g
	}
	return 5 * time.Second
}

// FallbackIntent is the synthetic intent emitted when no decision could be
// produced for msg. reason is one of "timeout", "error", "panic", or
// "disconnected" and lands in Metadata["error"].
func FallbackIntent(msg *types.NormalizedMessage, reason string) *types.Intent {
	return &types.Intent{
		OriginalText: msg.Text,
		ResponseText: FallbackResponseText,
		Emotion:      types.EmotionNeutral,
		Metadata:     map[string]any{"error": reason},
	}
}

type panicError struct {
	value any
}

func (e panicError) Error() string {
	return fmt.Sprintf("decision: provider panicked: %v", e.value)
}

// safeDecide shields the manager from a panicking provider.
func safeDecide(ctx context.Context, p providerdecision.Provider, msg *types.NormalizedMessage) (intent *types.Intent, err error) {
	defer func() {
		if r := recover(); r != nil {
			intent, err = nil, panicError{value: r}
		}
	}()
	return p.Decide(ctx, msg)
}
