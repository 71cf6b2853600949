package config

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/vtforge/hibiki/pkg/provider/decision"
	"github.com/vtforge/hibiki/pkg/provider/input"
	"github.com/vtforge/hibiki/pkg/provider/output"
	"github.com/vtforge/hibiki/pkg/types"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// InputFactory builds an input provider from its configuration block.
type InputFactory func(cfg map[string]any) (input.Provider, error)

// DecisionFactory builds a decision provider from its configuration block.
type DecisionFactory func(cfg map[string]any) (decision.Provider, error)

// OutputFactory builds an output provider from its configuration block.
type OutputFactory func(cfg map[string]any) (output.Provider, error)

// Registry maps provider names to their constructor functions for each
// provider kind and tracks a [types.ProviderRecord] for every provider it
// has seen. It is safe for concurrent use.
//
// Constructors take only the provider's configuration block; runtime
// dependencies are injected later via provider.Context in Setup. A factory
// failure marks the provider failed and is reported to the caller, who
// decides whether the rest of the system proceeds.
type Registry struct {
	mu       sync.RWMutex
	inputs   map[string]InputFactory
	decision map[string]DecisionFactory
	outputs  map[string]OutputFactory
	records  map[string]*types.ProviderRecord
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		inputs:   make(map[string]InputFactory),
		decision: make(map[string]DecisionFactory),
		outputs:  make(map[string]OutputFactory),
		records:  make(map[string]*types.ProviderRecord),
	}
}

// RegisterInput registers an input provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterInput(name string, factory InputFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs[name] = factory
	r.setRecordLocked(types.KindInput, name, types.StateRegistered, "")
}

// RegisterDecision registers a decision provider factory under name.
func (r *Registry) RegisterDecision(name string, factory DecisionFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decision[name] = factory
	r.setRecordLocked(types.KindDecision, name, types.StateRegistered, "")
}

// RegisterOutput registers an output provider factory under name.
func (r *Registry) RegisterOutput(name string, factory OutputFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[name] = factory
	r.setRecordLocked(types.KindOutput, name, types.StateRegistered, "")
}

// CreateInput instantiates an input provider using the factory registered
// under name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateInput(name string, cfg map[string]any) (input.Provider, error) {
	r.mu.RLock()
	factory, ok := r.inputs[name]
	r.mu.RUnlock()
	if !ok {
		err := fmt.Errorf("%w: input/%q", ErrProviderNotRegistered, name)
		r.setRecord(types.KindInput, name, types.StateFailed, err.Error())
		return nil, err
	}
	r.setRecord(types.KindInput, name, types.StateBuilding, "")
	p, err := factory(cfg)
	if err != nil {
		err = fmt.Errorf("config: build input provider %q: %w", name, err)
		r.setRecord(types.KindInput, name, types.StateFailed, err.Error())
		return nil, err
	}
	r.setRecord(types.KindInput, name, types.StateReady, "")
	return p, nil
}

// CreateDecision instantiates a decision provider using the factory
// registered under name.
func (r *Registry) CreateDecision(name string, cfg map[string]any) (decision.Provider, error) {
	r.mu.RLock()
	factory, ok := r.decision[name]
	r.mu.RUnlock()
	if !ok {
		err := fmt.Errorf("%w: decision/%q", ErrProviderNotRegistered, name)
		r.setRecord(types.KindDecision, name, types.StateFailed, err.Error())
		return nil, err
	}
	r.setRecord(types.KindDecision, name, types.StateBuilding, "")
	p, err := factory(cfg)
	if err != nil {
		err = fmt.Errorf("config: build decision provider %q: %w", name, err)
		r.setRecord(types.KindDecision, name, types.StateFailed, err.Error())
		return nil, err
	}
	r.setRecord(types.KindDecision, name, types.StateReady, "")
	return p, nil
}

// CreateOutput instantiates an output provider using the factory registered
// under name.
func (r *Registry) CreateOutput(name string, cfg map[string]any) (output.Provider, error) {
	r.mu.RLock()
	factory, ok := r.outputs[name]
	r.mu.RUnlock()
	if !ok {
		err := fmt.Errorf("%w: output/%q", ErrProviderNotRegistered, name)
		r.setRecord(types.KindOutput, name, types.StateFailed, err.Error())
		return nil, err
	}
	r.setRecord(types.KindOutput, name, types.StateBuilding, "")
	p, err := factory(cfg)
	if err != nil {
		err = fmt.Errorf("config: build output provider %q: %w", name, err)
		r.setRecord(types.KindOutput, name, types.StateFailed, err.Error())
		return nil, err
	}
	r.setRecord(types.KindOutput, name, types.StateReady, "")
	return p, nil
}

// SetState updates the lifecycle state of the provider's record. Domain
// managers call it as providers move through start, swap, and shutdown.
func (r *Registry) SetState(kind types.ProviderKind, name string, state types.ProviderState) {
	r.setRecord(kind, name, state, "")
}

// Fail marks the provider failed and records err as the reason.
func (r *Registry) Fail(kind types.ProviderKind, name string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	r.setRecord(kind, name, types.StateFailed, msg)
}

// Record returns the provider's record snapshot, if one exists.
func (r *Registry) Record(kind types.ProviderKind, name string) (types.ProviderRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[recordKey(kind, name)]
	if !ok {
		return types.ProviderRecord{}, false
	}
	return *rec, true
}

// Records returns a snapshot of all provider records, sorted by kind then
// name. Served by the readiness endpoint so operators can see which
// providers are up.
func (r *Registry) Records() []types.ProviderRecord {
	r.mu.RLock()
	out := make([]types.ProviderRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b types.ProviderRecord) int {
		if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}

func (r *Registry) setRecord(kind types.ProviderKind, name string, state types.ProviderState, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setRecordLocked(kind, name, state, errMsg)
}

func (r *Registry) setRecordLocked(kind types.ProviderKind, name string, state types.ProviderState, errMsg string) {
	key := recordKey(kind, name)
	rec, ok := r.records[key]
	if !ok {
		rec = &types.ProviderRecord{Name: name, Kind: kind}
		r.records[key] = rec
	}
	rec.State = state
	rec.Err = errMsg
}

func recordKey(kind types.ProviderKind, name string) string {
	return string(kind) + "/" + name
}
