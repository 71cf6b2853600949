// Package pipeline implements the ordered filter chains that screen
// normalized messages before a decision and expression parameters before
// rendering.
//
// A chain holds stages sorted by ascending priority. Each stage's Process may
// return the value unchanged, a modified value, or the zero value to drop it;
// a dropped value never reaches the rest of the chain. Failures and timeouts
// are governed per stage by [config.ErrorHandling]:
//
//   - continue: the stage is skipped and its input moves to the next stage.
//   - stop: the chain aborts and the value is discarded, with a warning.
//   - drop: the value is discarded silently.
package pipeline

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/vtforge/hibiki/internal/config"
	"github.com/vtforge/hibiki/pkg/types"
)

// Pipeline is a single filter stage. T is a pointer type; returning the zero
// value (nil) with a nil error drops the value.
//
// Implementations must be safe for concurrent use.
type Pipeline[T comparable] interface {
	// Name identifies the stage in logs and configuration.
	Name() string

	// Process transforms v. It may return v unchanged, a modified value, or
	// zero to drop. Implementations must respect ctx when doing slow work.
	Process(ctx context.Context, v T) (T, error)
}

// MessagePipeline filters normalized messages on their way to a decision.
type MessagePipeline = Pipeline[*types.NormalizedMessage]

// ParamsPipeline filters expression parameters on their way to rendering.
type ParamsPipeline = Pipeline[*types.ExpressionParameters]

// StageConfig tunes one stage's position and failure behaviour in a chain.
type StageConfig struct {
	// Priority orders the chain; lower runs first. Stages with equal priority
	// keep their insertion order.
	Priority int

	// ErrorHandling governs failures and timeouts. Empty means continue.
	ErrorHandling config.ErrorHandling

	// Timeout bounds one Process call. Zero means no deadline.
	Timeout time.Duration
}

type stage[T comparable] struct {
	p        Pipeline[T]
	priority int
	onError  config.ErrorHandling
	timeout  time.Duration
}

// Chain runs an ordered set of [Pipeline] stages. Add stages during startup,
// then call Run from a single place per value; the chain itself holds no
// per-value state and is safe for concurrent Run calls.
type Chain[T comparable] struct {
	log    *slog.Logger
	stages []stage[T]
}

// MessageChain is the input-side chain.
type MessageChain = Chain[*types.NormalizedMessage]

// ParamsChain is the output-side chain.
type ParamsChain = Chain[*types.ExpressionParameters]

// NewChain returns an empty chain logging through log. A nil log falls back
// to [slog.Default].
func NewChain[T comparable](log *slog.Logger) *Chain[T] {
	if log == nil {
		log = slog.Default()
	}
	return &Chain[T]{log: log}
}

// Add inserts p into the chain at the position given by cfg.Priority.
// An empty cfg.ErrorHandling means continue.
func (c *Chain[T]) Add(p Pipeline[T], cfg StageConfig) {
	onError := cfg.ErrorHandling
	if onError == "" {
		onError = config.ErrorContinue
	}
	c.stages = append(c.stages, stage[T]{
		p:        p,
		priority: cfg.Priority,
		onError:  onError,
		timeout:  cfg.Timeout,
	})
	slices.SortStableFunc(c.stages, func(a, b stage[T]) int {
		return cmp.Compare(a.priority, b.priority)
	})
}

// Len returns the number of stages in the chain.
func (c *Chain[T]) Len() int { return len(c.stages) }

// Names returns the stage names in execution order.
func (c *Chain[T]) Names() []string {
	names := make([]string, len(c.stages))
	for i, s := range c.stages {
		names[i] = s.p.Name()
	}
	return names
}

// Run passes v through every stage in priority order. It returns the
// resulting value and true, or the zero value and false when a stage dropped
// the value (or a failing stage's error handling discarded it).
func (c *Chain[T]) Run(ctx context.Context, v T) (T, bool) {
	var zero T
	for _, s := range c.stages {
		out, err := c.processStage(ctx, s, v)
		if err != nil {
			switch s.onError {
			case config.ErrorStop:
				c.log.Warn("pipeline failed; aborting chain and discarding value",
					"pipeline", s.p.Name(),
					"err", err,
				)
				return zero, false
			case config.ErrorDrop:
				c.log.Debug("pipeline failed; dropping value",
					"pipeline", s.p.Name(),
					"err", err,
				)
				return zero, false
			default:
				c.log.Warn("pipeline failed; passing value through",
					"pipeline", s.p.Name(),
					"err", err,
				)
				continue
			}
		}
		if out == zero {
			c.log.Debug("pipeline dropped value", "pipeline", s.p.Name())
			return zero, false
		}
		v = out
	}
	return v, true
}

// processStage runs one stage, enforcing its timeout. When the deadline
// expires the stage's goroutine is left to finish on its own; its late result
// is discarded.
func (c *Chain[T]) processStage(ctx context.Context, s stage[T], v T) (T, error) {
	if s.timeout <= 0 {
		return s.p.Process(ctx, v)
	}

	tctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type result struct {
		out T
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := s.p.Process(tctx, v)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-tctx.Done():
		var zero T
		return zero, tctx.Err()
	}
}
