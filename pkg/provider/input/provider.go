// Package input defines the Provider interface for input sources.
//
// An input provider wraps one live source of raw observations — a chat feed,
// a console, a webhook endpoint — and pushes [types.RawData] values into the
// runtime for as long as it runs. The input domain manager owns the
// goroutine, restart policy, and lifecycle events; providers only read their
// source and call the sink.
package input

import (
	"context"

	"github.com/vtforge/hibiki/pkg/provider"
	"github.com/vtforge/hibiki/pkg/types"
)

// Sink receives one observation from a running provider. The manager's sink
// is safe for concurrent use, but a provider that calls it from a single
// goroutine gets its observations processed in call order.
type Sink func(types.RawData)

// Provider is one input source.
//
// Lifecycle: the registry constructs the provider from its config map, the
// manager calls Setup once with the shared capability context, then Run on a
// dedicated goroutine. Run blocks until the source ends or ctx is cancelled;
// a nil return means clean end-of-stream. Cleanup must be idempotent.
type Provider interface {
	// Name returns the provider's registered name.
	Name() string

	// Setup prepares the provider: validate config, allocate clients,
	// register callbacks. No observations may be delivered before Run.
	Setup(ctx context.Context, pctx provider.Context, cfg map[string]any) error

	// Run reads the source and delivers each observation through sink. It
	// blocks; cancellation of ctx is the normal stop signal.
	Run(ctx context.Context, sink Sink) error

	// Cleanup releases the provider's resources. Idempotent.
	Cleanup() error
}
