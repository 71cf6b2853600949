// Package decision defines the Provider interface for decision backends.
//
// A decision provider is the replaceable brain of the runtime: it turns one
// [types.NormalizedMessage] into one [types.Intent]. Exactly one decision
// provider is active at a time; the decision domain manager owns timeouts,
// fallback intents, and live provider swaps, so implementations only answer
// Decide calls.
package decision

import (
	"context"
	"errors"

	"github.com/vtforge/hibiki/pkg/provider"
	"github.com/vtforge/hibiki/pkg/types"
)

// ErrDisconnected is returned by Decide when the provider's backend
// connection is down and the request cannot even be attempted. The manager
// maps it to a fallback intent with metadata error "disconnected" instead of
// letting the call idle into a timeout.
var ErrDisconnected = errors.New("decision: provider disconnected")

// Provider is one decision backend.
//
// Lifecycle: constructed from its config map by the registry, Setup once with
// the shared capability context, then any number of concurrent Decide calls,
// then Cleanup. Cleanup must be idempotent; during a provider swap it may be
// called while Decide calls are still draining.
type Provider interface {
	// Name returns the provider's registered name.
	Name() string

	// Setup prepares the provider: validate config, open connections, load
	// rules. Decide must be callable once Setup returns.
	Setup(ctx context.Context, pctx provider.Context, cfg map[string]any) error

	// Decide produces the intent for one message. The manager bounds ctx with
	// the configured decide timeout; implementations must respect it.
	Decide(ctx context.Context, msg *types.NormalizedMessage) (*types.Intent, error)

	// Cleanup releases connections and background loops. Idempotent.
	Cleanup() error
}
