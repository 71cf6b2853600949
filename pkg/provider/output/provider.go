// Package output defines the Provider interface for rendering surfaces.
//
// An output provider turns one [types.ExpressionParameters] bundle into a
// visible or audible effect: synthesized speech, a subtitle push, avatar
// parameter injection. The output domain manager fans each bundle out to
// every enabled provider concurrently and isolates their failures; providers
// only implement Render.
package output

import (
	"context"

	"github.com/vtforge/hibiki/pkg/provider"
	"github.com/vtforge/hibiki/pkg/types"
)

// Provider is one rendering surface.
//
// Lifecycle: constructed from its config map by the registry, Setup once with
// the shared capability context, then Render per bundle on the provider's own
// worker goroutine, then Cleanup. Render calls for one provider never
// overlap; each receives its own clone of the parameters, so mutation is
// safe. Cleanup must be idempotent.
type Provider interface {
	// Name returns the provider's registered name.
	Name() string

	// Setup prepares the provider: validate config, connect to the rendering
	// target, subscribe to the audio stream.
	Setup(ctx context.Context, pctx provider.Context, cfg map[string]any) error

	// Render realizes one parameter bundle. The manager bounds ctx with the
	// configured render timeout; long-running work (TTS synthesis, avatar
	// animation) must respect it.
	Render(ctx context.Context, params *types.ExpressionParameters) error

	// Cleanup releases the provider's resources. Idempotent.
	Cleanup() error
}
