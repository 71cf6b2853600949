// Package console provides the terminal output provider: each rendered
// bundle is printed as a subtitle line with its emotion tag. Useful for
// development and as the minimal happy-path output.
package console

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/vtforge/hibiki/pkg/provider"
	"github.com/vtforge/hibiki/pkg/provider/output"
	"github.com/vtforge/hibiki/pkg/types"
)

// Name is the provider's registry name.
const Name = "console"

var _ output.Provider = (*Provider)(nil)

// Provider writes rendered lines to a writer (os.Stdout by default).
type Provider struct {
	out io.Writer
	log *slog.Logger
}

// Option configures a [Provider].
type Option func(*Provider)

// WithWriter replaces os.Stdout as the destination. Used by tests.
func WithWriter(w io.Writer) Option {
	return func(p *Provider) { p.out = w }
}

// New creates a console output provider.
func New(opts ...Option) *Provider {
	p := &Provider{out: os.Stdout}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements [output.Provider].
func (p *Provider) Name() string { return Name }

// Setup implements [output.Provider].
func (p *Provider) Setup(_ context.Context, pctx provider.Context, _ map[string]any) error {
	p.log = pctx.Logger("output." + Name)
	return nil
}

// Render implements [output.Provider]. It prints one line per bundle:
//
//	[happy] Hello chat! (hotkeys: wave)
func (p *Provider) Render(_ context.Context, params *types.ExpressionParameters) error {
	if !params.SubtitleEnabled || params.SubtitleText == "" {
		return nil
	}
	line := fmt.Sprintf("[%s] %s", params.Emotion, params.SubtitleText)
	if len(params.Hotkeys) > 0 {
		line += fmt.Sprintf(" (hotkeys: %s)", strings.Join(params.Hotkeys, ", "))
	}
	if _, err := fmt.Fprintln(p.out, line); err != nil {
		return fmt.Errorf("console: write: %w", err)
	}
	return nil
}

// Cleanup implements [output.Provider].
func (p *Provider) Cleanup() error { return nil }
