// Package console provides the stdin input provider: every non-empty line
// typed on the console becomes one text observation. It is the simplest
// possible source and the default for local development.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/vtforge/hibiki/pkg/provider"
	"github.com/vtforge/hibiki/pkg/provider/input"
	"github.com/vtforge/hibiki/pkg/types"
)

// Name is the provider's registry name.
const Name = "console"

var _ input.Provider = (*Provider)(nil)

// Provider reads lines from a reader (os.Stdin by default) and delivers each
// non-empty line as a text [types.RawData].
type Provider struct {
	in  io.Reader
	log *slog.Logger
}

// Option configures a [Provider].
type Option func(*Provider)

// WithReader replaces os.Stdin as the line source. Used by tests.
func WithReader(r io.Reader) Option {
	return func(p *Provider) { p.in = r }
}

// New creates a console provider.
func New(opts ...Option) *Provider {
	p := &Provider{in: os.Stdin}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements [input.Provider].
func (p *Provider) Name() string { return Name }

// Setup implements [input.Provider].
func (p *Provider) Setup(_ context.Context, pctx provider.Context, _ map[string]any) error {
	p.log = pctx.Logger("input." + Name)
	return nil
}

// Run implements [input.Provider]. It blocks reading lines until the reader
// ends or ctx is cancelled. A read blocked on stdin cannot be interrupted, so
// the scanner runs on its own goroutine and Run abandons it on cancellation.
func (p *Provider) Run(ctx context.Context, sink input.Sink) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		sc := bufio.NewScanner(p.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				if err := <-scanErr; err != nil {
					return fmt.Errorf("console: read input: %w", err)
				}
				p.log.Info("input stream ended")
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			sink(types.RawData{
				Content:   line,
				Source:    Name,
				Type:      types.DataText,
				Timestamp: time.Now(),
			})
		}
	}
}

// Cleanup implements [input.Provider].
func (p *Provider) Cleanup() error { return nil }
