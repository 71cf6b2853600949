// Command hibiki is the main entry point for the Hibiki VTuber runtime.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vtforge/hibiki/internal/app"
	"github.com/vtforge/hibiki/internal/config"
	providerdecision "github.com/vtforge/hibiki/pkg/provider/decision"
	"github.com/vtforge/hibiki/pkg/provider/decision/localllm"
	"github.com/vtforge/hibiki/pkg/provider/decision/maicore"
	"github.com/vtforge/hibiki/pkg/provider/decision/rules"
	providerinput "github.com/vtforge/hibiki/pkg/provider/input"
	inputconsole "github.com/vtforge/hibiki/pkg/provider/input/console"
	"github.com/vtforge/hibiki/pkg/provider/input/danmaku"
	"github.com/vtforge/hibiki/pkg/provider/input/discord"
	"github.com/vtforge/hibiki/pkg/provider/input/webhook"
	provideroutput "github.com/vtforge/hibiki/pkg/provider/output"
	outputconsole "github.com/vtforge/hibiki/pkg/provider/output/console"
	"github.com/vtforge/hibiki/pkg/provider/output/subtitle"
	outputtts "github.com/vtforge/hibiki/pkg/provider/output/tts"
	"github.com/vtforge/hibiki/pkg/provider/output/vts"
)

func main() {
	os.Exit(run())
}

// stringList collects a repeatable string flag.
type stringList []string

func (f *stringList) String() string { return strings.Join(*f, ",") }

func (f *stringList) Set(v string) error {
	*f = append(*f, v)
	return nil
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	debug := flag.Bool("debug", false, "force debug log level")
	var filters stringList
	flag.Var(&filters, "filter", "restrict logs to the named component (repeatable)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "hibiki: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "hibiki: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.LogLevel.Level())
	if *debug {
		level.Set(slog.LevelDebug)
	}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	if len(filters) > 0 {
		handler = newComponentFilter(handler, filters)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("hibiki starting",
		"config", *configPath,
		"log_level", cfg.LogLevel,
	)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, reg,
		app.WithLogger(logger),
		app.WithLevelVar(level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		application.ApplyConfig(ctx, old, new)
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("runtime ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider domains to the implementations that ship
// with Hibiki. Used for startup logging.
var builtinProviders = map[string][]string{
	"input":    {inputconsole.Name, danmaku.Name, discord.Name, webhook.Name},
	"decision": {maicore.Name, localllm.Name, rules.Name},
	"output":   {subtitle.Name, outputtts.Name, vts.Name, outputconsole.Name},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Factories take only the provider's config block; runtime capabilities
// arrive later through the provider context in Setup.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Inputs ────────────────────────────────────────────────────────────────
	reg.RegisterInput(inputconsole.Name, func(map[string]any) (providerinput.Provider, error) {
		return inputconsole.New(), nil
	})
	reg.RegisterInput(danmaku.Name, func(map[string]any) (providerinput.Provider, error) {
		return danmaku.New(), nil
	})
	reg.RegisterInput(discord.Name, func(map[string]any) (providerinput.Provider, error) {
		return discord.New(), nil
	})
	reg.RegisterInput(webhook.Name, func(map[string]any) (providerinput.Provider, error) {
		return webhook.New(), nil
	})

	// ── Decisions ─────────────────────────────────────────────────────────────
	reg.RegisterDecision(maicore.Name, func(map[string]any) (providerdecision.Provider, error) {
		return maicore.New(), nil
	})
	reg.RegisterDecision(localllm.Name, func(map[string]any) (providerdecision.Provider, error) {
		return localllm.New(), nil
	})
	reg.RegisterDecision(rules.Name, func(map[string]any) (providerdecision.Provider, error) {
		return rules.New(), nil
	})

	// ── Outputs ───────────────────────────────────────────────────────────────
	reg.RegisterOutput(subtitle.Name, func(map[string]any) (provideroutput.Provider, error) {
		return subtitle.New(), nil
	})
	reg.RegisterOutput(outputtts.Name, func(map[string]any) (provideroutput.Provider, error) {
		return outputtts.New(), nil
	})
	reg.RegisterOutput(vts.Name, func(map[string]any) (provideroutput.Provider, error) {
		return vts.New(), nil
	})
	reg.RegisterOutput(outputconsole.Name, func(map[string]any) (provideroutput.Provider, error) {
		return outputconsole.New(), nil
	})

	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════════╗")
	fmt.Println("║          Hibiki — startup summary         ║")
	fmt.Println("╠═══════════════════════════════════════════╣")
	printSummaryLine("Inputs", strings.Join(cfg.Inputs.Enabled, ", "))
	printSummaryLine("Decision", cfg.Decision.ActiveProvider)
	printSummaryLine("Outputs", strings.Join(cfg.Outputs.Enabled, ", "))
	printSummaryLine("Memory", string(cfg.Memory.Backend))
	printSummaryLine("LLM backends", fmt.Sprintf("%d", len(cfg.LLM.Backends)))
	if cfg.Server.Addr != "" {
		printSummaryLine("HTTP server", cfg.Server.Addr)
	} else {
		printSummaryLine("HTTP server", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════════╝")
}

func printSummaryLine(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 23 {
		value = value[:20] + "…"
	}
	fmt.Printf("║  %-14s : %-23s ║\n", label, value)
}

// ── Log filtering ─────────────────────────────────────────────────────────────

// componentFilter suppresses records whose component attr is not in the
// allowed set. Records with no component attr always pass, so startup and
// shutdown lines stay visible.
type componentFilter struct {
	inner     slog.Handler
	allow     map[string]bool
	component string
}

func newComponentFilter(inner slog.Handler, components []string) *componentFilter {
	allow := make(map[string]bool, len(components))
	for _, c := range components {
		allow[c] = true
	}
	return &componentFilter{inner: inner, allow: allow}
}

func (f *componentFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return f.inner.Enabled(ctx, level)
}

func (f *componentFilter) Handle(ctx context.Context, r slog.Record) error {
	component := f.component
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = a.Value.String()
			return false
		}
		return true
	})
	if component != "" && !f.allow[component] {
		return nil
	}
	return f.inner.Handle(ctx, r)
}

func (f *componentFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	nf := *f
	nf.inner = f.inner.WithAttrs(attrs)
	for _, a := range attrs {
		if a.Key == "component" {
			nf.component = a.Value.String()
		}
	}
	return &nf
}

func (f *componentFilter) WithGroup(name string) slog.Handler {
	nf := *f
	nf.inner = f.inner.WithGroup(name)
	return &nf
}
