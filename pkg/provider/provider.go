// Package provider defines the shared contract between the runtime and its
// replaceable providers.
//
// Providers are constructed from nothing but a configuration map (see the
// registry in internal/config); every runtime capability they need afterwards
// arrives through a frozen [Context] passed to their Setup method. The three
// provider kinds live in the input, decision, and output subpackages, each
// with its own interface and a set of reference implementations.
package provider

import (
	"log/slog"
	"net/http"

	"github.com/vtforge/hibiki/pkg/audio"
	"github.com/vtforge/hibiki/pkg/bus"
	"github.com/vtforge/hibiki/pkg/llm"
	"github.com/vtforge/hibiki/pkg/memory"
	"github.com/vtforge/hibiki/pkg/prompt"
)

// CallbackRegistrar mounts provider-owned HTTP callback routes on the shared
// server. Implemented by internal/server.
type CallbackRegistrar interface {
	// RegisterCallback serves handler at POST /callbacks/<name>. Registering
	// the same name twice returns an error.
	RegisterCallback(name string, handler http.Handler) error
}

// Context is the frozen capability record handed to every provider's Setup.
// All fields are shared, long-lived runtime services; a field may be nil when
// the corresponding subsystem is disabled by configuration, and providers
// must tolerate that for capabilities they can live without.
//
// The record is passed by value and never mutated after the composition root
// builds it: two providers constructed with the same Context are
// interchangeable.
type Context struct {
	// Bus is the process-wide event bus.
	Bus *bus.Bus

	// LLM is the shared language-model service with its named backends.
	LLM *llm.Service

	// Audio is the broadcast stream connecting audio producers (TTS) to
	// consumers (lip-sync).
	Audio *audio.Stream

	// Prompts renders the on-disk prompt templates.
	Prompts *prompt.Manager

	// Memory is the conversation log.
	Memory memory.Store

	// Callbacks registers HTTP callback routes on the shared server. Nil when
	// the server is disabled.
	Callbacks CallbackRegistrar

	// Log is the base logger; providers derive their own with
	// Log.With("component", name).
	Log *slog.Logger
}

// Logger returns the context logger scoped to the named component, falling
// back to slog.Default when the context carries no logger.
func (c Context) Logger(component string) *slog.Logger {
	log := c.Log
	if log == nil {
		log = slog.Default()
	}
	return log.With("component", component)
}
