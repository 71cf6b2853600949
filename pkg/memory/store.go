// Package memory holds the recent conversation log shared by decision and
// output providers.
//
// The log is deliberately small: an append-only sequence of [Entry] records
// (who said what, with which emotion) retrievable as a recency window for
// prompt assembly. Implementations: an in-memory bounded [Ring] (default) and
// a PostgreSQL store in the postgres subpackage.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"time"
)

// Entry roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Entry is one logged utterance.
type Entry struct {
	// Role is [RoleUser] for viewer messages and [RoleAssistant] for the
	// character's responses.
	Role string

	// Source names the provider the utterance came through (input provider
	// name for user entries, decision provider name for assistant entries).
	Source string

	// UserID identifies the speaker when known. Empty for assistant entries.
	UserID string

	// Text is the utterance itself.
	Text string

	// Emotion carries the expressed emotion for assistant entries. Empty
	// when not applicable.
	Emotion string

	// CreatedAt is when the entry was logged. Stores stamp it on Append
	// when zero.
	CreatedAt time.Time
}

// Store is the conversation log contract.
type Store interface {
	// Append adds one entry to the log.
	Append(ctx context.Context, e Entry) error

	// Recent returns up to limit entries in chronological order (oldest
	// first), ending with the newest. limit <= 0 returns everything the
	// store retains.
	Recent(ctx context.Context, limit int) ([]Entry, error)

	// Close releases store resources.
	Close() error
}
