// Package postgres provides a PostgreSQL-backed conversation log implementing
// [memory.Store]. It ensures its own schema on startup, so no external
// migration tooling is required.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vtforge/hibiki/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

// schema is applied on every startup. All statements are idempotent.
const schema = `
	CREATE TABLE IF NOT EXISTS conversation_entries (
	    id         BIGSERIAL PRIMARY KEY,
	    role       TEXT NOT NULL,
	    source     TEXT NOT NULL DEFAULT '',
	    user_id    TEXT NOT NULL DEFAULT '',
	    text       TEXT NOT NULL,
	    emotion    TEXT NOT NULL DEFAULT '',
	    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS conversation_entries_created_at_idx
	    ON conversation_entries (created_at DESC, id DESC);`

// Store is a conversation log backed by a PostgreSQL conversation_entries
// table. It holds a single [pgxpool.Pool] and is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store, establishes a connection pool to the
// PostgreSQL database at dsn, and runs [Migrate] to ensure the
// conversation_entries table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Migrate applies the conversation log schema. It is idempotent and safe to
// run on every startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply conversation schema: %w", err)
	}
	return nil
}

// Append implements [memory.Store]. A zero CreatedAt is stamped with the
// current time before insert.
func (s *Store) Append(ctx context.Context, entry memory.Entry) error {
	const q = `
		INSERT INTO conversation_entries (role, source, user_id, text, emotion, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.pool.Exec(ctx, q,
		entry.Role,
		entry.Source,
		entry.UserID,
		entry.Text,
		entry.Emotion,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: append entry: %w", err)
	}
	return nil
}

// Recent implements [memory.Store]. It returns the newest entries (up to
// limit, or all when limit <= 0) in chronological order, oldest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]memory.Entry, error) {
	q := `
		SELECT role, source, user_id, text, emotion, created_at
		FROM   conversation_entries
		ORDER  BY created_at DESC, id DESC`

	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.pool.Query(ctx, q+"\nLIMIT $1", limit)
	} else {
		rows, err = s.pool.Query(ctx, q)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: query recent: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Entry, error) {
		var e memory.Entry
		if err := row.Scan(&e.Role, &e.Source, &e.UserID, &e.Text, &e.Emotion, &e.CreatedAt); err != nil {
			return memory.Entry{}, err
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []memory.Entry{}
	}

	// The query sorts newest first so LIMIT picks the most recent entries.
	// Callers expect chronological order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Close implements [memory.Store]. It releases all connections held by the
// underlying pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
