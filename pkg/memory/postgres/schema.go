// Package postgres provides the PostgreSQL-backed implementation of the
// conversation memory [memory.Store].
//
// Turns live in a single table that serves both recall paths: a pgvector HNSW
// index answers similarity search and a GIN full-text index answers keyword
// search. Session summaries live in their own table keyed by session. The
// pgvector extension must be available in the target database; [Migrate]
// installs it automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//
//	_ = store.WriteTurn(ctx, turn)
//
//	similar, _ := store.SearchSimilar(ctx, queryVec, 5)
//
//	recent, _ := store.RecentTurns(ctx, sessionID, 10)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlTurns returns the turns DDL with the embedding dimension substituted.
// The vector dimension is baked into the column type at schema creation time.
func ddlTurns(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS turns (
    id          TEXT         PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    user_text   TEXT         NOT NULL,
    reply_text  TEXT         NOT NULL DEFAULT '',
    emotion     TEXT         NOT NULL DEFAULT '',
    topic       TEXT         NOT NULL DEFAULT '',
    embedding   vector(%d),
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_turns_session_id
    ON turns (session_id);

CREATE INDEX IF NOT EXISTS idx_turns_session_timestamp
    ON turns (session_id, timestamp);

CREATE INDEX IF NOT EXISTS idx_turns_embedding
    ON turns USING hnsw (embedding vector_cosine_ops);

CREATE INDEX IF NOT EXISTS idx_turns_fts
    ON turns USING GIN (to_tsvector('english', user_text || ' ' || reply_text));
`, embeddingDimensions)
}

const ddlSessionSummaries = `
CREATE TABLE IF NOT EXISTS session_summaries (
    session_id  TEXT         PRIMARY KEY,
    summary     TEXT         NOT NULL,
    turn_count  INTEGER      NOT NULL DEFAULT 0,
    started_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_session_summaries_ended_at
    ON session_summaries (ended_at);
`

// Migrate creates or ensures all required database tables and extensions exist.
// It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and
// safe to call on every application start.
//
// embeddingDimensions must match the vector model configured for your deployment
// (e.g., 1536 for OpenAI text-embedding-3-small, 768 for nomic-embed-text).
// Changing this value after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlTurns(embeddingDimensions),
		ddlSessionSummaries,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
