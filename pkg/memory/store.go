// Package memory defines the conversation memory used by the companion.
//
// Two kinds of records are kept:
//
//   - [Turn]: one completed exchange (user utterance + companion reply) with an
//     embedding for semantic recall.
//   - [SessionSummary]: a durable digest of a finished session, written by the
//     LLM when the session stops.
//
// Recall happens along two axes: a recency window ([Store.RecentTurns]) feeds
// the prompt's short-term history, and similarity search ([Store.SearchSimilar])
// surfaces older exchanges related to what the user just said. When no embedding
// is available, keyword search ([Store.Search]) serves as the fallback recall
// path.
//
// The interface is public so that external packages can supply alternative
// storage backends (Postgres/pgvector, in-memory, …) without depending on
// internals.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"time"
)

// SearchOpts configures a keyword / full-text search over stored turns.
// All non-zero fields are applied as AND conditions.
type SearchOpts struct {
	// SessionID restricts the search to a single session.
	// An empty string searches across all sessions.
	SessionID string

	// After filters turns recorded after this instant (exclusive).
	// A zero Time disables the lower bound.
	After time.Time

	// Before filters turns recorded before this instant (exclusive).
	// A zero Time disables the upper bound.
	Before time.Time

	// Limit caps the number of results returned.
	// A value of 0 means the implementation may apply its own default.
	Limit int
}

// recallOptions accumulates options for [Store.SearchSimilar].
// Unexported — callers configure it via [RecallOpt] functional options.
type recallOptions struct {
	sessionID string
	topic     string
	emotion   string
	after     time.Time
	before    time.Time
}

// RecallOpt is a functional option for [Store.SearchSimilar].
type RecallOpt func(*recallOptions)

// WithSession restricts recall to turns from a single session.
// By default all sessions are searched — cross-session recall is what lets the
// companion remember conversations from days ago.
func WithSession(sessionID string) RecallOpt {
	return func(o *recallOptions) { o.sessionID = sessionID }
}

// WithTopic restricts recall to turns carrying the given topic label.
func WithTopic(topic string) RecallOpt {
	return func(o *recallOptions) { o.topic = topic }
}

// WithEmotion restricts recall to turns tagged with the given emotion.
func WithEmotion(emotion string) RecallOpt {
	return func(o *recallOptions) { o.emotion = emotion }
}

// WithAfter filters out turns recorded at or before the given instant.
func WithAfter(t time.Time) RecallOpt {
	return func(o *recallOptions) { o.after = t }
}

// WithBefore filters out turns recorded at or after the given instant.
func WithBefore(t time.Time) RecallOpt {
	return func(o *recallOptions) { o.before = t }
}

// Store is the conversation memory abstraction.
//
// Implementations must be safe for concurrent use. Methods returning slices
// must return an empty (non-nil) slice when nothing matches.
type Store interface {
	// WriteTurn persists a completed turn. If a turn with the same ID already
	// exists it is completely replaced (upsert).
	// turn.SessionID must be non-empty.
	WriteTurn(ctx context.Context, turn Turn) error

	// RecentTurns returns the most recent limit turns for the given session,
	// ordered chronologically (oldest first) so they can be appended to a
	// prompt as conversation history. A limit of 0 means the implementation
	// may apply its own default.
	//
	// The Embedding field is not populated; recency reads carry text only.
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error)

	// SearchSimilar finds the topK stored turns whose embeddings are closest
	// (cosine distance) to the query embedding, narrowed by opts.
	// Results are ordered by ascending Distance (most similar first).
	// Turns stored without an embedding are never returned.
	SearchSimilar(ctx context.Context, embedding []float32, topK int, opts ...RecallOpt) ([]TurnResult, error)

	// Search performs keyword / full-text search over the user and reply text
	// of stored turns. Use it as the recall path when no embedding provider is
	// available. The query string requires no special operator syntax.
	Search(ctx context.Context, query string, opts SearchOpts) ([]Turn, error)

	// WriteSummary persists a session summary. If a summary for the same
	// SessionID already exists it is completely replaced (upsert).
	WriteSummary(ctx context.Context, summary SessionSummary) error

	// RecentSummaries returns up to limit session summaries ordered by EndedAt
	// descending (most recently finished session first). A limit of 0 means
	// the implementation may apply its own default.
	RecentSummaries(ctx context.Context, limit int) ([]SessionSummary, error)
}
