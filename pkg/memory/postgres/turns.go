package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/cadenza-voice/cadenza/pkg/memory"
)

// WriteTurn implements [memory.Store]. It upserts a completed turn into the
// turns table; a turn with the same ID is completely replaced.
//
// A nil or empty embedding is stored as SQL NULL, keeping the turn available
// for keyword search and the recency window while excluding it from similarity
// search.
func (s *Store) WriteTurn(ctx context.Context, turn memory.Turn) error {
	if turn.SessionID == "" {
		return fmt.Errorf("memory store: write turn: session id must not be empty")
	}

	const q = `
		INSERT INTO turns
		    (id, session_id, user_text, reply_text, emotion, topic, embedding, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
		    session_id  = EXCLUDED.session_id,
		    user_text   = EXCLUDED.user_text,
		    reply_text  = EXCLUDED.reply_text,
		    emotion     = EXCLUDED.emotion,
		    topic       = EXCLUDED.topic,
		    embedding   = EXCLUDED.embedding,
		    timestamp   = EXCLUDED.timestamp`

	var vec any
	if len(turn.Embedding) > 0 {
		vec = pgvector.NewVector(turn.Embedding)
	}

	_, err := s.pool.Exec(ctx, q,
		turn.ID,
		turn.SessionID,
		turn.UserText,
		turn.ReplyText,
		turn.Emotion,
		turn.Topic,
		vec,
		turn.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("memory store: write turn: %w", err)
	}
	return nil
}

// RecentTurns implements [memory.Store]. It returns the latest limit turns for
// sessionID ordered chronologically (oldest first), ready for use as prompt
// history. A limit of 0 applies the default of 20.
func (s *Store) RecentTurns(ctx context.Context, sessionID string, limit int) ([]memory.Turn, error) {
	if limit <= 0 {
		limit = 20
	}

	const q = `
		SELECT id, session_id, user_text, reply_text, emotion, topic, timestamp
		FROM (
		    SELECT id, session_id, user_text, reply_text, emotion, topic, timestamp
		    FROM   turns
		    WHERE  session_id = $1
		    ORDER  BY timestamp DESC
		    LIMIT  $2
		) latest
		ORDER BY timestamp`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("memory store: recent turns: %w", err)
	}
	return collectTurns(rows)
}

// Search implements [memory.Store]. It performs a PostgreSQL full-text search
// over the combined user and reply text and applies optional filters from opts.
//
// The query is passed to plainto_tsquery so no special operator syntax is required.
func (s *Store) Search(ctx context.Context, query string, opts memory.SearchOpts) ([]memory.Turn, error) {
	args := []any{query} // $1 = FTS query string
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('english', user_text || ' ' || reply_text) @@ plainto_tsquery('english', $1)",
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(opts.SessionID))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "timestamp > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "timestamp < "+next(opts.Before))
	}

	q := "SELECT id, session_id, user_text, reply_text, emotion, topic, timestamp\n" +
		"FROM   turns\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY timestamp"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("memory store: search: %w", err)
	}
	return collectTurns(rows)
}

// SearchSimilar implements [memory.Store]. It finds the topK turns whose
// embeddings are closest (cosine distance) to the supplied query embedding,
// narrowed by opts. Turns stored without an embedding are never returned.
//
// Results are ordered by ascending cosine distance (most similar first).
func (s *Store) SearchSimilar(ctx context.Context, embedding []float32, topK int, opts ...memory.RecallOpt) ([]memory.TurnResult, error) {
	params := memory.ApplyRecallOpts(opts)
	queryVec := pgvector.NewVector(embedding)

	args := []any{queryVec} // $1 = query vector
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"embedding IS NOT NULL"}
	if params.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(params.SessionID))
	}
	if params.Topic != "" {
		conditions = append(conditions, "topic = "+next(params.Topic))
	}
	if params.Emotion != "" {
		conditions = append(conditions, "emotion = "+next(params.Emotion))
	}
	if !params.After.IsZero() {
		conditions = append(conditions, "timestamp > "+next(params.After))
	}
	if !params.Before.IsZero() {
		conditions = append(conditions, "timestamp < "+next(params.Before))
	}

	args = append(args, topK)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT id, session_id, user_text, reply_text, emotion, topic, embedding, timestamp,
		       embedding <=> $1 AS distance
		FROM   turns
		WHERE  %s
		ORDER  BY distance
		LIMIT  %s`, strings.Join(conditions, "\n  AND  "), limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("memory store: search similar: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.TurnResult, error) {
		var (
			tr  memory.TurnResult
			vec pgvector.Vector
		)
		if err := row.Scan(
			&tr.Turn.ID,
			&tr.Turn.SessionID,
			&tr.Turn.UserText,
			&tr.Turn.ReplyText,
			&tr.Turn.Emotion,
			&tr.Turn.Topic,
			&vec,
			&tr.Turn.Timestamp,
			&tr.Distance,
		); err != nil {
			return memory.TurnResult{}, err
		}
		tr.Turn.Embedding = vec.Slice()
		return tr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("memory store: scan rows: %w", err)
	}
	if results == nil {
		results = []memory.TurnResult{}
	}
	return results, nil
}

// collectTurns scans pgx rows into a slice of Turn values. The embedding column
// is not selected by recency and keyword queries, so Embedding stays nil.
func collectTurns(rows pgx.Rows) ([]memory.Turn, error) {
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Turn, error) {
		var t memory.Turn
		if err := row.Scan(
			&t.ID,
			&t.SessionID,
			&t.UserText,
			&t.ReplyText,
			&t.Emotion,
			&t.Topic,
			&t.Timestamp,
		); err != nil {
			return memory.Turn{}, err
		}
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("memory store: scan rows: %w", err)
	}
	if turns == nil {
		turns = []memory.Turn{}
	}
	return turns, nil
}
