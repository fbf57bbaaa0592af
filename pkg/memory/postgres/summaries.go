package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/cadenza-voice/cadenza/pkg/memory"
)

// WriteSummary implements [memory.Store]. It upserts the session summary; a
// summary with the same SessionID is completely replaced.
func (s *Store) WriteSummary(ctx context.Context, summary memory.SessionSummary) error {
	if summary.SessionID == "" {
		return fmt.Errorf("memory store: write summary: session id must not be empty")
	}

	const q = `
		INSERT INTO session_summaries
		    (session_id, summary, turn_count, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE SET
		    summary     = EXCLUDED.summary,
		    turn_count  = EXCLUDED.turn_count,
		    started_at  = EXCLUDED.started_at,
		    ended_at    = EXCLUDED.ended_at`

	_, err := s.pool.Exec(ctx, q,
		summary.SessionID,
		summary.Summary,
		summary.TurnCount,
		summary.StartedAt,
		summary.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("memory store: write summary: %w", err)
	}
	return nil
}

// RecentSummaries implements [memory.Store]. It returns up to limit summaries
// ordered by EndedAt descending (most recently finished session first).
// A limit of 0 applies the default of 5.
func (s *Store) RecentSummaries(ctx context.Context, limit int) ([]memory.SessionSummary, error) {
	if limit <= 0 {
		limit = 5
	}

	const q = `
		SELECT session_id, summary, turn_count, started_at, ended_at
		FROM   session_summaries
		ORDER  BY ended_at DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("memory store: recent summaries: %w", err)
	}

	summaries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.SessionSummary, error) {
		var sm memory.SessionSummary
		if err := row.Scan(
			&sm.SessionID,
			&sm.Summary,
			&sm.TurnCount,
			&sm.StartedAt,
			&sm.EndedAt,
		); err != nil {
			return memory.SessionSummary{}, err
		}
		return sm, nil
	})
	if err != nil {
		return nil, fmt.Errorf("memory store: scan rows: %w", err)
	}
	if summaries == nil {
		summaries = []memory.SessionSummary{}
	}
	return summaries, nil
}
