package session

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/cadenza-voice/cadenza/pkg/memory"
)

// MemoryGuard wraps a [memory.Store] and makes every operation non-fatal:
// failures are logged and swallowed, reads return empty results, and the
// guard flags itself degraded until the next operation succeeds.
//
// The conversation keeps flowing when the memory backend is down (database
// restart, network partition); the companion just recalls nothing until it
// comes back. Health surfaces read [MemoryGuard.IsDegraded].
//
// All methods are safe for concurrent use.
type MemoryGuard struct {
	store    memory.Store
	degraded atomic.Bool
}

// NewMemoryGuard wraps store in a guard.
func NewMemoryGuard(store memory.Store) *MemoryGuard {
	return &MemoryGuard{store: store}
}

// IsDegraded reports whether the most recent operation on the underlying
// store failed.
func (mg *MemoryGuard) IsDegraded() bool {
	return mg.degraded.Load()
}

// WriteTurn writes through to the store. A failure is logged and swallowed;
// the turn is lost but the session continues.
func (mg *MemoryGuard) WriteTurn(ctx context.Context, turn memory.Turn) error {
	if err := mg.store.WriteTurn(ctx, turn); err != nil {
		mg.degraded.Store(true)
		slog.Warn("memory guard: turn write failed, swallowing",
			"session_id", turn.SessionID, "error", err)
		return nil
	}
	mg.degraded.Store(false)
	return nil
}

// RecentTurns reads through to the store, returning an empty history on
// failure.
func (mg *MemoryGuard) RecentTurns(ctx context.Context, sessionID string, limit int) ([]memory.Turn, error) {
	turns, err := mg.store.RecentTurns(ctx, sessionID, limit)
	if err != nil {
		mg.degraded.Store(true)
		slog.Warn("memory guard: recent turns unavailable, returning empty",
			"session_id", sessionID, "error", err)
		return []memory.Turn{}, nil
	}
	mg.degraded.Store(false)
	return turns, nil
}

// SearchSimilar reads through to the store, returning no recalls on failure.
func (mg *MemoryGuard) SearchSimilar(ctx context.Context, embedding []float32, topK int, opts ...memory.RecallOpt) ([]memory.TurnResult, error) {
	results, err := mg.store.SearchSimilar(ctx, embedding, topK, opts...)
	if err != nil {
		mg.degraded.Store(true)
		slog.Warn("memory guard: similarity search failed, returning empty",
			"error", err)
		return []memory.TurnResult{}, nil
	}
	mg.degraded.Store(false)
	return results, nil
}

// Search reads through to the store, returning no matches on failure.
func (mg *MemoryGuard) Search(ctx context.Context, query string, opts memory.SearchOpts) ([]memory.Turn, error) {
	turns, err := mg.store.Search(ctx, query, opts)
	if err != nil {
		mg.degraded.Store(true)
		slog.Warn("memory guard: keyword search failed, returning empty",
			"query", query, "error", err)
		return []memory.Turn{}, nil
	}
	mg.degraded.Store(false)
	return turns, nil
}

// WriteSummary writes through to the store. A failure is logged and
// swallowed; the session's per-turn rows remain intact.
func (mg *MemoryGuard) WriteSummary(ctx context.Context, summary memory.SessionSummary) error {
	if err := mg.store.WriteSummary(ctx, summary); err != nil {
		mg.degraded.Store(true)
		slog.Warn("memory guard: summary write failed, swallowing",
			"session_id", summary.SessionID, "error", err)
		return nil
	}
	mg.degraded.Store(false)
	return nil
}

// RecentSummaries reads through to the store, returning no summaries on
// failure.
func (mg *MemoryGuard) RecentSummaries(ctx context.Context, limit int) ([]memory.SessionSummary, error) {
	summaries, err := mg.store.RecentSummaries(ctx, limit)
	if err != nil {
		mg.degraded.Store(true)
		slog.Warn("memory guard: recent summaries unavailable, returning empty",
			"error", err)
		return []memory.SessionSummary{}, nil
	}
	mg.degraded.Store(false)
	return summaries, nil
}

var _ memory.Store = (*MemoryGuard)(nil)
