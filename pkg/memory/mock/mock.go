// Package mock provides an in-memory test double for the memory store.
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. It is safe for concurrent
// use via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := &mock.Store{}
//	store.RecentTurnsResult = []memory.Turn{{UserText: "hello"}}
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("RecentTurns"); got != 1 {
//	    t.Errorf("expected 1 RecentTurns call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/cadenza-voice/cadenza/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [memory.Store].
// All exported *Err fields default to nil (success); all exported *Result
// fields default to nil (empty slice returned).
type Store struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// WriteTurnErr is returned by [Store.WriteTurn] when non-nil.
	WriteTurnErr error

	// RecentTurnsResult is returned by [Store.RecentTurns].
	// When nil, RecentTurns returns an empty non-nil slice.
	RecentTurnsResult []memory.Turn

	// RecentTurnsErr is returned by [Store.RecentTurns] when non-nil.
	RecentTurnsErr error

	// SearchSimilarResult is returned by [Store.SearchSimilar].
	// When nil, SearchSimilar returns an empty non-nil slice.
	SearchSimilarResult []memory.TurnResult

	// SearchSimilarErr is returned by [Store.SearchSimilar] when non-nil.
	SearchSimilarErr error

	// SearchResult is returned by [Store.Search].
	// When nil, Search returns an empty non-nil slice.
	SearchResult []memory.Turn

	// SearchErr is returned by [Store.Search] when non-nil.
	SearchErr error

	// WriteSummaryErr is returned by [Store.WriteSummary] when non-nil.
	WriteSummaryErr error

	// RecentSummariesResult is returned by [Store.RecentSummaries].
	// When nil, RecentSummaries returns an empty non-nil slice.
	RecentSummariesResult []memory.SessionSummary

	// RecentSummariesErr is returned by [Store.RecentSummaries] when non-nil.
	RecentSummariesErr error
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// WriteTurn implements [memory.Store].
func (m *Store) WriteTurn(_ context.Context, turn memory.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "WriteTurn", Args: []any{turn}})
	return m.WriteTurnErr
}

// RecentTurns implements [memory.Store].
func (m *Store) RecentTurns(_ context.Context, sessionID string, limit int) ([]memory.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "RecentTurns", Args: []any{sessionID, limit}})
	if m.RecentTurnsErr != nil {
		return nil, m.RecentTurnsErr
	}
	out := make([]memory.Turn, len(m.RecentTurnsResult))
	copy(out, m.RecentTurnsResult)
	return out, nil
}

// SearchSimilar implements [memory.Store].
func (m *Store) SearchSimilar(_ context.Context, embedding []float32, topK int, opts ...memory.RecallOpt) ([]memory.TurnResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	params := memory.ApplyRecallOpts(opts)
	m.calls = append(m.calls, Call{Method: "SearchSimilar", Args: []any{embedding, topK, params}})
	if m.SearchSimilarErr != nil {
		return nil, m.SearchSimilarErr
	}
	out := make([]memory.TurnResult, len(m.SearchSimilarResult))
	copy(out, m.SearchSimilarResult)
	return out, nil
}

// Search implements [memory.Store].
func (m *Store) Search(_ context.Context, query string, opts memory.SearchOpts) ([]memory.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Search", Args: []any{query, opts}})
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	out := make([]memory.Turn, len(m.SearchResult))
	copy(out, m.SearchResult)
	return out, nil
}

// WriteSummary implements [memory.Store].
func (m *Store) WriteSummary(_ context.Context, summary memory.SessionSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "WriteSummary", Args: []any{summary}})
	return m.WriteSummaryErr
}

// RecentSummaries implements [memory.Store].
func (m *Store) RecentSummaries(_ context.Context, limit int) ([]memory.SessionSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "RecentSummaries", Args: []any{limit}})
	if m.RecentSummariesErr != nil {
		return nil, m.RecentSummariesErr
	}
	out := make([]memory.SessionSummary, len(m.RecentSummariesResult))
	copy(out, m.RecentSummariesResult)
	return out, nil
}

// Compile-time interface conformance check.
var _ memory.Store = (*Store)(nil)
