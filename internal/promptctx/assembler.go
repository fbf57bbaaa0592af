// Package promptctx assembles the conversational context injected into the
// LLM prompt: the recent turn window, semantically recalled memories, session
// summaries and the user's emotional register.
//
// Assembly sits on the voice path between end-of-utterance and reply
// generation, so the three memory reads run concurrently and everything but
// the recency window degrades instead of failing: a missing memory is a worse
// reply, a blocked prompt is a broken conversation.
package promptctx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cadenza-voice/cadenza/pkg/memory"
	"github.com/cadenza-voice/cadenza/pkg/provider/embeddings"
)

const (
	defaultRecentLimit  = 10
	defaultRecallTopK   = 3
	defaultSummaryLimit = 2
)

// PromptContext is everything Assemble gathered for one reply.
type PromptContext struct {
	// RecentTurns is the short-term history for this session, oldest first.
	RecentTurns []memory.Turn

	// Recalled holds semantically related turns from any session, most
	// similar first. Never overlaps RecentTurns.
	Recalled []memory.TurnResult

	// Summaries digests recently finished sessions, newest first.
	Summaries []memory.SessionSummary

	// Emotion is the register detected in the user's utterance and
	// ResponseEmotion the register the companion should answer with.
	Emotion         string
	ResponseEmotion string

	// AssemblyDuration is how long the memory reads took.
	AssemblyDuration time.Duration
}

// Option configures an [Assembler].
type Option func(*Assembler)

// WithRecentLimit sets how many turns of session history are loaded.
func WithRecentLimit(n int) Option {
	return func(a *Assembler) { a.recentLimit = n }
}

// WithRecallTopK sets how many similar turns semantic recall returns.
func WithRecallTopK(n int) Option {
	return func(a *Assembler) { a.recallTopK = n }
}

// WithSummaryLimit sets how many session summaries are loaded.
func WithSummaryLimit(n int) Option {
	return func(a *Assembler) { a.summaryLimit = n }
}

// WithPreFetcher attaches a speculative pre-fetcher whose cached results are
// merged into recall at assembly time.
func WithPreFetcher(pf *PreFetcher) Option {
	return func(a *Assembler) { a.prefetcher = pf }
}

// Assembler gathers prompt context from the memory store.
type Assembler struct {
	store      memory.Store
	embedder   embeddings.Provider
	prefetcher *PreFetcher

	recentLimit  int
	recallTopK   int
	summaryLimit int
}

// NewAssembler creates an Assembler over the given store. embedder may be nil,
// in which case recall uses keyword search only.
func NewAssembler(store memory.Store, embedder embeddings.Provider, opts ...Option) *Assembler {
	a := &Assembler{
		store:        store,
		embedder:     embedder,
		recentLimit:  defaultRecentLimit,
		recallTopK:   defaultRecallTopK,
		summaryLimit: defaultSummaryLimit,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble gathers the prompt context for one user utterance. The recency
// window is required and its failure aborts assembly; semantic recall and
// summaries degrade to empty with a warning.
func (a *Assembler) Assemble(ctx context.Context, sessionID, userText string) (*PromptContext, error) {
	start := time.Now()

	pctx := &PromptContext{Emotion: ClassifyEmotion(userText)}
	pctx.ResponseEmotion = ResponseEmotion(pctx.Emotion)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		turns, err := a.store.RecentTurns(gctx, sessionID, a.recentLimit)
		if err != nil {
			return fmt.Errorf("prompt context: recent turns for session %q: %w", sessionID, err)
		}
		pctx.RecentTurns = turns
		return nil
	})

	g.Go(func() error {
		pctx.Recalled = a.recall(gctx, userText)
		return nil
	})

	g.Go(func() error {
		summaries, err := a.store.RecentSummaries(gctx, a.summaryLimit)
		if err != nil {
			slog.Warn("prompt context: summaries unavailable", "error", err)
			return nil
		}
		pctx.Summaries = summaries
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	// A turn already in the recency window adds nothing when recalled too.
	recent := make(map[string]struct{}, len(pctx.RecentTurns))
	for _, t := range pctx.RecentTurns {
		recent[t.ID] = struct{}{}
	}
	kept := pctx.Recalled[:0]
	for _, r := range pctx.Recalled {
		if _, dup := recent[r.Turn.ID]; !dup {
			kept = append(kept, r)
		}
	}
	pctx.Recalled = kept

	pctx.AssemblyDuration = time.Since(start)
	return pctx, nil
}

// recall merges fresh semantic search with anything the pre-fetcher gathered
// while the user was still speaking. Recall never fails: every error path
// falls back to a cheaper search or to nothing.
func (a *Assembler) recall(ctx context.Context, userText string) []memory.TurnResult {
	results := a.searchSimilar(ctx, userText)

	if a.prefetcher != nil {
		seen := make(map[string]struct{}, len(results))
		for _, r := range results {
			seen[r.Turn.ID] = struct{}{}
		}
		for _, r := range a.prefetcher.CachedResults() {
			if _, dup := seen[r.Turn.ID]; !dup {
				results = append(results, r)
				seen[r.Turn.ID] = struct{}{}
			}
		}
	}

	if len(results) > a.recallTopK {
		results = results[:a.recallTopK]
	}
	return results
}

func (a *Assembler) searchSimilar(ctx context.Context, userText string) []memory.TurnResult {
	if a.embedder == nil {
		return a.keywordFallback(ctx, userText)
	}
	embedding, err := a.embedder.Embed(ctx, userText)
	if err != nil {
		slog.Warn("prompt context: embedding failed, falling back to keyword recall", "error", err)
		return a.keywordFallback(ctx, userText)
	}
	results, err := a.store.SearchSimilar(ctx, embedding, a.recallTopK)
	if err != nil {
		slog.Warn("prompt context: similarity search failed, falling back to keyword recall", "error", err)
		return a.keywordFallback(ctx, userText)
	}
	return results
}

func (a *Assembler) keywordFallback(ctx context.Context, userText string) []memory.TurnResult {
	turns, err := a.store.Search(ctx, userText, memory.SearchOpts{Limit: a.recallTopK})
	if err != nil {
		slog.Warn("prompt context: keyword recall failed", "error", err)
		return nil
	}
	results := make([]memory.TurnResult, 0, len(turns))
	for _, t := range turns {
		results = append(results, memory.TurnResult{Turn: t})
	}
	return results
}
