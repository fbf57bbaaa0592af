package promptctx

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/cadenza-voice/cadenza/pkg/memory"
	"github.com/cadenza-voice/cadenza/pkg/provider/embeddings"
)

const (
	// minPartialWords is the minimum partial-transcript length worth
	// embedding; shorter fragments recall mostly noise.
	minPartialWords = 4

	// partialGrowthWords throttles re-fetching: a partial must have grown by
	// this many words since the last fetch to trigger another search.
	partialGrowthWords = 3
)

// PreFetcher runs semantic recall speculatively against partial transcripts
// while the user is still speaking, so the results are already warm when the
// turn ends. Pre-fetch errors must not block the voice path, so they are
// swallowed.
//
// Safe for concurrent use.
type PreFetcher struct {
	store    memory.Store
	embedder embeddings.Provider
	topK     int

	mu        sync.Mutex
	lastWords int
	cache     map[string]memory.TurnResult
}

// NewPreFetcher creates a PreFetcher recalling up to topK turns per fetch.
func NewPreFetcher(store memory.Store, embedder embeddings.Provider, topK int) *PreFetcher {
	if topK <= 0 {
		topK = defaultRecallTopK
	}
	return &PreFetcher{
		store:    store,
		embedder: embedder,
		topK:     topK,
		cache:    make(map[string]memory.TurnResult),
	}
}

// ProcessPartial feeds a partial transcript to the pre-fetcher and returns
// only the newly recalled turns, if any. Fragments that are too short or have
// not grown enough since the last fetch are skipped.
func (p *PreFetcher) ProcessPartial(ctx context.Context, partial string) []memory.TurnResult {
	if p.store == nil || p.embedder == nil {
		return nil
	}
	words := len(strings.Fields(partial))
	if words < minPartialWords {
		return nil
	}

	p.mu.Lock()
	if words-p.lastWords < partialGrowthWords && p.lastWords != 0 {
		p.mu.Unlock()
		return nil
	}
	p.lastWords = words
	p.mu.Unlock()

	embedding, err := p.embedder.Embed(ctx, partial)
	if err != nil {
		return nil
	}
	results, err := p.store.SearchSimilar(ctx, embedding, p.topK)
	if err != nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var fresh []memory.TurnResult
	for _, r := range results {
		if _, seen := p.cache[r.Turn.ID]; seen {
			continue
		}
		p.cache[r.Turn.ID] = r
		fresh = append(fresh, r)
	}
	return fresh
}

// CachedResults returns everything pre-fetched so far, most similar first.
func (p *PreFetcher) CachedResults() []memory.TurnResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	results := make([]memory.TurnResult, 0, len(p.cache))
	for _, r := range p.cache {
		results = append(results, r)
	}
	slices.SortFunc(results, func(a, b memory.TurnResult) int {
		return cmp.Compare(a.Distance, b.Distance)
	})
	return results
}

// Reset clears the cache for a new turn.
func (p *PreFetcher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastWords = 0
	clear(p.cache)
}
