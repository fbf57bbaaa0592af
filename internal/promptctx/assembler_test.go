package promptctx_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cadenza-voice/cadenza/internal/promptctx"
	"github.com/cadenza-voice/cadenza/pkg/memory"
	memorymock "github.com/cadenza-voice/cadenza/pkg/memory/mock"
	embmock "github.com/cadenza-voice/cadenza/pkg/provider/embeddings/mock"
)

// ─────────────────────────────────────────────────────────────────────────────
// helpers
// ─────────────────────────────────────────────────────────────────────────────

func makeTurn(id, userText string) memory.Turn {
	return memory.Turn{
		ID:        id,
		SessionID: "session-abc",
		UserText:  userText,
		ReplyText: "mhm",
		Timestamp: time.Now().Add(-time.Hour),
	}
}

func makeEmbedder() *embmock.Provider {
	return &embmock.Provider{
		EmbedResult:     []float32{0.1, 0.2, 0.3},
		DimensionsValue: 3,
		ModelIDValue:    "test-embed-v1",
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// tests
// ─────────────────────────────────────────────────────────────────────────────

// TestAssemble_Basic verifies that all components are gathered when the store
// returns valid data: recent turns, semantic recall, summaries and the
// emotional register.
func TestAssemble_Basic(t *testing.T) {
	store := &memorymock.Store{
		RecentTurnsResult: []memory.Turn{
			makeTurn("t1", "hello"),
			makeTurn("t2", "how are you"),
		},
		SearchSimilarResult: []memory.TurnResult{
			{Turn: makeTurn("old-1", "i went hiking last month"), Distance: 0.12},
		},
		RecentSummariesResult: []memory.SessionSummary{
			{SessionID: "session-old", Summary: "talked about the garden", TurnCount: 14},
		},
	}
	embedder := makeEmbedder()

	a := promptctx.NewAssembler(store, embedder)
	pctx, err := a.Assemble(context.Background(), "session-abc", "i love hiking in the mountains")
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}

	if len(pctx.RecentTurns) != 2 {
		t.Errorf("len(RecentTurns) = %d, want 2", len(pctx.RecentTurns))
	}
	if len(pctx.Recalled) != 1 || pctx.Recalled[0].Turn.ID != "old-1" {
		t.Errorf("Recalled = %+v, want the one similar turn", pctx.Recalled)
	}
	if len(pctx.Summaries) != 1 {
		t.Errorf("len(Summaries) = %d, want 1", len(pctx.Summaries))
	}

	if pctx.Emotion != promptctx.EmotionJoy {
		t.Errorf("Emotion = %q, want %q", pctx.Emotion, promptctx.EmotionJoy)
	}
	if pctx.ResponseEmotion != promptctx.ResponseJoy {
		t.Errorf("ResponseEmotion = %q, want %q", pctx.ResponseEmotion, promptctx.ResponseJoy)
	}

	// Recall embedded the user's utterance, not something else.
	if len(embedder.EmbedCalls) != 1 {
		t.Fatalf("Embed called %d times, want 1", len(embedder.EmbedCalls))
	}
	if got := embedder.EmbedCalls[0].Text; got != "i love hiking in the mountains" {
		t.Errorf("embedded text = %q", got)
	}
	if store.CallCount("SearchSimilar") != 1 {
		t.Errorf("SearchSimilar called %d times, want 1", store.CallCount("SearchSimilar"))
	}

	if pctx.AssemblyDuration <= 0 {
		t.Error("AssemblyDuration should be positive")
	}
}

// TestAssemble_RecentTurnsFailureAborts verifies that the recency window is
// required: its failure aborts assembly with a wrapped error.
func TestAssemble_RecentTurnsFailureAborts(t *testing.T) {
	store := &memorymock.Store{
		RecentTurnsErr: errors.New("connection refused"),
	}

	a := promptctx.NewAssembler(store, makeEmbedder())
	pctx, err := a.Assemble(context.Background(), "session-abc", "hello there")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !errors.Is(err, store.RecentTurnsErr) {
		t.Errorf("error does not wrap the store error: %v", err)
	}
	if pctx != nil {
		t.Errorf("context should be nil on failure, got %+v", pctx)
	}
}

// TestAssemble_EmbedFailureFallsBackToKeyword verifies that an embedding
// failure degrades recall to keyword search instead of failing assembly.
func TestAssemble_EmbedFailureFallsBackToKeyword(t *testing.T) {
	store := &memorymock.Store{
		SearchResult: []memory.Turn{makeTurn("kw-1", "hiking boots")},
	}
	embedder := makeEmbedder()
	embedder.EmbedErr = errors.New("model unavailable")

	a := promptctx.NewAssembler(store, embedder)
	pctx, err := a.Assemble(context.Background(), "session-abc", "tell me about hiking")
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}

	if store.CallCount("SearchSimilar") != 0 {
		t.Errorf("SearchSimilar called %d times, want 0", store.CallCount("SearchSimilar"))
	}
	if store.CallCount("Search") != 1 {
		t.Errorf("Search called %d times, want 1", store.CallCount("Search"))
	}
	if len(pctx.Recalled) != 1 || pctx.Recalled[0].Turn.ID != "kw-1" {
		t.Errorf("Recalled = %+v, want the keyword result", pctx.Recalled)
	}
}

// TestAssemble_SimilaritySearchFailureFallsBackToKeyword verifies the keyword
// fallback when the vector search itself fails.
func TestAssemble_SimilaritySearchFailureFallsBackToKeyword(t *testing.T) {
	store := &memorymock.Store{
		SearchSimilarErr: errors.New("index rebuilding"),
		SearchResult:     []memory.Turn{makeTurn("kw-2", "trail mix recipe")},
	}

	a := promptctx.NewAssembler(store, makeEmbedder())
	pctx, err := a.Assemble(context.Background(), "session-abc", "what snacks did i like")
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}

	if store.CallCount("SearchSimilar") != 1 {
		t.Errorf("SearchSimilar called %d times, want 1", store.CallCount("SearchSimilar"))
	}
	if store.CallCount("Search") != 1 {
		t.Errorf("Search called %d times, want 1", store.CallCount("Search"))
	}
	if len(pctx.Recalled) != 1 || pctx.Recalled[0].Turn.ID != "kw-2" {
		t.Errorf("Recalled = %+v, want the keyword result", pctx.Recalled)
	}
}

// TestAssemble_NilEmbedderUsesKeywordRecall verifies that recall works without
// any embedding provider configured.
func TestAssemble_NilEmbedderUsesKeywordRecall(t *testing.T) {
	store := &memorymock.Store{
		SearchResult: []memory.Turn{makeTurn("kw-3", "the cat story")},
	}

	a := promptctx.NewAssembler(store, nil)
	pctx, err := a.Assemble(context.Background(), "session-abc", "remember the cat story")
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}

	if store.CallCount("SearchSimilar") != 0 {
		t.Errorf("SearchSimilar called %d times, want 0", store.CallCount("SearchSimilar"))
	}
	if len(pctx.Recalled) != 1 {
		t.Errorf("len(Recalled) = %d, want 1", len(pctx.Recalled))
	}
}

// TestAssemble_SummaryFailureDegrades verifies that summaries are optional:
// their failure leaves the section empty without failing assembly.
func TestAssemble_SummaryFailureDegrades(t *testing.T) {
	store := &memorymock.Store{
		RecentTurnsResult:  []memory.Turn{makeTurn("t1", "hello")},
		RecentSummariesErr: errors.New("table missing"),
	}

	a := promptctx.NewAssembler(store, makeEmbedder())
	pctx, err := a.Assemble(context.Background(), "session-abc", "hello")
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if len(pctx.Summaries) != 0 {
		t.Errorf("Summaries = %+v, want empty", pctx.Summaries)
	}
	if len(pctx.RecentTurns) != 1 {
		t.Errorf("len(RecentTurns) = %d, want 1", len(pctx.RecentTurns))
	}
}

// TestAssemble_DedupesRecallAgainstRecentWindow verifies that a recalled turn
// already present in the recency window is dropped.
func TestAssemble_DedupesRecallAgainstRecentWindow(t *testing.T) {
	recent := makeTurn("t1", "we talked about this just now")
	store := &memorymock.Store{
		RecentTurnsResult: []memory.Turn{recent},
		SearchSimilarResult: []memory.TurnResult{
			{Turn: recent, Distance: 0.01},
			{Turn: makeTurn("old-7", "an older mention"), Distance: 0.2},
		},
	}

	a := promptctx.NewAssembler(store, makeEmbedder())
	pctx, err := a.Assemble(context.Background(), "session-abc", "about that thing")
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}

	if len(pctx.Recalled) != 1 || pctx.Recalled[0].Turn.ID != "old-7" {
		t.Errorf("Recalled = %+v, want only the turn outside the window", pctx.Recalled)
	}
}

// TestAssemble_MergesPrefetchedResults verifies that speculative pre-fetch
// results are appended after fresh recall, deduplicated by turn ID.
func TestAssemble_MergesPrefetchedResults(t *testing.T) {
	fresh := memory.TurnResult{Turn: makeTurn("fresh-1", "the hiking trip"), Distance: 0.1}
	prefetched := memory.TurnResult{Turn: makeTurn("pre-1", "boots we bought"), Distance: 0.3}

	pfStore := &memorymock.Store{
		SearchSimilarResult: []memory.TurnResult{fresh, prefetched},
	}
	pf := promptctx.NewPreFetcher(pfStore, makeEmbedder(), 3)
	if got := pf.ProcessPartial(context.Background(), "so about that hiking trip we"); len(got) != 2 {
		t.Fatalf("ProcessPartial returned %d results, want 2", len(got))
	}

	store := &memorymock.Store{
		SearchSimilarResult: []memory.TurnResult{fresh},
	}
	a := promptctx.NewAssembler(store, makeEmbedder(), promptctx.WithPreFetcher(pf))
	pctx, err := a.Assemble(context.Background(), "session-abc", "so about that hiking trip we planned")
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}

	if len(pctx.Recalled) != 2 {
		t.Fatalf("len(Recalled) = %d, want 2 (fresh + prefetched, deduplicated)", len(pctx.Recalled))
	}
	if pctx.Recalled[0].Turn.ID != "fresh-1" || pctx.Recalled[1].Turn.ID != "pre-1" {
		t.Errorf("Recalled order = [%s %s], want fresh result first",
			pctx.Recalled[0].Turn.ID, pctx.Recalled[1].Turn.ID)
	}
}

// TestAssemble_RecallCapAppliesAfterMerge verifies that WithRecallTopK caps
// the combined fresh + prefetched result set.
func TestAssemble_RecallCapAppliesAfterMerge(t *testing.T) {
	pfStore := &memorymock.Store{
		SearchSimilarResult: []memory.TurnResult{
			{Turn: makeTurn("pre-1", "first"), Distance: 0.3},
			{Turn: makeTurn("pre-2", "second"), Distance: 0.4},
		},
	}
	pf := promptctx.NewPreFetcher(pfStore, makeEmbedder(), 3)
	pf.ProcessPartial(context.Background(), "tell me more about the")

	store := &memorymock.Store{
		SearchSimilarResult: []memory.TurnResult{
			{Turn: makeTurn("fresh-1", "third"), Distance: 0.1},
		},
	}
	a := promptctx.NewAssembler(store, makeEmbedder(),
		promptctx.WithPreFetcher(pf),
		promptctx.WithRecallTopK(2),
	)
	pctx, err := a.Assemble(context.Background(), "session-abc", "tell me more about the garden")
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}

	if len(pctx.Recalled) != 2 {
		t.Errorf("len(Recalled) = %d, want 2 (capped)", len(pctx.Recalled))
	}
	if pctx.Recalled[0].Turn.ID != "fresh-1" {
		t.Errorf("first recalled = %q, want the fresh result", pctx.Recalled[0].Turn.ID)
	}
}

// TestAssemble_PassesConfiguredLimits verifies that functional options reach
// the store calls.
func TestAssemble_PassesConfiguredLimits(t *testing.T) {
	store := &memorymock.Store{}

	a := promptctx.NewAssembler(store, nil,
		promptctx.WithRecentLimit(4),
		promptctx.WithSummaryLimit(7),
	)
	if _, err := a.Assemble(context.Background(), "session-abc", "hello"); err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}

	var recentLimit, summaryLimit int
	for _, c := range store.Calls() {
		switch c.Method {
		case "RecentTurns":
			recentLimit = c.Args[1].(int)
		case "RecentSummaries":
			summaryLimit = c.Args[0].(int)
		}
	}
	if recentLimit != 4 {
		t.Errorf("RecentTurns limit = %d, want 4", recentLimit)
	}
	if summaryLimit != 7 {
		t.Errorf("RecentSummaries limit = %d, want 7", summaryLimit)
	}
}
