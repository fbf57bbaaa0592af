package filler

import (
	"testing"
	"time"
)

// fakeClock stands in for time.Now so gap-based gating is deterministic.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestSelector(t *testing.T, catalog []*Phrase, opts ...Option) (*Selector, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	s := NewSelector(catalog, opts...)
	s.now = clk.now
	return s, clk
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  Category
	}{
		{"question word", "What time is it", CategoryThinking},
		{"question mark only", "Tell me about the weather?", CategoryThinking},
		{"contraction", "What's the capital of France", CategoryThinking},
		{"question word mid-sentence", "I wonder how engines work", CategoryThinking},
		{"long statement", "I went to the market today and bought apples oranges bread milk cheese butter eggs and honey", CategoryProcessing},
		{"clarification request", "Please explain the plan again", CategoryClarifying},
		{"inflected clarification", "Give me more details please", CategoryClarifying},
		{"short statement", "I had a nice day", CategoryAcknowledging},
		{"question beats clarification", "Can you explain this", CategoryThinking},
		{"question beats length", "What happened when the team moved the whole deployment into the new region last month during the incident", CategoryThinking},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tt.input); got != tt.want {
				t.Fatalf("Classify(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSelect_Gating(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		wantNone bool
	}{
		{"empty input", "", true},
		{"single word", "weather", true},
		{"two words", "nice day", true},
		{"greeting", "thank you", true},
		{"three words pass", "tell me everything", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, _ := newTestSelector(t, DefaultCatalog())
			got := s.Select(tt.input, nil)
			if tt.wantNone && got != nil {
				t.Fatalf("Select(%q) = %q, want nil", tt.input, got.Text)
			}
			if !tt.wantNone && got == nil {
				t.Fatalf("Select(%q) = nil, want a phrase", tt.input)
			}
		})
	}
}

func TestSelect_MinGapSuppressesBackToBackFillers(t *testing.T) {
	t.Parallel()

	s, clk := newTestSelector(t, DefaultCatalog())

	if got := s.Select("tell me a story", nil); got == nil {
		t.Fatal("first Select returned nil, want a phrase")
	}

	clk.advance(1 * time.Second)
	if got := s.Select("tell me another story", nil); got != nil {
		t.Fatalf("Select within the minimum gap = %q, want nil", got.Text)
	}

	clk.advance(1 * time.Second)
	if got := s.Select("tell me another story", nil); got == nil {
		t.Fatal("Select after the minimum gap elapsed = nil, want a phrase")
	}
}

func TestSelect_SetMinGapTakesEffect(t *testing.T) {
	t.Parallel()

	s, clk := newTestSelector(t, DefaultCatalog(), WithMinGap(10*time.Second))

	if got := s.Select("tell me a story", nil); got == nil {
		t.Fatal("first Select returned nil, want a phrase")
	}

	clk.advance(3 * time.Second)
	if got := s.Select("tell me another story", nil); got != nil {
		t.Fatalf("Select within the 10s gap = %q, want nil", got.Text)
	}

	s.SetMinGap(1 * time.Second)
	if got := s.Select("tell me another story", nil); got == nil {
		t.Fatal("Select after shrinking the gap = nil, want a phrase")
	}
}

func TestSelect_CategoryMatchesClassification(t *testing.T) {
	t.Parallel()

	s, clk := newTestSelector(t, DefaultCatalog())

	tests := []struct {
		input string
		want  Category
	}{
		{"What should we cook tonight", CategoryThinking},
		{"I finished painting the fence", CategoryAcknowledging},
		{"Please explain the rules again", CategoryClarifying},
	}
	for _, tt := range tests {
		got := s.Select(tt.input, nil)
		if got == nil {
			t.Fatalf("Select(%q) = nil, want a phrase", tt.input)
		}
		if got.Category != tt.want {
			t.Fatalf("Select(%q) picked category %q, want %q", tt.input, got.Category, tt.want)
		}
		clk.advance(5 * time.Second)
	}
}

func TestSelect_RotatesThroughCategoryBeforeRepeating(t *testing.T) {
	t.Parallel()

	s, clk := newTestSelector(t, DefaultCatalog())

	// The thinking pool holds five phrases; five consecutive thinking turns
	// must each get a different one.
	seen := make(map[string]int)
	var order []string
	for i := 0; i < 5; i++ {
		got := s.Select("what should we do next", nil)
		if got == nil {
			t.Fatalf("Select #%d = nil, want a phrase", i+1)
		}
		seen[got.Text]++
		order = append(order, got.Text)
		clk.advance(5 * time.Second)
	}
	for text, n := range seen {
		if n != 1 {
			t.Fatalf("phrase %q picked %d times within one rotation, want 1", text, n)
		}
	}

	// The sixth pick wraps around to the longest-unused phrase.
	got := s.Select("what should we do next", nil)
	if got == nil {
		t.Fatal("sixth Select = nil, want a phrase")
	}
	if got.Text != order[0] {
		t.Fatalf("sixth Select = %q, want the oldest pick %q", got.Text, order[0])
	}
}

func TestSelect_ExcludesPhrasesFromRecentTurns(t *testing.T) {
	t.Parallel()

	a := &Phrase{Text: "Hmm, let me see...", Category: CategoryThinking, Emotion: "neutral", ExpectedDuration: time.Second}
	b := &Phrase{Text: "Interesting thought...", Category: CategoryThinking, Emotion: "neutral", ExpectedDuration: time.Second}
	s, _ := newTestSelector(t, []*Phrase{a, b})

	first := s.Select("what do you think", []string{b.Text})
	if first == nil {
		t.Fatal("Select = nil, want a phrase")
	}
	if first.Text != a.Text {
		t.Fatalf("Select with %q in recent turns = %q, want %q", b.Text, first.Text, a.Text)
	}
}

func TestSelect_ExclusionNeverEmptiesCandidates(t *testing.T) {
	t.Parallel()

	a := &Phrase{Text: "Hmm, let me see...", Category: CategoryThinking, Emotion: "neutral", ExpectedDuration: time.Second}
	b := &Phrase{Text: "Interesting thought...", Category: CategoryThinking, Emotion: "neutral", ExpectedDuration: time.Second}
	s, _ := newTestSelector(t, []*Phrase{a, b})

	// Every candidate appears in the recent turns; the exclusion is ignored
	// rather than leaving the turn filler-less.
	got := s.Select("what do you think", []string{a.Text, b.Text})
	if got == nil {
		t.Fatal("Select with every phrase excluded = nil, want a phrase")
	}
}

func TestSelect_FallsBackToAcknowledgingPool(t *testing.T) {
	t.Parallel()

	only := &Phrase{Text: "Got it...", Category: CategoryAcknowledging, Emotion: "neutral", ExpectedDuration: time.Second}
	s, _ := newTestSelector(t, []*Phrase{only})

	got := s.Select("what is the weather like", nil)
	if got == nil {
		t.Fatal("Select = nil, want the acknowledging fallback")
	}
	if got.Text != only.Text {
		t.Fatalf("Select = %q, want fallback phrase %q", got.Text, only.Text)
	}
}

func TestSelect_EmptyCatalogYieldsNothing(t *testing.T) {
	t.Parallel()

	s, _ := newTestSelector(t, nil)
	if got := s.Select("tell me a long story", nil); got != nil {
		t.Fatalf("Select on empty catalog = %q, want nil", got.Text)
	}
}

func TestSelect_HistoryIsBounded(t *testing.T) {
	t.Parallel()

	s, clk := newTestSelector(t, DefaultCatalog())

	var last string
	for i := 0; i < historyCap+5; i++ {
		got := s.Select("what should we cook for dinner", nil)
		if got == nil {
			t.Fatalf("Select #%d = nil, want a phrase", i+1)
		}
		last = got.Text
		clk.advance(5 * time.Second)
	}

	hist := s.History()
	if len(hist) != historyCap {
		t.Fatalf("History() length = %d, want %d", len(hist), historyCap)
	}
	if hist[len(hist)-1].Text != last {
		t.Fatalf("newest history entry = %q, want %q", hist[len(hist)-1].Text, last)
	}
	for i := 1; i < len(hist); i++ {
		if hist[i].At.Before(hist[i-1].At) {
			t.Fatalf("history out of order at %d: %v before %v", i, hist[i].At, hist[i-1].At)
		}
	}
}

func TestSelect_RecordsUsage(t *testing.T) {
	t.Parallel()

	catalog := DefaultCatalog()
	s, clk := newTestSelector(t, catalog)

	for i := 0; i < 3; i++ {
		if got := s.Select("what should we cook for dinner", nil); got == nil {
			t.Fatalf("Select #%d = nil, want a phrase", i+1)
		}
		clk.advance(5 * time.Second)
	}

	total := 0
	for _, p := range catalog {
		total += p.UsageCount()
	}
	if total != 3 {
		t.Fatalf("total usage across catalog = %d, want 3", total)
	}
}

func TestTopPhrases_ColdStartFollowsCatalogOrder(t *testing.T) {
	t.Parallel()

	catalog := DefaultCatalog()
	s, _ := newTestSelector(t, catalog)

	top := s.TopPhrases(3)
	if len(top) != 12 {
		t.Fatalf("TopPhrases(3) returned %d phrases, want 12", len(top))
	}

	// Without any usage the pre-warm set is the first three of each category
	// in catalog order.
	wantFirst := []string{
		"Hmm, let me think about that...",
		"That's an interesting question...",
		"Let me consider that for a moment...",
	}
	for i, want := range wantFirst {
		if top[i].Text != want {
			t.Fatalf("TopPhrases(3)[%d] = %q, want %q", i, top[i].Text, want)
		}
	}
	if top[3].Category != CategoryAcknowledging {
		t.Fatalf("TopPhrases(3)[3] category = %q, want %q", top[3].Category, CategoryAcknowledging)
	}
}

func TestTopPhrases_PrefersMostUsed(t *testing.T) {
	t.Parallel()

	a := &Phrase{Text: "Hmm, let me see...", Category: CategoryThinking, Emotion: "neutral", ExpectedDuration: time.Second}
	b := &Phrase{Text: "Interesting thought...", Category: CategoryThinking, Emotion: "neutral", ExpectedDuration: time.Second}
	c := &Phrase{Text: "Let me mull that over...", Category: CategoryThinking, Emotion: "neutral", ExpectedDuration: time.Second}
	b.usageCount = 5
	s, _ := newTestSelector(t, []*Phrase{a, b, c})

	top := s.TopPhrases(1)
	if len(top) != 1 {
		t.Fatalf("TopPhrases(1) returned %d phrases, want 1", len(top))
	}
	if top[0].Text != b.Text {
		t.Fatalf("TopPhrases(1)[0] = %q, want most-used %q", top[0].Text, b.Text)
	}
}

func TestTopPhrases_ClampsToPoolSize(t *testing.T) {
	t.Parallel()

	s, _ := newTestSelector(t, DefaultCatalog())
	top := s.TopPhrases(10)
	if len(top) != 20 {
		t.Fatalf("TopPhrases(10) returned %d phrases, want all 20", len(top))
	}
}
