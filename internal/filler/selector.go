package filler

import (
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	// defaultMinGap is the minimum wall-clock time between two fillers.
	// Fillers played more often than this stop registering as conversational
	// signals and start registering as a stutter.
	defaultMinGap = 2 * time.Second

	// minInputWords gates fillers on trivial input. Anything shorter than
	// this is answered fast enough that a filler would outlast the reply.
	minInputWords = 3

	// longInputWords is the word count past which input counts as "long" and
	// the filler shifts to the processing register.
	longInputWords = 15

	// recentExclusionWindow is how many recent turns a phrase must be absent
	// from before it can be picked again.
	recentExclusionWindow = 3

	// historyCap bounds the selector's own memory of what it has said.
	historyCap = 10
)

// greetings never warrant a filler: the reply to them is immediate.
// Matched against the whole trimmed, lowercased input.
var greetings = map[string]struct{}{
	"hi":        {},
	"hello":     {},
	"hey":       {},
	"thanks":    {},
	"thank you": {},
	"bye":       {},
	"goodbye":   {},
}

// questionWords mark input as question-like wherever they appear as a whole
// word, even without a question mark ("can you check the weather").
var questionWords = map[string]struct{}{
	"what": {}, "how": {}, "why": {}, "when": {}, "where": {},
	"who": {}, "which": {}, "can": {}, "could": {}, "would": {}, "should": {},
}

// clarifyIndicators are matched as substrings so inflected forms count too
// ("details", "specifically").
var clarifyIndicators = []string{"explain", "clarify", "elaborate", "detail", "specific"}

// Classify maps a user utterance to the filler category that suits it.
// Question-like input wins over everything else, then sheer length, then an
// explicit request for clarification; short statements fall through to
// acknowledging.
func Classify(input string) Category {
	lower := strings.ToLower(strings.TrimSpace(input))
	words := strings.Fields(lower)

	if strings.HasSuffix(lower, "?") || containsQuestionWord(words) {
		return CategoryThinking
	}
	if len(words) > longInputWords {
		return CategoryProcessing
	}
	for _, indicator := range clarifyIndicators {
		if strings.Contains(lower, indicator) {
			return CategoryClarifying
		}
	}
	return CategoryAcknowledging
}

func containsQuestionWord(words []string) bool {
	for _, w := range words {
		w = strings.Trim(w, ".,!;:'\"")
		// Contractions count: "what's" asks just as much as "what is".
		if base, _, found := strings.Cut(w, "'"); found {
			w = base
		}
		if _, ok := questionWords[w]; ok {
			return true
		}
	}
	return false
}

// Selection records one filler the Selector handed out.
type Selection struct {
	// Text is the phrase text that was selected.
	Text string

	// Category is the context the input was classified into.
	Category Category

	// At is when the selection happened.
	At time.Time
}

// Option configures a Selector.
type Option func(*Selector)

// WithMinGap overrides the minimum time between two fillers.
func WithMinGap(d time.Duration) Option {
	return func(s *Selector) { s.minGap = d }
}

// Selector owns the phrase catalog and decides, per turn, whether a filler
// should play and which one. All methods are safe for concurrent use; phrase
// usage statistics are only mutated under the selector's lock.
type Selector struct {
	mu         sync.Mutex
	phrases    map[Category][]*Phrase
	minGap     time.Duration
	lastFiller time.Time
	history    []Selection
	seq        uint64

	now func() time.Time
}

// NewSelector builds a Selector over catalog. Phrases keep their catalog
// order within each category, which is also the cold-start pick order.
func NewSelector(catalog []*Phrase, opts ...Option) *Selector {
	s := &Selector{
		phrases: make(map[Category][]*Phrase),
		minGap:  defaultMinGap,
		now:     time.Now,
	}
	for _, p := range catalog {
		s.phrases[p.Category] = append(s.phrases[p.Category], p)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetMinGap changes the minimum time between fillers. Used by config
// hot-reload; takes effect on the next Select call.
func (s *Selector) SetMinGap(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minGap = d
}

// Select returns the phrase to speak while the reply for input is generated,
// or nil when the gating rules suppress fillers for this turn. recentTurns
// carries the texts spoken in the last few turns (fillers and replies) so a
// phrase the user just heard is not repeated.
//
// A non-nil result has already been recorded: its usage count is bumped and
// the minimum-gap clock restarts.
func (s *Selector) Select(input string, recentTurns []string) *Phrase {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.gateAllows(input) {
		return nil
	}

	category := Classify(input)
	candidates := s.phrases[category]
	if len(candidates) == 0 {
		candidates = s.phrases[CategoryAcknowledging]
	}
	if len(candidates) == 0 {
		return nil
	}

	// Drop phrases heard in the last few turns, but never at the cost of
	// having nothing to say.
	if fresh := excludeRecent(candidates, s.recentTexts(recentTurns)); len(fresh) > 0 {
		candidates = fresh
	}

	pick := pickLeastRecent(candidates)

	s.seq++
	pick.usageCount++
	pick.lastUsed = s.seq
	s.lastFiller = s.now()
	s.recordSelection(Selection{Text: pick.Text, Category: category, At: s.lastFiller})
	return pick
}

// gateAllows applies the per-turn suppression rules. Caller holds s.mu.
func (s *Selector) gateAllows(input string) bool {
	if !s.lastFiller.IsZero() && s.now().Sub(s.lastFiller) < s.minGap {
		return false
	}
	trimmed := strings.ToLower(strings.TrimSpace(input))
	if len(strings.Fields(trimmed)) < minInputWords {
		return false
	}
	if _, ok := greetings[trimmed]; ok {
		return false
	}
	return true
}

// recentTexts merges the selector's own recent picks with the caller-supplied
// turn texts into one lowercased exclusion set. Caller holds s.mu.
func (s *Selector) recentTexts(recentTurns []string) map[string]struct{} {
	excluded := make(map[string]struct{}, 2*recentExclusionWindow)

	hist := s.history
	if len(hist) > recentExclusionWindow {
		hist = hist[len(hist)-recentExclusionWindow:]
	}
	for _, sel := range hist {
		excluded[strings.ToLower(sel.Text)] = struct{}{}
	}

	turns := recentTurns
	if len(turns) > recentExclusionWindow {
		turns = turns[len(turns)-recentExclusionWindow:]
	}
	for _, t := range turns {
		excluded[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	return excluded
}

func excludeRecent(candidates []*Phrase, excluded map[string]struct{}) []*Phrase {
	fresh := make([]*Phrase, 0, len(candidates))
	for _, p := range candidates {
		if _, ok := excluded[strings.ToLower(p.Text)]; !ok {
			fresh = append(fresh, p)
		}
	}
	return fresh
}

// pickLeastRecent picks the candidate unused for the longest, breaking ties
// by lowest total usage, then uniformly at random. candidates is non-empty.
func pickLeastRecent(candidates []*Phrase) *Phrase {
	oldest := candidates[0].lastUsed
	for _, p := range candidates[1:] {
		if p.lastUsed < oldest {
			oldest = p.lastUsed
		}
	}
	tier := make([]*Phrase, 0, len(candidates))
	for _, p := range candidates {
		if p.lastUsed == oldest {
			tier = append(tier, p)
		}
	}

	leastUsed := tier[0].usageCount
	for _, p := range tier[1:] {
		if p.usageCount < leastUsed {
			leastUsed = p.usageCount
		}
	}
	final := tier[:0]
	for _, p := range tier {
		if p.usageCount == leastUsed {
			final = append(final, p)
		}
	}
	return final[rand.IntN(len(final))]
}

// recordSelection appends to the bounded history. Caller holds s.mu.
func (s *Selector) recordSelection(sel Selection) {
	s.history = append(s.history, sel)
	if len(s.history) > historyCap {
		// Copy survivors to a fresh slice so the backing array does not grow
		// without bound.
		trimmed := make([]Selection, historyCap)
		copy(trimmed, s.history[len(s.history)-historyCap:])
		s.history = trimmed
	}
}

// History returns a copy of the recent selections, oldest first.
func (s *Selector) History() []Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

// TopPhrases returns up to n phrases per category, most used first with ties
// in catalog order. On a cold start that is simply the first n phrases of
// each category, which is what the pre-warm pass wants.
func (s *Selector) TopPhrases(n int) []*Phrase {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Phrase
	for _, cat := range []Category{CategoryThinking, CategoryAcknowledging, CategoryClarifying, CategoryProcessing} {
		pool := slices.Clone(s.phrases[cat])
		slices.SortStableFunc(pool, func(a, b *Phrase) int {
			return b.usageCount - a.usageCount
		})
		out = append(out, pool[:min(n, len(pool))]...)
	}
	return out
}
