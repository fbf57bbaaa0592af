// Package filler selects and caches the short spoken phrases played while a
// reply is still being generated. A filler bridges the gap between the moment
// the companion decides the user is done speaking and the moment the first
// reply audio is ready, so the pause never reads as the companion having
// frozen.
//
// The package has three parts:
//   - the phrase catalog ([DefaultCatalog], [LoadCatalog]) describing what can
//     be said and in which conversational context,
//   - the [Selector], which applies the gating and rotation rules that keep
//     fillers from becoming a verbal tic,
//   - the [Cache], which renders each phrase through TTS at most once and
//     keeps the audio hot so playback can start in microseconds.
package filler

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Category groups phrases by the conversational context they suit. The
// Selector classifies each user utterance into exactly one category and draws
// the filler from that category's pool.
type Category string

const (
	// CategoryThinking suits question-like input that needs a considered answer.
	CategoryThinking Category = "thinking"

	// CategoryAcknowledging is the default for short statements.
	CategoryAcknowledging Category = "acknowledging"

	// CategoryClarifying suits input that explicitly asks for an explanation.
	CategoryClarifying Category = "clarifying"

	// CategoryProcessing suits long input that takes time to digest.
	CategoryProcessing Category = "processing"
)

// IsValid reports whether c is one of the known categories.
func (c Category) IsValid() bool {
	switch c {
	case CategoryThinking, CategoryAcknowledging, CategoryClarifying, CategoryProcessing:
		return true
	}
	return false
}

// Phrase is a single catalog entry: the text to speak, the context it suits,
// and the emotional colouring the TTS rendition should carry.
//
// Usage statistics live on the phrase but are owned by the Selector; they must
// only be touched while the Selector's lock is held.
type Phrase struct {
	// Text is the literal phrase sent to TTS.
	Text string

	// Category is the conversational context this phrase belongs to.
	Category Category

	// Emotion names the emotional colouring for the TTS rendition ("neutral",
	// "curious", "engaged", "understanding").
	Emotion string

	// ExpectedDuration is roughly how long the spoken phrase lasts. The latency
	// compensator uses it to decide whether a filler is worth playing at all.
	ExpectedDuration time.Duration

	usageCount int
	lastUsed   uint64
}

// UsageCount returns how many times the Selector has picked this phrase. Read
// it only between selections; it is not synchronised against a concurrent
// Select call.
func (p *Phrase) UsageCount() int { return p.usageCount }

// DefaultCatalog returns the built-in phrase set. The durations are
// hand-measured renditions, not estimates.
func DefaultCatalog() []*Phrase {
	return []*Phrase{
		{Text: "Hmm, let me think about that...", Category: CategoryThinking, Emotion: "curious", ExpectedDuration: 1200 * time.Millisecond},
		{Text: "That's an interesting question...", Category: CategoryThinking, Emotion: "engaged", ExpectedDuration: 1100 * time.Millisecond},
		{Text: "Let me consider that for a moment...", Category: CategoryThinking, Emotion: "neutral", ExpectedDuration: 1300 * time.Millisecond},
		{Text: "Oh, that's a good point...", Category: CategoryThinking, Emotion: "understanding", ExpectedDuration: 900 * time.Millisecond},
		{Text: "I see what you're getting at...", Category: CategoryThinking, Emotion: "engaged", ExpectedDuration: 1000 * time.Millisecond},

		{Text: "I understand...", Category: CategoryAcknowledging, Emotion: "understanding", ExpectedDuration: 800 * time.Millisecond},
		{Text: "Right, okay...", Category: CategoryAcknowledging, Emotion: "neutral", ExpectedDuration: 600 * time.Millisecond},
		{Text: "Yes, I see...", Category: CategoryAcknowledging, Emotion: "understanding", ExpectedDuration: 700 * time.Millisecond},
		{Text: "Mm-hmm, got it...", Category: CategoryAcknowledging, Emotion: "neutral", ExpectedDuration: 650 * time.Millisecond},
		{Text: "That makes sense...", Category: CategoryAcknowledging, Emotion: "understanding", ExpectedDuration: 850 * time.Millisecond},

		{Text: "Just to make sure I understand...", Category: CategoryClarifying, Emotion: "curious", ExpectedDuration: 1200 * time.Millisecond},
		{Text: "So you're saying...", Category: CategoryClarifying, Emotion: "curious", ExpectedDuration: 800 * time.Millisecond},
		{Text: "Let me clarify...", Category: CategoryClarifying, Emotion: "neutral", ExpectedDuration: 750 * time.Millisecond},
		{Text: "To be clear...", Category: CategoryClarifying, Emotion: "neutral", ExpectedDuration: 650 * time.Millisecond},
		{Text: "If I'm understanding correctly...", Category: CategoryClarifying, Emotion: "curious", ExpectedDuration: 1100 * time.Millisecond},

		{Text: "Give me just a second...", Category: CategoryProcessing, Emotion: "neutral", ExpectedDuration: 900 * time.Millisecond},
		{Text: "Let me process that...", Category: CategoryProcessing, Emotion: "neutral", ExpectedDuration: 850 * time.Millisecond},
		{Text: "One moment...", Category: CategoryProcessing, Emotion: "neutral", ExpectedDuration: 600 * time.Millisecond},
		{Text: "Bear with me...", Category: CategoryProcessing, Emotion: "neutral", ExpectedDuration: 700 * time.Millisecond},
		{Text: "Just processing that...", Category: CategoryProcessing, Emotion: "neutral", ExpectedDuration: 800 * time.Millisecond},
	}
}

// catalogFile is the YAML shape of an external phrase catalog.
type catalogFile struct {
	Phrases []phraseEntry `yaml:"phrases"`
}

// phraseEntry is one phrase as authored in YAML. Durations are written in
// milliseconds because yaml.v3 has no native duration type.
type phraseEntry struct {
	Text       string `yaml:"text"`
	Category   string `yaml:"category"`
	Emotion    string `yaml:"emotion"`
	DurationMs int    `yaml:"duration_ms"`
}

// LoadCatalog reads a phrase catalog from a YAML file. Unknown YAML fields are
// rejected so typos surface at startup instead of silently dropping phrases.
// Entries without an emotion default to "neutral".
func LoadCatalog(path string) ([]*Phrase, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("filler: open catalog %q: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var file catalogFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("filler: parse catalog %q: %w", path, err)
	}
	if len(file.Phrases) == 0 {
		return nil, fmt.Errorf("filler: catalog %q contains no phrases", path)
	}

	var errs []error
	phrases := make([]*Phrase, 0, len(file.Phrases))
	for i, e := range file.Phrases {
		if e.Text == "" {
			errs = append(errs, fmt.Errorf("phrases[%d]: text must not be empty", i))
			continue
		}
		cat := Category(e.Category)
		if !cat.IsValid() {
			errs = append(errs, fmt.Errorf("phrases[%d] (%q): unknown category %q", i, e.Text, e.Category))
			continue
		}
		if e.DurationMs <= 0 {
			errs = append(errs, fmt.Errorf("phrases[%d] (%q): duration_ms must be > 0, got %d", i, e.Text, e.DurationMs))
			continue
		}
		emotion := e.Emotion
		if emotion == "" {
			emotion = "neutral"
		}
		phrases = append(phrases, &Phrase{
			Text:             e.Text,
			Category:         cat,
			Emotion:          emotion,
			ExpectedDuration: time.Duration(e.DurationMs) * time.Millisecond,
		})
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("filler: invalid catalog %q: %w", path, errors.Join(errs...))
	}
	return phrases, nil
}
