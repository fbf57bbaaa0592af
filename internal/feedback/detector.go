// Package feedback handles spoken turn-taking feedback: detecting correction
// phrases ("you cut me off") in live transcripts and journaling every feedback
// event to an append-only file for offline analysis.
//
// Detection is fuzzy on purpose. STT output is noisy exactly when the user is
// annoyed and talking over the companion, so an exact substring match would
// miss the moments that matter most. The detector combines Double Metaphone
// phonetic alignment with Jaro-Winkler similarity over sliding word windows:
//
//  1. Phonetic alignment: each known correction phrase is compared token by
//     token against a window of transcript words. When at least three quarters
//     of the phrase tokens have a phonetic counterpart in the window, the
//     lower phonetic threshold applies.
//  2. Jaro-Winkler ranking: the window and phrase are compared as full strings
//     (and space-stripped, to absorb STT spacing artifacts). Windows without
//     phonetic alignment must clear a stricter fuzzy threshold, which keeps
//     short phrases like "hold on" from matching everyday speech.
package feedback

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Apology is the fixed reply spoken when a correction phrase is detected.
// The turn that triggered it gets no generated reply.
const Apology = "Sorry about that! I'm learning when you're finished speaking. I'll wait longer next time."

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.90

	// defaultAlignmentFraction is the share of phrase tokens that must have a
	// phonetic counterpart in the window before the phonetic threshold applies.
	defaultAlignmentFraction = 0.75

	// minTranscriptWords guards against single-word transcripts; one word is
	// never enough evidence that the user is correcting the companion.
	minTranscriptWords = 2
)

// defaultCorrectionPhrases are the canonical ways users complain about being
// cut off. Detection returns the canonical form regardless of how the STT
// heard it.
var defaultCorrectionPhrases = []string{
	"i wasn't done",
	"i wasn't finished",
	"you cut me off",
	"let me finish",
	"i was still talking",
	"wait i'm not done",
	"hold on",
	"you interrupted me",
}

// Match reports a detected correction phrase.
type Match struct {
	// Phrase is the canonical correction phrase that matched.
	Phrase string

	// Confidence is the Jaro-Winkler similarity of the best matching window,
	// in (0, 1].
	Confidence float64
}

// Option configures a Detector.
type Option func(*Detector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-aligned window to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(d *Detector) { d.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when a
// window has no phonetic alignment with the phrase. Default: 0.90.
func WithFuzzyThreshold(threshold float64) Option {
	return func(d *Detector) { d.fuzzyThreshold = threshold }
}

// WithPhrases adds correction phrases beyond the built-in set. Phrases are
// matched lowercased; the canonical form returned is the string given here.
func WithPhrases(phrases ...string) Option {
	return func(d *Detector) { d.extra = append(d.extra, phrases...) }
}

// knownPhrase is a correction phrase with its precomputed matching data.
type knownPhrase struct {
	canonical string
	joined    string
	concat    string
	tokens    []string
	codes     []map[string]struct{}
}

// Detector recognises correction phrases in transcripts. It is read-only
// after construction and safe for concurrent use.
type Detector struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
	extra             []string

	phrases []knownPhrase
}

// NewDetector returns a Detector over the built-in correction phrases plus
// any supplied via [WithPhrases].
func NewDetector(opts ...Option) *Detector {
	d := &Detector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(d)
	}

	all := make([]string, 0, len(defaultCorrectionPhrases)+len(d.extra))
	all = append(all, defaultCorrectionPhrases...)
	all = append(all, d.extra...)
	for _, canonical := range all {
		tokens := tokenize(canonical)
		if len(tokens) == 0 {
			continue
		}
		d.phrases = append(d.phrases, knownPhrase{
			canonical: canonical,
			joined:    strings.Join(tokens, " "),
			concat:    strings.Join(tokens, ""),
			tokens:    tokens,
			codes:     codesForTokens(tokens),
		})
	}
	return d
}

// Detect reports whether transcript contains a correction phrase. When it
// does, the returned Match carries the canonical phrase and the similarity of
// the best window. Transcripts shorter than two words never match.
func (d *Detector) Detect(transcript string) (Match, bool) {
	words := tokenize(transcript)
	if len(words) < minTranscriptWords {
		return Match{}, false
	}
	wordCodes := codesForTokens(words)

	var best Match
	found := false
	for _, p := range d.phrases {
		for _, w := range windows(len(words), len(p.tokens)) {
			score := d.windowScore(words[w.start:w.end], wordCodes[w.start:w.end], p)
			if score > best.Confidence {
				best = Match{Phrase: p.canonical, Confidence: score}
				found = true
			}
		}
	}
	return best, found
}

// windowScore returns the window's Jaro-Winkler similarity against the phrase
// when the window clears its applicable threshold, and 0 otherwise.
func (d *Detector) windowScore(window []string, windowCodes []map[string]struct{}, p knownPhrase) float64 {
	joined := strings.Join(window, " ")
	jw := matchr.JaroWinkler(joined, p.joined, false)
	if s := matchr.JaroWinkler(strings.Join(window, ""), p.concat, false); s > jw {
		jw = s
	}

	threshold := d.fuzzyThreshold
	if phoneticAlignment(windowCodes, p.codes) >= defaultAlignmentFraction {
		threshold = d.phoneticThreshold
	}
	if jw < threshold {
		return 0
	}
	return jw
}

// span marks a half-open word range within the transcript.
type span struct {
	start, end int
}

// windows enumerates the word ranges worth comparing against a phrase of
// phraseLen tokens: every run of phraseLen and phraseLen+1 words, or the whole
// transcript when it is shorter than the phrase.
func windows(wordCount, phraseLen int) []span {
	if wordCount < phraseLen {
		return []span{{0, wordCount}}
	}
	var out []span
	for size := phraseLen; size <= phraseLen+1 && size <= wordCount; size++ {
		for start := 0; start+size <= wordCount; start++ {
			out = append(out, span{start, start + size})
		}
	}
	return out
}

// tokenize lowercases, splits on whitespace, and strips edge punctuation.
// Apostrophes inside a token survive so contractions keep their shape.
func tokenize(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"()")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// codesForTokens returns the Double Metaphone code set of each token in turn.
// Tokens too short to encode yield an empty set.
func codesForTokens(tokens []string) []map[string]struct{} {
	codes := make([]map[string]struct{}, len(tokens))
	for i, t := range tokens {
		set := make(map[string]struct{}, 2)
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			set[p] = struct{}{}
		}
		if s != "" {
			set[s] = struct{}{}
		}
		codes[i] = set
	}
	return codes
}

// phoneticAlignment returns the fraction of phrase tokens whose code set
// overlaps some window token's code set.
func phoneticAlignment(windowCodes, phraseCodes []map[string]struct{}) float64 {
	if len(phraseCodes) == 0 {
		return 0
	}
	matched := 0
	for _, pc := range phraseCodes {
		for _, wc := range windowCodes {
			if codesOverlap(pc, wc) {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(phraseCodes))
}

// codesOverlap reports whether the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
