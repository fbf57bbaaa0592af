package feedback

import (
	"testing"
)

func TestDetector_CatchesCanonicalPhrases(t *testing.T) {
	t.Parallel()

	d := NewDetector()
	phrases := []string{
		"i wasn't done",
		"i wasn't finished",
		"you cut me off",
		"let me finish",
		"i was still talking",
		"wait i'm not done",
		"hold on",
		"you interrupted me",
	}
	for _, phrase := range phrases {
		match, ok := d.Detect(phrase)
		if !ok {
			t.Fatalf("Detect(%q) missed a canonical phrase", phrase)
		}
		if match.Phrase != phrase {
			t.Fatalf("Detect(%q) matched %q, want the phrase itself", phrase, match.Phrase)
		}
		if match.Confidence < 0.99 {
			t.Fatalf("Detect(%q) confidence = %.3f, want ≥ 0.99 for an exact phrase", phrase, match.Confidence)
		}
	}
}

func TestDetector_CatchesTranscriptionNoise(t *testing.T) {
	t.Parallel()

	d := NewDetector()
	tests := []struct {
		transcript string
		want       string
	}{
		{"you cut me of", "you cut me off"},
		{"wait im not done", "wait i'm not done"},
		{"You cut me off!", "you cut me off"},
		{"sorry but you cut me off there", "you cut me off"},
		{"hey, let me finish", "let me finish"},
	}
	for _, tt := range tests {
		match, ok := d.Detect(tt.transcript)
		if !ok {
			t.Fatalf("Detect(%q) = no match, want %q", tt.transcript, tt.want)
		}
		if match.Phrase != tt.want {
			t.Fatalf("Detect(%q) = %q, want %q", tt.transcript, match.Phrase, tt.want)
		}
		if match.Confidence <= 0 || match.Confidence > 1 {
			t.Fatalf("Detect(%q) confidence = %.3f, want in (0, 1]", tt.transcript, match.Confidence)
		}
	}
}

func TestDetector_RejectsOrdinarySpeech(t *testing.T) {
	t.Parallel()

	d := NewDetector()
	transcripts := []string{
		"tell me more",
		"what's the weather like today",
		"hold the door please",
		"that was a great story",
		"i finished the book last night",
		"",
		"weather",
	}
	for _, transcript := range transcripts {
		if match, ok := d.Detect(transcript); ok {
			t.Fatalf("Detect(%q) matched %q (%.3f), want no match", transcript, match.Phrase, match.Confidence)
		}
	}
}

func TestDetector_CustomPhrases(t *testing.T) {
	t.Parallel()

	d := NewDetector(WithPhrases("that was too slow"))

	match, ok := d.Detect("that was too slow")
	if !ok || match.Phrase != "that was too slow" {
		t.Fatalf("Detect() on custom phrase = (%+v, %v), want a match", match, ok)
	}

	// Built-ins still work alongside the extras.
	if _, ok := d.Detect("you cut me off"); !ok {
		t.Fatal("Detect() missed a built-in phrase after adding custom ones")
	}
}

func TestDetector_ThresholdsAreConfigurable(t *testing.T) {
	t.Parallel()

	strict := NewDetector(WithPhoneticThreshold(0.999), WithFuzzyThreshold(0.999))
	if match, ok := strict.Detect("you cut me of"); ok {
		t.Fatalf("strict detector matched %q (%.3f), want no match below 0.999", match.Phrase, match.Confidence)
	}

	// The exact phrase still scores 1.0 and clears even the strict bar.
	if _, ok := strict.Detect("you cut me off"); !ok {
		t.Fatal("strict detector missed an exact phrase")
	}
}

func TestDetector_PicksBestAcrossPhrases(t *testing.T) {
	t.Parallel()

	d := NewDetector()
	match, ok := d.Detect("no wait i'm not done yet")
	if !ok {
		t.Fatal("Detect() missed an embedded correction")
	}
	if match.Phrase != "wait i'm not done" {
		t.Fatalf("Detect() = %q, want %q", match.Phrase, "wait i'm not done")
	}
}
