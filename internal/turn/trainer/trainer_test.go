package trainer_test

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/cadenza-voice/cadenza/internal/turn"
	"github.com/cadenza-voice/cadenza/internal/turn/trainer"
)

// labelAll feeds one feedback sample per label, observing a fresh cutoff
// before each so every call has features to attach to.
func labelAll(t *testing.T, tr *trainer.Trainer, labels []trainer.Label) {
	t.Helper()
	for i, label := range labels {
		tr.ObserveCutoff(turn.Features{PauseDuration: time.Duration(i+1) * 100 * time.Millisecond})
		if err := tr.AddFeedback(label, ""); err != nil {
			var perr *trainer.PersistenceError
			if errors.As(err, &perr) {
				continue
			}
			t.Fatalf("AddFeedback #%d: %v", i+1, err)
		}
	}
}

// batch builds a label slice with the given counts, padded with good labels
// to the batch size of 10.
func batch(early, late int) []trainer.Label {
	labels := make([]trainer.Label, 0, 10)
	for range early {
		labels = append(labels, trainer.LabelTooEarly)
	}
	for range late {
		labels = append(labels, trainer.LabelTooLate)
	}
	for len(labels) < 10 {
		labels = append(labels, trainer.LabelGood)
	}
	return labels
}

func TestAddFeedback_NoRecentCutoff(t *testing.T) {
	t.Parallel()

	tr := trainer.New(turn.NewWeights())
	err := tr.AddFeedback(trainer.LabelTooEarly, "you cut me off")
	if !errors.Is(err, trainer.ErrNoRecentCutoff) {
		t.Errorf("expected ErrNoRecentCutoff, got %v", err)
	}
}

func TestAddFeedback_ConsumesCutoff(t *testing.T) {
	t.Parallel()

	tr := trainer.New(turn.NewWeights())
	tr.ObserveCutoff(turn.Features{PauseDuration: time.Second})

	if err := tr.AddFeedback(trainer.LabelGood, ""); err != nil {
		t.Fatalf("AddFeedback: %v", err)
	}
	err := tr.AddFeedback(trainer.LabelGood, "")
	if !errors.Is(err, trainer.ErrNoRecentCutoff) {
		t.Errorf("second feedback on the same cutoff: got %v, want ErrNoRecentCutoff", err)
	}
	if got := tr.SampleCount(); got != 1 {
		t.Errorf("SampleCount = %d, want 1", got)
	}
}

func TestAddFeedback_UnknownLabelRejected(t *testing.T) {
	t.Parallel()

	tr := trainer.New(turn.NewWeights())
	tr.ObserveCutoff(turn.Features{})

	err := tr.AddFeedback(trainer.Label("meh"), "")
	if err == nil {
		t.Fatal("expected error for unknown label")
	}
	if errors.Is(err, trainer.ErrNoRecentCutoff) {
		t.Error("unknown label must not read the pending cutoff")
	}
	if got := tr.SampleCount(); got != 0 {
		t.Errorf("SampleCount = %d, want 0", got)
	}
}

func TestRetrain_MajorityTooEarlyRaisesThreshold(t *testing.T) {
	t.Parallel()

	w := turn.NewWeights()
	tr := trainer.New(w)
	labelAll(t, tr, batch(6, 4))

	if got := w.Snapshot().BaseThreshold; !almost(got, 1.6) {
		t.Errorf("BaseThreshold = %f, want 1.6", got)
	}
}

func TestRetrain_MajorityTooLateLowersThreshold(t *testing.T) {
	t.Parallel()

	w := turn.NewWeights()
	tr := trainer.New(w)
	labelAll(t, tr, batch(3, 6))

	if got := w.Snapshot().BaseThreshold; !almost(got, 1.4) {
		t.Errorf("BaseThreshold = %f, want 1.4", got)
	}
}

func TestRetrain_TieLeavesThresholdUnchanged(t *testing.T) {
	t.Parallel()

	w := turn.NewWeights()
	tr := trainer.New(w)
	labelAll(t, tr, batch(5, 5))

	if got := w.Snapshot().BaseThreshold; !almost(got, 1.5) {
		t.Errorf("BaseThreshold = %f, want unchanged 1.5", got)
	}
}

func TestRetrain_NoPassBeforeBatchFull(t *testing.T) {
	t.Parallel()

	w := turn.NewWeights()
	tr := trainer.New(w)
	labelAll(t, tr, batch(9, 0)[:9])

	if got := w.Snapshot().BaseThreshold; !almost(got, 1.5) {
		t.Errorf("BaseThreshold = %f after 9 samples, want untouched 1.5", got)
	}
	if got := tr.SampleCount(); got != 9 {
		t.Errorf("SampleCount = %d, want 9", got)
	}
}

func TestRetrain_ThresholdClampsAtMinimum(t *testing.T) {
	t.Parallel()

	w := turn.NewWeights()
	if err := w.Set(turn.Values{Pause: 0.4, Energy: 0.3, Pitch: 0.2, Rate: 0.1, BaseThreshold: 0.12}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	tr := trainer.New(w)

	labelAll(t, tr, batch(0, 10))
	labelAll(t, tr, batch(0, 10))

	if got := w.Snapshot().BaseThreshold; got != turn.MinBaseThreshold {
		t.Errorf("BaseThreshold = %f, want clamp at %f", got, turn.MinBaseThreshold)
	}
}

func TestRetrain_BufferTruncatesToNewest(t *testing.T) {
	t.Parallel()

	tr := trainer.New(turn.NewWeights())
	for i := range 30 {
		tr.ObserveCutoff(turn.Features{})
		if err := tr.AddFeedback(trainer.LabelGood, fmt.Sprintf("phrase-%02d", i)); err != nil {
			t.Fatalf("AddFeedback #%d: %v", i, err)
		}
	}

	samples := tr.Samples()
	if len(samples) != 20 {
		t.Fatalf("retained %d samples, want 20", len(samples))
	}
	if samples[0].Phrase != "phrase-10" {
		t.Errorf("oldest retained = %q, want phrase-10", samples[0].Phrase)
	}
	if samples[19].Phrase != "phrase-29" {
		t.Errorf("newest retained = %q, want phrase-29", samples[19].Phrase)
	}
}

func TestRetrain_PersistsWeights(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "weights.json")
	w, err := turn.LoadWeights(path)
	if err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}
	tr := trainer.New(w)
	labelAll(t, tr, batch(10, 0))

	reloaded, err := turn.LoadWeights(path)
	if err != nil {
		t.Fatalf("LoadWeights (reload): %v", err)
	}
	if got := reloaded.Snapshot().BaseThreshold; !almost(got, 1.6) {
		t.Errorf("persisted BaseThreshold = %f, want 1.6", got)
	}
}

func TestRetrain_PersistenceFailureIsRecoverable(t *testing.T) {
	t.Parallel()

	// A path inside a directory that does not exist makes every save fail.
	path := filepath.Join(t.TempDir(), "missing", "weights.json")
	w, err := turn.LoadWeights(path)
	if err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}
	tr := trainer.New(w)

	var lastErr error
	for i := range 10 {
		tr.ObserveCutoff(turn.Features{})
		lastErr = tr.AddFeedback(trainer.LabelTooEarly, fmt.Sprintf("sample-%d", i))
	}

	var perr *trainer.PersistenceError
	if !errors.As(lastErr, &perr) {
		t.Fatalf("expected PersistenceError on the batch boundary, got %v", lastErr)
	}
	// In-memory training state stays authoritative.
	if got := w.Snapshot().BaseThreshold; !almost(got, 1.6) {
		t.Errorf("in-memory BaseThreshold = %f, want 1.6 despite failed save", got)
	}
	if got := tr.SampleCount(); got != 10 {
		t.Errorf("SampleCount = %d, want 10 — the feedback itself was recorded", got)
	}
}

func TestWithBatchSize(t *testing.T) {
	t.Parallel()

	w := turn.NewWeights()
	tr := trainer.New(w, trainer.WithBatchSize(4))
	labelAll(t, tr, []trainer.Label{
		trainer.LabelTooEarly, trainer.LabelTooEarly, trainer.LabelTooEarly, trainer.LabelGood,
	})

	if got := w.Snapshot().BaseThreshold; !almost(got, 1.6) {
		t.Errorf("BaseThreshold = %f, want 1.6 after a batch of 4", got)
	}
}

func almost(got, want float64) bool {
	const eps = 1e-9
	return got-want < eps && want-got < eps
}
