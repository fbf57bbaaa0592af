// Package trainer turns user corrections into cutoff threshold adjustments.
//
// The trainer sits between the decision engine and the feedback surfaces
// (slash command, spoken correction). Every cutoff's features are recorded
// via [Trainer.ObserveCutoff]; a following [Trainer.AddFeedback] labels them
// and appends a [Sample] to a rolling buffer. Each batch of feedback runs a
// retrain pass: a majority of too-early labels raises the base threshold one
// step (wait longer), a majority of too-late labels lowers it, and a tie
// leaves it alone. This is a deliberate monotone heuristic, not a
// statistical classifier.
//
// After every pass the weights are persisted. Persistence failure is
// recoverable: the in-memory weights stay authoritative and the next pass
// writes again.
package trainer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cadenza-voice/cadenza/internal/turn"
)

// ErrNoRecentCutoff is returned by [Trainer.AddFeedback] when no cutoff has
// fired since the last feedback call, so there are no features to label.
var ErrNoRecentCutoff = errors.New("trainer: no recent cutoff to attach feedback to")

// Label classifies a cutoff decision from the user's point of view.
type Label string

const (
	// LabelGood marks a cutoff that fired at the right moment.
	LabelGood Label = "good_cutoff"

	// LabelTooEarly marks a cutoff that interrupted the user.
	LabelTooEarly Label = "too_early"

	// LabelTooLate marks a cutoff the user had to wait for.
	LabelTooLate Label = "too_late"
)

// Sample pairs one labeled correction with the features of the cutoff it
// refers to.
type Sample struct {
	// Features is the snapshot that triggered the labeled cutoff.
	Features turn.Features

	// Label is the user's verdict on the cutoff timing.
	Label Label

	// Phrase is the correction utterance, when the feedback was spoken.
	Phrase string

	// Timestamp records when the feedback arrived.
	Timestamp time.Time
}

// PersistenceError wraps an I/O failure while persisting trained weights.
// Recoverable: the in-memory weights remain authoritative and the next
// retrain pass writes again.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("trainer: persist weights: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

const (
	defaultBatchSize = 10
	defaultStep      = 0.1
	defaultRetained  = 20
)

// Option configures a Trainer during construction.
type Option func(*Trainer)

// WithBatchSize sets how many feedback samples trigger a retrain pass.
// Default 10.
func WithBatchSize(n int) Option {
	return func(t *Trainer) {
		if n > 0 {
			t.batchSize = n
		}
	}
}

// WithStep sets the threshold adjustment applied per retrain pass.
// Default 0.1.
func WithStep(step float64) Option {
	return func(t *Trainer) {
		if step > 0 {
			t.step = step
		}
	}
}

// WithRetainedSamples sets how many samples survive buffer truncation after
// a retrain pass. Default 20.
func WithRetainedSamples(n int) Option {
	return func(t *Trainer) {
		if n > 0 {
			t.retained = n
		}
	}
}

// Trainer accumulates labeled cutoff samples and adjusts the shared weight
// holder in batches. All methods are safe for concurrent use.
type Trainer struct {
	mu      sync.Mutex
	weights *turn.Weights

	batchSize int
	step      float64
	retained  int

	samples      []Sample
	sinceRetrain int
	lastCutoff   *turn.Features
}

// New creates a Trainer mutating the given weight holder.
func New(weights *turn.Weights, opts ...Option) *Trainer {
	t := &Trainer{
		weights:   weights,
		batchSize: defaultBatchSize,
		step:      defaultStep,
		retained:  defaultRetained,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// ObserveCutoff records the features of the cutoff that just fired so a
// following feedback call can label them. Each new cutoff replaces the
// previous unlabeled one.
func (t *Trainer) ObserveCutoff(f turn.Features) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastCutoff = &f
}

// AddFeedback labels the most recent cutoff and appends a sample to the
// rolling buffer. The cutoff's features are consumed: a second call before
// the next cutoff returns [ErrNoRecentCutoff].
//
// When the call completes a batch, a retrain pass runs before returning. A
// [*PersistenceError] from the pass is recoverable — the feedback was
// recorded and the adjusted weights are live in memory.
func (t *Trainer) AddFeedback(label Label, phrase string) error {
	switch label {
	case LabelGood, LabelTooEarly, LabelTooLate:
	default:
		return fmt.Errorf("trainer: unknown label %q", label)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lastCutoff == nil {
		return ErrNoRecentCutoff
	}
	t.samples = append(t.samples, Sample{
		Features:  *t.lastCutoff,
		Label:     label,
		Phrase:    phrase,
		Timestamp: time.Now(),
	})
	t.lastCutoff = nil

	t.sinceRetrain++
	if t.sinceRetrain < t.batchSize {
		return nil
	}
	return t.retrain()
}

// SampleCount returns the current size of the rolling sample buffer.
func (t *Trainer) SampleCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.samples)
}

// Samples returns a copy of the rolling sample buffer, oldest first.
func (t *Trainer) Samples() []Sample {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Sample, len(t.samples))
	copy(out, t.samples)
	return out
}

// retrain runs one threshold adjustment pass over the rolling buffer, then
// persists the weights and truncates the buffer. Called with t.mu held.
func (t *Trainer) retrain() error {
	t.sinceRetrain = 0

	var early, late int
	for _, s := range t.samples {
		switch s.Label {
		case LabelTooEarly:
			early++
		case LabelTooLate:
			late++
		}
	}

	switch {
	case early > late:
		next := t.weights.AdjustThreshold(t.step)
		slog.Info("trainer: raised cutoff threshold",
			"threshold", next, "too_early", early, "too_late", late)
	case late > early:
		next := t.weights.AdjustThreshold(-t.step)
		slog.Info("trainer: lowered cutoff threshold",
			"threshold", next, "too_early", early, "too_late", late)
	default:
		slog.Info("trainer: cutoff threshold unchanged",
			"too_early", early, "too_late", late)
	}

	// Bounded memory: only the newest samples carry into the next pass.
	if len(t.samples) > t.retained {
		kept := make([]Sample, t.retained)
		copy(kept, t.samples[len(t.samples)-t.retained:])
		t.samples = kept
	}

	if err := t.weights.Save(); err != nil {
		slog.Warn("trainer: weight persistence failed, keeping in-memory state", "err", err)
		return &PersistenceError{Err: err}
	}
	return nil
}
