// Package turn implements the cutoff decision core: per-tick feature
// extraction over a sliding window of capture frames, the trainable scoring
// weights, and the state machine that decides when the user has finished
// speaking.
//
// The decision loop feeds every capture frame to [Engine.ProcessFrame]. While
// the user is speaking the engine accumulates the utterance; once frames go
// unvoiced it scores the pause on every tick and emits a single [Cutoff]
// event when the score clears the trained threshold. The event carries the
// triggering [Features] and the utterance buffer, whose ownership moves to
// the consumer.
//
// Scoring weights live in a [Weights] holder shared with the feedback
// trainer: the engine takes read snapshots per tick, the trainer adjusts the
// threshold under the write lock. See internal/turn/trainer.
package turn

import (
	"time"

	"github.com/cadenza-voice/cadenza/pkg/audio"
)

// TODO: derive speech rate from Deepgram word offsets once transcripts are
// threaded back into the decision loop.
const defaultSpeechRateWPM = 120

// Features is the signal snapshot the engine scores at one decision tick.
// Values are immutable once computed; the engine retains the most recent
// instance so spoken feedback can be attached to it.
type Features struct {
	// PauseDuration is how long the user has been unvoiced. The extractor
	// fills it with the window-local trailing silence; the engine overrides
	// it with the pause accumulated across ticks, which can extend past the
	// window.
	PauseDuration time.Duration

	// EnergyTrend holds the per-frame RMS values of the analysis window,
	// oldest first, normalized to [0, 1].
	EnergyTrend []float64

	// PitchTrend holds per-frame pitch estimates in Hz, oldest first.
	// The estimates are zero-crossing derived and coarse: half the crossing
	// rate tracks the fundamental for voiced speech and little else.
	PitchTrend []float64

	// SpeechRate is the estimated words per minute.
	SpeechRate float64

	// TrailingSilence is the continuous sub-threshold audio at the window
	// end. Like PauseDuration, the engine extends it with the cross-tick
	// pause once that outgrows the window.
	TrailingSilence time.Duration

	// Confidence is the voice-activity confidence in [0, 1]: the latest
	// frame's normalized RMS, clamped.
	Confidence float64
}

// Config tunes feature extraction and the decision engine. The zero value
// selects all defaults.
type Config struct {
	// VoicedThreshold is the normalized RMS level at or above which a frame
	// counts as voiced. Default 0.01.
	VoicedThreshold float64

	// SilenceThreshold is the normalized amplitude bound for the trailing-
	// silence scan. Default 0.01.
	SilenceThreshold float64

	// EnergyCeiling anchors the energy term of the cutoff score: quieter
	// trailing audio pushes the score up by (ceiling − latest RMS). Default 2.
	EnergyCeiling float64

	// MinVoiced is the cumulative voiced audio a turn needs before it may
	// emit a cutoff; anything shorter is discarded as noise. Default 500ms.
	MinVoiced time.Duration

	// WindowFrames is how many recent frames the analysis window spans.
	// Default 10.
	WindowFrames int

	// MaxUtterance caps the accumulated utterance buffer; when a turn runs
	// longer, the oldest frames are dropped. Default 2 minutes.
	MaxUtterance time.Duration
}

func (c Config) withDefaults() Config {
	if c.VoicedThreshold <= 0 {
		c.VoicedThreshold = 0.01
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = 0.01
	}
	if c.EnergyCeiling <= 0 {
		c.EnergyCeiling = 2.0
	}
	if c.MinVoiced <= 0 {
		c.MinVoiced = 500 * time.Millisecond
	}
	if c.WindowFrames <= 0 {
		c.WindowFrames = 10
	}
	if c.MaxUtterance <= 0 {
		c.MaxUtterance = 2 * time.Minute
	}
	return c
}

// ExtractFeatures computes [Features] over a window of mono PCM frames,
// ordered oldest first. It is a pure function: no state is retained between
// calls. An empty window yields zero Features.
func ExtractFeatures(window []audio.Frame, cfg Config) Features {
	if len(window) == 0 {
		return Features{}
	}
	cfg = cfg.withDefaults()

	energy := make([]float64, len(window))
	pitch := make([]float64, len(window))
	for i, f := range window {
		energy[i] = audio.RMS(f.Data)
		pitch[i] = audio.ZeroCrossingRate(f.Data, f.SampleRate) / 2
	}

	// Backward scan across frame boundaries: a frame that is only partially
	// silent ends the scan.
	var silence time.Duration
	for i := len(window) - 1; i >= 0; i-- {
		f := window[i]
		s := audio.TrailingSilence(f.Data, f.SampleRate, cfg.SilenceThreshold)
		silence += s
		if s < f.Duration() {
			break
		}
	}

	return Features{
		PauseDuration:   silence,
		EnergyTrend:     energy,
		PitchTrend:      pitch,
		SpeechRate:      defaultSpeechRateWPM,
		TrailingSilence: silence,
		Confidence:      min(energy[len(energy)-1], 1.0),
	}
}
