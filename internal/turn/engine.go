package turn

import (
	"time"

	"github.com/cadenza-voice/cadenza/pkg/audio"
)

// Cutoff is the engine's verdict that the user has finished speaking. It
// carries the features that triggered the decision and the accumulated
// utterance; ownership of the buffer moves to the receiver.
type Cutoff struct {
	// Features is the decision-tick snapshot that crossed the threshold.
	Features Features

	// Utterance holds every frame accumulated since the turn began, oldest
	// first, including the trailing pause. The engine keeps no reference
	// after emitting.
	Utterance []audio.Frame

	// VoicedDuration is the cumulative voiced audio in the utterance.
	VoicedDuration time.Duration

	// At is when the decision fired.
	At time.Time
}

// State is a point-in-time view of the engine's turn state.
type State struct {
	// UserSpeaking is true from the first voiced frame of a turn until its
	// cutoff, including pauses still under the threshold.
	UserSpeaking bool

	// LastSpeechTime is when the most recent voiced frame arrived.
	LastSpeechTime time.Time

	// BufferedFrames counts the frames accumulated for the current turn.
	BufferedFrames int

	// VoicedDuration is the cumulative voiced audio in the current turn.
	VoicedDuration time.Duration
}

// Engine is the cutoff decision state machine. Each turn moves through two
// states: Speaking while voiced frames arrive, and silent-pending-cutoff
// once they stop. Every unvoiced tick while a turn is open scores the pause:
//
//	score = pause·Pause + (ceiling − latestRMS)·Energy + trailingSilence·Rate
//
// and the turn ends with a single [Cutoff] when the score exceeds the
// trained base threshold. Turns with less voiced audio than
// [Config.MinVoiced] are dropped as noise and never emit.
//
// The engine is owned by the decision loop and is not safe for concurrent
// use. Weight reads go through the shared [Weights] holder, which is.
type Engine struct {
	weights *Weights
	cfg     Config

	speaking   bool
	lastSpeech time.Time
	voiced     time.Duration
	pause      time.Duration

	buffer    []audio.Frame
	bufferDur time.Duration
	window    []audio.Frame
	last      *Features
}

// NewEngine creates a decision engine reading its weights from w. Zero
// fields of cfg select the documented defaults.
func NewEngine(w *Weights, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		weights: w,
		cfg:     cfg,
		window:  make([]audio.Frame, 0, cfg.WindowFrames),
	}
}

// ProcessFrame advances the state machine by one capture frame. It returns
// a non-nil [Cutoff] when the current turn ended on this tick, nil otherwise.
func (e *Engine) ProcessFrame(frame audio.Frame) *Cutoff {
	if len(frame.Data) == 0 {
		return nil
	}
	e.pushWindow(frame)

	rms := audio.RMS(frame.Data)
	if rms >= e.cfg.VoicedThreshold {
		e.speaking = true
		e.lastSpeech = time.Now()
		e.pause = 0
		e.voiced += frame.Duration()
		e.accumulate(frame)
		return nil
	}

	if !e.speaking {
		// Idle silence between turns: nothing to accumulate or score.
		return nil
	}

	// Unvoiced while a turn is open: the pause belongs to the utterance
	// until the cutoff fires.
	e.accumulate(frame)
	e.pause += frame.Duration()

	f := ExtractFeatures(e.window, e.cfg)
	// The extractor's backward scan stops at the window edge; the pause
	// accumulated across ticks is authoritative for both silence fields
	// once it outgrows the window.
	f.PauseDuration = e.pause
	f.TrailingSilence = max(f.TrailingSilence, e.pause)
	e.last = &f

	w := e.weights.Snapshot()
	if e.score(f, w) <= w.BaseThreshold {
		return nil
	}

	if e.voiced < e.cfg.MinVoiced {
		// Too little voiced audio to be a real turn; drop it as noise.
		e.endTurn()
		return nil
	}

	cut := &Cutoff{
		Features:       f,
		Utterance:      e.buffer,
		VoicedDuration: e.voiced,
		At:             time.Now(),
	}
	e.buffer = nil
	e.endTurn()
	return cut
}

// score implements the cutoff formula. The pitch weight is deliberately
// absent: PitchTrend data is too coarse to act on, so the weight is carried
// and trained but contributes zero.
func (e *Engine) score(f Features, w Values) float64 {
	var latest float64
	if n := len(f.EnergyTrend); n > 0 {
		latest = f.EnergyTrend[n-1]
	}
	return f.PauseDuration.Seconds()*w.Pause +
		(e.cfg.EnergyCeiling-latest)*w.Energy +
		f.TrailingSilence.Seconds()*w.Rate
}

// LastFeatures returns the most recent decision-tick features, or false when
// no decision tick has run since the engine was created or reset.
func (e *Engine) LastFeatures() (Features, bool) {
	if e.last == nil {
		return Features{}, false
	}
	return *e.last, true
}

// State returns a snapshot of the current turn state.
func (e *Engine) State() State {
	return State{
		UserSpeaking:   e.speaking,
		LastSpeechTime: e.lastSpeech,
		BufferedFrames: len(e.buffer),
		VoicedDuration: e.voiced,
	}
}

// Reset clears all turn state and the analysis window.
func (e *Engine) Reset() {
	e.endTurn()
	e.window = e.window[:0]
	e.last = nil
	e.lastSpeech = time.Time{}
}

// endTurn clears the per-turn state; the analysis window keeps rolling.
func (e *Engine) endTurn() {
	e.speaking = false
	e.voiced = 0
	e.pause = 0
	e.buffer = nil
	e.bufferDur = 0
}

// pushWindow rolls frame into the analysis window, shifting in place so
// evicted frames do not pin the backing array.
func (e *Engine) pushWindow(frame audio.Frame) {
	if len(e.window) == e.cfg.WindowFrames {
		copy(e.window, e.window[1:])
		e.window[len(e.window)-1] = frame
		return
	}
	e.window = append(e.window, frame)
}

// accumulate appends frame to the utterance buffer, dropping the oldest
// frames once the buffer exceeds MaxUtterance.
func (e *Engine) accumulate(frame audio.Frame) {
	e.buffer = append(e.buffer, frame)
	e.bufferDur += frame.Duration()
	for e.bufferDur > e.cfg.MaxUtterance && len(e.buffer) > 0 {
		e.bufferDur -= e.buffer[0].Duration()
		e.buffer = e.buffer[1:]
	}
}
