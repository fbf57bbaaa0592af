// Package energy implements a dependency-free VAD engine based on frame RMS
// energy with hysteresis.
//
// The detector compares each frame's root-mean-square level against a fixed
// threshold pair: a frame louder than Config.SpeechThreshold counts towards
// speech, a frame quieter than Config.SilenceThreshold counts towards silence.
// Activation and hangover frame counts debounce the transitions so a single
// plosive does not open a segment and a breath pause does not close one.
//
// Unlike model-backed engines, the thresholds here are not probabilities:
// they are normalized RMS levels in [0, 1] against int16 full scale. Speech
// over a typical voice channel lands around 0.02–0.2; 0.015 is a reasonable
// SpeechThreshold starting point with SilenceThreshold at two thirds of it.
//
// The reported VADEvent.Probability is the frame's normalized RMS clamped to
// [0, 1], so downstream consumers can use it as a loudness signal.
package energy

import (
	"errors"
	"fmt"

	"github.com/cadenza-voice/cadenza/pkg/audio"
	"github.com/cadenza-voice/cadenza/pkg/provider/vad"
)

const (
	// defaultActivationFrames is how many consecutive frames must exceed the
	// speech threshold before a segment opens.
	defaultActivationFrames = 2

	// defaultHangoverFrames is how many consecutive frames must fall below
	// the silence threshold before a segment closes.
	defaultHangoverFrames = 5
)

// Option configures an Engine during construction.
type Option func(*Engine)

// WithActivationFrames sets the consecutive-frame debounce before a speech
// segment opens. Default 2.
func WithActivationFrames(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.activationFrames = n
		}
	}
}

// WithHangoverFrames sets the consecutive-frame debounce before a speech
// segment closes. Default 5.
func WithHangoverFrames(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.hangoverFrames = n
		}
	}
}

// Engine creates RMS-threshold VAD sessions. It holds no per-stream state;
// all detection state lives in the sessions it creates.
type Engine struct {
	activationFrames int
	hangoverFrames   int
}

// Compile-time assertion that Engine satisfies the vad.Engine interface.
var _ vad.Engine = (*Engine)(nil)

// New creates an energy VAD engine with the given options.
func New(opts ...Option) *Engine {
	e := &Engine{
		activationFrames: defaultActivationFrames,
		hangoverFrames:   defaultHangoverFrames,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession creates a detection session for one audio stream.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: invalid frame size %dms", cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy: speech threshold %v out of range [0,1]", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %v must be in [0, speech threshold %v]",
			cfg.SilenceThreshold, cfg.SpeechThreshold)
	}

	return &session{
		cfg:              cfg,
		frameBytes:       cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2,
		activationFrames: e.activationFrames,
		hangoverFrames:   e.hangoverFrames,
	}, nil
}

// session holds the hysteresis state for one audio stream. Not safe for
// concurrent use; the pipeline loop owns it.
type session struct {
	cfg        vad.Config
	frameBytes int

	activationFrames int
	hangoverFrames   int

	speaking bool
	pending  int // consecutive loud frames while idle
	hangover int // consecutive quiet frames while speaking
	closed   bool
}

// Compile-time assertion that session satisfies the vad.SessionHandle interface.
var _ vad.SessionHandle = (*session)(nil)

// ProcessFrame classifies one mono 16-bit PCM frame.
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if s.closed {
		return vad.VADEvent{}, errors.New("energy: session closed")
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("energy: frame size %d bytes, want %d (%dms at %dHz)",
			len(frame), s.frameBytes, s.cfg.FrameSizeMs, s.cfg.SampleRate)
	}

	rms := audio.RMS(frame)
	level := min(rms, 1.0)

	if !s.speaking {
		if rms >= s.cfg.SpeechThreshold {
			s.pending++
			if s.pending >= s.activationFrames {
				s.speaking = true
				s.pending = 0
				s.hangover = 0
				return vad.VADEvent{Type: vad.VADSpeechStart, Probability: level}, nil
			}
		} else {
			s.pending = 0
		}
		return vad.VADEvent{Type: vad.VADSilence, Probability: level}, nil
	}

	if rms > s.cfg.SilenceThreshold {
		s.hangover = 0
		return vad.VADEvent{Type: vad.VADSpeechContinue, Probability: level}, nil
	}

	s.hangover++
	if s.hangover >= s.hangoverFrames {
		s.speaking = false
		s.hangover = 0
		return vad.VADEvent{Type: vad.VADSpeechEnd, Probability: level}, nil
	}
	return vad.VADEvent{Type: vad.VADSpeechContinue, Probability: level}, nil
}

// Reset clears the hysteresis state without closing the session.
func (s *session) Reset() {
	s.speaking = false
	s.pending = 0
	s.hangover = 0
}

// Close marks the session closed. Subsequent ProcessFrame calls error.
func (s *session) Close() error {
	s.closed = true
	return nil
}
