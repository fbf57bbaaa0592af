package audio

import (
	"sync"
	"sync/atomic"
	"time"
)

// Playback priorities. Filler and reply audio for a turn share
// [PrioritySpeech] so the mixer's FIFO tie-break preserves their order —
// the reply queues behind the filler instead of preempting it. Announcements
// (session greetings, urgent notices) use [PriorityAnnounce] and do preempt.
const (
	PrioritySpeech   = 10
	PriorityAnnounce = 20
)

// InterruptReason identifies why the current audio segment was cut short.
type InterruptReason int

const (
	// StopRequested indicates the session is shutting down playback.
	StopRequested InterruptReason = iota

	// UserBargeIn indicates the user started speaking while the companion
	// was still talking. The mixer yields the floor and clears the queue.
	UserBargeIn

	// Preempted indicates a higher-priority segment displaced the current one.
	Preempted
)

// String returns the human-readable name of the interrupt reason.
func (r InterruptReason) String() string {
	switch r {
	case StopRequested:
		return "STOP_REQUESTED"
	case UserBargeIn:
		return "USER_BARGE_IN"
	case Preempted:
		return "PREEMPTED"
	default:
		return "UNKNOWN"
	}
}

// Segment is a unit of companion speech submitted to a [Mixer]. Audio is
// streamed — chunks arrive incrementally on the Audio channel — so playback
// can begin before synthesis completes.
//
// Create segments with [NewSegment]; the zero value lacks the start/done
// signalling channels.
type Segment struct {
	// Source labels the segment for logs and metrics: "filler", "reply",
	// "apology", "announce".
	Source string

	// Audio is a read-only channel of raw PCM chunks. The producer closes it
	// when the segment ends or a mid-stream error occurs; check
	// [Segment.Err] after it closes.
	Audio <-chan []byte

	// SampleRate of the PCM data on Audio. Must be > 0.
	SampleRate int

	// Channels of the PCM data on Audio. Must be > 0.
	Channels int

	startedAt atomic.Pointer[time.Time]
	started   chan struct{}
	done      chan struct{}
	doneOnce  sync.Once
	streamErr atomic.Pointer[error]
}

// NewSegment creates a playable segment. audio is the streaming chunk channel
// owned by the producer.
func NewSegment(source string, audio <-chan []byte, sampleRate, channels int) *Segment {
	return &Segment{
		Source:     source,
		Audio:      audio,
		SampleRate: sampleRate,
		Channels:   channels,
		started:    make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Started is closed when the mixer delivers the segment's first chunk —
// the moment the user begins hearing it.
func (s *Segment) Started() <-chan struct{} {
	return s.started
}

// StartedAt returns when playback began, and false if it never did.
func (s *Segment) StartedAt() (time.Time, bool) {
	if p := s.startedAt.Load(); p != nil {
		return *p, true
	}
	return time.Time{}, false
}

// Done is closed when the segment finishes playing or is interrupted.
func (s *Segment) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that caused the Audio channel to close prematurely,
// or nil if the stream completed cleanly. Check after Audio closes.
func (s *Segment) Err() error {
	if p := s.streamErr.Load(); p != nil {
		return *p
	}
	return nil
}

// SetStreamErr records a mid-stream producer error. Call before closing the
// Audio channel so the mixer can distinguish completion from failure.
func (s *Segment) SetStreamErr(err error) {
	s.streamErr.Store(&err)
}

// MarkStarted records the first-chunk timestamp and closes the Started
// channel. Called by [Mixer] implementations; idempotent.
func (s *Segment) MarkStarted(t time.Time) {
	if s.startedAt.CompareAndSwap(nil, &t) && s.started != nil {
		close(s.started)
	}
}

// MarkDone signals playback completion. Called by [Mixer] implementations;
// idempotent.
func (s *Segment) MarkDone() {
	if s.done == nil {
		return
	}
	s.doneOnce.Do(func() { close(s.done) })
}

// Mixer schedules companion speech for playback. It guarantees a single
// voice: segments play one at a time, higher priorities preempt lower ones,
// and equal priorities play in submission order — which is how a turn's reply
// stays behind its filler.
//
// Implementations must be safe for concurrent use.
type Mixer interface {
	// Enqueue schedules segment at the given priority, which overrides any
	// priority implied by the segment itself. If the new segment outranks the
	// one currently playing, the current one is interrupted with [Preempted]
	// semantics.
	Enqueue(segment *Segment, priority int)

	// Interrupt stops the currently playing segment for the given reason.
	// [UserBargeIn] also clears the queue — the user has the floor. If nothing
	// is playing, Interrupt is a no-op (barge-in still clears the queue).
	Interrupt(reason InterruptReason)

	// BargeIn reports that the user started speaking during playback. It
	// interrupts with [UserBargeIn] semantics and invokes the registered
	// handler on a new goroutine.
	BargeIn()

	// OnBargeIn registers handler for barge-in notifications. Only one
	// handler may be registered; later calls replace it. The handler must
	// not block.
	OnBargeIn(handler func())

	// Playing reports whether a segment is currently being played.
	Playing() bool

	// SetGap configures the silence inserted between consecutive segments.
	// Zero plays segments back-to-back. Takes effect before the next segment.
	SetGap(d time.Duration)
}
