package mixer

import (
	"container/heap"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cadenza-voice/cadenza/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Mixer = (*PriorityMixer)(nil)

const (
	// DefaultGap is the base silence inserted between consecutive segments —
	// long enough that filler and reply read as two utterances, short enough
	// not to waste the latency the filler just bought.
	DefaultGap = 250 * time.Millisecond

	// defaultQueueCap is the initial capacity hint for the priority queue.
	defaultQueueCap = 8
)

// Option configures a [PriorityMixer] during construction.
type Option func(*PriorityMixer)

// WithGap sets the base silence gap between consecutive segments. Jitter of
// ±1/6 of the gap is applied automatically. Zero disables the gap.
func WithGap(d time.Duration) Option {
	return func(m *PriorityMixer) {
		m.gap = d
	}
}

// WithQueueCapacity sets the initial capacity hint for the internal queue.
// The queue still grows as needed.
func WithQueueCapacity(n int) Option {
	return func(m *PriorityMixer) {
		if n > 0 {
			m.queue = make(segmentHeap, 0, n)
		}
	}
}

// PriorityMixer is the concrete [audio.Mixer]. Playback runs on a single
// dispatch goroutine feeding the output callback, so chunks for different
// segments never interleave.
//
// All exported methods are safe for concurrent use.
type PriorityMixer struct {
	output func([]byte) // receives PCM chunks for playback, in order

	mu             sync.Mutex
	queue          segmentHeap
	seq            uint64
	gap            time.Duration
	playing        *audio.Segment
	playingPri     int
	cancelPlaying  chan struct{}
	bargeInHandler func()

	notify chan struct{}
	done   chan struct{}
	closed bool
}

// New creates a [PriorityMixer] delivering chunks to output and starts its
// dispatch goroutine. output must not be nil; it is called sequentially and
// must not block for long. Call [PriorityMixer.Close] to stop the mixer.
func New(output func([]byte), opts ...Option) *PriorityMixer {
	m := &PriorityMixer{
		output: output,
		queue:  make(segmentHeap, 0, defaultQueueCap),
		gap:    DefaultGap,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	heap.Init(&m.queue)
	go m.dispatch()
	return m
}

// Enqueue schedules segment at the given priority. A segment outranking the
// one currently playing preempts it with [audio.Preempted] semantics.
func (m *PriorityMixer) Enqueue(segment *audio.Segment, priority int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		m.discardLocked(segment)
		return
	}

	m.seq++
	heap.Push(&m.queue, queued{
		segment:  segment,
		priority: priority,
		seq:      m.seq,
	})

	if m.playing != nil && priority > m.playingPri {
		m.interruptLocked(audio.Preempted, false)
	}

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Interrupt stops the currently playing segment for the given reason and
// advances to the next queued segment. [audio.UserBargeIn] also clears the
// queue — the user has the floor; other reasons preserve queued segments.
func (m *PriorityMixer) Interrupt(reason audio.InterruptReason) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.interruptLocked(reason, reason == audio.UserBargeIn)
}

// BargeIn reports that the user started speaking during playback. It
// interrupts with [audio.UserBargeIn] semantics, clears the queue, and
// invokes the registered handler on a new goroutine.
func (m *PriorityMixer) BargeIn() {
	m.mu.Lock()
	handler := m.bargeInHandler
	m.interruptLocked(audio.UserBargeIn, true)
	m.mu.Unlock()

	if handler != nil {
		go handler()
	}
}

// OnBargeIn registers handler for [PriorityMixer.BargeIn] notifications.
// Later calls replace the previous handler.
func (m *PriorityMixer) OnBargeIn(handler func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.bargeInHandler = handler
}

// Playing reports whether a segment is currently being played.
func (m *PriorityMixer) Playing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playing != nil
}

// SetGap configures the base silence duration between consecutive segments.
// Jitter of ±1/6 is applied automatically; zero disables the gap entirely.
func (m *PriorityMixer) SetGap(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gap = d
}

// Close stops the dispatch goroutine, interrupts playback, and drains any
// queued segments. Idempotent.
func (m *PriorityMixer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	if m.playing != nil {
		m.interruptLocked(audio.StopRequested, false)
	}
	for m.queue.Len() > 0 {
		e := heap.Pop(&m.queue).(queued)
		m.discardLocked(e.segment)
	}
	m.mu.Unlock()

	close(m.done)
	return nil
}

// interruptLocked cancels the currently playing segment and optionally clears
// the queue. Must be called with m.mu held.
func (m *PriorityMixer) interruptLocked(reason audio.InterruptReason, clearQueue bool) {
	_ = reason // reserved for reason-specific transitions (fade-out on stop)

	if m.cancelPlaying != nil {
		close(m.cancelPlaying)
		m.cancelPlaying = nil
	}
	m.playing = nil

	if clearQueue {
		for m.queue.Len() > 0 {
			e := heap.Pop(&m.queue).(queued)
			m.discardLocked(e.segment)
		}
	}
}

// discardLocked releases a segment that will never play: its producer is
// drained and its Done channel closed so waiters are not stranded. Safe to
// call with m.mu held — nothing here blocks.
func (m *PriorityMixer) discardLocked(seg *audio.Segment) {
	go audio.Drain(seg.Audio)
	seg.MarkDone()
}

// dispatch pulls segments from the queue and streams their chunks to the
// output callback until Close.
func (m *PriorityMixer) dispatch() {
	var lastPlayed bool

	// Reusable timer for inter-segment gaps.
	gapTimer := time.NewTimer(0)
	if !gapTimer.Stop() {
		<-gapTimer.C
	}
	defer gapTimer.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-m.notify:
		}

		for {
			seg, cancel, ok := m.dequeue()
			if !ok {
				break
			}

			if lastPlayed {
				gapDur := m.gapWithJitter()
				if gapDur > 0 {
					gapTimer.Reset(gapDur)
					select {
					case <-m.done:
						if !gapTimer.Stop() {
							<-gapTimer.C
						}
						m.discard(seg)
						return
					case <-cancel:
						if !gapTimer.Stop() {
							<-gapTimer.C
						}
						// Interrupted during the gap — segment was preempted.
						m.discard(seg)
						continue
					case <-gapTimer.C:
					}
				}
			}

			m.play(seg, cancel)
			lastPlayed = true

			m.mu.Lock()
			if m.playing == seg {
				m.playing = nil
				m.cancelPlaying = nil
			}
			m.mu.Unlock()
		}
	}
}

// dequeue pops the highest-priority segment and marks it playing.
func (m *PriorityMixer) dequeue() (seg *audio.Segment, cancel chan struct{}, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.queue.Len() == 0 {
		return nil, nil, false
	}

	e := heap.Pop(&m.queue).(queued)
	cancel = make(chan struct{})
	m.playing = e.segment
	m.playingPri = e.priority
	m.cancelPlaying = cancel
	return e.segment, cancel, true
}

// play streams chunks from seg to the output callback until the segment ends
// or cancel closes. The first delivered chunk marks the segment started.
func (m *PriorityMixer) play(seg *audio.Segment, cancel chan struct{}) {
	defer seg.MarkDone()
	for {
		select {
		case <-m.done:
			go audio.Drain(seg.Audio)
			return
		case <-cancel:
			go audio.Drain(seg.Audio)
			return
		case chunk, ok := <-seg.Audio:
			if !ok {
				return // finished naturally
			}
			seg.MarkStarted(time.Now())
			m.output(chunk)
		}
	}
}

// discard releases a segment that was dequeued but never played.
func (m *PriorityMixer) discard(seg *audio.Segment) {
	go audio.Drain(seg.Audio)
	seg.MarkDone()
}

// gapWithJitter returns the configured gap with ±1/6 jitter applied.
func (m *PriorityMixer) gapWithJitter() time.Duration {
	m.mu.Lock()
	base := m.gap
	m.mu.Unlock()

	if base <= 0 {
		return 0
	}

	jitterRange := base / 6
	if jitterRange <= 0 {
		return base
	}

	jitter := time.Duration(rand.Int64N(int64(2*jitterRange+1))) - jitterRange
	return base + jitter
}
