package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Capture defaults. 100 ms of 16 kHz mono is the analysis granularity the
// turn-taking loop is tuned for; 32 queued frames ≈ 3.2 s of headroom before
// the stream starts shedding.
const (
	DefaultFrameDuration = 100 * time.Millisecond
	DefaultCaptureQueue  = 32
)

// DefaultCaptureFormat is the analysis format frames are converted to before
// they reach the decision loop.
var DefaultCaptureFormat = Format{SampleRate: 16000, Channels: 1}

// CaptureOption configures a [CaptureStream].
type CaptureOption func(*CaptureStream)

// WithFrameDuration sets the duration of emitted frames. Default 100 ms.
func WithFrameDuration(d time.Duration) CaptureOption {
	return func(c *CaptureStream) {
		if d > 0 {
			c.frameDur = d
		}
	}
}

// WithCaptureFormat sets the target format frames are converted to before
// emission. Default 16 kHz mono.
func WithCaptureFormat(f Format) CaptureOption {
	return func(c *CaptureStream) {
		if f.SampleRate > 0 && f.Channels > 0 {
			c.format = f
		}
	}
}

// WithQueueCapacity bounds the frame queue. When the queue is full the oldest
// unread frame is dropped so the device pump never blocks. Default 32.
func WithQueueCapacity(n int) CaptureOption {
	return func(c *CaptureStream) {
		if n > 0 {
			c.queueCap = n
		}
	}
}

// CaptureStream continuously ingests audio from a [Device], converts it to
// the analysis format, and re-frames it into fixed-duration frames on a
// bounded queue.
//
// The queue never applies backpressure to the device: when full, the oldest
// unread frame is evicted (and counted) so that a slow consumer loses history
// rather than stalling the platform read loop.
//
// Lifecycle: [CaptureStream.Start] acquires the device; the frame channel
// closes when the stream stops. After it closes, [CaptureStream.Err] reports
// nil for a clean [CaptureStream.Close] or a session-fatal error
// ([ErrStreamInterrupted]) when the device died and a single silent reopen
// attempt did not bring it back. The device handle is released on every exit
// path.
type CaptureStream struct {
	dev      Device
	format   Format
	frameDur time.Duration
	queueCap int

	out     chan Frame
	dropped atomic.Uint64
	err     atomic.Pointer[error]

	mu      sync.Mutex
	started bool

	done     chan struct{}
	stopOnce sync.Once
}

// NewCapture creates a capture stream over dev. Call [CaptureStream.Start]
// to acquire the device and begin frame delivery.
func NewCapture(dev Device, opts ...CaptureOption) *CaptureStream {
	c := &CaptureStream{
		dev:      dev,
		format:   DefaultCaptureFormat,
		frameDur: DefaultFrameDuration,
		queueCap: DefaultCaptureQueue,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.out = make(chan Frame, c.queueCap)
	return c
}

// Start acquires the device and starts the pump goroutine. The returned error
// wraps [ErrDeviceUnavailable] when the device cannot be opened. Start may be
// called once per stream.
func (c *CaptureStream) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("audio: capture already started")
	}
	c.started = true
	c.mu.Unlock()

	frames, err := c.dev.Open(ctx)
	if err != nil {
		close(c.out)
		_ = c.dev.Close()
		return fmt.Errorf("audio: open capture device: %w", errors.Join(ErrDeviceUnavailable, err))
	}

	go c.pump(ctx, frames)
	return nil
}

// Frames returns the bounded frame queue. The channel is closed when the
// stream stops; check [CaptureStream.Err] afterwards.
func (c *CaptureStream) Frames() <-chan Frame {
	return c.out
}

// Dropped returns the number of frames evicted because the queue was full.
func (c *CaptureStream) Dropped() uint64 {
	return c.dropped.Load()
}

// Err reports why the frame channel closed: nil after a clean stop, otherwise
// an error wrapping [ErrStreamInterrupted]. Valid only after Frames is closed.
func (c *CaptureStream) Err() error {
	if p := c.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Close stops the stream and releases the device. Idempotent; never blocks on
// the consumer.
func (c *CaptureStream) Close() error {
	c.stopOnce.Do(func() {
		close(c.done)
	})
	return c.dev.Close()
}

// setErr records the stream-fatal error exactly once.
func (c *CaptureStream) setErr(err error) {
	c.err.CompareAndSwap(nil, &err)
}

// pump converts and re-frames device audio until the stream stops. It owns
// the output channel and closes it on exit.
func (c *CaptureStream) pump(ctx context.Context, frames <-chan Frame) {
	defer close(c.out)
	defer func() { _ = c.dev.Close() }()

	conv := FormatConverter{Target: c.format}
	frameBytes := int(int64(c.format.SampleRate)*int64(c.frameDur)/int64(time.Second)) * 2 * c.format.Channels
	if frameBytes <= 0 {
		c.setErr(fmt.Errorf("audio: invalid capture framing %s/%s", c.format, c.frameDur))
		return
	}

	var (
		acc      []byte
		elapsed  time.Duration
		reopened bool
	)

	for {
		select {
		case <-c.done:
			return
		case f, ok := <-frames:
			if !ok {
				devErr := c.dev.Err()
				if devErr == nil {
					// Device closed cleanly underneath us.
					return
				}
				if reopened {
					c.setErr(fmt.Errorf("audio: capture device lost: %w", errors.Join(ErrStreamInterrupted, devErr)))
					return
				}
				// One silent reopen attempt before surfacing the failure.
				slog.Warn("audio: capture stream error, reopening device", "error", devErr)
				nf, err := c.dev.Open(ctx)
				if err != nil {
					c.setErr(fmt.Errorf("audio: capture reopen failed: %w", errors.Join(ErrStreamInterrupted, devErr, err)))
					return
				}
				frames = nf
				reopened = true
				continue
			}

			converted := conv.Convert(f)
			if len(converted.Data) == 0 {
				continue
			}
			acc = append(acc, converted.Data...)

			for len(acc) >= frameBytes {
				data := make([]byte, frameBytes)
				copy(data, acc[:frameBytes])
				acc = acc[frameBytes:]
				c.emit(Frame{
					Data:       data,
					SampleRate: c.format.SampleRate,
					Channels:   c.format.Channels,
					Timestamp:  elapsed,
				})
				elapsed += c.frameDur
			}
		}
	}
}

// emit enqueues a frame, evicting the oldest queued frame when full. The pump
// is the only producer, so after one eviction the send always succeeds.
func (c *CaptureStream) emit(f Frame) {
	select {
	case c.out <- f:
		return
	default:
	}
	select {
	case <-c.out:
		c.dropped.Add(1)
	default:
		// Consumer drained the queue between selects; there is room now.
	}
	c.out <- f
}
