// Package mock provides in-memory test doubles for the [audio.Platform],
// [audio.Connection], [audio.Device], and [audio.Mixer] interfaces.
//
// All mocks are safe for concurrent use. They record every method call so
// tests can assert on call counts and arguments, and expose exported fields
// the test sets to control return values.
//
// Typical capture-test usage:
//
//	stream := make(chan audio.Frame, 16)
//	dev := &mock.Device{Script: []mock.OpenResult{{Frames: stream}}}
//	cap := audio.NewCapture(dev)
//	_ = cap.Start(ctx)
//	stream <- someFrame
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cadenza-voice/cadenza/pkg/audio"
)

// ─── Device ───────────────────────────────────────────────────────────────────

// OpenResult scripts the outcome of one [Device.Open] call. When Err is nil,
// Frames is returned; the test owns the channel and is responsible for
// feeding and closing it.
type OpenResult struct {
	Frames chan audio.Frame
	Err    error
}

// Device is a scripted mock implementation of [audio.Device]. Each Open call
// consumes the next entry of Script; calls past the end fail.
type Device struct {
	mu sync.Mutex

	// Script holds the outcome of successive Open calls, in order.
	Script []OpenResult

	// ErrResult is returned by Err. Tests set it (directly or via SetErr)
	// before closing the active frame channel to simulate a device failure.
	ErrResult error

	// CloseErr is returned by every Close call.
	CloseErr error

	// OpenCount and CloseCount record call totals.
	OpenCount  int
	CloseCount int
}

// Compile-time interface assertion.
var _ audio.Device = (*Device)(nil)

// Open consumes the next scripted result.
func (d *Device) Open(_ context.Context) (<-chan audio.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCount++
	if len(d.Script) == 0 {
		return nil, errors.New("mock device: script exhausted")
	}
	next := d.Script[0]
	d.Script = d.Script[1:]
	if next.Err != nil {
		return nil, next.Err
	}
	return next.Frames, nil
}

// Err returns ErrResult.
func (d *Device) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ErrResult
}

// SetErr updates ErrResult. Call before closing the active frame channel to
// make the closure read as a failure rather than a clean stop.
func (d *Device) SetErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ErrResult = err
}

// Close records the call and returns CloseErr.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CloseCount++
	return d.CloseErr
}

// ─── Connection ───────────────────────────────────────────────────────────────

// Connection is a mock implementation of [audio.Connection].
type Connection struct {
	mu sync.Mutex

	// InputDeviceResult is returned by InputDevice. Defaults to a fresh
	// *Device with an empty script.
	InputDeviceResult audio.Device

	// OutputCh is returned by OutputStream. The test owns the channel.
	OutputCh chan audio.Frame

	// DisconnectErr is returned by Disconnect.
	DisconnectErr error

	// Call counters.
	CallCountInputDevice  int
	CallCountOutputStream int
	CallCountDisconnect   int
	CallCountOnPresence   int

	// RecordedCallbacks holds callbacks registered via OnPresence, in order.
	RecordedCallbacks []func(audio.Event)
}

// Compile-time interface assertion.
var _ audio.Connection = (*Connection)(nil)

// InputDevice returns InputDeviceResult, creating a default *Device if unset.
func (c *Connection) InputDevice() audio.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountInputDevice++
	if c.InputDeviceResult == nil {
		c.InputDeviceResult = &Device{}
	}
	return c.InputDeviceResult
}

// OutputStream returns OutputCh.
func (c *Connection) OutputStream() chan<- audio.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountOutputStream++
	return c.OutputCh
}

// OnPresence appends cb to RecordedCallbacks. Use [Connection.EmitPresence]
// to simulate events.
func (c *Connection) OnPresence(cb func(audio.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountOnPresence++
	c.RecordedCallbacks = append(c.RecordedCallbacks, cb)
}

// Disconnect records the call and returns DisconnectErr.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountDisconnect++
	return c.DisconnectErr
}

// EmitPresence calls all registered presence callbacks with ev.
func (c *Connection) EmitPresence(ev audio.Event) {
	c.mu.Lock()
	cbs := make([]func(audio.Event), len(c.RecordedCallbacks))
	copy(cbs, c.RecordedCallbacks)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// ConnectCall records the arguments of one [Platform.Connect] invocation.
type ConnectCall struct {
	ChannelID string
}

// Platform is a mock implementation of [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// ConnectResult is the connection returned by Connect.
	ConnectResult audio.Connection

	// ConnectError is the error returned by Connect.
	ConnectError error

	// ConnectCalls records all Connect invocations.
	ConnectCalls []ConnectCall
}

// Compile-time interface assertion.
var _ audio.Platform = (*Platform)(nil)

// Connect records the call and returns ConnectResult / ConnectError.
func (p *Platform) Connect(_ context.Context, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{ChannelID: channelID})
	return p.ConnectResult, p.ConnectError
}

// ─── Mixer ────────────────────────────────────────────────────────────────────

// EnqueueCall records the arguments of one [Mixer.Enqueue] invocation.
type EnqueueCall struct {
	Segment  *audio.Segment
	Priority int
}

// InterruptCall records the arguments of one [Mixer.Interrupt] invocation.
type InterruptCall struct {
	Reason audio.InterruptReason
}

// SetGapCall records the arguments of one [Mixer.SetGap] invocation.
type SetGapCall struct {
	Duration time.Duration
}

// Mixer is a mock implementation of [audio.Mixer].
//
// With AutoPlay set, enqueued segments are "played" by a single worker
// goroutine in FIFO order: chunks are drained, the first chunk marks the
// segment started, and completion marks it done. This gives engine tests
// realistic Started/Done signalling without real audio output.
type Mixer struct {
	mu sync.Mutex

	// AutoPlay enables the background playback simulation. Set before the
	// first Enqueue.
	AutoPlay bool

	// PlayingResult is returned by Playing.
	PlayingResult bool

	// EnqueueCalls, InterruptCalls, SetGapCalls record invocations in order.
	EnqueueCalls   []EnqueueCall
	InterruptCalls []InterruptCall
	SetGapCalls    []SetGapCall

	// CallCountOnBargeIn and CallCountBargeIn record call totals.
	CallCountOnBargeIn int
	CallCountBargeIn   int

	// BargeInHandlers holds handlers registered via OnBargeIn, in order.
	BargeInHandlers []func()

	playQueue chan *audio.Segment
	workerUp  sync.Once
}

// Compile-time interface assertion.
var _ audio.Mixer = (*Mixer)(nil)

// Enqueue records the call. With AutoPlay it also schedules the segment for
// simulated playback.
func (m *Mixer) Enqueue(segment *audio.Segment, priority int) {
	m.mu.Lock()
	m.EnqueueCalls = append(m.EnqueueCalls, EnqueueCall{Segment: segment, Priority: priority})
	auto := m.AutoPlay
	m.mu.Unlock()

	if !auto {
		return
	}
	m.workerUp.Do(func() {
		m.playQueue = make(chan *audio.Segment, 64)
		go func() {
			for seg := range m.playQueue {
				for chunk := range seg.Audio {
					_ = chunk
					seg.MarkStarted(time.Now())
				}
				seg.MarkDone()
			}
		}()
	})
	m.playQueue <- segment
}

// Interrupt records the reason.
func (m *Mixer) Interrupt(reason audio.InterruptReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InterruptCalls = append(m.InterruptCalls, InterruptCall{Reason: reason})
}

// BargeIn records the call and invokes registered handlers synchronously.
func (m *Mixer) BargeIn() {
	m.mu.Lock()
	m.CallCountBargeIn++
	handlers := make([]func(), len(m.BargeInHandlers))
	copy(handlers, m.BargeInHandlers)
	m.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

// OnBargeIn appends handler to BargeInHandlers.
func (m *Mixer) OnBargeIn(handler func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountOnBargeIn++
	m.BargeInHandlers = append(m.BargeInHandlers, handler)
}

// Playing returns PlayingResult.
func (m *Mixer) Playing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PlayingResult
}

// SetPlaying updates PlayingResult.
func (m *Mixer) SetPlaying(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PlayingResult = v
}

// SetGap records the gap duration.
func (m *Mixer) SetGap(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SetGapCalls = append(m.SetGapCalls, SetGapCall{Duration: d})
}
