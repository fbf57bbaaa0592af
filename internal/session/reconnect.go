package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cadenza-voice/cadenza/pkg/audio"
)

// Reconnect defaults: ten attempts, 1 s initial backoff doubling to 30 s.
const (
	defaultMaxRetries = 10
	defaultBackoff    = time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Reconnector keeps a voice-channel connection alive across gateway drops.
//
// Callers obtain the initial connection via [Reconnector.Connect] and start
// [Reconnector.Monitor]. When the platform adapter detects a drop it calls
// [Reconnector.NotifyDisconnect]; the monitor then redials with exponential
// backoff and hands the fresh connection to the OnReconnect callback so the
// capture and playback plumbing can be re-attached.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	platform    audio.Platform
	channelID   string
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func(audio.Connection)

	mu           sync.Mutex
	conn         audio.Connection
	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{}
}

// ReconnectOption configures a [Reconnector].
type ReconnectOption func(*Reconnector)

// WithMaxRetries caps redial attempts per drop. Default 10.
func WithMaxRetries(n int) ReconnectOption {
	return func(r *Reconnector) {
		if n > 0 {
			r.maxRetries = n
		}
	}
}

// WithBackoff sets the initial and maximum redial backoff. The delay doubles
// each failed attempt up to max. Defaults 1 s and 30 s.
func WithBackoff(initial, max time.Duration) ReconnectOption {
	return func(r *Reconnector) {
		if initial > 0 {
			r.backoff = initial
		}
		if max > 0 {
			r.maxBackoff = max
		}
	}
}

// WithOnReconnect registers the callback invoked with each fresh connection
// after a successful redial.
func WithOnReconnect(fn func(audio.Connection)) ReconnectOption {
	return func(r *Reconnector) { r.onReconnect = fn }
}

// NewReconnector creates a reconnector for the given channel on platform.
func NewReconnector(platform audio.Platform, channelID string, opts ...ReconnectOption) *Reconnector {
	r := &Reconnector{
		platform:     platform,
		channelID:    channelID,
		maxRetries:   defaultMaxRetries,
		backoff:      defaultBackoff,
		maxBackoff:   defaultMaxBackoff,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Connect dials the voice channel for the first time.
func (r *Reconnector) Connect(ctx context.Context) (audio.Connection, error) {
	conn, err := r.platform.Connect(ctx, r.channelID)
	if err != nil {
		return nil, fmt.Errorf("session: connect voice channel: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	return conn, nil
}

// Monitor watches for disconnect notifications in a background goroutine
// until ctx is cancelled or [Reconnector.Stop] is called.
func (r *Reconnector) Monitor(ctx context.Context) {
	go r.monitorLoop(ctx)
}

// NotifyDisconnect signals that the connection dropped and a redial should
// start. Repeat calls within one redial cycle coalesce.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
	}
}

// Stop halts monitoring and disconnects the current connection. Idempotent.
func (r *Reconnector) Stop() error {
	r.stopOnce.Do(func() {
		close(r.done)
	})

	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn != nil {
		return conn.Disconnect()
	}
	return nil
}

// Connection returns the live connection, or nil while a redial is in
// progress.
func (r *Reconnector) Connection() audio.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			r.redial(ctx)
		}
	}
}

// redial attempts reconnection with exponential backoff until it succeeds,
// the retry budget runs out, or the monitor stops.
func (r *Reconnector) redial(ctx context.Context) {
	delay := r.backoff

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		slog.Info("session: reconnecting voice channel",
			"channel_id", r.channelID,
			"attempt", attempt,
			"max_retries", r.maxRetries)

		conn, err := r.platform.Connect(ctx, r.channelID)
		if err == nil {
			r.mu.Lock()
			stale := r.conn
			r.conn = conn
			r.mu.Unlock()

			// Release whatever resources the dead connection still holds.
			if stale != nil {
				_ = stale.Disconnect()
			}

			slog.Info("session: voice channel reconnected",
				"channel_id", r.channelID,
				"attempt", attempt)

			if r.onReconnect != nil {
				r.onReconnect(conn)
			}
			return
		}

		slog.Warn("session: reconnect attempt failed",
			"channel_id", r.channelID,
			"attempt", attempt,
			"error", err)

		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > r.maxBackoff {
			delay = r.maxBackoff
		}
	}

	slog.Error("session: voice channel reconnect gave up",
		"channel_id", r.channelID,
		"max_retries", r.maxRetries)
}
