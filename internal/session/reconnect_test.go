package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cadenza-voice/cadenza/internal/session"
	"github.com/cadenza-voice/cadenza/pkg/audio"
	audiomock "github.com/cadenza-voice/cadenza/pkg/audio/mock"
)

// connectOutcome is one scripted Connect result.
type connectOutcome struct {
	conn audio.Connection
	err  error
}

// scriptedPlatform returns queued connect outcomes in order and repeats the
// final one when the script runs out. Safe for concurrent use.
type scriptedPlatform struct {
	mu       sync.Mutex
	outcomes []connectOutcome
	calls    int
}

var _ audio.Platform = (*scriptedPlatform)(nil)

func (p *scriptedPlatform) Connect(_ context.Context, _ string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	o := p.outcomes[0]
	if len(p.outcomes) > 1 {
		p.outcomes = p.outcomes[1:]
	}
	return o.conn, o.err
}

func (p *scriptedPlatform) connectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// TestReconnector_Connect verifies the initial dial and that the live
// connection is served afterwards.
func TestReconnector_Connect(t *testing.T) {
	t.Parallel()

	conn := &audiomock.Connection{}
	platform := &scriptedPlatform{outcomes: []connectOutcome{{conn: conn}}}
	r := session.NewReconnector(platform, "voice-1")

	got, err := r.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got != audio.Connection(conn) {
		t.Error("Connect returned a different connection")
	}
	if r.Connection() != audio.Connection(conn) {
		t.Error("Connection() does not serve the dialled connection")
	}
}

// TestReconnector_ConnectError verifies the initial dial failure surfaces.
func TestReconnector_ConnectError(t *testing.T) {
	t.Parallel()

	platform := &scriptedPlatform{outcomes: []connectOutcome{{err: errors.New("gateway closed")}}}
	r := session.NewReconnector(platform, "voice-1")

	if _, err := r.Connect(context.Background()); err == nil {
		t.Fatal("Connect succeeded against a dead gateway")
	}
	if r.Connection() != nil {
		t.Error("Connection() non-nil after a failed dial")
	}
}

// TestReconnector_RedialsAfterDisconnect verifies the backoff redial: the
// first retry fails, the second succeeds, the stale connection is released
// and the callback receives the fresh one.
func TestReconnector_RedialsAfterDisconnect(t *testing.T) {
	t.Parallel()

	oldConn := &audiomock.Connection{}
	newConn := &audiomock.Connection{}
	platform := &scriptedPlatform{outcomes: []connectOutcome{
		{conn: oldConn},
		{err: errors.New("still down")},
		{conn: newConn},
	}}

	reconnected := make(chan audio.Connection, 1)
	r := session.NewReconnector(platform, "voice-1",
		session.WithBackoff(time.Millisecond, 4*time.Millisecond),
		session.WithOnReconnect(func(c audio.Connection) { reconnected <- c }),
	)

	if _, err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	r.Monitor(context.Background())
	r.NotifyDisconnect()

	select {
	case c := <-reconnected:
		if c != audio.Connection(newConn) {
			t.Error("callback received the wrong connection")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the reconnect callback")
	}

	if r.Connection() != audio.Connection(newConn) {
		t.Error("Connection() does not serve the fresh connection")
	}
	if oldConn.CallCountDisconnect != 1 {
		t.Errorf("stale connection Disconnect calls = %d, want 1", oldConn.CallCountDisconnect)
	}
	if got := platform.connectCount(); got != 3 {
		t.Errorf("Connect calls = %d, want 3 (dial, failed retry, success)", got)
	}

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// TestReconnector_GivesUpAfterMaxRetries verifies the retry budget: after it
// is spent the stale connection stays in place and no further dials happen.
func TestReconnector_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	conn := &audiomock.Connection{}
	platform := &scriptedPlatform{outcomes: []connectOutcome{
		{conn: conn},
		{err: errors.New("still down")},
	}}
	r := session.NewReconnector(platform, "voice-1",
		session.WithMaxRetries(3),
		session.WithBackoff(time.Millisecond, time.Millisecond),
	)

	if _, err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	r.Monitor(context.Background())
	r.NotifyDisconnect()

	deadline := time.Now().Add(5 * time.Second)
	for platform.connectCount() < 4 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := platform.connectCount(); got != 4 {
		t.Fatalf("Connect calls = %d, want 4 (dial + 3 retries)", got)
	}

	// The budget is spent; no further dials may happen.
	time.Sleep(20 * time.Millisecond)
	if got := platform.connectCount(); got != 4 {
		t.Errorf("Connect calls grew to %d after giving up", got)
	}
	if r.Connection() != audio.Connection(conn) {
		t.Error("stale connection was replaced despite giving up")
	}

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// TestReconnector_CoalescesNotifications verifies that notifications sent
// before the monitor wakes trigger exactly one redial cycle.
func TestReconnector_CoalescesNotifications(t *testing.T) {
	t.Parallel()

	connA := &audiomock.Connection{}
	connB := &audiomock.Connection{}
	platform := &scriptedPlatform{outcomes: []connectOutcome{
		{conn: connA},
		{conn: connB},
	}}

	reconnected := make(chan audio.Connection, 2)
	r := session.NewReconnector(platform, "voice-1",
		session.WithBackoff(time.Millisecond, time.Millisecond),
		session.WithOnReconnect(func(c audio.Connection) { reconnected <- c }),
	)

	if _, err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	r.NotifyDisconnect()
	r.NotifyDisconnect()
	r.Monitor(context.Background())

	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the reconnect callback")
	}

	time.Sleep(20 * time.Millisecond)
	if got := platform.connectCount(); got != 2 {
		t.Errorf("Connect calls = %d, want 2 (coalesced notifications)", got)
	}
	select {
	case <-reconnected:
		t.Error("second redial cycle ran for coalesced notifications")
	default:
	}

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// TestReconnector_StopDisconnects verifies Stop releases the connection and
// is idempotent.
func TestReconnector_StopDisconnects(t *testing.T) {
	t.Parallel()

	conn := &audiomock.Connection{}
	platform := &scriptedPlatform{outcomes: []connectOutcome{{conn: conn}}}
	r := session.NewReconnector(platform, "voice-1")

	if _, err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if conn.CallCountDisconnect != 1 {
		t.Errorf("Disconnect calls = %d, want 1", conn.CallCountDisconnect)
	}
	if r.Connection() != nil {
		t.Error("Connection() non-nil after Stop")
	}

	if err := r.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if conn.CallCountDisconnect != 1 {
		t.Errorf("Disconnect calls after second Stop = %d, want 1", conn.CallCountDisconnect)
	}
}
