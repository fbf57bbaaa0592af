package audio

import (
	"context"
	"errors"
)

// Session-fatal capture errors. Anything else in the audio path is a per-turn
// problem; these two stop the session.
var (
	// ErrDeviceUnavailable indicates no input device could be acquired.
	ErrDeviceUnavailable = errors.New("audio: input device unavailable")

	// ErrStreamInterrupted indicates the device failed mid-session and could
	// not be recovered by the capture stream's single reopen attempt.
	ErrStreamInterrupted = errors.New("audio: input stream interrupted")
)

// Device is an exclusive handle on a platform audio input. A Device delivers
// raw frames in whatever format the platform produces; the [CaptureStream]
// re-frames them for analysis.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// Open acquires the device and starts frame delivery. The returned channel
	// is closed when the device stops — cleanly on [Device.Close], or because
	// of a platform failure. ctx governs the acquisition attempt only.
	//
	// Open fails if the device is already held; a Device supports one open
	// stream at a time.
	Open(ctx context.Context) (<-chan Frame, error)

	// Err reports why the frame channel closed: nil after a clean Close,
	// otherwise the platform error that killed the stream. Valid only after
	// the channel returned by Open is closed.
	Err() error

	// Close releases the device. Idempotent; always releases the underlying
	// handle regardless of stream state.
	Close() error
}

// EventType classifies presence events emitted by a [Connection].
type EventType int

const (
	// EventJoin is emitted when a participant enters the voice channel.
	EventJoin EventType = iota

	// EventLeave is emitted when a participant leaves the voice channel.
	EventLeave
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// Event describes a presence change on a voice channel.
type Event struct {
	// Type indicates whether the participant joined or left.
	Type EventType

	// UserID is the platform-specific identifier for the participant.
	UserID string

	// Username is the human-readable display name, when the platform knows it.
	Username string
}

// Connection represents an active session on a voice channel: one input
// device carrying the user's voice and one output stream carrying the
// companion's.
//
// A Connection is obtained from [Platform.Connect] and remains valid until
// [Connection.Disconnect]. Implementations must be safe for concurrent use.
type Connection interface {
	// InputDevice returns the connection's microphone-side [Device]. The same
	// Device is returned on every call; it is exclusive to one capture stream.
	InputDevice() Device

	// OutputStream returns the write-only channel for companion audio. Frames
	// written here are transcoded as needed and sent to the channel.
	//
	// The platform does not close this channel on Disconnect — the writer owns
	// it. Writes after Disconnect drop frames rather than panic.
	OutputStream() chan<- Frame

	// OnPresence registers cb for participant join/leave events. Only one
	// callback may be registered at a time; later calls replace it. The
	// callback runs on an internal goroutine and must not block.
	OnPresence(cb func(Event))

	// Disconnect tears down the connection, releases the input device, and
	// closes all delivery channels. Safe to call more than once.
	Disconnect() error
}

// Platform is the entry point for a voice-channel provider. Implementations
// wrap provider SDKs (Discord, a local sound server, …) behind a uniform
// [Connection].
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins the voice channel identified by channelID. ctx governs the
	// connection attempt only; the returned Connection lives until Disconnect.
	Connect(ctx context.Context, channelID string) (Connection, error)
}
