// Package audio defines the frame type, PCM analysis helpers, and the platform
// and playback abstractions the Cadenza pipeline is built on.
//
// The primary abstractions are:
//
//   - [Frame] — a fixed slice of PCM audio flowing through the pipeline.
//   - [Platform] / [Connection] — a voice-channel provider and an active session
//     on it, exposing one input [Device] and one output stream.
//   - [CaptureStream] — continuous frame ingestion with a bounded, drop-oldest
//     queue so a slow consumer can never stall the device.
//   - [Mixer] / [Segment] — ordered playback of synthesized speech with
//     priority scheduling and barge-in interrupts.
//
// Implementations of [Platform] live in adapter subpackages (audio/discord for
// Discord voice, audio/mock for tests). This package lives under pkg/ because
// platform adapters outside this repository are expected to implement these
// interfaces.
package audio

import "time"

// Frame is a single frame of PCM audio flowing through the pipeline. Frames
// are the atomic unit of audio transport: produced by a platform [Device],
// re-framed by a [CaptureStream], analysed by the turn-taking loop, and played
// back through a [Connection] output stream.
//
// A Frame is never mutated after creation. Ownership follows the channel it
// travels on: whoever receives the frame owns it until it is sent onward.
type Frame struct {
	// Data is little-endian int16 PCM, interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz (e.g. 48000 for Discord voice, 16000 for analysis).
	SampleRate int

	// Channels is 1 for mono or 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel in the frame.
func (f Frame) Samples() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / 2 / f.Channels
}

// Duration returns the play time of the frame, derived from its sample count.
// Returns zero for frames with an unset sample rate.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}
