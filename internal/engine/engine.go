// Package engine defines the response engine interface: the component that
// turns a completed utterance into spoken output.
//
// An Engine receives the [turn.Cutoff] emitted by the decision loop and owns
// everything that follows within the turn: transcription, correction
// detection, filler scheduling, reply generation, synthesis and playback
// ordering. It reports the outcome as a [Turn] so the session controller can
// update metrics and write conversation memory without knowing how the reply
// was produced.
//
// Implementations are provided by subpackages (hybrid for the
// latency-compensating filler pipeline). The interface is intentionally
// narrow so the session controller stays implementation-agnostic.
package engine

import (
	"context"
	"time"

	"github.com/cadenza-voice/cadenza/internal/turn"
	"github.com/cadenza-voice/cadenza/pkg/provider/llm"
)

// Turn is the outcome of one handled cutoff. The session controller uses it
// to update latency metrics and decide whether the exchange is worth
// remembering.
type Turn struct {
	// UserText is the final transcription of the utterance. Empty when the
	// turn was abandoned.
	UserText string

	// ReplyText is what the companion spoke back: the generated reply, the
	// fallback line when generation failed, or the apology after a spoken
	// correction.
	ReplyText string

	// Emotion is the register detected in the utterance and ResponseEmotion
	// the register the reply was spoken with.
	Emotion         string
	ResponseEmotion string

	// Topics are the conversation topics tagged on the utterance.
	Topics []string

	// FillerText is the filler phrase selected for this turn, empty when
	// gating suppressed it. FillerPlayed reports whether it actually reached
	// the speaker.
	FillerText   string
	FillerPlayed bool

	// Correction is true when the utterance was a spoken cutoff correction;
	// CorrectionPhrase is the canonical phrase it matched. Correction turns
	// never generate a reply.
	Correction       bool
	CorrectionPhrase string

	// Fallback is true when reply generation failed and the local apology
	// line was spoken instead.
	Fallback bool

	// Abandoned is true when transcription produced no text; nothing was
	// spoken and nothing should be remembered.
	Abandoned bool

	// Actual is cutoff to reply-ready; Perceived is cutoff to the first audio
	// the user heard (the filler start when a filler played, Actual
	// otherwise).
	Actual    time.Duration
	Perceived time.Duration
}

// Engine handles completed utterances for one session.
//
// Implementations must be safe for concurrent use, though the session
// controller issues HandleCutoff calls one at a time: turn handling is
// strictly ordered per session.
type Engine interface {
	// HandleCutoff runs the full turn pipeline for one cutoff event. It
	// blocks until the reply (or its fallback) is queued for playback and
	// the latency figures are resolved; audio may continue streaming after
	// it returns. Cancelling ctx — barge-in or session stop — aborts the
	// in-flight stages and returns the context error.
	HandleCutoff(ctx context.Context, cut *turn.Cutoff) (*Turn, error)

	// SetTools replaces the tool set offered to the LLM during reply
	// generation. Pass a nil or empty slice to disable tool calling.
	SetTools(tools []llm.ToolDefinition) error

	// OnToolCall registers handler as the executor for LLM tool calls.
	// handler receives the tool name and its JSON-encoded arguments and
	// returns a JSON-encoded result. Only one handler is active; later
	// calls replace it.
	OnToolCall(handler func(name, args string) (string, error))

	// Close waits for the engine's background work to finish. Cancel the
	// per-turn contexts first; Close does not abort in-flight turns itself.
	Close() error
}
