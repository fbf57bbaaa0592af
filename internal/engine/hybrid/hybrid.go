// Package hybrid implements the latency-compensating response engine.
//
// The pipeline per cutoff: transcribe the moved utterance buffer, check the
// transcript for a spoken cutoff correction, then run the filler and the
// reply concurrently — the filler is enqueued before reply generation is
// dispatched so it always holds the queue head, and the reply queues behind
// it at the same priority. Two clocks are kept per turn: actual latency
// (cutoff to reply-ready) and perceived latency (cutoff to the first audio
// the user heard, which is the filler start whenever a filler played).
//
// # Failure semantics
//
// An empty transcription abandons the turn silently. Reply generation
// failure speaks a fixed local fallback line. Filler synthesis failure never
// aborts the reply: the filler segment closes empty and the mixer moves on.
// No per-turn failure reaches the session loop as an error; only context
// cancellation (barge-in, session stop) does.
package hybrid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cadenza-voice/cadenza/internal/engine"
	"github.com/cadenza-voice/cadenza/internal/feedback"
	"github.com/cadenza-voice/cadenza/internal/filler"
	"github.com/cadenza-voice/cadenza/internal/promptctx"
	"github.com/cadenza-voice/cadenza/internal/turn"
	"github.com/cadenza-voice/cadenza/internal/turn/trainer"
	"github.com/cadenza-voice/cadenza/pkg/audio"
	"github.com/cadenza-voice/cadenza/pkg/provider/llm"
	"github.com/cadenza-voice/cadenza/pkg/provider/stt"
	"github.com/cadenza-voice/cadenza/pkg/provider/tts"
)

// ReplyFallback is spoken when reply generation fails or times out.
const ReplyFallback = "Sorry, I lost my train of thought there. Could you say that again?"

const (
	defaultTranscribeTimeout = 10 * time.Second
	defaultReplyTimeout      = 30 * time.Second

	// Default playback PCM format. Discord voice wants 48 kHz stereo; the
	// mock platform accepts anything.
	defaultSampleRate = 48000
	defaultChannels   = 2

	// spokenHistory bounds the ring of recently spoken texts fed to the
	// filler selector's exclusion window.
	spokenHistory = 6
)

// Deps carries the engine's collaborators. STT, LLM, TTS and Mixer are
// required; everything else degrades gracefully when nil (no correction
// detection, no fillers, no prompt context, and so on).
type Deps struct {
	STT   stt.Provider
	LLM   llm.Provider
	TTS   tts.Provider
	Voice tts.VoiceProfile
	Mixer audio.Mixer

	Detector *feedback.Detector
	Trainer  *trainer.Trainer
	Journal  *feedback.Journal
	Weights  *turn.Weights

	Selector *filler.Selector
	Fillers  *filler.Cache

	Assembler  *promptctx.Assembler
	PreFetcher *promptctx.PreFetcher
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithPersona sets the persona system prompt used for reply generation.
func WithPersona(prompt string) Option {
	return func(e *Engine) { e.persona = prompt }
}

// WithPCMFormat sets the sample rate and channel count of the playback
// segments. Must match what the TTS provider emits.
func WithPCMFormat(sampleRate, channels int) Option {
	return func(e *Engine) {
		e.sampleRate = sampleRate
		e.channels = channels
	}
}

// WithTranscribeTimeout bounds the per-turn transcription stage.
func WithTranscribeTimeout(d time.Duration) Option {
	return func(e *Engine) { e.transcribeTimeout = d }
}

// WithReplyTimeout bounds prompt assembly plus reply generation.
func WithReplyTimeout(d time.Duration) Option {
	return func(e *Engine) { e.replyTimeout = d }
}

// WithTemperature sets the LLM sampling temperature for replies.
func WithTemperature(t float64) Option {
	return func(e *Engine) { e.temperature = t }
}

// WithMaxTokens caps reply length in completion tokens.
func WithMaxTokens(n int) Option {
	return func(e *Engine) { e.maxTokens = n }
}

// Engine is the latency-compensating [engine.Engine]. One instance serves one
// session.
type Engine struct {
	sessionID string
	deps      Deps

	persona           string
	sampleRate        int
	channels          int
	transcribeTimeout time.Duration
	replyTimeout      time.Duration
	temperature       float64
	maxTokens         int

	mu          sync.Mutex
	tools       []llm.ToolDefinition
	toolHandler func(name, args string) (string, error)
	spoken      []string

	// wg tracks the filler-render goroutines so Close can wait for them.
	wg sync.WaitGroup
}

// Compile-time assertion that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New constructs a hybrid engine for one session.
func New(sessionID string, deps Deps, opts ...Option) *Engine {
	e := &Engine{
		sessionID:         sessionID,
		deps:              deps,
		sampleRate:        defaultSampleRate,
		channels:          defaultChannels,
		transcribeTimeout: defaultTranscribeTimeout,
		replyTimeout:      defaultReplyTimeout,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// HandleCutoff runs the full turn pipeline for one cutoff. See the package
// documentation for the stage ordering and failure semantics.
func (e *Engine) HandleCutoff(ctx context.Context, cut *turn.Cutoff) (*engine.Turn, error) {
	if cut == nil || len(cut.Utterance) == 0 {
		return nil, errors.New("hybrid: cutoff carries no utterance")
	}

	// Bind the cutoff's features so any feedback — spoken in a moment or
	// typed minutes later — attaches to this decision.
	if e.deps.Trainer != nil {
		e.deps.Trainer.ObserveCutoff(cut.Features)
	}

	userText, err := e.transcribe(ctx, cut)
	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}
	if err != nil || userText == "" {
		if e.deps.PreFetcher != nil {
			e.deps.PreFetcher.Reset()
		}
		slog.Info("hybrid: turn abandoned, no transcription",
			"session", e.sessionID, "frames", len(cut.Utterance), "error", err)
		return &engine.Turn{Abandoned: true}, nil
	}

	if e.deps.Detector != nil {
		if match, ok := e.deps.Detector.Detect(userText); ok {
			return e.handleCorrection(ctx, userText, match)
		}
	}

	emotion := promptctx.ClassifyEmotion(userText)
	voice := e.deps.Voice
	voice.Emotion = promptctx.ResponseEmotion(emotion)

	out := &engine.Turn{
		UserText:        userText,
		Emotion:         emotion,
		ResponseEmotion: voice.Emotion,
		Topics:          promptctx.ExtractTopics(userText),
	}

	// Filler first: its segment must own the queue head before the reply is
	// even dispatched.
	fillerSeg := e.startFiller(ctx, userText, voice, out)

	replyText, fallback := e.generate(ctx, userText)
	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}
	out.ReplyText = replyText
	out.Fallback = fallback
	out.Actual = time.Since(cut.At)

	source := "reply"
	if fallback {
		source = "apology"
	}
	if err := e.speak(ctx, source, replyText, voice); err != nil {
		slog.Error("hybrid: reply synthesis failed",
			"session", e.sessionID, "error", err)
	}
	e.rememberSpoken(replyText)

	out.Perceived, out.FillerPlayed = e.resolvePerceived(ctx, fillerSeg, cut.At, out.Actual)
	return out, nil
}

// SetTools replaces the tool set offered during reply generation.
func (e *Engine) SetTools(tools []llm.ToolDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(tools) == 0 {
		e.tools = nil
		return nil
	}
	e.tools = slices.Clone(tools)
	return nil
}

// OnToolCall registers handler as the executor for LLM tool calls.
func (e *Engine) OnToolCall(handler func(name, args string) (string, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toolHandler = handler
}

// Close waits for in-flight filler renders to finish. Cancel the per-turn
// contexts first; Close never aborts work itself.
func (e *Engine) Close() error {
	e.wg.Wait()
	return nil
}

// transcribe runs the moved utterance buffer through a short-lived STT
// session and returns the joined final transcript. Partial results feed the
// speculative memory pre-fetcher while the final is still in flight.
func (e *Engine) transcribe(ctx context.Context, cut *turn.Cutoff) (string, error) {
	tctx, cancel := context.WithTimeout(ctx, e.transcribeTimeout)
	defer cancel()

	first := cut.Utterance[0]
	sess, err := e.deps.STT.StartStream(tctx, stt.StreamConfig{
		SampleRate: first.SampleRate,
		Channels:   first.Channels,
	})
	if err != nil {
		return "", fmt.Errorf("hybrid: start transcription: %w", err)
	}
	defer sess.Close()

	var partialsDone sync.WaitGroup
	partialsDone.Add(1)
	go func() {
		defer partialsDone.Done()
		for t := range sess.Partials() {
			if e.deps.PreFetcher != nil {
				e.deps.PreFetcher.ProcessPartial(tctx, t.Text)
			}
		}
	}()

	finals := make(chan string, 1)
	go func() {
		var parts []string
		for t := range sess.Finals() {
			if t.Text != "" {
				parts = append(parts, t.Text)
			}
		}
		finals <- strings.Join(parts, " ")
	}()

	for _, f := range cut.Utterance {
		if err := tctx.Err(); err != nil {
			return "", err
		}
		if err := sess.SendAudio(f.Data); err != nil {
			return "", fmt.Errorf("hybrid: send audio: %w", err)
		}
	}
	// Close flushes buffered audio and ends both transcript streams.
	if err := sess.Close(); err != nil {
		return "", fmt.Errorf("hybrid: finish transcription: %w", err)
	}

	select {
	case text := <-finals:
		partialsDone.Wait()
		return strings.TrimSpace(text), nil
	case <-tctx.Done():
		return "", tctx.Err()
	}
}

// handleCorrection routes a spoken cutoff correction: feedback to the
// trainer, a journal entry, and the fixed apology — no reply is generated.
func (e *Engine) handleCorrection(ctx context.Context, userText string, match feedback.Match) (*engine.Turn, error) {
	slog.Info("hybrid: spoken correction detected",
		"session", e.sessionID, "phrase", match.Phrase, "confidence", match.Confidence)

	if e.deps.Trainer != nil {
		if err := e.deps.Trainer.AddFeedback(trainer.LabelTooEarly, match.Phrase); err != nil {
			var perr *trainer.PersistenceError
			if errors.As(err, &perr) {
				slog.Warn("hybrid: feedback recorded, weights not persisted", "error", err)
			} else {
				slog.Warn("hybrid: feedback not recorded", "error", err)
			}
		}
	}

	if e.deps.Journal != nil {
		rec := feedback.Record{
			SessionID:  e.sessionID,
			Label:      string(trainer.LabelTooEarly),
			Phrase:     match.Phrase,
			Source:     feedback.SourceSpoken,
			Confidence: match.Confidence,
		}
		if e.deps.Weights != nil {
			rec.ThresholdAfter = e.deps.Weights.Snapshot().BaseThreshold
		}
		if err := e.deps.Journal.Append(rec); err != nil {
			slog.Warn("hybrid: feedback journal write failed", "error", err)
		}
	}

	if err := e.speak(ctx, "apology", feedback.Apology, e.deps.Voice); err != nil {
		slog.Error("hybrid: apology synthesis failed",
			"session", e.sessionID, "error", err)
	}
	e.rememberSpoken(feedback.Apology)

	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}
	return &engine.Turn{
		UserText:         userText,
		ReplyText:        feedback.Apology,
		Correction:       true,
		CorrectionPhrase: match.Phrase,
	}, nil
}

// startFiller selects a filler for the turn and, when one survives gating,
// enqueues its segment immediately. The audio is rendered on a background
// goroutine and streamed into the segment, so a cold cache never delays
// reply dispatch; a render failure closes the segment empty and the mixer
// skips straight to the reply.
func (e *Engine) startFiller(ctx context.Context, userText string, voice tts.VoiceProfile, out *engine.Turn) *audio.Segment {
	if e.deps.Selector == nil || e.deps.Fillers == nil {
		return nil
	}
	phrase := e.deps.Selector.Select(userText, e.recentSpoken())
	if phrase == nil {
		return nil
	}
	out.FillerText = phrase.Text
	e.rememberSpoken(phrase.Text)

	ch := make(chan []byte, 1)
	seg := audio.NewSegment("filler", ch, e.sampleRate, e.channels)
	e.deps.Mixer.Enqueue(seg, audio.PrioritySpeech)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(ch)
		data, err := e.deps.Fillers.Get(ctx, phrase, voice)
		if err != nil {
			slog.Warn("hybrid: filler render failed",
				"phrase", phrase.Text, "error", err)
			return
		}
		select {
		case ch <- data:
		case <-ctx.Done():
		}
	}()
	return seg
}

// generate produces the reply text. Prompt context and tool calls degrade:
// a failed assembly falls back to a bare prompt, a failed or absent tool
// handler leaves the model to answer on its own, and any generation failure
// yields the fixed fallback line (fallback=true).
func (e *Engine) generate(ctx context.Context, userText string) (text string, fallback bool) {
	gctx, cancel := context.WithTimeout(ctx, e.replyTimeout)
	defer cancel()

	var pctx *promptctx.PromptContext
	if e.deps.Assembler != nil {
		var err error
		pctx, err = e.deps.Assembler.Assemble(gctx, e.sessionID, userText)
		if err != nil {
			slog.Warn("hybrid: prompt context unavailable, replying without it", "error", err)
			pctx = nil
		}
	}
	if e.deps.PreFetcher != nil {
		// The speculative cache was merged (or went stale); next turn starts clean.
		e.deps.PreFetcher.Reset()
	}

	e.mu.Lock()
	tools := slices.Clone(e.tools)
	handler := e.toolHandler
	e.mu.Unlock()

	req := llm.CompletionRequest{
		Messages:    promptctx.BuildMessages(pctx, e.persona, userText),
		Temperature: e.temperature,
		MaxTokens:   e.maxTokens,
	}
	if handler != nil {
		req.Tools = tools
	}

	resp, err := e.deps.LLM.Complete(gctx, req)
	if err != nil || resp == nil {
		slog.Error("hybrid: reply generation failed",
			"session", e.sessionID, "error", err)
		return ReplyFallback, true
	}

	if len(resp.ToolCalls) > 0 && handler != nil {
		resp, err = e.completeToolCall(gctx, req, resp, handler)
		if err != nil || resp == nil {
			slog.Error("hybrid: reply generation failed after tool call",
				"session", e.sessionID, "error", err)
			return ReplyFallback, true
		}
	}

	text = strings.TrimSpace(resp.Content)
	if text == "" {
		slog.Error("hybrid: reply generation produced no text", "session", e.sessionID)
		return ReplyFallback, true
	}
	return text, false
}

// completeToolCall executes the first requested tool and reruns the
// completion with its result. One tool call per turn: the follow-up request
// offers no tools, which keeps the latency budget bounded.
func (e *Engine) completeToolCall(ctx context.Context, req llm.CompletionRequest, resp *llm.CompletionResponse, handler func(name, args string) (string, error)) (*llm.CompletionResponse, error) {
	tc := resp.ToolCalls[0]
	result, err := handler(tc.Name, tc.Arguments)
	if err != nil {
		// Feed the failure back as the tool result; the model can still answer.
		result = fmt.Sprintf("tool %s failed: %v", tc.Name, err)
		slog.Warn("hybrid: tool call failed", "tool", tc.Name, "error", err)
	}

	req.Messages = append(slices.Clone(req.Messages),
		llm.Message{Role: "assistant", Content: resp.Content, ToolCalls: []llm.ToolCall{tc}},
		llm.Message{Role: "tool", Content: result, ToolCallID: tc.ID},
	)
	req.Tools = nil
	return e.deps.LLM.Complete(ctx, req)
}

// speak synthesizes text one-shot and enqueues the resulting segment at
// speech priority, behind anything already queued for this turn.
func (e *Engine) speak(ctx context.Context, source, text string, voice tts.VoiceProfile) error {
	in := make(chan string, 1)
	in <- text
	close(in)

	out, err := e.deps.TTS.SynthesizeStream(ctx, in, voice)
	if err != nil {
		return fmt.Errorf("hybrid: synthesize %s: %w", source, err)
	}
	seg := audio.NewSegment(source, out, e.sampleRate, e.channels)
	e.deps.Mixer.Enqueue(seg, audio.PrioritySpeech)
	return nil
}

// resolvePerceived waits for the filler segment to start or give up and
// derives the perceived latency: the filler start when one played, the
// actual latency otherwise.
func (e *Engine) resolvePerceived(ctx context.Context, fillerSeg *audio.Segment, cutAt time.Time, actual time.Duration) (time.Duration, bool) {
	if fillerSeg == nil {
		return actual, false
	}
	select {
	case <-fillerSeg.Started():
	case <-fillerSeg.Done():
	case <-ctx.Done():
	}
	if at, ok := fillerSeg.StartedAt(); ok {
		// A cold filler render can start playing after the reply is already
		// out; the user never waited longer than the actual latency.
		return min(at.Sub(cutAt), actual), true
	}
	return actual, false
}

func (e *Engine) rememberSpoken(text string) {
	if text == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spoken = append(e.spoken, text)
	if len(e.spoken) > spokenHistory {
		fresh := make([]string, spokenHistory)
		copy(fresh, e.spoken[len(e.spoken)-spokenHistory:])
		e.spoken = fresh
	}
}

func (e *Engine) recentSpoken() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.spoken)
}
