// Package session runs one voice conversation end to end: it owns the
// capture stream, the turn-taking decision loop, and the response engine,
// and it tears all three down deterministically on stop.
//
// The controller wires two loops around a bounded cutoff queue. The decision
// loop pulls frames from the [audio.CaptureStream], feeds them to the
// scoring engine and fires barge-in when the user speaks over playback. The
// turn loop consumes cutoffs strictly in order and drives the response
// engine, so a new exchange never overtakes the previous one. Everything a
// turn produces flows back here for latency metrics and conversation memory.
//
// Session-fatal conditions are capture failures only. Every per-turn error
// is absorbed, logged, and survived; see the engine and trainer packages for
// the recoverable taxonomy.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cadenza-voice/cadenza/internal/engine"
	"github.com/cadenza-voice/cadenza/internal/feedback"
	"github.com/cadenza-voice/cadenza/internal/observe"
	"github.com/cadenza-voice/cadenza/internal/turn"
	"github.com/cadenza-voice/cadenza/internal/turn/trainer"
	"github.com/cadenza-voice/cadenza/pkg/audio"
	"github.com/cadenza-voice/cadenza/pkg/memory"
	"github.com/cadenza-voice/cadenza/pkg/provider/embeddings"
	"github.com/cadenza-voice/cadenza/pkg/provider/vad"
)

const (
	// cutoffQueue bounds the handoff between the decision loop and the turn
	// loop. The turn loop drains one cutoff at a time; anything beyond the
	// buffer is dropped with an error log rather than stalling frame intake.
	cutoffQueue = 4

	// bargeInDebounce keeps a sustained voiced stretch from re-firing the
	// mixer interrupt on every frame.
	bargeInDebounce = time.Second

	// fallbackVoicedRMS classifies a frame as voiced when no VAD engine is
	// configured or its session failed. Matches the energy engine's silence
	// floor.
	fallbackVoicedRMS = 0.01

	// vadSpeechLevel and vadSilenceLevel parameterise the VAD session used
	// for barge-in detection.
	vadSpeechLevel  = 0.015
	vadSilenceLevel = 0.01

	// persistTimeout bounds each asynchronous memory write.
	persistTimeout = 10 * time.Second

	// consolidateTimeout bounds the end-of-session summary; Stop never hangs
	// on a slow model.
	consolidateTimeout = 30 * time.Second
)

// Config assembles the dependencies for one session. Capture, Mixer, Engine
// and Weights are required; everything else degrades to a narrower session
// when absent.
type Config struct {
	// SessionID names the session in logs, memory rows and the feedback
	// journal. A fresh UUID is assigned when empty.
	SessionID string

	// Capture is the frame source. The controller starts it and closes it.
	Capture *audio.CaptureStream

	// Mixer plays the engine's output and reports barge-in. The controller
	// registers the barge-in handler and interrupts playback on stop.
	Mixer audio.Mixer

	// Engine handles each cutoff. The controller closes it on stop.
	Engine engine.Engine

	// Weights is the shared scoring weight set, flushed on stop.
	Weights *turn.Weights

	// TurnConfig parameterises the decision engine built for this session.
	TurnConfig turn.Config

	// Trainer receives explicit feedback submitted through the command
	// surface. Optional; SubmitFeedback errors when nil.
	Trainer *trainer.Trainer

	// Journal records feedback events. Optional.
	Journal *feedback.Journal

	// VAD classifies frames as voiced for barge-in detection. Optional; a
	// plain RMS floor is used when nil.
	VAD vad.Engine

	// Store receives completed turns. Optional; nothing is remembered when
	// nil.
	Store memory.Store

	// Embedder vectorises turns before they are written. Optional; turns are
	// stored without embeddings when nil.
	Embedder embeddings.Provider

	// Consolidator writes the end-of-session summary on stop. Optional.
	Consolidator *Consolidator

	// OnTurn, when set, observes every completed turn after metrics are
	// recorded. Called from the turn loop; keep it fast.
	OnTurn func(*engine.Turn)
}

// Controller drives one session from Start to Stop. A Controller is
// single-use: create a fresh one per session.
type Controller struct {
	cfg     Config
	id      string
	cutoffs chan *turn.Cutoff
	done    chan struct{}

	metrics  metricsRecorder
	stopOnce sync.Once
	writes   sync.WaitGroup

	mu         sync.Mutex
	started    bool
	active     bool
	startedAt  time.Time
	cancelRun  context.CancelFunc
	turnCancel context.CancelFunc
	runErr     error
}

// New validates cfg and returns an idle controller. Missing required
// dependencies are reported joined, one error per field.
func New(cfg Config) (*Controller, error) {
	var errs []error
	if cfg.Capture == nil {
		errs = append(errs, errors.New("session: capture stream required"))
	}
	if cfg.Mixer == nil {
		errs = append(errs, errors.New("session: mixer required"))
	}
	if cfg.Engine == nil {
		errs = append(errs, errors.New("session: response engine required"))
	}
	if cfg.Weights == nil {
		errs = append(errs, errors.New("session: weights required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	id := cfg.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	return &Controller{
		cfg:     cfg,
		id:      id,
		cutoffs: make(chan *turn.Cutoff, cutoffQueue),
		done:    make(chan struct{}),
	}, nil
}

// SessionID returns the identifier this session logs and persists under.
func (c *Controller) SessionID() string { return c.id }

// Done is closed when the decision and turn loops have exited — after a
// clean [Controller.Stop] or a capture failure. Callers watching Done must
// still call Stop to release resources and collect the run error.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Start opens the capture stream and launches the decision and turn loops.
// It returns once both are running; the session then lives until [Stop] or a
// capture failure. Starting twice is an error.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("session: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.started = true
	c.active = true
	c.startedAt = time.Now()
	c.cancelRun = cancel
	c.mu.Unlock()

	if err := c.cfg.Capture.Start(runCtx); err != nil {
		cancel()
		c.mu.Lock()
		c.active = false
		c.mu.Unlock()
		close(c.done)
		return fmt.Errorf("session: start capture: %w", err)
	}

	c.cfg.Mixer.OnBargeIn(c.cancelActiveTurn)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return c.decisionLoop(gctx) })
	g.Go(func() error { return c.turnLoop(gctx) })

	go func() {
		err := g.Wait()
		c.mu.Lock()
		c.runErr = err
		wasActive := c.active
		c.active = false
		c.mu.Unlock()
		if err != nil && wasActive {
			slog.Error("session: loops stopped", "session", c.id, "error", err)
		}
		close(c.done)
	}()

	slog.Info("session: started", "session", c.id)
	return nil
}

// Stop tears the session down: cancels the run context, interrupts playback,
// releases the capture device, waits for both loops and any pending memory
// writes, consolidates, and flushes the weight file. It returns the final
// latency metrics. Stop is idempotent; repeat calls return the same metrics
// with a nil error.
func (c *Controller) Stop() (LatencyMetrics, error) {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return c.metrics.snapshot(), errors.New("session: not started")
	}

	var err error
	c.stopOnce.Do(func() { err = c.teardown() })
	return c.metrics.snapshot(), err
}

func (c *Controller) teardown() error {
	c.mu.Lock()
	cancel := c.cancelRun
	c.mu.Unlock()
	cancel()

	c.cfg.Mixer.Interrupt(audio.StopRequested)

	// Closing the capture stream closes Frames(), which unblocks the
	// decision loop even when the run context was already spent.
	capErr := c.cfg.Capture.Close()
	<-c.done

	engErr := c.cfg.Engine.Close()
	c.writes.Wait()

	c.consolidate()

	var saveErr error
	if err := c.cfg.Weights.Save(); err != nil {
		saveErr = fmt.Errorf("session: flush weights: %w", err)
	}

	c.mu.Lock()
	runErr := c.runErr
	c.mu.Unlock()

	slog.Info("session: stopped", "session", c.id,
		"turns", c.metrics.snapshot().Turns,
		"dropped_frames", c.cfg.Capture.Dropped())
	return errors.Join(runErr, capErr, engErr, saveErr)
}

// Status reports the session's current state for the status surfaces.
func (c *Controller) Status() Status {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()

	s := Status{
		SessionID:        c.id,
		Active:           active,
		CurrentThreshold: c.cfg.Weights.Snapshot().BaseThreshold,
		Metrics:          c.metrics.snapshot(),
	}
	if c.cfg.Trainer != nil {
		s.FeedbackSampleCount = c.cfg.Trainer.SampleCount()
	}
	return s
}

// Status is a point-in-time view of a session.
type Status struct {
	SessionID           string
	Active              bool
	CurrentThreshold    float64
	FeedbackSampleCount int
	Metrics             LatencyMetrics
}

// SubmitFeedback records an explicit cutoff judgement from the command
// surface. The label must be one the trainer accepts; feedback with no
// recent cutoff to attach to is rejected with [trainer.ErrNoRecentCutoff].
// A persistence failure after a successful retrain is logged, not returned:
// the in-memory weights already carry the adjustment.
func (c *Controller) SubmitFeedback(label, phrase string) error {
	if c.cfg.Trainer == nil {
		return errors.New("session: feedback trainer not configured")
	}
	if err := c.cfg.Trainer.AddFeedback(trainer.Label(label), phrase); err != nil {
		var perr *trainer.PersistenceError
		if !errors.As(err, &perr) {
			return fmt.Errorf("session: submit feedback: %w", err)
		}
		slog.Warn("session: feedback recorded, weights not persisted",
			"session", c.id, "error", err)
	}

	if c.cfg.Journal != nil {
		rec := feedback.Record{
			SessionID:      c.id,
			Label:          label,
			Phrase:         phrase,
			Source:         feedback.SourceCommand,
			ThresholdAfter: c.cfg.Weights.Snapshot().BaseThreshold,
		}
		if err := c.cfg.Journal.Append(rec); err != nil {
			slog.Warn("session: feedback journal write failed",
				"session", c.id, "error", err)
		}
	}
	return nil
}

// ─── decision loop ───────────────────────────────────────────────────────────

// decisionLoop pulls frames until the capture stream closes, scoring each
// one and handing completed utterances to the turn loop. It owns the scoring
// engine and the VAD session outright; no other goroutine touches them.
func (c *Controller) decisionLoop(ctx context.Context) error {
	eng := turn.NewEngine(c.cfg.Weights, c.cfg.TurnConfig)

	var (
		vadSess   vad.SessionHandle
		vadTried  bool
		lastBarge time.Time
	)
	defer func() {
		if vadSess != nil {
			vadSess.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-c.cfg.Capture.Frames():
			if !ok {
				if err := c.cfg.Capture.Err(); err != nil {
					return fmt.Errorf("session: capture stream: %w", err)
				}
				return nil
			}

			if !vadTried {
				vadTried = true
				vadSess = c.openVAD(f)
			}

			if voicedFrame(vadSess, f) && c.cfg.Mixer.Playing() {
				if now := time.Now(); now.Sub(lastBarge) >= bargeInDebounce {
					lastBarge = now
					slog.Debug("session: barge-in", "session", c.id)
					c.cfg.Mixer.BargeIn()
				}
			}

			if cut := eng.ProcessFrame(f); cut != nil {
				select {
				case c.cutoffs <- cut:
				default:
					slog.Error("session: turn queue full, dropping cutoff",
						"session", c.id,
						"voiced", cut.VoicedDuration)
				}
			}
		}
	}
}

// openVAD builds a VAD session sized to the observed frame geometry. Returns
// nil when no engine is configured or the session cannot be created; the
// caller falls back to the RMS floor.
func (c *Controller) openVAD(f audio.Frame) vad.SessionHandle {
	if c.cfg.VAD == nil {
		return nil
	}
	sess, err := c.cfg.VAD.NewSession(vad.Config{
		SampleRate:       f.SampleRate,
		FrameSizeMs:      int(f.Duration() / time.Millisecond),
		SpeechThreshold:  vadSpeechLevel,
		SilenceThreshold: vadSilenceLevel,
	})
	if err != nil {
		slog.Warn("session: vad session unavailable, using rms floor",
			"session", c.id, "error", err)
		return nil
	}
	return sess
}

// voicedFrame reports whether f carries speech, via the VAD session when one
// is live and the RMS floor otherwise.
func voicedFrame(sess vad.SessionHandle, f audio.Frame) bool {
	if sess != nil {
		ev, err := sess.ProcessFrame(f.Data)
		if err == nil {
			return ev.Type == vad.VADSpeechStart || ev.Type == vad.VADSpeechContinue
		}
	}
	return audio.RMS(f.Data) >= fallbackVoicedRMS
}

// ─── turn loop ───────────────────────────────────────────────────────────────

// turnLoop consumes cutoffs one at a time. Ordering is the point: the next
// cutoff is not read until the previous turn has fully resolved.
func (c *Controller) turnLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cut := <-c.cutoffs:
			c.runTurn(ctx, cut)
		}
	}
}

// runTurn drives the engine for one cutoff under a per-turn context so a
// barge-in can abort it without touching the session.
func (c *Controller) runTurn(ctx context.Context, cut *turn.Cutoff) {
	tctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.turnCancel = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.turnCancel = nil
		c.mu.Unlock()
		cancel()
	}()

	tctx, span := observe.StartSpan(tctx, "session.turn")
	defer span.End()

	out, err := c.cfg.Engine.HandleCutoff(tctx, cut)
	if err != nil {
		slog.Info("session: turn cancelled", "session", c.id, "error", err)
		return
	}
	if out == nil || out.Abandoned {
		return
	}

	c.metrics.record(out)
	if c.cfg.OnTurn != nil {
		c.cfg.OnTurn(out)
	}
	if !out.Correction {
		c.persistTurn(out)
	}
}

// cancelActiveTurn aborts the in-flight turn, if any. Registered as the
// mixer's barge-in handler: playback stops in the mixer, generation stops
// here, and the decision loop keeps listening throughout.
func (c *Controller) cancelActiveTurn() {
	c.mu.Lock()
	cancel := c.turnCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ─── memory ──────────────────────────────────────────────────────────────────

// persistTurn writes the exchange to conversation memory off the turn loop.
// It embeds the turn text first when an embedder is configured; either step
// failing costs the memory row, never the session.
func (c *Controller) persistTurn(out *engine.Turn) {
	if c.cfg.Store == nil {
		return
	}
	rec := memory.Turn{
		ID:        uuid.NewString(),
		SessionID: c.id,
		UserText:  out.UserText,
		ReplyText: out.ReplyText,
		Emotion:   out.Emotion,
		Timestamp: time.Now().UTC(),
	}
	if len(out.Topics) > 0 {
		rec.Topic = out.Topics[0]
	}

	c.writes.Add(1)
	go func() {
		defer c.writes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if c.cfg.Embedder != nil {
			vec, err := c.cfg.Embedder.Embed(ctx, rec.UserText+"\n"+rec.ReplyText)
			if err != nil {
				slog.Warn("session: turn embedding failed, storing without",
					"session", c.id, "error", err)
			} else {
				rec.Embedding = vec
			}
		}
		if err := c.cfg.Store.WriteTurn(ctx, rec); err != nil {
			slog.Warn("session: turn not remembered",
				"session", c.id, "error", err)
		}
	}()
}

// consolidate writes the end-of-session summary under its own deadline so a
// slow model cannot hold Stop open.
func (c *Controller) consolidate() {
	if c.cfg.Consolidator == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), consolidateTimeout)
	defer cancel()
	if err := c.cfg.Consolidator.Consolidate(ctx, c.id, c.startedAt, time.Now()); err != nil {
		slog.Warn("session: consolidation skipped", "session", c.id, "error", err)
	}
}
