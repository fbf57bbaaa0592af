package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cadenza-voice/cadenza/internal/config"
	"github.com/cadenza-voice/cadenza/internal/discord"
	"github.com/cadenza-voice/cadenza/internal/discord/commands"
	"github.com/cadenza-voice/cadenza/internal/engine"
	"github.com/cadenza-voice/cadenza/internal/engine/hybrid"
	"github.com/cadenza-voice/cadenza/internal/feedback"
	"github.com/cadenza-voice/cadenza/internal/filler"
	"github.com/cadenza-voice/cadenza/internal/mcp"
	"github.com/cadenza-voice/cadenza/internal/observe"
	"github.com/cadenza-voice/cadenza/internal/persona"
	"github.com/cadenza-voice/cadenza/internal/promptctx"
	"github.com/cadenza-voice/cadenza/internal/session"
	"github.com/cadenza-voice/cadenza/internal/turn"
	"github.com/cadenza-voice/cadenza/internal/turn/trainer"
	"github.com/cadenza-voice/cadenza/pkg/audio"
	audiomixer "github.com/cadenza-voice/cadenza/pkg/audio/mixer"
	"github.com/cadenza-voice/cadenza/pkg/memory"
)

// consolidateTimeout bounds the end-of-session summary write during Stop.
const consolidateTimeout = 30 * time.Second

// EngineFactory builds the response engine for one session. The default uses
// the hybrid latency-compensating engine; tests substitute a recorder.
type EngineFactory func(sessionID string, deps hybrid.Deps, opts ...hybrid.Option) engine.Engine

// SessionManagerConfig carries the process-lifetime dependencies every
// session shares. Built by [New]; tests construct it directly.
type SessionManagerConfig struct {
	Config    *config.Config
	Providers *Providers
	Store     memory.Store
	MCPHost   *mcp.Host
	Weights   *turn.Weights
	Trainer   *trainer.Trainer
	Journal   *feedback.Journal
	Detector  *feedback.Detector
	Selector  *filler.Selector
	Fillers   *filler.Cache
	Persona   *persona.Persona
	Metrics   *observe.Metrics

	// EngineFactory overrides the response engine construction. Nil selects
	// the hybrid engine.
	EngineFactory EngineFactory
}

// SessionManager owns the voice session lifecycle: at most one session runs
// at a time, started and stopped through the Discord command surface. It
// satisfies [commands.SessionManager] and [commands.FeedbackSink].
type SessionManager struct {
	deps SessionManagerConfig

	mu  sync.Mutex
	cfg *config.Config // swapped on hot-reload, read at session start

	// status embed publishing, wired after the Discord bot connects
	sender        discord.EmbedSender
	statusChannel string

	active *activeSession
}

var (
	_ commands.SessionManager = (*SessionManager)(nil)
	_ commands.FeedbackSink   = (*SessionManager)(nil)
)

// activeSession bundles everything owned by one running session.
type activeSession struct {
	id        string
	channelID string
	startedAt time.Time

	ctrl      *session.Controller
	mixer     *audiomixer.PriorityMixer
	rec       *session.Reconnector
	publisher *discord.StatusPublisher
	cancel    context.CancelFunc

	// stopping is set before a deliberate Stop so the watcher does not treat
	// the controller exiting as a failure.
	stopping bool
}

// NewSessionManager creates an idle manager.
func NewSessionManager(deps SessionManagerConfig) *SessionManager {
	return &SessionManager{
		deps: deps,
		cfg:  deps.Config,
	}
}

// SetStatusSender wires the Discord embed channel for the periodic status
// message. Called by main once the bot is connected; no-op when the config
// names no text channel.
func (m *SessionManager) SetStatusSender(sender discord.EmbedSender, channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sender = sender
	m.statusChannel = channelID
}

// UpdateConfig swaps the config used by the next session start. The running
// session, if any, keeps its parameters.
func (m *SessionManager) UpdateConfig(cfg *config.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// ─── Start ───────────────────────────────────────────────────────────────────

// Start joins the given voice channel and launches the pipeline. Only one
// session runs at a time; starting while one is active is an error. ctx
// bounds the connection attempt only — the session itself lives until Stop.
func (m *SessionManager) Start(ctx context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return fmt.Errorf("app: session %s already active", m.active.id)
	}
	if m.deps.Providers.Audio == nil {
		return errors.New("app: no audio platform configured")
	}
	if m.deps.Providers.STT == nil || m.deps.Providers.LLM == nil || m.deps.Providers.TTS == nil {
		return errors.New("app: stt, llm and tts providers are all required for a session")
	}

	id := uuid.NewString()

	rec := session.NewReconnector(m.deps.Providers.Audio, channelID,
		session.WithOnReconnect(func(conn audio.Connection) {
			m.rebind(id, conn)
		}),
	)
	conn, err := rec.Connect(ctx)
	if err != nil {
		return fmt.Errorf("app: join voice channel: %w", err)
	}

	// The session outlives the Start call, so it runs under its own context
	// rather than the interaction's.
	sessCtx, cancel := context.WithCancel(context.Background())

	ctrl, mix, err := m.buildPipeline(id, conn)
	if err != nil {
		cancel()
		_ = rec.Stop()
		return err
	}
	if err := ctrl.Start(sessCtx); err != nil {
		cancel()
		_ = mix.Close()
		_ = rec.Stop()
		return err
	}
	rec.Monitor(sessCtx)

	as := &activeSession{
		id:        id,
		channelID: channelID,
		startedAt: time.Now(),
		ctrl:      ctrl,
		mixer:     mix,
		rec:       rec,
		cancel:    cancel,
	}
	if m.sender != nil && m.statusChannel != "" {
		as.publisher = discord.NewStatusPublisher(discord.StatusPublisherConfig{
			Sender:    m.sender,
			ChannelID: m.statusChannel,
			GetStatus: m.Status,
		})
		as.publisher.Start(sessCtx)
	}
	m.active = as

	go m.watch(as, ctrl)

	slog.Info("voice session started", "session", id, "channel", channelID)
	return nil
}

// buildPipeline assembles the per-session components around a connection:
// capture stream, priority mixer, response engine and controller. Used for
// the initial start and again on every reconnect.
func (m *SessionManager) buildPipeline(id string, conn audio.Connection) (*session.Controller, *audiomixer.PriorityMixer, error) {
	cfg := m.cfg
	out := conn.OutputStream()

	mix := audiomixer.New(func(pcm []byte) {
		out <- audio.Frame{Data: pcm, SampleRate: 48000, Channels: 2}
	})

	var (
		assembler  *promptctx.Assembler
		preFetcher *promptctx.PreFetcher
	)
	if m.deps.Store != nil {
		if m.deps.Providers.Embeddings != nil {
			preFetcher = promptctx.NewPreFetcher(m.deps.Store, m.deps.Providers.Embeddings, 0)
		}
		assembler = promptctx.NewAssembler(m.deps.Store, m.deps.Providers.Embeddings,
			promptctx.WithPreFetcher(preFetcher))
	}

	engineOpts := []hybrid.Option{hybrid.WithPersona(m.deps.Persona.Prompt())}
	if cfg.Reply.Temperature > 0 {
		engineOpts = append(engineOpts, hybrid.WithTemperature(cfg.Reply.Temperature))
	}
	if cfg.Reply.MaxTokens > 0 {
		engineOpts = append(engineOpts, hybrid.WithMaxTokens(cfg.Reply.MaxTokens))
	}
	if cfg.Reply.TranscribeTimeoutMs > 0 {
		engineOpts = append(engineOpts,
			hybrid.WithTranscribeTimeout(time.Duration(cfg.Reply.TranscribeTimeoutMs)*time.Millisecond))
	}
	if cfg.Reply.ReplyTimeoutMs > 0 {
		engineOpts = append(engineOpts,
			hybrid.WithReplyTimeout(time.Duration(cfg.Reply.ReplyTimeoutMs)*time.Millisecond))
	}

	newEngine := m.deps.EngineFactory
	if newEngine == nil {
		newEngine = func(sessionID string, deps hybrid.Deps, opts ...hybrid.Option) engine.Engine {
			return hybrid.New(sessionID, deps, opts...)
		}
	}
	eng := newEngine(id, hybrid.Deps{
		STT:        m.deps.Providers.STT,
		LLM:        m.deps.Providers.LLM,
		TTS:        m.deps.Providers.TTS,
		Voice:      m.deps.Persona.VoiceProfile(),
		Mixer:      mix,
		Detector:   m.deps.Detector,
		Trainer:    m.deps.Trainer,
		Journal:    m.deps.Journal,
		Weights:    m.deps.Weights,
		Selector:   m.deps.Selector,
		Fillers:    m.deps.Fillers,
		Assembler:  assembler,
		PreFetcher: preFetcher,
	}, engineOpts...)

	if m.deps.MCPHost != nil {
		if tools := m.deps.MCPHost.Tools(); len(tools) > 0 {
			if err := eng.SetTools(tools); err != nil {
				_ = mix.Close()
				return nil, nil, fmt.Errorf("app: set engine tools: %w", err)
			}
			host := m.deps.MCPHost
			metrics := m.deps.Metrics
			eng.OnToolCall(func(name, args string) (string, error) {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				res, err := host.Call(ctx, name, args)
				status := "ok"
				if err != nil {
					status = "error"
				}
				if metrics != nil {
					metrics.RecordToolCall(ctx, name, status)
				}
				return res, err
			})
		}
	}

	ctrl, err := session.New(session.Config{
		SessionID:  id,
		Capture:    audio.NewCapture(conn.InputDevice()),
		Mixer:      mix,
		Engine:     eng,
		Weights:    m.deps.Weights,
		TurnConfig: cfg.TurnTaking.TurnConfig(),
		Trainer:    m.deps.Trainer,
		Journal:    m.deps.Journal,
		VAD:        m.deps.Providers.VAD,
		Store:      m.deps.Store,
		Embedder:   m.deps.Providers.Embeddings,
		OnTurn:     m.observeTurn,
	})
	if err != nil {
		_ = mix.Close()
		return nil, nil, fmt.Errorf("app: build session: %w", err)
	}
	return ctrl, mix, nil
}

// watch waits for one controller's loops to exit. A deliberate Stop does
// nothing; a capture failure collects the run error and, when it points at
// the transport, hands the reconnector the drop so it can redial. ctrl is
// passed explicitly because rebind swaps the session's controller.
func (m *SessionManager) watch(as *activeSession, ctrl *session.Controller) {
	<-ctrl.Done()

	m.mu.Lock()
	if m.active != as || as.stopping {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	_, err := ctrl.Stop()
	if err == nil {
		return
	}
	if errors.Is(err, audio.ErrStreamInterrupted) || errors.Is(err, audio.ErrDeviceUnavailable) {
		slog.Warn("voice session lost its transport, redialling",
			"session", as.id, "error", err)
		as.rec.NotifyDisconnect()
		return
	}

	slog.Error("voice session failed", "session", as.id, "error", err)
	if serr := m.Stop(context.Background()); serr != nil {
		slog.Warn("session cleanup after failure", "session", as.id, "error", serr)
	}
}

// rebind rebuilds the pipeline on a fresh connection after a redial. The
// session keeps its ID so memory rows and the feedback journal stay
// attributed to one conversation.
func (m *SessionManager) rebind(id string, conn audio.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	as := m.active
	if as == nil || as.id != id || as.stopping {
		return
	}

	oldMixer := as.mixer
	ctrl, mix, err := m.buildPipeline(id, conn)
	if err != nil {
		slog.Error("pipeline rebuild after reconnect failed", "session", id, "error", err)
		return
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	if err := ctrl.Start(sessCtx); err != nil {
		cancel()
		_ = mix.Close()
		slog.Error("session restart after reconnect failed", "session", id, "error", err)
		return
	}

	oldCancel := as.cancel
	as.ctrl = ctrl
	as.mixer = mix
	as.cancel = func() {
		oldCancel()
		cancel()
	}
	_ = oldMixer.Close()

	go m.watch(as, ctrl)
	slog.Info("voice session rebound after reconnect", "session", id)
}

// ─── Stop ────────────────────────────────────────────────────────────────────

// Stop tears the active session down and writes the end-of-session summary.
// Stopping with no active session is an error.
func (m *SessionManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	as := m.active
	if as == nil {
		m.mu.Unlock()
		return errors.New("app: no active session")
	}
	as.stopping = true
	m.active = nil
	m.mu.Unlock()

	metrics, err := as.ctrl.Stop()
	if as.publisher != nil {
		as.publisher.Stop(ctx)
	}
	if rerr := as.rec.Stop(); rerr != nil {
		slog.Warn("voice disconnect", "session", as.id, "error", rerr)
	}
	merr := as.mixer.Close()
	as.cancel()

	m.consolidate(as.id, as.startedAt)

	slog.Info("voice session stopped",
		"session", as.id,
		"turns", metrics.Turns,
		"avg_actual", metrics.AvgActual,
		"avg_perceived", metrics.AvgPerceived,
	)
	return errors.Join(err, merr)
}

// StopIfActive stops the session when one is running and reports nil when
// there is nothing to stop. Used on shutdown paths.
func (m *SessionManager) StopIfActive(ctx context.Context) error {
	m.mu.Lock()
	active := m.active != nil
	m.mu.Unlock()
	if !active {
		return nil
	}
	return m.Stop(ctx)
}

// consolidate writes the session summary when memory and an LLM are
// available. Failures are logged; the session is already down.
func (m *SessionManager) consolidate(id string, startedAt time.Time) {
	if m.deps.Store == nil || m.deps.Providers.LLM == nil {
		return
	}
	cons := session.NewConsolidator(m.deps.Providers.LLM, m.deps.Store)
	ctx, cancel := context.WithTimeout(context.Background(), consolidateTimeout)
	defer cancel()
	if err := cons.Consolidate(ctx, id, startedAt, time.Now()); err != nil {
		slog.Warn("session summary failed", "session", id, "error", err)
	}
}

// ─── Status & feedback ───────────────────────────────────────────────────────

// Status reports the live session state, or an idle snapshot carrying the
// current threshold and sample count when no session runs.
func (m *SessionManager) Status() discord.StatusSnapshot {
	m.mu.Lock()
	as := m.active
	m.mu.Unlock()

	if as == nil {
		snap := discord.StatusSnapshot{PersonaName: m.deps.Persona.Name}
		if m.deps.Weights != nil {
			snap.Threshold = m.deps.Weights.Snapshot().BaseThreshold
		}
		if m.deps.Trainer != nil {
			snap.FeedbackSamples = m.deps.Trainer.SampleCount()
		}
		return snap
	}

	st := as.ctrl.Status()
	return discord.StatusSnapshot{
		Active:          st.Active,
		SessionID:       st.SessionID,
		PersonaName:     m.deps.Persona.Name,
		StartedAt:       as.startedAt,
		Threshold:       st.CurrentThreshold,
		FeedbackSamples: st.FeedbackSampleCount,
		Turns:           st.Metrics.Turns,
		AvgActual:       st.Metrics.AvgActual,
		AvgPerceived:    st.Metrics.AvgPerceived,
		FillerRate:      st.Metrics.FillerRate,
	}
}

// SubmitFeedback forwards an explicit cutoff judgement to the running
// session's trainer.
func (m *SessionManager) SubmitFeedback(label, phrase string) error {
	m.mu.Lock()
	as := m.active
	m.mu.Unlock()

	if as == nil {
		return errors.New("app: no active session to give feedback on")
	}
	if err := as.ctrl.SubmitFeedback(label, phrase); err != nil {
		return err
	}
	if m.deps.Metrics != nil {
		m.deps.Metrics.RecordFeedback(context.Background(), label)
	}
	return nil
}

// observeTurn feeds each completed turn into the OTel instruments. Runs on
// the session's turn loop.
func (m *SessionManager) observeTurn(t *engine.Turn) {
	if m.deps.Metrics == nil {
		return
	}
	ctx := context.Background()

	switch {
	case t.Abandoned:
		m.deps.Metrics.RecordTurn(ctx, "abandoned")
		return
	case t.Correction:
		m.deps.Metrics.RecordTurn(ctx, "correction")
		m.deps.Metrics.RecordFeedback(ctx, string(trainer.LabelTooEarly))
		return
	case t.Fallback:
		m.deps.Metrics.RecordTurn(ctx, "fallback")
	default:
		m.deps.Metrics.RecordTurn(ctx, "ok")
	}

	m.deps.Metrics.ObserveTurnLatency(ctx, t.Actual, t.Perceived)
	if t.FillerPlayed {
		m.deps.Metrics.RecordFillerPlay(ctx)
	}
}
