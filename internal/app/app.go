// Package app wires the Cadenza subsystems into a running process.
//
// The App owns everything with process lifetime: the telemetry providers,
// the conversation memory store, the MCP tool host, the learned turn-taking
// weights and their trainer, the filler catalog and audio cache, the persona,
// and the internal HTTP listener. Voice sessions come and go underneath it;
// their lifecycle lives in [SessionManager].
//
// New performs all initialisation synchronously and records a closer for
// every resource it acquires; Shutdown runs the closers in reverse. For
// testing, inject doubles via functional options (WithStore, WithMCPHost,
// …) — when an option is not provided, New builds the real implementation
// from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/cadenza-voice/cadenza/internal/config"
	"github.com/cadenza-voice/cadenza/internal/feedback"
	"github.com/cadenza-voice/cadenza/internal/filler"
	"github.com/cadenza-voice/cadenza/internal/health"
	"github.com/cadenza-voice/cadenza/internal/mcp"
	"github.com/cadenza-voice/cadenza/internal/observe"
	"github.com/cadenza-voice/cadenza/internal/persona"
	"github.com/cadenza-voice/cadenza/internal/session"
	"github.com/cadenza-voice/cadenza/internal/turn"
	"github.com/cadenza-voice/cadenza/internal/turn/trainer"
	"github.com/cadenza-voice/cadenza/pkg/audio"
	"github.com/cadenza-voice/cadenza/pkg/memory"
	"github.com/cadenza-voice/cadenza/pkg/memory/postgres"
	"github.com/cadenza-voice/cadenza/pkg/provider/embeddings"
	"github.com/cadenza-voice/cadenza/pkg/provider/llm"
	"github.com/cadenza-voice/cadenza/pkg/provider/stt"
	"github.com/cadenza-voice/cadenza/pkg/provider/tts"
	"github.com/cadenza-voice/cadenza/pkg/provider/vad"
)

// defaultEmbeddingDims is used when memory.embedding_dimensions is unset.
// Matches OpenAI text-embedding-3-small.
const defaultEmbeddingDims = 1536

// prewarmTimeout bounds the startup filler synthesis pass.
const prewarmTimeout = 2 * time.Minute

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured; the pipeline degrades accordingly (no VAD
// falls back to an RMS floor, no embeddings stores turns unvectorised, …).
// Populated by main via the config registry.
type Providers struct {
	LLM        llm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	Embeddings embeddings.Provider
	VAD        vad.Engine
	Audio      audio.Platform
}

// App owns all process-lifetime subsystems.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics  *observe.Metrics
	store    memory.Store // nil when memory is not configured
	pgStore  *postgres.Store
	mcpHost  *mcp.Host
	weights  *turn.Weights
	trainer  *trainer.Trainer
	journal  *feedback.Journal
	detector *feedback.Detector
	selector *filler.Selector
	fillers  *filler.Cache
	persona  *persona.Persona
	sessions *SessionManager

	levelVar *slog.LevelVar
	httpSrv  *http.Server

	// closers run in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a conversation memory store instead of connecting to
// Postgres from the config.
func WithStore(s memory.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMCPHost injects an MCP host instead of creating one from the config.
func WithMCPHost(h *mcp.Host) Option {
	return func(a *App) { a.mcpHost = h }
}

// WithWeights injects a weight holder instead of loading the weights file.
func WithWeights(w *turn.Weights) Option {
	return func(a *App) { a.weights = w }
}

// WithLogLevelVar hands the App the process log level so config hot-reloads
// can adjust it live.
func WithLogLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithMetrics injects pre-built instruments and skips the OTel SDK setup.
// Tests use this to avoid re-registering the Prometheus exporter.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main (populated via the config registry). Initialisation order:
// telemetry, memory store, MCP host, turn-taking state, fillers, persona,
// session manager. Each acquired resource registers a closer for Shutdown.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if err := a.initObservability(ctx); err != nil {
		return nil, fmt.Errorf("app: init observability: %w", err)
	}

	// ── 2. Memory store ──────────────────────────────────────────────────
	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	// ── 3. MCP host ──────────────────────────────────────────────────────
	if err := a.initMCP(ctx); err != nil {
		return nil, fmt.Errorf("app: init mcp: %w", err)
	}

	// ── 4. Turn-taking state ─────────────────────────────────────────────
	a.initTurnState(ctx)

	// ── 5. Fillers ───────────────────────────────────────────────────────
	if err := a.initFillers(); err != nil {
		return nil, fmt.Errorf("app: init fillers: %w", err)
	}

	// ── 6. Persona ───────────────────────────────────────────────────────
	if err := a.initPersona(); err != nil {
		return nil, fmt.Errorf("app: init persona: %w", err)
	}

	// ── 7. Session manager ───────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:    cfg,
		Providers: providers,
		Store:     a.store,
		MCPHost:   a.mcpHost,
		Weights:   a.weights,
		Trainer:   a.trainer,
		Journal:   a.journal,
		Detector:  a.detector,
		Selector:  a.selector,
		Fillers:   a.fillers,
		Persona:   a.persona,
		Metrics:   a.metrics,
	})

	return a, nil
}

// Sessions returns the session manager. The Discord command layer consumes
// it through the narrow interfaces it defines.
func (a *App) Sessions() *SessionManager { return a.sessions }

// ─── Init helpers ────────────────────────────────────────────────────────────

// initObservability boots the OTel SDK with the Prometheus exporter and
// builds the pipeline instruments.
func (a *App) initObservability(ctx context.Context) error {
	if a.metrics != nil {
		return nil // injected
	}
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "cadenza",
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(sctx)
	})

	m, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return err
	}
	a.metrics = m
	return nil
}

// initMemory connects the pgvector store when a DSN is configured and wraps
// it in the degradation guard. No DSN means no long-term memory; the
// pipeline runs without recall or consolidation.
func (a *App) initMemory(ctx context.Context) error {
	if a.store != nil {
		return nil // injected
	}
	dsn := a.cfg.Memory.PostgresDSN
	if dsn == "" {
		slog.Info("long-term memory disabled (no postgres_dsn)")
		return nil
	}

	dims := a.cfg.Memory.EmbeddingDimensions
	if dims <= 0 {
		dims = defaultEmbeddingDims
	}

	store, err := postgres.NewStore(ctx, dsn, dims)
	if err != nil {
		return err
	}
	a.pgStore = store
	a.store = session.NewMemoryGuard(store)
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initMCP builds the tool host: the in-process recall tool when memory is
// available, plus any configured external servers.
func (a *App) initMCP(ctx context.Context) error {
	if a.mcpHost == nil {
		a.mcpHost = mcp.New()
		a.closers = append(a.closers, a.mcpHost.Close)
	}

	if a.store != nil {
		tool := mcp.NewRecallTool(a.store, a.providers.Embeddings, 0)
		if err := a.mcpHost.RegisterBuiltin(tool); err != nil {
			return fmt.Errorf("register recall tool: %w", err)
		}
	}

	for _, srv := range a.cfg.MCP.Servers {
		if err := a.mcpHost.RegisterServer(ctx, srv.ServerConfig()); err != nil {
			return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
		slog.Info("registered MCP server", "name", srv.Name)
	}
	return nil
}

// initTurnState loads the learned weights and builds the trainer, journal
// and spoken-correction detector. A corrupt weights file degrades to
// defaults with a warning; the session still adapts from there.
func (a *App) initTurnState(ctx context.Context) {
	if a.weights == nil {
		w, err := turn.LoadWeights(a.cfg.TurnTaking.WeightsPath)
		if err != nil {
			slog.Warn("weights file unusable, starting from defaults", "error", err)
		}
		a.weights = w
	}
	a.metrics.SetBaseThreshold(ctx, a.weights.Snapshot().BaseThreshold)

	var topts []trainer.Option
	if a.cfg.Trainer.BatchSize > 0 {
		topts = append(topts, trainer.WithBatchSize(a.cfg.Trainer.BatchSize))
	}
	if a.cfg.Trainer.Step > 0 {
		topts = append(topts, trainer.WithStep(a.cfg.Trainer.Step))
	}
	if a.cfg.Trainer.RetainedSamples > 0 {
		topts = append(topts, trainer.WithRetainedSamples(a.cfg.Trainer.RetainedSamples))
	}
	a.trainer = trainer.New(a.weights, topts...)
	a.journal = feedback.NewJournal(a.cfg.Trainer.JournalPath)
	a.detector = feedback.NewDetector()
}

// initFillers builds the phrase catalog, the gating selector, and the audio
// cache. Disabled fillers or a missing TTS provider leave the selector and
// cache nil; the engine then skips the filler stage.
func (a *App) initFillers() error {
	if a.cfg.Fillers.Disabled {
		slog.Info("filler layer disabled by config")
		return nil
	}

	catalog := filler.DefaultCatalog()
	if path := a.cfg.Fillers.CatalogPath; path != "" {
		loaded, err := filler.LoadCatalog(path)
		if err != nil {
			return err
		}
		catalog = loaded
	}

	a.selector = filler.NewSelector(catalog, filler.WithMinGap(a.cfg.Fillers.MinGap()))

	if a.providers.TTS == nil {
		slog.Warn("no TTS provider; fillers selected but never rendered")
		return nil
	}
	cache, err := filler.NewCache(a.providers.TTS, a.cfg.Fillers.CacheDir)
	if err != nil {
		return err
	}
	a.fillers = cache
	return nil
}

// initPersona loads the configured persona file or falls back to the
// built-in companion.
func (a *App) initPersona() error {
	if path := a.cfg.Persona.Path; path != "" {
		p, err := persona.Load(path)
		if err != nil {
			return err
		}
		a.persona = p
		return nil
	}
	a.persona = persona.Default()
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the internal HTTP listener and the filler pre-warm pass, then
// blocks until ctx is cancelled. The voice session itself starts on demand
// through the session manager (Discord command or API), not here.
func (a *App) Run(ctx context.Context) error {
	a.startHTTP()
	a.prewarmFillers(ctx)

	slog.Info("app running",
		"listen_addr", a.cfg.Server.ListenAddr,
		"memory", a.store != nil,
		"fillers", a.fillers != nil,
	)
	<-ctx.Done()

	// A session left running when the signal arrives stops here so the
	// device and weight file are released before the closers run.
	if err := a.sessions.StopIfActive(context.Background()); err != nil {
		slog.Warn("session stop during shutdown", "error", err)
	}
	return ctx.Err()
}

// startHTTP serves /healthz, /readyz, /statusz and /metrics on the internal
// listener. Probe and scrape paths are marked quiet so they do not flood the
// request log.
func (a *App) startHTTP() {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		return
	}

	var checkers []health.Checker
	if a.pgStore != nil {
		store := a.pgStore
		checkers = append(checkers, health.Checker{
			Name: "memory",
			Check: func(ctx context.Context) error {
				_, err := store.RecentSummaries(ctx, 1)
				return err
			},
		})
	}

	h := health.NewWithStatus(a.pipelineStatus, checkers...)
	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.httpSrv = &http.Server{
		Addr:    addr,
		Handler: observe.Middleware(a.metrics, "/healthz", "/readyz", "/metrics")(mux),
	}
	go func() {
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("internal listener failed", "addr", addr, "error", err)
		}
	}()
	slog.Info("internal listener up", "addr", addr)
}

// prewarmFillers renders the most-used phrases per category into the audio
// cache in the background so the first turns of a session do not pay the
// synthesis latency.
func (a *App) prewarmFillers(ctx context.Context) {
	if a.fillers == nil || a.selector == nil {
		return
	}
	top := a.cfg.Fillers.PrewarmTop
	if top <= 0 {
		top = 3
	}
	phrases := a.selector.TopPhrases(top)
	voice := a.persona.VoiceProfile()

	go func() {
		wctx, cancel := context.WithTimeout(ctx, prewarmTimeout)
		defer cancel()
		if err := a.fillers.Prewarm(wctx, phrases, voice); err != nil {
			slog.Warn("filler pre-warm incomplete", "error", err)
			return
		}
		slog.Info("filler cache warmed", "phrases", len(phrases))
	}()
}

// pipelineStatus converts the session status into the /statusz document.
func (a *App) pipelineStatus() health.PipelineStatus {
	snap := a.sessions.Status()
	return health.PipelineStatus{
		Active:              snap.Active,
		SessionID:           snap.SessionID,
		CurrentThreshold:    snap.Threshold,
		FeedbackSampleCount: snap.FeedbackSamples,
		Metrics: health.StatusMetrics{
			Turns:          snap.Turns,
			AvgActualMs:    float64(snap.AvgActual) / float64(time.Millisecond),
			AvgPerceivedMs: float64(snap.AvgPerceived) / float64(time.Millisecond),
			FillerRate:     snap.FillerRate,
		},
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig absorbs a config change detected by the watcher. Live knobs
// apply immediately; everything else is logged with where it will take
// effect. Called from the watcher goroutine.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		slog.Debug("config reloaded, no changes")
		return
	}

	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.FillerGateChanged && a.selector != nil {
		a.selector.SetMinGap(d.NewFillerMinGap)
		slog.Info("filler gating window changed", "min_gap", d.NewFillerMinGap)
	}
	if len(d.NextSession) > 0 {
		a.sessions.UpdateConfig(new)
		slog.Info("config sections apply at next session start", "sections", d.NextSession)
	}
	if len(d.RestartOnly) > 0 {
		slog.Warn("config sections need a restart to apply", "sections", d.RestartOnly)
	}
}

// slogLevel maps the config level to its slog value.
func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, the remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.sessions.StopIfActive(ctx); err != nil {
			slog.Warn("session stop error", "error", err)
		}
		if a.httpSrv != nil {
			if err := a.httpSrv.Shutdown(ctx); err != nil {
				slog.Warn("internal listener shutdown error", "error", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
