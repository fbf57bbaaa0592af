package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/cadenza-voice/cadenza/internal/mcp"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "openai-native", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":        {"deepgram", "whisper", "whisper-native"},
	"tts":        {"elevenlabs", "coqui"},
	"embeddings": {"openai", "ollama"},
	"vad":        {"energy"},
	"audio":      {"discord"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Suspicious but workable values produce slog warnings instead of errors.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}

	// Provider stacks: name validation plus fallback shape.
	errs = append(errs, validateProviderStack("llm", cfg.Providers.LLM)...)
	errs = append(errs, validateProviderStack("stt", cfg.Providers.STT)...)
	errs = append(errs, validateProviderStack("tts", cfg.Providers.TTS)...)
	errs = append(errs, validateProviderStack("embeddings", cfg.Providers.Embeddings)...)
	errs = append(errs, validateProviderStack("vad", cfg.Providers.VAD)...)
	errs = append(errs, validateProviderStack("audio", cfg.Providers.Audio)...)

	// Pipeline availability warnings. A companion without these stages still
	// starts (useful for partial setups) but cannot hold a conversation.
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; the companion cannot generate replies")
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; the companion cannot transcribe speech")
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("no TTS provider configured; the companion cannot speak")
	}

	// Discord is the only production audio platform and needs credentials.
	if cfg.Providers.Audio.Name == "discord" && cfg.Discord.Token == "" {
		errs = append(errs, errors.New("discord.token is required when providers.audio.name is \"discord\""))
	}

	// Embeddings and memory depend on each other.
	if cfg.Providers.Embeddings.Name != "" && cfg.Memory.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but memory.embedding_dimensions is not set; defaulting to 1536")
	}
	if cfg.Memory.PostgresDSN == "" {
		slog.Warn("memory.postgres_dsn is empty; long-term conversation memory will not be available")
	}

	// Turn taking
	if cfg.TurnTaking.VoicedThreshold < 0 || cfg.TurnTaking.VoicedThreshold > 1 {
		errs = append(errs, fmt.Errorf("turn_taking.voiced_threshold %.3f is out of range (0, 1]", cfg.TurnTaking.VoicedThreshold))
	}
	if cfg.TurnTaking.SilenceThreshold < 0 || cfg.TurnTaking.SilenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("turn_taking.silence_threshold %.3f is out of range (0, 1]", cfg.TurnTaking.SilenceThreshold))
	}
	if cfg.TurnTaking.EnergyCeiling < 0 {
		errs = append(errs, fmt.Errorf("turn_taking.energy_ceiling %.3f must not be negative", cfg.TurnTaking.EnergyCeiling))
	}
	if cfg.TurnTaking.MinVoicedMs < 0 {
		errs = append(errs, fmt.Errorf("turn_taking.min_voiced_ms %d must not be negative", cfg.TurnTaking.MinVoicedMs))
	}
	if cfg.TurnTaking.WindowFrames < 0 {
		errs = append(errs, fmt.Errorf("turn_taking.window_frames %d must not be negative", cfg.TurnTaking.WindowFrames))
	}
	if cfg.TurnTaking.MaxUtteranceMs < 0 {
		errs = append(errs, fmt.Errorf("turn_taking.max_utterance_ms %d must not be negative", cfg.TurnTaking.MaxUtteranceMs))
	}

	// Reply generation
	if cfg.Reply.Temperature < 0 || cfg.Reply.Temperature > 2 {
		errs = append(errs, fmt.Errorf("reply.temperature %.2f is out of range [0, 2]", cfg.Reply.Temperature))
	}
	if cfg.Reply.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("reply.max_tokens %d must not be negative", cfg.Reply.MaxTokens))
	}
	if cfg.Reply.TranscribeTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("reply.transcribe_timeout_ms %d must not be negative", cfg.Reply.TranscribeTimeoutMs))
	}
	if cfg.Reply.ReplyTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("reply.reply_timeout_ms %d must not be negative", cfg.Reply.ReplyTimeoutMs))
	}

	// Fillers
	if cfg.Fillers.MinGapMs < 0 {
		errs = append(errs, fmt.Errorf("fillers.min_gap_ms %d must not be negative", cfg.Fillers.MinGapMs))
	}
	if cfg.Fillers.PrewarmTop < 0 {
		errs = append(errs, fmt.Errorf("fillers.prewarm_top %d must not be negative", cfg.Fillers.PrewarmTop))
	}

	// Trainer
	if cfg.Trainer.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("trainer.batch_size %d must not be negative", cfg.Trainer.BatchSize))
	}
	if cfg.Trainer.Step < 0 || cfg.Trainer.Step > 1 {
		errs = append(errs, fmt.Errorf("trainer.step %.3f is out of range (0, 1]", cfg.Trainer.Step))
	}
	if cfg.Trainer.RetainedSamples < 0 {
		errs = append(errs, fmt.Errorf("trainer.retained_samples %d must not be negative", cfg.Trainer.RetainedSamples))
	}
	if cfg.Trainer.BatchSize > 0 && cfg.Trainer.RetainedSamples > 0 && cfg.Trainer.RetainedSamples < cfg.Trainer.BatchSize {
		slog.Warn("trainer.retained_samples is smaller than trainer.batch_size; the threshold will never adjust",
			"retained_samples", cfg.Trainer.RetainedSamples,
			"batch_size", cfg.Trainer.BatchSize,
		)
	}

	// MCP servers
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcp.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcp.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderStack checks one provider entry and its fallbacks.
// Unknown names warn; structural problems are returned as errors.
func validateProviderStack(kind string, entry ProviderEntry) []error {
	var errs []error

	validateProviderName(kind, entry.Name)
	if entry.Name == "" && len(entry.Fallbacks) > 0 {
		errs = append(errs, fmt.Errorf("providers.%s declares fallbacks without a primary name", kind))
	}
	for i, fb := range entry.Fallbacks {
		prefix := fmt.Sprintf("providers.%s.fallbacks[%d]", kind, i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("%s must not declare nested fallbacks", prefix))
		}
		validateProviderName(kind, fb.Name)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
