// Package observe provides application-wide observability primitives for
// Cadenza: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Cadenza metrics.
const meterName = "github.com/cadenza-voice/cadenza"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Turn-taking histograms ---

	// TurnActualLatency tracks the time from the end of user speech to the
	// first reply audio reaching the mixer.
	TurnActualLatency metric.Float64Histogram

	// TurnPerceivedLatency tracks the reply wait as the user experiences it,
	// with filler playback discounted.
	TurnPerceivedLatency metric.Float64Histogram

	// CutoffDecisionTime tracks the trailing silence consumed before the
	// cutoff decision fired.
	CutoffDecisionTime metric.Float64Histogram

	// --- Provider-stage histograms ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM inference latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// ToolCallDuration tracks tool execution latency via the MCP host.
	ToolCallDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts handled turns. Use with attribute:
	//   attribute.String("outcome", ...) — completed, abandoned, cancelled, correction
	Turns metric.Int64Counter

	// FillerPlays counts filler phrases played while a reply was pending.
	FillerPlays metric.Int64Counter

	// Drops counts items discarded under backpressure. Use with attribute:
	//   attribute.String("kind", ...) — frame, cutoff
	Drops metric.Int64Counter

	// FeedbackSamples counts turn-taking feedback. Use with attribute:
	//   attribute.String("label", ...)
	FeedbackSamples metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// BaseThreshold tracks the current adaptive cutoff threshold.
	BaseThreshold metric.Float64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Turn-taking histograms.
	if met.TurnActualLatency, err = m.Float64Histogram("cadenza.turn.actual_latency",
		metric.WithDescription("Time from the end of user speech to the first reply audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnPerceivedLatency, err = m.Float64Histogram("cadenza.turn.perceived_latency",
		metric.WithDescription("Reply wait as experienced, with filler playback discounted."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CutoffDecisionTime, err = m.Float64Histogram("cadenza.turn.decision_time",
		metric.WithDescription("Trailing silence consumed before the cutoff decision fired."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Provider-stage histograms.
	if met.STTDuration, err = m.Float64Histogram("cadenza.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("cadenza.llm.duration",
		metric.WithDescription("Latency of LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("cadenza.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolCallDuration, err = m.Float64Histogram("cadenza.tool.duration",
		metric.WithDescription("Latency of tool execution via the MCP host."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("cadenza.turns",
		metric.WithDescription("Total handled turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.FillerPlays, err = m.Int64Counter("cadenza.filler.plays",
		metric.WithDescription("Total filler phrases played while a reply was pending."),
	); err != nil {
		return nil, err
	}
	if met.Drops, err = m.Int64Counter("cadenza.pipeline.drops",
		metric.WithDescription("Total items discarded under backpressure by kind."),
	); err != nil {
		return nil, err
	}
	if met.FeedbackSamples, err = m.Int64Counter("cadenza.feedback.samples",
		metric.WithDescription("Total turn-taking feedback samples by label."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("cadenza.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("cadenza.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("cadenza.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveSessions, err = m.Int64UpDownCounter("cadenza.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.BaseThreshold, err = m.Float64Gauge("cadenza.turn.base_threshold",
		metric.WithDescription("Current adaptive cutoff threshold."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("cadenza.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// ObserveTurnLatency records both latency views of one completed turn.
func (m *Metrics) ObserveTurnLatency(ctx context.Context, actual, perceived time.Duration) {
	m.TurnActualLatency.Record(ctx, actual.Seconds())
	m.TurnPerceivedLatency.Record(ctx, perceived.Seconds())
}

// ObserveDecisionTime records the trailing silence behind one cutoff decision.
func (m *Metrics) ObserveDecisionTime(ctx context.Context, d time.Duration) {
	m.CutoffDecisionTime.Record(ctx, d.Seconds())
}

// RecordTurn records a handled turn with its outcome.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordFillerPlay records one filler phrase reaching the mixer.
func (m *Metrics) RecordFillerPlay(ctx context.Context) {
	m.FillerPlays.Add(ctx, 1)
}

// RecordDrop records one item discarded under backpressure.
func (m *Metrics) RecordDrop(ctx context.Context, kind string) {
	m.Drops.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordFeedback records one turn-taking feedback sample.
func (m *Metrics) RecordFeedback(ctx context.Context, label string) {
	m.FeedbackSamples.Add(ctx, 1,
		metric.WithAttributes(attribute.String("label", label)),
	)
}

// SetBaseThreshold records the current adaptive cutoff threshold.
func (m *Metrics) SetBaseThreshold(ctx context.Context, threshold float64) {
	m.BaseThreshold.Record(ctx, threshold)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
