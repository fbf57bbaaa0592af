// Package health provides HTTP health, readiness, and status handlers.
//
// The package exposes three endpoints:
//
//   - /healthz — liveness probe; always returns 200 OK.
//   - /readyz  — readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//   - /statusz — live pipeline status; reports whether a session is active,
//     the current cutoff threshold, feedback sample count, and turn metrics.
//
// Probe responses are JSON objects with a top-level "status" field ("ok" or
// "fail") and a "checks" map containing the result of each named checker.
// /statusz serves a [PipelineStatus] document.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g. "database",
	// "providers"). It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// StatusMetrics is the turn-metrics block of a [PipelineStatus].
type StatusMetrics struct {
	// Turns counts completed reply turns this session.
	Turns int `json:"turns"`

	// AvgActualMs is the mean cutoff-to-reply-ready latency in milliseconds.
	AvgActualMs float64 `json:"avg_actual_ms"`

	// AvgPerceivedMs is the mean cutoff-to-first-audio latency in milliseconds.
	AvgPerceivedMs float64 `json:"avg_perceived_ms"`

	// FillerRate is the share of turns where a filler phrase played.
	FillerRate float64 `json:"filler_rate"`
}

// PipelineStatus is the document served at /statusz.
type PipelineStatus struct {
	// Active reports whether a voice session is currently running.
	Active bool `json:"active"`

	// SessionID identifies the running session. Empty when inactive.
	SessionID string `json:"session_id,omitempty"`

	// CurrentThreshold is the adaptive cutoff threshold in effect.
	CurrentThreshold float64 `json:"current_threshold"`

	// FeedbackSampleCount is the number of feedback samples absorbed into the
	// scoring weights.
	FeedbackSampleCount int `json:"feedback_samples"`

	// Metrics holds the session's running latency aggregates.
	Metrics StatusMetrics `json:"metrics"`
}

// StatusFunc supplies the current [PipelineStatus] on each /statusz request.
type StatusFunc func() PipelineStatus

// result is the JSON response body for the probe endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the /healthz, /readyz, and /statusz endpoints. It is safe
// for concurrent use; the checker list and status source are fixed at
// construction time.
type Handler struct {
	checkers []Checker
	status   StatusFunc
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request. The checkers are evaluated sequentially in the order provided.
// /statusz reports unavailable; use [NewWithStatus] to serve live status.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// NewWithStatus creates a [Handler] that additionally serves the document
// returned by status at /statusz.
func NewWithStatus(status StatusFunc, checkers ...Checker) *Handler {
	h := New(checkers...)
	h.status = status
	return h
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes. Each checker is given a context with a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{
		Status: "ok",
		Checks: checks,
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// Statusz reports the live pipeline status. Returns 503 when the handler was
// built without a status source.
func (h *Handler) Statusz(w http.ResponseWriter, _ *http.Request) {
	if h.status == nil {
		writeJSON(w, http.StatusServiceUnavailable, result{Status: "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, h.status())
}

// Register adds the /healthz, /readyz, and /statusz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /statusz", h.Statusz)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
