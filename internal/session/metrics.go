package session

import (
	"sync"
	"time"

	"github.com/cadenza-voice/cadenza/internal/engine"
)

// LatencyMetrics is a point-in-time snapshot of the session's running latency
// aggregates. Perceived latency is what the user experienced: the filler
// start when one played, the reply itself otherwise.
type LatencyMetrics struct {
	// Turns counts completed reply turns. Corrections and abandoned turns are
	// excluded; fallback replies count, since the user heard one.
	Turns int

	// AvgActual is the mean cutoff-to-reply-ready latency.
	AvgActual time.Duration

	// AvgPerceived is the mean cutoff-to-first-audio latency.
	AvgPerceived time.Duration

	// FillerRate is the share of counted turns where a filler played.
	FillerRate float64
}

// metricsRecorder accumulates the running aggregates. Updates are O(1) under
// a mutex, so recording a finished turn never delays the next one.
type metricsRecorder struct {
	mu           sync.Mutex
	turns        int
	fillers      int
	sumActual    time.Duration
	sumPerceived time.Duration
}

// record folds one turn outcome into the aggregates. Corrections and
// abandoned turns carry no reply latency and are skipped.
func (m *metricsRecorder) record(out *engine.Turn) {
	if out == nil || out.Abandoned || out.Correction {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns++
	m.sumActual += out.Actual
	m.sumPerceived += out.Perceived
	if out.FillerPlayed {
		m.fillers++
	}
}

// snapshot returns the current aggregates as averages.
func (m *metricsRecorder) snapshot() LatencyMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := LatencyMetrics{Turns: m.turns}
	if m.turns > 0 {
		s.AvgActual = m.sumActual / time.Duration(m.turns)
		s.AvgPerceived = m.sumPerceived / time.Duration(m.turns)
		s.FillerRate = float64(m.fillers) / float64(m.turns)
	}
	return s
}
