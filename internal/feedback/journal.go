package feedback

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Feedback sources, recorded so offline analysis can weigh spoken corrections
// differently from deliberate command feedback.
const (
	// SourceSpoken marks feedback detected in a live transcript.
	SourceSpoken = "spoken"

	// SourceCommand marks feedback submitted explicitly (Discord command, API).
	SourceCommand = "command"
)

// Record is a single feedback event written to the journal.
type Record struct {
	Timestamp      time.Time `json:"timestamp"`
	SessionID      string    `json:"session_id"`
	Label          string    `json:"label"`
	Phrase         string    `json:"phrase,omitempty"`
	Source         string    `json:"source"`
	Confidence     float64   `json:"confidence,omitempty"`
	ThresholdAfter float64   `json:"threshold_after,omitempty"`
}

// Journal persists feedback events as JSON lines in a local file.
// Thread-safe for concurrent use. An empty path disables journaling; Append
// becomes a no-op.
type Journal struct {
	mu   sync.Mutex
	path string
}

// NewJournal creates a Journal that appends to path. The file is created on
// first write.
func NewJournal(path string) *Journal {
	return &Journal{path: path}
}

// Append writes one record to the journal. A zero Timestamp is stamped with
// the current UTC time.
func (j *Journal) Append(rec Record) error {
	if j.path == "" {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("feedback: marshal: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("feedback: open journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("feedback: write journal: %w", err)
	}
	return nil
}
