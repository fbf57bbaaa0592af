package turn

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// Stock weight values applied when no persisted file exists.
const (
	DefaultPauseWeight   = 0.4
	DefaultEnergyWeight  = 0.3
	DefaultPitchWeight   = 0.2
	DefaultRateWeight    = 0.1
	DefaultBaseThreshold = 1.5

	// MinBaseThreshold is the lower clamp for trainer adjustments; the
	// threshold can never be trained to zero or below.
	MinBaseThreshold = 0.05
)

// Values is one consistent view of the scoring weight set. Obtain a live
// view through [Weights.Snapshot]; the zero value is not a valid weight set.
type Values struct {
	// Pause scales the accumulated pause duration, in seconds.
	Pause float64 `json:"pause_weight"`

	// Energy scales the headroom between the energy ceiling and the latest
	// frame RMS.
	Energy float64 `json:"energy_weight"`

	// Pitch is persisted and trainable but contributes nothing to the score:
	// PitchTrend carries coarse zero-crossing estimates, too noisy to weigh
	// until a real pitch tracker lands.
	Pitch float64 `json:"pitch_weight"`

	// Rate scales the trailing silence, in seconds.
	Rate float64 `json:"rate_weight"`

	// BaseThreshold is the score above which a cutoff fires.
	BaseThreshold float64 `json:"base_threshold"`
}

// DefaultValues returns the stock weight set.
func DefaultValues() Values {
	return Values{
		Pause:         DefaultPauseWeight,
		Energy:        DefaultEnergyWeight,
		Pitch:         DefaultPitchWeight,
		Rate:          DefaultRateWeight,
		BaseThreshold: DefaultBaseThreshold,
	}
}

// Validate reports every invalid field, joined into one error.
func (v Values) Validate() error {
	var errs []error
	if v.Pause < 0 {
		errs = append(errs, fmt.Errorf("pause_weight %v must be >= 0", v.Pause))
	}
	if v.Energy < 0 {
		errs = append(errs, fmt.Errorf("energy_weight %v must be >= 0", v.Energy))
	}
	if v.Pitch < 0 {
		errs = append(errs, fmt.Errorf("pitch_weight %v must be >= 0", v.Pitch))
	}
	if v.Rate < 0 {
		errs = append(errs, fmt.Errorf("rate_weight %v must be >= 0", v.Rate))
	}
	if v.BaseThreshold <= 0 {
		errs = append(errs, fmt.Errorf("base_threshold %v must be > 0", v.BaseThreshold))
	}
	return errors.Join(errs...)
}

// Weights is the shared, mutable weight holder. The decision engine takes
// read snapshots on every tick; the trainer mutates the set under the write
// lock and persists it. All methods are safe for concurrent use.
type Weights struct {
	mu   sync.RWMutex
	path string
	v    Values
}

// NewWeights returns an in-memory holder with default values. [Weights.Save]
// is a no-op until the holder is bound to a file via [LoadWeights].
func NewWeights() *Weights {
	return &Weights{v: DefaultValues()}
}

// LoadWeights reads the weight set from the JSON file at path. A missing
// file yields the defaults silently. A corrupt or invalid file also yields
// the defaults, with a non-nil error for the caller to log; the returned
// holder is usable either way. An empty path returns an in-memory holder.
func LoadWeights(path string) (*Weights, error) {
	if path == "" {
		return NewWeights(), nil
	}
	w := &Weights{path: path, v: DefaultValues()}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return w, nil
	}
	if err != nil {
		return w, fmt.Errorf("turn: read weights %s: %w", path, err)
	}

	var v Values
	if err := json.Unmarshal(data, &v); err != nil {
		return w, fmt.Errorf("turn: parse weights %s: %w", path, err)
	}
	if err := v.Validate(); err != nil {
		return w, fmt.Errorf("turn: invalid weights %s: %w", path, err)
	}
	w.v = v
	return w, nil
}

// Snapshot returns the current weight values.
func (w *Weights) Snapshot() Values {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.v
}

// Set replaces the weight set wholesale after validation.
func (w *Weights) Set(v Values) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("turn: set weights: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.v = v
	return nil
}

// AdjustThreshold moves BaseThreshold by delta and returns the new value,
// clamped at [MinBaseThreshold].
func (w *Weights) AdjustThreshold(delta float64) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.v.BaseThreshold += delta
	if w.v.BaseThreshold < MinBaseThreshold {
		w.v.BaseThreshold = MinBaseThreshold
	}
	return w.v.BaseThreshold
}

// Save writes the current weight set as JSON to the bound path. Holders
// without a path return nil without writing.
func (w *Weights) Save() error {
	w.mu.RLock()
	path := w.path
	v := w.v
	w.mu.RUnlock()

	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("turn: marshal weights: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("turn: write weights %s: %w", path, err)
	}
	return nil
}
