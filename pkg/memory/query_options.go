package memory

import "time"

// RecallParams holds the resolved parameters from a slice of [RecallOpt].
type RecallParams struct {
	SessionID string
	Topic     string
	Emotion   string
	After     time.Time
	Before    time.Time
}

// ApplyRecallOpts applies a slice of [RecallOpt] functional options and returns
// the resolved parameters as a [RecallParams]. This helper allows external
// packages (such as storage backends) to read the option values without needing
// to access the unexported [recallOptions] type directly.
func ApplyRecallOpts(opts []RecallOpt) RecallParams {
	o := &recallOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return RecallParams{
		SessionID: o.sessionID,
		Topic:     o.topic,
		Emotion:   o.emotion,
		After:     o.after,
		Before:    o.before,
	}
}
