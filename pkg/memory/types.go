package memory

import "time"

// Turn is a complete conversational exchange: what the user said and what the
// companion replied, plus the lightweight annotations produced while handling
// it. It is the atomic unit of conversation memory.
type Turn struct {
	// ID is the unique identifier for this turn (e.g., a UUID).
	ID string

	// SessionID is the session this turn belongs to.
	SessionID string

	// UserText is the final transcript of the user's utterance.
	UserText string

	// ReplyText is the companion's spoken reply. Empty when the turn was
	// abandoned (no transcribable speech) or the reply failed.
	ReplyText string

	// Emotion is the tagged emotional tone of the user's utterance
	// (e.g., "joy", "sadness", "neutral"). Empty when untagged.
	Emotion string

	// Topic is an optional coarse topic label for the exchange.
	Topic string

	// Embedding is the vector representation of the exchange text, used for
	// semantic recall. May be nil when the embedding provider was unavailable;
	// such turns are still stored but excluded from similarity search.
	Embedding []float32

	// Timestamp is when the turn completed.
	Timestamp time.Time
}

// TurnResult pairs a recalled turn with its vector-space distance from the
// query embedding. Lower Distance values indicate higher semantic similarity.
type TurnResult struct {
	// Turn is the recalled exchange.
	Turn Turn

	// Distance is the cosine distance to the query embedding.
	Distance float64
}

// SessionSummary is a durable LLM-written digest of one finished session.
// It lets a new session open with continuity ("last time you talked about…")
// without replaying the full turn log.
type SessionSummary struct {
	// SessionID identifies the summarized session.
	SessionID string

	// Summary is the LLM-generated digest text.
	Summary string

	// TurnCount is the number of turns the session contained.
	TurnCount int

	// StartedAt is when the session began.
	StartedAt time.Time

	// EndedAt is when the session stopped.
	EndedAt time.Time
}
