package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cadenza-voice/cadenza/internal/promptctx"
	"github.com/cadenza-voice/cadenza/pkg/memory"
	"github.com/cadenza-voice/cadenza/pkg/provider/llm"
)

// consolidationPrompt is the system prompt for the end-of-session summary.
const consolidationPrompt = `Summarise this conversation between a person and their voice companion.
Preserve: personal details the person shared, emotional moments and how they changed,
plans or promises that were mentioned, and anything the person would expect the
companion to remember next time they talk. Be concise and write in the third person.`

// defaultConsolidateTurns caps how much of the session is read back for
// summarisation.
const defaultConsolidateTurns = 100

// Consolidator condenses a finished session into one [memory.SessionSummary]
// so the next session can recall what happened without replaying every turn.
type Consolidator struct {
	llm       llm.Provider
	store     memory.Store
	turnLimit int
}

// ConsolidatorOption configures a [Consolidator].
type ConsolidatorOption func(*Consolidator)

// WithTurnLimit caps the number of recent turns read for the summary.
// Default 100.
func WithTurnLimit(n int) ConsolidatorOption {
	return func(c *Consolidator) {
		if n > 0 {
			c.turnLimit = n
		}
	}
}

// NewConsolidator creates a consolidator that reads the session's turns from
// store, summarises them with provider, and writes the summary back.
func NewConsolidator(provider llm.Provider, store memory.Store, opts ...ConsolidatorOption) *Consolidator {
	c := &Consolidator{
		llm:       provider,
		store:     store,
		turnLimit: defaultConsolidateTurns,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Consolidate summarises the session's stored turns and writes the result as
// a [memory.SessionSummary]. Sessions with no stored turns are skipped
// silently; a missing provider or store skips with a log line. Errors leave
// the per-turn memory rows untouched, so nothing is lost when summarisation
// fails.
func (c *Consolidator) Consolidate(ctx context.Context, sessionID string, startedAt, endedAt time.Time) error {
	if c.llm == nil || c.store == nil {
		slog.Info("session: consolidation disabled", "session", sessionID)
		return nil
	}

	turns, err := c.store.RecentTurns(ctx, sessionID, c.turnLimit)
	if err != nil {
		return fmt.Errorf("session: consolidate: read turns: %w", err)
	}
	if len(turns) == 0 {
		return nil
	}

	resp, err := c.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: consolidationPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: formatTranscript(turns)},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return fmt.Errorf("session: consolidate: summarise: %w", err)
	}
	summary := ""
	if resp != nil {
		summary = strings.TrimSpace(resp.Content)
	}
	if summary == "" {
		return fmt.Errorf("session: consolidate: model returned empty summary")
	}

	if err := c.store.WriteSummary(ctx, memory.SessionSummary{
		SessionID: sessionID,
		Summary:   summary,
		TurnCount: len(turns),
		StartedAt: startedAt,
		EndedAt:   endedAt,
	}); err != nil {
		return fmt.Errorf("session: consolidate: write summary: %w", err)
	}

	slog.Info("session: consolidated", "session", sessionID, "turns", len(turns))
	return nil
}

// formatTranscript renders stored turns as a speaker-tagged transcript.
// Detected emotion is carried inline so the summary can preserve how the
// person felt, not just what was said.
func formatTranscript(turns []memory.Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		if t.UserText != "" {
			if t.Emotion != "" && t.Emotion != promptctx.EmotionNeutral {
				fmt.Fprintf(&sb, "[user (%s)]: %s\n", t.Emotion, t.UserText)
			} else {
				fmt.Fprintf(&sb, "[user]: %s\n", t.UserText)
			}
		}
		if t.ReplyText != "" {
			fmt.Fprintf(&sb, "[companion]: %s\n", t.ReplyText)
		}
	}
	return sb.String()
}
