package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cadenza-voice/cadenza/pkg/memory"
	"github.com/cadenza-voice/cadenza/pkg/provider/embeddings"
	"github.com/cadenza-voice/cadenza/pkg/provider/llm"
)

// recallArgs is the JSON-decoded input for the "recall_memory" tool.
type recallArgs struct {
	// Query is the natural-language description of what to look for.
	Query string `json:"query"`

	// Topic optionally restricts results to turns tagged with this topic.
	Topic string `json:"topic,omitempty"`

	// Emotion optionally restricts results to turns tagged with this emotion.
	Emotion string `json:"emotion,omitempty"`

	// Limit caps the number of results returned. Defaults to the tool's
	// configured topK when ≤ 0, and is clamped to it when larger.
	Limit int `json:"limit,omitempty"`
}

// recallHit is one remembered exchange in the tool's JSON output.
type recallHit struct {
	When    string `json:"when"`
	User    string `json:"user"`
	Reply   string `json:"reply,omitempty"`
	Topic   string `json:"topic,omitempty"`
	Emotion string `json:"emotion,omitempty"`
}

// defaultRecallTopK is the result limit when the caller configures none.
const defaultRecallTopK = 5

// noMemoriesMatched is returned to the model when a recall finds nothing, so
// it can say "I don't remember" instead of inventing a memory.
const noMemoriesMatched = "no memories matched"

// NewRecallTool builds the "recall_memory" tool over the conversation store.
//
// The primary path embeds the query and runs a vector similarity search via
// store.SearchSimilar. When embedder is nil or embedding fails, the handler
// falls back to full-text search via store.Search so recall keeps working
// with a degraded embedding provider.
//
// topK caps how many remembered exchanges a single call may return;
// values ≤ 0 select a default of 5.
func NewRecallTool(store memory.Store, embedder embeddings.Provider, topK int) Tool {
	if topK <= 0 {
		topK = defaultRecallTopK
	}

	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "recall_memory",
			Description: "Search past conversations for remembered exchanges related to a query. Returns the most relevant moments as JSON, most relevant first. Use this when the user refers to something discussed in an earlier session.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Natural-language description of what to look for, e.g. \"her sister's health\" or \"the fern repotting\".",
					},
					"topic": map[string]any{
						"type":        "string",
						"description": "Restrict results to this conversation topic (e.g. hobbies, family, nature). Omit to search all topics.",
					},
					"emotion": map[string]any{
						"type":        "string",
						"description": "Restrict results to exchanges tagged with this emotion (e.g. joy, sadness). Omit to search all.",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum number of memories to return.",
					},
				},
				"required": []string{"query"},
			},
			EstimatedDurationMs: 150,
			MaxDurationMs:       2000,
			Idempotent:          true,
			CacheableSeconds:    30,
		},
		Handler: makeRecallHandler(store, embedder, topK),
	}
}

// makeRecallHandler returns the handler for the "recall_memory" tool.
func makeRecallHandler(store memory.Store, embedder embeddings.Provider, topK int) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a recallArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("recall_memory: failed to parse arguments: %w", err)
		}
		if strings.TrimSpace(a.Query) == "" {
			return "", fmt.Errorf("recall_memory: query must not be empty")
		}

		limit := a.Limit
		if limit <= 0 || limit > topK {
			limit = topK
		}

		hits, err := recallSimilar(ctx, store, embedder, a, limit)
		if err != nil {
			slog.Debug("mcp: vector recall unavailable, using keyword search", "error", err)
			hits, err = recallKeyword(ctx, store, a.Query, limit)
		}
		if err != nil {
			return "", fmt.Errorf("recall_memory: %w", err)
		}

		if len(hits) == 0 {
			return noMemoriesMatched, nil
		}

		res, err := json.Marshal(hits)
		if err != nil {
			return "", fmt.Errorf("recall_memory: failed to encode result: %w", err)
		}
		return string(res), nil
	}
}

// recallSimilar embeds the query and runs a vector similarity search.
func recallSimilar(ctx context.Context, store memory.Store, embedder embeddings.Provider, a recallArgs, limit int) ([]recallHit, error) {
	if embedder == nil {
		return nil, fmt.Errorf("no embedding provider configured")
	}

	vec, err := embedder.Embed(ctx, a.Query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var opts []memory.RecallOpt
	if a.Topic != "" {
		opts = append(opts, memory.WithTopic(a.Topic))
	}
	if a.Emotion != "" {
		opts = append(opts, memory.WithEmotion(a.Emotion))
	}

	results, err := store.SearchSimilar(ctx, vec, limit, opts...)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}

	hits := make([]recallHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, hitFromTurn(r.Turn))
	}
	return hits, nil
}

// recallKeyword runs a full-text search over stored turns. Topic and emotion
// filters are vector-path refinements and do not apply here.
func recallKeyword(ctx context.Context, store memory.Store, query string, limit int) ([]recallHit, error) {
	turns, err := store.Search(ctx, query, memory.SearchOpts{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}

	hits := make([]recallHit, 0, len(turns))
	for _, t := range turns {
		hits = append(hits, hitFromTurn(t))
	}
	return hits, nil
}

// hitFromTurn trims a stored turn down to the fields worth showing the model.
func hitFromTurn(t memory.Turn) recallHit {
	return recallHit{
		When:    t.Timestamp.UTC().Format("2006-01-02 15:04"),
		User:    t.UserText,
		Reply:   t.ReplyText,
		Topic:   t.Topic,
		Emotion: t.Emotion,
	}
}
