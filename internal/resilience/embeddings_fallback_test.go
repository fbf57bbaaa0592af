package resilience

import (
	"context"
	"errors"
	"testing"

	embmock "github.com/cadenza-voice/cadenza/pkg/provider/embeddings/mock"
)

func TestEmbeddingsFallback_Embed_PrimarySuccess(t *testing.T) {
	primary := &embmock.Provider{
		EmbedResult: []float32{0.1, 0.2, 0.3},
	}
	secondary := &embmock.Provider{
		EmbedResult: []float32{0.9, 0.9, 0.9},
	}

	fb := NewEmbeddingsFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	vec, err := fb.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.1 {
		t.Fatalf("vec = %v, want [0.1 0.2 0.3]", vec)
	}
	if len(primary.EmbedCalls) != 1 {
		t.Fatalf("primary called %d times, want 1", len(primary.EmbedCalls))
	}
	if len(secondary.EmbedCalls) != 0 {
		t.Fatalf("secondary called %d times, want 0", len(secondary.EmbedCalls))
	}
}

func TestEmbeddingsFallback_Embed_Failover(t *testing.T) {
	primary := &embmock.Provider{
		EmbedErr: errors.New("primary down"),
	}
	secondary := &embmock.Provider{
		EmbedResult: []float32{0.4, 0.5},
	}

	fb := NewEmbeddingsFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	vec, err := fb.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 2 || vec[0] != 0.4 {
		t.Fatalf("vec = %v, want [0.4 0.5]", vec)
	}
	if len(secondary.EmbedCalls) != 1 {
		t.Fatalf("secondary called %d times, want 1", len(secondary.EmbedCalls))
	}
}

func TestEmbeddingsFallback_Embed_AllFail(t *testing.T) {
	primary := &embmock.Provider{EmbedErr: errors.New("primary down")}
	secondary := &embmock.Provider{EmbedErr: errors.New("secondary down")}

	fb := NewEmbeddingsFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Embed(context.Background(), "hello")
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestEmbeddingsFallback_EmbedBatch_Failover(t *testing.T) {
	primary := &embmock.Provider{
		EmbedBatchErr: errors.New("primary down"),
	}
	secondary := &embmock.Provider{
		EmbedBatchResult: [][]float32{{0.1}, {0.2}},
	}

	fb := NewEmbeddingsFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	vecs, err := fb.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("got %d vectors, want 2", len(vecs))
	}
}

func TestEmbeddingsFallback_StaticMetadataFromPrimary(t *testing.T) {
	primary := &embmock.Provider{
		DimensionsValue: 1536,
		ModelIDValue:    "embed-v1",
	}
	secondary := &embmock.Provider{
		DimensionsValue: 999,
		ModelIDValue:    "other-model",
	}

	fb := NewEmbeddingsFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	if got := fb.Dimensions(); got != 1536 {
		t.Fatalf("Dimensions() = %d, want 1536", got)
	}
	if got := fb.ModelID(); got != "embed-v1" {
		t.Fatalf("ModelID() = %q, want embed-v1", got)
	}
}
