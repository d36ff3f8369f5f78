package ai

import "context"

// ModelMetrics contains accumulated usage metrics from embedding operations.
type ModelMetrics struct {
	InputTokens int   `json:"input_tokens"`
	TotalTokens int   `json:"total_tokens"`
	DurationMs  int64 `json:"duration_ms"`
}

// EmbeddingClient defines the interface for turning text into dense vectors.
// The retrieval engine uses it to embed queries; the ingestion side uses the
// batch variant to backfill chunk and entity vectors.
//
// Implementations bound their own request parallelism and timeouts.
type EmbeddingClient interface {
	GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error)
	GenerateEmbeddings(ctx context.Context, inputs [][]byte) ([][]float32, error)
	Metrics() ModelMetrics
}
