package ollama

import (
	"context"
	"fmt"
	"time"

	"github.com/pharos-kms/pharos/backend/pkg/ai"

	"github.com/ollama/ollama/api"
)

// GenerateEmbedding creates a single embedding vector for the given input.
func (c *EmbeddingOllamaClient) GenerateEmbedding(
	ctx context.Context,
	input []byte,
) ([]float32, error) {
	embeddings, err := c.GenerateEmbeddings(ctx, [][]byte{input})
	if err != nil {
		return nil, err
	}
	if len(embeddings) != 1 {
		return nil, fmt.Errorf("expected 1 embedding, got %d", len(embeddings))
	}
	return embeddings[0], nil
}

// GenerateEmbeddings creates embedding vectors for a batch of inputs. The
// returned slice is index-aligned with the inputs. Vectors are padded with
// zeros or truncated to the configured dimension count.
func (c *EmbeddingOllamaClient) GenerateEmbeddings(
	ctx context.Context,
	inputs [][]byte,
) ([][]float32, error) {
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}

	err := c.reqLock.Acquire(ctx, 1)
	if err != nil {
		return nil, err
	}
	defer c.reqLock.Release(1)

	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.timeoutMin)*time.Minute)
	defer cancel()

	texts := make([]string, len(inputs))
	for i, input := range inputs {
		texts[i] = string(input)
	}

	start := time.Now()
	resp, err := c.Client.Embed(ctx, &api.EmbedRequest{
		Model: c.embeddingModel,
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("error generating embeddings: %v", err)
	}
	if len(resp.Embeddings) != len(inputs) {
		return nil, fmt.Errorf(
			"expected %d embeddings, got %d",
			len(inputs),
			len(resp.Embeddings),
		)
	}

	c.modifyMetrics(ai.ModelMetrics{
		InputTokens: resp.PromptEvalCount,
		TotalTokens: resp.PromptEvalCount,
		DurationMs:  time.Since(start).Milliseconds(),
	})

	embeddings := make([][]float32, len(resp.Embeddings))
	for i, embedding := range resp.Embeddings {
		embeddings[i] = fitDimensions(embedding, c.dimensions)
	}
	return embeddings, nil
}

func fitDimensions(vec []float32, dims int) []float32 {
	if len(vec) == dims {
		return vec
	}
	if len(vec) > dims {
		return vec[:dims]
	}
	padded := make([]float32, dims)
	copy(padded, vec)
	return padded
}
