package openai

import (
	"sync"

	"github.com/pharos-kms/pharos/backend/pkg/ai"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/semaphore"
)

// EmbeddingOpenAIClient implements ai.EmbeddingClient against an
// OpenAI-compatible embeddings API.
//
// An EmbeddingOpenAIClient should be created using NewEmbeddingOpenAIClient.
type EmbeddingOpenAIClient struct {
	embeddingModel string
	dimensions     int
	timeoutMin     int

	embeddingLock *semaphore.Weighted

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	Client *openai.Client
}

// NewEmbeddingOpenAIClientParams defines the configuration parameters for
// creating a new EmbeddingOpenAIClient.
//
// EmbeddingModel specifies the model used for embeddings.
// BaseURL and ApiKey configure the embedding API endpoint; BaseURL may be
// empty to use the default OpenAI endpoint.
type NewEmbeddingOpenAIClientParams struct {
	EmbeddingModel string
	Dimensions     int

	BaseURL string
	ApiKey  string

	MaxConcurrentRequests int64
	TimeoutMinutes        int
}

// NewEmbeddingOpenAIClient creates and returns a new EmbeddingOpenAIClient
// configured with the provided parameters.
//
// Example:
//
//	client := openai.NewEmbeddingOpenAIClient(openai.NewEmbeddingOpenAIClientParams{
//		EmbeddingModel: "text-embedding-3-small",
//		ApiKey:         os.Getenv("OPENAI_API_KEY"),
//	})
func NewEmbeddingOpenAIClient(
	params NewEmbeddingOpenAIClientParams,
) *EmbeddingOpenAIClient {
	maxParallel := params.MaxConcurrentRequests
	if maxParallel <= 0 {
		maxParallel = 15
	}
	dimensions := params.Dimensions
	if dimensions <= 0 {
		dimensions = 1536
	}
	timeoutMin := params.TimeoutMinutes
	if timeoutMin <= 0 {
		timeoutMin = 5
	}

	return &EmbeddingOpenAIClient{
		embeddingModel: params.EmbeddingModel,
		dimensions:     dimensions,
		timeoutMin:     timeoutMin,

		embeddingLock: semaphore.NewWeighted(maxParallel),

		Client: newOpenaiClient(params.BaseURL, params.ApiKey),
	}
}

func newOpenaiClient(
	baseURL string,
	apiKey string,
) *openai.Client {
	if apiKey == "" {
		return nil
	}
	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}

	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(options...)

	return &client
}

// Metrics returns a snapshot of the accumulated usage metrics.
func (c *EmbeddingOpenAIClient) Metrics() ai.ModelMetrics {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	return c.metrics
}

func (c *EmbeddingOpenAIClient) modifyMetrics(delta ai.ModelMetrics) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.metrics.InputTokens += delta.InputTokens
	c.metrics.TotalTokens += delta.TotalTokens
	c.metrics.DurationMs += delta.DurationMs
}
