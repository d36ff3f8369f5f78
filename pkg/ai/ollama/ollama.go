package ollama

import (
	"net/http"
	"net/url"
	"sync"

	"github.com/pharos-kms/pharos/backend/pkg/ai"

	"github.com/ollama/ollama/api"
	"golang.org/x/sync/semaphore"
)

// EmbeddingOllamaClient implements ai.EmbeddingClient against a locally
// hosted Ollama server.
type EmbeddingOllamaClient struct {
	embeddingModel string
	dimensions     int
	timeoutMin     int

	reqLock *semaphore.Weighted

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	Client *api.Client
}

// NewEmbeddingOllamaClientParams contains configuration options for creating
// a new EmbeddingOllamaClient.
type NewEmbeddingOllamaClientParams struct {
	EmbeddingModel string
	Dimensions     int

	BaseURL string
	ApiKey  string

	MaxConcurrentRequests int64
	TimeoutMinutes        int
}

type headerTransport struct {
	headers map[string]string
	rt      http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// clone so original request isn't modified
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		// don't overwrite if already set
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	return t.rt.RoundTrip(r)
}

// NewEmbeddingOllamaClient creates a new Ollama-backed embedding client. It
// connects to the Ollama server at the given BaseURL (or the default if
// empty) and uses the configured model for all embedding requests.
func NewEmbeddingOllamaClient(
	params NewEmbeddingOllamaClientParams,
) (*EmbeddingOllamaClient, error) {
	var (
		u   *url.URL
		err error
	)

	if params.BaseURL != "" {
		u, err = url.Parse(params.BaseURL)
		if err != nil {
			return nil, err
		}
	}

	httpClient := &http.Client{
		Transport: &headerTransport{
			headers: map[string]string{
				"Authorization": "Bearer " + params.ApiKey,
			},
			rt: http.DefaultTransport,
		},
	}

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

	return &EmbeddingOllamaClient{
		embeddingModel: params.EmbeddingModel,
		dimensions:     dimensions,
		timeoutMin:     timeoutMin,

		reqLock: semaphore.NewWeighted(maxParallel),

		Client: api.NewClient(u, httpClient),
	}, nil
}

// Metrics returns a snapshot of the accumulated usage metrics.
func (c *EmbeddingOllamaClient) Metrics() ai.ModelMetrics {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	return c.metrics
}

func (c *EmbeddingOllamaClient) modifyMetrics(delta ai.ModelMetrics) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.metrics.InputTokens += delta.InputTokens
	c.metrics.TotalTokens += delta.TotalTokens
	c.metrics.DurationMs += delta.DurationMs
}
