package similarity

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/allsmog/revgraph/internal/config"
	"github.com/allsmog/revgraph/internal/types"
)

// embedMaxAttempts bounds provider retries. The first retry backs off
// before resending; further failures surface to the caller.
const embedMaxAttempts = 2

const embedRetryBackoff = 500 * time.Millisecond

// OpenAIEmbedder generates embeddings through the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client     *openai.Client
	model      string
	dimensions int
	timeout    time.Duration
}

// NewOpenAIEmbedder creates an embedder backed by the OpenAI API.
func NewOpenAIEmbedder(cfg config.EmbeddingsConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" || cfg.APIKey == "${OPENAI_API_KEY}" {
		return nil, types.NewError(types.EMBEDDING_INVALID_CONFIG,
			"OpenAI API key is not set, provide embeddings.api_key or OPENAI_API_KEY")
	}
	if cfg.Model == "" {
		return nil, types.NewError(types.EMBEDDING_INVALID_CONFIG, "embeddings.model is required")
	}

	options := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(options...)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &OpenAIEmbedder{
		client:     &client,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		timeout:    timeout,
	}, nil
}

// Embed generates an embedding for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, types.NewErrorf(types.EMBEDDING_PROVIDER_FAILED,
			"unexpected embedding result size: got %d want 1", len(vecs))
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in a single API
// request, preserving input order. A transient provider failure is retried
// once with backoff before surfacing as EMBEDDING_PROVIDER_FAILED.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	rCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	body := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(e.model),
	}
	if e.dimensions > 0 {
		body.Dimensions = openai.Int(int64(e.dimensions))
	}

	var response *openai.CreateEmbeddingResponse
	var err error
	for attempt := 1; attempt <= embedMaxAttempts; attempt++ {
		response, err = e.client.Embeddings.New(rCtx, body)
		if err == nil {
			break
		}
		if attempt < embedMaxAttempts {
			select {
			case <-time.After(embedRetryBackoff * time.Duration(attempt)):
			case <-rCtx.Done():
				return nil, types.WrapError(types.EMBEDDING_PROVIDER_FAILED,
					"embedding request cancelled", rCtx.Err())
			}
		}
	}
	if err != nil {
		return nil, types.WrapRetryableError(types.EMBEDDING_PROVIDER_FAILED,
			fmt.Sprintf("embedding request failed after %d attempts", embedMaxAttempts), err)
	}

	if len(response.Data) != len(texts) {
		return nil, types.NewErrorf(types.EMBEDDING_PROVIDER_FAILED,
			"embedding response size mismatch: got %d want %d", len(response.Data), len(texts))
	}

	out := make([][]float64, len(texts))
	for _, item := range response.Data {
		idx := int(item.Index)
		if idx < 0 || idx >= len(texts) {
			return nil, types.NewErrorf(types.EMBEDDING_PROVIDER_FAILED,
				"embedding index out of range: %d", item.Index)
		}
		if e.dimensions > 0 && len(item.Embedding) != e.dimensions {
			return nil, types.NewErrorf(types.EMBEDDING_DIMENSION_ERROR,
				"provider returned %d dimensions, expected %d", len(item.Embedding), e.dimensions)
		}
		vec := make([]float64, len(item.Embedding))
		copy(vec, item.Embedding)
		out[idx] = vec
	}
	for i := range out {
		if out[i] == nil {
			return nil, types.NewErrorf(types.EMBEDDING_PROVIDER_FAILED,
				"missing embedding for index %d", i)
		}
	}
	return out, nil
}

// Dimensions returns the configured vector dimensionality.
func (e *OpenAIEmbedder) Dimensions() int { return e.dimensions }

// Model returns the embedding model name.
func (e *OpenAIEmbedder) Model() string { return e.model }

// Health probes the API with a minimal embedding request.
func (e *OpenAIEmbedder) Health(ctx context.Context) types.HealthStatus {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := e.Embed(probeCtx, "health probe"); err != nil {
		return types.NewHealthStatus(types.HealthStateUnhealthy,
			fmt.Sprintf("embedding probe failed: %v", err))
	}
	return types.NewHealthStatus(types.HealthStateHealthy,
		fmt.Sprintf("model %s reachable", e.model))
}
