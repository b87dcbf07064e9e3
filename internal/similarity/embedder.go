// Package similarity generates, stores, and searches vector embeddings for
// functions and basic blocks in the graph.
package similarity

import (
	"context"
	"fmt"

	"github.com/allsmog/revgraph/internal/config"
	"github.com/allsmog/revgraph/internal/types"
)

// Embedder abstracts over embedding providers.
type Embedder interface {
	// Embed generates an embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float64, error)

	// EmbedBatch generates embeddings for multiple texts efficiently.
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)

	// Dimensions returns the dimensionality of embedding vectors.
	Dimensions() int

	// Model returns the name of the embedding model being used.
	Model() string

	// Health returns the health status of the embedder.
	Health(ctx context.Context) types.HealthStatus
}

// NewEmbedder creates an embedder from the embeddings configuration.
func NewEmbedder(cfg config.EmbeddingsConfig) (Embedder, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIEmbedder(cfg)
	case "mock":
		return NewMockEmbedderWithConfig(cfg), nil
	default:
		return nil, types.NewError(types.EMBEDDING_INVALID_CONFIG,
			fmt.Sprintf("unknown embeddings provider %q, must be 'openai' or 'mock'", cfg.Provider))
	}
}
