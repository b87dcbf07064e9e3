package similarity

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/allsmog/revgraph/internal/config"
	"github.com/allsmog/revgraph/internal/types"
)

// MockEmbedderCall records one method invocation on the mock embedder.
type MockEmbedderCall struct {
	Method    string
	Texts     []string
	Timestamp time.Time
}

// MockEmbedder generates deterministic embeddings derived from a SHA256
// hash of the input text: the same text always produces the same vector.
// Vectors are L2-normalized. Useful for tests and offline runs.
type MockEmbedder struct {
	mu           sync.RWMutex
	dimensions   int
	model        string
	calls        []MockEmbedderCall
	embedError   error
	batchError   error
	healthStatus types.HealthStatus
}

// NewMockEmbedder creates a mock embedder with the given dimensionality.
func NewMockEmbedder(dimensions int) *MockEmbedder {
	if dimensions <= 0 {
		dimensions = 3072
	}
	return &MockEmbedder{
		dimensions:   dimensions,
		model:        "mock-embedder",
		healthStatus: types.Healthy("mock embedder"),
	}
}

// NewMockEmbedderWithConfig creates a mock embedder honoring the
// configured model name and dimensions.
func NewMockEmbedderWithConfig(cfg config.EmbeddingsConfig) *MockEmbedder {
	m := NewMockEmbedder(cfg.Dimensions)
	if cfg.Model != "" {
		m.model = cfg.Model
	}
	return m
}

// Embed generates a deterministic embedding for a single text.
func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, MockEmbedderCall{
		Method:    "Embed",
		Texts:     []string{text},
		Timestamp: time.Now(),
	})
	if m.embedError != nil {
		return nil, m.embedError
	}
	return m.generate(text), nil
}

// EmbedBatch generates deterministic embeddings for multiple texts.
func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, MockEmbedderCall{
		Method:    "EmbedBatch",
		Texts:     append([]string(nil), texts...),
		Timestamp: time.Now(),
	})
	if m.batchError != nil {
		return nil, m.batchError
	}

	out := make([][]float64, len(texts))
	for i, text := range texts {
		out[i] = m.generate(text)
	}
	return out, nil
}

// Dimensions returns the vector dimensionality.
func (m *MockEmbedder) Dimensions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dimensions
}

// Model returns the mock model name.
func (m *MockEmbedder) Model() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.model
}

// Health returns the injected health status.
func (m *MockEmbedder) Health(ctx context.Context) types.HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthStatus
}

// SetModel overrides the reported model name.
func (m *MockEmbedder) SetModel(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.model = model
}

// SetEmbedError injects an error returned by Embed.
func (m *MockEmbedder) SetEmbedError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embedError = err
}

// SetBatchError injects an error returned by EmbedBatch.
func (m *MockEmbedder) SetBatchError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchError = err
}

// SetHealth injects the status returned by Health.
func (m *MockEmbedder) SetHealth(status types.HealthStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthStatus = status
}

// Calls returns all recorded invocations.
func (m *MockEmbedder) Calls() []MockEmbedderCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MockEmbedderCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// generate derives an L2-normalized vector from the text hash.
func (m *MockEmbedder) generate(text string) []float64 {
	hash := sha256.Sum256([]byte(text))
	seed := int64(binary.BigEndian.Uint64(hash[:8]))
	rng := rand.New(rand.NewSource(seed))

	vec := make([]float64, m.dimensions)
	var norm float64
	for i := range vec {
		vec[i] = rng.Float64()*2 - 1
		norm += vec[i] * vec[i]
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}
