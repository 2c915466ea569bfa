package embed

import (
	"context"
	"crypto/sha256"
	"math"
)

// MockClient generates deterministic unit vectors from a hash of the text.
// Identical texts always map to identical vectors, which makes similarity
// assertions in tests stable.
type MockClient struct {
	dimensions int
}

// NewMockClient creates a mock embedder. Dimensions defaults to 768.
func NewMockClient(dimensions int) *MockClient {
	if dimensions <= 0 {
		dimensions = 768
	}
	return &MockClient{dimensions: dimensions}
}

// Embed derives each vector from the SHA-256 of its text.
func (c *MockClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		embeddings[i] = seededVector(text, c.dimensions)
	}
	return embeddings, nil
}

// Dimensions returns the vector width.
func (c *MockClient) Dimensions() int {
	return c.dimensions
}

// Model returns the mock model identifier.
func (c *MockClient) Model() string {
	return "mock-embedding"
}

func seededVector(text string, dimensions int) []float32 {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, dimensions)
	for i := range vec {
		b := sum[(i*13+7)%len(sum)] ^ byte(i)
		vec[i] = float32(int(b)-128) / 128
	}
	return normalize(vec)
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	inv := 1 / math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
	return vec
}

var _ Embedder = (*MockClient)(nil)
