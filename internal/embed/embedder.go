// Package embed turns text into vectors. The production client speaks the
// OpenAI-compatible embeddings API; a cached wrapper keyed by content hash
// keeps re-ingestion of unchanged documents cheap.
package embed

import "context"

// Embedder generates embedding vectors for texts.
type Embedder interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector width this embedder produces.
	Dimensions() int

	// Model returns the embedding model identifier.
	Model() string
}
