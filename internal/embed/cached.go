package embed

import (
	"context"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cairnkb/cairn/internal/fingerprint"
)

// CachedEmbedder wraps an Embedder with an LRU cache. When keyed by chunk
// content hash, re-ingesting a document only pays for changed chunks.
//
// Cached vectors are shared with callers; treat them as read-only.
type CachedEmbedder struct {
	inner Embedder
	cache *lru.Cache[string, []float32]

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCachedEmbedder wraps inner with a cache of at most size vectors.
// Size defaults to 10000.
func NewCachedEmbedder(inner Embedder, size int) (*CachedEmbedder, error) {
	if size <= 0 {
		size = 10000
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

// Embed caches by content hash of each text.
func (e *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	keys := make([]string, len(texts))
	for i, text := range texts {
		keys[i] = fingerprint.Text(text)
	}
	return e.EmbedKeyed(ctx, keys, texts)
}

// EmbedKeyed embeds texts under caller-chosen cache keys. Only cache misses
// reach the inner embedder, as a single batch.
func (e *CachedEmbedder) EmbedKeyed(ctx context.Context, keys, texts []string) ([][]float32, error) {
	if len(keys) != len(texts) {
		return nil, fmt.Errorf("embed: %d keys for %d texts", len(keys), len(texts))
	}

	results := make([][]float32, len(texts))
	var missIdx []int
	for i, key := range keys {
		if vec, ok := e.cache.Get(key); ok {
			results[i] = vec
			e.hits.Add(1)
			continue
		}
		missIdx = append(missIdx, i)
	}
	if len(missIdx) == 0 {
		return results, nil
	}
	e.misses.Add(int64(len(missIdx)))

	missTexts := make([]string, len(missIdx))
	for j, idx := range missIdx {
		missTexts[j] = texts[idx]
	}

	vectors, err := e.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missTexts) {
		return nil, fmt.Errorf("embed: got %d vectors for %d texts", len(vectors), len(missTexts))
	}

	for j, idx := range missIdx {
		e.cache.Add(keys[idx], vectors[j])
		results[idx] = vectors[j]
	}
	return results, nil
}

// Stats returns cumulative cache hits and misses.
func (e *CachedEmbedder) Stats() (hits, misses int64) {
	return e.hits.Load(), e.misses.Load()
}

// Dimensions returns the inner embedder's vector width.
func (e *CachedEmbedder) Dimensions() int {
	return e.inner.Dimensions()
}

// Model returns the inner embedder's model identifier.
func (e *CachedEmbedder) Model() string {
	return e.inner.Model()
}

var _ Embedder = (*CachedEmbedder)(nil)
