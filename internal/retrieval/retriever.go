package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cairnkb/cairn/internal/apperr"
	"github.com/cairnkb/cairn/internal/cache"
	"github.com/cairnkb/cairn/internal/embed"
	"github.com/cairnkb/cairn/internal/fingerprint"
	"github.com/cairnkb/cairn/internal/index"
	"github.com/cairnkb/cairn/internal/observability"
)

// Config holds retriever tuning.
type Config struct {
	// RankConstant is the RRF smoothing parameter. Defaults to 60.
	RankConstant int

	// CacheTTL bounds how long fused results are served from cache.
	// Defaults to 5 minutes.
	CacheTTL time.Duration
}

// SearchRequest is one hybrid search.
type SearchRequest struct {
	Query  string
	TopK   int
	Filter index.Filter
}

// Result is one hydrated search hit.
type Result struct {
	SegmentID     uuid.UUID `json:"segment_id"`
	Content       string    `json:"content"`
	Score         float64   `json:"score"`
	SourceURL     string    `json:"source_url,omitempty"`
	SourceID      string    `json:"source_id,omitempty"`
	SectionPath   *string   `json:"section_path,omitempty"`
	DocumentTitle string    `json:"document_title,omitempty"`
	SegmentType   string    `json:"segment_type"`
}

// Retriever runs hybrid search: embed the query, search both index halves in
// parallel, fuse with RRF, optionally rerank, hydrate from the index.
type Retriever struct {
	index    index.SegmentIndex
	embedder embed.Embedder
	cache    cache.Client
	reranker Reranker
	config   Config
	logger   *observability.Logger
}

// NewRetriever wires a retriever. cache and reranker may be nil; a nil
// reranker means fused order is final and results are cacheable.
func NewRetriever(idx index.SegmentIndex, embedder embed.Embedder, cacheClient cache.Client, reranker Reranker, config Config, logger *observability.Logger) *Retriever {
	if config.RankConstant <= 0 {
		config.RankConstant = DefaultRankConstant
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Retriever{
		index:    idx,
		embedder: embedder,
		cache:    cacheClient,
		reranker: reranker,
		config:   config,
		logger:   logger.WithComponent("retrieval"),
	}
}

// Search runs one hybrid query and returns the top-k hydrated results.
func (r *Retriever) Search(ctx context.Context, req SearchRequest) ([]Result, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, apperr.Validation("query is required")
	}
	topK := req.TopK
	if topK <= 0 {
		topK = 10
	}

	// Cached results are only valid when no reranker can change the order.
	key := r.cacheKey(query, topK, req.Filter)
	if r.reranker == nil && r.cache != nil {
		if data, err := r.cache.Get(ctx, key); err == nil {
			var results []Result
			if err := json.Unmarshal(data, &results); err == nil {
				return results, nil
			}
		}
	}

	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, apperr.New(apperr.KindInternal, "embedder returned no query vector")
	}

	var lexical, vector []index.Hit
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := r.index.SearchText(gctx, query, req.Filter, 2*topK)
		if err != nil {
			return fmt.Errorf("lexical search: %w", err)
		}
		lexical = hits
		return nil
	})
	g.Go(func() error {
		hits, err := r.index.SearchVector(gctx, vectors[0], req.Filter, 2*topK, 10*topK)
		if err != nil {
			return fmt.Errorf("vector search: %w", err)
		}
		vector = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := Fuse(lexical, vector, r.config.RankConstant)
	if r.reranker != nil {
		fused = r.rerank(ctx, query, fused, topK)
	}
	if len(fused) > topK {
		fused = fused[:topK]
	}

	results := make([]Result, 0, len(fused))
	for _, f := range fused {
		entry, ok := r.index.Get(f.SegmentID)
		if !ok {
			// Deleted between ranking and hydration.
			continue
		}
		results = append(results, Result{
			SegmentID:     f.SegmentID,
			Content:       entry.Content,
			Score:         f.Score,
			SourceURL:     entry.SourceURL,
			SourceID:      entry.SourceID,
			SectionPath:   entry.SectionPath,
			DocumentTitle: entry.DocumentTitle,
			SegmentType:   entry.SegmentType,
		})
	}

	if r.reranker == nil && r.cache != nil {
		if data, err := json.Marshal(results); err == nil {
			if err := r.cache.Set(ctx, key, data, r.config.CacheTTL); err != nil {
				r.logger.WithContext(ctx).Warn().Err(err).Msg("Search cache write failed")
			}
		}
	}
	return results, nil
}

// rerank rescores the fused top 2*topK; any reranker failure falls back to
// the fused order.
func (r *Retriever) rerank(ctx context.Context, query string, fused []FusedSegment, topK int) []FusedSegment {
	window := 2 * topK
	if window > len(fused) {
		window = len(fused)
	}

	texts := make([]string, 0, window)
	kept := make([]FusedSegment, 0, window)
	for _, f := range fused[:window] {
		entry, ok := r.index.Get(f.SegmentID)
		if !ok {
			continue
		}
		texts = append(texts, entry.Content)
		kept = append(kept, f)
	}
	if len(kept) == 0 {
		return fused
	}

	scores, err := r.reranker.Rerank(ctx, query, texts)
	if err != nil {
		r.logger.WithContext(ctx).Warn().Err(err).Msg("Rerank failed, keeping fused order")
		return fused
	}
	if len(scores) != len(kept) {
		r.logger.WithContext(ctx).Warn().
			Int("want", len(kept)).Int("got", len(scores)).
			Msg("Reranker score count mismatch, keeping fused order")
		return fused
	}

	for i := range kept {
		kept[i].Score = scores[i]
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	return kept
}

func (r *Retriever) cacheKey(query string, topK int, filter index.Filter) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(query), " "))
	return cache.SearchKey(fingerprint.Text(fmt.Sprintf("%s|%d|%s", normalized, topK, filter.Canonical())))
}
