package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cairnkb/cairn/internal/apperr"
)

// Reranker rescores candidate texts against a query. Scores align with the
// input order; higher means more relevant.
type Reranker interface {
	Rerank(ctx context.Context, query string, texts []string) ([]float64, error)
}

// RerankerConfig holds settings for a remote cross-encoder service.
type RerankerConfig struct {
	// Endpoint is the full rerank URL. Required.
	Endpoint string

	// APIKey authenticates requests when set.
	APIKey string

	// Model names the cross-encoder model, if the service hosts several.
	Model string

	// Timeout bounds one rerank call.
	Timeout time.Duration
}

// HTTPReranker calls a remote reranking service speaking the common
// query+documents JSON shape.
type HTTPReranker struct {
	config     RerankerConfig
	httpClient *http.Client
}

var _ Reranker = (*HTTPReranker)(nil)

// NewHTTPReranker creates a reranker client with defaults applied.
func NewHTTPReranker(config RerankerConfig) (*HTTPReranker, error) {
	if config.Endpoint == "" {
		return nil, apperr.Validation("reranker endpoint is required")
	}
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}
	return &HTTPReranker{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank scores texts against the query. The returned slice aligns with the
// input order regardless of how the service orders its results.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, texts []string) ([]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(rerankRequest{
		Model:     r.config.Model,
		Query:     query,
		Documents: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("encode rerank request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create rerank request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.config.APIKey)
	}

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Transient("rerank request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Transient("read rerank response", err)
	}
	if resp.StatusCode != http.StatusOK {
		message := fmt.Sprintf("reranker returned status %d", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, apperr.New(apperr.KindTransientUpstream, message)
		}
		return nil, apperr.New(apperr.KindInternal, message)
	}

	var payload rerankResponse
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "decode rerank response", err)
	}

	scores := make([]float64, len(texts))
	seen := make([]bool, len(texts))
	for _, result := range payload.Results {
		if result.Index < 0 || result.Index >= len(texts) {
			return nil, apperr.New(apperr.KindInternal,
				fmt.Sprintf("reranker returned out-of-range index %d", result.Index))
		}
		scores[result.Index] = result.RelevanceScore
		seen[result.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, apperr.New(apperr.KindInternal,
				fmt.Sprintf("reranker returned no score for document %d", i))
		}
	}
	return scores, nil
}
