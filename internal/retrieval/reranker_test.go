package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cairnkb/cairn/internal/apperr"
)

func newTestReranker(t *testing.T, handler http.HandlerFunc) *HTTPReranker {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	reranker, err := NewHTTPReranker(RerankerConfig{
		Endpoint: server.URL,
		APIKey:   "test-key",
		Model:    "test-reranker",
	})
	require.NoError(t, err)
	return reranker
}

func TestRerankAlignsScoresByIndex(t *testing.T) {
	reranker := newTestReranker(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var got rerankRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "test-reranker", got.Model)
		assert.Equal(t, "churn definition", got.Query)
		assert.Equal(t, []string{"first", "second", "third"}, got.Documents)

		// Out-of-order results must land back on input positions.
		fmt.Fprint(w, `{"results":[
			{"index":2,"relevance_score":0.9},
			{"index":0,"relevance_score":0.1},
			{"index":1,"relevance_score":0.5}]}`)
	})

	scores, err := reranker.Rerank(context.Background(), "churn definition", []string{"first", "second", "third"})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.5, 0.9}, scores)
}

func TestRerankEmptyInput(t *testing.T) {
	reranker := newTestReranker(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for empty input")
	})

	scores, err := reranker.Rerank(context.Background(), "anything", nil)
	require.NoError(t, err)
	assert.Nil(t, scores)
}

func TestRerankMissingScoreFails(t *testing.T) {
	reranker := newTestReranker(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":[{"index":0,"relevance_score":0.4}]}`)
	})

	_, err := reranker.Rerank(context.Background(), "q", []string{"one", "two"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
}

func TestRerankServerErrorIsTransient(t *testing.T) {
	reranker := newTestReranker(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := reranker.Rerank(context.Background(), "q", []string{"one"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindTransientUpstream, apperr.KindOf(err))
}

func TestNewHTTPRerankerRequiresEndpoint(t *testing.T) {
	_, err := NewHTTPReranker(RerankerConfig{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
