package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/cairnkb/cairn/internal/apperr"
	"github.com/cairnkb/cairn/internal/index"
	"github.com/cairnkb/cairn/internal/observability"
	"github.com/cairnkb/cairn/internal/retrieval"
)

// SearchHandler serves hybrid retrieval queries.
type SearchHandler struct {
	logger    *observability.Logger
	retriever *retrieval.Retriever
	defaultK  int
}

// NewSearchHandler creates a search handler.
func NewSearchHandler(s *Services) *SearchHandler {
	return &SearchHandler{
		logger:    s.Logger.WithComponent("handlers.search"),
		retriever: s.Retriever,
		defaultK:  s.Config.Retrieval.TopK,
	}
}

// searchRequest is the POST /search payload.
type searchRequest struct {
	Query      string `json:"query"`
	TopK       int    `json:"top_k"`
	SourceType string `json:"source_type,omitempty"`
	Project    string `json:"project,omitempty"`
	DateFrom   string `json:"date_from,omitempty"`
	DateTo     string `json:"date_to,omitempty"`
}

// Search handles POST /api/v1/search. The response body is the result array
// itself; searches are not paginated.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	searchReq, err := h.toSearchRequest(req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	results, err := h.retriever.Search(r.Context(), searchReq)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if results == nil {
		results = []retrieval.Result{}
	}

	h.logger.WithContext(r.Context()).Info().
		Int("results", len(results)).
		Int("top_k", searchReq.TopK).
		Msg("Search served")

	writeJSON(w, http.StatusOK, results)
}

func (h *SearchHandler) toSearchRequest(req searchRequest) (retrieval.SearchRequest, error) {
	if strings.TrimSpace(req.Query) == "" {
		return retrieval.SearchRequest{}, apperr.Validation("query is required")
	}

	topK := req.TopK
	if topK == 0 {
		topK = h.defaultK
	}
	if topK < 1 || topK > 50 {
		return retrieval.SearchRequest{}, apperr.Validation("top_k must be between 1 and 50")
	}

	var terms []index.Term
	if req.SourceType != "" {
		terms = append(terms, index.Eq(index.FieldSourceType, req.SourceType))
	}
	if req.Project != "" {
		terms = append(terms, index.Eq(index.FieldProject, req.Project))
	}
	if req.DateFrom != "" {
		from, err := parseTimeParam(req.DateFrom)
		if err != nil {
			return retrieval.SearchRequest{}, apperr.Validation("date_from must be an ISO-8601 timestamp")
		}
		terms = append(terms, index.UpdatedAfter(from))
	}
	if req.DateTo != "" {
		to, err := parseTimeParam(req.DateTo)
		if err != nil {
			return retrieval.SearchRequest{}, apperr.Validation("date_to must be an ISO-8601 timestamp")
		}
		terms = append(terms, index.UpdatedBefore(to))
	}

	return retrieval.SearchRequest{
		Query:  req.Query,
		TopK:   topK,
		Filter: index.Filter{Terms: terms},
	}, nil
}

// parseTimeParam accepts a full RFC 3339 timestamp or a bare date.
func parseTimeParam(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}
