// Package handlers implements the HTTP handlers for the Cairn API.
package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cairnkb/cairn/internal/agent"
	"github.com/cairnkb/cairn/internal/apperr"
	"github.com/cairnkb/cairn/internal/cache"
	"github.com/cairnkb/cairn/internal/config"
	"github.com/cairnkb/cairn/internal/graph"
	"github.com/cairnkb/cairn/internal/index"
	"github.com/cairnkb/cairn/internal/ingest"
	"github.com/cairnkb/cairn/internal/observability"
	"github.com/cairnkb/cairn/internal/retrieval"
	"github.com/cairnkb/cairn/internal/storage"
)

// Services bundles the wired components the handlers call into. Graph is nil
// when the graph store is disabled.
type Services struct {
	Config    *config.Config
	Logger    *observability.Logger
	DB        *sql.DB
	Repos     *storage.Repositories
	Retriever *retrieval.Retriever
	Agent     *agent.Agent
	Sessions  *agent.SessionStore
	Tasks     *ingest.TaskManager
	Index     index.SegmentIndex
	Cache     cache.Client
	Graph     graph.Store
}

// errorResponse is the uniform error envelope.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an error onto the taxonomy's status code and public
// message. Internal details never reach the client; they are logged under
// the request's correlation id.
func writeError(w http.ResponseWriter, r *http.Request, logger *observability.Logger, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)

	event := logger.WithContext(r.Context()).Warn()
	if status >= http.StatusInternalServerError {
		event = logger.WithContext(r.Context()).Error()
	}
	event.Err(err).
		Str("kind", string(kind)).
		Int("status", status).
		Str("path", r.URL.Path).
		Msg("Request failed")

	writeJSON(w, status, errorResponse{Error: string(kind), Message: apperr.PublicMessage(err)})
}

// decodeJSON reads the request body into dst, rejecting malformed payloads
// as validation errors.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Validation("invalid request body: " + err.Error())
	}
	return nil
}

// pageParams parses the ?limit= and ?cursor= query parameters.
func pageParams(r *http.Request, defaultLimit, maxLimit int) (storage.Cursor, int, error) {
	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return storage.Cursor{}, 0, apperr.Validation("limit must be a positive integer")
		}
		limit = parsed
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	cursor, err := storage.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		return storage.Cursor{}, 0, apperr.Validation("invalid cursor")
	}
	return cursor, limit, nil
}

// nextCursor encodes the keyset cursor for the page that follows, or returns
// "" when this page was not full.
func nextCursor(got, limit int, last storage.Cursor) string {
	if got < limit {
		return ""
	}
	return last.Encode()
}

// tokenUsageDTO is the wire shape of token counts.
type tokenUsageDTO struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func toTokenUsageDTO(u agent.TokenUsage) tokenUsageDTO {
	return tokenUsageDTO(u)
}

// pathUUID parses a chi path parameter as a UUID.
func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, apperr.Validation(fmt.Sprintf("%s must be a UUID", name))
	}
	return id, nil
}

// notFoundOr maps the storage sentinel onto the taxonomy; other errors pass
// through untouched.
func notFoundOr(err error, what string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound(what + " not found")
	}
	return err
}
