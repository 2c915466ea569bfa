package handlers

import (
	"database/sql"
	"net/http"

	"github.com/cairnkb/cairn/internal/cache"
	"github.com/cairnkb/cairn/internal/graph"
	"github.com/cairnkb/cairn/internal/index"
	"github.com/cairnkb/cairn/internal/observability"
	"github.com/cairnkb/cairn/internal/storage"
)

// DocumentHandler serves document, segment, stats, and health reads.
type DocumentHandler struct {
	logger *observability.Logger
	repos  *storage.Repositories
	db     *sql.DB
	index  index.SegmentIndex
	cache  cache.Client
	graph  graph.Store
}

// NewDocumentHandler creates a document handler.
func NewDocumentHandler(s *Services) *DocumentHandler {
	return &DocumentHandler{
		logger: s.Logger.WithComponent("handlers.documents"),
		repos:  s.Repos,
		db:     s.DB,
		index:  s.Index,
		cache:  s.Cache,
		graph:  s.Graph,
	}
}

// ListDocuments handles GET /api/v1/documents.
func (h *DocumentHandler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	cursor, limit, err := pageParams(r, 50, 200)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	docs, err := h.repos.Documents.List(r.Context(), cursor, limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	total, err := h.repos.Documents.Count(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	page := storage.Page[storage.Document]{Items: docs, Total: total}
	if page.Items == nil {
		page.Items = []storage.Document{}
	}
	if n := len(docs); n > 0 {
		last := docs[n-1]
		page.Cursor = nextCursor(n, limit, storage.TimeCursor(last.ID, last.CreatedAt))
	}

	writeJSON(w, http.StatusOK, page)
}

// GetSegment handles GET /api/v1/segments/{id}. The response includes the
// parent document's source fields.
func (h *DocumentHandler) GetSegment(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	segment, err := h.repos.Segments.GetWithDocument(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, notFoundOr(err, "segment"))
		return
	}

	writeJSON(w, http.StatusOK, segment)
}

// statsResponse summarizes the knowledge base.
type statsResponse struct {
	Documents       int                        `json:"documents"`
	Segments        int                        `json:"segments"`
	Entities        int                        `json:"entities"`
	EntitiesByType  map[storage.EntityType]int `json:"entities_by_type"`
	IndexedSegments int                        `json:"indexed_segments"`
	RecentTasks     []storage.IngestionTask    `json:"recent_tasks"`
}

// Stats handles GET /api/v1/stats.
func (h *DocumentHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	documents, err := h.repos.Documents.Count(ctx)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	segments, err := h.repos.Segments.Count(ctx)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	entities, err := h.repos.Entities.Count(ctx)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	byType, err := h.repos.Entities.CountByType(ctx)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	recent, err := h.repos.Tasks.List(ctx, storage.Cursor{}, 5)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if recent == nil {
		recent = []storage.IngestionTask{}
	}

	writeJSON(w, http.StatusOK, statsResponse{
		Documents:       documents,
		Segments:        segments,
		Entities:        entities,
		EntitiesByType:  byType,
		IndexedSegments: h.index.Count(),
		RecentTasks:     recent,
	})
}

// healthResponse reports per-service liveness.
type healthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

// Health handles GET /health. The relational store and cache are probed;
// the in-process index is up for as long as the process is. The graph entry
// appears only when the graph store is enabled.
func (h *DocumentHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	services := map[string]string{
		"rel":   "up",
		"index": "up",
		"cache": "up",
	}

	if err := h.db.PingContext(ctx); err != nil {
		services["rel"] = "down"
	}
	if err := h.cache.Ping(ctx); err != nil {
		services["cache"] = "down"
	}
	if h.index == nil {
		services["index"] = "down"
	}
	if h.graph != nil {
		services["graph"] = "up"
	}

	status := "healthy"
	code := http.StatusOK
	for _, state := range services {
		if state == "down" {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
			break
		}
	}

	writeJSON(w, code, healthResponse{Status: status, Services: services})
}
