package handlers

import (
	"net/http"

	"github.com/cairnkb/cairn/internal/apperr"
	"github.com/cairnkb/cairn/internal/ingest"
	"github.com/cairnkb/cairn/internal/observability"
	"github.com/cairnkb/cairn/internal/storage"
)

// IngestionHandler serves folder ingestion and task inspection.
type IngestionHandler struct {
	logger *observability.Logger
	tasks  *ingest.TaskManager
	repos  *storage.Repositories
}

// NewIngestionHandler creates an ingestion handler.
func NewIngestionHandler(s *Services) *IngestionHandler {
	return &IngestionHandler{
		logger: s.Logger.WithComponent("handlers.ingestion"),
		tasks:  s.Tasks,
		repos:  s.Repos,
	}
}

// ingestFolderRequest is the POST /ingest/folder payload.
type ingestFolderRequest struct {
	Path string `json:"path"`
}

// ingestFolderResponse acknowledges an accepted background task.
type ingestFolderResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// IngestFolder handles POST /api/v1/ingest/folder. The work happens in the
// background; the 202 response carries the task id to poll.
func (h *IngestionHandler) IngestFolder(w http.ResponseWriter, r *http.Request) {
	var req ingestFolderRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeFolderError(w, r, err)
		return
	}

	taskID, err := h.tasks.Start(r.Context(), req.Path)
	if err != nil {
		h.writeFolderError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, ingestFolderResponse{
		TaskID: taskID.String(),
		Status: string(storage.TaskStatusPending),
	})
}

// writeFolderError downgrades validation failures to 400 on this endpoint:
// a malformed or missing folder is a bad request, while a path escaping the
// ingestion root stays 403.
func (h *IngestionHandler) writeFolderError(w http.ResponseWriter, r *http.Request, err error) {
	if apperr.KindOf(err) == apperr.KindValidation {
		h.logger.WithContext(r.Context()).Warn().Err(err).Msg("Folder ingest rejected")
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   string(apperr.KindValidation),
			Message: apperr.PublicMessage(err),
		})
		return
	}
	writeError(w, r, h.logger, err)
}

// GetTask handles GET /api/v1/ingest/tasks/{id}.
func (h *IngestionHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	task, err := h.repos.Tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, notFoundOr(err, "task"))
		return
	}

	writeJSON(w, http.StatusOK, task)
}

// ListTasks handles GET /api/v1/ingest/tasks.
func (h *IngestionHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	cursor, limit, err := pageParams(r, 20, 100)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	tasks, err := h.repos.Tasks.List(r.Context(), cursor, limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	total, err := h.repos.Tasks.Count(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	page := storage.Page[storage.IngestionTask]{Items: tasks, Total: total}
	if page.Items == nil {
		page.Items = []storage.IngestionTask{}
	}
	if n := len(tasks); n > 0 {
		last := tasks[n-1]
		page.Cursor = nextCursor(n, limit, storage.TimeCursor(last.ID, last.CreatedAt))
	}

	writeJSON(w, http.StatusOK, page)
}
