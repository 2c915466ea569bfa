package handlers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/cairnkb/cairn/internal/apperr"
	"github.com/cairnkb/cairn/internal/observability"
	"github.com/cairnkb/cairn/internal/storage"
)

// AdminHandler serves user and role administration.
type AdminHandler struct {
	logger *observability.Logger
	repos  *storage.Repositories
}

// NewAdminHandler creates an admin handler.
func NewAdminHandler(s *Services) *AdminHandler {
	return &AdminHandler{
		logger: s.Logger.WithComponent("handlers.admin"),
		repos:  s.Repos,
	}
}

// ListUsers handles GET /admin/users.
func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.repos.Users.List(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if users == nil {
		users = []storage.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

// userDetail is a user plus their project role assignments.
type userDetail struct {
	storage.User
	Roles []storage.RoleAssignment `json:"roles"`
}

// GetUser handles GET /admin/users/{id}.
func (h *AdminHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	user, err := h.repos.Users.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, notFoundOr(err, "user"))
		return
	}
	roles, err := h.repos.Users.RolesForUser(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if roles == nil {
		roles = []storage.RoleAssignment{}
	}

	writeJSON(w, http.StatusOK, userDetail{User: *user, Roles: roles})
}

// assignRoleRequest is the POST /admin/roles payload.
type assignRoleRequest struct {
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id"`
	Role      string `json:"role"`
}

// AssignRole handles POST /admin/roles. Assigning a role the user already
// holds in the project updates it in place.
func (h *AdminHandler) AssignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, r, h.logger, apperr.Validation("user_id must be a UUID"))
		return
	}
	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		writeError(w, r, h.logger, apperr.Validation("project_id must be a UUID"))
		return
	}
	role := storage.Role(req.Role)
	if !role.Valid() {
		writeError(w, r, h.logger, apperr.Validation("role must be viewer, editor, or admin"))
		return
	}

	if _, err := h.repos.Users.GetByID(r.Context(), userID); err != nil {
		writeError(w, r, h.logger, notFoundOr(err, "user"))
		return
	}
	if _, err := h.repos.Projects.GetByID(r.Context(), projectID); err != nil {
		writeError(w, r, h.logger, notFoundOr(err, "project"))
		return
	}

	assignment := &storage.RoleAssignment{UserID: userID, ProjectID: projectID, Role: role}
	if err := h.repos.Users.AssignRole(r.Context(), assignment); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.logger.WithContext(r.Context()).Info().
		Str("user_id", userID.String()).
		Str("project_id", projectID.String()).
		Str("role", string(role)).
		Msg("Role assigned")

	writeJSON(w, http.StatusCreated, assignment)
}

// RevokeRole handles DELETE /admin/roles/{user_id}/{project_id}.
func (h *AdminHandler) RevokeRole(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUUID(r, "user_id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	projectID, err := pathUUID(r, "project_id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	if err := h.repos.Users.RevokeRole(r.Context(), userID, projectID); err != nil {
		writeError(w, r, h.logger, notFoundOr(err, "role assignment"))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeactivateUser handles PATCH /admin/users/{id}/deactivate.
func (h *AdminHandler) DeactivateUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	if err := h.repos.Users.Deactivate(r.Context(), id); err != nil {
		writeError(w, r, h.logger, notFoundOr(err, "user"))
		return
	}

	user, err := h.repos.Users.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, notFoundOr(err, "user"))
		return
	}

	writeJSON(w, http.StatusOK, user)
}
