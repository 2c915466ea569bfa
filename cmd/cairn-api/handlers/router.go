package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/cairnkb/cairn/cmd/cairn-api/middleware"
	"github.com/cairnkb/cairn/internal/api/rpc"
	"github.com/cairnkb/cairn/internal/storage"
)

// requestTimeout bounds non-streaming handlers. Chat is exempt: an agent
// turn may chain several model calls, and the stream must stay open for as
// long as tokens flow.
const requestTimeout = 30 * time.Second

// NewRouter wires the HTTP surface: REST under /api/v1, Connect RPC at its
// procedure paths, health at the root, and admin under /admin.
func NewRouter(services *Services) http.Handler {
	cfg := services.Config

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.RequestLogger(services.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))

	searchHandler := NewSearchHandler(services)
	chatHandler := NewChatHandler(services)
	ingestionHandler := NewIngestionHandler(services)
	documentHandler := NewDocumentHandler(services)
	adminHandler := NewAdminHandler(services)

	auth := middleware.Auth(middleware.AuthConfig{
		Enabled: cfg.Auth.Enabled,
		Secret:  cfg.Auth.Secret,
		Users:   services.Repos.Users,
	})

	// Health is unauthenticated so probes work before tokens exist.
	r.Get("/health", documentHandler.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(storage.RoleViewer))
			r.Post("/chat", chatHandler.Chat)
			r.Post("/chat/stream", chatHandler.ChatStream)
		})

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(requestTimeout))
			r.Use(middleware.RequireRole(storage.RoleViewer))

			r.Post("/search", searchHandler.Search)
			r.Get("/ingest/tasks", ingestionHandler.ListTasks)
			r.Get("/ingest/tasks/{id}", ingestionHandler.GetTask)
			r.Get("/documents", documentHandler.ListDocuments)
			r.Get("/segments/{id}", documentHandler.GetSegment)
			r.Get("/stats", documentHandler.Stats)
		})

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(requestTimeout))
			r.Use(middleware.RequireRole(storage.RoleEditor))

			r.Post("/ingest/folder", ingestionHandler.IngestFolder)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(auth)
		r.Use(chimiddleware.Timeout(requestTimeout))
		r.Use(middleware.RequireRole(storage.RoleAdmin))

		r.Get("/users", adminHandler.ListUsers)
		r.Get("/users/{id}", adminHandler.GetUser)
		r.Post("/roles", adminHandler.AssignRole)
		r.Delete("/roles/{user_id}/{project_id}", adminHandler.RevokeRole)
		r.Patch("/users/{id}/deactivate", adminHandler.DeactivateUser)
	})

	// Connect procedures for service-to-service callers.
	rpcPath, rpcHandler := rpc.NewRetrievalServiceHandler(rpc.NewRetrievalService(
		services.Retriever, services.Agent, services.Logger,
	))
	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Mount(strings.TrimSuffix(rpcPath, "/"), rpcHandler)
	})

	return r
}
