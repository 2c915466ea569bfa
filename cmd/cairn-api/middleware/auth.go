// Package middleware provides HTTP middleware for the Cairn API: bearer
// authentication, role gates, CORS, correlation ids, and request logging.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/cairnkb/cairn/internal/auth"
	"github.com/cairnkb/cairn/internal/observability"
	"github.com/cairnkb/cairn/internal/storage"
)

// Context keys for request-scoped values.
type contextKey string

const identityKey contextKey = "identity"

// CorrelationHeader carries the request correlation id in and out.
const CorrelationHeader = "X-Correlation-ID"

// Identity is the authenticated caller, resolved from the bearer token.
type Identity struct {
	UserID uuid.UUID
	Email  string
	Name   string
	Roles  []storage.RoleAssignment
}

// Can reports whether any of the identity's project roles grants at least
// the required role.
func (id Identity) Can(required storage.Role) bool {
	for _, a := range id.Roles {
		if a.Role.AtLeast(required) {
			return true
		}
	}
	return false
}

// RoleIn returns the identity's role in the given project.
func (id Identity) RoleIn(projectID uuid.UUID) (storage.Role, bool) {
	for _, a := range id.Roles {
		if a.ProjectID == projectID {
			return a.Role, true
		}
	}
	return "", false
}

// IdentityFromContext extracts the caller identity set by Auth.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// AuthConfig holds authentication middleware configuration.
type AuthConfig struct {
	// Enabled turns bearer token verification on. When off, every request
	// runs as a synthetic local admin, which keeps development and the demo
	// command friction free.
	Enabled bool

	// Secret signs and verifies tokens. Validated for strength at config
	// load when Enabled is set.
	Secret string

	// Users resolves token subjects against the relational store.
	Users *storage.UserRepository
}

// devIdentity is injected when auth is disabled.
func devIdentity() Identity {
	return Identity{
		Email: "dev@localhost",
		Name:  "Local Developer",
		Roles: []storage.RoleAssignment{{Role: storage.RoleAdmin}},
	}
}

// Auth returns the authentication middleware. With auth disabled it injects
// a local admin identity; otherwise it requires a valid bearer token whose
// subject is an active user.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled {
				ctx := context.WithValue(r.Context(), identityKey, devIdentity())
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeAuthError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeAuthError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			userID, err := auth.VerifyToken(cfg.Secret, parts[1])
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			user, err := cfg.Users.GetByID(r.Context(), userID)
			if err != nil || !user.Active {
				writeAuthError(w, http.StatusUnauthorized, "unknown or inactive user")
				return
			}

			roles, err := cfg.Users.RolesForUser(r.Context(), userID)
			if err != nil {
				writeAuthError(w, http.StatusInternalServerError, "An internal error occurred")
				return
			}

			identity := Identity{UserID: user.ID, Email: user.Email, Name: user.Name, Roles: roles}
			ctx := context.WithValue(r.Context(), identityKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole gates a route subtree on a minimum role in any project.
func RequireRole(required storage.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			if !identity.Can(required) {
				writeAuthError(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// CorrelationID propagates the caller's correlation id, minting one when
// absent. The id is echoed on the response and attached to the request
// context for log enrichment.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get(CorrelationHeader)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		w.Header().Set(CorrelationHeader, correlationID)
		ctx := observability.ContextWithCorrelationID(r.Context(), correlationID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestLogger logs one line per request. The wrapped writer passes Flush
// through, so streaming responses are never buffered by logging.
func RequestLogger(logger *observability.Logger) func(http.Handler) http.Handler {
	log := logger.WithComponent("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				log.WithContext(r.Context()).Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Str("remote", r.RemoteAddr).
					Msg("Request handled")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// CORS returns CORS middleware for browser clients.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}

			if allowed && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+CorrelationHeader)
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
