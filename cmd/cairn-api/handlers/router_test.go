package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cairnkb/cairn/internal/auth"
	"github.com/cairnkb/cairn/internal/config"
	"github.com/cairnkb/cairn/internal/storage"
)

const routerSecret = "0123456789abcdef0123456789abcdef"

// authedEnv is a router with real token verification, one user per role.
func authedEnv(t *testing.T) (*testEnv, map[storage.Role]string) {
	t.Helper()
	env := newTestEnvWith(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.Secret = routerSecret
	})

	ctx := context.Background()
	project := &storage.Project{Name: "kb"}
	require.NoError(t, env.repos.Projects.Create(ctx, project))

	tokens := make(map[storage.Role]string, 3)
	for _, role := range []storage.Role{storage.RoleViewer, storage.RoleEditor, storage.RoleAdmin} {
		user := &storage.User{Email: string(role) + "@example.com", Name: string(role)}
		require.NoError(t, env.repos.Users.Create(ctx, user))
		require.NoError(t, env.repos.Users.AssignRole(ctx, &storage.RoleAssignment{
			UserID:    user.ID,
			ProjectID: project.ID,
			Role:      role,
		}))

		token, err := auth.MintToken(routerSecret, user.ID, time.Hour)
		require.NoError(t, err)
		tokens[role] = token
	}
	return env, tokens
}

func (e *testEnv) doAs(t *testing.T, token, method, path string, body any) *http.Response {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(method, e.server.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := e.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func TestRouterHealthIsUnauthenticated(t *testing.T) {
	env, _ := authedEnv(t)

	res := env.doAs(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestRouterRequiresToken(t *testing.T) {
	env, _ := authedEnv(t)

	for _, path := range []string{"/api/v1/search", "/api/v1/chat"} {
		res := env.doAs(t, "", http.MethodPost, path, map[string]string{"query": "q", "message": "m"})
		assert.Equal(t, http.StatusUnauthorized, res.StatusCode, "path %s", path)
	}

	res := env.doAs(t, "", http.MethodGet, "/admin/users", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestRouterViewerCanSearchButNotIngest(t *testing.T) {
	env, tokens := authedEnv(t)

	res := env.doAs(t, tokens[storage.RoleViewer], http.MethodPost, "/api/v1/search",
		map[string]string{"query": "anything"})
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res = env.doAs(t, tokens[storage.RoleViewer], http.MethodPost, "/api/v1/ingest/folder",
		map[string]string{"path": "docs"})
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestRouterEditorReachesIngest(t *testing.T) {
	env, tokens := authedEnv(t)
	env.write(t, "docs/fees.md", feesDoc)

	res := env.doAs(t, tokens[storage.RoleEditor], http.MethodPost, "/api/v1/ingest/folder",
		map[string]string{"path": "docs"})
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
}

func TestRouterAdminGateOnAdminRoutes(t *testing.T) {
	env, tokens := authedEnv(t)

	res := env.doAs(t, tokens[storage.RoleEditor], http.MethodGet, "/admin/users", nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res = env.doAs(t, tokens[storage.RoleAdmin], http.MethodGet, "/admin/users", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestRouterMountsConnectProcedures(t *testing.T) {
	env, tokens := authedEnv(t)

	res := env.doAs(t, "", http.MethodPost, "/cairn.v1.RetrievalService/Search",
		map[string]string{"query": "q"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res = env.doAs(t, tokens[storage.RoleViewer], http.MethodPost, "/cairn.v1.RetrievalService/Search",
		map[string]string{"query": "q"})
	require.Equal(t, http.StatusOK, res.StatusCode)

	body := decodeBody[struct {
		Results []json.RawMessage `json:"results"`
	}](t, res)
	assert.Empty(t, body.Results)
}

func TestRouterEchoesCorrelationID(t *testing.T) {
	env, _ := authedEnv(t)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Correlation-ID", "trace-99")
	res, err := env.server.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, "trace-99", res.Header.Get("X-Correlation-ID"))
}
