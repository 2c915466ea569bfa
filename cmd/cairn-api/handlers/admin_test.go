package handlers

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cairnkb/cairn/internal/storage"
)

func seedAdminFixture(t *testing.T, env *testEnv) (*storage.User, *storage.Project) {
	t.Helper()
	ctx := context.Background()

	user := &storage.User{Email: "carol@example.com", Name: "Carol", PasswordHash: "x"}
	require.NoError(t, env.repos.Users.Create(ctx, user))
	project := &storage.Project{Name: "support"}
	require.NoError(t, env.repos.Projects.Create(ctx, project))
	return user, project
}

func TestAdminListUsersHidesPasswordHash(t *testing.T) {
	env := newTestEnv(t)
	seedAdminFixture(t, env)

	res := env.do(t, http.MethodGet, "/admin/users", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "password")
	assert.Contains(t, string(raw), "carol@example.com")
}

func TestAdminGetUserIncludesRoles(t *testing.T) {
	env := newTestEnv(t)
	user, project := seedAdminFixture(t, env)
	require.NoError(t, env.repos.Users.AssignRole(context.Background(), &storage.RoleAssignment{
		UserID:    user.ID,
		ProjectID: project.ID,
		Role:      storage.RoleEditor,
	}))

	res := env.do(t, http.MethodGet, "/admin/users/"+user.ID.String(), nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	detail := decodeBody[struct {
		storage.User
		Roles []storage.RoleAssignment `json:"roles"`
	}](t, res)
	assert.Equal(t, user.ID, detail.User.ID)
	require.Len(t, detail.Roles, 1)
	assert.Equal(t, storage.RoleEditor, detail.Roles[0].Role)
	assert.Equal(t, project.ID, detail.Roles[0].ProjectID)
}

func TestAdminGetUserNotFound(t *testing.T) {
	env := newTestEnv(t)

	res := env.do(t, http.MethodGet, "/admin/users/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestAdminAssignRole(t *testing.T) {
	env := newTestEnv(t)
	user, project := seedAdminFixture(t, env)

	res := env.do(t, http.MethodPost, "/admin/roles", map[string]string{
		"user_id":    user.ID.String(),
		"project_id": project.ID.String(),
		"role":       "viewer",
	})
	require.Equal(t, http.StatusCreated, res.StatusCode)

	// Assigning again upgrades in place instead of conflicting.
	res = env.do(t, http.MethodPost, "/admin/roles", map[string]string{
		"user_id":    user.ID.String(),
		"project_id": project.ID.String(),
		"role":       "admin",
	})
	require.Equal(t, http.StatusCreated, res.StatusCode)

	role, err := env.repos.Users.RoleInProject(context.Background(), user.ID, project.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.RoleAdmin, role)
}

func TestAdminAssignRoleValidation(t *testing.T) {
	env := newTestEnv(t)
	user, project := seedAdminFixture(t, env)

	cases := []struct {
		name   string
		body   map[string]string
		status int
	}{
		{"bad role", map[string]string{
			"user_id": user.ID.String(), "project_id": project.ID.String(), "role": "owner",
		}, http.StatusUnprocessableEntity},
		{"bad user id", map[string]string{
			"user_id": "nope", "project_id": project.ID.String(), "role": "viewer",
		}, http.StatusUnprocessableEntity},
		{"unknown user", map[string]string{
			"user_id": uuid.NewString(), "project_id": project.ID.String(), "role": "viewer",
		}, http.StatusNotFound},
		{"unknown project", map[string]string{
			"user_id": user.ID.String(), "project_id": uuid.NewString(), "role": "viewer",
		}, http.StatusNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := env.do(t, http.MethodPost, "/admin/roles", tc.body)
			assert.Equal(t, tc.status, res.StatusCode)
		})
	}
}

func TestAdminRevokeRole(t *testing.T) {
	env := newTestEnv(t)
	user, project := seedAdminFixture(t, env)
	require.NoError(t, env.repos.Users.AssignRole(context.Background(), &storage.RoleAssignment{
		UserID:    user.ID,
		ProjectID: project.ID,
		Role:      storage.RoleViewer,
	}))

	path := "/admin/roles/" + user.ID.String() + "/" + project.ID.String()

	res := env.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	// Second revoke finds nothing.
	res = env.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestAdminDeactivateUser(t *testing.T) {
	env := newTestEnv(t)
	user, _ := seedAdminFixture(t, env)

	res := env.do(t, http.MethodPatch, "/admin/users/"+user.ID.String()+"/deactivate", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	got := decodeBody[storage.User](t, res)
	assert.False(t, got.Active)

	stored, err := env.repos.Users.GetByID(context.Background(), user.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)
}
