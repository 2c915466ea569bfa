package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cairnkb/cairn/internal/storage"
)

func TestListDocuments(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "docs/policy.md", policyDoc)
	env.write(t, "docs/fees.md", feesDoc)
	env.ingestAndWait(t, "docs")

	res := env.do(t, http.MethodGet, "/api/v1/documents", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	page := decodeBody[storage.Page[storage.Document]](t, res)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Items, 2)

	titles := map[string]bool{}
	for _, doc := range page.Items {
		titles[doc.Title] = true
		assert.Equal(t, "markdown", doc.SourceType)
		assert.NotEmpty(t, doc.ContentHash)
	}
	assert.True(t, titles["policy"])
	assert.True(t, titles["fees"])
}

func TestListDocumentsEmpty(t *testing.T) {
	env := newTestEnv(t)

	res := env.do(t, http.MethodGet, "/api/v1/documents", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	page := decodeBody[storage.Page[storage.Document]](t, res)
	assert.NotNil(t, page.Items)
	assert.Empty(t, page.Items)
	assert.Zero(t, page.Total)
	assert.Empty(t, page.Cursor)
}

func TestGetSegmentJoinsDocument(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "docs/policy.md", policyDoc)
	env.ingestAndWait(t, "docs")
	ctx := context.Background()

	doc, err := env.repos.Documents.GetBySourceID(ctx, "/policy.md")
	require.NoError(t, err)
	segments, err := env.repos.Segments.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.NotEmpty(t, segments)

	res := env.do(t, http.MethodGet, "/api/v1/segments/"+segments[0].ID.String(), nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	got := decodeBody[storage.SegmentWithDocument](t, res)
	assert.Equal(t, segments[0].ID, got.ID)
	assert.Equal(t, segments[0].Content, got.Content)
	assert.Equal(t, "policy", got.DocumentTitle)
	assert.Equal(t, "/policy.md", got.SourceID)
	assert.Equal(t, "markdown", got.SourceType)
}

func TestGetSegmentNotFound(t *testing.T) {
	env := newTestEnv(t)

	res := env.do(t, http.MethodGet, "/api/v1/segments/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	body := decodeBody[map[string]string](t, res)
	assert.Equal(t, "not_found", body["error"])
	assert.Equal(t, "segment not found", body["message"])
}

func TestListDocumentsRejectsBadLimit(t *testing.T) {
	env := newTestEnv(t)

	res := env.do(t, http.MethodGet, "/api/v1/documents?limit=-3", nil)
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)

	body := decodeBody[map[string]string](t, res)
	assert.Equal(t, "validation", body["error"])
	assert.Contains(t, body["message"], "limit must be a positive integer")
}
