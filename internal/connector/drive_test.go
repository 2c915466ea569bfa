package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cairnkb/cairn/internal/apperr"
	"github.com/cairnkb/cairn/internal/fingerprint"
)

func driveTestServer(t *testing.T, downloads *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/files", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"message":"invalid credentials"}}`))
			return
		}
		w.Write([]byte(`{"files":[
			{"id":"doc-1","name":"Metrics Guide","mimeType":"application/vnd.openxmlformats-officedocument.wordprocessingml.document","owner":"ana@example.com","webViewLink":"https://drive.example.com/doc-1","modifiedTime":"2026-01-05T10:00:00Z"},
			{"id":"doc-2","name":"KPI Targets","mimeType":"text/markdown"}
		]}`))
	})
	mux.HandleFunc("/files/doc-1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"doc-1","name":"Metrics Guide","mimeType":"text/markdown","sha256Checksum":"ABCDEF0123"}`))
	})
	mux.HandleFunc("/files/doc-1/content", func(w http.ResponseWriter, r *http.Request) {
		downloads.Add(1)
		w.Header().Set("Content-Type", "text/markdown")
		w.Write([]byte("# Metrics Guide"))
	})
	mux.HandleFunc("/files/doc-2", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"doc-2","name":"KPI Targets","mimeType":"text/markdown"}`))
	})
	mux.HandleFunc("/files/doc-2/content", func(w http.ResponseWriter, r *http.Request) {
		downloads.Add(1)
		w.Write([]byte("# KPI Targets"))
	})
	mux.HandleFunc("/files/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"message":"file not found"}}`))
	})
	mux.HandleFunc("/files/flaky", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestDrive(t *testing.T, baseURL string) *DriveConnector {
	t.Helper()
	conn, err := NewDriveConnector(DriveConfig{BaseURL: baseURL, Token: "test-token"})
	require.NoError(t, err)
	return conn
}

func TestDriveConnector_List(t *testing.T) {
	var downloads atomic.Int32
	server := driveTestServer(t, &downloads)
	conn := newTestDrive(t, server.URL)

	refs, err := conn.List(context.Background())
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "doc-1", refs[0].SourceID)
	assert.Equal(t, "Metrics Guide", refs[0].Title)
	assert.Equal(t, "ana@example.com", refs[0].Owner)
	require.NotNil(t, refs[0].ModifiedAt)
	assert.Nil(t, refs[1].ModifiedAt)
}

func TestDriveConnector_Fetch(t *testing.T) {
	var downloads atomic.Int32
	server := driveTestServer(t, &downloads)
	conn := newTestDrive(t, server.URL)

	raw, err := conn.Fetch(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "# Metrics Guide", string(raw.Content))
	assert.Equal(t, "text/markdown", raw.ContentType)
	assert.Equal(t, "Metrics Guide", raw.Title)
}

func TestDriveConnector_ContentHashPrefersChecksum(t *testing.T) {
	var downloads atomic.Int32
	server := driveTestServer(t, &downloads)
	conn := newTestDrive(t, server.URL)

	// doc-1 reports a server-side checksum: no download should happen.
	hash, err := conn.ContentHash(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "abcdef0123", hash)
	assert.Equal(t, int32(0), downloads.Load())

	// doc-2 has none: fall back to hashing the fetched bytes.
	hash, err = conn.ContentHash(context.Background(), "doc-2")
	require.NoError(t, err)
	assert.Equal(t, fingerprint.Text("# KPI Targets"), hash)
	assert.Equal(t, int32(1), downloads.Load())
}

func TestDriveConnector_ErrorMapping(t *testing.T) {
	var downloads atomic.Int32
	server := driveTestServer(t, &downloads)
	conn := newTestDrive(t, server.URL)

	_, err := conn.Fetch(context.Background(), "gone")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "file not found")

	_, err = conn.Fetch(context.Background(), "flaky")
	assert.Equal(t, apperr.KindTransientUpstream, apperr.KindOf(err))

	bad, err := NewDriveConnector(DriveConfig{BaseURL: server.URL, Token: "wrong"})
	require.NoError(t, err)
	_, err = bad.List(context.Background())
	assert.Equal(t, apperr.KindAuth, apperr.KindOf(err))
}
