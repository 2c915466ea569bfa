package connector

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cairnkb/cairn/internal/apperr"
	"github.com/cairnkb/cairn/internal/fingerprint"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFilesystemConnector_List(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.md", "# A")
	writeFile(t, root, "notes/b.md", "# B")
	writeFile(t, root, "skip.txt", "not listed")
	writeFile(t, root, ".hidden/c.md", "hidden")

	conn, err := NewFilesystemConnector(FilesystemConfig{Root: root})
	require.NoError(t, err)
	assert.Equal(t, "markdown", conn.SourceType())

	refs, err := conn.List(context.Background())
	require.NoError(t, err)
	require.Len(t, refs, 2)

	ids := []string{refs[0].SourceID, refs[1].SourceID}
	assert.Contains(t, ids, "/a.md")
	assert.Contains(t, ids, "/notes/b.md")
	for _, ref := range refs {
		assert.NotEmpty(t, ref.Title)
		require.NotNil(t, ref.ModifiedAt)
	}
}

func TestFilesystemConnector_FetchAndHash(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "quarterly_report.md", "# Report\n\nbody")

	conn, err := NewFilesystemConnector(FilesystemConfig{Root: root})
	require.NoError(t, err)

	raw, err := conn.Fetch(context.Background(), "/quarterly_report.md")
	require.NoError(t, err)
	assert.Equal(t, "# Report\n\nbody", string(raw.Content))
	assert.Equal(t, "text/markdown", raw.ContentType)
	assert.Equal(t, "quarterly report", raw.Title)

	hash, err := conn.ContentHash(context.Background(), "/quarterly_report.md")
	require.NoError(t, err)
	assert.Equal(t, fingerprint.Bytes(raw.Content), hash)

	_, err = conn.Fetch(context.Background(), "/missing.md")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestFilesystemConnector_RefusesEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	writeFile(t, root, "inside.md", "ok")
	secret := writeFile(t, outside, "secret.md", "secret")

	conn, err := NewFilesystemConnector(FilesystemConfig{Root: root})
	require.NoError(t, err)

	// Plain traversal.
	_, err = conn.Fetch(context.Background(), "/../"+filepath.Base(outside)+"/secret.md")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	// Symlink inside the root pointing outside must be caught after
	// resolution.
	link := filepath.Join(root, "sneaky.md")
	require.NoError(t, os.Symlink(secret, link))
	_, err = conn.Fetch(context.Background(), "/sneaky.md")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestFilesystemConnector_ExtensionFilter(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "data.csv", "a,b\n1,2\n")
	writeFile(t, root, "doc.md", "# Doc")

	conn, err := NewFilesystemConnector(FilesystemConfig{
		Root:       root,
		Extensions: []string{".csv"},
		SourceType: "tabular",
	})
	require.NoError(t, err)
	assert.Equal(t, "tabular", conn.SourceType())

	refs, err := conn.List(context.Background())
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "/data.csv", refs[0].SourceID)
}

func TestNewFilesystemConnector_BadRoot(t *testing.T) {
	_, err := NewFilesystemConnector(FilesystemConfig{Root: ""})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = NewFilesystemConnector(FilesystemConfig{Root: "/definitely/not/here"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
