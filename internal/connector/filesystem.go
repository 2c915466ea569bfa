package connector

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cairnkb/cairn/internal/apperr"
	"github.com/cairnkb/cairn/internal/fingerprint"
)

// FilesystemConfig holds filesystem connector configuration.
type FilesystemConfig struct {
	Root       string
	Extensions []string // e.g. [".md", ".csv", ".xlsx"]; defaults to markdown
	SourceType string   // defaults to "markdown"
}

// FilesystemConnector walks a directory tree and serves files under it.
// Source ids are root-relative paths with a leading slash, so they stay
// stable when the root moves.
type FilesystemConnector struct {
	root       string
	extensions map[string]bool
	sourceType string
}

// NewFilesystemConnector creates a connector rooted at cfg.Root. The root is
// resolved to a canonical absolute path once; every fetch is checked against
// it after symlink resolution.
func NewFilesystemConnector(cfg FilesystemConfig) (*FilesystemConnector, error) {
	if cfg.Root == "" {
		return nil, apperr.Validation("connector root is required")
	}
	abs, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "connector root does not exist", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "connector root is not readable", err)
	}
	if !info.IsDir() {
		return nil, apperr.Validation("connector root is not a directory")
	}

	exts := cfg.Extensions
	if len(exts) == 0 {
		exts = []string{".md", ".markdown"}
	}
	extSet := make(map[string]bool, len(exts))
	for _, ext := range exts {
		extSet[strings.ToLower(ext)] = true
	}

	sourceType := cfg.SourceType
	if sourceType == "" {
		sourceType = "markdown"
	}

	return &FilesystemConnector{
		root:       resolved,
		extensions: extSet,
		sourceType: sourceType,
	}, nil
}

// SourceType returns the configured source type.
func (c *FilesystemConnector) SourceType() string {
	return c.sourceType
}

// Root returns the canonical root directory.
func (c *FilesystemConnector) Root() string {
	return c.root
}

// List walks the root and returns every file whose extension is accepted.
// Hidden directories are skipped.
func (c *FilesystemConnector) List(ctx context.Context) ([]DocumentRef, error) {
	var refs []DocumentRef
	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != c.root {
				return filepath.SkipDir
			}
			return nil
		}
		if !c.extensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		rel, err := filepath.Rel(c.root, path)
		if err != nil {
			return err
		}
		ref := DocumentRef{
			SourceID: "/" + filepath.ToSlash(rel),
			Title:    titleFromPath(path),
		}
		if info, err := d.Info(); err == nil {
			mod := info.ModTime().UTC()
			ref.ModifiedAt = &mod
		}
		refs = append(refs, ref)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", c.root, err)
	}
	return refs, nil
}

// Fetch reads one file. The resolved path must stay under the root.
func (c *FilesystemConnector) Fetch(ctx context.Context, sourceID string) (*RawDocument, error) {
	path, err := c.resolve(sourceID)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.NotFound(fmt.Sprintf("document %s not found", sourceID))
		}
		return nil, fmt.Errorf("read %s: %w", sourceID, err)
	}

	return &RawDocument{
		Content:     content,
		ContentType: ContentTypeFor(path),
		SourceID:    sourceID,
		Title:       titleFromPath(path),
		Metadata:    map[string]string{"path": path},
	}, nil
}

// ContentHash hashes the file bytes. The filesystem has no server-side
// checksum, so this is a full read.
func (c *FilesystemConnector) ContentHash(ctx context.Context, sourceID string) (string, error) {
	raw, err := c.Fetch(ctx, sourceID)
	if err != nil {
		return "", err
	}
	return fingerprint.Bytes(raw.Content), nil
}

// resolve maps a source id to an absolute path and enforces that the
// symlink-resolved result stays under the root.
func (c *FilesystemConnector) resolve(sourceID string) (string, error) {
	joined := filepath.Join(c.root, filepath.FromSlash(strings.TrimPrefix(sourceID, "/")))

	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		if os.IsNotExist(err) {
			return "", apperr.NotFound(fmt.Sprintf("document %s not found", sourceID))
		}
		return "", fmt.Errorf("resolve %s: %w", sourceID, err)
	}
	if resolved != c.root && !strings.HasPrefix(resolved, c.root+string(filepath.Separator)) {
		return "", apperr.Forbidden(fmt.Sprintf("path %s escapes the ingestion root", sourceID))
	}
	return resolved, nil
}

// titleFromPath derives a human title from a file name: base name without
// extension, underscores and dashes to spaces.
func titleFromPath(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.ReplaceAll(base, "_", " ")
	base = strings.ReplaceAll(base, "-", " ")
	return strings.TrimSpace(base)
}

// ContentTypeFor maps a file extension to the content type the parser
// registry dispatches on.
func ContentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return "text/markdown"
	case ".csv":
		return "text/csv"
	case ".xlsx", ".xlsm":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

var _ Connector = (*FilesystemConnector)(nil)
