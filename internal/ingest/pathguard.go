// Package ingest turns source documents into stored, indexed, searchable
// segments. The pipeline processes one document at a time; the task manager
// fans a folder of documents through it in the background.
package ingest

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cairnkb/cairn/internal/apperr"
)

// ResolveUnderRoot canonicalizes requested and verifies it is a directory
// inside root. Both paths are made absolute and symlinks are resolved before
// the containment check, so a link pointing outside the root is refused no
// matter where it lives. Relative paths resolve against the root.
func ResolveUnderRoot(root, requested string) (string, error) {
	if strings.TrimSpace(requested) == "" {
		return "", apperr.Validation("folder path is required")
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", apperr.Wrap(apperr.KindValidation, "ingestion root is not resolvable", err)
	}
	canonicalRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", apperr.Wrap(apperr.KindValidation, "ingestion root does not exist", err)
	}

	candidate := requested
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(canonicalRoot, candidate)
	}

	resolved, err := filepath.EvalSymlinks(candidate)
	if errors.Is(err, fs.ErrNotExist) {
		return "", apperr.Validation("folder does not exist: " + requested)
	}
	if err != nil {
		return "", apperr.Wrap(apperr.KindValidation, "folder is not resolvable", err)
	}

	if resolved != canonicalRoot && !strings.HasPrefix(resolved, canonicalRoot+string(filepath.Separator)) {
		return "", apperr.Forbidden("folder is outside the ingestion root")
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", apperr.Wrap(apperr.KindValidation, "folder is not readable", err)
	}
	if !info.IsDir() {
		return "", apperr.Validation("path is not a directory: " + requested)
	}

	return resolved, nil
}
