// Package diff compares a document's stored segments against a fresh chunking
// of the same document. Identity is the chunk content hash: segments whose
// hash survives are kept with their ids and metadata, everything else is an
// insert or a delete.
package diff

import (
	"fmt"
	"strings"

	"github.com/cairnkb/cairn/internal/chunker"
	"github.com/cairnkb/cairn/internal/storage"
)

// Match pairs a surviving segment with the chunk that describes its new
// placement. Position and section path may move even when content does not.
type Match struct {
	Segment storage.Segment
	Chunk   chunker.Chunk
}

// Diff is the outcome of comparing stored segments with fresh chunks.
type Diff struct {
	Added     []chunker.Chunk
	Unchanged []Match
	Removed   []storage.Segment
}

// Compute matches chunks to segments by content hash. Duplicate hashes are
// matched one-for-one in document order, so a chunk repeated three times but
// stored twice yields one addition.
func Compute(existing []storage.Segment, next []chunker.Chunk) Diff {
	remaining := make(map[string][]storage.Segment, len(existing))
	for _, seg := range existing {
		remaining[seg.ContentHash] = append(remaining[seg.ContentHash], seg)
	}

	var d Diff
	for _, chunk := range next {
		pool := remaining[chunk.ContentHash]
		if len(pool) == 0 {
			d.Added = append(d.Added, chunk)
			continue
		}
		d.Unchanged = append(d.Unchanged, Match{Segment: pool[0], Chunk: chunk})
		remaining[chunk.ContentHash] = pool[1:]
	}

	for _, seg := range existing {
		pool := remaining[seg.ContentHash]
		if len(pool) > 0 && pool[0].ID == seg.ID {
			d.Removed = append(d.Removed, seg)
			remaining[seg.ContentHash] = pool[1:]
		}
	}
	return d
}

// InPlace reports whether nothing was added or removed, meaning at most
// placement moved and no new embeddings are needed.
func (d Diff) InPlace() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// Summary renders a compact human-readable account for sync log details.
func (d Diff) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d added, %d unchanged, %d removed",
		len(d.Added), len(d.Unchanged), len(d.Removed))
	if len(d.Added) > 0 {
		b.WriteString("; added=")
		b.WriteString(joinHashes(hashesOfChunks(d.Added)))
	}
	if len(d.Removed) > 0 {
		b.WriteString("; removed=")
		b.WriteString(joinHashes(hashesOfSegments(d.Removed)))
	}
	return b.String()
}

func hashesOfChunks(chunks []chunker.Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.ContentHash
	}
	return out
}

func hashesOfSegments(segments []storage.Segment) []string {
	out := make([]string, len(segments))
	for i, s := range segments {
		out[i] = s.ContentHash
	}
	return out
}

// joinHashes abbreviates hashes to eight characters and caps the list so a
// huge rewrite does not flood the log.
func joinHashes(hashes []string) string {
	const maxListed = 10
	shown := hashes
	truncated := 0
	if len(shown) > maxListed {
		truncated = len(shown) - maxListed
		shown = shown[:maxListed]
	}
	parts := make([]string, len(shown))
	for i, h := range shown {
		if len(h) > 8 {
			h = h[:8]
		}
		parts[i] = h
	}
	joined := strings.Join(parts, ",")
	if truncated > 0 {
		joined += fmt.Sprintf(",+%d more", truncated)
	}
	return joined
}
