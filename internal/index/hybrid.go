package index

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Hybrid composes the lexical and vector halves into one SegmentIndex and
// tracks which segments belong to which document so a whole document can be
// dropped from both halves at once.
type Hybrid struct {
	lexical *Lexical
	vector  *Vector

	mu          sync.Mutex
	docSegments map[uuid.UUID]map[uuid.UUID]struct{}
	entries     map[uuid.UUID]Entry
}

// NewHybrid combines the two index halves.
func NewHybrid(lexical *Lexical, vector *Vector) *Hybrid {
	return &Hybrid{
		lexical:     lexical,
		vector:      vector,
		docSegments: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		entries:     make(map[uuid.UUID]Entry),
	}
}

// EnsureReady pins the vector width for the similarity half.
func (h *Hybrid) EnsureReady(dimensions int) error {
	return h.vector.EnsureDimensions(dimensions)
}

// BulkUpsert writes entries to both halves. Document membership is recorded
// before writing so a half-finished upsert can still be cleaned up with
// DeleteByDocument.
func (h *Hybrid) BulkUpsert(ctx context.Context, entries []Entry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	h.mu.Lock()
	for _, entry := range entries {
		segments, ok := h.docSegments[entry.DocumentID]
		if !ok {
			segments = make(map[uuid.UUID]struct{})
			h.docSegments[entry.DocumentID] = segments
		}
		segments[entry.SegmentID] = struct{}{}
		h.entries[entry.SegmentID] = entry
	}
	h.mu.Unlock()

	if err := h.lexical.Upsert(ctx, entries); err != nil {
		return 0, fmt.Errorf("lexical upsert: %w", err)
	}
	if err := h.vector.Upsert(ctx, entries); err != nil {
		return 0, fmt.Errorf("vector upsert: %w", err)
	}
	return len(entries), nil
}

// DeleteByDocument removes every tracked segment of the document from both
// halves.
func (h *Hybrid) DeleteByDocument(ctx context.Context, documentID uuid.UUID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	h.mu.Lock()
	segments := h.docSegments[documentID]
	ids := make([]string, 0, len(segments))
	for segID := range segments {
		ids = append(ids, segID.String())
		delete(h.entries, segID)
	}
	delete(h.docSegments, documentID)
	h.mu.Unlock()

	if len(ids) == 0 {
		return 0, nil
	}
	if err := h.lexical.DeleteIDs(ids); err != nil {
		return 0, fmt.Errorf("lexical delete: %w", err)
	}
	if err := h.vector.DeleteIDs(ids); err != nil {
		return 0, fmt.Errorf("vector delete: %w", err)
	}
	return len(ids), nil
}

// SearchText queries the lexical half.
func (h *Hybrid) SearchText(ctx context.Context, query string, filter Filter, k int) ([]Hit, error) {
	return h.lexical.SearchText(ctx, query, filter, k)
}

// SearchVector queries the similarity half.
func (h *Hybrid) SearchVector(ctx context.Context, vector []float32, filter Filter, k, numCandidates int) ([]Hit, error) {
	return h.vector.Search(ctx, vector, filter, k, numCandidates)
}

// Get returns the stored entry for a segment.
func (h *Hybrid) Get(segmentID uuid.UUID) (Entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.entries[segmentID]
	return entry, ok
}

// Count returns the number of indexed segments.
func (h *Hybrid) Count() int {
	return h.vector.Count()
}

// Close releases both halves.
func (h *Hybrid) Close() error {
	lexErr := h.lexical.Close()
	vecErr := h.vector.Close()
	if lexErr != nil {
		return lexErr
	}
	return vecErr
}

var _ SegmentIndex = (*Hybrid)(nil)
