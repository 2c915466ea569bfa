package index

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/coder/hnsw"
	"github.com/google/uuid"

	"github.com/cairnkb/cairn/internal/apperr"
)

// VectorConfig tunes the HNSW graph.
type VectorConfig struct {
	M        int // default 16
	EfSearch int // default 20, raised per query to cover the candidate pool
}

// Vector is the similarity half of the hybrid index, an in-process HNSW
// graph over cosine distance.
//
// Deletion is lazy: removing a segment only drops its id mapping, leaving an
// orphan node in the graph that searches skip. Updating a segment likewise
// orphans the old node and inserts under a fresh internal key.
type Vector struct {
	mu         sync.Mutex
	graph      *hnsw.Graph[uint64]
	idMap      map[string]uint64
	keyMap     map[uint64]string
	attrs      map[string]Attributes
	nextKey    uint64
	dimensions int
	closed     bool
}

// NewVector creates an empty vector index.
func NewVector(cfg VectorConfig) *Vector {
	if cfg.M <= 0 {
		cfg.M = 16
	}
	if cfg.EfSearch <= 0 {
		cfg.EfSearch = 20
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &Vector{
		graph:  graph,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
		attrs:  make(map[string]Attributes),
	}
}

// EnsureDimensions pins the vector width. A later call with a different
// width fails: vectors of mixed models cannot share one graph.
func (v *Vector) EnsureDimensions(dimensions int) error {
	if dimensions <= 0 {
		return apperr.Validation("vector dimensions must be positive")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.dimensions == 0 {
		v.dimensions = dimensions
		return nil
	}
	if v.dimensions != dimensions {
		return apperr.Validation(fmt.Sprintf(
			"vector index holds %d-dimensional vectors, got %d", v.dimensions, dimensions))
	}
	return nil
}

// Upsert inserts entries, replacing any prior vector per segment id.
func (v *Vector) Upsert(ctx context.Context, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return fmt.Errorf("vector index is closed")
	}

	for _, entry := range entries {
		if v.dimensions > 0 && len(entry.Vector) != v.dimensions {
			return fmt.Errorf("segment %s: vector has %d dimensions, index expects %d",
				entry.SegmentID, len(entry.Vector), v.dimensions)
		}

		id := entry.SegmentID.String()
		if oldKey, ok := v.idMap[id]; ok {
			delete(v.keyMap, oldKey)
			delete(v.idMap, id)
		}

		key := v.nextKey
		v.nextKey++

		vec := make([]float32, len(entry.Vector))
		copy(vec, entry.Vector)
		normalizeInPlace(vec)

		v.graph.Add(hnsw.MakeNode(key, vec))
		v.idMap[id] = key
		v.keyMap[key] = id
		v.attrs[id] = entry.Attributes
	}
	return nil
}

// DeleteIDs removes segments. Unknown ids are ignored.
func (v *Vector) DeleteIDs(ids []string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return fmt.Errorf("vector index is closed")
	}
	for _, id := range ids {
		if key, ok := v.idMap[id]; ok {
			delete(v.keyMap, key)
			delete(v.idMap, id)
			delete(v.attrs, id)
		}
	}
	return nil
}

// Search returns the top k segments by cosine similarity drawn from a pool
// of numCandidates nearest nodes, after filtering.
func (v *Vector) Search(ctx context.Context, vector []float32, filter Filter, k, numCandidates int) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, fmt.Errorf("vector index is closed")
	}
	if v.dimensions > 0 && len(vector) != v.dimensions {
		return nil, fmt.Errorf("query vector has %d dimensions, index expects %d",
			len(vector), v.dimensions)
	}
	if v.graph.Len() == 0 {
		return nil, nil
	}
	if numCandidates < k {
		numCandidates = k
	}
	// EfSearch must cover the candidate pool or recall collapses.
	if v.graph.EfSearch < numCandidates {
		v.graph.EfSearch = numCandidates
	}

	q := make([]float32, len(vector))
	copy(q, vector)
	normalizeInPlace(q)

	nodes := v.graph.Search(q, numCandidates)

	hits := make([]Hit, 0, k)
	for _, node := range nodes {
		id, ok := v.keyMap[node.Key]
		if !ok {
			// Lazy-deleted orphan.
			continue
		}
		if !filter.Matches(v.attrs[id]) {
			continue
		}
		segID, err := uuid.Parse(id)
		if err != nil {
			continue
		}
		distance := hnsw.CosineDistance(q, node.Value)
		hits = append(hits, Hit{SegmentID: segID, Score: float64(1 - distance/2)})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

// Count returns the number of live segments, excluding lazy-deleted orphans.
func (v *Vector) Count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return 0
	}
	return len(v.idMap)
}

// Close drops the graph.
func (v *Vector) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	v.graph = nil
	return nil
}

func normalizeInPlace(vec []float32) {
	var sum float64
	for _, x := range vec {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
}
