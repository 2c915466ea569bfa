package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/cairnkb/cairn/internal/apperr"
)

// entityNode is a graph node. Nodes are created on first mention and never
// removed; the temporal story lives on the edges.
type entityNode struct {
	name       string
	entityType EntityType
	createdAt  time.Time
}

// episodeRecord is what an episode created, kept for removal.
type episodeRecord struct {
	edgeIDs []uuid.UUID
}

// MemoryStore is a process-local Store with an inverted token index over
// edge facts. Nothing here survives a restart; re-ingesting documents
// rebuilds it, which is why episode removal tolerates unknown ids.
type MemoryStore struct {
	mu        sync.RWMutex
	extractor *Extractor
	nodes     map[string]*entityNode
	edges     []*Edge
	edgeByID  map[uuid.UUID]*Edge
	episodes  map[uuid.UUID]*episodeRecord
	tokens    map[string]map[uuid.UUID]struct{}
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty graph backed by the given extractor.
func NewMemoryStore(extractor *Extractor) *MemoryStore {
	return &MemoryStore{
		extractor: extractor,
		nodes:     make(map[string]*entityNode),
		edgeByID:  make(map[uuid.UUID]*Edge),
		episodes:  make(map[uuid.UUID]*episodeRecord),
		tokens:    make(map[string]map[uuid.UUID]struct{}),
	}
}

// AddEpisode extracts entities and relationships from the episode text and
// records the resulting nodes and edges.
func (s *MemoryStore) AddEpisode(ctx context.Context, ep Episode) (*EpisodeResult, error) {
	if s.extractor == nil {
		return nil, apperr.New(apperr.KindInternal, "graph store has no extractor")
	}
	if strings.TrimSpace(ep.Text) == "" {
		return nil, apperr.Validation("episode text is empty")
	}
	if ep.ID == uuid.Nil {
		ep.ID = uuid.New()
	}

	// Extraction calls the model; keep it outside the lock.
	extraction, err := s.extractor.Extract(ctx, ep.Text, ep.EntityTypes)
	if err != nil {
		return nil, fmt.Errorf("extract episode: %w", err)
	}

	now := time.Now().UTC()
	validAt := ep.ReferenceTime
	if validAt.IsZero() {
		validAt = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.episodes[ep.ID]; exists {
		return nil, apperr.Conflict(fmt.Sprintf("episode %s already exists", ep.ID))
	}

	for _, ent := range extraction.Entities {
		if _, ok := s.nodes[ent.Name]; !ok {
			s.nodes[ent.Name] = &entityNode{name: ent.Name, entityType: ent.Type, createdAt: now}
		}
	}

	record := &episodeRecord{}
	result := &EpisodeResult{EpisodeID: ep.ID, Entities: extraction.Entities}
	for _, rel := range extraction.Relationships {
		if rel.Relation.Exclusive() {
			s.closeContradictions(rel.From, rel.Relation, rel.To, now)
		}
		edge := &Edge{
			ID:        uuid.New(),
			From:      rel.From,
			To:        rel.To,
			Relation:  rel.Relation,
			Fact:      rel.Fact,
			EpisodeID: ep.ID,
			CreatedAt: now,
			ValidAt:   validAt,
		}
		s.edges = append(s.edges, edge)
		s.edgeByID[edge.ID] = edge
		record.edgeIDs = append(record.edgeIDs, edge.ID)
		s.indexEdge(edge)
		result.Edges = append(result.Edges, cloneEdge(edge))
	}
	s.episodes[ep.ID] = record
	return result, nil
}

// closeContradictions invalidates open edges an exclusive relation
// supersedes: same from and relation, different to.
func (s *MemoryStore) closeContradictions(from string, rel Relation, to string, now time.Time) {
	for _, edge := range s.edges {
		if edge.InvalidAt != nil {
			continue
		}
		if edge.From == from && edge.Relation == rel && edge.To != to {
			t := now
			edge.InvalidAt = &t
		}
	}
}

func (s *MemoryStore) indexEdge(edge *Edge) {
	for _, tok := range tokenize(edge.From + " " + edge.To + " " + edge.Fact) {
		set, ok := s.tokens[tok]
		if !ok {
			set = make(map[uuid.UUID]struct{})
			s.tokens[tok] = set
		}
		set[edge.ID] = struct{}{}
	}
}

// RemoveEpisode closes every open edge the episode created. Unknown ids are
// a no-op: episode ids persist in segment metadata and routinely outlive
// this process-local store.
func (s *MemoryStore) RemoveEpisode(ctx context.Context, episodeID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.episodes[episodeID]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	for _, id := range record.edgeIDs {
		if edge := s.edgeByID[id]; edge != nil && edge.InvalidAt == nil {
			t := now
			edge.InvalidAt = &t
		}
	}
	delete(s.episodes, episodeID)
	return nil
}

// Search returns up to k open edges scored by query token overlap, newest
// first on ties.
func (s *MemoryStore) Search(ctx context.Context, query string, k int) ([]Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 10
	}
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	scores := make(map[uuid.UUID]int)
	for _, tok := range queryTokens {
		for id := range s.tokens[tok] {
			scores[id]++
		}
	}

	type scoredEdge struct {
		edge  *Edge
		score int
	}
	hits := make([]scoredEdge, 0, len(scores))
	for id, score := range scores {
		edge := s.edgeByID[id]
		if edge == nil || edge.InvalidAt != nil {
			continue
		}
		hits = append(hits, scoredEdge{edge: edge, score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		if !hits[i].edge.CreatedAt.Equal(hits[j].edge.CreatedAt) {
			return hits[i].edge.CreatedAt.After(hits[j].edge.CreatedAt)
		}
		return hits[i].edge.ID.String() < hits[j].edge.ID.String()
	})
	if len(hits) > k {
		hits = hits[:k]
	}

	out := make([]Edge, len(hits))
	for i, h := range hits {
		out[i] = cloneEdge(h.edge)
	}
	return out, nil
}

// Neighborhood walks open edges breadth-first from the named entity.
func (s *MemoryStore) Neighborhood(ctx context.Context, entityName string, hops int) ([]Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := NormalizeName(entityName)
	if name == "" {
		return nil, apperr.Validation("entity name is required")
	}
	if hops <= 0 {
		hops = 1
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	frontier := map[string]bool{name: true}
	visited := map[string]bool{name: true}
	seen := make(map[uuid.UUID]bool)
	var out []Edge
	for hop := 0; hop < hops; hop++ {
		next := make(map[string]bool)
		for _, edge := range s.edges {
			if edge.InvalidAt != nil || seen[edge.ID] {
				continue
			}
			var other string
			switch {
			case frontier[edge.From]:
				other = edge.To
			case frontier[edge.To]:
				other = edge.From
			default:
				continue
			}
			seen[edge.ID] = true
			out = append(out, cloneEdge(edge))
			if !visited[other] {
				visited[other] = true
				next[other] = true
			}
		}
		if len(next) == 0 {
			break
		}
		frontier = next
	}
	return out, nil
}

// EntityHistory returns every edge that ever touched the named entity,
// oldest valid first. since keeps edges created at or after it; asOf keeps
// edges that were valid at that instant.
func (s *MemoryStore) EntityHistory(ctx context.Context, entityName string, since, asOf *time.Time) ([]Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := NormalizeName(entityName)
	if name == "" {
		return nil, apperr.Validation("entity name is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Edge
	for _, edge := range s.edges {
		if edge.From != name && edge.To != name {
			continue
		}
		if since != nil && edge.CreatedAt.Before(*since) {
			continue
		}
		if asOf != nil {
			if edge.ValidAt.After(*asOf) {
				continue
			}
			if edge.InvalidAt != nil && !edge.InvalidAt.After(*asOf) {
				continue
			}
		}
		out = append(out, cloneEdge(edge))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ValidAt.Equal(out[j].ValidAt) {
			return out[i].ValidAt.Before(out[j].ValidAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Counts reports node and open-edge totals for stats surfaces.
func (s *MemoryStore) Counts() (entities, openEdges int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, edge := range s.edges {
		if edge.InvalidAt == nil {
			openEdges++
		}
	}
	return len(s.nodes), openEdges
}

// cloneEdge copies an edge so callers cannot reach store internals.
func cloneEdge(e *Edge) Edge {
	out := *e
	if e.InvalidAt != nil {
		t := *e.InvalidAt
		out.InvalidAt = &t
	}
	return out
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}
