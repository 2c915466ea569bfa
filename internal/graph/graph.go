// Package graph maintains a temporal knowledge graph of business entities
// mined from document segments. Each ingested chunk becomes an episode; the
// relationships it asserts become bi-temporal edges. The graph is never
// authoritative; it can always be rebuilt by re-ingesting documents.
package graph

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EntityType classifies a mined entity.
type EntityType string

const (
	EntityMetricDefinition  EntityType = "metric_definition"
	EntityEventTrackingSpec EntityType = "event_tracking_spec"
	EntityKPITarget         EntityType = "kpi_target"
	EntityConcept           EntityType = "concept"
	EntityTeam              EntityType = "team"
	EntitySystem            EntityType = "system"
)

// DefaultEntityTypes is the full extraction vocabulary.
func DefaultEntityTypes() []EntityType {
	return []EntityType{
		EntityMetricDefinition,
		EntityEventTrackingSpec,
		EntityKPITarget,
		EntityConcept,
		EntityTeam,
		EntitySystem,
	}
}

// Relation names an edge between two entities. The set is closed; the
// extractor discards anything else the model invents.
type Relation string

const (
	RelationDefines    Relation = "defines"
	RelationMeasures   Relation = "measures"
	RelationOwnedBy    Relation = "owned_by"
	RelationHasTarget  Relation = "has_target"
	RelationTrackedIn  Relation = "tracked_in"
	RelationDependsOn  Relation = "depends_on"
	RelationPartOf     Relation = "part_of"
	RelationSupersedes Relation = "supersedes"
)

var knownRelations = map[Relation]bool{
	RelationDefines:    true,
	RelationMeasures:   true,
	RelationOwnedBy:    true,
	RelationHasTarget:  true,
	RelationTrackedIn:  true,
	RelationDependsOn:  true,
	RelationPartOf:     true,
	RelationSupersedes: true,
}

// Valid reports whether r is in the closed relation set.
func (r Relation) Valid() bool { return knownRelations[r] }

// Exclusive reports whether an entity can hold only one open edge of this
// relation at a time. A new owner or target contradicts, and closes, the
// previous one.
func (r Relation) Exclusive() bool {
	return r == RelationOwnedBy || r == RelationHasTarget
}

// Episode is one chunk's worth of graph input.
type Episode struct {
	// ID is assigned when uuid.Nil.
	ID uuid.UUID

	// ChunkID is the segment the episode was mined from.
	ChunkID uuid.UUID

	// GroupID is the owning document.
	GroupID uuid.UUID

	// Text is the chunk content handed to the extractor.
	Text string

	// ReferenceTime is when the stated facts became valid, usually the
	// document's modification time. Zero means ingestion time.
	ReferenceTime time.Time

	// EntityTypes restricts extraction; empty means DefaultEntityTypes.
	EntityTypes []EntityType
}

// Edge is one bi-temporal fact between two entities. From and To are
// normalized entity names. A nil InvalidAt means the fact is still current;
// invalidation sets InvalidAt and never deletes.
type Edge struct {
	ID        uuid.UUID
	From      string
	To        string
	Relation  Relation
	Fact      string
	EpisodeID uuid.UUID
	CreatedAt time.Time
	ValidAt   time.Time
	InvalidAt *time.Time
}

// Open reports whether the edge is current (not invalidated).
func (e Edge) Open() bool { return e.InvalidAt == nil }

// EpisodeResult is what one AddEpisode produced.
type EpisodeResult struct {
	EpisodeID uuid.UUID
	Entities  []ExtractedEntity
	Edges     []Edge
}

// Store is the temporal knowledge graph.
type Store interface {
	// AddEpisode extracts entities and relationships from the episode text
	// and records them. Exclusive-relation contradictions close the edges
	// they supersede.
	AddEpisode(ctx context.Context, ep Episode) (*EpisodeResult, error)

	// RemoveEpisode closes every open edge the episode created. Entity
	// nodes and edge history stay.
	RemoveEpisode(ctx context.Context, episodeID uuid.UUID) error

	// Search returns up to k open edges relevant to the query.
	Search(ctx context.Context, query string, k int) ([]Edge, error)

	// Neighborhood returns the open edges within hops of the named entity.
	Neighborhood(ctx context.Context, entityName string, hops int) ([]Edge, error)

	// EntityHistory returns every edge that ever touched the named entity,
	// closed edges included. since filters by creation time; asOf keeps only
	// edges that were valid at that instant.
	EntityHistory(ctx context.Context, entityName string, since, asOf *time.Time) ([]Edge, error)
}
