package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntityRepository handles extracted structured entities.
type EntityRepository struct {
	db DB
}

// NewEntityRepository creates a new entity repository.
func NewEntityRepository(db DB) *EntityRepository {
	return &EntityRepository{db: db}
}

const entityColumns = `id, entity_type, entity_data, confidence, source_segment_id, source_text, created_at`

// InsertBatch stores extracted entities. Unknown entity types are rejected.
func (r *EntityRepository) InsertBatch(ctx context.Context, entities []ExtractedEntity) error {
	query := `
		INSERT INTO extracted_entities (id, entity_type, entity_data, confidence, source_segment_id, source_text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	now := time.Now().UTC()
	for i := range entities {
		ent := &entities[i]
		if !ValidEntityType(ent.EntityType) {
			return fmt.Errorf("unknown entity type %q", ent.EntityType)
		}
		if ent.ID == uuid.Nil {
			ent.ID = uuid.New()
		}
		if len(ent.EntityData) == 0 {
			ent.EntityData = json.RawMessage(`{}`)
		}
		ent.CreatedAt = now
		if _, err := r.db.ExecContext(ctx, query,
			ent.ID, ent.EntityType, ent.EntityData, ent.Confidence,
			ent.SourceSegmentID, ent.SourceText, ent.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert entity: %w", err)
		}
	}
	return nil
}

// DeleteBySegments removes entities extracted from the given segments, used
// when a diff drops those segments.
func (r *EntityRepository) DeleteBySegments(ctx context.Context, segmentIDs []uuid.UUID) error {
	if len(segmentIDs) == 0 {
		return nil
	}
	for _, id := range segmentIDs {
		if _, err := r.db.ExecContext(ctx,
			`DELETE FROM extracted_entities WHERE source_segment_id = $1`, id); err != nil {
			return fmt.Errorf("delete entities for segment: %w", err)
		}
	}
	return nil
}

// Search returns entities whose payload or source text contains the query,
// optionally restricted to one entity type. Matching is case-insensitive.
func (r *EntityRepository) Search(ctx context.Context, query string, entityType EntityType, limit int) ([]ExtractedEntity, error) {
	if limit <= 0 {
		limit = 20
	}

	sqlQuery := `
		SELECT ` + entityColumns + `
		FROM extracted_entities
		WHERE (LOWER(CAST(entity_data AS TEXT)) LIKE LOWER($1) OR LOWER(source_text) LIKE LOWER($1))
	`
	args := []interface{}{"%" + query + "%"}
	if entityType != "" {
		sqlQuery += fmt.Sprintf(` AND entity_type = $%d`, len(args)+1)
		args = append(args, entityType)
	}
	sqlQuery += fmt.Sprintf(` ORDER BY confidence DESC, created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("search entities: %w", err)
	}
	defer rows.Close()

	var entities []ExtractedEntity
	for rows.Next() {
		ent := ExtractedEntity{}
		if err := rows.Scan(
			&ent.ID, &ent.EntityType, &ent.EntityData, &ent.Confidence,
			&ent.SourceSegmentID, &ent.SourceText, &ent.CreatedAt,
		); err != nil {
			return nil, err
		}
		entities = append(entities, ent)
	}
	return entities, rows.Err()
}

// Count returns the total number of extracted entities.
func (r *EntityRepository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM extracted_entities`).Scan(&count)
	return count, err
}

// CountByType returns entity counts grouped by type.
func (r *EntityRepository) CountByType(ctx context.Context) (map[EntityType]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT entity_type, COUNT(*) FROM extracted_entities GROUP BY entity_type`)
	if err != nil {
		return nil, fmt.Errorf("count entities by type: %w", err)
	}
	defer rows.Close()

	counts := make(map[EntityType]int)
	for rows.Next() {
		var t EntityType
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		counts[t] = n
	}
	return counts, rows.Err()
}
