package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SegmentRepository handles segment persistence.
type SegmentRepository struct {
	db DB
}

// NewSegmentRepository creates a new segment repository.
func NewSegmentRepository(db DB) *SegmentRepository {
	return &SegmentRepository{db: db}
}

const segmentColumns = `id, document_id, segment_type, section_path, content, content_hash,
	position, version, metadata, created_at, updated_at`

// InsertBatch inserts the given segments. IDs are assigned when unset and
// metadata defaults to an empty object so the column is never NULL.
func (r *SegmentRepository) InsertBatch(ctx context.Context, segments []Segment) error {
	query := `
		INSERT INTO segments (id, document_id, segment_type, section_path, content, content_hash,
			position, version, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	now := time.Now().UTC()
	for i := range segments {
		seg := &segments[i]
		if seg.ID == uuid.Nil {
			seg.ID = uuid.New()
		}
		if len(seg.Metadata) == 0 {
			seg.Metadata = json.RawMessage(`{}`)
		}
		seg.CreatedAt = now
		seg.UpdatedAt = now
		if _, err := r.db.ExecContext(ctx, query,
			seg.ID, seg.DocumentID, seg.SegmentType, seg.SectionPath, seg.Content,
			seg.ContentHash, seg.Position, seg.Version, seg.Metadata,
			seg.CreatedAt, seg.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert segment at position %d: %w", seg.Position, err)
		}
	}
	return nil
}

// UpdatePlacement moves an unchanged segment to its position in the latest
// chunk layout without touching content or version.
func (r *SegmentRepository) UpdatePlacement(ctx context.Context, id uuid.UUID, position int, sectionPath *string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE segments SET position = $1, section_path = $2, updated_at = $3 WHERE id = $4`,
		position, sectionPath, time.Now().UTC(), id)
	return err
}

// UpdateMetadata replaces a segment's metadata object.
func (r *SegmentRepository) UpdateMetadata(ctx context.Context, id uuid.UUID, metadata json.RawMessage) error {
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE segments SET metadata = $1, updated_at = $2 WHERE id = $3`,
		metadata, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update segment metadata: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteByIDs removes the given segments.
func (r *SegmentRepository) DeleteByIDs(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := `DELETE FROM segments WHERE id IN (` + strings.Join(placeholders, ", ") + `)`
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete segments: %w", err)
	}
	return nil
}

// DeleteByDocument removes all segments belonging to a document.
func (r *SegmentRepository) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM segments WHERE document_id = $1`, documentID)
	return err
}

// ListByDocument returns a document's segments in position order.
func (r *SegmentRepository) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]Segment, error) {
	query := `
		SELECT ` + segmentColumns + `
		FROM segments
		WHERE document_id = $1
		ORDER BY position
	`
	rows, err := r.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	var segments []Segment
	for rows.Next() {
		seg := Segment{}
		if err := rows.Scan(
			&seg.ID, &seg.DocumentID, &seg.SegmentType, &seg.SectionPath, &seg.Content,
			&seg.ContentHash, &seg.Position, &seg.Version, &seg.Metadata,
			&seg.CreatedAt, &seg.UpdatedAt,
		); err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

const segmentJoinColumns = `s.id, s.document_id, s.segment_type, s.section_path, s.content, s.content_hash,
	s.position, s.version, s.metadata, s.created_at, s.updated_at,
	d.source_type, d.source_id, d.source_url, d.title`

func scanSegmentWithDocument(row interface{ Scan(...interface{}) error }) (*SegmentWithDocument, error) {
	sd := &SegmentWithDocument{}
	err := row.Scan(
		&sd.ID, &sd.DocumentID, &sd.SegmentType, &sd.SectionPath, &sd.Content,
		&sd.ContentHash, &sd.Position, &sd.Version, &sd.Metadata,
		&sd.CreatedAt, &sd.UpdatedAt,
		&sd.SourceType, &sd.SourceID, &sd.SourceURL, &sd.DocumentTitle,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sd, nil
}

// GetWithDocument retrieves a segment joined with its document's source
// attribution fields.
func (r *SegmentRepository) GetWithDocument(ctx context.Context, id uuid.UUID) (*SegmentWithDocument, error) {
	query := `
		SELECT ` + segmentJoinColumns + `
		FROM segments s
		JOIN documents d ON d.id = s.document_id
		WHERE s.id = $1
	`
	return scanSegmentWithDocument(r.db.QueryRowContext(ctx, query, id))
}

// GetManyWithDocument retrieves segments joined with document attribution.
// The result preserves the order of the requested ids and silently skips ids
// that no longer exist.
func (r *SegmentRepository) GetManyWithDocument(ctx context.Context, ids []uuid.UUID) ([]SegmentWithDocument, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := `
		SELECT ` + segmentJoinColumns + `
		FROM segments s
		JOIN documents d ON d.id = s.document_id
		WHERE s.id IN (` + strings.Join(placeholders, ", ") + `)
	`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get segments: %w", err)
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]SegmentWithDocument, len(ids))
	for rows.Next() {
		sd := SegmentWithDocument{}
		if err := rows.Scan(
			&sd.ID, &sd.DocumentID, &sd.SegmentType, &sd.SectionPath, &sd.Content,
			&sd.ContentHash, &sd.Position, &sd.Version, &sd.Metadata,
			&sd.CreatedAt, &sd.UpdatedAt,
			&sd.SourceType, &sd.SourceID, &sd.SourceURL, &sd.DocumentTitle,
		); err != nil {
			return nil, err
		}
		byID[sd.ID] = sd
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ordered := make([]SegmentWithDocument, 0, len(byID))
	for _, id := range ids {
		if sd, ok := byID[id]; ok {
			ordered = append(ordered, sd)
		}
	}
	return ordered, nil
}

// MaxVersion returns the highest segment version for a document, zero when
// the document has no segments.
func (r *SegmentRepository) MaxVersion(ctx context.Context, documentID uuid.UUID) (int, error) {
	var version sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM segments WHERE document_id = $1`, documentID).Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}

// Count returns the total number of segments across all documents.
func (r *SegmentRepository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM segments`).Scan(&count)
	return count, err
}

// CountByDocument returns the number of segments for one document.
func (r *SegmentRepository) CountByDocument(ctx context.Context, documentID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM segments WHERE document_id = $1`, documentID).Scan(&count)
	return count, err
}
