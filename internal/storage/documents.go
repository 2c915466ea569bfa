package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DocumentRepository handles document persistence.
type DocumentRepository struct {
	db DB
}

// NewDocumentRepository creates a new document repository.
func NewDocumentRepository(db DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

const documentColumns = `id, source_type, source_id, source_url, title, owner, project_id,
	content_hash, status, last_synced_at, graph_synced, graph_sync_retries, created_at, updated_at`

func scanDocument(row interface{ Scan(...interface{}) error }) (*Document, error) {
	doc := &Document{}
	err := row.Scan(
		&doc.ID, &doc.SourceType, &doc.SourceID, &doc.SourceURL, &doc.Title,
		&doc.Owner, &doc.ProjectID, &doc.ContentHash, &doc.Status,
		&doc.LastSyncedAt, &doc.GraphSynced, &doc.GraphSyncRetries,
		&doc.CreatedAt, &doc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Upsert inserts the document or, on (source_type, source_id) conflict,
// updates the mutable fields and refreshes last_synced_at. The document's ID
// is set to the canonical stored id.
func (r *DocumentRepository) Upsert(ctx context.Context, doc *Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	now := time.Now().UTC()
	doc.LastSyncedAt = now
	doc.CreatedAt = now
	doc.UpdatedAt = now
	if doc.Status == "" {
		doc.Status = DocumentStatusActive
	}

	query := `
		INSERT INTO documents (id, source_type, source_id, source_url, title, owner, project_id,
			content_hash, status, last_synced_at, graph_synced, graph_sync_retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (source_type, source_id) DO UPDATE SET
			source_url = excluded.source_url,
			title = excluded.title,
			owner = excluded.owner,
			project_id = excluded.project_id,
			content_hash = excluded.content_hash,
			status = excluded.status,
			last_synced_at = excluded.last_synced_at,
			updated_at = excluded.updated_at
		RETURNING id, created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		doc.ID, doc.SourceType, doc.SourceID, doc.SourceURL, doc.Title,
		doc.Owner, doc.ProjectID, doc.ContentHash, doc.Status,
		doc.LastSyncedAt, doc.GraphSynced, doc.GraphSyncRetries,
		doc.CreatedAt, doc.UpdatedAt,
	).Scan(&doc.ID, &doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

// GetByID retrieves a document by id.
func (r *DocumentRepository) GetByID(ctx context.Context, id uuid.UUID) (*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	return scanDocument(r.db.QueryRowContext(ctx, query, id))
}

// GetBySource retrieves a document by its (source_type, source_id) identity.
func (r *DocumentRepository) GetBySource(ctx context.Context, sourceType, sourceID string) (*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE source_type = $1 AND source_id = $2`
	return scanDocument(r.db.QueryRowContext(ctx, query, sourceType, sourceID))
}

// GetByTitle retrieves a document by case-insensitive exact title match.
func (r *DocumentRepository) GetByTitle(ctx context.Context, title string) (*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE LOWER(title) = LOWER($1)`
	return scanDocument(r.db.QueryRowContext(ctx, query, title))
}

// GetBySourceID retrieves a document by source_id alone, for callers that do
// not know the source type. The most recently synced match wins.
func (r *DocumentRepository) GetBySourceID(ctx context.Context, sourceID string) (*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE source_id = $1 ORDER BY last_synced_at DESC LIMIT 1`
	return scanDocument(r.db.QueryRowContext(ctx, query, sourceID))
}

// SearchByTitle returns active documents whose title contains the fragment.
func (r *DocumentRepository) SearchByTitle(ctx context.Context, fragment string, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT ` + documentColumns + `
		FROM documents
		WHERE status = 'active' AND LOWER(title) LIKE LOWER($1)
		ORDER BY title
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, "%"+fragment+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search documents by title: %w", err)
	}
	defer rows.Close()

	return collectDocuments(rows)
}

// List returns active documents newest-first using keyset pagination.
func (r *DocumentRepository) List(ctx context.Context, cursor Cursor, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	if cursor.IsZero() {
		query := `
			SELECT ` + documentColumns + `
			FROM documents
			WHERE status = 'active'
			ORDER BY created_at DESC, id DESC
			LIMIT $1
		`
		rows, err = r.db.QueryContext(ctx, query, limit)
	} else {
		after, terr := cursor.SortTime()
		if terr != nil {
			return nil, fmt.Errorf("invalid cursor sort value: %w", terr)
		}
		query := `
			SELECT ` + documentColumns + `
			FROM documents
			WHERE status = 'active'
			  AND (created_at < $1 OR (created_at = $1 AND id < $2))
			ORDER BY created_at DESC, id DESC
			LIMIT $3
		`
		rows, err = r.db.QueryContext(ctx, query, after, cursor.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	return collectDocuments(rows)
}

func collectDocuments(rows *sql.Rows) ([]Document, error) {
	var docs []Document
	for rows.Next() {
		doc := Document{}
		if err := rows.Scan(
			&doc.ID, &doc.SourceType, &doc.SourceID, &doc.SourceURL, &doc.Title,
			&doc.Owner, &doc.ProjectID, &doc.ContentHash, &doc.Status,
			&doc.LastSyncedAt, &doc.GraphSynced, &doc.GraphSyncRetries,
			&doc.CreatedAt, &doc.UpdatedAt,
		); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Count returns the number of active documents.
func (r *DocumentRepository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE status = 'active'`).Scan(&count)
	return count, err
}

// Archive soft-deletes a document. Segments and citations stay resolvable.
func (r *DocumentRepository) Archive(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE documents SET status = 'archived', updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("archive document: %w", err)
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

// MarkGraphSynced records a successful graph sync and resets the retry
// counter.
func (r *DocumentRepository) MarkGraphSynced(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE documents SET graph_synced = $1, graph_sync_retries = 0, updated_at = $2 WHERE id = $3`,
		true, time.Now().UTC(), id)
	return err
}

// MarkGraphSyncFailed records a failed graph sync and bumps the retry
// counter.
func (r *DocumentRepository) MarkGraphSyncFailed(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE documents SET graph_synced = $1, graph_sync_retries = graph_sync_retries + 1, updated_at = $2 WHERE id = $3`,
		false, time.Now().UTC(), id)
	return err
}

// ListGraphStale returns active documents whose graph sync is pending and
// still under the retry budget.
func (r *DocumentRepository) ListGraphStale(ctx context.Context, maxRetries int) ([]Document, error) {
	query := `
		SELECT ` + documentColumns + `
		FROM documents
		WHERE status = 'active' AND graph_synced = $1 AND graph_sync_retries < $2
		ORDER BY updated_at
	`
	rows, err := r.db.QueryContext(ctx, query, false, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("list graph stale documents: %w", err)
	}
	defer rows.Close()

	return collectDocuments(rows)
}
