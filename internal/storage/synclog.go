package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SyncLogRepository handles the append-only ingestion audit trail.
type SyncLogRepository struct {
	db DB
}

// NewSyncLogRepository creates a new sync log repository.
func NewSyncLogRepository(db DB) *SyncLogRepository {
	return &SyncLogRepository{db: db}
}

// SyncLogWithDocument joins a sync log entry with its document's title for
// change-history views.
type SyncLogWithDocument struct {
	SyncLog
	DocumentTitle *string `json:"document_title,omitempty" db:"document_title"`
}

// Append records one ingestion outcome.
func (r *SyncLogRepository) Append(ctx context.Context, entry *SyncLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if len(entry.Details) == 0 {
		entry.Details = json.RawMessage(`{}`)
	}
	entry.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO sync_logs (id, document_id, action, segments_affected, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := r.db.ExecContext(ctx, query,
		entry.ID, entry.DocumentID, entry.Action, entry.SegmentsAffected,
		entry.Details, entry.CreatedAt,
	); err != nil {
		return fmt.Errorf("append sync log: %w", err)
	}
	return nil
}

// ListRecent returns the newest entries joined with document titles. When
// titleFragment is non-empty only entries for matching documents are
// returned.
func (r *SyncLogRepository) ListRecent(ctx context.Context, titleFragment string, limit int) ([]SyncLogWithDocument, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT l.id, l.document_id, l.action, l.segments_affected, l.details, l.created_at, d.title
		FROM sync_logs l
		LEFT JOIN documents d ON d.id = l.document_id
	`
	args := []interface{}{}
	if titleFragment != "" {
		query += ` WHERE LOWER(d.title) LIKE LOWER($1)`
		args = append(args, "%"+titleFragment+"%")
	}
	query += fmt.Sprintf(` ORDER BY l.created_at DESC, l.id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sync logs: %w", err)
	}
	defer rows.Close()

	var entries []SyncLogWithDocument
	for rows.Next() {
		entry := SyncLogWithDocument{}
		if err := rows.Scan(
			&entry.ID, &entry.DocumentID, &entry.Action, &entry.SegmentsAffected,
			&entry.Details, &entry.CreatedAt, &entry.DocumentTitle,
		); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ListByDocument returns a single document's history, newest first.
func (r *SyncLogRepository) ListByDocument(ctx context.Context, documentID uuid.UUID, limit int) ([]SyncLog, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, document_id, action, segments_affected, details, created_at
		FROM sync_logs
		WHERE document_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list document sync logs: %w", err)
	}
	defer rows.Close()

	var entries []SyncLog
	for rows.Next() {
		entry := SyncLog{}
		if err := rows.Scan(
			&entry.ID, &entry.DocumentID, &entry.Action, &entry.SegmentsAffected,
			&entry.Details, &entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
