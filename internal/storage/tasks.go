package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskRepository handles background ingestion task persistence.
type TaskRepository struct {
	db DB
}

// NewTaskRepository creates a new task repository.
func NewTaskRepository(db DB) *TaskRepository {
	return &TaskRepository{db: db}
}

const taskColumns = `id, status, folder_path, total_documents, processed_documents,
	succeeded, skipped, failed, results, error, created_at, started_at, completed_at`

func scanTask(row interface{ Scan(...interface{}) error }) (*IngestionTask, error) {
	task := &IngestionTask{}
	err := row.Scan(
		&task.ID, &task.Status, &task.FolderPath, &task.TotalDocuments,
		&task.ProcessedDocuments, &task.Succeeded, &task.Skipped, &task.Failed,
		&task.Results, &task.Error, &task.CreatedAt, &task.StartedAt, &task.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Create registers a new pending task.
func (r *TaskRepository) Create(ctx context.Context, task *IngestionTask) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	task.Status = TaskStatusPending
	if len(task.Results) == 0 {
		task.Results = json.RawMessage(`[]`)
	}
	task.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO ingestion_tasks (id, status, folder_path, total_documents, processed_documents,
			succeeded, skipped, failed, results, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	if _, err := r.db.ExecContext(ctx, query,
		task.ID, task.Status, task.FolderPath, task.TotalDocuments,
		task.ProcessedDocuments, task.Succeeded, task.Skipped, task.Failed,
		task.Results, task.CreatedAt,
	); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// MarkRunning transitions a task to running and stamps started_at.
func (r *TaskRepository) MarkRunning(ctx context.Context, id uuid.UUID, totalDocuments int) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`UPDATE ingestion_tasks SET status = $1, total_documents = $2, started_at = $3 WHERE id = $4`,
		TaskStatusRunning, totalDocuments, now, id)
	if err != nil {
		return fmt.Errorf("mark task running: %w", err)
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

// RecordResult bumps the task counters for one processed document and appends
// its per-document record. Counters move via SQL arithmetic so concurrent
// readers always see a consistent count; the results array is read-modify-write,
// which is safe because the task runner is the only writer of its task.
func (r *TaskRepository) RecordResult(ctx context.Context, id uuid.UUID, result DocumentResult) error {
	var succeeded, skipped, failed int
	switch {
	case result.Error != "":
		failed = 1
	case result.Skipped:
		skipped = 1
	default:
		succeeded = 1
	}

	query := `
		UPDATE ingestion_tasks
		SET processed_documents = processed_documents + 1,
			succeeded = succeeded + $1,
			skipped = skipped + $2,
			failed = failed + $3
		WHERE id = $4
	`
	if _, err := r.db.ExecContext(ctx, query, succeeded, skipped, failed, id); err != nil {
		return fmt.Errorf("record task counters: %w", err)
	}

	var raw json.RawMessage
	err := r.db.QueryRowContext(ctx,
		`SELECT results FROM ingestion_tasks WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	var results []DocumentResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &results); err != nil {
			return fmt.Errorf("decode task results: %w", err)
		}
	}
	results = append(results, result)
	encoded, err := json.Marshal(results)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE ingestion_tasks SET results = $1 WHERE id = $2`, json.RawMessage(encoded), id)
	return err
}

// Complete marks a task as finished. A task with per-document failures still
// completes; only a fatal error fails the task as a whole.
func (r *TaskRepository) Complete(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`UPDATE ingestion_tasks SET status = $1, completed_at = $2 WHERE id = $3`,
		TaskStatusCompleted, now, id)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

// Fail marks a task as fatally failed.
func (r *TaskRepository) Fail(ctx context.Context, id uuid.UUID, message string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`UPDATE ingestion_tasks SET status = $1, error = $2, completed_at = $3 WHERE id = $4`,
		TaskStatusFailed, message, now, id)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	return nil
}

// Get retrieves a task by id.
func (r *TaskRepository) Get(ctx context.Context, id uuid.UUID) (*IngestionTask, error) {
	query := `SELECT ` + taskColumns + ` FROM ingestion_tasks WHERE id = $1`
	return scanTask(r.db.QueryRowContext(ctx, query, id))
}

// List returns tasks newest-first using keyset pagination.
func (r *TaskRepository) List(ctx context.Context, cursor Cursor, limit int) ([]IngestionTask, error) {
	if limit <= 0 {
		limit = 20
	}

	var rows *sql.Rows
	var err error
	if cursor.IsZero() {
		query := `SELECT ` + taskColumns + ` FROM ingestion_tasks ORDER BY created_at DESC, id DESC LIMIT $1`
		rows, err = r.db.QueryContext(ctx, query, limit)
	} else {
		after, terr := cursor.SortTime()
		if terr != nil {
			return nil, fmt.Errorf("invalid cursor sort value: %w", terr)
		}
		query := `
			SELECT ` + taskColumns + `
			FROM ingestion_tasks
			WHERE created_at < $1 OR (created_at = $1 AND id < $2)
			ORDER BY created_at DESC, id DESC
			LIMIT $3
		`
		rows, err = r.db.QueryContext(ctx, query, after, cursor.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []IngestionTask
	for rows.Next() {
		task := IngestionTask{}
		if err := rows.Scan(
			&task.ID, &task.Status, &task.FolderPath, &task.TotalDocuments,
			&task.ProcessedDocuments, &task.Succeeded, &task.Skipped, &task.Failed,
			&task.Results, &task.Error, &task.CreatedAt, &task.StartedAt, &task.CompletedAt,
		); err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// Count returns the number of tasks.
func (r *TaskRepository) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ingestion_tasks`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}
