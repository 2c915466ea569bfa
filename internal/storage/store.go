package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record conflict")
)

// DB represents a database connection interface. Both *sql.DB and *sql.Tx
// satisfy it, so repositories run unchanged inside transactions.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// PoolOptions holds connection pool settings.
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open opens a database connection for the given driver ("postgres" or
// "sqlite3") and verifies it with a ping.
func Open(driver, dsn string, opts PoolOptions) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return db, nil
}

// Repositories bundles all repositories over one connection or transaction.
type Repositories struct {
	Projects  *ProjectRepository
	Documents *DocumentRepository
	Segments  *SegmentRepository
	SyncLogs  *SyncLogRepository
	Tasks     *TaskRepository
	Users     *UserRepository
	Entities  *EntityRepository
}

// NewRepositories creates repositories bound to the given connection.
func NewRepositories(db DB) *Repositories {
	return &Repositories{
		Projects:  NewProjectRepository(db),
		Documents: NewDocumentRepository(db),
		Segments:  NewSegmentRepository(db),
		SyncLogs:  NewSyncLogRepository(db),
		Tasks:     NewTaskRepository(db),
		Users:     NewUserRepository(db),
		Entities:  NewEntityRepository(db),
	}
}

// WithTx runs fn inside a transaction, with a repository bundle bound to it.
// The transaction commits when fn returns nil and rolls back otherwise.
func WithTx(ctx context.Context, db *sql.DB, fn func(*Repositories) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(NewRepositories(tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
