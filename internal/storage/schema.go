package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// schemaSQLite is the development/test schema. Production Postgres databases
// are migrated externally; this DDL exists so sqlite mode and the test suite
// can bootstrap themselves.
const schemaSQLite = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	source_type TEXT NOT NULL,
	source_id TEXT NOT NULL,
	source_url TEXT,
	title TEXT NOT NULL,
	owner TEXT,
	project_id TEXT REFERENCES projects(id),
	content_hash TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	last_synced_at TIMESTAMP NOT NULL,
	graph_synced INTEGER NOT NULL DEFAULT 0,
	graph_sync_retries INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (source_type, source_id)
);

CREATE TABLE IF NOT EXISTS segments (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	content TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	segment_type TEXT NOT NULL DEFAULT 'text',
	section_path TEXT,
	position INTEGER NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_segments_document ON segments(document_id, position);

CREATE TABLE IF NOT EXISTS sync_logs (
	id TEXT PRIMARY KEY,
	document_id TEXT,
	action TEXT NOT NULL,
	segments_affected INTEGER NOT NULL DEFAULT 0,
	details TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_logs_document ON sync_logs(document_id, created_at);

CREATE TABLE IF NOT EXISTS ingestion_tasks (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL DEFAULT 'pending',
	folder_path TEXT NOT NULL,
	total_documents INTEGER NOT NULL DEFAULT 0,
	processed_documents INTEGER NOT NULL DEFAULT 0,
	succeeded INTEGER NOT NULL DEFAULT 0,
	skipped INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	results TEXT NOT NULL DEFAULT '[]',
	error TEXT,
	created_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	completed_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	password_hash TEXT NOT NULL DEFAULT '',
	active INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS role_assignments (
	user_id TEXT NOT NULL REFERENCES users(id),
	project_id TEXT NOT NULL REFERENCES projects(id),
	role TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (user_id, project_id)
);

CREATE TABLE IF NOT EXISTS extracted_entities (
	id TEXT PRIMARY KEY,
	entity_type TEXT NOT NULL,
	entity_data TEXT NOT NULL DEFAULT '{}',
	confidence REAL NOT NULL DEFAULT 0,
	source_segment_id TEXT,
	source_text TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entities_type ON extracted_entities(entity_type);
`

// schemaPostgres mirrors the sqlite schema with native types. Applied only
// when explicitly requested (dev bootstrap); production uses migrations.
const schemaPostgres = `
CREATE TABLE IF NOT EXISTS projects (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
	id UUID PRIMARY KEY,
	source_type TEXT NOT NULL,
	source_id TEXT NOT NULL,
	source_url TEXT,
	title TEXT NOT NULL,
	owner TEXT,
	project_id UUID REFERENCES projects(id),
	content_hash TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	last_synced_at TIMESTAMPTZ NOT NULL,
	graph_synced BOOLEAN NOT NULL DEFAULT FALSE,
	graph_sync_retries INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (source_type, source_id)
);

CREATE TABLE IF NOT EXISTS segments (
	id UUID PRIMARY KEY,
	document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	content TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	segment_type TEXT NOT NULL DEFAULT 'text',
	section_path TEXT,
	position INTEGER NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	metadata JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_segments_document ON segments(document_id, position);

CREATE TABLE IF NOT EXISTS sync_logs (
	id UUID PRIMARY KEY,
	document_id UUID,
	action TEXT NOT NULL,
	segments_affected INTEGER NOT NULL DEFAULT 0,
	details JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_logs_document ON sync_logs(document_id, created_at);

CREATE TABLE IF NOT EXISTS ingestion_tasks (
	id UUID PRIMARY KEY,
	status TEXT NOT NULL DEFAULT 'pending',
	folder_path TEXT NOT NULL,
	total_documents INTEGER NOT NULL DEFAULT 0,
	processed_documents INTEGER NOT NULL DEFAULT 0,
	succeeded INTEGER NOT NULL DEFAULT 0,
	skipped INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	results JSONB NOT NULL DEFAULT '[]',
	error TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS users (
	id UUID PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	password_hash TEXT NOT NULL DEFAULT '',
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS role_assignments (
	user_id UUID NOT NULL REFERENCES users(id),
	project_id UUID NOT NULL REFERENCES projects(id),
	role TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, project_id)
);

CREATE TABLE IF NOT EXISTS extracted_entities (
	id UUID PRIMARY KEY,
	entity_type TEXT NOT NULL,
	entity_data JSONB NOT NULL DEFAULT '{}',
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	source_segment_id UUID,
	source_text TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entities_type ON extracted_entities(entity_type);
`

// EnsureSchema creates the Cairn tables if they do not exist. driver is
// "sqlite3" or "postgres".
func EnsureSchema(ctx context.Context, db *sql.DB, driver string) error {
	var ddl string
	switch driver {
	case "sqlite3":
		ddl = schemaSQLite
	case "postgres":
		ddl = schemaPostgres
	default:
		return fmt.Errorf("unknown driver: %s", driver)
	}

	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
