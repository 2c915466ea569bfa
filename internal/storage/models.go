// Package storage provides database models and repositories for Cairn.
// The relational store is the authoritative record; every other store is
// derived from it.
package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DocumentStatus represents the lifecycle state of a document.
type DocumentStatus string

const (
	DocumentStatusActive   DocumentStatus = "active"
	DocumentStatusArchived DocumentStatus = "archived"
)

// SegmentType represents the kind of content a segment carries.
type SegmentType string

const (
	SegmentTypeText  SegmentType = "text"
	SegmentTypeTable SegmentType = "table"
	SegmentTypeImage SegmentType = "image"
	SegmentTypeCode  SegmentType = "code"
)

// SyncAction represents the outcome recorded by a sync log entry.
type SyncAction string

const (
	SyncActionCreated SyncAction = "created"
	SyncActionUpdated SyncAction = "updated"
	SyncActionDeleted SyncAction = "deleted"
	SyncActionSkipped SyncAction = "skipped"
	SyncActionError   SyncAction = "error"
)

// TaskStatus represents ingestion task status.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Role represents a project-scoped permission level.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

// roleLevels orders roles so AtLeast can compare them.
var roleLevels = map[Role]int{
	RoleViewer: 1,
	RoleEditor: 2,
	RoleAdmin:  3,
}

// AtLeast reports whether r grants at least the permissions of other.
func (r Role) AtLeast(other Role) bool {
	return roleLevels[r] >= roleLevels[other]
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleLevels[r]
	return ok
}

// EntityType represents the closed set of extracted entity kinds.
type EntityType string

const (
	EntityTypeMetricDefinition  EntityType = "metric_definition"
	EntityTypeEventTrackingSpec EntityType = "event_tracking_spec"
	EntityTypeKPITarget         EntityType = "kpi_target"
)

// ValidEntityType reports whether t is one of the known entity kinds.
func ValidEntityType(t EntityType) bool {
	switch t {
	case EntityTypeMetricDefinition, EntityTypeEventTrackingSpec, EntityTypeKPITarget:
		return true
	}
	return false
}

// Project represents a logical grouping of documents.
type Project struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Document represents a registered source artifact. Identity is
// (source_type, source_id); content_hash is the SHA-256 of the raw bytes
// last successfully ingested. Documents are archived, never hard-deleted,
// so citations stay resolvable.
type Document struct {
	ID               uuid.UUID      `json:"id" db:"id"`
	SourceType       string         `json:"source_type" db:"source_type"`
	SourceID         string         `json:"source_id" db:"source_id"`
	SourceURL        *string        `json:"source_url,omitempty" db:"source_url"`
	Title            string         `json:"title" db:"title"`
	Owner            *string        `json:"owner,omitempty" db:"owner"`
	ProjectID        *uuid.UUID     `json:"project_id,omitempty" db:"project_id"`
	ContentHash      string         `json:"content_hash" db:"content_hash"`
	Status           DocumentStatus `json:"status" db:"status"`
	LastSyncedAt     time.Time      `json:"last_synced_at" db:"last_synced_at"`
	GraphSynced      bool           `json:"graph_synced" db:"graph_synced"`
	GraphSyncRetries int            `json:"graph_sync_retries" db:"graph_sync_retries"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at" db:"updated_at"`
}

// Segment represents one chunk of a document. content_hash is the SHA-256
// of Content and is the identity used for chunk-level diffing. Position is
// dense and 0-based per document. Version is the ingest generation that
// produced the segment; unchanged segments keep their original version.
type Segment struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	DocumentID  uuid.UUID       `json:"document_id" db:"document_id"`
	Content     string          `json:"content" db:"content"`
	ContentHash string          `json:"content_hash" db:"content_hash"`
	SegmentType SegmentType     `json:"segment_type" db:"segment_type"`
	SectionPath *string         `json:"section_path,omitempty" db:"section_path"`
	Position    int             `json:"position" db:"position"`
	Version     int             `json:"version" db:"version"`
	Metadata    json.RawMessage `json:"metadata" db:"metadata"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// EpisodeIDKey is the segment metadata key carrying the graph episode id.
const EpisodeIDKey = "episode_id"

// EpisodeID extracts the graph episode id from segment metadata, if any.
func (s *Segment) EpisodeID() string {
	if len(s.Metadata) == 0 {
		return ""
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(s.Metadata, &meta); err != nil {
		return ""
	}
	if v, ok := meta[EpisodeIDKey].(string); ok {
		return v
	}
	return ""
}

// SyncLog represents an append-only audit entry for one ingestion outcome.
type SyncLog struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	DocumentID       *uuid.UUID      `json:"document_id,omitempty" db:"document_id"`
	Action           SyncAction      `json:"action" db:"action"`
	SegmentsAffected int             `json:"segments_affected" db:"segments_affected"`
	Details          json.RawMessage `json:"details" db:"details"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// IngestionTask represents a background folder-ingestion job.
type IngestionTask struct {
	ID                 uuid.UUID       `json:"id" db:"id"`
	Status             TaskStatus      `json:"status" db:"status"`
	FolderPath         string          `json:"folder_path" db:"folder_path"`
	TotalDocuments     int             `json:"total_documents" db:"total_documents"`
	ProcessedDocuments int             `json:"processed_documents" db:"processed_documents"`
	Succeeded          int             `json:"succeeded" db:"succeeded"`
	Skipped            int             `json:"skipped" db:"skipped"`
	Failed             int             `json:"failed" db:"failed"`
	Results            json.RawMessage `json:"results" db:"results"`
	Error              *string         `json:"error,omitempty" db:"error"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	StartedAt          *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// DocumentResult is one per-document record inside IngestionTask.Results.
type DocumentResult struct {
	SourceID        string `json:"source_id"`
	Title           string `json:"title"`
	SegmentsCreated int    `json:"segments_created"`
	Skipped         bool   `json:"skipped"`
	Error           string `json:"error,omitempty"`
}

// User represents a registered operator or service identity.
type User struct {
	ID           uuid.UUID `json:"id" db:"id"`
	Email        string    `json:"email" db:"email"`
	Name         string    `json:"name" db:"name"`
	PasswordHash string    `json:"-" db:"password_hash"`
	Active       bool      `json:"active" db:"active"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// RoleAssignment grants a user a role within a project. (user_id, project_id)
// is unique.
type RoleAssignment struct {
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	ProjectID uuid.UUID `json:"project_id" db:"project_id"`
	Role      Role      `json:"role" db:"role"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ExtractedEntity represents a structured fact mined from a segment.
type ExtractedEntity struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	EntityType      EntityType      `json:"entity_type" db:"entity_type"`
	EntityData      json.RawMessage `json:"entity_data" db:"entity_data"`
	Confidence      float64         `json:"confidence" db:"confidence"`
	SourceSegmentID *uuid.UUID      `json:"source_segment_id,omitempty" db:"source_segment_id"`
	SourceText      string          `json:"source_text" db:"source_text"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// SegmentWithDocument joins a segment with its parent document's source
// fields, as returned by segment lookups that feed citations.
type SegmentWithDocument struct {
	Segment
	SourceType    string  `json:"source_type" db:"source_type"`
	SourceID      string  `json:"source_id" db:"source_id"`
	SourceURL     *string `json:"source_url,omitempty" db:"source_url"`
	DocumentTitle string  `json:"document_title" db:"document_title"`
}
