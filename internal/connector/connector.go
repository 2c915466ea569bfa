// Package connector enumerates document sources and fetches raw document
// bytes with metadata. Connectors are polymorphic over {list, fetch, cheap
// content hash}; the pipeline never cares where bytes come from.
package connector

import (
	"context"
	"time"
)

// DocumentRef identifies one document available from a source.
type DocumentRef struct {
	SourceID   string     `json:"source_id"`
	Title      string     `json:"title"`
	Owner      string     `json:"owner,omitempty"`
	SourceURL  string     `json:"source_url,omitempty"`
	ModifiedAt *time.Time `json:"modified_at,omitempty"`
}

// RawDocument is one fetched document: bytes plus the metadata the pipeline
// persists alongside them.
type RawDocument struct {
	Content     []byte
	ContentType string
	SourceID    string
	Title       string
	Owner       string
	SourceURL   string
	Metadata    map[string]string
}

// Connector is implemented once per source kind.
type Connector interface {
	// SourceType is the stable identifier stored on documents, e.g.
	// "markdown" or "gdrive".
	SourceType() string

	// List enumerates every document the source currently offers.
	List(ctx context.Context) ([]DocumentRef, error)

	// Fetch retrieves one document's bytes and metadata.
	Fetch(ctx context.Context, sourceID string) (*RawDocument, error)

	// ContentHash returns a cheap content hash for change detection: the
	// provider's server-side checksum when available, otherwise the SHA-256
	// of the fetched bytes.
	ContentHash(ctx context.Context, sourceID string) (string, error)
}
