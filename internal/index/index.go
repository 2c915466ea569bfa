// Package index maintains the secondary search indexes over segments: a
// lexical inverted index and a vector similarity index. The relational store
// is authoritative; everything here can be rebuilt from it.
package index

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Filter field names.
const (
	FieldSourceType = "source_type"
	FieldSourceID   = "source_id"
	FieldProject    = "project"
	FieldOwner      = "owner"
	FieldTags       = "tags"
	FieldUpdatedAt  = "updated_at"
)

// Op is a filter comparison operator.
type Op string

const (
	OpEq  Op = "="
	OpGTE Op = ">="
	OpLTE Op = "<="
)

// Term is one filter condition. Range operators apply to updated_at only;
// every other field is an equality term. Time values are RFC 3339 strings.
type Term struct {
	Field string
	Op    Op
	Value string
}

// Filter is a conjunction of terms. The zero value matches everything.
type Filter struct {
	Terms []Term
}

// Eq builds an equality term.
func Eq(field, value string) Term {
	return Term{Field: field, Op: OpEq, Value: value}
}

// Tag builds a tag membership term.
func Tag(value string) Term {
	return Eq(FieldTags, value)
}

// UpdatedAfter bounds document update time from below, inclusive.
func UpdatedAfter(t time.Time) Term {
	return Term{Field: FieldUpdatedAt, Op: OpGTE, Value: t.UTC().Format(time.RFC3339)}
}

// UpdatedBefore bounds document update time from above, inclusive.
func UpdatedBefore(t time.Time) Term {
	return Term{Field: FieldUpdatedAt, Op: OpLTE, Value: t.UTC().Format(time.RFC3339)}
}

// IsZero reports whether the filter has no terms.
func (f Filter) IsZero() bool {
	return len(f.Terms) == 0
}

// Matches evaluates the conjunction against segment attributes.
func (f Filter) Matches(a Attributes) bool {
	for _, t := range f.Terms {
		if !t.matches(a) {
			return false
		}
	}
	return true
}

func (t Term) matches(a Attributes) bool {
	switch t.Field {
	case FieldSourceType:
		return t.Op == OpEq && a.SourceType == t.Value
	case FieldSourceID:
		return t.Op == OpEq && a.SourceID == t.Value
	case FieldProject:
		return t.Op == OpEq && a.Project == t.Value
	case FieldOwner:
		return t.Op == OpEq && a.Owner == t.Value
	case FieldTags:
		if t.Op != OpEq {
			return false
		}
		for _, tag := range a.Tags {
			if tag == t.Value {
				return true
			}
		}
		return false
	case FieldUpdatedAt:
		bound, err := time.Parse(time.RFC3339, t.Value)
		if err != nil {
			return false
		}
		switch t.Op {
		case OpGTE:
			return !a.UpdatedAt.Before(bound)
		case OpLTE:
			return !a.UpdatedAt.After(bound)
		}
		return false
	}
	return false
}

// Canonical renders the filter as a stable string for cache keys. Term order
// does not affect the result.
func (f Filter) Canonical() string {
	if len(f.Terms) == 0 {
		return ""
	}
	parts := make([]string, len(f.Terms))
	for i, t := range f.Terms {
		parts[i] = t.Field + string(t.Op) + t.Value
	}
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// Attributes are the filterable properties of an indexed segment.
type Attributes struct {
	SourceType string
	SourceID   string
	Project    string
	Owner      string
	Tags       []string
	UpdatedAt  time.Time
}

// Entry is one segment as handed to the index. Beyond the searchable content
// and vector it carries the denormalized display fields search results need,
// so hydrating a hit never goes back to the relational store.
type Entry struct {
	SegmentID     uuid.UUID
	DocumentID    uuid.UUID
	Content       string
	Vector        []float32
	SourceURL     string
	DocumentTitle string
	SectionPath   *string
	SegmentType   string
	Position      int
	Attributes
}

// Hit is one search result.
type Hit struct {
	SegmentID uuid.UUID
	Score     float64
}

// SegmentIndex is the secondary index over segments. Writes are visible to
// queries issued immediately after they return.
type SegmentIndex interface {
	// EnsureReady prepares the index for vectors of the given width.
	EnsureReady(dimensions int) error

	// BulkUpsert indexes entries by segment id, replacing existing ones.
	BulkUpsert(ctx context.Context, entries []Entry) (int, error)

	// DeleteByDocument removes every segment of a document, returning how
	// many were dropped.
	DeleteByDocument(ctx context.Context, documentID uuid.UUID) (int, error)

	// SearchText returns the top k segments by lexical relevance.
	SearchText(ctx context.Context, query string, filter Filter, k int) ([]Hit, error)

	// SearchVector returns the top k segments by cosine similarity, drawn
	// from a pool of numCandidates.
	SearchVector(ctx context.Context, vector []float32, filter Filter, k, numCandidates int) ([]Hit, error)

	// Get returns the stored entry for a segment, if indexed.
	Get(segmentID uuid.UUID) (Entry, bool)

	// Count returns the number of indexed segments.
	Count() int

	Close() error
}
