package storage

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Cursor is an opaque keyset pagination token. It encodes the last row's id
// and sort value so listings stay stable without offset scans.
type Cursor struct {
	ID        uuid.UUID `json:"id"`
	SortValue string    `json:"sv"`
}

// Encode renders the cursor as opaque base64url JSON.
func (c Cursor) Encode() string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor parses an opaque cursor. An empty string is the zero cursor
// (first page).
func DecodeCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}

	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("decode cursor: %w", err)
	}

	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, fmt.Errorf("parse cursor: %w", err)
	}
	return c, nil
}

// IsZero reports whether the cursor points at the first page.
func (c Cursor) IsZero() bool {
	return c.ID == uuid.Nil && c.SortValue == ""
}

// SortTime parses the cursor's sort value as a timestamp.
func (c Cursor) SortTime() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, c.SortValue)
}

// TimeCursor builds a cursor from a row's id and creation time.
func TimeCursor(id uuid.UUID, t time.Time) Cursor {
	return Cursor{ID: id, SortValue: t.UTC().Format(time.RFC3339Nano)}
}

// Page is the generic paginated response envelope.
type Page[T any] struct {
	Items  []T    `json:"items"`
	Total  int    `json:"total"`
	Cursor string `json:"cursor"`
}
