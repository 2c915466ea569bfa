// Package parser transforms raw document bytes into a structured document:
// a markdown body plus ordered tables, ordered images, and the heading
// outline. Parsers are selected by content type; all of them work on
// in-memory bytes so there are no temp files to clean up.
package parser

import (
	"context"
	"fmt"
	"mime"
	"strings"

	"github.com/cairnkb/cairn/internal/apperr"
	"github.com/cairnkb/cairn/internal/connector"
)

// Heading is one entry of the document outline.
type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
}

// Table is one extracted table rendered as a markdown table.
type Table struct {
	Name     string `json:"name"`
	Markdown string `json:"markdown"`
	Rows     int    `json:"rows"`
}

// Image carries image bytes through to the multimodal stage.
type Image struct {
	Data    []byte `json:"-"`
	Caption string `json:"caption,omitempty"`
	Page    int    `json:"page,omitempty"`
}

// ParsedDocument is the parser output the chunker consumes.
type ParsedDocument struct {
	Markdown string
	Tables   []Table
	Images   []Image
	Headings []Heading
}

// Parser turns one content type's bytes into a ParsedDocument.
type Parser interface {
	Parse(ctx context.Context, raw *connector.RawDocument) (*ParsedDocument, error)
	ContentTypes() []string
}

// Registry selects a parser by content type.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry creates a registry with the built-in parsers registered.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	for _, p := range []Parser{
		&MarkdownParser{},
		&CSVParser{},
		&SpreadsheetParser{},
		&PDFParser{},
	} {
		for _, ct := range p.ContentTypes() {
			r.parsers[ct] = p
		}
	}
	return r
}

// Register adds or replaces the parser for a content type.
func (r *Registry) Register(contentType string, p Parser) {
	r.parsers[normalizeContentType(contentType)] = p
}

// Get returns the parser for a content type.
func (r *Registry) Get(contentType string) (Parser, error) {
	p, ok := r.parsers[normalizeContentType(contentType)]
	if !ok {
		return nil, apperr.Validation(fmt.Sprintf("unsupported content type %q", contentType))
	}
	return p, nil
}

// Parse dispatches raw to the parser registered for its content type.
func (r *Registry) Parse(ctx context.Context, raw *connector.RawDocument) (*ParsedDocument, error) {
	p, err := r.Get(raw.ContentType)
	if err != nil {
		return nil, err
	}
	return p.Parse(ctx, raw)
}

// normalizeContentType strips parameters like "; charset=utf-8".
func normalizeContentType(ct string) string {
	if parsed, _, err := mime.ParseMediaType(ct); err == nil {
		return parsed
	}
	return strings.ToLower(strings.TrimSpace(ct))
}
