package parser

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/cairnkb/cairn/internal/apperr"
	"github.com/cairnkb/cairn/internal/connector"
)

var headingPattern = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*$`)

// MarkdownParser decodes UTF-8 markdown and scans its heading outline. The
// body is passed through untouched; pipe tables stay inline for the chunker.
type MarkdownParser struct{}

// ContentTypes lists the types this parser handles.
func (p *MarkdownParser) ContentTypes() []string {
	return []string{"text/markdown", "text/plain"}
}

// Parse decodes the bytes and collects headings outside fenced code blocks.
func (p *MarkdownParser) Parse(ctx context.Context, raw *connector.RawDocument) (*ParsedDocument, error) {
	if !utf8.Valid(raw.Content) {
		return nil, apperr.Validation("document is not valid UTF-8")
	}
	body := string(raw.Content)

	var headings []Heading
	inFence := false
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		if m := headingPattern.FindStringSubmatch(line); m != nil {
			headings = append(headings, Heading{Level: len(m[1]), Text: m[2]})
		}
	}

	return &ParsedDocument{
		Markdown: body,
		Headings: headings,
	}, nil
}

var _ Parser = (*MarkdownParser)(nil)
