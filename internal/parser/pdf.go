package parser

import (
	"bytes"
	"context"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/cairnkb/cairn/internal/apperr"
	"github.com/cairnkb/cairn/internal/connector"
)

// PDFParser extracts page text into markdown. Lines that look like headings
// (short all-caps, or numbered like "2.1 Scope") become markdown headings so
// the chunker can build section paths.
type PDFParser struct{}

// ContentTypes lists the types this parser handles.
func (p *PDFParser) ContentTypes() []string {
	return []string{"application/pdf"}
}

// Parse reads the PDF from memory, page by page. Pages that fail text
// extraction are skipped rather than failing the document.
func (p *PDFParser) Parse(ctx context.Context, raw *connector.RawDocument) (*ParsedDocument, error) {
	reader, err := pdf.NewReader(bytes.NewReader(raw.Content), int64(len(raw.Content)))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "corrupt PDF", err)
	}

	doc := &ParsedDocument{}
	var body strings.Builder
	body.WriteString("# " + raw.Title + "\n")
	doc.Headings = append(doc.Headings, Heading{Level: 1, Text: raw.Title})

	for i := 1; i <= reader.NumPage(); i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		for _, line := range strings.Split(text, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				body.WriteString("\n")
				continue
			}
			if level := pdfHeadingLevel(trimmed); level > 0 {
				body.WriteString("\n" + strings.Repeat("#", level) + " " + trimmed + "\n\n")
				doc.Headings = append(doc.Headings, Heading{Level: level, Text: trimmed})
			} else {
				body.WriteString(trimmed + "\n")
			}
		}
	}

	doc.Markdown = body.String()
	return doc, nil
}

// pdfHeadingLevel guesses whether a line is a heading: zero means prose.
// Short all-caps lines are level 2; numbered prefixes use their dot depth.
func pdfHeadingLevel(line string) int {
	if len(line) > 100 {
		return 0
	}
	if len(line) > 2 && line == strings.ToUpper(line) && strings.ContainsAny(line, "ABCDEFGHIJKLMNOPQRSTUVWXYZ") {
		return 2
	}
	if line[0] >= '0' && line[0] <= '9' {
		head, _, found := strings.Cut(line, " ")
		if found && strings.Count(head, ".") > 0 && strings.Trim(head, "0123456789.") == "" {
			level := strings.Count(strings.TrimRight(head, "."), ".") + 2
			if level > 6 {
				level = 6
			}
			return level
		}
	}
	return 0
}

var _ Parser = (*PDFParser)(nil)
