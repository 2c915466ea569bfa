package parser

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/cairnkb/cairn/internal/apperr"
	"github.com/cairnkb/cairn/internal/connector"
)

// CSVParser renders a CSV file as one markdown table. The first record is
// treated as the header row.
type CSVParser struct{}

// ContentTypes lists the types this parser handles.
func (p *CSVParser) ContentTypes() []string {
	return []string{"text/csv"}
}

// Parse reads all records and renders them as a markdown table.
func (p *CSVParser) Parse(ctx context.Context, raw *connector.RawDocument) (*ParsedDocument, error) {
	reader := csv.NewReader(bytes.NewReader(raw.Content))
	reader.FieldsPerRecord = -1

	var records [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "corrupt CSV input", err)
		}
		records = append(records, record)
	}
	if len(records) == 0 {
		return &ParsedDocument{}, nil
	}

	table := renderMarkdownTable(records)
	body := "# " + raw.Title + "\n\n" + table

	return &ParsedDocument{
		Markdown: body,
		Tables: []Table{{
			Name:     raw.Title,
			Markdown: table,
			Rows:     len(records) - 1,
		}},
		Headings: []Heading{{Level: 1, Text: raw.Title}},
	}, nil
}

// renderMarkdownTable renders records as a pipe table with the first record
// as header. Cell pipes are escaped so rows stay one line each.
func renderMarkdownTable(records [][]string) string {
	var b strings.Builder
	for i, record := range records {
		b.WriteString("|")
		for _, cell := range record {
			b.WriteString(" ")
			b.WriteString(strings.ReplaceAll(strings.TrimSpace(cell), "|", "\\|"))
			b.WriteString(" |")
		}
		b.WriteString("\n")
		if i == 0 {
			b.WriteString("|")
			b.WriteString(strings.Repeat(" --- |", len(record)))
			b.WriteString("\n")
		}
	}
	return b.String()
}

var _ Parser = (*CSVParser)(nil)
