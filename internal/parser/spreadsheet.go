package parser

import (
	"bytes"
	"context"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/cairnkb/cairn/internal/apperr"
	"github.com/cairnkb/cairn/internal/connector"
)

// SpreadsheetParser renders every sheet of an xlsx workbook as a markdown
// table under a sheet heading.
type SpreadsheetParser struct{}

// ContentTypes lists the types this parser handles.
func (p *SpreadsheetParser) ContentTypes() []string {
	return []string{
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.ms-excel",
	}
}

// Parse opens the workbook from memory and renders each non-empty sheet.
func (p *SpreadsheetParser) Parse(ctx context.Context, raw *connector.RawDocument) (*ParsedDocument, error) {
	f, err := excelize.OpenReader(bytes.NewReader(raw.Content))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "corrupt spreadsheet", err)
	}
	defer f.Close()

	doc := &ParsedDocument{}
	var body strings.Builder
	body.WriteString("# " + raw.Title + "\n")
	doc.Headings = append(doc.Headings, Heading{Level: 1, Text: raw.Title})

	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}

		table := renderMarkdownTable(rows)
		body.WriteString("\n## " + sheet + "\n\n")
		body.WriteString(table)
		doc.Headings = append(doc.Headings, Heading{Level: 2, Text: sheet})
		doc.Tables = append(doc.Tables, Table{
			Name:     sheet,
			Markdown: table,
			Rows:     len(rows) - 1,
		})
	}

	doc.Markdown = body.String()
	return doc, nil
}

var _ Parser = (*SpreadsheetParser)(nil)
