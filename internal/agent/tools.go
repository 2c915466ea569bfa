package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cairnkb/cairn/internal/apperr"
	"github.com/cairnkb/cairn/internal/graph"
	"github.com/cairnkb/cairn/internal/index"
	"github.com/cairnkb/cairn/internal/llm"
	"github.com/cairnkb/cairn/internal/observability"
	"github.com/cairnkb/cairn/internal/retrieval"
	"github.com/cairnkb/cairn/internal/sqlsandbox"
	"github.com/cairnkb/cairn/internal/storage"
)

// Tool names as the model sees them.
const (
	ToolSearchKnowledge    = "search_knowledge"
	ToolGetDocumentContext = "get_document_context"
	ToolGetChangeHistory   = "get_change_history"
	ToolQueryDatabase      = "query_database"
	ToolSearchEntities     = "search_entities"
)

// Citation points an answer back at its source material.
type Citation struct {
	DocumentTitle string  `json:"document_title"`
	SectionPath   *string `json:"section_path,omitempty"`
	SourceURL     string  `json:"source_url,omitempty"`
	SegmentID     string  `json:"segment_id,omitempty"`
}

// ToolOutput is what every tool returns: text for the model plus any
// citations gathered along the way.
type ToolOutput struct {
	Text      string
	Citations []Citation
}

// ToolboxOptions tunes tool behavior.
type ToolboxOptions struct {
	// SearchTopK is how many results search_knowledge returns. Defaults to 5.
	SearchTopK int

	// GraphContext augments search_knowledge output with knowledge-graph
	// facts when a graph store is wired.
	GraphContext bool
}

// Toolbox dispatches the model's tool calls against the service's stores.
// Failures never escape as errors; they become textual results so the model
// can react.
type Toolbox struct {
	retriever *retrieval.Retriever
	repos     *storage.Repositories
	sandbox   *sqlsandbox.Sandbox
	graph     graph.Store
	opts      ToolboxOptions
	logger    *observability.Logger
}

// NewToolbox wires the tool catalogue. sandbox and graphStore may be nil;
// the affected tools then answer with a not-configured message.
func NewToolbox(retriever *retrieval.Retriever, repos *storage.Repositories, sandbox *sqlsandbox.Sandbox, graphStore graph.Store, opts ToolboxOptions, logger *observability.Logger) *Toolbox {
	if opts.SearchTopK <= 0 {
		opts.SearchTopK = 5
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Toolbox{
		retriever: retriever,
		repos:     repos,
		sandbox:   sandbox,
		graph:     graphStore,
		opts:      opts,
		logger:    logger.WithComponent("agent.tools"),
	}
}

// Definitions returns the tool catalogue handed to the model.
func (t *Toolbox) Definitions() []llm.Tool {
	return []llm.Tool{
		{
			Name:        ToolSearchKnowledge,
			Description: "Search the knowledge base for passages relevant to a query. Returns the best-matching segments with their source documents.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "description": "What to search for."},
					"source_type": {"type": "string", "description": "Optional source type filter, e.g. filesystem or drive."}
				},
				"required": ["query"]
			}`),
		},
		{
			Name:        ToolGetDocumentContext,
			Description: "Fetch one whole document by title or source id and return its full content in order.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"document_title": {"type": "string", "description": "Title of the document to fetch."},
					"source_id": {"type": "string", "description": "Source id of the document to fetch."}
				}
			}`),
		},
		{
			Name:        ToolGetChangeHistory,
			Description: "List recent ingestion activity: which documents were created, updated, or skipped, and when.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"document_title": {"type": "string", "description": "Optional title fragment to filter by."},
					"limit": {"type": "integer", "description": "How many entries to return. Default 10."}
				}
			}`),
		},
		{
			Name:        ToolQueryDatabase,
			Description: "Run a read-only SQL query over the registered analytics tables. Set list_tables to true to see the available tables first.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"sql": {"type": "string", "description": "A single SELECT statement."},
					"list_tables": {"type": "boolean", "description": "Return the table catalogue instead of running a query."}
				}
			}`),
		},
		{
			Name:        ToolSearchEntities,
			Description: "Search structured entities extracted from documents: metric_definition, event_tracking_spec, or kpi_target records.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"search_term": {"type": "string", "description": "Text to match against entity payloads."},
					"entity_type": {"type": "string", "enum": ["metric_definition", "event_tracking_spec", "kpi_target"], "description": "Optional entity type filter."},
					"limit": {"type": "integer", "description": "How many entities to return. Default 10."}
				},
				"required": ["search_term"]
			}`),
		},
	}
}

// Dispatch runs one tool call. It never returns an error: unknown tools and
// tool failures become textual results.
func (t *Toolbox) Dispatch(ctx context.Context, call llm.ToolCall) *ToolOutput {
	out, err := t.run(ctx, call)
	if err != nil {
		t.logger.Warn().
			Err(err).
			Str("tool", call.Name).
			Msg("Tool call failed")
		return &ToolOutput{Text: fmt.Sprintf("Tool %s failed: %s", call.Name, apperr.PublicMessage(err))}
	}
	return out
}

func (t *Toolbox) run(ctx context.Context, call llm.ToolCall) (*ToolOutput, error) {
	switch call.Name {
	case ToolSearchKnowledge:
		return t.searchKnowledge(ctx, call.Arguments)
	case ToolGetDocumentContext:
		return t.getDocumentContext(ctx, call.Arguments)
	case ToolGetChangeHistory:
		return t.getChangeHistory(ctx, call.Arguments)
	case ToolQueryDatabase:
		return t.queryDatabase(ctx, call.Arguments)
	case ToolSearchEntities:
		return t.searchEntities(ctx, call.Arguments)
	default:
		return &ToolOutput{Text: fmt.Sprintf("Unknown tool: %s", call.Name)}, nil
	}
}

func (t *Toolbox) searchKnowledge(ctx context.Context, args json.RawMessage) (*ToolOutput, error) {
	var input struct {
		Query      string `json:"query"`
		SourceType string `json:"source_type"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, apperr.Validation("search_knowledge: invalid arguments: " + err.Error())
	}
	if strings.TrimSpace(input.Query) == "" {
		return &ToolOutput{Text: "search_knowledge requires a non-empty query."}, nil
	}

	req := retrieval.SearchRequest{Query: input.Query, TopK: t.opts.SearchTopK}
	if input.SourceType != "" {
		req.Filter = index.Filter{Terms: []index.Term{index.Eq(index.FieldSourceType, input.SourceType)}}
	}

	results, err := t.retriever.Search(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return &ToolOutput{Text: fmt.Sprintf("No results found for %q.", input.Query)}, nil
	}

	var b strings.Builder
	citations := make([]Citation, 0, len(results))
	for i, r := range results {
		label := sourceLabel(r.DocumentTitle, r.SectionPath)
		fmt.Fprintf(&b, "%d. [Source: %s]\n%s\n\n", i+1, label, strings.TrimSpace(r.Content))
		citations = append(citations, Citation{
			DocumentTitle: r.DocumentTitle,
			SectionPath:   r.SectionPath,
			SourceURL:     r.SourceURL,
			SegmentID:     r.SegmentID.String(),
		})
	}

	if t.opts.GraphContext && t.graph != nil {
		edges, gerr := t.graph.Search(ctx, input.Query, 5)
		if gerr != nil {
			t.logger.Warn().Err(gerr).Msg("Graph context lookup failed")
		} else if len(edges) > 0 {
			b.WriteString("Related knowledge graph facts:\n")
			for _, e := range edges {
				fmt.Fprintf(&b, "- %s (as of %s)\n", e.Fact, e.ValidAt.UTC().Format("2006-01-02"))
			}
		}
	}

	return &ToolOutput{Text: strings.TrimSpace(b.String()), Citations: citations}, nil
}

func (t *Toolbox) getDocumentContext(ctx context.Context, args json.RawMessage) (*ToolOutput, error) {
	var input struct {
		DocumentTitle string `json:"document_title"`
		SourceID      string `json:"source_id"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, apperr.Validation("get_document_context: invalid arguments: " + err.Error())
	}
	if input.DocumentTitle == "" && input.SourceID == "" {
		return &ToolOutput{Text: "get_document_context requires document_title or source_id."}, nil
	}

	doc, err := t.lookupDocument(ctx, input.DocumentTitle, input.SourceID)
	if errors.Is(err, storage.ErrNotFound) {
		ref := input.DocumentTitle
		if ref == "" {
			ref = input.SourceID
		}
		return &ToolOutput{Text: fmt.Sprintf("Document not found: %s", ref)}, nil
	}
	if err != nil {
		return nil, err
	}

	segments, err := t.repos.Segments.ListByDocument(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return &ToolOutput{Text: fmt.Sprintf("Document %q has no content.", doc.Title)}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Document: %s\n\n", doc.Title)
	for _, seg := range segments {
		b.WriteString(strings.TrimSpace(seg.Content))
		b.WriteString("\n\n")
	}

	citation := Citation{DocumentTitle: doc.Title}
	if doc.SourceURL != nil {
		citation.SourceURL = *doc.SourceURL
	}

	return &ToolOutput{Text: strings.TrimSpace(b.String()), Citations: []Citation{citation}}, nil
}

// lookupDocument resolves by source id first, then exact title, then title
// fragment.
func (t *Toolbox) lookupDocument(ctx context.Context, title, sourceID string) (*storage.Document, error) {
	if sourceID != "" {
		return t.repos.Documents.GetBySourceID(ctx, sourceID)
	}

	doc, err := t.repos.Documents.GetByTitle(ctx, title)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	matches, err := t.repos.Documents.SearchByTitle(ctx, title, 1)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, storage.ErrNotFound
	}
	return &matches[0], nil
}

func (t *Toolbox) getChangeHistory(ctx context.Context, args json.RawMessage) (*ToolOutput, error) {
	var input struct {
		DocumentTitle string `json:"document_title"`
		Limit         int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, apperr.Validation("get_change_history: invalid arguments: " + err.Error())
	}
	if input.Limit <= 0 {
		input.Limit = 10
	}
	if input.Limit > 50 {
		input.Limit = 50
	}

	entries, err := t.repos.SyncLogs.ListRecent(ctx, input.DocumentTitle, input.Limit)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return &ToolOutput{Text: "No ingestion history found."}, nil
	}

	var b strings.Builder
	b.WriteString("Recent ingestion activity:\n")
	for _, e := range entries {
		title := "unknown"
		if e.DocumentTitle != nil {
			title = *e.DocumentTitle
		}
		fmt.Fprintf(&b, "- %s %s %q (%d segments)\n",
			e.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
			e.Action, title, e.SegmentsAffected)
	}

	return &ToolOutput{Text: strings.TrimSpace(b.String())}, nil
}

func (t *Toolbox) queryDatabase(ctx context.Context, args json.RawMessage) (*ToolOutput, error) {
	var input struct {
		SQL        string `json:"sql"`
		ListTables bool   `json:"list_tables"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, apperr.Validation("query_database: invalid arguments: " + err.Error())
	}

	if t.sandbox == nil {
		return &ToolOutput{Text: "The analytics database is not configured."}, nil
	}

	if input.ListTables {
		tables := t.sandbox.Tables()
		if len(tables) == 0 {
			return &ToolOutput{Text: "No tables are registered."}, nil
		}
		var b strings.Builder
		b.WriteString("Available tables:\n")
		for _, ti := range tables {
			fmt.Fprintf(&b, "- %s (%d rows): %s\n", ti.Name, ti.RowCount, strings.Join(ti.Columns, ", "))
		}
		return &ToolOutput{Text: strings.TrimSpace(b.String())}, nil
	}

	if strings.TrimSpace(input.SQL) == "" {
		return &ToolOutput{Text: "query_database requires sql or list_tables."}, nil
	}

	result, err := t.sandbox.Query(ctx, input.SQL)
	if err != nil {
		// Guard and execution failures are part of the tool's contract; the
		// model sees the message and can correct the query.
		return &ToolOutput{Text: apperr.PublicMessage(err)}, nil
	}

	return &ToolOutput{Text: formatQueryResult(result)}, nil
}

func formatQueryResult(result *sqlsandbox.QueryResult) string {
	if result.RowCount == 0 {
		return "The query returned no rows."
	}

	var b strings.Builder
	b.WriteString(strings.Join(result.Columns, " | "))
	b.WriteString("\n")
	for _, row := range result.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			if v == nil {
				cells[i] = "NULL"
				continue
			}
			cells[i] = fmt.Sprintf("%v", v)
		}
		b.WriteString(strings.Join(cells, " | "))
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "(%d rows", result.RowCount)
	if result.Truncated {
		b.WriteString(", truncated")
	}
	b.WriteString(")")
	return b.String()
}

func (t *Toolbox) searchEntities(ctx context.Context, args json.RawMessage) (*ToolOutput, error) {
	var input struct {
		SearchTerm string `json:"search_term"`
		EntityType string `json:"entity_type"`
		Limit      int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, apperr.Validation("search_entities: invalid arguments: " + err.Error())
	}
	if strings.TrimSpace(input.SearchTerm) == "" {
		return &ToolOutput{Text: "search_entities requires a search_term."}, nil
	}
	if input.Limit <= 0 {
		input.Limit = 10
	}

	entityType := storage.EntityType(input.EntityType)
	if input.EntityType != "" && !storage.ValidEntityType(entityType) {
		return &ToolOutput{Text: fmt.Sprintf(
			"Unknown entity_type %q. Valid types: metric_definition, event_tracking_spec, kpi_target.",
			input.EntityType)}, nil
	}

	entities, err := t.repos.Entities.Search(ctx, input.SearchTerm, entityType, input.Limit)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return &ToolOutput{Text: fmt.Sprintf("No entities match %q.", input.SearchTerm)}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d entities:\n", len(entities))
	for _, e := range entities {
		fmt.Fprintf(&b, "- [%s] %s (confidence %.2f)\n", e.EntityType, compactJSON(e.EntityData), e.Confidence)
	}

	return &ToolOutput{Text: strings.TrimSpace(b.String())}, nil
}

// sourceLabel renders the inline citation label used across tool output.
func sourceLabel(title string, sectionPath *string) string {
	if sectionPath != nil && *sectionPath != "" {
		return title + " > " + *sectionPath
	}
	if title == "" {
		return "unknown"
	}
	return title
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
