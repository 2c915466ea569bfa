// Package sqlsandbox runs ad-hoc analytical SQL over tabular files
// registered at startup. Queries execute against an ephemeral in-memory
// engine materialized per call; the filesystem is only touched while the
// sandbox loads its tables, never during a query.
package sqlsandbox

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"unicode"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cairnkb/cairn/internal/apperr"
	"github.com/cairnkb/cairn/internal/observability"
)

// Config holds sandbox settings.
type Config struct {
	// DataDir is scanned once at construction for CSV, JSON, and XLSX files.
	DataDir string
	// MaxRows caps the result size of any query.
	MaxRows int
}

// QueryResult is the outcome of a successful sandbox query.
type QueryResult struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
	Truncated bool     `json:"truncated"`
}

// TableInfo describes one registered table for the catalogue.
type TableInfo struct {
	Name     string   `json:"name"`
	Source   string   `json:"source"`
	Columns  []string `json:"columns"`
	RowCount int      `json:"row_count"`
}

// Sandbox executes read-only queries over the registered tables.
type Sandbox struct {
	cfg    Config
	logger *observability.Logger
	tables []*table
}

// forbiddenKeywords lists SQL tokens that disqualify a query before it
// reaches the engine. Matching is word-boundary on the upper-cased
// tokenization, so a column named "inserted_rows" does not trip INSERT.
var forbiddenKeywords = map[string]struct{}{
	"INSERT": {}, "UPDATE": {}, "DELETE": {}, "DROP": {}, "CREATE": {},
	"ALTER": {}, "TRUNCATE": {}, "GRANT": {}, "REVOKE": {}, "EXEC": {},
	"EXECUTE": {}, "COPY": {}, "ATTACH": {}, "DETACH": {}, "PRAGMA": {},
	"INSTALL": {}, "LOAD": {}, "SET": {},
}

// New builds a sandbox by loading every supported file under cfg.DataDir.
// A missing or empty directory yields a sandbox with no tables; queries
// that reference no tables (SELECT 1) still work.
func New(cfg Config, logger *observability.Logger) (*Sandbox, error) {
	if cfg.MaxRows < 1 {
		return nil, apperr.Validation("sandbox max_rows must be positive")
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	log := logger.WithComponent("sqlsandbox")

	tables, err := loadTables(cfg.DataDir, log)
	if err != nil {
		return nil, err
	}

	for _, t := range tables {
		log.Info().
			Str("table", t.name).
			Str("source", t.source).
			Int("rows", len(t.rows)).
			Msg("Registered sandbox table")
	}

	return &Sandbox{cfg: cfg, logger: log, tables: tables}, nil
}

// Tables returns the registered table catalogue.
func (s *Sandbox) Tables() []TableInfo {
	infos := make([]TableInfo, 0, len(s.tables))
	for _, t := range s.tables {
		infos = append(infos, TableInfo{
			Name:     t.name,
			Source:   t.source,
			Columns:  append([]string(nil), t.columns...),
			RowCount: len(t.rows),
		})
	}
	return infos
}

// Query validates the statement, materializes an ephemeral engine, and
// executes the query wrapped in a row-capped SELECT. Guard failures return
// a validation error without touching the engine.
func (s *Sandbox) Query(ctx context.Context, query string) (*QueryResult, error) {
	if err := guard(query); err != nil {
		return nil, err
	}

	db, err := s.materialize(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	wrapped := fmt.Sprintf("SELECT * FROM ( %s ) LIMIT %d",
		stripTrailingSemicolon(query), s.cfg.MaxRows+1)

	rows, err := db.QueryContext(ctx, wrapped)
	if err != nil {
		return nil, apperr.Validation("Query failed: " + err.Error())
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, apperr.Internal("read result columns", err)
	}

	result := &QueryResult{Columns: columns, Rows: [][]any{}}
	for rows.Next() {
		values := make([]any, len(columns))
		scan := make([]any, len(columns))
		for i := range values {
			scan[i] = &values[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, apperr.Internal("scan result row", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Validation("Query failed: " + err.Error())
	}

	if len(result.Rows) > s.cfg.MaxRows {
		result.Rows = result.Rows[:s.cfg.MaxRows]
		result.Truncated = true
	}
	result.RowCount = len(result.Rows)

	s.logger.Debug().
		Int("rows", result.RowCount).
		Bool("truncated", result.Truncated).
		Msg("Sandbox query executed")

	return result, nil
}

// materialize opens a fresh in-memory engine and loads every registered
// table into it. The engine is private to one query.
func (s *Sandbox) materialize(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, apperr.Unavailable("open sandbox engine", err)
	}
	// A :memory: database exists per connection; a second connection would
	// see an empty schema.
	db.SetMaxOpenConns(1)

	for _, t := range s.tables {
		if err := t.create(ctx, db); err != nil {
			db.Close()
			return nil, apperr.Internal("materialize table "+t.name, err)
		}
	}

	return db, nil
}

// guard applies the pre-parse checks: multi-statement first (a non-trailing
// semicolon), then the keyword denylist over the upper-cased tokenization.
func guard(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return apperr.Validation("Query is empty.")
	}

	if i := strings.IndexByte(trimmed, ';'); i >= 0 && i != len(trimmed)-1 {
		return apperr.Validation("Multi-statement queries are not allowed.")
	}

	for _, token := range tokenize(strings.ToUpper(trimmed)) {
		if _, bad := forbiddenKeywords[token]; bad {
			return apperr.Validation("Only SELECT queries are allowed. Found forbidden keyword: " + token)
		}
	}

	return nil
}

// tokenize splits on word boundaries. Letters, digits, and underscore are
// word characters, matching \b semantics.
func tokenize(s string) []string {
	var tokens []string
	var current strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			current.WriteRune(r)
			continue
		}
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

func stripTrailingSemicolon(query string) string {
	return strings.TrimSuffix(strings.TrimSpace(query), ";")
}
