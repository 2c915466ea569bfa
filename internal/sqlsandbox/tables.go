package sqlsandbox

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/cairnkb/cairn/internal/apperr"
	"github.com/cairnkb/cairn/internal/observability"
)

// table holds one registered table's data, parsed at load time.
type table struct {
	name    string
	source  string
	columns []string
	types   []string // sqlite affinity per column: INTEGER, REAL, or TEXT
	rows    [][]string
}

// loadTables scans dir for CSV, JSON, and XLSX files and parses each into a
// table. Files that fail to parse are skipped with a warning so one bad file
// does not take the whole sandbox down. Directory entries are visited in
// sorted order; on a name collision the first file wins.
func loadTables(dir string, logger *observability.Logger) ([]*table, error) {
	if dir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debug().Str("dir", dir).Msg("Sandbox data directory does not exist")
			return nil, nil
		}
		return nil, apperr.Unavailable("read sandbox data directory", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var tables []*table
	seen := map[string]string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		ext := strings.ToLower(filepath.Ext(entry.Name()))

		var t *table
		switch ext {
		case ".csv":
			t, err = loadCSV(path)
		case ".json":
			t, err = loadJSON(path)
		case ".xlsx":
			t, err = loadXLSX(path)
		default:
			continue
		}
		if err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Skipping unparseable sandbox file")
			continue
		}

		if prior, dup := seen[t.name]; dup {
			logger.Warn().
				Str("table", t.name).
				Str("file", entry.Name()).
				Str("registered_from", prior).
				Msg("Skipping file with colliding table name")
			continue
		}
		seen[t.name] = entry.Name()

		t.types = inferColumnTypes(t.columns, t.rows)
		tables = append(tables, t)
	}

	return tables, nil
}

// TableName derives a SQL identifier from a filename: extension dropped,
// lower-cased, runs of non-alphanumerics collapsed to underscore.
func TableName(filename string) string {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(base) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	name := strings.TrimSuffix(b.String(), "_")
	if name == "" {
		name = "table"
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "t_" + name
	}
	return name
}

func loadCSV(path string) (*table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("csv file is empty")
	}

	header := records[0]
	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = columnName(h, i)
	}

	rows := make([][]string, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make([]string, len(columns))
		copy(row, record)
		rows = append(rows, row)
	}

	return &table{
		name:    TableName(path),
		source:  filepath.Base(path),
		columns: columns,
		rows:    rows,
	}, nil
}

// loadJSON expects an array of flat objects. Columns are the sorted union
// of keys so the schema is stable regardless of per-object key order.
func loadJSON(path string) (*table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var objects []map[string]any
	if err := json.Unmarshal(data, &objects); err != nil {
		return nil, fmt.Errorf("parse json: expected an array of objects: %w", err)
	}
	if len(objects) == 0 {
		return nil, fmt.Errorf("json file has no records")
	}

	keySet := map[string]struct{}{}
	for _, obj := range objects {
		for k := range obj {
			keySet[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	columns := make([]string, len(keys))
	for i, k := range keys {
		columns[i] = columnName(k, i)
	}

	rows := make([][]string, 0, len(objects))
	for _, obj := range objects {
		row := make([]string, len(keys))
		for i, k := range keys {
			row[i] = jsonCell(obj[k])
		}
		rows = append(rows, row)
	}

	return &table{
		name:    TableName(path),
		source:  filepath.Base(path),
		columns: columns,
		rows:    rows,
	}, nil
}

// loadXLSX reads the first sheet; the first row is the header.
func loadXLSX(path string) (*table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("xlsx has no sheets")
	}

	records, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read xlsx rows: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("xlsx sheet is empty")
	}

	header := records[0]
	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = columnName(h, i)
	}

	rows := make([][]string, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make([]string, len(columns))
		copy(row, record)
		rows = append(rows, row)
	}

	return &table{
		name:    TableName(path),
		source:  filepath.Base(path),
		columns: columns,
		rows:    rows,
	}, nil
}

// columnName normalizes a header cell the same way table names are
// normalized; blank headers get a positional name.
func columnName(header string, position int) string {
	name := TableName(header)
	if name == "table" && strings.TrimSpace(header) == "" {
		return fmt.Sprintf("column_%d", position+1)
	}
	return name
}

// inferColumnTypes picks a sqlite affinity per column: INTEGER if every
// non-empty cell parses as an integer, REAL if every non-empty cell parses
// as a number, TEXT otherwise. Empty columns stay TEXT.
func inferColumnTypes(columns []string, rows [][]string) []string {
	types := make([]string, len(columns))
	for i := range columns {
		allInt, allReal, seen := true, true, false
		for _, row := range rows {
			if i >= len(row) || strings.TrimSpace(row[i]) == "" {
				continue
			}
			seen = true
			cell := strings.TrimSpace(row[i])
			if _, err := strconv.ParseInt(cell, 10, 64); err != nil {
				allInt = false
			}
			if _, err := strconv.ParseFloat(cell, 64); err != nil {
				allReal = false
			}
		}
		switch {
		case !seen:
			types[i] = "TEXT"
		case allInt:
			types[i] = "INTEGER"
		case allReal:
			types[i] = "REAL"
		default:
			types[i] = "TEXT"
		}
	}
	return types
}

// create materializes this table in the given engine.
func (t *table) create(ctx context.Context, db *sql.DB) error {
	defs := make([]string, len(t.columns))
	for i, col := range t.columns {
		defs[i] = fmt.Sprintf("%q %s", col, t.types[i])
	}
	ddl := fmt.Sprintf("CREATE TABLE %q (%s)", t.name, strings.Join(defs, ", "))
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	if len(t.rows) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?, ", len(t.columns))
	insert := fmt.Sprintf("INSERT INTO %q VALUES (%s)", t.name, strings.TrimSuffix(placeholders, ", "))

	for _, row := range t.rows {
		args := make([]any, len(t.columns))
		for i := range t.columns {
			var cell string
			if i < len(row) {
				cell = row[i]
			}
			args[i] = typedCell(cell, t.types[i])
		}
		if _, err := db.ExecContext(ctx, insert, args...); err != nil {
			return fmt.Errorf("insert row: %w", err)
		}
	}

	return nil
}

// typedCell converts a raw cell to the value matching the column affinity.
// Unparseable or empty numeric cells become NULL.
func typedCell(cell, affinity string) any {
	trimmed := strings.TrimSpace(cell)
	switch affinity {
	case "INTEGER":
		if v, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return v
		}
		return nil
	case "REAL":
		if v, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return v
		}
		return nil
	default:
		return cell
	}
}

// jsonCell renders a JSON value as a cell string.
func jsonCell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(encoded)
	}
}
