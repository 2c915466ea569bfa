package sqlsandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cairnkb/cairn/internal/apperr"
	"github.com/cairnkb/cairn/internal/observability"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func newTestSandbox(t *testing.T, files map[string]string) *Sandbox {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		writeFile(t, dir, name, content)
	}
	s, err := New(Config{DataDir: dir, MaxRows: 200}, observability.NopLogger())
	require.NoError(t, err)
	return s
}

func TestQueryCountOverCSV(t *testing.T) {
	s := newTestSandbox(t, map[string]string{
		"sales.csv": "region,amount\nnorth,100\nsouth,250\neast,75\nwest,50\n",
	})

	result, err := s.Query(context.Background(), "SELECT COUNT(*) FROM sales")
	require.NoError(t, err)

	assert.Equal(t, 1, result.RowCount)
	require.Len(t, result.Rows, 1)
	assert.EqualValues(t, 4, result.Rows[0][0])
	assert.False(t, result.Truncated)
}

func TestQueryAggregatesTypedColumns(t *testing.T) {
	s := newTestSandbox(t, map[string]string{
		"sales.csv": "region,amount\nnorth,100\nsouth,250\neast,75\nwest,50\n",
	})

	result, err := s.Query(context.Background(),
		"SELECT region, amount FROM sales WHERE amount > 80 ORDER BY amount DESC")
	require.NoError(t, err)

	assert.Equal(t, []string{"region", "amount"}, result.Columns)
	require.Equal(t, 2, result.RowCount)
	assert.Equal(t, "south", result.Rows[0][0])
	assert.EqualValues(t, 250, result.Rows[0][1])
	assert.Equal(t, "north", result.Rows[1][0])
}

func TestGuardRejectsWrites(t *testing.T) {
	s := newTestSandbox(t, nil)

	cases := []string{
		"INSERT INTO t VALUES (1)",
		"insert into t values (1)",
		"UPDATE t SET x = 1",
		"DELETE FROM t",
		"DROP TABLE t",
		"CREATE TABLE t (x INT)",
		"SELECT * FROM t; PRAGMA table_info(t)",
		"ATTACH DATABASE 'x' AS y",
	}

	for _, q := range cases {
		_, err := s.Query(context.Background(), q)
		require.Error(t, err, "query should be rejected: %s", q)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	}
}

func TestGuardRejectsMultiStatement(t *testing.T) {
	s := newTestSandbox(t, nil)

	_, err := s.Query(context.Background(), "SELECT 1; DROP TABLE t")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Multi-statement queries are not allowed.")
}

func TestGuardAllowsTrailingSemicolon(t *testing.T) {
	s := newTestSandbox(t, nil)

	result, err := s.Query(context.Background(), "SELECT 1;")
	require.NoError(t, err)
	assert.Equal(t, 1, result.RowCount)
}

func TestGuardWordBoundary(t *testing.T) {
	// Identifiers that merely contain a forbidden keyword must pass; the
	// underscore keeps them a single word.
	s := newTestSandbox(t, map[string]string{
		"inserted_rows.csv": "set_points,updated_at\n3,2024-01-01\n",
	})

	result, err := s.Query(context.Background(),
		"SELECT set_points, updated_at FROM inserted_rows")
	require.NoError(t, err)
	assert.Equal(t, 1, result.RowCount)

	// The bare keyword as its own token is still rejected.
	_, err = s.Query(context.Background(), "SELECT 1 FROM inserted_rows WHERE set_points = SET")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SET")
}

func TestGuardErrorsNameTheKeyword(t *testing.T) {
	s := newTestSandbox(t, nil)

	_, err := s.Query(context.Background(), "DROP TABLE sales")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Only SELECT queries are allowed.")
	assert.Contains(t, err.Error(), "DROP")
}

func TestTruncationAtMaxRows(t *testing.T) {
	dir := t.TempDir()
	content := "n\n"
	for i := 0; i < 10; i++ {
		content += "1\n"
	}
	writeFile(t, dir, "numbers.csv", content)

	s, err := New(Config{DataDir: dir, MaxRows: 5}, observability.NopLogger())
	require.NoError(t, err)

	result, err := s.Query(context.Background(), "SELECT n FROM numbers")
	require.NoError(t, err)
	assert.Equal(t, 5, result.RowCount)
	assert.Len(t, result.Rows, 5)
	assert.True(t, result.Truncated)

	// Exactly max_rows rows is not truncation.
	result, err = s.Query(context.Background(), "SELECT n FROM numbers LIMIT 5")
	require.NoError(t, err)
	assert.Equal(t, 5, result.RowCount)
	assert.False(t, result.Truncated)
}

func TestQueryUnknownTableReturnsError(t *testing.T) {
	s := newTestSandbox(t, nil)

	_, err := s.Query(context.Background(), "SELECT * FROM missing")
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestQueriesAreIsolated(t *testing.T) {
	// Each query gets its own engine, so temp state cannot leak between
	// calls even if a guard gap ever let one through.
	s := newTestSandbox(t, map[string]string{
		"sales.csv": "region,amount\nnorth,100\n",
	})

	first, err := s.Query(context.Background(), "SELECT COUNT(*) FROM sales")
	require.NoError(t, err)
	second, err := s.Query(context.Background(), "SELECT COUNT(*) FROM sales")
	require.NoError(t, err)
	assert.Equal(t, first.Rows, second.Rows)
}

func TestTablesCatalogue(t *testing.T) {
	s := newTestSandbox(t, map[string]string{
		"Quarterly Sales.csv": "q,revenue\nQ1,1200\n",
		"events.json":         `[{"name":"launch","count":2},{"name":"retire","count":1}]`,
	})

	tables := s.Tables()
	require.Len(t, tables, 2)

	byName := map[string]TableInfo{}
	for _, ti := range tables {
		byName[ti.Name] = ti
	}

	sales, ok := byName["quarterly_sales"]
	require.True(t, ok, "filename should normalize to quarterly_sales")
	assert.Equal(t, "Quarterly Sales.csv", sales.Source)
	assert.Equal(t, []string{"q", "revenue"}, sales.Columns)
	assert.Equal(t, 1, sales.RowCount)

	events, ok := byName["events"]
	require.True(t, ok)
	assert.Equal(t, []string{"count", "name"}, events.Columns)
	assert.Equal(t, 2, events.RowCount)
}

func TestJSONTableQuery(t *testing.T) {
	s := newTestSandbox(t, map[string]string{
		"metrics.json": `[{"metric":"dau","value":150},{"metric":"wau","value":900}]`,
	})

	result, err := s.Query(context.Background(),
		"SELECT metric FROM metrics WHERE value > 200")
	require.NoError(t, err)
	require.Equal(t, 1, result.RowCount)
	assert.Equal(t, "wau", result.Rows[0][0])
}

func TestMissingDataDirIsEmptyCatalogue(t *testing.T) {
	s, err := New(Config{DataDir: "/nonexistent/sandbox/data", MaxRows: 10}, observability.NopLogger())
	require.NoError(t, err)
	assert.Empty(t, s.Tables())

	result, err := s.Query(context.Background(), "SELECT 1 AS one")
	require.NoError(t, err)
	assert.Equal(t, 1, result.RowCount)
}

func TestUnparseableFileIsSkipped(t *testing.T) {
	s := newTestSandbox(t, map[string]string{
		"good.csv": "a\n1\n",
		"bad.json": "{not json",
	})

	tables := s.Tables()
	require.Len(t, tables, 1)
	assert.Equal(t, "good", tables[0].Name)
}

func TestInvalidMaxRows(t *testing.T) {
	_, err := New(Config{MaxRows: 0}, observability.NopLogger())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.Validation("sandbox max_rows must be positive")))
}
