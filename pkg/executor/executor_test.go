package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/stretchr/testify/require"

	"github.com/flatgres/flatgres/pkg/catalog"
	"github.com/flatgres/flatgres/pkg/pgwire"
	"github.com/flatgres/flatgres/pkg/typemap"
)

type fakeCursor struct {
	cols []typemap.Column
	rows [][]any
	pos  int
}

func (c *fakeCursor) Schema() []typemap.Column { return c.cols }

func (c *fakeCursor) Next(ctx context.Context) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.pos >= len(c.rows) {
		return nil, io.EOF
	}
	row := c.rows[c.pos]
	c.pos++
	return row, nil
}

func (c *fakeCursor) Close() error { return nil }

type fakeEngine struct {
	err  error
	cur  *fakeCursor
	cols []typemap.Column
}

func (e *fakeEngine) Query(ctx context.Context, sql string, args ...any) (Cursor, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.cur, nil
}

func (e *fakeEngine) Describe(ctx context.Context, sql string) ([]typemap.Column, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.cols, nil
}

func newExecutor(eng Engine) *Executor {
	return New(eng, catalog.New(), slog.New(slog.DiscardHandler))
}

func TestExecute_Success(t *testing.T) {
	cur := &fakeCursor{
		cols: []typemap.Column{{Name: "count_star()", Type: typemap.Int64}},
		rows: [][]any{{int64(1462)}},
	}
	ex := newExecutor(&fakeEngine{cur: cur})

	got, err := ex.Execute(context.Background(), "SELECT COUNT(*) FROM delhi")
	require.NoError(t, err)

	row, err := got.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1462), row[0])

	_, err = got.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestExecute_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{
			"unknown table",
			errors.New(`Catalog Error: Table with name nope does not exist!`),
			pgerrcode.UndefinedTable,
		},
		{
			"parser error",
			errors.New(`Parser Error: syntax error at or near "FORM"`),
			pgerrcode.SyntaxError,
		},
		{
			"unknown column",
			errors.New(`Binder Error: Referenced column "nope" not found in FROM clause!`),
			pgerrcode.UndefinedColumn,
		},
		{
			"unsupported construct",
			errors.New(`Not implemented Error: recursive CTE transform`),
			pgerrcode.FeatureNotSupported,
		},
		{
			"opaque engine failure",
			errors.New("IO Error: disk truncated"),
			pgerrcode.InternalError,
		},
		{
			"cancellation",
			context.Canceled,
			pgerrcode.QueryCanceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := newExecutor(&fakeEngine{err: tt.err})
			_, err := ex.Execute(context.Background(), "SELECT 1")
			require.Error(t, err)

			var pgErr *pgwire.Err
			require.ErrorAs(t, err, &pgErr)
			require.Equal(t, tt.wantCode, pgErr.Code)
			require.Equal(t, string(pgwire.Error), pgErr.Severity)
			require.NotEmpty(t, pgErr.Message)
		})
	}
}

func TestDescribe(t *testing.T) {
	cols := []typemap.Column{{Name: "a", Type: typemap.Int32}}
	ex := newExecutor(&fakeEngine{cols: cols})

	got, err := ex.Describe(context.Background(), "SELECT a FROM t")
	require.NoError(t, err)
	require.Equal(t, cols, got)
}

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"single", "SELECT 1", []string{"SELECT 1"}},
		{"trailing semicolon", "SELECT 1;", []string{"SELECT 1"}},
		{"batch", "SELECT 1; SELECT 2 ; SELECT 3", []string{"SELECT 1", "SELECT 2", "SELECT 3"}},
		{"empty", "  ;  ; ", nil},
		{"blank", "", nil},
		{"semicolon in string", `SELECT 'a;b'; SELECT 2`, []string{`SELECT 'a;b'`, "SELECT 2"}},
		{"escaped quote", `SELECT 'it''s;fine'`, []string{`SELECT 'it''s;fine'`}},
		{"quoted identifier", `SELECT ";" FROM t`, []string{`SELECT ";" FROM t`}},
		{"line comment", "SELECT 1 -- trailing; not a split\n; SELECT 2", []string{"SELECT 1 -- trailing; not a split", "SELECT 2"}},
		{"block comment", "SELECT /* ; */ 1; SELECT 2", []string{"SELECT /* ; */ 1", "SELECT 2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, SplitStatements(tt.in))
		})
	}
}

func TestCommandTag(t *testing.T) {
	tests := []struct {
		sql  string
		rows int
		want string
	}{
		{"SELECT * FROM t", 3, "SELECT 3"},
		{"select 1", 1, "SELECT 1"},
		{"WITH x AS (SELECT 1) SELECT * FROM x", 1, "SELECT 1"},
		{"SHOW TABLES", 2, "SHOW"},
		{"EXPLAIN SELECT 1", 5, "EXPLAIN"},
		{"INSERT INTO t VALUES (1)", 1, "INSERT 0 1"},
		{"UPDATE t SET a = 1", 4, "UPDATE 4"},
		{"DELETE FROM t", 0, "DELETE 0"},
		{"CREATE VIEW v AS SELECT 1", 0, "CREATE VIEW"},
		{"CREATE OR REPLACE VIEW v AS SELECT 1", 0, "CREATE VIEW"},
		{"CREATE TEMP TABLE t (a INTEGER)", 0, "CREATE TABLE"},
		{"DROP TABLE t", 0, "DROP TABLE"},
		{"ALTER VIEW v RENAME TO w", 0, "ALTER VIEW"},
		{"-- comment\nSELECT 1", 1, "SELECT 1"},
		{"(SELECT 1)", 1, "SELECT 1"},
	}
	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			require.Equal(t, tt.want, CommandTag(tt.sql, tt.rows))
		})
	}
}
