// Package engine adapts DuckDB, driven through database/sql, into the query
// engine capability the server consumes: register flat files as tables, then
// turn SQL text into a schema plus a lazy row stream. DuckDB's read_csv and
// read_parquet table functions play the table-provider role.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"

	duckdb "github.com/duckdb/duckdb-go/v2"

	"github.com/flatgres/flatgres/pkg/catalog"
	"github.com/flatgres/flatgres/pkg/executor"
	"github.com/flatgres/flatgres/pkg/typemap"
)

// DuckDB is an embedded, in-memory analytical engine instance. The views it
// holds are created once at startup; afterwards it only serves reads, so one
// instance is shared by all sessions (database/sql handles are safe for
// concurrent use).
type DuckDB struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ executor.Engine = (*DuckDB)(nil)

// Open creates an in-memory DuckDB instance.
func Open(ctx context.Context, logger *slog.Logger) (*DuckDB, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	return &DuckDB{db: db, logger: logger}, nil
}

// Close releases the engine.
func (d *DuckDB) Close() error {
	return d.db.Close()
}

// RegisterCSV exposes a CSV file as a queryable table and returns its
// catalog entry. Startup-only, single-threaded.
func (d *DuckDB) RegisterCSV(ctx context.Context, name, path string) (*catalog.Entry, error) {
	return d.register(ctx, name, path, catalog.SourceCSV, "read_csv")
}

// RegisterParquet exposes a Parquet file as a queryable table and returns its
// catalog entry. Startup-only, single-threaded.
func (d *DuckDB) RegisterParquet(ctx context.Context, name, path string) (*catalog.Entry, error) {
	return d.register(ctx, name, path, catalog.SourceParquet, "read_parquet")
}

func (d *DuckDB) register(ctx context.Context, name, path string, kind catalog.SourceKind, readFn string) (*catalog.Entry, error) {
	stmt := fmt.Sprintf("CREATE VIEW %s AS SELECT * FROM %s(%s)",
		quoteIdent(name), readFn, quoteLiteral(path))
	if _, err := d.db.ExecContext(ctx, stmt); err != nil {
		return nil, fmt.Errorf("register %s table %q from %q: %w", kind, name, path, err)
	}

	cols, err := d.describeRelation(ctx, "DESCRIBE "+quoteIdent(name))
	if err != nil {
		return nil, fmt.Errorf("introspect table %q: %w", name, err)
	}
	d.logger.Debug("registered table", "name", name, "kind", string(kind), "path", path, "columns", len(cols))

	return &catalog.Entry{Name: name, Columns: cols, Kind: kind, Path: path}, nil
}

// Query executes one statement and returns a pull-based cursor over its rows.
// The cursor stays open until closed, so a portal can page through it across
// multiple Execute messages. Cancelling ctx aborts the scan.
func (d *DuckDB) Query(ctx context.Context, sqlText string, args ...any) (executor.Cursor, error) {
	rows, err := d.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	cols, err := schemaFromRows(rows)
	if err != nil {
		_ = rows.Close()
		return nil, err
	}
	return &Cursor{rows: rows, cols: cols}, nil
}

// Describe plans a statement without executing it and returns the output
// schema. Statements that produce no rows yield (nil, nil).
func (d *DuckDB) Describe(ctx context.Context, sqlText string) ([]typemap.Column, error) {
	if !returnsRows(sqlText) {
		return nil, nil
	}
	return d.describeRelation(ctx, "DESCRIBE "+sqlText)
}

// describeRelation runs a DuckDB DESCRIBE and maps the reported column types
// into logical types. An unmappable type is an error: the wire layer must
// never be asked to encode a type it does not support.
func (d *DuckDB) describeRelation(ctx context.Context, describeStmt string) ([]typemap.Column, error) {
	rows, err := d.db.QueryContext(ctx, describeStmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []typemap.Column
	for rows.Next() {
		var (
			colName, colType     string
			nullable, key        sql.NullString
			defaultVal, extraVal sql.NullString
		)
		if err := rows.Scan(&colName, &colType, &nullable, &key, &defaultVal, &extraVal); err != nil {
			return nil, fmt.Errorf("scan describe row: %w", err)
		}
		lt, err := typemap.FromEngineType(colType)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", colName, err)
		}
		cols = append(cols, typemap.Column{Name: colName, Type: lt})
	}
	return cols, rows.Err()
}

// Cursor adapts sql.Rows into the row-at-a-time cadence the wire layer needs.
type Cursor struct {
	rows *sql.Rows
	cols []typemap.Column
}

// Schema returns the ordered output columns.
func (c *Cursor) Schema() []typemap.Column {
	return c.cols
}

// Next returns the next row, or io.EOF at the end of the stream. Values are
// normalized into representations the type mapper can encode.
func (c *Cursor) Next(ctx context.Context) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	vals := make([]any, len(c.cols))
	ptrs := make([]any, len(c.cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := c.rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}
	for i := range vals {
		vals[i] = normalizeValue(vals[i], c.cols[i].Type)
	}
	return vals, nil
}

// Close releases the underlying result set. Safe to call more than once.
func (c *Cursor) Close() error {
	return c.rows.Close()
}

// schemaFromRows derives the logical schema of an executed statement. Result
// types the wire layer has no mapping for are rendered as text rather than
// failing the whole query; only catalog schemas are strict.
func schemaFromRows(rows *sql.Rows) ([]typemap.Column, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	cols := make([]typemap.Column, len(types))
	for i, ct := range types {
		lt, err := typemap.FromEngineType(ct.DatabaseTypeName())
		if err != nil {
			lt = typemap.Text
		}
		cols[i] = typemap.Column{Name: ct.Name(), Type: lt}
	}
	return cols, nil
}

// normalizeValue converts driver-native values the type mapper has no codec
// for into plain representations. Integer widths, floats, strings, bools,
// byte slices, and time.Time pass through untouched.
func normalizeValue(v any, lt typemap.LogicalType) any {
	if v == nil {
		return nil
	}
	switch lt {
	case typemap.Numeric, typemap.UUID, typemap.JSON, typemap.Text:
		switch vv := v.(type) {
		case string, []byte:
			return vv
		case duckdb.Decimal:
			return formatDecimal(vv)
		case *big.Int:
			return vv.String()
		case fmt.Stringer:
			return vv.String()
		case uint64:
			return new(big.Int).SetUint64(vv).String()
		default:
			return fmt.Sprintf("%v", vv)
		}
	}
	return v
}

// formatDecimal renders an exact decimal without a float round trip.
func formatDecimal(d duckdb.Decimal) string {
	s := d.Value.String()
	if d.Scale == 0 {
		return s
	}
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	scale := int(d.Scale)
	if len(s) <= scale {
		s = strings.Repeat("0", scale-len(s)+1) + s
	}
	s = s[:len(s)-scale] + "." + s[len(s)-scale:]
	if neg {
		s = "-" + s
	}
	return s
}

// returnsRows reports whether a statement's head keyword names a
// row-returning command, the cases DESCRIBE can plan.
func returnsRows(sqlText string) bool {
	head := strings.ToUpper(firstKeyword(sqlText))
	switch head {
	case "SELECT", "WITH", "TABLE", "VALUES", "SHOW", "DESCRIBE", "SUMMARIZE", "PRAGMA", "FROM":
		return true
	}
	return false
}

func firstKeyword(s string) string {
	s = strings.TrimSpace(s)
	end := strings.IndexFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == ';' || r == '('
	})
	if end < 0 {
		return s
	}
	return s[:end]
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
