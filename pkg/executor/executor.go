// Package executor turns SQL text into lazy row cursors by delegating to the
// external query engine, and translates engine failures into the SQLSTATE
// error taxonomy clients expect. It never lets an engine failure escape as a
// transport-level crash.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/jackc/pgerrcode"

	"github.com/flatgres/flatgres/pkg/catalog"
	"github.com/flatgres/flatgres/pkg/pgwire"
	"github.com/flatgres/flatgres/pkg/typemap"
)

// Cursor is a pull-based row stream: produce the next row or end. Rows are
// aligned to Schema and yielded one at a time so the session can respect an
// Execute row limit by pausing iteration and resuming later.
type Cursor interface {
	// Schema returns the ordered output columns. Fixed for the cursor's life.
	Schema() []typemap.Column
	// Next returns the next row, or io.EOF when the stream is exhausted.
	Next(ctx context.Context) ([]any, error)
	// Close releases the cursor. Safe to call more than once.
	Close() error
}

// Engine is the external query engine capability: it accepts SQL text plus
// bound arguments and yields a schema and a lazy sequence of rows.
type Engine interface {
	Query(ctx context.Context, sql string, args ...any) (Cursor, error)
	// Describe plans a statement without executing it, returning the output
	// schema, or an error if the statement produces no rows.
	Describe(ctx context.Context, sql string) ([]typemap.Column, error)
}

// Executor resolves statements against the catalog and the engine.
type Executor struct {
	engine  Engine
	catalog *catalog.Catalog
	logger  *slog.Logger
}

// New creates an Executor over an engine and the shared read-only catalog.
func New(engine Engine, cat *catalog.Catalog, logger *slog.Logger) *Executor {
	return &Executor{engine: engine, catalog: cat, logger: logger}
}

// Catalog returns the shared table registry.
func (e *Executor) Catalog() *catalog.Catalog {
	return e.catalog
}

// Execute runs one statement and returns its cursor. Errors are always
// *pgwire.Err values carrying a SQLSTATE, ready to be sent as ErrorResponse.
func (e *Executor) Execute(ctx context.Context, sql string, args ...any) (Cursor, error) {
	cur, err := e.engine.Query(ctx, sql, args...)
	if err != nil {
		e.logger.Debug("query failed", "sql", sql, "error", err)
		return nil, Classify(err)
	}
	return cur, nil
}

// Describe plans a statement without executing it. A nil schema with nil
// error means the statement returns no rows (NoData).
func (e *Executor) Describe(ctx context.Context, sql string) ([]typemap.Column, error) {
	cols, err := e.engine.Describe(ctx, sql)
	if err != nil {
		return nil, Classify(err)
	}
	return cols, nil
}

// Classify maps an opaque engine error onto the error taxonomy: unknown
// table, plan error (malformed SQL or unsupported construct), cancellation,
// or an opaque engine failure. Errors that are already classified pass
// through unchanged.
func Classify(err error) *pgwire.Err {
	var pgErr *pgwire.Err
	if errors.As(err, &pgErr) {
		return pgErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return pgwire.NewErr(pgwire.Error, pgerrcode.QueryCanceled, "canceling statement due to user request", err)
	}

	msg := err.Error()
	switch {
	case isUnknownTable(msg):
		return pgwire.NewErr(pgwire.Error, pgerrcode.UndefinedTable, msg, err)
	case strings.Contains(msg, "Parser Error") || strings.Contains(msg, "syntax error"):
		return pgwire.NewErr(pgwire.Error, pgerrcode.SyntaxError, msg, err)
	case strings.Contains(msg, "Binder Error") && strings.Contains(msg, "olumn"):
		return pgwire.NewErr(pgwire.Error, pgerrcode.UndefinedColumn, msg, err)
	case strings.Contains(msg, "Binder Error"), strings.Contains(msg, "Not implemented"):
		return pgwire.NewErr(pgwire.Error, pgerrcode.FeatureNotSupported, msg, err)
	default:
		return pgwire.NewErr(pgwire.Error, pgerrcode.InternalError, msg, err)
	}
}

func isUnknownTable(msg string) bool {
	return strings.Contains(msg, "Catalog Error") &&
		(strings.Contains(msg, "does not exist") || strings.Contains(msg, "Table with name"))
}
