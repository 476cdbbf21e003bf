package e2e

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The engine ships PostgreSQL-compatible catalog views and session functions,
// and statements are passed through verbatim, so introspection queries that
// clients and BI tools issue on connect work without any server-side
// emulation.

func TestVersionFunction(t *testing.T) {
	ctx, cancel := testTimeout(t)
	defer cancel()
	conn := connect(t, ctx)

	var version string
	err := conn.QueryRow(ctx, "SELECT version()").Scan(&version)
	require.NoError(t, err)
	assert.NotEmpty(t, version)
}

func TestCurrentSchema(t *testing.T) {
	ctx, cancel := testTimeout(t)
	defer cancel()
	conn := connect(t, ctx)

	var schema string
	err := conn.QueryRow(ctx, "SELECT current_schema()").Scan(&schema)
	require.NoError(t, err)
	assert.Equal(t, "main", schema)
}

func TestCatalogListsRegisteredTables(t *testing.T) {
	ctx, cancel := testTimeout(t)
	defer cancel()
	conn := connect(t, ctx)

	rows, err := conn.Query(ctx,
		"SELECT relname FROM pg_catalog.pg_class WHERE relname IN ('cities', 'delhi', 'trips') ORDER BY relname")
	require.NoError(t, err)
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names = append(names, name)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"cities", "delhi", "trips"}, names)
}

func TestInformationSchemaColumns(t *testing.T) {
	ctx, cancel := testTimeout(t)
	defer cancel()
	conn := connect(t, ctx)

	rows, err := conn.Query(ctx,
		"SELECT column_name FROM information_schema.columns WHERE table_name = 'trips' ORDER BY ordinal_position")
	require.NoError(t, err)
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var col string
		require.NoError(t, rows.Scan(&col))
		cols = append(cols, col)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"id", "zone", "fare"}, cols)
}
