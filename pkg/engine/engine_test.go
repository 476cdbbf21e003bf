package engine

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	duckdb "github.com/duckdb/duckdb-go/v2"
	"github.com/stretchr/testify/require"

	"github.com/flatgres/flatgres/pkg/catalog"
	"github.com/flatgres/flatgres/pkg/executor"
	"github.com/flatgres/flatgres/pkg/typemap"
)

func openEngine(t *testing.T) *DuckDB {
	t.Helper()
	d, err := Open(context.Background(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func writeCSV(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "delhi.csv")
	data := "date,meantemp,humidity\n" +
		"2017-01-01,15.9,85.9\n" +
		"2017-01-02,18.5,77.2\n" +
		"2017-01-03,17.1,81.9\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestRegisterCSV_Schema(t *testing.T) {
	d := openEngine(t)
	entry, err := d.RegisterCSV(context.Background(), "delhi", writeCSV(t))
	require.NoError(t, err)

	require.Equal(t, "delhi", entry.Name)
	require.Len(t, entry.Columns, 3)
	require.Equal(t, "date", entry.Columns[0].Name)
	require.Equal(t, typemap.Date, entry.Columns[0].Type)
	require.Equal(t, "meantemp", entry.Columns[1].Name)
	require.Equal(t, typemap.Float64, entry.Columns[1].Type)
}

func TestQuery_CountAndOrder(t *testing.T) {
	d := openEngine(t)
	_, err := d.RegisterCSV(context.Background(), "delhi", writeCSV(t))
	require.NoError(t, err)

	cur, err := d.Query(context.Background(), "SELECT COUNT(*) FROM delhi")
	require.NoError(t, err)
	defer cur.Close()

	require.Len(t, cur.Schema(), 1)
	row, err := cur.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(3), row[0])

	_, err = cur.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestQuery_ColumnOrderMatchesSchema(t *testing.T) {
	d := openEngine(t)
	_, err := d.RegisterCSV(context.Background(), "delhi", writeCSV(t))
	require.NoError(t, err)

	cur, err := d.Query(context.Background(), "SELECT * FROM delhi ORDER BY date")
	require.NoError(t, err)
	defer cur.Close()

	cols := cur.Schema()
	require.Equal(t, []string{"date", "meantemp", "humidity"},
		[]string{cols[0].Name, cols[1].Name, cols[2].Name})

	n := 0
	for {
		row, err := cur.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Len(t, row, 3)
		n++
	}
	require.Equal(t, 3, n)
}

func TestRegisterParquet(t *testing.T) {
	d := openEngine(t)
	path := filepath.Join(t.TempDir(), "all_types.parquet")

	// Materialize a parquet file through the engine itself.
	cur, err := d.Query(context.Background(),
		"COPY (SELECT 1::INTEGER AS i, 'x'::VARCHAR AS s, true AS b) TO "+quoteLiteral(path)+" (FORMAT 'parquet')")
	require.NoError(t, err)
	require.NoError(t, cur.Close())

	entry, err := d.RegisterParquet(context.Background(), "all_types", path)
	require.NoError(t, err)
	require.Equal(t, []typemap.Column{
		{Name: "i", Type: typemap.Int32},
		{Name: "s", Type: typemap.Text},
		{Name: "b", Type: typemap.Bool},
	}, entry.Columns)

	got, err := d.Query(context.Background(), "SELECT * FROM all_types LIMIT 1")
	require.NoError(t, err)
	defer got.Close()
	row, err := got.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, row, 3)
}

func TestQuery_Parameters(t *testing.T) {
	d := openEngine(t)
	_, err := d.RegisterCSV(context.Background(), "delhi", writeCSV(t))
	require.NoError(t, err)

	cur, err := d.Query(context.Background(), "SELECT COUNT(*) FROM delhi WHERE meantemp > $1", 16.0)
	require.NoError(t, err)
	defer cur.Close()

	row, err := cur.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), row[0])
}

func TestDescribe(t *testing.T) {
	d := openEngine(t)
	_, err := d.RegisterCSV(context.Background(), "delhi", writeCSV(t))
	require.NoError(t, err)

	cols, err := d.Describe(context.Background(), "SELECT meantemp FROM delhi")
	require.NoError(t, err)
	require.Equal(t, []typemap.Column{{Name: "meantemp", Type: typemap.Float64}}, cols)

	// Non-row-returning statements have no schema.
	cols, err = d.Describe(context.Background(), "CREATE TABLE t (a INTEGER)")
	require.NoError(t, err)
	require.Nil(t, cols)
}

func TestQuery_UnknownTable(t *testing.T) {
	d := openEngine(t)
	_, err := d.Query(context.Background(), "SELECT * FROM missing")
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing")
}

func TestQuery_Cancellation(t *testing.T) {
	d := openEngine(t)
	_, err := d.RegisterCSV(context.Background(), "delhi", writeCSV(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cur, err := d.Query(ctx, "SELECT * FROM delhi")
	require.NoError(t, err)
	defer cur.Close()

	cancel()
	_, err = cur.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestExecutorWiring(t *testing.T) {
	d := openEngine(t)
	entry, err := d.RegisterCSV(context.Background(), "delhi", writeCSV(t))
	require.NoError(t, err)

	cat := catalog.New()
	require.NoError(t, cat.Register(entry))
	ex := executor.New(d, cat, slog.New(slog.DiscardHandler))

	cur, err := ex.Execute(context.Background(), "SELECT COUNT(*) FROM delhi WHERE meantemp > $1", 16.0)
	require.NoError(t, err)
	defer cur.Close()

	row, err := cur.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), row[0])
}

func TestFormatDecimal(t *testing.T) {
	tests := []struct {
		value int64
		scale uint8
		want  string
	}{
		{123456789, 4, "12345.6789"},
		{-123456789, 4, "-12345.6789"},
		{5, 3, "0.005"},
		{42, 0, "42"},
	}
	for _, tt := range tests {
		d := duckdb.Decimal{Scale: tt.scale, Value: big.NewInt(tt.value)}
		require.Equal(t, tt.want, formatDecimal(d))
	}
}
