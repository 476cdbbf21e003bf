package e2e

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamedPreparedStatement(t *testing.T) {
	ctx, cancel := testTimeout(t)
	defer cancel()
	conn := connect(t, ctx)

	_, err := conn.Prepare(ctx, "count_delhi", "SELECT COUNT(*) FROM delhi")
	require.NoError(t, err)

	// Execute the named statement more than once over the same session.
	for i := 0; i < 3; i++ {
		var count int
		require.NoError(t, conn.QueryRow(ctx, "count_delhi").Scan(&count))
		assert.Equal(t, 5, count)
	}
}

func TestPreparedStatementSchema(t *testing.T) {
	ctx, cancel := testTimeout(t)
	defer cancel()
	conn := connect(t, ctx)

	desc, err := conn.Prepare(ctx, "pick", "SELECT date, meantemp FROM delhi")
	require.NoError(t, err)
	require.Len(t, desc.Fields, 2)
	assert.Equal(t, "date", string(desc.Fields[0].Name))
	assert.Equal(t, "meantemp", string(desc.Fields[1].Name))
}
