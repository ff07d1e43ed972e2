package duckdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KaramelBytes/datachat/internal/dataset"
)

func salesTable(t *testing.T) *dataset.Table {
	t.Helper()
	d1 := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 2, 9, 0, 0, 0, 0, time.UTC)
	tbl, err := dataset.FromColumns("sales",
		dataset.NewColumn("region", []any{"north", "south", "north", nil}),
		dataset.NewColumn("amount", []any{10.0, 20.0, 30.5, 4.0}),
		dataset.NewColumn("day", []any{d1, d2, d2, d1}),
	)
	require.NoError(t, err)
	return tbl
}

func TestQueryAggregates(t *testing.T) {
	e, err := Open()
	require.NoError(t, err)
	defer e.Close()

	out, err := e.Query(context.Background(), salesTable(t),
		`SELECT region, SUM(amount) AS total, COUNT(*) AS n FROM df WHERE region IS NOT NULL GROUP BY region ORDER BY region;`)
	require.NoError(t, err)
	assert.Equal(t, []string{"region", "total", "n"}, out.Names())
	assert.Equal(t, 2, out.Len())
	assert.Equal(t, []string{"north", "40.5", "2"}, out.Row(0))

	total, ok := out.Column("total")
	require.True(t, ok)
	assert.Equal(t, dataset.KindNumeric, total.Kind)
}

func TestQueryKeepsTimestampsAndNulls(t *testing.T) {
	e, err := Open()
	require.NoError(t, err)
	defer e.Close()

	out, err := e.Query(context.Background(), salesTable(t), `SELECT region, day FROM df ORDER BY amount`)
	require.NoError(t, err)
	day, ok := out.Column("day")
	require.True(t, ok)
	assert.Equal(t, dataset.KindDateTime, day.Kind)
	assert.True(t, out.Columns[0].IsNull(0))
}

func TestQueryErrors(t *testing.T) {
	e, err := Open()
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Query(context.Background(), salesTable(t), " ; ")
	assert.Error(t, err)

	_, err = e.Query(context.Background(), salesTable(t), "SELECT nope FROM df")
	assert.ErrorContains(t, err, "execute query")

	_, err = e.Query(context.Background(), salesTable(t), "SELECT * FROM read_csv('/etc/hosts')")
	assert.Error(t, err)
}

func TestQueryRowLimit(t *testing.T) {
	e, err := Open()
	require.NoError(t, err)
	defer e.Close()
	e.MaxRows = 1

	out, err := e.Query(context.Background(), salesTable(t), "SELECT * FROM df")
	require.NoError(t, err)
	assert.Equal(t, 1, out.Len())
}
