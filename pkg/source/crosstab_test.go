package source_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/starsetlabs/starload/pkg/aggregate"
	"github.com/starsetlabs/starload/pkg/source"
	"github.com/starsetlabs/starload/pkg/warehouse"
)

func salesRows() []warehouse.Row {
	return []warehouse.Row{
		{"name": "bob", "year": 2010, "units": 5},
		{"name": "ann", "year": 2010, "units": 2},
		{"name": "ann", "year": 2011, "units": 3},
		{"name": "ann", "year": 2010, "units": 4},
	}
}

func TestStarload_Source_CrossTab_SumsByDefault(t *testing.T) {
	t.Parallel()
	rows, err := source.Collect(source.CrossTab(source.FromRows(salesRows()), source.CrossTabConfig{
		RowAtt:   "name",
		ColAtt:   "year",
		ValueAtt: "units",
	}))
	require.NoError(t, err)

	// Rows come out in first-appearance order; column values become
	// attribute names, and empty cells get the none value.
	require.Equal(t, []warehouse.Row{
		{"name": "bob", "2010": int64(5), "2011": 0},
		{"name": "ann", "2010": int64(6), "2011": int64(3)},
	}, rows)
}

func TestStarload_Source_CrossTab_SortRowsAndAggregator(t *testing.T) {
	t.Parallel()
	rows, err := source.Collect(source.CrossTab(source.FromRows(salesRows()), source.CrossTabConfig{
		RowAtt:     "name",
		ColAtt:     "year",
		ValueAtt:   "units",
		Aggregator: aggregate.NewAvg(),
		NoneValue:  -1,
		SortRows:   true,
	}))
	require.NoError(t, err)
	require.Equal(t, []warehouse.Row{
		{"name": "ann", "2010": 3.0, "2011": 3.0},
		{"name": "bob", "2010": 5.0, "2011": -1},
	}, rows)
}

func TestStarload_Source_CrossTab_MissingAttribute(t *testing.T) {
	t.Parallel()
	src := source.CrossTab(source.FromRows([]warehouse.Row{{"name": "ann"}}), source.CrossTabConfig{
		RowAtt:   "name",
		ColAtt:   "year",
		ValueAtt: "units",
	})
	require.False(t, src.Next())
	require.ErrorIs(t, src.Err(), warehouse.ErrData)
}

func TestStarload_Source_CrossTab_NeedsAttributes(t *testing.T) {
	t.Parallel()
	src := source.CrossTab(source.FromRows(nil), source.CrossTabConfig{RowAtt: "name"})
	require.False(t, src.Next())
	require.ErrorIs(t, src.Err(), warehouse.ErrConfig)
}
