package source_test

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/starsetlabs/starload/pkg/metrics"
	"github.com/starsetlabs/starload/pkg/source"
	"github.com/starsetlabs/starload/pkg/warehouse"
)

func TestStarload_Source_FromRows_Streams(t *testing.T) {
	t.Parallel()
	rows := []warehouse.Row{{"a": 1}, {"a": 2}}
	src := source.FromRows(rows)

	got, err := source.Collect(src)
	require.NoError(t, err)
	require.Equal(t, rows, got)

	require.False(t, src.Next())
}

func TestStarload_Source_CSV_ReadsHeaderedRecords(t *testing.T) {
	t.Parallel()
	in := "name,age\nann,20\nbob,31\n"
	rows, err := source.Collect(source.CSV(strings.NewReader(in), nil))
	require.NoError(t, err)
	require.Equal(t, []warehouse.Row{
		{"name": "ann", "age": "20"},
		{"name": "bob", "age": "31"},
	}, rows)
}

func TestStarload_Source_CSV_DelimiterAndComments(t *testing.T) {
	t.Parallel()
	in := "# exported 2010-04-04\nname;age\nann;20\n"
	rows, err := source.Collect(source.CSV(strings.NewReader(in), &source.CSVConfig{
		Comma:   ';',
		Comment: '#',
	}))
	require.NoError(t, err)
	require.Equal(t, []warehouse.Row{{"name": "ann", "age": "20"}}, rows)
}

func TestStarload_Source_CSV_RaggedRecordFails(t *testing.T) {
	t.Parallel()
	in := "a,b\n1,2\n3\n"
	src := source.CSV(strings.NewReader(in), nil)

	require.True(t, src.Next())
	require.False(t, src.Next())
	require.Error(t, src.Err())
}

func TestStarload_Source_CSV_EmptyInput(t *testing.T) {
	t.Parallel()
	src := source.CSV(strings.NewReader(""), nil)
	require.False(t, src.Next())
	require.NoError(t, src.Err())
}

func TestStarload_Source_Transform_AppliesInOrder(t *testing.T) {
	t.Parallel()
	src := source.Transform(source.FromRows([]warehouse.Row{{"n": 1}, {"n": 2}}),
		func(row warehouse.Row) {
			n, _ := warehouse.Int(row["n"])
			row["n"] = n * 10
		},
		func(row warehouse.Row) {
			n, _ := warehouse.Int(row["n"])
			row["n"] = n + 1
		},
	)
	rows, err := source.Collect(src)
	require.NoError(t, err)
	require.Equal(t, []warehouse.Row{{"n": int64(11)}, {"n": int64(21)}}, rows)
}

func TestStarload_Source_Filter_DefaultDropsEmptyRows(t *testing.T) {
	t.Parallel()
	rows, err := source.Collect(source.Filter(source.FromRows([]warehouse.Row{
		{"a": 1}, {}, {"a": 2},
	}), nil))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	odd, err := source.Collect(source.Filter(source.FromRows([]warehouse.Row{
		{"n": 1}, {"n": 2}, {"n": 3},
	}), func(row warehouse.Row) bool {
		n, _ := warehouse.Int(row["n"])
		return n%2 == 1
	}))
	require.NoError(t, err)
	require.Equal(t, []warehouse.Row{{"n": 1}, {"n": 3}}, odd)
}

func TestStarload_Source_Counted_CountsRows(t *testing.T) {
	t.Parallel()
	src := source.Counted("counted_test", source.FromRows([]warehouse.Row{{"a": 1}, {"a": 2}}))

	rows, err := source.Collect(src)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.SourceRows.WithLabelValues("counted_test")))
}

func TestStarload_Source_Union_Concatenates(t *testing.T) {
	t.Parallel()
	rows, err := source.Collect(source.Union(
		source.FromRows([]warehouse.Row{{"a": 1}, {"a": 2}}),
		source.FromRows(nil),
		source.FromRows([]warehouse.Row{{"b": 3}}),
	))
	require.NoError(t, err)
	require.Equal(t, []warehouse.Row{{"a": 1}, {"a": 2}, {"b": 3}}, rows)
}

func TestStarload_Source_RoundRobin_Interleaves(t *testing.T) {
	t.Parallel()
	a := source.FromRows([]warehouse.Row{{"v": "a1"}, {"v": "a2"}, {"v": "a3"}, {"v": "a4"}, {"v": "a5"}})
	b := source.FromRows([]warehouse.Row{{"v": "b1"}, {"v": "b2"}})
	rows, err := source.Collect(source.RoundRobin([]source.Source{a, b}, 2))
	require.NoError(t, err)

	var got []string
	for _, row := range rows {
		got = append(got, row["v"].(string))
	}
	require.Equal(t, []string{"a1", "a2", "b1", "b2", "a3", "a4", "a5"}, got)
}

func TestStarload_Source_RoundRobin_BatchSizeMustBePositive(t *testing.T) {
	t.Parallel()
	src := source.RoundRobin(nil, 0)
	require.False(t, src.Next())
	require.ErrorIs(t, src.Err(), warehouse.ErrConfig)
}

func TestStarload_Source_ForEach_BuildsSourcesLazily(t *testing.T) {
	t.Parallel()
	var opened []string
	src := source.ForEach([]string{"a", "b"}, func(seed string) (source.Source, error) {
		opened = append(opened, seed)
		return source.FromRows([]warehouse.Row{{"seed": seed}}), nil
	})

	require.True(t, src.Next())
	require.Equal(t, "a", src.Row()["seed"])
	require.Equal(t, []string{"a"}, opened)

	require.True(t, src.Next())
	require.Equal(t, "b", src.Row()["seed"])
	require.False(t, src.Next())
	require.NoError(t, src.Err())
	require.Equal(t, []string{"a", "b"}, opened)
}

func TestStarload_Source_ForEach_FactoryErrorStops(t *testing.T) {
	t.Parallel()
	src := source.ForEach([]string{"bad"}, func(string) (source.Source, error) {
		return nil, warehouse.ErrConfig
	})
	require.False(t, src.Next())
	require.ErrorIs(t, src.Err(), warehouse.ErrConfig)
}
