package source_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/starsetlabs/starload/pkg/memdb"
	"github.com/starsetlabs/starload/pkg/source"
	"github.com/starsetlabs/starload/pkg/warehouse"
)

func TestStarload_Source_SQL_StreamsQueryRows(t *testing.T) {
	t.Parallel()
	db := memdb.New()
	db.CreateTable("book", []string{"bookid", "title"},
		[]any{1, "moby dick"},
		[]any{2, "emma"},
	)

	rows, err := source.Collect(source.SQL(t.Context(), db, "SELECT bookid, title FROM book", nil))
	require.NoError(t, err)
	require.Equal(t, []warehouse.Row{
		{"bookid": 1, "title": "moby dick"},
		{"bookid": 2, "title": "emma"},
	}, rows)
}

func TestStarload_Source_SQL_ArgsAndInitSQL(t *testing.T) {
	t.Parallel()
	db := memdb.New()
	db.CreateTable("book", []string{"bookid", "title"},
		[]any{1, "moby dick"},
	)

	rows, err := source.Collect(source.SQL(t.Context(), db, "SELECT title FROM book WHERE bookid = ?", &source.SQLConfig{
		Args:    []any{2},
		InitSQL: "INSERT INTO book(bookid, title) VALUES (2, 'emma')",
	}))
	require.NoError(t, err)
	require.Equal(t, []warehouse.Row{{"title": "emma"}}, rows)
}

func TestStarload_Source_SQL_NamesOverride(t *testing.T) {
	t.Parallel()
	db := memdb.New()
	db.CreateTable("book", []string{"bookid", "title"},
		[]any{1, "moby dick"},
	)

	rows, err := source.Collect(source.SQL(t.Context(), db, "SELECT bookid, title FROM book", &source.SQLConfig{
		Names: []string{"id", "name"},
	}))
	require.NoError(t, err)
	require.Equal(t, []warehouse.Row{{"id": 1, "name": "moby dick"}}, rows)
}

func TestStarload_Source_SQL_NameCountMismatch(t *testing.T) {
	t.Parallel()
	db := memdb.New()
	db.CreateTable("book", []string{"bookid", "title"},
		[]any{1, "moby dick"},
	)

	src := source.SQL(t.Context(), db, "SELECT bookid, title FROM book", &source.SQLConfig{
		Names: []string{"id"},
	})
	require.False(t, src.Next())
	require.ErrorIs(t, src.Err(), warehouse.ErrConfig)
	require.ErrorContains(t, src.Err(), "incorrect number of names")
	require.NoError(t, src.Close())
}
