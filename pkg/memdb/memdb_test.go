package memdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/starsetlabs/starload/pkg/warehouse"
)

func fetchAll(t *testing.T, rs warehouse.ResultSet) [][]any {
	t.Helper()
	var out [][]any
	for rs.Next() {
		vals, err := rs.Values()
		require.NoError(t, err)
		out = append(out, append([]any{}, vals...))
	}
	require.NoError(t, rs.Err())
	require.NoError(t, rs.Close())
	return out
}

func TestStarload_MemDB_InsertAndSelect(t *testing.T) {
	ctx := context.Background()
	db := New()
	db.CreateTable("book", []string{"bookid", "title", "genre"})

	err := db.Execute(ctx, "INSERT INTO book(bookid, title, genre) VALUES (?, ?, ?)",
		[]any{1, "Nineteen Eighty-Four", "novel"}, nil)
	require.NoError(t, err)
	err = db.Execute(ctx, "INSERT INTO book(bookid, title, genre) VALUES (?, ?, ?)",
		[]any{2, "Calvin and Hobbes", "comic"}, nil)
	require.NoError(t, err)

	rs, err := db.Query(ctx, "SELECT bookid, title FROM book WHERE genre = ?", []any{"comic"}, nil)
	require.NoError(t, err)
	require.Equal(t, [][]any{{2, "Calvin and Hobbes"}}, fetchAll(t, rs))
}

func TestStarload_MemDB_InsertLiteralRows(t *testing.T) {
	ctx := context.Background()
	db := New()
	db.CreateTable("book", []string{"bookid", "title", "genre"})

	stmt := "INSERT INTO book(bookid, title, genre) VALUES (1, 'Metro ''2033''', NULL),(2, 'Unknown', 'novel')"
	require.NoError(t, db.Execute(ctx, stmt, nil, nil))

	rows := db.Rows("book")
	require.Len(t, rows, 2)
	require.Equal(t, warehouse.Row{"bookid": int64(1), "title": "Metro '2033'", "genre": nil}, rows[0])
	require.Equal(t, warehouse.Row{"bookid": int64(2), "title": "Unknown", "genre": "novel"}, rows[1])
}

func TestStarload_MemDB_Update(t *testing.T) {
	ctx := context.Background()
	db := New()
	db.CreateTable("book", []string{"bookid", "title", "genre"},
		[]any{1, "a", "novel"},
		[]any{2, "b", "novel"},
		[]any{3, "c", "comic"})

	err := db.Execute(ctx, "UPDATE book SET genre = ? WHERE bookid IN (1, 3)", []any{"poem"}, nil)
	require.NoError(t, err)

	rows := db.Rows("book")
	require.Equal(t, "poem", rows[0]["genre"])
	require.Equal(t, "novel", rows[1]["genre"])
	require.Equal(t, "poem", rows[2]["genre"])
}

func TestStarload_MemDB_SelectIsNull(t *testing.T) {
	ctx := context.Background()
	db := New()
	db.CreateTable("version", []string{"id", "validto"},
		[]any{1, "2010-03-03"},
		[]any{2, nil})

	rs, err := db.Query(ctx, "SELECT id FROM version WHERE validto IS NULL", nil, nil)
	require.NoError(t, err)
	require.Equal(t, [][]any{{2}}, fetchAll(t, rs))
}

func TestStarload_MemDB_NaturalJoin(t *testing.T) {
	ctx := context.Background()
	db := New()
	db.CreateTable("city", []string{"cityid", "city", "regionid"},
		[]any{1, "Aalborg", 10},
		[]any{2, "Odense", 20})
	db.CreateTable("region", []string{"regionid", "region"},
		[]any{10, "North Jutland"},
		[]any{20, "Southern Denmark"})

	rs, err := db.Query(ctx,
		"SELECT city.city, region.region FROM city NATURAL JOIN region WHERE city.cityid = ?",
		[]any{2}, nil)
	require.NoError(t, err)
	require.Equal(t, [][]any{{"Odense", "Southern Denmark"}}, fetchAll(t, rs))
}

func TestStarload_MemDB_OrderByAndFetchFirst(t *testing.T) {
	ctx := context.Background()
	db := New()
	db.CreateTable("version", []string{"id", "no"},
		[]any{1, 1},
		[]any{2, nil},
		[]any{3, 3},
		[]any{4, 2})

	rs, err := db.Query(ctx, "SELECT id FROM version ORDER BY no DESC", nil, nil)
	require.NoError(t, err)
	require.Equal(t, [][]any{{2}, {3}, {4}, {1}}, fetchAll(t, rs))

	rs, err = db.Query(ctx, "SELECT id FROM version ORDER BY no ASC NULLS LAST FETCH FIRST 2 ROWS ONLY", nil, nil)
	require.NoError(t, err)
	require.Equal(t, [][]any{{1}, {4}}, fetchAll(t, rs))
}

func TestStarload_MemDB_Max(t *testing.T) {
	ctx := context.Background()
	db := New()
	db.CreateTable("book", []string{"bookid", "title"})

	rs, err := db.Query(ctx, "SELECT MAX(bookid) FROM book", nil, nil)
	require.NoError(t, err)
	require.Equal(t, [][]any{{nil}}, fetchAll(t, rs))

	require.NoError(t, db.Execute(ctx, "INSERT INTO book(bookid, title) VALUES (?, ?)", []any{7, "a"}, nil))
	require.NoError(t, db.Execute(ctx, "INSERT INTO book(bookid, title) VALUES (?, ?)", []any{3, "b"}, nil))

	rs, err = db.Query(ctx, "SELECT MAX(bookid) FROM book", nil, nil)
	require.NoError(t, err)
	require.Equal(t, [][]any{{7}}, fetchAll(t, rs))
}

func TestStarload_MemDB_CommitAndRollback(t *testing.T) {
	ctx := context.Background()
	db := New()
	db.CreateTable("book", []string{"bookid", "title"}, []any{1, "seed"})

	require.NoError(t, db.Execute(ctx, "INSERT INTO book(bookid, title) VALUES (?, ?)", []any{2, "kept"}, nil))
	require.NoError(t, db.Commit(ctx))
	require.NoError(t, db.Execute(ctx, "INSERT INTO book(bookid, title) VALUES (?, ?)", []any{3, "dropped"}, nil))
	require.NoError(t, db.Rollback(ctx))

	rows := db.Rows("book")
	require.Len(t, rows, 2)
	require.Equal(t, "kept", rows[1]["title"])
}

func TestStarload_MemDB_UnsupportedStatement(t *testing.T) {
	ctx := context.Background()
	db := New()
	err := db.Execute(ctx, "DELETE FROM book", nil, nil)
	require.ErrorContains(t, err, "unsupported statement")
}

func TestStarload_MemDB_Closed(t *testing.T) {
	ctx := context.Background()
	db := New()
	db.CreateTable("book", []string{"bookid"})
	require.NoError(t, db.Close(ctx))
	err := db.Execute(ctx, "INSERT INTO book(bookid) VALUES (?)", []any{1}, nil)
	require.ErrorContains(t, err, "closed")
}
