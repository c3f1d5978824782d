package warehouse_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/starsetlabs/starload/pkg/memdb"
	"github.com/starsetlabs/starload/pkg/warehouse"
)

func bookDimension(t *testing.T, db *memdb.DB, cfg *warehouse.DimensionConfig) *warehouse.Dimension {
	t.Helper()
	db.CreateTable("book", []string{"bookid", "title", "genre"})
	if cfg == nil {
		cfg = &warehouse.DimensionConfig{}
	}
	cfg.Name = "book"
	cfg.Key = "bookid"
	cfg.Attributes = []string{"title", "genre"}
	if cfg.LookupAtts == nil {
		cfg.LookupAtts = []string{"title"}
	}
	d, err := warehouse.NewDimension(newTestSession(t, db), cfg)
	require.NoError(t, err)
	return d
}

func TestStarload_Warehouse_Dimension_Validate(t *testing.T) {
	t.Parallel()
	db := memdb.New()
	s := newTestSession(t, db)

	_, err := warehouse.NewDimension(s, &warehouse.DimensionConfig{Key: "id", Attributes: []string{"a"}})
	require.ErrorIs(t, err, warehouse.ErrConfig)

	_, err = warehouse.NewDimension(s, &warehouse.DimensionConfig{Name: "t", Attributes: []string{"a"}})
	require.ErrorIs(t, err, warehouse.ErrConfig)

	_, err = warehouse.NewDimension(s, &warehouse.DimensionConfig{
		Name: "t", Key: "id", Attributes: []string{"a"}, LookupAtts: []string{"b"},
	})
	require.ErrorIs(t, err, warehouse.ErrConfig)
}

func TestStarload_Warehouse_Dimension_InsertGeneratesKeys(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db := memdb.New()
	d := bookDimension(t, db, nil)

	row := warehouse.Row{"title": "Nineteen Eighty-Four", "genre": "novel"}
	key, err := d.Insert(ctx, row, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), key)
	// The generated key goes into the table, not the caller's row.
	_, ok := row["bookid"]
	require.False(t, ok)

	key, err = d.Insert(ctx, warehouse.Row{"title": "Calvin and Hobbes", "genre": "comic"}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(2), key)

	rows := db.Rows("book")
	require.Len(t, rows, 2)
	require.Equal(t, warehouse.Row{"bookid": int64(1), "title": "Nineteen Eighty-Four", "genre": "novel"}, rows[0])
}

func TestStarload_Warehouse_Dimension_SequenceContinues(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db := memdb.New()
	db.CreateTable("book", []string{"bookid", "title", "genre"},
		[]any{41, "a", "novel"})
	s := newTestSession(t, db)
	d, err := warehouse.NewDimension(s, &warehouse.DimensionConfig{
		Name: "book", Key: "bookid", Attributes: []string{"title", "genre"}, LookupAtts: []string{"title"},
	})
	require.NoError(t, err)

	key, err := d.Insert(ctx, warehouse.Row{"title": "b", "genre": "novel"}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(42), key)
}

func TestStarload_Warehouse_Dimension_InsertKeepsGivenKey(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db := memdb.New()
	d := bookDimension(t, db, nil)

	key, err := d.Insert(ctx, warehouse.Row{"bookid": 7, "title": "a", "genre": "novel"}, nil)
	require.NoError(t, err)
	require.Equal(t, 7, key)
}

func TestStarload_Warehouse_Dimension_LookupAndDefaultKey(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db := memdb.New()
	d := bookDimension(t, db, &warehouse.DimensionConfig{DefaultKey: -1})

	_, err := d.Insert(ctx, warehouse.Row{"title": "a", "genre": "novel"}, nil)
	require.NoError(t, err)

	key, err := d.Lookup(ctx, warehouse.Row{"title": "a"}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), key)

	key, err = d.Lookup(ctx, warehouse.Row{"title": "unknown"}, nil)
	require.NoError(t, err)
	require.Equal(t, -1, key)

	_, err = d.Lookup(ctx, warehouse.Row{"genre": "novel"}, nil)
	require.ErrorIs(t, err, warehouse.ErrData)
}

func TestStarload_Warehouse_Dimension_Ensure(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db := memdb.New()
	expansions := 0
	d := bookDimension(t, db, &warehouse.DimensionConfig{
		RowExpander: func(_ context.Context, row warehouse.Row, nm warehouse.NameMapping) (warehouse.Row, error) {
			expansions++
			out := warehouse.CopyRow(row)
			out["genre"] = "unknown"
			return out, nil
		},
	})

	row := warehouse.Row{"title": "a"}
	key, err := d.Ensure(ctx, row, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), key)
	require.Equal(t, 1, expansions)
	require.Equal(t, warehouse.Row{"title": "a"}, row)

	// A hit neither expands nor inserts.
	key, err = d.Ensure(ctx, warehouse.Row{"title": "a"}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), key)
	require.Equal(t, 1, expansions)
	require.Len(t, db.Rows("book"), 1)
	require.Equal(t, "unknown", db.Rows("book")[0]["genre"])
}

func TestStarload_Warehouse_Dimension_GetByKey(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db := memdb.New()
	d := bookDimension(t, db, nil)

	_, err := d.Insert(ctx, warehouse.Row{"title": "a", "genre": "novel"}, nil)
	require.NoError(t, err)

	row, err := d.GetByKey(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, warehouse.Row{"bookid": int64(1), "title": "a", "genre": "novel"}, row)

	// An unknown key comes back as an all-nil row.
	row, err = d.GetByKey(ctx, 99)
	require.NoError(t, err)
	require.Equal(t, warehouse.Row{"bookid": nil, "title": nil, "genre": nil}, row)
}

func TestStarload_Warehouse_Dimension_GetByVals(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db := memdb.New()
	d := bookDimension(t, db, nil)

	for _, r := range []warehouse.Row{
		{"title": "a", "genre": "novel"},
		{"title": "b", "genre": "novel"},
		{"title": "c", "genre": "comic"},
	} {
		_, err := d.Insert(ctx, r, nil)
		require.NoError(t, err)
	}

	rows, err := d.GetByVals(ctx, warehouse.Row{"genre": "novel"}, nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	_, err = d.GetByVals(ctx, warehouse.Row{"price": 10}, nil)
	require.ErrorIs(t, err, warehouse.ErrData)
}

func TestStarload_Warehouse_Dimension_Update(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db := memdb.New()
	d := bookDimension(t, db, nil)

	key, err := d.Insert(ctx, warehouse.Row{"title": "a", "genre": "novel"}, nil)
	require.NoError(t, err)

	err = d.Update(ctx, warehouse.Row{"bookid": key, "genre": "poem"}, nil)
	require.NoError(t, err)
	require.Equal(t, "poem", db.Rows("book")[0]["genre"])
	require.Equal(t, "a", db.Rows("book")[0]["title"])

	// Nothing to set is a no-op, a missing key is an error.
	require.NoError(t, d.Update(ctx, warehouse.Row{"bookid": key}, nil))
	require.ErrorIs(t, d.Update(ctx, warehouse.Row{"genre": "x"}, nil), warehouse.ErrData)
}

func TestStarload_Warehouse_Dimension_NameMapping(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db := memdb.New()
	d := bookDimension(t, db, nil)
	nm := warehouse.NameMapping{"title": "name", "genre": "kind"}

	key, err := d.Ensure(ctx, warehouse.Row{"name": "a", "kind": "novel"}, nm)
	require.NoError(t, err)
	require.Equal(t, int64(1), key)

	key, err = d.Lookup(ctx, warehouse.Row{"name": "a"}, nm)
	require.NoError(t, err)
	require.Equal(t, int64(1), key)
	require.Equal(t, "novel", db.Rows("book")[0]["genre"])
}
