package warehouse_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/starsetlabs/starload/pkg/memdb"
	"github.com/starsetlabs/starload/pkg/warehouse"
)

func cachedBookDimension(t *testing.T, db *memdb.DB, cfg *warehouse.CachedDimensionConfig) *warehouse.CachedDimension {
	t.Helper()
	cfg.Name = "book"
	cfg.Key = "bookid"
	cfg.Attributes = []string{"title", "genre"}
	cfg.LookupAtts = []string{"title"}
	d, err := warehouse.NewCachedDimension(t.Context(), newTestSession(t, db), cfg)
	require.NoError(t, err)
	return d
}

func TestStarload_Warehouse_CachedDimension_PrefillIsAuthoritative(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db := memdb.New()
	db.CreateTable("book", []string{"bookid", "title", "genre"},
		[]any{1, "a", "novel"},
		[]any{2, "b", "comic"})
	d := cachedBookDimension(t, db, &warehouse.CachedDimensionConfig{
		DimensionConfig: warehouse.DimensionConfig{DefaultKey: -1},
		CacheSize:       -1,
		Prefill:         true,
	})

	key, err := d.Lookup(ctx, warehouse.Row{"title": "a"}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, key)

	// A row slipped in behind the dimension's back stays invisible: the
	// prefilled unbounded cache answers misses without querying.
	err = db.Execute(ctx, "INSERT INTO book(bookid, title, genre) VALUES (?, ?, ?)",
		[]any{3, "c", "novel"}, nil)
	require.NoError(t, err)

	key, err = d.Lookup(ctx, warehouse.Row{"title": "c"}, nil)
	require.NoError(t, err)
	require.Equal(t, -1, key)

	// A fresh dimension prefills the new row and finds it.
	fresh := cachedBookDimension(t, db, &warehouse.CachedDimensionConfig{
		DimensionConfig: warehouse.DimensionConfig{DefaultKey: -1},
		CacheSize:       -1,
		Prefill:         true,
	})
	key, err = fresh.Lookup(ctx, warehouse.Row{"title": "c"}, nil)
	require.NoError(t, err)
	require.Equal(t, 3, key)
}

func TestStarload_Warehouse_CachedDimension_InsertPrimesCache(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db := memdb.New()
	db.CreateTable("book", []string{"bookid", "title", "genre"})
	d := cachedBookDimension(t, db, &warehouse.CachedDimensionConfig{
		CacheSize: -1,
		Prefill:   true,
	})

	key, err := d.Ensure(ctx, warehouse.Row{"title": "a", "genre": "novel"}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), key)

	// The cache is still authoritative, so this hit can only come from the
	// entry the insert stored.
	key, err = d.Lookup(ctx, warehouse.Row{"title": "a"}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), key)
	require.Len(t, db.Rows("book"), 1)
}

func TestStarload_Warehouse_CachedDimension_DisableInsertCaching(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db := memdb.New()
	db.CreateTable("book", []string{"bookid", "title", "genre"})
	d := cachedBookDimension(t, db, &warehouse.CachedDimensionConfig{
		DisableInsertCaching: true,
	})

	key, err := d.Insert(ctx, warehouse.Row{"title": "a", "genre": "novel"}, nil)
	require.NoError(t, err)

	// Rename the member in the table. With insert caching off the lookup
	// goes to the database and misses; with it on the stale cache entry
	// would still answer.
	err = db.Execute(ctx, "UPDATE book SET title = ? WHERE bookid = ?", []any{"z", key}, nil)
	require.NoError(t, err)

	got, err := d.Lookup(ctx, warehouse.Row{"title": "a"}, nil)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestStarload_Warehouse_CachedDimension_LookupCachesHits(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db := memdb.New()
	db.CreateTable("book", []string{"bookid", "title", "genre"},
		[]any{1, "a", "novel"})
	d := cachedBookDimension(t, db, &warehouse.CachedDimensionConfig{})

	key, err := d.Lookup(ctx, warehouse.Row{"title": "a"}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, key)

	// The first lookup cached the member, so the rename is not seen.
	err = db.Execute(ctx, "UPDATE book SET title = ? WHERE bookid = ?", []any{"z", 1}, nil)
	require.NoError(t, err)

	key, err = d.Lookup(ctx, warehouse.Row{"title": "a"}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, key)
}

func TestStarload_Warehouse_CachedDimension_BoundedCacheEvicts(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db := memdb.New()
	db.CreateTable("book", []string{"bookid", "title", "genre"},
		[]any{1, "a", "novel"},
		[]any{2, "b", "comic"})
	d := cachedBookDimension(t, db, &warehouse.CachedDimensionConfig{
		CacheSize: 1,
	})

	for _, title := range []string{"a", "b"} {
		_, err := d.Lookup(ctx, warehouse.Row{"title": title}, nil)
		require.NoError(t, err)
	}

	// Caching b evicted a. After the rename a's lookup reaches the
	// database and misses, while b still answers from the cache.
	err := db.Execute(ctx, "UPDATE book SET title = ? WHERE bookid = ?", []any{"z", 1}, nil)
	require.NoError(t, err)

	got, err := d.Lookup(ctx, warehouse.Row{"title": "a"}, nil)
	require.NoError(t, err)
	require.Nil(t, got)

	key, err := d.Lookup(ctx, warehouse.Row{"title": "b"}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, key)
}

func TestStarload_Warehouse_CachedDimension_FullRowCache(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db := memdb.New()
	db.CreateTable("book", []string{"bookid", "title", "genre"},
		[]any{1, "a", "novel"})
	d := cachedBookDimension(t, db, &warehouse.CachedDimensionConfig{
		CacheFullRows: true,
	})

	row, err := d.GetByKey(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "novel", row["genre"])

	// Served from the row cache now, so the table change is not seen and
	// mutating the returned copy does not poison later reads.
	err = db.Execute(ctx, "UPDATE book SET genre = ? WHERE bookid = ?", []any{"poem", 1}, nil)
	require.NoError(t, err)
	row["genre"] = "scribbled"

	row, err = d.GetByKey(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "novel", row["genre"])
}

func TestStarload_Warehouse_CachedDimension_UpdateKeepsCacheCoherent(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db := memdb.New()
	db.CreateTable("book", []string{"bookid", "title", "genre"})
	d := cachedBookDimension(t, db, &warehouse.CachedDimensionConfig{
		DimensionConfig: warehouse.DimensionConfig{DefaultKey: -1},
		CacheSize:       -1,
		Prefill:         true,
	})

	key, err := d.Ensure(ctx, warehouse.Row{"title": "a", "genre": "novel"}, nil)
	require.NoError(t, err)

	err = d.Update(ctx, warehouse.Row{"bookid": key, "title": "b"}, nil)
	require.NoError(t, err)

	// The cache stays authoritative across the update: the old title is
	// gone and the new one answers without a query.
	got, err := d.Lookup(ctx, warehouse.Row{"title": "a"}, nil)
	require.NoError(t, err)
	require.Equal(t, -1, got)

	got, err = d.Lookup(ctx, warehouse.Row{"title": "b"}, nil)
	require.NoError(t, err)
	require.Equal(t, key, got)
}
