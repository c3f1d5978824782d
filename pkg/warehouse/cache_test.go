package warehouse

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStarload_Warehouse_Cache_NumericWidths(t *testing.T) {
	t.Parallel()
	c := NewCache(0)
	c.StoreKey([]any{"Ann", 20}, 1)

	// The same values scanned back from a driver come in wider types and
	// must land on the same entry.
	key, ok := c.KeyBySearch([]any{"Ann", int64(20)})
	require.True(t, ok)
	require.Equal(t, 1, key)

	key, ok = c.KeyBySearch([]any{"Ann", 20.0})
	require.True(t, ok)
	require.Equal(t, 1, key)

	_, ok = c.KeyBySearch([]any{"Ann", 21})
	require.False(t, ok)

	c.StoreRow(int64(1), Row{"name": "Ann"})
	row, ok := c.RowByKey(1)
	require.True(t, ok)
	require.Equal(t, Row{"name": "Ann"}, row)
}

func TestStarload_Warehouse_Cache_NilAndTypeDistinct(t *testing.T) {
	t.Parallel()
	c := NewCache(0)
	c.StoreKey([]any{nil}, 1)
	c.StoreKey([]any{"7"}, 2)
	c.StoreKey([]any{7}, 3)

	key, ok := c.KeyBySearch([]any{nil})
	require.True(t, ok)
	require.Equal(t, 1, key)

	// A string of digits is not the number.
	key, ok = c.KeyBySearch([]any{"7"})
	require.True(t, ok)
	require.Equal(t, 2, key)
	key, ok = c.KeyBySearch([]any{7})
	require.True(t, ok)
	require.Equal(t, 3, key)
}

func TestStarload_Warehouse_Cache_FIFOEviction(t *testing.T) {
	t.Parallel()
	c := NewCache(2)
	c.StoreKey([]any{"a"}, 1)
	c.StoreKey([]any{"b"}, 2)
	c.StoreKey([]any{"c"}, 3)

	require.Equal(t, 2, c.Len())
	_, ok := c.KeyBySearch([]any{"a"})
	require.False(t, ok)
	_, ok = c.KeyBySearch([]any{"c"})
	require.True(t, ok)
}

func TestStarload_Warehouse_Cache_DeleteAndClear(t *testing.T) {
	t.Parallel()
	c := NewCache(-1)
	c.StoreKey([]any{"a"}, 1)
	c.StoreRow(1, Row{"x": 1})

	c.DeleteKey([]any{"a"})
	_, ok := c.KeyBySearch([]any{"a"})
	require.False(t, ok)

	c.DeleteRow(1)
	_, ok = c.RowByKey(1)
	require.False(t, ok)

	c.StoreKey([]any{"b"}, 2)
	c.Clear()
	require.Equal(t, 0, c.Len())
}
