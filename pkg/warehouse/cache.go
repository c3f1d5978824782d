package warehouse

import (
	"time"

	"github.com/starsetlabs/starload/pkg/fifomap"
)

// Cache holds a dimension's lookup results: a mapping from lookup-attribute
// search tuples to surrogate keys, and optionally from keys to full rows.
// Implementations are not safe for concurrent use.
type Cache interface {
	// KeyBySearch returns the key cached for a search tuple.
	KeyBySearch(search []any) (any, bool)
	StoreKey(search []any, key any)
	// DeleteKey removes the search tuple's entry, if present.
	DeleteKey(search []any)

	// RowByKey returns the full row cached for a key.
	RowByKey(key any) (Row, bool)
	StoreRow(key any, row Row)
	// DeleteRow removes the key's full row, if present.
	DeleteRow(key any)

	// Len is the number of cached search tuples.
	Len() int
	Clear()
}

// NewCache returns a FIFO cache bounded to size search tuples, or an
// unbounded cache when size is zero or negative.
func NewCache(size int) Cache {
	if size <= 0 {
		return &mapCache{keys: map[string]any{}, rows: map[string]Row{}}
	}
	return &fifoCache{
		keys: fifomap.MustNew[string, any](size, nil),
		rows: fifomap.MustNew[string, Row](size, nil),
	}
}

func searchKey(search []any) string {
	norm := make([]any, len(search))
	for i, v := range search {
		norm[i] = normalizeCacheValue(v)
	}
	return string(encodeTuple(norm))
}

func rowKey(key any) string {
	return string(encodeTuple([]any{normalizeCacheValue(key)}))
}

// normalizeCacheValue folds the numeric types together so a value read from
// a source file and the same value scanned back from the database land on
// one cache entry, whatever width the driver picked.
func normalizeCacheValue(v any) any {
	switch v.(type) {
	case nil, string, []byte, bool, time.Time:
		return v
	}
	if n, ok := Int(v); ok {
		return n
	}
	if f, ok := Float(v); ok {
		return f
	}
	return v
}

// fifoCache evicts its oldest entries once full.
type fifoCache struct {
	keys *fifomap.Map[string, any]
	rows *fifomap.Map[string, Row]
}

func (c *fifoCache) KeyBySearch(search []any) (any, bool) {
	return c.keys.Get(searchKey(search))
}

func (c *fifoCache) StoreKey(search []any, key any) {
	c.keys.Add(searchKey(search), key)
}

func (c *fifoCache) DeleteKey(search []any) {
	_ = c.keys.Delete(searchKey(search))
}

func (c *fifoCache) RowByKey(key any) (Row, bool) {
	return c.rows.Get(rowKey(key))
}

func (c *fifoCache) StoreRow(key any, row Row) {
	c.rows.Add(rowKey(key), row)
}

func (c *fifoCache) DeleteRow(key any) {
	_ = c.rows.Delete(rowKey(key))
}

func (c *fifoCache) Len() int { return c.keys.Len() }

func (c *fifoCache) Clear() {
	c.keys.Clear()
	c.rows.Clear()
}

// mapCache grows without bound. Prefilled dimensions of known size use it
// so the whole table stays resident.
type mapCache struct {
	keys map[string]any
	rows map[string]Row
}

func (c *mapCache) KeyBySearch(search []any) (any, bool) {
	v, ok := c.keys[searchKey(search)]
	return v, ok
}

func (c *mapCache) StoreKey(search []any, key any) {
	c.keys[searchKey(search)] = key
}

func (c *mapCache) DeleteKey(search []any) {
	delete(c.keys, searchKey(search))
}

func (c *mapCache) RowByKey(key any) (Row, bool) {
	r, ok := c.rows[rowKey(key)]
	return r, ok
}

func (c *mapCache) StoreRow(key any, row Row) {
	c.rows[rowKey(key)] = row
}

func (c *mapCache) DeleteRow(key any) {
	delete(c.rows, rowKey(key))
}

func (c *mapCache) Len() int { return len(c.keys) }

func (c *mapCache) Clear() {
	clear(c.keys)
	clear(c.rows)
}
