package warehouse

import (
	"context"
	"fmt"
	"strings"

	"github.com/starsetlabs/starload/pkg/metrics"
)

const defaultCacheSize = 10000

// CachedDimensionConfig configures a dimension with a lookup cache.
type CachedDimensionConfig struct {
	DimensionConfig

	// CacheSize bounds the cache. Zero means the default of 10000; a
	// negative value removes the bound.
	CacheSize int
	// Prefill loads the cache from the table at construction. With an
	// unbounded cache this makes lookups cache-only: the whole table is
	// resident, so a cache miss is an authoritative miss.
	Prefill bool
	// CacheFullRows caches complete rows for GetByKey, not only the
	// search-tuple to key mapping.
	CacheFullRows bool
	// DisableInsertCaching stops inserted members from being cached.
	DisableInsertCaching bool
	// UseFetchFirst adds a FETCH FIRST clause to the prefill query on
	// targets that support it.
	UseFetchFirst bool
}

func (c *CachedDimensionConfig) Validate() error {
	if err := c.DimensionConfig.Validate(); err != nil {
		return err
	}
	if c.CacheSize == 0 {
		c.CacheSize = defaultCacheSize
	}
	return nil
}

// CachedDimension is a Dimension with an in-memory cache in front of the
// key lookups. The cache trusts the database not to alter stored values
// (defaults, triggers, or type coercion break that assumption).
type CachedDimension struct {
	*Dimension
	ccfg  *CachedDimensionConfig
	cache Cache
}

func NewCachedDimension(ctx context.Context, s *Session, cfg *CachedDimensionConfig) (*CachedDimension, error) {
	c, err := newCachedDimension(ctx, s, cfg)
	if err != nil {
		return nil, err
	}
	s.Register(c)
	return c, nil
}

func newCachedDimension(ctx context.Context, s *Session, cfg *CachedDimensionConfig) (*CachedDimension, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ErrConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	base, err := newDimension(s, &cfg.DimensionConfig)
	if err != nil {
		return nil, err
	}
	c := &CachedDimension{
		Dimension: base,
		ccfg:      cfg,
		cache:     NewCache(max(cfg.CacheSize, 0)),
	}
	if cfg.Prefill {
		if err := c.prefill(ctx); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *CachedDimension) bounded() bool { return c.ccfg.CacheSize > 0 }

// authoritative reports whether a cache miss means the member does not
// exist: the cache was prefilled, inserts keep it current, and nothing has
// been evicted.
func (c *CachedDimension) authoritative() bool {
	return c.ccfg.Prefill && !c.ccfg.DisableInsertCaching &&
		(!c.bounded() || c.cache.Len() < c.ccfg.CacheSize)
}

func (c *CachedDimension) prefill(ctx context.Context) error {
	cols := append([]string{c.cfg.Key}, c.cfg.LookupAtts...)
	positions := make([]int, len(c.cfg.LookupAtts))
	for i := range c.cfg.LookupAtts {
		positions[i] = i + 1
	}
	if c.ccfg.CacheFullRows {
		cols = c.all
		for i, att := range c.cfg.LookupAtts {
			positions[i] = indexOf(c.all, att)
		}
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s", strings.Join(quoteAll(c.quoter, cols), ", "), c.cfg.Name)
	if c.bounded() && c.ccfg.UseFetchFirst {
		stmt += fmt.Sprintf(" FETCH FIRST %d ROWS ONLY", c.ccfg.CacheSize)
	}
	rs, err := c.conn.Select(ctx, stmt, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to prefill cache for %s: %w", c.cfg.Name, err)
	}
	defer rs.Close()
	count := 0
	for rs.Next() {
		if c.bounded() && count >= c.ccfg.CacheSize {
			break
		}
		tuple, err := rs.Values()
		if err != nil {
			return fmt.Errorf("failed to prefill cache for %s: %w", c.cfg.Name, err)
		}
		search := make([]any, len(positions))
		for i, p := range positions {
			search[i] = tuple[p]
		}
		c.cache.StoreKey(search, tuple[0])
		if c.ccfg.CacheFullRows {
			c.cache.StoreRow(tuple[0], c.tupleToRow(tuple))
		}
		count++
	}
	if err := rs.Err(); err != nil {
		return fmt.Errorf("failed to prefill cache for %s: %w", c.cfg.Name, err)
	}
	return nil
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

// Lookup consults the cache before the database. When the cache is
// authoritative a miss returns the DefaultKey without touching the
// database at all.
func (c *CachedDimension) Lookup(ctx context.Context, row Row, nm NameMapping) (any, error) {
	search, err := c.searchTuple(row, nm)
	if err != nil {
		return nil, err
	}
	if key, ok := c.cache.KeyBySearch(search); ok {
		metrics.LookupCacheHits.WithLabelValues(c.cfg.Name).Inc()
		return key, nil
	}
	metrics.LookupCacheMisses.WithLabelValues(c.cfg.Name).Inc()
	if c.authoritative() {
		return c.cfg.DefaultKey, nil
	}
	key, err := c.lookupTarget(ctx, row, nm)
	if err != nil {
		return nil, err
	}
	if key != nil && !ValuesEqual(key, c.cfg.DefaultKey) {
		c.cache.StoreKey(search, key)
	}
	return key, nil
}

// GetByKey serves from the full-row cache when enabled, otherwise from the
// database. Found rows are cached; the returned row is always a copy.
func (c *CachedDimension) GetByKey(ctx context.Context, key any) (Row, error) {
	if c.ccfg.CacheFullRows {
		if row, ok := c.cache.RowByKey(key); ok {
			return CopyRow(row), nil
		}
	}
	row, err := c.Dimension.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if c.ccfg.CacheFullRows && row[c.cfg.Key] != nil {
		c.cache.StoreRow(key, CopyRow(row))
	}
	return row, nil
}

func (c *CachedDimension) Ensure(ctx context.Context, row Row, nm NameMapping) (any, error) {
	return ensureRow(ctx, row, nm, c.cfg.DefaultKey, c.cfg.RowExpander, c.Lookup, c.Insert)
}

// Insert adds the member and primes the cache with it, unless insert
// caching is disabled.
func (c *CachedDimension) Insert(ctx context.Context, row Row, nm NameMapping) (any, error) {
	key, err := c.Dimension.Insert(ctx, row, nm)
	if err != nil {
		return nil, err
	}
	c.cacheInserted(row, nm, key)
	return key, nil
}

func (c *CachedDimension) cacheInserted(row Row, nm NameMapping, key any) {
	if c.ccfg.DisableInsertCaching {
		return
	}
	if search, err := c.searchTuple(row, nm); err == nil {
		c.cache.StoreKey(search, key)
	}
	if c.ccfg.CacheFullRows {
		full := Project(c.cfg.Attributes, row, nm)
		full[c.cfg.Key] = key
		c.cache.StoreRow(key, full)
	}
}

// Update writes through to the table and keeps the cache coherent: the old
// search tuple is dropped when a lookup attribute changes, the full-row
// entry is dropped, and under an authoritative cache the member is re-read
// so the cache stays complete.
func (c *CachedDimension) Update(ctx context.Context, row Row, nm NameMapping) error {
	keyVal, ok := GetValue(row, nm, c.cfg.Key)
	if !ok {
		return fmt.Errorf("%w: key value for table %s is missing", ErrData, c.cfg.Name)
	}
	for _, att := range c.cfg.LookupAtts {
		if _, ok := GetValue(row, nm, att); !ok {
			continue
		}
		// A lookup attribute is changing. Only the new value is at hand,
		// so fetch the old ones through the key and drop their entry.
		oldRow, err := c.GetByKey(ctx, keyVal)
		if err != nil {
			return err
		}
		if search, err := c.searchTuple(oldRow, nil); err == nil {
			c.cache.DeleteKey(search)
		}
		break
	}
	if c.ccfg.CacheFullRows {
		c.cache.DeleteRow(keyVal)
	}
	if err := c.Dimension.Update(ctx, row, nm); err != nil {
		return err
	}
	if c.authoritative() {
		newRow, err := c.GetByKey(ctx, keyVal)
		if err != nil {
			return err
		}
		if newRow[c.cfg.Key] != nil {
			if search, err := c.searchTuple(newRow, nil); err == nil {
				c.cache.StoreKey(search, keyVal)
			}
		}
	}
	return nil
}
