package warehouse

import (
	"context"
	"fmt"

	"github.com/starsetlabs/starload/pkg/metrics"
)

// BulkDimensionConfig configures a dimension whose members are spooled and
// bulk loaded while the entire table is cached in memory.
type BulkDimensionConfig struct {
	DimensionConfig
	SpoolConfig

	// CacheFullRows caches complete rows, so GetByKey never touches the
	// database either.
	CacheFullRows bool
}

func (c *BulkDimensionConfig) Validate() error {
	if err := c.DimensionConfig.Validate(); err != nil {
		return err
	}
	return c.SpoolConfig.Validate()
}

// BulkDimension keeps the whole dimension resident in an unbounded cache
// and spools new members for bulk loading. Lookup and Ensure are served
// from the cache alone and never query the database. GetByVals and Update
// load the spool first and then query; so does GetByKey unless full rows
// are cached, in which case it too stays in memory.
//
// The cache trusts the database not to alter stored values. Column
// defaults, triggers, or type coercion on the table break that assumption.
type BulkDimension struct {
	*CachedDimension
	bcfg *BulkDimensionConfig
	sp   *spool
}

func NewBulkDimension(ctx context.Context, s *Session, cfg *BulkDimensionConfig) (*BulkDimension, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ErrConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cached, err := newCachedDimension(ctx, s, &CachedDimensionConfig{
		DimensionConfig: cfg.DimensionConfig,
		CacheSize:       -1,
		Prefill:         true,
		CacheFullRows:   cfg.CacheFullRows,
	})
	if err != nil {
		return nil, err
	}
	b := &BulkDimension{
		CachedDimension: cached,
		bcfg:            cfg,
		sp:              newSpool(cached.log, cfg.Name, cached.all, &cfg.SpoolConfig),
	}
	s.Register(b)
	return b, nil
}

// AwaitingRows returns the number of spooled members not yet loaded.
func (b *BulkDimension) AwaitingRows() int { return b.sp.awaitingRows() }

// BulkLoadNow loads the spooled members without waiting for the spool to
// fill.
func (b *BulkDimension) BulkLoadNow(ctx context.Context) error {
	return b.sp.loadNow(ctx)
}

// Insert spools the member and primes the cache with it. A missing key
// value is generated into a copy; the caller's row is never modified.
func (b *BulkDimension) Insert(ctx context.Context, row Row, nm NameMapping) (any, error) {
	target, key, err := b.withKey(ctx, row, nm)
	if err != nil {
		return nil, err
	}
	if err := b.sp.insert(ctx, target, nm); err != nil {
		return nil, err
	}
	metrics.RowsInserted.WithLabelValues(b.cfg.Name).Inc()
	b.cacheInserted(target, nm, key)
	return key, nil
}

// Ensure routes the insert of a missed member through the spool.
func (b *BulkDimension) Ensure(ctx context.Context, row Row, nm NameMapping) (any, error) {
	return ensureRow(ctx, row, nm, b.cfg.DefaultKey, b.cfg.RowExpander, b.Lookup, b.Insert)
}

// GetByKey returns the member with the given key. With CacheFullRows the
// cache alone answers and a miss yields a row of nils; otherwise the spool
// is loaded and the table queried.
func (b *BulkDimension) GetByKey(ctx context.Context, key any) (Row, error) {
	if !b.ccfg.CacheFullRows {
		if err := b.sp.loadNow(ctx); err != nil {
			return nil, err
		}
		return b.CachedDimension.GetByKey(ctx, key)
	}
	if row, ok := b.cache.RowByKey(key); ok {
		return CopyRow(row), nil
	}
	return b.tupleToRow(nil), nil
}

// GetByVals loads the spool first so the query sees every member.
func (b *BulkDimension) GetByVals(ctx context.Context, vals Row, nm NameMapping) ([]Row, error) {
	if err := b.sp.loadNow(ctx); err != nil {
		return nil, err
	}
	return b.Dimension.GetByVals(ctx, vals, nm)
}

// Update loads the spool first so the member is present in the table.
func (b *BulkDimension) Update(ctx context.Context, row Row, nm NameMapping) error {
	if err := b.sp.loadNow(ctx); err != nil {
		return err
	}
	return b.CachedDimension.Update(ctx, row, nm)
}

// EndLoad loads any remaining members and removes the spool file.
func (b *BulkDimension) EndLoad(ctx context.Context) error {
	return b.sp.endLoad(ctx)
}

const defaultCachedBulkSize = 5000

// CachedBulkDimensionConfig configures a bulk loaded dimension with a
// bounded cache.
type CachedBulkDimensionConfig struct {
	DimensionConfig
	SpoolConfig

	// CacheSize bounds the cache. Zero means the default of 10000; a
	// negative value removes the bound.
	CacheSize int
	// CacheFullRows caches complete rows for GetByKey, not only the
	// search-tuple to key mapping.
	CacheFullRows bool
	// UseFetchFirst adds a FETCH FIRST clause to the prefill query on
	// targets that support it.
	UseFetchFirst bool
}

func (c *CachedBulkDimensionConfig) Validate() error {
	if err := c.DimensionConfig.Validate(); err != nil {
		return err
	}
	if c.BulkSize <= 0 {
		c.BulkSize = defaultCachedBulkSize
	}
	return c.SpoolConfig.Validate()
}

// CachedBulkDimension spools new members for bulk loading behind a bounded
// cache. Unlike BulkDimension the cache may not hold the whole table, so a
// cold Lookup can query the database. Members awaiting load are kept in
// side caches of their own and found by Lookup and GetByKey before they
// reach the table; GetByVals and Update load the spool first.
//
// The cache trusts the database not to alter stored values. Column
// defaults, triggers, or type coercion on the table break that assumption.
type CachedBulkDimension struct {
	*CachedDimension
	bcfg *CachedBulkDimensionConfig
	sp   *spool

	// Spooled members not yet loaded, by search tuple and by key.
	localBySearch map[string]Row
	localByKey    map[string]Row
}

func NewCachedBulkDimension(ctx context.Context, s *Session, cfg *CachedBulkDimensionConfig) (*CachedBulkDimension, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ErrConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cached, err := newCachedDimension(ctx, s, &CachedDimensionConfig{
		DimensionConfig: cfg.DimensionConfig,
		CacheSize:       cfg.CacheSize,
		Prefill:         true,
		CacheFullRows:   cfg.CacheFullRows,
		UseFetchFirst:   cfg.UseFetchFirst,
	})
	if err != nil {
		return nil, err
	}
	c := &CachedBulkDimension{
		CachedDimension: cached,
		bcfg:            cfg,
		sp:              newSpool(cached.log, cfg.Name, cached.all, &cfg.SpoolConfig),
		localBySearch:   map[string]Row{},
		localByKey:      map[string]Row{},
	}
	c.sp.beforeLoad = c.migrateLocals
	s.Register(c)
	return c, nil
}

// migrateLocals moves the members awaiting load into the main cache. Runs
// before every load, so the side caches never outlive the spool.
func (c *CachedBulkDimension) migrateLocals() {
	for _, row := range c.localByKey {
		c.cacheInserted(row, nil, row[c.cfg.Key])
	}
	clear(c.localBySearch)
	clear(c.localByKey)
}

// AwaitingRows returns the number of spooled members not yet loaded.
func (c *CachedBulkDimension) AwaitingRows() int { return c.sp.awaitingRows() }

// BulkLoadNow loads the spooled members without waiting for the spool to
// fill.
func (c *CachedBulkDimension) BulkLoadNow(ctx context.Context) error {
	c.migrateLocals()
	return c.sp.loadNow(ctx)
}

// Lookup answers from the members awaiting load first, then as a
// CachedDimension would.
func (c *CachedBulkDimension) Lookup(ctx context.Context, row Row, nm NameMapping) (any, error) {
	search, err := c.searchTuple(row, nm)
	if err != nil {
		return nil, err
	}
	if local, ok := c.localBySearch[searchKey(search)]; ok {
		metrics.LookupCacheHits.WithLabelValues(c.cfg.Name).Inc()
		return local[c.cfg.Key], nil
	}
	return c.CachedDimension.Lookup(ctx, row, nm)
}

// GetByKey returns the member with the given key, checking the members
// awaiting load before the cache and the table.
func (c *CachedBulkDimension) GetByKey(ctx context.Context, key any) (Row, error) {
	if row, ok := c.localByKey[rowKey(key)]; ok {
		return CopyRow(row), nil
	}
	return c.CachedDimension.GetByKey(ctx, key)
}

// Insert spools the member. A missing key value is generated; the caller's
// row is never modified. When a member with the same lookup attributes is
// already awaiting load, nothing is spooled and its key is returned.
func (c *CachedBulkDimension) Insert(ctx context.Context, row Row, nm NameMapping) (any, error) {
	target := CanonicalCopy(row, nm)
	search, err := c.searchTuple(target, nil)
	if err != nil {
		return nil, err
	}
	sk := searchKey(search)
	if existing, ok := c.localBySearch[sk]; ok {
		return existing[c.cfg.Key], nil
	}
	key := target[c.cfg.Key]
	if key == nil {
		key, err = c.keygen.NextKey(ctx, target, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key for %s: %w", c.cfg.Name, err)
		}
		target[c.cfg.Key] = key
	}
	if err := c.sp.insert(ctx, target, nil); err != nil {
		return nil, err
	}
	metrics.RowsInserted.WithLabelValues(c.cfg.Name).Inc()
	c.localBySearch[sk] = target
	c.localByKey[rowKey(key)] = target
	return key, nil
}

// Ensure routes the insert of a missed member through the spool.
func (c *CachedBulkDimension) Ensure(ctx context.Context, row Row, nm NameMapping) (any, error) {
	return ensureRow(ctx, row, nm, c.cfg.DefaultKey, c.cfg.RowExpander, c.Lookup, c.Insert)
}

// GetByVals loads the spool first so the query sees every member.
func (c *CachedBulkDimension) GetByVals(ctx context.Context, vals Row, nm NameMapping) ([]Row, error) {
	if err := c.BulkLoadNow(ctx); err != nil {
		return nil, err
	}
	return c.Dimension.GetByVals(ctx, vals, nm)
}

// Update loads the spool first so the member is present in the table.
func (c *CachedBulkDimension) Update(ctx context.Context, row Row, nm NameMapping) error {
	if err := c.BulkLoadNow(ctx); err != nil {
		return err
	}
	return c.CachedDimension.Update(ctx, row, nm)
}

// EndLoad loads any remaining members and removes the spool file.
func (c *CachedBulkDimension) EndLoad(ctx context.Context) error {
	if err := c.BulkLoadNow(ctx); err != nil {
		return err
	}
	return c.sp.endLoad(ctx)
}
