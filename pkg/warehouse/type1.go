package warehouse

import (
	"context"
	"fmt"
	"strings"

	"github.com/starsetlabs/starload/pkg/metrics"
)

// Type1DimensionConfig configures a type-1 slowly changing dimension.
// LookupAtts are required. Type1Atts are the attributes that get
// overwritten in place; they default to every attribute that is not a
// lookup attribute. DefaultKey, RowExpander, and DisableInsertCaching are
// ignored: a type-1 dimension always caches inserts and treats a nil
// lookup result as a miss.
type Type1DimensionConfig struct {
	CachedDimensionConfig

	Type1Atts []string
}

func (c *Type1DimensionConfig) Validate() error {
	if len(c.LookupAtts) == 0 {
		return fmt.Errorf("%w: lookup attributes are required", ErrConfig)
	}
	c.DefaultKey = nil
	c.RowExpander = nil
	c.DisableInsertCaching = false
	if err := c.CachedDimensionConfig.Validate(); err != nil {
		return err
	}
	if c.Type1Atts == nil {
		c.Type1Atts = difference(c.Attributes, c.LookupAtts)
	} else {
		for _, att := range c.Type1Atts {
			if !contains(c.Attributes, att) {
				return fmt.Errorf("%w: type 1 attribute %q is not among the attributes", ErrConfig, att)
			}
			if contains(c.LookupAtts, att) {
				return fmt.Errorf("%w: type 1 attribute %q is a lookup attribute", ErrConfig, att)
			}
		}
	}
	if len(c.Type1Atts) == 0 {
		return fmt.Errorf("%w: type 1 attributes contain no attributes", ErrConfig)
	}
	return nil
}

// Type1Dimension overwrites changed attribute values in place instead of
// versioning members. Besides the usual lookup cache it keeps the current
// type-1 values per key so that an unchanged source row costs no query.
type Type1Dimension struct {
	*CachedDimension
	t1cfg *Type1DimensionConfig

	// current holds the latest type-1 values per key. Unused when full
	// rows are cached; those already carry the values.
	current Cache
}

func NewType1Dimension(ctx context.Context, s *Session, cfg *Type1DimensionConfig) (*Type1Dimension, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ErrConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	base, err := newCachedDimension(ctx, s, &cfg.CachedDimensionConfig)
	if err != nil {
		return nil, err
	}
	t := &Type1Dimension{CachedDimension: base, t1cfg: cfg}
	if !cfg.CacheFullRows {
		t.current = NewCache(max(cfg.CacheSize, 0))
		if cfg.Prefill {
			if err := t.prefillCurrent(ctx); err != nil {
				return nil, err
			}
		}
	}
	s.Register(t)
	return t, nil
}

func (t *Type1Dimension) prefillCurrent(ctx context.Context) error {
	cols := append([]string{t.cfg.Key}, t.t1cfg.Type1Atts...)
	stmt := fmt.Sprintf("SELECT %s FROM %s", strings.Join(quoteAll(t.quoter, cols), ", "), t.cfg.Name)
	if t.bounded() && t.ccfg.UseFetchFirst {
		stmt += fmt.Sprintf(" FETCH FIRST %d ROWS ONLY", t.ccfg.CacheSize)
	}
	rs, err := t.conn.Select(ctx, stmt, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to prefill cache for %s: %w", t.cfg.Name, err)
	}
	defer rs.Close()
	count := 0
	for rs.Next() {
		if t.bounded() && count >= t.ccfg.CacheSize {
			break
		}
		tuple, err := rs.Values()
		if err != nil {
			return fmt.Errorf("failed to prefill cache for %s: %w", t.cfg.Name, err)
		}
		vals := make(Row, len(t.t1cfg.Type1Atts))
		for i, att := range t.t1cfg.Type1Atts {
			vals[att] = tuple[i+1]
		}
		t.current.StoreRow(tuple[0], vals)
		count++
	}
	if err := rs.Err(); err != nil {
		return fmt.Errorf("failed to prefill cache for %s: %w", t.cfg.Name, err)
	}
	return nil
}

func (t *Type1Dimension) storeCurrent(key any, row Row, nm NameMapping) {
	vals := make(Row, len(t.t1cfg.Type1Atts))
	for _, att := range t.t1cfg.Type1Atts {
		if v, ok := GetValue(row, nm, att); ok {
			vals[att] = v
		}
	}
	t.current.StoreRow(key, vals)
}

func (t *Type1Dimension) Ensure(ctx context.Context, row Row, nm NameMapping) (any, error) {
	return ensureRow(ctx, row, nm, nil, nil, t.Lookup, t.Insert)
}

func (t *Type1Dimension) Insert(ctx context.Context, row Row, nm NameMapping) (any, error) {
	key, err := t.CachedDimension.Insert(ctx, row, nm)
	if err != nil {
		return nil, err
	}
	if t.current != nil {
		t.storeCurrent(key, row, nm)
	}
	return key, nil
}

func (t *Type1Dimension) GetByKey(ctx context.Context, key any) (Row, error) {
	row, err := t.CachedDimension.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if t.current != nil && row[t.cfg.Key] != nil {
		t.storeCurrent(key, row, nil)
	}
	return row, nil
}

func (t *Type1Dimension) Update(ctx context.Context, row Row, nm NameMapping) error {
	if err := t.CachedDimension.Update(ctx, row, nm); err != nil {
		return err
	}
	if t.current == nil {
		return nil
	}
	keyVal, ok := GetValue(row, nm, t.cfg.Key)
	if !ok {
		return nil
	}
	vals, ok := t.current.RowByKey(keyVal)
	if !ok {
		return nil
	}
	merged := CopyRow(vals)
	for _, att := range t.t1cfg.Type1Atts {
		if v, ok := GetValue(row, nm, att); ok {
			merged[att] = v
		}
	}
	t.current.StoreRow(keyVal, merged)
	return nil
}

// SCDEnsure looks the member up and inserts it on a miss. On a hit every
// type-1 attribute present in the source row is compared to the stored
// member, and the changed ones are overwritten with a single UPDATE that
// hits all rows sharing the lookup values, so duplicated members cannot
// drift apart. The key is written into the source row either way.
func (t *Type1Dimension) SCDEnsure(ctx context.Context, row Row, nm NameMapping) (any, error) {
	key, err := t.Lookup(ctx, row, nm)
	if err != nil {
		return nil, err
	}
	keyCol := nm.col(t.cfg.Key)
	if key == nil {
		key, err = t.Insert(ctx, row, nm)
		if err != nil {
			return nil, err
		}
		row[keyCol] = key
		return key, nil
	}
	row[keyCol] = key

	var present []string
	for _, att := range t.t1cfg.Type1Atts {
		if _, ok := GetValue(row, nm, att); ok {
			present = append(present, att)
		}
	}
	if len(present) == 0 {
		return key, nil
	}

	var stored Row
	if t.current != nil {
		if vals, ok := t.current.RowByKey(key); ok {
			stored = CopyRow(vals)
		}
	}
	if stored == nil {
		fetched, err := t.GetByKey(ctx, key)
		if err != nil {
			return nil, err
		}
		stored = fetched
	}

	var changed []string
	for _, att := range present {
		v, _ := GetValue(row, nm, att)
		if !ValuesEqual(v, stored[att]) {
			changed = append(changed, att)
			stored[att] = v
		}
	}
	if len(changed) == 0 {
		return key, nil
	}

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		t.cfg.Name, assignmentClause(t.quoter, changed), equalityClause(t.quoter, t.cfg.LookupAtts))
	if err := t.conn.Execute(ctx, stmt, row, nm); err != nil {
		return nil, fmt.Errorf("failed to update %s: %w", t.cfg.Name, err)
	}
	metrics.RowsUpdated.WithLabelValues(t.cfg.Name).Inc()

	if t.ccfg.CacheFullRows {
		if stored[t.cfg.Key] != nil {
			t.cache.StoreRow(key, stored)
		}
	} else {
		t.storeCurrent(key, stored, nil)
	}
	return key, nil
}
