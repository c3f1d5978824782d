package warehouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/starsetlabs/starload/pkg/metrics"
)

// Type2DimensionConfig configures a type-2 slowly changing dimension. Each
// change to a member adds a new version row; older versions stay behind
// with their validity interval closed.
type Type2DimensionConfig struct {
	// Name of the dimension table.
	Name string
	// Key is the primary key attribute.
	Key string
	// Attributes are the non-key attributes, including the versioning
	// ones.
	Attributes []string
	// LookupAtts identify a member across its versions. Required.
	LookupAtts []string

	// OrderingAtt decides which version is the newest. When empty, the
	// version attribute is used, then the to attribute, then the from
	// attribute. At least one of the four must be set.
	OrderingAtt string
	// VersionAtt holds the version number, starting at 1.
	VersionAtt string

	// FromAtt holds the time a version becomes valid. Optional.
	FromAtt string
	// FromFinder produces the from value for a new version. Defaults to
	// reading SrcDateAtt when that is set, and otherwise to the session's
	// load day.
	FromFinder TimestampFinder
	// ToAtt holds the time a version stops being valid. Optional.
	ToAtt string
	// ToFinder produces the value that closes the previous version.
	// Defaults to FromFinder, so by default the old version ends exactly
	// where the new one begins.
	ToFinder TimestampFinder
	// MinFrom is used as the from value for a member's first version when
	// UseMinFrom is set and the source row carries no from value.
	MinFrom    any
	UseMinFrom bool
	// MaxTo marks a version as current. Nil means the to attribute of the
	// current version is NULL.
	MaxTo any

	// SrcDateAtt names a source attribute holding the time a version is
	// valid from. When set it is also compared against the stored from
	// value to detect new versions.
	SrcDateAtt string
	// SrcDateParser converts SrcDateAtt values. The default accepts
	// time.Time values and yyyy-MM-dd strings.
	SrcDateParser func(any) (any, error)

	// Type1Atts are attributes whose changes overwrite all versions in
	// place instead of creating a new version.
	Type1Atts []string
	// Type1UpdateAll narrows the overwrite per attribute: a type 1
	// attribute mapped to false only updates the newest version.
	// Attributes not in the map update every version.
	Type1UpdateAll map[string]bool

	// CacheSize bounds the version caches. Zero means the default of
	// 10000 and a negative value removes the bound. DisableCaching turns
	// the caches off entirely.
	CacheSize      int
	DisableCaching bool
	// Prefill loads the newest version of every member at construction.
	Prefill bool
	// UseFetchFirst adds a FETCH FIRST clause to the prefill query on
	// targets that support it.
	UseFetchFirst bool
	// DisableOrderBy fetches all versions and picks the newest locally
	// instead of having the target sort them.
	DisableOrderBy bool

	KeyGenerator KeyGenerator
	// TargetConn overrides the session's connection for this table.
	TargetConn *Conn
}

func (c *Type2DimensionConfig) Validate() error {
	if len(c.LookupAtts) == 0 {
		return fmt.Errorf("%w: lookup attributes are required", ErrConfig)
	}
	if c.OrderingAtt == "" && c.VersionAtt == "" && c.ToAtt == "" && c.FromAtt == "" {
		return fmt.Errorf("%w: one of the ordering, version, to, or from attributes must be set", ErrConfig)
	}
	for _, att := range []string{c.OrderingAtt, c.VersionAtt, c.FromAtt, c.ToAtt} {
		if att != "" && !contains(c.Attributes, att) {
			return fmt.Errorf("%w: %q is not among the attributes", ErrConfig, att)
		}
	}
	for _, att := range c.Type1Atts {
		if !contains(c.Attributes, att) {
			return fmt.Errorf("%w: type 1 attribute %q is not among the attributes", ErrConfig, att)
		}
		if contains(c.LookupAtts, att) {
			return fmt.Errorf("%w: type 1 attribute %q is a lookup attribute", ErrConfig, att)
		}
	}
	if c.CacheSize == 0 {
		c.CacheSize = defaultCacheSize
	}
	if c.SrcDateParser == nil {
		c.SrcDateParser = defaultSrcDateParse
	}
	return nil
}

func defaultSrcDateParse(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return x, nil
	case string:
		return ParseYMD(x)
	default:
		return v, nil
	}
}

// Type2Dimension versions its members. Lookup returns the key of the
// newest version, SCDEnsure adds versions as attribute values change, and
// LookupAsOf finds the version that was valid at a point in time.
type Type2Dimension struct {
	*Dimension
	t2cfg *Type2DimensionConfig

	orderingAtt  string
	fromFinder   TimestampFinder
	toFinder     TimestampFinder
	parseSrcDate func(any) (any, error)

	// cache holds the newest version per member: search tuple to key and
	// key to full row. Nil when caching is disabled.
	cache     Cache
	prefilled bool

	keyVersionSQL string
	updateToSQL   string
	validitySQL   string
}

func NewType2Dimension(ctx context.Context, s *Session, cfg *Type2DimensionConfig) (*Type2Dimension, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ErrConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	base, err := newDimension(s, &DimensionConfig{
		Name:         cfg.Name,
		Key:          cfg.Key,
		Attributes:   cfg.Attributes,
		LookupAtts:   cfg.LookupAtts,
		KeyGenerator: cfg.KeyGenerator,
		TargetConn:   cfg.TargetConn,
	})
	if err != nil {
		return nil, err
	}
	t := &Type2Dimension{
		Dimension:    base,
		t2cfg:        cfg,
		parseSrcDate: cfg.SrcDateParser,
	}
	switch {
	case cfg.OrderingAtt != "":
		t.orderingAtt = cfg.OrderingAtt
	case cfg.VersionAtt != "":
		t.orderingAtt = cfg.VersionAtt
	case cfg.ToAtt != "":
		t.orderingAtt = cfg.ToAtt
	default:
		t.orderingAtt = cfg.FromAtt
	}

	t.fromFinder = cfg.FromFinder
	if t.fromFinder == nil {
		if cfg.SrcDateAtt != "" {
			t.fromFinder = func(ctx context.Context, conn *Conn, row Row, nm NameMapping) (any, error) {
				v, ok := GetValue(row, nm, cfg.SrcDateAtt)
				if !ok {
					return nil, fmt.Errorf("%w: attribute %q for table %s", ErrData, cfg.SrcDateAtt, cfg.Name)
				}
				return t.parseSrcDate(v)
			}
		} else {
			t.fromFinder = TodayFinder(s)
		}
	}
	t.toFinder = cfg.ToFinder
	if t.toFinder == nil {
		t.toFinder = t.fromFinder
	}

	q := t.quoter
	// The newest version must come back first. NULL validity values sort
	// as newest when ordering on the to attribute and as oldest when
	// ordering on the from attribute.
	base.keyLookupSQL += fmt.Sprintf(" ORDER BY %s DESC", q.Quote(t.orderingAtt))
	switch t.orderingAtt {
	case cfg.ToAtt:
		base.keyLookupSQL += " NULLS FIRST"
	case cfg.FromAtt:
		base.keyLookupSQL += " NULLS LAST"
	}

	t.keyVersionSQL = fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s",
		q.Quote(cfg.Key), q.Quote(t.orderingAtt), cfg.Name, equalityClause(q, cfg.LookupAtts))

	if cfg.ToAtt != "" {
		t.updateToSQL = fmt.Sprintf("UPDATE %s SET %s = %%(%s)s WHERE %s = %%(%s)s",
			cfg.Name, q.Quote(cfg.ToAtt), cfg.ToAtt, q.Quote(cfg.Key), cfg.Key)
	}
	if cfg.ToAtt != "" || cfg.FromAtt != "" {
		cols := []string{cfg.Key}
		if cfg.ToAtt != "" {
			cols = append(cols, cfg.ToAtt)
		}
		if cfg.FromAtt != "" {
			cols = append(cols, cfg.FromAtt)
		}
		t.validitySQL = fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s ASC",
			strings.Join(quoteAll(q, cols), ", "), cfg.Name,
			equalityClause(q, cfg.LookupAtts), q.Quote(t.orderingAtt))
		switch t.orderingAtt {
		case cfg.ToAtt:
			t.validitySQL += " NULLS LAST"
		case cfg.FromAtt:
			t.validitySQL += " NULLS FIRST"
		}
	}

	if !cfg.DisableCaching {
		t.cache = NewCache(max(cfg.CacheSize, 0))
		if cfg.Prefill {
			if err := t.prefillVersions(ctx); err != nil {
				return nil, err
			}
			t.prefilled = true
		}
	}
	s.Register(t)
	return t, nil
}

func (t *Type2Dimension) prefillVersions(ctx context.Context) error {
	var stmt string
	var args Row
	q := t.quoter
	if t.t2cfg.ToAtt != "" {
		// Current versions are the ones whose to attribute still holds
		// the open marker.
		cond := "IS NULL"
		if t.t2cfg.MaxTo != nil {
			cond = "= %(maxto)s"
			args = Row{"maxto": t.t2cfg.MaxTo}
		}
		stmt = fmt.Sprintf("SELECT %s FROM %s WHERE %s %s",
			strings.Join(quoteAll(q, t.all), ", "), t.cfg.Name, q.Quote(t.t2cfg.ToAtt), cond)
	} else {
		// No to attribute, so find the greatest ordering value per member
		// and join back to get the full rows.
		la := strings.Join(quoteAll(q, t.cfg.LookupAtts), ", ")
		ord := q.Quote(t.orderingAtt)
		newest := fmt.Sprintf("SELECT %s, MAX(%s) AS %s FROM %s GROUP BY %s",
			la, ord, ord, t.cfg.Name, la)
		joinAtts := append(append([]string{}, t.cfg.LookupAtts...), t.orderingAtt)
		conds := make([]string, len(joinAtts))
		for i, att := range joinAtts {
			conds[i] = fmt.Sprintf("A.%s = B.%s", q.Quote(att), q.Quote(att))
		}
		sels := make([]string, len(t.all))
		for i, att := range t.all {
			sels[i] = fmt.Sprintf("B.%s AS %s", q.Quote(att), q.Quote(att))
		}
		stmt = fmt.Sprintf("SELECT %s FROM (%s) AS A, %s AS B WHERE %s",
			strings.Join(sels, ", "), newest, t.cfg.Name, strings.Join(conds, " AND "))
	}
	if t.t2cfg.CacheSize > 0 && t.t2cfg.UseFetchFirst {
		stmt += fmt.Sprintf(" FETCH FIRST %d ROWS ONLY", t.t2cfg.CacheSize)
	}

	positions := make([]int, len(t.cfg.LookupAtts))
	for i, att := range t.cfg.LookupAtts {
		positions[i] = indexOf(t.all, att)
	}
	rs, err := t.conn.Select(ctx, stmt, args, nil)
	if err != nil {
		return fmt.Errorf("failed to prefill cache for %s: %w", t.cfg.Name, err)
	}
	defer rs.Close()
	count := 0
	for rs.Next() {
		if t.t2cfg.CacheSize > 0 && count >= t.t2cfg.CacheSize {
			break
		}
		tuple, err := rs.Values()
		if err != nil {
			return fmt.Errorf("failed to prefill cache for %s: %w", t.cfg.Name, err)
		}
		search := make([]any, len(positions))
		for i, p := range positions {
			search[i] = tuple[p]
		}
		t.cache.StoreKey(search, tuple[0])
		t.cache.StoreRow(tuple[0], t.tupleToRow(tuple))
		count++
	}
	if err := rs.Err(); err != nil {
		return fmt.Errorf("failed to prefill cache for %s: %w", t.cfg.Name, err)
	}
	return nil
}

// authoritative reports whether every current member is cached, making a
// cache miss authoritative.
func (t *Type2Dimension) authoritative() bool {
	return t.prefilled && (t.t2cfg.CacheSize < 0 || t.cache.Len() < t.t2cfg.CacheSize)
}

// Lookup finds the key of the newest version of the member matching the
// lookup attributes, or nil when the member is unknown.
func (t *Type2Dimension) Lookup(ctx context.Context, row Row, nm NameMapping) (any, error) {
	search, err := t.searchTuple(row, nm)
	if err != nil {
		return nil, err
	}
	if t.cache != nil {
		if key, ok := t.cache.KeyBySearch(search); ok {
			metrics.LookupCacheHits.WithLabelValues(t.cfg.Name).Inc()
			return key, nil
		}
		metrics.LookupCacheMisses.WithLabelValues(t.cfg.Name).Inc()
		if t.authoritative() {
			return nil, nil
		}
	}
	var key any
	if t.t2cfg.DisableOrderBy {
		key, err = t.lookupNewestLocally(ctx, row, nm)
	} else {
		key, err = t.lookupTarget(ctx, row, nm)
	}
	if err != nil {
		return nil, err
	}
	if key != nil && t.cache != nil {
		t.cache.StoreKey(search, key)
	}
	return key, nil
}

// lookupNewestLocally fetches all versions and picks the newest here
// instead of sorting on the target.
func (t *Type2Dimension) lookupNewestLocally(ctx context.Context, row Row, nm NameMapping) (any, error) {
	rs, err := t.conn.Select(ctx, t.keyVersionSQL, row, nm)
	if err != nil {
		return nil, fmt.Errorf("failed to look up in %s: %w", t.cfg.Name, err)
	}
	defer rs.Close()
	var newestKey, newestOrd any
	found := false
	for rs.Next() {
		tuple, err := rs.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to look up in %s: %w", t.cfg.Name, err)
		}
		if !found {
			newestKey, newestOrd = tuple[0], tuple[1]
			found = true
			continue
		}
		greater, err := t.ordGreater(tuple[1], newestOrd)
		if err != nil {
			return nil, fmt.Errorf("failed to order versions of %s: %w", t.cfg.Name, err)
		}
		if greater {
			newestKey, newestOrd = tuple[0], tuple[1]
		}
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("failed to look up in %s: %w", t.cfg.Name, err)
	}
	if !found {
		return nil, nil
	}
	return newestKey, nil
}

// ordGreater orders two ordering values with the same NULL placement the
// generated ORDER BY uses.
func (t *Type2Dimension) ordGreater(a, b any) (bool, error) {
	if a == nil || b == nil {
		if a == nil && b == nil {
			return false, nil
		}
		nilNewest := t.t2cfg.ToAtt != "" && t.orderingAtt == t.t2cfg.ToAtt
		if a == nil {
			return nilNewest, nil
		}
		return !nilNewest, nil
	}
	c, err := CompareValues(a, b)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}

// GetByKey returns the version stored under key. Cached rows are returned
// as copies.
func (t *Type2Dimension) GetByKey(ctx context.Context, key any) (Row, error) {
	if t.cache != nil {
		if row, ok := t.cache.RowByKey(key); ok {
			return CopyRow(row), nil
		}
	}
	row, err := t.Dimension.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if t.cache != nil && row[t.cfg.Key] != nil {
		t.cache.StoreRow(key, CopyRow(row))
	}
	return row, nil
}

func (t *Type2Dimension) Ensure(ctx context.Context, row Row, nm NameMapping) (any, error) {
	return ensureRow(ctx, row, nm, nil, nil, t.Lookup, t.Insert)
}

func (t *Type2Dimension) Insert(ctx context.Context, row Row, nm NameMapping) (any, error) {
	key, err := t.Dimension.Insert(ctx, row, nm)
	if err != nil {
		return nil, err
	}
	if t.cache != nil {
		if search, err := t.searchTuple(row, nm); err == nil {
			t.cache.StoreKey(search, key)
		}
		full := Project(t.cfg.Attributes, row, nm)
		full[t.cfg.Key] = key
		t.cache.StoreRow(key, full)
	}
	return key, nil
}

func (t *Type2Dimension) Update(ctx context.Context, row Row, nm NameMapping) error {
	if t.cache == nil {
		return t.Dimension.Update(ctx, row, nm)
	}
	keyVal, ok := GetValue(row, nm, t.cfg.Key)
	if !ok {
		return fmt.Errorf("%w: key value for table %s is missing", ErrData, t.cfg.Name)
	}
	for _, att := range t.cfg.LookupAtts {
		if _, ok := GetValue(row, nm, att); !ok {
			continue
		}
		oldRow, err := t.GetByKey(ctx, keyVal)
		if err != nil {
			return err
		}
		if search, err := t.searchTuple(oldRow, nil); err == nil {
			t.cache.DeleteKey(search)
		}
		break
	}
	t.cache.DeleteRow(keyVal)
	return t.Dimension.Update(ctx, row, nm)
}

// SCDEnsure looks up the member and adds a version when needed.
//
// For an unknown member the first version is inserted with version number
// 1 and an open validity interval. For a known member the source values
// are compared to the newest version: changes to type-1 attributes are
// overwritten in every version, any other change inserts a new version and
// closes the previous one. A version whose to attribute was closed by hand
// forces a new version even when all attribute values match.
//
// The row is updated in place with the key and the versioning values, so
// the caller can use it for fact loading right away.
func (t *Type2Dimension) SCDEnsure(ctx context.Context, row Row, nm NameMapping) (any, error) {
	keyCol := nm.col(t.cfg.Key)
	key, err := t.Lookup(ctx, row, nm)
	if err != nil {
		return nil, err
	}

	if key == nil {
		// First version of a new member.
		if t.t2cfg.VersionAtt != "" {
			row[nm.col(t.t2cfg.VersionAtt)] = 1
		}
		if t.t2cfg.FromAtt != "" {
			fromCol := nm.col(t.t2cfg.FromAtt)
			if _, ok := row[fromCol]; !ok {
				if t.t2cfg.UseMinFrom {
					row[fromCol] = t.t2cfg.MinFrom
				} else {
					v, err := t.fromFinder(ctx, t.conn, row, nm)
					if err != nil {
						return nil, err
					}
					row[fromCol] = v
				}
			}
		}
		if t.t2cfg.ToAtt != "" {
			toCol := nm.col(t.t2cfg.ToAtt)
			if _, ok := row[toCol]; !ok {
				row[toCol] = t.t2cfg.MaxTo
			}
		}
		key, err = t.Insert(ctx, row, nm)
		if err != nil {
			return nil, err
		}
		row[keyCol] = key
		return key, nil
	}

	other, err := t.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	type1Updates := Row{}
	addNewVersion := false
	for _, att := range t.all {
		switch {
		case att == t.cfg.Key || att == t.orderingAtt || att == t.t2cfg.VersionAtt:
			// Bookkeeping values, nothing to compare.
		case att == t.t2cfg.ToAtt:
			if !ValuesEqual(other[att], t.t2cfg.MaxTo) {
				// The newest version was closed manually, so a new one
				// must be added even if nothing else changed.
				addNewVersion = true
			}
		case att == t.t2cfg.FromAtt:
			if t.t2cfg.SrcDateAtt == "" {
				continue
			}
			raw, ok := GetValue(row, nm, t.t2cfg.SrcDateAtt)
			if !ok {
				return nil, fmt.Errorf("%w: attribute %q for table %s", ErrData, t.t2cfg.SrcDateAtt, t.cfg.Name)
			}
			parsed, err := t.parseSrcDate(raw)
			if err != nil {
				return nil, fmt.Errorf("failed to parse source date for %s: %w", t.cfg.Name, err)
			}
			if !validityEqual(parsed, other[att]) {
				addNewVersion = true
			}
		default:
			v, ok := GetValue(row, nm, att)
			if !ok {
				return nil, fmt.Errorf("%w: attribute %q for table %s", ErrData, att, t.cfg.Name)
			}
			if !ValuesEqual(v, other[att]) {
				if contains(t.t2cfg.Type1Atts, att) {
					type1Updates[att] = v
				} else {
					addNewVersion = true
				}
			}
		}
		if addNewVersion && len(t.t2cfg.Type1Atts) == 0 {
			break
		}
	}

	if len(type1Updates) > 0 {
		if err := t.performType1Updates(ctx, type1Updates, other, addNewVersion); err != nil {
			return nil, err
		}
	}

	if !addNewVersion {
		// Nothing changed. Hand the stored versioning values back.
		row[keyCol] = key
		if t.t2cfg.VersionAtt != "" {
			row[nm.col(t.t2cfg.VersionAtt)] = other[t.t2cfg.VersionAtt]
		}
		if t.t2cfg.FromAtt != "" {
			row[nm.col(t.t2cfg.FromAtt)] = other[t.t2cfg.FromAtt]
		}
		if t.t2cfg.ToAtt != "" {
			row[nm.col(t.t2cfg.ToAtt)] = other[t.t2cfg.ToAtt]
		}
		return key, nil
	}

	delete(row, keyCol)
	if t.t2cfg.VersionAtt != "" {
		n, ok := Int(other[t.t2cfg.VersionAtt])
		if !ok {
			return nil, fmt.Errorf("%w: version value of %s is not an integer", ErrData, t.cfg.Name)
		}
		row[nm.col(t.t2cfg.VersionAtt)] = n + 1
	}
	if t.t2cfg.FromAtt != "" {
		v, err := t.fromFinder(ctx, t.conn, row, nm)
		if err != nil {
			return nil, err
		}
		row[nm.col(t.t2cfg.FromAtt)] = v
	}
	if t.t2cfg.ToAtt != "" {
		row[nm.col(t.t2cfg.ToAtt)] = t.t2cfg.MaxTo
	}
	newKey, err := t.Insert(ctx, row, nm)
	if err != nil {
		return nil, err
	}
	row[keyCol] = newKey

	// Close the previous version unless it was closed already.
	if t.t2cfg.ToAtt != "" && ValuesEqual(other[t.t2cfg.ToAtt], t.t2cfg.MaxTo) {
		end, err := t.toFinder(ctx, t.conn, row, nm)
		if err != nil {
			return nil, err
		}
		args := Row{t.cfg.Key: key, t.t2cfg.ToAtt: end}
		if err := t.conn.Execute(ctx, t.updateToSQL, args, nil); err != nil {
			return nil, fmt.Errorf("failed to close version of %s: %w", t.cfg.Name, err)
		}
		metrics.RowsUpdated.WithLabelValues(t.cfg.Name).Inc()
	}
	if t.cache != nil {
		t.cache.DeleteRow(key)
	}
	return newKey, nil
}

// performType1Updates overwrites the changed type-1 attributes in the
// member's versions identified by lookupVals: every version by default,
// only the newest one for attributes marked so in Type1UpdateAll. When a
// new version is about to be inserted it becomes the newest and carries
// the values itself, so the newest-only group is skipped.
func (t *Type2Dimension) performType1Updates(ctx context.Context, updates Row, lookupVals Row, newVersionComing bool) error {
	rs, err := t.conn.Select(ctx, t.keyLookupSQL, lookupVals, nil)
	if err != nil {
		return fmt.Errorf("failed to find versions of %s: %w", t.cfg.Name, err)
	}
	defer rs.Close()
	var keys []any
	for rs.Next() {
		tuple, err := rs.Values()
		if err != nil {
			return fmt.Errorf("failed to find versions of %s: %w", t.cfg.Name, err)
		}
		keys = append(keys, tuple[0])
	}
	if err := rs.Err(); err != nil {
		return fmt.Errorf("failed to find versions of %s: %w", t.cfg.Name, err)
	}
	if len(keys) == 0 {
		return nil
	}

	var every, newestOnly []string
	for _, att := range t.t2cfg.Type1Atts {
		if _, ok := updates[att]; !ok {
			continue
		}
		if all, ok := t.t2cfg.Type1UpdateAll[att]; ok && !all {
			newestOnly = append(newestOnly, att)
		} else {
			every = append(every, att)
		}
	}
	if err := t.updateVersions(ctx, updates, every, keys); err != nil {
		return err
	}
	if newVersionComing {
		return nil
	}
	// The versions come back newest first.
	return t.updateVersions(ctx, updates, newestOnly, keys[:1])
}

func (t *Type2Dimension) updateVersions(ctx context.Context, updates Row, atts []string, keys []any) error {
	if len(atts) == 0 {
		return nil
	}
	lits := make([]string, len(keys))
	for i := range keys {
		lits[i] = ToSQLLiteral(keys[len(keys)-1-i])
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s IN (%s)",
		t.cfg.Name, assignmentClause(t.quoter, atts),
		t.quoter.Quote(t.cfg.Key), strings.Join(lits, ", "))
	if err := t.conn.Execute(ctx, stmt, updates, nil); err != nil {
		return fmt.Errorf("failed to update %s: %w", t.cfg.Name, err)
	}
	metrics.RowsUpdated.WithLabelValues(t.cfg.Name).Add(float64(len(keys)))
	if t.cache != nil {
		for _, k := range keys {
			t.cache.DeleteRow(k)
		}
	}
	return nil
}

// CloseCurrent closes the newest version of the member by setting its to
// attribute to end, but only if the version still holds the open marker.
// A nil end closes it as of the session's load day.
func (t *Type2Dimension) CloseCurrent(ctx context.Context, row Row, nm NameMapping, end any) error {
	if t.t2cfg.ToAtt == "" {
		return fmt.Errorf("%w: a to attribute must be set to close versions of %s", ErrConfig, t.cfg.Name)
	}
	key, err := t.Lookup(ctx, row, nm)
	if err != nil {
		return err
	}
	if key == nil {
		return fmt.Errorf("%w: member of %s does not exist and cannot be closed", ErrAbsent, t.cfg.Name)
	}
	existing, err := t.GetByKey(ctx, key)
	if err != nil {
		return err
	}
	if !ValuesEqual(existing[t.t2cfg.ToAtt], t.t2cfg.MaxTo) {
		return nil
	}
	if end == nil {
		end = t.session.Today()
	}
	return t.Update(ctx, Row{t.cfg.Key: key, t.t2cfg.ToAtt: end}, nil)
}

// LookupAsOf finds the key of the version that was valid at the given
// time. With both validity attributes set, the version whose interval
// contains when is returned, and at least one of the two bounds must be
// inclusive since adjacent versions share a boundary value. With only a to
// attribute the first version ending after when is returned, and with only
// a from attribute the last version starting before when. A nil validity
// value means the interval is unbounded on that side. Returns nil when no
// version was valid at the given time. The caches cannot help here, so
// every call queries the target.
func (t *Type2Dimension) LookupAsOf(ctx context.Context, row Row, when any, fromInclusive, toInclusive bool, nm NameMapping) (any, error) {
	hasFrom := t.t2cfg.FromAtt != ""
	hasTo := t.t2cfg.ToAtt != ""
	if !hasFrom && !hasTo {
		return nil, fmt.Errorf("%w: a from or to attribute must be set to look up %s by time", ErrConfig, t.cfg.Name)
	}
	if hasFrom && hasTo && !fromInclusive && !toInclusive {
		return nil, fmt.Errorf("%w: at least one of the from and to bounds must be inclusive", ErrConfig)
	}
	vers, err := t.versions(ctx, row, nm)
	if err != nil {
		return nil, err
	}
	switch {
	case hasFrom && hasTo:
		for _, ver := range vers {
			endsAfter, err := boundHolds(ver[t.t2cfg.ToAtt], when, toInclusive, true)
			if err != nil {
				return nil, err
			}
			if !endsAfter {
				continue
			}
			startsBefore, err := boundHolds(ver[t.t2cfg.FromAtt], when, fromInclusive, false)
			if err != nil {
				return nil, err
			}
			if startsBefore {
				return ver[t.cfg.Key], nil
			}
			// Versions do not overlap, no later one can match.
			break
		}
	case hasTo:
		for _, ver := range vers {
			ok, err := boundHolds(ver[t.t2cfg.ToAtt], when, toInclusive, true)
			if err != nil {
				return nil, err
			}
			if ok {
				return ver[t.cfg.Key], nil
			}
		}
	default:
		for i := len(vers) - 1; i >= 0; i-- {
			ok, err := boundHolds(vers[i][t.t2cfg.FromAtt], when, fromInclusive, false)
			if err != nil {
				return nil, err
			}
			if ok {
				return vers[i][t.cfg.Key], nil
			}
		}
	}
	return nil, nil
}

// versions returns all versions of the member ordered oldest first, with
// only the key and validity attributes filled in.
func (t *Type2Dimension) versions(ctx context.Context, row Row, nm NameMapping) ([]Row, error) {
	rs, err := t.conn.Select(ctx, t.validitySQL, row, nm)
	if err != nil {
		return nil, fmt.Errorf("failed to find versions of %s: %w", t.cfg.Name, err)
	}
	defer rs.Close()
	cols := []string{t.cfg.Key}
	if t.t2cfg.ToAtt != "" {
		cols = append(cols, t.t2cfg.ToAtt)
	}
	if t.t2cfg.FromAtt != "" {
		cols = append(cols, t.t2cfg.FromAtt)
	}
	var out []Row
	for rs.Next() {
		tuple, err := rs.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to find versions of %s: %w", t.cfg.Name, err)
		}
		ver := make(Row, len(cols))
		for i, c := range cols {
			if i < len(tuple) {
				ver[c] = tuple[i]
			}
		}
		out = append(out, ver)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("failed to find versions of %s: %w", t.cfg.Name, err)
	}
	return out, nil
}

// boundHolds reports whether a validity bound admits when. A nil bound
// always does. With after set the test is v > when (or >= when inclusive),
// otherwise v < when (or <=).
func boundHolds(v, when any, inclusive, after bool) (bool, error) {
	if v == nil {
		return true, nil
	}
	c, err := CompareValues(v, when)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrData, err)
	}
	if after {
		if inclusive {
			return c >= 0, nil
		}
		return c > 0, nil
	}
	if inclusive {
		return c <= 0, nil
	}
	return c < 0, nil
}

// validityEqual compares a parsed source date to a stored validity value,
// falling back to string comparison when the types cannot be ordered.
func validityEqual(a, b any) bool {
	if ValuesEqual(a, b) {
		return true
	}
	if c, err := CompareValues(a, b); err == nil {
		return c == 0
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}
