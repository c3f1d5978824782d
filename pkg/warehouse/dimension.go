package warehouse

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/starsetlabs/starload/pkg/metrics"
)

// RowExpander enriches a row before Ensure inserts it. Ensure calls the
// expander only on a lookup miss, so expensive derivations run once per new
// member rather than once per source row. The expander may mutate and
// return the given row or build a new one.
type RowExpander func(ctx context.Context, row Row, nm NameMapping) (Row, error)

// DimensionConfig configures a dimension table.
type DimensionConfig struct {
	// Name of the dimension table in the warehouse.
	Name string
	// Key is the primary key attribute.
	Key string
	// Attributes are the non-key attributes.
	Attributes []string
	// LookupAtts is the subset of attributes that identifies a member.
	// Defaults to all of Attributes.
	LookupAtts []string
	// KeyGenerator assigns keys to rows inserted without one. Defaults to
	// continuing the table's integer key sequence.
	KeyGenerator KeyGenerator
	// DefaultKey is returned by Lookup on a miss, typically the key of a
	// preloaded "unknown" member.
	DefaultKey any
	// RowExpander, if set, runs before the insert when Ensure misses.
	RowExpander RowExpander
	// TargetConn overrides the session's connection for this table.
	TargetConn *Conn
}

func (c *DimensionConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: table name is required", ErrConfig)
	}
	if c.Key == "" {
		return fmt.Errorf("%w: key attribute is required", ErrConfig)
	}
	if len(c.Attributes) == 0 {
		return fmt.Errorf("%w: no attributes given", ErrConfig)
	}
	if c.LookupAtts == nil {
		c.LookupAtts = c.Attributes
	} else if len(c.LookupAtts) == 0 {
		return fmt.Errorf("%w: lookup attributes contain no attributes", ErrConfig)
	} else if !subset(c.LookupAtts, append([]string{c.Key}, c.Attributes...)) {
		return fmt.Errorf("%w: lookup attributes are not a subset of the table's attributes", ErrConfig)
	}
	return nil
}

// Dimension accesses one dimension table: key lookups by the identifying
// attributes, inserts with generated surrogate keys, and updates by key.
// Statements are generated once at construction with pyformat placeholders
// and resolved per row through the connection.
type Dimension struct {
	log     *slog.Logger
	cfg     *DimensionConfig
	session *Session
	conn    *Conn
	quoter  Quoter
	all     []string
	keygen  KeyGenerator

	keyLookupSQL string
	rowLookupSQL string
	insertSQL    string
}

func NewDimension(s *Session, cfg *DimensionConfig) (*Dimension, error) {
	d, err := newDimension(s, cfg)
	if err != nil {
		return nil, err
	}
	s.Register(d)
	return d, nil
}

// newDimension builds without registering, for embedding types that
// register themselves.
func newDimension(s *Session, cfg *DimensionConfig) (*Dimension, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: session is required", ErrConfig)
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ErrConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	conn := cfg.TargetConn
	if conn == nil {
		conn = s.Conn()
	}
	q := s.Quoter()
	all := append([]string{cfg.Key}, cfg.Attributes...)
	d := &Dimension{
		log:     s.logger().With("table", cfg.Name),
		cfg:     cfg,
		session: s,
		conn:    conn,
		quoter:  q,
		all:     all,
		keygen:  cfg.KeyGenerator,

		keyLookupSQL: fmt.Sprintf("SELECT %s FROM %s WHERE %s",
			q.Quote(cfg.Key), cfg.Name, equalityClause(q, cfg.LookupAtts)),
		rowLookupSQL: fmt.Sprintf("SELECT %s FROM %s WHERE %s = %%(%s)s",
			strings.Join(quoteAll(q, all), ", "), cfg.Name, q.Quote(cfg.Key), cfg.Key),
		insertSQL: fmt.Sprintf("INSERT INTO %s(%s) VALUES (%s)",
			cfg.Name, strings.Join(quoteAll(q, all), ", "), placeholderList(all)),
	}
	if d.keygen == nil {
		d.keygen = NewSequenceKeyGenerator(conn, q, cfg.Name, cfg.Key)
	}
	return d, nil
}

// equalityClause renders "a = %(a)s AND b = %(b)s" for a WHERE clause.
func equalityClause(q Quoter, atts []string) string {
	parts := make([]string, len(atts))
	for i, att := range atts {
		parts[i] = fmt.Sprintf("%s = %%(%s)s", q.Quote(att), att)
	}
	return strings.Join(parts, " AND ")
}

// placeholderList renders "%(a)s, %(b)s" for a VALUES list.
func placeholderList(atts []string) string {
	parts := make([]string, len(atts))
	for i, att := range atts {
		parts[i] = fmt.Sprintf("%%(%s)s", att)
	}
	return strings.Join(parts, ", ")
}

func (d *Dimension) Name() string      { return d.cfg.Name }
func (d *Dimension) KeyName() string   { return d.cfg.Key }
func (d *Dimension) TargetConn() *Conn { return d.conn }
func (d *Dimension) Quoter() Quoter    { return d.quoter }

// AttributeNames returns the non-key attributes.
func (d *Dimension) AttributeNames() []string {
	out := make([]string, len(d.cfg.Attributes))
	copy(out, d.cfg.Attributes)
	return out
}

// LookupAttNames returns the identifying attributes.
func (d *Dimension) LookupAttNames() []string {
	out := make([]string, len(d.cfg.LookupAtts))
	copy(out, d.cfg.LookupAtts)
	return out
}

// searchTuple collects the lookup attribute values of row in declaration
// order.
func (d *Dimension) searchTuple(row Row, nm NameMapping) ([]any, error) {
	vals := make([]any, len(d.cfg.LookupAtts))
	for i, att := range d.cfg.LookupAtts {
		v, ok := GetValue(row, nm, att)
		if !ok {
			return nil, fmt.Errorf("%w: attribute %q for table %s", ErrData, att, d.cfg.Name)
		}
		vals[i] = v
	}
	return vals, nil
}

// Lookup finds the key of the member matching row's lookup attributes.
// A miss returns the configured DefaultKey, nil unless set.
func (d *Dimension) Lookup(ctx context.Context, row Row, nm NameMapping) (any, error) {
	if err := requireAtts(row, nm, d.cfg.LookupAtts, d.cfg.Name); err != nil {
		return nil, err
	}
	return d.lookupTarget(ctx, row, nm)
}

// lookupTarget runs the key lookup against the database, bypassing any
// cache layer.
func (d *Dimension) lookupTarget(ctx context.Context, row Row, nm NameMapping) (any, error) {
	if err := d.conn.Query(ctx, d.keyLookupSQL, row, nm); err != nil {
		return nil, fmt.Errorf("failed to look up in %s: %w", d.cfg.Name, err)
	}
	tuple, err := d.conn.FetchOneTuple()
	if err != nil {
		return nil, fmt.Errorf("failed to look up in %s: %w", d.cfg.Name, err)
	}
	if len(tuple) == 0 || tuple[0] == nil {
		return d.cfg.DefaultKey, nil
	}
	return tuple[0], nil
}

// GetByKey returns the member with the given key. When no member exists,
// the returned row has every attribute, including the key, set to nil.
func (d *Dimension) GetByKey(ctx context.Context, key any) (Row, error) {
	if err := d.conn.Query(ctx, d.rowLookupSQL, Row{d.cfg.Key: key}, nil); err != nil {
		return nil, fmt.Errorf("failed to fetch %s row: %w", d.cfg.Name, err)
	}
	tuple, err := d.conn.FetchOneTuple()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s row: %w", d.cfg.Name, err)
	}
	return d.tupleToRow(tuple), nil
}

func (d *Dimension) tupleToRow(tuple []any) Row {
	row := make(Row, len(d.all))
	for i, att := range d.all {
		if i < len(tuple) {
			row[att] = tuple[i]
		} else {
			row[att] = nil
		}
	}
	return row
}

// GetByVals returns every member whose attributes match the values given in
// vals. Only attributes of the table that are present in vals constrain the
// result.
func (d *Dimension) GetByVals(ctx context.Context, vals Row, nm NameMapping) ([]Row, error) {
	attsToUse := make([]string, 0, len(d.cfg.Attributes))
	for _, att := range d.cfg.Attributes {
		if _, ok := GetValue(vals, nm, att); ok {
			attsToUse = append(attsToUse, att)
		}
	}
	if len(attsToUse) == 0 {
		return nil, fmt.Errorf("%w: values contain no attributes of table %s", ErrData, d.cfg.Name)
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		strings.Join(quoteAll(d.quoter, d.all), ", "), d.cfg.Name,
		equalityClause(d.quoter, attsToUse))
	return d.queryRows(ctx, stmt, vals, nm)
}

func (d *Dimension) queryRows(ctx context.Context, stmt string, args Row, nm NameMapping) ([]Row, error) {
	rs, err := d.conn.Select(ctx, stmt, args, nm)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", d.cfg.Name, err)
	}
	defer rs.Close()
	var out []Row
	for rs.Next() {
		tuple, err := rs.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s row: %w", d.cfg.Name, err)
		}
		out = append(out, d.tupleToRow(tuple))
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s rows: %w", d.cfg.Name, err)
	}
	return out, nil
}

// Update overwrites the member with row's key value, setting every table
// attribute present in row. Attributes absent from row keep their stored
// values. Without any attribute to set, Update is a no-op.
func (d *Dimension) Update(ctx context.Context, row Row, nm NameMapping) error {
	if _, ok := GetValue(row, nm, d.cfg.Key); !ok {
		return fmt.Errorf("%w: key value for table %s is missing", ErrData, d.cfg.Name)
	}
	attsToUse := make([]string, 0, len(d.cfg.Attributes))
	for _, att := range d.cfg.Attributes {
		if _, ok := GetValue(row, nm, att); ok {
			attsToUse = append(attsToUse, att)
		}
	}
	if len(attsToUse) == 0 {
		return nil
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %%(%s)s",
		d.cfg.Name, assignmentClause(d.quoter, attsToUse), d.quoter.Quote(d.cfg.Key), d.cfg.Key)
	if err := d.conn.Execute(ctx, stmt, row, nm); err != nil {
		return fmt.Errorf("failed to update %s: %w", d.cfg.Name, err)
	}
	metrics.RowsUpdated.WithLabelValues(d.cfg.Name).Inc()
	return nil
}

// assignmentClause renders "a = %(a)s, b = %(b)s" for a SET clause.
func assignmentClause(q Quoter, atts []string) string {
	parts := make([]string, len(atts))
	for i, att := range atts {
		parts[i] = fmt.Sprintf("%s = %%(%s)s", q.Quote(att), att)
	}
	return strings.Join(parts, ", ")
}

// Ensure looks row up and inserts it on a miss, returning the key either
// way. The caller's row is not modified; callers wanting the key in the row
// assign the returned value themselves.
func (d *Dimension) Ensure(ctx context.Context, row Row, nm NameMapping) (any, error) {
	return ensureRow(ctx, row, nm, d.cfg.DefaultKey, d.cfg.RowExpander, d.Lookup, d.Insert)
}

// ensureRow is the shared lookup-or-insert flow. The lookup and insert
// functions are passed in so caching layers route through their own
// implementations.
func ensureRow(ctx context.Context, row Row, nm NameMapping, defaultKey any, expander RowExpander,
	lookup func(context.Context, Row, NameMapping) (any, error),
	insert func(context.Context, Row, NameMapping) (any, error)) (any, error) {
	key, err := lookup(ctx, row, nm)
	if err != nil {
		return nil, err
	}
	// A lookup miss surfaces as the default key, nil unless configured.
	if key != nil && !ValuesEqual(key, defaultKey) {
		return key, nil
	}
	target := row
	if expander != nil {
		target, err = expander(ctx, row, nm)
		if err != nil {
			return nil, fmt.Errorf("row expander failed: %w", err)
		}
		if target == nil {
			return nil, fmt.Errorf("%w: row expander returned no row", ErrData)
		}
	}
	return insert(ctx, target, nm)
}

// Insert adds row as a new member and returns its key. A missing or nil key
// value is filled from the key generator; the generated key is written to a
// copy, never to the caller's row, so a template row can be reused across
// inserts.
func (d *Dimension) Insert(ctx context.Context, row Row, nm NameMapping) (any, error) {
	target, key, err := d.withKey(ctx, row, nm)
	if err != nil {
		return nil, err
	}
	if err := d.conn.Execute(ctx, d.insertSQL, target, nm); err != nil {
		return nil, fmt.Errorf("failed to insert into %s: %w", d.cfg.Name, err)
	}
	metrics.RowsInserted.WithLabelValues(d.cfg.Name).Inc()
	return key, nil
}

// withKey returns row with a key value, generating one into a copy when the
// key is missing or nil.
func (d *Dimension) withKey(ctx context.Context, row Row, nm NameMapping) (Row, any, error) {
	if v, ok := GetValue(row, nm, d.cfg.Key); ok && v != nil {
		return row, v, nil
	}
	key, err := d.keygen.NextKey(ctx, row, nm)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key for %s: %w", d.cfg.Name, err)
	}
	target := CopyRow(row)
	target[nm.col(d.cfg.Key)] = key
	return target, key, nil
}

func (d *Dimension) EndLoad(context.Context) error { return nil }
