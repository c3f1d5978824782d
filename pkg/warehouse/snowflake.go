package warehouse

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// DimensionPart is what snowflake traversal needs from a participating
// dimension table. All dimension types in this package implement it.
type DimensionPart interface {
	Name() string
	KeyName() string
	AttributeNames() []string
	LookupAttNames() []string
	TargetConn() *Conn
	Quoter() Quoter

	Lookup(ctx context.Context, row Row, nm NameMapping) (any, error)
	GetByKey(ctx context.Context, key any) (Row, error)
	GetByVals(ctx context.Context, vals Row, nm NameMapping) ([]Row, error)
	Ensure(ctx context.Context, row Row, nm NameMapping) (any, error)
	Insert(ctx context.Context, row Row, nm NameMapping) (any, error)
	Update(ctx context.Context, row Row, nm NameMapping) error
	EndLoad(ctx context.Context) error
}

// SCDEnsurer is implemented by dimension types that support versioned
// loads.
type SCDEnsurer interface {
	SCDEnsure(ctx context.Context, row Row, nm NameMapping) (any, error)
}

// SnowflakeRef declares that From holds foreign keys to each dimension in
// To. A foreign key must have the same name as the primary key it
// references.
type SnowflakeRef struct {
	From DimensionPart
	To   []DimensionPart
}

// SnowflakedDimensionConfig configures a dimension spanning several
// normalized tables.
type SnowflakedDimensionConfig struct {
	// References describe the foreign keys between the tables. The From
	// of the first reference must be the root, the table closest to the
	// fact table, and the references must form a tree rooted there.
	References []SnowflakeRef
	// ExpectBogusKeyValues allows source rows to carry wrong values for
	// foreign keys used as lookup attributes in a lower level. The
	// correct values are then resolved in the higher levels and the
	// lookup is retried before anything is inserted.
	ExpectBogusKeyValues bool
}

// SnowflakedDimension spreads lookups and inserts over the tables of a
// snowflaked (normalized) dimension, while callers interact with a single
// object. The participating dimensions register with the session
// themselves, so the snowflake is not a registered table of its own.
type SnowflakedDimension struct {
	cfg  *SnowflakedDimensionConfig
	root DimensionPart
	conn *Conn

	refs   map[DimensionPart][]DimensionPart
	levels [][]DimensionPart

	allNames     []string
	allJoinsSQL  string
	rowLookupSQL string
}

func NewSnowflakedDimension(cfg *SnowflakedDimensionConfig) (*SnowflakedDimension, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ErrConfig)
	}
	if len(cfg.References) == 0 {
		return nil, fmt.Errorf("%w: invalid config: references are required", ErrConfig)
	}
	root := cfg.References[0].From
	if root == nil {
		return nil, fmt.Errorf("%w: invalid config: references are required", ErrConfig)
	}
	sf := &SnowflakedDimension{
		cfg:  cfg,
		root: root,
		conn: root.TargetConn(),
		refs: make(map[DimensionPart][]DimensionPart),
	}

	seen := map[DimensionPart]bool{root: true}
	ordered := []DimensionPart{root}
	for _, ref := range cfg.References {
		for _, refed := range ref.To {
			if refed.TargetConn() != sf.conn {
				return nil, fmt.Errorf("%w: invalid config: the dimensions use different connections", ErrConfig)
			}
			if seen[refed] {
				return nil, fmt.Errorf("%w: invalid config: the tables do not form a tree", ErrConfig)
			}
			seen[refed] = true
			sf.refs[ref.From] = append(sf.refs[ref.From], refed)
			ordered = append(ordered, refed)
		}
	}

	// Walk the tree from the root. Anything declared but not walked is
	// unreachable.
	walked := map[DimensionPart]bool{root: true}
	for level := []DimensionPart{root}; len(level) > 0; {
		var next []DimensionPart
		for _, dim := range level {
			for _, refed := range sf.refs[dim] {
				walked[refed] = true
				next = append(next, refed)
			}
		}
		sf.levels = append(sf.levels, level)
		level = next
	}
	if len(walked) != len(seen) {
		return nil, fmt.Errorf("%w: invalid config: not every dimension is reachable from the root", ErrConfig)
	}
	for from := range sf.refs {
		if !walked[from] {
			return nil, fmt.Errorf("%w: invalid config: not every dimension is reachable from the root", ErrConfig)
		}
	}

	// Foreign keys share the name of the primary key they reference, so
	// the key of every non-root table already appears among its parent's
	// attributes. Any other shared name would make the joins ambiguous.
	sf.allNames = []string{root.KeyName()}
	for _, dim := range ordered {
		sf.allNames = append(sf.allNames, dim.AttributeNames()...)
	}
	used := make(map[string]bool, len(sf.allNames))
	for _, name := range sf.allNames {
		if used[name] {
			return nil, fmt.Errorf("%w: invalid config: duplicated attribute name %q", ErrConfig, name)
		}
		used[name] = true
	}

	q := root.Quoter()
	names := make([]string, len(ordered))
	for i, dim := range ordered {
		names[i] = dim.Name()
	}
	sf.allJoinsSQL = fmt.Sprintf("SELECT %s FROM %s",
		strings.Join(quoteAll(q, sf.allNames), ", "), strings.Join(names, " NATURAL JOIN "))
	sf.rowLookupSQL = sf.allJoinsSQL + fmt.Sprintf(" WHERE %s.%s = %%(%s)s",
		root.Name(), q.Quote(root.KeyName()), root.KeyName())
	return sf, nil
}

// Root returns the dimension table closest to the fact table.
func (sf *SnowflakedDimension) Root() DimensionPart { return sf.root }

func (sf *SnowflakedDimension) KeyName() string { return sf.root.KeyName() }

func (sf *SnowflakedDimension) LookupAttNames() []string { return sf.root.LookupAttNames() }

// Lookup finds the key for the row. The lookup attributes must all belong
// to the root.
func (sf *SnowflakedDimension) Lookup(ctx context.Context, row Row, nm NameMapping) (any, error) {
	return sf.root.Lookup(ctx, row, nm)
}

// GetByKey returns the root's row for the key value.
func (sf *SnowflakedDimension) GetByKey(ctx context.Context, key any) (Row, error) {
	return sf.root.GetByKey(ctx, key)
}

// GetByKeyFull joins all participating tables and returns the complete
// member for the key value, or an all-nil row when it does not exist.
func (sf *SnowflakedDimension) GetByKeyFull(ctx context.Context, key any) (Row, error) {
	if err := sf.conn.Query(ctx, sf.rowLookupSQL, Row{sf.root.KeyName(): key}, nil); err != nil {
		return nil, fmt.Errorf("failed to get by key in %s: %w", sf.root.Name(), err)
	}
	tuple, err := sf.conn.FetchOneTuple()
	if err != nil {
		return nil, fmt.Errorf("failed to get by key in %s: %w", sf.root.Name(), err)
	}
	return sf.zipNames(tuple), nil
}

// GetByVals returns the root's rows matching the values.
func (sf *SnowflakedDimension) GetByVals(ctx context.Context, vals Row, nm NameMapping) ([]Row, error) {
	return sf.root.GetByVals(ctx, vals, nm)
}

// GetByValsFull joins all participating tables and returns the complete
// members matching the values, which may belong to any level.
func (sf *SnowflakedDimension) GetByValsFull(ctx context.Context, vals Row, nm NameMapping) ([]Row, error) {
	var attsToUse []string
	for _, att := range sf.allNames {
		if _, ok := GetValue(vals, nm, att); ok {
			attsToUse = append(attsToUse, att)
		}
	}
	if len(attsToUse) == 0 {
		return nil, fmt.Errorf("%w: values contain no attributes of %s", ErrData, sf.root.Name())
	}
	q := sf.root.Quoter()
	stmt := sf.allJoinsSQL + " WHERE " + equalityClause(q, attsToUse)
	rs, err := sf.conn.Select(ctx, stmt, vals, nm)
	if err != nil {
		return nil, fmt.Errorf("failed to get by values in %s: %w", sf.root.Name(), err)
	}
	defer rs.Close()
	var out []Row
	for rs.Next() {
		tuple, err := rs.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to get by values in %s: %w", sf.root.Name(), err)
		}
		out = append(out, sf.zipNames(tuple))
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("failed to get by values in %s: %w", sf.root.Name(), err)
	}
	return out, nil
}

func (sf *SnowflakedDimension) zipNames(tuple []any) Row {
	row := make(Row, len(sf.allNames))
	for i, name := range sf.allNames {
		if i < len(tuple) {
			row[name] = tuple[i]
		} else {
			row[name] = nil
		}
	}
	return row
}

// Update updates every participating table whose key appears in the row,
// deepest level first. Note that a foreign key shares its name with the
// referenced primary key, so giving a foreign key together with attributes
// of the referenced table updates that table too.
func (sf *SnowflakedDimension) Update(ctx context.Context, row Row, nm NameMapping) error {
	for i := len(sf.levels) - 1; i >= 0; i-- {
		for _, dim := range sf.levels[i] {
			if _, ok := GetValue(row, nm, dim.KeyName()); !ok {
				continue
			}
			if err := dim.Update(ctx, row, nm); err != nil {
				return err
			}
		}
	}
	return nil
}

// Ensure looks the member up and inserts it on a miss, spreading inserts
// over every table where part of the member is missing. Key values for the
// levels that were visited are written into the row, but not necessarily
// for all levels.
func (sf *SnowflakedDimension) Ensure(ctx context.Context, row Row, nm NameMapping) (any, error) {
	key, _, err := sf.ensureHelper(ctx, sf.root, row, nm, false)
	return key, err
}

// Insert behaves like Ensure but requires that something was actually
// inserted; finding the complete member already present is an error.
func (sf *SnowflakedDimension) Insert(ctx context.Context, row Row, nm NameMapping) (any, error) {
	key, inserted, err := sf.ensureHelper(ctx, sf.root, row, nm, false)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, fmt.Errorf("%w: member already present - nothing inserted", ErrConsistency)
	}
	return key, nil
}

// SCDEnsure ensures the non-root levels, writes their keys into the row,
// and then hands the row to the root's SCDEnsure. Only the root may be a
// versioned dimension.
func (sf *SnowflakedDimension) SCDEnsure(ctx context.Context, row Row, nm NameMapping) (any, error) {
	scd, ok := sf.root.(SCDEnsurer)
	if !ok {
		return nil, fmt.Errorf("%w: the root %s does not support versioned loads", ErrConfig, sf.root.Name())
	}
	if len(sf.levels) > 1 {
		for _, dim := range sf.levels[1] {
			key, _, err := sf.ensureHelper(ctx, dim, row, nm, false)
			if err != nil {
				return nil, err
			}
			row[nm.col(dim.KeyName())] = key
		}
	}
	key, err := scd.SCDEnsure(ctx, row, nm)
	if err != nil {
		return nil, err
	}
	row[nm.col(sf.root.KeyName())] = key
	return key, nil
}

// EndLoad does nothing; the participating dimensions are registered with
// the session individually and finalize themselves.
func (sf *SnowflakedDimension) EndLoad(ctx context.Context) error { return nil }

// ensureHelper ensures dim and everything below it, bottom up. Lookup
// misses descend into the referenced tables first so their keys, which may
// be lookup attributes here, are resolved before the insert.
func (sf *SnowflakedDimension) ensureHelper(ctx context.Context, dim DimensionPart, row Row, nm NameMapping, insertDone bool) (any, bool, error) {
	retry := false
	key, err := dim.Lookup(ctx, row, nm)
	if err != nil {
		if !errors.Is(err, ErrData) {
			return nil, insertDone, err
		}
		// A lookup attribute is missing. It may be a key of a higher
		// level that is not resolved yet, so retry after the recursion.
		retry = true
		key = nil
	}
	if key != nil {
		row[nm.col(dim.KeyName())] = key
		return key, insertDone, nil
	}
	for _, refed := range sf.refs[dim] {
		_, insertDone, err = sf.ensureHelper(ctx, refed, row, nm, insertDone)
		if err != nil {
			return nil, insertDone, err
		}
	}
	if retry || sf.cfg.ExpectBogusKeyValues {
		key, err = dim.Lookup(ctx, row, nm)
		if err != nil {
			return nil, insertDone, err
		}
	}
	if key == nil {
		key, err = dim.Insert(ctx, row, nm)
		if err != nil {
			return nil, insertDone, err
		}
		insertDone = true
	}
	row[nm.col(dim.KeyName())] = key
	return key, insertDone, nil
}
