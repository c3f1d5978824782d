package warehouse

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/starsetlabs/starload/pkg/metrics"
)

// FactTableConfig configures a fact table.
type FactTableConfig struct {
	// Name of the fact table.
	Name string
	// KeyRefs are the dimension references that make up the primary key.
	KeyRefs []string
	// Measures are the measure attributes. May be empty.
	Measures []string
	// TargetConn overrides the session's connection for this table.
	TargetConn *Conn
}

func (c *FactTableConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: table name is required", ErrConfig)
	}
	if len(c.KeyRefs) == 0 {
		return fmt.Errorf("%w: key references are required", ErrConfig)
	}
	return nil
}

// FactTable writes facts straight to the database, one statement per
// insert.
type FactTable struct {
	log     *slog.Logger
	cfg     *FactTableConfig
	session *Session
	conn    *Conn
	quoter  Quoter
	all     []string

	insertSQL string
	lookupSQL string
}

func NewFactTable(s *Session, cfg *FactTableConfig) (*FactTable, error) {
	f, err := newFactTable(s, cfg)
	if err != nil {
		return nil, err
	}
	s.Register(f)
	return f, nil
}

// newFactTable builds without registering, for embedding types that
// register themselves.
func newFactTable(s *Session, cfg *FactTableConfig) (*FactTable, error) {
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
	all := append(append([]string{}, cfg.KeyRefs...), cfg.Measures...)
	return &FactTable{
		log:     s.logger().With("table", cfg.Name),
		cfg:     cfg,
		session: s,
		conn:    conn,
		quoter:  q,
		all:     all,

		insertSQL: fmt.Sprintf("INSERT INTO %s(%s) VALUES (%s)",
			cfg.Name, strings.Join(quoteAll(q, all), ", "), placeholderList(all)),
		lookupSQL: fmt.Sprintf("SELECT %s FROM %s WHERE %s",
			strings.Join(quoteAll(q, all), ", "), cfg.Name, equalityClause(q, cfg.KeyRefs)),
	}, nil
}

func (f *FactTable) Name() string      { return f.cfg.Name }
func (f *FactTable) TargetConn() *Conn { return f.conn }

// KeyRefNames returns the dimension references forming the primary key.
func (f *FactTable) KeyRefNames() []string {
	out := make([]string, len(f.cfg.KeyRefs))
	copy(out, f.cfg.KeyRefs)
	return out
}

// MeasureNames returns the measure attributes.
func (f *FactTable) MeasureNames() []string {
	out := make([]string, len(f.cfg.Measures))
	copy(out, f.cfg.Measures)
	return out
}

// Insert writes a fact. The row must carry values for all key references
// and measures.
func (f *FactTable) Insert(ctx context.Context, row Row, nm NameMapping) error {
	if err := f.conn.Execute(ctx, f.insertSQL, row, nm); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", f.cfg.Name, err)
	}
	metrics.RowsInserted.WithLabelValues(f.cfg.Name).Inc()
	return nil
}

// Lookup returns the fact stored under the key references in keyVals, or
// nil when there is none. Measures may legitimately be NULL, so absence is
// judged on the key references alone.
func (f *FactTable) Lookup(ctx context.Context, keyVals Row, nm NameMapping) (Row, error) {
	if err := f.conn.Query(ctx, f.lookupSQL, keyVals, nm); err != nil {
		return nil, fmt.Errorf("failed to look up in %s: %w", f.cfg.Name, err)
	}
	tuple, err := f.conn.FetchOneTuple()
	if err != nil {
		return nil, fmt.Errorf("failed to look up in %s: %w", f.cfg.Name, err)
	}
	row := make(Row, len(f.all))
	for i, att := range f.all {
		if i < len(tuple) {
			row[att] = tuple[i]
		} else {
			row[att] = nil
		}
	}
	return f.noneToNil(row), nil
}

// noneToNil collapses an all-nil fetch result to nil.
func (f *FactTable) noneToNil(row Row) Row {
	for _, k := range f.cfg.KeyRefs {
		if row[k] != nil {
			return row
		}
	}
	return nil
}

// Ensure makes sure the fact exists and reports whether it already did.
// With compare set, measures present in the row are checked against the
// stored fact and a difference is an error.
func (f *FactTable) Ensure(ctx context.Context, row Row, compare bool, nm NameMapping) (bool, error) {
	return ensureFact(ctx, row, compare, nm, f.cfg.Name, f.cfg.Measures, f.Lookup, f.Insert)
}

// ensureFact is the shared lookup-or-insert flow for fact tables. The
// lookup and insert functions are passed in so batching layers route
// through their own implementations.
func ensureFact(ctx context.Context, row Row, compare bool, nm NameMapping, table string, measures []string,
	lookup func(context.Context, Row, NameMapping) (Row, error),
	insert func(context.Context, Row, NameMapping) error) (bool, error) {

	existing, err := lookup(ctx, row, nm)
	if err != nil {
		return false, err
	}
	if existing == nil {
		if err := insert(ctx, row, nm); err != nil {
			return false, err
		}
		return false, nil
	}
	if compare {
		for _, m := range measures {
			v, ok := GetValue(row, nm, m)
			if !ok {
				continue
			}
			if !ValuesEqual(v, existing[m]) {
				return true, fmt.Errorf("%w: the existing fact in %s has a different value for measure %q: %v instead of %v",
					ErrConsistency, table, m, existing[m], v)
			}
		}
	}
	return true, nil
}

func (f *FactTable) EndLoad(ctx context.Context) error { return nil }
