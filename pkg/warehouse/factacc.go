package warehouse

import (
	"context"
	"fmt"

	"github.com/starsetlabs/starload/pkg/metrics"
)

// FactExpander is called before an accumulating fact is updated, with the
// names of the attributes that changed. It may adjust the row in place,
// for example to derive lag measures, and runs after the row has been
// filled in with the stored values of any missing attributes.
type FactExpander func(ctx context.Context, row Row, nm NameMapping, changed []string) error

// AccumulatingFactTableConfig configures a fact table whose facts are
// updated as a process advances through its milestones.
type AccumulatingFactTableConfig struct {
	// Name of the fact table.
	Name string
	// KeyRefs identify a fact and are never updated.
	KeyRefs []string
	// OtherRefs are dimension references that get filled in over time.
	OtherRefs []string
	// Measures are the measure attributes. May be empty.
	Measures []string

	// By default a nil value in the source row does not overwrite a
	// stored value; milestones not reached yet stay untouched. Setting
	// these writes nils through for references or measures.
	UpdateNilRefs     bool
	UpdateNilMeasures bool

	// FactExpander runs before an update is written. Optional.
	FactExpander FactExpander
	// TargetConn overrides the session's connection for this table.
	TargetConn *Conn
}

func (c *AccumulatingFactTableConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: table name is required", ErrConfig)
	}
	if len(c.KeyRefs) == 0 {
		return fmt.Errorf("%w: key references are required", ErrConfig)
	}
	return nil
}

// AccumulatingFactTable accesses and updates an accumulating snapshot fact
// table. Nothing is cached; every Ensure costs a lookup against the
// target, so an index on the key references is worth considering.
type AccumulatingFactTable struct {
	*FactTable
	acfg *AccumulatingFactTableConfig
}

func NewAccumulatingFactTable(s *Session, cfg *AccumulatingFactTableConfig) (*AccumulatingFactTable, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ErrConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	base, err := newFactTable(s, &FactTableConfig{
		Name:       cfg.Name,
		KeyRefs:    cfg.KeyRefs,
		Measures:   append(append([]string{}, cfg.OtherRefs...), cfg.Measures...),
		TargetConn: cfg.TargetConn,
	})
	if err != nil {
		return nil, err
	}
	a := &AccumulatingFactTable{FactTable: base, acfg: cfg}
	s.Register(a)
	return a, nil
}

// MeasureNames returns the measure attributes, without the updatable
// references.
func (a *AccumulatingFactTable) MeasureNames() []string {
	out := make([]string, len(a.acfg.Measures))
	copy(out, a.acfg.Measures)
	return out
}

// OtherRefNames returns the dimension references that may be updated.
func (a *AccumulatingFactTable) OtherRefNames() []string {
	out := make([]string, len(a.acfg.OtherRefs))
	copy(out, a.acfg.OtherRefs)
	return out
}

// Ensure inserts the fact when it is missing and otherwise writes through
// any changes to the updatable references and measures. On insert, missing
// updatable attributes are set to nil in a copy; the caller's row is left
// alone. On update, the configured FactExpander runs first.
func (a *AccumulatingFactTable) Ensure(ctx context.Context, row Row, nm NameMapping) error {
	existing, err := a.Lookup(ctx, row, nm)
	if err != nil {
		return err
	}
	if existing == nil {
		missing := false
		for _, att := range a.cfg.Measures {
			if _, ok := GetValue(row, nm, att); !ok {
				missing = true
				break
			}
		}
		if !missing {
			return a.Insert(ctx, row, nm)
		}
		target := CanonicalCopy(row, nm)
		for _, att := range a.cfg.Measures {
			if _, ok := target[att]; !ok {
				target[att] = nil
			}
		}
		return a.Insert(ctx, target, nil)
	}

	changed := a.differences(existing, row, nm)
	if len(changed) == 0 {
		return nil
	}
	if a.acfg.FactExpander != nil {
		a.addMissingAtts(row, nm, existing)
		if err := a.acfg.FactExpander(ctx, row, nm, changed); err != nil {
			return fmt.Errorf("fact expander failed: %w", err)
		}
		changed = a.differences(existing, row, nm)
		if len(changed) == 0 {
			return nil
		}
	}
	return a.applyUpdates(ctx, row, nm, changed)
}

// Update writes through changes to an existing fact without the insert
// path or the expander.
func (a *AccumulatingFactTable) Update(ctx context.Context, row Row, nm NameMapping) error {
	existing, err := a.Lookup(ctx, row, nm)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("%w: fact in %s does not exist", ErrAbsent, a.cfg.Name)
	}
	changed := a.differences(existing, row, nm)
	if len(changed) == 0 {
		return nil
	}
	return a.applyUpdates(ctx, row, nm, changed)
}

// differences returns the updatable attributes whose source value differs
// from the stored one, honoring the nil-handling flags.
func (a *AccumulatingFactTable) differences(existing, row Row, nm NameMapping) []string {
	changed := diffAtts(existing, row, nm, a.acfg.OtherRefs, a.acfg.UpdateNilRefs, nil)
	return diffAtts(existing, row, nm, a.acfg.Measures, a.acfg.UpdateNilMeasures, changed)
}

func diffAtts(existing, row Row, nm NameMapping, atts []string, updateNil bool, changed []string) []string {
	for _, att := range atts {
		v, _ := GetValue(row, nm, att)
		if ValuesEqual(v, existing[att]) {
			continue
		}
		if v == nil && !updateNil {
			continue
		}
		changed = append(changed, att)
	}
	return changed
}

// addMissingAtts fills attributes absent from the row with the stored
// values, so the expander sees the complete fact.
func (a *AccumulatingFactTable) addMissingAtts(row Row, nm NameMapping, existing Row) {
	for _, att := range a.all {
		col := nm.col(att)
		if _, ok := row[col]; !ok {
			row[col] = existing[att]
		}
	}
}

func (a *AccumulatingFactTable) applyUpdates(ctx context.Context, row Row, nm NameMapping, changed []string) error {
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		a.cfg.Name, assignmentClause(a.quoter, changed), equalityClause(a.quoter, a.cfg.KeyRefs))
	if err := a.conn.Execute(ctx, stmt, row, nm); err != nil {
		return fmt.Errorf("failed to update %s: %w", a.cfg.Name, err)
	}
	metrics.RowsUpdated.WithLabelValues(a.cfg.Name).Inc()
	return nil
}
