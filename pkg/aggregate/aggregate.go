// Package aggregate provides grouped accumulators for pivoting rows.
// Process feeds one value to a group; Finish returns the group's final
// value, or the given default for a group that never received one. nil
// values are skipped the way SQL aggregates skip NULL. Groups are used as
// map keys, so any comparable value works, including small arrays for
// composite groups.
package aggregate

import (
	"github.com/starsetlabs/starload/pkg/warehouse"
)

type Aggregator interface {
	Process(group, v any)
	Finish(group, def any) any
}

// Sum adds numeric values per group. Integer input sums as int64; the
// first fractional value switches the group to float64. Values that are
// not numeric are ignored.
type Sum struct {
	groups map[any]*sumState
}

type sumState struct {
	i       int64
	f       float64
	asFloat bool
	seen    bool
}

func NewSum() *Sum { return &Sum{groups: map[any]*sumState{}} }

func (s *Sum) Process(group, v any) {
	if v == nil {
		return
	}
	st := s.groups[group]
	if st == nil {
		st = &sumState{}
		s.groups[group] = st
	}
	st.add(v)
}

func (st *sumState) add(v any) {
	f, ok := warehouse.Float(v)
	if !ok {
		return
	}
	st.seen = true
	if !st.asFloat {
		if n, ok := warehouse.Int(v); ok {
			st.i += n
			return
		}
		st.asFloat = true
		st.f = float64(st.i)
	}
	st.f += f
}

func (s *Sum) Finish(group, def any) any {
	st := s.groups[group]
	if st == nil || !st.seen {
		return def
	}
	if st.asFloat {
		return st.f
	}
	return st.i
}

// Count counts the non-nil values per group.
type Count struct {
	groups map[any]int64
}

func NewCount() *Count { return &Count{groups: map[any]int64{}} }

func (c *Count) Process(group, v any) {
	if v == nil {
		return
	}
	c.groups[group]++
}

func (c *Count) Finish(group, def any) any {
	n, ok := c.groups[group]
	if !ok {
		return def
	}
	return n
}

// CountDistinct counts the distinct non-nil values per group. Numeric
// values of different widths count as one value.
type CountDistinct struct {
	groups map[any]map[any]struct{}
}

func NewCountDistinct() *CountDistinct {
	return &CountDistinct{groups: map[any]map[any]struct{}{}}
}

func (c *CountDistinct) Process(group, v any) {
	if v == nil {
		return
	}
	vals := c.groups[group]
	if vals == nil {
		vals = map[any]struct{}{}
		c.groups[group] = vals
	}
	vals[distinctKey(v)] = struct{}{}
}

func (c *CountDistinct) Finish(group, def any) any {
	vals, ok := c.groups[group]
	if !ok {
		return def
	}
	return int64(len(vals))
}

// distinctKey folds numeric widths together and makes byte slices usable
// as map keys. Strings are kept as they are.
func distinctKey(v any) any {
	switch v.(type) {
	case string, []byte:
		s, _ := warehouse.Str(v)
		return s
	default:
		if n, ok := warehouse.Int(v); ok {
			return n
		}
		if f, ok := warehouse.Float(v); ok {
			return f
		}
		return v
	}
}

// Max keeps the largest value per group. Values that do not compare with
// the current largest are ignored.
type Max struct {
	groups map[any]any
}

func NewMax() *Max { return &Max{groups: map[any]any{}} }

func (m *Max) Process(group, v any) {
	if v == nil {
		return
	}
	cur, ok := m.groups[group]
	if !ok {
		m.groups[group] = v
		return
	}
	if c, err := warehouse.CompareValues(v, cur); err == nil && c > 0 {
		m.groups[group] = v
	}
}

func (m *Max) Finish(group, def any) any {
	if v, ok := m.groups[group]; ok {
		return v
	}
	return def
}

// Min keeps the smallest value per group.
type Min struct {
	groups map[any]any
}

func NewMin() *Min { return &Min{groups: map[any]any{}} }

func (m *Min) Process(group, v any) {
	if v == nil {
		return
	}
	cur, ok := m.groups[group]
	if !ok {
		m.groups[group] = v
		return
	}
	if c, err := warehouse.CompareValues(v, cur); err == nil && c < 0 {
		m.groups[group] = v
	}
}

func (m *Min) Finish(group, def any) any {
	if v, ok := m.groups[group]; ok {
		return v
	}
	return def
}

// Avg averages the numeric values per group as a float64, composed from
// Sum and Count.
type Avg struct {
	sum   *Sum
	count *Count
}

func NewAvg() *Avg { return &Avg{sum: NewSum(), count: NewCount()} }

func (a *Avg) Process(group, v any) {
	a.sum.Process(group, v)
	a.count.Process(group, v)
}

func (a *Avg) Finish(group, def any) any {
	sum := a.sum.Finish(group, nil)
	if sum == nil {
		return def
	}
	f, _ := warehouse.Float(sum)
	n, _ := a.count.Finish(group, int64(0)).(int64)
	if n == 0 {
		return def
	}
	return f / float64(n)
}
