package source

import (
	"fmt"
	"sort"

	"github.com/starsetlabs/starload/pkg/aggregate"
	"github.com/starsetlabs/starload/pkg/warehouse"
)

// CrossTabConfig configures a pivot over another source.
type CrossTabConfig struct {
	// RowAtt holds the values that become the result rows.
	RowAtt string
	// ColAtt holds the values that become the result attributes. The
	// values are rendered as strings to name the attributes.
	ColAtt string
	// ValueAtt holds the values to aggregate per (row, column) cell.
	ValueAtt string
	// Aggregator combines the cell values. Defaults to summing.
	Aggregator aggregate.Aggregator
	// NoneValue fills cells that got no data. Defaults to 0.
	NoneValue any
	// SortRows orders the result rows by their row value instead of by
	// first appearance.
	SortRows bool
}

// CrossTab pivots src: the input is drained on the first call to Next,
// and one row per distinct row value comes out, with one attribute per
// distinct column value holding the aggregated cell.
func CrossTab(src Source, cfg CrossTabConfig) Source {
	if cfg.RowAtt == "" || cfg.ColAtt == "" || cfg.ValueAtt == "" {
		return &errSource{err: fmt.Errorf("%w: a crosstab needs row, column, and value attributes",
			warehouse.ErrConfig)}
	}
	if cfg.Aggregator == nil {
		cfg.Aggregator = aggregate.NewSum()
	}
	if cfg.NoneValue == nil {
		cfg.NoneValue = 0
	}
	return &crossTabSource{src: src, cfg: cfg}
}

type crossTabSource struct {
	src   Source
	cfg   CrossTabConfig
	built bool
	out   []warehouse.Row
	row   warehouse.Row
	err   error
}

func (s *crossTabSource) Next() bool {
	if s.err != nil {
		return false
	}
	if !s.built {
		s.built = true
		s.build()
		if s.err != nil {
			return false
		}
	}
	if len(s.out) == 0 {
		return false
	}
	s.row = s.out[0]
	s.out = s.out[1:]
	return true
}

func (s *crossTabSource) build() {
	defer s.src.Close()
	var rowVals, colVals []any
	seenRows := map[any]bool{}
	seenCols := map[any]bool{}
	for s.src.Next() {
		row := s.src.Row()
		rv, rok := row[s.cfg.RowAtt]
		cv, cok := row[s.cfg.ColAtt]
		v, vok := row[s.cfg.ValueAtt]
		if !rok || !cok || !vok {
			s.err = fmt.Errorf("%w: a crosstab input row lacks %q, %q, or %q",
				warehouse.ErrData, s.cfg.RowAtt, s.cfg.ColAtt, s.cfg.ValueAtt)
			return
		}
		rk, ck := joinKey(rv), joinKey(cv)
		if !seenRows[rk] {
			seenRows[rk] = true
			rowVals = append(rowVals, rv)
		}
		if !seenCols[ck] {
			seenCols[ck] = true
			colVals = append(colVals, cv)
		}
		s.cfg.Aggregator.Process([2]any{rk, ck}, v)
	}
	if err := s.src.Err(); err != nil {
		s.err = err
		return
	}
	if s.cfg.SortRows {
		var sortErr error
		sort.SliceStable(rowVals, func(i, j int) bool {
			c, err := warehouse.CompareValues(rowVals[i], rowVals[j])
			if err != nil && sortErr == nil {
				sortErr = err
			}
			return c < 0
		})
		if sortErr != nil {
			s.err = fmt.Errorf("failed to sort crosstab rows: %w", sortErr)
			return
		}
	}
	s.out = make([]warehouse.Row, 0, len(rowVals))
	for _, rv := range rowVals {
		res := warehouse.Row{s.cfg.RowAtt: rv}
		for _, cv := range colVals {
			res[colName(cv)] = s.cfg.Aggregator.Finish([2]any{joinKey(rv), joinKey(cv)}, s.cfg.NoneValue)
		}
		s.out = append(s.out, res)
	}
}

func colName(v any) string {
	if v == nil {
		return ""
	}
	return warehouse.ToDBString(v)
}

func (s *crossTabSource) Row() warehouse.Row { return s.row }
func (s *crossTabSource) Err() error         { return s.err }
func (s *crossTabSource) Close() error       { return s.src.Close() }
