// Package source provides row sources for load programs: readers over
// CSV files and SQL queries, and combinators that join, transform,
// filter, interleave, and pivot the rows of other sources.
//
// A Source follows the scanner idiom:
//
//	for src.Next() {
//	    row := src.Row()
//	    ...
//	}
//	err := src.Err()
//
// A source never reuses the row map, so a row stays valid after Next
// advances; the buffering combinators rely on that. Combinators that wrap
// other sources close them when they are drained or when Close is called.
package source

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/starsetlabs/starload/pkg/metrics"
	"github.com/starsetlabs/starload/pkg/warehouse"
)

type Source interface {
	Next() bool
	Row() warehouse.Row
	Err() error
	Close() error
}

// FromRows returns a Source over the given rows. The rows are handed out
// as they are, so transforms downstream mutate the caller's maps.
func FromRows(rows []warehouse.Row) Source {
	return &sliceSource{rows: rows}
}

type sliceSource struct {
	rows []warehouse.Row
	row  warehouse.Row
}

func (s *sliceSource) Next() bool {
	if len(s.rows) == 0 {
		return false
	}
	s.row = s.rows[0]
	s.rows = s.rows[1:]
	return true
}

func (s *sliceSource) Row() warehouse.Row { return s.row }
func (s *sliceSource) Err() error         { return nil }
func (s *sliceSource) Close() error       { return nil }

// Collect drains src into a slice and closes it.
func Collect(src Source) ([]warehouse.Row, error) {
	defer src.Close()
	var out []warehouse.Row
	for src.Next() {
		out = append(out, src.Row())
	}
	return out, src.Err()
}

// Counted passes rows through unchanged while counting them under name in
// the source rows metric.
func Counted(name string, src Source) Source {
	return &countedSource{src: src, counter: metrics.SourceRows.WithLabelValues(name)}
}

type countedSource struct {
	src     Source
	counter prometheus.Counter
}

func (s *countedSource) Next() bool {
	if !s.src.Next() {
		return false
	}
	s.counter.Inc()
	return true
}

func (s *countedSource) Row() warehouse.Row { return s.src.Row() }
func (s *countedSource) Err() error         { return s.src.Err() }
func (s *countedSource) Close() error       { return s.src.Close() }

// errSource reports a construction error through the scanner contract.
type errSource struct {
	err error
}

func (s *errSource) Next() bool         { return false }
func (s *errSource) Row() warehouse.Row { return nil }
func (s *errSource) Err() error         { return s.err }
func (s *errSource) Close() error       { return nil }
