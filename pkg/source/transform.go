package source

import (
	"github.com/starsetlabs/starload/pkg/warehouse"
)

// Transform applies fns to every row in the given order. The functions
// mutate the row in place.
func Transform(src Source, fns ...func(warehouse.Row)) Source {
	return &transformSource{src: src, fns: fns}
}

type transformSource struct {
	src Source
	fns []func(warehouse.Row)
}

func (s *transformSource) Next() bool {
	if !s.src.Next() {
		return false
	}
	row := s.src.Row()
	for _, fn := range s.fns {
		fn(row)
	}
	return true
}

func (s *transformSource) Row() warehouse.Row { return s.src.Row() }
func (s *transformSource) Err() error         { return s.src.Err() }
func (s *transformSource) Close() error       { return s.src.Close() }

// Filter passes on the rows pred accepts. A nil pred drops empty rows.
func Filter(src Source, pred func(warehouse.Row) bool) Source {
	if pred == nil {
		pred = func(row warehouse.Row) bool { return len(row) > 0 }
	}
	return &filterSource{src: src, pred: pred}
}

type filterSource struct {
	src  Source
	pred func(warehouse.Row) bool
}

func (s *filterSource) Next() bool {
	for s.src.Next() {
		if s.pred(s.src.Row()) {
			return true
		}
	}
	return false
}

func (s *filterSource) Row() warehouse.Row { return s.src.Row() }
func (s *filterSource) Err() error         { return s.src.Err() }
func (s *filterSource) Close() error       { return s.src.Close() }
