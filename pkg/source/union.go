package source

import (
	"fmt"

	"github.com/starsetlabs/starload/pkg/warehouse"
)

// Union concatenates sources: all rows of the first, then all rows of the
// second, and so on. To interleave instead, use RoundRobin.
func Union(sources ...Source) Source {
	return &unionSource{sources: sources}
}

type unionSource struct {
	sources []Source
	row     warehouse.Row
	err     error
}

func (s *unionSource) Next() bool {
	if s.err != nil {
		return false
	}
	for len(s.sources) > 0 {
		cur := s.sources[0]
		if cur.Next() {
			s.row = cur.Row()
			return true
		}
		if err := cur.Err(); err != nil {
			s.err = err
			return false
		}
		cur.Close()
		s.sources = s.sources[1:]
	}
	return false
}

func (s *unionSource) Row() warehouse.Row { return s.row }
func (s *unionSource) Err() error         { return s.err }

func (s *unionSource) Close() error {
	var first error
	for _, src := range s.sources {
		if err := src.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.sources = nil
	return first
}

// RoundRobin interleaves sources, reading up to batchSize rows from each
// in turn. Exhausted sources drop out of the rotation; the stream ends
// when every source is drained.
func RoundRobin(sources []Source, batchSize int) Source {
	if batchSize <= 0 {
		return &errSource{err: fmt.Errorf("%w: batch size must be positive", warehouse.ErrConfig)}
	}
	return &roundRobinSource{sources: append([]Source{}, sources...), batch: batchSize}
}

type roundRobinSource struct {
	sources []Source
	batch   int
	i       int // current source
	n       int // rows taken from it in this batch
	row     warehouse.Row
	err     error
}

func (s *roundRobinSource) Next() bool {
	if s.err != nil {
		return false
	}
	for len(s.sources) > 0 {
		if s.i >= len(s.sources) {
			s.i = 0
		}
		cur := s.sources[s.i]
		if s.n < s.batch {
			if cur.Next() {
				s.n++
				s.row = cur.Row()
				return true
			}
			if err := cur.Err(); err != nil {
				s.err = err
				return false
			}
			cur.Close()
			s.sources = append(s.sources[:s.i], s.sources[s.i+1:]...)
		} else {
			s.i++
		}
		s.n = 0
	}
	return false
}

func (s *roundRobinSource) Row() warehouse.Row { return s.row }
func (s *roundRobinSource) Err() error         { return s.err }

func (s *roundRobinSource) Close() error {
	var first error
	for _, src := range s.sources {
		if err := src.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.sources = nil
	return first
}
