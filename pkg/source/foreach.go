package source

import (
	"fmt"

	"github.com/starsetlabs/starload/pkg/warehouse"
)

// ForEach builds one source per seed and streams them in order, so a
// directory of files can be read as one stream. The factory runs lazily,
// when the previous seed's source is drained.
func ForEach(seeds []string, factory func(seed string) (Source, error)) Source {
	return &forEachSource{seeds: append([]string{}, seeds...), factory: factory}
}

type forEachSource struct {
	seeds   []string
	factory func(string) (Source, error)
	cur     Source
	row     warehouse.Row
	err     error
}

func (s *forEachSource) Next() bool {
	if s.err != nil {
		return false
	}
	for {
		if s.cur == nil {
			if len(s.seeds) == 0 {
				return false
			}
			seed := s.seeds[0]
			s.seeds = s.seeds[1:]
			src, err := s.factory(seed)
			if err != nil {
				s.err = fmt.Errorf("failed to open source for %q: %w", seed, err)
				return false
			}
			s.cur = src
		}
		if s.cur.Next() {
			s.row = s.cur.Row()
			return true
		}
		if err := s.cur.Err(); err != nil {
			s.err = err
			return false
		}
		s.cur.Close()
		s.cur = nil
	}
}

func (s *forEachSource) Row() warehouse.Row { return s.row }
func (s *forEachSource) Err() error         { return s.err }

func (s *forEachSource) Close() error {
	if s.cur != nil {
		return s.cur.Close()
	}
	return nil
}
