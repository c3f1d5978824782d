package source

import (
	"fmt"

	"github.com/starsetlabs/starload/pkg/warehouse"
)

// HashJoin equi-joins two sources. The right source is drained into a
// hash on its join attribute first; the left source then streams, and
// every match merges the right row over the left one. Left rows without
// a match are dropped.
func HashJoin(left Source, leftAtt string, right Source, rightAtt string) Source {
	return &hashJoinSource{left: left, leftAtt: leftAtt, right: right, rightAtt: rightAtt}
}

type hashJoinSource struct {
	left     Source
	leftAtt  string
	right    Source
	rightAtt string

	byKey   map[any][]warehouse.Row
	pending []warehouse.Row
	row     warehouse.Row
	err     error
}

func (s *hashJoinSource) Next() bool {
	if s.err != nil {
		return false
	}
	if s.byKey == nil && !s.build() {
		return false
	}
	for {
		if len(s.pending) > 0 {
			s.row = s.pending[0]
			s.pending = s.pending[1:]
			return true
		}
		if !s.left.Next() {
			s.err = s.left.Err()
			return false
		}
		row := s.left.Row()
		v, ok := row[s.leftAtt]
		if !ok {
			s.err = fmt.Errorf("%w: join attribute %q is missing", warehouse.ErrData, s.leftAtt)
			return false
		}
		for _, match := range s.byKey[joinKey(v)] {
			out := warehouse.CopyRow(row)
			for k, mv := range match {
				out[k] = mv
			}
			s.pending = append(s.pending, out)
		}
	}
}

func (s *hashJoinSource) build() bool {
	s.byKey = map[any][]warehouse.Row{}
	defer s.right.Close()
	for s.right.Next() {
		row := s.right.Row()
		v, ok := row[s.rightAtt]
		if !ok {
			s.err = fmt.Errorf("%w: join attribute %q is missing", warehouse.ErrData, s.rightAtt)
			return false
		}
		k := joinKey(v)
		s.byKey[k] = append(s.byKey[k], row)
	}
	if err := s.right.Err(); err != nil {
		s.err = err
		return false
	}
	return true
}

func (s *hashJoinSource) Row() warehouse.Row { return s.row }
func (s *hashJoinSource) Err() error         { return s.err }

func (s *hashJoinSource) Close() error {
	s.right.Close()
	return s.left.Close()
}

// joinKey folds numeric widths together so values from different drivers
// hash alike.
func joinKey(v any) any {
	switch v.(type) {
	case string, []byte:
		k, _ := warehouse.Str(v)
		return k
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

// MergeJoin equi-joins two sources that are both sorted ascending on
// their join attributes. Right rows sharing a key value are grouped, and
// every left row with that key merges with each row of the group. Rows
// on either side without a match are dropped.
func MergeJoin(left Source, leftAtt string, right Source, rightAtt string) Source {
	return &mergeJoinSource{left: left, leftAtt: leftAtt, right: right, rightAtt: rightAtt}
}

type mergeJoinSource struct {
	left     Source
	leftAtt  string
	right    Source
	rightAtt string

	started  bool
	leftRow  warehouse.Row
	leftKey  any
	leftOK   bool
	group    []warehouse.Row
	groupKey any
	lookNext warehouse.Row

	pending []warehouse.Row
	row     warehouse.Row
	err     error
}

func (s *mergeJoinSource) Next() bool {
	if s.err != nil {
		return false
	}
	if !s.started {
		s.started = true
		s.advanceLeft()
		s.nextGroup()
	}
	for {
		if len(s.pending) > 0 {
			s.row = s.pending[0]
			s.pending = s.pending[1:]
			return true
		}
		if s.err != nil || !s.leftOK || s.group == nil {
			return false
		}
		c, err := warehouse.CompareValues(s.leftKey, s.groupKey)
		if err != nil {
			s.err = fmt.Errorf("failed to merge join: %w", err)
			return false
		}
		switch {
		case c == 0:
			for _, part := range s.group {
				out := warehouse.CopyRow(s.leftRow)
				for k, v := range part {
					out[k] = v
				}
				s.pending = append(s.pending, out)
			}
			s.advanceLeft()
		case c < 0:
			s.advanceLeft()
		default:
			s.nextGroup()
		}
	}
}

func (s *mergeJoinSource) advanceLeft() {
	if !s.left.Next() {
		s.leftOK = false
		s.err = s.left.Err()
		return
	}
	row := s.left.Row()
	v, ok := row[s.leftAtt]
	if !ok {
		s.err = fmt.Errorf("%w: join attribute %q is missing", warehouse.ErrData, s.leftAtt)
		s.leftOK = false
		return
	}
	s.leftRow, s.leftKey, s.leftOK = row, v, true
}

// nextGroup gathers the next run of right rows sharing a key value.
func (s *mergeJoinSource) nextGroup() {
	s.group, s.groupKey = nil, nil
	for {
		var row warehouse.Row
		if s.lookNext != nil {
			row, s.lookNext = s.lookNext, nil
		} else {
			if !s.right.Next() {
				if err := s.right.Err(); err != nil {
					s.err = err
				}
				return
			}
			row = s.right.Row()
		}
		v, ok := row[s.rightAtt]
		if !ok {
			s.err = fmt.Errorf("%w: join attribute %q is missing", warehouse.ErrData, s.rightAtt)
			return
		}
		if s.group == nil {
			s.group = []warehouse.Row{row}
			s.groupKey = v
			continue
		}
		if warehouse.ValuesEqual(v, s.groupKey) {
			s.group = append(s.group, row)
			continue
		}
		s.lookNext = row
		return
	}
}

func (s *mergeJoinSource) Row() warehouse.Row { return s.row }
func (s *mergeJoinSource) Err() error         { return s.err }

func (s *mergeJoinSource) Close() error {
	s.right.Close()
	return s.left.Close()
}
