package source

import (
	"context"
	"fmt"

	"github.com/starsetlabs/starload/pkg/warehouse"
)

// SQLConfig configures a SQL source.
type SQLConfig struct {
	// Args are positional arguments for the query, in the driver's own
	// parameter style.
	Args []any
	// Names overrides the result column names. The count must match the
	// result width.
	Names []string
	// InitSQL, when set, runs before the query; its result is discarded.
	InitSQL string
}

// SQL streams the result of one query as rows. The statement goes to the
// driver untranslated, so it is written in the driver's parameter style,
// not the connection wrapper's. The query runs on the first call to Next.
func SQL(ctx context.Context, d warehouse.Driver, query string, cfg *SQLConfig) Source {
	if cfg == nil {
		cfg = &SQLConfig{}
	}
	return &sqlSource{ctx: ctx, d: d, query: query, cfg: cfg}
}

type sqlSource struct {
	ctx   context.Context
	d     warehouse.Driver
	query string
	cfg   *SQLConfig

	rs    warehouse.ResultSet
	names []string
	row   warehouse.Row
	err   error
	done  bool
}

func (s *sqlSource) Next() bool {
	if s.err != nil || s.done {
		return false
	}
	if s.rs == nil {
		if s.cfg.InitSQL != "" {
			if err := s.d.Execute(s.ctx, s.cfg.InitSQL, nil, nil); err != nil {
				s.err = fmt.Errorf("failed to run init sql: %w", err)
				return false
			}
		}
		rs, err := s.d.Query(s.ctx, s.query, s.cfg.Args, nil)
		if err != nil {
			s.err = fmt.Errorf("failed to query source rows: %w", err)
			return false
		}
		s.rs = rs
		s.names = s.cfg.Names
	}
	if !s.rs.Next() {
		s.done = true
		s.err = s.rs.Err()
		return false
	}
	vals, err := s.rs.Values()
	if err != nil {
		s.err = fmt.Errorf("failed to read source row: %w", err)
		return false
	}
	// Some drivers only know their columns once data has been fetched.
	if len(s.names) == 0 {
		s.names = s.rs.Columns()
	}
	if len(s.names) != len(vals) {
		s.err = fmt.Errorf("%w: incorrect number of names provided: %d given, %d needed",
			warehouse.ErrConfig, len(s.names), len(vals))
		return false
	}
	row := make(warehouse.Row, len(s.names))
	for i, name := range s.names {
		row[name] = vals[i]
	}
	s.row = row
	return true
}

func (s *sqlSource) Row() warehouse.Row { return s.row }
func (s *sqlSource) Err() error         { return s.err }

func (s *sqlSource) Close() error {
	if s.rs != nil {
		return s.rs.Close()
	}
	return nil
}
