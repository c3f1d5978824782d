package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/starsetlabs/starload/pkg/warehouse"
)

// CSVConfig configures a CSV source. The zero value reads standard
// comma-separated records.
type CSVConfig struct {
	// Comma is the field delimiter. Defaults to ','.
	Comma rune
	// Comment, when set, marks lines to skip.
	Comment rune
	// TrimLeadingSpace drops white space at the start of a field.
	TrimLeadingSpace bool
}

// CSV reads header-driven records: the first record names the attributes,
// every following record becomes a row of string values. When r is an
// io.Closer it is closed with the source.
func CSV(r io.Reader, cfg *CSVConfig) Source {
	if cfg == nil {
		cfg = &CSVConfig{}
	}
	cr := csv.NewReader(r)
	if cfg.Comma != 0 {
		cr.Comma = cfg.Comma
	}
	cr.Comment = cfg.Comment
	cr.TrimLeadingSpace = cfg.TrimLeadingSpace
	cr.ReuseRecord = true
	closer, _ := r.(io.Closer)
	return &csvSource{r: cr, closer: closer}
}

type csvSource struct {
	r      *csv.Reader
	closer io.Closer
	names  []string
	row    warehouse.Row
	err    error
	done   bool
}

func (s *csvSource) Next() bool {
	if s.err != nil || s.done {
		return false
	}
	if s.names == nil {
		hdr, err := s.r.Read()
		if errors.Is(err, io.EOF) {
			s.done = true
			return false
		}
		if err != nil {
			s.err = fmt.Errorf("failed to read csv header: %w", err)
			return false
		}
		s.names = append([]string{}, hdr...)
	}
	rec, err := s.r.Read()
	if errors.Is(err, io.EOF) {
		s.done = true
		return false
	}
	if err != nil {
		s.err = fmt.Errorf("failed to read csv record: %w", err)
		return false
	}
	row := make(warehouse.Row, len(s.names))
	for i, name := range s.names {
		row[name] = rec[i]
	}
	s.row = row
	return true
}

func (s *csvSource) Row() warehouse.Row { return s.row }
func (s *csvSource) Err() error         { return s.err }

func (s *csvSource) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
