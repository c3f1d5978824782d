package source

import (
	"fmt"
	"strconv"
	"time"

	"github.com/starsetlabs/starload/pkg/warehouse"
)

// DateSpanConfig configures the attributes of a date span. The zero value
// produces dateid, date, monthname, weekday, year, month, and day.
type DateSpanConfig struct {
	// FromExcl and ToExcl exclude the respective bound; both bounds are
	// included by default.
	FromExcl bool
	ToExcl   bool
	// KeyAtt names the attribute holding the YYYYMMDD int identifying
	// the date. Defaults to "dateid".
	KeyAtt string
	// StrAtts maps attribute names to time layouts rendered as strings.
	// Defaults to date (2006-01-02), monthname (January), and weekday
	// (Monday).
	StrAtts map[string]string
	// IntAtts maps attribute names to numeric time layouts rendered as
	// ints. Defaults to year, month, and day.
	IntAtts map[string]string
	// Expander, when set, runs on every produced row.
	Expander func(day time.Time, row warehouse.Row)
}

// DateSpan produces one row per day from from to to, for filling date
// dimensions. The clock parts of the bounds are ignored.
func DateSpan(from, to time.Time, cfg *DateSpanConfig) Source {
	if cfg == nil {
		cfg = &DateSpanConfig{}
	}
	out := *cfg
	if out.KeyAtt == "" {
		out.KeyAtt = "dateid"
	}
	if out.StrAtts == nil {
		out.StrAtts = map[string]string{
			"date":      time.DateOnly,
			"monthname": "January",
			"weekday":   "Monday",
		}
	}
	if out.IntAtts == nil {
		out.IntAtts = map[string]string{
			"year":  "2006",
			"month": "01",
			"day":   "02",
		}
	}
	start := truncateDay(from)
	if out.FromExcl {
		start = start.AddDate(0, 0, 1)
	}
	end := truncateDay(to)
	if out.ToExcl {
		end = end.AddDate(0, 0, -1)
	}
	return &dateSpanSource{cfg: &out, cur: start, end: end}
}

type dateSpanSource struct {
	cfg *DateSpanConfig
	cur time.Time
	end time.Time
	row warehouse.Row
	err error
}

func (s *dateSpanSource) Next() bool {
	if s.err != nil || s.cur.After(s.end) {
		return false
	}
	d := s.cur
	s.cur = s.cur.AddDate(0, 0, 1)
	row := warehouse.Row{}
	y, m, day := d.Date()
	row[s.cfg.KeyAtt] = y*10000 + int(m)*100 + day
	for att, layout := range s.cfg.StrAtts {
		row[att] = d.Format(layout)
	}
	for att, layout := range s.cfg.IntAtts {
		n, err := strconv.Atoi(d.Format(layout))
		if err != nil {
			s.err = fmt.Errorf("%w: int attribute %q uses non-numeric layout %q",
				warehouse.ErrConfig, att, layout)
			return false
		}
		row[att] = n
	}
	if s.cfg.Expander != nil {
		s.cfg.Expander(d, row)
	}
	s.row = row
	return true
}

func (s *dateSpanSource) Row() warehouse.Row { return s.row }
func (s *dateSpanSource) Err() error         { return s.err }
func (s *dateSpanSource) Close() error       { return nil }

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
