package warehouse

import "context"

// ParamStyle names the placeholder syntax a driver expects. The wrapper
// speaks pyformat internally and translates.
type ParamStyle string

const (
	// StylePyformat uses %(name)s placeholders with a named argument map.
	StylePyformat ParamStyle = "pyformat"
	// StyleNamed uses :name placeholders with a named argument map.
	StyleNamed ParamStyle = "named"
	// StyleQmark uses ? placeholders with positional arguments.
	StyleQmark ParamStyle = "qmark"
	// StyleNumeric uses :1 :2 ... placeholders with positional arguments.
	StyleNumeric ParamStyle = "numeric"
	// StyleFormat uses %s placeholders with positional arguments.
	StyleFormat ParamStyle = "format"
	// StyleDollar uses $1 $2 ... placeholders with positional arguments.
	StyleDollar ParamStyle = "dollar"
)

// positional reports whether the style consumes an ordered argument list
// rather than a named map.
func (s ParamStyle) positional() bool {
	switch s {
	case StyleQmark, StyleNumeric, StyleFormat, StyleDollar:
		return true
	default:
		return false
	}
}

// Driver is the adapter contract a database integration implements. For
// positional styles args carries the values in placeholder order and named
// is nil; for named styles named carries the resolved values and args is
// nil.
//
// Drivers are used from a single loading goroutine and are expected to run
// statements inside one transaction that Commit or Rollback ends.
type Driver interface {
	ParamStyle() ParamStyle
	Execute(ctx context.Context, stmt string, args []any, named Row) error
	Query(ctx context.Context, stmt string, args []any, named Row) (ResultSet, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close(ctx context.Context) error
}

// ResultSet streams the rows of one query. The usual loop is
//
//	for rs.Next() {
//	    vals, err := rs.Values()
//	    ...
//	}
//	err := rs.Err()
type ResultSet interface {
	Columns() []string
	Next() bool
	Values() ([]any, error)
	Err() error
	Close() error
}

// BufferedResultSet is a ResultSet over materialized rows. Adapters without
// native streaming and in-memory drivers return these.
type BufferedResultSet struct {
	cols []string
	rows [][]any
	pos  int
}

func NewBufferedResultSet(cols []string, rows [][]any) *BufferedResultSet {
	return &BufferedResultSet{cols: cols, rows: rows}
}

func (rs *BufferedResultSet) Columns() []string { return rs.cols }

func (rs *BufferedResultSet) Next() bool {
	if rs.pos >= len(rs.rows) {
		return false
	}
	rs.pos++
	return true
}

func (rs *BufferedResultSet) Values() ([]any, error) {
	if rs.pos == 0 || rs.pos > len(rs.rows) {
		return nil, nil
	}
	return rs.rows[rs.pos-1], nil
}

func (rs *BufferedResultSet) Err() error   { return nil }
func (rs *BufferedResultSet) Close() error { return nil }
