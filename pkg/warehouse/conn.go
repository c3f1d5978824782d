package warehouse

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/starsetlabs/starload/pkg/fifomap"
	"github.com/starsetlabs/starload/pkg/metrics"
)

const defaultStatementCacheSize = 1000

// Conn wraps a Driver behind the parameterized-statement contract the table
// types speak: pyformat placeholders resolved against a Row through an
// optional NameMapping. Statements are translated to the driver's style
// once and cached.
//
// A Conn keeps the result set of the most recent Query so the Fetch methods
// can drain it, mirroring a database cursor. It is not safe for concurrent
// use.
type Conn struct {
	log       *slog.Logger
	driver    Driver
	style     ParamStyle
	name      string
	stmts     *fifomap.Map[string, *translatedStmt]
	cur       ResultSet
	curCols   []string
	exhausted bool
}

type ConnOption func(*connOptions)

type connOptions struct {
	cacheSize int
	name      string
}

// WithStatementCacheSize bounds the translated-statement cache.
func WithStatementCacheSize(n int) ConnOption {
	return func(o *connOptions) { o.cacheSize = n }
}

// WithName labels the connection in logs and metrics.
func WithName(name string) ConnOption {
	return func(o *connOptions) { o.name = name }
}

func NewConn(log *slog.Logger, driver Driver, opts ...ConnOption) (*Conn, error) {
	if log == nil {
		return nil, fmt.Errorf("%w: logger is required", ErrConfig)
	}
	if driver == nil {
		return nil, fmt.Errorf("%w: driver is required", ErrConfig)
	}
	o := connOptions{cacheSize: defaultStatementCacheSize, name: "default"}
	for _, opt := range opts {
		opt(&o)
	}
	style := driver.ParamStyle()
	if _, err := translateStmt("%(probe)s", style); err != nil {
		return nil, err
	}
	stmts, err := fifomap.New[string, *translatedStmt](o.cacheSize, func(string, *translatedStmt) {
		metrics.StatementCacheEvictions.WithLabelValues(o.name).Inc()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create statement cache: %w", err)
	}
	return &Conn{
		log:    log.With("conn", o.name),
		driver: driver,
		style:  style,
		name:   o.name,
		stmts:  stmts,
	}, nil
}

// Name returns the connection's label.
func (c *Conn) Name() string { return c.name }

// ParamStyle returns the underlying driver's placeholder style.
func (c *Conn) ParamStyle() ParamStyle { return c.style }

func (c *Conn) translate(stmt string) (*translatedStmt, error) {
	if t, ok := c.stmts.Get(stmt); ok {
		return t, nil
	}
	t, err := translateStmt(stmt, c.style)
	if err != nil {
		return nil, err
	}
	c.stmts.Add(stmt, t)
	return t, nil
}

// Execute runs a statement that produces no rows. Any active result set is
// discarded.
func (c *Conn) Execute(ctx context.Context, stmt string, args Row, nm NameMapping) error {
	t, err := c.translate(stmt)
	if err != nil {
		return err
	}
	pos, named, err := t.bindArgs(c.style, args, nm)
	if err != nil {
		return err
	}
	c.discardResultSet()
	if err := c.driver.Execute(ctx, t.sql, pos, named); err != nil {
		return fmt.Errorf("failed to execute statement: %w", err)
	}
	return nil
}

// ExecuteRaw runs a statement verbatim, without placeholder translation or
// argument binding. Statements that inline their values, such as multirow
// inserts, must use this so literal percent signs survive.
func (c *Conn) ExecuteRaw(ctx context.Context, stmt string) error {
	c.discardResultSet()
	if err := c.driver.Execute(ctx, stmt, nil, nil); err != nil {
		return fmt.Errorf("failed to execute statement: %w", err)
	}
	return nil
}

// ExecuteMany runs one statement once per row. The statement is translated
// a single time.
func (c *Conn) ExecuteMany(ctx context.Context, stmt string, rows []Row, nm NameMapping) error {
	t, err := c.translate(stmt)
	if err != nil {
		return err
	}
	c.discardResultSet()
	for _, row := range rows {
		pos, named, err := t.bindArgs(c.style, row, nm)
		if err != nil {
			return err
		}
		if err := c.driver.Execute(ctx, t.sql, pos, named); err != nil {
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}
	return nil
}

// Query runs a row-producing statement and makes its result set current for
// the Fetch methods.
func (c *Conn) Query(ctx context.Context, stmt string, args Row, nm NameMapping) error {
	rs, err := c.Select(ctx, stmt, args, nm)
	if err != nil {
		return err
	}
	c.discardResultSet()
	c.cur = rs
	c.curCols = rs.Columns()
	c.exhausted = false
	return nil
}

// Select runs a row-producing statement and returns its result set without
// touching the connection's current one. Streaming consumers use this.
func (c *Conn) Select(ctx context.Context, stmt string, args Row, nm NameMapping) (ResultSet, error) {
	t, err := c.translate(stmt)
	if err != nil {
		return nil, err
	}
	pos, named, err := t.bindArgs(c.style, args, nm)
	if err != nil {
		return nil, err
	}
	rs, err := c.driver.Query(ctx, t.sql, pos, named)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	return rs, nil
}

// ResultNames returns the column names of the current result set, or nil
// when none is active.
func (c *Conn) ResultNames() []string {
	if c.cur == nil {
		return nil
	}
	out := make([]string, len(c.curCols))
	copy(out, c.curCols)
	return out
}

// FetchOne returns the next row of the current result set. When the set is
// exhausted it returns a Row with every result column set to nil, so
// callers can probe for absence without an extra signal.
func (c *Conn) FetchOne() (Row, error) {
	vals, err := c.fetchTuple()
	if err != nil {
		return nil, err
	}
	row := make(Row, len(c.curCols))
	for i, col := range c.curCols {
		if vals == nil {
			row[col] = nil
		} else {
			row[col] = vals[i]
		}
	}
	return row, nil
}

// FetchOneTuple is FetchOne in positional form: an all-nil slice signals
// exhaustion.
func (c *Conn) FetchOneTuple() ([]any, error) {
	vals, err := c.fetchTuple()
	if err != nil {
		return nil, err
	}
	if vals == nil {
		return make([]any, len(c.curCols)), nil
	}
	return vals, nil
}

func (c *Conn) fetchTuple() ([]any, error) {
	if c.cur == nil {
		return nil, fmt.Errorf("no result set is active")
	}
	if c.exhausted || !c.cur.Next() {
		c.exhausted = true
		if err := c.cur.Err(); err != nil {
			return nil, fmt.Errorf("failed to read result set: %w", err)
		}
		return nil, nil
	}
	vals, err := c.cur.Values()
	if err != nil {
		return nil, fmt.Errorf("failed to read result row: %w", err)
	}
	return vals, nil
}

// FetchMany returns up to n rows of the current result set. Without an
// active result set it returns an empty slice.
func (c *Conn) FetchMany(n int) ([]Row, error) {
	out := []Row{}
	if c.cur == nil {
		return out, nil
	}
	for len(out) < n {
		vals, err := c.fetchTuple()
		if err != nil {
			return nil, err
		}
		if vals == nil {
			break
		}
		row := make(Row, len(c.curCols))
		for i, col := range c.curCols {
			row[col] = vals[i]
		}
		out = append(out, row)
	}
	return out, nil
}

// FetchAll drains the current result set. Without an active result set it
// returns an empty slice.
func (c *Conn) FetchAll() ([]Row, error) {
	out := []Row{}
	if c.cur == nil {
		return out, nil
	}
	for {
		vals, err := c.fetchTuple()
		if err != nil {
			return nil, err
		}
		if vals == nil {
			return out, nil
		}
		row := make(Row, len(c.curCols))
		for i, col := range c.curCols {
			row[col] = vals[i]
		}
		out = append(out, row)
	}
}

func (c *Conn) discardResultSet() {
	if c.cur != nil {
		_ = c.cur.Close()
		c.cur = nil
		c.curCols = nil
		c.exhausted = false
	}
}

// Commit commits the driver's transaction. Note that Session.Commit runs
// EndLoad over the registered tables first; use that for normal loads.
func (c *Conn) Commit(ctx context.Context) error {
	c.discardResultSet()
	if err := c.driver.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Rollback rolls the driver's transaction back.
func (c *Conn) Rollback(ctx context.Context) error {
	c.discardResultSet()
	if err := c.driver.Rollback(ctx); err != nil {
		return fmt.Errorf("failed to rollback: %w", err)
	}
	return nil
}

// Close releases the driver.
func (c *Conn) Close(ctx context.Context) error {
	c.discardResultSet()
	if err := c.driver.Close(ctx); err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}
