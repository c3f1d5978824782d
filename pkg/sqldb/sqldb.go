// Package sqldb adapts any database/sql database to the warehouse.Driver
// contract. The configured placeholder style must be the one the underlying
// driver itself parses; statements reach it untouched.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/starsetlabs/starload/pkg/warehouse"
)

// Option configures a Driver.
type Option func(*Driver)

// WithParamStyle sets the placeholder style. Defaults to qmark.
func WithParamStyle(style warehouse.ParamStyle) Option {
	return func(d *Driver) { d.style = style }
}

// WithAutoCommit runs statements directly on the database instead of inside
// a transaction and turns Commit and Rollback into no-ops, for engines
// without transaction support.
func WithAutoCommit() Option {
	return func(d *Driver) { d.autoCommit = true }
}

// Driver bridges a *sql.DB. Statements run inside one transaction, begun
// lazily, that Commit or Rollback ends; the next statement begins a new
// one.
type Driver struct {
	db         *sql.DB
	style      warehouse.ParamStyle
	autoCommit bool
	tx         *sql.Tx
}

// New wraps db. Pyformat and format placeholders have no database/sql
// counterpart and are rejected.
func New(db *sql.DB, opts ...Option) (*Driver, error) {
	d := &Driver{db: db, style: warehouse.StyleQmark}
	for _, opt := range opts {
		opt(d)
	}
	switch d.style {
	case warehouse.StyleQmark, warehouse.StyleDollar, warehouse.StyleNumeric, warehouse.StyleNamed:
	default:
		return nil, fmt.Errorf("%w: paramstyle %s cannot be used through database/sql",
			warehouse.ErrConfig, d.style)
	}
	return d, nil
}

func (d *Driver) ParamStyle() warehouse.ParamStyle { return d.style }

// executor is satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, stmt string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, stmt string, args ...any) (*sql.Rows, error)
}

func (d *Driver) executor(ctx context.Context) (executor, error) {
	if d.autoCommit {
		return d.db, nil
	}
	if d.tx == nil {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to begin a transaction: %w", err)
		}
		d.tx = tx
	}
	return d.tx, nil
}

func arguments(args []any, named warehouse.Row) []any {
	if named == nil {
		return args
	}
	out := make([]any, 0, len(named))
	for name, v := range named {
		out = append(out, sql.Named(name, v))
	}
	return out
}

func (d *Driver) Execute(ctx context.Context, stmt string, args []any, named warehouse.Row) error {
	ex, err := d.executor(ctx)
	if err != nil {
		return err
	}
	if _, err := ex.ExecContext(ctx, stmt, arguments(args, named)...); err != nil {
		return fmt.Errorf("failed to execute statement: %w", err)
	}
	return nil
}

// Query buffers the whole result before returning. The transaction holds a
// single connection, which cannot run the next statement while a result is
// still open.
func (d *Driver) Query(ctx context.Context, stmt string, args []any, named warehouse.Row) (warehouse.ResultSet, error) {
	ex, err := d.executor(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := ex.QueryContext(ctx, stmt, arguments(args, named)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read the result columns: %w", err)
	}
	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan a result row: %w", err)
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read the result rows: %w", err)
	}
	return warehouse.NewBufferedResultSet(cols, out), nil
}

func (d *Driver) Commit(context.Context) error {
	if d.tx == nil {
		return nil
	}
	tx := d.tx
	d.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (d *Driver) Rollback(context.Context) error {
	if d.tx == nil {
		return nil
	}
	tx := d.tx
	d.tx = nil
	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("failed to roll back: %w", err)
	}
	return nil
}

func (d *Driver) Close(ctx context.Context) error {
	if err := d.Rollback(ctx); err != nil {
		return err
	}
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("failed to close the database: %w", err)
	}
	return nil
}
