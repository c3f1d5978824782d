// Package postgres adapts PostgreSQL to the warehouse.Driver contract
// through a pgx v5 connection pool, and provides a COPY bulk loader for
// the spooling tables.
package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/starsetlabs/starload/pkg/warehouse"
)

// Config holds the PostgreSQL connection configuration.
type Config struct {
	// DSN is a postgres:// URL or key=value connection string.
	DSN string
	// MinConns and MaxConns bound the pool. Defaults are 2 and 10.
	MinConns int32
	MaxConns int32
}

func (cfg *Config) Validate() error {
	if cfg.DSN == "" {
		return fmt.Errorf("%w: DSN is required", warehouse.ErrConfig)
	}
	if cfg.MinConns == 0 {
		cfg.MinConns = 2
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 10
	}
	return nil
}

// Driver speaks dollar placeholders and runs statements inside one
// transaction, begun lazily, that Commit or Rollback ends.
type Driver struct {
	log  *slog.Logger
	pool *pgxpool.Pool
	tx   pgx.Tx
}

// New connects a pool and pings it.
func New(ctx context.Context, log *slog.Logger, cfg *Config) (*Driver, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate postgres config: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConns = cfg.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	log.Debug("connected to postgres", "min_conns", cfg.MinConns, "max_conns", cfg.MaxConns)
	return &Driver{log: log, pool: pool}, nil
}

// Pool exposes the underlying pool, for CopyLoader and migrations.
func (d *Driver) Pool() *pgxpool.Pool { return d.pool }

func (d *Driver) ParamStyle() warehouse.ParamStyle { return warehouse.StyleDollar }

func (d *Driver) begin(ctx context.Context) (pgx.Tx, error) {
	if d.tx == nil {
		tx, err := d.pool.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to begin a transaction: %w", err)
		}
		d.tx = tx
	}
	return d.tx, nil
}

func (d *Driver) Execute(ctx context.Context, stmt string, args []any, _ warehouse.Row) error {
	tx, err := d.begin(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("failed to execute statement: %w", err)
	}
	return nil
}

// Query buffers the whole result before returning. The transaction holds a
// single connection, which cannot run the next statement while a result is
// still open.
func (d *Driver) Query(ctx context.Context, stmt string, args []any, _ warehouse.Row) (warehouse.ResultSet, error) {
	tx, err := d.begin(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	fds := rows.FieldDescriptions()
	cols := make([]string, len(fds))
	for i, fd := range fds {
		cols[i] = fd.Name
	}
	var out [][]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read a result row: %w", err)
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read the result rows: %w", err)
	}
	return warehouse.NewBufferedResultSet(cols, out), nil
}

func (d *Driver) Commit(ctx context.Context) error {
	if d.tx == nil {
		return nil
	}
	tx := d.tx
	d.tx = nil
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (d *Driver) Rollback(ctx context.Context) error {
	if d.tx == nil {
		return nil
	}
	tx := d.tx
	d.tx = nil
	if err := tx.Rollback(ctx); err != nil {
		return fmt.Errorf("failed to roll back: %w", err)
	}
	return nil
}

func (d *Driver) Close(ctx context.Context) error {
	if err := d.Rollback(ctx); err != nil {
		return err
	}
	d.pool.Close()
	return nil
}
