// Package clickhouse adapts ClickHouse to the warehouse.Driver contract
// over the native protocol, and provides a batch writer for wide inserts.
package clickhouse

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	chdriver "github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/starsetlabs/starload/pkg/warehouse"
)

const DefaultDatabase = "default"

// ContextWithSyncInsert returns a context configured for synchronous
// inserts. Use it when reading data right after inserting.
func ContextWithSyncInsert(ctx context.Context) context.Context {
	return clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"async_insert":                           0,
		"wait_for_async_insert":                  1,
		"async_insert_use_adaptive_busy_timeout": 0,
		"insert_deduplicate":                     0,
		"select_sequential_consistency":          1,
	}))
}

// Config holds the ClickHouse connection configuration.
type Config struct {
	// Addr is the native protocol host:port.
	Addr     string
	Database string
	Username string
	Password string
	// Secure enables TLS, for ClickHouse Cloud (port 9440).
	Secure bool
	// Debug turns on client protocol logging.
	Debug bool
}

func (cfg *Config) Validate() error {
	if cfg.Addr == "" {
		return fmt.Errorf("%w: address is required", warehouse.ErrConfig)
	}
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	return nil
}

// Driver speaks qmark placeholders. ClickHouse has no transactions, so
// Commit and Rollback are accepted and do nothing; every statement is
// final as soon as it executes.
type Driver struct {
	log  *slog.Logger
	conn chdriver.Conn
}

// New opens a native connection pool and pings it.
func New(ctx context.Context, log *slog.Logger, cfg *Config) (*Driver, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate clickhouse config: %w", err)
	}

	options := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Debug:       cfg.Debug,
	}
	if cfg.Secure {
		options.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	log.Debug("connected to clickhouse", "addr", cfg.Addr, "database", cfg.Database)
	return &Driver{log: log, conn: conn}, nil
}

func (d *Driver) ParamStyle() warehouse.ParamStyle { return warehouse.StyleQmark }

func (d *Driver) Execute(ctx context.Context, stmt string, args []any, _ warehouse.Row) error {
	if err := d.conn.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("failed to execute statement: %w", err)
	}
	return nil
}

func (d *Driver) Query(ctx context.Context, stmt string, args []any, _ warehouse.Row) (warehouse.ResultSet, error) {
	rows, err := d.conn.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	return newResultSet(rows), nil
}

func (d *Driver) Commit(context.Context) error   { return nil }
func (d *Driver) Rollback(context.Context) error { return nil }

func (d *Driver) Close(context.Context) error {
	if err := d.conn.Close(); err != nil {
		return fmt.Errorf("failed to close the connection: %w", err)
	}
	return nil
}

// resultSet streams native rows, scanning each into targets built from the
// column types.
type resultSet struct {
	rows chdriver.Rows
	ptrs []any
	vals []any
	err  error
}

func newResultSet(rows chdriver.Rows) *resultSet {
	types := rows.ColumnTypes()
	ptrs := make([]any, len(types))
	for i, ct := range types {
		ptrs[i] = reflect.New(ct.ScanType()).Interface()
	}
	return &resultSet{rows: rows, ptrs: ptrs}
}

func (rs *resultSet) Columns() []string { return rs.rows.Columns() }

func (rs *resultSet) Next() bool {
	if rs.err != nil {
		return false
	}
	if !rs.rows.Next() {
		return false
	}
	if err := rs.rows.Scan(rs.ptrs...); err != nil {
		rs.err = fmt.Errorf("failed to scan a result row: %w", err)
		return false
	}
	vals := make([]any, len(rs.ptrs))
	for i, p := range rs.ptrs {
		v := reflect.ValueOf(p).Elem()
		// Nullable columns scan through a pointer; nil means NULL.
		if v.Kind() == reflect.Pointer {
			if v.IsNil() {
				continue
			}
			v = v.Elem()
		}
		vals[i] = v.Interface()
	}
	rs.vals = vals
	return true
}

func (rs *resultSet) Values() ([]any, error) { return rs.vals, nil }

func (rs *resultSet) Err() error {
	if rs.err != nil {
		return rs.err
	}
	return rs.rows.Err()
}

func (rs *resultSet) Close() error { return rs.rows.Close() }
