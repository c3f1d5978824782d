// Package migrate runs schema migrations with goose. The caller supplies
// an open database handle, the goose dialect and a filesystem holding the
// migration files; the warehouse schema for a load is usually embedded
// next to the binary that runs it.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/pressly/goose/v3"

	"github.com/starsetlabs/starload/pkg/warehouse"
)

type Config struct {
	// DB is the database the migrations run against.
	DB *sql.DB
	// Dialect selects goose's SQL flavor, for example "postgres" or
	// "clickhouse".
	Dialect string
	// FS holds the migration files.
	FS fs.FS
	// Dir is the directory of the migration files inside FS. Defaults to
	// ".".
	Dir string
}

func (c *Config) Validate() error {
	if c.DB == nil {
		return fmt.Errorf("%w: a database handle is required", warehouse.ErrConfig)
	}
	if c.Dialect == "" {
		return fmt.Errorf("%w: a dialect is required", warehouse.ErrConfig)
	}
	if c.FS == nil {
		return fmt.Errorf("%w: a migrations filesystem is required", warehouse.ErrConfig)
	}
	if c.Dir == "" {
		c.Dir = "."
	}
	return nil
}

// slogGooseLogger adapts slog.Logger to the goose.Logger interface.
type slogGooseLogger struct {
	log *slog.Logger
}

func (l *slogGooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *slogGooseLogger) Printf(format string, v ...any) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// Runner applies migrations from one filesystem to one database. goose
// keeps its registry in package state, so runners must not be used
// concurrently.
type Runner struct {
	log *slog.Logger
	cfg *Config
}

func New(log *slog.Logger, cfg *Config) (*Runner, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{log: log, cfg: cfg}, nil
}

func (r *Runner) prepare() error {
	goose.SetLogger(&slogGooseLogger{log: r.log})
	goose.SetBaseFS(r.cfg.FS)
	if err := goose.SetDialect(r.cfg.Dialect); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return nil
}

// Up applies all pending migrations.
func (r *Runner) Up(ctx context.Context) error {
	r.log.Info("running migrations (up)")
	if err := r.prepare(); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, r.cfg.DB, r.cfg.Dir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// UpTo applies pending migrations up to and including version.
func (r *Runner) UpTo(ctx context.Context, version int64) error {
	r.log.Info("running migrations up to version", "version", version)
	if err := r.prepare(); err != nil {
		return err
	}
	if err := goose.UpToContext(ctx, r.cfg.DB, r.cfg.Dir, version); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Down rolls back the most recent migration.
func (r *Runner) Down(ctx context.Context) error {
	r.log.Info("rolling back migration (down)")
	if err := r.prepare(); err != nil {
		return err
	}
	if err := goose.DownContext(ctx, r.cfg.DB, r.cfg.Dir); err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	return nil
}

// DownTo rolls back migrations down to version.
func (r *Runner) DownTo(ctx context.Context, version int64) error {
	r.log.Info("rolling back migrations to version", "version", version)
	if err := r.prepare(); err != nil {
		return err
	}
	if err := goose.DownToContext(ctx, r.cfg.DB, r.cfg.Dir, version); err != nil {
		return fmt.Errorf("failed to roll back migrations: %w", err)
	}
	return nil
}

// Redo rolls back the most recent migration and re-applies it.
func (r *Runner) Redo(ctx context.Context) error {
	r.log.Info("redoing migration (down + up)")
	if err := r.prepare(); err != nil {
		return err
	}
	if err := goose.RedoContext(ctx, r.cfg.DB, r.cfg.Dir); err != nil {
		return fmt.Errorf("failed to redo migration: %w", err)
	}
	return nil
}

// Reset rolls back all migrations.
func (r *Runner) Reset(ctx context.Context) error {
	r.log.Info("resetting migrations (rolling back all)")
	if err := r.prepare(); err != nil {
		return err
	}
	if err := goose.ResetContext(ctx, r.cfg.DB, r.cfg.Dir); err != nil {
		return fmt.Errorf("failed to reset migrations: %w", err)
	}
	return nil
}

// Version returns the database's current migration version.
func (r *Runner) Version(ctx context.Context) (int64, error) {
	if err := r.prepare(); err != nil {
		return 0, err
	}
	v, err := goose.GetDBVersionContext(ctx, r.cfg.DB)
	if err != nil {
		return 0, fmt.Errorf("failed to get version: %w", err)
	}
	return v, nil
}

// Status logs the state of every known migration.
func (r *Runner) Status(ctx context.Context) error {
	if err := r.prepare(); err != nil {
		return err
	}
	return goose.StatusContext(ctx, r.cfg.DB, r.cfg.Dir)
}
