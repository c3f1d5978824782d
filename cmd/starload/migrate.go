package main

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/starsetlabs/starload/pkg/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func newRunner(log *slog.Logger, dsn string) (*migrate.Runner, *sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	r, err := migrate.New(log, &migrate.Config{
		DB:      db,
		Dialect: "postgres",
		FS:      migrationsFS,
		Dir:     "migrations",
	})
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return r, db, nil
}

func migrateUp(ctx context.Context, log *slog.Logger, dsn string) error {
	r, db, err := newRunner(log, dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return r.Up(ctx)
}

func migrateStatus(ctx context.Context, log *slog.Logger, dsn string) error {
	r, db, err := newRunner(log, dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return r.Status(ctx)
}

func migrateDown(ctx context.Context, log *slog.Logger, dsn string) error {
	r, db, err := newRunner(log, dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return r.Down(ctx)
}
