package postgres

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/starsetlabs/starload/pkg/warehouse"
)

// CopyLoader returns a bulk loader that streams the spool file to the
// server with COPY FROM STDIN in text format. The spool must therefore use
// newline row separators and a single-byte field separator, and values
// must not contain backslashes, which COPY reads as escapes.
func CopyLoader(pool *pgxpool.Pool) warehouse.BulkLoader {
	return func(ctx context.Context, load *warehouse.BulkLoad) error {
		if load.RowSep != "\n" {
			return fmt.Errorf("%w: COPY needs newline row separators, not %q",
				warehouse.ErrConfig, load.RowSep)
		}
		if len(load.FieldSep) != 1 {
			return fmt.Errorf("%w: COPY needs a single-byte field separator, not %q",
				warehouse.ErrConfig, load.FieldSep)
		}

		var src io.Reader = load.File
		if load.File == nil {
			f, err := os.Open(load.Filename)
			if err != nil {
				return fmt.Errorf("failed to open spool file: %w", err)
			}
			defer f.Close()
			src = f
		}

		opts := []string{"FORMAT text", "DELIMITER " + copyOption(load.FieldSep)}
		if load.UseNullSubst {
			opts = append(opts, "NULL "+copyOption(load.NullSubst))
		}
		stmt := fmt.Sprintf("COPY %s (%s) FROM STDIN (%s)",
			load.Table, strings.Join(load.Atts, ", "), strings.Join(opts, ", "))

		conn, err := pool.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("failed to acquire a connection: %w", err)
		}
		defer conn.Release()

		if _, err := conn.Conn().PgConn().CopyFrom(ctx, src, stmt); err != nil {
			return fmt.Errorf("failed to copy into %s: %w", load.Table, err)
		}
		return nil
	}
}

// copyOption renders a COPY option string literal. Tab needs the escape
// syntax; everything else is quoted verbatim.
func copyOption(s string) string {
	if s == "\t" {
		return `E'\t'`
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
