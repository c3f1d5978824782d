package clickhouse

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	chdriver "github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/starsetlabs/starload/pkg/warehouse"
)

// BatchWriter loads rows with the native batch protocol, which is far
// faster than row-at-a-time inserts for wide loads.
type BatchWriter struct {
	log  *slog.Logger
	conn chdriver.Conn
}

func (d *Driver) BatchWriter() *BatchWriter {
	return &BatchWriter{log: d.log, conn: d.conn}
}

// WriteBatch appends rows to table. Each row must carry exactly len(atts)
// values, in attribute order.
func (w *BatchWriter) WriteBatch(ctx context.Context, table string, atts []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s)", table, strings.Join(atts, ", "))
	batch, err := w.conn.PrepareBatch(ctx, stmt)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	// Always release the connection back to the pool.
	defer batch.Close()

	for i, row := range rows {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during batch append: %w", ctx.Err())
		default:
		}
		if len(row) != len(atts) {
			return fmt.Errorf("%w: row %d has %d values for %d attributes",
				warehouse.ErrData, i, len(row), len(atts))
		}
		if err := batch.Append(row...); err != nil {
			return fmt.Errorf("failed to append row %d: %w", i, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	w.log.Debug("wrote batch", "table", table, "rows", len(rows))
	return nil
}
