package warehouse

import (
	"context"
	"fmt"
	"strings"

	"github.com/starsetlabs/starload/pkg/metrics"
)

const defaultBatchSize = 10000

// BatchFactTableConfig configures a fact table that accumulates inserts
// and writes them in batches.
type BatchFactTableConfig struct {
	FactTableConfig

	// BatchSize is the number of buffered facts that triggers a flush.
	// Zero means the default of 10000.
	BatchSize int
	// UseMultiRow flushes with a single INSERT ... VALUES (...), (...)
	// statement instead of one execution per row. Values are inlined as
	// SQL literals with single quotes doubled; any further sanitization
	// the target requires is the caller's responsibility.
	UseMultiRow bool
}

func (c *BatchFactTableConfig) Validate() error {
	if err := c.FactTableConfig.Validate(); err != nil {
		return err
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	return nil
}

// BatchFactTable buffers facts and writes them in batches. Lookups flush
// the buffer first so they always see every inserted fact.
type BatchFactTable struct {
	*FactTable
	bcfg *BatchFactTableConfig

	batch          []Row
	multiRowPrefix string
}

func NewBatchFactTable(s *Session, cfg *BatchFactTableConfig) (*BatchFactTable, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ErrConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	base, err := newFactTable(s, &cfg.FactTableConfig)
	if err != nil {
		return nil, err
	}
	b := &BatchFactTable{FactTable: base, bcfg: cfg}
	if cfg.UseMultiRow {
		b.multiRowPrefix = fmt.Sprintf("INSERT INTO %s(%s) VALUES ",
			cfg.Name, strings.Join(quoteAll(b.quoter, b.all), ", "))
	}
	s.Register(b)
	return b, nil
}

// AwaitingRows returns the number of buffered facts not yet written.
func (b *BatchFactTable) AwaitingRows() int { return len(b.batch) }

// Insert buffers the fact and flushes when the batch is full.
func (b *BatchFactTable) Insert(ctx context.Context, row Row, nm NameMapping) error {
	if err := requireAtts(row, nm, b.all, b.cfg.Name); err != nil {
		return err
	}
	b.batch = append(b.batch, Project(b.all, row, nm))
	if len(b.batch) >= b.bcfg.BatchSize {
		return b.flush(ctx)
	}
	return nil
}

// Lookup flushes the buffer and then queries the table.
func (b *BatchFactTable) Lookup(ctx context.Context, keyVals Row, nm NameMapping) (Row, error) {
	if err := b.flush(ctx); err != nil {
		return nil, err
	}
	return b.FactTable.Lookup(ctx, keyVals, nm)
}

func (b *BatchFactTable) Ensure(ctx context.Context, row Row, compare bool, nm NameMapping) (bool, error) {
	return ensureFact(ctx, row, compare, nm, b.cfg.Name, b.cfg.Measures, b.Lookup, b.Insert)
}

// EndLoad flushes the remaining buffered facts.
func (b *BatchFactTable) EndLoad(ctx context.Context) error {
	return b.flush(ctx)
}

func (b *BatchFactTable) flush(ctx context.Context) error {
	if len(b.batch) == 0 {
		return nil
	}
	if b.bcfg.UseMultiRow {
		values := make([]string, len(b.batch))
		for i, row := range b.batch {
			lits := make([]string, len(b.all))
			for j, att := range b.all {
				lits[j] = ToSQLLiteral(row[att])
			}
			values[i] = "(" + strings.Join(lits, ",") + ")"
		}
		if err := b.conn.ExecuteRaw(ctx, b.multiRowPrefix+strings.Join(values, ",")); err != nil {
			return fmt.Errorf("failed to flush batch for %s: %w", b.cfg.Name, err)
		}
	} else {
		if err := b.conn.ExecuteMany(ctx, b.insertSQL, b.batch, nil); err != nil {
			return fmt.Errorf("failed to flush batch for %s: %w", b.cfg.Name, err)
		}
	}
	metrics.RowsInserted.WithLabelValues(b.cfg.Name).Add(float64(len(b.batch)))
	metrics.BatchFlushes.WithLabelValues(b.cfg.Name).Inc()
	b.log.Debug("flushed batch", "rows", len(b.batch))
	b.batch = b.batch[:0]
	return nil
}
