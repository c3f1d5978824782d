package warehouse

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/starsetlabs/starload/pkg/metrics"
)

// BulkFactTableConfig configures a fact table whose rows are spooled and
// bulk loaded.
type BulkFactTableConfig struct {
	SpoolConfig

	// Name of the fact table.
	Name string
	// KeyRefs are the dimension references that identify a fact.
	KeyRefs []string
	// Measures are the measure attributes. May be empty.
	Measures []string
}

func (c *BulkFactTableConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: table name is required", ErrConfig)
	}
	if len(c.KeyRefs) == 0 {
		return fmt.Errorf("%w: key references are required", ErrConfig)
	}
	return c.SpoolConfig.Validate()
}

// BulkFactTable spools facts to a temporary file and hands them to a bulk
// loader. Reads are not supported, so there is no Lookup or Ensure.
type BulkFactTable struct {
	log *slog.Logger
	cfg *BulkFactTableConfig
	all []string
	sp  *spool
}

func NewBulkFactTable(s *Session, cfg *BulkFactTableConfig) (*BulkFactTable, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: session is required", ErrConfig)
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ErrConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log := s.logger().With("table", cfg.Name)
	all := append(append([]string{}, cfg.KeyRefs...), cfg.Measures...)
	t := &BulkFactTable{
		log: log,
		cfg: cfg,
		all: all,
		sp:  newSpool(log, cfg.Name, all, &cfg.SpoolConfig),
	}
	s.Register(t)
	return t, nil
}

func (t *BulkFactTable) Name() string { return t.cfg.Name }

func (t *BulkFactTable) KeyRefNames() []string {
	out := make([]string, len(t.cfg.KeyRefs))
	copy(out, t.cfg.KeyRefs)
	return out
}

func (t *BulkFactTable) MeasureNames() []string {
	out := make([]string, len(t.cfg.Measures))
	copy(out, t.cfg.Measures)
	return out
}

// AwaitingRows returns the number of spooled facts not yet loaded.
func (t *BulkFactTable) AwaitingRows() int { return t.sp.awaitingRows() }

// Insert spools the fact for the next bulk load. The row must contain
// every key reference and measure.
func (t *BulkFactTable) Insert(ctx context.Context, row Row, nm NameMapping) error {
	if err := t.sp.insert(ctx, row, nm); err != nil {
		return err
	}
	metrics.RowsInserted.WithLabelValues(t.cfg.Name).Inc()
	return nil
}

// BulkLoadNow loads the spooled facts without waiting for the spool to
// fill.
func (t *BulkFactTable) BulkLoadNow(ctx context.Context) error {
	return t.sp.loadNow(ctx)
}

// EndLoad loads any remaining facts and removes the spool file.
func (t *BulkFactTable) EndLoad(ctx context.Context) error {
	return t.sp.endLoad(ctx)
}
