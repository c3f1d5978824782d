package warehouse

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/starsetlabs/starload/pkg/metrics"
)

const defaultBulkSize = 500000

// BulkLoad describes one pending load handed to a BulkLoader. The spool
// file is rewound before the loader runs; the loader must not close it.
type BulkLoad struct {
	// Table is the target table name.
	Table string
	// Atts are the column names, in the order their values appear in
	// each spooled row.
	Atts []string
	// FieldSep and RowSep separate fields and rows in the spool file.
	FieldSep string
	RowSep   string
	// NullSubst is the string written in place of nil values when
	// UseNullSubst is set.
	NullSubst    string
	UseNullSubst bool
	// File is the open spool file, positioned at the start. nil when the
	// load was configured to hand over the file by name.
	File *os.File
	// Filename is the path of the spool file.
	Filename string
}

// BulkLoader loads the rows of a spool file into the target. COPY
// statements, LOAD DATA and client-side bulk APIs all fit behind this.
type BulkLoader func(ctx context.Context, load *BulkLoad) error

// BulkTable is implemented by tables that spool rows to a temporary file
// and load them in bulk.
type BulkTable interface {
	Name() string
	// AwaitingRows returns the number of spooled rows not yet loaded.
	AwaitingRows() int
	// BulkLoadNow loads the spooled rows without waiting for the spool
	// to fill.
	BulkLoadNow(ctx context.Context) error
	EndLoad(ctx context.Context) error
}

// SpoolConfig configures the temporary file spool shared by the bulk
// loading tables.
type SpoolConfig struct {
	// Loader performs the actual load of a spool file. Required.
	Loader BulkLoader
	// FieldSep and RowSep separate fields and rows in the spool file.
	// Empty values select tab and newline.
	FieldSep string
	RowSep   string
	// NullSubst replaces nil values in the spool file when UseNullSubst
	// is set. Without it, spooling a nil value is an error.
	NullSubst    string
	UseNullSubst bool
	// BulkSize is the number of rows to spool before loading. Defaults
	// to 500000.
	BulkSize int
	// UseFilename hands the spool file to the loader by name instead of
	// as an open file. Needed when the load runs through SQL or in a
	// separate process.
	UseFilename bool
	// TempFile, when set, is used as the spool file instead of a fresh
	// temporary file. The caller keeps ownership; EndLoad flushes it but
	// leaves it open and in place.
	TempFile *os.File
	// Converter renders non-nil values for the spool file. Defaults to
	// ToDBString.
	Converter ValueConverter
	// DependsOn lists tables that must be loaded before this one, for
	// example dimensions a bulk loaded fact table references.
	DependsOn []BulkTable
}

func (c *SpoolConfig) Validate() error {
	if c.Loader == nil {
		return fmt.Errorf("%w: a bulk loader is required", ErrConfig)
	}
	if c.FieldSep == "" {
		c.FieldSep = "\t"
	}
	if c.RowSep == "" {
		c.RowSep = "\n"
	}
	if c.BulkSize <= 0 {
		c.BulkSize = defaultBulkSize
	}
	if c.Converter == nil {
		c.Converter = ToDBString
	}
	return nil
}

// spool buffers rows in a temporary file until BulkSize is reached, then
// hands the file to the loader. The file is created lazily and recreated
// after EndLoad, so a table can take part in several loads.
type spool struct {
	log *slog.Logger
	cfg *SpoolConfig

	table string
	atts  []string

	file  *os.File
	w     *bufio.Writer
	count int

	// beforeLoad, when set, runs at the start of every non-empty load.
	// Tables holding spooled rows in side caches migrate them here, so
	// loads triggered from inside insert behave like explicit ones.
	beforeLoad func()
}

func newSpool(log *slog.Logger, table string, atts []string, cfg *SpoolConfig) *spool {
	return &spool{log: log, cfg: cfg, table: table, atts: atts}
}

func (sp *spool) awaitingRows() int {
	return sp.count
}

func (sp *spool) insert(ctx context.Context, row Row, nm NameMapping) error {
	if sp.file == nil {
		if sp.cfg.TempFile != nil {
			sp.file = sp.cfg.TempFile
		} else {
			f, err := os.CreateTemp("", "starload-"+sp.table+"-*")
			if err != nil {
				return fmt.Errorf("failed to create spool file for %s: %w", sp.table, err)
			}
			sp.file = f
		}
		sp.w = bufio.NewWriter(sp.file)
	}
	fields := make([]string, len(sp.atts))
	for i, att := range sp.atts {
		v, ok := GetValue(row, nm, att)
		if !ok {
			return fmt.Errorf("%w: attribute %q for table %s is missing", ErrData, att, sp.table)
		}
		if v == nil {
			if !sp.cfg.UseNullSubst {
				return fmt.Errorf("%w: a null substitute must be set to spool nil values for table %s", ErrConfig, sp.table)
			}
			fields[i] = sp.cfg.NullSubst
			continue
		}
		fields[i] = sp.cfg.Converter(v)
	}
	if _, err := sp.w.WriteString(strings.Join(fields, sp.cfg.FieldSep) + sp.cfg.RowSep); err != nil {
		return fmt.Errorf("failed to spool row for %s: %w", sp.table, err)
	}
	sp.count++
	if sp.count >= sp.cfg.BulkSize {
		return sp.loadNow(ctx)
	}
	return nil
}

func (sp *spool) loadNow(ctx context.Context) error {
	if sp.count == 0 {
		return nil
	}
	if sp.beforeLoad != nil {
		sp.beforeLoad()
	}
	// Tables this one references must be loaded first.
	for _, dep := range sp.cfg.DependsOn {
		if err := dep.BulkLoadNow(ctx); err != nil {
			return err
		}
	}
	if err := sp.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush spool for %s: %w", sp.table, err)
	}
	if _, err := sp.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind spool for %s: %w", sp.table, err)
	}
	load := &BulkLoad{
		Table:        sp.table,
		Atts:         sp.atts,
		FieldSep:     sp.cfg.FieldSep,
		RowSep:       sp.cfg.RowSep,
		NullSubst:    sp.cfg.NullSubst,
		UseNullSubst: sp.cfg.UseNullSubst,
		Filename:     sp.file.Name(),
	}
	if !sp.cfg.UseFilename {
		load.File = sp.file
	}
	start := time.Now()
	if err := sp.cfg.Loader(ctx, load); err != nil {
		return fmt.Errorf("failed to bulk load %s: %w", sp.table, err)
	}
	elapsed := time.Since(start)
	metrics.BulkLoadDuration.WithLabelValues(sp.table).Observe(elapsed.Seconds())
	metrics.BulkRowsLoaded.WithLabelValues(sp.table).Add(float64(sp.count))
	sp.log.Debug("bulk loaded spool", "rows", sp.count, "duration", elapsed)
	if _, err := sp.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind spool for %s: %w", sp.table, err)
	}
	if err := sp.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate spool for %s: %w", sp.table, err)
	}
	sp.w.Reset(sp.file)
	sp.count = 0
	return nil
}

// endLoad flushes pending rows and removes the spool file, unless the
// caller supplied it. A later insert starts over.
func (sp *spool) endLoad(ctx context.Context) error {
	if err := sp.loadNow(ctx); err != nil {
		return err
	}
	if sp.file == nil {
		return nil
	}
	if sp.cfg.TempFile == nil {
		name := sp.file.Name()
		if err := sp.file.Close(); err != nil {
			sp.log.Warn("failed to close spool file", "table", sp.table, "error", err)
		}
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
			sp.log.Warn("failed to remove spool file", "table", sp.table, "error", err)
		}
	}
	sp.file = nil
	sp.w = nil
	return nil
}
