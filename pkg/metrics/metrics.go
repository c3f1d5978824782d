// Package metrics exposes prometheus collectors for the warehouse load path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "starload"

var (
	RowsInserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rows_inserted_total",
		Help:      "Rows inserted per table, including batched and spooled rows.",
	}, []string{"table"})

	RowsUpdated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rows_updated_total",
		Help:      "Rows updated per table.",
	}, []string{"table"})

	LookupCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lookup_cache_hits_total",
		Help:      "Dimension lookups answered from the cache.",
	}, []string{"table"})

	LookupCacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lookup_cache_misses_total",
		Help:      "Dimension lookups that fell through to the database.",
	}, []string{"table"})

	BatchFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batch_flushes_total",
		Help:      "Flushes of batched fact inserts.",
	}, []string{"table"})

	BulkLoadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "bulk_load_duration_seconds",
		Help:      "Duration of bulk loader invocations.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"table"})

	BulkRowsLoaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bulk_rows_loaded_total",
		Help:      "Rows handed to bulk loaders per table.",
	}, []string{"table"})

	StatementCacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "statement_cache_evictions_total",
		Help:      "Translated statements evicted from connection caches.",
	}, []string{"conn"})

	SourceRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "source_rows_total",
		Help:      "Rows produced by named row sources.",
	}, []string{"source"})
)
