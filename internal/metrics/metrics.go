// Package metrics provides Prometheus metrics for the storage engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector registered for the core
// subsystems. The B+Tree (C6) collectors are registered but pkg/btree
// does not update them.
type Metrics struct {
	Registry *prometheus.Registry

	// Pager (C1)
	PagerReadsTotal    prometheus.Counter
	PagerWritesTotal   prometheus.Counter
	PagerCacheHits     prometheus.Counter
	PagerCacheMisses   prometheus.Counter
	PagerBytesWritten  prometheus.Counter
	PagerFreeListSize  prometheus.Gauge

	// Buffer pool (C2)
	PoolPinnedFrames   prometheus.Gauge
	PoolDirtyFrames    prometheus.Gauge
	PoolEvictionsTotal prometheus.Counter
	PoolExhaustedTotal prometheus.Counter
	PoolFlushDuration  prometheus.Histogram

	// WAL (C3/C4)
	WalAppendsTotal     prometheus.Counter
	WalBytesAppended    prometheus.Counter
	WalForceDuration    prometheus.Histogram
	WalCurrentLSN       prometheus.Gauge
	WalSegmentRotations prometheus.Counter
	WalCheckpointsTotal prometheus.Counter

	// Recovery (C5)
	RecoveryRunsTotal    prometheus.Counter
	RecoveryRedoTotal    prometheus.Counter
	RecoveryUndoTotal    prometheus.Counter
	RecoveryDuration     prometheus.Histogram

	// B+Tree (C6)
	BtreeInsertsTotal prometheus.Counter
	BtreeDeletesTotal prometheus.Counter
	BtreeSplitsTotal  prometheus.Counter
	BtreeMergesTotal  prometheus.Counter
}

// New creates and registers every collector against a fresh registry, so
// that multiple engine instances (as in tests, which open and close many
// short-lived engines) never collide on Prometheus's default registerer.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		PagerReadsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "coredb_pager_reads_total",
			Help: "Total number of page reads served by the pager.",
		}),
		PagerWritesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "coredb_pager_writes_total",
			Help: "Total number of page writes issued by the pager.",
		}),
		PagerCacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "coredb_pager_cache_hits_total",
			Help: "Pager-level cache hits (dampens OS page-cache misses).",
		}),
		PagerCacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "coredb_pager_cache_misses_total",
			Help: "Pager-level cache misses requiring a pread.",
		}),
		PagerBytesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "coredb_pager_bytes_written_total",
			Help: "Total bytes written to the page file.",
		}),
		PagerFreeListSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "coredb_pager_free_list_size",
			Help: "Number of page ids currently on the free list.",
		}),
		PoolPinnedFrames: f.NewGauge(prometheus.GaugeOpts{
			Name: "coredb_bufferpool_pinned_frames",
			Help: "Number of frames currently pinned.",
		}),
		PoolDirtyFrames: f.NewGauge(prometheus.GaugeOpts{
			Name: "coredb_bufferpool_dirty_frames",
			Help: "Number of frames currently dirty.",
		}),
		PoolEvictionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "coredb_bufferpool_evictions_total",
			Help: "Total number of frames evicted.",
		}),
		PoolExhaustedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "coredb_bufferpool_exhausted_total",
			Help: "Total number of fetch_page calls that failed with PoolExhausted.",
		}),
		PoolFlushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "coredb_bufferpool_flush_duration_seconds",
			Help:    "Duration of background flush passes.",
			Buckets: prometheus.DefBuckets,
		}),
		WalAppendsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "coredb_wal_appends_total",
			Help: "Total number of log records appended.",
		}),
		WalBytesAppended: f.NewCounter(prometheus.CounterOpts{
			Name: "coredb_wal_bytes_appended_total",
			Help: "Total bytes appended to WAL segments.",
		}),
		WalForceDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "coredb_wal_force_duration_seconds",
			Help:    "Duration of force (fsync) calls.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5},
		}),
		WalCurrentLSN: f.NewGauge(prometheus.GaugeOpts{
			Name: "coredb_wal_current_lsn",
			Help: "Highest LSN assigned so far.",
		}),
		WalSegmentRotations: f.NewCounter(prometheus.CounterOpts{
			Name: "coredb_wal_segment_rotations_total",
			Help: "Total number of log segment rotations.",
		}),
		WalCheckpointsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "coredb_wal_checkpoints_total",
			Help: "Total number of completed checkpoints.",
		}),
		RecoveryRunsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "coredb_recovery_runs_total",
			Help: "Total number of recovery passes performed at startup.",
		}),
		RecoveryRedoTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "coredb_recovery_redo_total",
			Help: "Total number of records redone across all recovery passes.",
		}),
		RecoveryUndoTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "coredb_recovery_undo_total",
			Help: "Total number of records undone across all recovery passes.",
		}),
		RecoveryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "coredb_recovery_duration_seconds",
			Help:    "Duration of recovery passes.",
			Buckets: prometheus.DefBuckets,
		}),
		BtreeInsertsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "coredb_btree_inserts_total",
			Help: "Total number of B+Tree inserts.",
		}),
		BtreeDeletesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "coredb_btree_deletes_total",
			Help: "Total number of B+Tree deletes.",
		}),
		BtreeSplitsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "coredb_btree_splits_total",
			Help: "Total number of node splits.",
		}),
		BtreeMergesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "coredb_btree_merges_total",
			Help: "Total number of node merges.",
		}),
	}
}
