package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the replication pipeline
type Metrics struct {
	// Backup metrics
	SegmentsWritten       prometheus.Counter
	SegmentWriteDuration  prometheus.Histogram
	SegmentWriteBytes     prometheus.Histogram
	BackupRetriesTotal    prometheus.Counter
	GapsRepairedTotal     prometheus.Counter

	// Restore metrics
	SegmentsLoaded        prometheus.Counter
	TransactionsReplayed  prometheus.Counter
	OpsSubmitted          prometheus.Counter
	ReplayDuration        prometheus.Histogram
	TransactionFailures   prometheus.Counter
	InvariantViolations   prometheus.Counter

	// ID cache metrics
	CacheHitsTotal          prometheus.Counter
	CacheMissesTotal        prometheus.Counter
	CacheShortCircuitsTotal prometheus.Counter
	VerificationProbesTotal prometheus.Counter

	// Continuous restore metrics
	SyncCaughtUpTotal   prometheus.Counter
	SyncErrorsTotal     prometheus.Counter
	SyncBackoffSeconds  prometheus.Gauge
	PrefetchQueueDepth  prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics with the given
// registerer. Pass prometheus.DefaultRegisterer in production; tests use a
// fresh registry.
func NewMetrics(reg prometheus.Registerer, db string) *Metrics {
	labels := prometheus.Labels{"db": db}
	factory := promauto.With(reg)

	return &Metrics{
		SegmentsWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "dcbackup",
			Subsystem:   "backup",
			Name:        "segments_written_total",
			Help:        "Total number of segments written to the store",
			ConstLabels: labels,
		}),
		SegmentWriteDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "dcbackup",
			Subsystem:   "backup",
			Name:        "segment_write_duration_seconds",
			Help:        "Histogram of segment write durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		SegmentWriteBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "dcbackup",
			Subsystem:   "backup",
			Name:        "segment_write_bytes",
			Help:        "Histogram of encoded segment sizes in bytes",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1024, 4, 10), // 1KB to 256MB
		}),
		BackupRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "dcbackup",
			Subsystem:   "backup",
			Name:        "retries_total",
			Help:        "Total number of segment backup retries",
			ConstLabels: labels,
		}),
		GapsRepairedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "dcbackup",
			Subsystem:   "backup",
			Name:        "gaps_repaired_total",
			Help:        "Total number of segment gaps repaired",
			ConstLabels: labels,
		}),
		SegmentsLoaded: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "dcbackup",
			Subsystem:   "restore",
			Name:        "segments_loaded_total",
			Help:        "Total number of segments loaded from the store",
			ConstLabels: labels,
		}),
		TransactionsReplayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "dcbackup",
			Subsystem:   "restore",
			Name:        "transactions_replayed_total",
			Help:        "Total number of source transactions applied to the target",
			ConstLabels: labels,
		}),
		OpsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "dcbackup",
			Subsystem:   "restore",
			Name:        "ops_submitted_total",
			Help:        "Total number of operations submitted to the target",
			ConstLabels: labels,
		}),
		ReplayDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "dcbackup",
			Subsystem:   "restore",
			Name:        "replay_duration_seconds",
			Help:        "Histogram of per-transaction replay durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		TransactionFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "dcbackup",
			Subsystem:   "restore",
			Name:        "transaction_failures_total",
			Help:        "Total number of failed target transactions",
			ConstLabels: labels,
		}),
		InvariantViolations: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "dcbackup",
			Subsystem:   "restore",
			Name:        "invariant_violations_total",
			Help:        "Total number of replication invariant violations",
			ConstLabels: labels,
		}),
		CacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "dcbackup",
			Subsystem:   "idcache",
			Name:        "hits_total",
			Help:        "Total number of ID cache hits",
			ConstLabels: labels,
		}),
		CacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "dcbackup",
			Subsystem:   "idcache",
			Name:        "misses_total",
			Help:        "Total number of ID cache misses resolved by target probes",
			ConstLabels: labels,
		}),
		CacheShortCircuitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "dcbackup",
			Subsystem:   "idcache",
			Name:        "short_circuits_total",
			Help:        "Total number of lookups answered by the watermark fast path",
			ConstLabels: labels,
		}),
		VerificationProbesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "dcbackup",
			Subsystem:   "idcache",
			Name:        "verification_probes_total",
			Help:        "Total number of sampled verification probes against the target",
			ConstLabels: labels,
		}),
		SyncCaughtUpTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "dcbackup",
			Subsystem:   "sync",
			Name:        "caught_up_total",
			Help:        "Total number of times the prefetcher reached the store tip",
			ConstLabels: labels,
		}),
		SyncErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "dcbackup",
			Subsystem:   "sync",
			Name:        "errors_total",
			Help:        "Total number of continuous restore errors",
			ConstLabels: labels,
		}),
		SyncBackoffSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "dcbackup",
			Subsystem:   "sync",
			Name:        "backoff_seconds",
			Help:        "Current retry backoff in seconds",
			ConstLabels: labels,
		}),
		PrefetchQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "dcbackup",
			Subsystem:   "sync",
			Name:        "prefetch_queue_depth",
			Help:        "Number of segments waiting in the prefetch channel",
			ConstLabels: labels,
		}),
	}
}
