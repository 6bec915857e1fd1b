package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// microsecondBuckets targets hot-path operations: WAL appends, sstable reads.
var microsecondBuckets = []float64{
	0.00001, 0.000025, 0.00005, 0.0001, 0.00025, 0.0005,
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1,
}

// batchBuckets targets multi-record batch operations: flushes, conversions, recovery.
var batchBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

var (
	// Order and trade flow

	OrdersSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qax_orders_submitted_total",
			Help: "Total order submissions appended to the write path, by instrument",
		},
		[]string{"instrument_id"},
	)

	TradesExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qax_trades_executed_total",
			Help: "Total trade executions appended to the write path, by instrument",
		},
		[]string{"instrument_id"},
	)

	FactorComputeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qax_factor_compute_duration_seconds",
			Help:    "Time to compute a derived factor over a query result",
			Buckets: microsecondBuckets,
		},
	)

	// Write-ahead log

	WALAppendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qax_wal_appends_total",
			Help: "Total records appended to the write-ahead log, by instrument",
		},
		[]string{"instrument_id"},
	)

	WALAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qax_wal_append_duration_seconds",
			Help:    "Time to append and buffer a single WAL record",
			Buckets: microsecondBuckets,
		},
	)

	WALFsyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qax_wal_fsync_duration_seconds",
			Help:    "Time to fsync a WAL segment to durable storage",
			Buckets: microsecondBuckets,
		},
	)

	WALBytesWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qax_wal_bytes_written_total",
			Help: "Total bytes appended to WAL segments across all instruments",
		},
	)

	WALSegmentsSealedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qax_wal_segments_sealed_total",
			Help: "Total WAL segments sealed after reaching their size limit",
		},
	)

	// MemTable / SSTable

	MemTableFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qax_memtable_flushes_total",
			Help: "Total memtable flushes to sstable, by instrument",
		},
		[]string{"instrument_id"},
	)

	MemTableFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qax_memtable_flush_duration_seconds",
			Help:    "Time to flush a memtable to an sstable file",
			Buckets: batchBuckets,
		},
	)

	MemTableSizeBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qax_memtable_size_bytes",
			Help: "Current in-memory memtable size in bytes, by instrument",
		},
		[]string{"instrument_id"},
	)

	SSTableReadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qax_sstable_reads_total",
			Help: "Total range reads served from sstable files, by instrument",
		},
		[]string{"instrument_id"},
	)

	SSTableReadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qax_sstable_read_duration_seconds",
			Help:    "Time to complete a single sstable range read",
			Buckets: microsecondBuckets,
		},
	)

	SSTablesSealedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qax_sstables_sealed_total",
			Help: "Total sstable files sealed, by instrument",
		},
		[]string{"instrument_id"},
	)

	// Query router

	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qax_query_duration_seconds",
			Help:    "Time to resolve a query across OLAP, OLTP and stream-buffer sources",
			Buckets: batchBuckets,
		},
		[]string{"source"},
	)

	// OLAP conversion pipeline

	ConversionCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qax_conversion_cycles_total",
			Help: "Total scheduler scan-and-schedule cycles completed",
		},
	)

	ConversionBatchesSucceededTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qax_conversion_batches_succeeded_total",
			Help: "Total conversion batches that completed successfully, by instrument",
		},
		[]string{"instrument_id"},
	)

	ConversionBatchesFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qax_conversion_batches_failed_total",
			Help: "Total conversion batches that failed, by instrument",
		},
		[]string{"instrument_id"},
	)

	ConversionRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qax_conversion_retries_total",
			Help: "Total conversion batch retries scheduled, by instrument",
		},
		[]string{"instrument_id"},
	)

	ConversionZombiesRecoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qax_conversion_zombies_recovered_total",
			Help: "Total in-progress conversion records reclaimed after exceeding the zombie timeout",
		},
	)

	ConversionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qax_conversion_batch_duration_seconds",
			Help:    "Time to merge, compress and write a single conversion batch",
			Buckets: batchBuckets,
		},
	)

	ConversionPendingRecords = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qax_conversion_pending_records",
			Help: "Conversion records currently pending or in progress, by instrument",
		},
		[]string{"instrument_id"},
	)

	// Notification broker / gateway

	NotificationQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qax_notification_queue_depth",
			Help: "Current depth of the notification broker's priority queues",
		},
		[]string{"priority"},
	)

	NotificationsDeliveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qax_notifications_delivered_total",
			Help: "Total notifications delivered to at least one subscriber",
		},
	)

	NotificationsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qax_notifications_dropped_total",
			Help: "Total notifications dropped because their priority queue was full",
		},
	)

	NotificationsDedupedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qax_notifications_deduped_total",
			Help: "Total notifications suppressed as duplicates of an already-delivered message id",
		},
	)

	GatewayConnectedSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qax_gateway_connected_sessions",
			Help: "Current number of active gateway sessions",
		},
	)

	// Recovery

	RecoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qax_recovery_duration_seconds",
			Help:    "Time to replay the write-ahead log during startup recovery",
			Buckets: batchBuckets,
		},
	)

	RecoveryEntriesReplayedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qax_recovery_entries_replayed_total",
			Help: "Total WAL entries replayed across all instruments during recovery",
		},
	)

	RecoveryErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qax_recovery_errors_total",
			Help: "Total per-entry errors encountered during WAL recovery",
		},
	)

	// Cluster / replication signal. qax-core runs one hybrid store per instrument
	// shard with no replication layer, so this tracks the live shard population
	// rather than a Raft peer set.
	ActiveInstrumentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qax_active_instruments_total",
			Help: "Total instrument shards currently open",
		},
	)
)

func init() {
	prometheus.MustRegister(OrdersSubmittedTotal)
	prometheus.MustRegister(TradesExecutedTotal)
	prometheus.MustRegister(FactorComputeDuration)

	prometheus.MustRegister(WALAppendsTotal)
	prometheus.MustRegister(WALAppendDuration)
	prometheus.MustRegister(WALFsyncDuration)
	prometheus.MustRegister(WALBytesWrittenTotal)
	prometheus.MustRegister(WALSegmentsSealedTotal)

	prometheus.MustRegister(MemTableFlushesTotal)
	prometheus.MustRegister(MemTableFlushDuration)
	prometheus.MustRegister(MemTableSizeBytes)
	prometheus.MustRegister(SSTableReadsTotal)
	prometheus.MustRegister(SSTableReadDuration)
	prometheus.MustRegister(SSTablesSealedTotal)

	prometheus.MustRegister(QueryDuration)

	prometheus.MustRegister(ConversionCyclesTotal)
	prometheus.MustRegister(ConversionBatchesSucceededTotal)
	prometheus.MustRegister(ConversionBatchesFailedTotal)
	prometheus.MustRegister(ConversionRetriesTotal)
	prometheus.MustRegister(ConversionZombiesRecoveredTotal)
	prometheus.MustRegister(ConversionDuration)
	prometheus.MustRegister(ConversionPendingRecords)

	prometheus.MustRegister(NotificationQueueDepth)
	prometheus.MustRegister(NotificationsDeliveredTotal)
	prometheus.MustRegister(NotificationsDroppedTotal)
	prometheus.MustRegister(NotificationsDedupedTotal)
	prometheus.MustRegister(GatewayConnectedSessions)

	prometheus.MustRegister(RecoveryDuration)
	prometheus.MustRegister(RecoveryEntriesReplayedTotal)
	prometheus.MustRegister(RecoveryErrorsTotal)

	prometheus.MustRegister(ActiveInstrumentsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
