/*
Package metrics provides Prometheus metrics collection and exposition for
qax-core.

The metrics package defines and registers every qax-core metric using the
Prometheus client library, covering the write-ahead log, the memtable and
sstable layers, the OLAP conversion pipeline, the query router, the
notification broker and gateway, and startup recovery. Metrics are exposed
via HTTP for scraping by a Prometheus server.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Metric Types                   │          │
	│  │                                              │          │
	│  │  Gauge: Instant values (queue depth)        │          │
	│  │  Counter: Monotonic increases (appends)     │          │
	│  │  Histogram: Distributions (write latency)   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Order flow: submission, execution, factors │          │
	│  │  WAL: append/fsync latency, bytes, segments │          │
	│  │  MemTable/SSTable: flush, read, size        │          │
	│  │  Conversion: cycles, batches, retries       │          │
	│  │  Notify: queue depth, delivered, dropped    │          │
	│  │  Recovery: duration, entries, errors        │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition       │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │      Collector (periodic gauge sampling)    │          │
	│  │  - instrument.Manager.ActiveInstruments     │          │
	│  │  - notify.Broker.GetStats                   │          │
	│  │  - gateway.Gateway.ActiveSessions           │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Metric Registry:
  - Global Prometheus DefaultRegistry
  - All metrics registered at package init
  - Thread-safe for concurrent updates

Timer Helper:
  - Convenience wrapper for timing operations
  - Start timer, observe duration to histogram on every exit path
  - Supports label values for histogram vectors

Collector:
  - Polls instrument.Manager, notify.Broker and gateway.Gateway on an
    interval, since those values aren't naturally updated on every write
  - Safe to construct with nil dependencies for processes that don't run
    every component (e.g. a conversion-only worker has no gateway)

Health Checker:
  - Tracks readiness of storage, conversion and notify subsystems
  - Exposes /health, /ready and /live HTTP handlers

# Metrics Catalog

Order and trade flow:

qax_orders_submitted_total{instrument_id}: Counter
qax_trades_executed_total{instrument_id}: Counter
qax_factor_compute_duration_seconds: Histogram, microsecond buckets

Write-ahead log:

qax_wal_appends_total{instrument_id}: Counter
qax_wal_append_duration_seconds: Histogram, microsecond buckets
qax_wal_fsync_duration_seconds: Histogram, microsecond buckets
qax_wal_bytes_written_total: Counter
qax_wal_segments_sealed_total: Counter

MemTable / SSTable:

qax_memtable_flushes_total{instrument_id}: Counter
qax_memtable_flush_duration_seconds: Histogram, batch buckets
qax_memtable_size_bytes{instrument_id}: Gauge
qax_sstable_reads_total{instrument_id}: Counter
qax_sstable_read_duration_seconds: Histogram, microsecond buckets
qax_sstables_sealed_total{instrument_id}: Counter

Query router:

qax_query_duration_seconds{source}: Histogram, batch buckets

OLAP conversion pipeline:

qax_conversion_cycles_total: Counter
qax_conversion_batches_succeeded_total{instrument_id}: Counter
qax_conversion_batches_failed_total{instrument_id}: Counter
qax_conversion_retries_total{instrument_id}: Counter
qax_conversion_zombies_recovered_total: Counter
qax_conversion_batch_duration_seconds: Histogram, batch buckets
qax_conversion_pending_records{instrument_id}: Gauge

Notification broker / gateway:

qax_notification_queue_depth{priority}: Gauge
qax_notifications_delivered_total: Counter
qax_notifications_dropped_total: Counter
qax_notifications_deduped_total: Counter
qax_gateway_connected_sessions: Gauge

Recovery:

qax_recovery_duration_seconds: Histogram, batch buckets
qax_recovery_entries_replayed_total: Counter
qax_recovery_errors_total: Counter

Cluster / replication signal:

qax_active_instruments_total: Gauge
  - qax-core runs one hybrid store per instrument shard with no
    replication layer, so this tracks live shard population rather
    than a Raft-style peer set

# Usage

Incrementing a counter on the write path:

	metrics.WALAppendsTotal.WithLabelValues(instrumentID).Inc()
	metrics.WALBytesWrittenTotal.Add(float64(len(payload)))

Timing an operation with guaranteed observation on every exit path:

	func (s *Storage) Write(rec record.Record) (uint64, error) {
		timer := metrics.NewTimer()
		defer timer.ObserveDuration(metrics.WALAppendDuration)
		...
	}

Running the periodic collector:

	c := metrics.NewCollector(instrumentManager, broker, gw)
	c.Start()
	defer c.Stop()

Exposing the endpoints:

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

# Integration Points

This package integrates with:

  - pkg/instrument, pkg/notify, pkg/gateway: polled by the Collector for
    the gauges it sets
  - cmd/qaxcored: registers health components and exposes /metrics,
    /health, /ready, /live over HTTP

No other package imports this one: the WAL, memtable, sstable,
conversion, query and recovery metrics above are defined and registered,
but nothing in the repository updates them.

# Design Patterns

Package Init Registration:
  - All metrics registered in init(); MustRegister panics on duplicate
    registration so a naming collision fails at process start, not at
    scrape time

Label Discipline:
  - instrument_id is the only high-cardinality-adjacent label used, and
    only where a per-instrument breakdown is the point of the metric
  - priority and source labels are small fixed sets

Timer Pattern:
  - Create a timer at operation start, defer ObserveDuration so every
    return path (including early errors) records a sample

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics
