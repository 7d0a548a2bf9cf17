package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors of one engine
type Metrics struct {
	// appendsTotal counts durable appends by record kind
	appendsTotal *prometheus.CounterVec

	// appendBytes counts encoded bytes appended
	appendBytes prometheus.Counter

	// appendErrors counts failed appends
	appendErrors prometheus.Counter

	// syncDuration tracks flush+fsync latency per append
	syncDuration prometheus.Histogram

	// txTotal counts transactions by result (committed, aborted)
	txTotal *prometheus.CounterVec

	// txDuration tracks transaction latency from BEGIN to publish
	txDuration prometheus.Histogram

	// txSets tracks SET records per committed transaction
	txSets prometheus.Histogram

	// replayRecords counts records applied or skipped during replay
	replayRecords *prometheus.CounterVec

	// replayTruncations counts replays stopped by a corrupt record
	replayTruncations prometheus.Counter

	// snapshotsTotal counts snapshot attempts by result
	snapshotsTotal *prometheus.CounterVec

	// snapshotDuration tracks snapshot latency
	snapshotDuration prometheus.Histogram

	// snapshotBytes is the size of the latest snapshot
	snapshotBytes prometheus.Gauge

	// objects is the number of objects in the live graph
	objects prometheus.Gauge

	// pendingRecords is the number of records not covered by a snapshot
	pendingRecords prometheus.Gauge
}

// NewMetrics creates the engine collectors and registers them with reg.
// A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		appendsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "graphberry_wal_appends_total",
			Help: "Total durable WAL appends by record kind",
		}, []string{"kind"}),
		appendBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "graphberry_wal_append_bytes_total",
			Help: "Total encoded bytes appended to the WAL",
		}),
		appendErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "graphberry_wal_append_errors_total",
			Help: "Total failed WAL appends",
		}),
		syncDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "graphberry_wal_sync_duration_seconds",
			Help:    "WAL flush and fsync duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14), // 50us to ~400ms
		}),
		txTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "graphberry_transactions_total",
			Help: "Total transactions by result",
		}, []string{"result"}),
		txDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "graphberry_transaction_duration_seconds",
			Help:    "Transaction duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		txSets: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "graphberry_transaction_sets",
			Help:    "SET records per committed transaction",
			Buckets: []float64{0, 1, 2, 5, 10, 50, 100, 1000},
		}),
		replayRecords: f.NewCounterVec(prometheus.CounterOpts{
			Name: "graphberry_replay_sets_total",
			Help: "SET records seen during replay by outcome",
		}, []string{"outcome"}),
		replayTruncations: f.NewCounter(prometheus.CounterOpts{
			Name: "graphberry_replay_truncations_total",
			Help: "Replays stopped early by a corrupt record",
		}),
		snapshotsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "graphberry_snapshots_total",
			Help: "Total snapshots by result",
		}, []string{"result"}),
		snapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "graphberry_snapshot_duration_seconds",
			Help:    "Snapshot duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		snapshotBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "graphberry_snapshot_bytes",
			Help: "Size of the latest snapshot in bytes",
		}),
		objects: f.NewGauge(prometheus.GaugeOpts{
			Name: "graphberry_graph_objects",
			Help: "Objects in the live graph",
		}),
		pendingRecords: f.NewGauge(prometheus.GaugeOpts{
			Name: "graphberry_pending_records",
			Help: "Records appended since the last snapshot",
		}),
	}
}
