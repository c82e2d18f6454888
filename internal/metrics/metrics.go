// Package metrics exposes the engine's Prometheus metrics: concept/
// association/vector counts, WAL and reconciler behavior, 2PC outcomes, and
// per-operation latency, all scraped via Handler().
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConceptsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cortex_concepts_total",
		Help: "Current number of concepts in the store",
	})

	AssociationsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cortex_associations_total",
		Help: "Current number of associations in the store",
	})

	VectorsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cortex_vectors_total",
		Help: "Current number of embedded concepts in the vector index",
	})

	PendingWrites = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cortex_pending_writes",
		Help: "Write-log entries not yet folded into the read view",
	})

	ReconcilerHealth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cortex_reconciler_health",
		Help: "Reconciler health score in [0,1], derived from write-log depth pressure",
	})

	ReconciliationCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cortex_reconciliation_cycles_total",
		Help: "Total number of read-view fold cycles completed",
	})

	ReconciliationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cortex_reconciliation_duration_seconds",
		Help:    "Time taken to fold the write log into a new read view",
		Buckets: prometheus.DefBuckets,
	})

	WALAppendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cortex_wal_appends_total",
		Help: "Total WAL record appends by operation type",
	}, []string{"op"})

	WALAppendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cortex_wal_append_duration_seconds",
		Help:    "Time taken to append (and fsync) a WAL record or group",
		Buckets: prometheus.DefBuckets,
	})

	SnapshotWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cortex_snapshot_writes_total",
		Help: "Total snapshot build attempts by outcome",
	}, []string{"outcome"})

	OperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cortex_operations_total",
		Help: "Total engine operations by name and outcome",
	}, []string{"op", "outcome"})

	OperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cortex_operation_duration_seconds",
		Help:    "Engine operation latency by name",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	TxCommitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cortex_tx_outcomes_total",
		Help: "2PC transaction outcomes",
	}, []string{"outcome"})

	DecayRemovalsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cortex_decay_removals_total",
		Help: "Concepts removed because their strength decayed below threshold",
	})
)

func init() {
	prometheus.MustRegister(
		ConceptsTotal,
		AssociationsTotal,
		VectorsTotal,
		PendingWrites,
		ReconcilerHealth,
		ReconciliationCyclesTotal,
		ReconciliationDuration,
		WALAppendsTotal,
		WALAppendDuration,
		SnapshotWritesTotal,
		OperationsTotal,
		OperationDuration,
		TxCommitsTotal,
		DecayRemovalsTotal,
	)
}

// Handler returns the Prometheus scrape handler, mounted by cmd/server.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times a single operation and reports it to a histogram on
// completion.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveSeconds(h prometheus.Observer) {
	h.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
