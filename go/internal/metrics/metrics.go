// Package metrics exposes the catalog's Prometheus collectors behind a small
// interface so components can run without a registry in tests.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector defines the measurements recorded by the catalog components.
type Collector interface {
	RecordTransaction(outcome string, ops int, duration time.Duration)
	RecordEventPublished(entityType string, success bool, duration time.Duration)
	RecordPublishAttempt(entityType string, attempt int, success bool)
	RecordOutboxLag(lag int)
	RecordMirror(action string, success bool)
	RecordSweep(deleted, failed int, duration time.Duration)
}

// Transaction outcomes.
const (
	OutcomeCommitted = "committed"
	OutcomeConflict  = "conflict"
	OutcomeTransient = "transient"
	OutcomeReplayed  = "replayed"
	OutcomeRejected  = "rejected"
)

// Mirroring actions.
const (
	MirrorUpsert    = "upsert"
	MirrorSkip      = "skip"
	MirrorPromote   = "promote"
	MirrorBackfill  = "backfill"
	MirrorEscalated = "escalated"
)

// NoOp discards every measurement.
type NoOp struct{}

func (NoOp) RecordTransaction(string, int, time.Duration)     {}
func (NoOp) RecordEventPublished(string, bool, time.Duration) {}
func (NoOp) RecordPublishAttempt(string, int, bool)           {}
func (NoOp) RecordOutboxLag(int)                              {}
func (NoOp) RecordMirror(string, bool)                        {}
func (NoOp) RecordSweep(int, int, time.Duration)              {}

// Prometheus implements Collector with client_golang collectors.
type Prometheus struct {
	transactions    *prometheus.CounterVec
	transactionOps  prometheus.Histogram
	transactionTime *prometheus.HistogramVec
	eventCounter    *prometheus.CounterVec
	eventDuration   *prometheus.HistogramVec
	publishAttempts *prometheus.CounterVec
	outboxLag       prometheus.Gauge
	mirrorActions   *prometheus.CounterVec
	sweepRecords    *prometheus.CounterVec
	sweepDuration   prometheus.Histogram
}

// NewPrometheus registers the catalog collectors with reg. A nil reg uses the
// default registerer.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Prometheus{
		transactions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hacktracker",
			Subsystem: "catalog",
			Name:      "transactions_total",
			Help:      "The total number of catalog transactions by outcome",
		}, []string{"outcome"}),
		transactionOps: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hacktracker",
			Subsystem: "catalog",
			Name:      "transaction_ops",
			Help:      "The number of writes per catalog transaction",
			Buckets:   []float64{1, 2, 3, 5, 10, 25},
		}),
		transactionTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hacktracker",
			Subsystem: "catalog",
			Name:      "transaction_duration_seconds",
			Help:      "Catalog transaction latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		eventCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hacktracker",
			Subsystem: "changefeed",
			Name:      "events_total",
			Help:      "The total number of change events relayed",
		}, []string{"entity_type", "status"}),
		eventDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hacktracker",
			Subsystem: "changefeed",
			Name:      "publish_duration_seconds",
			Help:      "Change event publish latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"entity_type"}),
		publishAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hacktracker",
			Subsystem: "changefeed",
			Name:      "publish_attempts_total",
			Help:      "The total number of publish attempts",
		}, []string{"entity_type", "attempt", "status"}),
		outboxLag: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "hacktracker",
			Subsystem: "changefeed",
			Name:      "outbox_lag",
			Help:      "Unsent change events seen by the last poll",
		}),
		mirrorActions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hacktracker",
			Subsystem: "mirror",
			Name:      "actions_total",
			Help:      "The total number of mirroring actions",
		}, []string{"action", "status"}),
		sweepRecords: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hacktracker",
			Subsystem: "lifecycle",
			Name:      "sweep_records_total",
			Help:      "Records handled by the retention sweep",
		}, []string{"result"}),
		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hacktracker",
			Subsystem: "lifecycle",
			Name:      "sweep_duration_seconds",
			Help:      "Retention sweep run time",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func (m *Prometheus) RecordTransaction(outcome string, ops int, duration time.Duration) {
	m.transactions.WithLabelValues(outcome).Inc()
	m.transactionOps.Observe(float64(ops))
	m.transactionTime.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Prometheus) RecordEventPublished(entityType string, success bool, duration time.Duration) {
	m.eventCounter.WithLabelValues(entityType, status(success)).Inc()
	m.eventDuration.WithLabelValues(entityType).Observe(duration.Seconds())
}

func (m *Prometheus) RecordPublishAttempt(entityType string, attempt int, success bool) {
	m.publishAttempts.WithLabelValues(entityType, strconv.Itoa(attempt), status(success)).Inc()
}

func (m *Prometheus) RecordOutboxLag(lag int) {
	m.outboxLag.Set(float64(lag))
}

func (m *Prometheus) RecordMirror(action string, success bool) {
	m.mirrorActions.WithLabelValues(action, status(success)).Inc()
}

func (m *Prometheus) RecordSweep(deleted, failed int, duration time.Duration) {
	m.sweepRecords.WithLabelValues("deleted").Add(float64(deleted))
	m.sweepRecords.WithLabelValues("failed").Add(float64(failed))
	m.sweepDuration.Observe(duration.Seconds())
}
