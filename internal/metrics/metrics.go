// Package metrics provides Prometheus metrics for the versioning core
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rpattn/medledger/internal/domain"
)

// Metrics holds the collectors recorded by the version store, reconciler and
// unit of work. A nil *Metrics records nothing.
type Metrics struct {
	SnapshotWritesTotal  *prometheus.CounterVec
	ConflictsTotal       *prometheus.CounterVec
	LinkChangesTotal     *prometheus.CounterVec
	UnitsOfWorkTotal     *prometheus.CounterVec
	OperationDuration    *prometheus.HistogramVec
	UnitOfWorkInProgress prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{}

	m.SnapshotWritesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medledger_snapshot_writes_total",
			Help: "Total number of snapshot writes by entity kind, operation and outcome",
		},
		[]string{"kind", "operation", "outcome"},
	)

	m.ConflictsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medledger_concurrency_conflicts_total",
			Help: "Total number of rejected writes due to a stale concurrency token",
		},
		[]string{"kind"},
	)

	m.LinkChangesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medledger_link_changes_total",
			Help: "Total number of association link writes by relation and change",
		},
		[]string{"relation", "change"},
	)

	m.UnitsOfWorkTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medledger_units_of_work_total",
			Help: "Total number of finished units of work by outcome",
		},
		[]string{"outcome"},
	)

	m.OperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medledger_store_operation_duration_seconds",
			Help:    "Duration of store operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	m.UnitOfWorkInProgress = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "medledger_units_of_work_in_progress",
			Help: "Number of open outermost units of work",
		},
	)

	return m
}

// Outcome labels an operation result by its error kind.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := domain.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}

// RecordSnapshotWrite counts one Insert, Revise, Delete or Undelete.
func (m *Metrics) RecordSnapshotWrite(kind, op string, err error) {
	if m == nil {
		return
	}
	m.SnapshotWritesTotal.WithLabelValues(kind, op, Outcome(err)).Inc()
	if domain.KindOf(err) == domain.KindConflict {
		m.ConflictsTotal.WithLabelValues(kind).Inc()
	}
}

// RecordLinkChanges adds n link writes of the given change.
func (m *Metrics) RecordLinkChanges(relation, change string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.LinkChangesTotal.WithLabelValues(relation, change).Add(float64(n))
}

func (m *Metrics) RecordUnitOfWork(outcome string) {
	if m == nil {
		return
	}
	m.UnitsOfWorkTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveOperation(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) UnitOfWorkStarted() {
	if m == nil {
		return
	}
	m.UnitOfWorkInProgress.Inc()
}

func (m *Metrics) UnitOfWorkFinished() {
	if m == nil {
		return
	}
	m.UnitOfWorkInProgress.Dec()
}
