// Package metrics holds the Prometheus instrumentation of the accrual engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	runs            *prometheus.CounterVec
	runDuration     prometheus.Histogram
	loans           *prometheus.CounterVec
	loanFailures    *prometheus.CounterVec
	postings        *prometheus.CounterVec
	allocations     *prometheus.CounterVec
	watermarkLag    prometheus.Gauge
	catchingUp      prometheus.Gauge
	ticksSkipped    prometheus.Counter
	transitions     *prometheus.CounterVec
	versionConflict prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg
// registers nothing, which tests use to keep the default registry clean.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loancore_accrual_runs_total",
			Help: "Accrual day runs by final status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "loancore_accrual_run_duration_seconds",
			Help:    "Wall time of one accrual day run.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		loans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loancore_loans_processed_total",
			Help: "Per-loan day processing outcomes.",
		}, []string{"outcome"}),
		loanFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loancore_loan_failures_total",
			Help: "Per-loan failures by error kind.",
		}, []string{"kind"}),
		postings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loancore_ledger_postings_total",
			Help: "Ledger postings delivered to the accounting collaborator.",
		}, []string{"bucket", "result"}),
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loancore_allocations_total",
			Help: "Repayment allocations by result.",
		}, []string{"result"}),
		watermarkLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loancore_watermark_lag_days",
			Help: "Calendar days between today and the accrual watermark.",
		}),
		catchingUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loancore_catching_up",
			Help: "1 while the scheduler processes more than one pending day.",
		}),
		ticksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loancore_ticks_skipped_total",
			Help: "Ticks skipped because the previous tick was still running.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loancore_delinquency_transitions_total",
			Help: "Delinquency status transitions by target status.",
		}, []string{"to"}),
		versionConflict: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loancore_version_conflicts_total",
			Help: "Optimistic concurrency conflicts seen while updating loans.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.runDuration, m.loans, m.loanFailures, m.postings, m.allocations,
			m.watermarkLag, m.catchingUp, m.ticksSkipped, m.transitions, m.versionConflict)
	}
	return m
}

func (m *Metrics) ObserveRun(status string, took time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
	m.runDuration.Observe(took.Seconds())
}

// ObserveLoan counts one loan outcome: processed, skipped or failed.
func (m *Metrics) ObserveLoan(outcome string) {
	if m == nil {
		return
	}
	m.loans.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveLoanFailure(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.loanFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObservePosting(bucket string, err error) {
	if m == nil {
		return
	}
	m.postings.WithLabelValues(bucket, result(err)).Inc()
}

func (m *Metrics) ObserveAllocation(err error) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

func (m *Metrics) ObserveVersionConflict() {
	if m == nil {
		return
	}
	m.versionConflict.Inc()
}

func (m *Metrics) ObserveTickSkipped() {
	if m == nil {
		return
	}
	m.ticksSkipped.Inc()
}

func (m *Metrics) SetWatermarkLag(days int) {
	if m == nil {
		return
	}
	m.watermarkLag.Set(float64(days))
}

func (m *Metrics) SetCatchingUp(v bool) {
	if m == nil {
		return
	}
	if v {
		m.catchingUp.Set(1)
		return
	}
	m.catchingUp.Set(0)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
