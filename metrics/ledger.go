// Package metrics exposes ledger activity to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/balance-ledger/ledger"
)

// LedgerMetrics implements ledger.Observer and records audit results.
type LedgerMetrics struct {
	records  *prometheus.CounterVec
	duration *prometheus.HistogramVec
	lockWait prometheus.Histogram
	drift    prometheus.Counter
	audits   *prometheus.CounterVec
}

var _ ledger.Observer = (*LedgerMetrics)(nil)

// NewLedgerMetrics registers the ledger metrics on reg. A nil reg returns
// a no-op recorder.
func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	if reg == nil {
		return &LedgerMetrics{}
	}
	records := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_records_total",
		Help: "Record and transfer calls by operation and outcome.",
	}, []string{"op", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_record_duration_seconds",
		Help:    "Duration of record and transfer calls in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
	lockWait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_lock_wait_seconds",
		Help:    "Time spent waiting to enter an account's critical section.",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
	})
	drift := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_balance_drift_total",
		Help: "Accounts whose maintained balance disagreed with a full replay.",
	})
	audits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_audit_runs_total",
		Help: "Balance audit runs by result.",
	}, []string{"result"})
	reg.MustRegister(records, duration, lockWait, drift, audits)
	return &LedgerMetrics{
		records:  records,
		duration: duration,
		lockWait: lockWait,
		drift:    drift,
		audits:   audits,
	}
}

func (m *LedgerMetrics) ObserveRecord(op string, outcome ledger.Outcome, d time.Duration) {
	if m == nil || m.records == nil {
		return
	}
	m.records.WithLabelValues(normalizeLabel(op), string(outcome)).Inc()
	m.duration.WithLabelValues(normalizeLabel(op)).Observe(d.Seconds())
}

func (m *LedgerMetrics) ObserveLockWait(d time.Duration) {
	if m == nil || m.lockWait == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

// ObserveAudit records one audit run over all accounts.
func (m *LedgerMetrics) ObserveAudit(drifted int, failed bool) {
	if m == nil || m.audits == nil {
		return
	}
	m.drift.Add(float64(drifted))
	switch {
	case failed:
		m.audits.WithLabelValues("error").Inc()
	case drifted > 0:
		m.audits.WithLabelValues("drift").Inc()
	default:
		m.audits.WithLabelValues("clean").Inc()
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func normalizeLabel(op string) string {
	if op == "" {
		return "unknown"
	}
	return op
}
