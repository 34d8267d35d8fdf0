// Package metrics holds the Prometheus collectors for the ledger and its
// background tasks.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "quota_ledger"

// Consume results.
const (
	ConsumeOK        = "ok"
	ConsumeExhausted = "exhausted"
	ConsumeError     = "error"
)

// Credit results.
const (
	CreditApplied   = "applied"
	CreditDuplicate = "duplicate"
	CreditRepaired  = "repaired"
	CreditError     = "error"
)

// Metrics is a set of registered collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	consumes     *prometheus.CounterVec
	credits      *prometheus.CounterVec
	creditUnits  *prometheus.CounterVec
	slips        *prometheus.CounterVec
	taskFailures *prometheus.CounterVec
	casRetries   prometheus.Counter
	auditErrors  prometheus.Counter
	queueDepth   prometheus.Gauge
}

var (
	defaultOnce sync.Once
	defaultSet  *Metrics
)

// Default returns collectors registered on prometheus.DefaultRegisterer.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultSet = New(prometheus.DefaultRegisterer)
	})
	return defaultSet
}

// New registers a fresh set of collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		consumes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consume_total",
			Help:      "TryConsume calls by result.",
		}, []string{"result"}),
		credits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_total",
			Help:      "Credit calls by source and result.",
		}, []string{"source", "result"}),
		creditUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_units_total",
			Help:      "Quota units granted by source.",
		}, []string{"source"}),
		slips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slip_outcome_total",
			Help:      "Slip submissions by settlement outcome.",
		}, []string{"outcome"}),
		taskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_failures_total",
			Help:      "Background task failures by kind.",
		}, []string{"kind"}),
		casRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cas_retries_total",
			Help:      "Account row writes retried after a version conflict.",
		}),
		auditErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_audit_errors_total",
			Help:      "Usage events that could not be appended after the consume committed.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "task_queue_depth",
			Help:      "Tasks waiting in the in-process worker pool.",
		}),
	}
	reg.MustRegister(m.consumes, m.credits, m.creditUnits, m.slips, m.taskFailures, m.casRetries, m.auditErrors, m.queueDepth)
	return m
}

func (m *Metrics) Consume(result string) {
	if m == nil {
		return
	}
	m.consumes.WithLabelValues(result).Inc()
}

func (m *Metrics) Credit(source, result string, amount int) {
	if m == nil {
		return
	}
	m.credits.WithLabelValues(source, result).Inc()
	if result == CreditApplied && amount > 0 {
		m.creditUnits.WithLabelValues(source).Add(float64(amount))
	}
}

func (m *Metrics) SlipOutcome(outcome string) {
	if m == nil {
		return
	}
	m.slips.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TaskFailed(kind string) {
	if m == nil {
		return
	}
	m.taskFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) CASRetry() {
	if m == nil {
		return
	}
	m.casRetries.Inc()
}

func (m *Metrics) AuditError() {
	if m == nil {
		return
	}
	m.auditErrors.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
