// Package metrics exposes Prometheus instruments for the reminder engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is safe to use as a nil pointer; every recorder becomes a no-op.
type Metrics struct {
	sweeps         prometheus.Counter
	alertsOpened   prometheus.Counter
	timeouts       prometheus.Counter
	doseActions    *prometheus.CounterVec
	escalations    *prometheus.CounterVec
	activeSessions prometheus.Gauge
}

// New registers the instruments with reg, or the default registerer when nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		sweeps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dose",
			Subsystem: "scheduler",
			Name:      "sweeps_total",
			Help:      "Number of scheduler sweeps run",
		}),
		alertsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dose",
			Subsystem: "scheduler",
			Name:      "alerts_opened_total",
			Help:      "Number of voice alert sessions opened",
		}),
		timeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dose",
			Subsystem: "scheduler",
			Name:      "no_response_timeouts_total",
			Help:      "Number of alert sessions that timed out without a response",
		}),
		doseActions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dose",
			Name:      "actions_total",
			Help:      "Dose log writes by action and source",
		}, []string{"action", "source"}),
		escalations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dose",
			Name:      "escalations_total",
			Help:      "Guardian escalations by trigger and outcome",
		}, []string{"trigger", "outcome"}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dose",
			Subsystem: "scheduler",
			Name:      "active_sessions",
			Help:      "Alert sessions currently open",
		}),
	}
}

func (m *Metrics) RecordSweep() {
	if m == nil {
		return
	}
	m.sweeps.Inc()
}

func (m *Metrics) RecordAlertOpened() {
	if m == nil {
		return
	}
	m.alertsOpened.Inc()
	m.activeSessions.Inc()
}

func (m *Metrics) RecordAlertClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) RecordTimeout() {
	if m == nil {
		return
	}
	m.timeouts.Inc()
}

func (m *Metrics) RecordDoseAction(action, source string) {
	if m == nil {
		return
	}
	m.doseActions.WithLabelValues(action, source).Inc()
}

// RecordEscalation counts one escalation attempt. outcome is one of
// success, failed, needs_setup or not_configured.
func (m *Metrics) RecordEscalation(trigger, outcome string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(trigger, outcome).Inc()
}
