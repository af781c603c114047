package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordSweep()
	m.RecordSweep()
	m.RecordAlertOpened()
	m.RecordAlertOpened()
	m.RecordAlertClosed()
	m.RecordTimeout()
	m.RecordDoseAction("taken", "voice")
	m.RecordEscalation("idle_miss", "success")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sweeps))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.alertsOpened))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.timeouts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.doseActions.WithLabelValues("taken", "voice")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.doseActions.WithLabelValues("missed", "sweep")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.escalations.WithLabelValues("idle_miss", "success")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordSweep()
		m.RecordAlertOpened()
		m.RecordAlertClosed()
		m.RecordTimeout()
		m.RecordDoseAction("taken", "manual")
		m.RecordEscalation("manual", "failed")
	})
}
