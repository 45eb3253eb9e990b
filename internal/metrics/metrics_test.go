package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ReadingReceived()
	m.ReadingReceived()
	m.ReadingRejected(ReasonOutOfDomain)
	m.ReadingPersisted()
	m.PersistFailed()
	m.AlertCreated(AlertCondition)
	m.AlertCreated(AlertWatering)
	m.AlertCreated(AlertWatering)
	m.Delivered()
	m.DeliveryFailed("slow_consumer")
	m.ClientConnected()
	m.ClientConnected()
	m.ClientDisconnected()
	m.SchedulerRun("ok")
	m.ObserveIngest(0.02)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.readingsReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.readingsRejected.WithLabelValues(ReasonOutOfDomain)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.readingsPersisted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.persistFailures))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.alertsCreated.WithLabelValues(AlertWatering)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveryFailures.WithLabelValues("slow_consumer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.clientsConnected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.schedulerRuns.WithLabelValues("ok")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ingestDuration))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ReadingReceived()
		m.ReadingRejected(ReasonMalformed)
		m.ReadingPersisted()
		m.PersistFailed()
		m.ObserveIngest(1)
		m.AlertCreated(AlertCondition)
		m.Delivered()
		m.DeliveryFailed("x")
		m.ClientConnected()
		m.ClientDisconnected()
		m.SchedulerRun("error")
	})
}
