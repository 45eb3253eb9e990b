// Package metrics holds the Prometheus instruments of the gateway. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "greenhouse"

// Rejection reasons for ReadingRejected.
const (
	ReasonMalformed   = "malformed"
	ReasonOutOfDomain = "out_of_domain"
	ReasonDeviceTopic = "device_topic_mismatch"
)

// Alert kinds for AlertCreated.
const (
	AlertCondition = "condition"
	AlertWatering  = "watering"
)

type Metrics struct {
	readingsReceived  prometheus.Counter
	readingsRejected  *prometheus.CounterVec
	readingsPersisted prometheus.Counter
	persistFailures   prometheus.Counter
	ingestDuration    prometheus.Histogram
	alertsCreated     *prometheus.CounterVec
	deliveries        prometheus.Counter
	deliveryFailures  *prometheus.CounterVec
	clientsConnected  prometheus.Gauge
	schedulerRuns     *prometheus.CounterVec
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		readingsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "readings_received_total",
			Help:      "Sensor payloads received from the broker.",
		}),
		readingsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "readings_rejected_total",
			Help:      "Sensor payloads dropped before persistence.",
		}, []string{"reason"}),
		readingsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "readings_persisted_total",
			Help:      "Readings written to the store.",
		}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "persist_failures_total",
			Help:      "Readings whose pipeline was aborted by a storage error.",
		}),
		ingestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "pipeline_duration_seconds",
			Help:      "Time from dequeue to the end of the alert check.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		alertsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "created_total",
			Help:      "Alerts persisted.",
		}, []string{"kind"}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "deliveries_total",
			Help:      "Events handed to a live connection.",
		}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "delivery_failures_total",
			Help:      "Events that could not be handed to a live connection.",
		}, []string{"reason"}),
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "clients_connected",
			Help:      "Live connections currently registered.",
		}),
		schedulerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Scheduled watering checks by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.readingsReceived,
		m.readingsRejected,
		m.readingsPersisted,
		m.persistFailures,
		m.ingestDuration,
		m.alertsCreated,
		m.deliveries,
		m.deliveryFailures,
		m.clientsConnected,
		m.schedulerRuns,
	)
	return m
}

func (m *Metrics) ReadingReceived() {
	if m == nil {
		return
	}
	m.readingsReceived.Inc()
}

func (m *Metrics) ReadingRejected(reason string) {
	if m == nil {
		return
	}
	m.readingsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) ReadingPersisted() {
	if m == nil {
		return
	}
	m.readingsPersisted.Inc()
}

func (m *Metrics) PersistFailed() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

func (m *Metrics) ObserveIngest(seconds float64) {
	if m == nil {
		return
	}
	m.ingestDuration.Observe(seconds)
}

func (m *Metrics) AlertCreated(kind string) {
	if m == nil {
		return
	}
	m.alertsCreated.WithLabelValues(kind).Inc()
}

func (m *Metrics) Delivered() {
	if m == nil {
		return
	}
	m.deliveries.Inc()
}

func (m *Metrics) DeliveryFailed(reason string) {
	if m == nil {
		return
	}
	m.deliveryFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.clientsConnected.Inc()
}

func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.clientsConnected.Dec()
}

func (m *Metrics) SchedulerRun(result string) {
	if m == nil {
		return
	}
	m.schedulerRuns.WithLabelValues(result).Inc()
}
