package collector

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/ipfixfwd/errors"
	"github.com/c360/ipfixfwd/metric"
)

// Metrics holds Prometheus metrics for the collector
type Metrics struct {
	packetsReceived *prometheus.CounterVec
	bytesReceived   *prometheus.CounterVec
	parseErrors     *prometheus.CounterVec
	handlerErrors   prometheus.Counter
	activeSessions  *prometheus.GaugeVec
	lastActivity    prometheus.Gauge

	core *metric.Metrics
	name string
}

// newMetrics creates and registers collector metrics. A nil registry disables
// metrics and returns nil.
func newMetrics(registry *metric.MetricsRegistry, serviceName string) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		packetsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipfixfwd",
			Subsystem: "collector",
			Name:      "packets_received_total",
			Help:      "IPFIX messages received",
		}, []string{"transport"}),
		bytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipfixfwd",
			Subsystem: "collector",
			Name:      "bytes_received_total",
			Help:      "Bytes of IPFIX messages received",
		}, []string{"transport"}),
		parseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipfixfwd",
			Subsystem: "collector",
			Name:      "parse_errors_total",
			Help:      "Messages that could not be decoded",
		}, []string{"transport"}),
		handlerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ipfixfwd",
			Subsystem: "collector",
			Name:      "handler_errors_total",
			Help:      "Messages rejected by the handler",
		}),
		activeSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ipfixfwd",
			Subsystem: "collector",
			Name:      "active_sessions",
			Help:      "Exporter sessions currently open",
		}, []string{"transport"}),
		lastActivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ipfixfwd",
			Subsystem: "collector",
			Name:      "last_activity_timestamp",
			Help:      "Unix timestamp of the last received message",
		}),
		core: registry.CoreMetrics(),
		name: serviceName,
	}

	registry.RegisterCounterVec(serviceName, "packets_received", m.packetsReceived)
	registry.RegisterCounterVec(serviceName, "bytes_received", m.bytesReceived)
	registry.RegisterCounterVec(serviceName, "parse_errors", m.parseErrors)
	registry.RegisterCounter(serviceName, "handler_errors", m.handlerErrors)
	registry.RegisterGaugeVec(serviceName, "active_sessions", m.activeSessions)
	registry.RegisterGauge(serviceName, "last_activity", m.lastActivity)

	return m
}

func (m *Metrics) received(transport string, n int, unix int64) {
	if m == nil {
		return
	}
	m.packetsReceived.WithLabelValues(transport).Inc()
	m.bytesReceived.WithLabelValues(transport).Add(float64(n))
	m.lastActivity.Set(float64(unix))
}

func (m *Metrics) parseError(transport string, err error) {
	if m == nil {
		return
	}
	m.parseErrors.WithLabelValues(transport).Inc()
	m.core.RecordError(m.name, errors.Classify(err).String())
}

func (m *Metrics) handlerError(err error) {
	if m == nil {
		return
	}
	m.handlerErrors.Inc()
	m.core.RecordError(m.name, errors.Classify(err).String())
}

func (m *Metrics) sessions(transport string, delta float64) {
	if m == nil {
		return
	}
	m.activeSessions.WithLabelValues(transport).Add(delta)
}
