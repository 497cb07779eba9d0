package forwarding

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/ipfixfwd/errors"
	"github.com/c360/ipfixfwd/metric"
	"github.com/c360/ipfixfwd/sender"
)

// Metrics holds Prometheus metrics for the forwarder
type Metrics struct {
	messagesForwarded *prometheus.CounterVec
	sendFailures      *prometheus.CounterVec
	templateResyncs   *prometheus.CounterVec
	reconnects        *prometheus.CounterVec
	messagesDropped   prometheus.Counter
	malformedMessages prometheus.Counter
	connections       *prometheus.GaugeVec
	idleConnections   prometheus.Gauge

	core *metric.Metrics
	name string
}

// newMetrics creates and registers forwarder metrics. A nil registry disables
// metrics and returns nil.
func newMetrics(registry *metric.MetricsRegistry, serviceName string) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		messagesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipfixfwd",
			Subsystem: "forwarder",
			Name:      "messages_forwarded_total",
			Help:      "Data messages delivered to a destination",
		}, []string{"destination"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipfixfwd",
			Subsystem: "forwarder",
			Name:      "send_failures_total",
			Help:      "Sends that did not complete, by resulting status",
		}, []string{"destination", "status"}),
		templateResyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipfixfwd",
			Subsystem: "forwarder",
			Name:      "template_resyncs_total",
			Help:      "Template snapshots delivered ahead of data",
		}, []string{"destination"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipfixfwd",
			Subsystem: "forwarder",
			Name:      "reconnects_total",
			Help:      "Idle connections promoted back to ok",
		}, []string{"destination"}),
		messagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ipfixfwd",
			Subsystem: "forwarder",
			Name:      "messages_dropped_total",
			Help:      "Round robin messages dropped because no destination was reachable",
		}),
		malformedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ipfixfwd",
			Subsystem: "forwarder",
			Name:      "malformed_messages_total",
			Help:      "Messages rejected before forwarding",
		}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ipfixfwd",
			Subsystem: "forwarder",
			Name:      "connections",
			Help:      "Open connections by destination and status",
		}, []string{"destination", "status"}),
		idleConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ipfixfwd",
			Subsystem: "forwarder",
			Name:      "idle_connections",
			Help:      "Connections waiting for the reconnection loop",
		}),
		core: registry.CoreMetrics(),
		name: serviceName,
	}

	registry.RegisterCounterVec(serviceName, "messages_forwarded", m.messagesForwarded)
	registry.RegisterCounterVec(serviceName, "send_failures", m.sendFailures)
	registry.RegisterCounterVec(serviceName, "template_resyncs", m.templateResyncs)
	registry.RegisterCounterVec(serviceName, "reconnects", m.reconnects)
	registry.RegisterCounter(serviceName, "messages_dropped", m.messagesDropped)
	registry.RegisterCounter(serviceName, "malformed_messages", m.malformedMessages)
	registry.RegisterGaugeVec(serviceName, "connections", m.connections)
	registry.RegisterGauge(serviceName, "idle_connections", m.idleConnections)

	return m
}

func (m *Metrics) recordError(err error) {
	if m != nil {
		m.core.RecordError(m.name, errors.Classify(err).String())
	}
}

func (m *Metrics) recordForwarded(dest string) {
	if m != nil {
		m.messagesForwarded.WithLabelValues(dest).Inc()
	}
}

func (m *Metrics) recordFailure(dest string, status sender.Status) {
	if m != nil {
		m.sendFailures.WithLabelValues(dest, status.String()).Inc()
	}
}

func (m *Metrics) recordResync(dest string) {
	if m != nil {
		m.templateResyncs.WithLabelValues(dest).Inc()
	}
}

func (m *Metrics) recordReconnect(dest string) {
	if m != nil {
		m.reconnects.WithLabelValues(dest).Inc()
	}
}

func (m *Metrics) recordDropped() {
	if m != nil {
		m.messagesDropped.Inc()
	}
}

func (m *Metrics) recordMalformed() {
	if m != nil {
		m.malformedMessages.Inc()
	}
}

// observeConnections replaces the connection gauges with the given counts
func (m *Metrics) observeConnections(groups []*destinationGroup, idle int) {
	if m == nil {
		return
	}
	m.connections.Reset()
	for _, g := range groups {
		counts := map[sender.Status]int{}
		for _, c := range g.conns {
			counts[c.status]++
		}
		for _, st := range []sender.Status{sender.StatusOK, sender.StatusClosed, sender.StatusInvalid} {
			m.connections.WithLabelValues(g.label(), st.String()).Set(float64(counts[st]))
		}
	}
	m.idleConnections.Set(float64(idle))
}
