// Package metric provides the Prometheus registry shared by ipfixfwd
// components and the HTTP server that exposes it.
//
// # Architecture
//
//  1. Core metrics: process-wide metrics registered with every registry
//     (component state, errors, health, NATS connection state)
//  2. Component metrics: registered by each component under its service
//     name through MetricsRegistrar
//  3. Server: serves /metrics in Prometheus format and /health as JSON
//
// # Basic Usage
//
//	registry := metric.NewMetricsRegistry()
//	fwd, _ := forwarding.NewForwarder(forwarding.ForwarderDeps{
//		Config:          cfg,
//		MetricsRegistry: registry,
//	})
//
//	server := metric.NewServer(":9090", "/metrics", registry, monitor)
//	go server.Start()
//	defer server.Stop()
//
// Components treat a nil registry as "metrics disabled" and skip all
// recording, so tests can construct them without one.
//
// # Registration
//
// Each metric is registered under "<service>.<metric>". Registering the same
// key twice, or a collector Prometheus already knows, returns an invalid
// error; other registration failures are fatal.
//
//	counter := prometheus.NewCounter(prometheus.CounterOpts{
//		Namespace: "ipfixfwd",
//		Subsystem: "collector",
//		Name:      "packets_received_total",
//		Help:      "Packets received",
//	})
//	if err := registry.RegisterCounter("collector", "packets_received", counter); err != nil {
//		return err
//	}
package metric
