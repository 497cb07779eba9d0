// Package health tracks the health of ipfixfwd components and aggregates it
// into a single system status.
//
// # Health States
//
// The package supports three health states:
//   - Healthy: component operating normally
//   - Degraded: component operating with reduced functionality
//   - Unhealthy: component not functioning properly
//
// A forwarder whose sessions have lost every destination reports unhealthy;
// a collector that drops malformed packets stays healthy.
//
// # Usage
//
// The Monitor keeps the latest Status per component. It is usually fed from
// the component registry by Watch and read by the metrics server's /health
// endpoint:
//
//	monitor := health.NewMonitor()
//	go monitor.Watch(ctx, 5*time.Second, registry)
//
//	status := monitor.AggregateHealth("ipfixfwd")
//	if !status.IsHealthy() { ... }
//
// Error messages reported by components are sanitized before they are
// exposed, removing URLs, paths, addresses and credentials.
package health
