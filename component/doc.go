// Package component defines the contracts shared by ipfixfwd components and
// a small registry that runs them.
//
// # Overview
//
// Every long-running part of the forwarder (the collector listeners, the
// forwarder itself) is a component: it describes itself through
// Discoverable and is driven through LifecycleComponent.
//
//	type LifecycleComponent interface {
//		Discoverable
//		Initialize() error
//		Start(ctx context.Context) error
//		Stop(timeout time.Duration) error
//	}
//
// Initialize performs setup without I/O. Start receives the context it
// should honour; components never store it. Stop must be safe to call on a
// component that never started.
//
// # Ports
//
// Components declare their inputs and outputs as Ports. A port's Config is
// a Portable describing the resource behind it:
//
//   - NetworkPort: a TCP or UDP address (exclusive)
//   - NATSPort: a NATS subject (shared)
//
// The Registry refuses to register two components claiming the same
// exclusive resource, so a collector cannot be configured twice on one
// listen address.
//
// # Registry
//
// Components are registered explicitly by main in dependency order:
//
//	reg := component.NewRegistry()
//	if err := reg.Register("forwarder", fwd); err != nil { ... }
//	if err := reg.Register("collector", col); err != nil { ... }
//	if err := reg.StartAll(ctx); err != nil { ... }
//	defer reg.StopAll(5 * time.Second)
//
// StartAll initializes and starts components in registration order and
// stops the already started ones if any fails. StopAll stops them in
// reverse order so producers go away before their consumers.
package component
