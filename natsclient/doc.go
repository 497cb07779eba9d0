// Package natsclient manages the NATS connection used to publish forwarder
// connection events.
//
// The Client wraps a *nats.Conn with a circuit breaker: after a configurable
// number of consecutive connection failures the circuit opens and Connect
// fails fast with errors.ErrCircuitOpen until the backoff elapses. The
// backoff doubles each time the circuit opens, up to a maximum.
//
// # Basic Usage
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//		natsclient.WithName("ipfixfwd"),
//		natsclient.WithLogger(logger),
//		natsclient.WithMetrics(registry),
//	)
//	if err != nil {
//		return err
//	}
//
//	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
//		return client.Connect(ctx)
//	})
//
//	_ = client.Publish(ctx, "ipfixfwd.events.lost", data)
//	defer client.Close(ctx)
//
// Client satisfies forwarding.Publisher. Publish never blocks on the
// network; nats.go buffers outgoing messages and flushes them in the
// background, which keeps event publishing off the forwarding path.
//
// # Connection States
//
//	disconnected -> connecting -> connected <-> reconnecting
//	                     |
//	                     v
//	               circuit_open -> disconnected (after backoff)
//
// Reconnection after an established connection is lost is handled by
// nats.go itself; the client mirrors its state through the disconnect,
// reconnect and closed handlers.
package natsclient
