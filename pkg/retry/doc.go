// Package retry runs an operation with exponential backoff.
//
// It is used at startup for operations that can fail transiently: binding
// the collector sockets and connecting to NATS.
//
//	conn, err := retry.DoWithResult(ctx, retry.Quick(), func() (*net.UDPConn, error) {
//		return net.ListenUDP("udp", addr)
//	})
//
// Errors classified invalid or fatal by the errors package, and errors
// wrapped with Permanent, end the loop immediately:
//
//	err := retry.Do(ctx, retry.Persistent(), func() error {
//		if cfg.URL == "" {
//			return retry.Permanent(errMissingURL)
//		}
//		return client.Connect(ctx)
//	})
//
// Presets:
//
//   - DefaultConfig(): 3 attempts, 100ms to 5s
//   - Quick(): 10 attempts, 50ms to 1s
//   - Persistent(): 30 attempts, 200ms to 10s
package retry
