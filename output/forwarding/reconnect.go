package forwarding

import (
	"context"
	"time"

	"github.com/c360/ipfixfwd/sender"
)

// reconnectLoop retries idle connections every checkRate until stop is
// closed or ctx is done. Shutdown does not trigger a final pass.
func (f *Forwarder) reconnectLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(f.checkRate)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.reconnectIdle(ctx)
		}
	}
}

// reconnectIdle dials every idle connection once and promotes the ones that
// succeed. Promoted connections stay in their destination group.
func (f *Forwarder) reconnectIdle(ctx context.Context) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	promoted := 0
	for conn := range f.idle {
		if err := conn.transport.Connect(ctx); err != nil {
			f.logger.Debug("Reconnect failed", "destination", conn.group.dest.String(), "error", err)
			continue
		}

		conn.status = sender.StatusOK
		delete(f.idle, conn)
		promoted++

		f.stats.reconnects.Add(1)
		f.metrics.recordReconnect(conn.group.label())
		f.connectionEvent(EventRestored, conn, nil)
		f.logger.Info("Connection restored",
			"local_port", conn.transport.LocalPort(),
			"destination", conn.group.dest.String(),
			"session", conn.session.String())
	}

	if promoted > 0 {
		f.metrics.observeConnections(f.groups, len(f.idle))
	}
	return promoted
}
