package natsclient

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ipfixfwd/errors"
	"github.com/c360/ipfixfwd/metric"
)

// unreachableURL refuses connections immediately
const unreachableURL = "nats://127.0.0.1:1"

func TestConnectionStatus_String(t *testing.T) {
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(99).String())
}

func TestNewClient_Options(t *testing.T) {
	c, err := NewClient("nats://localhost:4222",
		WithName("ipfixfwd"),
		WithMaxReconnects(3),
		WithReconnectWait(time.Second),
		WithTimeout(time.Second),
		WithCircuitBreakerThreshold(2),
		WithBackoff(time.Second, time.Minute),
		WithToken("secret"),
	)
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
	assert.Len(t, c.connectionOptions(), 10)

	secure, err := NewClient("tls://localhost:4222", WithTLS(&tls.Config{MinVersion: tls.VersionTLS12}))
	require.NoError(t, err)
	assert.Len(t, secure.connectionOptions(), 9)

	for _, opt := range []ClientOption{
		WithReconnectWait(0),
		WithTimeout(-time.Second),
		WithCircuitBreakerThreshold(0),
		WithBackoff(time.Minute, time.Second),
	} {
		_, err := NewClient("nats://localhost:4222", opt)
		assert.True(t, errors.IsInvalid(err))
	}
}

func TestConnect_CircuitBreaker(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c, err := NewClient(unreachableURL,
		WithTimeout(time.Second),
		WithCircuitBreakerThreshold(2),
		WithBackoff(time.Hour, 2*time.Hour),
		WithMetrics(registry),
	)
	require.NoError(t, err)
	ctx := context.Background()

	err = c.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.True(t, errors.Is(err, errors.ErrNoConnection))
	assert.Equal(t, StatusDisconnected, c.Status())

	err = c.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCircuitOpen))
	assert.Equal(t, StatusCircuitOpen, c.Status())

	status := c.GetStatus()
	assert.Equal(t, int32(2), status.FailureCount)
	assert.Equal(t, 2*time.Hour, status.Backoff, "backoff doubles when the circuit opens")
	assert.False(t, status.LastFailureTime.IsZero())

	// fails fast without dialing
	start := time.Now()
	err = c.Connect(ctx)
	assert.True(t, errors.Is(err, errors.ErrCircuitOpen))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, int32(2), c.GetStatus().FailureCount)

	core := registry.CoreMetrics()
	assert.Equal(t, 1.0, promtest.ToFloat64(core.NATSCircuitBreaker))
	assert.Equal(t, 0.0, promtest.ToFloat64(core.NATSConnected))
}

func TestConnect_CircuitHalfOpensAfterBackoff(t *testing.T) {
	c, err := NewClient(unreachableURL,
		WithCircuitBreakerThreshold(1),
		WithBackoff(10*time.Millisecond, 20*time.Millisecond),
	)
	require.NoError(t, err)

	require.Error(t, c.Connect(context.Background()))
	require.Equal(t, StatusCircuitOpen, c.Status())

	time.Sleep(20 * time.Millisecond)
	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(2), c.GetStatus().FailureCount, "half-open attempt dials again")
}

func TestPublish_NotConnected(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	err = c.Publish(context.Background(), "ipfixfwd.events.lost", []byte("{}"))
	assert.True(t, errors.IsTransient(err))
	assert.True(t, errors.Is(err, errors.ErrNoConnection))

	assert.Error(t, c.Flush(context.Background()))
	_, err = c.RTT()
	assert.Error(t, err)
}

func TestClose_Idempotent(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))

	err = c.Connect(context.Background())
	assert.True(t, errors.Is(err, errors.ErrShuttingDown))
}
