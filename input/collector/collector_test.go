package collector

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ipfixfwd/component"
	"github.com/c360/ipfixfwd/errors"
	"github.com/c360/ipfixfwd/ipfix"
	"github.com/c360/ipfixfwd/metric"
	"github.com/c360/ipfixfwd/output/forwarding"
	"github.com/c360/ipfixfwd/pkg/timestamp"
	"github.com/c360/ipfixfwd/sender"
	"github.com/c360/ipfixfwd/testutil"
)

type recorder struct {
	mu   sync.Mutex
	msgs []ipfix.Msg
	err  error
}

func (r *recorder) Handle(msg ipfix.Msg) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

// trace renders the received messages as "open", "data:<records>", "close"
func (r *recorder) trace() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		switch v := m.(type) {
		case *ipfix.SessionMessage:
			out = append(out, v.Event.String())
		case *ipfix.Message:
			out = append(out, fmt.Sprintf("data:%d", len(v.Records)))
		}
	}
	return out
}

func (r *recorder) sessions() map[uint64]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make(map[uint64]bool)
	for _, m := range r.msgs {
		switch v := m.(type) {
		case *ipfix.SessionMessage:
			ids[v.Session.ID] = true
		case *ipfix.Message:
			ids[v.Session.ID] = true
		}
	}
	return ids
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startCollector(t *testing.T, cfg Config, h Handler, registry *metric.MetricsRegistry) *Collector {
	t.Helper()
	c, err := NewCollector(CollectorDeps{
		Config:          cfg,
		Handler:         h,
		MetricsRegistry: registry,
		Logger:          quietLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, c.Initialize())
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(2 * time.Second) })
	return c
}

func samplePacket(seq uint32) []byte {
	return testutil.NewPacket(1, 1700000000, seq).
		Template(256, testutil.F(8, 4)).
		Data(256, testutil.U32(10, 20)).
		Bytes()
}

func TestNewCollector_Validation(t *testing.T) {
	_, err := NewCollector(CollectorDeps{Config: Config{UDP: "127.0.0.1:0"}})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = NewCollector(CollectorDeps{Config: Config{}, Handler: &recorder{}})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	_, err = NewCollector(CollectorDeps{Config: Config{TCP: "no-port"}, Handler: &recorder{}})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	c, err := NewCollector(CollectorDeps{Config: Config{UDP: "127.0.0.1:0"}, Handler: &recorder{}})
	require.NoError(t, err)
	assert.Equal(t, DefaultSessionTimeout, c.config.SessionTimeout.Std())
	assert.Equal(t, "collector", c.Meta().Name)
}

func TestCollector_UDPSessionLifecycle(t *testing.T) {
	rec := &recorder{}
	c := startCollector(t, Config{
		UDP:            "127.0.0.1:0",
		SessionTimeout: timestamp.Duration(300 * time.Millisecond),
	}, rec, nil)

	conn, err := net.Dial("udp", c.UDPAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(samplePacket(0))
	require.NoError(t, err)
	_, err = conn.Write(samplePacket(2))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.trace()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"open", "data:2", "data:2"}, rec.trace())
	assert.Equal(t, 1, c.Stats().UDPSessions)

	rec.mu.Lock()
	first := rec.msgs[1].(*ipfix.Message)
	rec.mu.Unlock()
	require.NotNil(t, first.Snapshot())
	assert.Equal(t, ipfix.TransportUDP, first.Session.Transport)

	// Inactivity closes the session
	require.Eventually(t, func() bool { return len(rec.trace()) == 4 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "close", rec.trace()[3])
	assert.Len(t, rec.sessions(), 1)
	assert.Equal(t, 0, c.Stats().UDPSessions)
}

func TestCollector_UDPSessionsPerExporter(t *testing.T) {
	rec := &recorder{}
	c := startCollector(t, Config{UDP: "127.0.0.1:0"}, rec, nil)

	for i := 0; i < 2; i++ {
		conn, err := net.Dial("udp", c.UDPAddr().String())
		require.NoError(t, err)
		_, err = conn.Write(samplePacket(0))
		require.NoError(t, err)
		defer conn.Close()
	}

	require.Eventually(t, func() bool { return len(rec.trace()) == 4 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, rec.sessions(), 2)
	assert.Equal(t, 2, c.Stats().UDPSessions)
}

func TestCollector_UDPParseErrorCounted(t *testing.T) {
	rec := &recorder{}
	c := startCollector(t, Config{UDP: "127.0.0.1:0"}, rec, nil)

	conn, err := net.Dial("udp", c.UDPAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte{0, 10, 0, 1, 2})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.Stats().ParseErrors == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"open"}, rec.trace())
	assert.NotEmpty(t, c.Health().LastError)
}

func TestCollector_StopClosesOpenSessions(t *testing.T) {
	rec := &recorder{}
	c, err := NewCollector(CollectorDeps{
		Config:  Config{UDP: "127.0.0.1:0"},
		Handler: rec,
		Logger:  quietLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	conn, err := net.Dial("udp", c.UDPAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(samplePacket(0))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.trace()) == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Stop(2*time.Second))
	assert.Equal(t, []string{"open", "data:2", "close"}, rec.trace())
	assert.Nil(t, c.UDPAddr())
	assert.False(t, c.Health().Healthy)

	// Stopping twice is a no-op
	require.NoError(t, c.Stop(time.Second))
}

func TestCollector_TCPFraming(t *testing.T) {
	rec := &recorder{}
	c := startCollector(t, Config{TCP: "127.0.0.1:0"}, rec, nil)

	conn, err := net.Dial("tcp", c.TCPAddr().String())
	require.NoError(t, err)

	// Two messages in one write, split again on the header length
	stream := append(samplePacket(0), samplePacket(2)...)
	_, err = conn.Write(stream[:10])
	require.NoError(t, err)
	_, err = conn.Write(stream[10:])
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.trace()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"open", "data:2", "data:2"}, rec.trace())
	assert.Equal(t, 1, c.Stats().TCPSessions)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return len(rec.trace()) == 4 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "close", rec.trace()[3])
	assert.Len(t, rec.sessions(), 1)
	assert.Equal(t, 0, c.Stats().TCPSessions)
}

func TestCollector_TCPMalformedHeaderClosesSession(t *testing.T) {
	rec := &recorder{}
	c := startCollector(t, Config{TCP: "127.0.0.1:0"}, rec, nil)

	conn, err := net.Dial("tcp", c.TCPAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	bad := make([]byte, ipfix.HeaderLen)
	ipfix.Header{Version: 9, Length: ipfix.HeaderLen}.Put(bad)
	_, err = conn.Write(bad)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.trace()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"open", "close"}, rec.trace())
	assert.Equal(t, int64(1), c.Stats().ParseErrors)
}

func TestCollector_HandlerErrorsCounted(t *testing.T) {
	rec := &recorder{err: errors.WrapInvalid(errors.ErrMalformedMessage, "test", "Handle", "reject")}
	c := startCollector(t, Config{UDP: "127.0.0.1:0"}, rec, nil)

	conn, err := net.Dial("udp", c.UDPAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(samplePacket(0))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.Stats().HandlerErrors == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, c.Health().ErrorCount)
	assert.NotEmpty(t, c.Health().LastError)
}

func TestCollector_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	rec := &recorder{}
	c := startCollector(t, Config{UDP: "127.0.0.1:0"}, rec, registry)

	conn, err := net.Dial("udp", c.UDPAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	pkt := samplePacket(0)
	_, err = conn.Write(pkt)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.trace()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, promtest.ToFloat64(c.metrics.packetsReceived.WithLabelValues("udp")))
	assert.Equal(t, float64(len(pkt)), promtest.ToFloat64(c.metrics.bytesReceived.WithLabelValues("udp")))
	assert.Equal(t, 1.0, promtest.ToFloat64(c.metrics.activeSessions.WithLabelValues("udp")))
	assert.Equal(t, 0.0, promtest.ToFloat64(c.metrics.parseErrors.WithLabelValues("udp")))

	_, err = conn.Write([]byte{0, 10, 0, 1, 2})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Stats().ParseErrors == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, promtest.ToFloat64(c.metrics.parseErrors.WithLabelValues("udp")))
	assert.Equal(t, 1.0, promtest.ToFloat64(registry.CoreMetrics().ErrorsTotal.WithLabelValues("collector", "invalid")))
}

func TestCollector_Discoverable(t *testing.T) {
	c, err := NewCollector(CollectorDeps{
		Name:    "edge",
		Config:  Config{UDP: "0.0.0.0:4739", TCP: "0.0.0.0:4739"},
		Handler: &recorder{},
	})
	require.NoError(t, err)

	var d component.Discoverable = c
	assert.Equal(t, "edge", d.Meta().Name)
	assert.Equal(t, "input", d.Meta().Type)

	ports := d.InputPorts()
	require.Len(t, ports, 2)
	assert.Equal(t, "udp:0.0.0.0:4739", ports[0].Config.ResourceID())
	assert.Equal(t, "tcp:0.0.0.0:4739", ports[1].Config.ResourceID())
	assert.Len(t, d.OutputPorts(), 1)
	assert.Contains(t, d.ConfigSchema().Properties, "udp_session_timeout")
	assert.False(t, d.Health().Healthy)

	// A second collector on the same sockets is rejected
	registry := component.NewRegistry(quietLogger())
	require.NoError(t, registry.Register("edge", c))
	other, err := NewCollector(CollectorDeps{Config: Config{UDP: "0.0.0.0:4739"}, Handler: &recorder{}})
	require.NoError(t, err)
	assert.Error(t, registry.Register("other", other))
}

func TestCollector_FeedsForwarder(t *testing.T) {
	network := testutil.NewMockNetwork()
	fwd, err := forwarding.NewForwarder(forwarding.ForwarderDeps{
		Config: forwarding.Config{
			Mode: string(forwarding.ModeAll),
			Destinations: []forwarding.Destination{
				{Name: "a", Address: "192.0.2.1", Port: 4739},
				{Name: "b", Address: "192.0.2.2", Port: 4739},
			},
		},
		Transports: func(dest forwarding.Destination, _ sender.Protocol) forwarding.Transport {
			return network.New(dest.Name)
		},
		Logger: quietLogger(),
	})
	require.NoError(t, err)

	c := startCollector(t, Config{TCP: "127.0.0.1:0"}, fwd, nil)

	conn, err := net.Dial("tcp", c.TCPAddr().String())
	require.NoError(t, err)
	_, err = conn.Write(samplePacket(0))
	require.NoError(t, err)

	for _, name := range []string{"a", "b"} {
		require.Eventually(t, func() bool { return len(network.Packets(name)) == 2 }, 2*time.Second, 10*time.Millisecond)
		pkts := network.Packets(name)
		assert.True(t, pkts[0].IsTemplate())
		assert.Equal(t, []uint16{256}, pkts[1].SetIDs)
	}

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return fwd.Stats().Connections == 0 }, 2*time.Second, 10*time.Millisecond)
}
