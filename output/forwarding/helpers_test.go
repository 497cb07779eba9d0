package forwarding

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360/ipfixfwd/ipfix"
	"github.com/c360/ipfixfwd/metric"
	"github.com/c360/ipfixfwd/pkg/timestamp"
	"github.com/c360/ipfixfwd/sender"
	"github.com/c360/ipfixfwd/testutil"
)

type harness struct {
	t       *testing.T
	network *testutil.MockNetwork
	parser  *ipfix.Parser
	fwd     *Forwarder
}

type harnessOption func(*Config, *ForwarderDeps)

func withMTU(mtu int) harnessOption {
	return func(c *Config, _ *ForwarderDeps) { c.MTU = mtu }
}

func withCheckRate(d time.Duration) harnessOption {
	return func(c *Config, _ *ForwarderDeps) { c.CheckRate = timestamp.Duration(d) }
}

func withPublisher(p Publisher) harnessOption {
	return func(_ *Config, d *ForwarderDeps) { d.Publisher = p }
}

func withRegistry(r *metric.MetricsRegistry) harnessOption {
	return func(_ *Config, d *ForwarderDeps) { d.MetricsRegistry = r }
}

func newHarness(t *testing.T, mode Mode, names []string, opts ...harnessOption) *harness {
	t.Helper()

	network := testutil.NewMockNetwork()
	cfg := Config{
		Mode:      string(mode),
		CheckRate: timestamp.Duration(time.Hour),
	}
	for i, name := range names {
		cfg.Destinations = append(cfg.Destinations, Destination{Name: name, Address: "192.0.2.10", Port: 4739 + i})
	}
	deps := ForwarderDeps{
		Transports: func(dest Destination, _ sender.Protocol) Transport {
			return network.New(dest.Name)
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	deps.Config = cfg

	f, err := NewForwarder(deps)
	require.NoError(t, err)
	require.NoError(t, f.Initialize())

	return &harness{t: t, network: network, parser: ipfix.NewParser(nil), fwd: f}
}

func (h *harness) open(id uint64) *ipfix.Session {
	h.t.Helper()
	s := &ipfix.Session{ID: id, Transport: ipfix.TransportTCP, Remote: "198.51.100.1:40000"}
	require.NoError(h.t, h.fwd.Handle(&ipfix.SessionMessage{Event: ipfix.SessionOpen, Session: s}))
	return s
}

func (h *harness) close(s *ipfix.Session) {
	h.t.Helper()
	require.NoError(h.t, h.fwd.Handle(&ipfix.SessionMessage{Event: ipfix.SessionClose, Session: s}))
	h.parser.CloseSession(s)
}

// parse decodes raw on session s
func (h *harness) parse(s *ipfix.Session, raw []byte) *ipfix.Message {
	h.t.Helper()
	msg, err := h.parser.Parse(s, raw)
	require.NoError(h.t, err)
	return msg
}

// send parses raw and hands it to the forwarder
func (h *harness) send(s *ipfix.Session, raw []byte) {
	h.t.Helper()
	require.NoError(h.t, h.fwd.Handle(h.parse(s, raw)))
}

// conn returns the connection of destination index for session s
func (h *harness) conn(dest int, s *ipfix.Session) *Connection {
	h.t.Helper()
	h.fwd.mu.Lock()
	defer h.fwd.mu.Unlock()
	return h.fwd.groups[dest].lookup(s)
}

func (h *harness) isIdle(c *Connection) bool {
	h.fwd.mu.Lock()
	defer h.fwd.mu.Unlock()
	_, ok := h.fwd.idle[c]
	return ok
}

func (h *harness) dataPackets(name string) []testutil.SentPacket {
	var out []testutil.SentPacket
	for _, p := range h.network.Packets(name) {
		if !p.IsTemplate() {
			out = append(out, p)
		}
	}
	return out
}

// dataMsg is a message defining template 256 with two fields and carrying
// n records, each 8 bytes
func dataMsg(odid uint32, n int) []byte {
	records := make([][]byte, n)
	for i := range records {
		records[i] = testutil.U32(uint32(i), uint32(i)*2)
	}
	return testutil.NewPacket(odid, 1700000000, 0).
		Template(256, testutil.F(8, 4), testutil.F(12, 4)).
		Data(256, records...).
		Bytes()
}
