package testutil

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/c360/ipfixfwd/ipfix"
	"github.com/c360/ipfixfwd/sender"
)

// ErrUnreachable is returned by MockSender.Connect for unreachable
// destinations
var ErrUnreachable = fmt.Errorf("mock destination unreachable: %w", ErrMockConnection)

// SentPacket is one packet captured by a MockSender
type SentPacket struct {
	Data     []byte
	Required bool
	Header   ipfix.Header
	SetIDs   []uint16
}

// IsTemplate reports whether the packet only carries template sets
func (p SentPacket) IsTemplate() bool {
	if len(p.SetIDs) == 0 {
		return false
	}
	for _, id := range p.SetIDs {
		if id != ipfix.SetIDTemplate && id != ipfix.SetIDOptionsTemplate {
			return false
		}
	}
	return true
}

func decodePacket(data []byte, required bool) SentPacket {
	p := SentPacket{Data: data, Required: required}
	p.Header, _ = ipfix.ParseHeader(data)
	for off := ipfix.HeaderLen; off+ipfix.SetHeaderLen <= len(data); {
		length := int(binary.BigEndian.Uint16(data[off+2 : off+4]))
		p.SetIDs = append(p.SetIDs, binary.BigEndian.Uint16(data[off:off+2]))
		if length < ipfix.SetHeaderLen {
			break
		}
		off += length
	}
	return p
}

// MockNetwork hands out MockSenders and controls the reachability of the
// destinations they talk to
type MockNetwork struct {
	mu          sync.Mutex
	unreachable map[string]bool
	senders     map[string][]*MockSender
	nextPort    int
}

// NewMockNetwork creates a network where every destination is reachable
func NewMockNetwork() *MockNetwork {
	return &MockNetwork{
		unreachable: make(map[string]bool),
		senders:     make(map[string][]*MockSender),
		nextPort:    40000,
	}
}

// New creates a sender for destination name
func (n *MockNetwork) New(name string) *MockSender {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextPort++
	s := &MockSender{name: name, network: n, port: n.nextPort}
	n.senders[name] = append(n.senders[name], s)
	return s
}

// SetReachable changes whether name accepts connections and packets.
// Making a destination unreachable breaks its open connections on their
// next send.
func (n *MockNetwork) SetReachable(name string, reachable bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unreachable[name] = !reachable
}

func (n *MockNetwork) reachable(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.unreachable[name]
}

// Senders returns every sender created for name
func (n *MockNetwork) Senders(name string) []*MockSender {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*MockSender(nil), n.senders[name]...)
}

// Packets returns the packets delivered to name across all its senders
func (n *MockNetwork) Packets(name string) []SentPacket {
	var out []SentPacket
	for _, s := range n.Senders(name) {
		out = append(out, s.Packets()...)
	}
	return out
}

// MockSender is an in-memory forwarding transport
type MockSender struct {
	name    string
	network *MockNetwork
	port    int

	mu         sync.Mutex
	connected  bool
	closed     bool
	failStatus sender.Status
	packets    []SentPacket
	connects   int
}

// NewMockSender creates a standalone sender that is always reachable
func NewMockSender(name string) *MockSender {
	return &MockSender{name: name, port: 40000}
}

// Connect succeeds when the destination is reachable
func (s *MockSender) Connect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if s.network != nil && !s.network.reachable(s.name) {
		s.connected = false
		return ErrUnreachable
	}
	s.connected = true
	return nil
}

// FailSends makes every following send return st. StatusOK restores
// normal behaviour.
func (s *MockSender) FailSends(st sender.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStatus = st
}

// SendParts records the packet or reports the configured failure
func (s *MockSender) SendParts(bufs net.Buffers, size int, _ sender.Mode, required bool) sender.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return sender.StatusClosed
	}
	if s.network != nil && !s.network.reachable(s.name) {
		s.connected = false
		return sender.StatusClosed
	}
	if s.failStatus != sender.StatusOK {
		if s.failStatus == sender.StatusClosed {
			s.connected = false
		}
		return s.failStatus
	}

	data := bytes.Join(bufs, nil)
	if len(data) != size {
		return sender.StatusInvalid
	}
	s.packets = append(s.packets, decodePacket(data, required))
	return sender.StatusOK
}

// Close marks the sender as destroyed
func (s *MockSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.closed = true
	return nil
}

// LocalPort returns a fake port while connected
func (s *MockSender) LocalPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return 0
	}
	return s.port
}

// Connected reports whether the last Connect succeeded and no send broke
// the connection since
func (s *MockSender) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Closed reports whether Close was called
func (s *MockSender) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ConnectCalls returns how many times Connect was called
func (s *MockSender) ConnectCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Packets returns a copy of the captured packets
func (s *MockSender) Packets() []SentPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentPacket(nil), s.packets...)
}

// Reset forgets captured packets
func (s *MockSender) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets = nil
}
