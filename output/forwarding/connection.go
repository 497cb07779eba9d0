package forwarding

import (
	"context"
	"fmt"
	"net"

	"github.com/c360/ipfixfwd/ipfix"
	"github.com/c360/ipfixfwd/sender"
)

// Transport is the socket side of a Connection. *sender.Sender implements it.
type Transport interface {
	Connect(ctx context.Context) error
	SendParts(bufs net.Buffers, size int, mode sender.Mode, required bool) sender.Status
	Close() error
	LocalPort() int
}

// TransportFactory creates the transport for one destination
type TransportFactory func(dest Destination, protocol sender.Protocol) Transport

// Connection pairs one destination with one upstream session
type Connection struct {
	group     *destinationGroup
	session   *ipfix.Session
	transport Transport
	status    sender.Status

	// snapshot is the template generation last delivered on this connection
	snapshot *ipfix.Snapshot
	seqNums  map[uint32]uint32
}

func newConnection(g *destinationGroup, session *ipfix.Session, t Transport) *Connection {
	return &Connection{
		group:     g,
		session:   session,
		transport: t,
		status:    sender.StatusClosed,
		seqNums:   make(map[uint32]uint32),
	}
}

// destinationGroup holds every connection of one destination, keyed by
// upstream session ID
type destinationGroup struct {
	index int
	dest  Destination
	conns map[uint64]*Connection
}

func newDestinationGroup(index int, dest Destination) *destinationGroup {
	return &destinationGroup{
		index: index,
		dest:  dest,
		conns: make(map[uint64]*Connection),
	}
}

// lookup returns the connection serving session, or nil
func (g *destinationGroup) lookup(session *ipfix.Session) *Connection {
	if session == nil {
		return nil
	}
	return g.conns[session.ID]
}

// ConnectionInfo is a point-in-time view of one connection
type ConnectionInfo struct {
	Destination string            `json:"destination"`
	Session     string            `json:"session"`
	SessionID   uint64            `json:"session_id"`
	Status      string            `json:"status"`
	Idle        bool              `json:"idle"`
	LocalPort   int               `json:"local_port"`
	HasSnapshot bool              `json:"has_snapshot"`
	Sequence    map[uint32]uint32 `json:"sequence,omitempty"`
}

// label names the destination in metrics and events
func (g *destinationGroup) label() string {
	if g.dest.Name != "" {
		return g.dest.Name
	}
	return fmt.Sprintf("%s:%d", g.dest.Address, g.dest.Port)
}
