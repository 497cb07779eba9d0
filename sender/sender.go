// Package sender owns the socket of one forwarding connection.
//
// A Sender dials a single destination over TCP or UDP and writes IPFIX
// packets given as scatter/gather buffers. Send results are reported as a
// Status rather than an error so the forwarder can demote a connection
// without inspecting socket errors.
package sender

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/c360/ipfixfwd/errors"
)

// Protocol is the transport used to reach a destination
type Protocol int

const (
	ProtocolTCP Protocol = iota
	ProtocolUDP
)

// String returns the network name used by net.Dial
func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// ParseProtocol accepts "tcp" or "udp" in any case
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp":
		return ProtocolTCP, nil
	case "udp":
		return ProtocolUDP, nil
	default:
		return 0, errors.WrapInvalid(fmt.Errorf("%w: protocol %q", errors.ErrInvalidConfig, s),
			"sender", "ParseProtocol", "protocol parsing")
	}
}

// Status is the outcome of a send
type Status int

const (
	// StatusOK means the packet was written or deliberately skipped
	StatusOK Status = iota
	// StatusClosed means the socket is unusable and must be reconnected
	StatusClosed
	// StatusInvalid means the request itself was wrong
	StatusInvalid
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusClosed:
		return "closed"
	case StatusInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Mode selects how long a send may wait for the socket
type Mode int

const (
	ModeBlocking Mode = iota
	ModeNonBlocking
)

const (
	DefaultDialTimeout     = 2 * time.Second
	DefaultWriteTimeout    = 5 * time.Second
	DefaultNonBlockTimeout = 10 * time.Millisecond
)

// Sender is one socket to one destination. Methods are safe for concurrent
// use, though the forwarder serialises them under its own lock.
type Sender struct {
	address  string
	protocol Protocol

	dialTimeout     time.Duration
	writeTimeout    time.Duration
	nonBlockTimeout time.Duration
	logger          *slog.Logger

	mu   sync.Mutex
	conn net.Conn
}

// Option configures a Sender
type Option func(*Sender)

// WithDialTimeout bounds Connect
func WithDialTimeout(d time.Duration) Option {
	return func(s *Sender) { s.dialTimeout = d }
}

// WithWriteTimeout bounds a blocking write
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Sender) { s.writeTimeout = d }
}

// WithNonBlockTimeout sets how long a non-blocking write may wait before the
// socket is considered full
func WithNonBlockTimeout(d time.Duration) Option {
	return func(s *Sender) { s.nonBlockTimeout = d }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Sender) { s.logger = l }
}

// New creates an unconnected sender for host:port
func New(host string, port int, protocol Protocol, opts ...Option) *Sender {
	s := &Sender{
		address:         net.JoinHostPort(host, strconv.Itoa(port)),
		protocol:        protocol,
		dialTimeout:     DefaultDialTimeout,
		writeTimeout:    DefaultWriteTimeout,
		nonBlockTimeout: DefaultNonBlockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "sender", "address", s.address)
	}
	return s
}

// Address returns host:port of the destination
func (s *Sender) Address() string {
	return s.address
}

// Protocol returns the transport protocol
func (s *Sender) Protocol() Protocol {
	return s.protocol
}

// Connect (re)opens the socket. Any previous socket is closed first.
func (s *Sender) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, s.protocol.String(), s.address)
	if err != nil {
		return errors.WrapTransient(err, "sender", "Connect", "dial "+s.address)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	s.conn = conn
	return nil
}

// Connected reports whether a socket is open
func (s *Sender) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// LocalPort returns the local port of the open socket, or 0
func (s *Sender) LocalPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return 0
	}
	switch addr := s.conn.LocalAddr().(type) {
	case *net.TCPAddr:
		return addr.Port
	case *net.UDPAddr:
		return addr.Port
	default:
		return 0
	}
}

// SendParts writes one packet made of bufs, whose lengths must add up to
// size. In non-blocking mode a packet that would block is never waited on:
// if it is not required and nothing was written it is dropped and reported
// as StatusOK, otherwise StatusClosed is returned. A partially written
// packet also closes the socket, since the stream is no longer aligned.
func (s *Sender) SendParts(bufs net.Buffers, size int, mode Mode, required bool) Status {
	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	if total != size || size == 0 {
		s.logger.Warn("Rejecting packet with inconsistent size", "declared", size, "actual", total)
		return StatusInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return StatusClosed
	}

	if s.protocol == ProtocolUDP {
		return s.sendDatagram(bufs, size)
	}
	return s.sendStream(bufs, mode, required)
}

func (s *Sender) sendDatagram(bufs net.Buffers, size int) Status {
	datagram := make([]byte, 0, size)
	for _, b := range bufs {
		datagram = append(datagram, b...)
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if _, err := s.conn.Write(datagram); err != nil {
		s.logger.Debug("Datagram send failed", "error", err)
		s.closeLocked()
		return StatusClosed
	}
	return StatusOK
}

func (s *Sender) sendStream(bufs net.Buffers, mode Mode, required bool) Status {
	// WriteTo consumes the slice it is called on
	pending := append(net.Buffers(nil), bufs...)

	if mode == ModeNonBlocking {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.nonBlockTimeout))
		n, err := pending.WriteTo(s.conn)
		if err == nil {
			return StatusOK
		}
		if !isTimeout(err) {
			s.logger.Debug("Stream send failed", "error", err)
			s.closeLocked()
			return StatusClosed
		}
		if n == 0 && !required {
			s.logger.Debug("Destination busy, packet skipped")
			return StatusOK
		}
		s.logger.Debug("Destination busy", "written", n, "required", required)
		if n > 0 {
			s.closeLocked()
		}
		return StatusClosed
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if _, err := pending.WriteTo(s.conn); err != nil {
		s.logger.Debug("Stream send failed", "error", err)
		s.closeLocked()
		return StatusClosed
	}
	return StatusOK
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (s *Sender) closeLocked() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// Close releases the socket. It is safe to call more than once.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return errors.Wrap(err, "sender", "Close", "socket close")
	}
	return nil
}
