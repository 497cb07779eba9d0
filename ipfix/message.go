package ipfix

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/c360/ipfixfwd/errors"
)

// Wire constants
const (
	Version      = 10
	HeaderLen    = 16
	SetHeaderLen = 4

	SetIDTemplate        uint16 = 2
	SetIDOptionsTemplate uint16 = 3
	SetIDMinData         uint16 = 256

	// VariableLength marks a field whose length is carried in the record
	VariableLength uint16 = 65535
)

// Kind classifies a message delivered to the forwarder
type Kind int

const (
	// KindSession is a session lifecycle event
	KindSession Kind = iota
	// KindData is an IPFIX message with sets and records
	KindData
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindSession:
		return "session"
	case KindData:
		return "data"
	default:
		return "unknown"
	}
}

// Msg is implemented by *Message and *SessionMessage
type Msg interface {
	Kind() Kind
}

// Transport identifies how an exporter reached the collector
type Transport int

const (
	TransportUDP Transport = iota
	TransportTCP
)

// String returns the string representation of Transport
func (t Transport) String() string {
	switch t {
	case TransportUDP:
		return "udp"
	case TransportTCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// Session is one exporter talking to the collector. The forwarder refers to
// sessions by ID and never keeps them alive past their close event.
type Session struct {
	ID        uint64
	Transport Transport
	Remote    string
	Local     string
	Opened    time.Time
}

// String returns a human readable session identity
func (s *Session) String() string {
	if s == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s:%s#%d", s.Transport, s.Remote, s.ID)
}

// SessionEvent is the lifecycle transition carried by a SessionMessage
type SessionEvent int

const (
	SessionOpen SessionEvent = iota
	SessionClose
)

// String returns the string representation of SessionEvent
func (e SessionEvent) String() string {
	switch e {
	case SessionOpen:
		return "open"
	case SessionClose:
		return "close"
	default:
		return "unknown"
	}
}

// SessionMessage announces that a session was opened or closed
type SessionMessage struct {
	Event   SessionEvent
	Session *Session
}

// Kind implements Msg
func (*SessionMessage) Kind() Kind { return KindSession }

// Header is the IPFIX message header
type Header struct {
	Version        uint16
	Length         uint16
	ExportTime     uint32
	SequenceNumber uint32
	ODID           uint32
}

// ParseHeader decodes the first HeaderLen bytes of b
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, errors.WrapInvalid(
			fmt.Errorf("%w: %d bytes, need %d", errors.ErrMalformedMessage, len(b), HeaderLen),
			"ipfix", "ParseHeader", "header length check")
	}
	return Header{
		Version:        binary.BigEndian.Uint16(b[0:2]),
		Length:         binary.BigEndian.Uint16(b[2:4]),
		ExportTime:     binary.BigEndian.Uint32(b[4:8]),
		SequenceNumber: binary.BigEndian.Uint32(b[8:12]),
		ODID:           binary.BigEndian.Uint32(b[12:16]),
	}, nil
}

// Put encodes h into the first HeaderLen bytes of b
func (h Header) Put(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], h.Version)
	binary.BigEndian.PutUint16(b[2:4], h.Length)
	binary.BigEndian.PutUint32(b[4:8], h.ExportTime)
	binary.BigEndian.PutUint32(b[8:12], h.SequenceNumber)
	binary.BigEndian.PutUint32(b[12:16], h.ODID)
}

// Set locates one set inside Message.Raw. Length is the length declared in
// the set header, including the header itself.
type Set struct {
	ID     uint16
	Offset int
	Length int
}

// IsData reports whether the set carries data records
func (s Set) IsData() bool {
	return s.ID >= SetIDMinData
}

// Record locates one data record inside Message.Raw
type Record struct {
	SetIndex int
	Offset   int
	Length   int
	Template *Template
	Snapshot *Snapshot
}

// Message is one decoded IPFIX message
type Message struct {
	Session *Session
	Header  Header
	Raw     []byte
	Sets    []Set
	Records []Record
}

// Kind implements Msg
func (*Message) Kind() Kind { return KindData }

// SetBytes returns the bytes of set i, header included.
// The set must lie within the message.
func (m *Message) SetBytes(i int) []byte {
	s := m.Sets[i]
	return m.Raw[s.Offset : s.Offset+s.Length]
}

// End returns the offset one past the last byte of the message as declared
// by its header, bounded by the captured bytes.
func (m *Message) End() int {
	end := int(m.Header.Length)
	if end > len(m.Raw) || end == 0 {
		end = len(m.Raw)
	}
	return end
}

// Snapshot returns the template snapshot of the first data record, or nil
// when the message carries no data records.
func (m *Message) Snapshot() *Snapshot {
	if len(m.Records) == 0 {
		return nil
	}
	return m.Records[0].Snapshot
}

// RecordsInSet counts the data records decoded from set i
func (m *Message) RecordsInSet(i int) int {
	n := 0
	for _, r := range m.Records {
		if r.SetIndex == i {
			n++
		}
	}
	return n
}
