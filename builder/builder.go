// Package builder re-segments IPFIX sets into MTU-bounded wire packets.
//
// A Builder is reused across messages: Start resets it for one observation
// domain, AddDataSet and AddTemplate queue content, and End lays the queued
// sets out into packets. Packets are materialised lazily by Packet, which
// writes a fresh message header carrying the caller's sequence number and
// references the queued set bodies without copying them.
package builder

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/c360/ipfixfwd/errors"
	"github.com/c360/ipfixfwd/ipfix"
)

// MinMTU is the smallest packet size End accepts
const MinMTU = 256

// set is one wire set: a four byte header plus its body parts
type set struct {
	header  [ipfix.SetHeaderLen]byte
	parts   [][]byte
	size    int
	records int
}

func newSet(id uint16) *set {
	s := &set{size: ipfix.SetHeaderLen}
	binary.BigEndian.PutUint16(s.header[0:2], id)
	return s
}

func (s *set) add(b []byte) {
	s.parts = append(s.parts, b)
	s.size += len(b)
}

func (s *set) seal() {
	binary.BigEndian.PutUint16(s.header[2:4], uint16(s.size))
}

type packet struct {
	sets    []*set
	size    int
	records int
}

type template struct {
	raw []byte
	id  uint16
}

// Builder assembles packets for one observation domain at a time. It is not
// safe for concurrent use.
type Builder struct {
	odid       uint32
	exportTime uint32

	started   bool
	ended     bool
	data      []*set
	templates [2][]template
	packets   []packet
}

// New returns an empty builder
func New() *Builder {
	return &Builder{}
}

// Start discards any previous content and begins a new message
func (b *Builder) Start(odid, exportTime uint32) {
	b.odid = odid
	b.exportTime = exportTime
	b.started = true
	b.ended = false
	b.data = b.data[:0]
	b.templates[0] = b.templates[0][:0]
	b.templates[1] = b.templates[1][:0]
	b.packets = b.packets[:0]
}

// ODID returns the observation domain of the current message
func (b *Builder) ODID() uint32 {
	return b.odid
}

// ExportTime returns the export time of the current message
func (b *Builder) ExportTime() uint32 {
	return b.exportTime
}

// AddDataSet queues a data set. body excludes the set header and must stay
// unmodified until the packets have been sent.
func (b *Builder) AddDataSet(body []byte, setID uint16, records int) {
	s := newSet(setID)
	s.add(body)
	s.records = records
	b.data = append(b.data, s)
}

// AddTemplate queues one (options) template record as it appears on the
// wire. Templates are grouped into template sets ahead of any data set.
func (b *Builder) AddTemplate(raw []byte, id uint16, typ ipfix.TemplateType) {
	i := 0
	if typ == ipfix.TemplateOptions {
		i = 1
	}
	b.templates[i] = append(b.templates[i], template{raw: raw, id: id})
}

// End lays the queued sets out into packets no larger than mtu. A set that
// cannot fit into an empty packet is emitted alone in an oversized packet.
func (b *Builder) End(mtu int) error {
	if !b.started {
		return errors.WrapInvalid(errors.ErrNotStarted, "builder", "End", "message start check")
	}
	if mtu < MinMTU || mtu > 65535 {
		return errors.WrapInvalid(fmt.Errorf("%w: mtu %d", errors.ErrInvalidConfig, mtu),
			"builder", "End", "mtu check")
	}

	room := mtu - ipfix.HeaderLen
	var sets []*set
	for i, typ := range []ipfix.TemplateType{ipfix.TemplateData, ipfix.TemplateOptions} {
		sets = append(sets, groupTemplates(b.templates[i], typ.SetID(), room)...)
	}
	sets = append(sets, b.data...)

	b.packets = b.packets[:0]
	cur := packet{size: ipfix.HeaderLen}
	for _, s := range sets {
		s.seal()
		if len(cur.sets) > 0 && cur.size+s.size > mtu {
			b.packets = append(b.packets, cur)
			cur = packet{size: ipfix.HeaderLen}
		}
		cur.sets = append(cur.sets, s)
		cur.size += s.size
		cur.records += s.records
	}
	if len(cur.sets) > 0 {
		b.packets = append(b.packets, cur)
	}

	b.ended = true
	return nil
}

// groupTemplates packs template records into as few sets as possible, each
// at most room bytes long. Records are never split.
func groupTemplates(templates []template, setID uint16, room int) []*set {
	var sets []*set
	var cur *set
	for _, t := range templates {
		if cur != nil && cur.size+len(t.raw) > room {
			sets = append(sets, cur)
			cur = nil
		}
		if cur == nil {
			cur = newSet(setID)
		}
		cur.add(t.raw)
	}
	if cur != nil {
		sets = append(sets, cur)
	}
	return sets
}

// PacketCount returns the number of packets produced by End
func (b *Builder) PacketCount() int {
	return len(b.packets)
}

// Packet returns packet i as scatter/gather buffers, its total size and the
// number of data records it carries. seq is written into the header.
func (b *Builder) Packet(seq uint32, i int) (net.Buffers, int, int, error) {
	if !b.ended {
		return nil, 0, 0, errors.WrapInvalid(errors.ErrNotStarted, "builder", "Packet", "message end check")
	}
	if i < 0 || i >= len(b.packets) {
		return nil, 0, 0, errors.WrapInvalid(fmt.Errorf("packet index %d out of range [0,%d)", i, len(b.packets)),
			"builder", "Packet", "index check")
	}

	p := b.packets[i]
	hdr := make([]byte, ipfix.HeaderLen)
	ipfix.Header{
		Version:        ipfix.Version,
		Length:         uint16(p.size),
		ExportTime:     b.exportTime,
		SequenceNumber: seq,
		ODID:           b.odid,
	}.Put(hdr)

	bufs := make(net.Buffers, 0, 1+2*len(p.sets))
	bufs = append(bufs, hdr)
	for _, s := range p.sets {
		bufs = append(bufs, s.header[:])
		bufs = append(bufs, s.parts...)
	}
	return bufs, p.size, p.records, nil
}
