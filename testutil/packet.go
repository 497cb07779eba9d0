package testutil

import (
	"encoding/binary"

	"github.com/c360/ipfixfwd/ipfix"
)

// FieldSpec describes one field specifier of a test template
type FieldSpec struct {
	ID         uint16
	Length     uint16
	Enterprise uint32
}

// F returns an IANA field specifier
func F(id, length uint16) FieldSpec {
	return FieldSpec{ID: id, Length: length}
}

// EF returns an enterprise-specific field specifier
func EF(id, length uint16, enterprise uint32) FieldSpec {
	return FieldSpec{ID: id, Length: length, Enterprise: enterprise}
}

// PacketBuilder builds one raw IPFIX message
type PacketBuilder struct {
	header ipfix.Header
	sets   [][]byte
}

// NewPacket starts a message for the given observation domain
func NewPacket(odid, exportTime, seq uint32) *PacketBuilder {
	return &PacketBuilder{
		header: ipfix.Header{
			Version:        ipfix.Version,
			ExportTime:     exportTime,
			SequenceNumber: seq,
			ODID:           odid,
		},
	}
}

// TemplateRecord encodes a single template record
func TemplateRecord(id uint16, fields ...FieldSpec) []byte {
	b := binary.BigEndian.AppendUint16(nil, id)
	b = binary.BigEndian.AppendUint16(b, uint16(len(fields)))
	return appendFields(b, fields)
}

// OptionsTemplateRecord encodes a single options template record
func OptionsTemplateRecord(id, scope uint16, fields ...FieldSpec) []byte {
	b := binary.BigEndian.AppendUint16(nil, id)
	b = binary.BigEndian.AppendUint16(b, uint16(len(fields)))
	b = binary.BigEndian.AppendUint16(b, scope)
	return appendFields(b, fields)
}

func appendFields(b []byte, fields []FieldSpec) []byte {
	for _, f := range fields {
		id := f.ID
		if f.Enterprise != 0 {
			id |= 0x8000
		}
		b = binary.BigEndian.AppendUint16(b, id)
		b = binary.BigEndian.AppendUint16(b, f.Length)
		if f.Enterprise != 0 {
			b = binary.BigEndian.AppendUint32(b, f.Enterprise)
		}
	}
	return b
}

// Template appends a template set holding one template record
func (p *PacketBuilder) Template(id uint16, fields ...FieldSpec) *PacketBuilder {
	return p.RawSet(ipfix.SetIDTemplate, TemplateRecord(id, fields...))
}

// OptionsTemplate appends an options template set holding one record
func (p *PacketBuilder) OptionsTemplate(id, scope uint16, fields ...FieldSpec) *PacketBuilder {
	return p.RawSet(ipfix.SetIDOptionsTemplate, OptionsTemplateRecord(id, scope, fields...))
}

// Withdraw appends a withdrawal of template id inside a set of setID
func (p *PacketBuilder) Withdraw(setID, id uint16) *PacketBuilder {
	b := binary.BigEndian.AppendUint16(nil, id)
	b = binary.BigEndian.AppendUint16(b, 0)
	return p.RawSet(setID, b)
}

// Data appends a data set made of the given records
func (p *PacketBuilder) Data(setID uint16, records ...[]byte) *PacketBuilder {
	var body []byte
	for _, r := range records {
		body = append(body, r...)
	}
	return p.RawSet(setID, body)
}

// RawSet appends a set with a correct header around body
func (p *PacketBuilder) RawSet(setID uint16, body []byte) *PacketBuilder {
	set := binary.BigEndian.AppendUint16(nil, setID)
	set = binary.BigEndian.AppendUint16(set, uint16(ipfix.SetHeaderLen+len(body)))
	p.sets = append(p.sets, append(set, body...))
	return p
}

// Bytes returns the encoded message with its length filled in
func (p *PacketBuilder) Bytes() []byte {
	size := ipfix.HeaderLen
	for _, s := range p.sets {
		size += len(s)
	}
	out := make([]byte, ipfix.HeaderLen, size)
	h := p.header
	h.Length = uint16(size)
	h.Put(out)
	for _, s := range p.sets {
		out = append(out, s...)
	}
	return out
}

// U32 encodes each value as a four byte record
func U32(values ...uint32) []byte {
	var b []byte
	for _, v := range values {
		b = binary.BigEndian.AppendUint32(b, v)
	}
	return b
}

// Records splits b into records of n bytes each
func Records(b []byte, n int) [][]byte {
	var out [][]byte
	for len(b) >= n {
		out = append(out, b[:n])
		b = b[n:]
	}
	return out
}
