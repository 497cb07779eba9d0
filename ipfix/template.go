package ipfix

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/c360/ipfixfwd/errors"
)

// TemplateType distinguishes data templates from options templates
type TemplateType int

const (
	TemplateData TemplateType = iota
	TemplateOptions
)

// String returns the string representation of TemplateType
func (t TemplateType) String() string {
	switch t {
	case TemplateData:
		return "data"
	case TemplateOptions:
		return "options"
	default:
		return "unknown"
	}
}

// SetID returns the set ID carrying templates of this type
func (t TemplateType) SetID() uint16 {
	if t == TemplateOptions {
		return SetIDOptionsTemplate
	}
	return SetIDTemplate
}

// Field is one field specifier of a template
type Field struct {
	ID         uint16
	Length     uint16
	Enterprise uint32
}

// Template is a parsed (options) template record. Raw holds the record as it
// appeared on the wire so it can be re-emitted unchanged.
type Template struct {
	ID         uint16
	Type       TemplateType
	ScopeCount uint16
	Fields     []Field
	Raw        []byte

	// MinRecordLength counts one byte for every variable-length field
	MinRecordLength int
	Variable        bool
}

// Equal reports whether t and other describe the same wire definition
func (t *Template) Equal(other *Template) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.Type == other.Type && bytes.Equal(t.Raw, other.Raw)
}

// templateRecord is either a definition or a withdrawal decoded from a
// template set
type templateRecord struct {
	id       uint16
	withdraw bool
	tmpl     *Template
}

// parseTemplateRecord decodes one record at the start of b. It returns the
// number of bytes consumed.
func parseTemplateRecord(b []byte, typ TemplateType) (templateRecord, int, error) {
	if len(b) < 4 {
		return templateRecord{}, 0, malformed("template record header truncated")
	}

	id := binary.BigEndian.Uint16(b[0:2])
	count := binary.BigEndian.Uint16(b[2:4])

	if count == 0 {
		return templateRecord{id: id, withdraw: true}, 4, nil
	}
	if id < SetIDMinData {
		return templateRecord{}, 0, malformed(fmt.Sprintf("template ID %d below %d", id, SetIDMinData))
	}

	off := 4
	var scope uint16
	if typ == TemplateOptions {
		if len(b) < 6 {
			return templateRecord{}, 0, malformed("options template header truncated")
		}
		scope = binary.BigEndian.Uint16(b[4:6])
		if scope == 0 || scope > count {
			return templateRecord{}, 0, malformed(fmt.Sprintf("options template %d scope count %d", id, scope))
		}
		off = 6
	}

	t := &Template{
		ID:         id,
		Type:       typ,
		ScopeCount: scope,
		Fields:     make([]Field, 0, count),
	}

	for i := 0; i < int(count); i++ {
		if len(b) < off+4 {
			return templateRecord{}, 0, malformed(fmt.Sprintf("template %d field %d truncated", id, i))
		}
		f := Field{
			ID:     binary.BigEndian.Uint16(b[off : off+2]),
			Length: binary.BigEndian.Uint16(b[off+2 : off+4]),
		}
		off += 4
		if f.ID&0x8000 != 0 {
			if len(b) < off+4 {
				return templateRecord{}, 0, malformed(fmt.Sprintf("template %d enterprise number truncated", id))
			}
			f.ID &= 0x7fff
			f.Enterprise = binary.BigEndian.Uint32(b[off : off+4])
			off += 4
		}

		if f.Length == VariableLength {
			t.Variable = true
			t.MinRecordLength++
		} else {
			t.MinRecordLength += int(f.Length)
		}
		t.Fields = append(t.Fields, f)
	}

	if t.MinRecordLength == 0 {
		return templateRecord{}, 0, malformed(fmt.Sprintf("template %d describes empty records", id))
	}

	t.Raw = append([]byte(nil), b[:off]...)
	return templateRecord{id: id, tmpl: t}, off, nil
}

// recordLength returns the length of the record at the start of data
func (t *Template) recordLength(data []byte) (int, error) {
	if !t.Variable {
		if len(data) < t.MinRecordLength {
			return 0, malformed(fmt.Sprintf("record of template %d truncated", t.ID))
		}
		return t.MinRecordLength, nil
	}

	off := 0
	for _, f := range t.Fields {
		if f.Length != VariableLength {
			off += int(f.Length)
			continue
		}
		if off >= len(data) {
			return 0, malformed(fmt.Sprintf("record of template %d truncated", t.ID))
		}
		n := int(data[off])
		off++
		if n == 255 {
			if off+2 > len(data) {
				return 0, malformed(fmt.Sprintf("record of template %d truncated", t.ID))
			}
			n = int(binary.BigEndian.Uint16(data[off : off+2]))
			off += 2
		}
		off += n
	}
	if off > len(data) {
		return 0, malformed(fmt.Sprintf("record of template %d overruns its set", t.ID))
	}
	return off, nil
}

func malformed(detail string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrMalformedMessage, detail),
		"ipfix", "Parse", "template decoding")
}
