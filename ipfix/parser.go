package ipfix

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/ipfixfwd/errors"
)

type domainKey struct {
	session uint64
	odid    uint32
}

// Parser decodes raw IPFIX packets and keeps template state per
// (session, ODID). It is safe for concurrent use by several listeners.
type Parser struct {
	mu       sync.Mutex
	domains  map[domainKey]*TemplateManager
	sessions map[uint64][]uint32
	logger   *slog.Logger
}

// NewParser creates a parser. A nil logger falls back to slog.Default.
func NewParser(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default().With("component", "ipfix-parser")
	}
	return &Parser{
		domains:  make(map[domainKey]*TemplateManager),
		sessions: make(map[uint64][]uint32),
		logger:   logger,
	}
}

// Parse decodes one packet received on session. Template sets update the
// session's template state before any data set that follows them in the same
// packet is decoded. Data sets referencing an unknown template are kept in
// Sets but contribute no records.
func (p *Parser) Parse(session *Session, raw []byte) (*Message, error) {
	if session == nil {
		return nil, errors.WrapInvalid(errors.ErrUnknownSession, "Parser", "Parse", "session check")
	}

	hdr, err := ParseHeader(raw)
	if err != nil {
		return nil, err
	}
	if hdr.Version != Version {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: version %d", errors.ErrUnsupported, hdr.Version),
			"Parser", "Parse", "version check")
	}
	if int(hdr.Length) < HeaderLen || int(hdr.Length) > len(raw) {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: declared length %d, captured %d", errors.ErrMalformedMessage, hdr.Length, len(raw)),
			"Parser", "Parse", "length check")
	}

	msg := &Message{
		Session: session,
		Header:  hdr,
		Raw:     raw[:hdr.Length],
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	manager := p.manager(session.ID, hdr.ODID)

	for off := HeaderLen; off < len(msg.Raw); {
		if len(msg.Raw)-off < SetHeaderLen {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %d trailing bytes", errors.ErrMalformedMessage, len(msg.Raw)-off),
				"Parser", "Parse", "set header")
		}
		id := binary.BigEndian.Uint16(msg.Raw[off : off+2])
		length := int(binary.BigEndian.Uint16(msg.Raw[off+2 : off+4]))
		if length < SetHeaderLen || off+length > len(msg.Raw) {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: set %d at offset %d declares %d bytes", errors.ErrMalformedMessage, id, off, length),
				"Parser", "Parse", "set bounds check")
		}

		index := len(msg.Sets)
		msg.Sets = append(msg.Sets, Set{ID: id, Offset: off, Length: length})
		body := msg.Raw[off+SetHeaderLen : off+length]

		switch {
		case id == SetIDTemplate || id == SetIDOptionsTemplate:
			typ := TemplateData
			if id == SetIDOptionsTemplate {
				typ = TemplateOptions
			}
			if err := p.parseTemplateSet(manager, body, typ); err != nil {
				return nil, err
			}
		case id >= SetIDMinData:
			if err := p.parseDataSet(msg, manager.Snapshot(), index, off+SetHeaderLen, body); err != nil {
				return nil, err
			}
		default:
			p.logger.Debug("Skipping reserved set", "set_id", id, "session", session.String())
		}

		off += length
	}

	return msg, nil
}

func (p *Parser) parseTemplateSet(manager *TemplateManager, body []byte, typ TemplateType) error {
	var records []templateRecord
	// Anything shorter than a withdrawal record is padding
	for off := 0; len(body)-off >= 4; {
		rec, n, err := parseTemplateRecord(body[off:], typ)
		if err != nil {
			return err
		}
		records = append(records, rec)
		off += n
	}
	manager.apply(records)
	return nil
}

func (p *Parser) parseDataSet(msg *Message, snap *Snapshot, index, base int, body []byte) error {
	id := msg.Sets[index].ID
	tmpl := snap.Get(id)
	if tmpl == nil {
		p.logger.Debug("Data set without template",
			"set_id", id, "odid", msg.Header.ODID, "session", msg.Session.String())
		return nil
	}

	for off := 0; len(body)-off >= tmpl.MinRecordLength; {
		n, err := tmpl.recordLength(body[off:])
		if err != nil {
			return err
		}
		msg.Records = append(msg.Records, Record{
			SetIndex: index,
			Offset:   base + off,
			Length:   n,
			Template: tmpl,
			Snapshot: snap,
		})
		off += n
	}
	return nil
}

func (p *Parser) manager(session uint64, odid uint32) *TemplateManager {
	key := domainKey{session: session, odid: odid}
	m, ok := p.domains[key]
	if !ok {
		m = NewTemplateManager()
		p.domains[key] = m
		p.sessions[session] = append(p.sessions[session], odid)
	}
	return m
}

// Snapshot returns the current snapshot of (session, odid), or nil when the
// parser has never seen that domain.
func (p *Parser) Snapshot(session *Session, odid uint32) *Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.domains[domainKey{session: session.ID, odid: odid}]; ok {
		return m.Snapshot()
	}
	return nil
}

// CloseSession drops all template state of session
func (p *Parser) CloseSession(session *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, odid := range p.sessions[session.ID] {
		delete(p.domains, domainKey{session: session.ID, odid: odid})
	}
	delete(p.sessions, session.ID)
}
