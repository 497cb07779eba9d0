package ipfix_test

import (
	"encoding/binary"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ipfixfwd/errors"
	"github.com/c360/ipfixfwd/ipfix"
	"github.com/c360/ipfixfwd/testutil"
)

func newSession(id uint64) *ipfix.Session {
	return &ipfix.Session{ID: id, Transport: ipfix.TransportUDP, Remote: "192.0.2.1:4739"}
}

func templateIDs(s *ipfix.Snapshot) []uint16 {
	var ids []uint16
	for t := range s.All() {
		ids = append(ids, t.ID)
	}
	return ids
}

func TestParse_TemplateThenData(t *testing.T) {
	p := ipfix.NewParser(nil)
	sess := newSession(1)

	raw := testutil.NewPacket(7, 1000, 0).
		Template(256, testutil.F(8, 4), testutil.F(12, 4)).
		Data(256, testutil.U32(1, 2), testutil.U32(3, 4)).
		Bytes()

	msg, err := p.Parse(sess, raw)
	require.NoError(t, err)

	assert.Equal(t, ipfix.KindData, msg.Kind())
	assert.Equal(t, uint32(7), msg.Header.ODID)
	assert.Equal(t, uint32(1000), msg.Header.ExportTime)
	require.Len(t, msg.Sets, 2)
	assert.Equal(t, ipfix.SetIDTemplate, msg.Sets[0].ID)
	assert.True(t, msg.Sets[1].IsData())
	require.Len(t, msg.Records, 2)
	assert.Equal(t, 2, msg.RecordsInSet(1))
	assert.Equal(t, 0, msg.RecordsInSet(0))

	snap := msg.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, 1, snap.Len())
	assert.Same(t, snap, p.Snapshot(sess, 7))
	assert.Equal(t, uint32(3), binary.BigEndian.Uint32(msg.Raw[msg.Records[1].Offset:]))
}

func TestParse_DataWithoutTemplate(t *testing.T) {
	p := ipfix.NewParser(nil)

	raw := testutil.NewPacket(1, 0, 0).Data(300, testutil.U32(1)).Bytes()
	msg, err := p.Parse(newSession(1), raw)
	require.NoError(t, err)

	assert.Len(t, msg.Sets, 1)
	assert.Empty(t, msg.Records)
	assert.Nil(t, msg.Snapshot())
}

func TestParse_IdenticalRefreshKeepsSnapshot(t *testing.T) {
	p := ipfix.NewParser(nil)
	sess := newSession(1)

	first, err := p.Parse(sess, testutil.NewPacket(1, 0, 0).
		Template(256, testutil.F(8, 4)).
		Data(256, testutil.U32(1)).Bytes())
	require.NoError(t, err)

	second, err := p.Parse(sess, testutil.NewPacket(1, 0, 1).
		Template(256, testutil.F(8, 4)).
		Data(256, testutil.U32(2)).Bytes())
	require.NoError(t, err)

	assert.Same(t, first.Snapshot(), second.Snapshot())

	third, err := p.Parse(sess, testutil.NewPacket(1, 0, 2).
		Template(256, testutil.F(8, 4), testutil.F(7, 2)).
		Data(256, []byte{0, 0, 0, 1, 0, 80}).Bytes())
	require.NoError(t, err)

	assert.NotSame(t, first.Snapshot(), third.Snapshot())
	assert.Equal(t, 6, third.Records[0].Length)
}

func TestParse_SnapshotsAreIsolatedPerDomain(t *testing.T) {
	p := ipfix.NewParser(nil)
	a, b := newSession(1), newSession(2)

	_, err := p.Parse(a, testutil.NewPacket(1, 0, 0).Template(256, testutil.F(8, 4)).Bytes())
	require.NoError(t, err)

	msg, err := p.Parse(b, testutil.NewPacket(1, 0, 0).Data(256, testutil.U32(1)).Bytes())
	require.NoError(t, err)
	assert.Empty(t, msg.Records)

	msg, err = p.Parse(a, testutil.NewPacket(2, 0, 0).Data(256, testutil.U32(1)).Bytes())
	require.NoError(t, err)
	assert.Empty(t, msg.Records, "templates are scoped by ODID")
}

func TestParse_Withdrawal(t *testing.T) {
	p := ipfix.NewParser(nil)
	sess := newSession(1)

	_, err := p.Parse(sess, testutil.NewPacket(1, 0, 0).
		Template(256, testutil.F(8, 4)).
		Template(257, testutil.F(12, 4)).
		OptionsTemplate(258, 1, testutil.F(149, 4), testutil.F(41, 8)).
		Bytes())
	require.NoError(t, err)
	assert.Equal(t, []uint16{256, 257, 258}, templateIDs(p.Snapshot(sess, 1)))

	_, err = p.Parse(sess, testutil.NewPacket(1, 0, 0).Withdraw(ipfix.SetIDTemplate, 256).Bytes())
	require.NoError(t, err)
	assert.Equal(t, []uint16{257, 258}, templateIDs(p.Snapshot(sess, 1)))

	_, err = p.Parse(sess, testutil.NewPacket(1, 0, 0).
		Withdraw(ipfix.SetIDTemplate, ipfix.SetIDTemplate).Bytes())
	require.NoError(t, err)
	assert.Equal(t, []uint16{258}, templateIDs(p.Snapshot(sess, 1)))

	before := p.Snapshot(sess, 1)
	_, err = p.Parse(sess, testutil.NewPacket(1, 0, 0).Withdraw(ipfix.SetIDTemplate, 999).Bytes())
	require.NoError(t, err)
	assert.Same(t, before, p.Snapshot(sess, 1), "withdrawing an unknown template changes nothing")
}

func TestParse_OptionsTemplate(t *testing.T) {
	p := ipfix.NewParser(nil)
	sess := newSession(1)

	msg, err := p.Parse(sess, testutil.NewPacket(1, 0, 0).
		OptionsTemplate(400, 1, testutil.F(149, 4), testutil.EF(100, 2, 9)).
		Data(400, []byte{0, 0, 0, 1, 0, 2}).
		Bytes())
	require.NoError(t, err)

	tmpl := msg.Snapshot().Get(400)
	require.NotNil(t, tmpl)
	assert.Equal(t, ipfix.TemplateOptions, tmpl.Type)
	assert.Equal(t, uint16(1), tmpl.ScopeCount)
	assert.Equal(t, uint32(9), tmpl.Fields[1].Enterprise)
	assert.Equal(t, 6, tmpl.MinRecordLength)
	assert.Equal(t, ipfix.SetIDOptionsTemplate, tmpl.Type.SetID())
	assert.Len(t, msg.Records, 1)
}

func TestParse_VariableLengthRecords(t *testing.T) {
	p := ipfix.NewParser(nil)

	long := make([]byte, 300)
	rec1 := append([]byte{0, 1, 3}, "abc"...)
	rec2 := append([]byte{0, 2, 255, 0x01, 0x2c}, long...)

	msg, err := p.Parse(newSession(1), testutil.NewPacket(1, 0, 0).
		Template(256, testutil.F(7, 2), testutil.F(82, ipfix.VariableLength)).
		Data(256, rec1, rec2).
		Bytes())
	require.NoError(t, err)

	require.Len(t, msg.Records, 2)
	assert.Equal(t, 6, msg.Records[0].Length)
	assert.Equal(t, 305, msg.Records[1].Length)
	assert.True(t, msg.Records[0].Template.Variable)
}

func TestParse_PaddingIsIgnored(t *testing.T) {
	p := ipfix.NewParser(nil)

	msg, err := p.Parse(newSession(1), testutil.NewPacket(1, 0, 0).
		Template(256, testutil.F(8, 4)).
		Data(256, testutil.U32(1), []byte{0, 0}).
		Bytes())
	require.NoError(t, err)
	assert.Len(t, msg.Records, 1)
}

func TestParse_Errors(t *testing.T) {
	valid := testutil.NewPacket(1, 0, 0).Data(256, testutil.U32(1)).Bytes()

	tests := []struct {
		name string
		raw  func() []byte
	}{
		{"short header", func() []byte { return valid[:10] }},
		{"wrong version", func() []byte {
			b := slices.Clone(valid)
			binary.BigEndian.PutUint16(b[0:2], 9)
			return b
		}},
		{"length beyond capture", func() []byte {
			b := slices.Clone(valid)
			binary.BigEndian.PutUint16(b[2:4], uint16(len(b)+10))
			return b
		}},
		{"set overruns message", func() []byte {
			b := slices.Clone(valid)
			binary.BigEndian.PutUint16(b[18:20], 200)
			return b
		}},
		{"set shorter than its header", func() []byte {
			b := slices.Clone(valid)
			binary.BigEndian.PutUint16(b[18:20], 2)
			return b
		}},
		{"trailing bytes", func() []byte {
			b := append(slices.Clone(valid), 0, 0)
			binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
			return b
		}},
		{"template with reserved id", func() []byte {
			return testutil.NewPacket(1, 0, 0).Template(100, testutil.F(8, 4)).Bytes()
		}},
		{"truncated template", func() []byte {
			return testutil.NewPacket(1, 0, 0).RawSet(ipfix.SetIDTemplate, []byte{1, 0, 0, 2, 0, 8}).Bytes()
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ipfix.NewParser(nil).Parse(newSession(1), tt.raw())
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestParse_TrimsToDeclaredLength(t *testing.T) {
	raw := testutil.NewPacket(1, 0, 0).Data(256, testutil.U32(1)).Bytes()
	padded := append(slices.Clone(raw), 0xde, 0xad)

	msg, err := ipfix.NewParser(nil).Parse(newSession(1), padded)
	require.NoError(t, err)
	assert.Len(t, msg.Raw, len(raw))
	assert.Equal(t, len(raw), msg.End())
}

func TestCloseSession(t *testing.T) {
	p := ipfix.NewParser(nil)
	sess := newSession(1)

	_, err := p.Parse(sess, testutil.NewPacket(1, 0, 0).Template(256, testutil.F(8, 4)).Bytes())
	require.NoError(t, err)
	require.NotNil(t, p.Snapshot(sess, 1))

	p.CloseSession(sess)
	assert.Nil(t, p.Snapshot(sess, 1))

	msg, err := p.Parse(sess, testutil.NewPacket(1, 0, 0).Data(256, testutil.U32(1)).Bytes())
	require.NoError(t, err)
	assert.Empty(t, msg.Records)
}

func TestSnapshot_AllIsRestartable(t *testing.T) {
	p := ipfix.NewParser(nil)
	sess := newSession(1)
	_, err := p.Parse(sess, testutil.NewPacket(1, 0, 0).
		Template(300, testutil.F(8, 4)).
		Template(256, testutil.F(12, 4)).
		Bytes())
	require.NoError(t, err)

	snap := p.Snapshot(sess, 1)
	assert.Equal(t, []uint16{256, 300}, templateIDs(snap))
	assert.Equal(t, []uint16{256, 300}, templateIDs(snap))

	for tmpl := range snap.All() {
		assert.Equal(t, uint16(256), tmpl.ID)
		break
	}

	var nilSnap *ipfix.Snapshot
	assert.Empty(t, templateIDs(nilSnap))
	assert.Nil(t, nilSnap.Get(256))
}

func TestHeader_PutRoundTrip(t *testing.T) {
	h := ipfix.Header{Version: ipfix.Version, Length: 40, ExportTime: 5, SequenceNumber: 6, ODID: 7}
	b := make([]byte, ipfix.HeaderLen)
	h.Put(b)

	got, err := ipfix.ParseHeader(b)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}
