package cip

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"math"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intellimaint/edge/model"
)

func TestSymbolicPath(t *testing.T) {
	cases := []struct {
		address string
		wantHex string
	}{
		{"Amps", "9104416d7073"},
		{"Motor.Amps", "91054d6f746f72009104416d7073"}, // odd member padded
		{"Tank[3].Level", "910454616e6b280391054c6576656c00"},
		{"Big[300]", "9103426967002900" + "2c01"}, // 16-bit element segment
	}
	for _, c := range cases {
		t.Run(c.address, func(t *testing.T) {
			path, err := symbolicPath(c.address)
			require.NoError(t, err)
			assert.Equal(t, c.wantHex, hex.EncodeToString(path))
		})
	}
}

func TestSymbolicPathRejectsMalformed(t *testing.T) {
	for _, address := range []string{"", "Tank[", "Tank[x]", "Tank[-1]", "[3]"} {
		_, err := symbolicPath(address)
		assert.Error(t, err, address)
	}
}

func TestReadTagRequestGolden(t *testing.T) {
	req, err := readTagRequest("Amps")
	require.NoError(t, err)
	// service 0x4C, path 3 words, ANSI segment "Amps", element count 1
	assert.Equal(t, "4c039104416d70730100", hex.EncodeToString(req))
}

func TestUnconnectedSendGolden(t *testing.T) {
	embedded := []byte{0x4C, 0x02, 0x91, 0x01, 0x41, 0x00, 0x01, 0x00}
	msg := unconnectedSend(embedded, 2)
	want := "5202" + "20062401" + "0a05" + "0800" +
		hex.EncodeToString(embedded) + "0100" + "0102"
	assert.Equal(t, want, hex.EncodeToString(msg))

	// An odd embedded message gets a pad byte before the route.
	odd := unconnectedSend([]byte{0x4C}, 0)
	assert.Equal(t, "5202"+"20062401"+"0a05"+"0100"+"4c"+"00"+"0100"+"0100",
		hex.EncodeToString(odd))
}

func TestDecodeValue(t *testing.T) {
	le16b := func(v uint16) []byte { return []byte{byte(v), byte(v >> 8)} }
	real4 := make([]byte, 4)
	binary.LittleEndian.PutUint32(real4, math.Float32bits(21.5))
	lreal8 := make([]byte, 8)
	binary.LittleEndian.PutUint64(lreal8, math.Float64bits(-0.25))

	cases := []struct {
		name string
		data []byte
		want any
	}{
		{"bool true", append(le16b(typeBOOL), 0xFF), true},
		{"bool false", append(le16b(typeBOOL), 0x00), false},
		{"sint", append(le16b(typeSINT), 0xFE), int8(-2)},
		{"usint", append(le16b(typeUSINT), 0xFE), uint8(254)},
		{"int", append(le16b(typeINT), 0x34, 0x12), int16(0x1234)},
		{"uint", append(le16b(typeUINT), 0xFF, 0xFF), uint16(0xFFFF)},
		{"dint", append(le16b(typeDINT), 0xFF, 0xFF, 0xFF, 0xFF), int32(-1)},
		{"udint", append(le16b(typeUDINT), 0x01, 0x00, 0x00, 0x00), uint32(1)},
		{"lint", append(le16b(typeLINT), 1, 0, 0, 0, 0, 0, 0, 0), int64(1)},
		{"ulint", append(le16b(typeULINT), 2, 0, 0, 0, 0, 0, 0, 0), uint64(2)},
		{"real", append(le16b(typeREAL), real4...), float32(21.5)},
		{"lreal", append(le16b(typeLREAL), lreal8...), -0.25},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			v, err := decodeValue(c.data)
			require.NoError(t, err)
			assert.Equal(t, c.want, v)
		})
	}
}

func TestDecodeValueABString(t *testing.T) {
	// Abbreviated struct: type 0x02A0, handle, then [len:int32-LE][bytes].
	data := []byte{0xA0, 0x02, 0xCE, 0x0F, 0x02, 0x00, 0x00, 0x00, 'O', 'K'}
	v, err := decodeValue(data)
	require.NoError(t, err)
	raw, ok := v.([]byte)
	require.True(t, ok, "string structs pass through as bytes for the type mapper")
	assert.Equal(t, []byte{0x02, 0x00, 0x00, 0x00, 'O', 'K'}, raw)
}

func TestDecodeValueErrors(t *testing.T) {
	_, err := decodeValue([]byte{0xC4})
	assert.Error(t, err, "missing type code")
	_, err = decodeValue([]byte{0xC4, 0x00, 0x01, 0x02})
	assert.Error(t, err, "short DINT payload")
	_, err = decodeValue([]byte{0xD3, 0x00, 0x00})
	assert.Error(t, err, "unsupported type code")
}

func TestStatusErrorMapping(t *testing.T) {
	cases := []struct {
		status   byte
		extended []uint16
		want     model.ErrorKind
	}{
		{0x04, nil, model.KindBadTag},
		{0x05, nil, model.KindBadTag},
		{0x1A, nil, model.KindBadTag},
		{0x01, []uint16{0x0100}, model.KindTooManyConn},
		{0x01, []uint16{0x0113}, model.KindTooManyConn},
		{0x01, []uint16{0x0204}, model.KindUnknown},
		{0xFF, nil, model.KindUnknown},
	}
	for _, c := range cases {
		err := statusError(&cipReply{status: c.status, extended: c.extended})
		assert.Equal(t, c.want, model.ClassifyError(err), "status 0x%02x", c.status)
	}
}

func TestRRDataRoundTrip(t *testing.T) {
	msg := []byte{0x4C, 0x03, 0x91, 0x04, 'A', 'm', 'p', 's', 0x01, 0x00}
	payload := sendRRDataPayload(msg)
	got, err := unpackRRData(payload)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestEncapFrameRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sent := &encapFrame{command: cmdSendRRData, session: 0x1001, payload: []byte{1, 2, 3}}
	go a.Write(sent.marshal())

	got, err := readFrame(b)
	require.NoError(t, err)
	assert.Equal(t, sent.command, got.command)
	assert.Equal(t, sent.session, got.session)
	assert.Equal(t, sent.payload, got.payload)
}

// fakePLC answers RegisterSession and feeds scripted CIP replies to every
// SendRRData request.
type fakePLC struct {
	ln      net.Listener
	replies chan []byte
}

func newFakePLC(t *testing.T) *fakePLC {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &fakePLC{ln: ln, replies: make(chan []byte, 8)}
	go p.serve()
	t.Cleanup(func() { ln.Close() })
	return p
}

func (p *fakePLC) serve() {
	nc, err := p.ln.Accept()
	if err != nil {
		return
	}
	defer nc.Close()
	for {
		f, err := readFrame(nc)
		if err != nil {
			return
		}
		switch f.command {
		case cmdRegisterSession:
			nc.Write((&encapFrame{
				command: cmdRegisterSession,
				session: 0x1001,
				payload: registerSessionPayload(),
			}).marshal())
		case cmdSendRRData:
			reply := <-p.replies
			nc.Write((&encapFrame{
				command: cmdSendRRData,
				session: f.session,
				payload: sendRRDataPayload(reply),
			}).marshal())
		case cmdUnRegisterSession:
			return
		}
	}
}

func (p *fakePLC) endpoint() *model.EndpointDescriptor {
	addr := p.ln.Addr().(*net.TCPAddr)
	return &model.EndpointDescriptor{
		EndpointID: "plc-test",
		Protocol:   "cip",
		Host:       "127.0.0.1",
		Port:       addr.Port,
		Family:     model.FamilyControlLogix,
		Slot:       0,
	}
}

func readReply(status byte, data []byte) []byte {
	out := []byte{svcReadTag | 0x80, 0x00, status, 0x00}
	return append(out, data...)
}

func TestDriverReadBatch(t *testing.T) {
	plc := newFakePLC(t)

	real4 := make([]byte, 4)
	binary.LittleEndian.PutUint32(real4, math.Float32bits(21.5))
	plc.replies <- readReply(0x00, append([]byte{byte(typeREAL), 0x00}, real4...))
	plc.replies <- readReply(0x04, nil) // bad path

	d := New()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := d.Dial(ctx, plc.endpoint())
	require.NoError(t, err)
	defer conn.Close(context.Background())

	tags := []model.TagDescriptor{
		{TagID: "Amps", Address: "Motor.Amps", DeclaredType: "REAL"},
		{TagID: "Ghost", Address: "No.Such"},
	}
	results, err := conn.ReadBatch(ctx, tags)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, float32(21.5), results[0].Value)
	assert.Equal(t, model.QualityGood, results[0].Quality)
	assert.NoError(t, results[0].Err)

	require.Error(t, results[1].Err)
	assert.Equal(t, model.KindBadTag, model.ClassifyError(results[1].Err))
	assert.Equal(t, model.QualityBad, results[1].Quality)
}

func TestDriverDialNoRoute(t *testing.T) {
	d := New()
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := d.Dial(ctx, &model.EndpointDescriptor{
		Host: "127.0.0.1", Port: 1, Family: model.FamilyControlLogix,
	})
	require.Error(t, err)
	assert.Equal(t, model.KindNoRoute, model.ClassifyError(err))
}
