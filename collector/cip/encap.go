package cip

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/intellimaint/edge/model"
)

// EtherNet/IP encapsulation commands.
const (
	cmdRegisterSession   = 0x0065
	cmdUnRegisterSession = 0x0066
	cmdSendRRData        = 0x006F
)

// Common Packet Format item types.
const (
	itemNullAddress     = 0x0000
	itemUnconnectedData = 0x00B2
)

const encapHeaderLen = 24

// encapFrame is one EtherNet/IP encapsulation packet. The sender context is
// echoed by the device; we leave it zero.
type encapFrame struct {
	command uint16
	session uint32
	status  uint32
	payload []byte
}

func (f *encapFrame) marshal() []byte {
	buf := make([]byte, encapHeaderLen+len(f.payload))
	binary.LittleEndian.PutUint16(buf[0:2], f.command)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(f.payload)))
	binary.LittleEndian.PutUint32(buf[4:8], f.session)
	binary.LittleEndian.PutUint32(buf[8:12], f.status)
	// bytes 12..20: sender context, 20..24: options, both zero
	copy(buf[encapHeaderLen:], f.payload)
	return buf
}

// readFrame reads one encapsulation packet off the wire.
func readFrame(r io.Reader) (*encapFrame, error) {
	hdr := make([]byte, encapHeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	f := &encapFrame{
		command: binary.LittleEndian.Uint16(hdr[0:2]),
		session: binary.LittleEndian.Uint32(hdr[4:8]),
		status:  binary.LittleEndian.Uint32(hdr[8:12]),
	}
	n := int(binary.LittleEndian.Uint16(hdr[2:4]))
	if n > 0 {
		f.payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.payload); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// registerSessionPayload is the fixed RegisterSession body: protocol
// version 1, options 0.
func registerSessionPayload() []byte {
	return []byte{0x01, 0x00, 0x00, 0x00}
}

// sendRRDataPayload wraps a CIP message in the Common Packet Format: null
// address item plus one unconnected data item.
func sendRRDataPayload(cipMsg []byte) []byte {
	buf := make([]byte, 0, 16+len(cipMsg))
	buf = append(buf, 0, 0, 0, 0) // interface handle 0 = CIP
	buf = append(buf, 0, 0)       // encap timeout, unused for unconnected
	buf = le16(buf, 2)            // item count
	buf = le16(buf, itemNullAddress)
	buf = le16(buf, 0)
	buf = le16(buf, itemUnconnectedData)
	buf = le16(buf, uint16(len(cipMsg)))
	return append(buf, cipMsg...)
}

// unpackRRData extracts the CIP message from a SendRRData reply.
func unpackRRData(payload []byte) ([]byte, error) {
	if len(payload) < 8 {
		return nil, fmt.Errorf("rrdata reply truncated: %d bytes", len(payload))
	}
	count := int(binary.LittleEndian.Uint16(payload[6:8]))
	rest := payload[8:]
	for i := 0; i < count; i++ {
		if len(rest) < 4 {
			return nil, fmt.Errorf("rrdata item %d truncated", i)
		}
		typ := binary.LittleEndian.Uint16(rest[0:2])
		n := int(binary.LittleEndian.Uint16(rest[2:4]))
		if len(rest) < 4+n {
			return nil, fmt.Errorf("rrdata item %d short: want %d bytes", i, n)
		}
		if typ == itemUnconnectedData {
			return rest[4 : 4+n], nil
		}
		rest = rest[4+n:]
	}
	return nil, fmt.Errorf("rrdata reply has no unconnected data item")
}

// exchange writes one frame and reads the matching reply. Encapsulation-level
// failures are connection failures, never per-tag ones.
func exchange(nc net.Conn, f *encapFrame) (*encapFrame, error) {
	if _, err := nc.Write(f.marshal()); err != nil {
		return nil, classifyNetErr(err)
	}
	reply, err := readFrame(nc)
	if err != nil {
		return nil, classifyNetErr(err)
	}
	if reply.status != 0 {
		return nil, model.Classified(model.KindNoRoute,
			fmt.Errorf("encapsulation status 0x%08x", reply.status))
	}
	return reply, nil
}

func classifyNetErr(err error) error {
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return model.Classified(model.KindTimeout, err)
	}
	return model.Classified(model.KindNoRoute, err)
}

func le16(b []byte, v uint16) []byte {
	return append(b, byte(v), byte(v>>8))
}
