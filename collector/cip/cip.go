package cip

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/intellimaint/edge/model"
)

// CIP service codes.
const (
	svcReadTag         = 0x4C
	svcUnconnectedSend = 0x52
)

// CIP elementary type codes plus the abbreviated structure marker Logix uses
// for STRING.
const (
	typeBOOL   = 0x00C1
	typeSINT   = 0x00C2
	typeINT    = 0x00C3
	typeDINT   = 0x00C4
	typeLINT   = 0x00C5
	typeUSINT  = 0x00C6
	typeUINT   = 0x00C7
	typeUDINT  = 0x00C8
	typeULINT  = 0x00C9
	typeREAL   = 0x00CA
	typeLREAL  = 0x00CB
	typeStruct = 0x02A0
)

// symbolicPath encodes a tag address as an EPATH: ANSI extended symbol
// segments for dotted members, 8/16-bit element segments for [n] indexes.
func symbolicPath(address string) ([]byte, error) {
	if address == "" {
		return nil, fmt.Errorf("empty tag address")
	}
	var path []byte
	for _, part := range strings.Split(address, ".") {
		name := part
		var indexes []int
		for {
			open := strings.IndexByte(name, '[')
			if open < 0 {
				break
			}
			closeIdx := strings.IndexByte(name[open:], ']')
			if closeIdx < 0 {
				return nil, fmt.Errorf("address %q: unterminated index", address)
			}
			idx, err := strconv.Atoi(name[open+1 : open+closeIdx])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("address %q: bad element index", address)
			}
			indexes = append(indexes, idx)
			name = name[:open] + name[open+closeIdx+1:]
		}
		if name == "" {
			return nil, fmt.Errorf("address %q: empty member name", address)
		}
		path = append(path, 0x91, byte(len(name)))
		path = append(path, name...)
		if len(name)%2 == 1 {
			path = append(path, 0x00) // pad to word boundary
		}
		for _, idx := range indexes {
			if idx <= 0xFF {
				path = append(path, 0x28, byte(idx))
			} else {
				path = append(path, 0x29, 0x00, byte(idx), byte(idx>>8))
			}
		}
	}
	return path, nil
}

// readTagRequest builds the Read Tag service request for one element.
func readTagRequest(address string) ([]byte, error) {
	path, err := symbolicPath(address)
	if err != nil {
		return nil, err
	}
	msg := make([]byte, 0, 4+len(path))
	msg = append(msg, svcReadTag, byte(len(path)/2))
	msg = append(msg, path...)
	return le16(msg, 1), nil // element count
}

// unconnectedSend wraps an embedded request for routing through a chassis
// backplane: Connection Manager (class 0x06, instance 1), route [port 1, slot].
func unconnectedSend(embedded []byte, slot int) []byte {
	msg := make([]byte, 0, 16+len(embedded))
	msg = append(msg, svcUnconnectedSend, 0x02, 0x20, 0x06, 0x24, 0x01)
	msg = append(msg, 0x0A, 0x05) // priority/tick time, timeout ticks
	msg = le16(msg, uint16(len(embedded)))
	msg = append(msg, embedded...)
	if len(embedded)%2 == 1 {
		msg = append(msg, 0x00)
	}
	msg = append(msg, 0x01, 0x00) // route path size (words), reserved
	return append(msg, 0x01, byte(slot))
}

// cipReply is a parsed Message Router response.
type cipReply struct {
	service  byte
	status   byte
	extended []uint16
	data     []byte
}

func parseReply(b []byte) (*cipReply, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("cip reply truncated: %d bytes", len(b))
	}
	r := &cipReply{service: b[0] &^ 0x80, status: b[2]}
	extWords := int(b[3])
	if len(b) < 4+2*extWords {
		return nil, fmt.Errorf("cip reply extended status truncated")
	}
	for i := 0; i < extWords; i++ {
		r.extended = append(r.extended, binary.LittleEndian.Uint16(b[4+2*i:]))
	}
	r.data = b[4+2*extWords:]
	return r, nil
}

// statusError maps a non-zero CIP general status into the failure taxonomy.
func statusError(r *cipReply) error {
	err := fmt.Errorf("cip status 0x%02x (ext %v)", r.status, r.extended)
	switch r.status {
	case 0x04, 0x05, 0x1A: // path segment/destination errors: the tag is wrong
		return model.Classified(model.KindBadTag, err)
	case 0x01:
		for _, ext := range r.extended {
			if ext == 0x0100 || ext == 0x0113 {
				return model.Classified(model.KindTooManyConn, err)
			}
		}
	}
	return model.Classified(model.KindUnknown, err)
}

// decodeValue turns a Read Tag reply payload (type code + data) into a raw Go
// value shaped for the type mapper.
func decodeValue(data []byte) (any, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("read reply has no type code")
	}
	code := binary.LittleEndian.Uint16(data[0:2])
	v := data[2:]
	need := func(n int) error {
		if len(v) < n {
			return fmt.Errorf("type 0x%04x: want %d data bytes, have %d", code, n, len(v))
		}
		return nil
	}
	switch code {
	case typeBOOL:
		if err := need(1); err != nil {
			return nil, err
		}
		return v[0] != 0, nil
	case typeSINT:
		if err := need(1); err != nil {
			return nil, err
		}
		return int8(v[0]), nil
	case typeUSINT:
		if err := need(1); err != nil {
			return nil, err
		}
		return v[0], nil
	case typeINT:
		if err := need(2); err != nil {
			return nil, err
		}
		return int16(binary.LittleEndian.Uint16(v)), nil
	case typeUINT:
		if err := need(2); err != nil {
			return nil, err
		}
		return binary.LittleEndian.Uint16(v), nil
	case typeDINT:
		if err := need(4); err != nil {
			return nil, err
		}
		return int32(binary.LittleEndian.Uint32(v)), nil
	case typeUDINT:
		if err := need(4); err != nil {
			return nil, err
		}
		return binary.LittleEndian.Uint32(v), nil
	case typeLINT:
		if err := need(8); err != nil {
			return nil, err
		}
		return int64(binary.LittleEndian.Uint64(v)), nil
	case typeULINT:
		if err := need(8); err != nil {
			return nil, err
		}
		return binary.LittleEndian.Uint64(v), nil
	case typeREAL:
		if err := need(4); err != nil {
			return nil, err
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(v)), nil
	case typeLREAL:
		if err := need(8); err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(v)), nil
	case typeStruct:
		// Abbreviated structure: 2-byte handle, then the member data. For
		// STRING that is [len:int32-LE][bytes]; the type mapper decodes it.
		if err := need(2); err != nil {
			return nil, err
		}
		return v[2:], nil
	}
	return nil, fmt.Errorf("unsupported cip type 0x%04x", code)
}
