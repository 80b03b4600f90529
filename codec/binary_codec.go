package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"fleet-rpc/message"
)

// BinaryCodec writes each field as a big-endian length prefix followed by its bytes:
//
//	method(u16) code(u16) error(u16) payload(u32)
type BinaryCodec struct{}

var errShortBuffer = errors.New("codec: binary message truncated")

func (c *BinaryCodec) Encode(m *message.Message) ([]byte, error) {
	for _, s := range []string{m.Method, m.Code, m.Error} {
		if len(s) > math.MaxUint16 {
			return nil, fmt.Errorf("codec: field of %d bytes exceeds binary limit", len(s))
		}
	}
	if uint64(len(m.Payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("codec: payload of %d bytes exceeds binary limit", len(m.Payload))
	}

	buf := make([]byte, 0, 2+len(m.Method)+2+len(m.Code)+2+len(m.Error)+4+len(m.Payload))
	buf = appendString(buf, m.Method)
	buf = appendString(buf, m.Code)
	buf = appendString(buf, m.Error)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Payload)))
	buf = append(buf, m.Payload...)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, m *message.Message) error {
	r := reader{data: data}
	m.Method = r.string()
	m.Code = r.string()
	m.Error = r.string()
	n := r.uint32()
	payload := r.bytes(int(n))
	if r.err != nil {
		return r.err
	}
	m.Payload = append([]byte(nil), payload...)
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// reader records the first short read and turns every later read into a no-op.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = errShortBuffer
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) uint32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) string() string {
	b := r.bytes(2)
	if b == nil {
		return ""
	}
	return string(r.bytes(int(binary.BigEndian.Uint16(b))))
}
