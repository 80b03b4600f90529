// Package protocol implements the binary frame format shared by the node's RPC
// server and the registry client.
//
// A frame is a fixed 14-byte header followed by BodyLen bytes of body. The header
// tells the reader exactly how much to read next, which is what keeps frames
// apart on a TCP byte stream.
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ frp  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Version    byte = 0x01
	HeaderSize int  = 14

	// MaxBodyLen bounds a single frame so a corrupt length field cannot make
	// the reader allocate gigabytes.
	MaxBodyLen uint32 = 16 << 20
)

var magic = [3]byte{'f', 'r', 'p'}

// MsgType distinguishes request, response and keepalive frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0
	MsgTypeResponse  MsgType = 1
	MsgTypeKeepalive MsgType = 2
)

func (t MsgType) valid() bool {
	return t == MsgTypeRequest || t == MsgTypeResponse || t == MsgTypeKeepalive
}

// Codec identifiers carried in the header. They mirror codec.CodecType; the
// codec package imports message, so the constants live here too.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

var (
	ErrBadMagic       = errors.New("protocol: invalid magic number")
	ErrBodyTooLarge   = errors.New("protocol: frame body too large")
	ErrUnknownVersion = errors.New("protocol: unsupported version")
)

// Header is the fixed part of every frame.
type Header struct {
	CodecType byte
	MsgType   MsgType
	Seq       uint32 // pairs a response with its request
	BodyLen   uint32
}

// Encode writes header and body as one frame. Callers sharing w between
// goroutines must serialize calls themselves.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) > MaxBodyLen {
		return ErrBodyTooLarge
	}
	buf := make([]byte, HeaderSize+len(body))
	copy(buf[0:3], magic[:])
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	// One write per frame keeps a frame contiguous even on writers that are
	// not buffered.
	_, err := w.Write(buf)
	return err
}

// Decode reads exactly one frame from r.
func Decode(r io.Reader) (*Header, []byte, error) {
	var hb [HeaderSize]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		return nil, nil, err
	}
	if hb[0] != magic[0] || hb[1] != magic[1] || hb[2] != magic[2] {
		return nil, nil, fmt.Errorf("%w: %x", ErrBadMagic, hb[0:3])
	}
	if hb[3] != Version {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownVersion, hb[3])
	}
	if hb[4] != CodecTypeJSON && hb[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("protocol: unsupported codec type %d", hb[4])
	}
	msgType := MsgType(hb[5])
	if !msgType.valid() {
		return nil, nil, fmt.Errorf("protocol: unsupported message type %d", hb[5])
	}

	h := &Header{
		CodecType: hb[4],
		MsgType:   msgType,
		Seq:       binary.BigEndian.Uint32(hb[6:10]),
		BodyLen:   binary.BigEndian.Uint32(hb[10:14]),
	}
	if h.BodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, h.BodyLen)
	}

	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return h, body, nil
}
