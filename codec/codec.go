// Package codec encodes message envelopes into frame bodies.
package codec

import (
	"fmt"

	"fleet-rpc/message"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	default:
		return fmt.Sprintf("codec(%d)", byte(t))
	}
}

type Codec interface {
	Encode(m *message.Message) ([]byte, error)
	Decode(data []byte, m *message.Message) error
	Type() CodecType
}

var (
	jsonCodec   = &JSONCodec{}
	binaryCodec = &BinaryCodec{}
)

// GetCodec returns the codec registered for t.
func GetCodec(t CodecType) (Codec, error) {
	switch t {
	case CodecTypeJSON:
		return jsonCodec, nil
	case CodecTypeBinary:
		return binaryCodec, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec type %d", byte(t))
	}
}

// ParseCodecType maps a configuration name to a CodecType.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "", "json":
		return CodecTypeJSON, nil
	case "binary":
		return CodecTypeBinary, nil
	default:
		return 0, fmt.Errorf("codec: unknown codec %q", name)
	}
}
