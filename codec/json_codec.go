package codec

import (
	"encoding/json"

	"fleet-rpc/message"
)

// JSONCodec is readable on the wire and easy to poke at with a packet dump.
type JSONCodec struct{}

func (c *JSONCodec) Encode(m *message.Message) ([]byte, error) {
	return json.Marshal(m)
}

func (c *JSONCodec) Decode(data []byte, m *message.Message) error {
	return json.Unmarshal(data, m)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
