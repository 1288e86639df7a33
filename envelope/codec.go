package envelope

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec defines how backends that store envelopes as opaque blobs
// serialize them.
type Codec interface {
	// Encode serializes an envelope to bytes.
	Encode(e *Envelope) ([]byte, error)

	// Decode deserializes bytes into an envelope.
	Decode(data []byte) (*Envelope, error)

	// Name returns the codec identifier ("json" or "msgpack").
	Name() string
}

// Codec names.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns a codec by name. Defaults to JSON.
func GetCodec(name string) Codec {
	switch name {
	case CodecNameMsgpack:
		return &MsgpackCodec{}
	default:
		return &JSONCodec{}
	}
}

// JSONCodec encodes envelopes as JSON.
type JSONCodec struct{}

func (c *JSONCodec) Encode(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func (c *JSONCodec) Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *JSONCodec) Name() string { return CodecNameJSON }

// MsgpackCodec encodes envelopes as MessagePack.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(e *Envelope) ([]byte, error) {
	return msgpack.Marshal(e)
}

func (c *MsgpackCodec) Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *MsgpackCodec) Name() string { return CodecNameMsgpack }
