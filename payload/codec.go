package payload

import (
	"bytes"
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec defines the serialization contract for data maps.
type Codec interface {
	// Encode serializes a map to bytes.
	Encode(m DataMap) ([]byte, error)

	// Decode deserializes bytes into a map.
	Decode(data []byte) (DataMap, error)

	// Name returns the codec identifier.
	Name() string
}

// Codec names.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns a codec by name. Unknown names fall back to JSON.
func GetCodec(name string) Codec {
	switch name {
	case CodecNameMsgpack:
		return &MsgpackCodec{}
	default:
		return &JSONCodec{}
	}
}

// Default returns the codec used by Encode.
func Default() Codec { return &JSONCodec{} }

// Detect picks the codec that wrote data. JSON objects start with '{';
// anything else is treated as MessagePack.
func Detect(data []byte) Codec {
	if trimmed := bytes.TrimLeft(data, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '{' {
		return &JSONCodec{}
	}
	return &MsgpackCodec{}
}

// JSONCodec encodes data maps as JSON objects.
type JSONCodec struct{}

func (c *JSONCodec) Encode(m DataMap) ([]byte, error) {
	if m == nil {
		m = DataMap{}
	}
	return json.Marshal(m)
}

func (c *JSONCodec) Decode(data []byte) (DataMap, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m DataMap
	if err := dec.Decode(&m); err != nil {
		return nil, corrupt(CodecNameJSON, err)
	}
	if m == nil {
		m = DataMap{}
	}
	return m, nil
}

func (c *JSONCodec) Name() string { return CodecNameJSON }

// MsgpackCodec encodes data maps as MessagePack maps.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(m DataMap) ([]byte, error) {
	if m == nil {
		m = DataMap{}
	}
	return msgpack.Marshal(map[string]any(m))
}

func (c *MsgpackCodec) Decode(data []byte) (DataMap, error) {
	var m map[string]any
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, corrupt(CodecNameMsgpack, err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return DataMap(m), nil
}

func (c *MsgpackCodec) Name() string { return CodecNameMsgpack }
