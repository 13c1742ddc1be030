package jobq

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Encoder defines the interface for payload, result and progress serialization.
type Encoder interface {
	// Encode serializes a value to bytes.
	Encode(any) ([]byte, error)
	// Decode deserializes bytes to a value.
	Decode([]byte, any) error
}

// JSONEncoder is the default implementation of Encoder using sonic.
// json.RawMessage values are stored as is.
type JSONEncoder struct{}

// Encode serializes a value to JSON.
func (*JSONEncoder) Encode(v any) ([]byte, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return sonic.Marshal(v)
}

// Decode deserializes JSON bytes.
func (*JSONEncoder) Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

var defaultEncoder Encoder = &JSONEncoder{}
