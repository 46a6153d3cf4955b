package codec

import (
	"encoding/json"
)

// JSON encodes values with encoding/json. Numbers decode into float64.
type JSON struct{}

var _ Codec = JSON{}

// Name implements Codec.
func (JSON) Name() string { return "json" }

// Marshal implements Codec. Cycles, channels, functions and NaN fail.
func (JSON) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, marshalError("json", err)
	}
	return data, nil
}

// Unmarshal implements Codec.
func (JSON) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return unmarshalError("json", err)
	}
	return nil
}
