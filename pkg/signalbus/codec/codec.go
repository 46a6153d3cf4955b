// Package codec serializes signalbus payloads for network transports.
//
// Two codecs are provided: JSON (encoding/json) and MessagePack
// (vmihailenco/msgpack). Every failure is wrapped in *errors.CodecError.
package codec

import (
	"fmt"
	"strings"

	sberrors "github.com/randalmurphal/signalbus/pkg/signalbus/errors"
)

// Codec converts values to and from bytes.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Name identifies the codec ("json", "msgpack").
	Name() string

	// Marshal encodes v. Values with non-encodable members fail with *errors.CodecError.
	Marshal(v any) ([]byte, error)

	// Unmarshal decodes data into v. Malformed input fails with *errors.CodecError.
	Unmarshal(data []byte, v any) error
}

// Envelope is the wire unit exchanged by network transports.
type Envelope struct {
	Event string `json:"event" msgpack:"event"`
	From  string `json:"from,omitempty" msgpack:"from,omitempty"`
	Args  []any  `json:"args" msgpack:"args"`
}

// ByName returns the codec registered under name. An empty name selects JSON.
func ByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSON{}, nil
	case "msgpack", "messagepack":
		return Msgpack{}, nil
	default:
		return nil, sberrors.Invalid("codec", fmt.Sprintf("unknown codec %q", name))
	}
}

// RoundTrip encodes and decodes args so in-process delivery observes the
// same value shapes as a network hop (numbers become float64 under JSON,
// structs become maps).
func RoundTrip(c Codec, args []any) ([]any, error) {
	data, err := c.Marshal(args)
	if err != nil {
		return nil, err
	}
	var out []any
	if err := c.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func marshalError(codec string, err error) error {
	return &sberrors.CodecError{Op: "marshal", Codec: codec, Err: err}
}

func unmarshalError(codec string, err error) error {
	return &sberrors.CodecError{Op: "unmarshal", Codec: codec, Err: err}
}
