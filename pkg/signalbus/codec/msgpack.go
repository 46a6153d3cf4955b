package codec

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// errCycle is reported for self-referencing values.
var errCycle = errors.New("value contains a reference cycle")

// Msgpack encodes values with MessagePack. Integers decode into int64 or
// uint64, floats into float64 and maps into map[string]any.
type Msgpack struct{}

var _ Codec = Msgpack{}

// Name implements Codec.
func (Msgpack) Name() string { return "msgpack" }

// Marshal implements Codec.
func (Msgpack) Marshal(v any) ([]byte, error) {
	// msgpack recurses without a depth guard; reject cycles up front.
	if err := checkAcyclic(reflect.ValueOf(v), map[uintptr]bool{}); err != nil {
		return nil, marshalError("msgpack", err)
	}
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, marshalError("msgpack", err)
	}
	return data, nil
}

// Unmarshal implements Codec.
func (Msgpack) Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(v); err != nil {
		return unmarshalError("msgpack", err)
	}
	return nil
}

// checkAcyclic walks pointers, maps, slices, interfaces and the struct fields
// msgpack encodes, failing if a reference is revisited on the current path.
func checkAcyclic(v reflect.Value, path map[uintptr]bool) error {
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if v.Kind() == reflect.Slice && v.Len() == 0 {
			return nil
		}
		if path[ptr] {
			return fmt.Errorf("%w (%s)", errCycle, v.Type())
		}
		path[ptr] = true
		defer delete(path, ptr)

		switch v.Kind() {
		case reflect.Pointer:
			return checkAcyclic(v.Elem(), path)
		case reflect.Map:
			iter := v.MapRange()
			for iter.Next() {
				if err := checkAcyclic(iter.Value(), path); err != nil {
					return err
				}
			}
		case reflect.Slice:
			for i := 0; i < v.Len(); i++ {
				if err := checkAcyclic(v.Index(i), path); err != nil {
					return err
				}
			}
		}
	case reflect.Interface:
		if !v.IsNil() {
			return checkAcyclic(v.Elem(), path)
		}
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := checkAcyclic(v.Index(i), path); err != nil {
				return err
			}
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if f := t.Field(i); !encodedField(f) {
				continue
			}
			if err := checkAcyclic(v.Field(i), path); err != nil {
				return err
			}
		}
	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return fmt.Errorf("unsupported type %s", v.Type())
	}
	return nil
}

// encodedField mirrors msgpack's field selection: exported or embedded
// fields not tagged "-".
func encodedField(f reflect.StructField) bool {
	if !f.IsExported() && !f.Anonymous {
		return false
	}
	return f.Tag.Get("msgpack") != "-"
}
