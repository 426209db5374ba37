// Package serde converts between Kafka record bytes and the values a mirror
// indexes.
//
// Primitive serdes are bit-compatible with the Kafka Java client serializers
// so that keys serialized here hash to the same partition a Java producer
// wrote them to.
package serde

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Serializer turns a value into record bytes.
type Serializer interface {
	Serialize(topic string, v any) ([]byte, error)
}

// Deserializer turns record bytes into a value.
type Deserializer interface {
	Deserialize(topic string, data []byte) (any, error)
}

// Serde is a serializer/deserializer pair that can also parse the textual
// form of a value as it arrives in a query (path segment, ids list).
type Serde interface {
	Serializer
	Deserializer
	Parse(s string) (any, error)
}

var ErrUnsupportedValue = errors.New("unsupported value type")

type stringSerde struct{}

// String returns the UTF-8 serde (Kafka StringSerializer).
func String() Serde { return stringSerde{} }

func (stringSerde) Serialize(_ string, v any) ([]byte, error) {
	switch s := v.(type) {
	case string:
		return []byte(s), nil
	case []byte:
		return s, nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("string serde: %w: %T", ErrUnsupportedValue, v)
}

func (stringSerde) Deserialize(_ string, data []byte) (any, error) {
	if data == nil {
		return nil, nil
	}
	return string(data), nil
}

func (stringSerde) Parse(s string) (any, error) { return s, nil }

type integerSerde struct{}

// Integer returns the 4-byte big-endian serde (Kafka IntegerSerializer).
func Integer() Serde { return integerSerde{} }

func (integerSerde) Serialize(_ string, v any) ([]byte, error) {
	var n int32
	switch x := v.(type) {
	case int32:
		n = x
	case int:
		if x > math.MaxInt32 || x < math.MinInt32 {
			return nil, fmt.Errorf("integer serde: %d overflows int32", x)
		}
		n = int32(x)
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("integer serde: %w: %T", ErrUnsupportedValue, v)
	}
	return binary.BigEndian.AppendUint32(nil, uint32(n)), nil
}

func (integerSerde) Deserialize(_ string, data []byte) (any, error) {
	if data == nil {
		return nil, nil
	}
	if len(data) != 4 {
		return nil, fmt.Errorf("integer serde: expected 4 bytes, got %d", len(data))
	}
	return int32(binary.BigEndian.Uint32(data)), nil
}

func (integerSerde) Parse(s string) (any, error) {
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse integer %q: %w", s, err)
	}
	return int32(n), nil
}

type longSerde struct{}

// Long returns the 8-byte big-endian serde (Kafka LongSerializer).
func Long() Serde { return longSerde{} }

func (longSerde) Serialize(_ string, v any) ([]byte, error) {
	var n int64
	switch x := v.(type) {
	case int64:
		n = x
	case int:
		n = int64(x)
	case int32:
		n = int64(x)
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("long serde: %w: %T", ErrUnsupportedValue, v)
	}
	return binary.BigEndian.AppendUint64(nil, uint64(n)), nil
}

func (longSerde) Deserialize(_ string, data []byte) (any, error) {
	if data == nil {
		return nil, nil
	}
	if len(data) != 8 {
		return nil, fmt.Errorf("long serde: expected 8 bytes, got %d", len(data))
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}

func (longSerde) Parse(s string) (any, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse long %q: %w", s, err)
	}
	return n, nil
}

type doubleSerde struct{}

// Double returns the IEEE-754 big-endian serde (Kafka DoubleSerializer).
func Double() Serde { return doubleSerde{} }

func (doubleSerde) Serialize(_ string, v any) ([]byte, error) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("double serde: %w: %T", ErrUnsupportedValue, v)
	}
	return binary.BigEndian.AppendUint64(nil, math.Float64bits(f)), nil
}

func (doubleSerde) Deserialize(_ string, data []byte) (any, error) {
	if data == nil {
		return nil, nil
	}
	if len(data) != 8 {
		return nil, fmt.Errorf("double serde: expected 8 bytes, got %d", len(data))
	}
	return math.Float64frombits(binary.BigEndian.Uint64(data)), nil
}

func (doubleSerde) Parse(s string) (any, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("parse double %q: %w", s, err)
	}
	return f, nil
}

type bytesSerde struct{}

// Bytes returns the identity serde.
func Bytes() Serde { return bytesSerde{} }

func (bytesSerde) Serialize(_ string, v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("bytes serde: %w: %T", ErrUnsupportedValue, v)
}

func (bytesSerde) Deserialize(_ string, data []byte) (any, error) { return data, nil }

func (bytesSerde) Parse(s string) (any, error) { return []byte(s), nil }
