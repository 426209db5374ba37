package extract

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
)

// Encode returns a byte encoding of v whose lexicographic order matches the
// natural order of the field type. Range index keys and range query bounds
// both go through Encode.
func Encode(t FieldType, v any) ([]byte, error) {
	c, err := coerce("", t, v)
	if err != nil {
		return nil, err
	}
	switch t {
	case FieldInt:
		return binary.BigEndian.AppendUint32(nil, uint32(c.(int32))^(1<<31)), nil
	case FieldLong:
		return binary.BigEndian.AppendUint64(nil, uint64(c.(int64))^(1<<63)), nil
	case FieldDouble:
		f := c.(float64)
		if f == 0 {
			f = 0 // -0 sorts with +0
		}
		bits := math.Float64bits(f)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		return binary.BigEndian.AppendUint64(nil, bits), nil
	case FieldString:
		return []byte(c.(string)), nil
	}
	return nil, fmt.Errorf("encode: unknown field type %s", t)
}

// ParseBound parses the textual form of a range bound.
func ParseBound(t FieldType, s string) (any, error) {
	switch t {
	case FieldInt:
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parse int bound %q: %w", s, err)
		}
		return int32(n), nil
	case FieldLong:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse long bound %q: %w", s, err)
		}
		return n, nil
	case FieldDouble:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("parse double bound %q: %w", s, err)
		}
		return f, nil
	case FieldString:
		return s, nil
	}
	return nil, fmt.Errorf("parse bound: unknown field type %s", t)
}

// EncodeBound parses and encodes a range bound in one step.
func EncodeBound(t FieldType, s string) ([]byte, error) {
	v, err := ParseBound(t, s)
	if err != nil {
		return nil, err
	}
	return Encode(t, v)
}
