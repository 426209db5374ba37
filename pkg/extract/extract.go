// Package extract reads a single typed field out of a decoded record.
//
// Two record formats are supported: Avro records, where the field is resolved
// against the record's schema, and protobuf messages, where it is resolved
// against the message descriptor. Exactly one Extractor is selected per topic
// when the topology is built.
package extract

import (
	"fmt"
	"math"
	"strings"
)

// Extractor returns the value of a named field, coerced to the configured
// FieldType.
type Extractor interface {
	Extract(record any, field string) (any, error)
	FieldType() FieldType
}

// FieldType is the Go type an extractor coerces field values to.
type FieldType int

const (
	FieldInt    FieldType = iota // int32
	FieldLong                    // int64
	FieldString                  // string
	FieldDouble                  // float64
)

func (t FieldType) String() string {
	switch t {
	case FieldInt:
		return "int"
	case FieldLong:
		return "long"
	case FieldString:
		return "string"
	case FieldDouble:
		return "double"
	}
	return fmt.Sprintf("FieldType(%d)", int(t))
}

// ParseFieldType maps a configuration value to a FieldType.
func ParseFieldType(s string) (FieldType, error) {
	switch strings.ToLower(s) {
	case "int", "integer", "int32":
		return FieldInt, nil
	case "long", "int64":
		return FieldLong, nil
	case "string":
		return FieldString, nil
	case "double", "float64":
		return FieldDouble, nil
	}
	return 0, fmt.Errorf("unknown field type %q", s)
}

// Format names the record wire format.
type Format string

const (
	FormatAvro     Format = "avro"
	FormatProtobuf Format = "protobuf"
)

// ForFormat returns the extractor for records of format.
func ForFormat(format Format, fieldType FieldType) (Extractor, error) {
	switch format {
	case FormatAvro:
		return NewAvro(fieldType), nil
	case FormatProtobuf:
		return NewProto(fieldType), nil
	}
	return nil, fmt.Errorf("no field extractor for format %q", format)
}

// FieldNotFoundError reports a field name missing from the record schema.
type FieldNotFoundError struct {
	Field  string
	Record string
}

func (e *FieldNotFoundError) Error() string {
	if e.Record == "" {
		return fmt.Sprintf("could not find field %q", e.Field)
	}
	return fmt.Sprintf("could not find field %q in %s", e.Field, e.Record)
}

// TypeMismatchError reports a field whose value cannot be coerced.
type TypeMismatchError struct {
	Field string
	Want  FieldType
	Got   any
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("field %q: cannot convert %T to %s", e.Field, e.Got, e.Want)
}

func coerce(field string, t FieldType, v any) (any, error) {
	mismatch := &TypeMismatchError{Field: field, Want: t, Got: v}
	switch t {
	case FieldInt:
		switch x := v.(type) {
		case int32:
			return x, nil
		case int:
			if x < math.MinInt32 || x > math.MaxInt32 {
				return nil, mismatch
			}
			return int32(x), nil
		case uint32:
			if x > math.MaxInt32 {
				return nil, mismatch
			}
			return int32(x), nil
		}
	case FieldLong:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int32:
			return int64(x), nil
		case int:
			return int64(x), nil
		case uint32:
			return int64(x), nil
		case uint64:
			if x > math.MaxInt64 {
				return nil, mismatch
			}
			return int64(x), nil
		}
	case FieldString:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		}
	case FieldDouble:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		}
	}
	return nil, mismatch
}
