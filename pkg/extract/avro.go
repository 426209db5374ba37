package extract

import (
	"fmt"

	"github.com/bakdata/quick-sub003/pkg/serde"
	"github.com/hamba/avro/v2"
)

// AvroExtractor reads fields from serde.AvroRecord values.
type AvroExtractor struct {
	fieldType FieldType
}

func NewAvro(fieldType FieldType) *AvroExtractor {
	return &AvroExtractor{fieldType: fieldType}
}

func (e *AvroExtractor) FieldType() FieldType { return e.fieldType }

func (e *AvroExtractor) Extract(record any, field string) (any, error) {
	var rec serde.AvroRecord
	switch r := record.(type) {
	case serde.AvroRecord:
		rec = r
	case *serde.AvroRecord:
		rec = *r
	default:
		return nil, fmt.Errorf("avro extractor: expected avro record, got %T", record)
	}
	if rec.Schema == nil {
		return nil, fmt.Errorf("avro extractor: record has no schema")
	}

	var found *avro.Field
	for _, f := range rec.Schema.Fields() {
		if f.Name() == field {
			found = f
			break
		}
	}
	if found == nil {
		return nil, &FieldNotFoundError{Field: field, Record: rec.Schema.FullName()}
	}

	v, ok := rec.Get(field)
	if !ok {
		return nil, &FieldNotFoundError{Field: field, Record: rec.Schema.FullName()}
	}
	if _, union := found.Type().(*avro.UnionSchema); union {
		v = unwrapUnion(v)
	}
	return coerce(field, e.fieldType, v)
}

// unwrapUnion strips the single-entry {"type": value} wrapper generic
// decoding may produce for union-typed fields. Only call it for fields whose
// schema is a union, a map field has the same shape.
func unwrapUnion(v any) any {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return v
	}
	for _, inner := range m {
		return inner
	}
	return v
}
