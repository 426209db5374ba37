package extract

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// ProtoExtractor reads fields from protobuf messages through reflection.
type ProtoExtractor struct {
	fieldType FieldType
}

func NewProto(fieldType FieldType) *ProtoExtractor {
	return &ProtoExtractor{fieldType: fieldType}
}

func (e *ProtoExtractor) FieldType() FieldType { return e.fieldType }

func (e *ProtoExtractor) Extract(record any, field string) (any, error) {
	msg, ok := record.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("protobuf extractor: expected message, got %T", record)
	}
	m := msg.ProtoReflect()
	fd := m.Descriptor().Fields().ByName(protoreflect.Name(field))
	if fd == nil {
		return nil, &FieldNotFoundError{Field: field, Record: string(m.Descriptor().FullName())}
	}
	if fd.IsList() || fd.IsMap() || fd.Kind() == protoreflect.MessageKind || fd.Kind() == protoreflect.GroupKind {
		return nil, &TypeMismatchError{Field: field, Want: e.fieldType, Got: m.Get(fd).Interface()}
	}
	v := m.Get(fd).Interface()
	if ev, ok := v.(protoreflect.EnumNumber); ok {
		v = int32(ev)
	}
	return coerce(field, e.fieldType, v)
}
