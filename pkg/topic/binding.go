// Package topic binds a topic name to its key and value types, its write
// policy and the serdes derived from them. A Binding is built once at startup
// from registry input and never changes afterwards; a schema change requires
// a restart.
package topic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bakdata/quick-sub003/pkg/extract"
	"github.com/bakdata/quick-sub003/pkg/serde"
)

// TypeDescriptor names the type of a record key or value.
type TypeDescriptor string

const (
	TypeString   TypeDescriptor = "string"
	TypeInteger  TypeDescriptor = "integer"
	TypeLong     TypeDescriptor = "long"
	TypeDouble   TypeDescriptor = "double"
	TypeBytes    TypeDescriptor = "bytes"
	TypeAvro     TypeDescriptor = "avro"
	TypeProtobuf TypeDescriptor = "protobuf"
)

func parseType(s string) (TypeDescriptor, error) {
	t := TypeDescriptor(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TypeString, TypeInteger, TypeLong, TypeDouble, TypeBytes, TypeAvro, TypeProtobuf:
		return t, nil
	case "int":
		return TypeInteger, nil
	case "schema":
		return "", fmt.Errorf("type %q is ambiguous, use avro or protobuf", s)
	}
	return "", fmt.Errorf("unknown type %q", s)
}

// HasSchema reports whether values of this type are described by a schema.
func (t TypeDescriptor) HasSchema() bool {
	return t == TypeAvro || t == TypeProtobuf
}

// WritePolicy controls whether a key's value may change once written.
type WritePolicy int

const (
	Mutable WritePolicy = iota
	Immutable
)

func (p WritePolicy) String() string {
	if p == Immutable {
		return "IMMUTABLE"
	}
	return "MUTABLE"
}

// ParseWritePolicy maps a configuration value to a WritePolicy.
func ParseWritePolicy(s string) (WritePolicy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "MUTABLE":
		return Mutable, nil
	case "IMMUTABLE":
		return Immutable, nil
	}
	return 0, fmt.Errorf("unknown write policy %q", s)
}

// Spec is the registry's description of a topic.
type Spec struct {
	Name        string `json:"name" mapstructure:"name"`
	KeyType     string `json:"keyType" mapstructure:"keyType"`
	ValueType   string `json:"valueType" mapstructure:"valueType"`
	WriteType   string `json:"writeType" mapstructure:"writeType"`
	Schema      string `json:"schema,omitempty" mapstructure:"schema"`
	KeySchema   string `json:"keySchema,omitempty" mapstructure:"keySchema"`
	MessageName string `json:"messageName,omitempty" mapstructure:"messageName"`
	Framing     string `json:"framing,omitempty" mapstructure:"framing"`
}

// Binding is the immutable topic binding used by ingestion and queries.
type Binding struct {
	Name        string
	KeyType     TypeDescriptor
	ValueType   TypeDescriptor
	WritePolicy WritePolicy
	Schema      string

	keySerde   serde.Serde
	valueSerde serde.Serde
}

var ErrNoName = errors.New("topic name is required")

// NewBinding validates spec and derives the serdes of the binding.
func NewBinding(ctx context.Context, spec Spec) (*Binding, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, ErrNoName
	}
	keyType, err := parseType(spec.KeyType)
	if err != nil {
		return nil, fmt.Errorf("topic %s key: %w", spec.Name, err)
	}
	valueType, err := parseType(spec.ValueType)
	if err != nil {
		return nil, fmt.Errorf("topic %s value: %w", spec.Name, err)
	}
	policy, err := ParseWritePolicy(spec.WriteType)
	if err != nil {
		return nil, fmt.Errorf("topic %s: %w", spec.Name, err)
	}
	framing, err := serde.ParseFraming(spec.Framing)
	if err != nil {
		return nil, fmt.Errorf("topic %s: %w", spec.Name, err)
	}

	b := &Binding{
		Name:        spec.Name,
		KeyType:     keyType,
		ValueType:   valueType,
		WritePolicy: policy,
		Schema:      spec.Schema,
	}
	if b.keySerde, err = newSerde(ctx, keyType, spec.KeySchema, "", framing); err != nil {
		return nil, fmt.Errorf("topic %s key serde: %w", spec.Name, err)
	}
	if b.valueSerde, err = newSerde(ctx, valueType, spec.Schema, spec.MessageName, framing); err != nil {
		return nil, fmt.Errorf("topic %s value serde: %w", spec.Name, err)
	}
	return b, nil
}

func newSerde(ctx context.Context, t TypeDescriptor, schema, messageName string, framing serde.Framing) (serde.Serde, error) {
	if t.HasSchema() && strings.TrimSpace(schema) == "" {
		return nil, fmt.Errorf("type %s requires a schema", t)
	}
	switch t {
	case TypeString:
		return serde.String(), nil
	case TypeInteger:
		return serde.Integer(), nil
	case TypeLong:
		return serde.Long(), nil
	case TypeDouble:
		return serde.Double(), nil
	case TypeBytes:
		return serde.Bytes(), nil
	case TypeAvro:
		return serde.NewAvro(schema, framing)
	case TypeProtobuf:
		return serde.NewProtobuf(ctx, schema, messageName, framing)
	}
	return nil, fmt.Errorf("no serde for type %q", t)
}

// KeySerde returns the serde for record keys.
func (b *Binding) KeySerde() serde.Serde { return b.keySerde }

// ValueSerde returns the serde for record values.
func (b *Binding) ValueSerde() serde.Serde { return b.valueSerde }

// ValueFormat returns the extraction format of the value type, if it has one.
func (b *Binding) ValueFormat() (extract.Format, bool) {
	switch b.ValueType {
	case TypeAvro:
		return extract.FormatAvro, true
	case TypeProtobuf:
		return extract.FormatProtobuf, true
	}
	return "", false
}

func (b *Binding) String() string {
	return fmt.Sprintf("%s(key=%s, value=%s, %s)", b.Name, b.KeyType, b.ValueType, b.WritePolicy)
}
