package serde

import (
	"context"
	"fmt"

	"github.com/bufbuild/protocompile"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

const schemaFileName = "schema.proto"

// ProtobufSerde decodes protobuf payloads into dynamic messages described by
// a schema given as .proto source text.
type ProtobufSerde struct {
	file     protoreflect.FileDescriptor
	message  protoreflect.MessageDescriptor
	indexes  []int
	framing  Framing
	schemaID uint32
}

// NewProtobuf compiles schema. messageName selects the top-level message the
// serde produces; empty picks the first message of the file.
func NewProtobuf(ctx context.Context, schema, messageName string, framing Framing) (*ProtobufSerde, error) {
	fd, err := CompileProto(ctx, schema)
	if err != nil {
		return nil, err
	}
	var md protoreflect.MessageDescriptor
	if messageName == "" {
		if fd.Messages().Len() == 0 {
			return nil, fmt.Errorf("protobuf schema declares no message")
		}
		md = fd.Messages().Get(0)
	} else {
		md = fd.Messages().ByName(protoreflect.Name(messageName))
		if md == nil {
			return nil, fmt.Errorf("protobuf schema has no message %q", messageName)
		}
	}
	return &ProtobufSerde{file: fd, message: md, indexes: indexPath(md), framing: framing}, nil
}

// CompileProto compiles .proto source text with the well-known types available.
func CompileProto(ctx context.Context, schema string) (protoreflect.FileDescriptor, error) {
	compiler := protocompile.Compiler{
		Resolver: protocompile.WithStandardImports(&protocompile.SourceResolver{
			Accessor: protocompile.SourceAccessorFromMap(map[string]string{schemaFileName: schema}),
		}),
	}
	files, err := compiler.Compile(ctx, schemaFileName)
	if err != nil {
		return nil, fmt.Errorf("compile protobuf schema: %w", err)
	}
	return files[0], nil
}

// WithSchemaID sets the registry id written into framed payloads.
func (s *ProtobufSerde) WithSchemaID(id uint32) *ProtobufSerde {
	s.schemaID = id
	return s
}

// Descriptor returns the message produced by Deserialize for unframed payloads.
func (s *ProtobufSerde) Descriptor() protoreflect.MessageDescriptor { return s.message }

// NewMessage returns an empty dynamic message of the serde's type.
func (s *ProtobufSerde) NewMessage() *dynamicpb.Message { return dynamicpb.NewMessage(s.message) }

func (s *ProtobufSerde) Serialize(_ string, v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("protobuf serde: %w: %T", ErrUnsupportedValue, v)
	}
	payload, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal: %w", err)
	}
	if s.framing == FramingNone {
		return payload, nil
	}
	out := appendHeader(make([]byte, 0, len(payload)+8), s.schemaID)
	out = appendMessageIndexes(out, s.indexes)
	return append(out, payload...), nil
}

func (s *ProtobufSerde) Deserialize(_ string, data []byte) (any, error) {
	if data == nil {
		return nil, nil
	}
	md, payload := s.message, data
	if s.framing == FramingConfluent {
		_, rest, err := splitHeader(data)
		if err != nil {
			return nil, fmt.Errorf("protobuf serde: %w", err)
		}
		indexes, rest, err := readMessageIndexes(rest)
		if err != nil {
			return nil, fmt.Errorf("protobuf serde: %w", err)
		}
		if md, err = s.resolve(indexes); err != nil {
			return nil, err
		}
		payload = rest
	}
	msg := dynamicpb.NewMessage(md)
	if err := proto.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("protobuf unmarshal: %w", err)
	}
	return msg, nil
}

func (s *ProtobufSerde) Parse(string) (any, error) {
	return nil, fmt.Errorf("protobuf serde: cannot parse %s from text", s.message.FullName())
}

func (s *ProtobufSerde) resolve(indexes []int) (protoreflect.MessageDescriptor, error) {
	msgs := s.file.Messages()
	var md protoreflect.MessageDescriptor
	for _, idx := range indexes {
		if idx < 0 || idx >= msgs.Len() {
			return nil, fmt.Errorf("protobuf serde: message index %v out of range", indexes)
		}
		md = msgs.Get(idx)
		msgs = md.Messages()
	}
	return md, nil
}

func indexPath(md protoreflect.MessageDescriptor) []int {
	var path []int
	for d := protoreflect.Descriptor(md); d != nil; d = d.Parent() {
		m, ok := d.(protoreflect.MessageDescriptor)
		if !ok {
			break
		}
		path = append([]int{m.Index()}, path...)
	}
	return path
}
