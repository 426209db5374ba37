package serde

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// JSON renders a deserialized value for the query transport.
func JSON(v any) (json.RawMessage, error) {
	switch x := v.(type) {
	case AvroRecord:
		return json.Marshal(x.Fields)
	case *AvroRecord:
		return json.Marshal(x.Fields)
	case proto.Message:
		b, err := protojson.Marshal(x)
		if err != nil {
			return nil, fmt.Errorf("protojson marshal: %w", err)
		}
		return b, nil
	case []byte:
		return json.Marshal(string(x))
	}
	return json.Marshal(v)
}
