package serde

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// magicByte starts every payload framed by a Confluent schema-registry serializer.
const magicByte = 0

var errShortFrame = errors.New("payload shorter than wire header")

// Framing controls whether payloads carry the registry wire header.
type Framing int

const (
	// FramingConfluent expects (and writes) magic byte, schema id and, for
	// protobuf, the message index list.
	FramingConfluent Framing = iota
	// FramingNone reads and writes the bare encoded payload.
	FramingNone
)

// ParseFraming maps a configuration value to a Framing.
func ParseFraming(s string) (Framing, error) {
	switch s {
	case "", "confluent":
		return FramingConfluent, nil
	case "none":
		return FramingNone, nil
	}
	return 0, fmt.Errorf("unknown framing %q", s)
}

func splitHeader(data []byte) (schemaID uint32, payload []byte, err error) {
	if len(data) < 5 {
		return 0, nil, errShortFrame
	}
	if data[0] != magicByte {
		return 0, nil, fmt.Errorf("unknown magic byte %d", data[0])
	}
	return binary.BigEndian.Uint32(data[1:5]), data[5:], nil
}

func appendHeader(dst []byte, schemaID uint32) []byte {
	dst = append(dst, magicByte)
	return binary.BigEndian.AppendUint32(dst, schemaID)
}

// readMessageIndexes consumes the zigzag varint encoded index path that
// selects the message type inside a protobuf schema. A count of zero is the
// shorthand for [0].
func readMessageIndexes(data []byte) ([]int, []byte, error) {
	count, n := binary.Varint(data)
	if n <= 0 {
		return nil, nil, fmt.Errorf("read message index count")
	}
	data = data[n:]
	if count == 0 {
		return []int{0}, data, nil
	}
	if count < 0 || count > int64(len(data)) {
		return nil, nil, fmt.Errorf("invalid message index count %d", count)
	}
	indexes := make([]int, 0, count)
	for i := int64(0); i < count; i++ {
		idx, n := binary.Varint(data)
		if n <= 0 {
			return nil, nil, fmt.Errorf("read message index %d", i)
		}
		indexes = append(indexes, int(idx))
		data = data[n:]
	}
	return indexes, data, nil
}

func appendMessageIndexes(dst []byte, indexes []int) []byte {
	if len(indexes) == 1 && indexes[0] == 0 {
		return binary.AppendVarint(dst, 0)
	}
	dst = binary.AppendVarint(dst, int64(len(indexes)))
	for _, idx := range indexes {
		dst = binary.AppendVarint(dst, int64(idx))
	}
	return dst
}
