// Package mirror materializes the records of a topic partition into the
// local point index and, when configured, a range index and a retention index.
//
// Each partition is processed by exactly one Task. A Task applies every record
// through the stages of its Topology in a single store batch that also
// carries the partition offset, so the index after a crash is exactly the
// index as of the last committed offset.
package mirror

import (
	"encoding/binary"
	"errors"
	"time"
)

// Record is one record delivered from a topic partition. A nil Value is a
// tombstone.
type Record struct {
	Key       []byte
	Value     []byte
	Partition int32
	Offset    int64
	Timestamp time.Time
}

// Tombstone reports whether the record deletes its key.
func (r Record) Tombstone() bool {
	return r.Value == nil
}

const envelopeHeader = 8

var errShortEnvelope = errors.New("stored value is shorter than its header")

// EncodeValue prefixes value with the record timestamp in unix milliseconds.
func EncodeValue(ts time.Time, value []byte) []byte {
	out := make([]byte, 0, envelopeHeader+len(value))
	out = binary.BigEndian.AppendUint64(out, uint64(ts.UnixMilli()))
	return append(out, value...)
}

// DecodeValue splits a stored value into its timestamp and the raw record
// value.
func DecodeValue(stored []byte) (time.Time, []byte, error) {
	if len(stored) < envelopeHeader {
		return time.Time{}, nil, errShortEnvelope
	}
	ms := int64(binary.BigEndian.Uint64(stored[:envelopeHeader]))
	return time.UnixMilli(ms), stored[envelopeHeader:], nil
}

// RangeKey is the range index key of a record: the length-prefixed record key
// followed by the order-preserving encoding of the range field. Entries of
// one key are therefore contiguous and ordered by field value.
func RangeKey(key, field []byte) []byte {
	out := RangePrefix(key)
	return append(out, field...)
}

// RangePrefix is the common prefix of every range index entry of key.
func RangePrefix(key []byte) []byte {
	out := make([]byte, 0, 4+len(key)+8)
	out = binary.BigEndian.AppendUint32(out, uint32(len(key)))
	return append(out, key...)
}

// retentionKey orders retention index entries by timestamp.
func retentionKey(ts time.Time, key []byte) []byte {
	out := make([]byte, 0, 8+len(key))
	out = binary.BigEndian.AppendUint64(out, uint64(ts.UnixMilli()))
	return append(out, key...)
}

func splitRetentionKey(k []byte) (int64, []byte, bool) {
	if len(k) < 8 {
		return 0, nil, false
	}
	return int64(binary.BigEndian.Uint64(k[:8])), k[8:], true
}
