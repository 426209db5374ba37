package store

import (
	"encoding/binary"
	"errors"
	"strings"
)

// Key layout:
//
//	<store name> 0x00 <partition uint32 BE> <user key>   data entries
//	0x00 "ckpt" 0x00 <partition uint32 BE>              offset checkpoints
const sep = 0x00

var errBadName = errors.New("store name must be non-empty and free of NUL bytes")

func validateName(name string) error {
	if name == "" || strings.IndexByte(name, sep) >= 0 {
		return errBadName
	}
	return nil
}

func storePrefix(name string) []byte {
	return append([]byte(name), sep)
}

func partitionPrefix(storePrefix []byte, partition int32) []byte {
	out := make([]byte, 0, len(storePrefix)+4)
	out = append(out, storePrefix...)
	return binary.BigEndian.AppendUint32(out, uint32(partition))
}

func dataKey(storePrefix []byte, partition int32, key []byte) []byte {
	out := make([]byte, 0, len(storePrefix)+4+len(key))
	out = append(out, storePrefix...)
	out = binary.BigEndian.AppendUint32(out, uint32(partition))
	return append(out, key...)
}

func checkpointPrefix() []byte {
	return []byte{sep, 'c', 'k', 'p', 't', sep}
}

func checkpointKey(partition int32) []byte {
	return binary.BigEndian.AppendUint32(checkpointPrefix(), uint32(partition))
}

// prefixSuccessor returns the smallest key greater than every key starting
// with prefix, or nil if there is none.
func prefixSuccessor(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}
