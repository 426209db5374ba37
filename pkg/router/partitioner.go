package router

import (
	"fmt"
	"strings"

	"github.com/IBM/sarama"
)

// PartitionFinder maps serialized key bytes to a partition. It must agree
// with the partitioner the producers of the topic use.
type PartitionFinder interface {
	Partition(key []byte, numPartitions int32) (int32, error)
}

// PartitionFinderFunc adapts a function to PartitionFinder.
type PartitionFinderFunc func(key []byte, numPartitions int32) (int32, error)

func (f PartitionFinderFunc) Partition(key []byte, numPartitions int32) (int32, error) {
	return f(key, numPartitions)
}

// Murmur2 is the default partitioner of the Java client for keyed records.
func Murmur2() PartitionFinder {
	return PartitionFinderFunc(func(key []byte, numPartitions int32) (int32, error) {
		if numPartitions <= 0 {
			return 0, fmt.Errorf("invalid partition count %d", numPartitions)
		}
		return toPositive(murmur2(key)) % numPartitions, nil
	})
}

// SaramaHash partitions like sarama's default HashPartitioner (FNV-1a).
func SaramaHash(topic string) PartitionFinder {
	return saramaFinder{p: sarama.NewHashPartitioner(topic)}
}

// SaramaCRC partitions like sarama's ConsistentCRCHashPartitioner, which
// matches librdkafka's consistent partitioner.
func SaramaCRC(topic string) PartitionFinder {
	return saramaFinder{p: sarama.NewConsistentCRCHashPartitioner(topic)}
}

type saramaFinder struct {
	p sarama.Partitioner
}

func (f saramaFinder) Partition(key []byte, numPartitions int32) (int32, error) {
	if numPartitions <= 0 {
		return 0, fmt.Errorf("invalid partition count %d", numPartitions)
	}
	return f.p.Partition(&sarama.ProducerMessage{Key: sarama.ByteEncoder(key)}, numPartitions)
}

// FinderByName returns the partition finder configured by name.
func FinderByName(name, topic string) (PartitionFinder, error) {
	switch strings.ToLower(name) {
	case "", "murmur2", "default", "java":
		return Murmur2(), nil
	case "fnv", "hash", "sarama":
		return SaramaHash(topic), nil
	case "crc", "crc32", "consistent":
		return SaramaCRC(topic), nil
	}
	return nil, fmt.Errorf("unknown partitioner %q", name)
}

func toPositive(n int32) int32 {
	return n & 0x7fffffff
}

// murmur2 is the 32-bit MurmurHash2 variant of the Java client, seeded with
// 0x9747b28c.
func murmur2(data []byte) int32 {
	const (
		seed uint32 = 0x9747b28c
		m    uint32 = 0x5bd1e995
		r           = 24
	)
	length := len(data)
	h := seed ^ uint32(length)

	for i := 0; i+4 <= length; i += 4 {
		k := uint32(data[i]) | uint32(data[i+1])<<8 | uint32(data[i+2])<<16 | uint32(data[i+3])<<24
		k *= m
		k ^= k >> r
		k *= m
		h *= m
		h ^= k
	}

	tail := length &^ 3
	switch length % 4 {
	case 3:
		h ^= uint32(data[tail+2]) << 16
		fallthrough
	case 2:
		h ^= uint32(data[tail+1]) << 8
		fallthrough
	case 1:
		h ^= uint32(data[tail])
		h *= m
	}

	h ^= h >> 13
	h *= m
	h ^= h >> 15
	return int32(h)
}
