package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/bakdata/quick-sub003/pkg/mirrorerr"
	"github.com/cockroachdb/pebble"
)

// Store is a named key-value namespace inside a DB. Reads are safe under
// arbitrary concurrency.
type Store struct {
	db     *DB
	name   string
	prefix []byte
}

// Entry is one key-value pair yielded by a scan.
type Entry struct {
	Partition int32
	Key       []byte
	Value     []byte
}

// Name returns the store name.
func (s *Store) Name() string { return s.name }

// Get copies the value stored for key in partition. A missing key returns
// an error matching mirrorerr.ErrNotFound.
func (s *Store) Get(partition int32, key []byte) ([]byte, error) {
	start := time.Now()
	val, closer, err := s.db.inner.Get(dataKey(s.prefix, partition, key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, mirrorerr.ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	buf := append([]byte(nil), val...)
	s.db.metrics.ObserveRead(s.name, time.Since(start), len(buf))
	return buf, nil
}

// Put writes a single entry in its own batch.
func (s *Store) Put(ctx context.Context, partition int32, key, value []byte) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Put(s, partition, key, value); err != nil {
		return err
	}
	return b.Commit(ctx)
}

// Delete removes a single entry in its own batch.
func (s *Store) Delete(ctx context.Context, partition int32, key []byte) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(s, partition, key); err != nil {
		return err
	}
	return b.Commit(ctx)
}

// Scan calls fn for every entry of every partition, ordered by partition and
// key. Returning an error from fn stops the scan.
func (s *Store) Scan(fn func(Entry) error) error {
	return s.iterate(s.prefix, prefixSuccessor(s.prefix), fn)
}

// ScanPartition calls fn for every entry of partition whose key starts with
// prefix.
func (s *Store) ScanPartition(partition int32, prefix []byte, fn func(Entry) error) error {
	lo := dataKey(s.prefix, partition, prefix)
	return s.iterate(lo, prefixSuccessor(lo), fn)
}

// ScanRange calls fn for every entry of partition with from <= key < to.
// A nil to means no upper bound inside the partition.
func (s *Store) ScanRange(partition int32, from, to []byte, fn func(Entry) error) error {
	lo := dataKey(s.prefix, partition, from)
	var hi []byte
	if to == nil {
		hi = prefixSuccessor(partitionPrefix(s.prefix, partition))
	} else {
		hi = dataKey(s.prefix, partition, to)
	}
	if hi != nil && bytes.Compare(lo, hi) >= 0 {
		return nil
	}
	return s.iterate(lo, hi, fn)
}

func (s *Store) iterate(lo, hi []byte, fn func(Entry) error) error {
	it, err := s.db.inner.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		k := it.Key()[len(s.prefix):]
		if len(k) < 4 {
			continue
		}
		e := Entry{
			Partition: int32(binary.BigEndian.Uint32(k[:4])),
			Key:       append([]byte(nil), k[4:]...),
			Value:     append([]byte(nil), it.Value()...),
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return it.Error()
}
