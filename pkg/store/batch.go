package store

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/bakdata/quick-sub003/pkg/mirrorerr"
	"github.com/cockroachdb/pebble"
)

// Batch groups writes to several stores and a partition checkpoint into one
// atomic commit. A Batch is owned by a single goroutine.
type Batch struct {
	db    *DB
	inner *pebble.Batch
}

// Get reads key through the batch, seeing its uncommitted writes.
func (b *Batch) Get(s *Store, partition int32, key []byte) ([]byte, error) {
	val, closer, err := b.inner.Get(dataKey(s.prefix, partition, key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, mirrorerr.ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

// Put sets key to value.
func (b *Batch) Put(s *Store, partition int32, key, value []byte) error {
	return b.inner.Set(dataKey(s.prefix, partition, key), value, nil)
}

// Delete removes key.
func (b *Batch) Delete(s *Store, partition int32, key []byte) error {
	return b.inner.Delete(dataKey(s.prefix, partition, key), nil)
}

// DeletePrefix removes every key of partition starting with prefix.
func (b *Batch) DeletePrefix(s *Store, partition int32, prefix []byte) error {
	lo := dataKey(s.prefix, partition, prefix)
	hi := prefixSuccessor(lo)
	return b.inner.DeleteRange(lo, hi, nil)
}

// SetCheckpoint records offset as the last applied offset of partition.
func (b *Batch) SetCheckpoint(partition int32, offset int64) error {
	return b.inner.Set(checkpointKey(partition), binary.BigEndian.AppendUint64(nil, uint64(offset)), nil)
}

// Empty reports whether the batch holds no writes.
func (b *Batch) Empty() bool {
	return b.inner.Empty()
}

// Commit applies the batch with the configured fsync policy.
func (b *Batch) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	size := b.inner.Len()
	err := b.inner.Commit(b.db.syncOpt())
	b.db.metrics.ObserveBatchCommit(time.Since(start), size)
	return err
}

// Close releases the batch. Uncommitted writes are discarded.
func (b *Batch) Close() error {
	return b.inner.Close()
}

var _ io.Closer = (*Batch)(nil)
