// Package store keeps the local point and range indexes of a mirror in a
// Pebble database.
//
// Every named store lives in its own key namespace and every entry is scoped
// to the topic partition it was ingested from, so that the data of a
// partition can be dropped when the instance loses it in a rebalance. The
// last applied offset of each partition is written in the same batch as the
// data it produced.
package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/bakdata/quick-sub003/pkg/mirrorerr"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// FsyncMode defines durability behavior for write operations.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways requests a WAL fsync on each committed batch.
	FsyncModeAlways
	// FsyncModeInterval lets Pebble coalesce WAL syncs within FsyncInterval.
	FsyncModeInterval
	// FsyncModeNever never forces a WAL sync. The upstream log is the source
	// of truth, so a lost tail is re-ingested from the last durable checkpoint.
	FsyncModeNever
)

// ParseFsyncMode maps a configuration value to a FsyncMode.
func ParseFsyncMode(s string) (FsyncMode, error) {
	switch s {
	case "":
		return FsyncModeUnspecified, nil
	case "always":
		return FsyncModeAlways, nil
	case "interval":
		return FsyncModeInterval, nil
	case "never":
		return FsyncModeNever, nil
	}
	return 0, fmt.Errorf("unknown fsync mode %q", s)
}

// Options configures the store.
type Options struct {
	// DataDir is the Pebble directory. It defaults to "mirror" when FS is set.
	DataDir string
	// FS overrides the filesystem, e.g. vfs.NewMem() in tests.
	FS vfs.FS
	// Stores lists the store names that may be opened.
	Stores []string
	// Fsync determines when to sync the WAL.
	Fsync FsyncMode
	// FsyncInterval controls group-commit when Fsync=FsyncModeInterval.
	FsyncInterval time.Duration
	// PebbleOptions allows advanced tuning. If nil, defaults are used.
	PebbleOptions *pebble.Options
	// Metrics observes read and commit latencies. Optional.
	Metrics MetricsHook
}

// MetricsHook is a minimal hook surface for storage observations.
type MetricsHook interface {
	ObserveRead(store string, elapsed time.Duration, bytes int)
	ObserveBatchCommit(elapsed time.Duration, bytes int)
}

// NoopMetrics is used when no metrics hook is provided.
type NoopMetrics struct{}

func (NoopMetrics) ObserveRead(string, time.Duration, int)  {}
func (NoopMetrics) ObserveBatchCommit(time.Duration, int) {}

// DB wraps a Pebble database holding all named stores of one instance.
type DB struct {
	inner     *pebble.DB
	writeSync bool
	metrics   MetricsHook
	stores    map[string]*Store
}

// Open creates or opens the database with the provided options.
func Open(opts Options) (*DB, error) {
	if opts.DataDir == "" && opts.FS == nil {
		return nil, errors.New("store: Options.DataDir is required")
	}

	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	if opts.FS != nil {
		po.FS = opts.FS
		if opts.DataDir == "" {
			opts.DataDir = "mirror"
		}
	}

	switch opts.Fsync {
	case FsyncModeAlways:
		// Sync is requested per commit.
	case FsyncModeInterval:
		if opts.FsyncInterval <= 0 {
			opts.FsyncInterval = 5 * time.Millisecond
		}
		interval := opts.FsyncInterval
		po.WALMinSyncInterval = func() time.Duration { return interval }
	case FsyncModeNever:
	default:
		po.WALMinSyncInterval = func() time.Duration { return 5 * time.Millisecond }
	}

	inner, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	db := &DB{
		inner:     inner,
		writeSync: opts.Fsync == FsyncModeAlways,
		metrics:   metrics,
		stores:    make(map[string]*Store, len(opts.Stores)),
	}
	for _, name := range opts.Stores {
		if err := validateName(name); err != nil {
			_ = inner.Close()
			return nil, err
		}
		db.stores[name] = &Store{db: db, name: name, prefix: storePrefix(name)}
	}
	return db, nil
}

// Close closes the Pebble database.
func (db *DB) Close() error {
	if db == nil || db.inner == nil {
		return nil
	}
	return db.inner.Close()
}

// Store returns the handle of a declared store.
func (db *DB) Store(name string) (*Store, error) {
	s, ok := db.stores[name]
	if !ok {
		return nil, mirrorerr.Config(fmt.Sprintf("open store %q", name), mirrorerr.ErrStoreMissing)
	}
	return s, nil
}

// NewBatch starts an atomic write across stores. The batch is indexed so
// stages applied later in the same batch read the writes of earlier ones.
func (db *DB) NewBatch() *Batch {
	return &Batch{db: db, inner: db.inner.NewIndexedBatch()}
}

// Checkpoint returns the last offset applied for partition.
func (db *DB) Checkpoint(partition int32) (int64, bool, error) {
	val, closer, err := db.inner.Get(checkpointKey(partition))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, false, fmt.Errorf("store: corrupt checkpoint for partition %d", partition)
	}
	return int64(binary.BigEndian.Uint64(val)), true, nil
}

// Partitions returns the partitions that have a checkpoint.
func (db *DB) Partitions() ([]int32, error) {
	lo := checkpointPrefix()
	it, err := db.inner.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: prefixSuccessor(lo)})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []int32
	for it.First(); it.Valid(); it.Next() {
		k := it.Key()[len(lo):]
		if len(k) == 4 {
			out = append(out, int32(binary.BigEndian.Uint32(k)))
		}
	}
	return out, it.Error()
}

// DropPartition removes the entries of every store and the checkpoint of
// partition.
func (db *DB) DropPartition(ctx context.Context, partition int32) error {
	b := db.NewBatch()
	defer b.Close()
	for _, s := range db.stores {
		if err := b.DeletePrefix(s, partition, nil); err != nil {
			return err
		}
	}
	if err := b.inner.Delete(checkpointKey(partition), nil); err != nil {
		return err
	}
	return b.Commit(ctx)
}

// CompactRange requests compaction of the key range [start, end).
func (db *DB) CompactRange(start, end []byte) error {
	return db.inner.Compact(start, end, true)
}

func (db *DB) syncOpt() *pebble.WriteOptions {
	if db.writeSync {
		return pebble.Sync
	}
	return pebble.NoSync
}
