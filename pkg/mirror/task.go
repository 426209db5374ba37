package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bakdata/quick-sub003/pkg/mirrorerr"
	"github.com/bakdata/quick-sub003/pkg/store"
	"go.uber.org/zap"
)

// Task is the single writer of one partition. Process and Evict are
// serialized by the task.
type Task struct {
	partition int32
	db        *store.DB
	stages    []Processor
	retention *RetentionProcessor
	clock     func() time.Time
	logger    *zap.Logger

	mu     sync.Mutex
	closed bool

	// restoring is set until the task has caught up with the log end seen
	// when its partition was claimed. restoreTo is -1 while that end is
	// unknown.
	restoring atomic.Bool
	restoreTo atomic.Int64
}

// Restoring reports whether the task is still rebuilding its partition.
func (t *Task) Restoring() bool { return t.restoring.Load() }

// BeginRestore records the high water mark of the partition. The task is
// restored once it has committed the record before it. It is a no-op for a
// task that already finished restoring.
func (t *Task) BeginRestore(highWaterMark int64) error {
	if !t.restoring.Load() {
		return nil
	}
	target := highWaterMark - 1
	checkpoint, ok, err := t.db.Checkpoint(t.partition)
	if err != nil {
		return err
	}
	if target < 0 || (ok && checkpoint >= target) {
		t.FinishRestore()
		return nil
	}
	t.restoreTo.Store(target)
	t.logger.Info("restoring partition", zap.Int64("until_offset", target))
	return nil
}

// FinishRestore marks the task as caught up.
func (t *Task) FinishRestore() {
	if t.restoring.CompareAndSwap(true, false) {
		t.logger.Info("partition restored")
	}
}

func (t *Task) advanceRestore(offset int64) {
	if !t.restoring.Load() {
		return
	}
	if target := t.restoreTo.Load(); target >= 0 && offset >= target {
		t.FinishRestore()
	}
}

// Partition returns the partition the task writes.
func (t *Task) Partition() int32 { return t.partition }

// Checkpoint returns the offset of the last record committed by the task.
func (t *Task) Checkpoint() (int64, bool, error) {
	return t.db.Checkpoint(t.partition)
}

// Process applies rec through every stage and commits the result together
// with the record offset. The checkpoint never moves backwards.
func (t *Task) Process(ctx context.Context, rec Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return mirrorerr.Config(fmt.Sprintf("partition %d", t.partition), mirrorerr.ErrClosed)
	}
	if rec.Partition != t.partition {
		return fmt.Errorf("record of partition %d delivered to task of partition %d", rec.Partition, t.partition)
	}
	checkpoint, hasCheckpoint, err := t.db.Checkpoint(t.partition)
	if err != nil {
		return err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = t.clock()
	}

	b := t.db.NewBatch()
	defer b.Close()
	for _, s := range t.stages {
		err := s.Process(b, rec)
		if errors.Is(err, ErrImmutable) {
			break
		}
		if err != nil {
			return fmt.Errorf("partition %d offset %d: %w", rec.Partition, rec.Offset, err)
		}
	}
	if !hasCheckpoint || rec.Offset > checkpoint {
		if err := b.SetCheckpoint(t.partition, rec.Offset); err != nil {
			return err
		}
	}
	if err := b.Commit(ctx); err != nil {
		return err
	}
	t.advanceRestore(rec.Offset)
	return nil
}

// Evict runs one retention pass over the partition. It is a no-op when
// retention is disabled.
func (t *Task) Evict(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for {
		n, more, err := t.evictBatch(ctx, now)
		total += n
		if err != nil || !more {
			return total, err
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// evictBatch commits one bounded eviction batch. Records are processed
// between batches.
func (t *Task) evictBatch(ctx context.Context, now time.Time) (int, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.retention == nil {
		return 0, false, nil
	}
	b := t.db.NewBatch()
	defer b.Close()
	n, more, err := t.retention.Evict(b, t.partition, now)
	if err != nil {
		return 0, false, err
	}
	if b.Empty() {
		return 0, false, nil
	}
	if err := b.Commit(ctx); err != nil {
		return 0, false, err
	}
	t.logger.Debug("retention batch committed", zap.Int("evicted", n), zap.Bool("more", more))
	return n, more, nil
}

// Close closes the stages. The store stays open.
func (t *Task) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	var errs []error
	for _, s := range t.stages {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
