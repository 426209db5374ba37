package mirror

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bakdata/quick-sub003/pkg/mirrorerr"
	"go.uber.org/zap"
)

// Runner owns one Task per assigned partition.
type Runner struct {
	topo   *Topology
	logger *zap.Logger

	mu     sync.RWMutex
	tasks  map[int32]*Task
	closed bool
}

func NewRunner(topo *Topology, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		topo:   topo,
		logger: logger.Named("runner"),
		tasks:  make(map[int32]*Task),
	}
}

// Assign makes the runner own exactly partitions. Tasks of partitions no
// longer assigned are closed and their local data is dropped.
func (r *Runner) Assign(ctx context.Context, partitions []int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return mirrorerr.Config("assign", mirrorerr.ErrClosed)
	}

	for p, task := range r.tasks {
		if slices.Contains(partitions, p) {
			continue
		}
		if err := task.Close(); err != nil {
			r.logger.Warn("closing revoked task", zap.Int32("partition", p), zap.Error(err))
		}
		delete(r.tasks, p)
		r.logger.Info("partition revoked", zap.Int32("partition", p))
	}

	// Data of partitions neither kept nor assigned, e.g. from a previous run.
	stored, err := r.topo.DB().Partitions()
	if err != nil {
		return err
	}
	for _, p := range stored {
		if slices.Contains(partitions, p) {
			continue
		}
		if err := r.topo.DB().DropPartition(ctx, p); err != nil {
			return fmt.Errorf("drop partition %d: %w", p, err)
		}
		r.logger.Info("dropped local data of partition", zap.Int32("partition", p))
	}

	for _, p := range partitions {
		if _, ok := r.tasks[p]; ok {
			continue
		}
		task, err := r.topo.NewTask(p)
		if err != nil {
			return err
		}
		r.tasks[p] = task
		r.logger.Info("partition assigned", zap.Int32("partition", p))
	}
	return nil
}

// Partitions returns the assigned partitions in ascending order.
func (r *Runner) Partitions() []int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int32, 0, len(r.tasks))
	for p := range r.tasks {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Task returns the task of partition.
func (r *Runner) Task(partition int32) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[partition]
	return t, ok
}

// Restoring reports whether the task of partition is still rebuilding it.
// Partitions that are not assigned are not restoring.
func (r *Runner) Restoring(partition int32) bool {
	task, ok := r.Task(partition)
	return ok && task.Restoring()
}

// Process hands rec to the task of its partition.
func (r *Runner) Process(ctx context.Context, rec Record) error {
	task, ok := r.Task(rec.Partition)
	if !ok {
		return mirrorerr.Unavailable("process", fmt.Errorf("partition %d is not assigned", rec.Partition))
	}
	return task.Process(ctx, rec)
}

// Evict runs one retention pass over every assigned partition.
func (r *Runner) Evict(ctx context.Context, now time.Time) (int, error) {
	r.mu.RLock()
	tasks := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.RUnlock()

	total := 0
	var errs []error
	for _, t := range tasks {
		n, err := t.Evict(ctx, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("partition %d: %w", t.Partition(), err))
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}

// RunRetention evicts on every tick of interval until ctx is done.
func (r *Runner) RunRetention(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Evict(ctx, r.topo.opts.Clock())
			if err != nil {
				r.logger.Error("retention pass failed", zap.Error(err))
				continue
			}
			if n > 0 {
				r.logger.Debug("retention pass", zap.Int("evicted", n))
			}
		}
	}
}

// Close closes every task. The store must be closed after Close returns.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var errs []error
	for p, t := range r.tasks {
		errs = append(errs, t.Close())
		delete(r.tasks, p)
	}
	return errors.Join(errs...)
}
