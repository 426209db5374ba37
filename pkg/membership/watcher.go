package membership

import (
	"context"
	"errors"
	"time"

	"github.com/bakdata/quick-sub003/pkg/router"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Watcher refreshes the assignment from a Source on every Notify and on a
// fixed interval, and publishes each complete snapshot through update.
type Watcher struct {
	source   Source
	update   func(router.Assignment)
	interval time.Duration
	logger   *zap.Logger
	notify   chan struct{}
	backoff  backoff.BackOff
}

// NewWatcher creates a watcher. A zero interval disables periodic refresh.
func NewWatcher(source Source, update func(router.Assignment), interval time.Duration, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return &Watcher{
		source:   source,
		update:   update,
		interval: interval,
		logger:   logger.Named("membership"),
		notify:   make(chan struct{}, 1),
		backoff:  b,
	}
}

// Notify requests a refresh. It never blocks.
func (w *Watcher) Notify() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Refresh fetches the assignment once and publishes it. While the group is
// rebalancing an empty assignment is published, so lookups fail as
// retryable instead of reaching a previous owner.
func (w *Watcher) Refresh(ctx context.Context) error {
	a, err := w.source.Assignment(ctx)
	if errors.Is(err, ErrRebalancing) {
		w.update(router.Assignment{})
		return err
	}
	if err != nil {
		return err
	}
	w.update(a)
	return nil
}

// Run refreshes until ctx is done. Failed refreshes are retried with
// exponential backoff.
func (w *Watcher) Run(ctx context.Context) {
	var tick <-chan time.Time
	if w.interval > 0 {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	retry := time.NewTimer(0)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.notify:
		case <-tick:
		case <-retry.C:
		}

		err := w.Refresh(ctx)
		if err == nil {
			w.backoff.Reset()
			continue
		}
		if ctx.Err() != nil {
			return
		}
		wait := w.backoff.NextBackOff()
		w.logger.Warn("membership refresh failed", zap.Error(err), zap.Duration("retry_in", wait))
		retry.Reset(wait)
	}
}
