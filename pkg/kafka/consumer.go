package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/bakdata/quick-sub003/pkg/metrics"
	"github.com/bakdata/quick-sub003/pkg/mirror"
	"github.com/bakdata/quick-sub003/pkg/mirrorerr"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// DefaultRestoreIdle is how long a restoring partition may receive nothing
// before it counts as restored.
const DefaultRestoreIdle = 10 * time.Second

// Runner is the part of mirror.Runner the handler drives.
type Runner interface {
	Assign(ctx context.Context, partitions []int32) error
	Task(partition int32) (*mirror.Task, bool)
	Process(ctx context.Context, rec mirror.Record) error
}

var _ Runner = (*mirror.Runner)(nil)

// Handler is the sarama.ConsumerGroupHandler of a mirror. Each generation
// reassigns the runner to the claimed partitions and resumes every partition
// after its local checkpoint.
type Handler struct {
	topic       string
	runner      Runner
	onChange    func()
	restoreIdle time.Duration
	logger      *zap.Logger

	mu    sync.Mutex
	fatal error
	stop  context.CancelFunc
}

// NewHandler creates a handler. onChange is called whenever the claimed
// partitions change and may be nil.
func NewHandler(topic string, runner Runner, onChange func(), logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if onChange == nil {
		onChange = func() {}
	}
	return &Handler{
		topic:       topic,
		runner:      runner,
		onChange:    onChange,
		restoreIdle: DefaultRestoreIdle,
		logger:      logger.Named("consumer").With(zap.String("topic", topic)),
	}
}

func (h *Handler) Setup(sess sarama.ConsumerGroupSession) error {
	partitions := sess.Claims()[h.topic]
	if err := h.runner.Assign(sess.Context(), partitions); err != nil {
		h.fail(err)
		return err
	}
	for _, p := range partitions {
		task, ok := h.runner.Task(p)
		if !ok {
			continue
		}
		off, ok, err := task.Checkpoint()
		if err != nil {
			h.fail(err)
			return err
		}
		if !ok {
			sess.ResetOffset(h.topic, p, sarama.OffsetOldest, "")
			h.logger.Info("rebuilding partition from the start", zap.Int32("partition", p))
			continue
		}
		// MarkOffset only moves forward, ResetOffset only backward.
		sess.MarkOffset(h.topic, p, off+1, "")
		sess.ResetOffset(h.topic, p, off+1, "")
		h.logger.Info("resuming partition", zap.Int32("partition", p), zap.Int64("offset", off+1))
	}
	h.logger.Info("partitions claimed",
		zap.String("member_id", sess.MemberID()),
		zap.Int32("generation", sess.GenerationID()),
		zap.Int32s("partitions", partitions))
	h.onChange()
	return nil
}

func (h *Handler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info("generation ended", zap.Int32("generation", sess.GenerationID()))
	h.onChange()
	return nil
}

func (h *Handler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	task, owned := h.runner.Task(claim.Partition())
	if owned {
		if err := task.BeginRestore(claim.HighWaterMarkOffset()); err != nil {
			h.fail(err)
			return err
		}
	}
	restoring := func() bool { return owned && task.Restoring() }

	// Offsets of transaction markers are never delivered, so a restoring
	// partition that stays idle is treated as caught up.
	idle := time.NewTimer(h.restoreIdle)
	defer idle.Stop()
	for {
		var idleC <-chan time.Time
		if restoring() {
			idleC = idle.C
		}
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.apply(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				h.fail(err)
				return err
			}
			sess.MarkMessage(msg, "")
			idle.Reset(h.restoreIdle)
		case <-idleC:
			task.FinishRestore()
		case <-ctx.Done():
			return nil
		}
	}
}

// apply processes msg, retrying failures that are not configuration errors
// until the session ends. A record is never skipped.
func (h *Handler) apply(ctx context.Context, msg *sarama.ConsumerMessage) error {
	rec := mirror.Record{
		Key:       msg.Key,
		Value:     msg.Value,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Timestamp: msg.Timestamp,
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0

	op := func() error {
		err := h.runner.Process(ctx, rec)
		if err == nil {
			return nil
		}
		class := mirrorerr.ClassOf(err)
		metrics.IngestErrors.WithLabelValues(h.topic, class.String()).Inc()
		if class == mirrorerr.ClassConfig {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		h.logger.Warn("failed to apply record, retrying",
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}

func (h *Handler) fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fatal == nil {
		h.fatal = err
	}
	if h.stop != nil {
		h.stop()
	}
}

// Err returns the error that stopped consumption, if any.
func (h *Handler) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fatal
}

// Consumer runs the consumer group session loop of one topic.
type Consumer struct {
	group   sarama.ConsumerGroup
	handler *Handler
	logger  *zap.Logger
}

func NewConsumer(group sarama.ConsumerGroup, handler *Handler, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{group: group, handler: handler, logger: logger.Named("consumer")}
}

// Run joins the group and consumes until ctx is canceled or a record fails
// with a configuration error. Rebalances start a new session.
func (c *Consumer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.handler.mu.Lock()
	c.handler.stop = cancel
	c.handler.mu.Unlock()

	go func() {
		for err := range c.group.Errors() {
			c.logger.Warn("consumer group error", zap.Error(err))
		}
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	topics := []string{c.handler.topic}
	for {
		err := c.group.Consume(ctx, topics, c.handler)
		if fatal := c.handler.Err(); fatal != nil {
			return fatal
		}
		if ctx.Err() != nil || errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return nil
		}
		if err == nil {
			b.Reset()
			continue
		}
		wait := b.NextBackOff()
		c.logger.Warn("consume failed, rejoining", zap.Duration("wait", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}
