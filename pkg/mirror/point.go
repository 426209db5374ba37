package mirror

import (
	"bytes"
	"errors"

	"github.com/bakdata/quick-sub003/pkg/metrics"
	"github.com/bakdata/quick-sub003/pkg/mirrorerr"
	"github.com/bakdata/quick-sub003/pkg/store"
	"github.com/bakdata/quick-sub003/pkg/topic"
	"go.uber.org/zap"
)

// PointProcessor keeps the latest value of every key. A tombstone deletes the
// key.
type PointProcessor struct {
	lifecycle
	storeName string
	topic     string
	policy    topic.WritePolicy
	logger    *zap.Logger

	store *store.Store
}

func NewPointProcessor(storeName, topicName string, policy topic.WritePolicy, logger *zap.Logger) *PointProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PointProcessor{
		lifecycle: lifecycle{name: "point processor"},
		storeName: storeName,
		topic:     topicName,
		policy:    policy,
		logger:    logger,
	}
}

func (p *PointProcessor) Init(stores StoreLookup) error {
	s, err := p.lifecycle.init(stores, p.storeName)
	if err != nil {
		return err
	}
	p.store = s[0]
	return nil
}

func (p *PointProcessor) Process(b *store.Batch, rec Record) error {
	if err := p.ready(); err != nil {
		return err
	}
	if rec.Tombstone() {
		metrics.TombstonesApplied.WithLabelValues(p.topic).Inc()
		return b.Delete(p.store, rec.Partition, rec.Key)
	}

	if p.policy == topic.Immutable {
		current, err := b.Get(p.store, rec.Partition, rec.Key)
		switch {
		case err == nil:
			if _, old, derr := DecodeValue(current); derr == nil && !bytes.Equal(old, rec.Value) {
				metrics.ImmutableRejected.WithLabelValues(p.topic).Inc()
				p.logger.Warn("dropping write to immutable key",
					zap.ByteString("key", rec.Key),
					zap.Int32("partition", rec.Partition),
					zap.Int64("offset", rec.Offset))
				return ErrImmutable
			}
		case !errors.Is(err, mirrorerr.ErrNotFound):
			return err
		}
	}

	metrics.RecordsIngested.WithLabelValues(p.topic).Inc()
	return b.Put(p.store, rec.Partition, rec.Key, EncodeValue(rec.Timestamp, rec.Value))
}

func (p *PointProcessor) Close() error {
	p.store = nil
	return p.lifecycle.close()
}
