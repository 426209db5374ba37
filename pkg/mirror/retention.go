package mirror

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/bakdata/quick-sub003/pkg/metrics"
	"github.com/bakdata/quick-sub003/pkg/mirrorerr"
	"github.com/bakdata/quick-sub003/pkg/store"
)

// DefaultEvictBatch is the number of expired index entries removed per
// commit when RetentionConfig.BatchSize is unset.
const DefaultEvictBatch = 1024

var errBatchFull = errors.New("eviction batch is full")

// RetentionConfig enables time based eviction. Retention is off when
// Duration is zero.
type RetentionConfig struct {
	Store    string
	Duration time.Duration
	// BatchSize caps the expired entries handled per commit.
	BatchSize int
}

func (c *RetentionConfig) batchSize() int {
	if c.BatchSize > 0 {
		return c.BatchSize
	}
	return DefaultEvictBatch
}

// Enabled reports whether entries expire.
func (c *RetentionConfig) Enabled() bool {
	return c != nil && c.Duration > 0
}

// RetentionProcessor records the write time of every upsert in a retention
// index ordered by time. Evict removes point and range entries whose write is
// older than the retention duration and that have not been rewritten since.
type RetentionProcessor struct {
	lifecycle
	cfg        RetentionConfig
	topic      string
	pointStore string
	rng        *RangeProcessor

	index  *store.Store
	point  *store.Store
	ranges *store.Store
}

func NewRetentionProcessor(cfg RetentionConfig, topicName, pointStore string, rng *RangeProcessor) *RetentionProcessor {
	return &RetentionProcessor{
		lifecycle:  lifecycle{name: "retention processor"},
		cfg:        cfg,
		topic:      topicName,
		pointStore: pointStore,
		rng:        rng,
	}
}

func (p *RetentionProcessor) Init(stores StoreLookup) error {
	names := []string{p.cfg.Store, p.pointStore}
	if p.rng != nil {
		names = append(names, p.rng.cfg.Store)
	}
	s, err := p.lifecycle.init(stores, names...)
	if err != nil {
		return err
	}
	p.index, p.point = s[0], s[1]
	if p.rng != nil {
		p.ranges = s[2]
	}
	return nil
}

// Index entry values: a zero byte when the record has no range entry,
// otherwise a one byte followed by the encoded range field.
func (p *RetentionProcessor) Process(b *store.Batch, rec Record) error {
	if err := p.ready(); err != nil {
		return err
	}
	if rec.Tombstone() {
		return nil
	}
	value := []byte{0}
	if p.rng != nil {
		if field, ok := p.rng.fieldOf(rec); ok {
			value = append([]byte{1}, field...)
		}
	}
	return b.Put(p.index, rec.Partition, retentionKey(rec.Timestamp, rec.Key), value)
}

// Evict deletes into b the entries of partition written before
// now minus the retention duration, at most one batch size of index entries.
// It returns the number of point and range entries removed and whether
// expired entries remain.
func (p *RetentionProcessor) Evict(b *store.Batch, partition int32, now time.Time) (int, bool, error) {
	if err := p.ready(); err != nil {
		return 0, false, err
	}
	cutoff := now.Add(-p.cfg.Duration).UnixMilli()
	upper := binary.BigEndian.AppendUint64(nil, uint64(cutoff))

	limit := p.cfg.batchSize()
	more := false
	expired := make([]store.Entry, 0, min(limit, 64))
	err := p.index.ScanRange(partition, nil, upper, func(e store.Entry) error {
		if len(expired) == limit {
			more = true
			return errBatchFull
		}
		expired = append(expired, e)
		return nil
	})
	if err != nil && !errors.Is(err, errBatchFull) {
		return 0, false, err
	}

	evicted := 0
	for _, e := range expired {
		ts, key, ok := splitRetentionKey(e.Key)
		if ok {
			removed, err := p.deleteIfUnchanged(b, p.point, partition, key, ts)
			if err != nil {
				return evicted, false, err
			}
			if removed {
				evicted++
				metrics.RetentionEvictions.WithLabelValues(p.topic, p.point.Name()).Inc()
			}
			if p.ranges != nil && len(e.Value) > 0 && e.Value[0] == 1 {
				removed, err := p.deleteIfUnchanged(b, p.ranges, partition, RangeKey(key, e.Value[1:]), ts)
				if err != nil {
					return evicted, false, err
				}
				if removed {
					evicted++
					metrics.RetentionEvictions.WithLabelValues(p.topic, p.ranges.Name()).Inc()
				}
			}
		}
		if err := b.Delete(p.index, partition, e.Key); err != nil {
			return evicted, false, err
		}
	}
	return evicted, more, nil
}

// deleteIfUnchanged removes key when its stored write time is still ts.
func (p *RetentionProcessor) deleteIfUnchanged(b *store.Batch, s *store.Store, partition int32, key []byte, ts int64) (bool, error) {
	current, err := b.Get(s, partition, key)
	if errors.Is(err, mirrorerr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	written, _, err := DecodeValue(current)
	if err != nil || written.UnixMilli() != ts {
		return false, nil
	}
	return true, b.Delete(s, partition, key)
}

func (p *RetentionProcessor) Close() error {
	p.index, p.point, p.ranges = nil, nil, nil
	return p.lifecycle.close()
}
