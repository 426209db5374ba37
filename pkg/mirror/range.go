package mirror

import (
	"fmt"

	"github.com/bakdata/quick-sub003/pkg/extract"
	"github.com/bakdata/quick-sub003/pkg/metrics"
	"github.com/bakdata/quick-sub003/pkg/serde"
	"github.com/bakdata/quick-sub003/pkg/store"
	"go.uber.org/zap"
)

// RangeConfig enables the range index on one field of the record value.
type RangeConfig struct {
	Store     string
	Field     string
	FieldType extract.FieldType
}

// RangeProcessor indexes every value of a key under (key, field value) so a
// key's values can be scanned in field order. A tombstone removes every entry
// of the key.
type RangeProcessor struct {
	lifecycle
	cfg       RangeConfig
	topic     string
	values    serde.Deserializer
	extractor extract.Extractor
	logger    *zap.Logger

	store *store.Store
	last  encodedField
}

type encodedField struct {
	partition int32
	offset    int64
	field     []byte
}

func NewRangeProcessor(cfg RangeConfig, topicName string, values serde.Deserializer, extractor extract.Extractor, logger *zap.Logger) *RangeProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RangeProcessor{
		lifecycle: lifecycle{name: "range processor"},
		cfg:       cfg,
		topic:     topicName,
		values:    values,
		extractor: extractor,
		logger:    logger,
	}
}

func (p *RangeProcessor) Init(stores StoreLookup) error {
	s, err := p.lifecycle.init(stores, p.cfg.Store)
	if err != nil {
		return err
	}
	p.store = s[0]
	return nil
}

func (p *RangeProcessor) Process(b *store.Batch, rec Record) error {
	if err := p.ready(); err != nil {
		return err
	}
	p.last = encodedField{partition: rec.Partition, offset: -1}
	if rec.Tombstone() {
		return b.DeletePrefix(p.store, rec.Partition, RangePrefix(rec.Key))
	}

	field, err := p.encodeField(rec)
	if err != nil {
		p.logger.Warn("skipping range entry",
			zap.ByteString("key", rec.Key),
			zap.Int32("partition", rec.Partition),
			zap.Int64("offset", rec.Offset),
			zap.Error(err))
		return nil
	}
	if err := b.Put(p.store, rec.Partition, RangeKey(rec.Key, field), EncodeValue(rec.Timestamp, rec.Value)); err != nil {
		return err
	}
	p.last = encodedField{partition: rec.Partition, offset: rec.Offset, field: field}
	metrics.RangeEntriesWritten.WithLabelValues(p.topic).Inc()
	return nil
}

func (p *RangeProcessor) encodeField(rec Record) ([]byte, error) {
	value, err := p.values.Deserialize(p.topic, rec.Value)
	if err != nil {
		return nil, fmt.Errorf("deserialize value: %w", err)
	}
	v, err := p.extractor.Extract(value, p.cfg.Field)
	if err != nil {
		return nil, err
	}
	return extract.Encode(p.cfg.FieldType, v)
}

// fieldOf returns the encoded range field written for rec, if rec was the
// last record this processor indexed.
func (p *RangeProcessor) fieldOf(rec Record) ([]byte, bool) {
	if p.last.partition != rec.Partition || p.last.offset != rec.Offset || p.last.field == nil {
		return nil, false
	}
	return p.last.field, true
}

func (p *RangeProcessor) Close() error {
	p.store = nil
	return p.lifecycle.close()
}
