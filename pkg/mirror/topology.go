package mirror

import (
	"errors"
	"fmt"
	"time"

	"github.com/bakdata/quick-sub003/pkg/extract"
	"github.com/bakdata/quick-sub003/pkg/mirrorerr"
	"github.com/bakdata/quick-sub003/pkg/store"
	"github.com/bakdata/quick-sub003/pkg/topic"
	"go.uber.org/zap"
)

// Options describes the stages of a topology.
type Options struct {
	Binding    *topic.Binding
	PointStore string
	// Range enables the range index. Optional.
	Range *RangeConfig
	// Retention enables time based eviction when its Duration is set.
	Retention *RetentionConfig
	Logger    *zap.Logger
	// Clock stamps records delivered without a timestamp. Defaults to time.Now.
	Clock func() time.Time
}

// StoreNames returns every store the topology writes to.
func (o Options) StoreNames() []string {
	names := []string{o.PointStore}
	if o.Range != nil {
		names = append(names, o.Range.Store)
	}
	if o.Retention.Enabled() {
		names = append(names, o.Retention.Store)
	}
	return names
}

// Topology builds the ordered stages applied to each record: point always,
// range iff a range field is configured, retention iff a duration is set.
// The point stage runs first, so a tombstone removes the point entry before
// the range entries of the key, all in the batch that also moves the offset.
type Topology struct {
	opts      Options
	db        *store.DB
	extractor extract.Extractor
	logger    *zap.Logger
}

func NewTopology(db *store.DB, opts Options) (*Topology, error) {
	if db == nil {
		return nil, mirrorerr.Config("topology", mirrorerr.ErrStoreMissing)
	}
	if opts.Binding == nil {
		return nil, mirrorerr.Config("topology", errors.New("topic binding is required"))
	}
	if opts.PointStore == "" {
		return nil, mirrorerr.Config("topology", errors.New("point store name is required"))
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	t := &Topology{opts: opts, db: db, logger: opts.Logger.With(zap.String("topic", opts.Binding.Name))}
	if opts.Range != nil {
		format, ok := opts.Binding.ValueFormat()
		if !ok {
			return nil, mirrorerr.Config("topology", fmt.Errorf("range index needs a schema value type, topic %s has %s", opts.Binding.Name, opts.Binding.ValueType))
		}
		ex, err := extract.ForFormat(format, opts.Range.FieldType)
		if err != nil {
			return nil, mirrorerr.Config("topology", err)
		}
		t.extractor = ex
	}
	return t, nil
}

// Options returns the options the topology was built with.
func (t *Topology) Options() Options { return t.opts }

// DB returns the store the topology writes to.
func (t *Topology) DB() *store.DB { return t.db }

// NewTask builds and initializes the stages for partition.
func (t *Topology) NewTask(partition int32) (*Task, error) {
	var (
		stages    []Processor
		rng       *RangeProcessor
		retention *RetentionProcessor
	)
	logger := t.logger.With(zap.Int32("partition", partition))
	stages = append(stages, NewPointProcessor(t.opts.PointStore, t.opts.Binding.Name, t.opts.Binding.WritePolicy, logger))
	if t.opts.Range != nil {
		rng = NewRangeProcessor(*t.opts.Range, t.opts.Binding.Name, t.opts.Binding.ValueSerde(), t.extractor, logger)
		stages = append(stages, rng)
	}
	if t.opts.Retention.Enabled() {
		retention = NewRetentionProcessor(*t.opts.Retention, t.opts.Binding.Name, t.opts.PointStore, rng)
		stages = append(stages, retention)
	}

	for i, s := range stages {
		if err := s.Init(t.db); err != nil {
			for _, prev := range stages[:i] {
				_ = prev.Close()
			}
			return nil, err
		}
	}
	task := &Task{
		partition: partition,
		db:        t.db,
		stages:    stages,
		retention: retention,
		clock:     t.opts.Clock,
		logger:    logger,
	}
	task.restoring.Store(true)
	task.restoreTo.Store(-1)
	return task, nil
}
