package mirror

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bakdata/quick-sub003/pkg/extract"
	"github.com/bakdata/quick-sub003/pkg/mirrorerr"
	"github.com/bakdata/quick-sub003/pkg/store"
	"github.com/bakdata/quick-sub003/pkg/topic"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const purchaseSchema = `{
  "type": "record",
  "name": "Purchase",
  "fields": [
    {"name": "id", "type": "string"},
    {"name": "timestamp", "type": "long"}
  ]
}`

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newBinding(t *testing.T, spec topic.Spec) *topic.Binding {
	t.Helper()
	b, err := topic.NewBinding(context.Background(), spec)
	require.NoError(t, err)
	return b
}

func newTopology(t *testing.T, opts Options) *Topology {
	t.Helper()
	if opts.PointStore == "" {
		opts.PointStore = "point"
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return testNow }
	}
	opts.Logger = zaptest.NewLogger(t)
	db, err := store.Open(store.Options{FS: vfs.NewMem(), Stores: opts.StoreNames()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	topo, err := NewTopology(db, opts)
	require.NoError(t, err)
	return topo
}

func newTask(t *testing.T, topo *Topology, partition int32) *Task {
	t.Helper()
	task, err := topo.NewTask(partition)
	require.NoError(t, err)
	t.Cleanup(func() { _ = task.Close() })
	return task
}

func readPoint(t *testing.T, topo *Topology, partition int32, key string) ([]byte, error) {
	t.Helper()
	s, err := topo.DB().Store(topo.Options().PointStore)
	require.NoError(t, err)
	stored, err := s.Get(partition, []byte(key))
	if err != nil {
		return nil, err
	}
	_, v, err := DecodeValue(stored)
	require.NoError(t, err)
	return v, nil
}

func stringBinding(t *testing.T, policy string) *topic.Binding {
	return newBinding(t, topic.Spec{Name: "users", KeyType: "string", ValueType: "string", WriteType: policy})
}

func TestUpsertThenTombstone(t *testing.T) {
	ctx := context.Background()
	topo := newTopology(t, Options{Binding: stringBinding(t, "")})
	task := newTask(t, topo, 0)

	require.NoError(t, task.Process(ctx, Record{Key: []byte("k"), Value: []byte("v1"), Offset: 0}))
	got, err := readPoint(t, topo, 0, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	require.NoError(t, task.Process(ctx, Record{Key: []byte("k"), Value: []byte("v2"), Offset: 1}))
	got, err = readPoint(t, topo, 0, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	require.NoError(t, task.Process(ctx, Record{Key: []byte("k"), Offset: 2}))
	_, err = readPoint(t, topo, 0, "k")
	assert.True(t, mirrorerr.IsNotFound(err))

	off, ok, err := task.Checkpoint()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(2), off)
}

func TestProcessorLifecycle(t *testing.T) {
	topo := newTopology(t, Options{Binding: stringBinding(t, "")})
	db := topo.DB()
	b := db.NewBatch()
	defer b.Close()
	rec := Record{Key: []byte("k"), Value: []byte("v")}

	p := NewPointProcessor("point", "users", topic.Mutable, nil)
	err := p.Process(b, rec)
	assert.ErrorIs(t, err, mirrorerr.ErrNotInitialized)
	assert.Equal(t, mirrorerr.ClassConfig, mirrorerr.ClassOf(err))

	require.NoError(t, p.Init(db))
	err = p.Init(db)
	assert.ErrorIs(t, err, mirrorerr.ErrAlreadyInitialized)
	require.NoError(t, p.Process(b, rec))

	require.NoError(t, p.Close())
	err = p.Process(b, rec)
	assert.ErrorIs(t, err, mirrorerr.ErrClosed)
	assert.ErrorIs(t, p.Init(db), mirrorerr.ErrClosed)

	missing := NewPointProcessor("nope", "users", topic.Mutable, nil)
	err = missing.Init(db)
	assert.ErrorIs(t, err, mirrorerr.ErrStoreMissing)
	assert.Equal(t, mirrorerr.ClassConfig, mirrorerr.ClassOf(err))
	assert.ErrorIs(t, missing.Process(b, rec), mirrorerr.ErrNotInitialized, "failed init leaves the processor uninitialized")
}

func TestClosedTaskRejectsRecords(t *testing.T) {
	topo := newTopology(t, Options{Binding: stringBinding(t, "")})
	task := newTask(t, topo, 0)
	require.NoError(t, task.Close())
	err := task.Process(context.Background(), Record{Key: []byte("k"), Value: []byte("v")})
	assert.ErrorIs(t, err, mirrorerr.ErrClosed)
}

func TestTaskRestoresUntilHighWaterMark(t *testing.T) {
	ctx := context.Background()
	topo := newTopology(t, Options{Binding: stringBinding(t, "")})
	task := newTask(t, topo, 0)
	assert.True(t, task.Restoring(), "new task restores until its claim starts")

	require.NoError(t, task.Process(ctx, Record{Key: []byte("a"), Value: []byte("1"), Offset: 0}))
	assert.True(t, task.Restoring(), "end of log still unknown")

	require.NoError(t, task.BeginRestore(3))
	assert.True(t, task.Restoring())
	require.NoError(t, task.Process(ctx, Record{Key: []byte("b"), Value: []byte("2"), Offset: 1}))
	assert.True(t, task.Restoring())
	require.NoError(t, task.Process(ctx, Record{Key: []byte("c"), Value: []byte("3"), Offset: 2}))
	assert.False(t, task.Restoring())

	require.NoError(t, task.BeginRestore(100))
	assert.False(t, task.Restoring(), "a restored task does not restore again")
}

func TestTaskCaughtUpAtClaim(t *testing.T) {
	ctx := context.Background()
	topo := newTopology(t, Options{Binding: stringBinding(t, "")})

	empty := newTask(t, topo, 0)
	require.NoError(t, empty.BeginRestore(0))
	assert.False(t, empty.Restoring())

	resumed := newTask(t, topo, 1)
	require.NoError(t, resumed.Process(ctx, Record{Key: []byte("a"), Value: []byte("1"), Partition: 1, Offset: 4}))
	require.NoError(t, resumed.BeginRestore(5))
	assert.False(t, resumed.Restoring())
}

func TestImmutableFirstWriteWins(t *testing.T) {
	ctx := context.Background()
	topo := newTopology(t, Options{Binding: stringBinding(t, "immutable")})
	task := newTask(t, topo, 0)

	require.NoError(t, task.Process(ctx, Record{Key: []byte("k"), Value: []byte("first"), Offset: 0}))
	require.NoError(t, task.Process(ctx, Record{Key: []byte("k"), Value: []byte("second"), Offset: 1}))
	require.NoError(t, task.Process(ctx, Record{Key: []byte("k"), Value: []byte("first"), Offset: 2}))

	got, err := readPoint(t, topo, 0, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)

	off, _, err := task.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, int64(2), off, "dropped writes still move the offset")
}

func TestConcurrentUpsertsOnePartition(t *testing.T) {
	ctx := context.Background()
	topo := newTopology(t, Options{Binding: stringBinding(t, "")})
	task := newTask(t, topo, 4)

	const n = 64
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- task.Process(ctx, Record{
				Key:       []byte(fmt.Sprintf("key-%d", i)),
				Value:     []byte(fmt.Sprintf("value-%d", i)),
				Partition: 4,
				Offset:    int64(i),
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for i := range n {
		got, err := readPoint(t, topo, 4, fmt.Sprintf("key-%d", i))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("value-%d", i), string(got))
	}
	off, _, err := task.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, int64(n-1), off)
}

func purchaseTopology(t *testing.T, retention *RetentionConfig) *Topology {
	t.Helper()
	binding := newBinding(t, topic.Spec{
		Name:      "purchases",
		KeyType:   "string",
		ValueType: "avro",
		Schema:    purchaseSchema,
		Framing:   "none",
	})
	return newTopology(t, Options{
		Binding:   binding,
		Range:     &RangeConfig{Store: "range", Field: "timestamp", FieldType: extract.FieldLong},
		Retention: retention,
	})
}

func purchase(t *testing.T, topo *Topology, id string, ts int64) []byte {
	t.Helper()
	b, err := topo.Options().Binding.ValueSerde().Serialize("purchases", map[string]any{"id": id, "timestamp": ts})
	require.NoError(t, err)
	return b
}

func rangeFields(t *testing.T, topo *Topology, partition int32, key string) []int64 {
	t.Helper()
	s, err := topo.DB().Store("range")
	require.NoError(t, err)
	var out []int64
	prefix := RangePrefix([]byte(key))
	require.NoError(t, s.ScanPartition(partition, prefix, func(e store.Entry) error {
		v, err := topo.Options().Binding.ValueSerde().Deserialize("purchases", e.Value[envelopeHeader:])
		require.NoError(t, err)
		ts, err := extract.NewAvro(extract.FieldLong).Extract(v, "timestamp")
		require.NoError(t, err)
		out = append(out, ts.(int64))
		return nil
	}))
	return out
}

func TestRangeIndex(t *testing.T) {
	ctx := context.Background()
	topo := purchaseTopology(t, nil)
	task := newTask(t, topo, 0)

	for i, ts := range []int64{5, -1, 3} {
		rec := Record{Key: []byte("u1"), Value: purchase(t, topo, "u1", ts), Offset: int64(i)}
		require.NoError(t, task.Process(ctx, rec))
	}
	require.NoError(t, task.Process(ctx, Record{Key: []byte("u10"), Value: purchase(t, topo, "u10", 2), Offset: 3}))

	assert.Equal(t, []int64{-1, 3, 5}, rangeFields(t, topo, 0, "u1"))
	assert.Equal(t, []int64{2}, rangeFields(t, topo, 0, "u10"))

	require.NoError(t, task.Process(ctx, Record{Key: []byte("u1"), Offset: 4}))
	assert.Empty(t, rangeFields(t, topo, 0, "u1"))
	assert.Equal(t, []int64{2}, rangeFields(t, topo, 0, "u10"), "tombstone leaves other keys")
	_, err := readPoint(t, topo, 0, "u1")
	assert.True(t, mirrorerr.IsNotFound(err))
}

func TestRangeNeedsSchemaValue(t *testing.T) {
	db, err := store.Open(store.Options{FS: vfs.NewMem(), Stores: []string{"point", "range"}})
	require.NoError(t, err)
	defer db.Close()
	_, err = NewTopology(db, Options{
		Binding:    stringBinding(t, ""),
		PointStore: "point",
		Range:      &RangeConfig{Store: "range", Field: "timestamp", FieldType: extract.FieldLong},
	})
	assert.Equal(t, mirrorerr.ClassConfig, mirrorerr.ClassOf(err))
}

func TestRetentionEviction(t *testing.T) {
	ctx := context.Background()
	topo := purchaseTopology(t, &RetentionConfig{Store: "retention", Duration: time.Hour})
	task := newTask(t, topo, 1)

	old := Record{Key: []byte("old"), Value: purchase(t, topo, "old", 1), Partition: 1, Offset: 0, Timestamp: testNow.Add(-2 * time.Hour)}
	young := Record{Key: []byte("young"), Value: purchase(t, topo, "young", 2), Partition: 1, Offset: 1, Timestamp: testNow.Add(-10 * time.Minute)}
	require.NoError(t, task.Process(ctx, old))
	require.NoError(t, task.Process(ctx, young))

	n, err := task.Evict(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "point and range entry of the old key")

	_, err = readPoint(t, topo, 1, "old")
	assert.True(t, mirrorerr.IsNotFound(err))
	assert.Empty(t, rangeFields(t, topo, 1, "old"))

	got, err := readPoint(t, topo, 1, "young")
	require.NoError(t, err)
	assert.Equal(t, young.Value, got)
	assert.Equal(t, []int64{2}, rangeFields(t, topo, 1, "young"))

	n, err = task.Evict(ctx, testNow)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type commitCounter struct {
	store.NoopMetrics
	mu      sync.Mutex
	commits int
}

func (c *commitCounter) ObserveBatchCommit(time.Duration, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commits++
}

func (c *commitCounter) reset() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.commits
	c.commits = 0
	return n
}

func TestRetentionEvictsInBoundedBatches(t *testing.T) {
	ctx := context.Background()
	counter := &commitCounter{}
	opts := Options{
		Binding:    stringBinding(t, ""),
		PointStore: "point",
		Retention:  &RetentionConfig{Store: "retention", Duration: time.Hour, BatchSize: 2},
		Logger:     zaptest.NewLogger(t),
		Clock:      func() time.Time { return testNow },
	}
	db, err := store.Open(store.Options{FS: vfs.NewMem(), Stores: opts.StoreNames(), Metrics: counter})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	topo, err := NewTopology(db, opts)
	require.NoError(t, err)
	task := newTask(t, topo, 0)

	for i := range 5 {
		rec := Record{Key: []byte(fmt.Sprintf("k%d", i)), Value: []byte("v"), Offset: int64(i), Timestamp: testNow.Add(-2 * time.Hour)}
		require.NoError(t, task.Process(ctx, rec))
	}
	require.NoError(t, task.Process(ctx, Record{Key: []byte("fresh"), Value: []byte("v"), Offset: 5, Timestamp: testNow}))
	counter.reset()

	n, err := task.Evict(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 3, counter.reset(), "five expired entries in batches of two")

	for i := range 5 {
		_, err := readPoint(t, topo, 0, fmt.Sprintf("k%d", i))
		assert.True(t, mirrorerr.IsNotFound(err))
	}
	_, err = readPoint(t, topo, 0, "fresh")
	require.NoError(t, err)

	n, err = task.Evict(ctx, testNow)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, counter.reset())
}

func TestRetentionKeepsRefreshedKey(t *testing.T) {
	ctx := context.Background()
	topo := purchaseTopology(t, &RetentionConfig{Store: "retention", Duration: time.Hour})
	task := newTask(t, topo, 0)

	require.NoError(t, task.Process(ctx, Record{Key: []byte("k"), Value: purchase(t, topo, "k", 1), Offset: 0, Timestamp: testNow.Add(-3 * time.Hour)}))
	require.NoError(t, task.Process(ctx, Record{Key: []byte("k"), Value: purchase(t, topo, "k", 2), Offset: 1, Timestamp: testNow.Add(-time.Minute)}))

	n, err := task.Evict(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the stale range entry expires")

	_, err = readPoint(t, topo, 0, "k")
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, rangeFields(t, topo, 0, "k"))
}

func TestRunnerAssignDropsRevokedPartitions(t *testing.T) {
	ctx := context.Background()
	topo := newTopology(t, Options{Binding: stringBinding(t, "")})
	r := NewRunner(topo, zaptest.NewLogger(t))
	defer r.Close()

	require.NoError(t, r.Assign(ctx, []int32{0, 1}))
	assert.Equal(t, []int32{0, 1}, r.Partitions())
	require.NoError(t, r.Process(ctx, Record{Key: []byte("a"), Value: []byte("1"), Partition: 0}))
	require.NoError(t, r.Process(ctx, Record{Key: []byte("b"), Value: []byte("2"), Partition: 1}))

	err := r.Process(ctx, Record{Key: []byte("c"), Value: []byte("3"), Partition: 2})
	assert.True(t, mirrorerr.IsRetryable(err))

	assert.True(t, r.Restoring(0))
	assert.False(t, r.Restoring(5), "unassigned partition")

	require.NoError(t, r.Assign(ctx, []int32{1, 2}))
	assert.Equal(t, []int32{1, 2}, r.Partitions())
	_, err = readPoint(t, topo, 0, "a")
	assert.True(t, mirrorerr.IsNotFound(err))
	got, err := readPoint(t, topo, 1, "b")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), got)
}

func TestRunnerEvict(t *testing.T) {
	ctx := context.Background()
	binding := stringBinding(t, "")
	topo := newTopology(t, Options{Binding: binding, Retention: &RetentionConfig{Store: "retention", Duration: time.Minute}})
	r := NewRunner(topo, nil)
	defer r.Close()
	require.NoError(t, r.Assign(ctx, []int32{0, 1}))
	for p := range int32(2) {
		require.NoError(t, r.Process(ctx, Record{Key: []byte("k"), Value: []byte("v"), Partition: p, Timestamp: testNow.Add(-time.Hour)}))
	}
	n, err := r.Evict(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestValueEnvelope(t *testing.T) {
	ts := time.UnixMilli(1714564800123)
	stored := EncodeValue(ts, []byte("payload"))
	got, v, err := DecodeValue(stored)
	require.NoError(t, err)
	assert.True(t, ts.Equal(got))
	assert.Equal(t, []byte("payload"), v)

	_, _, err = DecodeValue([]byte{1, 2})
	assert.Error(t, err)
}
