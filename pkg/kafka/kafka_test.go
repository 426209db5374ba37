package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/bakdata/quick-sub003/internal/testutil"
	"github.com/bakdata/quick-sub003/pkg/mirror"
	"github.com/bakdata/quick-sub003/pkg/mirrorerr"
	"github.com/bakdata/quick-sub003/pkg/store"
	"github.com/bakdata/quick-sub003/pkg/topic"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testTopic = "users"

type offsetCall struct {
	partition int32
	offset    int64
}

type fakeSession struct {
	ctx    context.Context
	claims map[string][]int32

	mu     sync.Mutex
	marked []offsetCall
	reset  []offsetCall
	msgs   []int64
}

func (s *fakeSession) Claims() map[string][]int32 { return s.claims }
func (s *fakeSession) MemberID() string           { return "member-1" }
func (s *fakeSession) GenerationID() int32        { return 1 }
func (s *fakeSession) Commit()                    {}
func (s *fakeSession) Context() context.Context   { return s.ctx }

func (s *fakeSession) MarkOffset(_ string, partition int32, offset int64, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, offsetCall{partition, offset})
}

func (s *fakeSession) ResetOffset(_ string, partition int32, offset int64, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset = append(s.reset, offsetCall{partition, offset})
}

func (s *fakeSession) consumed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg.Offset)
}

type fakeClaim struct {
	partition int32
	hwm       int64
	messages  chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return testTopic }
func (c *fakeClaim) Partition() int32                         { return c.partition }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return c.hwm }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func newRunner(t *testing.T) (*mirror.Runner, *store.DB) {
	t.Helper()
	b, err := topic.NewBinding(context.Background(), topic.Spec{Name: testTopic, KeyType: "string", ValueType: "string"})
	require.NoError(t, err)
	opts := mirror.Options{Binding: b, PointStore: "point", Logger: zaptest.NewLogger(t)}
	db, err := store.Open(store.Options{FS: vfs.NewMem(), Stores: opts.StoreNames()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	topo, err := mirror.NewTopology(db, opts)
	require.NoError(t, err)
	r := mirror.NewRunner(topo, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = r.Close() })
	return r, db
}

func message(partition int32, offset int64, key, value string) *sarama.ConsumerMessage {
	msg := &sarama.ConsumerMessage{Topic: testTopic, Partition: partition, Offset: offset, Key: []byte(key)}
	if value != "" {
		msg.Value = []byte(value)
	}
	return msg
}

func TestHandlerSetupResumesFromCheckpoint(t *testing.T) {
	runner, _ := newRunner(t)
	ctx := context.Background()
	require.NoError(t, runner.Assign(ctx, []int32{0}))
	require.NoError(t, runner.Process(ctx, mirror.Record{Key: []byte("k"), Value: []byte("v"), Partition: 0, Offset: 41}))

	changes := 0
	h := NewHandler(testTopic, runner, func() { changes++ }, zaptest.NewLogger(t))
	sess := &fakeSession{ctx: ctx, claims: map[string][]int32{testTopic: {0, 1}}}
	require.NoError(t, h.Setup(sess))

	assert.Equal(t, []int32{0, 1}, runner.Partitions())
	assert.Equal(t, []offsetCall{{0, 42}}, sess.marked)
	assert.Equal(t, []offsetCall{{0, 42}, {1, sarama.OffsetOldest}}, sess.reset)
	assert.Equal(t, 1, changes)

	require.NoError(t, h.Cleanup(sess))
	assert.Equal(t, 2, changes)
}

func TestHandlerConsumeClaim(t *testing.T) {
	runner, db := newRunner(t)
	ctx := context.Background()
	h := NewHandler(testTopic, runner, nil, zaptest.NewLogger(t))
	sess := &fakeSession{ctx: ctx, claims: map[string][]int32{testTopic: {0}}}
	require.NoError(t, h.Setup(sess))

	claim := &fakeClaim{partition: 0, messages: make(chan *sarama.ConsumerMessage, 3)}
	claim.messages <- message(0, 0, "a", "1")
	claim.messages <- message(0, 1, "b", "2")
	claim.messages <- message(0, 2, "a", "")
	close(claim.messages)

	require.NoError(t, h.ConsumeClaim(sess, claim))
	assert.Equal(t, []int64{0, 1, 2}, sess.msgs)

	point, err := db.Store("point")
	require.NoError(t, err)
	_, err = point.Get(0, []byte("a"))
	assert.True(t, mirrorerr.IsNotFound(err))
	stored, err := point.Get(0, []byte("b"))
	require.NoError(t, err)
	_, v, err := mirror.DecodeValue(stored)
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)

	off, ok, err := db.Checkpoint(0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(2), off)
}

func TestHandlerTracksRestore(t *testing.T) {
	runner, _ := newRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHandler(testTopic, runner, nil, zaptest.NewLogger(t))
	sess := &fakeSession{ctx: ctx, claims: map[string][]int32{testTopic: {0, 1}}}
	require.NoError(t, h.Setup(sess))
	assert.True(t, runner.Restoring(0), "claimed partitions restore until their claim starts")

	empty := &fakeClaim{partition: 1, messages: make(chan *sarama.ConsumerMessage)}
	close(empty.messages)
	require.NoError(t, h.ConsumeClaim(sess, empty))
	assert.False(t, runner.Restoring(1), "an empty partition has nothing to restore")

	claim := &fakeClaim{partition: 0, hwm: 3, messages: make(chan *sarama.ConsumerMessage, 3)}
	done := make(chan error, 1)
	go func() { done <- h.ConsumeClaim(sess, claim) }()

	claim.messages <- message(0, 0, "a", "1")
	claim.messages <- message(0, 1, "b", "2")
	require.Eventually(t, func() bool { return sess.consumed() == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, runner.Restoring(0))

	claim.messages <- message(0, 2, "c", "3")
	require.Eventually(t, func() bool { return !runner.Restoring(0) }, time.Second, 5*time.Millisecond)

	close(claim.messages)
	require.NoError(t, <-done)
}

func TestHandlerFinishesRestoreWhenIdle(t *testing.T) {
	runner, _ := newRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHandler(testTopic, runner, nil, zaptest.NewLogger(t))
	h.restoreIdle = 20 * time.Millisecond
	sess := &fakeSession{ctx: ctx, claims: map[string][]int32{testTopic: {0}}}
	require.NoError(t, h.Setup(sess))

	// The last offset below the high water mark is a transaction marker.
	claim := &fakeClaim{partition: 0, hwm: 2, messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- message(0, 0, "a", "1")
	done := make(chan error, 1)
	go func() { done <- h.ConsumeClaim(sess, claim) }()

	require.Eventually(t, func() bool { return !runner.Restoring(0) }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestResumedPartitionIsNotRestoring(t *testing.T) {
	runner, _ := newRunner(t)
	ctx := context.Background()
	require.NoError(t, runner.Assign(ctx, []int32{0}))
	require.NoError(t, runner.Process(ctx, mirror.Record{Key: []byte("k"), Value: []byte("v"), Partition: 0, Offset: 9}))
	h := NewHandler(testTopic, runner, nil, zaptest.NewLogger(t))
	sess := &fakeSession{ctx: ctx, claims: map[string][]int32{testTopic: {0}}}
	require.NoError(t, h.Setup(sess))

	claim := &fakeClaim{partition: 0, hwm: 10, messages: make(chan *sarama.ConsumerMessage)}
	close(claim.messages)
	require.NoError(t, h.ConsumeClaim(sess, claim))
	assert.False(t, runner.Restoring(0))
}

type failingRunner struct {
	Runner
	calls int
	err   error
}

func (r *failingRunner) Task(int32) (*mirror.Task, bool) { return nil, false }

func (r *failingRunner) Process(context.Context, mirror.Record) error {
	r.calls++
	if r.calls < 3 {
		return r.err
	}
	return nil
}

func TestHandlerRetriesTransientFailures(t *testing.T) {
	runner := &failingRunner{err: errors.New("disk hiccup")}
	h := NewHandler(testTopic, runner, nil, zaptest.NewLogger(t))
	sess := &fakeSession{ctx: context.Background()}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- message(0, 7, "k", "v")
	close(claim.messages)

	require.NoError(t, h.ConsumeClaim(sess, claim))
	assert.Equal(t, 3, runner.calls)
	assert.Equal(t, []int64{7}, sess.msgs)
	assert.NoError(t, h.Err())
}

func TestHandlerStopsOnConfigError(t *testing.T) {
	runner := &failingRunner{err: mirrorerr.Config("open store", mirrorerr.ErrStoreMissing)}
	h := NewHandler(testTopic, runner, nil, zaptest.NewLogger(t))
	sess := &fakeSession{ctx: context.Background()}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- message(0, 7, "k", "v")

	err := h.ConsumeClaim(sess, claim)
	assert.ErrorIs(t, err, mirrorerr.ErrStoreMissing)
	assert.Equal(t, 1, runner.calls)
	assert.Empty(t, sess.msgs, "failed record is not marked")
	assert.ErrorIs(t, h.Err(), mirrorerr.ErrStoreMissing)
}

type fakeGroup struct {
	sarama.ConsumerGroup
	errs     chan error
	consumes int
	results  []error
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Consume(ctx context.Context, _ []string, handler sarama.ConsumerGroupHandler) error {
	g.consumes++
	if len(g.results) > 0 {
		err := g.results[0]
		g.results = g.results[1:]
		return err
	}
	<-ctx.Done()
	return nil
}

func TestConsumerRunRejoinsAfterErrors(t *testing.T) {
	group := &fakeGroup{errs: make(chan error), results: []error{errors.New("coordinator not available"), nil}}
	defer close(group.errs)
	runner, _ := newRunner(t)
	c := NewConsumer(group, NewHandler(testTopic, runner, nil, nil), zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(time.Second)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 3, group.consumes)
}

func TestConsumerRunStopsOnClosedGroup(t *testing.T) {
	group := &fakeGroup{errs: make(chan error), results: []error{sarama.ErrClosedConsumerGroup}}
	defer close(group.errs)
	runner, _ := newRunner(t)
	c := NewConsumer(group, NewHandler(testTopic, runner, nil, nil), nil)

	assert.NoError(t, c.Run(context.Background()))
	assert.Equal(t, 1, group.consumes)
}

func TestToSaramaConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Group = "mirror-users"
	cfg.SASL = SASL{Enable: true, Username: "u", Password: "p", Algorithm: "sha256"}
	require.NoError(t, cfg.Validate())

	conf, err := cfg.ToSaramaConfig("mirror-0.mirror:8080")
	require.NoError(t, err)
	assert.Equal(t, sarama.OffsetOldest, conf.Consumer.Offsets.Initial)
	assert.Equal(t, []byte("mirror-0.mirror:8080"), conf.Consumer.Group.Member.UserData)
	assert.Equal(t, sarama.SASLMechanism(sarama.SASLTypeSCRAMSHA256), conf.Net.SASL.Mechanism)
	require.Len(t, conf.Consumer.Group.Rebalance.GroupStrategies, 1)
	assert.Equal(t, sarama.RangeBalanceStrategyName, conf.Consumer.Group.Rebalance.GroupStrategies[0].Name())
	assert.Equal(t, 10*time.Second, conf.Consumer.Group.Session.Timeout)
	require.NoError(t, conf.Validate())

	client, ok := conf.Net.SASL.SCRAMClientGeneratorFunc().(*XDGSCRAMClient)
	require.True(t, ok)
	require.NoError(t, client.Begin("u", "p", ""))
	first, err := client.Step("")
	require.NoError(t, err)
	assert.Contains(t, first, "n=u")
	assert.False(t, client.Done())

	cfg.SASL.Algorithm = "md5"
	_, err = cfg.ToSaramaConfig("")
	assert.Error(t, err)

	cfg = Config{Version: "not-a-version"}
	_, err = cfg.ToSaramaConfig("")
	assert.Error(t, err)
	assert.Error(t, cfg.Validate())

	cfg = Config{TLS: TLS{Enable: true, CAFile: "/does/not/exist"}}
	_, err = cfg.ToSaramaConfig("")
	assert.Error(t, err)
}

func TestToSaramaConfigTLS(t *testing.T) {
	certFile, keyFile, err := testutil.WriteSelfSignedCert(t.TempDir())
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.TLS = TLS{Enable: true, CertFile: certFile, KeyFile: keyFile, CAFile: certFile}
	conf, err := cfg.ToSaramaConfig("")
	require.NoError(t, err)
	require.True(t, conf.Net.TLS.Enable)
	assert.Len(t, conf.Net.TLS.Config.Certificates, 1)
	assert.NotNil(t, conf.Net.TLS.Config.RootCAs)

	cfg.TLS.CAFile = keyFile
	_, err = cfg.ToSaramaConfig("")
	assert.ErrorContains(t, err, "no certificates")
}
