package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bakdata/quick-sub003/pkg/mirrorerr"
	"github.com/bakdata/quick-sub003/pkg/topic"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const registryYAML = `
topics:
  - name: purchases
    keyType: string
    valueType: avro
    writeType: immutable
    schema: '{"type":"record","name":"Purchase","fields":[{"name":"id","type":"string"}]}'
  - name: counts
    keyType: long
    valueType: long
`

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topics.yaml")
	require.NoError(t, os.WriteFile(path, []byte(registryYAML), 0o600))

	reg, err := LoadFile(path)
	require.NoError(t, err)

	spec, err := reg.Lookup(context.Background(), "purchases")
	require.NoError(t, err)
	assert.Equal(t, "avro", spec.ValueType)
	assert.Equal(t, "immutable", spec.WriteType)
	assert.Contains(t, spec.Schema, "Purchase")

	_, err = reg.Lookup(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrTopicNotFound)
	assert.Equal(t, mirrorerr.ClassConfig, mirrorerr.ClassOf(err))
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "topics.yaml")
	require.NoError(t, os.WriteFile(path, []byte("topics:\n  - keyType: string\n"), 0o600))
	_, err = LoadFile(path)
	assert.ErrorIs(t, err, topic.ErrNoName)
}

type entry struct {
	jetstream.KeyValueEntry
	value []byte
}

func (e entry) Value() []byte { return e.value }

type fakeKV struct {
	entries map[string][]byte
	err     error
	calls   int
}

func (kv *fakeKV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	kv.calls++
	if kv.err != nil && kv.calls < 3 {
		return nil, kv.err
	}
	v, ok := kv.entries[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return entry{value: v}, nil
}

func TestNATSRegistryLookup(t *testing.T) {
	kv := &fakeKV{entries: map[string][]byte{
		"users": []byte(`{"keyType":"string","valueType":"string"}`),
		"bad":   []byte(`{`),
	}}
	reg := NewNATSRegistry(kv)
	ctx := context.Background()

	spec, err := reg.Lookup(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, topic.Spec{Name: "users", KeyType: "string", ValueType: "string"}, spec)

	_, err = reg.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, ErrTopicNotFound)

	_, err = reg.Lookup(ctx, "bad")
	assert.Equal(t, mirrorerr.ClassConfig, mirrorerr.ClassOf(err))

	kv.err, kv.calls = errors.New("nats: timeout"), 0
	_, err = reg.Lookup(ctx, "users")
	assert.True(t, mirrorerr.IsRetryable(err))
}

func TestResolveRetriesNATSDial(t *testing.T) {
	kv := &fakeKV{entries: map[string][]byte{"users": []byte(`{"keyType":"string","valueType":"string"}`)}}
	dials := 0
	reg := &NATSRegistry{dial: func(context.Context) (KV, *nats.Conn, error) {
		dials++
		if dials < 3 {
			return nil, nil, mirrorerr.Unavailable("connect to nats", errors.New("nats: no servers available for connection"))
		}
		return kv, nil, nil
	}}
	defer reg.Close()

	b, err := Resolve(context.Background(), reg, "users", 5*time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 3, dials)
	assert.Equal(t, "users", b.Name)

	_, err = reg.Lookup(context.Background(), "users")
	require.NoError(t, err)
	assert.Equal(t, 3, dials, "connection is kept after the first success")
}

func TestOpenNATSUnreachable(t *testing.T) {
	reg := OpenNATS("nats://127.0.0.1:1", "topics")
	defer reg.Close()
	_, err := reg.Lookup(context.Background(), "users")
	require.Error(t, err)
	assert.True(t, mirrorerr.IsRetryable(err))
}

func TestResolve(t *testing.T) {
	kv := &fakeKV{
		entries: map[string][]byte{"users": []byte(`{"keyType":"string","valueType":"string","writeType":"immutable"}`)},
		err:     errors.New("nats: no responders"),
	}
	b, err := Resolve(context.Background(), NewNATSRegistry(kv), "users", 5*time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 3, kv.calls)
	assert.Equal(t, "users", b.Name)
	assert.Equal(t, topic.Immutable, b.WritePolicy)

	_, err = Resolve(context.Background(), NewStatic(), "users", time.Second, nil)
	assert.ErrorIs(t, err, ErrTopicNotFound)

	_, err = Resolve(context.Background(), NewStatic(topic.Spec{Name: "users", KeyType: "avro", ValueType: "string"}), "users", time.Second, nil)
	assert.Equal(t, mirrorerr.ClassConfig, mirrorerr.ClassOf(err), "avro key without a schema")
}
