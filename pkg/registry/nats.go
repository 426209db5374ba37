package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bakdata/quick-sub003/pkg/mirrorerr"
	"github.com/bakdata/quick-sub003/pkg/topic"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// KV is the part of jetstream.KeyValue the registry reads.
type KV interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
}

// NATSRegistry reads JSON encoded topic specs from a JetStream key-value
// bucket keyed by topic name.
type NATSRegistry struct {
	dial func(ctx context.Context) (KV, *nats.Conn, error)

	mu sync.Mutex
	kv KV
	nc *nats.Conn
}

// NewNATSRegistry wraps an opened bucket.
func NewNATSRegistry(kv KV) *NATSRegistry {
	return &NATSRegistry{kv: kv}
}

// OpenNATS returns a registry that connects to url and opens bucket on its
// first lookup. A failed connection is retryable, so Resolve keeps dialing
// until the server is reachable.
func OpenNATS(url, bucket string) *NATSRegistry {
	return &NATSRegistry{dial: func(ctx context.Context) (KV, *nats.Conn, error) {
		return dialBucket(ctx, url, bucket)
	}}
}

func dialBucket(ctx context.Context, url, bucket string) (KV, *nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("quick-mirror"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, nil, mirrorerr.Unavailable("connect to nats", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	kv, err := js.KeyValue(ctx, bucket)
	if err != nil {
		nc.Close()
		if errors.Is(err, jetstream.ErrBucketNotFound) {
			return nil, nil, mirrorerr.Config("open registry bucket "+bucket, err)
		}
		return nil, nil, mirrorerr.Unavailable("open registry bucket "+bucket, err)
	}
	return kv, nc, nil
}

// bucket returns the opened bucket, dialing when not connected yet.
func (r *NATSRegistry) bucket(ctx context.Context) (KV, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.kv != nil {
		return r.kv, nil
	}
	if r.dial == nil {
		return nil, mirrorerr.Config("nats registry", errors.New("no bucket"))
	}
	kv, nc, err := r.dial(ctx)
	if err != nil {
		return nil, err
	}
	r.kv, r.nc = kv, nc
	return kv, nil
}

func (r *NATSRegistry) Lookup(ctx context.Context, name string) (topic.Spec, error) {
	kv, err := r.bucket(ctx)
	if err != nil {
		return topic.Spec{}, err
	}
	entry, err := kv.Get(ctx, name)
	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound), errors.Is(err, jetstream.ErrKeyDeleted):
		return topic.Spec{}, mirrorerr.Config("lookup "+name, ErrTopicNotFound)
	case err != nil:
		return topic.Spec{}, mirrorerr.Unavailable("lookup "+name, err)
	}
	var spec topic.Spec
	if err := json.Unmarshal(entry.Value(), &spec); err != nil {
		return topic.Spec{}, mirrorerr.Config("decode spec of "+name, err)
	}
	if spec.Name == "" {
		spec.Name = name
	}
	return spec, nil
}

// Close closes the connection the registry opened.
func (r *NATSRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nc != nil {
		r.nc.Close()
	}
}
