package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bakdata/quick-sub003/pkg/extract"
	"github.com/bakdata/quick-sub003/pkg/metrics"
	"github.com/bakdata/quick-sub003/pkg/mirror"
	"github.com/bakdata/quick-sub003/pkg/mirrorerr"
	"github.com/bakdata/quick-sub003/pkg/router"
	"github.com/bakdata/quick-sub003/pkg/serde"
	"github.com/bakdata/quick-sub003/pkg/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrRangeNotConfigured = errors.New("no range index is configured for this topic")
	ErrNoMembers          = errors.New("no member owns a partition")
	ErrRestoring          = errors.New("partition is being restored")
)

// fanOutLimit bounds concurrent forwarded requests of one query.
const fanOutLimit = 8

// Service answers queries for one mirrored topic.
type Service struct {
	qctx   *Context
	point  *store.Store
	ranges *store.Store
	remote RemoteClient
	logger *zap.Logger
}

// NewService resolves the stores of qctx.
func NewService(qctx *Context, remote RemoteClient, logger *zap.Logger) (*Service, error) {
	if err := qctx.Validate(); err != nil {
		return nil, err
	}
	if qctx.Runtime.Stores == nil || qctx.Runtime.Router == nil {
		return nil, mirrorerr.Config("query service", errors.New("runtime stores and router are required"))
	}
	if remote == nil {
		return nil, mirrorerr.Config("query service", errors.New("remote client is required"))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{qctx: qctx, remote: remote, logger: logger.Named("query")}
	var err error
	if s.point, err = qctx.Runtime.Stores.Store(qctx.PointStore); err != nil {
		return nil, err
	}
	if qctx.Range != nil {
		if s.ranges, err = qctx.Runtime.Stores.Store(qctx.Range.Store); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// target is where the value of a key lives.
type target struct {
	key       string
	partition int32
	skey      []byte
	member    router.Member
}

// resolve parses key and looks up its partition. With local set the current
// owner is ignored.
func (s *Service) resolve(key string, local bool) (target, error) {
	b := s.qctx.Binding
	parsed, err := b.KeySerde().Parse(key)
	if err != nil {
		return target{}, mirrorerr.Mismatch(fmt.Sprintf("parse key %q", key), err)
	}
	skey, err := b.KeySerde().Serialize(b.Name, parsed)
	if err != nil {
		return target{}, mirrorerr.Mismatch(fmt.Sprintf("serialize key %q", key), err)
	}
	t := target{key: key, skey: skey}
	if local {
		t.partition, err = s.qctx.Runtime.Router.Partition(parsed)
		t.member = s.qctx.LocalMember
		return t, err
	}
	t.partition, t.member, err = s.qctx.Runtime.Router.RoutePartition(parsed)
	return t, err
}

// render turns a stored point value into JSON.
func (s *Service) render(stored []byte) (json.RawMessage, error) {
	_, value, err := mirror.DecodeValue(stored)
	if err != nil {
		return nil, err
	}
	v, err := s.qctx.Binding.ValueSerde().Deserialize(s.qctx.Binding.Name, value)
	if err != nil {
		return nil, fmt.Errorf("deserialize value: %w", err)
	}
	return serde.JSON(v)
}

// ready fails while the local data of partition is incomplete.
func (s *Service) ready(partition int32) error {
	ps := s.qctx.Runtime.Partitions
	if ps != nil && ps.Restoring(partition) {
		return mirrorerr.Unavailable(fmt.Sprintf("partition %d", partition), ErrRestoring)
	}
	return nil
}

func (s *Service) readLocal(t target) (json.RawMessage, error) {
	if err := s.ready(t.partition); err != nil {
		return nil, err
	}
	stored, err := s.point.Get(t.partition, t.skey)
	if err != nil {
		if mirrorerr.IsNotFound(err) {
			return nil, mirrorerr.NotFound(t.key)
		}
		return nil, err
	}
	return s.render(stored)
}

func observe(operation, location string, start time.Time) {
	metrics.QueryDuration.WithLabelValues(operation, location).Observe(time.Since(start).Seconds())
}

func location(local bool) string {
	if local {
		return "local"
	}
	return "remote"
}

// Get returns the value of key. With local set the value is read from this
// instance without routing, as forwarded requests do.
func (s *Service) Get(ctx context.Context, key string, local bool) (json.RawMessage, error) {
	start := time.Now()
	t, err := s.resolve(key, local)
	if err != nil {
		return nil, err
	}
	isLocal := s.qctx.IsLocal(t.member)
	defer observe("get", location(isLocal), start)
	if isLocal {
		return s.readLocal(t)
	}
	return s.remote.Fetch(ctx, forwarded(s.qctx.Host(t.member).Key(key)))
}

// GetMany returns the values of keys in input order. Missing keys yield a
// JSON null at their position.
func (s *Service) GetMany(ctx context.Context, keys []string, local bool) ([]json.RawMessage, error) {
	start := time.Now()
	defer observe("get_many", location(local), start)

	out := make([]json.RawMessage, len(keys))
	remote := make(map[router.Member][]int)
	for i, key := range keys {
		t, err := s.resolve(key, local)
		if err != nil {
			return nil, err
		}
		if !s.qctx.IsLocal(t.member) {
			remote[t.member] = append(remote[t.member], i)
			continue
		}
		v, err := s.readLocal(t)
		switch {
		case mirrorerr.IsNotFound(err):
			out[i] = null
		case err != nil:
			return nil, err
		default:
			out[i] = v
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOutLimit)
	for member, idx := range remote {
		ids := make([]string, len(idx))
		for j, i := range idx {
			ids[j] = keys[i]
		}
		g.Go(func() error {
			body, err := s.remote.Fetch(gctx, forwarded(s.qctx.Host(member).Keys(ids)))
			if err != nil {
				return err
			}
			var values []json.RawMessage
			if err := json.Unmarshal(body, &values); err != nil {
				return mirrorerr.Unavailable("decode response of "+string(member), err)
			}
			if len(values) != len(idx) {
				return mirrorerr.Unavailable("decode response of "+string(member),
					fmt.Errorf("got %d values for %d keys", len(values), len(idx)))
			}
			for j, i := range idx {
				out[i] = values[j]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

var null = json.RawMessage("null")

// All returns every value stored on this instance.
func (s *Service) All(ctx context.Context) ([]json.RawMessage, error) {
	start := time.Now()
	defer observe("all", "local", start)

	if ps := s.qctx.Runtime.Partitions; ps != nil {
		for _, p := range ps.Partitions() {
			if err := s.ready(p); err != nil {
				return nil, err
			}
		}
	}
	out := []json.RawMessage{}
	err := s.point.Scan(func(e store.Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		v, err := s.render(e.Value)
		if err != nil {
			return fmt.Errorf("partition %d: %w", e.Partition, err)
		}
		out = append(out, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AllCluster collects the values of every member. Results are grouped by
// member in sorted member order.
func (s *Service) AllCluster(ctx context.Context) ([]json.RawMessage, error) {
	members := s.qctx.Runtime.Router.Members()
	if len(members) == 0 {
		return nil, mirrorerr.Unavailable("list members", ErrNoMembers)
	}
	start := time.Now()
	defer observe("all", "cluster", start)

	parts := make([][]json.RawMessage, len(members))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOutLimit)
	for i, m := range members {
		g.Go(func() error {
			if s.qctx.IsLocal(m) {
				values, err := s.All(gctx)
				parts[i] = values
				return err
			}
			body, err := s.remote.Fetch(gctx, forwarded(s.qctx.Host(m).All()))
			if err != nil {
				return err
			}
			if err := json.Unmarshal(body, &parts[i]); err != nil {
				return mirrorerr.Unavailable("decode response of "+string(m), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := []json.RawMessage{}
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

// Range returns the values of key whose range field lies in [from, to],
// ordered by the field.
func (s *Service) Range(ctx context.Context, key, from, to string, local bool) ([]json.RawMessage, error) {
	if s.ranges == nil {
		return nil, mirrorerr.Mismatch("range", ErrRangeNotConfigured)
	}
	if from == "" || to == "" {
		return nil, mirrorerr.Mismatch("range", errors.New("both from and to are required"))
	}
	ft := s.qctx.Range.FieldType
	lo, err := extract.EncodeBound(ft, from)
	if err != nil {
		return nil, mirrorerr.Mismatch("range from", err)
	}
	hi, err := extract.EncodeBound(ft, to)
	if err != nil {
		return nil, mirrorerr.Mismatch("range to", err)
	}

	start := time.Now()
	t, err := s.resolve(key, local)
	if err != nil {
		return nil, err
	}
	isLocal := s.qctx.IsLocal(t.member)
	defer observe("range", location(isLocal), start)
	if !isLocal {
		body, err := s.remote.Fetch(ctx, forwarded(s.qctx.Host(t.member).Range(key, from, to)))
		if err != nil {
			return nil, err
		}
		var values []json.RawMessage
		if err := json.Unmarshal(body, &values); err != nil {
			return nil, mirrorerr.Unavailable("decode response of "+string(t.member), err)
		}
		return values, nil
	}

	if err := s.ready(t.partition); err != nil {
		return nil, err
	}
	out := []json.RawMessage{}
	upper := append(mirror.RangeKey(t.skey, hi), 0x00)
	err = s.ranges.ScanRange(t.partition, mirror.RangeKey(t.skey, lo), upper, func(e store.Entry) error {
		v, err := s.render(e.Value)
		if err != nil {
			return err
		}
		out = append(out, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
