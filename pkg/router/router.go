// Package router maps keys to the cluster member that owns their partition.
//
// The partition of a key is computed from its serialized bytes exactly as
// the producers compute it. The partition to member mapping is an immutable
// snapshot that is swapped as a whole on every membership change, so readers
// see either the old or the new mapping and never block.
package router

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync/atomic"

	"github.com/bakdata/quick-sub003/pkg/metrics"
	"github.com/bakdata/quick-sub003/pkg/mirrorerr"
	"github.com/bakdata/quick-sub003/pkg/serde"
	"go.uber.org/zap"
)

// Member is the network address of a mirror instance.
type Member string

// Assignment maps each partition to its owning member.
type Assignment map[int32]Member

// ErrUnmappedPartition is returned for a partition without a known owner,
// typically during a rebalance. It is retryable.
var ErrUnmappedPartition = errors.New("partition has no known owner")

type snapshot struct {
	owners  Assignment
	members []Member
}

func newSnapshot(a Assignment) *snapshot {
	owners := maps.Clone(a)
	if owners == nil {
		owners = Assignment{}
	}
	set := make(map[Member]struct{}, len(owners))
	for _, m := range owners {
		if m != "" {
			set[m] = struct{}{}
		}
	}
	members := slices.Sorted(maps.Keys(set))
	return &snapshot{owners: owners, members: members}
}

// Router routes keys of one topic.
type Router struct {
	topic      string
	keys       serde.Serializer
	finder     PartitionFinder
	partitions int32
	logger     *zap.Logger

	current atomic.Pointer[snapshot]
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New creates a router for a topic with partitions partitions.
func New(keys serde.Serializer, topic string, finder PartitionFinder, partitions int32, initial Assignment, opts ...Option) (*Router, error) {
	if keys == nil {
		return nil, mirrorerr.Config("router", errors.New("key serializer is required"))
	}
	if partitions <= 0 {
		return nil, mirrorerr.Config("router", fmt.Errorf("invalid partition count %d for topic %s", partitions, topic))
	}
	if finder == nil {
		finder = Murmur2()
	}
	r := &Router{
		topic:      topic,
		keys:       keys,
		finder:     finder,
		partitions: partitions,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.current.Store(newSnapshot(initial))
	return r, nil
}

// Topic returns the routed topic.
func (r *Router) Topic() string { return r.topic }

// Partitions returns the partition count of the topic.
func (r *Router) Partitions() int32 { return r.partitions }

// Partition returns the partition of key.
func (r *Router) Partition(key any) (int32, error) {
	b, err := r.keys.Serialize(r.topic, key)
	if err != nil {
		return 0, mirrorerr.Mismatch("serialize key", err)
	}
	return r.finder.Partition(b, r.partitions)
}

// RoutePartition returns the partition of key and its current owner.
func (r *Router) RoutePartition(key any) (int32, Member, error) {
	p, err := r.Partition(key)
	if err != nil {
		return 0, "", err
	}
	m, ok := r.current.Load().owners[p]
	if !ok || m == "" {
		metrics.RoutingUnavailable.WithLabelValues(r.topic).Inc()
		return p, "", mirrorerr.Unavailable(fmt.Sprintf("route partition %d of %s", p, r.topic), ErrUnmappedPartition)
	}
	return p, m, nil
}

// Route returns the member currently owning key.
func (r *Router) Route(key any) (Member, error) {
	_, m, err := r.RoutePartition(key)
	return m, err
}

// Owner returns the member of partition.
func (r *Router) Owner(partition int32) (Member, bool) {
	m, ok := r.current.Load().owners[partition]
	return m, ok && m != ""
}

// Members returns the distinct members of the current mapping in sorted
// order.
func (r *Router) Members() []Member {
	return slices.Clone(r.current.Load().members)
}

// Assignment returns a copy of the current mapping.
func (r *Router) Assignment() Assignment {
	return maps.Clone(r.current.Load().owners)
}

// Update replaces the mapping with a.
func (r *Router) Update(a Assignment) {
	next := newSnapshot(a)
	prev := r.current.Swap(next)
	r.logger.Info("routing table updated",
		zap.String("topic", r.topic),
		zap.Int("partitions", len(next.owners)),
		zap.Int("members", len(next.members)),
		zap.Int("previous_members", len(prev.members)))
}

// OnMembershipChange returns a callback for membership sources.
func (r *Router) OnMembershipChange() func(Assignment) {
	return r.Update
}
