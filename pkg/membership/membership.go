// Package membership supplies the current partition to member assignment of
// the mirror cluster and pushes it to the router whenever it changes.
package membership

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	"github.com/bakdata/quick-sub003/pkg/mirrorerr"
	"github.com/bakdata/quick-sub003/pkg/router"
)

// Source returns the full current assignment.
type Source interface {
	Assignment(ctx context.Context) (router.Assignment, error)
}

// ErrRebalancing is returned while the consumer group is rebalancing and
// partitions have no settled owner.
var ErrRebalancing = errors.New("consumer group is rebalancing")

// Static is a fixed assignment, e.g. from configuration.
type Static router.Assignment

func (s Static) Assignment(context.Context) (router.Assignment, error) {
	out := make(router.Assignment, len(s))
	for p, m := range s {
		out[p] = m
	}
	return out, nil
}

// Spread assigns partitions round-robin to members.
func Spread(members []router.Member, partitions int32) router.Assignment {
	a := make(router.Assignment, partitions)
	if len(members) == 0 {
		return a
	}
	for p := range partitions {
		a[p] = members[int(p)%len(members)]
	}
	return a
}

// GroupDescriber is the part of sarama.ClusterAdmin used by GroupSource.
type GroupDescriber interface {
	DescribeConsumerGroups(groups []string) ([]*sarama.GroupDescription, error)
}

var _ GroupDescriber = (sarama.ClusterAdmin)(nil)

// GroupSource reads the assignment of the mirror consumer group from the
// brokers. Every member publishes its query address as the user data of its
// join metadata.
type GroupSource struct {
	admin GroupDescriber
	group string
	topic string
}

func NewGroupSource(admin GroupDescriber, group, topic string) *GroupSource {
	return &GroupSource{admin: admin, group: group, topic: topic}
}

const stateStable = "Stable"

func (g *GroupSource) Assignment(ctx context.Context) (router.Assignment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	descs, err := g.admin.DescribeConsumerGroups([]string{g.group})
	if err != nil {
		return nil, mirrorerr.Unavailable("describe consumer group", err)
	}
	var desc *sarama.GroupDescription
	for _, d := range descs {
		if d.GroupId == g.group {
			desc = d
			break
		}
	}
	if desc == nil {
		return nil, mirrorerr.Unavailable("describe consumer group", fmt.Errorf("group %s not found", g.group))
	}
	if desc.Err != sarama.ErrNoError {
		return nil, mirrorerr.Unavailable("describe consumer group", desc.Err)
	}
	if desc.State != stateStable {
		return nil, mirrorerr.Unavailable(fmt.Sprintf("group %s in state %s", g.group, desc.State), ErrRebalancing)
	}

	a := router.Assignment{}
	for id, m := range desc.Members {
		addr, err := memberAddress(m)
		if err != nil {
			return nil, fmt.Errorf("member %s: %w", id, err)
		}
		assignment, err := m.GetMemberAssignment()
		if err != nil {
			return nil, fmt.Errorf("member %s assignment: %w", id, err)
		}
		if assignment == nil {
			continue
		}
		for _, p := range assignment.Topics[g.topic] {
			a[p] = router.Member(addr)
		}
	}
	return a, nil
}

// memberAddress returns the query address a member published, falling back
// to the host the broker saw it connect from.
func memberAddress(m *sarama.GroupMemberDescription) (string, error) {
	meta, err := m.GetMemberMetadata()
	if err != nil {
		return "", fmt.Errorf("metadata: %w", err)
	}
	if meta != nil && len(meta.UserData) > 0 {
		return string(meta.UserData), nil
	}
	return strings.TrimPrefix(m.ClientHost, "/"), nil
}
