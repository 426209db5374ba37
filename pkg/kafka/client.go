package kafka

import (
	"errors"
	"fmt"

	"github.com/IBM/sarama"
)

// Clients bundles the broker connections of one mirror instance.
type Clients struct {
	Client sarama.Client
	Admin  sarama.ClusterAdmin
	Group  sarama.ConsumerGroup
}

// Connect opens a client, a cluster admin and the consumer group over one
// set of broker connections.
func Connect(cfg Config, memberAddress string) (*Clients, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conf, err := cfg.ToSaramaConfig(memberAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to create sarama config: %w", err)
	}
	client, err := sarama.NewClient(cfg.Brokers, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	// Closing the admin closes the client.
	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create cluster admin: %w", err)
	}
	group, err := sarama.NewConsumerGroupFromClient(cfg.Group, client)
	if err != nil {
		_ = admin.Close()
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}
	return &Clients{Client: client, Admin: admin, Group: group}, nil
}

// Partitions returns the partition count of topic.
func (c *Clients) Partitions(topic string) (int32, error) {
	ps, err := c.Client.Partitions(topic)
	if err != nil {
		return 0, fmt.Errorf("failed to list partitions of %s: %w", topic, err)
	}
	if len(ps) == 0 {
		return 0, fmt.Errorf("topic %s has no partitions", topic)
	}
	return int32(len(ps)), nil
}

// Close leaves the group and closes the connections.
func (c *Clients) Close() error {
	return errors.Join(c.Group.Close(), c.Admin.Close())
}
