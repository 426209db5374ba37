package mirrord

import (
	"context"
	"fmt"
	"time"

	"github.com/bakdata/quick-sub003/pkg/kafka"
	"github.com/bakdata/quick-sub003/pkg/query"
	"github.com/bakdata/quick-sub003/pkg/router"
	"github.com/spf13/cobra"
)

var routeCmd = &cobra.Command{
	Use:   "route <key>",
	Short: "Print the partition and owning replica of a key",
	Long: `route parses the key with the key type of the mirrored topic, hashes it
with the configured partitioner and looks up the current owner.`,
	Args: cobra.ExactArgs(1),
	RunE: runRoute,
}

func init() {
	f := routeCmd.Flags()
	f.StringP("mirror.topic", "t", "", "Topic to mirror")
	f.StringSliceP("kafka.brokers", "b", nil, "Kafka bootstrap brokers")
	f.StringP("kafka.group", "g", "", "Consumer group shared by the replicas")
	f.Duration("timeout", 30*time.Second, "Timeout of the lookup")
}

func runRoute(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	binding, err := resolveBinding(ctx, cfg, logger)
	if err != nil {
		return err
	}
	clients, err := kafka.Connect(cfg.Kafka, cfg.Mirror.Address)
	if err != nil {
		return err
	}
	defer clients.Close()

	partitions, err := clients.Partitions(cfg.Mirror.Topic)
	if err != nil {
		return err
	}
	finder, err := router.FinderByName(cfg.Mirror.Partitioner, cfg.Mirror.Topic)
	if err != nil {
		return err
	}
	assignment, err := membershipSource(cfg, clients, partitions).Assignment(ctx)
	if err != nil {
		return err
	}
	rt, err := router.New(binding.KeySerde(), cfg.Mirror.Topic, finder, partitions, assignment)
	if err != nil {
		return err
	}

	key, err := binding.KeySerde().Parse(args[0])
	if err != nil {
		return fmt.Errorf("parse key: %w", err)
	}
	partition, err := rt.Partition(key)
	if err != nil {
		return err
	}
	owner, ok := rt.Owner(partition)
	if !ok {
		fmt.Fprintf(cmd.OutOrStdout(), "partition %d has no owner\n", partition)
		return nil
	}
	qctx := query.Context{Address: query.AddressConfig{
		Scheme: cfg.HTTP.Scheme,
		Prefix: cfg.HTTP.Prefix,
		Path:   cfg.HTTP.Path,
	}}
	fmt.Fprintf(cmd.OutOrStdout(), "partition %d owned by %s\n", partition, owner)
	fmt.Fprintln(cmd.OutOrStdout(), qctx.Host(owner).Key(args[0]))
	return nil
}
