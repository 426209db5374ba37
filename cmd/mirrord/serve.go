package mirrord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bakdata/quick-sub003/pkg/config"
	"github.com/bakdata/quick-sub003/pkg/kafka"
	"github.com/bakdata/quick-sub003/pkg/membership"
	"github.com/bakdata/quick-sub003/pkg/metrics"
	"github.com/bakdata/quick-sub003/pkg/mirror"
	"github.com/bakdata/quick-sub003/pkg/query"
	"github.com/bakdata/quick-sub003/pkg/registry"
	"github.com/bakdata/quick-sub003/pkg/router"
	"github.com/bakdata/quick-sub003/pkg/store"
	"github.com/bakdata/quick-sub003/pkg/topic"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var errNoOwners = errors.New("no partition owners known yet")

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Mirror the topic and serve lookups",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringP("mirror.topic", "t", "", "Topic to mirror")
	f.StringP("mirror.address", "a", "", "host:port other replicas reach this instance on")
	f.StringP("mirror.dataDir", "d", "", "Directory of the local store")
	f.StringSliceP("kafka.brokers", "b", nil, "Kafka bootstrap brokers")
	f.StringP("kafka.group", "g", "", "Consumer group shared by the replicas")
	f.StringP("http.listenAddr", "l", "", "Query server listen address")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

func openRegistry(cfg config.RegistryConfig) (registry.Registry, func(), error) {
	switch cfg.Type {
	case "file":
		reg, err := registry.LoadFile(cfg.File)
		return reg, func() {}, err
	case "nats":
		reg := registry.OpenNATS(cfg.URL, cfg.Bucket)
		return reg, reg.Close, nil
	default:
		return registry.NewStatic(cfg.Topics...), func() {}, nil
	}
}

func resolveBinding(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*topic.Binding, error) {
	reg, closeReg, err := openRegistry(cfg.Registry)
	if err != nil {
		return nil, err
	}
	defer closeReg()
	return registry.Resolve(ctx, reg, cfg.Mirror.Topic, cfg.Registry.Timeout, logger)
}

func membershipSource(cfg *config.Config, clients *kafka.Clients, partitions int32) membership.Source {
	m := cfg.Mirror.Membership
	if m.Mode == "static" {
		members := make([]router.Member, len(m.Members))
		for i, addr := range m.Members {
			members[i] = router.Member(addr)
		}
		return membership.Static(membership.Spread(members, partitions))
	}
	return membership.NewGroupSource(clients.Admin, cfg.Kafka.Group, cfg.Mirror.Topic)
}

// serve runs the instance until ctx is done or a component fails. Shutdown
// stops the query server first, then leaves the consumer group and finally
// closes the store.
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	binding, err := resolveBinding(ctx, cfg, logger)
	if err != nil {
		return err
	}

	qctx := &query.Context{
		LocalMember: router.Member(cfg.Mirror.Address),
		PointStore:  cfg.Mirror.PointStore,
		Range:       cfg.RangeOptions(),
		Retention:   cfg.RetentionOptions(),
		Binding:     binding,
		Address: query.AddressConfig{
			Scheme: cfg.HTTP.Scheme,
			Prefix: cfg.HTTP.Prefix,
			Path:   cfg.HTTP.Path,
		},
	}
	topoOpts := qctx.TopologyOptions(logger)

	storeOpts := cfg.StoreOptions(topoOpts.StoreNames())
	storeOpts.Metrics = metrics.StoreHook{}
	db, err := store.Open(storeOpts)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	topo, err := mirror.NewTopology(db, topoOpts)
	if err != nil {
		return err
	}
	runner := mirror.NewRunner(topo, logger)
	defer runner.Close()

	clients, err := kafka.Connect(cfg.Kafka, cfg.Mirror.Address)
	if err != nil {
		return err
	}
	closeClients := sync.OnceValue(clients.Close)
	defer closeClients()

	partitions, err := clients.Partitions(cfg.Mirror.Topic)
	if err != nil {
		return err
	}
	finder, err := router.FinderByName(cfg.Mirror.Partitioner, cfg.Mirror.Topic)
	if err != nil {
		return err
	}
	rt, err := router.New(binding.KeySerde(), cfg.Mirror.Topic, finder, partitions, nil, router.WithLogger(logger))
	if err != nil {
		return err
	}
	qctx.Runtime = query.Runtime{Stores: db, Router: rt, Partitions: runner}

	watcher := membership.NewWatcher(membershipSource(cfg, clients, partitions), rt.OnMembershipChange(), cfg.Mirror.Membership.Refresh, logger)

	remote := query.NewHTTPRemote(query.RemoteOptions{
		Timeout:    cfg.HTTP.ForwardTimeout,
		MaxRetries: cfg.HTTP.ForwardRetries,
		Logger:     logger,
	})
	svc, err := query.NewService(qctx, remote, logger)
	if err != nil {
		return err
	}
	server := query.NewServer(svc, query.ServerOptions{
		Path:    cfg.HTTP.Path,
		TLSCert: cfg.HTTP.TLSCert,
		TLSKey:  cfg.HTTP.TLSKey,
		Logger:  logger,
		Ready: func() error {
			if len(rt.Members()) == 0 {
				return errNoOwners
			}
			return nil
		},
	})

	handler := kafka.NewHandler(cfg.Mirror.Topic, runner, watcher.Notify, logger)
	consumer := kafka.NewConsumer(clients.Group, handler, logger)

	var wg sync.WaitGroup
	defer wg.Wait()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		metrics.StartPrometheusServer(gctx, &wg, &metrics.PromServerOpts{
			Addr:   cfg.Metrics.Addr,
			Path:   cfg.Metrics.Path,
			Logger: logger,
		})
	}

	g.Go(func() error {
		watcher.Run(gctx)
		return nil
	})
	if ret := cfg.Mirror.Retention; ret.Duration > 0 {
		g.Go(func() error {
			runner.RunRetention(gctx, ret.Interval)
			return nil
		})
	}
	g.Go(func() error {
		err := consumer.Run(gctx)
		if err != nil {
			logger.Error("consumer stopped", zap.Error(err))
		}
		return err
	})
	g.Go(func() error {
		if err := server.ListenAndServe(cfg.HTTP.ListenAddr); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("query server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("query server shutdown", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	if cerr := closeClients(); cerr != nil {
		logger.Warn("closing kafka clients", zap.Error(cerr))
	}
	logger.Info("mirror stopped")
	return err
}
