package metrics

import (
	"cmp"
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	RecordsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_records_ingested_total",
			Help: "Total number of upserts applied to the point index by topic",
		},
		[]string{"topic"},
	)

	TombstonesApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_tombstones_applied_total",
			Help: "Total number of tombstones applied by topic",
		},
		[]string{"topic"},
	)

	ImmutableRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_immutable_rejected_total",
			Help: "Total number of writes dropped because they would change an immutable key",
		},
		[]string{"topic"},
	)

	RangeEntriesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_range_entries_written_total",
			Help: "Total number of range index entries written by topic",
		},
		[]string{"topic"},
	)

	RetentionEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_retention_evictions_total",
			Help: "Total number of entries removed by retention by topic and store",
		},
		[]string{"topic", "store"},
	)

	IngestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_ingest_errors_total",
			Help: "Total number of records that failed to apply by topic and error class",
		},
		[]string{"topic", "class"},
	)

	RoutingUnavailable = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_routing_unavailable_total",
			Help: "Total number of lookups for a partition without a known owner",
		},
		[]string{"topic"},
	)

	ForwardErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_forward_errors_total",
			Help: "Total number of failed requests forwarded to another member",
		},
		[]string{"member"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mirror_query_duration_seconds",
			Help:    "Duration of queries by operation and whether they were served locally",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "location"},
	)

	StoreReadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mirror_store_read_duration_seconds",
			Help:    "Duration of point reads from the local store",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
		[]string{"store"},
	)

	StoreCommitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mirror_store_commit_duration_seconds",
			Help:    "Duration of batch commits to the local store",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
	)

	StoreCommitBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mirror_store_commit_bytes_total",
			Help: "Total number of bytes committed to the local store",
		},
	)
)

// StoreHook reports store observations to the store_* metrics.
type StoreHook struct{}

func (StoreHook) ObserveRead(store string, elapsed time.Duration, _ int) {
	StoreReadDuration.WithLabelValues(store).Observe(elapsed.Seconds())
}

func (StoreHook) ObserveBatchCommit(elapsed time.Duration, bytes int) {
	StoreCommitDuration.Observe(elapsed.Seconds())
	StoreCommitBytes.Add(float64(bytes))
}

type PromServerOpts struct {
	Addr              string
	Path              string        // Path for metrics endpoint, defaults to "/metrics"
	ShutdownTimeout   time.Duration // Timeout for server shutdown, defaults to 5 seconds
	ReadHeaderTimeout time.Duration // Timeout for reading request headers, defaults to 3 seconds
	Logger            *zap.Logger
}

func defaultPrometheusServerOptions() PromServerOpts {
	return PromServerOpts{
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// StartPrometheusServer starts a Prometheus metrics server with the given options
// The server gracefully shutdown when the provided context is canceled
func StartPrometheusServer(ctx context.Context, wg *sync.WaitGroup, opts *PromServerOpts) {
	effectiveOpts := defaultPrometheusServerOptions()
	if opts != nil {
		effectiveOpts.Addr = cmp.Or(opts.Addr, effectiveOpts.Addr)
		effectiveOpts.Path = cmp.Or(opts.Path, effectiveOpts.Path)
		effectiveOpts.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, effectiveOpts.ShutdownTimeout)
		effectiveOpts.ReadHeaderTimeout = cmp.Or(opts.ReadHeaderTimeout, effectiveOpts.ReadHeaderTimeout)
		effectiveOpts.Logger = opts.Logger
	}
	logger := effectiveOpts.Logger
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("metrics")

	mux := http.NewServeMux()
	mux.Handle(effectiveOpts.Path, promhttp.Handler())
	server := &http.Server{
		Addr:              effectiveOpts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: effectiveOpts.ReadHeaderTimeout,
	}

	serverClosed := make(chan struct{})

	wg.Add(1)

	go func() {
		defer wg.Done()
		logger.Info("starting prometheus metrics server", zap.String("addr", effectiveOpts.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
		close(serverClosed)
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), effectiveOpts.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down metrics server", zap.Error(err))
		}

		select {
		case <-serverClosed:
			logger.Info("metrics server shutdown complete")
		case <-shutdownCtx.Done():
			logger.Warn("metrics server shutdown timed out")
		}
	}()
}
