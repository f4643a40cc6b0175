package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gftdcojp/segment-delivery/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Shard metrics
	ShardRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segd_shard_requests_total",
		Help: "Backend calls per shard by operation and result",
	}, []string{"shard", "op", "result"})

	ShardRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "segd_shard_request_duration_seconds",
		Help:    "Backend call latency per shard",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 90},
	}, []string{"shard", "op"})

	ShardAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "segd_shard_available",
		Help: "1 if the shard is healthy and not disabled",
	}, []string{"shard"})

	IsolationRefusals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segd_isolation_refusals_total",
		Help: "Downloads refused because the owning shard was unavailable",
	}, []string{"shard"})

	// Ingest metrics
	SegmentsUploaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segd_segments_uploaded_total",
		Help: "Segments stored and recorded, per shard",
	}, []string{"shard"})

	SegmentUploadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segd_segment_upload_failures_total",
		Help: "Segments that failed ingestion by failure kind",
	}, []string{"kind"})

	IngestBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segd_ingest_batches_total",
		Help: "Video ingestion batches by mode and resulting status",
	}, []string{"mode", "status"})

	// Cache metrics
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segd_cache_requests_total",
		Help: "Cache lookups by result (hit, miss)",
	}, []string{"cache", "result"})

	CacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segd_cache_evictions_total",
		Help: "Entries evicted to honor the byte budget",
	}, []string{"cache"})

	CacheCorruptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segd_cache_corruptions_total",
		Help: "On-disk entries dropped because they could not be read",
	}, []string{"cache"})

	CacheBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "segd_cache_bytes",
		Help: "Bytes currently held by the cache",
	}, []string{"cache"})

	CacheEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "segd_cache_entries",
		Help: "Entries currently held by the cache",
	}, []string{"cache"})

	// Read path metrics
	FetchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segd_fetch_requests_total",
		Help: "Segment fetches by outcome (hit, miss, not_found, unavailable, error)",
	}, []string{"outcome"})

	FetchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "segd_fetch_latency_seconds",
		Help:    "Segment fetch latency by source",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"source"})

	// Session and preload metrics
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "segd_active_sessions",
		Help: "Viewing sessions in the ACTIVE state",
	})

	SessionsSwept = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segd_sessions_swept_total",
		Help: "Sessions moved by the idle sweep, by resulting state",
	}, []string{"state"})

	PreloadTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segd_preload_tasks_total",
		Help: "Finished preload tasks by outcome (done, failed, cancelled)",
	}, []string{"outcome"})

	PreloadInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "segd_preload_in_flight",
		Help: "Queued plus running preload tasks",
	})
)

// RunServer starts the Prometheus metrics HTTP server.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
