package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gftdcojp/segment-delivery/internal/blob"
	"github.com/gftdcojp/segment-delivery/internal/cache"
	"github.com/gftdcojp/segment-delivery/internal/config"
	"github.com/gftdcojp/segment-delivery/internal/file"
	"github.com/gftdcojp/segment-delivery/internal/ingest"
	"github.com/gftdcojp/segment-delivery/internal/lifecycle"
	"github.com/gftdcojp/segment-delivery/internal/memory"
	"github.com/gftdcojp/segment-delivery/internal/meta"
	"github.com/gftdcojp/segment-delivery/internal/metrics"
	"github.com/gftdcojp/segment-delivery/internal/natsobj"
	"github.com/gftdcojp/segment-delivery/internal/preload"
	"github.com/gftdcojp/segment-delivery/internal/retrieval"
	"github.com/gftdcojp/segment-delivery/internal/segment"
	"github.com/gftdcojp/segment-delivery/internal/serve"
	"github.com/gftdcojp/segment-delivery/internal/session"
	"github.com/gftdcojp/segment-delivery/internal/shard"
	"github.com/gftdcojp/segment-delivery/pkg/natsutil"
	"github.com/gftdcojp/segment-delivery/pkg/s3util"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	envFiles := flag.String("env", ".env", "comma-separated dotenv files loaded before the config")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("segment-delivery %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath, splitList(*envFiles)...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	serve.Version = version
	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("fatal error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Shards
	shards, err := buildShards(ctx, cfg, logger.Named("shard"))
	if err != nil {
		return err
	}
	pool, err := shard.NewPool(shards)
	if err != nil {
		for _, s := range shards {
			s.Close()
		}
		return fmt.Errorf("building shard pool: %w", err)
	}
	defer pool.Close()

	// Metadata
	metaStore, err := meta.NewBoltStore(cfg.Metadata.Path, meta.Options{NoSync: cfg.Metadata.NoSync}, logger.Named("meta"))
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer metaStore.Close()

	// Cache
	segCache, err := newCache(cfg.Cache, logger.Named("cache"))
	if err != nil {
		return fmt.Errorf("creating cache: %w", err)
	}
	defer segCache.Close()

	retry := shard.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay.Duration(),
		MaxDelay:    cfg.Retry.MaxDelay.Duration(),
	}

	sessions := session.NewRegistry(session.Options{
		IdleTimeout:   cfg.Session.IdleTimeout.Duration(),
		ExpireTimeout: cfg.Session.ExpireTimeout.Duration(),
		RecentLimit:   cfg.Session.RecentLimit,
		MinInterval:   cfg.Session.MinInterval.Duration(),
	}, logger.Named("session"))
	defer sessions.Close()

	svc := segment.New(
		metaStore,
		pool,
		retrieval.New(pool, metaStore, retry, logger.Named("retrieval")),
		segCache,
		sessions,
		preload.Options{
			Enabled:       cfg.Preload.Enabled,
			BaseLookahead: cfg.Preload.BaseLookahead,
			MinLookahead:  cfg.Preload.MinLookahead,
			MaxLookahead:  cfg.Preload.MaxLookahead,
			MaxConcurrent: cfg.Preload.MaxConcurrent,
		},
		logger.Named("segment"),
	)

	dist := ingest.NewDistributor(pool, metaStore, ingest.Options{
		Mode:            cfg.Ingest.Mode,
		Concurrency:     cfg.Ingest.Concurrency,
		PersistAttempts: cfg.Ingest.PersistAttempts,
		Retry:           retry,
		Invalidator:     svc,
	}, logger.Named("ingest"))

	lc := lifecycle.NewManager(lifecycle.Config{
		Sessions:     sessions,
		Scheduler:    svc.Scheduler(),
		Meta:         metaStore,
		Pool:         pool,
		Cache:        svc,
		StallTimeout: cfg.Ingest.StallTimeout.Duration(),
		Logger:       logger.Named("lifecycle"),
	})

	g, gctx := errgroup.WithContext(ctx)

	// Session sweep and stalled-ingest detection
	g.Go(func() error { return lc.Run(gctx, cfg.Session.SweepInterval.Duration()) })

	// Shard health probing
	if cfg.ShardHealth.Enabled {
		mon := shard.NewMonitor(pool, cfg.ShardHealth.Timeout.Duration(), cfg.ShardHealth.MaxFailures, logger.Named("health"))
		g.Go(func() error { return mon.Run(gctx, cfg.ShardHealth.Interval.Duration()) })
	}

	// Start HTTP API
	if cfg.API.Enabled {
		deps := serve.Deps{
			Service:     svc,
			Distributor: dist,
			Lifecycle:   lc,
			Meta:        metaStore,
			Pool:        pool,
			Logger:      logger.Named("api"),
		}
		g.Go(func() error { return serve.RunHTTP(gctx, cfg.API, deps) })
	}

	checker := metrics.NewHealthChecker(cfg.ShardHealth.Timeout.Duration())
	checker.AddCheck("metadata", func(context.Context) error { return metaStore.Ping() })
	for _, s := range pool.Shards() {
		checker.AddInformational("shard:"+s.Name(), s.Ping)
	}

	// Start NATS responder
	if cfg.API.NATSResponder.Enabled {
		nc, err := natsutil.Connect(cfg.API.NATSResponder.NATS, logger.Named("nats"))
		if err != nil {
			return fmt.Errorf("connecting NATS responder: %w", err)
		}
		defer nc.Close()
		checker.AddCheck("nats", metrics.NATSCheck(nc))
		g.Go(func() error {
			return serve.RunNATSResponder(gctx, nc, cfg.API.NATSResponder, svc, logger.Named("nats-responder"))
		})
	}

	// Start metrics server
	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	// Start health server
	if cfg.Observability.Health.Enabled {
		g.Go(func() error {
			return metrics.RunHealthServer(gctx, cfg.Observability.Health, checker)
		})
	}

	logger.Info("segment-delivery started",
		zap.String("version", version),
		zap.Int("shards", pool.Len()),
		zap.String("cache", cfg.Cache.Type),
		zap.Bool("preload", cfg.Preload.Enabled),
	)

	err = g.Wait()

	// Graceful shutdown: stop preloads before the cache and stores close.
	logger.Info("shutting down, cancelling preloads...")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if cerr := svc.Close(shutdownCtx); cerr != nil {
		logger.Error("error stopping preloads", zap.Error(cerr))
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildShards(ctx context.Context, cfg *config.Config, logger *zap.Logger) ([]*shard.Shard, error) {
	shards := make([]*shard.Shard, 0, len(cfg.Shards))
	fail := func(err error) ([]*shard.Shard, error) {
		for _, s := range shards {
			s.Close()
		}
		return nil, err
	}

	for i, sc := range cfg.Shards {
		slog := logger.With(zap.Int("shard", i), zap.String("name", sc.Name))

		var backend shard.Backend
		switch sc.Backend {
		case config.BackendS3:
			client, err := s3util.NewClient(ctx, sc)
			if err != nil {
				return fail(fmt.Errorf("creating S3 client for shard %s: %w", sc.Name, err))
			}
			backend = blob.NewStore(client.S3, client.Bucket, client.Prefix, slog)
		case config.BackendNATS:
			nc, err := natsutil.Connect(sc.NATS, slog, natsShardOptions(sc)...)
			if err != nil {
				return fail(fmt.Errorf("connecting shard %s: %w", sc.Name, err))
			}
			bctx, cancel := context.WithTimeout(ctx, sc.ConnectTimeout.Duration())
			obs, err := natsobj.NewStore(bctx, nc, natsobj.Options{Bucket: sc.NATS.Bucket, OwnConn: true}, slog)
			cancel()
			if err != nil {
				nc.Close()
				return fail(fmt.Errorf("binding shard %s: %w", sc.Name, err))
			}
			backend = obs
		default:
			return fail(fmt.Errorf("shard %s: unknown backend %q", sc.Name, sc.Backend))
		}

		shards = append(shards, shard.New(shard.Options{
			ID:          i,
			Name:        sc.Name,
			MaxFileSize: int64(sc.MaxFileSize),
			RateLimit:   sc.RateLimit,
			Burst:       sc.Burst,
			ReadTimeout: sc.ReadTimeout.Duration(),
		}, backend, slog))
	}
	return shards, nil
}

// natsShardOptions carries the shard's connect timeout onto its connection.
func natsShardOptions(sc config.ShardConfig) []nats.Option {
	var opts []nats.Option
	if d := sc.ConnectTimeout.Duration(); d > 0 {
		opts = append(opts, nats.Timeout(d))
	}
	return opts
}

func newCache(cfg config.CacheConfig, logger *zap.Logger) (cache.Cache, error) {
	switch cfg.Type {
	case config.CacheDisk:
		return file.NewStore(file.Options{Dir: cfg.Dir, MaxBytes: int64(cfg.MaxBytes), NoSync: cfg.NoSync}, logger)
	default:
		return memory.NewStore(int64(cfg.MaxBytes), logger)
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level.SetLevel(zap.DebugLevel)
	case "info":
		zapCfg.Level.SetLevel(zap.InfoLevel)
	case "warn":
		zapCfg.Level.SetLevel(zap.WarnLevel)
	case "error":
		zapCfg.Level.SetLevel(zap.ErrorLevel)
	}

	if cfg.Output != "" {
		zapCfg.OutputPaths = []string{cfg.Output}
	}

	return zapCfg.Build()
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
