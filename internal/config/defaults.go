package config

import "time"

// DefaultShard holds the per-shard values applied when a shard entry omits them.
var DefaultShard = ShardConfig{
	MaxFileSize:    ByteSize(20 * 1024 * 1024), // 20MB
	ConnectTimeout: Duration(30 * time.Second),
	ReadTimeout:    Duration(90 * time.Second),
}

func DefaultConfig() *Config {
	return &Config{
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   Duration(time.Second),
			MaxDelay:    Duration(30 * time.Second),
		},
		Ingest: IngestConfig{
			Mode:            IngestBestEffort,
			Concurrency:     4,
			PersistAttempts: 5,
			StallTimeout:    Duration(time.Hour),
		},
		Cache: CacheConfig{
			Type:     CacheMemory,
			MaxBytes: ByteSize(500 * 1024 * 1024), // 500MB
			Dir:      "cache",
		},
		Session: SessionConfig{
			IdleTimeout:   Duration(10 * time.Minute),
			ExpireTimeout: Duration(30 * time.Minute),
			SweepInterval: Duration(5 * time.Minute),
			RecentLimit:   10,
			MinInterval:   Duration(time.Second),
		},
		Preload: PreloadConfig{
			Enabled:       true,
			BaseLookahead: 4,
			MinLookahead:  3,
			MaxLookahead:  12,
			MaxConcurrent: 5,
		},
		ShardHealth: ShardHealthConfig{
			Enabled:     true,
			Interval:    Duration(30 * time.Second),
			Timeout:     Duration(10 * time.Second),
			MaxFailures: 3,
		},
		Metadata: MetadataConfig{
			Path: "/var/lib/segment-delivery/meta.db",
		},
		API: APIConfig{
			Enabled: true,
			Listen:  ":8080",
			NATSResponder: NATSResponderConfig{
				Enabled:       false,
				SubjectPrefix: "segd",
				MaxConcurrent: 64,
				NATS: NATSConfig{
					ConnectionName: "segment-delivery-responder",
					MaxReconnects:  -1,
					ReconnectWait:  Duration(2 * time.Second),
				},
			},
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Listen:  ":9090",
				Path:    "/metrics",
			},
			Health: HealthConfig{
				Enabled:       true,
				Listen:        ":8081",
				LivenessPath:  "/healthz",
				ReadinessPath: "/readyz",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stderr",
			},
		},
	}
}
