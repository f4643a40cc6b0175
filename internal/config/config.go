package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Shards        []ShardConfig       `yaml:"shards"`
	Retry         RetryConfig         `yaml:"retry"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Cache         CacheConfig         `yaml:"cache"`
	Session       SessionConfig       `yaml:"session"`
	Preload       PreloadConfig       `yaml:"preload"`
	ShardHealth   ShardHealthConfig   `yaml:"shard_health"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	API           APIConfig           `yaml:"api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// Backend kinds a shard can be bound to.
const (
	BackendS3   = "s3"
	BackendNATS = "nats"
)

type ShardConfig struct {
	Name           string     `yaml:"name"`
	Backend        string     `yaml:"backend"`
	MaxFileSize    ByteSize   `yaml:"max_file_size"`
	RateLimit      float64    `yaml:"rate_limit"`
	Burst          int        `yaml:"burst"`
	ConnectTimeout Duration   `yaml:"connect_timeout"`
	ReadTimeout    Duration   `yaml:"read_timeout"`
	S3             S3Config   `yaml:"s3"`
	NATS           NATSConfig `yaml:"nats"`
}

type S3Config struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

type NATSConfig struct {
	URL             string    `yaml:"url"`
	Bucket          string    `yaml:"bucket"`
	CredentialsFile string    `yaml:"credentials_file"`
	NKeySeedFile    string    `yaml:"nkey_seed_file"`
	Token           string    `yaml:"token"`
	TLS             TLSConfig `yaml:"tls"`
	ConnectionName  string    `yaml:"connection_name"`
	MaxReconnects   int       `yaml:"max_reconnects"`
	ReconnectWait   Duration  `yaml:"reconnect_wait"`
}

type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
}

// Ingestion modes.
const (
	IngestStrict     = "strict"
	IngestBestEffort = "best_effort"
)

type IngestConfig struct {
	Mode            string   `yaml:"mode"`
	Concurrency     int      `yaml:"concurrency"`
	PersistAttempts int      `yaml:"persist_attempts"`
	StallTimeout    Duration `yaml:"stall_timeout"`
}

// Cache implementations.
const (
	CacheMemory = "memory"
	CacheDisk   = "disk"
)

type CacheConfig struct {
	Type     string   `yaml:"type"`
	MaxBytes ByteSize `yaml:"max_bytes"`
	Dir      string   `yaml:"dir"`
	NoSync   bool     `yaml:"no_sync"`
}

type SessionConfig struct {
	IdleTimeout   Duration `yaml:"idle_timeout"`
	ExpireTimeout Duration `yaml:"expire_timeout"`
	SweepInterval Duration `yaml:"sweep_interval"`
	RecentLimit   int      `yaml:"recent_limit"`
	MinInterval   Duration `yaml:"min_interval"`
}

type PreloadConfig struct {
	Enabled       bool `yaml:"enabled"`
	BaseLookahead int  `yaml:"base_lookahead"`
	MinLookahead  int  `yaml:"min_lookahead"`
	MaxLookahead  int  `yaml:"max_lookahead"`
	MaxConcurrent int  `yaml:"max_concurrent"`
}

type ShardHealthConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Interval    Duration `yaml:"interval"`
	Timeout     Duration `yaml:"timeout"`
	MaxFailures int      `yaml:"max_failures"`
}

type MetadataConfig struct {
	Path   string `yaml:"path"`
	NoSync bool   `yaml:"no_sync"`
}

type APIConfig struct {
	Enabled       bool                `yaml:"enabled"`
	Listen        string              `yaml:"listen"`
	NATSResponder NATSResponderConfig `yaml:"nats_responder"`
}

type NATSResponderConfig struct {
	Enabled       bool       `yaml:"enabled"`
	SubjectPrefix string     `yaml:"subject_prefix"`
	MaxConcurrent int        `yaml:"max_concurrent"`
	NATS          NATSConfig `yaml:"nats"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads the YAML config at path. Dotenv files are loaded first so that
// ${VAR} references in the YAML can resolve shard credentials; missing
// dotenv files are skipped and variables already set in the environment win.
// Only the braced form is expanded; any other $ is kept and $$ yields one $.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.applyShardDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\$|\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		if m == "$$" {
			return "$"
		}
		return os.Getenv(m[2 : len(m)-1])
	})
}

func loadEnvFiles(files []string) error {
	var existing []string
	for _, f := range files {
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("checking env file %s: %w", f, err)
		}
		existing = append(existing, f)
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("loading env files: %w", err)
	}
	return nil
}

func (c *Config) applyShardDefaults() {
	for i := range c.Shards {
		sc := &c.Shards[i]
		if sc.MaxFileSize == 0 {
			sc.MaxFileSize = DefaultShard.MaxFileSize
		}
		if sc.ConnectTimeout == 0 {
			sc.ConnectTimeout = DefaultShard.ConnectTimeout
		}
		if sc.ReadTimeout == 0 {
			sc.ReadTimeout = DefaultShard.ReadTimeout
		}
		if sc.Name == "" {
			sc.Name = fmt.Sprintf("shard-%d", i)
		}
		if sc.Backend == BackendNATS {
			if sc.NATS.ConnectionName == "" {
				sc.NATS.ConnectionName = "segment-delivery-" + sc.Name
			}
			if sc.NATS.ReconnectWait == 0 {
				sc.NATS.ReconnectWait = Duration(2 * time.Second)
			}
		}
	}
}

func (c *Config) Validate() error {
	if len(c.Shards) == 0 {
		return fmt.Errorf("at least one shard must be configured")
	}

	names := make(map[string]bool, len(c.Shards))
	for i, sc := range c.Shards {
		if names[sc.Name] {
			return fmt.Errorf("shards[%d]: duplicate name %q", i, sc.Name)
		}
		names[sc.Name] = true

		if sc.MaxFileSize <= 0 {
			return fmt.Errorf("shards[%d] (%s): max_file_size must be > 0", i, sc.Name)
		}
		if sc.RateLimit < 0 {
			return fmt.Errorf("shards[%d] (%s): rate_limit must be >= 0", i, sc.Name)
		}
		switch sc.Backend {
		case BackendS3:
			if sc.S3.Bucket == "" {
				return fmt.Errorf("shards[%d] (%s): s3 backend requires bucket", i, sc.Name)
			}
		case BackendNATS:
			if sc.NATS.URL == "" {
				return fmt.Errorf("shards[%d] (%s): nats backend requires url", i, sc.Name)
			}
			if sc.NATS.Bucket == "" {
				return fmt.Errorf("shards[%d] (%s): nats backend requires bucket", i, sc.Name)
			}
		default:
			return fmt.Errorf("shards[%d] (%s): unknown backend %q", i, sc.Name, sc.Backend)
		}
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 < base_delay <= max_delay")
	}

	if c.Ingest.Mode != IngestStrict && c.Ingest.Mode != IngestBestEffort {
		return fmt.Errorf("ingest.mode must be %q or %q, got %q", IngestStrict, IngestBestEffort, c.Ingest.Mode)
	}
	if c.Ingest.Concurrency < 1 {
		return fmt.Errorf("ingest.concurrency must be >= 1")
	}

	switch c.Cache.Type {
	case CacheMemory:
	case CacheDisk:
		if c.Cache.Dir == "" {
			return fmt.Errorf("cache.dir is required for the disk cache")
		}
	default:
		return fmt.Errorf("cache.type must be %q or %q, got %q", CacheMemory, CacheDisk, c.Cache.Type)
	}
	if c.Cache.MaxBytes <= 0 {
		return fmt.Errorf("cache.max_bytes must be > 0")
	}

	if c.Session.IdleTimeout <= 0 || c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session.idle_timeout and session.sweep_interval must be > 0")
	}
	if c.Session.ExpireTimeout < c.Session.IdleTimeout {
		return fmt.Errorf("session.expire_timeout must be >= session.idle_timeout")
	}

	if c.Preload.MinLookahead < 1 || c.Preload.MaxLookahead < c.Preload.MinLookahead {
		return fmt.Errorf("preload lookahead must satisfy 1 <= min_lookahead <= max_lookahead")
	}
	if c.Preload.MaxConcurrent < 1 {
		return fmt.Errorf("preload.max_concurrent must be >= 1")
	}

	if c.Metadata.Path == "" {
		return fmt.Errorf("metadata.path is required")
	}

	if c.API.NATSResponder.MaxConcurrent < 0 {
		return fmt.Errorf("api.nats_responder.max_concurrent must be >= 0")
	}
	if c.API.NATSResponder.Enabled && c.API.NATSResponder.NATS.URL == "" {
		return fmt.Errorf("api.nats_responder.nats.url is required when the responder is enabled")
	}

	return nil
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "5m", "24h".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize wraps int64 for YAML unmarshaling of strings like "20MB", "1GB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	parsed, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func parseByteSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}

	var multiplier int64 = 1
	numStr := s

	switch {
	case len(s) >= 2 && s[len(s)-2:] == "KB":
		multiplier = 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "MB":
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "GB":
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case s[len(s)-1] == 'B':
		numStr = s[:len(s)-1]
	}

	var n int64
	_, err := fmt.Sscanf(numStr, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n * multiplier, nil
}
