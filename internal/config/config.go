// Package config loads and validates the stagecast.yml deployment
// configuration. Every tunable of the pipeline lives here; the algorithms
// hard-code nothing.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/stagecast/stagecast/pkg/stagelog"
)

// Duration wraps time.Duration so YAML values can be written as "15s", "6h".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the top-level stagecast.yml configuration.
type Config struct {
	Version   string         `yaml:"version"`
	Namespace string         `yaml:"namespace"`
	Redis     RedisConfig    `yaml:"redis"`
	Stages    []string       `yaml:"stages,omitempty"` // Ordered stage vocabulary; defaults to stagelog.DefaultStages
	Log       LogConfig      `yaml:"log"`
	Producer  ProducerConfig `yaml:"producer"`
	Router    RouterConfig   `yaml:"router"`
	Gateway   GatewayConfig  `yaml:"gateway"`
}

// RedisConfig specifies how to reach the Redis substrate.
type RedisConfig struct {
	URL string `yaml:"url"` // redis:// URL; REDIS_URL env var overrides
}

// LogConfig specifies the sharded stream layout.
type LogConfig struct {
	Shards     int   `yaml:"shards"`      // Number of shard streams, fixed at deploy time
	TrimMaxLen int64 `yaml:"trim_maxlen"` // Approximate per-shard cap (XADD MAXLEN ~)
}

// ProducerConfig specifies producer-side idempotency behavior.
type ProducerConfig struct {
	MarkerTTL Duration `yaml:"marker_ttl"` // Publish marker lifetime
}

// RouterConfig specifies the shard consumer behavior.
type RouterConfig struct {
	ProcessedMarkerTTL Duration `yaml:"processed_marker_ttl"` // Router dedup marker lifetime
	StateTTL           Duration `yaml:"state_ttl"`            // Canonical state snapshot lifetime
	ReadBatch          int64    `yaml:"read_batch"`           // Max entries per XREAD
	ReadBlock          Duration `yaml:"read_block"`           // XREAD block timeout
}

// GatewayConfig specifies the streaming gateway behavior.
type GatewayConfig struct {
	Addr              string   `yaml:"addr"`               // HTTP listen address
	KeepaliveInterval Duration `yaml:"keepalive_interval"` // Idle interval before a keepalive frame
	MaxStreamWait     Duration `yaml:"max_stream_wait"`    // Absolute session cap without a terminal event
	QueueCapacity     int      `yaml:"queue_capacity"`     // Per-subscriber bounded queue size
	MinJobIDLength    int      `yaml:"min_job_id_length"`  // Cheap early rejection of malformed IDs
}

// Load reads, defaults, and validates a stagecast.yml file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a fully-defaulted configuration, used when no config file
// is supplied.
func Default() *Config {
	cfg := &Config{Version: "1.0"}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379"
	}
	if len(c.Stages) == 0 {
		c.Stages = stagelog.DefaultStages()
	}
	if c.Log.Shards == 0 {
		c.Log.Shards = 4
	}
	if c.Log.TrimMaxLen == 0 {
		c.Log.TrimMaxLen = 4096
	}
	if c.Producer.MarkerTTL == 0 {
		c.Producer.MarkerTTL = Duration(6 * time.Hour)
	}
	if c.Router.ProcessedMarkerTTL == 0 {
		c.Router.ProcessedMarkerTTL = Duration(time.Hour)
	}
	if c.Router.StateTTL == 0 {
		c.Router.StateTTL = Duration(time.Hour)
	}
	if c.Router.ReadBatch == 0 {
		c.Router.ReadBatch = 64
	}
	if c.Router.ReadBlock == 0 {
		c.Router.ReadBlock = Duration(2 * time.Second)
	}
	if c.Gateway.Addr == "" {
		c.Gateway.Addr = ":8080"
	}
	if c.Gateway.KeepaliveInterval == 0 {
		c.Gateway.KeepaliveInterval = Duration(15 * time.Second)
	}
	if c.Gateway.MaxStreamWait == 0 {
		c.Gateway.MaxStreamWait = Duration(10 * time.Minute)
	}
	if c.Gateway.QueueCapacity == 0 {
		c.Gateway.QueueCapacity = 16
	}
	if c.Gateway.MinJobIDLength == 0 {
		c.Gateway.MinJobIDLength = 8
	}
}

// Validate performs strict validation on the configuration.
func (c *Config) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if _, err := redis.ParseURL(c.redisURL()); err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}

	if _, err := stagelog.NewStageSet(c.Stages); err != nil {
		return fmt.Errorf("invalid stages: %w", err)
	}

	if err := c.Settings().Validate(); err != nil {
		return err
	}

	if c.Router.ReadBatch < 1 {
		return fmt.Errorf("router read_batch must be >= 1, got %d", c.Router.ReadBatch)
	}
	if c.Router.ReadBlock.Std() <= 0 {
		return fmt.Errorf("router read_block must be positive")
	}

	if c.Gateway.KeepaliveInterval.Std() <= 0 {
		return fmt.Errorf("gateway keepalive_interval must be positive")
	}
	if c.Gateway.MaxStreamWait.Std() <= c.Gateway.KeepaliveInterval.Std() {
		return fmt.Errorf("gateway max_stream_wait must exceed keepalive_interval")
	}
	if c.Gateway.QueueCapacity < 1 {
		return fmt.Errorf("gateway queue_capacity must be >= 1, got %d", c.Gateway.QueueCapacity)
	}
	if c.Gateway.MinJobIDLength < 1 {
		return fmt.Errorf("gateway min_job_id_length must be >= 1, got %d", c.Gateway.MinJobIDLength)
	}

	return nil
}

// Settings converts the log-substrate parts of the configuration into
// stagelog client settings.
func (c *Config) Settings() stagelog.Settings {
	return stagelog.Settings{
		Shards:             c.Log.Shards,
		TrimMaxLen:         c.Log.TrimMaxLen,
		PublishMarkerTTL:   c.Producer.MarkerTTL.Std(),
		ProcessedMarkerTTL: c.Router.ProcessedMarkerTTL.Std(),
		StateTTL:           c.Router.StateTTL.Std(),
	}
}

// StageSet builds the stage vocabulary from the configuration.
func (c *Config) StageSet() (*stagelog.StageSet, error) {
	return stagelog.NewStageSet(c.Stages)
}

// RedisOptions resolves the Redis connection options, honoring the
// REDIS_URL environment override.
func (c *Config) RedisOptions() (*redis.Options, error) {
	opts, err := redis.ParseURL(c.redisURL())
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return opts, nil
}

func (c *Config) redisURL() string {
	if env := os.Getenv("REDIS_URL"); env != "" {
		return env
	}
	return c.Redis.URL
}
