// Package config loads the node configuration file.
//
// The file is YAML with one section per subsystem. Every field has a
// default, so an empty file is a valid configuration. Command-line flags
// are applied by the caller after loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"Shardkeep/internal/logger"
	"Shardkeep/internal/recovery"
)

// Config is the node configuration.
type Config struct {
	// Node configures identity and networking.
	Node NodeConfig `yaml:"node"`

	// Storage configures the chunk store.
	Storage StorageConfig `yaml:"storage"`

	// Recovery tunes the recovery engine.
	Recovery RecoveryConfig `yaml:"recovery"`

	// Cache configures the recovered-payload cache.
	Cache CacheConfig `yaml:"cache"`

	// Log configures logging.
	Log LogConfig `yaml:"log"`
}

// NodeConfig configures identity and networking.
type NodeConfig struct {
	// ListenAddr is the QUIC listen address.
	ListenAddr string `yaml:"listen"`

	// HTTPAddr is the HTTP API listen address. Empty disables the API.
	HTTPAddr string `yaml:"http"`

	// KeyPath is the ed25519 private key file. A key is generated there if
	// the file is missing. Empty means an ephemeral key.
	KeyPath string `yaml:"key"`

	// Peers are addresses dialed at startup.
	Peers []string `yaml:"peers"`

	// ReconnectDelay is the initial redial backoff.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// StatsInterval is how often recovery counters are logged. Zero disables.
	StatsInterval time.Duration `yaml:"stats_interval"`
}

// StorageConfig configures the chunk store.
type StorageConfig struct {
	// Path is the data directory.
	Path string `yaml:"path"`
}

// RecoveryConfig mirrors recovery.Config.
type RecoveryConfig struct {
	FastPathParallelism int           `yaml:"fast_path_parallelism"`
	ChunkParallelism    int           `yaml:"chunk_parallelism"`
	GlobalParallelism   int           `yaml:"global_parallelism"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	FullRequestTimeout  time.Duration `yaml:"full_request_timeout"`
	TaskTimeout         time.Duration `yaml:"task_timeout"`
	MaxMismatchRounds   int           `yaml:"max_mismatch_rounds"`
	SkipFastPath        bool          `yaml:"skip_fast_path"`
}

// CacheConfig configures the recovered-payload cache.
type CacheConfig struct {
	// Bytes is the total byte budget.
	Bytes int64 `yaml:"bytes"`

	// Shards is the number of independently locked shards.
	Shards int `yaml:"shards"`

	// NegativeTTL is how long failures are remembered.
	NegativeTTL time.Duration `yaml:"negative_ttl"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
}

// Default returns the default configuration.
func Default() *Config {
	rc := recovery.DefaultConfig()

	return &Config{
		Node: NodeConfig{
			ListenAddr:     ":9000",
			HTTPAddr:       ":8080",
			ReconnectDelay: 5 * time.Second,
			StatsInterval:  time.Minute,
		},
		Storage: StorageConfig{
			Path: "./data",
		},
		Recovery: RecoveryConfig{
			FastPathParallelism: rc.FastPathParallelism,
			ChunkParallelism:    rc.ChunkParallelism,
			GlobalParallelism:   rc.GlobalParallelism,
			RequestTimeout:      rc.RequestTimeout,
			FullRequestTimeout:  rc.FullRequestTimeout,
			TaskTimeout:         rc.TaskTimeout,
			MaxMismatchRounds:   rc.MaxMismatchRounds,
		},
		Cache: CacheConfig{
			Bytes:       rc.CacheBytes,
			Shards:      rc.CacheShards,
			NegativeTTL: rc.NegativeTTL,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadFile loads configuration from path over the defaults and expands
// environment variables in paths.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config:\n%w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s:\n%w", path, err)
	}

	cfg.Storage.Path = os.ExpandEnv(cfg.Storage.Path)
	cfg.Node.KeyPath = os.ExpandEnv(cfg.Node.KeyPath)

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Node.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("node.listen is required"))
	}

	if c.Storage.Path == "" {
		errs = append(errs, fmt.Errorf("storage.path is required"))
	}

	positive := map[string]int{
		"recovery.fast_path_parallelism": c.Recovery.FastPathParallelism,
		"recovery.chunk_parallelism":     c.Recovery.ChunkParallelism,
		"recovery.global_parallelism":    c.Recovery.GlobalParallelism,
		"recovery.max_mismatch_rounds":   c.Recovery.MaxMismatchRounds,
		"cache.shards":                   c.Cache.Shards,
	}
	for name, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}

	durations := map[string]time.Duration{
		"recovery.request_timeout":      c.Recovery.RequestTimeout,
		"recovery.full_request_timeout": c.Recovery.FullRequestTimeout,
		"recovery.task_timeout":         c.Recovery.TaskTimeout,
		"cache.negative_ttl":            c.Cache.NegativeTTL,
	}
	for name, d := range durations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	if c.Recovery.RequestTimeout > c.Recovery.TaskTimeout {
		errs = append(errs, fmt.Errorf("recovery.request_timeout exceeds recovery.task_timeout"))
	}

	if c.Cache.Bytes <= 0 {
		errs = append(errs, fmt.Errorf("cache.bytes must be positive, got %d", c.Cache.Bytes))
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	return errors.Join(errs...)
}

// RecoveryConfig returns the recovery engine configuration.
func (c *Config) RecoveryConfig() recovery.Config {
	rc := recovery.DefaultConfig()

	rc.FastPathParallelism = c.Recovery.FastPathParallelism
	rc.ChunkParallelism = c.Recovery.ChunkParallelism
	rc.GlobalParallelism = c.Recovery.GlobalParallelism
	rc.RequestTimeout = c.Recovery.RequestTimeout
	rc.FullRequestTimeout = c.Recovery.FullRequestTimeout
	rc.TaskTimeout = c.Recovery.TaskTimeout
	rc.MaxMismatchRounds = c.Recovery.MaxMismatchRounds
	rc.SkipFastPath = c.Recovery.SkipFastPath
	rc.CacheBytes = c.Cache.Bytes
	rc.CacheShards = c.Cache.Shards
	rc.NegativeTTL = c.Cache.NegativeTTL

	return rc
}
