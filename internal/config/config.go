package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Stats backends
const (
	BackendMemory     = "memory"
	BackendSignalling = "signalling"
)

// Config holds all runtime configuration parameters
type Config struct {
	SeedURL              string      `json:"seed_url" yaml:"seed_url"`
	MaxDepth             int         `json:"max_depth" yaml:"max_depth"`
	MaxCrawlsPerNode     int         `json:"max_crawls_per_node" yaml:"max_crawls_per_node"`
	MaxSubdomainsPerRoot int         `json:"max_subdomains_per_root" yaml:"max_subdomains_per_root"`
	ConcurrentWorkers    int         `json:"concurrent_workers" yaml:"concurrent_workers"`
	RequestTimeoutMs     int         `json:"request_timeout_ms" yaml:"request_timeout_ms"`
	ExcludePatterns      []string    `json:"exclude_patterns" yaml:"exclude_patterns"`
	DBPath               string      `json:"db_path" yaml:"db_path"`
	MetricsPath          string      `json:"metrics_path" yaml:"metrics_path"`
	LogLevel             string      `json:"log_level" yaml:"log_level"`
	RedisURL             string      `json:"redis_url" yaml:"redis_url"`
	Stats                StatsConfig `json:"stats" yaml:"stats"`
}

// StatsConfig controls the per-session stats store
type StatsConfig struct {
	Backend            string `json:"backend" yaml:"backend"`
	Dump               bool   `json:"dump" yaml:"dump"`
	DisableCoreStats   bool   `json:"disable_core_stats" yaml:"disable_core_stats"`
	MemusageIntervalMs int    `json:"memusage_interval_ms" yaml:"memusage_interval_ms"` // negative disables
	RedisPrefix        string `json:"redis_prefix" yaml:"redis_prefix"`
}

// LoadConfig reads and validates configuration from a JSON or YAML file,
// picked by extension
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		if err := sonic.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}

	ApplyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ApplyDefaults sets default values for unspecified fields
func ApplyDefaults(cfg *Config) {
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = 5
	}
	if cfg.MaxCrawlsPerNode == 0 {
		cfg.MaxCrawlsPerNode = 3
	}
	if cfg.MaxSubdomainsPerRoot == 0 {
		cfg.MaxSubdomainsPerRoot = 3
	}
	if cfg.ConcurrentWorkers == 0 {
		cfg.ConcurrentWorkers = 3
	}
	if cfg.RequestTimeoutMs == 0 {
		cfg.RequestTimeoutMs = 5000
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "crawler.db"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "metrics.json"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Stats.Backend == "" {
		cfg.Stats.Backend = BackendMemory
	}
	if cfg.Stats.MemusageIntervalMs == 0 {
		cfg.Stats.MemusageIntervalMs = 60000
	}
	if cfg.Stats.RedisPrefix == "" {
		cfg.Stats.RedisPrefix = "stats:"
	}
}

// validate checks that required fields are present and values are sensible
func validate(cfg *Config) error {
	if cfg.SeedURL == "" {
		return fmt.Errorf("seed_url is required")
	}
	if cfg.MaxDepth < 1 {
		return fmt.Errorf("max_depth must be >= 1")
	}
	if cfg.MaxCrawlsPerNode < 1 {
		return fmt.Errorf("max_crawls_per_node must be >= 1")
	}
	if cfg.ConcurrentWorkers < 1 {
		return fmt.Errorf("concurrent_workers must be >= 1")
	}
	if cfg.RequestTimeoutMs < 1000 {
		return fmt.Errorf("request_timeout_ms must be >= 1000")
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	switch cfg.Stats.Backend {
	case BackendMemory, BackendSignalling:
	default:
		return fmt.Errorf("stats.backend must be %q or %q, got %q", BackendMemory, BackendSignalling, cfg.Stats.Backend)
	}
	return nil
}
