package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/vietddude/txreplay/internal/core/txn"
	"gopkg.in/yaml.v2"
)

// Default returns the configuration used when no file is given.
func Default() *AppConfig {
	cfg := &AppConfig{}
	cfg.Retry.Policy = txn.DefaultPolicy
	applyDefaults(cfg)
	return cfg
}

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Retry fields left out of the file keep their defaults
	cfg := AppConfig{}
	cfg.Retry.Policy = txn.DefaultPolicy

	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendMemory
	}
	cfg.Store.Backend = strings.ToLower(cfg.Store.Backend)
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "txreplay"
	}
}

// Validate checks cross-field constraints.
func (c *AppConfig) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("redis.url is required for the redis backend")
		}
	case BackendPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if _, ok := txn.DetectorByName(c.Retry.Detector); !ok {
		return fmt.Errorf("unknown retry detector %q", c.Retry.Detector)
	}
	return nil
}
