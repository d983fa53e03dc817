package config

import (
	"github.com/vietddude/txreplay/internal/core/txn"
	"github.com/vietddude/txreplay/internal/core/worker"
	redisclient "github.com/vietddude/txreplay/internal/infra/redis"
	"github.com/vietddude/txreplay/internal/infra/storage/postgres"
)

// Backend names accepted in store.backend.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Logging  LoggingConfig      `yaml:"logging"`
	Store    StoreConfig        `yaml:"store"`
	Retry    RetryConfig        `yaml:"retry"`
	Pruner   worker.Config      `yaml:"pruner"`
	Redis    redisclient.Config `yaml:"redis"`
	Database postgres.Config    `yaml:"database"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"` // 0 disables the health server
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// StoreConfig selects the remote store backend.
type StoreConfig struct {
	Backend string `yaml:"backend"` // memory, redis, postgres
	// ScopeHints and NotifyInvalidation only apply to the memory backend.
	ScopeHints         bool `yaml:"scope_hints"`
	NotifyInvalidation bool `yaml:"notify_invalidation"`
}

// RetryConfig is the executor policy plus the invalidation detector name.
type RetryConfig struct {
	txn.Policy `yaml:",inline"`
	Detector   string `yaml:"detector"` // datastore, scope, none
}
