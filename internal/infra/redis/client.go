package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vietddude/txreplay/internal/core/domain"
	"github.com/vietddude/txreplay/internal/infra/storage"
)

// Client is the Redis-backed store. Transactions live server-side as hashes
// so any number of processes can share them.
type Client struct {
	rdb        *redis.Client
	prefix     string
	txTTL      time.Duration
	scopeHints bool
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	Prefix   string        `yaml:"prefix"`
	TxTTL    time.Duration `yaml:"tx_ttl"`
	// ScopeHints marks contention aborts as transaction scoped.
	ScopeHints bool `yaml:"scope_hints"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newClient(rdb, cfg), nil
}

func newClient(rdb *redis.Client, cfg Config) *Client {
	c := &Client{
		rdb:        rdb,
		prefix:     cfg.Prefix,
		txTTL:      cfg.TxTTL,
		scopeHints: cfg.ScopeHints,
	}
	if c.prefix == "" {
		c.prefix = "txreplay"
	}
	if c.txTTL <= 0 {
		c.txTTL = 10 * time.Minute
	}
	return c
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping implements storage.Pinger.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key helpers
func (c *Client) entityKey(k domain.Key) string {
	return fmt.Sprintf("%s:entity:%s", c.prefix, k.String())
}

func (c *Client) namespaceKey(ns string) string {
	return fmt.Sprintf("%s:ns:%s", c.prefix, ns)
}

func (c *Client) txKey(id storage.TxID) string {
	return fmt.Sprintf("%s:tx:%s", c.prefix, id)
}

func (c *Client) readsKey(id storage.TxID) string {
	return fmt.Sprintf("%s:tx:%s:reads", c.prefix, id)
}

func (c *Client) writesKey(id storage.TxID) string {
	return fmt.Sprintf("%s:tx:%s:writes", c.prefix, id)
}

func (c *Client) seqKey() string {
	return c.prefix + ":version:seq"
}
