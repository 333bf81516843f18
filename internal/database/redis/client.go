// Package redis provides a shared cache and template snapshot store for
// pool processes running against the same daemons.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/bardlex/coinpool/pkg/errors"
)

// Client wraps Redis operations for the pool
type Client struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Prefix namespaces every key, e.g. "coinpool:".
	Prefix string
	// CacheTTL bounds cached values; zero keeps them until evicted.
	CacheTTL time.Duration
}

// NewClient connects and pings Redis.
func NewClient(cfg *Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis.connect", "failed to ping Redis").
			WithContext("addr", cfg.Addr)
	}

	return newClient(rdb, cfg.Prefix, cfg.CacheTTL), nil
}

func newClient(rdb redis.UniversalClient, prefix string, ttl time.Duration) *Client {
	return &Client{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) cacheKey(key string) string { return c.prefix + "cache:" + key }

func (c *Client) templateKey(port int) string { return fmt.Sprintf("%stemplate:%d", c.prefix, port) }

// Get returns the cached value under key.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := c.rdb.Get(ctx, c.cacheKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, errors.ErrorTypeDatabase, "redis.get", "failed to read cache").
			WithContext("key", key)
	}
	return v, true, nil
}

// Put caches value under key.
func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	if err := c.rdb.Set(ctx, c.cacheKey(key), value, c.ttl).Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "redis.put", "failed to write cache").
			WithContext("key", key)
	}
	return nil
}

// TemplateSnapshot is the latest template a process built for a port, kept
// so that other processes can tell whether they work on the same tip.
type TemplateSnapshot struct {
	Port       int       `json:"port"`
	Height     uint64    `json:"height"`
	Difficulty uint64    `json:"difficulty"`
	PrevHash   string    `json:"prev_hash"`
	IDHash     string    `json:"id_hash"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SetTemplate stores snap as the current template of its port.
func (c *Client) SetTemplate(ctx context.Context, snap TemplateSnapshot, expiration time.Duration) error {
	data, err := sonic.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "redis.set_template", "failed to marshal template")
	}
	if err := c.rdb.Set(ctx, c.templateKey(snap.Port), data, expiration).Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "redis.set_template", "failed to store template").
			WithContext("port", snap.Port)
	}
	return nil
}

// GetTemplate returns the current template snapshot of port.
func (c *Client) GetTemplate(ctx context.Context, port int) (*TemplateSnapshot, error) {
	data, err := c.rdb.Get(ctx, c.templateKey(port)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis.get_template", "failed to read template").
			WithContext("port", port)
	}
	var snap TemplateSnapshot
	if err := sonic.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "redis.get_template", "failed to unmarshal template").
			WithBody(data)
	}
	return &snap, nil
}

// IncrementCounter increments a counter, setting its expiry on first use.
func (c *Client) IncrementCounter(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	k := c.prefix + "counter:" + key
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.ExpireNX(ctx, k, expiration)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeDatabase, "redis.increment", "failed to increment counter").
			WithContext("key", key)
	}
	return incr.Val(), nil
}
