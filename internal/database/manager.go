// Package database coordinates the optional persistence collaborators of the
// pool: a value cache (SQLite or Redis), PostgreSQL records and InfluxDB
// metrics. Every collaborator may be absent; its operations then do nothing.
package database

import (
	"context"
	"strings"
	"time"

	"github.com/bardlex/coinpool/internal/database/influx"
	"github.com/bardlex/coinpool/internal/database/postgres"
	"github.com/bardlex/coinpool/internal/database/redis"
	"github.com/bardlex/coinpool/internal/database/sqlite"
	"github.com/bardlex/coinpool/pkg/circuit"
	"github.com/bardlex/coinpool/pkg/errors"
	"github.com/bardlex/coinpool/pkg/log"
	"github.com/bardlex/coinpool/pkg/retry"
)

// Cache backends.
const (
	CacheSQLite = "sqlite"
	CacheRedis  = "redis"
	CacheNone   = "none"
)

// KV is the cache contract shared by the SQLite and Redis backends.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
}

// Manager coordinates all database operations
type Manager struct {
	SQLite   *sqlite.Cache
	Redis    *redis.Client
	Postgres *postgres.Client
	Influx   *influx.Client

	Submitters *postgres.SubmitterRepository
	Blocks     *postgres.BlockRepository

	cache   KV
	breaker *circuit.Breaker
	retry   *retry.Config
	logger  *log.Logger
}

// Config holds configuration for all database systems. Nil sections are
// disabled.
type Config struct {
	CacheBackend string
	SQLitePath   string
	Redis        *redis.Config
	Postgres     *postgres.Config
	Influx       *influx.Config
}

// NewManager connects every configured collaborator. A failure closes the
// ones already open.
func NewManager(cfg *Config, logger *log.Logger) (*Manager, error) {
	m := &Manager{
		breaker: circuit.New(&circuit.Config{
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
		retry:  retry.StoreConfig(),
		logger: log.OrNop(logger).WithComponent("database"),
	}

	fail := func(err error) (*Manager, error) {
		if closeErr := m.Close(); closeErr != nil {
			return nil, errors.Join(err, closeErr)
		}
		return nil, err
	}

	switch strings.ToLower(cfg.CacheBackend) {
	case "", CacheNone:
	case CacheSQLite:
		c, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return fail(err)
		}
		m.SQLite, m.cache = c, c
	case CacheRedis:
		if cfg.Redis == nil {
			return fail(errors.New(errors.ErrorTypeValidation, "database.new", "redis cache selected without redis config"))
		}
	default:
		return fail(errors.Newf(errors.ErrorTypeValidation, "database.new", "unknown cache backend %q", cfg.CacheBackend))
	}

	if cfg.Redis != nil {
		c, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return fail(err)
		}
		m.Redis = c
		if strings.EqualFold(cfg.CacheBackend, CacheRedis) {
			m.cache = c
		}
	}

	if cfg.Postgres != nil {
		c, err := postgres.NewClient(cfg.Postgres)
		if err != nil {
			return fail(err)
		}
		m.Postgres = c
		m.Submitters = postgres.NewSubmitterRepository(c.DB())
		m.Blocks = postgres.NewBlockRepository(c.DB())
	}

	if cfg.Influx != nil {
		c, err := influx.NewClient(cfg.Influx)
		if err != nil {
			return fail(err)
		}
		m.Influx = c
	}

	return m, nil
}

// Cache returns the configured value cache, or nil.
func (m *Manager) Cache() KV {
	return m.cache
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error
	if m.SQLite != nil {
		if err := m.SQLite.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, errors.ErrorTypeDatabase, "database.close", "sqlite close error"))
		}
	}
	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, errors.ErrorTypeDatabase, "database.close", "redis close error"))
		}
	}
	if m.Postgres != nil {
		if err := m.Postgres.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, errors.ErrorTypeDatabase, "database.close", "postgres close error"))
		}
	}
	if m.Influx != nil {
		m.Influx.Close()
	}
	return errors.Join(errs...)
}

// Health checks every configured collaborator.
func (m *Manager) Health(ctx context.Context) error {
	if m.SQLite != nil {
		if err := m.SQLite.Health(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "database.health", "sqlite health check failed")
		}
	}
	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "database.health", "redis health check failed")
		}
	}
	if m.Postgres != nil {
		if err := m.Postgres.Health(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "database.health", "postgres health check failed")
		}
	}
	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ReportSubmitter records a miner with many queued shares.
func (m *Manager) ReportSubmitter(ctx context.Context, miner string, queuedShares int) error {
	if m.Submitters == nil {
		return nil
	}
	return m.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retry, func() error {
			return m.Submitters.ReportSubmitter(ctx, miner, queuedShares)
		})
	})
}

// RecordVerifier writes verifier queue metrics.
func (m *Manager) RecordVerifier(addr string, queued, inFlight, consecutiveErrors int) {
	if m.Influx != nil {
		m.Influx.RecordVerifier(addr, queued, inFlight, consecutiveErrors)
	}
}

// TemplateRecord describes a freshly built template.
type TemplateRecord struct {
	Port       int
	Coin       string
	Height     uint64
	Difficulty uint64
	PrevHash   string
	IDHash     string
}

// RecordTemplate writes template metrics and publishes the snapshot for
// other processes. Both are best effort.
func (m *Manager) RecordTemplate(ctx context.Context, t TemplateRecord, ttl time.Duration) {
	if m.Influx != nil {
		m.Influx.RecordTemplate(t.Port, t.Coin, t.Height, t.Difficulty)
	}
	if m.Redis == nil {
		return
	}
	snap := redis.TemplateSnapshot{
		Port:       t.Port,
		Height:     t.Height,
		Difficulty: t.Difficulty,
		PrevHash:   t.PrevHash,
		IDHash:     t.IDHash,
		UpdatedAt:  time.Now(),
	}
	if err := m.Redis.SetTemplate(ctx, snap, ttl); err != nil {
		m.logger.WithError(err).Warn("failed to publish template snapshot", "port", t.Port)
	}
}

// RecordBlock stores a found block. PostgreSQL is authoritative and retried;
// the metric is best effort.
func (m *Manager) RecordBlock(ctx context.Context, block *postgres.Block) error {
	if m.Influx != nil {
		m.Influx.RecordBlockFound(block.Port, block.Coin, block.Hash, block.Height)
	}
	if m.Blocks == nil {
		return nil
	}
	return m.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retry, func() error {
			return m.Blocks.CreateBlock(ctx, block)
		})
	})
}

// StartPeriodicTasks flushes metrics and prunes the SQLite cache until ctx
// is cancelled.
func (m *Manager) StartPeriodicTasks(ctx context.Context, cacheMaxAge time.Duration) {
	if m.Influx != nil {
		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.Influx.Flush()
				}
			}
		}()
	}

	if m.SQLite != nil && cacheMaxAge > 0 {
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					n, err := m.SQLite.Prune(ctx, time.Now().Add(-cacheMaxAge))
					if err != nil {
						m.logger.WithError(err).Warn("failed to prune cache")
						continue
					}
					if n > 0 {
						m.logger.Debug("pruned cache", "entries", n)
					}
				}
			}
		}()
	}
}
