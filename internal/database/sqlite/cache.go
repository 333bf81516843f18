// Package sqlite provides a file-backed key-value cache for values that are
// expensive to recompute, such as Ethereum block rewards.
package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/bardlex/coinpool/pkg/errors"
)

// Cache is a chain.Cache on a single SQLite table.
type Cache struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates the database file and its table if missing. ":memory:" opens
// a private in-memory database.
func Open(path string) (*Cache, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.Wrap(os.ErrInvalid, errors.ErrorTypeValidation, "sqlite.open", "empty database path")
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "sqlite.open", "failed to create directory")
		}
		dsn = path + "?_journal=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "sqlite.open", "failed to open database")
	}
	if path == ":memory:" {
		// every connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "sqlite.open", "failed to ping database")
	}
	if err := ensureTables(db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "sqlite.open", "failed to create tables")
	}
	return &Cache{db: db, now: time.Now}, nil
}

func ensureTables(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS cache (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at_unix INTEGER NOT NULL
		)
	`); err != nil {
		return err
	}
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS cache_updated_idx ON cache (updated_at_unix)`)
	return err
}

// Get returns the value stored under key.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := c.db.QueryRowContext(ctx, "SELECT value FROM cache WHERE key = ? LIMIT 1", key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, errors.ErrorTypeDatabase, "sqlite.get", "failed to read cache").
			WithContext("key", key)
	}
	return v, true, nil
}

// Put stores value under key, replacing any previous value.
func (c *Cache) Put(ctx context.Context, key string, value []byte) error {
	_, err := c.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO cache (key, value, updated_at_unix) VALUES (?, ?, ?)",
		key, value, c.now().Unix())
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "sqlite.put", "failed to write cache").
			WithContext("key", key)
	}
	return nil
}

// Prune deletes entries not written since before.
func (c *Cache) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx, "DELETE FROM cache WHERE updated_at_unix < ?", before.Unix())
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeDatabase, "sqlite.prune", "failed to prune cache")
	}
	return res.RowsAffected()
}

// Health pings the database.
func (c *Cache) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}
