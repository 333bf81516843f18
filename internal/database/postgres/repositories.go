package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/bardlex/coinpool/pkg/errors"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS suspicious_submitters (
		miner TEXT PRIMARY KEY,
		queued_shares INTEGER NOT NULL,
		reports BIGINT NOT NULL DEFAULT 1,
		first_seen_at TIMESTAMPTZ NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS found_blocks (
		port INTEGER NOT NULL,
		coin TEXT NOT NULL,
		height BIGINT NOT NULL,
		hash TEXT NOT NULL,
		miner TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		submitted_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (port, hash)
	)`,
	`CREATE INDEX IF NOT EXISTS found_blocks_height_idx ON found_blocks (port, height)`,
}

// EnsureSchema creates missing tables.
func EnsureSchema(ctx context.Context, db Execer) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "postgres.schema", "failed to create tables")
		}
	}
	return nil
}

// SubmitterRepository records suspicious share submitters.
type SubmitterRepository struct {
	db  Execer
	now func() time.Time
}

// NewSubmitterRepository creates a new submitter repository
func NewSubmitterRepository(db Execer) *SubmitterRepository {
	return &SubmitterRepository{db: db, now: time.Now}
}

// ReportSubmitter upserts miner with its current queued share count.
func (r *SubmitterRepository) ReportSubmitter(ctx context.Context, miner string, queuedShares int) error {
	query := `
		INSERT INTO suspicious_submitters (miner, queued_shares, reports, first_seen_at, last_seen_at)
		VALUES ($1, $2, 1, $3, $3)
		ON CONFLICT (miner) DO UPDATE SET
			queued_shares = EXCLUDED.queued_shares,
			reports = suspicious_submitters.reports + 1,
			last_seen_at = EXCLUDED.last_seen_at`

	if _, err := r.db.ExecContext(ctx, query, miner, queuedShares, r.now()); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "postgres.report_submitter", "failed to record submitter").
			WithContext("miner", miner)
	}
	return nil
}

// BlockRepository records found blocks.
type BlockRepository struct {
	db Execer
}

// NewBlockRepository creates a new block repository
func NewBlockRepository(db Execer) *BlockRepository {
	return &BlockRepository{db: db}
}

// CreateBlock stores block. A block already recorded for the same port and
// hash is left untouched.
func (r *BlockRepository) CreateBlock(ctx context.Context, block *Block) error {
	query := `
		INSERT INTO found_blocks (port, coin, height, hash, miner, instance_id, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (port, hash) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		block.Port, block.Coin, int64(block.Height), block.Hash, block.Miner, block.InstanceID, block.SubmittedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "postgres.create_block", "failed to record block").
			WithContext("port", block.Port).
			WithContext("hash", block.Hash)
	}
	return nil
}
