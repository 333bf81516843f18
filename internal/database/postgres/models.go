package postgres

import (
	"time"
)

// Submitter is a miner reported for keeping many shares queued at a verifier.
type Submitter struct {
	Miner        string    `db:"miner"`
	QueuedShares int       `db:"queued_shares"`
	Reports      int64     `db:"reports"`
	FirstSeenAt  time.Time `db:"first_seen_at"`
	LastSeenAt   time.Time `db:"last_seen_at"`
}

// Block is a block a daemon accepted from the pool.
type Block struct {
	Port        int       `db:"port"`
	Coin        string    `db:"coin"`
	Height      uint64    `db:"height"`
	Hash        string    `db:"hash"`
	Miner       string    `db:"miner"`
	InstanceID  string    `db:"instance_id"`
	SubmittedAt time.Time `db:"submitted_at"`
}
