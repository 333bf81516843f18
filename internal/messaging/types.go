package messaging

import "time"

// BlockFoundEvent is published when a daemon accepts a submitted block.
type BlockFoundEvent struct {
	Port      int       `json:"port"`
	Coin      string    `json:"coin"`
	Height    uint64    `json:"height"`
	BlockID   string    `json:"block_id"`
	Miner     string    `json:"miner"`
	FoundAt   time.Time `json:"found_at"`
	LatencyMs float64   `json:"latency_ms"`
}
