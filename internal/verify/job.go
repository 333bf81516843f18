// Package verify offloads proof-of-work verification to remote verifier
// processes. Jobs are queued per verifier, dispatched with bounded
// concurrency, and always resolved exactly once: with the verifier's answer,
// or negative on error, timeout, staleness or shutdown.
package verify

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/bardlex/coinpool/pkg/errors"
)

var (
	// ErrTimeout resolves a job the verifier did not answer in time.
	ErrTimeout = errors.Sentinel("verification timed out")
	// ErrStale resolves a job that waited in a queue for too long.
	ErrStale = errors.Sentinel("verification job went stale in queue")
	// ErrClosed resolves jobs still queued when the dispatcher shuts down.
	ErrClosed = errors.Sentinel("dispatcher closed")
	// ErrNoResult resolves a job whose verifier reply lacks a result.
	ErrNoResult = errors.Sentinel("verifier reply has no result")
)

// Job is one share to verify. SeedHash is sent for algorithms keyed by seed
// (RandomX, kawpow); Height for those keyed by block height.
type Job struct {
	Algo     string
	Blob     []byte
	SeedHash string
	Height   uint64
	Port     int
	Miner    string
}

// Result is the resolution of a job. Value is the verifier's raw result, in
// practice the proof-of-work hash as a hex string.
type Result struct {
	OK       bool
	Value    json.RawMessage
	Verifier string // empty for in-process verification
	Err      error
	Elapsed  time.Duration
}

// Hash returns Value decoded as a hex string, or nil.
func (r Result) Hash() []byte {
	var s string
	if err := fastJSON.Unmarshal(r.Value, &s); err != nil {
		return nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}

// Callback receives the resolution of a job. It runs on a dispatcher
// goroutine and must not block for long.
type Callback func(Result)

// Hasher computes proof-of-work hashes in process, selected by algorithm
// name. It backs single-process deployments with no verifiers configured.
type Hasher interface {
	Hash(ctx context.Context, algo string, blob []byte, seedHash string, height uint64) ([]byte, error)
}

// HasherFunc adapts a function to Hasher.
type HasherFunc func(ctx context.Context, algo string, blob []byte, seedHash string, height uint64) ([]byte, error)

// Hash implements Hasher.
func (f HasherFunc) Hash(ctx context.Context, algo string, blob []byte, seedHash string, height uint64) ([]byte, error) {
	return f(ctx, algo, blob, seedHash, height)
}

// pending is a queued or running job.
type pending struct {
	job      Job
	cb       Callback
	enqueued time.Time
	once     sync.Once
}

// resolve delivers r unless the job was already resolved, and reports
// whether it did.
func (p *pending) resolve(r Result) bool {
	delivered := false
	p.once.Do(func() {
		delivered = true
		if p.cb != nil {
			p.cb(r)
		}
	})
	return delivered
}

func negative(verifier string, err error, elapsed time.Duration) Result {
	return Result{Verifier: verifier, Err: err, Elapsed: elapsed}
}

// positive reports whether a verifier result counts as a pass.
func positive(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	switch string(v) {
	case "", "null", "false", `""`:
		return false
	}
	return true
}
