package pool

import (
	"context"
	"encoding/hex"
	"math/big"
	"slices"
	"time"

	"github.com/bardlex/coinpool/internal/blob"
	"github.com/bardlex/coinpool/internal/chain"
	"github.com/bardlex/coinpool/internal/database/postgres"
	"github.com/bardlex/coinpool/internal/messaging"
	"github.com/bardlex/coinpool/internal/template"
	"github.com/bardlex/coinpool/internal/verify"
	"github.com/bardlex/coinpool/pkg/errors"
)

// Job is a unit of work handed to a miner session. Template stays with the
// session so that shares are rebuilt against the blob they were mined on.
type Job struct {
	Port       int
	Algo       string
	Height     uint64
	Difficulty uint64
	SeedHash   string
	// Blob is the hashable blob, or the header hash for hash-only coins.
	Blob       string
	ExtraNonce uint32
	// Proxy jobs carry the raw blob; shares for them bring a ClientNonce.
	Proxy    bool
	Template *template.BlockTemplate
}

// NextJob issues fresh work from the current template of port.
func (c *Context) NextJob(port int) (Job, error) {
	t, err := c.Template(port)
	if err != nil {
		return Job{}, err
	}
	algo, _ := c.registry.PortToAlgorithm(port)
	j := Job{
		Port:       port,
		Algo:       algo,
		Height:     t.Height,
		Difficulty: t.Difficulty,
		SeedHash:   t.SeedHash,
		Template:   t,
	}
	if t.HashOnly {
		j.Blob = t.Hash
		return j, nil
	}
	w, err := t.NextWork()
	if err != nil {
		return Job{}, err
	}
	j.Blob = hex.EncodeToString(w.Blob)
	j.ExtraNonce = w.ExtraNonce
	return j, nil
}

// NextProxyJob issues work for a downstream proxy: the raw template blob with
// a fresh extra nonce, which the proxy converts after writing its own client
// nonce. Hash-only templates have no blob to hand out.
func (c *Context) NextProxyJob(port int) (Job, error) {
	t, err := c.Template(port)
	if err != nil {
		return Job{}, err
	}
	if t.HashOnly {
		return Job{}, errors.New(errors.ErrorTypeUnsupported, "pool.next_proxy_job", "hash-only work cannot be proxied").
			WithContext("port", port)
	}
	algo, _ := c.registry.PortToAlgorithm(port)
	blobHex, extraNonce, err := t.NextBlobWithChildNonce()
	if err != nil {
		return Job{}, err
	}
	return Job{
		Port:       port,
		Algo:       algo,
		Height:     t.Height,
		Difficulty: t.Difficulty,
		SeedHash:   t.SeedHash,
		Blob:       blobHex,
		ExtraNonce: extraNonce,
		Proxy:      true,
		Template:   t,
	}, nil
}

// Share is a miner's solution to a Job.
type Share struct {
	Job   Job
	Miner string
	// Nonce is hex in the coin's submission layout.
	Nonce   string
	Proof   []uint32
	MixHash string
	// ClientNonce is the 8 bytes a proxy wrote at the client pool and client
	// nonce locations of a proxy job.
	ClientNonce []byte
	// Hash is the verified proof-of-work hash. It decides whether a merge
	// mined child block is due.
	Hash []byte
}

// block rebuilds the full block blob a share solves.
func (c *Context) block(s Share) ([]byte, chain.Network, error) {
	n, err := c.networks.Network(s.Job.Port)
	if err != nil {
		return nil, nil, err
	}
	t := s.Job.Template
	if t == nil {
		return nil, nil, errors.New(errors.ErrorTypeValidation, "pool.block", "share has no template").
			WithContext("port", s.Job.Port)
	}
	if t.HashOnly {
		return nil, n, nil
	}
	buf, err := t.BufferWithNonce(s.Job.ExtraNonce)
	if err != nil {
		return nil, nil, err
	}
	if s.Job.Proxy {
		if len(s.ClientNonce) != clientNonceSize {
			return nil, nil, errors.Newf(errors.ErrorTypeValidation, "pool.block",
				"proxy share needs a %d byte client nonce, got %d", clientNonceSize, len(s.ClientNonce)).
				WithContext("port", s.Job.Port)
		}
		copy(buf[t.ClientPoolLocation:], s.ClientNonce)
	}
	out, err := n.ConstructSubmission(buf, blob.SubmitParams{Nonce: s.Nonce, Proof: s.Proof, MixHash: s.MixHash})
	if err != nil {
		return nil, nil, err
	}
	return out, n, nil
}

// VerifyShare computes the proof-of-work hash of a share through the
// dispatcher. Hash-only coins are verified from the header hash, nonce and
// height by the verifier itself.
func (c *Context) VerifyShare(ctx context.Context, s Share) (verify.Result, error) {
	b, n, err := c.block(s)
	if err != nil {
		return verify.Result{}, err
	}

	job := verify.Job{
		Algo:     s.Job.Algo,
		SeedHash: s.Job.SeedHash,
		Height:   s.Job.Height,
		Port:     s.Job.Port,
		Miner:    s.Miner,
	}
	if b == nil {
		hashBlob, err := hex.DecodeString(s.Job.Blob + trimHex(s.Nonce))
		if err != nil {
			return verify.Result{}, errors.Wrap(err, errors.ErrorTypeValidation, "pool.verify_share", "header hash or nonce is not hex")
		}
		job.Blob = hashBlob
	} else {
		share, err := n.ShareBlob(b)
		if err != nil {
			return verify.Result{}, err
		}
		job.Blob = share
	}
	return c.dispatcher.Verify(ctx, job)
}

// clientNonceSize spans the client pool and client nonce locations.
const clientNonceSize = 8

func trimHex(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// SubmitBlock sends a block candidate to the daemon and returns its block
// id. Submissions are never retried; a rejected block is reported to the
// caller. When the template carries a merge mined child and the share hash
// also meets the child's difficulty, the child block is submitted as well;
// its failure is logged and does not affect the parent's result.
func (c *Context) SubmitBlock(ctx context.Context, s Share) (string, error) {
	start := time.Now()
	b, n, err := c.block(s)
	if err != nil {
		return "", err
	}
	t := s.Job.Template

	var id string
	if b == nil {
		err = n.Submit(ctx, chain.Submission{Nonce: s.Nonce, HeaderHash: t.Hash, MixHash: s.MixHash})
		id = t.Hash
	} else {
		err = n.Submit(ctx, chain.Submission{Block: b})
		if err == nil {
			var raw []byte
			if raw, err = n.BlockID(b); err == nil {
				id = hex.EncodeToString(raw)
			}
		}
	}
	if err != nil {
		c.logger.WithError(err).Warn("block submission failed",
			"port", s.Job.Port,
			"height", t.Height,
			"miner", s.Miner,
		)
		return "", err
	}

	c.logger.LogBlockFound(s.Job.Port, id, t.Height)
	c.logger.LogDuration("submit_block", time.Since(start))
	c.recordBlock(ctx, s.Job.Port, t.Height, s.Miner, id, time.Since(start))

	if t.Child != nil && meetsDifficulty(s.Hash, t.Child.Difficulty) {
		if _, err := c.submitChild(ctx, s, b); err != nil {
			c.logger.WithError(err).Warn("merge mined child submission failed",
				"port", s.Job.Port,
				"child_port", t.Child.Port,
			)
		}
	}
	return id, nil
}

// SubmitChildBlock submits the merge mined child block completed by a parent
// share, for shares that meet the child's difficulty but not the parent's.
func (c *Context) SubmitChildBlock(ctx context.Context, s Share) (string, error) {
	b, _, err := c.block(s)
	if err != nil {
		return "", err
	}
	return c.submitChild(ctx, s, b)
}

func (c *Context) submitChild(ctx context.Context, s Share, parent []byte) (string, error) {
	start := time.Now()
	t := s.Job.Template
	if t.Child == nil || parent == nil {
		return "", errors.New(errors.ErrorTypeValidation, "pool.submit_child", "share has no merge mined child").
			WithContext("port", s.Job.Port)
	}
	n, err := c.networks.Network(t.Child.Port)
	if err != nil {
		return "", err
	}
	b, err := t.ChildBlock(parent)
	if err != nil {
		return "", err
	}
	if err := n.Submit(ctx, chain.Submission{Block: b}); err != nil {
		return "", err
	}
	raw, err := n.BlockID(b)
	if err != nil {
		return "", err
	}
	id := hex.EncodeToString(raw)

	c.logger.LogBlockFound(t.Child.Port, id, t.Child.Height)
	c.recordBlock(ctx, t.Child.Port, t.Child.Height, s.Miner, id, time.Since(start))
	return id, nil
}

// meetsDifficulty reports whether a cryptonote hash, read as a little endian
// 256 bit number, satisfies diff.
func meetsDifficulty(hash []byte, diff uint64) bool {
	if len(hash) != 32 || diff == 0 {
		return false
	}
	le := slices.Clone(hash)
	slices.Reverse(le)
	h := new(big.Int).SetBytes(le)
	h.Mul(h, new(big.Int).SetUint64(diff))
	return h.BitLen() <= 256
}

func (c *Context) recordBlock(ctx context.Context, port int, height uint64, miner, id string, latency time.Duration) {
	coin, _ := c.registry.PortToCoin(port)
	now := time.Now()

	if c.opts.Events != nil {
		ev := messaging.BlockFoundEvent{
			Port:      port,
			Coin:      coin,
			Height:    height,
			BlockID:   id,
			Miner:     miner,
			FoundAt:   now,
			LatencyMs: float64(latency.Microseconds()) / 1000,
		}
		if err := c.opts.Events.PublishJSON(ctx, messaging.TopicBlockFound, id, ev); err != nil {
			c.logger.WithError(err).Warn("failed to publish block found event", "block_id", id)
		}
	}
	if c.opts.Store != nil {
		err := c.opts.Store.RecordBlock(ctx, &postgres.Block{
			Port:        port,
			Coin:        coin,
			Height:      height,
			Hash:        id,
			Miner:       miner,
			InstanceID:  hex.EncodeToString(instanceBytes(c.instanceID)),
			SubmittedAt: now,
		})
		if err != nil {
			c.logger.WithError(err).Error("failed to record block", "block_id", id)
		}
	}
}

func instanceBytes(id uint32) []byte {
	return []byte{byte(id), byte(id >> 8), byte(id >> 16), byte(id >> 24)}
}
