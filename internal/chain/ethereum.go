package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/remeh/sizedwaitgroup"

	"github.com/bardlex/coinpool/internal/daemon"
	"github.com/bardlex/coinpool/internal/reward"
	"github.com/bardlex/coinpool/internal/template"
	"github.com/bardlex/coinpool/pkg/errors"
)

// Ethereum daemons serve JSON-RPC at the root path.
const ethPath = ""

// uncleScanWorkers bounds the concurrent block lookups of an uncle scan.
const uncleScanWorkers = 4

var two256 = new(big.Int).Lsh(big.NewInt(1), 256)

// ethereumNetwork serves geth style daemons of the Ethash family.
type ethereumNetwork struct {
	base
	baseReward *big.Int
	cache      Cache
}

func newEthereumNetwork(b base, cache Cache) (*ethereumNetwork, error) {
	baseReward, ok := new(big.Int).SetString(b.coin.BaseReward, 10)
	if !ok || baseReward.Sign() <= 0 {
		return nil, errors.Newf(errors.ErrorTypeInternal, "chain.new", "invalid base reward %q", b.coin.BaseReward).
			WithContext("port", b.coin.Port)
	}
	return &ethereumNetwork{base: b, baseReward: baseReward, cache: cache}, nil
}

func (n *ethereumNetwork) block(ctx context.Context, method string, params ...any) (*reward.EthBlock, error) {
	var blk reward.EthBlock
	if err := n.call(ctx, n.coin.Port, ethPath, method, params, &blk); err != nil {
		return nil, err
	}
	if blk.Hash == "" {
		return nil, errors.New(errors.ErrorTypeProtocol, method, "reply has no block").
			WithContext("port", n.coin.Port)
	}
	return &blk, nil
}

func (n *ethereumNetwork) blockByNumber(ctx context.Context, tag string) (*reward.EthBlock, error) {
	return n.block(ctx, "eth_getBlockByNumber", tag, true)
}

// uncles returns the uncle hashes of the block at height without its transactions.
func (n *ethereumNetwork) uncles(ctx context.Context, height uint64) ([]string, error) {
	var blk struct {
		Hash   string   `json:"hash"`
		Uncles []string `json:"uncles"`
	}
	if err := n.call(ctx, n.coin.Port, ethPath, "eth_getBlockByNumber", []any{hexutil.EncodeUint64(height), false}, &blk); err != nil {
		return nil, err
	}
	return blk.Uncles, nil
}

func (n *ethereumNetwork) tip(ctx context.Context) (uint64, error) {
	var height hexutil.Uint64
	if err := n.call(ctx, n.coin.Port, ethPath, "eth_blockNumber", []any{}, &height); err != nil {
		return 0, err
	}
	return uint64(height), nil
}

func (n *ethereumNetwork) header(ctx context.Context, blk *reward.EthBlock) (*Header, error) {
	r, err := n.blockReward(ctx, blk)
	if err != nil {
		return nil, err
	}
	h := n.shape(blk)
	h.Reward = r
	return h, nil
}

func (n *ethereumNetwork) shape(blk *reward.EthBlock) *Header {
	var diff uint64
	if blk.Difficulty != nil {
		diff = blk.Difficulty.ToInt().Uint64()
	}
	return &Header{
		Hash:       blk.Hash,
		PrevHash:   blk.ParentHash,
		Height:     uint64(blk.Number),
		Timestamp:  n.seconds(int64(blk.Timestamp)),
		Difficulty: n.difficulty(diff),
		Reward:     new(big.Int),
	}
}

func (n *ethereumNetwork) rewardKey(hash string) string {
	return fmt.Sprintf("reward:%d:%s", n.coin.Port, common.HexToHash(hash).Hex())
}

// blockReward computes base, uncle inclusion and fee rewards. Results are
// cached by block hash since they need one receipt per transaction.
func (n *ethereumNetwork) blockReward(ctx context.Context, blk *reward.EthBlock) (*big.Int, error) {
	key := n.rewardKey(blk.Hash)
	if n.cache != nil {
		if v, ok, err := n.cache.Get(ctx, key); err == nil && ok {
			if r, ok := new(big.Int).SetString(string(v), 10); ok {
				return r, nil
			}
		}
	}

	var receipts []reward.EthReceipt
	if len(blk.Transactions) > 0 {
		reqs := make([]daemon.Request, len(blk.Transactions))
		for i, tx := range blk.Transactions {
			reqs[i] = daemon.Request{Method: "eth_getTransactionReceipt", Params: []string{tx.Hash}}
		}
		resps, err := n.rpc.CallBatch(ctx, n.coin.Port, ethPath, reqs)
		if err != nil {
			return nil, err
		}
		receipts = make([]reward.EthReceipt, len(resps))
		for i := range resps {
			if err := resps[i].Err("eth_getTransactionReceipt"); err != nil {
				return nil, err
			}
			if err := resps[i].Decode("eth_getTransactionReceipt", &receipts[i]); err != nil {
				return nil, err
			}
		}
	}

	r, err := reward.Ethereum(blk, receipts, n.baseReward)
	if err != nil {
		return nil, err
	}
	if n.cache != nil {
		if err := n.cache.Put(ctx, key, []byte(r.String())); err != nil {
			n.logger.WithError(err).Warn("failed to cache block reward", "hash", blk.Hash)
		}
	}
	return r, nil
}

func (n *ethereumNetwork) LastHeader(ctx context.Context) (*Header, error) {
	return fetch(ctx, &n.base, "eth_getBlockByNumber", func() (*Header, error) {
		blk, err := n.blockByNumber(ctx, "latest")
		if err != nil {
			return nil, err
		}
		return n.header(ctx, blk)
	})
}

func (n *ethereumNetwork) HeaderByHeight(ctx context.Context, height uint64) (*Header, error) {
	return fetch(ctx, &n.base, "eth_getBlockByNumber", func() (*Header, error) {
		blk, err := n.blockByNumber(ctx, hexutil.EncodeUint64(height))
		if err != nil {
			return nil, err
		}
		return n.header(ctx, blk)
	})
}

// HeaderByHash finds the block by hash, then checks it is the canonical block
// at its height. A block that is not canonical is searched for in the uncle
// lists of the following UncleInclusionWindow blocks.
func (n *ethereumNetwork) HeaderByHash(ctx context.Context, hash string, live bool) (*Header, error) {
	return fetch(ctx, &n.base, "eth_getBlockByHash", func() (*Header, error) {
		blk, err := n.block(ctx, "eth_getBlockByHash", hash, true)
		if err != nil {
			return nil, err
		}
		height := uint64(blk.Number)
		canonical, err := n.blockByNumber(ctx, hexutil.EncodeUint64(height))
		if err != nil {
			return nil, err
		}
		if sameHash(canonical.Hash, hash) {
			return n.header(ctx, canonical)
		}
		return n.classify(ctx, blk, live)
	})
}

func sameHash(a, b string) bool {
	return common.HexToHash(a) == common.HexToHash(b)
}

// classify scans the inclusion window of a non canonical block concurrently
// and stops at the first block listing it as an uncle.
func (n *ethereumNetwork) classify(ctx context.Context, blk *reward.EthBlock, live bool) (*Header, error) {
	height := uint64(blk.Number)
	tip, err := n.tip(ctx)
	if err != nil {
		return nil, err
	}
	last := height + reward.UncleInclusionWindow
	scanTo := min(last, tip)

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		included uint64
		scanErr  error
	)
	swg := sizedwaitgroup.New(uncleScanWorkers)
	for m := height + 1; m <= scanTo; m++ {
		if err := swg.AddWithContext(scanCtx); err != nil {
			break
		}
		go func(m uint64) {
			defer swg.Done()
			uncles, err := n.uncles(scanCtx, m)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if scanCtx.Err() == nil && scanErr == nil {
					scanErr = err
				}
				return
			}
			for _, u := range uncles {
				if sameHash(u, blk.Hash) && (included == 0 || m < included) {
					included = m
					cancel()
				}
			}
		}(m)
	}
	swg.Wait()

	h := n.shape(blk)
	switch {
	case included != 0:
		h.Uncle = true
		h.Reward = reward.Uncle(n.baseReward, height, included)
		return h, nil
	case scanErr != nil:
		return nil, scanErr
	case last > tip && live:
		return nil, errors.Wrap(ErrNotYetDetermined, errors.ErrorTypeInternal, "eth_getBlockByHash",
			"uncle window extends past the chain tip").
			AsRetryable(false).
			WithContext("height", height).
			WithContext("tip", tip)
	}
	h.Orphan = true
	return h, nil
}

func (n *ethereumNetwork) Template(ctx context.Context) (*template.Raw, error) {
	return fetch(ctx, &n.base, "eth_getWork", func() (*template.Raw, error) {
		var work []string
		if err := n.call(ctx, n.coin.Port, ethPath, "eth_getWork", []any{}, &work); err != nil {
			return nil, err
		}
		if len(work) < 3 {
			return nil, errors.Newf(errors.ErrorTypeProtocol, "eth_getWork", "work has %d fields, want 3", len(work)).
				WithContext("port", n.coin.Port)
		}
		tip, err := n.tip(ctx)
		if err != nil {
			return nil, err
		}
		target, err := hexutil.DecodeBig(work[2])
		if err != nil || target.Sign() == 0 {
			return nil, errors.Newf(errors.ErrorTypeProtocol, "eth_getWork", "bad target %q", work[2]).
				WithContext("port", n.coin.Port)
		}
		return &template.Raw{
			Port:       n.coin.Port,
			Coin:       n.coin.Symbol,
			Format:     n.coin.Format,
			Height:     template.Number(tip + 1),
			Difficulty: template.Number(new(big.Int).Div(two256, target).Uint64()),
			Target:     work[2],
			SeedHash:   work[1],
			Hash:       work[0],
			Hash2:      work[1],
		}, nil
	})
}

func (n *ethereumNetwork) Submit(ctx context.Context, s Submission) error {
	var accepted bool
	err := n.call(ctx, n.coin.Port, ethPath, "eth_submitWork", []string{s.Nonce, s.HeaderHash, s.MixHash}, &accepted)
	if err == nil && !accepted {
		err = errors.New(errors.ErrorTypeProtocol, "eth_submitWork", "daemon rejected work").
			WithContext("port", n.coin.Port)
	}
	return logged(&n.base, "eth_submitWork", err)
}
