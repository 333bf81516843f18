package chain

import (
	"context"
	"encoding/json"
	"math/big"
	"strconv"

	"github.com/bardlex/coinpool/internal/reward"
	"github.com/bardlex/coinpool/internal/template"
	"github.com/bardlex/coinpool/pkg/errors"
)

// ergoGroupOrder is the order of the secp256k1 group. Autolykos targets are
// expressed as q / difficulty.
var ergoGroupOrder, _ = new(big.Int).SetString("fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141", 16)

// ergoNetwork serves the Ergo node REST API. Work is handed out as a message
// hash, so templates are hash-only.
type ergoNetwork struct {
	base
}

type ergoInfo struct {
	FullHeight       template.Number `json:"fullHeight"`
	BestFullHeaderID string          `json:"bestFullHeaderId"`
}

type ergoHeader struct {
	ID         string          `json:"id"`
	ParentID   string          `json:"parentId"`
	Height     template.Number `json:"height"`
	Timestamp  template.Number `json:"timestamp"`
	Difficulty template.Number `json:"difficulty"`
}

type ergoBlock struct {
	Header            ergoHeader `json:"header"`
	BlockTransactions struct {
		Transactions []reward.ErgoTx `json:"transactions"`
	} `json:"blockTransactions"`
}

type ergoCandidate struct {
	Msg    string          `json:"msg"`
	B      json.Number     `json:"b"`
	Height template.Number `json:"h"`
	PK     string          `json:"pk"`
}

func (n *ergoNetwork) info(ctx context.Context) (*ergoInfo, error) {
	var info ergoInfo
	if err := n.get(ctx, "/info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (n *ergoNetwork) block(ctx context.Context, id string) (*ergoBlock, error) {
	var blk ergoBlock
	if err := n.get(ctx, "/blocks/"+id, &blk); err != nil {
		return nil, err
	}
	if blk.Header.ID == "" {
		return nil, errors.New(errors.ErrorTypeProtocol, "/blocks", "reply has no header").
			WithContext("port", n.coin.Port).
			WithContext("id", id)
	}
	return &blk, nil
}

// idsAt returns the block ids at height, main chain first.
func (n *ergoNetwork) idsAt(ctx context.Context, height uint64) ([]string, error) {
	var ids []string
	if err := n.get(ctx, "/blocks/at/"+strconv.FormatUint(height, 10), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (n *ergoNetwork) header(blk *ergoBlock) (*Header, error) {
	height := uint64(blk.Header.Height)
	r := reward.Ergo(height, blk.BlockTransactions.Transactions)
	if r == 0 && !n.coin.AllowZeroReward {
		return nil, errors.New(errors.ErrorTypeProtocol, "/blocks", "block reward is zero").
			AsRetryable(true).
			WithContext("port", n.coin.Port).
			WithContext("height", height)
	}
	return &Header{
		Hash:       blk.Header.ID,
		PrevHash:   blk.Header.ParentID,
		Height:     height,
		Timestamp:  n.seconds(int64(blk.Header.Timestamp)),
		Difficulty: n.difficulty(uint64(blk.Header.Difficulty)),
		Reward:     amount(r),
	}, nil
}

func (n *ergoNetwork) LastHeader(ctx context.Context) (*Header, error) {
	return fetch(ctx, &n.base, "/info", func() (*Header, error) {
		info, err := n.info(ctx)
		if err != nil {
			return nil, err
		}
		if info.BestFullHeaderID == "" {
			return nil, errors.New(errors.ErrorTypeProtocol, "/info", "node reports no best block").
				WithContext("port", n.coin.Port)
		}
		blk, err := n.block(ctx, info.BestFullHeaderID)
		if err != nil {
			return nil, err
		}
		return n.header(blk)
	})
}

func (n *ergoNetwork) HeaderByHeight(ctx context.Context, height uint64) (*Header, error) {
	return fetch(ctx, &n.base, "/blocks/at", func() (*Header, error) {
		ids, err := n.idsAt(ctx, height)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, errors.Newf(errors.ErrorTypeProtocol, "/blocks/at", "no block at height %d", height).
				WithContext("port", n.coin.Port)
		}
		blk, err := n.block(ctx, ids[0])
		if err != nil {
			return nil, err
		}
		return n.header(blk)
	})
}

// HeaderByHash marks a block that is not first at its height as an orphan.
func (n *ergoNetwork) HeaderByHash(ctx context.Context, hash string, _ bool) (*Header, error) {
	return fetch(ctx, &n.base, "/blocks", func() (*Header, error) {
		blk, err := n.block(ctx, hash)
		if err != nil {
			return nil, err
		}
		h, err := n.header(blk)
		if err != nil {
			return nil, err
		}
		ids, err := n.idsAt(ctx, h.Height)
		if err != nil {
			return nil, err
		}
		h.Orphan = len(ids) == 0 || ids[0] != hash
		return h, nil
	})
}

func (n *ergoNetwork) Template(ctx context.Context) (*template.Raw, error) {
	return fetch(ctx, &n.base, "/mining/candidate", func() (*template.Raw, error) {
		var c ergoCandidate
		if err := n.get(ctx, "/mining/candidate", &c); err != nil {
			return nil, err
		}
		if c.Msg == "" {
			return nil, errors.New(errors.ErrorTypeProtocol, "/mining/candidate", "candidate has no message").
				WithContext("port", n.coin.Port)
		}
		target, ok := new(big.Int).SetString(c.B.String(), 10)
		if !ok || target.Sign() <= 0 {
			return nil, errors.Newf(errors.ErrorTypeProtocol, "/mining/candidate", "bad target %q", c.B).
				WithContext("port", n.coin.Port)
		}
		return &template.Raw{
			Port:       n.coin.Port,
			Coin:       n.coin.Symbol,
			Format:     n.coin.Format,
			Height:     c.Height,
			Difficulty: template.Number(new(big.Int).Div(ergoGroupOrder, target).Uint64()),
			Target:     target.Text(16),
			Hash:       c.Msg,
			Hash2:      c.PK,
		}, nil
	})
}

// Submit posts the miner nonce. The node rejects invalid solutions with a
// non-2xx status, which the client already reports as a protocol error.
func (n *ergoNetwork) Submit(ctx context.Context, s Submission) error {
	_, err := n.rpc.Post(ctx, n.coin.Port, "/mining/solution", map[string]string{"n": s.Nonce})
	return logged(&n.base, "/mining/solution", err)
}
