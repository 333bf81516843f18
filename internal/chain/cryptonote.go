package chain

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/bardlex/coinpool/internal/blob"
	"github.com/bardlex/coinpool/internal/reward"
	"github.com/bardlex/coinpool/internal/template"
	"github.com/bardlex/coinpool/pkg/errors"
)

const jsonRPCPath = "json_rpc"

// cnHeader is the block_header object of monerod style daemons. DERO uses the
// same shape with a topoheight and string difficulties.
type cnHeader struct {
	Hash         string          `json:"hash"`
	PrevHash     string          `json:"prev_hash"`
	Height       template.Number `json:"height"`
	TopoHeight   template.Number `json:"topoheight"`
	Timestamp    template.Number `json:"timestamp"`
	Difficulty   template.Number `json:"difficulty"`
	Reward       template.Number `json:"reward"`
	MinerTxHash  string          `json:"miner_tx_hash"`
	Depth        template.Number `json:"depth"`
	OrphanStatus bool            `json:"orphan_status"`
}

type cnHeaderReply struct {
	BlockHeader *cnHeader `json:"block_header"`
	Status      string    `json:"status"`
}

func (b *base) normalize(h *cnHeader) *Header {
	return &Header{
		Hash:        h.Hash,
		PrevHash:    h.PrevHash,
		Height:      uint64(h.Height),
		Timestamp:   b.seconds(int64(h.Timestamp)),
		Difficulty:  b.difficulty(uint64(h.Difficulty)),
		Reward:      amount(uint64(h.Reward)),
		MinerTxHash: h.MinerTxHash,
		Depth:       uint64(h.Depth),
		Orphan:      h.OrphanStatus,
	}
}

// header runs a header method and unwraps its block_header.
func (b *base) header(ctx context.Context, method string, params any) (*cnHeader, error) {
	var reply cnHeaderReply
	if err := b.call(ctx, b.coin.Port, jsonRPCPath, method, params, &reply); err != nil {
		return nil, err
	}
	if reply.BlockHeader == nil || reply.BlockHeader.Hash == "" {
		return nil, errors.New(errors.ErrorTypeProtocol, method, "reply has no block header").
			WithContext("port", b.coin.Port).
			WithContext("status", reply.Status)
	}
	return reply.BlockHeader, nil
}

// cryptonoteNetwork serves monerod style daemons: the generic, cuckoo and
// forknote2 blob formats.
type cryptonoteNetwork struct {
	base
	mergeParent bool
	children    []*cryptonoteNetwork
}

func (n *cryptonoteNetwork) LastHeader(ctx context.Context) (*Header, error) {
	return fetch(ctx, &n.base, "get_last_block_header", func() (*Header, error) {
		return n.resolve(ctx, "get_last_block_header", nil)
	})
}

func (n *cryptonoteNetwork) HeaderByHeight(ctx context.Context, height uint64) (*Header, error) {
	return fetch(ctx, &n.base, "get_block_header_by_height", func() (*Header, error) {
		return n.resolve(ctx, "get_block_header_by_height", map[string]any{"height": height})
	})
}

func (n *cryptonoteNetwork) HeaderByHash(ctx context.Context, hash string, _ bool) (*Header, error) {
	return fetch(ctx, &n.base, "get_block_header_by_hash", func() (*Header, error) {
		return n.resolve(ctx, "get_block_header_by_hash", map[string]any{"hash": hash})
	})
}

// resolve fetches a header and settles its reward against the wallet.
func (n *cryptonoteNetwork) resolve(ctx context.Context, method string, params any) (*Header, error) {
	raw, err := n.header(ctx, method, params)
	if err != nil {
		return nil, err
	}
	h := n.normalize(raw)

	headerReward := uint64(raw.Reward)
	walletReward := n.walletReward(ctx, raw.MinerTxHash)
	final, mismatch := reward.Reconcile(headerReward, walletReward)
	if mismatch {
		n.logger.Warn("header and wallet rewards disagree, using the lower",
			"height", h.Height,
			"hash", h.Hash,
			"header_reward", headerReward,
			"wallet_reward", walletReward,
		)
	}
	if final == 0 && !n.coin.AllowZeroReward {
		return nil, errors.New(errors.ErrorTypeProtocol, method, "block reward is zero").
			AsRetryable(true).
			WithContext("port", n.coin.Port).
			WithContext("height", h.Height)
	}
	h.Reward = amount(final)
	return h, nil
}

type transferReply struct {
	Transfer struct {
		Amount template.Number `json:"amount"`
		TxID   string          `json:"txid"`
	} `json:"transfer"`
}

// walletReward asks the companion wallet for the amount of the miner tx. It
// returns 0 when no wallet is configured or the wallet cannot answer.
func (n *cryptonoteNetwork) walletReward(ctx context.Context, minerTxHash string) uint64 {
	if n.coin.WalletPort == 0 || minerTxHash == "" {
		return 0
	}
	var reply transferReply
	err := n.call(ctx, n.coin.WalletPort, jsonRPCPath, "get_transfer_by_txid",
		map[string]any{"txid": minerTxHash}, &reply)
	if err != nil {
		n.logger.WithError(err).Warn("wallet reward lookup failed",
			"wallet_port", n.coin.WalletPort,
			"miner_tx_hash", minerTxHash,
			"body", errors.Body(err),
		)
		return 0
	}
	return uint64(reply.Transfer.Amount)
}

func (n *cryptonoteNetwork) reserveSize() int {
	if n.mergeParent {
		return template.MergedReserveSize
	}
	return template.ReserveSize
}

func (n *cryptonoteNetwork) Template(ctx context.Context) (*template.Raw, error) {
	raw, err := fetch(ctx, &n.base, "get_block_template", func() (*template.Raw, error) {
		return n.blockTemplate(ctx)
	})
	if err != nil {
		return nil, err
	}
	if n.mergeParent && len(n.children) > 0 {
		n.embedChild(ctx, raw, n.children[0])
	}
	return raw, nil
}

func (n *cryptonoteNetwork) blockTemplate(ctx context.Context) (*template.Raw, error) {
	if n.wallet == "" {
		return nil, errors.New(errors.ErrorTypeInternal, "get_block_template", "no pool wallet configured").
			WithContext("port", n.coin.Port)
	}
	var raw template.Raw
	err := n.call(ctx, n.coin.Port, jsonRPCPath, "get_block_template", map[string]any{
		"wallet_address": n.wallet,
		"reserve_size":   n.reserveSize(),
	}, &raw)
	if err != nil {
		return nil, err
	}
	if raw.BlocktemplateBlob == "" && raw.Blob == "" {
		return nil, errors.New(errors.ErrorTypeProtocol, "get_block_template", "template has no blob").
			WithContext("port", n.coin.Port)
	}
	raw.Port, raw.Coin, raw.Format = n.coin.Port, n.coin.Symbol, n.coin.Format
	return &raw, nil
}

// embedChild composes the child's commitment into the parent blob. A child
// that cannot be fetched leaves the parent mining alone.
func (n *cryptonoteNetwork) embedChild(ctx context.Context, parent *template.Raw, child *cryptonoteNetwork) {
	logger := n.logger.WithFields("child_port", child.coin.Port)
	childRaw, err := child.Template(ctx)
	if err != nil {
		logger.WithError(err).Warn("child template unavailable, mining parent only")
		return
	}
	parentBlob, err := hex.DecodeString(parent.BlocktemplateBlob)
	if err != nil {
		logger.WithError(err).Warn("parent blob is not hex")
		return
	}
	childBlob, err := hex.DecodeString(childRaw.BlocktemplateBlob)
	if err != nil {
		logger.WithError(err).Warn("child blob is not hex")
		return
	}
	composed, err := blob.ComposeParent(parentBlob, n.coin.Format, childBlob)
	if err != nil {
		logger.WithError(err).Error("failed to compose merged mining parent")
		return
	}
	parent.OriginalBlob = parent.BlocktemplateBlob
	parent.BlocktemplateBlob = hex.EncodeToString(composed)
	parent.Child = childRaw
}

type submitReply struct {
	Status string `json:"status"`
}

func (n *cryptonoteNetwork) Submit(ctx context.Context, s Submission) error {
	var reply submitReply
	err := n.call(ctx, n.coin.Port, jsonRPCPath, "submit_block", []string{hex.EncodeToString(s.Block)}, &reply)
	if err == nil && reply.Status != "" && !strings.EqualFold(reply.Status, "OK") {
		err = errors.Newf(errors.ErrorTypeProtocol, "submit_block", "daemon rejected block: %s", reply.Status).
			WithContext("port", n.coin.Port)
	}
	return logged(&n.base, "submit_block", err)
}
