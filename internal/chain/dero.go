package chain

import (
	"context"
	"encoding/hex"

	"github.com/bardlex/coinpool/internal/template"
	"github.com/bardlex/coinpool/pkg/errors"
)

// deroNetwork serves DERO daemons: monerod style headers under DERO.* method
// names, with millisecond timestamps and a scaled difficulty.
type deroNetwork struct {
	base
}

func (n *deroNetwork) LastHeader(ctx context.Context) (*Header, error) {
	return fetch(ctx, &n.base, "DERO.GetLastBlockHeader", func() (*Header, error) {
		return n.resolve(ctx, "DERO.GetLastBlockHeader", nil)
	})
}

func (n *deroNetwork) HeaderByHeight(ctx context.Context, height uint64) (*Header, error) {
	return fetch(ctx, &n.base, "DERO.GetBlockHeaderByTopoHeight", func() (*Header, error) {
		return n.resolve(ctx, "DERO.GetBlockHeaderByTopoHeight", map[string]any{"topoheight": height})
	})
}

func (n *deroNetwork) HeaderByHash(ctx context.Context, hash string, _ bool) (*Header, error) {
	return fetch(ctx, &n.base, "DERO.GetBlockHeaderByHash", func() (*Header, error) {
		return n.resolve(ctx, "DERO.GetBlockHeaderByHash", map[string]any{"hash": hash})
	})
}

func (n *deroNetwork) resolve(ctx context.Context, method string, params any) (*Header, error) {
	raw, err := n.header(ctx, method, params)
	if err != nil {
		return nil, err
	}
	h := n.normalize(raw)
	if raw.TopoHeight != 0 {
		h.Height = uint64(raw.TopoHeight)
	}
	if h.Reward.Sign() == 0 && !n.coin.AllowZeroReward {
		return nil, errors.New(errors.ErrorTypeProtocol, method, "block reward is zero").
			AsRetryable(true).
			WithContext("port", n.coin.Port)
	}
	return h, nil
}

func (n *deroNetwork) Template(ctx context.Context) (*template.Raw, error) {
	return fetch(ctx, &n.base, "DERO.GetBlockTemplate", func() (*template.Raw, error) {
		if n.wallet == "" {
			return nil, errors.New(errors.ErrorTypeInternal, "DERO.GetBlockTemplate", "no pool wallet configured").
				WithContext("port", n.coin.Port)
		}
		var raw template.Raw
		err := n.call(ctx, n.coin.Port, jsonRPCPath, "DERO.GetBlockTemplate", map[string]any{
			"wallet_address": n.wallet,
			"reserve_size":   template.ReserveSize,
		}, &raw)
		if err != nil {
			return nil, err
		}
		if raw.BlocktemplateBlob == "" && raw.Blob == "" {
			return nil, errors.New(errors.ErrorTypeProtocol, "DERO.GetBlockTemplate", "template has no blob").
				WithContext("port", n.coin.Port)
		}
		raw.Port, raw.Coin, raw.Format = n.coin.Port, n.coin.Symbol, n.coin.Format
		return &raw, nil
	})
}

func (n *deroNetwork) Submit(ctx context.Context, s Submission) error {
	var reply submitReply
	err := n.call(ctx, n.coin.Port, jsonRPCPath, "DERO.SubmitBlock", []string{hex.EncodeToString(s.Block)}, &reply)
	if err == nil && reply.Status != "" && reply.Status != "OK" {
		err = errors.Newf(errors.ErrorTypeProtocol, "DERO.SubmitBlock", "daemon rejected block: %s", reply.Status).
			WithContext("port", n.coin.Port)
	}
	return logged(&n.base, "DERO.SubmitBlock", err)
}
