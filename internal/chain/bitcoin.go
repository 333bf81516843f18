package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"golang.org/x/crypto/sha3"

	"github.com/bardlex/coinpool/internal/blob"
	"github.com/bardlex/coinpool/internal/coins"
	"github.com/bardlex/coinpool/internal/template"
	"github.com/bardlex/coinpool/pkg/errors"
)

// kawpowEpochLength is the number of Raven blocks sharing one DAG seed.
const kawpowEpochLength = 7500

// diff1 is the bitcoin difficulty 1 target.
var diff1 = new(big.Int).Lsh(big.NewInt(0xffff), 208)

// bitcoinNetwork serves bitcoind derived daemons (Raven, Raptoreum). The
// daemon hands out a getblocktemplate; the pool assembles the block blob and
// its coinbase locally so it controls where the reserved region sits.
type bitcoinNetwork struct {
	base
	btc     BitcoinRPC
	poolTag string
}

type btcBlockHeader struct {
	Hash          string          `json:"hash"`
	Height        template.Number `json:"height"`
	Time          template.Number `json:"time"`
	Difficulty    json.Number     `json:"difficulty"`
	PreviousBlock string          `json:"previousblockhash"`
	Confirmations int64           `json:"confirmations"`
}

type btcVout struct {
	Value        json.Number `json:"value"`
	ScriptPubKey struct {
		Hex string `json:"hex"`
	} `json:"scriptPubKey"`
}

type btcVerboseBlock struct {
	Tx []struct {
		Txid string    `json:"txid"`
		Vout []btcVout `json:"vout"`
	} `json:"tx"`
}

type btcPayee struct {
	Payee  string `json:"payee"`
	Script string `json:"script"`
	Amount int64  `json:"amount"`
}

type btcTemplateTx struct {
	Data string `json:"data"`
}

type btcTemplate struct {
	Version           int32           `json:"version"`
	PreviousBlockHash string          `json:"previousblockhash"`
	Transactions      []btcTemplateTx `json:"transactions"`
	CoinbaseValue     int64           `json:"coinbasevalue"`
	Target            string          `json:"target"`
	CurTime           int64           `json:"curtime"`
	Bits              string          `json:"bits"`
	Height            int64           `json:"height"`

	// Raptoreum
	Smartnode              json.RawMessage `json:"smartnode"`
	Founder                *btcPayee       `json:"founder"`
	FounderPaymentsStarted bool            `json:"founder_payments_started"`
	CoinbasePayload        string          `json:"coinbase_payload"`
}

func (n *bitcoinNetwork) decode(ctx context.Context, v any, method string, params ...any) error {
	msg, err := n.btc.RawRequest(ctx, n.coin.Port, method, params...)
	if err != nil {
		return err
	}
	if err := fastJSON.Unmarshal(msg, v); err != nil {
		return errors.Wrap(err, errors.ErrorTypeProtocol, method, "unexpected result shape").
			AsRetryable(false).
			WithContext("port", n.coin.Port).
			WithBody(msg)
	}
	return nil
}

func (n *bitcoinNetwork) LastHeader(ctx context.Context) (*Header, error) {
	return fetch(ctx, &n.base, "getbestblockhash", func() (*Header, error) {
		var hash string
		if err := n.decode(ctx, &hash, "getbestblockhash"); err != nil {
			return nil, err
		}
		return n.resolve(ctx, hash)
	})
}

func (n *bitcoinNetwork) HeaderByHeight(ctx context.Context, height uint64) (*Header, error) {
	return fetch(ctx, &n.base, "getblockhash", func() (*Header, error) {
		var hash string
		if err := n.decode(ctx, &hash, "getblockhash", height); err != nil {
			return nil, err
		}
		return n.resolve(ctx, hash)
	})
}

func (n *bitcoinNetwork) HeaderByHash(ctx context.Context, hash string, _ bool) (*Header, error) {
	return fetch(ctx, &n.base, "getblockheader", func() (*Header, error) {
		return n.resolve(ctx, hash)
	})
}

// resolve reads a header and the pool's share of its coinbase. A header with
// negative confirmations is off the main chain.
func (n *bitcoinNetwork) resolve(ctx context.Context, hash string) (*Header, error) {
	var hdr btcBlockHeader
	if err := n.decode(ctx, &hdr, "getblockheader", hash, true); err != nil {
		return nil, err
	}
	if hdr.Hash == "" {
		return nil, errors.New(errors.ErrorTypeProtocol, "getblockheader", "reply has no hash").
			WithContext("port", n.coin.Port)
	}
	diff, _ := hdr.Difficulty.Float64()

	h := &Header{
		Hash:       hdr.Hash,
		PrevHash:   hdr.PreviousBlock,
		Height:     uint64(hdr.Height),
		Timestamp:  n.seconds(int64(hdr.Time)),
		Difficulty: n.difficulty(uint64(diff)),
		Orphan:     hdr.Confirmations < 0,
	}
	if hdr.Confirmations > 0 {
		h.Depth = uint64(hdr.Confirmations - 1)
	}

	r, err := n.coinbaseReward(ctx, hash)
	if err != nil {
		return nil, err
	}
	if r == 0 && !n.coin.AllowZeroReward {
		return nil, errors.New(errors.ErrorTypeProtocol, "getblock", "block reward is zero").
			AsRetryable(true).
			WithContext("port", n.coin.Port).
			WithContext("height", h.Height)
	}
	h.Reward = amount(r)
	return h, nil
}

// coinbaseReward sums the coinbase outputs paying the pool address, or every
// coinbase output when no pool address is configured.
func (n *bitcoinNetwork) coinbaseReward(ctx context.Context, hash string) (uint64, error) {
	var blk btcVerboseBlock
	if err := n.decode(ctx, &blk, "getblock", hash, 2); err != nil {
		return 0, err
	}
	if len(blk.Tx) == 0 {
		return 0, errors.New(errors.ErrorTypeProtocol, "getblock", "block has no coinbase").
			WithContext("port", n.coin.Port)
	}

	var poolScript string
	if n.wallet != "" {
		script, err := blob.CoinbaseScript(n.wallet, n.coin.Format)
		if err != nil {
			return 0, err
		}
		poolScript = hex.EncodeToString(script)
	}

	var total btcutil.Amount
	for _, out := range blk.Tx[0].Vout {
		if poolScript != "" && !strings.EqualFold(out.ScriptPubKey.Hex, poolScript) {
			continue
		}
		v, err := out.Value.Float64()
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeProtocol, "getblock", "bad output value").
				WithContext("value", out.Value.String())
		}
		amt, err := btcutil.NewAmount(v)
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeProtocol, "getblock", "bad output value").
				WithContext("value", out.Value.String())
		}
		total += amt
	}
	if total < 0 {
		return 0, nil
	}
	return uint64(total), nil
}

func (n *bitcoinNetwork) Template(ctx context.Context) (*template.Raw, error) {
	return fetch(ctx, &n.base, "getblocktemplate", func() (*template.Raw, error) {
		if n.wallet == "" {
			return nil, errors.New(errors.ErrorTypeInternal, "getblocktemplate", "no pool wallet configured").
				WithContext("port", n.coin.Port)
		}
		var gbt btcTemplate
		if err := n.decode(ctx, &gbt, "getblocktemplate", map[string]any{
			"capabilities": []string{"coinbasetxn", "workid", "coinbase/append"},
			"rules":        []string{"segwit"},
		}); err != nil {
			return nil, err
		}
		return n.buildRaw(&gbt)
	})
}

func (n *bitcoinNetwork) buildRaw(gbt *btcTemplate) (*template.Raw, error) {
	t := blob.BitcoinTemplate{
		Version:       gbt.Version,
		PrevHash:      gbt.PreviousBlockHash,
		Bits:          gbt.Bits,
		CurTime:       gbt.CurTime,
		Height:        gbt.Height,
		CoinbaseValue: gbt.CoinbaseValue,
		PoolAddress:   n.wallet,
		PoolTag:       n.poolTag,
	}
	for _, tx := range gbt.Transactions {
		t.Transactions = append(t.Transactions, tx.Data)
	}
	if n.coin.Format.Family() == coins.FamilyRaptoreum {
		payees, err := smartnodePayees(gbt.Smartnode)
		if err != nil {
			return nil, err
		}
		t.Payees = payees
		if gbt.FounderPaymentsStarted && gbt.Founder != nil && gbt.Founder.Amount > 0 {
			t.Payees = append(t.Payees, blob.Payee{
				Address: gbt.Founder.Payee,
				Script:  gbt.Founder.Script,
				Amount:  gbt.Founder.Amount,
			})
		}
		t.CoinbasePayload = gbt.CoinbasePayload
	}

	out, offset, err := blob.BuildBitcoinBlob(t, n.coin.Format)
	if err != nil {
		return nil, err
	}

	target, ok := new(big.Int).SetString(gbt.Target, 16)
	if !ok || target.Sign() <= 0 {
		return nil, errors.Newf(errors.ErrorTypeProtocol, "getblocktemplate", "bad target %q", gbt.Target).
			WithContext("port", n.coin.Port)
	}

	raw := &template.Raw{
		Port:              n.coin.Port,
		Coin:              n.coin.Symbol,
		Format:            n.coin.Format,
		Height:            template.Number(gbt.Height),
		Difficulty:        template.Number(new(big.Int).Div(diff1, target).Uint64()),
		Bits:              gbt.Bits,
		Target:            gbt.Target,
		BlocktemplateBlob: hex.EncodeToString(out),
		ReservedOffset:    &offset,
		PrevHash:          gbt.PreviousBlockHash,
	}
	if n.coin.Format.Family() == coins.FamilyRaven {
		raw.SeedHash = KawpowSeedHash(uint64(gbt.Height))
	}
	return raw, nil
}

// smartnodePayees accepts the smartnode field as a single object or an array.
func smartnodePayees(msg json.RawMessage) ([]blob.Payee, error) {
	if len(msg) == 0 || string(msg) == "null" {
		return nil, nil
	}
	var list []btcPayee
	if msg[0] == '{' {
		var one btcPayee
		if err := fastJSON.Unmarshal(msg, &one); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "getblocktemplate", "bad smartnode payee").WithBody(msg)
		}
		list = append(list, one)
	} else if err := fastJSON.Unmarshal(msg, &list); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "getblocktemplate", "bad smartnode payees").WithBody(msg)
	}
	out := make([]blob.Payee, 0, len(list))
	for _, p := range list {
		if p.Amount <= 0 {
			continue
		}
		out = append(out, blob.Payee{Address: p.Payee, Script: p.Script, Amount: p.Amount})
	}
	return out, nil
}

// KawpowSeedHash returns the DAG seed of the epoch containing height: keccak
// applied once per epoch to 32 zero bytes.
func KawpowSeedHash(height uint64) string {
	seed := make([]byte, 32)
	for range height / kawpowEpochLength {
		h := sha3.NewLegacyKeccak256()
		h.Write(seed)
		seed = h.Sum(seed[:0])
	}
	return hex.EncodeToString(seed)
}

// Submit sends the block with submitblock. bitcoind answers null on success
// and a reason string on rejection.
func (n *bitcoinNetwork) Submit(ctx context.Context, s Submission) error {
	msg, err := n.btc.RawRequest(ctx, n.coin.Port, "submitblock", hex.EncodeToString(s.Block))
	if err == nil {
		if reason := strings.Trim(string(msg), `" `); reason != "" && reason != "null" {
			err = errors.Newf(errors.ErrorTypeProtocol, "submitblock", "daemon rejected block: %s", reason).
				WithContext("port", n.coin.Port)
		}
	}
	return logged(&n.base, "submitblock", err)
}
