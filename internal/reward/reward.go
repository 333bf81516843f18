// Package reward computes block payouts for networks whose daemons do not
// report them directly.
package reward

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/bardlex/coinpool/pkg/errors"
)

// UncleInclusionWindow is how many blocks after its own height an uncle can be included.
const UncleInclusionWindow = 7

// EthBlock is the eth_getBlockBy* reply subset used for rewards. Transactions
// must be requested as full objects.
type EthBlock struct {
	Number        hexutil.Uint64 `json:"number"`
	Hash          string         `json:"hash"`
	ParentHash    string         `json:"parentHash"`
	Timestamp     hexutil.Uint64 `json:"timestamp"`
	Difficulty    *hexutil.Big   `json:"difficulty"`
	GasUsed       hexutil.Uint64 `json:"gasUsed"`
	BaseFeePerGas *hexutil.Big   `json:"baseFeePerGas"`
	Uncles        []string       `json:"uncles"`
	Transactions  []EthTx        `json:"transactions"`
}

// EthTx is a transaction object inside an EthBlock.
type EthTx struct {
	Hash     string       `json:"hash"`
	GasPrice *hexutil.Big `json:"gasPrice"`
}

// EthReceipt is the eth_getTransactionReceipt reply subset used for fees.
type EthReceipt struct {
	TransactionHash   string         `json:"transactionHash"`
	GasUsed           hexutil.Uint64 `json:"gasUsed"`
	EffectiveGasPrice *hexutil.Big   `json:"effectiveGasPrice"`
}

// Ethereum returns base + base*uncles/32 + sum(gasUsed*gasPrice) - baseFee*gasUsed.
// Every transaction of the block needs its receipt.
func Ethereum(block *EthBlock, receipts []EthReceipt, base *big.Int) (*big.Int, error) {
	if block == nil || base == nil {
		return nil, errors.New(errors.ErrorTypeInternal, "reward.ethereum", "block and base reward are required")
	}
	byHash := make(map[string]EthReceipt, len(receipts))
	for _, r := range receipts {
		byHash[strings.ToLower(r.TransactionHash)] = r
	}

	reward := new(big.Int).Set(base)
	if n := len(block.Uncles); n > 0 {
		inclusion := new(big.Int).Mul(base, big.NewInt(int64(n)))
		reward.Add(reward, inclusion.Div(inclusion, big.NewInt(32)))
	}

	fee := new(big.Int)
	for _, tx := range block.Transactions {
		r, ok := byHash[strings.ToLower(tx.Hash)]
		if !ok {
			return nil, errors.New(errors.ErrorTypeProtocol, "reward.ethereum", "missing receipt").
				WithContext("tx", tx.Hash).WithContext("block", block.Hash)
		}
		price := tx.GasPrice
		if price == nil {
			price = r.EffectiveGasPrice
		}
		if price == nil {
			return nil, errors.New(errors.ErrorTypeProtocol, "reward.ethereum", "transaction without gas price").
				WithContext("tx", tx.Hash)
		}
		fee.Mul(new(big.Int).SetUint64(uint64(r.GasUsed)), price.ToInt())
		reward.Add(reward, fee)
	}

	if block.BaseFeePerGas != nil {
		burnt := new(big.Int).Mul(block.BaseFeePerGas.ToInt(), new(big.Int).SetUint64(uint64(block.GasUsed)))
		reward.Sub(reward, burnt)
	}
	return reward, nil
}

// Uncle returns the reward of an uncle mined at uncleHeight and included at
// inclusionHeight: (8 - distance) * base / 8. Out of window uncles earn nothing.
func Uncle(base *big.Int, uncleHeight, inclusionHeight uint64) *big.Int {
	if base == nil || inclusionHeight <= uncleHeight || inclusionHeight-uncleHeight > UncleInclusionWindow {
		return new(big.Int)
	}
	distance := int64(inclusionHeight - uncleHeight)
	r := new(big.Int).Mul(base, big.NewInt(8-distance))
	return r.Div(r, big.NewInt(8))
}

// Ergo re-emission constants, in nanoERG.
const (
	EIP27Height      = 777217
	reemissionCutoff = 15_000_000_000
	reemissionTake   = 12_000_000_000
	minerKeepsFloor  = 3_000_000_000
)

// ErgoBox is an output of an Ergo transaction.
type ErgoBox struct {
	Value          uint64 `json:"value"`
	CreationHeight uint64 `json:"creationHeight"`
	ErgoTree       string `json:"ergoTree"`
}

// ErgoTx is an Ergo transaction as returned by /blocks/{id}.
type ErgoTx struct {
	ID      string    `json:"id"`
	Outputs []ErgoBox `json:"outputs"`
}

// Ergo returns the miner reward of the block at height: the emission box of
// the first transaction after EIP-27 re-emission, plus the fee box of the last
// transaction when it pays the same miner script.
func Ergo(height uint64, txs []ErgoTx) uint64 {
	if len(txs) == 0 {
		return 0
	}

	var reward uint64
	var minerTree string
	if first := txs[0]; len(first.Outputs) == 2 && first.Outputs[1].CreationHeight == height {
		box := first.Outputs[1]
		minerTree = box.ErgoTree
		reward = emission(height, box.Value)
	}

	if len(txs) > 1 {
		last := txs[len(txs)-1]
		for _, out := range last.Outputs {
			if out.CreationHeight != height {
				continue
			}
			if minerTree != "" && out.ErgoTree != minerTree {
				continue
			}
			reward += out.Value
		}
	}
	return reward
}

func emission(height, value uint64) uint64 {
	if height < EIP27Height {
		return value
	}
	switch {
	case value >= reemissionCutoff:
		return value - reemissionTake
	case value >= minerKeepsFloor:
		return minerKeepsFloor
	default:
		return value
	}
}

// Reconcile picks the authoritative reward when both the header and a wallet
// report one: the lower value wins and mismatch reports the disagreement. A
// zero from either source defers to the other.
func Reconcile(header, wallet uint64) (reward uint64, mismatch bool) {
	switch {
	case header == 0:
		return wallet, false
	case wallet == 0:
		return header, false
	case header == wallet:
		return header, false
	case wallet < header:
		return wallet, true
	default:
		return header, true
	}
}
