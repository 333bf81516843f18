package blob

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/coinpool/internal/coins"
)

// Address parameters of the bitcoin derived chains. Only the base58 version
// bytes differ from bitcoin for what the pool needs.
var (
	RavenParams     = deriveParams("ravencoin", 60, 122)
	RaptoreumParams = deriveParams("raptoreum", 60, 16)
)

func deriveParams(name string, pubKeyHashID, scriptHashID byte) *chaincfg.Params {
	p := chaincfg.MainNetParams
	p.Name = name
	p.PubKeyHashAddrID = pubKeyHashID
	p.ScriptHashAddrID = scriptHashID
	p.Bech32HRPSegwit = ""
	return &p
}

// ParamsFor returns the address parameters of a bitcoin derived format.
func ParamsFor(format coins.BlobFormat) (*chaincfg.Params, bool) {
	switch format.Family() {
	case coins.FamilyRaven:
		return RavenParams, true
	case coins.FamilyRaptoreum:
		return RaptoreumParams, true
	}
	return nil, false
}

// DIP4 coinbase: transaction version 3 with special type 5.
const dip4CoinbaseVersion = 3 | 5<<16

// Payee is an extra coinbase output required by the chain, such as a
// Raptoreum smartnode or founder payment. Script wins over Address when set.
type Payee struct {
	Address string
	Script  string
	Amount  int64
}

// BitcoinTemplate is the getblocktemplate subset needed to assemble a blob.
type BitcoinTemplate struct {
	Version         int32
	PrevHash        string // display order
	Bits            string // big endian hex
	CurTime         int64
	Height          int64
	CoinbaseValue   int64
	Transactions    []string // raw tx hex, in template order
	Payees          []Payee
	CoinbasePayload string // DIP4 payload hex, Raptoreum only
	PoolAddress     string
	PoolTag         string
}

// BuildBitcoinBlob assembles the pool's block blob for a Raven or Raptoreum
// template: header, then the coinbase carrying the reserved extra nonce, then
// the template transactions. The returned offset is the first byte of the
// reserved region.
func BuildBitcoinBlob(t BitcoinTemplate, format coins.BlobFormat) ([]byte, int, error) {
	params, ok := ParamsFor(format)
	if !ok {
		return nil, 0, classify(fmt.Errorf("%w: %s has no bitcoin template", ErrUnsupported, format), "blob.build", format)
	}
	out, offset, err := buildBitcoinBlob(t, format, params)
	if err != nil {
		return nil, 0, classify(err, "blob.build", format)
	}
	return out, offset, nil
}

func buildBitcoinBlob(t BitcoinTemplate, format coins.BlobFormat, params *chaincfg.Params) ([]byte, int, error) {
	raptoreum := format.Family() == coins.FamilyRaptoreum

	coinbase, scriptOffset, err := buildCoinbase(t, params, raptoreum)
	if err != nil {
		return nil, 0, err
	}

	txs := make([][]byte, 0, len(t.Transactions))
	txids := [][hashSize]byte{sha256d(coinbase)}
	for i, txHex := range t.Transactions {
		raw, err := hex.DecodeString(txHex)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: transaction %d is not hex: %v", ErrMalformed, i, err)
		}
		tx, err := readTx(raw, 0, raptoreum)
		if err != nil {
			return nil, 0, fmt.Errorf("transaction %d: %w", i, err)
		}
		if tx.end != len(raw) {
			return nil, 0, fmt.Errorf("%w: transaction %d has %d trailing bytes", ErrMalformed, i, len(raw)-tx.end)
		}
		txs = append(txs, raw)
		txids = append(txids, tx.txid)
	}

	header, err := buildHeader(t, bitcoinMerkleRoot(txids), raptoreum)
	if err != nil {
		return nil, 0, err
	}

	var buf bytes.Buffer
	buf.Write(header)
	if err := wire.WriteVarInt(&buf, 0, uint64(1+len(txs))); err != nil {
		return nil, 0, err
	}
	offset := buf.Len() + scriptOffset
	buf.Write(coinbase)
	for _, raw := range txs {
		buf.Write(raw)
	}
	return buf.Bytes(), offset, nil
}

// buildCoinbase serializes the coinbase and returns the offset, relative to
// its first byte, of the reserved extra nonce payload.
func buildCoinbase(t BitcoinTemplate, params *chaincfg.Params, raptoreum bool) ([]byte, int, error) {
	heightScript, err := txscript.NewScriptBuilder().AddInt64(t.Height).Script()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create height script: %w", err)
	}

	// height || pool tag || 0x02 0x11 || 17 zero bytes of extra nonce space
	script := append([]byte(nil), heightScript...)
	script = append(script, t.PoolTag...)
	reservedInScript := len(script) + 2
	script = append(script, extraNonce, PoolNonceSize)
	script = append(script, make([]byte, PoolNonceSize)...)
	if len(script) > 100 {
		return nil, 0, fmt.Errorf("%w: coinbase script is %d bytes, consensus limit is 100", ErrMalformed, len(script))
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if raptoreum && t.CoinbasePayload != "" {
		tx.Version = dip4CoinbaseVersion
	}
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{}, Index: 0xffffffff},
		SignatureScript:  script,
		Sequence:         0xffffffff,
	})

	poolValue := t.CoinbaseValue
	for _, p := range t.Payees {
		poolValue -= p.Amount
	}
	if poolValue < 0 {
		return nil, 0, fmt.Errorf("%w: payees take %d more than the coinbase value", ErrMalformed, -poolValue)
	}
	poolScript, err := payToAddress(t.PoolAddress, params)
	if err != nil {
		return nil, 0, fmt.Errorf("pool address: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(poolValue, poolScript))

	for i, p := range t.Payees {
		var pkScript []byte
		if p.Script != "" {
			pkScript, err = hex.DecodeString(p.Script)
		} else {
			pkScript, err = payToAddress(p.Address, params)
		}
		if err != nil {
			return nil, 0, fmt.Errorf("payee %d: %w", i, err)
		}
		tx.AddTxOut(wire.NewTxOut(p.Amount, pkScript))
	}

	var buf bytes.Buffer
	if err := tx.SerializeNoWitness(&buf); err != nil {
		return nil, 0, fmt.Errorf("failed to serialize coinbase: %w", err)
	}
	if tx.Version == dip4CoinbaseVersion {
		payload, err := hex.DecodeString(t.CoinbasePayload)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: coinbase payload is not hex: %v", ErrMalformed, err)
		}
		if err := wire.WriteVarBytes(&buf, 0, payload); err != nil {
			return nil, 0, fmt.Errorf("failed to write coinbase payload: %w", err)
		}
	}

	// version(4) || input count(1) || outpoint(36) || script length
	scriptStart := 4 + 1 + 36 + wire.VarIntSerializeSize(uint64(len(script)))
	return buf.Bytes(), scriptStart + reservedInScript, nil
}

func payToAddress(address string, params *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("failed to decode address %q: %w", address, err)
	}
	return txscript.PayToAddrScript(addr)
}

func buildHeader(t BitcoinTemplate, merkle [hashSize]byte, raptoreum bool) ([]byte, error) {
	prev, err := chainhash.NewHashFromStr(t.PrevHash)
	if err != nil {
		return nil, fmt.Errorf("%w: previous block hash: %v", ErrMalformed, err)
	}
	bits, err := decodeFixedHex(t.Bits, 4, "bits")
	if err != nil {
		return nil, err
	}

	size := ravenHeaderSize
	if raptoreum {
		size = raptoreumHeaderSize
	}
	h := make([]byte, 0, size)
	h = binary.LittleEndian.AppendUint32(h, uint32(t.Version))
	h = append(h, prev[:]...)
	h = append(h, merkle[:]...)
	h = binary.LittleEndian.AppendUint32(h, uint32(t.CurTime))
	h = binary.LittleEndian.AppendUint32(h, binary.BigEndian.Uint32(bits))
	if !raptoreum {
		h = binary.LittleEndian.AppendUint32(h, uint32(t.Height))
	}
	// nonce, and for Raven the mix digest, are filled in by the miner
	return append(h, make([]byte, size-len(h))...), nil
}

// CoinbaseScript returns the pay-to-address script the pool receives its
// reward on, used to recognise the pool's outputs in a solved block.
func CoinbaseScript(address string, format coins.BlobFormat) ([]byte, error) {
	params, ok := ParamsFor(format)
	if !ok {
		return nil, classify(fmt.Errorf("%w: %s", ErrUnsupported, format), "blob.coinbase_script", format)
	}
	script, err := payToAddress(address, params)
	if err != nil {
		return nil, classify(err, "blob.coinbase_script", format)
	}
	return script, nil
}
