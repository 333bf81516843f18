package blob

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/wire"
)

// Header sizes of the bitcoin derived formats. Raven appends height, a 64 bit
// nonce and the kawpow mix digest to the classic 80 byte header.
const (
	ravenHeaderSize     = 120
	raptoreumHeaderSize = 80

	merkleOffset         = 36
	ravenHashedSize      = 80
	ravenNonceOffset     = 80
	ravenMixOffset       = 88
	raptoreumNonceOffset = 76

	// minTxSize is the smallest serialized transaction: version, two empty
	// counts and lock time.
	minTxSize = 10
)

// btcTx locates one serialized transaction and carries its txid.
type btcTx struct {
	start, end int
	txid       [hashSize]byte
}

// readTx deserializes the transaction at raw[off:]. Raptoreum (dip2) has no
// segregated witness; its versions 3 and up carrying a non-zero type in the
// upper 16 bits are followed by a special transaction payload, as on Dash
// derived chains. The payload is part of the txid.
func readTx(raw []byte, off int, dip2 bool) (btcTx, error) {
	t := btcTx{start: off}
	br := bytes.NewReader(raw[off:])

	var msg wire.MsgTx
	var err error
	if dip2 {
		err = msg.DeserializeNoWitness(br)
	} else {
		err = msg.Deserialize(br)
	}
	if err != nil {
		return t, fmt.Errorf("%w: transaction at byte %d: %v", ErrMalformed, off, err)
	}

	version := uint32(msg.Version)
	special := dip2 && version&0xffff >= 3 && version>>16 != 0
	if special {
		if _, err := wire.ReadVarBytes(br, 0, uint32(br.Len()), "extra payload"); err != nil {
			return t, fmt.Errorf("%w: special transaction payload at byte %d: %v", ErrMalformed, off, err)
		}
	}
	t.end = len(raw) - br.Len()

	if special {
		t.txid = sha256d(raw[t.start:t.end])
	} else {
		t.txid = msg.TxHash()
	}
	return t, nil
}

// btcBlock is a parsed header + transactions blob.
type btcBlock struct {
	raw        []byte
	headerSize int
	txs        []btcTx
}

func parseBtcBlock(raw []byte, headerSize int, dip2 bool) (*btcBlock, error) {
	if len(raw) < headerSize {
		return nil, fmt.Errorf("%w: block is %d bytes, header needs %d", ErrTruncated, len(raw), headerSize)
	}
	br := bytes.NewReader(raw[headerSize:])
	n, err := wire.ReadVarInt(br, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: transaction count: %v", ErrTruncated, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: block without coinbase", ErrMalformed)
	}
	if n > uint64(br.Len()/minTxSize) {
		return nil, fmt.Errorf("%w: %d transactions cannot fit in %d bytes", ErrMalformed, n, br.Len())
	}

	b := &btcBlock{raw: raw, headerSize: headerSize, txs: make([]btcTx, 0, n)}
	off := len(raw) - br.Len()
	for range n {
		tx, err := readTx(raw, off, dip2)
		if err != nil {
			return nil, err
		}
		b.txs = append(b.txs, tx)
		off = tx.end
	}
	if off != len(raw) {
		return nil, fmt.Errorf("%w: %d trailing bytes after transactions", ErrMalformed, len(raw)-off)
	}
	return b, nil
}

// withMerkleRoot returns a copy of the blob whose header commits to the
// current transactions, the coinbase extra nonce included.
func (b *btcBlock) withMerkleRoot() []byte {
	txids := make([][hashSize]byte, len(b.txs))
	for i, tx := range b.txs {
		txids[i] = tx.txid
	}
	root := bitcoinMerkleRoot(txids)
	out := append([]byte(nil), b.raw...)
	copy(out[merkleOffset:merkleOffset+hashSize], root[:])
	return out
}

func stampedBtcBlock(blob []byte, headerSize int, dip2 bool) ([]byte, error) {
	b, err := parseBtcBlock(blob, headerSize, dip2)
	if err != nil {
		return nil, err
	}
	return b.withMerkleRoot(), nil
}

// ravenConvert returns the kawpow header hash in display order.
func ravenConvert(blob []byte) ([]byte, error) {
	out, err := stampedBtcBlock(blob, ravenHeaderSize, false)
	if err != nil {
		return nil, err
	}
	h := sha256d(out[:ravenHashedSize])
	return reversed(h[:]), nil
}

// ravenShare is what a kawpow verifier checks: the header hash followed by
// the miner's nonce and mix digest, both in display order. Neither is covered
// by the header hash.
func ravenShare(block []byte) ([]byte, error) {
	hash, err := ravenConvert(block)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(hash)+ravenMixOffset-ravenNonceOffset+hashSize)
	out = append(out, hash...)
	out = append(out, reversed(block[ravenNonceOffset:ravenMixOffset])...)
	return append(out, reversed(block[ravenMixOffset:ravenHeaderSize])...), nil
}

func ravenConstruct(template []byte, p SubmitParams) ([]byte, error) {
	out, err := stampedBtcBlock(template, ravenHeaderSize, false)
	if err != nil {
		return nil, err
	}
	nonce, err := decodeFixedHex(strings.TrimPrefix(p.Nonce, "0x"), 8, "nonce")
	if err != nil {
		return nil, err
	}
	mix, err := decodeFixedHex(strings.TrimPrefix(p.MixHash, "0x"), hashSize, "mix hash")
	if err != nil {
		return nil, err
	}
	copy(out[ravenNonceOffset:], reversed(nonce))
	copy(out[ravenMixOffset:], reversed(mix))
	return out, nil
}

// raptoreumConvert returns the 80 byte header miners hash.
func raptoreumConvert(blob []byte) ([]byte, error) {
	out, err := stampedBtcBlock(blob, raptoreumHeaderSize, true)
	if err != nil {
		return nil, err
	}
	return out[:raptoreumHeaderSize], nil
}

func raptoreumConstruct(template []byte, p SubmitParams) ([]byte, error) {
	out, err := stampedBtcBlock(template, raptoreumHeaderSize, true)
	if err != nil {
		return nil, err
	}
	nonce, err := decodeFixedHex(p.Nonce, nonceSize, "nonce")
	if err != nil {
		return nil, err
	}
	copy(out[raptoreumNonceOffset:], nonce)
	return out, nil
}

// raptoreumBlockID is the double SHA-256 of the header in display order. It
// identifies the block locally; the chain itself indexes by the PoW hash.
func raptoreumBlockID(blob []byte) ([]byte, error) {
	if len(blob) < raptoreumHeaderSize {
		return nil, fmt.Errorf("%w: raptoreum block is %d bytes", ErrTruncated, len(blob))
	}
	h := sha256d(blob[:raptoreumHeaderSize])
	return reversed(h[:]), nil
}
