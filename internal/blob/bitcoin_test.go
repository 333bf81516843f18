package blob

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/coinpool/internal/coins"
	"github.com/bardlex/coinpool/pkg/errors"
)

func testAddress(t *testing.T, params *chaincfg.Params, fill byte) string {
	t.Helper()
	addr, err := btcutil.NewAddressPubKeyHash(bytes.Repeat([]byte{fill}, 20), params)
	if err != nil {
		t.Fatal(err)
	}
	return addr.EncodeAddress()
}

func testTx(t *testing.T, witness bool) *wire.MsgTx {
	t.Helper()
	tx := wire.NewMsgTx(2)
	prev := chainhash.Hash{1, 2, 3}
	in := wire.NewTxIn(wire.NewOutPoint(&prev, 1), []byte{0x51}, nil)
	if witness {
		in.SignatureScript = nil
		in.Witness = wire.TxWitness{[]byte{0xaa, 0xbb}, []byte{0xcc}}
	}
	tx.AddTxIn(in)
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x76, 0xa9}))
	return tx
}

func txHex(t *testing.T, tx *wire.MsgTx) string {
	t.Helper()
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatal(err)
	}
	return hex.EncodeToString(buf.Bytes())
}

func TestReadTx(t *testing.T) {
	for _, witness := range []bool{false, true} {
		tx := testTx(t, witness)
		raw, _ := hex.DecodeString(txHex(t, tx))
		read, err := readTx(raw, 0, false)
		if err != nil {
			t.Fatalf("witness=%v: %v", witness, err)
		}
		if read.end != len(raw) {
			t.Errorf("witness=%v: read %d of %d bytes", witness, read.end, len(raw))
		}
		want := tx.TxHash()
		if !bytes.Equal(read.txid[:], want[:]) {
			t.Errorf("witness=%v: txid %x, want %x", witness, read.txid, want)
		}
	}
}

// specialTx is a DIP2 quorum commitment: no inputs or outputs, then a payload.
func specialTx(t *testing.T, payload []byte) []byte {
	t.Helper()
	tx := wire.NewMsgTx(3 | 6<<16)
	var buf bytes.Buffer
	if err := tx.SerializeNoWitness(&buf); err != nil {
		t.Fatal(err)
	}
	if err := wire.WriteVarBytes(&buf, 0, payload); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestReadSpecialTx(t *testing.T) {
	raw := specialTx(t, []byte{0x01, 0x02, 0x03})
	prefix := []byte{0xee, 0xee}
	blob := append(append([]byte(nil), prefix...), raw...)

	read, err := readTx(blob, len(prefix), true)
	if err != nil {
		t.Fatal(err)
	}
	if read.start != len(prefix) || read.end != len(blob) {
		t.Errorf("span = [%d,%d), want [%d,%d)", read.start, read.end, len(prefix), len(blob))
	}
	mustEqual(t, "txid", read.txid[:], func() []byte { h := sha256d(raw); return h[:] }())

	if _, err := readTx(raw[:len(raw)-1], 0, true); !errors.Is(err, ErrMalformed) {
		t.Errorf("truncated payload error = %v, want ErrMalformed", err)
	}
	// without dip2 the payload is trailing garbage, not part of the tx
	if plain, err := readTx(raw, 0, false); err == nil && plain.end == len(raw) {
		t.Error("payload must only be read for dip2 chains")
	}
}

func TestParseBtcBlockCounts(t *testing.T) {
	header := make([]byte, raptoreumHeaderSize)
	tests := []struct {
		name string
		blob []byte
		want error
	}{
		{"short header", header[:40], ErrTruncated},
		{"no count", header, ErrTruncated},
		{"no coinbase", append(append([]byte(nil), header...), 0x00), ErrMalformed},
		{"count too large", append(append([]byte(nil), header...), 0xfd, 0xff, 0xff), ErrMalformed},
		{"trailing bytes", append(append(append([]byte(nil), header...), 0x01), append(specialTx(t, []byte{0x01}), 0x00)...), ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseBtcBlock(tt.blob, raptoreumHeaderSize, true); !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func ravenTemplate(t *testing.T) BitcoinTemplate {
	return BitcoinTemplate{
		Version:       0x30000000,
		PrevHash:      strings.Repeat("00", 31) + "ab",
		Bits:          "1b01a0e5",
		CurTime:       1_700_000_000,
		Height:        3_000_000,
		CoinbaseValue: 2_500_000_000,
		Transactions:  []string{txHex(t, testTx(t, false)), txHex(t, testTx(t, true))},
		PoolAddress:   testAddress(t, RavenParams, 0x01),
		PoolTag:       "/coinpool/",
	}
}

func TestBuildRavenBlob(t *testing.T) {
	tmpl := ravenTemplate(t)
	blob, offset, err := BuildBitcoinBlob(tmpl, coins.BlobRaven)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	mustEqual(t, "placeholder marker", blob[offset-2:offset], []byte{0x02, PoolNonceSize})
	mustEqual(t, "placeholder", blob[offset:offset+PoolNonceSize], make([]byte, PoolNonceSize))
	if got := binary.LittleEndian.Uint32(blob[0:4]); got != 0x30000000 {
		t.Errorf("version = %#x", got)
	}
	if blob[4] != 0xab {
		t.Errorf("prev hash must be stored in internal order, first byte %#x", blob[4])
	}
	mustEqual(t, "bits", blob[72:76], []byte{0xe5, 0xa0, 0x01, 0x1b})
	if got := binary.LittleEndian.Uint32(blob[76:80]); got != 3_000_000 {
		t.Errorf("height = %d", got)
	}

	b, err := parseBtcBlock(blob, ravenHeaderSize, false)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(b.txs) != 3 {
		t.Fatalf("tx count = %d", len(b.txs))
	}
	for i, tx := range []*wire.MsgTx{testTx(t, false), testTx(t, true)} {
		want := tx.TxHash()
		if !bytes.Equal(b.txs[i+1].txid[:], want[:]) {
			t.Errorf("tx %d txid mismatch", i+1)
		}
	}
	root := bitcoinMerkleRoot([][hashSize]byte{b.txs[0].txid, b.txs[1].txid, b.txs[2].txid})
	mustEqual(t, "merkle root", blob[merkleOffset:merkleOffset+hashSize], root[:])

	var coinbase wire.MsgTx
	start := ravenHeaderSize + 1
	if err := coinbase.Deserialize(bytes.NewReader(blob[start:])); err != nil {
		t.Fatalf("coinbase: %v", err)
	}
	if coinbase.TxOut[0].Value != tmpl.CoinbaseValue {
		t.Errorf("pool output = %d, want %d", coinbase.TxOut[0].Value, tmpl.CoinbaseValue)
	}
	script, err := CoinbaseScript(tmpl.PoolAddress, coins.BlobRaven)
	if err != nil {
		t.Fatal(err)
	}
	mustEqual(t, "pool script", coinbase.TxOut[0].PkScript, script)
}

func TestRavenConvertAndConstruct(t *testing.T) {
	blob, offset, err := BuildBitcoinBlob(ravenTemplate(t), coins.BlobRaven)
	if err != nil {
		t.Fatal(err)
	}
	blob[offset] = 0x01 // extra nonce stamped after the header was built

	hashable, err := ConvertToHashable(blob, coins.BlobRaven)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := parseBtcBlock(blob, ravenHeaderSize, false)
	stamped := b.withMerkleRoot()
	want := sha256d(stamped[:ravenHashedSize])
	mustEqual(t, "header hash", hashable, reversed(want[:]))

	id, err := BlockID(blob, coins.BlobRaven)
	if err != nil {
		t.Fatal(err)
	}
	mustEqual(t, "block id", id, hashable)

	mix := strings.Repeat("00", 31) + "ff"
	out, err := ConstructSubmission(blob, SubmitParams{Nonce: "0x00000000000000ff", MixHash: mix}, coins.BlobRaven)
	if err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint64(out[ravenNonceOffset:]); got != 0xff {
		t.Errorf("nonce = %#x", got)
	}
	if out[ravenMixOffset] != 0xff {
		t.Errorf("mix hash must be stored reversed, first byte %#x", out[ravenMixOffset])
	}
	mustEqual(t, "merkle", out[merkleOffset:merkleOffset+hashSize], stamped[merkleOffset:merkleOffset+hashSize])

	if _, err := ConstructSubmission(blob, SubmitParams{Nonce: "00ff"}, coins.BlobRaven); err == nil {
		t.Error("expected error for a short nonce")
	}
}

func TestRavenShareBlob(t *testing.T) {
	blob, _, err := BuildBitcoinBlob(ravenTemplate(t), coins.BlobRaven)
	if err != nil {
		t.Fatal(err)
	}

	solve := func(nonce, mix string) []byte {
		t.Helper()
		block, err := ConstructSubmission(blob, SubmitParams{Nonce: nonce, MixHash: mix}, coins.BlobRaven)
		if err != nil {
			t.Fatal(err)
		}
		share, err := Codec{Format: coins.BlobRaven}.ShareBlob(block)
		if err != nil {
			t.Fatal(err)
		}
		return share
	}

	mixA := strings.Repeat("11", hashSize)
	mixB := strings.Repeat("22", hashSize)
	a := solve("0x0000000000000001", mixA)
	b := solve("0x00000000deadbeef", mixB)
	if bytes.Equal(a, b) {
		t.Fatal("different nonces and mix digests gave the same share blob")
	}
	if len(a) != hashSize+8+hashSize {
		t.Fatalf("share blob is %d bytes", len(a))
	}

	hashable, err := ConvertToHashable(blob, coins.BlobRaven)
	if err != nil {
		t.Fatal(err)
	}
	mustEqual(t, "header hash", a[:hashSize], hashable)
	mustEqual(t, "header hash unaffected by nonce", b[:hashSize], hashable)
	nonce, _ := hex.DecodeString("00000000deadbeef")
	mustEqual(t, "nonce", b[hashSize:hashSize+8], nonce)
	mix, _ := hex.DecodeString(mixB)
	mustEqual(t, "mix", b[hashSize+8:], mix)

	// other formats verify the plain hashing blob
	rtm, _, err := BuildBitcoinBlob(BitcoinTemplate{
		Version:     0x20000000,
		PrevHash:    strings.Repeat("11", 32),
		Bits:        "1c0ffff0",
		Height:      1,
		PoolAddress: testAddress(t, RaptoreumParams, 0x03),
	}, coins.BlobRaptoreum)
	if err != nil {
		t.Fatal(err)
	}
	share, err := ShareBlob(rtm, coins.BlobRaptoreum)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := ConvertToHashable(rtm, coins.BlobRaptoreum)
	mustEqual(t, "raptoreum share", share, want)

	if _, err := ShareBlob(blob[:100], coins.BlobRaven); err == nil {
		t.Error("expected error for a truncated block")
	}
}

func TestBuildRaptoreumBlob(t *testing.T) {
	tmpl := BitcoinTemplate{
		Version:       0x20000000,
		PrevHash:      strings.Repeat("11", 32),
		Bits:          "1c0ffff0",
		CurTime:       1_700_000_000,
		Height:        500_000,
		CoinbaseValue: 300_000_000_000,
		Transactions:  []string{txHex(t, testTx(t, false))},
		Payees: []Payee{
			{Address: testAddress(t, RaptoreumParams, 0x02), Amount: 100},
			{Script: "51", Amount: 50},
		},
		CoinbasePayload: "0200a0860100",
		PoolAddress:     testAddress(t, RaptoreumParams, 0x03),
		PoolTag:         "/coinpool/",
	}
	blob, offset, err := BuildBitcoinBlob(tmpl, coins.BlobRaptoreum)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	mustEqual(t, "placeholder marker", blob[offset-2:offset], []byte{0x02, PoolNonceSize})

	start := raptoreumHeaderSize + 1
	if got := binary.LittleEndian.Uint32(blob[start:]); got != dip4CoinbaseVersion {
		t.Errorf("coinbase version = %#x, want %#x", got, dip4CoinbaseVersion)
	}
	b, err := parseBtcBlock(blob, raptoreumHeaderSize, true)
	if err != nil {
		t.Fatalf("special transaction payload not handled: %v", err)
	}
	if len(b.txs) != 2 {
		t.Fatalf("tx count = %d", len(b.txs))
	}

	var coinbase wire.MsgTx
	if err := coinbase.DeserializeNoWitness(bytes.NewReader(blob[start:])); err != nil {
		t.Fatalf("coinbase: %v", err)
	}
	if len(coinbase.TxOut) != 3 {
		t.Fatalf("coinbase outputs = %d", len(coinbase.TxOut))
	}
	if got := coinbase.TxOut[0].Value; got != tmpl.CoinbaseValue-150 {
		t.Errorf("pool value = %d", got)
	}
	payee, _ := btcutil.DecodeAddress(tmpl.Payees[0].Address, RaptoreumParams)
	payeeScript, _ := txscript.PayToAddrScript(payee)
	mustEqual(t, "smartnode script", coinbase.TxOut[1].PkScript, payeeScript)
	mustEqual(t, "founder script", coinbase.TxOut[2].PkScript, []byte{0x51})

	hashable, err := ConvertToHashable(blob, coins.BlobRaptoreum)
	if err != nil {
		t.Fatal(err)
	}
	if len(hashable) != raptoreumHeaderSize {
		t.Fatalf("hashable is %d bytes", len(hashable))
	}
	out, err := ConstructSubmission(blob, SubmitParams{Nonce: "0a0b0c0d"}, coins.BlobRaptoreum)
	if err != nil {
		t.Fatal(err)
	}
	mustEqual(t, "nonce", out[raptoreumNonceOffset:raptoreumNonceOffset+4], []byte{0x0a, 0x0b, 0x0c, 0x0d})
	mustEqual(t, "header", out[:raptoreumNonceOffset], hashable[:raptoreumNonceOffset])
	if _, err := BlockID(out, coins.BlobRaptoreum); err != nil {
		t.Error(err)
	}
}

func TestBuildBitcoinBlobErrors(t *testing.T) {
	good := ravenTemplate(t)
	tests := []struct {
		name   string
		mutate func(*BitcoinTemplate)
		format coins.BlobFormat
	}{
		{"bad address", func(b *BitcoinTemplate) { b.PoolAddress = "not-an-address" }, coins.BlobRaven},
		{"bad prev hash", func(b *BitcoinTemplate) { b.PrevHash = "xyz" }, coins.BlobRaven},
		{"bad bits", func(b *BitcoinTemplate) { b.Bits = "1d" }, coins.BlobRaven},
		{"bad tx", func(b *BitcoinTemplate) { b.Transactions = []string{"0100"} }, coins.BlobRaven},
		{"payees exceed value", func(b *BitcoinTemplate) { b.Payees = []Payee{{Script: "51", Amount: b.CoinbaseValue + 1}} }, coins.BlobRaven},
		{"long tag", func(b *BitcoinTemplate) { b.PoolTag = strings.Repeat("x", 90) }, coins.BlobRaven},
		{"not bitcoin", func(*BitcoinTemplate) {}, coins.BlobCryptonote},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl := good
			tt.mutate(&tmpl)
			if out, _, err := BuildBitcoinBlob(tmpl, tt.format); err == nil || out != nil {
				t.Fatal("expected error")
			}
		})
	}
}
