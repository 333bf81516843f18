package blob

import (
	"bytes"
	"testing"
)

// cnFixture describes a synthetic cryptonote block blob.
type cnFixture struct {
	withCycle  bool
	txVersion  uint64
	nonceSpace int // size of the 0x02 field in tx_extra
	mmDepth    int // -1 for no merge mining tag
	txHashes   int
}

// cnParts are the offsets a fixture build reports for assertions.
type cnParts struct {
	blob        []byte
	headerEnd   int // excluding cycle
	nonceOffset int
	cycleOffset int
	txStart     int
	prefixEnd   int
	txEnd       int
	reserved    int // first byte of the extra nonce payload
	hashes      [][hashSize]byte
}

func fillHash(b byte) [hashSize]byte {
	var h [hashSize]byte
	for i := range h {
		h[i] = b
	}
	return h
}

func cnHeaderBytes(prev byte) []byte {
	var out []byte
	out = appendVarint(out, 12) // major
	out = appendVarint(out, 12) // minor
	out = appendVarint(out, 1_700_000_000)
	p := fillHash(prev)
	return append(out, p[:]...)
}

func cnMinerTx(version uint64, height uint64, nonceSpace, mmDepth int) (tx []byte, prefixEnd, reservedInTx int) {
	tx = appendVarint(tx, version)
	tx = appendVarint(tx, height+60) // unlock time
	tx = appendVarint(tx, 1)
	tx = append(tx, inputGen)
	tx = appendVarint(tx, height)
	tx = appendVarint(tx, 1)
	tx = appendVarint(tx, 600_000_000_000)
	tx = append(tx, 0x02)
	key := fillHash(0x11)
	tx = append(tx, key[:]...)

	var extra []byte
	extra = append(extra, extraPubKey)
	pub := fillHash(0x22)
	extra = append(extra, pub[:]...)
	if mmDepth >= 0 {
		extra = append(extra, extraMergeMining, 1+hashSize)
		extra = appendVarint(extra, uint64(mmDepth))
		root := fillHash(0x33)
		extra = append(extra, root[:]...)
	}
	reservedInExtra := -1
	if nonceSpace > 0 {
		extra = append(extra, extraNonce, byte(nonceSpace))
		reservedInExtra = len(extra)
		extra = append(extra, make([]byte, nonceSpace)...)
	}
	tx = appendVarint(tx, uint64(len(extra)))
	extraStart := len(tx)
	tx = append(tx, extra...)
	prefixEnd = len(tx)
	if version >= 2 {
		tx = append(tx, 0x00)
	}
	reservedInTx = -1
	if reservedInExtra >= 0 {
		reservedInTx = extraStart + reservedInExtra
	}
	return tx, prefixEnd, reservedInTx
}

func buildCN(t *testing.T, f cnFixture) cnParts {
	t.Helper()
	var p cnParts
	out := cnHeaderBytes(0xaa)
	p.nonceOffset = len(out)
	out = append(out, 0, 0, 0, 0)
	p.headerEnd = len(out)
	p.cycleOffset = -1
	if f.withCycle {
		p.cycleOffset = len(out)
		out = append(out, make([]byte, cycleSize)...)
	}

	version := f.txVersion
	if version == 0 {
		version = 2
	}
	tx, prefixEnd, reserved := cnMinerTx(version, 1000, f.nonceSpace, f.mmDepth)
	p.txStart = len(out)
	p.prefixEnd = p.txStart + prefixEnd
	p.reserved = -1
	if reserved >= 0 {
		p.reserved = p.txStart + reserved
	}
	out = append(out, tx...)
	p.txEnd = len(out)

	out = appendVarint(out, uint64(f.txHashes))
	for i := range f.txHashes {
		h := fillHash(byte(0x40 + i))
		p.hashes = append(p.hashes, h)
		out = append(out, h[:]...)
	}
	p.blob = out
	return p
}

// minerTxHash recomputes the miner tx id from the fixture offsets.
func (p cnParts) minerTxHash(version uint64) [hashSize]byte {
	if version < 2 {
		return keccak(p.blob[p.txStart:p.txEnd])
	}
	prefix := keccak(p.blob[p.txStart:p.prefixEnd])
	base := keccak([]byte{0})
	zero := [hashSize]byte{}
	return keccak(prefix[:], base[:], zero[:])
}

// buildFN2Child builds a forknote2 child template with an empty parent section.
func buildFN2Child(t *testing.T, childTxHashes int) []byte {
	t.Helper()
	var out []byte
	out = appendVarint(out, 5) // major
	out = appendVarint(out, 0) // minor
	prev := fillHash(0xbb)
	out = append(out, prev[:]...)

	// parent section: header, one tx, no branch, miner tx without mm tag
	out = append(out, cnHeaderBytes(0xcc)...)
	out = append(out, 0, 0, 0, 0)
	out = appendVarint(out, 1)
	parentTx, _, _ := cnMinerTx(1, 500, 0, -1)
	out = append(out, parentTx...)

	childTx, _, _ := cnMinerTx(1, 2000, 0, -1)
	out = append(out, childTx...)
	out = appendVarint(out, uint64(childTxHashes))
	for i := range childTxHashes {
		h := fillHash(byte(0x60 + i))
		out = append(out, h[:]...)
	}
	return out
}

func allTruncations(t *testing.T, blob []byte, fn func([]byte) ([]byte, error)) {
	t.Helper()
	for n := 0; n < len(blob); n++ {
		out, err := fn(blob[:n])
		if err == nil {
			t.Fatalf("prefix of %d bytes: expected error, got %d byte result", n, len(out))
		}
		if out != nil {
			t.Fatalf("prefix of %d bytes: expected nil result on error", n)
		}
	}
}

func mustEqual(t *testing.T, what string, got, want []byte) {
	t.Helper()
	if !bytes.Equal(got, want) {
		t.Fatalf("%s mismatch:\n got  %x\n want %x", what, got, want)
	}
}
