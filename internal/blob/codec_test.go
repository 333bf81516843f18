package blob

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"math"
	"strings"
	"testing"

	"golang.org/x/crypto/sha3"

	"github.com/bardlex/coinpool/internal/coins"
	"github.com/bardlex/coinpool/pkg/errors"
)

func TestVarint(t *testing.T) {
	tests := []uint64{0, 1, 127, 128, 300, 16384, 1_700_000_000, math.MaxUint64}
	for _, v := range tests {
		enc := appendVarint(nil, v)
		r := newReader(enc)
		got, err := r.varint()
		if err != nil {
			t.Fatalf("varint(%d): %v", v, err)
		}
		if got != v || r.remaining() != 0 {
			t.Errorf("varint(%d) decoded %d with %d bytes left", v, got, r.remaining())
		}
	}

	if _, err := newReader([]byte{0x80, 0x80}).varint(); !errors.Is(err, ErrTruncated) {
		t.Errorf("expected truncation error, got %v", err)
	}
}

func TestTreeHash(t *testing.T) {
	h := func(n int) [][hashSize]byte {
		out := make([][hashSize]byte, n)
		for i := range out {
			out[i] = fillHash(byte(i + 1))
		}
		return out
	}

	t.Run("small counts", func(t *testing.T) {
		one := h(1)
		if treeHash(one) != one[0] {
			t.Error("single leaf must be its own root")
		}
		two := h(2)
		if treeHash(two) != keccak(two[0][:], two[1][:]) {
			t.Error("two leaves must hash as a pair")
		}
		three := h(3)
		right := keccak(three[1][:], three[2][:])
		if treeHash(three) != keccak(three[0][:], right[:]) {
			t.Error("three leaves must pair the last two first")
		}
	})

	t.Run("branch folds to root", func(t *testing.T) {
		for n := 1; n <= 17; n++ {
			leaves := h(n)
			branch := treeBranch(leaves)
			if len(branch) != treeDepth(n) {
				t.Fatalf("n=%d: branch length %d, want %d", n, len(branch), treeDepth(n))
			}
			if got := treeHashFromBranch(leaves[0], branch); got != treeHash(leaves) {
				t.Errorf("n=%d: branch root %x, tree root %x", n, got, treeHash(leaves))
			}
		}
	})
}

func TestBitcoinMerkleRoot(t *testing.T) {
	a, b, c := fillHash(1), fillHash(2), fillHash(3)
	pair := func(l, r [hashSize]byte) [hashSize]byte {
		return sha256d(append(l[:], r[:]...))
	}

	if bitcoinMerkleRoot([][hashSize]byte{a}) != a {
		t.Error("single txid must be the root")
	}
	want := pair(pair(a, b), pair(c, c))
	if got := bitcoinMerkleRoot([][hashSize]byte{a, b, c}); got != want {
		t.Errorf("odd level must duplicate the last node: got %x want %x", got, want)
	}
}

func TestConvertCryptonote(t *testing.T) {
	tests := []struct {
		name   string
		format coins.BlobFormat
		f      cnFixture
	}{
		{"v2 miner tx no txs", coins.BlobCryptonote, cnFixture{nonceSpace: PoolNonceSize, mmDepth: -1}},
		{"v1 miner tx", coins.BlobAeon, cnFixture{txVersion: 1, nonceSpace: PoolNonceSize, mmDepth: -1}},
		{"with txs", coins.BlobCryptonote3, cnFixture{nonceSpace: PoolNonceSize, mmDepth: -1, txHashes: 4}},
		{"cuckoo", coins.BlobCuckoo, cnFixture{withCycle: true, nonceSpace: PoolNonceSize, mmDepth: -1, txHashes: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := buildCN(t, tt.f)
			version := tt.f.txVersion
			if version == 0 {
				version = 2
			}
			leaves := append([][hashSize]byte{p.minerTxHash(version)}, p.hashes...)
			root := treeHash(leaves)

			want := append([]byte(nil), p.blob[:p.headerEnd]...)
			want = append(want, root[:]...)
			want = appendVarint(want, uint64(len(leaves)))

			got, err := ConvertToHashable(p.blob, tt.format)
			if err != nil {
				t.Fatalf("convert: %v", err)
			}
			mustEqual(t, "hashing blob", got, want)

			again, _ := Codec{Format: tt.format}.ConvertToHashable(p.blob)
			mustEqual(t, "second conversion", again, got)
		})
	}
}

func TestConvertDependsOnExtraNonce(t *testing.T) {
	p := buildCN(t, cnFixture{nonceSpace: PoolNonceSize, mmDepth: -1})
	first, err := ConvertToHashable(p.blob, coins.BlobCryptonote)
	if err != nil {
		t.Fatal(err)
	}
	stamped := append([]byte(nil), p.blob...)
	binary.BigEndian.PutUint32(stamped[p.reserved:], 7)
	second, err := ConvertToHashable(stamped, coins.BlobCryptonote)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(first, second) {
		t.Error("hashing blob must change with the extra nonce")
	}
}

func TestBlockIDCryptonote(t *testing.T) {
	for _, withCycle := range []bool{false, true} {
		format := coins.BlobCryptonote
		if withCycle {
			format = coins.BlobCuckooTube
		}
		p := buildCN(t, cnFixture{withCycle: withCycle, nonceSpace: PoolNonceSize, mmDepth: -1, txHashes: 3})
		hb, err := ConvertToHashable(p.blob, format)
		if err != nil {
			t.Fatal(err)
		}
		if withCycle {
			hb = append(hb, p.blob[p.cycleOffset:p.cycleOffset+cycleSize]...)
		}
		want := keccak(appendVarint(nil, uint64(len(hb))), hb)

		got, err := BlockID(p.blob, format)
		if err != nil {
			t.Fatal(err)
		}
		mustEqual(t, "block id", got, want[:])
	}
}

func TestConstructCryptonote(t *testing.T) {
	t.Run("nonce", func(t *testing.T) {
		p := buildCN(t, cnFixture{nonceSpace: PoolNonceSize, mmDepth: -1})
		out, err := ConstructSubmission(p.blob, SubmitParams{Nonce: "deadbeef"}, coins.BlobCryptonote)
		if err != nil {
			t.Fatal(err)
		}
		mustEqual(t, "nonce", out[p.nonceOffset:p.nonceOffset+4], []byte{0xde, 0xad, 0xbe, 0xef})
		mustEqual(t, "rest of blob", out[p.nonceOffset+4:], p.blob[p.nonceOffset+4:])
		if p.blob[p.nonceOffset] != 0 {
			t.Error("template must not be modified")
		}
	})

	t.Run("cycle proof", func(t *testing.T) {
		p := buildCN(t, cnFixture{withCycle: true, nonceSpace: PoolNonceSize, mmDepth: -1})
		proof := make([]uint32, cycleEdges)
		for i := range proof {
			proof[i] = uint32(i*1000 + 1)
		}
		out, err := ConstructSubmission(p.blob, SubmitParams{Nonce: "01000000", Proof: proof}, coins.BlobCuckooXTA)
		if err != nil {
			t.Fatal(err)
		}
		for i, edge := range proof {
			got := binary.LittleEndian.Uint32(out[p.cycleOffset+4*i:])
			if got != edge {
				t.Fatalf("edge %d = %d, want %d", i, got, edge)
			}
		}
	})

	t.Run("bad params", func(t *testing.T) {
		p := buildCN(t, cnFixture{withCycle: true, nonceSpace: PoolNonceSize, mmDepth: -1})
		bad := []SubmitParams{
			{Nonce: "zz000000"},
			{Nonce: "0000"},
			{Nonce: "00000000", Proof: make([]uint32, 31)},
		}
		for _, params := range bad {
			out, err := ConstructSubmission(p.blob, params, coins.BlobCuckoo)
			if err == nil || out != nil {
				t.Errorf("%+v: expected error", params)
			}
			if !errors.HasType(err, errors.ErrorTypeValidation) {
				t.Errorf("%+v: expected validation error, got %v", params, err)
			}
		}
	})
}

func TestMalformedInputNeverPanics(t *testing.T) {
	cn := buildCN(t, cnFixture{nonceSpace: PoolNonceSize, mmDepth: -1, txHashes: 2}).blob
	cuckoo := buildCN(t, cnFixture{withCycle: true, nonceSpace: PoolNonceSize, mmDepth: -1}).blob
	child := buildFN2Child(t, 1)

	tests := []struct {
		name string
		blob []byte
		fn   func([]byte) ([]byte, error)
	}{
		{"cryptonote convert", cn, Codec{Format: coins.BlobCryptonote}.ConvertToHashable},
		{"cryptonote id", cn, Codec{Format: coins.BlobCryptonote}.BlockID},
		{"cuckoo convert", cuckoo, Codec{Format: coins.BlobCuckoo}.ConvertToHashable},
		{"forknote2 id", child, Codec{Format: coins.BlobForknote2}.BlockID},
		{"dero convert", make([]byte, deroNonceOffset+nonceSize), Codec{Format: coins.BlobDero}.ConvertToHashable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allTruncations(t, tt.blob, tt.fn)
		})
	}

	t.Run("garbage", func(t *testing.T) {
		garbage := bytes.Repeat([]byte{0xff}, 64)
		for _, f := range []coins.BlobFormat{coins.BlobCryptonote, coins.BlobCuckoo, coins.BlobRaven, coins.BlobRaptoreum, coins.BlobForknote2} {
			if out, err := ConvertToHashable(garbage, f); err == nil || out != nil {
				t.Errorf("%s: expected error", f)
			}
		}
	})
}

func TestUnsupportedFormats(t *testing.T) {
	p := buildCN(t, cnFixture{nonceSpace: PoolNonceSize, mmDepth: -1})
	tests := []struct {
		name string
		err  error
	}{
		{"forknote2 convert", func() error { _, err := ConvertToHashable(buildFN2Child(t, 0), coins.BlobForknote2); return err }()},
		{"ethereum convert", func() error { _, err := ConvertToHashable(p.blob, coins.BlobEthereum); return err }()},
		{"ergo construct", func() error { _, err := ConstructSubmission(p.blob, SubmitParams{}, coins.BlobErgo); return err }()},
		{"unknown id", func() error { _, err := BlockID(p.blob, coins.BlobFormat(99)); return err }()},
		{"raven parent", func() error { _, err := ComposeParent(p.blob, coins.BlobRaven, nil); return err }()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, ErrUnsupported) {
				t.Fatalf("expected ErrUnsupported, got %v", tt.err)
			}
			if !errors.IsType(tt.err, errors.ErrorTypeUnsupported) {
				t.Errorf("expected unsupported error type, got %v", tt.err)
			}
		})
	}
}

func TestPrevHash(t *testing.T) {
	p := buildCN(t, cnFixture{nonceSpace: PoolNonceSize, mmDepth: -1})
	got, err := PrevHash(p.blob)
	if err != nil {
		t.Fatal(err)
	}
	if got != strings.Repeat("aa", hashSize) {
		t.Errorf("prev hash = %s", got)
	}
}

func TestDero(t *testing.T) {
	template := make([]byte, 76)
	for i := range template {
		template[i] = byte(i)
	}

	hashable, err := ConvertToHashable(template, coins.BlobDero)
	if err != nil {
		t.Fatal(err)
	}
	mustEqual(t, "hashing blob", hashable, template)

	out, err := ConstructSubmission(template, SubmitParams{Nonce: "01020304"}, coins.BlobDero)
	if err != nil {
		t.Fatal(err)
	}
	mustEqual(t, "nonce", out[deroNonceOffset:deroNonceOffset+4], []byte{1, 2, 3, 4})
	if template[deroNonceOffset] != deroNonceOffset {
		t.Error("template must not be modified")
	}

	id, err := BlockID(out, coins.BlobDero)
	if err != nil {
		t.Fatal(err)
	}
	want := sha3.Sum256(out)
	if hex.EncodeToString(id) != hex.EncodeToString(want[:]) {
		t.Errorf("id = %x, want %x", id, want)
	}
}
