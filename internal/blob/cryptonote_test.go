package blob

import (
	"testing"

	"github.com/bardlex/coinpool/internal/coins"
	"github.com/bardlex/coinpool/pkg/errors"
)

// forkTx is a miner tx of a cryptonote fork with the offsets parseCNTx must
// report for it.
type forkTx struct {
	tx                              []byte
	extraStart, extraEnd, prefixEnd int
}

func appendKey(tx []byte, b byte) []byte {
	k := fillHash(b)
	return append(tx, k[:]...)
}

func appendString(tx []byte, s string) []byte {
	tx = appendVarint(tx, uint64(len(s)))
	return append(tx, s...)
}

func appendGenInput(tx []byte, height uint64) []byte {
	tx = appendVarint(tx, 1)
	tx = append(tx, inputGen)
	return appendVarint(tx, height)
}

func appendExtra(tx []byte, f *forkTx) []byte {
	extra := append([]byte{extraPubKey}, make([]byte, hashSize)...)
	extra = append(extra, extraNonce, PoolNonceSize)
	extra = append(extra, make([]byte, PoolNonceSize)...)
	tx = appendVarint(tx, uint64(len(extra)))
	f.extraStart = len(tx)
	tx = append(tx, extra...)
	f.extraEnd = len(tx)
	return tx
}

// lokiMinerTx builds a version 3 or 4 Loki miner tx.
func lokiMinerTx(version uint64) forkTx {
	var f forkTx
	tx := appendVarint(nil, version)
	tx = appendVarint(tx, 1) // output unlock times
	tx = appendVarint(tx, 1060)
	if version == 3 {
		tx = append(tx, 0) // is_deregister
	}
	tx = appendVarint(tx, 1060) // unlock time
	tx = appendGenInput(tx, 1000)
	tx = appendVarint(tx, 1)
	tx = appendVarint(tx, 16_000_000_000)
	tx = append(tx, 0x02)
	tx = appendKey(tx, 0x11)
	tx = appendExtra(tx, &f)
	if version >= 4 {
		tx = appendVarint(tx, 0) // standard tx type
	}
	f.prefixEnd = len(tx)
	f.tx = append(tx, 0) // RingCT type
	return f
}

// havenMinerTx builds a Haven miner tx of the given version.
func havenMinerTx(version uint64) forkTx {
	var f forkTx
	tx := appendVarint(nil, version)
	if version < havenPerOutputUnlock {
		tx = appendVarint(tx, 1060)
	}
	tx = appendGenInput(tx, 1000)
	if version < havenPerOutputUnlock {
		tx = appendVarint(tx, 2)
		tx = appendVarint(tx, 9_000_000_000)
		tx = append(tx, 0x03) // offshore
		tx = appendKey(tx, 0x11)
		tx = appendVarint(tx, 1_000)
		tx = append(tx, 0x05) // xasset
		tx = appendKey(tx, 0x12)
		tx = appendString(tx, "XUSD")
	} else {
		tx = appendVarint(tx, 2)
		tx = appendVarint(tx, 9_000_000_000)
		tx = append(tx, 0x06) // haven key
		tx = appendKey(tx, 0x11)
		tx = appendString(tx, "XHV")
		tx = appendVarint(tx, 1060)
		tx = append(tx, 0, 0)
		tx = appendVarint(tx, 1_000)
		tx = append(tx, 0x07) // haven tagged key
		tx = appendKey(tx, 0x12)
		tx = appendString(tx, "XUSD")
		tx = appendVarint(tx, 1060)
		tx = append(tx, 0, 0, 0x5a)
	}
	tx = appendExtra(tx, &f)

	if version < havenPerOutputUnlock {
		tx = appendVarint(tx, 999) // pricing record height
		if version < havenNoOffshoreData {
			tx = appendString(tx, "\x01\x02")
		}
	} else {
		tx = appendVarint(tx, 2)
		tx = appendVarint(tx, 1060)
		tx = appendVarint(tx, 1060)
	}
	tx = appendVarint(tx, 0) // amount burnt
	tx = appendVarint(tx, 0) // amount minted
	if version >= havenCollateralVersion {
		tx = appendVarint(tx, 0)
	}
	f.prefixEnd = len(tx)
	f.tx = append(tx, 0)
	return f
}

func TestParseCNTxVariants(t *testing.T) {
	tests := []struct {
		name    string
		variant txVariant
		tx      forkTx
	}{
		{"loki v3", txLoki, lokiMinerTx(3)},
		{"loki v4", txLoki, lokiMinerTx(4)},
		{"haven v4 offshore data", txHaven, havenMinerTx(4)},
		{"haven v5", txHaven, havenMinerTx(5)},
		{"haven v6 per output unlock", txHaven, havenMinerTx(6)},
		{"haven v7 collateral", txHaven, havenMinerTx(7)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCNTx(newReader(tt.tx.tx), tt.variant)
			if err != nil {
				t.Fatalf("parseCNTx() error = %v", err)
			}
			if got.extraStart != tt.tx.extraStart || got.extraEnd != tt.tx.extraEnd {
				t.Errorf("extra = [%d,%d), want [%d,%d)", got.extraStart, got.extraEnd, tt.tx.extraStart, tt.tx.extraEnd)
			}
			if got.prefixEnd != tt.tx.prefixEnd || got.end != len(tt.tx.tx) {
				t.Errorf("prefix end %d end %d, want %d and %d", got.prefixEnd, got.end, tt.tx.prefixEnd, len(tt.tx.tx))
			}

			std, err := parseCNTx(newReader(tt.tx.tx), txStandard)
			if err == nil && std.extraStart == tt.tx.extraStart && std.end == len(tt.tx.tx) {
				t.Error("standard layout must not walk this tx")
			}
		})
	}
}

func TestForkBlockConversion(t *testing.T) {
	tests := []struct {
		name   string
		format coins.BlobFormat
		tx     forkTx
	}{
		{"loki", coins.BlobCryptonoteLoki, lokiMinerTx(4)},
		{"haven", coins.BlobHaven, havenMinerTx(7)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			block := cnHeaderBytes(0xaa)
			headerEnd := len(block) + nonceSize
			block = append(block, 0, 0, 0, 0)
			txStart := len(block)
			block = append(block, tt.tx.tx...)
			block = appendVarint(block, 0)

			hb, err := ConvertToHashable(block, tt.format)
			if err != nil {
				t.Fatalf("ConvertToHashable() error = %v", err)
			}
			miner := cnTx{start: txStart, prefixEnd: txStart + tt.tx.prefixEnd, end: len(block) - 1, version: 2}
			root := miner.hash(block)
			want := append(append(append([]byte(nil), block[:headerEnd]...), root[:]...), 1)
			mustEqual(t, "hashing blob", hb, want)

			if _, err := ConvertToHashable(block, coins.BlobCryptonote); err == nil {
				t.Error("generic layout converted a fork miner tx")
			}
			if _, err := ComposeParent(block, tt.format, nil); !errors.IsType(err, errors.ErrorTypeUnsupported) {
				t.Errorf("ComposeParent() error = %v, want unsupported", err)
			}
		})
	}
}
