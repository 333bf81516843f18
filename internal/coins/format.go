package coins

import "fmt"

// BlobFormat identifies a coin's native binary block layout.
type BlobFormat int

// Blob formats. The numeric values appear in coins files and must not change.
const (
	BlobCryptonote     BlobFormat = 0
	BlobForknote2      BlobFormat = 2
	BlobCryptonote2    BlobFormat = 3
	BlobCryptonoteRyo  BlobFormat = 4
	BlobCryptonoteLoki BlobFormat = 5
	BlobCryptonote3    BlobFormat = 6
	BlobAeon           BlobFormat = 7
	BlobCuckoo         BlobFormat = 8
	BlobCuckooTube     BlobFormat = 10
	BlobHaven          BlobFormat = 11
	BlobCuckooXTA      BlobFormat = 12
	BlobDero           BlobFormat = 100
	BlobRaven          BlobFormat = 101
	BlobEthereum       BlobFormat = 102
	BlobErgo           BlobFormat = 103
	BlobRaptoreum      BlobFormat = 104
)

// Family groups formats that share a codec and a daemon dialect.
type Family int

const (
	FamilyUnknown Family = iota
	// FamilyCryptonote is the generic varint header + miner tx + tx hash list layout
	FamilyCryptonote
	// FamilyCuckoo is the cryptonote layout with a 32 edge cycle proof after the nonce
	FamilyCuckoo
	// FamilyForknote2 carries an embedded parent block and is only ever merge mined
	FamilyForknote2
	FamilyDero
	FamilyRaven
	FamilyRaptoreum
	FamilyEthereum
	FamilyErgo
)

var familyNames = map[Family]string{
	FamilyUnknown:    "unknown",
	FamilyCryptonote: "cryptonote",
	FamilyCuckoo:     "cuckoo",
	FamilyForknote2:  "forknote2",
	FamilyDero:       "dero",
	FamilyRaven:      "raven",
	FamilyRaptoreum:  "raptoreum",
	FamilyEthereum:   "ethereum",
	FamilyErgo:       "ergo",
}

func (f Family) String() string {
	if n, ok := familyNames[f]; ok {
		return n
	}
	return fmt.Sprintf("family(%d)", int(f))
}

// Family returns the codec family of the format.
func (b BlobFormat) Family() Family {
	switch b {
	case BlobCryptonote, BlobCryptonote2, BlobCryptonoteRyo, BlobCryptonoteLoki,
		BlobCryptonote3, BlobAeon, BlobHaven:
		return FamilyCryptonote
	case BlobCuckoo, BlobCuckooTube, BlobCuckooXTA:
		return FamilyCuckoo
	case BlobForknote2:
		return FamilyForknote2
	case BlobDero:
		return FamilyDero
	case BlobRaven:
		return FamilyRaven
	case BlobRaptoreum:
		return FamilyRaptoreum
	case BlobEthereum:
		return FamilyEthereum
	case BlobErgo:
		return FamilyErgo
	default:
		return FamilyUnknown
	}
}

// Known reports whether the format has a codec.
func (b BlobFormat) Known() bool { return b.Family() != FamilyUnknown }

// IsCryptonoteLayout reports whether blobs use the varint header and miner tx layout.
func (b BlobFormat) IsCryptonoteLayout() bool {
	f := b.Family()
	return f == FamilyCryptonote || f == FamilyCuckoo
}

// IsHashOnly reports whether the daemon hands out work as a header hash instead of a blob.
func (b BlobFormat) IsHashOnly() bool {
	f := b.Family()
	return f == FamilyEthereum || f == FamilyErgo
}

func (b BlobFormat) String() string {
	return fmt.Sprintf("%s(%d)", b.Family(), int(b))
}
