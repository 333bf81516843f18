package blob

import (
	"encoding/hex"
	"fmt"

	"github.com/bardlex/coinpool/internal/coins"
)

const (
	cycleEdges = 32
	cycleSize  = cycleEdges * 4
	nonceSize  = 4

	// tx_extra tags
	extraPubKey        = 0x01
	extraNonce         = 0x02
	extraMergeMining   = 0x03
	extraAdditionalKey = 0x04
	extraMinergate     = 0xde

	// txin_gen tag
	inputGen = 0xff
)

// cnHeader is the parsed cryptonote block header.
type cnHeader struct {
	major, minor, timestamp uint64
	prev                    [hashSize]byte
	nonceOffset             int
	cycleOffset             int // -1 when the format has no cycle proof
	end                     int // offset just past the header, cycle included
}

// cnTx locates the parts of a serialized transaction inside a blob.
type cnTx struct {
	start, prefixEnd, end int
	version               uint64
	extraStart, extraEnd  int
}

// cnBlock is a parsed cryptonote block blob.
type cnBlock struct {
	raw      []byte
	header   cnHeader
	minerTx  cnTx
	txHashes [][hashSize]byte
	tailEnd  int
}

func parseCNHeader(r *reader, withCycle bool) (cnHeader, error) {
	var h cnHeader
	var err error
	if h.major, err = r.varint(); err != nil {
		return h, err
	}
	if h.minor, err = r.varint(); err != nil {
		return h, err
	}
	if h.timestamp, err = r.varint(); err != nil {
		return h, err
	}
	prev, err := r.bytes(hashSize)
	if err != nil {
		return h, err
	}
	copy(h.prev[:], prev)
	h.nonceOffset = r.off
	if err := r.skip(nonceSize); err != nil {
		return h, err
	}
	h.cycleOffset = -1
	if withCycle {
		h.cycleOffset = r.off
		if err := r.skip(cycleSize); err != nil {
			return h, err
		}
	}
	h.end = r.off
	return h, nil
}

// txVariant selects the miner tx prefix layout of a cryptonote fork.
type txVariant int

const (
	txStandard txVariant = iota
	// txLoki adds per output unlock times from version 3, a deregister flag
	// in version 3 and a tx type after extra from version 4.
	txLoki
	// txHaven adds asset carrying output types and the offshore fields that
	// follow extra from version 3.
	txHaven
)

// cnLayout is what a cryptonote format changes in the block layout.
type cnLayout struct {
	cycle   bool
	minerTx txVariant
}

func layoutOf(format coins.BlobFormat) cnLayout {
	l := cnLayout{cycle: format.Family() == coins.FamilyCuckoo}
	switch format {
	case coins.BlobCryptonoteLoki:
		l.minerTx = txLoki
	case coins.BlobHaven:
		l.minerTx = txHaven
	}
	return l
}

// Haven transaction versions that change the prefix.
const (
	havenOffshoreVersion   = 3
	havenNoOffshoreData    = 5
	havenPerOutputUnlock   = 6
	havenCollateralVersion = 7
)

// parseCNTx walks a miner transaction. Only txin_gen inputs and RingCT type 0
// are accepted; that is all a block template's miner tx ever carries.
func parseCNTx(r *reader, v txVariant) (cnTx, error) {
	t := cnTx{start: r.off}
	var err error
	if t.version, err = r.varint(); err != nil {
		return t, err
	}

	if v == txLoki && t.version >= 3 {
		if err := r.skipVarints(); err != nil { // output unlock times
			return t, err
		}
		if t.version == 3 {
			if err := r.skip(1); err != nil { // is_deregister
				return t, err
			}
		}
	}
	if v != txHaven || t.version < havenPerOutputUnlock {
		if _, err = r.varint(); err != nil { // unlock time
			return t, err
		}
	}

	inputs, err := r.count(2)
	if err != nil {
		return t, err
	}
	for range inputs {
		tag, err := r.u8()
		if err != nil {
			return t, err
		}
		if tag != inputGen {
			return t, fmt.Errorf("%w: miner tx input tag 0x%02x", ErrMalformed, tag)
		}
		if _, err := r.varint(); err != nil { // height
			return t, err
		}
	}

	outputs, err := r.count(2)
	if err != nil {
		return t, err
	}
	for range outputs {
		if _, err := r.varint(); err != nil { // amount
			return t, err
		}
		if err := skipOutputTarget(r, v); err != nil {
			return t, err
		}
	}

	extraLen, err := r.count(1)
	if err != nil {
		return t, err
	}
	t.extraStart = r.off
	if err := r.skip(extraLen); err != nil {
		return t, err
	}
	t.extraEnd = r.off

	switch {
	case v == txLoki && t.version >= 4:
		if _, err := r.varint(); err != nil { // tx type
			return t, err
		}
	case v == txHaven && t.version >= havenOffshoreVersion:
		if err := skipHavenFields(r, t.version); err != nil {
			return t, err
		}
	}
	t.prefixEnd = r.off

	if t.version >= 2 {
		rctType, err := r.u8()
		if err != nil {
			return t, err
		}
		if rctType != 0 {
			return t, fmt.Errorf("%w: miner tx with RingCT type %d", ErrMalformed, rctType)
		}
	}
	t.end = r.off
	return t, nil
}

func skipOutputTarget(r *reader, v txVariant) error {
	tag, err := r.u8()
	if err != nil {
		return err
	}
	switch {
	case tag == 0x02: // txout_to_key
		return r.skip(hashSize)
	case tag == 0x03 && v == txHaven: // txout_offshore
		return r.skip(hashSize)
	case tag == 0x03: // txout_to_tagged_key
		return r.skip(hashSize + 1)
	case tag == 0x05 && v == txHaven: // txout_xasset
		if err := r.skip(hashSize); err != nil {
			return err
		}
		return r.skipString()
	case (tag == 0x06 || tag == 0x07) && v == txHaven: // txout_haven_key, txout_haven_tagged_key
		if err := r.skip(hashSize); err != nil {
			return err
		}
		if err := r.skipString(); err != nil { // asset type
			return err
		}
		if _, err := r.varint(); err != nil { // unlock time
			return err
		}
		size := 2 // is_collateral, is_collateral_change
		if tag == 0x07 {
			size++ // view tag
		}
		return r.skip(size)
	}
	return fmt.Errorf("%w: miner tx output tag 0x%02x", ErrMalformed, tag)
}

// skipHavenFields walks the offshore fields after extra.
func skipHavenFields(r *reader, version uint64) error {
	if version < havenPerOutputUnlock {
		if _, err := r.varint(); err != nil { // pricing record height
			return err
		}
		if version < havenNoOffshoreData {
			if err := r.skipString(); err != nil { // offshore data
				return err
			}
		}
	} else if err := r.skipVarints(); err != nil { // output unlock times
		return err
	}
	for range 2 { // amount burnt, amount minted
		if _, err := r.varint(); err != nil {
			return err
		}
	}
	if version >= havenCollateralVersion {
		return r.skipVarints() // collateral indices
	}
	return nil
}

// hash returns the transaction id of a miner tx located in raw.
func (t cnTx) hash(raw []byte) [hashSize]byte {
	if t.version < 2 {
		return keccak(raw[t.start:t.end])
	}
	prefix := keccak(raw[t.start:t.prefixEnd])
	base := keccak(raw[t.prefixEnd:t.end])
	var prunable [hashSize]byte
	return keccak(prefix[:], base[:], prunable[:])
}

func parseCNBlock(raw []byte, l cnLayout) (*cnBlock, error) {
	r := newReader(raw)
	h, err := parseCNHeader(r, l.cycle)
	if err != nil {
		return nil, err
	}
	tx, err := parseCNTx(r, l.minerTx)
	if err != nil {
		return nil, err
	}
	n, err := r.count(hashSize)
	if err != nil {
		return nil, err
	}
	hashes := make([][hashSize]byte, n)
	for i := range hashes {
		b, err := r.bytes(hashSize)
		if err != nil {
			return nil, err
		}
		copy(hashes[i][:], b)
	}
	return &cnBlock{raw: raw, header: h, minerTx: tx, txHashes: hashes, tailEnd: r.off}, nil
}

// allHashes returns the miner tx hash followed by the listed tx hashes.
func (b *cnBlock) allHashes() [][hashSize]byte {
	out := make([][hashSize]byte, 0, len(b.txHashes)+1)
	out = append(out, b.minerTx.hash(b.raw))
	return append(out, b.txHashes...)
}

// hashingBlob is header (without cycle) || tree root || varint(tx count).
func (b *cnBlock) hashingBlob() []byte {
	headerEnd := b.header.end
	if b.header.cycleOffset >= 0 {
		headerEnd = b.header.cycleOffset
	}
	hashes := b.allHashes()
	root := treeHash(hashes)

	out := make([]byte, 0, headerEnd+hashSize+4)
	out = append(out, b.raw[:headerEnd]...)
	out = append(out, root[:]...)
	return appendVarint(out, uint64(len(hashes)))
}

// cnConvert produces the cryptonote hashing blob.
func cnConvert(blob []byte, l cnLayout) ([]byte, error) {
	b, err := parseCNBlock(blob, l)
	if err != nil {
		return nil, err
	}
	return b.hashingBlob(), nil
}

// cnBlockID is keccak(varint(len(hb)) || hb). With a cycle proof the proof is
// appended to the hashing blob first.
func cnBlockID(blob []byte, l cnLayout) ([]byte, error) {
	b, err := parseCNBlock(blob, l)
	if err != nil {
		return nil, err
	}
	hb := b.hashingBlob()
	if l.cycle {
		hb = append(hb, blob[b.header.cycleOffset:b.header.cycleOffset+cycleSize]...)
	}
	id := keccak(appendVarint(nil, uint64(len(hb))), hb)
	return id[:], nil
}

// cnConstruct writes the miner's nonce, and for cuckoo formats the cycle proof,
// into a copy of the template.
func cnConstruct(template []byte, p SubmitParams, l cnLayout) ([]byte, error) {
	b, err := parseCNBlock(template, l)
	if err != nil {
		return nil, err
	}
	nonce, err := decodeFixedHex(p.Nonce, nonceSize, "nonce")
	if err != nil {
		return nil, err
	}

	out := append([]byte(nil), template...)
	copy(out[b.header.nonceOffset:], nonce)

	if l.cycle {
		if len(p.Proof) != cycleEdges {
			return nil, fmt.Errorf("%w: cycle proof has %d edges, want %d", ErrMalformed, len(p.Proof), cycleEdges)
		}
		off := b.header.cycleOffset
		for i, edge := range p.Proof {
			putUint32LE(out[off+4*i:], edge)
		}
	}
	return out, nil
}

// PrevHash extracts the previous block hash from a cryptonote block blob.
func PrevHash(blob []byte) (string, error) {
	h, err := parseCNHeader(newReader(blob), false)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h.prev[:]), nil
}

func decodeFixedHex(s string, size int, what string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not hex: %v", ErrMalformed, what, err)
	}
	if len(b) != size {
		return nil, fmt.Errorf("%w: %s is %d bytes, want %d", ErrMalformed, what, len(b), size)
	}
	return b, nil
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
