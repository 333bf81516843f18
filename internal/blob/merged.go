package blob

import (
	"fmt"
)

const (
	// PoolNonceSize is the reserved extra-nonce region: 16 bytes of pool space plus one spare.
	PoolNonceSize = 17
	// MMNonceSize is the room a merged mining parent reserves for its merge mining tag:
	// tag, length, depth varint and a 32 byte root.
	MMNonceSize = 1 + 1 + 1 + hashSize
)

// extraField is one parsed tx_extra entry. start is the tag offset, data the payload bounds.
type extraField struct {
	tag                  byte
	start, data, dataEnd int
}

// walkExtra lists the fields of a tx_extra region. Parsing stops at padding or an
// unknown tag, both of which run to the end of extra.
func walkExtra(raw []byte, start, end int) ([]extraField, error) {
	r := &reader{b: raw[:end], off: start}
	var fields []extraField
	for r.remaining() > 0 {
		f := extraField{start: r.off}
		tag, err := r.u8()
		if err != nil {
			return nil, err
		}
		f.tag = tag
		switch tag {
		case extraPubKey:
			f.data = r.off
			if err := r.skip(hashSize); err != nil {
				return nil, err
			}
		case extraNonce, extraMergeMining, extraMinergate:
			n, err := r.count(1)
			if err != nil {
				return nil, err
			}
			f.data = r.off
			if err := r.skip(n); err != nil {
				return nil, err
			}
		case extraAdditionalKey:
			n, err := r.count(hashSize)
			if err != nil {
				return nil, err
			}
			f.data = r.off
			if err := r.skip(n * hashSize); err != nil {
				return nil, err
			}
		default:
			// padding or unknown: the rest of extra belongs to it
			f.data = r.off
			r.off = end
		}
		f.dataEnd = r.off
		fields = append(fields, f)
	}
	return fields, nil
}

// mergeMiningDepth returns the depth recorded in a merge mining tag, 0 when absent.
func mergeMiningDepth(raw []byte, tx cnTx) (int, error) {
	fields, err := walkExtra(raw, tx.extraStart, tx.extraEnd)
	if err != nil {
		return 0, err
	}
	for _, f := range fields {
		if f.tag != extraMergeMining {
			continue
		}
		r := &reader{b: raw[:f.dataEnd], off: f.data}
		d, err := r.varint()
		if err != nil {
			return 0, err
		}
		if d > 64 {
			return 0, fmt.Errorf("%w: merge mining depth %d", ErrMalformed, d)
		}
		return int(d), nil
	}
	return 0, nil
}

// composeParent commits childID into the parent's reserved extra nonce. The
// reserved field of PoolNonceSize+MMNonceSize bytes is shrunk to PoolNonceSize and
// the freed bytes become a merge mining tag, so the blob length is unchanged.
func composeParent(parent []byte, l cnLayout, childID [hashSize]byte) ([]byte, error) {
	b, err := parseCNBlock(parent, l)
	if err != nil {
		return nil, err
	}
	fields, err := walkExtra(parent, b.minerTx.extraStart, b.minerTx.extraEnd)
	if err != nil {
		return nil, err
	}

	for _, f := range fields {
		if f.tag != extraNonce || f.dataEnd-f.data != PoolNonceSize+MMNonceSize {
			continue
		}
		// [0x02][len] must be a one byte length for the rewrite to keep offsets
		if f.data-f.start != 2 {
			return nil, fmt.Errorf("%w: unexpected extra nonce length encoding", ErrMalformed)
		}
		out := append([]byte(nil), parent...)
		out[f.start+1] = PoolNonceSize
		tag := out[f.data+PoolNonceSize:]
		tag[0] = extraMergeMining
		tag[1] = 1 + hashSize
		tag[2] = 0 // depth
		copy(tag[3:3+hashSize], childID[:])
		return out, nil
	}
	return nil, fmt.Errorf("%w: no %d byte extra nonce reserved for merged mining", ErrMalformed, PoolNonceSize+MMNonceSize)
}

// fn2Block is a parsed forknote2 child block: a short header, the embedded
// parent block that carries the proof of work, then the child's own transactions.
type fn2Block struct {
	raw                    []byte
	headerEnd              int
	parentStart, parentEnd int
	minerTx                cnTx
	txHashes               [][hashSize]byte
}

func parseFN2Header(r *reader) error {
	if _, err := r.varint(); err != nil { // major
		return err
	}
	if _, err := r.varint(); err != nil { // minor
		return err
	}
	return r.skip(hashSize) // prev id
}

// skipParentSection walks the embedded parent block:
// header, varint tx count, coinbase branch, miner tx, blockchain branch.
func skipParentSection(r *reader) error {
	if _, err := parseCNHeader(r, false); err != nil {
		return err
	}
	n, err := r.count(0)
	if err != nil {
		return err
	}
	if err := r.skip(treeDepth(n) * hashSize); err != nil {
		return err
	}
	tx, err := parseCNTx(r, txStandard)
	if err != nil {
		return err
	}
	depth, err := mergeMiningDepth(r.b, tx)
	if err != nil {
		return err
	}
	return r.skip(depth * hashSize)
}

func parseFN2Block(raw []byte) (*fn2Block, error) {
	r := newReader(raw)
	if err := parseFN2Header(r); err != nil {
		return nil, err
	}
	b := &fn2Block{raw: raw, headerEnd: r.off, parentStart: r.off}
	if err := skipParentSection(r); err != nil {
		return nil, err
	}
	b.parentEnd = r.off

	tx, err := parseCNTx(r, txStandard)
	if err != nil {
		return nil, err
	}
	b.minerTx = tx
	n, err := r.count(hashSize)
	if err != nil {
		return nil, err
	}
	b.txHashes = make([][hashSize]byte, n)
	for i := range b.txHashes {
		h, err := r.bytes(hashSize)
		if err != nil {
			return nil, err
		}
		copy(b.txHashes[i][:], h)
	}
	return b, nil
}

// auxHashingBlob is the child header || child tree root || varint(count). Its
// keccak hash is what a parent commits to.
func (b *fn2Block) auxHashingBlob() []byte {
	hashes := append([][hashSize]byte{b.minerTx.hash(b.raw)}, b.txHashes...)
	root := treeHash(hashes)
	out := append([]byte(nil), b.raw[:b.headerEnd]...)
	out = append(out, root[:]...)
	return appendVarint(out, uint64(len(hashes)))
}

// fn2AuxHash is the merge mining commitment of a forknote2 child template.
func fn2AuxHash(child []byte) ([hashSize]byte, error) {
	b, err := parseFN2Block(child)
	if err != nil {
		return [hashSize]byte{}, err
	}
	return keccak(b.auxHashingBlob()), nil
}

func fn2BlockID(child []byte) ([]byte, error) {
	b, err := parseFN2Block(child)
	if err != nil {
		return nil, err
	}
	hb := b.auxHashingBlob()
	id := keccak(appendVarint(nil, uint64(len(hb))), hb)
	return id[:], nil
}

// parentSection serializes a solved parent block in the layout a forknote2 child embeds.
func parentSection(share *cnBlock) []byte {
	hashes := share.allHashes()
	branch := treeBranch(hashes)

	headerEnd := share.header.end
	if share.header.cycleOffset >= 0 {
		headerEnd = share.header.cycleOffset
	}
	out := append([]byte(nil), share.raw[:headerEnd]...)
	out = appendVarint(out, uint64(len(hashes)))
	for _, h := range branch {
		out = append(out, h[:]...)
	}
	return append(out, share.raw[share.minerTx.start:share.minerTx.end]...)
}

// composeChild splices a solved parent share into the child template.
func composeChild(share []byte, l cnLayout, childTemplate []byte) ([]byte, error) {
	parent, err := parseCNBlock(share, l)
	if err != nil {
		return nil, fmt.Errorf("parent share: %w", err)
	}
	child, err := parseFN2Block(childTemplate)
	if err != nil {
		return nil, fmt.Errorf("child template: %w", err)
	}

	section := parentSection(parent)
	out := make([]byte, 0, len(childTemplate)+len(section))
	out = append(out, childTemplate[:child.parentStart]...)
	out = append(out, section...)
	return append(out, childTemplate[child.parentEnd:]...), nil
}
