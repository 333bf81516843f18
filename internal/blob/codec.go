// Package blob implements the per-format binary transforms applied to daemon
// block blobs: hashing blob conversion, submission construction, block ids and
// merged mining composition.
//
// Every exported function is bounds-checked. Malformed input yields an error,
// never a panic.
package blob

import (
	"fmt"

	"github.com/bardlex/coinpool/internal/coins"
	"github.com/bardlex/coinpool/pkg/errors"
)

var (
	// ErrTruncated reports a blob that ends before a field it must contain.
	ErrTruncated = errors.Sentinel("blob truncated")
	// ErrMalformed reports structurally invalid blob content.
	ErrMalformed = errors.Sentinel("blob malformed")
	// ErrUnsupported reports an operation a format does not have.
	ErrUnsupported = errors.Sentinel("operation not supported for blob format")
)

// SubmitParams carries the miner-submitted fields of a share.
type SubmitParams struct {
	// Nonce is hex: 4 bytes for cryptonote and Raptoreum formats, 8 bytes
	// display order for Raven.
	Nonce string
	// Proof is the 32 edge cycle for cuckoo formats.
	Proof []uint32
	// MixHash is the Raven kawpow mix digest in display order.
	MixHash string
}

// Converter turns a nonce-stamped template blob into the blob a miner hashes.
type Converter interface {
	ConvertToHashable(blob []byte) ([]byte, error)
}

// Codec binds the codec operations to a single blob format.
type Codec struct {
	Format coins.BlobFormat
}

// ConvertToHashable implements Converter.
func (c Codec) ConvertToHashable(blob []byte) ([]byte, error) {
	return ConvertToHashable(blob, c.Format)
}

// ShareBlob returns what a verifier hashes for a constructed block.
func (c Codec) ShareBlob(block []byte) ([]byte, error) {
	return ShareBlob(block, c.Format)
}

// ConstructSubmission builds the block to submit from a template and a share.
func (c Codec) ConstructSubmission(template []byte, p SubmitParams) ([]byte, error) {
	return ConstructSubmission(template, p, c.Format)
}

// BlockID returns the canonical id of a constructed block.
func (c Codec) BlockID(blob []byte) ([]byte, error) {
	return BlockID(blob, c.Format)
}

// ConvertToHashable returns the hashing blob of a template blob.
func ConvertToHashable(blob []byte, format coins.BlobFormat) (out []byte, err error) {
	defer recoverInto(&err, "blob.convert")
	switch format.Family() {
	case coins.FamilyCryptonote:
		out, err = cnConvert(blob, layoutOf(format))
	case coins.FamilyCuckoo:
		out, err = cnConvert(blob, layoutOf(format))
	case coins.FamilyDero:
		out, err = deroConvert(blob)
	case coins.FamilyRaven:
		out, err = ravenConvert(blob)
	case coins.FamilyRaptoreum:
		out, err = raptoreumConvert(blob)
	case coins.FamilyForknote2:
		// only mined through its parent, which is what miners hash
		err = fmt.Errorf("%w: %s is merge mined only", ErrUnsupported, format)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupported, format)
	}
	return out, classify(err, "blob.convert", format)
}

// ShareBlob returns what a verifier hashes for a block built by
// ConstructSubmission. It is the hashing blob, except for Raven where the
// nonce and mix digest follow the header hash.
func ShareBlob(block []byte, format coins.BlobFormat) (out []byte, err error) {
	if format.Family() != coins.FamilyRaven {
		return ConvertToHashable(block, format)
	}
	defer recoverInto(&err, "blob.share")
	out, err = ravenShare(block)
	return out, classify(err, "blob.share", format)
}

// ConstructSubmission writes the share's nonce and proof fields into a copy of template.
func ConstructSubmission(template []byte, p SubmitParams, format coins.BlobFormat) (out []byte, err error) {
	defer recoverInto(&err, "blob.construct")
	switch format.Family() {
	case coins.FamilyCryptonote:
		out, err = cnConstruct(template, p, layoutOf(format))
	case coins.FamilyCuckoo:
		out, err = cnConstruct(template, p, layoutOf(format))
	case coins.FamilyDero:
		out, err = deroConstruct(template, p)
	case coins.FamilyRaven:
		out, err = ravenConstruct(template, p)
	case coins.FamilyRaptoreum:
		out, err = raptoreumConstruct(template, p)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupported, format)
	}
	return out, classify(err, "blob.construct", format)
}

// BlockID returns the canonical id of a block blob. Raven ids are taken from
// the hashing blob, so the block is converted first.
func BlockID(blob []byte, format coins.BlobFormat) (out []byte, err error) {
	defer recoverInto(&err, "blob.block_id")
	switch format.Family() {
	case coins.FamilyCryptonote:
		out, err = cnBlockID(blob, layoutOf(format))
	case coins.FamilyCuckoo:
		out, err = cnBlockID(blob, layoutOf(format))
	case coins.FamilyForknote2:
		out, err = fn2BlockID(blob)
	case coins.FamilyDero:
		out, err = deroBlockID(blob)
	case coins.FamilyRaven:
		out, err = ravenConvert(blob)
	case coins.FamilyRaptoreum:
		out, err = raptoreumBlockID(blob)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupported, format)
	}
	return out, classify(err, "blob.block_id", format)
}

// ComposeParent commits the forknote2 child template into a merged mining
// parent blob of the given format.
func ComposeParent(parent []byte, format coins.BlobFormat, child []byte) (out []byte, err error) {
	defer recoverInto(&err, "blob.compose_parent")
	if !mergeParent(format) {
		return nil, classify(fmt.Errorf("%w: %s cannot be a merged mining parent", ErrUnsupported, format), "blob.compose_parent", format)
	}
	childID, err := fn2AuxHash(child)
	if err != nil {
		return nil, classify(fmt.Errorf("child template: %w", err), "blob.compose_parent", format)
	}
	out, err = composeParent(parent, layoutOf(format), childID)
	return out, classify(err, "blob.compose_parent", format)
}

// ComposeChild embeds a solved parent share of the given format into the
// child template, producing the child block to submit.
func ComposeChild(share []byte, format coins.BlobFormat, childTemplate []byte) (out []byte, err error) {
	defer recoverInto(&err, "blob.compose_child")
	if !mergeParent(format) {
		return nil, classify(fmt.Errorf("%w: %s cannot be a merged mining parent", ErrUnsupported, format), "blob.compose_child", format)
	}
	out, err = composeChild(share, layoutOf(format), childTemplate)
	return out, classify(err, "blob.compose_child", format)
}

// mergeParent reports whether a forknote2 child can embed blocks of format.
// The child walks the embedded parent miner tx with the standard layout.
func mergeParent(format coins.BlobFormat) bool {
	return format.IsCryptonoteLayout() && layoutOf(format).minerTx == txStandard
}

// classify wraps codec failures in the service error taxonomy.
func classify(err error, op string, format coins.BlobFormat) error {
	if err == nil {
		return nil
	}
	errType := errors.ErrorTypeValidation
	if errors.Is(err, ErrUnsupported) {
		errType = errors.ErrorTypeUnsupported
	}
	return errors.Wrap(err, errType, op, "blob codec failed").WithContext("format", format.String())
}

// recoverInto turns a panic escaping a format routine into an internal error.
func recoverInto(err *error, op string) {
	if r := recover(); r != nil {
		*err = errors.Newf(errors.ErrorTypeInternal, op, "codec panic: %v", r)
	}
}
