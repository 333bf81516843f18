package blob

import (
	"fmt"

	"golang.org/x/crypto/sha3"
)

// deroNonceOffset is where the miner nonce lives in a DERO hashing blob.
const deroNonceOffset = 39

// DERO hands out the hashing blob itself, so conversion only validates it.
func deroConvert(blob []byte) ([]byte, error) {
	if len(blob) < deroNonceOffset+nonceSize {
		return nil, fmt.Errorf("%w: dero blob is %d bytes", ErrTruncated, len(blob))
	}
	return append([]byte(nil), blob...), nil
}

func deroConstruct(template []byte, p SubmitParams) ([]byte, error) {
	out, err := deroConvert(template)
	if err != nil {
		return nil, err
	}
	nonce, err := decodeFixedHex(p.Nonce, nonceSize, "nonce")
	if err != nil {
		return nil, err
	}
	copy(out[deroNonceOffset:], nonce)
	return out, nil
}

func deroBlockID(blob []byte) ([]byte, error) {
	if _, err := deroConvert(blob); err != nil {
		return nil, err
	}
	id := sha3.Sum256(blob)
	return id[:], nil
}
