package blob

import "fmt"

// reader is a bounds-checked cursor over a blob. Every read reports truncation
// as an error instead of panicking.
type reader struct {
	b   []byte
	off int
}

func newReader(b []byte) *reader { return &reader{b: b} }

func (r *reader) remaining() int { return len(r.b) - r.off }

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, n, r.off, r.remaining())
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *reader) u8() (byte, error) {
	b, err := r.bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) skip(n int) error {
	_, err := r.bytes(n)
	return err
}

// varint reads a base-128 little endian varint as used by cryptonote.
func (r *reader) varint() (uint64, error) {
	var v uint64
	for shift := uint(0); shift < 64; shift += 7 {
		c, err := r.u8()
		if err != nil {
			return 0, err
		}
		v |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: varint overflows 64 bits at offset %d", ErrMalformed, r.off)
}

// count reads a varint used as an element count and rejects counts that could
// not possibly fit in the remaining bytes.
func (r *reader) count(minElemSize int) (int, error) {
	n, err := r.varint()
	if err != nil {
		return 0, err
	}
	if minElemSize < 1 {
		minElemSize = 1
	}
	if n > uint64(r.remaining()/minElemSize) {
		return 0, fmt.Errorf("%w: count %d exceeds remaining %d bytes", ErrMalformed, n, r.remaining())
	}
	return int(n), nil
}

// skipVarints skips a varint counted vector of varints.
func (r *reader) skipVarints() error {
	n, err := r.count(1)
	if err != nil {
		return err
	}
	for range n {
		if _, err := r.varint(); err != nil {
			return err
		}
	}
	return nil
}

// skipString skips a varint length prefixed byte string.
func (r *reader) skipString() error {
	n, err := r.count(1)
	if err != nil {
		return err
	}
	return r.skip(n)
}

// appendVarint appends v in cryptonote varint encoding.
func appendVarint(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}
