package template

import (
	"bytes"
	"strconv"

	"github.com/bardlex/coinpool/internal/coins"
	"github.com/bardlex/coinpool/pkg/errors"
)

// Number is an unsigned JSON number that daemons send either bare or quoted.
type Number uint64

// UnmarshalJSON accepts 123, "123", "0x7b" and null.
func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	s := string(bytes.Trim(data, `"`))
	if s == "" {
		return nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeProtocol, "template.number", "not an unsigned number").
			WithContext("value", s)
	}
	*n = Number(v)
	return nil
}

// Raw is a daemon template normalized enough for New to build from. The
// chain fetchers fill it from the daemon's reply; the JSON tags follow the
// cryptonote get_block_template field names.
type Raw struct {
	Port   int              `json:"-"`
	Coin   string           `json:"-"`
	Format coins.BlobFormat `json:"-"`

	Height     Number `json:"height"`
	Difficulty Number `json:"difficulty"`
	// EffectiveDifficulty is the mini-block difficulty some daemons report
	// next to the nominal one.
	EffectiveDifficulty Number `json:"difficultyuint64"`
	Bits                string `json:"bits,omitempty"`
	Target              string `json:"target,omitempty"`
	SeedHash            string `json:"seed_hash,omitempty"`
	NextSeedHash        string `json:"next_seed_hash,omitempty"`

	BlocktemplateBlob string `json:"blocktemplate_blob,omitempty"`
	Blob              string `json:"blob,omitempty"`

	ReservedOffset    *int `json:"reserved_offset,omitempty"`
	ReservedOffsetAlt *int `json:"reservedOffset,omitempty"`

	PrevHash string `json:"prev_hash,omitempty"`

	// Hash and Hash2 carry the work of hash-only networks.
	Hash  string `json:"hash,omitempty"`
	Hash2 string `json:"hash2,omitempty"`

	// Child is the merge mined child template embedded in a parent.
	Child *Raw `json:"-"`
	// OriginalBlob is the parent blob before the child commitment was
	// composed into it.
	OriginalBlob string `json:"-"`
}

// blobHex returns the template blob under whichever field the daemon used.
func (r *Raw) blobHex() string {
	if r.BlocktemplateBlob != "" {
		return r.BlocktemplateBlob
	}
	return r.Blob
}

// reportedOffset returns the daemon reported reserved offset, if any.
func (r *Raw) reportedOffset() (int, bool) {
	switch {
	case r.ReservedOffset != nil && *r.ReservedOffset > 0:
		return *r.ReservedOffset, true
	case r.ReservedOffsetAlt != nil && *r.ReservedOffsetAlt > 0:
		return *r.ReservedOffsetAlt, true
	}
	return 0, false
}

func (r *Raw) difficulty() uint64 {
	if r.EffectiveDifficulty != 0 {
		return uint64(r.EffectiveDifficulty)
	}
	return uint64(r.Difficulty)
}
