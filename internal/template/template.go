// Package template turns daemon block templates into miner work. A
// BlockTemplate owns its blob buffer; every piece of work it hands out is
// stamped with a fresh extra nonce inside the pool's reserved region.
package template

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/minio/sha256-simd"

	"github.com/bardlex/coinpool/internal/alert"
	"github.com/bardlex/coinpool/internal/blob"
	"github.com/bardlex/coinpool/internal/coins"
	"github.com/bardlex/coinpool/pkg/errors"
	"github.com/bardlex/coinpool/pkg/log"
)

// Layout of the reserved region, relative to ReservedOffset.
const (
	extraNonceSize    = 4
	instanceIDOffset  = 4
	clientPoolOffset  = 8
	clientNonceOffset = 12
	regionSize        = 16
)

// Placeholder sizes the pool asks daemons to reserve.
const (
	ReserveSize       = blob.PoolNonceSize
	MergedReserveSize = blob.PoolNonceSize + blob.MMNonceSize
)

var (
	// ErrUnusable reports a template whose blob the codec cannot convert.
	// Such a template must never be served to a miner.
	ErrUnusable = errors.Sentinel("template unusable for mining")
	// ErrExhausted reports a template that has issued every extra nonce.
	ErrExhausted = errors.Sentinel("template extra nonce space exhausted")
)

// Options configures template construction.
type Options struct {
	PoolID int
	PID    int
	// Converter defaults to the codec of the template's format.
	Converter blob.Converter
	// MergeCapable marks a merged mining parent port. Its templates reserve
	// room for the child commitment until a child is composed in.
	MergeCapable bool
	Alerts       alert.Sender
	Logger       *log.Logger

	// embedded marks a merge mined child. Its blob is committed to by the
	// parent, so it is kept byte for byte.
	embedded bool
}

// Work is one unit of miner work.
type Work struct {
	ExtraNonce uint32
	Blob       []byte
}

// BlockTemplate is a template ready to issue work. Exported fields are fixed
// at construction.
type BlockTemplate struct {
	Port         int
	Coin         string
	Format       coins.BlobFormat
	Height       uint64
	Difficulty   uint64
	Bits         string
	Target       string
	SeedHash     string
	NextSeedHash string
	PrevHash     string

	// IDHash fingerprints the template blob before merged mining composition.
	IDHash       string
	BlockVersion byte

	ReservedOffset      int
	ClientPoolLocation  int
	ClientNonceLocation int

	// HashOnly templates carry their work as Hash and Hash2 and have no blob.
	HashOnly bool
	Hash     string
	Hash2    string

	Child *BlockTemplate

	mu         sync.Mutex
	buffer     []byte
	extraNonce uint32

	converter    blob.Converter
	alerts       alert.Sender
	logger       *log.Logger
	unusableOnce sync.Once
}

// InstanceID packs a 10 bit pool id and a 22 bit process id.
func InstanceID(poolID, pid int) uint32 {
	return uint32(poolID%(1<<10))<<22 | uint32(pid%(1<<22))
}

// placeholder is the tx_extra nonce field a daemon writes for a reserve of size bytes.
func placeholder(size int) []byte {
	p := make([]byte, 2+size)
	p[0] = 0x02
	p[1] = byte(size)
	return p
}

// DiscoverReservedOffset locates the zeroed extra nonce placeholder of the
// given size and returns the offset of its payload, or -1.
func DiscoverReservedOffset(buf []byte, size int) int {
	i := bytes.Index(buf, placeholder(size))
	if i < 0 {
		return -1
	}
	return i + 2
}

// New builds a template from a daemon reply.
func New(raw *Raw, opts Options) (*BlockTemplate, error) {
	if raw == nil {
		return nil, errors.New(errors.ErrorTypeInternal, "template.new", "nil template")
	}
	logger := log.OrNop(opts.Logger).WithComponent("template").WithCoin(raw.Port, raw.Coin)
	t := &BlockTemplate{
		Port:         raw.Port,
		Coin:         raw.Coin,
		Format:       raw.Format,
		Height:       uint64(raw.Height),
		Difficulty:   raw.difficulty(),
		Bits:         raw.Bits,
		Target:       raw.Target,
		SeedHash:     raw.SeedHash,
		NextSeedHash: raw.NextSeedHash,
		PrevHash:     raw.PrevHash,
		converter:    opts.Converter,
		alerts:       alert.OrNop(opts.Alerts),
		logger:       logger,
	}
	if t.converter == nil {
		t.converter = blob.Codec{Format: raw.Format}
	}

	blobHex := raw.blobHex()
	if blobHex == "" {
		if raw.Hash == "" {
			return nil, errors.New(errors.ErrorTypeProtocol, "template.new", "template has neither a blob nor a hash").
				WithContext("port", raw.Port)
		}
		t.HashOnly = true
		t.Hash = raw.Hash
		t.Hash2 = raw.Hash2
		t.IDHash = fingerprint(raw.Hash)
		logger.LogTemplate(t.Port, t.Height, t.Difficulty, 0, t.IDHash)
		return t, nil
	}

	canonical := blobHex
	if raw.OriginalBlob != "" {
		canonical = raw.OriginalBlob
	}
	t.IDHash = fingerprint(canonical)

	buf, err := hex.DecodeString(blobHex)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "template.new", "template blob is not hex").
			WithContext("port", raw.Port).
			WithBody([]byte(blobHex))
	}
	if len(buf) == 0 {
		return nil, errors.New(errors.ErrorTypeProtocol, "template.new", "empty template blob").
			WithContext("port", raw.Port)
	}
	t.buffer = buf
	t.BlockVersion = buf[0]

	t.ReservedOffset = t.resolveReservedOffset(raw, opts.MergeCapable)
	if t.ReservedOffset+regionSize > len(buf) {
		return nil, errors.Newf(errors.ErrorTypeInternal, "template.new",
			"reserved region [%d,%d) outside %d byte blob", t.ReservedOffset, t.ReservedOffset+regionSize, len(buf)).
			WithContext("port", raw.Port)
	}
	if !opts.embedded {
		binary.LittleEndian.PutUint32(buf[t.ReservedOffset+instanceIDOffset:], InstanceID(opts.PoolID, opts.PID))
	}
	t.ClientPoolLocation = t.ReservedOffset + clientPoolOffset
	t.ClientNonceLocation = t.ReservedOffset + clientNonceOffset

	if t.PrevHash == "" {
		switch raw.Format.Family() {
		case coins.FamilyCryptonote, coins.FamilyCuckoo:
			if prev, err := blob.PrevHash(buf); err == nil {
				t.PrevHash = prev
			}
		}
	}

	if raw.Child != nil {
		child, err := New(raw.Child, Options{
			PoolID:   opts.PoolID,
			PID:      opts.PID,
			Alerts:   opts.Alerts,
			Logger:   opts.Logger,
			embedded: true,
		})
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "template.new", "child template").
				WithContext("port", raw.Port).
				WithContext("child_port", raw.Child.Port)
		}
		t.Child = child
	}

	logger.LogTemplate(t.Port, t.Height, t.Difficulty, t.ReservedOffset, t.IDHash)
	return t, nil
}

// resolveReservedOffset runs once per template. A discovered offset that
// disagrees with the daemon by more than one byte is reported, not corrected.
func (t *BlockTemplate) resolveReservedOffset(raw *Raw, mergeCapable bool) int {
	size := ReserveSize
	if mergeCapable && raw.Child == nil {
		size = MergedReserveSize
	}
	found := DiscoverReservedOffset(t.buffer, size)
	reported, ok := raw.reportedOffset()

	switch {
	case ok && found >= 0:
		if diff := found - reported; diff > 1 || diff < -1 {
			t.logger.Error("reserved offset mismatch",
				"reported", reported,
				"found", found,
				"reserve_size", size,
			)
			t.sendAlert(alert.Newf(alert.KindReservedOffsetMismatch, t.Port,
				fmt.Sprintf("Reserved offset mismatch on port %d", t.Port),
				"Found reserved offset %d does not match %d reported by the daemon for port %d at height %d.",
				found, reported, t.Port, t.Height))
		}
		return reported
	case ok:
		return reported
	case found >= 0:
		return found
	}
	t.logger.Error("cannot find reserved offset placeholder, falling back to 0",
		"reserve_size", size,
		"blob", hex.EncodeToString(t.buffer),
	)
	return 0
}

func fingerprint(s string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(s)))
	return hex.EncodeToString(sum[:])
}

// stamp writes the next extra nonce into the buffer. Callers hold t.mu.
func (t *BlockTemplate) stamp() (uint32, error) {
	if t.extraNonce == math.MaxUint32 {
		return 0, errors.Wrap(ErrExhausted, errors.ErrorTypeInternal, "template.stamp", "no extra nonce left").
			WithContext("port", t.Port)
	}
	t.extraNonce++
	binary.BigEndian.PutUint32(t.buffer[t.ReservedOffset:], t.extraNonce)
	return t.extraNonce, nil
}

// NextWork stamps a fresh extra nonce and returns the hashable blob. A
// conversion failure marks the template unusable and alerts once.
func (t *BlockTemplate) NextWork() (Work, error) {
	if t.HashOnly {
		b, err := hashBytes(t.Hash)
		if err != nil {
			return Work{}, err
		}
		return Work{Blob: b}, nil
	}

	t.mu.Lock()
	n, err := t.stamp()
	if err != nil {
		t.mu.Unlock()
		return Work{}, err
	}
	hashable, err := t.converter.ConvertToHashable(t.buffer)
	t.mu.Unlock()

	if err != nil || len(hashable) == 0 {
		return Work{}, t.unusable(err)
	}
	return Work{ExtraNonce: n, Blob: hashable}, nil
}

// NextBlob returns a fresh hashable blob.
func (t *BlockTemplate) NextBlob() ([]byte, error) {
	w, err := t.NextWork()
	return w.Blob, err
}

// NextBlobHex returns a fresh hashable blob as hex. Hash-only templates
// return their hash unchanged.
func (t *BlockTemplate) NextBlobHex() (string, error) {
	if t.HashOnly {
		return t.Hash, nil
	}
	b, err := t.NextBlob()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// NextBlobWithChildNonce stamps a fresh extra nonce and returns the raw,
// unconverted buffer as hex.
func (t *BlockTemplate) NextBlobWithChildNonce() (string, uint32, error) {
	if t.HashOnly {
		return t.Hash, 0, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n, err := t.stamp()
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(t.buffer), n, nil
}

// BufferWithNonce returns a copy of the template blob carrying a previously
// issued extra nonce, as needed to rebuild a miner's block for submission.
func (t *BlockTemplate) BufferWithNonce(extraNonce uint32) ([]byte, error) {
	if t.HashOnly {
		return hashBytes(t.Hash)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if extraNonce == 0 || extraNonce > t.extraNonce {
		return nil, errors.Newf(errors.ErrorTypeValidation, "template.buffer",
			"extra nonce %d was never issued", extraNonce).
			WithContext("port", t.Port)
	}
	out := append([]byte(nil), t.buffer...)
	binary.BigEndian.PutUint32(out[t.ReservedOffset:], extraNonce)
	return out, nil
}

// ChildBlock completes the merge mined child block with a solved parent
// block built from this template.
func (t *BlockTemplate) ChildBlock(parent []byte) ([]byte, error) {
	if t.Child == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "template.child_block", "template has no merge mined child").
			WithContext("port", t.Port)
	}
	t.Child.mu.Lock()
	defer t.Child.mu.Unlock()
	return blob.ComposeChild(parent, t.Format, t.Child.buffer)
}

// ExtraNonce returns the last issued extra nonce.
func (t *BlockTemplate) ExtraNonce() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.extraNonce
}

func (t *BlockTemplate) unusable(cause error) error {
	if cause == nil {
		cause = errors.Sentinel("converter returned an empty blob")
	}
	t.unusableOnce.Do(func() {
		t.logger.WithError(cause).Error("blob conversion failed, template rejected",
			"height", t.Height,
			"id_hash", t.IDHash,
		)
		t.sendAlert(alert.Newf(alert.KindBlobConversionFailure, t.Port,
			fmt.Sprintf("Blob conversion failure on port %d", t.Port),
			"Template at height %d (%s) cannot be converted to a hashing blob: %v",
			t.Height, t.IDHash, cause))
	})
	return errors.Wrap(fmt.Errorf("%w: %w", ErrUnusable, cause), errors.ErrorTypeInternal,
		"template.next_blob", "template rejected").
		WithContext("port", t.Port)
}

func (t *BlockTemplate) sendAlert(a alert.Alert) {
	if err := t.alerts.Send(context.Background(), a); err != nil {
		t.logger.WithError(err).Warn("failed to send alert", "kind", string(a.Kind))
	}
}

func hashBytes(h string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(h, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "template.hash", "work hash is not hex").
			WithContext("hash", h)
	}
	return b, nil
}
