package pool

import (
	"bytes"
	"context"
	"encoding/hex"
	"testing"

	"github.com/bardlex/coinpool/internal/blob"
	"github.com/bardlex/coinpool/internal/coins"
	"github.com/bardlex/coinpool/internal/daemon"
	"github.com/bardlex/coinpool/internal/template"
	"github.com/bardlex/coinpool/internal/verify"
	"github.com/bardlex/coinpool/pkg/errors"
)

const trtlPort = 11898

// minerTx returns a version 1 miner tx whose extra holds a pub key and, when
// reserve is positive, a zeroed nonce field of reserve bytes. The offset of
// that field's payload is returned, or -1.
func minerTx(reserve int) ([]byte, int) {
	tx := []byte{1, 60, 1, 0xff, 100, 1, 100, 0x02}
	tx = append(tx, bytes.Repeat([]byte{0x11}, 32)...)
	extra := append([]byte{0x01}, bytes.Repeat([]byte{0x22}, 32)...)
	offset := -1
	if reserve > 0 {
		extra = append(extra, 0x02, byte(reserve))
		offset = len(tx) + 1 + len(extra)
		extra = append(extra, make([]byte, reserve)...)
	}
	tx = append(tx, byte(len(extra)))
	return append(tx, extra...), offset
}

// forknote2Blob returns a merge mined child template with an empty parent
// section, and the offset of its reserved nonce field.
func forknote2Blob(reserve int) ([]byte, int) {
	b := []byte{5, 0}
	b = append(b, bytes.Repeat([]byte{0xbb}, 32)...)
	b = append(b, 12, 12, 5)
	b = append(b, bytes.Repeat([]byte{0xcc}, 32)...)
	b = append(b, 0, 0, 0, 0, 1) // parent nonce, tx count
	parentTx, _ := minerTx(0)
	b = append(b, parentTx...)
	tx, off := minerTx(reserve)
	offset := len(b) + off
	b = append(b, tx...)
	return append(b, 0), offset
}

// portDaemons routes daemon calls to a fake per port.
type portDaemons map[int]*fakeDaemon

func (p portDaemons) Call(ctx context.Context, port int, path string, req daemon.Request) (*daemon.Response, error) {
	d, ok := p[port]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeTransport, req.Method, "no daemon on port %d", port).AsRetryable(false)
	}
	return d.Call(ctx, port, path, req)
}

func (p portDaemons) CallBatch(context.Context, int, string, []daemon.Request) ([]daemon.Response, error) {
	return nil, errors.New(errors.ErrorTypeProtocol, "batch", "unexpected").AsRetryable(false)
}

func (p portDaemons) Post(context.Context, int, string, any) (*daemon.Response, error) {
	return nil, errors.New(errors.ErrorTypeProtocol, "post", "unexpected").AsRetryable(false)
}

func (p portDaemons) Get(context.Context, int, string) (*daemon.Response, error) {
	return nil, errors.New(errors.ErrorTypeProtocol, "get", "unexpected").AsRetryable(false)
}

// newMergedContext serves a cryptonote parent on xmrPort that merge mines a
// forknote2 child on trtlPort.
func newMergedContext(t *testing.T) (*Context, *fakeDaemon, *fakeDaemon, *recordingStore) {
	t.Helper()
	reg, err := coins.New([]coins.CoinPort{
		{Port: xmrPort, Symbol: "XMR", Format: coins.BlobCryptonote, Algorithm: "rx/0"},
		{Port: trtlPort, Symbol: "TRTL", Format: coins.BlobForknote2, Algorithm: "argon2/chukwa"},
	}, map[int]int{trtlPort: xmrPort})
	if err != nil {
		t.Fatal(err)
	}

	pb, poff := cryptonoteBlob(template.MergedReserveSize, 0xab)
	parent := &fakeDaemon{blob: pb, offset: poff, height: 100, diff: 300000}
	cb, coff := forknote2Blob(template.ReserveSize)
	child := &fakeDaemon{blob: cb, offset: coff, height: 2_000_000, diff: 500}

	store := &recordingStore{}
	c, err := New(Options{
		Registry: reg,
		RPC:      portDaemons{xmrPort: parent, trtlPort: child},
		PoolID:   3,
		PID:      777,
		Wallets:  map[int]string{xmrPort: "4pool", trtlPort: "TRTLpool"},
		Verify:   verify.Options{},
		Store:    store,
		Events:   &recordingEvents{},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	if _, err := c.Refresh(context.Background(), xmrPort); err != nil {
		t.Fatal(err)
	}
	return c, parent, child, store
}

func TestSubmitBlockMergeMinedChild(t *testing.T) {
	tests := []struct {
		name      string
		hash      []byte
		wantChild bool
	}{
		{"hash meets child difficulty", make([]byte, 32), true},
		{"hash misses child difficulty", bytes.Repeat([]byte{0xff}, 32), false},
		{"share without hash", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, parent, child, store := newMergedContext(t)
			ctx := context.Background()

			tmpl, err := c.Template(xmrPort)
			if err != nil {
				t.Fatal(err)
			}
			if tmpl.Child == nil || tmpl.Child.Port != trtlPort || tmpl.Child.Difficulty != 500 {
				t.Fatalf("child = %+v", tmpl.Child)
			}
			j, err := c.NextJob(xmrPort)
			if err != nil {
				t.Fatal(err)
			}

			if _, err := c.SubmitBlock(ctx, Share{Job: j, Miner: "m1", Nonce: "01000000", Hash: tt.hash}); err != nil {
				t.Fatal(err)
			}
			if len(parent.submitted) != 1 {
				t.Fatalf("parent submissions = %d", len(parent.submitted))
			}
			if !tt.wantChild {
				if len(child.submitted) != 0 || len(store.blocks) != 1 {
					t.Errorf("child submitted %d, blocks %d", len(child.submitted), len(store.blocks))
				}
				return
			}

			if len(child.submitted) != 1 {
				t.Fatalf("child submissions = %d", len(child.submitted))
			}
			block, _ := hex.DecodeString(child.submitted[0])
			gotID, err := blob.BlockID(block, coins.BlobForknote2)
			if err != nil {
				t.Fatal(err)
			}
			wantID, _ := blob.BlockID(child.blob, coins.BlobForknote2)
			if !bytes.Equal(gotID, wantID) {
				t.Errorf("child block id %x, want %x", gotID, wantID)
			}
			if len(store.blocks) != 2 {
				t.Fatalf("blocks = %+v", store.blocks)
			}
			got := store.blocks[1]
			if got.Port != trtlPort || got.Height != 2_000_000 || got.Hash != hex.EncodeToString(wantID) || got.Miner != "m1" {
				t.Errorf("child block record = %+v", got)
			}
		})
	}
}

func TestSubmitChildBlock(t *testing.T) {
	c, parent, child, _ := newMergedContext(t)
	ctx := context.Background()
	j, err := c.NextJob(xmrPort)
	if err != nil {
		t.Fatal(err)
	}

	id, err := c.SubmitChildBlock(ctx, Share{Job: j, Miner: "m1", Nonce: "02000000"})
	if err != nil {
		t.Fatal(err)
	}
	if len(parent.submitted) != 0 || len(child.submitted) != 1 {
		t.Fatalf("parent %d, child %d submissions", len(parent.submitted), len(child.submitted))
	}
	wantID, _ := blob.BlockID(child.blob, coins.BlobForknote2)
	if id != hex.EncodeToString(wantID) {
		t.Errorf("id = %s, want %x", id, wantID)
	}

	t.Run("no child", func(t *testing.T) {
		plain, _, _ := newContext(t, newFakeDaemon(), nil)
		if _, err := plain.Refresh(ctx, xmrPort); err != nil {
			t.Fatal(err)
		}
		pj, _ := plain.NextJob(xmrPort)
		if _, err := plain.SubmitChildBlock(ctx, Share{Job: pj, Nonce: "00000000"}); !errors.IsType(err, errors.ErrorTypeValidation) {
			t.Errorf("err = %v, want validation", err)
		}
	})
}

func TestMeetsDifficulty(t *testing.T) {
	// little endian 2^248: times 256 is exactly 2^256
	edge := make([]byte, 32)
	edge[31] = 0x01

	tests := []struct {
		name string
		hash []byte
		diff uint64
		want bool
	}{
		{"zero hash", make([]byte, 32), 1_000_000, true},
		{"max hash diff one", bytes.Repeat([]byte{0xff}, 32), 1, true},
		{"max hash diff two", bytes.Repeat([]byte{0xff}, 32), 2, false},
		{"overflows by one", edge, 256, false},
		{"fits", edge, 255, true},
		{"zero difficulty", make([]byte, 32), 0, false},
		{"short hash", make([]byte, 31), 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := meetsDifficulty(tt.hash, tt.diff); got != tt.want {
				t.Errorf("meetsDifficulty() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProxyJob(t *testing.T) {
	d := newFakeDaemon()
	c, _, _ := newContext(t, d, nil)
	ctx := context.Background()
	if _, err := c.Refresh(ctx, xmrPort); err != nil {
		t.Fatal(err)
	}

	j, err := c.NextProxyJob(xmrPort)
	if err != nil {
		t.Fatal(err)
	}
	if !j.Proxy || j.ExtraNonce != 1 {
		t.Fatalf("job = %+v", j)
	}
	raw, _ := hex.DecodeString(j.Blob)
	if len(raw) != len(d.blob) {
		t.Fatalf("proxy blob is %d bytes, template %d", len(raw), len(d.blob))
	}
	off := j.Template.ReservedOffset
	if raw[off+3] != 1 {
		t.Errorf("extra nonce in proxy blob = % x", raw[off:off+4])
	}

	t.Run("wrong client nonce size", func(t *testing.T) {
		_, err := c.SubmitBlock(ctx, Share{Job: j, Nonce: "01000000", ClientNonce: []byte{1, 2, 3}})
		if !errors.IsType(err, errors.ErrorTypeValidation) {
			t.Errorf("err = %v, want validation", err)
		}
		if len(d.submitted) != 0 {
			t.Errorf("submitted %d blocks", len(d.submitted))
		}
	})

	clientNonce := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if _, err := c.SubmitBlock(ctx, Share{Job: j, Nonce: "01000000", ClientNonce: clientNonce}); err != nil {
		t.Fatal(err)
	}
	if len(d.submitted) != 1 {
		t.Fatalf("submissions = %d", len(d.submitted))
	}
	block, _ := hex.DecodeString(d.submitted[0])
	loc := j.Template.ClientPoolLocation
	if !bytes.Equal(block[loc:loc+8], clientNonce) {
		t.Errorf("client nonce in block = % x", block[loc:loc+8])
	}
}
