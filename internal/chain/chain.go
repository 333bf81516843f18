// Package chain normalizes the daemon dialects of every supported network
// behind one Network interface. Each registry port is bound to a variant by
// the family of its blob format; the variant owns that network's RPC shapes
// and quirks.
package chain

import (
	"context"
	"encoding/json"
	"math/big"
	"sort"

	"github.com/bytedance/sonic"

	"github.com/bardlex/coinpool/internal/blob"
	"github.com/bardlex/coinpool/internal/coins"
	"github.com/bardlex/coinpool/internal/daemon"
	"github.com/bardlex/coinpool/internal/template"
	"github.com/bardlex/coinpool/pkg/errors"
	"github.com/bardlex/coinpool/pkg/log"
	"github.com/bardlex/coinpool/pkg/retry"
)

var fastJSON = sonic.ConfigStd

// ErrNotYetDetermined reports a block whose canonical or uncle status cannot
// be decided until more blocks are mined on top of it.
var ErrNotYetDetermined = errors.Sentinel("block status not yet determined")

// Header is the normalized block header every variant returns.
type Header struct {
	Hash        string
	PrevHash    string
	Height      uint64
	Timestamp   int64 // unix seconds
	Difficulty  uint64
	Reward      *big.Int // atomic units
	MinerTxHash string
	Depth       uint64
	Orphan      bool
	Uncle       bool
}

// Submission is a solved block. Blob formats send Block; hash-only formats
// send Nonce with the work it solves.
type Submission struct {
	Block      []byte
	Nonce      string
	HeaderHash string
	MixHash    string
}

// Network is the capability set of one coin daemon.
type Network interface {
	Port() int
	Format() coins.BlobFormat

	LastHeader(ctx context.Context) (*Header, error)
	HeaderByHeight(ctx context.Context, height uint64) (*Header, error)
	// HeaderByHash looks a block up by id. live marks detection of a block
	// the pool just found, where an undecided status is not an orphan yet.
	HeaderByHash(ctx context.Context, hash string, live bool) (*Header, error)
	Template(ctx context.Context) (*template.Raw, error)
	Submit(ctx context.Context, s Submission) error

	ConvertToHashable(b []byte) ([]byte, error)
	// ShareBlob is what a verifier hashes for a block built by ConstructSubmission.
	ShareBlob(b []byte) ([]byte, error)
	ConstructSubmission(tmpl []byte, p blob.SubmitParams) ([]byte, error)
	BlockID(b []byte) ([]byte, error)
}

// RPC is the daemon transport. *daemon.Client satisfies it.
type RPC interface {
	Call(ctx context.Context, port int, path string, req daemon.Request) (*daemon.Response, error)
	CallBatch(ctx context.Context, port int, path string, reqs []daemon.Request) ([]daemon.Response, error)
	Post(ctx context.Context, port int, path string, payload any) (*daemon.Response, error)
	Get(ctx context.Context, port int, path string) (*daemon.Response, error)
}

// BitcoinRPC is the bitcoind dialect transport. *daemon.BitcoinClient satisfies it.
type BitcoinRPC interface {
	RawRequest(ctx context.Context, port int, method string, params ...any) (json.RawMessage, error)
}

// Cache stores computed values that are expensive to recompute, such as
// Ethereum block rewards.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
}

// Options configures a Table.
type Options struct {
	// Wallets maps a port to the pool address templates pay to.
	Wallets map[int]string
	// PoolTag is written into locally built coinbases.
	PoolTag string
	Cache   Cache
	Logger  *log.Logger
	// Retry applies to header and template reads. Submissions never retry.
	Retry *retry.Config
}

// Table binds every registry port to its network variant.
type Table struct {
	networks map[int]Network
	ports    []int
}

// New builds the capability table. btc may be nil when the registry has no
// bitcoind dialect coins.
func New(registry *coins.Registry, rpc RPC, btc BitcoinRPC, opts Options) (*Table, error) {
	if opts.Retry == nil {
		opts.Retry = retry.FetchConfig()
	}
	logger := log.OrNop(opts.Logger).WithComponent("chain")

	t := &Table{networks: make(map[int]Network)}
	cryptonotes := make(map[int]*cryptonoteNetwork)
	for _, port := range registry.PortsOf() {
		coin, _ := registry.Lookup(port)
		b := base{
			codec:  blob.Codec{Format: coin.Format},
			coin:   coin,
			rpc:    rpc,
			wallet: opts.Wallets[port],
			logger: logger.WithCoin(port, coin.Symbol),
			retry:  opts.Retry,
		}

		var n Network
		switch coin.Format.Family() {
		case coins.FamilyCryptonote, coins.FamilyCuckoo, coins.FamilyForknote2:
			cn := &cryptonoteNetwork{base: b, mergeParent: registry.IsMergedMiningParent(port)}
			cryptonotes[port] = cn
			n = cn
		case coins.FamilyDero:
			n = &deroNetwork{base: b}
		case coins.FamilyEthereum:
			eth, err := newEthereumNetwork(b, opts.Cache)
			if err != nil {
				return nil, err
			}
			n = eth
		case coins.FamilyErgo:
			n = &ergoNetwork{base: b}
		case coins.FamilyRaven, coins.FamilyRaptoreum:
			if btc == nil {
				return nil, errors.New(errors.ErrorTypeInternal, "chain.new", "bitcoin dialect client required").
					WithContext("port", port)
			}
			n = &bitcoinNetwork{base: b, btc: btc, poolTag: opts.PoolTag}
		default:
			return nil, errors.Newf(errors.ErrorTypeUnsupported, "chain.new", "no network variant for %s", coin.Format).
				WithContext("port", port)
		}
		t.networks[port] = n
		t.ports = append(t.ports, port)
	}

	for port, cn := range cryptonotes {
		for _, child := range registry.ChildrenOf(port) {
			if c, ok := cryptonotes[child]; ok {
				cn.children = append(cn.children, c)
			}
		}
	}
	sort.Ints(t.ports)
	return t, nil
}

// Network returns the variant bound to port.
func (t *Table) Network(port int) (Network, error) {
	n, ok := t.networks[port]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeUnsupported, "chain.network", "port %d is not supported", port).
			WithContext("port", port)
	}
	return n, nil
}

// Ports returns the bound ports in ascending order.
func (t *Table) Ports() []int {
	return append([]int(nil), t.ports...)
}

// base carries what every variant shares.
type base struct {
	codec  blob.Codec
	coin   coins.CoinPort
	rpc    RPC
	wallet string
	logger *log.Logger
	retry  *retry.Config
}

func (b *base) Port() int                { return b.coin.Port }
func (b *base) Format() coins.BlobFormat { return b.coin.Format }

func (b *base) ConvertToHashable(blob []byte) ([]byte, error) {
	return b.codec.ConvertToHashable(blob)
}

func (b *base) ShareBlob(blob []byte) ([]byte, error) {
	return b.codec.ShareBlob(blob)
}

func (b *base) ConstructSubmission(tmpl []byte, p blob.SubmitParams) ([]byte, error) {
	return b.codec.ConstructSubmission(tmpl, p)
}

func (b *base) BlockID(blob []byte) ([]byte, error) {
	return b.codec.BlockID(blob)
}

func (b *base) seconds(ts int64) int64 {
	return ts / b.coin.TimestampDivisor
}

func (b *base) difficulty(d uint64) uint64 {
	return d * b.coin.DifficultyMultiplier
}

// call performs one JSON-RPC call on path and decodes its result into v.
func (b *base) call(ctx context.Context, port int, path, method string, params, v any) error {
	resp, err := b.rpc.Call(ctx, port, path, daemon.Request{Method: method, Params: params})
	if err != nil {
		return err
	}
	if err := resp.Err(method); err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	return resp.Decode(method, v)
}

// get performs a REST GET and decodes the body into v.
func (b *base) get(ctx context.Context, path string, v any) error {
	resp, err := b.rpc.Get(ctx, b.coin.Port, path)
	if err != nil {
		return err
	}
	return resp.Decode(path, v)
}

// fetch runs a read under the retry policy and logs the upstream body of the
// final failure.
func fetch[T any](ctx context.Context, b *base, op string, fn func() (T, error)) (T, error) {
	res, err := retry.DoWithResult(ctx, b.retry, fn)
	if err != nil {
		b.logger.WithError(err).Warn("daemon fetch failed",
			"operation", op,
			"body", errors.Body(err),
		)
	}
	return res, err
}

// logged logs the upstream body of a failed call that is never retried.
func logged(b *base, op string, err error) error {
	if err != nil {
		b.logger.WithError(err).Error("daemon call failed",
			"operation", op,
			"body", errors.Body(err),
		)
	}
	return err
}

// amount converts a non-negative atomic amount.
func amount(v uint64) *big.Int {
	return new(big.Int).SetUint64(v)
}
