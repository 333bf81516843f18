// Package coins holds the coin registry: the static table that maps each daemon
// port to its coin symbol, binary blob format and proof-of-work algorithm tag.
// A Registry is read-only once built and safe for concurrent use without locking.
package coins

import (
	"fmt"
	"os"
	"sort"

	"github.com/pelletier/go-toml"
)

// PrimarySymbol is the symbol of the pool's reference coin.
const PrimarySymbol = ""

// CoinPort describes one coin daemon the pool talks to.
type CoinPort struct {
	Port      int        `toml:"port"`
	Symbol    string     `toml:"symbol"`
	Format    BlobFormat `toml:"format"`
	Algorithm string     `toml:"algo"`

	// WalletPort is the companion wallet RPC used to double check block rewards. 0 means none.
	WalletPort int `toml:"wallet_port"`
	// TimestampDivisor converts daemon timestamps to seconds (1000 for millisecond daemons).
	TimestampDivisor int64 `toml:"timestamp_divisor"`
	// DifficultyMultiplier corrects daemons that report a scaled-down difficulty.
	DifficultyMultiplier uint64 `toml:"difficulty_multiplier"`
	// AllowZeroReward accepts headers whose reward is legitimately zero.
	AllowZeroReward bool `toml:"allow_zero_reward"`
	// BaseReward is the static block reward in atomic units, as a decimal string.
	BaseReward string `toml:"base_reward"`
}

// normalize fills quirk defaults.
func (c CoinPort) normalize() CoinPort {
	if c.TimestampDivisor <= 0 {
		c.TimestampDivisor = 1
	}
	if c.DifficultyMultiplier == 0 {
		c.DifficultyMultiplier = 1
	}
	return c
}

// Registry is the immutable coin table.
type Registry struct {
	byPort     map[int]CoinPort
	bySymbol   map[string]int
	algorithms map[string]struct{}
	ports      []int

	parentOf   map[int]int
	childrenOf map[int][]int
}

// New validates ports and builds the lookup maps. merged maps child port to parent port.
func New(ports []CoinPort, merged map[int]int) (*Registry, error) {
	r := &Registry{
		byPort:     make(map[int]CoinPort, len(ports)),
		bySymbol:   make(map[string]int, len(ports)),
		algorithms: make(map[string]struct{}),
		parentOf:   make(map[int]int, len(merged)),
		childrenOf: make(map[int][]int),
	}

	for _, p := range ports {
		if p.Port <= 0 || p.Port > 65535 {
			return nil, fmt.Errorf("coin %q: invalid port %d", p.Symbol, p.Port)
		}
		if _, dup := r.byPort[p.Port]; dup {
			return nil, fmt.Errorf("duplicate port %d", p.Port)
		}
		if other, dup := r.bySymbol[p.Symbol]; dup {
			return nil, fmt.Errorf("symbol %q used by ports %d and %d", p.Symbol, other, p.Port)
		}
		if !p.Format.Known() {
			return nil, fmt.Errorf("port %d: unknown blob format %d", p.Port, p.Format)
		}
		if p.Algorithm == "" {
			return nil, fmt.Errorf("port %d: missing algorithm", p.Port)
		}
		r.byPort[p.Port] = p.normalize()
		r.bySymbol[p.Symbol] = p.Port
		r.algorithms[p.Algorithm] = struct{}{}
		r.ports = append(r.ports, p.Port)
	}
	sort.Ints(r.ports)

	for child, parent := range merged {
		cp, ok := r.byPort[child]
		if !ok {
			return nil, fmt.Errorf("merged mining child port %d is not registered", child)
		}
		pp, ok := r.byPort[parent]
		if !ok {
			return nil, fmt.Errorf("merged mining parent port %d is not registered", parent)
		}
		if child == parent {
			return nil, fmt.Errorf("port %d cannot merge mine itself", child)
		}
		if cp.Format.Family() != FamilyForknote2 {
			return nil, fmt.Errorf("merged mining child %d must use the forknote2 format", child)
		}
		if !pp.Format.IsCryptonoteLayout() {
			return nil, fmt.Errorf("merged mining parent %d must use a cryptonote format", parent)
		}
		r.parentOf[child] = parent
		r.childrenOf[parent] = append(r.childrenOf[parent], child)
	}
	for _, children := range r.childrenOf {
		sort.Ints(children)
	}

	return r, nil
}

// fileTable is the TOML layout of a coins file.
type fileTable struct {
	Coins  []CoinPort `toml:"coin"`
	Merged []struct {
		Child  int `toml:"child"`
		Parent int `toml:"parent"`
	} `toml:"merged"`
}

// Parse builds a registry from TOML.
//
//	[[coin]]
//	port = 18081
//	symbol = ""
//	format = 0
//	algo = "rx/0"
//
//	[[merged]]
//	child = 11898
//	parent = 18081
func Parse(data []byte) (*Registry, error) {
	var ft fileTable
	if err := toml.Unmarshal(data, &ft); err != nil {
		return nil, fmt.Errorf("parse coins table: %w", err)
	}
	merged := make(map[int]int, len(ft.Merged))
	for _, m := range ft.Merged {
		merged[m.Child] = m.Parent
	}
	return New(ft.Coins, merged)
}

// LoadFile reads a TOML coins table from path.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read coins table: %w", err)
	}
	return Parse(data)
}

// Lookup returns the full entry for port.
func (r *Registry) Lookup(port int) (CoinPort, bool) {
	c, ok := r.byPort[port]
	return c, ok
}

// PortToCoin returns the symbol served on port.
func (r *Registry) PortToCoin(port int) (string, bool) {
	c, ok := r.byPort[port]
	return c.Symbol, ok
}

// CoinToPort returns the port serving symbol.
func (r *Registry) CoinToPort(symbol string) (int, bool) {
	p, ok := r.bySymbol[symbol]
	return p, ok
}

// PortToFormat returns the blob format used on port.
func (r *Registry) PortToFormat(port int) (BlobFormat, bool) {
	c, ok := r.byPort[port]
	return c.Format, ok
}

// PortToAlgorithm returns the proof-of-work algorithm tag used on port.
func (r *Registry) PortToAlgorithm(port int) (string, bool) {
	c, ok := r.byPort[port]
	return c.Algorithm, ok
}

// PortsOf returns every registered port in ascending order.
func (r *Registry) PortsOf() []int {
	return append([]int(nil), r.ports...)
}

// CoinsOf returns every secondary coin symbol, excluding the primary coin.
func (r *Registry) CoinsOf() []string {
	out := make([]string, 0, len(r.bySymbol))
	for _, p := range r.ports {
		if s := r.byPort[p].Symbol; s != PrimarySymbol {
			out = append(out, s)
		}
	}
	return out
}

// Algorithms returns the sorted set of algorithm tags.
func (r *Registry) Algorithms() []string {
	out := make([]string, 0, len(r.algorithms))
	for a := range r.algorithms {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// IsAlgorithm reports whether algo is served by some port.
func (r *Registry) IsAlgorithm(algo string) bool {
	_, ok := r.algorithms[algo]
	return ok
}

// ParentOf returns the merged mining parent of child.
func (r *Registry) ParentOf(child int) (int, bool) {
	p, ok := r.parentOf[child]
	return p, ok
}

// ChildrenOf returns the merged mining children of parent in ascending order.
func (r *Registry) ChildrenOf(parent int) []int {
	return append([]int(nil), r.childrenOf[parent]...)
}

// IsMergedMiningParent reports whether port has at least one merged mining child.
func (r *Registry) IsMergedMiningParent(port int) bool {
	return len(r.childrenOf[port]) > 0
}
