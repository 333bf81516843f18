// Package pool owns the long-lived state of one pool process: the coin
// registry, the network table, the current template per port, the verifier
// dispatcher and the process instance id. Components receive it explicitly;
// there is no package-level state.
package pool

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bardlex/coinpool/internal/alert"
	"github.com/bardlex/coinpool/internal/chain"
	"github.com/bardlex/coinpool/internal/coins"
	"github.com/bardlex/coinpool/internal/daemon"
	"github.com/bardlex/coinpool/internal/database"
	"github.com/bardlex/coinpool/internal/database/postgres"
	"github.com/bardlex/coinpool/internal/template"
	"github.com/bardlex/coinpool/internal/verify"
	"github.com/bardlex/coinpool/pkg/circuit"
	"github.com/bardlex/coinpool/pkg/errors"
	"github.com/bardlex/coinpool/pkg/log"
)

// ErrNoTemplate is returned for a port whose first template has not been
// fetched yet.
var ErrNoTemplate = errors.Sentinel("no template for port")

// EventPublisher publishes block found events. *messaging.KafkaClient
// satisfies it.
type EventPublisher interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

// Store receives template and block records. *database.Manager satisfies it.
type Store interface {
	RecordTemplate(ctx context.Context, t database.TemplateRecord, ttl time.Duration)
	RecordBlock(ctx context.Context, block *postgres.Block) error
}

// BreakerReporter exposes per-port daemon circuit breakers. Both daemon
// clients satisfy it.
type BreakerReporter interface {
	BreakerStats() map[int]circuit.Stats
}

// Options configures a Context.
type Options struct {
	Registry *coins.Registry
	RPC      chain.RPC
	// Bitcoin is required when the registry has bitcoind dialect coins.
	Bitcoin chain.BitcoinRPC

	PoolID int
	// PID defaults to the OS process id.
	PID     int
	PoolTag string
	Wallets map[int]string
	Cache   chain.Cache

	Verify verify.Options

	// TemplateRefresh is the polling interval. ZMQ notifications, where
	// configured, trigger a refresh in between.
	TemplateRefresh time.Duration
	ZMQEndpoints    map[int]string

	// Breakers are checked after every refresh round; a daemon whose breaker
	// opens raises one alert until it recovers.
	Breakers []BreakerReporter

	Alerts alert.Sender
	Events EventPublisher
	Store  Store
	Logger *log.Logger
}

// Context is the explicit pool context.
type Context struct {
	registry   *coins.Registry
	networks   *chain.Table
	dispatcher *verify.Dispatcher
	instanceID uint32

	opts   Options
	alerts alert.Sender
	logger *log.Logger

	mu        sync.RWMutex
	templates map[int]*template.BlockTemplate

	down     map[int]bool
	refresh  chan int
	watchers []*daemon.BlockWatcher
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
}

// New builds the context. Nothing runs until Start.
func New(opts Options) (*Context, error) {
	if opts.Registry == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "pool.new", "registry is required")
	}
	if opts.RPC == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "pool.new", "daemon client is required")
	}
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}
	if opts.TemplateRefresh <= 0 {
		opts.TemplateRefresh = 10 * time.Second
	}
	logger := log.OrNop(opts.Logger).WithComponent("pool")
	alerts := alert.OrNop(opts.Alerts)

	networks, err := chain.New(opts.Registry, opts.RPC, opts.Bitcoin, chain.Options{
		Wallets: opts.Wallets,
		PoolTag: opts.PoolTag,
		Cache:   opts.Cache,
		Logger:  opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	vo := opts.Verify
	if vo.Known == nil {
		vo.Known = opts.Registry.IsAlgorithm
	}
	if vo.Alerts == nil {
		vo.Alerts = alerts
	}
	if vo.Logger == nil {
		vo.Logger = opts.Logger
	}

	return &Context{
		registry:   opts.Registry,
		networks:   networks,
		dispatcher: verify.New(vo),
		instanceID: template.InstanceID(opts.PoolID, opts.PID),
		opts:       opts,
		alerts:     alerts,
		logger:     logger,
		templates:  make(map[int]*template.BlockTemplate),
		down:       make(map[int]bool),
		refresh:    make(chan int, 64),
	}, nil
}

// Registry returns the coin registry.
func (c *Context) Registry() *coins.Registry { return c.registry }

// Dispatcher returns the verifier dispatcher.
func (c *Context) Dispatcher() *verify.Dispatcher { return c.dispatcher }

// InstanceID returns the id stamped into every template of this process.
func (c *Context) InstanceID() uint32 { return c.instanceID }

// Network returns the network bound to port.
func (c *Context) Network(port int) (chain.Network, error) {
	return c.networks.Network(port)
}

// Start fetches a first template for every port, then keeps them fresh in
// the background. Ports whose daemon is down are logged and retried on the
// next tick.
func (c *Context) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	c.dispatcher.Start(ctx)

	for port, endpoint := range c.opts.ZMQEndpoints {
		if _, err := c.networks.Network(port); err != nil {
			c.logger.Warn("ignoring ZMQ endpoint for unknown port", "port", port)
			continue
		}
		w, err := daemon.NewBlockWatcher(port, endpoint, c.notify, c.opts.Logger)
		if err != nil {
			c.logger.WithError(err).Warn("ZMQ block watcher disabled", "port", port, "endpoint", endpoint)
			continue
		}
		c.watchers = append(c.watchers, w)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			_ = w.Run(ctx)
		}()
	}

	c.RefreshAll(ctx)

	c.wg.Add(1)
	go c.refreshLoop(ctx)

	c.logger.Info("pool context started",
		"ports", len(c.networks.Ports()),
		"instance_id", c.instanceID,
		"local_verification", c.dispatcher.Local(),
	)
	return nil
}

// Close stops background work and resolves pending verification jobs.
func (c *Context) Close() error {
	var errs []error
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
		for _, w := range c.watchers {
			if err := w.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		c.dispatcher.Close()
	})
	return errors.Join(errs...)
}

func (c *Context) notify(port int, hash string) {
	c.logger.Debug("block notification", "port", port, "hash", hash)
	select {
	case c.refresh <- port:
	default:
	}
}

func (c *Context) refreshLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.TemplateRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RefreshAll(ctx)
			c.checkDaemons(ctx)
		case port := <-c.refresh:
			if _, err := c.Refresh(ctx, port); err != nil {
				c.logger.WithError(err).Warn("template refresh failed", "port", port)
			}
		}
	}
}

// checkDaemons alerts once when a daemon's circuit breaker opens and logs its
// recovery. Only the refresh loop calls it.
func (c *Context) checkDaemons(ctx context.Context) {
	for _, r := range c.opts.Breakers {
		for port, st := range r.BreakerStats() {
			open := st.State == circuit.StateOpen
			switch {
			case open && !c.down[port]:
				c.down[port] = true
				c.logger.Error("daemon unavailable, circuit open",
					"port", port,
					"failures", st.Failures,
					"last_failure", st.LastFailTime,
				)
				a := alert.Newf(alert.KindDaemonUnavailable, port,
					fmt.Sprintf("Daemon on port %d unavailable", port),
					"The daemon on port %d failed %d times in a row; calls fail fast until it recovers.",
					port, st.Failures)
				if err := c.alerts.Send(ctx, a); err != nil {
					c.logger.WithError(err).Warn("failed to send alert", "kind", string(a.Kind))
				}
			case !open && c.down[port]:
				delete(c.down, port)
				c.logger.Info("daemon recovered", "port", port)
			}
		}
	}
}

// RefreshAll refreshes every port concurrently.
func (c *Context) RefreshAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, port := range c.networks.Ports() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Refresh(ctx, port); err != nil {
				c.logger.WithError(err).Warn("template refresh failed", "port", port)
			}
		}()
	}
	wg.Wait()
}

// Refresh fetches a template for port and makes it current unless the daemon
// returned the same work. It reports whether the template changed.
func (c *Context) Refresh(ctx context.Context, port int) (bool, error) {
	n, err := c.networks.Network(port)
	if err != nil {
		return false, err
	}
	start := time.Now()
	raw, err := n.Template(ctx)
	if err != nil {
		return false, err
	}
	c.logger.LogDuration("fetch_template", time.Since(start))
	t, err := template.New(raw, template.Options{
		PoolID:       c.opts.PoolID,
		PID:          c.opts.PID,
		Converter:    n,
		MergeCapable: c.registry.IsMergedMiningParent(port),
		Alerts:       c.alerts,
		Logger:       c.opts.Logger,
	})
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	prev := c.templates[port]
	changed := prev == nil || prev.IDHash != t.IDHash
	if changed {
		c.templates[port] = t
	}
	c.mu.Unlock()

	if changed && c.opts.Store != nil {
		c.opts.Store.RecordTemplate(ctx, database.TemplateRecord{
			Port:       port,
			Coin:       t.Coin,
			Height:     t.Height,
			Difficulty: t.Difficulty,
			PrevHash:   t.PrevHash,
			IDHash:     t.IDHash,
		}, 2*c.opts.TemplateRefresh)
	}
	return changed, nil
}

// Template returns the current template of port.
func (c *Context) Template(port int) (*template.BlockTemplate, error) {
	c.mu.RLock()
	t := c.templates[port]
	c.mu.RUnlock()
	if t == nil {
		return nil, errors.Wrap(ErrNoTemplate, errors.ErrorTypeInternal, "pool.template", "no template yet").
			WithContext("port", port)
	}
	return t, nil
}
