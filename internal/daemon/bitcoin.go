package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/rpcclient"

	"github.com/bardlex/coinpool/pkg/circuit"
	"github.com/bardlex/coinpool/pkg/errors"
	"github.com/bardlex/coinpool/pkg/log"
)

// BitcoinClient reaches bitcoind-derived daemons (Raven, Raptoreum) through btcd's
// rpcclient in HTTP POST mode. One rpcclient is kept per port.
type BitcoinClient struct {
	cfg      Config
	mu       sync.Mutex
	clients  map[int]*rpcclient.Client
	breakers *circuit.Set[int]
	logger   *log.Logger
}

// NewBitcoinClient creates a bitcoind dialect client. Credentials come from cfg.
func NewBitcoinClient(cfg Config, logger *log.Logger) *BitcoinClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	return &BitcoinClient{
		cfg:      cfg,
		clients:  make(map[int]*rpcclient.Client),
		breakers: circuit.NewSet[int](circuit.DaemonConfig()),
		logger:   log.OrNop(logger).WithComponent("bitcoin_rpc"),
	}
}

func (b *BitcoinClient) hostFor(port int) string {
	if base, ok := b.cfg.Endpoints[port]; ok {
		// rpcclient wants host:port without a scheme
		for _, prefix := range []string{"http://", "https://"} {
			if len(base) > len(prefix) && base[:len(prefix)] == prefix {
				return base[len(prefix):]
			}
		}
		return base
	}
	return fmt.Sprintf("%s:%d", b.cfg.Host, port)
}

// CheckCredentials reports missing RPC credentials. Without them rpcclient
// falls back to a cookie file and every call fails.
func (cfg Config) CheckCredentials() error {
	if cfg.User == "" || cfg.Password == "" {
		return errors.New(errors.ErrorTypeValidation, "bitcoin_rpc_config",
			"bitcoin dialect daemons need an RPC user and password")
	}
	return nil
}

func (b *BitcoinClient) client(port int) (*rpcclient.Client, error) {
	if err := b.cfg.CheckCredentials(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.clients[port]; ok {
		return c, nil
	}

	connCfg := &rpcclient.ConnConfig{
		Host:         b.hostFor(port),
		User:         b.cfg.User,
		Pass:         b.cfg.Password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}
	c, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "rpc_client_creation",
			"failed to create bitcoin dialect client").
			WithContext("port", port)
	}
	b.clients[port] = c
	return c, nil
}

// RawRequest issues method with params and returns the raw result. RPC errors
// reported by the daemon become protocol errors; everything else is a transport fault.
// Each call is bounded by Config.Timeout. rpcclient cannot cancel a POST in flight,
// so a stalled call is abandoned and its reply dropped.
func (b *BitcoinClient) RawRequest(ctx context.Context, port int, method string, params ...any) (json.RawMessage, error) {
	c, err := b.client(port)
	if err != nil {
		return nil, err
	}

	raw := make([]json.RawMessage, len(params))
	for i, p := range params {
		enc, err := fastJSON.Marshal(p)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, method, "failed to encode param")
		}
		raw[i] = enc
	}

	return circuit.ExecuteWithResult(ctx, b.breakers.Get(port), func() (json.RawMessage, error) {
		callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()

		type result struct {
			msg json.RawMessage
			err error
		}
		done := make(chan result, 1)
		go func() {
			msg, err := c.RawRequest(method, raw)
			done <- result{msg, err}
		}()

		select {
		case <-callCtx.Done():
			if ctx.Err() != nil {
				return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, method, "bitcoin dialect call abandoned").
					AsRetryable(false).
					WithContext("port", port)
			}
			return nil, errors.Newf(errors.ErrorTypeTimeout, method, "no reply within %s", b.cfg.Timeout).
				WithContext("port", port)
		case r := <-done:
			if r.err == nil {
				return r.msg, nil
			}
			var rpcErr *btcjson.RPCError
			if errors.As(r.err, &rpcErr) {
				return nil, errors.Wrap(r.err, errors.ErrorTypeProtocol, method, "daemon returned an error").
					WithContext("port", port).
					WithContext("code", int(rpcErr.Code))
			}
			return nil, errors.Wrap(r.err, errors.ErrorTypeTransport, method, "bitcoin dialect call failed").
				WithContext("port", port)
		}
	})
}

// BreakerStats exposes per-port circuit breaker state for health reporting.
func (b *BitcoinClient) BreakerStats() map[int]circuit.Stats {
	return b.breakers.Stats()
}

// Close shuts down every per-port client.
func (b *BitcoinClient) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for port, c := range b.clients {
		c.Shutdown()
		delete(b.clients, port)
	}
}
