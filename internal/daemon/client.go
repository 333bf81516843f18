// Package daemon talks to coin daemons. Client speaks JSON-RPC and plain REST over
// HTTP, BitcoinClient speaks the bitcoind dialect through btcd's rpcclient, and
// BlockWatcher turns ZMQ hashblock notifications into refresh callbacks.
//
// Nothing in this package retries; retry policy belongs to callers that know
// whether an operation is idempotent.
package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"

	"github.com/bardlex/coinpool/pkg/circuit"
	"github.com/bardlex/coinpool/pkg/errors"
	"github.com/bardlex/coinpool/pkg/log"
)

// maxBodySize caps daemon replies. Block templates with full mempools can be large.
const maxBodySize = 64 << 20

var fastJSON = sonic.ConfigStd

// Request is one JSON-RPC call.
type Request struct {
	Method string
	Params any
}

type rpcRequest struct {
	Jsonrpc string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcEnvelope struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCError is the error object of a JSON-RPC reply.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Response is a normalized daemon reply. For REST calls Result holds the whole body.
type Response struct {
	Result json.RawMessage
	Error  *RPCError
	Raw    []byte
}

// Err converts an RPC level error into a protocol error carrying the raw body.
func (r *Response) Err(operation string) error {
	if r.Error == nil {
		return nil
	}
	return errors.Wrap(r.Error, errors.ErrorTypeProtocol, operation, "daemon returned an error").
		WithContext("code", r.Error.Code).
		WithBody(r.Raw)
}

// Decode unmarshals Result into v.
func (r *Response) Decode(operation string, v any) error {
	if len(r.Result) == 0 || string(r.Result) == "null" {
		return errors.New(errors.ErrorTypeProtocol, operation, "reply has no result").WithBody(r.Raw)
	}
	if err := fastJSON.Unmarshal(r.Result, v); err != nil {
		return errors.Wrap(err, errors.ErrorTypeProtocol, operation, "unexpected result shape").
			AsRetryable(false).
			WithBody(r.Raw)
	}
	return nil
}

// Config configures a Client.
type Config struct {
	// Host is the default daemon host; each coin listens on its registry port.
	Host string
	// Endpoints overrides the base URL for individual ports, e.g. "http://10.0.0.5:18081".
	Endpoints map[int]string
	User      string
	Password  string
	Timeout   time.Duration
}

// Client is the JSON-RPC and REST client. It is safe for concurrent use.
type Client struct {
	cfg      Config
	http     *http.Client
	breakers *circuit.Set[int]
	nextID   atomic.Uint64
	logger   *log.Logger
}

// NewClient creates a daemon client.
func NewClient(cfg Config, logger *log.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     60 * time.Second,
	}

	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout, Transport: transport},
		breakers: circuit.NewSet[int](circuit.DaemonConfig()),
		logger:   log.OrNop(logger).WithComponent("daemon"),
	}
}

// url builds the request URL for port and path.
func (c *Client) url(port int, path string) string {
	base, ok := c.cfg.Endpoints[port]
	if !ok {
		base = fmt.Sprintf("http://%s:%d", c.cfg.Host, port)
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// Call performs one JSON-RPC call against the daemon on port.
func (c *Client) Call(ctx context.Context, port int, path string, req Request) (*Response, error) {
	body, err := fastJSON.Marshal(c.envelope(req))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, req.Method, "failed to encode request")
	}

	raw, _, err := c.do(ctx, port, http.MethodPost, path, req.Method, body)
	if err != nil {
		return nil, err
	}

	var env rpcEnvelope
	if err := fastJSON.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, req.Method, "reply is not JSON").
			AsRetryable(false).
			WithContext("port", port).
			WithBody(raw)
	}
	if env.Error == nil && len(env.Result) == 0 {
		return nil, errors.New(errors.ErrorTypeProtocol, req.Method, "reply has neither result nor error").
			WithContext("port", port).
			WithBody(raw)
	}
	return &Response{Result: env.Result, Error: env.Error, Raw: raw}, nil
}

// CallBatch sends several JSON-RPC calls in one HTTP request. Responses come back
// in request order regardless of the order the daemon used.
func (c *Client) CallBatch(ctx context.Context, port int, path string, reqs []Request) ([]Response, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	envs := make([]rpcRequest, len(reqs))
	index := make(map[uint64]int, len(reqs))
	for i, r := range reqs {
		envs[i] = c.envelope(r)
		index[envs[i].ID] = i
	}
	body, err := fastJSON.Marshal(envs)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "batch", "failed to encode batch")
	}

	raw, _, err := c.do(ctx, port, http.MethodPost, path, "batch", body)
	if err != nil {
		return nil, err
	}

	var replies []rpcEnvelope
	if err := fastJSON.Unmarshal(raw, &replies); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "batch", "batch reply is not a JSON array").
			AsRetryable(false).
			WithContext("port", port).
			WithBody(raw)
	}

	out := make([]Response, len(reqs))
	seen := 0
	for _, rep := range replies {
		var id uint64
		if err := fastJSON.Unmarshal(rep.ID, &id); err != nil {
			continue
		}
		i, ok := index[id]
		if !ok {
			continue
		}
		out[i] = Response{Result: rep.Result, Error: rep.Error, Raw: raw}
		seen++
	}
	if seen != len(reqs) {
		return nil, errors.Newf(errors.ErrorTypeProtocol, "batch", "batch reply has %d of %d answers", seen, len(reqs)).
			WithContext("port", port).
			WithBody(raw)
	}
	return out, nil
}

// Post sends payload as a raw JSON body, for daemons with REST style endpoints.
func (c *Client) Post(ctx context.Context, port int, path string, payload any) (*Response, error) {
	body, err := fastJSON.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, path, "failed to encode payload")
	}
	return c.rest(ctx, port, http.MethodPost, path, body)
}

// Get performs a REST GET.
func (c *Client) Get(ctx context.Context, port int, path string) (*Response, error) {
	return c.rest(ctx, port, http.MethodGet, path, nil)
}

func (c *Client) rest(ctx context.Context, port int, method, path string, body []byte) (*Response, error) {
	raw, status, err := c.do(ctx, port, method, path, path, body)
	if err != nil {
		return nil, err
	}
	if status/100 != 2 {
		return nil, errors.Newf(errors.ErrorTypeProtocol, path, "daemon http status %d", status).
			WithContext("port", port).
			WithBody(raw)
	}
	if !json.Valid(raw) {
		return nil, errors.New(errors.ErrorTypeProtocol, path, "reply is not JSON").
			WithContext("port", port).
			WithBody(raw)
	}
	return &Response{Result: raw, Raw: raw}, nil
}

func (c *Client) envelope(req Request) rpcRequest {
	return rpcRequest{
		Jsonrpc: "2.0",
		ID:      c.nextID.Add(1),
		Method:  req.Method,
		Params:  req.Params,
	}
}

// do runs one HTTP exchange behind the port's circuit breaker. A non-2xx status
// with a body is handed back to the caller, since daemons put JSON-RPC errors in 500 replies.
func (c *Client) do(ctx context.Context, port int, method, path, operation string, body []byte) ([]byte, int, error) {
	type reply struct {
		raw    []byte
		status int
	}
	breaker := c.breakers.Get(port)
	r, err := circuit.ExecuteWithResult(ctx, breaker, func() (reply, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		httpReq, err := http.NewRequestWithContext(ctx, method, c.url(port, path), reader)
		if err != nil {
			return reply{}, errors.Wrap(err, errors.ErrorTypeInternal, operation, "failed to build request")
		}
		if body != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		if c.cfg.User != "" || c.cfg.Password != "" {
			httpReq.SetBasicAuth(c.cfg.User, c.cfg.Password)
		}

		start := time.Now()
		resp, err := c.http.Do(httpReq)
		if err != nil {
			errType := errors.ErrorTypeTransport
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				errType = errors.ErrorTypeTimeout
			}
			return reply{}, errors.Wrap(err, errType, operation, "daemon request failed").
				AsRetryable(ctx.Err() == nil).
				WithContext("port", port)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return reply{}, errors.Wrap(err, errors.ErrorTypeTransport, operation, "failed to read daemon reply").
				WithContext("port", port)
		}

		c.logger.Debug("daemon call",
			"port", port,
			"operation", operation,
			"status", resp.StatusCode,
			"bytes", len(raw),
			"elapsed_ms", time.Since(start).Milliseconds())

		if resp.StatusCode/100 != 2 && len(bytes.TrimSpace(raw)) == 0 {
			return reply{}, errors.Newf(errors.ErrorTypeTransport, operation, "daemon http status %s", resp.Status).
				WithContext("port", port)
		}
		return reply{raw: raw, status: resp.StatusCode}, nil
	})
	return r.raw, r.status, err
}

// BreakerStats exposes per-port circuit breaker state for health reporting.
func (c *Client) BreakerStats() map[int]circuit.Stats {
	return c.breakers.Stats()
}
