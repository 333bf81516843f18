package verify

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"time"

	"github.com/bytedance/sonic"

	"github.com/bardlex/coinpool/pkg/errors"
)

var fastJSON = sonic.ConfigStd

// maxReplySize caps a verifier reply line.
const maxReplySize = 64 << 10

type wireRequest struct {
	Algo     string `json:"algo"`
	Blob     string `json:"blob"`
	SeedHash string `json:"seed_hash,omitempty"`
	Height   uint64 `json:"height,omitempty"`
}

type wireReply struct {
	Result json.RawMessage `json:"result"`
}

// Dialer opens verifier connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

func encodeRequest(job Job) ([]byte, error) {
	req := wireRequest{Algo: job.Algo, Blob: hex.EncodeToString(job.Blob)}
	if job.SeedHash != "" {
		req.SeedHash = job.SeedHash
	} else {
		req.Height = job.Height
	}
	line, err := fastJSON.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "verify.encode", "failed to encode request")
	}
	return append(line, '\n'), nil
}

// exchange sends one request line and reads one reply before the verifier
// closes the connection. The connection is closed when ctx ends, which
// unblocks any pending read or write.
func exchange(ctx context.Context, dialer Dialer, addr string, job Job) (json.RawMessage, error) {
	line, err := encodeRequest(job)
	if err != nil {
		return nil, err
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, transportErr(ctx, err, "failed to connect to verifier", addr)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
	}()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(line); err != nil {
		return nil, transportErr(ctx, err, "failed to send request", addr)
	}

	reply, err := bufio.NewReader(io.LimitReader(conn, maxReplySize)).ReadBytes('\n')
	if err != nil && (err != io.EOF || len(reply) == 0) {
		return nil, transportErr(ctx, err, "failed to read reply", addr)
	}

	var out wireReply
	if err := fastJSON.Unmarshal(reply, &out); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "verify.exchange", "reply is not JSON").
			WithContext("verifier", addr).
			WithBody(reply)
	}
	if len(out.Result) == 0 {
		return nil, errors.Wrap(ErrNoResult, errors.ErrorTypeProtocol, "verify.exchange", "reply has no result").
			WithContext("verifier", addr).
			WithBody(reply)
	}
	return out.Result, nil
}

func transportErr(ctx context.Context, err error, msg, addr string) error {
	if ctx.Err() == context.DeadlineExceeded || isTimeout(err) {
		return errors.Wrap(ErrTimeout, errors.ErrorTypeTimeout, "verify.exchange", msg).
			WithContext("verifier", addr).
			WithContext("cause", err.Error())
	}
	return errors.Wrap(err, errors.ErrorTypeTransport, "verify.exchange", msg).
		WithContext("verifier", addr)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// defaultDialer bounds connection setup independently of the job deadline.
func defaultDialer() Dialer {
	return &net.Dialer{Timeout: 10 * time.Second, KeepAlive: -1}
}
