package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/coinpool/pkg/errors"
)

func TestBitcoinClientRawRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "rpc" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)

		switch req.Method {
		case "getblockhash":
			_, _ = io.WriteString(w, `{"result":"00000000abc","error":null,"id":`+string(req.ID)+`}`)
		default:
			_, _ = io.WriteString(w, `{"result":null,"error":{"code":-32601,"message":"Method not found"},"id":`+string(req.ID)+`}`)
		}
	}))
	defer srv.Close()

	c := NewBitcoinClient(Config{
		Endpoints: map[int]string{8766: srv.URL},
		User:      "rpc",
		Password:  "secret",
	}, nil)
	defer c.Close()

	msg, err := c.RawRequest(context.Background(), 8766, "getblockhash", 100)
	if err != nil {
		t.Fatalf("RawRequest() error = %v", err)
	}
	var hash string
	if err := json.Unmarshal(msg, &hash); err != nil {
		t.Fatalf("result %s: %v", msg, err)
	}
	if hash != "00000000abc" {
		t.Errorf("hash = %q", hash)
	}

	_, err = c.RawRequest(context.Background(), 8766, "nosuchmethod")
	if !errors.IsType(err, errors.ErrorTypeProtocol) {
		t.Errorf("unknown method error = %v, want protocol", err)
	}
}

func TestBitcoinClientHostFor(t *testing.T) {
	c := NewBitcoinClient(Config{Host: "10.0.0.2", Endpoints: map[int]string{9998: "http://rtm:9998"}}, nil)
	tests := []struct {
		port int
		want string
	}{
		{9998, "rtm:9998"},
		{8766, "10.0.0.2:8766"},
	}
	for _, tt := range tests {
		if got := c.hostFor(tt.port); got != tt.want {
			t.Errorf("hostFor(%d) = %q, want %q", tt.port, got, tt.want)
		}
	}
}

// stalledDaemon accepts connections and never answers.
func stalledDaemon(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return "http://" + ln.Addr().String()
}

func TestBitcoinClientTimeout(t *testing.T) {
	c := NewBitcoinClient(Config{
		Endpoints: map[int]string{8766: stalledDaemon(t)},
		User:      "rpc",
		Password:  "secret",
		Timeout:   200 * time.Millisecond,
	}, nil)
	defer c.Close()

	done := make(chan error, 1)
	go func() {
		_, err := c.RawRequest(context.Background(), 8766, "getbestblockhash")
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.IsType(err, errors.ErrorTypeTimeout) {
			t.Errorf("error = %v, want timeout", err)
		}
		if !errors.IsRetryable(err) {
			t.Errorf("timeout should be retryable: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RawRequest still blocked after 5s")
	}
}

func TestBitcoinClientCallerCancel(t *testing.T) {
	c := NewBitcoinClient(Config{
		Endpoints: map[int]string{8766: stalledDaemon(t)},
		User:      "rpc",
		Password:  "secret",
		Timeout:   time.Minute,
	}, nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.RawRequest(ctx, 8766, "getblocktemplate")
	if !errors.IsType(err, errors.ErrorTypeTimeout) {
		t.Fatalf("error = %v, want timeout", err)
	}
	if errors.IsRetryable(err) {
		t.Errorf("caller cancellation should not be retryable: %v", err)
	}
}

func TestBitcoinClientCredentials(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"both set", Config{User: "rpc", Password: "secret"}, false},
		{"no user", Config{Password: "secret"}, true},
		{"no password", Config{User: "rpc"}, true},
		{"neither", Config{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.CheckCredentials()
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckCredentials() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.IsType(err, errors.ErrorTypeValidation) {
				t.Errorf("error = %v, want validation", err)
			}
		})
	}

	c := NewBitcoinClient(Config{}, nil)
	defer c.Close()
	_, err := c.RawRequest(context.Background(), 8766, "getbestblockhash")
	if !errors.IsType(err, errors.ErrorTypeValidation) {
		t.Errorf("RawRequest without credentials = %v, want validation", err)
	}
}
