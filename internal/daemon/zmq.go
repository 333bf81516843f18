package daemon

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/coinpool/pkg/log"
)

// hashblockTopic is the bitcoind notification published for every new tip.
const hashblockTopic = "hashblock"

// BlockWatcher subscribes to a daemon's ZMQ hashblock feed and calls OnBlock
// for every new tip, so templates are refreshed without waiting for the poll timer.
type BlockWatcher struct {
	port     int
	endpoint string
	socket   *zmq.Socket
	onBlock  func(port int, blockHash string)
	logger   *log.Logger
}

// NewBlockWatcher creates and connects a SUB socket for the daemon on port.
func NewBlockWatcher(port int, endpoint string, onBlock func(port int, blockHash string), logger *log.Logger) (*BlockWatcher, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}
	if err := socket.SetSubscribe(hashblockTopic); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", hashblockTopic, err)
	}
	// bounded receive so Run notices cancellation
	if err := socket.SetRcvtimeo(500 * time.Millisecond); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to set ZMQ receive timeout: %w", err)
	}
	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", endpoint, err)
	}

	w := &BlockWatcher{
		port:     port,
		endpoint: endpoint,
		socket:   socket,
		onBlock:  onBlock,
		logger:   log.OrNop(logger).WithComponent("zmq").WithFields("port", port, "endpoint", endpoint),
	}
	w.logger.Info("connected to ZMQ endpoint")
	return w, nil
}

// Run receives notifications until ctx is cancelled.
func (w *BlockWatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("ZMQ watcher stopping")
			return ctx.Err()
		default:
		}

		msg, err := w.socket.RecvMessageBytes(0)
		if err != nil {
			if err.Error() == "resource temporarily unavailable" {
				// receive timeout, nothing published
				continue
			}
			w.logger.Error("failed to receive ZMQ message", "error", err)
			continue
		}

		hash, err := parseHashblock(msg)
		if err != nil {
			w.logger.Warn("ignoring ZMQ message", "error", err)
			continue
		}
		w.logger.Debug("new block notification", "hash", hash)
		if w.onBlock != nil {
			w.onBlock(w.port, hash)
		}
	}
}

// Close closes the socket.
func (w *BlockWatcher) Close() error {
	if w.socket != nil {
		return w.socket.Close()
	}
	return nil
}

// parseHashblock decodes a [topic, hash, seq] multipart message. Hashes are
// published in internal byte order and returned in display order.
func parseHashblock(parts [][]byte) (string, error) {
	if len(parts) < 2 {
		return "", fmt.Errorf("malformed message with %d parts", len(parts))
	}
	if string(parts[0]) != hashblockTopic {
		return "", fmt.Errorf("unexpected topic %q", parts[0])
	}
	data := parts[1]
	if len(data) != 32 {
		return "", fmt.Errorf("invalid block hash length: %d", len(data))
	}
	reversed := make([]byte, len(data))
	for i := range data {
		reversed[i] = data[len(data)-1-i]
	}
	return hex.EncodeToString(reversed), nil
}
