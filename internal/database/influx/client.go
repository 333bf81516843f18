// Package influx writes pool time-series metrics to InfluxDB: verifier
// queue depth, template heights and difficulties, and found blocks.
package influx

import (
	"context"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/coinpool/pkg/errors"
)

// PointWriter is the subset of the influx non-blocking write API in use.
type PointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client influxdb2.Client
	writer PointWriter
	now    func() time.Time
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client and checks the server is healthy.
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := health(ctx, client); err != nil {
		client.Close()
		return nil, err
	}

	return &Client{
		client: client,
		writer: client.WriteAPI(cfg.Org, cfg.Bucket),
		now:    time.Now,
	}, nil
}

// NewWithWriter builds a client over an existing writer.
func NewWithWriter(w PointWriter) *Client {
	return &Client{writer: w, now: time.Now}
}

func health(ctx context.Context, client influxdb2.Client) error {
	h, err := client.Health(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "influx.health", "failed to check InfluxDB health")
	}
	if h.Status != "pass" {
		msg := ""
		if h.Message != nil {
			msg = *h.Message
		}
		return errors.Newf(errors.ErrorTypeDatabase, "influx.health", "InfluxDB health check failed: %s", msg)
	}
	return nil
}

// Close flushes pending points and closes the connection
func (c *Client) Close() {
	c.writer.Flush()
	if c.client != nil {
		c.client.Close()
	}
}

// Flush forces pending writes out.
func (c *Client) Flush() {
	c.writer.Flush()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return health(ctx, c.client)
}

// RecordVerifier writes one verifier's queue state.
func (c *Client) RecordVerifier(addr string, queued, inFlight, consecutiveErrors int) {
	tags := map[string]string{
		"verifier": addr,
	}
	fields := map[string]interface{}{
		"queued":             queued,
		"in_flight":          inFlight,
		"consecutive_errors": consecutiveErrors,
	}
	c.writer.WritePoint(write.NewPoint("verifier_queue", tags, fields, c.now()))
}

// RecordTemplate writes the height and difficulty of a fresh template.
func (c *Client) RecordTemplate(port int, symbol string, height, difficulty uint64) {
	tags := map[string]string{
		"port": strconv.Itoa(port),
		"coin": symbolOrPrimary(symbol),
	}
	fields := map[string]interface{}{
		"height":     height,
		"difficulty": difficulty,
	}
	c.writer.WritePoint(write.NewPoint("templates", tags, fields, c.now()))
}

// RecordBlockFound writes a block accepted by a daemon.
func (c *Client) RecordBlockFound(port int, symbol, hash string, height uint64) {
	tags := map[string]string{
		"port": strconv.Itoa(port),
		"coin": symbolOrPrimary(symbol),
	}
	fields := map[string]interface{}{
		"height": height,
		"hash":   hash,
		"count":  1,
	}
	c.writer.WritePoint(write.NewPoint("blocks", tags, fields, c.now()))
}

func symbolOrPrimary(s string) string {
	if s == "" {
		return "primary"
	}
	return s
}
