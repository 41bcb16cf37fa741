package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/fleetbeat/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
)

// pointSink is the part of the InfluxDB write API the client drives.
type pointSink interface {
	WritePoint(point *write.Point)
	Flush()
}

// Stats counts telemetry traffic since Connect.
type Stats struct {
	Connected   bool   `json:"connected"`
	Bucket      string `json:"bucket"`
	Points      uint64 `json:"points"`
	Dropped     uint64 `json:"dropped"`
	WriteErrors uint64 `json:"write_errors"`
}

// Client writes device heartbeat and status points to one InfluxDB bucket.
//
// Writes never block the caller: points are batched by the underlying
// write API and failures arrive on the SetOnError callback. Points handed
// to a closed or never-connected client are counted as dropped.
//
// All methods are safe for concurrent use.
type Client struct {
	client influxdb2.Client
	sink   pointSink
	bucket string

	connected atomic.Bool
	points    atomic.Uint64
	dropped   atomic.Uint64
	failures  atomic.Uint64

	mu      sync.RWMutex
	onError func(err error)
}

// clientOptions maps the config onto InfluxDB client options, filling in
// defaults for a missing batch size or flush interval.
func clientOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batch := uint(defaultBatchSize)
	if cfg.BatchSize > 0 {
		batch = uint(cfg.BatchSize)
	}
	flush := defaultFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}
	return influxdb2.DefaultOptions().
		SetBatchSize(batch).
		SetFlushInterval(uint(flush.Milliseconds())).
		SetApplicationName("fleetbeat")
}

// Connect pings the server and opens a batching write API on the
// configured org and bucket.
//
// Parameters:
//   - cfg: InfluxDB section of the fleetbeat config
//
// Returns:
//   - *Client: Connected client ready for use
//   - error: ErrDisabled when cfg.Enabled is false, ErrConnectionFailed
//     when the server is unreachable or unhealthy
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, clientOptions(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping %s: %w", ErrConnectionFailed, cfg.URL, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: %s not healthy", ErrConnectionFailed, cfg.URL)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	c := newClient(client, writeAPI, cfg.Bucket)
	go c.drainErrors(writeAPI.Errors())

	return c, nil
}

func newClient(client influxdb2.Client, sink pointSink, bucket string) *Client {
	c := &Client{client: client, sink: sink, bucket: bucket}
	c.connected.Store(sink != nil)
	return c
}

// drainErrors counts async write failures and hands them to the callback.
// It returns when the write API closes the channel.
func (c *Client) drainErrors(errs <-chan error) {
	for err := range errs {
		c.failures.Add(1)

		c.mu.RLock()
		callback := c.onError
		c.mu.RUnlock()

		if callback != nil {
			callback(err)
		}
	}
}

// SetOnError sets the callback for async write failures.
func (c *Client) SetOnError(callback func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = callback
}

// writePoint queues one point, or counts it as dropped when the client
// is not connected.
func (c *Client) writePoint(measurement string, tags map[string]string, fields map[string]interface{}, ts time.Time) {
	if !c.connected.Load() {
		c.dropped.Add(1)
		return
	}
	c.sink.WritePoint(write.NewPoint(measurement, tags, fields, ts))
	c.points.Add(1)
}

// Stats returns a snapshot of the write counters.
func (c *Client) Stats() Stats {
	return Stats{
		Connected:   c.connected.Load(),
		Bucket:      c.bucket,
		Points:      c.points.Load(),
		Dropped:     c.dropped.Load(),
		WriteErrors: c.failures.Load(),
	}
}

// IsConnected reports whether the client accepts writes. It reflects the
// last known state; HealthCheck pings the server.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// HealthCheck pings the server.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: ErrNotConnected after Close, otherwise the ping failure
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.connected.Load() || c.client == nil {
		return ErrNotConnected
	}

	checkCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	healthy, err := c.client.Ping(checkCtx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnhealthy, err)
	}
	if !healthy {
		return ErrUnhealthy
	}
	return nil
}

// Close flushes queued points and closes the connection. Later writes are
// counted as dropped. Close is idempotent.
func (c *Client) Close() error {
	if !c.connected.Swap(false) {
		return nil
	}
	c.sink.Flush()
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
