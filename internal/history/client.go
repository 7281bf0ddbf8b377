// Package history records every live status update as an InfluxDB point so
// heater behaviour can be charted over time.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"go.uber.org/zap"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultBatchSize      = 100
	defaultFlushInterval  = 10 // seconds

	millisecondsPerSecond = 1000
)

// ErrConnectionFailed is returned when InfluxDB is unreachable or unhealthy.
var ErrConnectionFailed = errors.New("history: influxdb connection failed")

// Options select the InfluxDB server and bucket
type Options struct {
	URL           string
	Token         string
	Org           string
	Bucket        string
	FlushInterval int // seconds
}

// Client owns the InfluxDB connection and its asynchronous write API
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   *zap.Logger
}

// Connect pings the server and opens a batching write API. Write errors are
// logged; they never reach the synchronization path.
func Connect(ctx context.Context, opts Options, logger *zap.Logger) (*Client, error) {
	flushInterval := opts.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	client := influxdb2.NewClientWithOptions(
		opts.URL,
		opts.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(defaultBatchSize).
			SetFlushInterval(uint(flushInterval)*millisecondsPerSecond),
	)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(opts.Org, opts.Bucket),
		logger:   logger,
	}
	go c.handleWriteErrors(c.writeAPI.Errors())

	return c, nil
}

func (c *Client) handleWriteErrors(errorsCh <-chan error) {
	for err := range errorsCh {
		c.logger.Warn("InfluxDB write failed", zap.Error(err))
	}
}

// Writer returns the write API for a Recorder
func (c *Client) Writer() PointWriter {
	return c.writeAPI
}

// Close flushes pending points and closes the connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}
