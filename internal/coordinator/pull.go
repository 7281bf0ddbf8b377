package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"heatersync/internal/device"
)

// PullCoordinator fetches the device status on a fixed interval. The timer
// runs from Start until Shutdown regardless of how many listeners exist.
type PullCoordinator struct {
	*core
	interval     time.Duration
	fetchTimeout time.Duration

	// refreshMu serialises refreshes so the failure counter and reconnects
	// see one fetch at a time.
	refreshMu sync.Mutex
	failures  int

	kick chan struct{}

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// NewPull creates a pull coordinator. Call Start to begin polling.
func NewPull(opts Options, seed Seed) *PullCoordinator {
	opts.applyDefaults()
	return &PullCoordinator{
		core:         newCore(opts, seed),
		interval:     opts.PollInterval,
		fetchTimeout: opts.FetchTimeout,
		kick:         make(chan struct{}, 1),
	}
}

// Strategy returns StrategyPull
func (c *PullCoordinator) Strategy() Strategy {
	return StrategyPull
}

// Interval returns the polling interval
func (c *PullCoordinator) Interval() time.Duration {
	return c.interval
}

// Failures returns the consecutive-failure counter. It waits for an in-flight
// refresh, so listeners must not call it.
func (c *PullCoordinator) Failures() int {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	return c.failures
}

// AddListener registers l. It does not affect the timer.
func (c *PullCoordinator) AddListener(l Listener) func() {
	e := c.listeners.add(l)
	return func() {
		c.listeners.remove(e)
	}
}

// Start begins polling. With a transport the first fetch happens one interval
// from now, the session bootstrap having already fetched once. Without one the
// loop dials and fetches immediately. Calling Start twice is a no-op.
func (c *PullCoordinator) Start() {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()

	if c.closed || c.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done

	go func() {
		defer close(done)
		c.run(ctx)
	}()
}

func (c *PullCoordinator) run(ctx context.Context) {
	c.logger.Debug("Polling started", zap.Duration("interval", c.interval))

	if c.link.current() == nil {
		if _, err := c.Refresh(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Warn("Initial status refresh failed", zap.Error(err))
		}
	}

	for {
		fired := make(chan struct{})
		timer := c.clock.AfterFunc(c.interval, func() { close(fired) })

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-c.kick:
			timer.Stop()
		case <-fired:
		}

		if _, err := c.Refresh(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Warn("Status refresh failed", zap.Error(err))
		}
	}
}

// RequestRefresh asks the loop for an immediate out-of-band refresh. Requests
// made while one is already pending are merged.
func (c *PullCoordinator) RequestRefresh() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Refresh fetches the status once, dialing first if there is no transport.
// On success the snapshot is stored, persisted and broadcast. On failure it
// returns *UpdateFailedError and, once ReconnectThreshold consecutive failures
// have accumulated, rebuilds the transport. Cancellation of ctx is returned
// as is.
func (c *PullCoordinator) Refresh(ctx context.Context) (device.Status, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	dialed := c.link.current() == nil
	var status device.Status
	var err error
	if dialed {
		err = c.reconnect(ctx)
	}
	if err == nil {
		status, err = c.fetch(ctx)
	}
	if err == nil {
		c.failures = 0
		c.store(ctx, status)
		c.listeners.notify()
		return status, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	c.failures++
	c.metrics.observeFailure(c.id, err)
	failed := &UpdateFailedError{Reason: refreshReason(err), Err: err}

	if c.markDown() {
		c.listeners.notify()
	}

	// A round that already dialed does not dial twice.
	if !dialed && c.failures >= ReconnectThreshold {
		c.logger.Info("Reconnecting after consecutive failures", zap.Int("failures", c.failures))
		if err := c.reconnect(ctx); err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, failed
}

// reconnect replaces the transport. A success clears the failure counter.
// Call with refreshMu held.
func (c *PullCoordinator) reconnect(ctx context.Context) error {
	err := c.link.reconnect(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.metrics.observeReconnect(c.id, err)
	if err != nil {
		c.logger.Warn("Reconnect failed", zap.Error(err))
		return err
	}
	c.failures = 0
	return nil
}

func (c *PullCoordinator) fetch(ctx context.Context) (device.Status, error) {
	t := c.link.current()
	if t == nil {
		return nil, device.ErrNotConnected
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	status, _, err := t.FetchStatus(fetchCtx)
	if err != nil {
		if ctx.Err() == nil && fetchCtx.Err() != nil {
			return nil, device.ErrTimeout
		}
		return nil, err
	}
	return status, nil
}

func refreshReason(err error) string {
	switch {
	case device.IsTimeout(err):
		return "timeout fetching status"
	case errors.Is(err, device.ErrNotConnected):
		return "no connection to device"
	case errors.Is(err, device.ErrConnectionFailed):
		return fmt.Sprintf("cannot connect to device: %v", err)
	default:
		return fmt.Sprintf("error fetching status: %v", err)
	}
}

// WriteControls sends controls and schedules an immediate refresh so
// listeners see the result without waiting a full interval.
func (c *PullCoordinator) WriteControls(ctx context.Context, controls map[string]any) error {
	if err := c.core.WriteControls(ctx, controls); err != nil {
		return err
	}
	c.RequestRefresh()
	return nil
}

// Shutdown stops the timer, waits for an in-flight refresh and closes the
// transport.
func (c *PullCoordinator) Shutdown(ctx context.Context) error {
	c.loopMu.Lock()
	c.closed = true
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	done := c.done
	c.loopMu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for poll loop: %w", ctx.Err())
		}
	}

	c.link.close()
	c.logger.Debug("Pull coordinator stopped")
	return nil
}
