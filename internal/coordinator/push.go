package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"heatersync/internal/clock"
	"heatersync/internal/device"
)

// State is the phase of the push loop.
type State int

const (
	StateIdle State = iota
	StateSubscribing
	StateStreaming
	StateBackoff
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateBackoff:
		return "backoff"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "idle"
	}
}

// PushCoordinator keeps a status subscription open while at least one
// listener is registered and fans every pushed snapshot out to listeners.
//
// The loop runs in its own goroutine. The first AddListener starts it; removing
// the last listener cancels it without waiting, so a listener may remove
// itself from inside its callback. Shutdown cancels and waits.
type PushCoordinator struct {
	*core
	backoff *Backoff

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool

	stateMu sync.RWMutex
	state   State
}

// NewPush creates a push coordinator. Nothing runs until the first listener
// registers.
func NewPush(opts Options, seed Seed) *PushCoordinator {
	opts.applyDefaults()
	return &PushCoordinator{
		core:    newCore(opts, seed),
		backoff: NewBackoff(opts.BackoffFloor, opts.BackoffCeiling),
	}
}

// Strategy returns StrategyPush
func (c *PushCoordinator) Strategy() Strategy {
	return StrategyPush
}

// State returns the current loop phase
func (c *PushCoordinator) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Backoff returns the delay the next stream failure will wait
func (c *PushCoordinator) Backoff() *Backoff {
	return c.backoff
}

func (c *PushCoordinator) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// AddListener registers l, starting the loop if it is the first listener
func (c *PushCoordinator) AddListener(l Listener) func() {
	e := c.listeners.add(l)
	c.syncLoop()

	return func() {
		if c.listeners.remove(e) {
			c.syncLoop()
		}
	}
}

// syncLoop starts or cancels the loop to match the listener count.
func (c *PushCoordinator) syncLoop() {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()

	if c.closed {
		return
	}

	n := c.listeners.len()
	switch {
	case n > 0 && c.cancel == nil:
		c.startLocked()
	case n == 0 && c.cancel != nil:
		c.logger.Debug("Last listener removed, stopping status subscription")
		c.cancel()
		c.cancel = nil
	}
}

func (c *PushCoordinator) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	prev := c.done
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		c.run(ctx)
	}()
}

// run is the loop body. It returns only when ctx is cancelled.
func (c *PushCoordinator) run(ctx context.Context) {
	defer c.setState(StateIdle)

	c.backoff.Reset()
	c.metrics.setBackoff(c.id, c.backoff.Current().Seconds())
	needReconnect := c.link.current() == nil

	for {
		if ctx.Err() != nil {
			return
		}

		if needReconnect {
			c.setState(StateReconnecting)
			err := c.link.reconnect(ctx)
			if ctx.Err() != nil {
				return
			}
			c.metrics.observeReconnect(c.id, err)
			if err != nil {
				c.logger.Warn("Reconnect failed",
					zap.Error(err),
					zap.Duration("retry_in", c.backoff.Current()))
				if !c.sleep(ctx) {
					return
				}
				continue
			}
			c.logger.Info("Reconnected to device")
			needReconnect = false
		}

		c.setState(StateSubscribing)
		err := c.stream(ctx)
		if ctx.Err() != nil {
			return
		}

		c.metrics.observeFailure(c.id, err)
		c.logger.Warn("Status stream ended",
			zap.Error(err),
			zap.Duration("retry_in", c.backoff.Current()))
		c.markDown()

		if !c.sleep(ctx) {
			return
		}
		needReconnect = true
	}
}

// stream opens a subscription and consumes it until it fails.
func (c *PushCoordinator) stream(ctx context.Context) error {
	t := c.link.current()
	if t == nil {
		return device.ErrNotConnected
	}

	s, err := t.ObserveStatus(ctx)
	if err != nil {
		return fmt.Errorf("opening status stream: %w", err)
	}
	defer s.Close() //nolint:errcheck // subscription teardown is best effort

	c.setState(StateStreaming)
	c.logger.Debug("Status stream open")

	for {
		status, err := s.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("reading status stream: %w", err)
		}

		c.backoff.Reset()
		c.metrics.setBackoff(c.id, c.backoff.Current().Seconds())
		c.store(ctx, status)
		c.listeners.notify()
	}
}

// sleep waits out the current backoff and doubles it. It returns false if
// ctx was cancelled.
func (c *PushCoordinator) sleep(ctx context.Context) bool {
	c.setState(StateBackoff)
	d := c.backoff.Next()
	c.metrics.setBackoff(c.id, c.backoff.Current().Seconds())
	return clock.Sleep(ctx, c.clock, d) == nil
}

// Shutdown cancels the loop, waits for it to exit and closes the transport.
// It must not be called from inside a listener callback.
func (c *PushCoordinator) Shutdown(ctx context.Context) error {
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
			return fmt.Errorf("waiting for status loop: %w", ctx.Err())
		}
	}

	c.link.close()
	c.logger.Debug("Push coordinator stopped")
	return nil
}
