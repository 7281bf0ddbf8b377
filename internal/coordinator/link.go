package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"heatersync/internal/device"
)

// link owns the transport handle of one coordinator. Nothing else closes or
// replaces it.
type link struct {
	dialer  device.Dialer
	address string
	timeout time.Duration
	logger  *zap.Logger

	mu        sync.Mutex
	transport device.Transport
	closed    bool
}

func newLink(dialer device.Dialer, address string, t device.Transport, timeout time.Duration, logger *zap.Logger) *link {
	return &link{
		dialer:    dialer,
		address:   address,
		timeout:   timeout,
		logger:    logger,
		transport: t,
	}
}

func (l *link) current() device.Transport {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transport
}

// reconnect tears the old transport down, ignoring close errors, and dials a
// new one within the link timeout.
func (l *link) reconnect(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return device.ErrNotConnected
	}
	old := l.transport
	l.transport = nil
	l.mu.Unlock()

	device.CloseQuietly(old, l.logger)

	if l.dialer == nil {
		return fmt.Errorf("reconnecting to %s: %w", l.address, device.ErrConnectionFailed)
	}

	dialCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	t, err := l.dialer.Dial(dialCtx, l.address)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if dialCtx.Err() != nil {
			return fmt.Errorf("reconnecting to %s: %w", l.address, device.ErrTimeout)
		}
		return fmt.Errorf("reconnecting to %s: %w", l.address, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		device.CloseQuietly(t, l.logger)
		return device.ErrNotConnected
	}
	l.transport = t
	return nil
}

// close is final; later reconnects fail with ErrNotConnected.
func (l *link) close() {
	l.mu.Lock()
	t := l.transport
	l.transport = nil
	l.closed = true
	l.mu.Unlock()

	device.CloseQuietly(t, l.logger)
}
