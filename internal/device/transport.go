// Package device defines the status snapshot type and the transport contract
// used to talk to a heater, plus a scripted in-process transport for tests.
package device

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Domain-specific errors for device communication.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrConnectionFailed is returned when a transport cannot be established.
	ErrConnectionFailed = errors.New("device: connection failed")

	// ErrTimeout is returned when the device does not answer in time.
	ErrTimeout = errors.New("device: operation timed out")

	// ErrStreamClosed is returned by Stream.Next once the device link has ended.
	ErrStreamClosed = errors.New("device: status stream closed")

	// ErrNotConnected is returned when an operation needs a transport that is not there.
	ErrNotConnected = errors.New("device: not connected")

	// ErrInvalidStatus is returned when a reported status is not a flat scalar mapping.
	ErrInvalidStatus = errors.New("device: invalid status")
)

// IsTimeout reports whether err is a device timeout or an expired deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// Transport is an open connection to one device.
type Transport interface {
	// FetchStatus performs a one-shot status read. maxAge is the freshness
	// hint reported by the device, zero if it sent none.
	FetchStatus(ctx context.Context) (status Status, maxAge time.Duration, err error)

	// ObserveStatus opens a subscription. The returned stream cannot be
	// restarted once it ends; open a new one instead.
	ObserveStatus(ctx context.Context) (Stream, error)

	// WriteControls sends field values to the device as-is.
	WriteControls(ctx context.Context, controls map[string]any) error

	// Close tears the connection down. It is idempotent.
	Close() error
}

// Stream yields a snapshot each time the device reports one.
type Stream interface {
	// Next blocks until a snapshot arrives. It returns ErrStreamClosed (possibly
	// wrapped) when the link ends and ctx.Err() when ctx is cancelled.
	Next(ctx context.Context) (Status, error)

	// Close releases the subscription.
	Close() error
}

// Dialer opens transports to a device address.
type Dialer interface {
	Dial(ctx context.Context, address string) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, address string) (Transport, error)

// Dial calls f(ctx, address).
func (f DialerFunc) Dial(ctx context.Context, address string) (Transport, error) {
	return f(ctx, address)
}

// CloseQuietly closes t and logs, rather than returns, any failure.
// Teardown failures must never block a subsequent reconnect.
func CloseQuietly(t Transport, logger *zap.Logger) {
	if t == nil {
		return
	}
	if err := t.Close(); err != nil {
		logger.Debug("Error closing device transport", zap.Error(err))
	}
}
