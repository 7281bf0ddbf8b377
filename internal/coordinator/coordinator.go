// Package coordinator keeps an in-memory snapshot of one device synchronized
// over an unreliable link. Two strategies exist: PushCoordinator holds a
// long-lived status subscription open while anyone is listening, and
// PullCoordinator fetches on a fixed timer. Callers depend on the Coordinator
// interface only.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"heatersync/internal/cache"
	"heatersync/internal/clock"
	"heatersync/internal/device"
)

// Default timing, in seconds on the coordinator's clock.
const (
	DefaultBackoffFloor     = 5 * time.Second
	DefaultBackoffCeiling   = 300 * time.Second
	DefaultReconnectTimeout = 30 * time.Second
	DefaultFetchTimeout     = 30 * time.Second
	DefaultPollInterval     = 10 * time.Second
	MinPollInterval         = 5 * time.Second
	MaxPollInterval         = 300 * time.Second

	// ReconnectThreshold is the number of consecutive failed fetches after
	// which the pull strategy rebuilds its transport.
	ReconnectThreshold = 3
)

// Listener is called with no arguments whenever the snapshot changes.
type Listener func()

// Coordinator is the capability both strategies expose.
type Coordinator interface {
	// Status returns a copy of the current snapshot. It never blocks on the
	// network and never fails.
	Status() device.Status

	// AddListener registers l and returns an idempotent deregistration func.
	AddListener(l Listener) (remove func())

	// Availability reports whether Status is live, stale or absent.
	Availability() Availability

	// Strategy reports which variant is running.
	Strategy() Strategy

	// UpdatedAt is the time the current snapshot was obtained, zero if it
	// did not come from the device during this session.
	UpdatedAt() time.Time

	// WriteControls passes field values through to the device.
	WriteControls(ctx context.Context, controls map[string]any) error

	// Shutdown stops background work, waits for it to finish and closes the
	// transport.
	Shutdown(ctx context.Context) error
}

// Availability is the freshness signal surfaced to consumers instead of
// transport errors.
type Availability int

const (
	// Unavailable means there is no snapshot at all.
	Unavailable Availability = iota
	// Stale means the snapshot is cached or the link failed since it arrived.
	Stale
	// Live means the snapshot came from the device and the link is healthy.
	Live
)

func (a Availability) String() string {
	switch a {
	case Live:
		return "live"
	case Stale:
		return "stale"
	default:
		return "unavailable"
	}
}

// Strategy selects how a session stays in sync.
type Strategy string

const (
	StrategyPush Strategy = "push"
	StrategyPull Strategy = "pull"
)

// ParseStrategy accepts push/observe and pull/poll. Empty means push.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "push", "observe":
		return StrategyPush, nil
	case "pull", "poll":
		return StrategyPull, nil
	default:
		return "", fmt.Errorf("unknown update method %q", s)
	}
}

// UpdateFailedError is returned by a pull refresh that produced no snapshot.
type UpdateFailedError struct {
	Reason string
	Err    error
}

func (e *UpdateFailedError) Error() string {
	if e.Err == nil {
		return "update failed: " + e.Reason
	}
	return fmt.Sprintf("update failed: %s: %v", e.Reason, e.Err)
}

func (e *UpdateFailedError) Unwrap() error {
	return e.Err
}

// Options configures either strategy. Zero durations take the defaults.
type Options struct {
	DeviceID string
	Address  string
	Dialer   device.Dialer
	Cache    *cache.Slot // nil disables persistence
	Logger   *zap.Logger
	Clock    clock.Clock
	Metrics  *Metrics

	BackoffFloor     time.Duration
	BackoffCeiling   time.Duration
	ReconnectTimeout time.Duration
	FetchTimeout     time.Duration
	PollInterval     time.Duration
}

func (o *Options) applyDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = clock.NewRealClock()
	}
	if o.BackoffFloor <= 0 {
		o.BackoffFloor = DefaultBackoffFloor
	}
	if o.BackoffCeiling <= 0 {
		o.BackoffCeiling = DefaultBackoffCeiling
	}
	if o.ReconnectTimeout <= 0 {
		o.ReconnectTimeout = DefaultReconnectTimeout
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = DefaultFetchTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
}

// Seed is what session bootstrap hands to a new coordinator.
type Seed struct {
	// Transport may be nil when the initial dial timed out.
	Transport device.Transport
	Status    device.Status
	// Live is true when Status was fetched from the device just now.
	Live bool
}

// core holds what both strategies share: the snapshot, the listener
// registry, the transport link and the cache slot.
type core struct {
	id        string
	logger    *zap.Logger
	clock     clock.Clock
	metrics   *Metrics
	slot      *cache.Slot
	link      *link
	listeners *listenerRegistry

	mu        sync.RWMutex
	status    device.Status
	updatedAt time.Time
	live      bool
}

func newCore(opts Options, seed Seed) *core {
	logger := opts.Logger.With(zap.String("device", opts.DeviceID))
	status := seed.Status.Clone()

	c := &core{
		id:        opts.DeviceID,
		logger:    logger,
		clock:     opts.Clock,
		metrics:   opts.Metrics,
		slot:      opts.Cache,
		link:      newLink(opts.Dialer, opts.Address, seed.Transport, opts.ReconnectTimeout, logger),
		listeners: newListenerRegistry(logger),
		status:    status,
		live:      seed.Live,
	}
	if seed.Live {
		c.updatedAt = opts.Clock.Now()
	}
	c.metrics.setAvailability(c.id, c.Availability())
	return c
}

// Status returns a copy of the current snapshot
func (c *core) Status() device.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status.Clone()
}

// UpdatedAt returns when the snapshot was last obtained from the device
func (c *core) UpdatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updatedAt
}

// Availability derives the freshness signal from the snapshot and link state
func (c *core) Availability() Availability {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.availabilityLocked()
}

func (c *core) availabilityLocked() Availability {
	switch {
	case c.live:
		return Live
	case len(c.status) > 0:
		return Stale
	default:
		return Unavailable
	}
}

// WriteControls sends controls over the current transport
func (c *core) WriteControls(ctx context.Context, controls map[string]any) error {
	t := c.link.current()
	if t == nil {
		return device.ErrNotConnected
	}
	if err := t.WriteControls(ctx, controls); err != nil {
		return fmt.Errorf("writing controls: %w", err)
	}
	return nil
}

// store replaces the snapshot and submits it for persistence. Listeners are
// notified by the caller once store returns.
func (c *core) store(ctx context.Context, status device.Status) {
	c.mu.Lock()
	c.status = status.Clone()
	c.updatedAt = c.clock.Now()
	c.live = true
	c.mu.Unlock()

	c.metrics.observeUpdate(c.id)
	c.metrics.setAvailability(c.id, Live)
	c.persist(ctx, status)
}

// persist failures are logged and never block notification.
func (c *core) persist(ctx context.Context, status device.Status) {
	if c.slot == nil {
		return
	}
	if err := c.slot.Save(ctx, status); err != nil {
		c.metrics.observePersistError(c.id)
		c.logger.Warn("Failed to persist status", zap.Error(err))
	}
}

// markDown records that the link failed. It returns true when availability
// changed as a result.
func (c *core) markDown() bool {
	c.mu.Lock()
	before := c.availabilityLocked()
	c.live = false
	after := c.availabilityLocked()
	c.mu.Unlock()

	c.metrics.setAvailability(c.id, after)
	return before != after
}

var (
	_ Coordinator = (*PushCoordinator)(nil)
	_ Coordinator = (*PullCoordinator)(nil)
)
