// Package session bootstraps one synchronized device per configured entry and
// keeps the set of running sessions in an explicit Manager.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"heatersync/internal/cache"
	"heatersync/internal/clock"
	"heatersync/internal/coordinator"
	"heatersync/internal/device"
)

// DefaultConnectTimeout bounds the initial dial and the initial fetch, each.
const DefaultConnectTimeout = 5 * time.Second

var (
	// ErrNotReady is returned when the device refused the connection outright.
	// The caller decides whether and when to retry.
	ErrNotReady = errors.New("session: device not ready")

	// ErrUnknownTransport is returned when no dialer is registered for a transport name.
	ErrUnknownTransport = errors.New("session: unknown transport")
)

// Settings are fixed for the lifetime of a session. Changing any of them
// means stopping the session and starting a new one.
type Settings struct {
	// ID keys the session and its cache record.
	ID           string
	Name         string
	Address      string
	Transport    string
	Strategy     coordinator.Strategy
	PollInterval time.Duration
}

// Hook is called after every notification round of a session.
type Hook func(s *Session)

// Deps are the collaborators shared by all sessions.
type Deps struct {
	Dialers map[string]device.Dialer
	Store   cache.Store
	Logger  *zap.Logger
	Clock   clock.Clock
	Metrics *coordinator.Metrics
	Hooks   []Hook

	// ConnectTimeout defaults to DefaultConnectTimeout.
	ConnectTimeout time.Duration
	// ReconnectTimeout and FetchTimeout default to the coordinator defaults.
	ReconnectTimeout time.Duration
	FetchTimeout     time.Duration
}

func (d *Deps) applyDefaults() {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = clock.NewRealClock()
	}
	if d.Store == nil {
		d.Store = cache.NewMemoryStore()
	}
	if d.ConnectTimeout <= 0 {
		d.ConnectTimeout = DefaultConnectTimeout
	}
}

// Session is one running device synchronization.
type Session struct {
	settings  Settings
	coord     coordinator.Coordinator
	logger    *zap.Logger
	startedAt time.Time

	removers      []func()
	notifications atomic.Int64
}

// ID returns the session key
func (s *Session) ID() string { return s.settings.ID }

// Name returns the display name, falling back to the address
func (s *Session) Name() string {
	if s.settings.Name != "" {
		return s.settings.Name
	}
	return s.settings.Address
}

// Settings returns the settings the session was started with
func (s *Session) Settings() Settings { return s.settings }

// Coordinator returns the coordinator of the session
func (s *Session) Coordinator() coordinator.Coordinator { return s.coord }

// StartedAt returns when the session started
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Notifications returns how many notification rounds the session has seen
func (s *Session) Notifications() int64 { return s.notifications.Load() }

// Stop deregisters the session's listeners and shuts the coordinator down.
func (s *Session) Stop(ctx context.Context) error {
	for _, remove := range s.removers {
		remove()
	}
	s.removers = nil

	if err := s.coord.Shutdown(ctx); err != nil {
		return fmt.Errorf("stopping session %s: %w", s.settings.ID, err)
	}
	s.logger.Info("Session stopped")
	return nil
}

// Start bootstraps a session: it loads the cached snapshot, then dials and
// fetches once, each bounded by the connect timeout. A timeout never fails the
// start; the session continues on the cached or an empty snapshot and the
// coordinator catches up in the background. Any other failure returns
// ErrNotReady wrapping the cause.
func Start(ctx context.Context, settings Settings, deps Deps) (*Session, error) {
	deps.applyDefaults()
	logger := deps.Logger.With(zap.String("device", settings.ID), zap.String("address", settings.Address))

	dialer, ok := deps.Dialers[settings.Transport]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, settings.Transport)
	}

	slot := cache.NewSlot(deps.Store, settings.ID)
	cached, haveCache, err := slot.Load(ctx)
	if err != nil {
		logger.Warn("Ignoring unreadable cached status", zap.Error(err))
		cached, haveCache = nil, false
	}

	seed, err := connect(ctx, dialer, settings.Address, deps.ConnectTimeout, logger)
	if err != nil {
		return nil, err
	}

	if seed.Live {
		logger.Info("Connected to device", zap.String("strategy", string(settings.Strategy)))
		if err := slot.Save(ctx, seed.Status); err != nil {
			logger.Warn("Failed to persist status", zap.Error(err))
		}
	} else {
		logger.Warn("Timed out connecting during startup, continuing in background")
		seed.Status = device.Status{}
		if haveCache {
			logger.Info("Using cached status until the device reconnects")
			seed.Status = cached
		}
	}

	opts := coordinator.Options{
		DeviceID:         settings.ID,
		Address:          settings.Address,
		Dialer:           dialer,
		Cache:            slot,
		Logger:           deps.Logger,
		Clock:            deps.Clock,
		Metrics:          deps.Metrics,
		ReconnectTimeout: deps.ReconnectTimeout,
		FetchTimeout:     deps.FetchTimeout,
		PollInterval:     settings.PollInterval,
	}

	s := &Session{
		settings:  settings,
		logger:    logger,
		startedAt: deps.Clock.Now(),
	}

	switch settings.Strategy {
	case coordinator.StrategyPull:
		pull := coordinator.NewPull(opts, seed)
		s.coord = pull
		s.watch(deps.Hooks)
		pull.Start()
	default:
		s.coord = coordinator.NewPush(opts, seed)
		s.watch(deps.Hooks)
	}

	return s, nil
}

// watch registers the session's own listener. It keeps a push session
// subscribed for as long as the session runs.
func (s *Session) watch(hooks []Hook) {
	remove := s.coord.AddListener(func() {
		s.notifications.Add(1)
		for _, hook := range hooks {
			hook(s)
		}
	})
	s.removers = append(s.removers, remove)
}

// connect performs the bounded initial dial and fetch.
func connect(ctx context.Context, dialer device.Dialer, address string, timeout time.Duration, logger *zap.Logger) (coordinator.Seed, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	t, err := dialer.Dial(dialCtx, address)
	timedOut := dialCtx.Err() != nil
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return coordinator.Seed{}, ctx.Err()
		}
		if timedOut || device.IsTimeout(err) {
			return coordinator.Seed{}, nil
		}
		return coordinator.Seed{}, fmt.Errorf("%w: connecting to %s: %w", ErrNotReady, address, err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	status, _, err := t.FetchStatus(fetchCtx)
	timedOut = fetchCtx.Err() != nil
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			device.CloseQuietly(t, logger)
			return coordinator.Seed{}, ctx.Err()
		}
		if timedOut || device.IsTimeout(err) {
			// Keep the unverified handle; the coordinator replaces it if it is dead.
			return coordinator.Seed{Transport: t}, nil
		}
		device.CloseQuietly(t, logger)
		return coordinator.Seed{}, fmt.Errorf("%w: fetching status from %s: %w", ErrNotReady, address, err)
	}

	return coordinator.Seed{Transport: t, Status: status, Live: true}, nil
}
