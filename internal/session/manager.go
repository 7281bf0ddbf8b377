package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"heatersync/internal/clock"
	"heatersync/internal/coordinator"
)

var (
	// ErrSessionExists is returned when starting a session whose id is running.
	ErrSessionExists = errors.New("session: already running")

	// ErrUnknownSession is returned for an id that is neither running nor pending.
	ErrUnknownSession = errors.New("session: unknown session")
)

// Manager owns the running sessions of the process. It is created by main and
// handed to whatever needs to look sessions up.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Manager struct {
	deps   Deps
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*Session
	pending  map[string]*pendingStart
}

type pendingStart struct {
	settings Settings
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewManager creates an empty manager.
func NewManager(deps Deps) *Manager {
	deps.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:     deps,
		logger:   deps.Logger.Named("sessions"),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
		pending:  make(map[string]*pendingStart),
	}
}

// Start bootstraps a session and registers it. ErrNotReady is returned to the
// caller unretried.
func (m *Manager) Start(ctx context.Context, settings Settings) (*Session, error) {
	m.mu.RLock()
	_, running := m.sessions[settings.ID]
	m.mu.RUnlock()
	if running {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, settings.ID)
	}

	s, err := Start(ctx, settings, m.deps)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, running := m.sessions[settings.ID]; running {
		m.mu.Unlock()
		s.Stop(ctx) //nolint:errcheck // lost the race, discard the duplicate
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, settings.ID)
	}
	m.sessions[settings.ID] = s
	m.mu.Unlock()

	return s, nil
}

// StartWhenReady starts the session in the background, retrying ErrNotReady
// with exponential backoff until it succeeds, the id is stopped, or the
// manager shuts down. Other errors end the attempt.
func (m *Manager) StartWhenReady(settings Settings) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, running := m.sessions[settings.ID]; running {
		return
	}
	if p, ok := m.pending[settings.ID]; ok {
		p.cancel()
	}

	ctx, cancel := context.WithCancel(m.ctx)
	p := &pendingStart{settings: settings, cancel: cancel, done: make(chan struct{})}
	m.pending[settings.ID] = p

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(p.done)
		defer cancel()
		m.retryStart(ctx, p)
	}()
}

func (m *Manager) retryStart(ctx context.Context, p *pendingStart) {
	logger := m.logger.With(zap.String("device", p.settings.ID))
	backoff := coordinator.NewBackoff(coordinator.DefaultBackoffFloor, coordinator.DefaultBackoffCeiling)

	defer func() {
		m.mu.Lock()
		if m.pending[p.settings.ID] == p {
			delete(m.pending, p.settings.ID)
		}
		m.mu.Unlock()
	}()

	for {
		s, err := Start(ctx, p.settings, m.deps)
		if err == nil {
			m.mu.Lock()
			_, running := m.sessions[p.settings.ID]
			if m.pending[p.settings.ID] != p || running || ctx.Err() != nil {
				m.mu.Unlock()
				s.Stop(context.Background()) //nolint:errcheck // superseded while starting
				return
			}
			m.sessions[p.settings.ID] = s
			m.mu.Unlock()
			return
		}

		if ctx.Err() != nil {
			return
		}
		if !errors.Is(err, ErrNotReady) {
			logger.Error("Failed to start session", zap.Error(err))
			return
		}

		delay := backoff.Next()
		logger.Warn("Device not ready, retrying", zap.Error(err), zap.Duration("retry_in", delay))
		if err := clock.Sleep(ctx, m.deps.Clock, delay); err != nil {
			return
		}
	}
}

// Get returns the running session with id
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns the running sessions ordered by id
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Pending returns the settings of sessions still waiting for their device
func (m *Manager) Pending() []Settings {
	m.mu.RLock()
	out := make([]Settings, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p.settings)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stop removes the session with id, or abandons its pending start.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	s, running := m.sessions[id]
	delete(m.sessions, id)
	p, waiting := m.pending[id]
	delete(m.pending, id)
	m.mu.Unlock()

	if waiting {
		p.cancel()
		select {
		case <-p.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if !running {
		if waiting {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}

	err := s.Stop(ctx)
	m.deps.Metrics.Forget(id)
	return err
}

// StopAll stops every session and abandons every pending start.
func (m *Manager) StopAll(ctx context.Context) error {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Apply reconciles the running sessions with a new device list: unchanged
// sessions keep running, changed ones are restarted, new ones are started
// in the background and missing ones are stopped.
func (m *Manager) Apply(ctx context.Context, desired []Settings) error {
	want := make(map[string]Settings, len(desired))
	for _, s := range desired {
		want[s.ID] = s
	}

	m.mu.RLock()
	current := make(map[string]Settings, len(m.sessions)+len(m.pending))
	for id, s := range m.sessions {
		current[id] = s.settings
	}
	for id, p := range m.pending {
		current[id] = p.settings
	}
	m.mu.RUnlock()

	var errs []error
	for id, have := range current {
		if next, ok := want[id]; ok && next == have {
			continue
		}
		m.logger.Info("Stopping session", zap.String("device", id))
		if err := m.Stop(ctx, id); err != nil && !errors.Is(err, ErrUnknownSession) {
			errs = append(errs, err)
			continue
		}
		// A restarted session keeps its snapshot, a removed one does not.
		if _, ok := want[id]; !ok {
			if err := m.deps.Store.Delete(ctx, id); err != nil {
				m.logger.Warn("Failed to drop cached status", zap.String("device", id), zap.Error(err))
				errs = append(errs, err)
			}
		}
	}

	for id, next := range want {
		if have, ok := current[id]; ok && have == next {
			continue
		}
		m.logger.Info("Starting session", zap.String("device", id))
		m.StartWhenReady(next)
	}

	return errors.Join(errs...)
}
