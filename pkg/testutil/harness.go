// Package testutil provides testing utilities for heater integrations.
// This file provides a TestEnv for end-to-end synchronization tests.
package testutil

import (
	"context"
	"fmt"
	"time"

	"heatersync/internal/cache"
	"heatersync/internal/clock"
	"heatersync/internal/coordinator"
	"heatersync/internal/device"
	"heatersync/internal/session"
	"heatersync/internal/transport/ws"

	"go.uber.org/zap"
)

// TestEnv wires a mock gateway, the real WebSocket transport and a session
// manager backed by an in-memory cache. Backoff sleeps and poll ticks run on
// Clock, so tests advance them explicitly.
type TestEnv struct {
	Server  *MockDeviceServer
	Manager *session.Manager
	Store   *cache.MemoryStore
	Clock   *clock.MockClock
	Logger  *zap.Logger
}

// NewTestEnv creates a test environment with a running mock gateway.
//
// Example usage:
//
//	env := testutil.NewTestEnv("test_token", logger)
//	defer env.Cleanup()
//
//	sess, err := env.StartSession(coordinator.StrategyPush, 0)
func NewTestEnv(token string, logger *zap.Logger) *TestEnv {
	server := NewMockDeviceServer(token)
	store := cache.NewMemoryStore()
	mockClock := clock.NewMockClock(time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC))

	manager := session.NewManager(session.Deps{
		Dialers: map[string]device.Dialer{
			"websocket": ws.NewDialer(ws.Options{Token: token}, logger),
		},
		Store:            store,
		Logger:           logger,
		Clock:            mockClock,
		ConnectTimeout:   2 * time.Second,
		ReconnectTimeout: 2 * time.Second,
		FetchTimeout:     2 * time.Second,
	})

	return &TestEnv{
		Server:  server,
		Manager: manager,
		Store:   store,
		Clock:   mockClock,
		Logger:  logger,
	}
}

// StartSession starts a session against the mock gateway
func (e *TestEnv) StartSession(strategy coordinator.Strategy, pollInterval time.Duration) (*session.Session, error) {
	sess, err := e.Manager.Start(context.Background(), session.Settings{
		ID:           "test-heater",
		Name:         "Test Heater",
		Address:      e.Server.Address(),
		Transport:    "websocket",
		Strategy:     strategy,
		PollInterval: pollInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	return sess, nil
}

// Cleanup stops all components in the correct order.
// Always call this in a defer after creating the TestEnv.
func (e *TestEnv) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.Manager.StopAll(ctx) //nolint:errcheck // best effort in tests
	e.Server.Stop()
}

// ControlWrites returns all control writes made to the mock gateway.
func (e *TestEnv) ControlWrites() []ControlWrite {
	return e.Server.ControlWrites()
}
