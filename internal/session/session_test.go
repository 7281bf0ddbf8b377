package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"heatersync/internal/cache"
	"heatersync/internal/clock"
	"heatersync/internal/coordinator"
	"heatersync/internal/device"
)

const waitFor = 2 * time.Second

func testDeps(t *testing.T, dialer device.Dialer) Deps {
	t.Helper()
	return Deps{
		Dialers:        map[string]device.Dialer{"websocket": dialer},
		Store:          cache.NewMemoryStore(),
		Logger:         zaptest.NewLogger(t),
		Clock:          clock.NewMockClock(time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)),
		ConnectTimeout: 50 * time.Millisecond,
	}
}

func pushSettings(id string) Settings {
	return Settings{ID: id, Name: "Bedroom", Address: "192.0.2.20", Transport: "websocket", Strategy: coordinator.StrategyPush}
}

func stopOnCleanup(t *testing.T, s *Session) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		require.NoError(t, s.Stop(ctx))
	})
}

func TestStart_LiveSnapshot(t *testing.T) {
	dialer := device.NewMockDialer()
	tr := device.NewMockTransport()
	tr.QueueFetch(device.Status{"D03102": int64(1), "D03224": int64(210)})
	dialer.QueueTransport(tr)
	deps := testDeps(t, dialer)

	s, err := Start(context.Background(), pushSettings("entry-1"), deps)
	require.NoError(t, err)
	stopOnCleanup(t, s)

	c := s.Coordinator()
	assert.Equal(t, coordinator.StrategyPush, c.Strategy())
	assert.Equal(t, coordinator.Live, c.Availability())
	assert.Equal(t, device.Status{"D03102": int64(1), "D03224": int64(210)}, c.Status())
	assert.Equal(t, "192.0.2.20", dialer.LastAddress())
	assert.Equal(t, "Bedroom", s.Name())

	cached, ok, err := deps.Store.Load(context.Background(), "entry-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c.Status(), cached)

	// The session's own listener keeps the push subscription open.
	_, ok = tr.WaitForStream(waitFor)
	assert.True(t, ok)
}

func TestStart_DialTimeoutUsesCache(t *testing.T) {
	dialer := device.NewMockDialer()
	dialer.QueueBlock()
	deps := testDeps(t, dialer)
	require.NoError(t, deps.Store.Save(context.Background(), "entry-1", device.Status{"D03102": int64(1)}))

	s, err := Start(context.Background(), pushSettings("entry-1"), deps)
	require.NoError(t, err)
	stopOnCleanup(t, s)

	assert.Equal(t, device.Status{"D03102": int64(1)}, s.Coordinator().Status())
	assert.Equal(t, coordinator.Stale, s.Coordinator().Availability())
	assert.True(t, s.Coordinator().UpdatedAt().IsZero())

	// No handle survived the dial, so the coordinator dials straight away.
	_, ok := dialer.WaitForDial(waitFor)
	assert.True(t, ok)
}

func TestStart_FetchTimeoutKeepsHandle(t *testing.T) {
	dialer := device.NewMockDialer()
	tr := device.NewMockTransport()
	tr.QueueFetchBlock()
	dialer.QueueTransport(tr)
	deps := testDeps(t, dialer)

	s, err := Start(context.Background(), pushSettings("entry-1"), deps)
	require.NoError(t, err)
	stopOnCleanup(t, s)

	assert.Equal(t, device.Status{}, s.Coordinator().Status())
	assert.Equal(t, coordinator.Unavailable, s.Coordinator().Availability())
	assert.False(t, tr.Closed())

	_, ok := tr.WaitForStream(waitFor)
	assert.True(t, ok, "the unverified handle is used for the subscription")
	assert.Equal(t, 1, dialer.Dials())
}

func TestStart_TimeoutErrorFromTransport(t *testing.T) {
	dialer := device.NewMockDialer()
	dialer.QueueError(device.ErrTimeout)
	deps := testDeps(t, dialer)

	s, err := Start(context.Background(), pushSettings("entry-1"), deps)
	require.NoError(t, err)
	stopOnCleanup(t, s)
	assert.Equal(t, coordinator.Unavailable, s.Coordinator().Availability())
}

func TestStart_ConnectErrorIsNotReady(t *testing.T) {
	dialer := device.NewMockDialer()
	dialer.QueueError(device.ErrConnectionFailed)

	_, err := Start(context.Background(), pushSettings("entry-1"), testDeps(t, dialer))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, err, device.ErrConnectionFailed)
	assert.Equal(t, 1, dialer.Dials(), "not retried internally")
}

func TestStart_FetchErrorIsNotReady(t *testing.T) {
	dialer := device.NewMockDialer()
	tr := device.NewMockTransport()
	tr.QueueFetchError(errors.New("bad response"))
	dialer.QueueTransport(tr)

	_, err := Start(context.Background(), pushSettings("entry-1"), testDeps(t, dialer))
	assert.ErrorIs(t, err, ErrNotReady)
	assert.True(t, tr.Closed())
}

func TestStart_UnknownTransport(t *testing.T) {
	settings := pushSettings("entry-1")
	settings.Transport = "zigbee"

	_, err := Start(context.Background(), settings, testDeps(t, device.NewMockDialer()))
	assert.ErrorIs(t, err, ErrUnknownTransport)
}

func TestStart_CancelledContext(t *testing.T) {
	dialer := device.NewMockDialer()
	dialer.QueueBlock()
	deps := testDeps(t, dialer)
	deps.ConnectTimeout = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Start(ctx, pushSettings("entry-1"), deps)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStart_PullStartsTimer(t *testing.T) {
	dialer := device.NewMockDialer()
	tr := device.NewMockTransport()
	tr.SetStatus(device.Status{"D03224": int64(200)})
	dialer.QueueTransport(tr)
	deps := testDeps(t, dialer)
	mock := deps.Clock.(*clock.MockClock)

	settings := pushSettings("entry-2")
	settings.Strategy = coordinator.StrategyPull
	settings.PollInterval = 30 * time.Second

	s, err := Start(context.Background(), settings, deps)
	require.NoError(t, err)
	stopOnCleanup(t, s)
	assert.Equal(t, coordinator.StrategyPull, s.Coordinator().Strategy())
	assert.Equal(t, 1, tr.FetchCalls())

	mock.BlockUntil(1)
	mock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return tr.FetchCalls() == 2 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Notifications() == 1 }, waitFor, 5*time.Millisecond)
}

func TestSession_HooksRunOnNotify(t *testing.T) {
	dialer := device.NewMockDialer()
	tr := device.NewMockTransport()
	dialer.QueueTransport(tr)
	deps := testDeps(t, dialer)

	seen := make(chan device.Status, 1)
	deps.Hooks = []Hook{func(s *Session) { seen <- s.Coordinator().Status() }}

	s, err := Start(context.Background(), pushSettings("entry-1"), deps)
	require.NoError(t, err)
	stopOnCleanup(t, s)

	stream, ok := tr.WaitForStream(waitFor)
	require.True(t, ok)
	stream.Push(device.Status{"D0313F": int64(-16)})

	select {
	case status := <-seen:
		assert.Equal(t, device.Status{"D0313F": int64(-16)}, status)
	case <-time.After(waitFor):
		t.Fatal("hook not called")
	}
	assert.Equal(t, int64(1), s.Notifications())
}
