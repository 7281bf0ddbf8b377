package history

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"heatersync/internal/cache"
	"heatersync/internal/clock"
	"heatersync/internal/coordinator"
	"heatersync/internal/device"
	"heatersync/internal/session"
)

type pointSink struct {
	mu     sync.Mutex
	points []*write.Point
}

func (s *pointSink) WritePoint(p *write.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, p)
}

func (s *pointSink) Points() []*write.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*write.Point(nil), s.points...)
}

func startSession(t *testing.T, strategy coordinator.Strategy, tr *device.MockTransport, hook session.Hook) *session.Session {
	t.Helper()
	dialer := device.NewMockDialer()
	dialer.QueueTransport(tr)

	s, err := session.Start(context.Background(), session.Settings{
		ID:           "hall",
		Name:         "Hall",
		Address:      "192.0.2.50",
		Transport:    "websocket",
		Strategy:     strategy,
		PollInterval: 30 * time.Second,
	}, session.Deps{
		Dialers: map[string]device.Dialer{"websocket": dialer},
		Store:   cache.NewMemoryStore(),
		Logger:  zaptest.NewLogger(t),
		Clock:   clock.NewMockClock(time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)),
		Hooks:   []session.Hook{hook},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, s.Stop(ctx))
	})
	return s
}

func TestRecorder_WritesLiveUpdates(t *testing.T) {
	sink := &pointSink{}
	tr := device.NewMockTransport()
	tr.QueueFetch(device.Status{"D03224": int64(200)})

	startSession(t, coordinator.StrategyPush, tr, NewRecorder(sink).Hook())

	stream, ok := tr.WaitForStream(2 * time.Second)
	require.True(t, ok)
	stream.Push(device.Status{"D03224": int64(215), "D03102": int64(1), "D01S03": "Hall"})

	require.Eventually(t, func() bool { return len(sink.Points()) == 1 }, 2*time.Second, 5*time.Millisecond)

	p := sink.Points()[0]
	assert.Equal(t, Measurement, p.Name())
	assert.Equal(t, time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC), p.Time())

	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, map[string]string{"device": "hall", "name": "Hall", "strategy": "push"}, tags)

	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, map[string]interface{}{"D03224": int64(215), "D03102": int64(1)}, fields)
}

func TestRecorder_SkipsAvailabilityOnlyNotifications(t *testing.T) {
	sink := &pointSink{}
	tr := device.NewMockTransport()
	tr.QueueFetch(device.Status{"D03224": int64(200)})
	tr.QueueFetchError(device.ErrTimeout)

	s := startSession(t, coordinator.StrategyPull, tr, NewRecorder(sink).Hook())

	pull, ok := s.Coordinator().(*coordinator.PullCoordinator)
	require.True(t, ok)
	_, err := pull.Refresh(context.Background())
	require.Error(t, err)

	assert.Equal(t, int64(1), s.Notifications())
	assert.Empty(t, sink.Points())
}

func TestRecorder_SkipsTextOnlyStatus(t *testing.T) {
	sink := &pointSink{}
	tr := device.NewMockTransport()
	tr.QueueFetch(device.Status{"D01S03": "Hall"})
	tr.QueueFetch(device.Status{"D01S03": "Hall"})

	s := startSession(t, coordinator.StrategyPull, tr, NewRecorder(sink).Hook())

	pull := s.Coordinator().(*coordinator.PullCoordinator)
	_, err := pull.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), s.Notifications())
	assert.Empty(t, sink.Points())
}
