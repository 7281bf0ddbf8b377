package coordinator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"heatersync/internal/cache"
	"heatersync/internal/clock"
	"heatersync/internal/device"
)

const waitFor = 2 * time.Second

type fixture struct {
	clock  *clock.MockClock
	dialer *device.MockDialer
	store  *cache.MemoryStore
	slot   *cache.Slot
	opts   Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:  clock.NewMockClock(time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)),
		dialer: device.NewMockDialer(),
		store:  cache.NewMemoryStore(),
	}
	f.slot = cache.NewSlot(f.store, "session-1")
	f.opts = Options{
		DeviceID:         "living-room",
		Address:          "192.0.2.10",
		Dialer:           f.dialer,
		Cache:            f.slot,
		Logger:           zaptest.NewLogger(t),
		Clock:            f.clock,
		ReconnectTimeout: time.Second,
		FetchTimeout:     time.Second,
	}
	return f
}

// recorder is a listener that remembers the snapshot seen on every call.
type recorder struct {
	mu    sync.Mutex
	seen  []device.Status
	coord Coordinator
}

func newRecorder(c Coordinator) *recorder {
	return &recorder{coord: c}
}

func (r *recorder) listener() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, r.coord.Status())
}

func (r *recorder) calls() []device.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]device.Status, len(r.seen))
	copy(out, r.seen)
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func waitStream(t *testing.T, tr *device.MockTransport) *device.MockStream {
	t.Helper()
	s, ok := tr.WaitForStream(waitFor)
	require.True(t, ok, "no status stream opened")
	return s
}
