package coordinator

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

type listenerEntry struct {
	fn      Listener
	removed atomic.Bool
}

// listenerRegistry keeps listeners in registration order. Registration and
// removal may happen from inside a notification.
type listenerRegistry struct {
	mu      sync.Mutex
	entries []*listenerEntry
	logger  *zap.Logger
}

func newListenerRegistry(logger *zap.Logger) *listenerRegistry {
	return &listenerRegistry{logger: logger}
}

func (r *listenerRegistry) add(fn Listener) *listenerEntry {
	e := &listenerEntry{fn: fn}
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
	return e
}

// remove reports whether e was still registered.
func (r *listenerRegistry) remove(e *listenerEntry) bool {
	if e.removed.Swap(true) {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, entry := range r.entries {
		if entry == e {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			break
		}
	}
	return true
}

func (r *listenerRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// notify calls every listener registered when the round starts, skipping any
// removed before its turn. Listeners added during the round wait for the next.
func (r *listenerRegistry) notify() {
	r.mu.Lock()
	snapshot := make([]*listenerEntry, len(r.entries))
	copy(snapshot, r.entries)
	r.mu.Unlock()

	for _, e := range snapshot {
		if e.removed.Load() {
			continue
		}
		r.call(e.fn)
	}
}

func (r *listenerRegistry) call(fn Listener) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Listener panicked", zap.Any("panic", rec))
		}
	}()
	fn()
}
