package cache

import (
	"context"
	"sync"
	"time"

	"heatersync/internal/device"
)

// MemoryStore keeps encoded records in memory. It goes through the same
// encoding as SQLiteStore so tests exercise the record format.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string][]byte
	saves   int
	failErr error
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

// Save overwrites the record for key
func (m *MemoryStore) Save(ctx context.Context, key string, status device.Status) error {
	if key == "" {
		return ErrEmptyKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.saves++
	if m.failErr != nil {
		return m.failErr
	}

	data, err := encodeRecord(status, time.Now())
	if err != nil {
		return err
	}
	m.records[key] = data
	return nil
}

// Load returns the record for key
func (m *MemoryStore) Load(ctx context.Context, key string) (device.Status, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}

	m.mu.Lock()
	data, ok := m.records[key]
	m.mu.Unlock()

	if !ok {
		return nil, false, nil
	}
	return decodeRecord(data)
}

// Delete removes the record for key
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	m.mu.Lock()
	delete(m.records, key)
	m.mu.Unlock()
	return nil
}

// FailSaves makes subsequent saves fail with err (nil restores normal behaviour)
func (m *MemoryStore) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// Saves returns how many saves were attempted
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
