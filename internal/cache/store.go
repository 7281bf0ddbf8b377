// Package cache persists the last known device status so consumers have a
// usable snapshot right after a restart, before the device is reachable.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"heatersync/internal/device"
)

// SchemaVersion tags every persisted record. Records carrying any other
// version are treated as absent.
const SchemaVersion = 1

// Domain-specific errors for cache operations.
var (
	// ErrEmptyKey is returned when a record key is empty.
	ErrEmptyKey = errors.New("cache: key cannot be empty")

	// ErrCorruptRecord is returned when a stored payload cannot be decoded.
	ErrCorruptRecord = errors.New("cache: corrupt record")
)

// Store is a durable single-slot-per-key store of status snapshots.
type Store interface {
	// Save overwrites the record for key.
	Save(ctx context.Context, key string, status device.Status) error

	// Load returns the record for key. ok is false on first run or when the
	// stored record has an incompatible schema version.
	Load(ctx context.Context, key string) (status device.Status, ok bool, err error)

	// Delete drops the record for key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// record is the persisted layout.
type record struct {
	Version int            `cbor:"1,keyasint"`
	SavedAt int64          `cbor:"2,keyasint"`
	Status  map[string]any `cbor:"3,keyasint"`
}

func encodeRecord(status device.Status, now time.Time) ([]byte, error) {
	rec := record{
		Version: SchemaVersion,
		SavedAt: now.UnixMilli(),
		Status:  map[string]any(status.Clone()),
	}
	data, err := cbor.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return data, nil
}

// decodeRecord returns ok=false for a version mismatch.
func decodeRecord(data []byte) (device.Status, bool, error) {
	var rec record
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}
	if rec.Version != SchemaVersion {
		return nil, false, nil
	}
	status, err := device.Normalize(rec.Status)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}
	return status, true, nil
}

// Slot binds a Store to the key of one session.
type Slot struct {
	store Store
	key   string
}

// NewSlot creates a slot for key in store
func NewSlot(store Store, key string) *Slot {
	return &Slot{store: store, key: key}
}

// Key returns the session key of the slot
func (s *Slot) Key() string {
	return s.key
}

// Save overwrites the persisted snapshot
func (s *Slot) Save(ctx context.Context, status device.Status) error {
	return s.store.Save(ctx, s.key, status)
}

// Load returns the persisted snapshot, ok=false if there is none
func (s *Slot) Load(ctx context.Context) (device.Status, bool, error) {
	return s.store.Load(ctx, s.key)
}
