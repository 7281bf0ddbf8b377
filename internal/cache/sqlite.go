package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"heatersync/internal/device"
)

const (
	// dirPermissions is the permission mode for the cache directory.
	dirPermissions = 0750

	// busyTimeoutMS is how long a writer waits for the database lock.
	busyTimeoutMS = 5000

	// pingTimeout bounds the connectivity check in OpenSQLite.
	pingTimeout = 5 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS status_cache (
	key      TEXT PRIMARY KEY,
	version  INTEGER NOT NULL,
	payload  BLOB NOT NULL,
	saved_at INTEGER NOT NULL
)`

// SQLiteStore keeps one record per key in a SQLite table.
//
// Thread Safety:
//   - All methods are safe for concurrent use; SQLite serialises the writers.
type SQLiteStore struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// OpenSQLite opens (creating if needed) the cache database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL", path, busyTimeoutMS)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck // best effort cleanup on error path
		return nil, fmt.Errorf("verifying cache database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck // best effort cleanup on error path
		return nil, fmt.Errorf("creating cache schema: %w", err)
	}

	return &SQLiteStore{db: db, path: path, now: time.Now}, nil
}

// Save overwrites the record for key
func (s *SQLiteStore) Save(ctx context.Context, key string, status device.Status) error {
	if key == "" {
		return ErrEmptyKey
	}

	now := s.now()
	payload, err := encodeRecord(status, now)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO status_cache (key, version, payload, saved_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET version = excluded.version, payload = excluded.payload, saved_at = excluded.saved_at`,
		key, SchemaVersion, payload, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("saving status for %s: %w", key, err)
	}
	return nil
}

// Load returns the record for key
func (s *SQLiteStore) Load(ctx context.Context, key string) (device.Status, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}

	var (
		version int
		payload []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, payload FROM status_cache WHERE key = ?`, key).Scan(&version, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading status for %s: %w", key, err)
	}
	if version != SchemaVersion {
		return nil, false, nil
	}

	return decodeRecord(payload)
}

// Delete removes the record for key
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM status_cache WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting status for %s: %w", key, err)
	}
	return nil
}

// HealthCheck verifies the database is reachable
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("cache health check failed: %w", err)
	}
	return nil
}

// Path returns the filesystem path to the database file
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing cache database: %w", err)
	}
	return nil
}
