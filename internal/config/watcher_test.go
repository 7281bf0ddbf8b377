package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "devices:\n  - address: 192.0.2.1\n")
	logger := zaptest.NewLogger(t)

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(NewLoader(path, logger), func(_ context.Context, cfg *Config) {
		reloaded <- cfg
	}, logger)
	require.NoError(t, err)
	w.SetDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// An invalid intermediate write is skipped.
	require.NoError(t, os.WriteFile(path, []byte("devices:\n  - id: broken\n"), 0644))
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, reloaded, 0)

	require.NoError(t, os.WriteFile(path, []byte("devices:\n  - address: 192.0.2.1\n  - address: 192.0.2.2\n"), 0644))

	select {
	case cfg := <-reloaded:
		assert.Len(t, cfg.Devices, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("configuration was not reloaded")
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "devices: []\n")
	logger := zaptest.NewLogger(t)

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(NewLoader(path, logger), func(_ context.Context, cfg *Config) {
		reloaded <- cfg
	}, logger)
	require.NoError(t, err)
	w.SetDebounce(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, reloaded, 0)

	cancel()
	assert.NoError(t, <-done)
}
