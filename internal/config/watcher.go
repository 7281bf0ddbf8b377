package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 500 * time.Millisecond

// ReloadFunc receives every configuration that loaded and validated.
type ReloadFunc func(ctx context.Context, cfg *Config)

// Watcher reloads the configuration file when it changes. Invalid files are
// logged and ignored, keeping the last good configuration in effect.
type Watcher struct {
	loader   *Loader
	onReload ReloadFunc
	logger   *zap.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for the loader's file
func NewWatcher(loader *Loader, onReload ReloadFunc, logger *zap.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	// Watch the directory: editors replace files instead of writing in place.
	dir := filepath.Dir(loader.Path())
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	return &Watcher{
		loader:   loader,
		onReload: onReload,
		logger:   logger,
		debounce: DefaultDebounce,
		watcher:  w,
	}, nil
}

// SetDebounce overrides the settle delay. Call before Run.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Run processes file events until ctx is cancelled, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.watcher.Close() }()

	reload := make(chan struct{}, 1)
	target := filepath.Clean(w.loader.Path())

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.trigger(reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Config watcher error", zap.Error(err))

		case <-reload:
			cfg, err := w.loader.Load()
			if err != nil {
				w.logger.Error("Ignoring invalid configuration", zap.Error(err))
				continue
			}
			w.onReload(ctx, cfg)
		}
	}
}

func (w *Watcher) trigger(reload chan<- struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case reload <- struct{}{}:
		default:
		}
	})
}
