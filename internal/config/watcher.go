package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"brewva/internal/logging"
	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 750 * time.Millisecond

// Watcher monitors the overrides file and invokes a reload callback with the
// freshly loaded result. Reloads are debounced because editors emit bursts of
// write events for a single save.
type Watcher struct {
	path     string
	loader   *Loader
	onReload func(LoadResult)
	logger   logging.Logger
	debounce time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// WatcherOption customizes watcher behavior.
type WatcherOption func(*Watcher)

// WithWatchDebounce sets the debounce window for reloads.
func WithWatchDebounce(debounce time.Duration) WatcherOption {
	return func(w *Watcher) {
		if debounce > 0 {
			w.debounce = debounce
		}
	}
}

// WithWatchLogger sets the logger for watcher diagnostics.
func WithWatchLogger(logger logging.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logging.OrNop(logger)
	}
}

// NewWatcher constructs a watcher for the config path.
func NewWatcher(path string, loader *Loader, onReload func(LoadResult), opts ...WatcherOption) (*Watcher, error) {
	if loader == nil {
		return nil, fmt.Errorf("config loader required")
	}
	if onReload == nil {
		return nil, fmt.Errorf("reload callback required")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("config path required")
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	path = filepath.Clean(path)

	watcher := &Watcher{
		path:     path,
		loader:   loader,
		onReload: onReload,
		logger:   logging.OrNop(nil),
		debounce: defaultWatchDebounce,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(watcher)
	}
	return watcher, nil
}

// Start begins watching the config file for changes.
func (w *Watcher) Start(ctx context.Context) error {
	if w == nil {
		return fmt.Errorf("config watcher is nil")
	}
	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = fsWatcher
	w.mu.Unlock()

	// Watch the directory: the file itself may be replaced by rename on save.
	dir := filepath.Dir(w.path)
	if err := fsWatcher.Add(dir); err != nil {
		_ = fsWatcher.Close()
		w.mu.Lock()
		w.watcher = nil
		w.mu.Unlock()
		return err
	}

	go w.watchLoop()
	if ctx != nil {
		go func() {
			<-ctx.Done()
			w.Stop()
		}()
	}
	return nil
}

// Stop halts the watcher; idempotent.
func (w *Watcher) Stop() {
	if w == nil {
		return
	}
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		if w.watcher != nil {
			_ = w.watcher.Close()
			w.watcher = nil
		}
		w.mu.Unlock()
	})
}

func (w *Watcher) watchLoop() {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("config watch loop panicked: %v", r)
		}
	}()

	w.mu.Lock()
	fsWatcher := w.watcher
	w.mu.Unlock()
	if fsWatcher == nil {
		return
	}

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error: %v", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		result := w.loader.Load(w.path)
		for _, diag := range result.Diagnostics {
			w.logger.Warn("config reload: %s: %s", diag.Kind, diag.Message)
		}
		w.onReload(result)
	})
}
