package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/syntor/relay/pkg/logging"
)

// Watcher reloads a config file when it changes on disk. A file that fails
// to load or validate is logged and the previous configuration is kept.
type Watcher struct {
	path    string
	logger  logging.Logger
	watcher *fsnotify.Watcher

	current   *Config
	callbacks []func(*Config)
	mu        sync.RWMutex

	done chan struct{}
}

// NewWatcher creates a watcher for path holding initial as the current config
func NewWatcher(path string, initial *Config, logger logging.Logger) *Watcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	return &Watcher{
		path:    abs,
		logger:  logger.With(logging.String("config", abs)),
		current: initial,
		done:    make(chan struct{}),
	}
}

// Current returns the last successfully loaded config
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a callback run after every successful reload
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start watches the file's directory until ctx is canceled. The directory
// is watched rather than the file so that editors replacing the file by
// rename are still seen.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}
	w.watcher = watcher

	go w.watchLoop(ctx)
	return nil
}

// Done is closed when the watch loop exits
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.done)
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", logging.Err(err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	// a truncate is reported before the new content lands
	if info, err := os.Stat(w.path); err != nil || info.Size() == 0 {
		return
	}
	if err := w.Reload(); err != nil {
		w.logger.Warn("Config reload failed, keeping previous config", logging.Err(err))
	}
}

// Reload loads the file now and notifies callbacks on success
func (w *Watcher) Reload() error {
	config, err := Load(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.current = config
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("Config reloaded",
		logging.Int("rules", len(config.Dispatch.Rules)),
		logging.String("default_target", config.Dispatch.DefaultTarget))

	for _, cb := range callbacks {
		cb(config)
	}
	return nil
}
