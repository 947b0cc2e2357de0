// Package watcher watches the configuration file and triggers hot reloads.
// It supports cross-platform fsnotify event handling.
package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/router-for-me/DOMBridge/internal/config"
	"gopkg.in/yaml.v3"
)

const configReloadDebounce = 150 * time.Millisecond

// Watcher manages file watching for the configuration file.
type Watcher struct {
	configPath        string
	config            *config.Config
	configMutex       sync.RWMutex
	configReloadMu    sync.Mutex
	configReloadTimer *time.Timer
	reloadCallback    func(*config.Config)
	watcher           *fsnotify.Watcher
	lastConfigHash    string
	oldConfigYaml     []byte
	debounce          time.Duration
}

// NewWatcher creates a new file watcher instance. reloadCallback receives every
// configuration that loads successfully and differs from the previous one.
func NewWatcher(configPath string, reloadCallback func(*config.Config)) (*Watcher, error) {
	watcher, errNewWatcher := fsnotify.NewWatcher()
	if errNewWatcher != nil {
		return nil, errNewWatcher
	}
	abs, errAbs := filepath.Abs(configPath)
	if errAbs != nil {
		abs = configPath
	}
	return &Watcher{
		configPath:     abs,
		reloadCallback: reloadCallback,
		watcher:        watcher,
		debounce:       configReloadDebounce,
	}, nil
}

// Start begins watching the configuration file. Events are processed until
// ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	return w.start(ctx)
}

// Run starts the watcher and blocks until ctx ends, then stops it.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return w.Stop()
}

// Stop stops the file watcher
func (w *Watcher) Stop() error {
	w.stopConfigReloadTimer()
	return w.watcher.Close()
}

// SetConfig records the configuration currently in effect; later reloads are
// compared against it.
func (w *Watcher) SetConfig(cfg *config.Config) {
	w.configMutex.Lock()
	defer w.configMutex.Unlock()
	w.config = cfg
	w.oldConfigYaml, _ = yaml.Marshal(cfg)
}

// Config returns the configuration currently in effect.
func (w *Watcher) Config() *config.Config {
	w.configMutex.RLock()
	defer w.configMutex.RUnlock()
	return w.config
}
