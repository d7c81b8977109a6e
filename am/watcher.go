package am

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/teranos/drip/errors"
	"github.com/teranos/drip/logger"
	"github.com/teranos/drip/sym"
)

// ConfigWatcher watches a config file for changes and triggers reload callbacks
type ConfigWatcher struct {
	configPath      string
	watcher         *fsnotify.Watcher
	callbacks       []ReloadCallback
	mu              sync.RWMutex
	debounceTimer   *time.Timer
	debouncePeriod  time.Duration
	isOwnWrite      bool // Flag to prevent reload loops
	isOwnWriteMutex sync.Mutex
	loader          func() (*Config, error)
}

// ReloadCallback is called when config is reloaded
// Receives the new config and returns any error
type ReloadCallback func(*Config) error

// globalWatcher holds the singleton config watcher instance
var (
	globalWatcher   *ConfigWatcher
	globalWatcherMu sync.Mutex
)

// NewConfigWatcher creates a new config file watcher.
// Reloads go through Reset and Load so env overrides still apply.
func NewConfigWatcher(configPath string) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}

	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "failed to watch config file %s", configPath)
	}

	cw := &ConfigWatcher{
		configPath:     configPath,
		watcher:        watcher,
		callbacks:      make([]ReloadCallback, 0),
		debouncePeriod: 500 * time.Millisecond, // Debounce rapid file changes
		loader: func() (*Config, error) {
			Reset()
			return Load()
		},
	}

	return cw, nil
}

// OnReload registers a callback to be called when config is reloaded
func (cw *ConfigWatcher) OnReload(callback ReloadCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// MarkOwnWrite marks the next write as coming from us (prevents reload loops)
func (cw *ConfigWatcher) MarkOwnWrite() {
	cw.isOwnWriteMutex.Lock()
	defer cw.isOwnWriteMutex.Unlock()
	cw.isOwnWrite = true
}

// checkOwnWrite checks and clears the own-write flag
func (cw *ConfigWatcher) checkOwnWrite() bool {
	cw.isOwnWriteMutex.Lock()
	defer cw.isOwnWriteMutex.Unlock()

	if cw.isOwnWrite {
		cw.isOwnWrite = false
		return true
	}
	return false
}

// Start begins watching for config file changes
func (cw *ConfigWatcher) Start() {
	go cw.watchLoop()
}

// watchLoop monitors file system events
func (cw *ConfigWatcher) watchLoop() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if isBackupFile(event.Name) {
				continue
			}
			if cw.checkOwnWrite() {
				logger.Debugw("Config watcher ignoring own write", "file", event.Name)
				continue
			}

			logger.Infow("Config watcher detected change",
				"file", event.Name,
				"op", event.Op.String())
			cw.scheduleReload()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnw("Config watcher error", logger.FieldError, err)
		}
	}
}

// scheduleReload debounces rapid file changes and triggers reload
func (cw *ConfigWatcher) scheduleReload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}

	cw.debounceTimer = time.AfterFunc(cw.debouncePeriod, func() {
		if err := cw.reload(); err != nil {
			logger.Errorw("Config reload failed", logger.FieldError, err)
		}
	})
}

// reload reloads the configuration and calls all callbacks.
// An invalid file is rejected and the running config is kept.
func (cw *ConfigWatcher) reload() error {
	newConfig, err := cw.loader()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	logger.SymbolInfow(sym.AM, "Config reloaded", logger.FieldPath, cw.configPath)

	cw.mu.RLock()
	callbacks := make([]ReloadCallback, len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.RUnlock()

	for _, callback := range callbacks {
		if err := callback(newConfig); err != nil {
			logger.Warnw("Config reload callback error", logger.FieldError, err)
		}
	}

	return nil
}

// Stop stops watching for config changes
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	cw.mu.Unlock()
	return cw.watcher.Close()
}

// isBackupFile checks if the file is a rotated backup (.back1, .back2, .back3)
func isBackupFile(path string) bool {
	ext := filepath.Ext(path)
	return strings.HasPrefix(ext, ".back")
}

// SetGlobalWatcher sets the global watcher instance (used to prevent reload loops)
func SetGlobalWatcher(watcher *ConfigWatcher) {
	globalWatcherMu.Lock()
	defer globalWatcherMu.Unlock()
	globalWatcher = watcher
}
