package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads the config file when it changes on disk
type Watcher struct {
	path     string
	onChange func(*Config)
	logger   *logrus.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// Watch starts watching configPath. onChange receives every valid reload;
// invalid files are logged and ignored.
func Watch(configPath string, logger *logrus.Logger, onChange func(*Config)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}

	abs, err := filepath.Abs(configPath)
	if err != nil {
		watcher.Close()
		return nil, err
	}

	// Watch the directory so editors that replace the file are still seen
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	w := &Watcher{
		path:     abs,
		onChange: onChange,
		logger:   logger,
		watcher:  watcher,
		debounce: 250 * time.Millisecond,
	}
	go w.watchFiles()

	logger.WithField("config_path", abs).Info("Config watcher started")
	return w, nil
}

// Close stops the watcher (idempotent)
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}

// watchFiles selects on watcher channels and dispatches events
func (w *Watcher) watchFiles() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("Config watcher error")
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

	// Editors often write in several steps; reload once they settle
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(w.path, cfg); err != nil {
		w.logger.WithError(err).WithField("config_path", w.path).Warn("Ignoring unreadable config change")
		return
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		w.logger.WithError(err).WithField("config_path", w.path).Warn("Ignoring invalid config change")
		return
	}

	w.logger.WithField("config_path", w.path).Info("Configuration reloaded")
	w.onChange(cfg)
}
