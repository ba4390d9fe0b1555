package config

import (
	"context"
	"os"
	"sync"
	"time"

	"whatsauto/internal/constants"
	"whatsauto/internal/models"

	"github.com/sirupsen/logrus"
)

// Watcher polls the config file and reloads it when its modification time
// changes. Only settings that are safe to change at runtime should be read
// from reloaded configs; the log level is the main one.
type Watcher struct {
	path      string
	interval  time.Duration
	logger    *logrus.Logger
	mu        sync.RWMutex
	config    *models.Config
	modTime   time.Time
	callbacks []func(*models.Config)
}

// NewWatcher starts from an already loaded config
func NewWatcher(path string, initial *models.Config, logger *logrus.Logger) *Watcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	w := &Watcher{
		path:     path,
		interval: constants.ConfigWatchIntervalSec * time.Second,
		logger:   logger,
		config:   initial,
	}
	if stat, err := os.Stat(path); err == nil {
		w.modTime = stat.ModTime()
	}
	return w
}

// Start polls until ctx is cancelled
func (w *Watcher) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.WithField("path", w.path).Info("Configuration watcher started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) Config() *models.Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// OnChange registers fn to run after every successful reload
func (w *Watcher) OnChange(fn func(*models.Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

func (w *Watcher) poll() {
	stat, err := os.Stat(w.path)
	if err != nil {
		w.logger.WithError(err).Error("Failed to stat configuration file")
		return
	}
	if !stat.ModTime().After(w.modTime) {
		return
	}
	w.modTime = stat.ModTime()
	w.reload()
}

func (w *Watcher) reload() {
	next, err := LoadConfig(w.path)
	if err != nil {
		w.logger.WithError(err).Error("Failed to reload configuration, keeping previous")
		return
	}

	w.mu.Lock()
	previous := w.config
	w.config = next
	callbacks := append(([]func(*models.Config))(nil), w.callbacks...)
	w.mu.Unlock()

	if previous != nil && previous.LogLevel != next.LogLevel {
		w.logger.WithFields(logrus.Fields{"old": previous.LogLevel, "new": next.LogLevel}).Info("Log level changed")
	}
	w.logger.Info("Configuration reloaded")

	for _, fn := range callbacks {
		w.runCallback(fn, next)
	}
}

func (w *Watcher) runCallback(fn func(*models.Config), c *models.Config) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.WithField("panic", r).Error("Config change callback panicked")
		}
	}()
	fn(c)
}
