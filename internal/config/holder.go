package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 500 * time.Millisecond

// Attribute keys shared with the logging package, which imports config and
// so cannot be imported here.
const (
	logKeyComponent = "component"
	logKeyEventType = "event_type"
	logKeyError     = "error"
)

// Holder keeps the active configuration and swaps it when the file on disk
// changes. Readers always observe a fully validated config.
type Holder struct {
	mu      sync.RWMutex
	current *Config
	path    string
	logger  *slog.Logger

	listenersMu sync.Mutex
	listeners   []func(*Config)
}

// NewHolder wraps an already loaded config. path may be empty when no file
// backs the configuration, in which case Watch is a no-op.
func NewHolder(initial *Config, path string, logger *slog.Logger) *Holder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Holder{
		current: initial,
		path:    path,
		logger:  logger.With(slog.String(logKeyComponent, "config")),
	}
}

// Get returns the current configuration.
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// OnReload registers fn to run after each successful reload.
func (h *Holder) OnReload(fn func(*Config)) {
	if fn == nil {
		return
	}
	h.listenersMu.Lock()
	h.listeners = append(h.listeners, fn)
	h.listenersMu.Unlock()
}

// Reload re-reads the backing file. A file that fails to parse or validate
// leaves the previous configuration in place.
func (h *Holder) Reload() error {
	if h.path == "" {
		return nil
	}
	next, _, _, err := Load(h.path)
	if err != nil {
		h.logger.Error("config reload rejected",
			slog.String(logKeyEventType, "config_reload_failed"),
			slog.String("path", h.path),
			slog.Any(logKeyError, err),
		)
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	h.current = next
	h.mu.Unlock()

	h.listenersMu.Lock()
	listeners := append([]func(*Config){}, h.listeners...)
	h.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(next)
	}

	h.logger.Info("config reloaded",
		slog.String(logKeyEventType, "config_reloaded"),
		slog.String("path", h.path),
	)
	return nil
}

// Watch follows the config file until ctx is cancelled. The parent directory
// is watched so editors that replace the file by rename are still observed.
func (h *Holder) Watch(ctx context.Context) error {
	if h.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(h.path)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(h.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				_ = h.Reload()
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.Warn("config watcher error",
				slog.String(logKeyEventType, "config_watch_error"),
				slog.Any(logKeyError, err),
			)
		}
	}
}
