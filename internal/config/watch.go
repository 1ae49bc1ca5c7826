package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce collapses the burst of events an editor emits for a
// single save.
const DefaultReloadDebounce = 250 * time.Millisecond

// Reloader rebuilds the effective Config whenever its YAML file changes.
// A reload applies the file, then the .env and TURBINE_* overrides, then
// Override. The directory is watched rather than the file so that editors
// replacing the file by rename keep being tracked.
type Reloader struct {
	Path     string
	EnvFiles []string      // passed to LoadEnv; nil means ".env"
	Override func(*Config) // e.g. command-line flags; may be nil
	Debounce time.Duration
	Logger   *slog.Logger
}

// Run blocks until ctx is cancelled. onChange receives each reloaded config
// that differs from the last one delivered; a reload that fails keeps the
// previous config and is logged.
func (r *Reloader) Run(ctx context.Context, onChange func(*Config)) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := r.Debounce
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	target := filepath.Clean(r.Path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return err
	}
	logger.Info("config: watching for changes", "path", target)

	last, err := r.load()
	if err != nil {
		logger.Warn("config: initial load failed", "path", target, "err", err)
		last = nil
	}

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Has(fsnotify.Remove) || event.Has(fsnotify.Chmod) {
				continue
			}
			timer.Reset(debounce)

		case <-timer.C:
			next, err := r.load()
			if err != nil {
				logger.Error("config: reload failed, keeping previous config", "path", target, "err", err)
				continue
			}
			if last != nil && reflect.DeepEqual(next, last) {
				logger.Debug("config: file changed without effect", "path", target)
				continue
			}
			last = next
			logger.Info("config: reloaded", "path", target)
			onChange(next)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("config: watcher error", "err", err)
		}
	}
}

func (r *Reloader) load() (*Config, error) {
	cfg, err := Load(r.Path)
	if err != nil {
		return nil, err
	}
	if err := LoadEnv(cfg, r.EnvFiles...); err != nil {
		return nil, err
	}
	if r.Override != nil {
		r.Override(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
