package plexus

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Snapshot publishes an immutable *Config. Readers call Current and keep the
// returned pointer for the lifetime of their request; Replace swaps the
// pointer atomically so reloads never tear a half-read view.
type Snapshot struct {
	ptr atomic.Pointer[Config]
}

// NewSnapshot creates a snapshot holding cfg.
func NewSnapshot(cfg *Config) *Snapshot {
	s := &Snapshot{}
	s.ptr.Store(cfg)
	return s
}

// Current returns the currently published config. The returned value must be
// treated as read-only.
func (s *Snapshot) Current() *Config { return s.ptr.Load() }

// Replace atomically publishes a new config.
func (s *Snapshot) Replace(cfg *Config) { s.ptr.Store(cfg) }

// Watch reloads the config file whenever it changes on disk, validates it,
// and publishes it through the snapshot. Invalid files are logged and
// skipped; the previous config stays live. Watch blocks until ctx is done.
//
// Editors typically replace the file (rename + chmod) rather than write in
// place, so the parent directory is watched and events are debounced.
func (s *Snapshot) Watch(ctx context.Context, path string, log *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)

	var debounce *time.Timer
	reload := func() {
		cfg, err := LoadConfig(target)
		if err != nil {
			log.Error("config reload failed", "path", target, "error", err.Error())
			return
		}
		if err := ValidateConfig(cfg); err != nil {
			log.Error("config reload rejected", "path", target, "error", err.Error())
			return
		}
		s.Replace(cfg)
		log.Info("config reloaded", "path", target, "providers", len(cfg.Providers), "aliases", len(cfg.Models))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error("config watcher error", "error", err.Error())
		}
	}
}
