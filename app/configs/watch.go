package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 500 * time.Millisecond

// Watch reloads the config file on change and pushes the result through
// apply. It blocks until ctx is cancelled. Editors replace rather than
// rewrite files, so the parent directory is watched, not the file itself.
func (m *Manager) Watch(ctx context.Context, log *zap.Logger, apply func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(m.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	var lastReload time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(m.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if time.Since(lastReload) < reloadDebounce {
				continue
			}
			lastReload = time.Now()

			cfg, err := m.Reload()
			if err != nil {
				log.Warn("config reload failed", zap.String("path", m.path), zap.Error(err))
				continue
			}
			log.Info("config reloaded", zap.String("path", m.path))
			apply(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", zap.Error(err))
		}
	}
}
