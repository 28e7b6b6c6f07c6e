package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the write/rename event bursts editors produce
// when saving a file into a single reload.
const reloadDebounce = 250 * time.Millisecond

// Watch monitors the config file and invokes onReload with the freshly
// loaded Config whenever it changes. Invalid configs are logged and skipped;
// the previous config stays in effect. Watch blocks until ctx is
// canceled; callers run it on its own goroutine.
//
// The parent directory is watched rather than the file itself because many
// editors replace files by rename, which drops a direct file watch.
func Watch(ctx context.Context, path string, logger *slog.Logger, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	var timer *time.Timer

	pending := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			if timer != nil {
				timer.Stop()
			}

			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("config watcher error", slog.String("error", err.Error()))

		case <-pending:
			cfg, loadErr := Load(path)
			if loadErr != nil {
				logger.Warn("config reload failed, keeping current config",
					slog.String("path", path),
					slog.String("error", loadErr.Error()),
				)

				continue
			}

			logger.Info("config reloaded", slog.String("path", path))
			onReload(cfg)
		}
	}
}
