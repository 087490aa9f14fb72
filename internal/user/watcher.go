package user

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce batches rapid editor writes into one reload.
const watchDebounce = 500 * time.Millisecond

// Watch reloads the registry whenever the users file changes on disk.
// The parent directory is watched rather than the file itself so editors
// that replace the file via rename keep triggering events. Blocks until
// ctx is cancelled.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(r.cfg.UsersFile)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching users dir: %w", err)
	}

	r.logger.Info("users file watcher started", slog.String("file", r.cfg.UsersFile))

	var pending bool
	timer := time.NewTimer(watchDebounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}
			if filepath.Clean(event.Name) != filepath.Clean(r.cfg.UsersFile) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !pending {
				pending = true
				timer.Reset(watchDebounce)
			}

		case <-timer.C:
			pending = false
			if err := r.Reload(); err != nil {
				r.logger.Warn("users file reload failed", slog.String("error", err.Error()))
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}
			r.logger.Warn("users file watcher error", slog.String("error", err.Error()))
		}
	}
}
