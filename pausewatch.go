package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// watchPauseMarker calls pause when the marker file at path appears. The
// pause command creates the marker; the running export consumes it. A stale
// marker from an earlier run is removed before watching starts. The watcher
// runs until ctx ends.
func watchPauseMarker(ctx context.Context, path string, pause func(), logger *slog.Logger) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale pause marker: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating pause watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()

		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}

				if filepath.Clean(ev.Name) != filepath.Clean(path) || !ev.Has(fsnotify.Create) {
					continue
				}

				logger.Info("pause marker found", slog.String("path", path))

				if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
					logger.Warn("removing pause marker failed", slog.String("error", err.Error()))
				}

				pause()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}

				logger.Warn("pause watcher error", slog.String("error", err.Error()))
			}
		}
	}()

	return nil
}

// requestPause creates the pause marker for a running export.
func requestPause(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, pidFilePermissions)
	if err != nil {
		return fmt.Errorf("creating pause marker: %w", err)
	}

	return f.Close()
}
