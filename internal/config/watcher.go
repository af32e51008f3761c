package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"bridgectl/internal/api"
	"bridgectl/pkg/logging"

	"github.com/fsnotify/fsnotify"
)

const watcherSubsystem = "RecordWatcher"

// recordDebounce collapses the burst of events an atomic save produces.
const recordDebounce = 150 * time.Millisecond

// WatchRecord calls onChange with the freshly loaded record whenever the file
// at path is written, created or replaced. The parent directory is watched so
// atomic renames are seen. It returns once the watch is established and stops
// when ctx ends.
func WatchRecord(ctx context.Context, path string, onChange func(api.BackendRecord)) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(recordDebounce)
				} else {
					timer.Reset(recordDebounce)
				}
				fire = timer.C

			case <-fire:
				fire = nil
				record, err := readRecord(path)
				if err != nil {
					logging.Warn(watcherSubsystem, "Ignoring unreadable backend record: %v", err)
					continue
				}
				onChange(record)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Error(watcherSubsystem, err, "Backend record watcher error")
			}
		}
	}()

	logging.Info(watcherSubsystem, "Watching %s for changes", path)
	return nil
}
