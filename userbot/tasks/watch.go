package tasks

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/m3rciful/userbots/core/logger"
)

const defaultWatchDebounce = 250 * time.Millisecond

// Watch reloads r whenever files under its directory change, then calls
// onChange (if set) after each successful reload. Bursts of file events inside
// debounce collapse into one reload. Watch blocks until ctx is done.
func Watch(ctx context.Context, r *Registry, debounce time.Duration, onChange func()) error {
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}
	root, err := filepath.Abs(r.Dir())
	if err != nil {
		return fmt.Errorf("tasks: watch abs dir: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("tasks: ensure dir: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("tasks: create watcher: %w", err)
	}
	defer fsw.Close()

	if err := addRecursive(fsw, root); err != nil {
		return err
	}
	logger.Info(ctx, logger.CompTasks, "tasks.watch.start", slog.String("path", root))

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if evt.Op&fsnotify.Create != 0 && isDir(evt.Name) {
				_ = addRecursive(fsw, evt.Name)
			}
			if evt.Op == fsnotify.Chmod {
				continue
			}
			timer.Reset(debounce)
		case werr, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logger.Warn(ctx, logger.CompTasks, "tasks.watch.error", slog.String("err", werr.Error()))
		case <-timer.C:
			if _, err := r.Load(ctx); err != nil {
				logger.Error(ctx, logger.CompTasks, "tasks.reload.failed", slog.String("err", err.Error()))
				continue
			}
			if onChange != nil {
				onChange()
			}
		}
	}
}

func addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := fsw.Add(path); err != nil {
			return fmt.Errorf("tasks: watch %s: %w", path, err)
		}
		return nil
	})
}

func isDir(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.IsDir()
}
