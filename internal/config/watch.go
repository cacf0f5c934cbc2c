package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// Watch re-reads the [render] section of path whenever it is written and submits
// the difference to store. It returns when ctx is cancelled.
func Watch(ctx context.Context, path string, store *Store, logger *log.Logger) error {
	path = filepath.Clean(path)

	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer fsWatch.Close()

	// Editors replace files on save, so watch the directory and filter by name.
	if err := fsWatch.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	for {
		select {
		case e, ok := <-fsWatch.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(e.Name) != path {
				continue
			}
			if e.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if err := reload(path, store); err != nil {
				logger.Warn("ignoring config change", "file", path, "err", err)
				continue
			}
			logger.Debug("config reloaded", "file", path)

		case err, ok := <-fsWatch.Errors:
			if !ok {
				return nil
			}
			logger.Error("config watcher", "err", err)

		case <-ctx.Done():
			return nil
		}
	}
}

func reload(path string, store *Store) error {
	current := store.Current()
	updated, err := ReadRender(path, current)
	if err != nil {
		return err
	}
	_, err = store.Submit(Diff(current, updated))
	return err
}
