// ABOUTME: Watches the configuration file and reloads it on change
// ABOUTME: Invalid edits are logged and the previous configuration stays in effect

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce collapses the burst of events an editor save produces
const reloadDebounce = 100 * time.Millisecond

// Watch reloads the file at path whenever it changes and passes each valid
// configuration to onChange. It blocks until ctx is done.
//
// The parent directory is watched rather than the file itself so saves that
// replace the file by rename are still seen.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "config", "path", path)

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending = time.After(reloadDebounce)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)

		case <-pending:
			pending = nil
			cfg, err := Load(abs)
			if err != nil {
				logger.Error("ignoring invalid config change", "error", err)
				continue
			}
			logger.Info("config reloaded")
			onChange(cfg)
		}
	}
}
