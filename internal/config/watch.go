package config

import (
	"fmt"
	"log/slog"
	"time"

	"lifetracker/internal/watcher"
)

const reloadDebounce = 500 * time.Millisecond

// Watch starts watching the config file at path for changes.
// It calls onChange with the reloaded config when a change is detected.
// It returns a close function to stop watching.
func Watch(path string, onChange func(*Config)) (func(), error) {
	if path == "" {
		path = DefaultPath()
	}
	logger := slog.Default().With("component", "config")

	w := watcher.New(func(_, changed string) {
		cfg, err := Load(changed)
		if err != nil {
			logger.Warn("reload failed, keeping previous config", "path", changed, "error", err)
			return
		}
		if err := cfg.Validate(); err != nil {
			logger.Warn("reloaded config is invalid, keeping previous config", "path", changed, "error", err)
			return
		}
		if onChange != nil {
			onChange(cfg)
		}
	}, watcher.WithDebounce(reloadDebounce), watcher.WithLogger(logger))

	if err := w.Watch("config", path); err != nil {
		return nil, fmt.Errorf("watching config path %s: %w", path, err)
	}
	return w.Shutdown, nil
}
