// gomuks-push - Encrypted push notification handling for gomuks.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay coalesces the burst of events editors produce for one save.
const reloadDelay = 250 * time.Millisecond

// Watch reloads the config file whenever it changes and passes the new config
// to onChange. Invalid files are logged and skipped. It blocks until the
// context is cancelled.
func Watch(ctx context.Context, path string, log zerolog.Logger, onChange func(*FileConfig)) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	// The directory is watched rather than the file, as saving usually
	// replaces the file with a new one. On a fresh install neither exists yet.
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()
	if err = watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	log = log.With().Str("component", "config watcher").Str("path", path).Logger()
	log.Debug().Msg("Watching config file")

	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != path {
				continue
			}
			if evt.Has(fsnotify.Write) || evt.Has(fsnotify.Create) || evt.Has(fsnotify.Rename) {
				reload = time.After(reloadDelay)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Config watcher error")
		case <-reload:
			reload = nil
			cfg, err := LoadConfig(path)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to reload config, keeping previous one")
				continue
			}
			log.Info().Msg("Config file reloaded")
			onChange(cfg)
		}
	}
}
