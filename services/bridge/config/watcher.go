// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// projectConfigNames are the SQLMesh project config files whose changes
// require a backend restart to take effect.
var projectConfigNames = map[string]bool{
	"config.yaml": true,
	"config.yml":  true,
	"config.py":   true,
}

// debounceWindow coalesces editor save bursts into one restart trigger.
const debounceWindow = 500 * time.Millisecond

// ProjectWatcher watches a project root for config-file changes and
// invokes a callback, debounced. The command layer wires the callback to a
// supervisor restart.
//
// Thread Safety: Start should be called once; Close is safe any time.
type ProjectWatcher struct {
	root     string
	watcher  *fsnotify.Watcher
	onChange func(path string)
	logger   *slog.Logger
}

// NewProjectWatcher creates a watcher for the project root.
func NewProjectWatcher(root string, onChange func(path string), logger *slog.Logger) (*ProjectWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProjectWatcher{
		root:     root,
		watcher:  w,
		onChange: onChange,
		logger:   logger.With(slog.String("component", "configwatch"), slog.String("workspace", root)),
	}, nil
}

// Start watches until ctx is cancelled. Blocks; run it on a goroutine.
func (w *ProjectWatcher) Start(ctx context.Context) {
	if err := w.watcher.Add(w.root); err != nil {
		w.logger.Warn("could not watch project root", "error", err)
		return
	}
	w.logger.Debug("watching project config")

	var (
		timer   *time.Timer
		pending string
		fire    <-chan time.Time
	)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			pending = event.Name
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounceWindow)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.logger.Info("project config changed", "path", pending)
			w.onChange(pending)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)

		case <-ctx.Done():
			return
		}
	}
}

// relevant reports whether the event concerns a project config file.
func (w *ProjectWatcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	return projectConfigNames[filepath.Base(event.Name)]
}

// Close stops the watcher.
func (w *ProjectWatcher) Close() error {
	return w.watcher.Close()
}
