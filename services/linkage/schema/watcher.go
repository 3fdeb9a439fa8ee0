// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package schema

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads schema files when they change on disk.
//
// # Description
//
// Watches a directory of schema documents and delivers each successfully
// re-parsed schema on Updates. A schema that fails validation after an
// edit is logged and skipped; the previously delivered version stays
// live, matching the engine's degrade-gracefully policy.
//
// Writes are debounced because editors typically emit several events per
// save.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Watcher struct {
	fsw     *fsnotify.Watcher
	updates chan *FormSchema
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool

	// debounce is how long to wait after the last write event before
	// reloading.
	debounce time.Duration
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the logger.
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithDebounce sets the reload debounce interval.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// NewWatcher starts watching dir for schema file changes.
//
// Only files with .yaml, .yml, or .json extensions trigger reloads.
// Callers must drain Updates and call Close when done.
func NewWatcher(dir string, opts ...WatcherOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	w := &Watcher{
		fsw:      fsw,
		updates:  make(chan *FormSchema, 8),
		logger:   slog.Default(),
		pending:  make(map[string]*time.Timer),
		debounce: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}

	go w.run()
	return w, nil
}

// Updates delivers each schema successfully reloaded after a file change.
func (w *Watcher) Updates() <-chan *FormSchema {
	return w.updates
}

// Close stops watching and closes the Updates channel.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWatcherClosed
	}
	w.closed = true
	for _, t := range w.pending {
		t.Stop()
	}
	w.mu.Unlock()
	return w.fsw.Close()
}

func (w *Watcher) run() {
	defer close(w.updates)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !isSchemaFile(event.Name) {
				continue
			}
			w.scheduleReload(event.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("schema watcher error", "error", err)
		}
	}
}

// scheduleReload (re)arms the debounce timer for one file.
func (w *Watcher) scheduleReload(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.reload(path)
	})
}

func (w *Watcher) reload(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}

	s, err := Load(path)
	if err != nil {
		w.logger.Warn("schema reload skipped",
			"path", path,
			"error", err,
		)
		return
	}
	w.logger.Info("schema reloaded",
		"path", path,
		"form_id", s.FormID,
		"linkages", len(s.Linkages),
	)
	select {
	case w.updates <- s:
	default:
		w.logger.Warn("schema update dropped, consumer not draining", "form_id", s.FormID)
	}
}

func isSchemaFile(path string) bool {
	switch filepath.Ext(path) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
