// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package registry indexes loaded form schemas by form id.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cyrilzhao/formlink/pkg/logging"
	"github.com/cyrilzhao/formlink/services/linkage/schema"
)

// Registry holds the current schema per form id. Put replaces, so a
// schema watcher can hot-swap schemas while sessions keep the version
// they initialized with.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*schema.FormSchema
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{byID: make(map[string]*schema.FormSchema)}
}

// LoadDir loads every schema file (.yaml, .yml, .json) in dir. A file
// that fails to parse or validate aborts the load; a server should not
// start on a broken schema directory.
func (r *Registry) LoadDir(dir string, logger *logging.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading schema directory %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		path := filepath.Join(dir, entry.Name())
		form, err := schema.Load(path)
		if err != nil {
			return fmt.Errorf("loading schema %s: %w", path, err)
		}
		r.Put(form)
		if logger != nil {
			logger.Info("schema loaded", "form_id", form.FormID, "path", path)
		}
	}
	return nil
}

// Put registers or replaces a schema under its form id.
func (r *Registry) Put(form *schema.FormSchema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[form.FormID] = form
}

// Get returns the schema for a form id.
func (r *Registry) Get(formID string) (*schema.FormSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	form, ok := r.byID[formID]
	return form, ok
}

// IDs returns the registered form ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
