// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package linkage

import (
	"sync"

	"github.com/cyrilzhao/formlink/services/linkage/fieldpath"
)

// SetOptions controls the side effects of a value write.
//
// The engine always writes with the zero value: no validation, no
// dirty-tracking, avoiding feedback noise from its own computed-value
// write-backs.
type SetOptions struct {
	// Validate requests field validation after the write.
	Validate bool

	// MarkDirty requests dirty-tracking for the written field.
	MarkDirty bool
}

// ChangeHandler is notified with the path of a changed field.
type ChangeHandler func(field string)

// ValueStore is the narrow interface the engine needs from the host form
// data layer.
//
// GetValues must return a snapshot: the engine reads it throughout a
// recompute cycle and requires it not to change underneath.
type ValueStore interface {
	// GetValues returns a snapshot of all current field values.
	GetValues() map[string]any

	// SetValue writes one field's value.
	SetValue(field string, value any, opts SetOptions) error

	// Subscribe registers a change handler and returns its unsubscribe
	// function. Handlers may be invoked synchronously from SetValue.
	Subscribe(fn ChangeHandler) func()
}

// MemoryStore is an in-memory ValueStore.
//
// # Thread Safety
//
// Safe for concurrent use. Change handlers run outside the store lock,
// on the writer's goroutine.
type MemoryStore struct {
	mu      sync.RWMutex
	values  map[string]any
	subs    map[int]ChangeHandler
	nextSub int
}

// NewMemoryStore creates a store seeded with a deep copy of initial.
func NewMemoryStore(initial map[string]any) *MemoryStore {
	values, _ := fieldpath.Clone(initial).(map[string]any)
	if values == nil {
		values = make(map[string]any)
	}
	return &MemoryStore{
		values: values,
		subs:   make(map[int]ChangeHandler),
	}
}

// GetValues returns a deep copy of the value tree.
func (s *MemoryStore) GetValues() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot, _ := fieldpath.Clone(s.values).(map[string]any)
	return snapshot
}

// SetValue writes a field and notifies subscribers.
func (s *MemoryStore) SetValue(field string, value any, opts SetOptions) error {
	s.mu.Lock()
	if err := fieldpath.Write(s.values, field, fieldpath.Clone(value)); err != nil {
		s.mu.Unlock()
		return err
	}
	handlers := make([]ChangeHandler, 0, len(s.subs))
	for _, fn := range s.subs {
		handlers = append(handlers, fn)
	}
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(field)
	}
	return nil
}

// Replace swaps the whole value tree without notifying subscribers;
// callers doing a wholesale replace follow up with an explicit engine
// Refresh.
func (s *MemoryStore) Replace(values map[string]any) {
	cloned, _ := fieldpath.Clone(values).(map[string]any)
	if cloned == nil {
		cloned = make(map[string]any)
	}
	s.mu.Lock()
	s.values = cloned
	s.mu.Unlock()
}

// Subscribe registers a change handler.
func (s *MemoryStore) Subscribe(fn ChangeHandler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

var _ ValueStore = (*MemoryStore)(nil)
