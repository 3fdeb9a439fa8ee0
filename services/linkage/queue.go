// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package linkage

import "sync"

// Task is one scheduled recompute cycle, pinned to the logical time of
// the field change that triggered it.
type Task struct {
	// Field is the changed field that triggered this task.
	Field string

	// Affected lists the fields whose linkages must be re-evaluated,
	// already in dependency order.
	Affected []string

	// Timestamp is the logical time assigned at enqueue. A task whose
	// timestamp is no longer the latest for its field is stale and its
	// results must be discarded.
	Timestamp uint64
}

// TaskQueue serializes recompute scheduling per trigger field.
//
// # Description
//
// Every field change gets a fresh logical timestamp. When the same field
// changes again before an earlier task commits, the earlier task's
// timestamp goes stale and its results are dropped unwritten: last
// request wins. The queue also tracks fields the engine is currently
// writing back, so the store's change notification for an engine write
// does not trigger another cycle.
//
// # Thread Safety
//
// Safe for concurrent use.
type TaskQueue struct {
	mu       sync.Mutex
	clock    uint64
	latest   map[string]uint64
	affected map[string][]string
	updating map[string]int
}

// NewTaskQueue creates an empty queue.
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{
		latest:   make(map[string]uint64),
		affected: make(map[string][]string),
		updating: make(map[string]int),
	}
}

// Enqueue registers a change of field with the given affected set and
// returns the task to run. Any pending task for the same field is
// superseded.
func (q *TaskQueue) Enqueue(field string, affected []string) Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clock++
	q.latest[field] = q.clock
	q.affected[field] = affected
	return Task{Field: field, Affected: affected, Timestamp: q.clock}
}

// IsTaskValid reports whether the task is still the latest for its
// trigger field.
func (q *TaskQueue) IsTaskValid(task Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.latest[task.Field] == task.Timestamp
}

// Complete clears the task's bookkeeping if it is still the latest.
func (q *TaskQueue) Complete(task Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.latest[task.Field] != task.Timestamp {
		return
	}
	delete(q.latest, task.Field)
	delete(q.affected, task.Field)
}

// MarkFieldUpdating flags a field as being written by the engine. Calls
// nest; each must be paired with UnmarkFieldUpdating.
func (q *TaskQueue) MarkFieldUpdating(field string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.updating[field]++
}

// UnmarkFieldUpdating removes one updating flag for the field.
func (q *TaskQueue) UnmarkFieldUpdating(field string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.updating[field] <= 1 {
		delete(q.updating, field)
		return
	}
	q.updating[field]--
}

// IsFieldUpdating reports whether an engine write to the field is in
// flight.
func (q *TaskQueue) IsFieldUpdating(field string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.updating[field] > 0
}

// Reset drops all pending state. Used when the engine re-initializes.
func (q *TaskQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.latest = make(map[string]uint64)
	q.affected = make(map[string][]string)
	q.updating = make(map[string]int)
}
