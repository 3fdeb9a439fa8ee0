// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package linkage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// FunctionContext describes the field a derivation function is computing
// for.
type FunctionContext struct {
	// FieldPath is the concrete target field path.
	FieldPath string

	// ArrayPath is the nearest enclosing array, or empty when the field
	// is not inside one.
	ArrayPath string

	// ArrayIndex is the element index within ArrayPath, or -1.
	ArrayIndex int
}

// DerivationFunc computes a derived value from a value snapshot.
//
// # Description
//
// Schema-supplied derivation functions may block (I/O, async work); the
// engine invokes them one at a time in dependency order, so within a
// recompute cycle each function observes already-updated upstream values.
// The snapshot must not be mutated.
//
// For boolean trigger functions (the string form of a when clause), the
// returned value must be a bool.
type DerivationFunc func(ctx context.Context, values map[string]any, fctx FunctionContext) (any, error)

// FunctionRegistry is the capability table mapping derivation function
// names to implementations.
//
// # Description
//
// A plain, explicit name -> function mapping with an explicit not-found
// outcome. Nothing is resolved by reflection.
//
// # Thread Safety
//
// Safe for concurrent use.
type FunctionRegistry struct {
	mu  sync.RWMutex
	fns map[string]DerivationFunc
}

// NewFunctionRegistry creates an empty registry.
func NewFunctionRegistry() *FunctionRegistry {
	return &FunctionRegistry{fns: make(map[string]DerivationFunc)}
}

// Register adds a named derivation function.
//
// Returns ErrInvalidInput for an empty name or nil function, and
// ErrDuplicateFunction when the name is taken.
func (r *FunctionRegistry) Register(name string, fn DerivationFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("%w: function name and implementation are required", ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.fns[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateFunction, name)
	}
	r.fns[name] = fn
	return nil
}

// Get returns the function registered under name, or
// ErrUnknownFunction.
func (r *FunctionRegistry) Get(name string) (DerivationFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, name)
	}
	return fn, nil
}

// Names returns all registered names, sorted.
func (r *FunctionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.fns))
	for name := range r.fns {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
