// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package schema

import (
	"errors"
	"fmt"
)

// Sentinel errors for the schema package.
var (
	// ErrInvalidSchema is returned when a schema fails validation.
	ErrInvalidSchema = errors.New("invalid form schema")

	// ErrUnsupportedOperator is returned for an operator outside the
	// closed set.
	ErrUnsupportedOperator = errors.New("unsupported condition operator")

	// ErrWatcherClosed is returned when using a closed schema watcher.
	ErrWatcherClosed = errors.New("schema watcher is closed")
)

// ValidationError describes one authoring problem found at load time.
type ValidationError struct {
	// Field is the linkage target or schema field the problem is on.
	Field string

	// Reason is a human-readable description.
	Reason string

	// Err is the underlying sentinel, if any.
	Err error
}

// Error returns the error message.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema validation: %s", e.Reason)
	}
	return fmt.Sprintf("schema validation: field %q: %s", e.Field, e.Reason)
}

// Unwrap returns the underlying sentinel.
func (e *ValidationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidSchema
}
