// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package linkage

import "errors"

// Sentinel errors for the linkage package.
var (
	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNilStore is returned when an engine is created without a value
	// store.
	ErrNilStore = errors.New("value store must not be nil")

	// ErrNotInitialized is returned when the engine is used before
	// Initialize.
	ErrNotInitialized = errors.New("engine has not been initialized")

	// ErrUnknownFunction is returned when a derivation function name has
	// no registration. During live recompute this is logged, never
	// propagated.
	ErrUnknownFunction = errors.New("unknown derivation function")

	// ErrDuplicateFunction is returned when registering a function name
	// twice.
	ErrDuplicateFunction = errors.New("derivation function already registered")
)
