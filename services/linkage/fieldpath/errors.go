// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package fieldpath

import (
	"errors"
	"fmt"
)

// Sentinel errors for the fieldpath package.
var (
	// ErrMalformedPath is returned for unsupported path reference syntax.
	ErrMalformedPath = errors.New("malformed path reference")
)

// PathError carries the offending reference alongside ErrMalformedPath.
type PathError struct {
	Ref    string
	Reason string
}

// Error returns the error message.
func (e *PathError) Error() string {
	return fmt.Sprintf("malformed path reference %q: %s", e.Ref, e.Reason)
}

// Unwrap returns ErrMalformedPath so callers can match with errors.Is.
func (e *PathError) Unwrap() error {
	return ErrMalformedPath
}

// NewPathError creates a PathError.
func NewPathError(ref, reason string) *PathError {
	return &PathError{Ref: ref, Reason: reason}
}
