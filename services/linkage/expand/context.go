// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package expand

import (
	"strconv"

	"github.com/cyrilzhao/formlink/services/linkage/fieldpath"
)

// ArrayContext identifies the array element a concrete relationship was
// instantiated for.
type ArrayContext struct {
	// ArrayPath is the absolute path of the array itself.
	ArrayPath string `json:"array_path"`

	// ArrayIndex is the element index within the array.
	ArrayIndex int `json:"array_index"`
}

// DeriveContext extracts the array context from a concrete field path.
//
// # Description
//
// Scans the path for its first numeric segment following at least one
// non-numeric segment: for "contacts.0.email" the context is
// {ArrayPath: "contacts", ArrayIndex: 0}. Used to make relative
// references resolve against the right element and to pass array
// identity into derivation functions.
//
// # Outputs
//
//   - ArrayContext: The derived context.
//   - bool: False when the path contains no such segment.
func DeriveContext(path string) (ArrayContext, bool) {
	segments := fieldpath.Split(path)
	for i := 1; i < len(segments); i++ {
		if !fieldpath.IsIndexSegment(segments[i]) {
			continue
		}
		if fieldpath.IsIndexSegment(segments[i-1]) {
			continue
		}
		idx, _ := strconv.Atoi(segments[i])
		return ArrayContext{
			ArrayPath:  fieldpath.Rebuild(segments, i-1),
			ArrayIndex: idx,
		}, true
	}
	return ArrayContext{}, false
}
