// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package fieldpath

import "strconv"

// Lookup reads the value at path inside a nested value tree.
//
// # Description
//
// The tree is the shape produced by decoding JSON or YAML form data:
// map[string]any nodes for objects and []any nodes for arrays. Numeric
// segments index into arrays; all other segments key into maps.
//
// # Inputs
//
//   - root: The value tree. May be nil.
//   - path: Dotted field path.
//
// # Outputs
//
//   - any: The value found, or nil.
//   - bool: False if any segment is missing or of the wrong shape.
func Lookup(root map[string]any, path string) (any, bool) {
	if root == nil || path == "" {
		return nil, false
	}
	var current any = root
	for _, segment := range Split(path) {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Write sets the value at path inside the tree, creating intermediate map
// nodes as needed.
//
// Array segments must already exist with the index in range: the writer
// never grows arrays, because element count is owned by the caller's form
// data, not by linkage write-back.
func Write(root map[string]any, path string, value any) error {
	if root == nil {
		return NewPathError(path, "nil value tree")
	}
	segments := Split(path)
	if len(segments) == 0 {
		return NewPathError(path, "empty path")
	}
	var current any = root
	for i, segment := range segments[:len(segments)-1] {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[segment]
			if !ok || next == nil {
				child := map[string]any{}
				node[segment] = child
				current = child
				continue
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return NewPathError(path, "array index out of range at segment "+segment)
			}
			current = node[idx]
		default:
			return NewPathError(path, "cannot descend through scalar at "+Rebuild(segments, i))
		}
	}
	last := segments[len(segments)-1]
	switch node := current.(type) {
	case map[string]any:
		node[last] = value
	case []any:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= len(node) {
			return NewPathError(path, "array index out of range at segment "+last)
		}
		node[idx] = value
	default:
		return NewPathError(path, "cannot assign into scalar parent")
	}
	return nil
}

// Clone deep-copies a value tree.
//
// Only the container shapes produced by JSON/YAML decoding are copied
// structurally; scalars are shared, which is safe because the engine never
// mutates scalars in place.
func Clone(v any) any {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			out[k] = Clone(child)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, child := range node {
			out[i] = Clone(child)
		}
		return out
	default:
		return v
	}
}
