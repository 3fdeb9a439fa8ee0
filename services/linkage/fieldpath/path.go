// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package fieldpath resolves and manipulates field path references.
//
// A field path addresses a value in a form's data tree using dot-separated
// segments, with array elements addressed by numeric index:
//
//	contacts.0.email
//	user.address.city
//
// Schema authors may also use bracket pointer notation, which is normalized
// to the dotted form before it reaches the engine:
//
//	contacts[0].email  ->  contacts.0.email
//
// The only supported relative reference form is "./segment", meaning a
// sibling of the field the reference is declared on. Ancestor traversal
// ("../x") is intentionally unsupported.
package fieldpath

import "strings"

// Separator separates path segments in the dotted form.
const Separator = "."

// relativePrefix marks the only accepted relative reference form.
const relativePrefix = "./"

// Split breaks a dotted path into its segments.
//
// An empty path yields an empty slice, never nil segments.
func Split(path string) []string {
	if path == "" {
		return []string{}
	}
	return strings.Split(path, Separator)
}

// Join assembles segments back into a dotted path.
func Join(segments []string) string {
	return strings.Join(segments, Separator)
}

// Rebuild reconstructs the prefix of a path covering segments[0..upTo]
// inclusive.
//
// # Description
//
// Used together with Split to derive ancestor paths of a field, for
// example when checking whether any ancestor has been hidden by a
// visibility relationship.
//
// # Inputs
//
//   - segments: Segments as returned by Split.
//   - upTo: Index of the last segment to include.
//
// # Outputs
//
//   - string: The rebuilt prefix path. Empty if upTo is negative.
func Rebuild(segments []string, upTo int) string {
	if upTo < 0 {
		return ""
	}
	if upTo >= len(segments) {
		upTo = len(segments) - 1
	}
	return Join(segments[:upTo+1])
}

// Ancestors returns every strict prefix of path, outermost first.
//
// Ancestors("a.b.c") returns ["a", "a.b"]. A single-segment path has no
// ancestors.
func Ancestors(path string) []string {
	segments := Split(path)
	if len(segments) <= 1 {
		return nil
	}
	out := make([]string, 0, len(segments)-1)
	for i := 0; i < len(segments)-1; i++ {
		out = append(out, Rebuild(segments, i))
	}
	return out
}

// IsIndexSegment reports whether a segment is a numeric array index.
func IsIndexSegment(segment string) bool {
	if segment == "" {
		return false
	}
	for _, r := range segment {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// IsRelative reports whether a reference uses relative syntax.
//
// Any reference starting with "." is considered relative. Whether it is a
// *supported* relative form is decided by ResolveRelative.
func IsRelative(ref string) bool {
	return strings.HasPrefix(ref, ".")
}

// ResolveRelative resolves a sibling reference against the absolute path of
// the field the reference was declared on.
//
// # Description
//
// Only the exact form "./rest" is accepted, where rest names a sibling of
// the context field (it may itself be a dotted subpath). Resolution
// replaces the last segment of contextPath with rest:
//
//	ResolveRelative("./city", "user.address.street") -> "user.address.city"
//	ResolveRelative("./age", "user")                 -> "age"
//
// # Inputs
//
//   - ref: The relative reference. Must start with "./".
//   - contextPath: Absolute path of the field declaring the reference.
//
// # Outputs
//
//   - string: The resolved absolute path.
//   - error: ErrMalformedPath (wrapped, naming the offending form) for any
//     unsupported shape: a bare segment, "../x", doubled "./", an empty
//     rest, or an empty context.
func ResolveRelative(ref, contextPath string) (string, error) {
	if contextPath == "" {
		return "", NewPathError(ref, "empty context path")
	}
	if !strings.HasPrefix(ref, relativePrefix) {
		if strings.HasPrefix(ref, "..") {
			return "", NewPathError(ref, "ancestor traversal is not supported, only ./sibling references")
		}
		return "", NewPathError(ref, "expected ./sibling form")
	}
	rest := ref[len(relativePrefix):]
	if rest == "" {
		return "", NewPathError(ref, "missing segment after ./")
	}
	if strings.HasPrefix(rest, ".") || strings.Contains(rest, "/") {
		return "", NewPathError(ref, "expected ./sibling form")
	}
	segments := Split(contextPath)
	parent := segments[:len(segments)-1]
	if len(parent) == 0 {
		return rest, nil
	}
	return Join(parent) + Separator + rest, nil
}

// ResolveRef normalizes any schema-authored reference to an absolute dotted
// path.
//
// Relative references resolve against contextPath; everything else goes
// through ToFieldPath unchanged apart from pointer-notation normalization.
func ResolveRef(ref, contextPath string) (string, error) {
	if IsRelative(ref) {
		return ResolveRelative(ref, contextPath)
	}
	return ToFieldPath(ref), nil
}

// ToFieldPath converts bracket pointer notation to the dotted runtime form.
//
// "contacts[0].email" becomes "contacts.0.email". Paths already in dotted
// form pass through unchanged.
func ToFieldPath(ref string) string {
	if !strings.ContainsRune(ref, '[') {
		return ref
	}
	var b strings.Builder
	b.Grow(len(ref))
	for i := 0; i < len(ref); i++ {
		switch ref[i] {
		case '[':
			if i > 0 && ref[i-1] != '.' {
				b.WriteByte('.')
			}
		case ']':
			// closing bracket is dropped; a following '.' provides the
			// separator for the next segment
		default:
			b.WriteByte(ref[i])
		}
	}
	return b.String()
}

// Equal reports structural equality of two paths: their segment sequences
// must match exactly.
func Equal(a, b string) bool {
	if a == b {
		return true
	}
	as, bs := Split(a), Split(b)
	if len(as) != len(bs) {
		return false
	}
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// IsAncestor reports whether ancestor is a strict prefix of path.
func IsAncestor(ancestor, path string) bool {
	if ancestor == "" || ancestor == path {
		return false
	}
	return strings.HasPrefix(path, ancestor+Separator)
}
