// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package expand instantiates relationship templates declared once per
// repeating-group item schema into one concrete relationship per existing
// array element.
//
// Expansion is rerun against the live value snapshot on every value
// change, not only on array-length changes: element content can change
// which array a nested field sits inside.
package expand

import (
	"fmt"

	"github.com/cyrilzhao/formlink/services/linkage/fieldpath"
	"github.com/cyrilzhao/formlink/services/linkage/schema"
)

// Entry is one concrete relationship after expansion.
type Entry struct {
	// Config is the concrete relationship: target field, dependencies,
	// and condition references are all absolute paths.
	Config *schema.LinkageConfig

	// Contexts are the array contexts the relationship was instantiated
	// under, outermost array first. Empty for non-array relationships.
	Contexts []ArrayContext
}

// Innermost returns the nearest enclosing array context, or nil.
func (e *Entry) Innermost() *ArrayContext {
	if len(e.Contexts) == 0 {
		return nil
	}
	return &e.Contexts[len(e.Contexts)-1]
}

// Set is the field-path-keyed result of expanding a declared relationship
// list against a value snapshot.
type Set struct {
	// ByField maps concrete target paths to their relationships.
	ByField map[string][]*Entry

	// Order lists concrete target paths in declaration order, expansion
	// indices ascending. This is the deterministic tie-break order used
	// downstream.
	Order []string
}

func (s *Set) add(entry *Entry) {
	field := entry.Config.Field
	if _, ok := s.ByField[field]; !ok {
		s.Order = append(s.Order, field)
	}
	s.ByField[field] = append(s.ByField[field], entry)
}

// Entries iterates all entries in deterministic order.
func (s *Set) Entries() []*Entry {
	var out []*Entry
	for _, field := range s.Order {
		out = append(out, s.ByField[field]...)
	}
	return out
}

// Expand instantiates every declared relationship against the current
// value snapshot.
//
// # Description
//
// A relationship whose declared field path crosses an array in the live
// data (an ancestor segment resolves to an array value) is instantiated
// once per element, indices 0..n-1, with its dependencies and condition
// references re-resolved against the concrete element path. Zero-length
// arrays contribute nothing. Nested arrays expand outward-in, each level
// appending its own context. Relationships not crossing any array pass
// through with their references resolved against the declared path.
//
// # Inputs
//
//   - declared: The declared relationship list, in declaration order.
//   - values: Live value snapshot. Not mutated.
//
// # Outputs
//
//   - *Set: The concrete, field-path-keyed relationship set.
//   - error: Reference resolution failure. Cannot occur for schemas that
//     passed load-time validation.
func Expand(declared []*schema.LinkageConfig, values map[string]any) (*Set, error) {
	set := &Set{ByField: make(map[string][]*Entry)}
	for i, cfg := range declared {
		if cfg == nil {
			continue
		}
		target := fieldpath.ToFieldPath(cfg.Field)
		if err := expandInto(set, cfg, fieldpath.Split(target), nil, nil, values); err != nil {
			return nil, fmt.Errorf("expanding linkage %d (%s): %w", i, cfg.Field, err)
		}
	}
	return set, nil
}

// expandInto walks the declared path left to right, branching at each
// array it crosses.
//
// prefix holds the concrete segments fixed so far, rest the declared
// segments still to place.
func expandInto(
	set *Set,
	cfg *schema.LinkageConfig,
	rest []string,
	prefix []string,
	contexts []ArrayContext,
	values map[string]any,
) error {
	for len(rest) > 0 {
		prefix = append(prefix, rest[0])
		rest = rest[1:]

		concrete := fieldpath.Join(prefix)
		node, ok := fieldpath.Lookup(values, concrete)
		if !ok {
			break
		}
		arr, isArray := node.([]any)
		if !isArray {
			continue
		}
		// Declared paths may address a specific element with an explicit
		// numeric segment; those are concrete already and do not branch.
		if len(rest) > 0 && fieldpath.IsIndexSegment(rest[0]) {
			continue
		}
		if len(rest) == 0 {
			// the relationship targets the array itself
			break
		}
		for i := range arr {
			branch := append(append([]string(nil), prefix...), fmt.Sprintf("%d", i))
			branchCtx := append(append([]ArrayContext(nil), contexts...), ArrayContext{
				ArrayPath:  concrete,
				ArrayIndex: i,
			})
			if err := expandInto(set, cfg, rest, branch, branchCtx, values); err != nil {
				return err
			}
		}
		return nil
	}

	concrete := fieldpath.Join(append(prefix, rest...))
	resolved, err := resolveConfig(cfg, concrete)
	if err != nil {
		return err
	}
	set.add(&Entry{Config: resolved, Contexts: contexts})
	return nil
}

// resolveConfig produces a concrete copy of cfg targeted at field, with
// every relative reference resolved against it.
func resolveConfig(cfg *schema.LinkageConfig, field string) (*schema.LinkageConfig, error) {
	out := &schema.LinkageConfig{
		Field:     field,
		Type:      cfg.Type,
		Fulfill:   cfg.Fulfill,
		Otherwise: cfg.Otherwise,
	}

	out.Dependencies = make([]string, 0, len(cfg.Dependencies))
	for _, dep := range cfg.Dependencies {
		abs, err := fieldpath.ResolveRef(dep, field)
		if err != nil {
			return nil, err
		}
		out.Dependencies = append(out.Dependencies, abs)
	}

	if cfg.When != nil {
		if cfg.When.IsFunction() {
			out.When = &schema.When{Function: cfg.When.Function}
		} else {
			cond, err := resolveCondition(cfg.When.Condition, field)
			if err != nil {
				return nil, err
			}
			out.When = &schema.When{Condition: cond}
		}
	}
	return out, nil
}

// resolveCondition deep-copies a condition tree, resolving each node's
// field reference against the concrete target path.
func resolveCondition(expr *schema.ConditionExpression, field string) (*schema.ConditionExpression, error) {
	if expr == nil {
		return nil, nil
	}
	abs, err := fieldpath.ResolveRef(expr.Field, field)
	if err != nil {
		return nil, err
	}
	out := &schema.ConditionExpression{
		Field:    abs,
		Operator: expr.Operator,
		Value:    expr.Value,
	}
	for _, sub := range expr.And {
		resolved, err := resolveCondition(sub, field)
		if err != nil {
			return nil, err
		}
		out.And = append(out.And, resolved)
	}
	for _, sub := range expr.Or {
		resolved, err := resolveCondition(sub, field)
		if err != nil {
			return nil, err
		}
		out.Or = append(out.Or, resolved)
	}
	return out, nil
}
