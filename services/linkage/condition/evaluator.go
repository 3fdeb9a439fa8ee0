// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package condition evaluates boolean condition trees against a snapshot
// of form values.
//
// The evaluator is context-free: any relative reference inside a
// condition must already have been resolved to an absolute path before
// the expression reaches Evaluate.
package condition

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/cyrilzhao/formlink/services/linkage/fieldpath"
	"github.com/cyrilzhao/formlink/services/linkage/schema"
)

// Evaluate applies a condition tree to a value snapshot.
//
// # Description
//
// The base field/operator/value test combines with And sub-expressions by
// conjunction and Or sub-expressions by disjunction, both evaluated with
// short-circuit semantics: And children are skipped when the running
// result is already false, Or children when it is already true.
//
// # Inputs
//
//   - expr: The condition tree. Field references must be absolute.
//   - values: Value snapshot, not mutated.
//
// # Outputs
//
//   - bool: Whether the condition holds.
//   - error: schema.ErrUnsupportedOperator (wrapped) for an operator
//     outside the closed set, anywhere in the tree.
func Evaluate(expr *schema.ConditionExpression, values map[string]any) (bool, error) {
	if expr == nil {
		return false, nil
	}
	result, err := evaluateBase(expr, values)
	if err != nil {
		return false, err
	}

	if len(expr.And) > 0 && result {
		for _, sub := range expr.And {
			ok, err := Evaluate(sub, values)
			if err != nil {
				return false, err
			}
			if !ok {
				result = false
				break
			}
		}
	}

	if len(expr.Or) > 0 && !result {
		for _, sub := range expr.Or {
			ok, err := Evaluate(sub, values)
			if err != nil {
				return false, err
			}
			if ok {
				result = true
				break
			}
		}
	}

	return result, nil
}

// evaluateBase applies the field/operator/value test of a single node.
func evaluateBase(expr *schema.ConditionExpression, values map[string]any) (bool, error) {
	actual, _ := fieldpath.Lookup(values, expr.Field)

	switch expr.Operator {
	case schema.OpEqual:
		return looseEqual(actual, expr.Value), nil
	case schema.OpNotEqual:
		return !looseEqual(actual, expr.Value), nil
	case schema.OpGreater:
		cmp, ok := compare(actual, expr.Value)
		return ok && cmp > 0, nil
	case schema.OpLess:
		cmp, ok := compare(actual, expr.Value)
		return ok && cmp < 0, nil
	case schema.OpGreaterEq:
		cmp, ok := compare(actual, expr.Value)
		return ok && cmp >= 0, nil
	case schema.OpLessEq:
		cmp, ok := compare(actual, expr.Value)
		return ok && cmp <= 0, nil
	case schema.OpIn:
		return contains(expr.Value, actual), nil
	case schema.OpNotIn:
		return !contains(expr.Value, actual), nil
	case schema.OpIncludes:
		return contains(actual, expr.Value), nil
	case schema.OpNotIncludes:
		return !contains(actual, expr.Value), nil
	case schema.OpIsEmpty:
		return isEmpty(actual), nil
	case schema.OpIsNotEmpty:
		return !isEmpty(actual), nil
	default:
		return false, fmt.Errorf("operator %q: %w", expr.Operator, schema.ErrUnsupportedOperator)
	}
}

// looseEqual compares two values with cross-type numeric equality, since
// YAML and JSON decoding produce a mix of int and float64 for the same
// authored literal.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// compare orders two values. Numbers order numerically, strings
// lexically. Incomparable pairs report ok=false, which makes every
// ordering operator evaluate to false rather than erroring, keeping a
// single bad comparison from taking down the batch.
func compare(a, b any) (int, bool) {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

// contains reports membership of needle in a haystack list, or substring
// membership when both are strings.
func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
	case string:
		if n, ok := needle.(string); ok {
			return strings.Contains(h, n)
		}
	}
	return false
}

// isEmpty tests for nil, empty string, empty list, or empty map.
func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// toFloat normalizes any numeric type produced by YAML/JSON decoding.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
