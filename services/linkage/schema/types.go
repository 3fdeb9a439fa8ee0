// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package schema defines the declarative form schema and the field linkage
// configuration shapes.
//
// These shapes are the authoring format: they are stable wire types
// (JSON and YAML) that schema authors depend on. Changing a tag here is a
// breaking change for every existing form definition.
package schema

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// LinkageType identifies which derived state a relationship controls.
type LinkageType string

const (
	// LinkageVisibility toggles the target field's visibility.
	LinkageVisibility LinkageType = "visibility"

	// LinkageDisabled toggles the target field's disabled state.
	LinkageDisabled LinkageType = "disabled"

	// LinkageReadonly toggles the target field's readonly state.
	LinkageReadonly LinkageType = "readonly"

	// LinkageValue writes a derived value back into the value store.
	LinkageValue LinkageType = "value"

	// LinkageComputed derives a value held only in the result map,
	// without write-back.
	LinkageComputed LinkageType = "computed"

	// LinkageOptions derives the target field's option list.
	LinkageOptions LinkageType = "options"

	// LinkageSchema swaps the target field's dynamic sub-schema.
	LinkageSchema LinkageType = "schema"
)

// Valid reports whether t is one of the declared linkage types.
func (t LinkageType) Valid() bool {
	switch t {
	case LinkageVisibility, LinkageDisabled, LinkageReadonly,
		LinkageValue, LinkageComputed, LinkageOptions, LinkageSchema:
		return true
	}
	return false
}

// Operator is a condition comparison operator.
//
// The operator set is closed: nothing outside these constants is legal
// anywhere in a condition tree.
type Operator string

const (
	OpEqual       Operator = "=="
	OpNotEqual    Operator = "!="
	OpGreater     Operator = ">"
	OpLess        Operator = "<"
	OpGreaterEq   Operator = ">="
	OpLessEq      Operator = "<="
	OpIn          Operator = "in"
	OpNotIn       Operator = "notIn"
	OpIncludes    Operator = "includes"
	OpNotIncludes Operator = "notIncludes"
	OpIsEmpty     Operator = "isEmpty"
	OpIsNotEmpty  Operator = "isNotEmpty"
)

// Valid reports whether op is in the closed operator set.
func (op Operator) Valid() bool {
	switch op {
	case OpEqual, OpNotEqual, OpGreater, OpLess, OpGreaterEq, OpLessEq,
		OpIn, OpNotIn, OpIncludes, OpNotIncludes, OpIsEmpty, OpIsNotEmpty:
		return true
	}
	return false
}

// ConditionExpression is a boolean condition over form values.
//
// The base test is field/operator/value. And/Or sub-expressions, when
// present, are evaluated with short-circuit semantics and combine with the
// base test by conjunction/disjunction respectively.
type ConditionExpression struct {
	// Field references the value under test. May be absolute, pointer
	// notation, or a ./sibling relative reference.
	Field string `json:"field" yaml:"field"`

	// Operator must be one of the closed operator set.
	Operator Operator `json:"operator" yaml:"operator"`

	// Value is the comparison operand. Unused by isEmpty/isNotEmpty.
	Value any `json:"value,omitempty" yaml:"value,omitempty"`

	// And sub-expressions must all hold, in addition to the base test.
	And []*ConditionExpression `json:"and,omitempty" yaml:"and,omitempty"`

	// Or sub-expressions: at least one must hold, or the base test.
	Or []*ConditionExpression `json:"or,omitempty" yaml:"or,omitempty"`
}

// When is the trigger clause of a relationship: either a condition tree or
// the name of a boolean-returning derivation function.
//
// On the wire a When is either a plain string (function name) or a
// condition object; the custom unmarshalers below keep that authoring
// format stable.
type When struct {
	// Function is the derivation function name, when the clause is the
	// string form.
	Function string

	// Condition is the condition tree, when the clause is the object form.
	Condition *ConditionExpression
}

// IsFunction reports whether the clause is the named-function form.
func (w *When) IsFunction() bool {
	return w != nil && w.Function != ""
}

// UnmarshalYAML accepts either a scalar function name or a condition
// mapping.
func (w *When) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&w.Function)
	}
	var cond ConditionExpression
	if err := value.Decode(&cond); err != nil {
		return err
	}
	w.Condition = &cond
	return nil
}

// MarshalYAML emits the same shape that was authored.
func (w When) MarshalYAML() (any, error) {
	if w.Function != "" {
		return w.Function, nil
	}
	return w.Condition, nil
}

// UnmarshalJSON accepts either a JSON string or a condition object.
func (w *When) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &w.Function)
	}
	var cond ConditionExpression
	if err := json.Unmarshal(data, &cond); err != nil {
		return err
	}
	w.Condition = &cond
	return nil
}

// MarshalJSON emits the same shape that was authored.
func (w When) MarshalJSON() ([]byte, error) {
	if w.Function != "" {
		return json.Marshal(w.Function)
	}
	return json.Marshal(w.Condition)
}

// Option is one entry in a derived option list.
type Option struct {
	Label string `json:"label" yaml:"label"`
	Value any    `json:"value" yaml:"value"`
}

// LinkageResult is the derived-state record for a single field.
//
// All keys are optional: an absent key means linkage has no opinion and
// the caller's default prevails.
type LinkageResult struct {
	Visible  *bool    `json:"visible,omitempty" yaml:"visible,omitempty"`
	Disabled *bool    `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Readonly *bool    `json:"readonly,omitempty" yaml:"readonly,omitempty"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`
	Options  []Option `json:"options,omitempty" yaml:"options,omitempty"`

	// Schema carries a dynamic sub-schema for schema-type relationships.
	Schema map[string]any `json:"schema,omitempty" yaml:"schema,omitempty"`
}

// Merge shallow-merges other into r: keys other has an opinion on win.
func (r *LinkageResult) Merge(other *LinkageResult) {
	if other == nil {
		return
	}
	if other.Visible != nil {
		r.Visible = other.Visible
	}
	if other.Disabled != nil {
		r.Disabled = other.Disabled
	}
	if other.Readonly != nil {
		r.Readonly = other.Readonly
	}
	if other.Value != nil {
		r.Value = other.Value
	}
	if other.Options != nil {
		r.Options = other.Options
	}
	if other.Schema != nil {
		r.Schema = other.Schema
	}
}

// Clone returns an independent copy of the record.
func (r *LinkageResult) Clone() *LinkageResult {
	if r == nil {
		return nil
	}
	out := &LinkageResult{Value: r.Value}
	if r.Visible != nil {
		v := *r.Visible
		out.Visible = &v
	}
	if r.Disabled != nil {
		v := *r.Disabled
		out.Disabled = &v
	}
	if r.Readonly != nil {
		v := *r.Readonly
		out.Readonly = &v
	}
	if r.Options != nil {
		out.Options = append([]Option(nil), r.Options...)
	}
	if r.Schema != nil {
		out.Schema = make(map[string]any, len(r.Schema))
		for k, v := range r.Schema {
			out.Schema[k] = v
		}
	}
	return out
}

// Effect is the outcome applied when a relationship's trigger resolves.
//
// At most one of Value/Function is authoritative; Function, when present,
// takes precedence over a literal Value.
type Effect struct {
	// State is shallow-merged into the target field's result record.
	State *LinkageResult `json:"state,omitempty" yaml:"state,omitempty"`

	// Value is a literal derived value.
	Value any `json:"value,omitempty" yaml:"value,omitempty"`

	// Function names a derivation function computing the derived value.
	Function string `json:"function,omitempty" yaml:"function,omitempty"`
}

// LinkageConfig declares one relationship tying a field's derived state to
// other fields' values.
type LinkageConfig struct {
	// Field is the target field path. For relationships declared on an
	// array's item schema, the path omits the element index and is
	// instantiated per element by expansion.
	Field string `json:"field" yaml:"field" validate:"required"`

	// Type selects the derived state this relationship controls.
	Type LinkageType `json:"type" yaml:"type" validate:"required,linkagetype"`

	// Dependencies must list every field referenced anywhere inside When,
	// Fulfill, or Otherwise, after relative-path resolution. The
	// dependency graph is built from this list alone; condition bodies
	// are never inspected for dependencies.
	Dependencies []string `json:"dependencies" yaml:"dependencies" validate:"required,min=1"`

	// When is the trigger clause. Absent means Fulfill applies
	// unconditionally.
	When *When `json:"when,omitempty" yaml:"when,omitempty"`

	// Fulfill applies when the trigger holds.
	Fulfill *Effect `json:"fulfill,omitempty" yaml:"fulfill,omitempty"`

	// Otherwise applies when the trigger does not hold.
	Otherwise *Effect `json:"otherwise,omitempty" yaml:"otherwise,omitempty"`
}

// FieldSpec describes one field of the form, keyed by its declared path.
type FieldSpec struct {
	Type    string   `json:"type" yaml:"type" validate:"required"`
	Label   string   `json:"label,omitempty" yaml:"label,omitempty"`
	Default any      `json:"default,omitempty" yaml:"default,omitempty"`
	Options []Option `json:"options,omitempty" yaml:"options,omitempty"`
}

// FormSchema is a complete declarative form definition.
type FormSchema struct {
	FormID  string `json:"form_id" yaml:"form_id" validate:"required"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	// Fields maps declared field paths (index-free for array item fields)
	// to their specs.
	Fields map[string]*FieldSpec `json:"fields" yaml:"fields" validate:"required,dive"`

	// Linkages are the declared relationships, in declaration order.
	// Declaration order is the deterministic tie-break used wherever
	// evaluation order is otherwise unconstrained.
	Linkages []*LinkageConfig `json:"linkages,omitempty" yaml:"linkages,omitempty" validate:"dive"`
}

// String implements fmt.Stringer for log readability.
func (s *FormSchema) String() string {
	return fmt.Sprintf("FormSchema(%s v%s, %d fields, %d linkages)",
		s.FormID, s.Version, len(s.Fields), len(s.Linkages))
}
