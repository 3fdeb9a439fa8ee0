// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package schema

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/cyrilzhao/formlink/services/linkage/fieldpath"
)

// validate is the shared validator instance with custom tag validators
// registered. validator.Validate is safe for concurrent use.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// linkagetype: value must be a member of the LinkageType set.
	// Operators are checked by validateCondition, which walks whole
	// condition trees rather than a single tagged field.
	_ = v.RegisterValidation("linkagetype", func(fl validator.FieldLevel) bool {
		return LinkageType(fl.Field().String()).Valid()
	})

	return v
}

// Validate checks a schema for authoring errors.
//
// # Description
//
// Runs struct-level validation (required fields, enum membership) and then
// the semantic checks that must fail fast at schema-load time: operator
// membership across whole condition trees, relative-reference syntax, and
// the dependency-completeness contract that the dependency graph relies
// on. A nil error means the schema is safe to hand to the engine.
//
// # Inputs
//
//   - s: The schema to validate.
//
// # Outputs
//
//   - error: The first problem found, wrapping ErrInvalidSchema,
//     ErrUnsupportedOperator, or fieldpath.ErrMalformedPath.
func Validate(s *FormSchema) error {
	if s == nil {
		return &ValidationError{Reason: "nil schema"}
	}
	if err := validate.Struct(s); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	for i, cfg := range s.Linkages {
		if err := validateLinkage(cfg); err != nil {
			return fmt.Errorf("linkage %d: %w", i, err)
		}
	}
	return nil
}

func validateLinkage(cfg *LinkageConfig) error {
	if cfg == nil {
		return &ValidationError{Reason: "nil linkage config"}
	}
	target := fieldpath.ToFieldPath(cfg.Field)

	// Resolve the declared dependency list up front. Relative refs in
	// dependencies resolve against the target field itself.
	resolved := make(map[string]bool, len(cfg.Dependencies))
	for _, dep := range cfg.Dependencies {
		abs, err := fieldpath.ResolveRef(dep, target)
		if err != nil {
			return &ValidationError{Field: cfg.Field, Reason: "bad dependency ref", Err: err}
		}
		resolved[abs] = true
	}

	if cfg.When != nil && cfg.When.Condition != nil {
		if err := validateCondition(cfg.When.Condition, target, resolved); err != nil {
			return err
		}
	}
	for _, eff := range []*Effect{cfg.Fulfill, cfg.Otherwise} {
		if eff == nil {
			continue
		}
		if eff.State == nil && eff.Value == nil && eff.Function == "" {
			return &ValidationError{Field: cfg.Field, Reason: "effect has no state, value, or function"}
		}
	}
	if cfg.Fulfill == nil && cfg.Otherwise == nil {
		return &ValidationError{Field: cfg.Field, Reason: "linkage declares neither fulfill nor otherwise"}
	}
	return nil
}

// validateCondition walks a condition tree checking operator membership,
// reference syntax, and the dependency-completeness contract.
func validateCondition(expr *ConditionExpression, target string, deps map[string]bool) error {
	if expr == nil {
		return nil
	}
	if !expr.Operator.Valid() {
		return &ValidationError{
			Field:  target,
			Reason: fmt.Sprintf("operator %q is not in the supported set", expr.Operator),
			Err:    ErrUnsupportedOperator,
		}
	}
	abs, err := fieldpath.ResolveRef(expr.Field, target)
	if err != nil {
		return &ValidationError{Field: target, Reason: "bad condition ref", Err: err}
	}
	if !deps[abs] {
		return &ValidationError{
			Field:  target,
			Reason: fmt.Sprintf("condition references %q which is missing from dependencies", abs),
		}
	}
	for _, sub := range expr.And {
		if err := validateCondition(sub, target, deps); err != nil {
			return err
		}
	}
	for _, sub := range expr.Or {
		if err := validateCondition(sub, target, deps); err != nil {
			return err
		}
	}
	return nil
}
