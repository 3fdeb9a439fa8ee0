// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Parse decodes and validates a schema document.
//
// # Description
//
// Accepts YAML or JSON (JSON documents are valid YAML). Validation runs
// before the schema is returned, so a non-nil result is always safe to
// hand to the engine; authoring bugs surface here, never during live
// recompute.
//
// # Inputs
//
//   - data: Raw schema document bytes.
//
// # Outputs
//
//   - *FormSchema: The decoded, validated schema.
//   - error: Decode or validation failure.
func Parse(data []byte) (*FormSchema, error) {
	var s FormSchema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding schema: %w", err)
	}
	if err := Validate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Load reads and parses a schema file.
func Load(path string) (*FormSchema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema file: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", path, err)
	}
	return s, nil
}
