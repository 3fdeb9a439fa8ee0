// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// SchemaCheckResponse reports the outcome of POST /v1/schemas/check.
//
// The request body is the raw schema document (YAML or JSON). A
// dependency cycle is an authoring smell, not a validation failure: the
// schema stays valid and the cycle path is reported alongside.
type SchemaCheckResponse struct {
	Valid  bool     `json:"valid"`
	FormID string   `json:"formId,omitempty"`
	Errors []string `json:"errors,omitempty"`
	Cycle  []string `json:"cycle,omitempty"`
}
