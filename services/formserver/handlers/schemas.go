// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cyrilzhao/formlink/services/formserver/datatypes"
	"github.com/cyrilzhao/formlink/services/linkage/depgraph"
	"github.com/cyrilzhao/formlink/services/linkage/fieldpath"
	"github.com/cyrilzhao/formlink/services/linkage/schema"
)

// maxSchemaBytes bounds the check request body.
const maxSchemaBytes = 1 << 20

// CheckSchema validates a schema document posted as the raw request
// body (YAML or JSON) and reports any dependency cycle among the
// declared linkages. A cycle does not make the schema invalid.
func CheckSchema() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSchemaBytes))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
			return
		}
		form, err := schema.Parse(body)
		if err != nil {
			c.JSON(http.StatusOK, datatypes.SchemaCheckResponse{
				Valid:  false,
				Errors: []string{err.Error()},
			})
			return
		}
		c.JSON(http.StatusOK, datatypes.SchemaCheckResponse{
			Valid:  true,
			FormID: form.FormID,
			Cycle:  DeclaredCycle(form),
		})
	}
}

// DeclaredCycle builds the template-level dependency graph of a schema
// and returns the minimal cycle path, or nil. Array linkages are
// checked at their declared (unexpanded) paths; per-element cycles
// mirror template cycles.
func DeclaredCycle(form *schema.FormSchema) []string {
	g := depgraph.New()
	for _, cfg := range form.Linkages {
		g.AddField(cfg.Field)
		for _, dep := range cfg.Dependencies {
			resolved, err := fieldpath.ResolveRef(dep, cfg.Field)
			if err != nil {
				// Validation already rejected malformed refs.
				continue
			}
			g.AddDependency(cfg.Field, resolved)
		}
	}
	return g.DetectCycle()
}
