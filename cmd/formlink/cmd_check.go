// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cyrilzhao/formlink/services/formserver/datatypes"
	"github.com/cyrilzhao/formlink/services/formserver/handlers"
	"github.com/cyrilzhao/formlink/services/linkage/schema"
)

var checkJSON bool

var checkCmd = &cobra.Command{
	Use:   "check SCHEMA",
	Short: "Validate a schema file",
	Long: `Load and validate a schema file, reporting authoring errors and any
dependency cycle among the declared linkages.

The exit code is non-zero when the schema is invalid. A dependency
cycle is reported but does not fail the check; cyclic fields evaluate
in declaration order.

Examples:
  formlink check schemas/account.yaml
  formlink check schemas/account.yaml --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result := datatypes.SchemaCheckResponse{Valid: true}
		form, err := schema.Load(args[0])
		if err != nil {
			result.Valid = false
			result.Errors = []string{err.Error()}
		} else {
			result.FormID = form.FormID
			result.Cycle = handlers.DeclaredCycle(form)
		}

		if checkJSON {
			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
		} else if result.Valid {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s)\n", args[0], form)
			if len(result.Cycle) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "warning: dependency cycle: %s\n",
					strings.Join(result.Cycle, " -> "))
			}
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: invalid\n", args[0])
			for _, msg := range result.Errors {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", msg)
			}
		}

		if !result.Valid {
			return fmt.Errorf("schema %s is invalid", args[0])
		}
		return nil
	},
}

func init() {
	checkCmd.Flags().BoolVar(&checkJSON, "json", false, "emit the result as JSON")
}
