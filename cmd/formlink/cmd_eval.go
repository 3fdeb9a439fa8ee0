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
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cyrilzhao/formlink/services/linkage"
	"github.com/cyrilzhao/formlink/services/linkage/schema"
)

var evalSets []string

var evalCmd = &cobra.Command{
	Use:   "eval SCHEMA VALUES",
	Short: "Evaluate a schema against a values file",
	Long: `Initialize the linkage engine with a schema and a YAML/JSON values
file, then print the resulting values and derived state as JSON.

Each --set applies a field change after initialization, so the printed
result reflects the recompute those changes trigger.

Examples:
  formlink eval schemas/account.yaml values.yaml
  formlink eval schemas/account.yaml values.yaml --set accountType=company`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		form, err := schema.Load(args[0])
		if err != nil {
			return err
		}

		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("reading values file: %w", err)
		}
		var values map[string]any
		if err := yaml.Unmarshal(data, &values); err != nil {
			return fmt.Errorf("parsing values file: %w", err)
		}

		store := linkage.NewMemoryStore(values)
		engine, err := linkage.NewEngine(store)
		if err != nil {
			return err
		}
		defer engine.Close()
		if err := engine.Initialize(cmd.Context(), form.Linkages); err != nil {
			return err
		}

		for _, set := range evalSets {
			field, raw, ok := strings.Cut(set, "=")
			if !ok {
				return fmt.Errorf("invalid --set %q, want field=value", set)
			}
			var value any
			if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
				return fmt.Errorf("invalid --set value %q: %w", raw, err)
			}
			if err := store.SetValue(field, value, linkage.SetOptions{}); err != nil {
				return fmt.Errorf("setting %s: %w", field, err)
			}
		}
		if len(evalSets) > 0 {
			// Changes recompute asynchronously; a final synchronous
			// refresh settles the output.
			time.Sleep(150 * time.Millisecond)
			if err := engine.Refresh(cmd.Context()); err != nil {
				return err
			}
		}

		out, err := json.MarshalIndent(map[string]any{
			"values":  store.GetValues(),
			"results": engine.ResultMap(),
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	evalCmd.Flags().StringArrayVar(&evalSets, "set", nil, "field=value change to apply after initialization (repeatable)")
}
