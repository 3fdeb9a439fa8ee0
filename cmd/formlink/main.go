// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "formlink",
	Short: "Field linkage engine for dynamic forms",
	Long: `formlink evaluates form field linkages: rules tying a field's
visibility, enablement, options, or value to the values of other fields.

Subcommands:
  serve  - run the form server over a schema directory
  check  - validate a schema file and report dependency cycles
  eval   - evaluate a schema against a values file and print the result`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd, checkCmd, evalCmd)
}
