// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyrilzhao/formlink/services/formserver/datatypes"
)

const validSchemaYAML = `
form_id: account-form
fields:
  accountType:
    type: select
  companyName:
    type: string
linkages:
  - field: companyName
    type: visibility
    dependencies: [accountType]
    when:
      field: accountType
      operator: "=="
      value: company
    fulfill:
      state: {visible: true}
    otherwise:
      state: {visible: false}
`

const cyclicSchemaYAML = `
form_id: cyclic-form
fields:
  a:
    type: string
  b:
    type: string
linkages:
  - field: a
    type: visibility
    dependencies: [b]
    when: {field: b, operator: isNotEmpty}
    fulfill:
      state: {visible: true}
  - field: b
    type: visibility
    dependencies: [a]
    when: {field: a, operator: isNotEmpty}
    fulfill:
      state: {visible: true}
`

func writeSchema(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
	return path
}

func runCheck(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"check"}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCheck_ValidSchema(t *testing.T) {
	path := writeSchema(t, validSchemaYAML)
	out, err := runCheck(t, path)
	require.NoError(t, err)
	assert.Contains(t, out, "ok")
}

func TestCheck_InvalidSchemaFailsExit(t *testing.T) {
	bad := writeSchema(t, "form_id: broken\nfields:\n  a: {type: string}\nlinkages:\n  - field: a\n    type: bogus\n    dependencies: [a]\n")
	out, err := runCheck(t, bad)
	require.Error(t, err)
	assert.Contains(t, out, "invalid")
}

func TestCheck_ReportsCycleAsWarning(t *testing.T) {
	path := writeSchema(t, cyclicSchemaYAML)
	out, err := runCheck(t, path, "--json")
	require.NoError(t, err, "a cycle is a warning, not a failure")

	start := bytes.IndexByte([]byte(out), '{')
	require.GreaterOrEqual(t, start, 0)
	var resp datatypes.SchemaCheckResponse
	require.NoError(t, json.Unmarshal([]byte(out[start:]), &resp))
	assert.True(t, resp.Valid)
	assert.ElementsMatch(t, []string{"a", "b"}, resp.Cycle)
}
