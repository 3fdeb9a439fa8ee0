// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package schema

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSchemaFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestWatcher_DeliversValidReload(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWatcher(dir, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	writeSchemaFile(t, dir, "form.yaml", companyFormYAML)

	select {
	case s := <-w.Updates():
		require.NotNil(t, s)
		assert.Equal(t, "contact-form", s.FormID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for schema update")
	}
}

func TestWatcher_SkipsInvalidSchema(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWatcher(dir, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	writeSchemaFile(t, dir, "broken.yaml", "form_id: x\nfields: {a: {type: string}}\nlinkages:\n  - field: a\n    type: nope\n    dependencies: [a]\n    fulfill: {value: 1}\n")

	select {
	case s := <-w.Updates():
		t.Fatalf("invalid schema must not be delivered, got %v", s)
	case <-time.After(500 * time.Millisecond):
		// expected: nothing delivered
	}
}

func TestWatcher_IgnoresNonSchemaFiles(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWatcher(dir, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	writeSchemaFile(t, dir, "notes.txt", "not a schema")

	select {
	case s := <-w.Updates():
		t.Fatalf("non-schema file must not trigger delivery, got %v", s)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_CloseIsTerminal(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWatcher(dir)
	require.NoError(t, err)

	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Close(), ErrWatcherClosed)

	// Updates channel closes after the event loop exits.
	select {
	case _, open := <-w.Updates():
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("updates channel did not close")
	}
}
