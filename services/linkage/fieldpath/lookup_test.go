// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package fieldpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTree() map[string]any {
	return map[string]any{
		"user": map[string]any{
			"name": "ada",
			"address": map[string]any{
				"city": "London",
			},
		},
		"contacts": []any{
			map[string]any{"type": "personal", "email": "a@example.com"},
			map[string]any{"type": "company", "email": "b@example.com"},
		},
		"price": 100,
	}
}

func TestLookup(t *testing.T) {
	tree := testTree()

	v, ok := Lookup(tree, "user.address.city")
	require.True(t, ok)
	assert.Equal(t, "London", v)

	v, ok = Lookup(tree, "contacts.1.email")
	require.True(t, ok)
	assert.Equal(t, "b@example.com", v)

	v, ok = Lookup(tree, "price")
	require.True(t, ok)
	assert.Equal(t, 100, v)
}

func TestLookup_Missing(t *testing.T) {
	tree := testTree()

	_, ok := Lookup(tree, "user.phone")
	assert.False(t, ok)

	_, ok = Lookup(tree, "contacts.9.email")
	assert.False(t, ok)

	_, ok = Lookup(tree, "contacts.x.email")
	assert.False(t, ok)

	// descending through a scalar
	_, ok = Lookup(tree, "price.cents")
	assert.False(t, ok)

	_, ok = Lookup(nil, "price")
	assert.False(t, ok)

	_, ok = Lookup(tree, "")
	assert.False(t, ok)
}

func TestWrite(t *testing.T) {
	tree := testTree()

	require.NoError(t, Write(tree, "user.name", "grace"))
	v, _ := Lookup(tree, "user.name")
	assert.Equal(t, "grace", v)

	// intermediate maps are created
	require.NoError(t, Write(tree, "meta.created.by", "engine"))
	v, _ = Lookup(tree, "meta.created.by")
	assert.Equal(t, "engine", v)

	// writes into existing array elements
	require.NoError(t, Write(tree, "contacts.0.email", "c@example.com"))
	v, _ = Lookup(tree, "contacts.0.email")
	assert.Equal(t, "c@example.com", v)
}

func TestWrite_Errors(t *testing.T) {
	tree := testTree()

	// arrays are never grown by writes
	assert.ErrorIs(t, Write(tree, "contacts.7.email", "x"), ErrMalformedPath)
	assert.ErrorIs(t, Write(tree, "price.cents", 1), ErrMalformedPath)
	assert.ErrorIs(t, Write(nil, "a.b", 1), ErrMalformedPath)
}

func TestClone_IsDeep(t *testing.T) {
	tree := testTree()
	cloned, ok := Clone(tree).(map[string]any)
	require.True(t, ok)

	require.NoError(t, Write(cloned, "user.address.city", "Paris"))
	require.NoError(t, Write(cloned, "contacts.0.type", "other"))

	v, _ := Lookup(tree, "user.address.city")
	assert.Equal(t, "London", v, "original must be unaffected")
	v, _ = Lookup(tree, "contacts.0.type")
	assert.Equal(t, "personal", v, "original array element must be unaffected")
}
