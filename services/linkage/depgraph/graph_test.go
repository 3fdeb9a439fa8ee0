// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package depgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// diamond builds: total -> {price, quantity}, discounted -> {total, coupon}
func diamond() *Graph {
	g := New()
	g.AddDependency("total", "price")
	g.AddDependency("total", "quantity")
	g.AddDependency("discounted", "total")
	g.AddDependency("discounted", "coupon")
	return g
}

func TestAddDependency_Dedupes(t *testing.T) {
	g := New()
	g.AddDependency("a", "b")
	g.AddDependency("a", "b")
	g.AddDependency("", "b")
	g.AddDependency("a", "")

	assert.Equal(t, 1, g.EdgeCount())
	assert.Equal(t, []string{"b"}, g.Dependencies("a"))
	assert.Equal(t, []string{"a"}, g.Dependents("b"))
}

func TestAffectedFields(t *testing.T) {
	g := diamond()

	assert.Equal(t, []string{"total", "discounted"}, g.AffectedFields("price"))
	assert.Equal(t, []string{"discounted"}, g.AffectedFields("total"))
	assert.Equal(t, []string{"discounted"}, g.AffectedFields("coupon"))
	assert.Empty(t, g.AffectedFields("discounted"))
	assert.Empty(t, g.AffectedFields("unknown"))
}

func TestAffectedFields_SharedDependentReportedOnce(t *testing.T) {
	g := New()
	g.AddDependency("c", "a")
	g.AddDependency("c", "b")
	g.AddDependency("b", "a")

	// c is reachable from a both directly and through b
	assert.Equal(t, []string{"c", "b"}, g.AffectedFields("a"))
}

func TestAffectedFields_MultipleSeeds(t *testing.T) {
	g := New()
	g.AddDependency("contacts.0.companyName", "contacts.0.type")
	g.AddDependency("contacts.1.companyName", "contacts.1.type")
	g.AddDependency("summary", "contacts.0.companyName")

	// Replacing the whole array changes every element path inside it.
	got := g.AffectedFields("contacts", "contacts.0.type", "contacts.1.type")
	assert.ElementsMatch(t, []string{
		"contacts.0.companyName", "contacts.1.companyName", "summary",
	}, got)

	// A seed that is itself a linkage target still appears when one of
	// its dependencies changed.
	got = g.AffectedFields("contacts.0", "contacts.0.type", "contacts.0.companyName")
	assert.ElementsMatch(t, []string{"contacts.0.companyName", "summary"}, got)
}

func TestDetectCycle_Acyclic(t *testing.T) {
	assert.Nil(t, diamond().DetectCycle())
	assert.Nil(t, New().DetectCycle())
}

func TestDetectCycle_TwoFieldCycle(t *testing.T) {
	g := New()
	g.AddDependency("A", "B")
	g.AddDependency("B", "A")

	cycle := g.DetectCycle()
	require.NotNil(t, cycle)
	assert.ElementsMatch(t, []string{"A", "B"}, cycle)
}

func TestDetectCycle_ReturnsMinimalPath(t *testing.T) {
	// entry -> a -> b -> c -> b: the cycle is [b, c], not the entry tail.
	g := New()
	g.AddDependency("entry", "a")
	g.AddDependency("a", "b")
	g.AddDependency("b", "c")
	g.AddDependency("c", "b")

	cycle := g.DetectCycle()
	require.NotNil(t, cycle)
	assert.Equal(t, []string{"b", "c"}, cycle)
}

func TestDetectCycle_SelfEdge(t *testing.T) {
	g := New()
	g.AddDependency("a", "a")
	assert.Equal(t, []string{"a"}, g.DetectCycle())
}

func TestTopologicalSort_FullOrder(t *testing.T) {
	g := diamond()
	order := g.TopologicalSort([]string{"discounted", "total", "price", "quantity", "coupon"})

	require.Len(t, order, 5)
	pos := map[string]int{}
	for i, f := range order {
		pos[f] = i
	}
	assert.Less(t, pos["price"], pos["total"])
	assert.Less(t, pos["quantity"], pos["total"])
	assert.Less(t, pos["total"], pos["discounted"])
	assert.Less(t, pos["coupon"], pos["discounted"])
}

func TestTopologicalSort_SubsetTreatsOutsideDepsAsLeaves(t *testing.T) {
	g := diamond()

	// price is outside the subset, so total is unconstrained by it
	order := g.TopologicalSort([]string{"discounted", "total"})
	assert.Equal(t, []string{"total", "discounted"}, order)
}

func TestTopologicalSort_Deterministic(t *testing.T) {
	g := New()
	g.AddDependency("b", "x")
	g.AddDependency("a", "x")

	// a and b are unordered relative to each other; declaration order
	// (b was seen first) breaks the tie, regardless of input order.
	for i := 0; i < 10; i++ {
		assert.Equal(t, []string{"b", "a"}, g.TopologicalSort([]string{"a", "b"}))
	}
}

func TestTopologicalSort_CyclicBestEffort(t *testing.T) {
	g := New()
	g.AddDependency("A", "B")
	g.AddDependency("B", "A")
	g.AddDependency("C", "A")

	order := g.TopologicalSort([]string{"C", "B", "A"})
	require.Len(t, order, 3)
	// The cyclic pair comes out in declaration order, C after the cycle
	// it depends on.
	assert.Equal(t, []string{"A", "B", "C"}, order)
}

func TestTopologicalSort_DedupesAndHandlesUnknown(t *testing.T) {
	g := diamond()
	order := g.TopologicalSort([]string{"total", "total", "mystery"})
	assert.Equal(t, []string{"total", "mystery"}, order)

	assert.Nil(t, g.TopologicalSort(nil))
}
