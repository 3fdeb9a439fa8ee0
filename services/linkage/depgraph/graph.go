// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package depgraph maintains the directed dependency graph between form
// fields.
//
// The graph is treated as an immutable value: it is rebuilt from the
// current relationship set whenever that set changes (declared
// relationships change rarely; array-expanded ones change with array
// length), never mutated incrementally. The O(E) rebuild keeps the cycle
// and ordering invariants trivially correct, and E is bounded by schema
// size.
package depgraph

// Graph is a directed graph of field -> dependency edges with its
// reverse.
//
// # Thread Safety
//
// Graph is not synchronized. Build it fully, then share it read-only;
// the engine swaps in a freshly built graph under its own lock.
type Graph struct {
	// forward maps a field to the fields it depends on, in insertion
	// order, deduplicated.
	forward map[string][]string

	// reverse maps a field to the fields depending on it.
	reverse map[string][]string

	// order records every field in first-appearance order. Declaration
	// order is the deterministic tie-break for all otherwise
	// unconstrained orderings.
	order []string

	orderIndex map[string]int

	edges int
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		forward:    make(map[string][]string),
		reverse:    make(map[string][]string),
		orderIndex: make(map[string]int),
	}
}

// AddDependency records that field depends on dependsOn.
//
// Duplicate edges and empty paths are ignored. Self-edges are recorded;
// they surface as one-field cycles from DetectCycle.
func (g *Graph) AddDependency(field, dependsOn string) {
	if field == "" || dependsOn == "" {
		return
	}
	g.track(field)
	g.track(dependsOn)
	for _, existing := range g.forward[field] {
		if existing == dependsOn {
			return
		}
	}
	g.forward[field] = append(g.forward[field], dependsOn)
	g.reverse[dependsOn] = append(g.reverse[dependsOn], field)
	g.edges++
}

// AddField records a field with no edges, so it participates in
// declaration-order tie-breaking even before any dependency is seen.
func (g *Graph) AddField(field string) {
	if field == "" {
		return
	}
	g.track(field)
}

func (g *Graph) track(field string) {
	if _, ok := g.orderIndex[field]; !ok {
		g.orderIndex[field] = len(g.order)
		g.order = append(g.order, field)
	}
}

// Fields returns every known field in declaration order.
func (g *Graph) Fields() []string {
	return append([]string(nil), g.order...)
}

// Dependencies returns the direct dependencies of field.
func (g *Graph) Dependencies(field string) []string {
	return append([]string(nil), g.forward[field]...)
}

// Dependents returns the fields directly depending on field.
func (g *Graph) Dependents(field string) []string {
	return append([]string(nil), g.reverse[field]...)
}

// EdgeCount returns the number of recorded edges.
func (g *Graph) EdgeCount() int {
	return g.edges
}

// dfs colors for cycle detection.
const (
	colorWhite = iota // unvisited
	colorGray         // on the current DFS stack
	colorBlack        // fully explored
)

// DetectCycle returns the first cycle found as an ordered field path, or
// nil when the graph is acyclic.
//
// # Description
//
// Runs a depth-first traversal with a visiting marker. On hitting a
// back-edge the current DFS stack is unwound to the re-entered field, so
// the result is the minimal cycle sequence (e.g. ["A", "B"] for A -> B
// -> A), not just a cycle-exists flag. Traversal order follows
// declaration order, making the reported cycle deterministic.
func (g *Graph) DetectCycle() []string {
	color := make(map[string]int, len(g.order))
	var stack []string

	var visit func(field string) []string
	visit = func(field string) []string {
		color[field] = colorGray
		stack = append(stack, field)
		for _, dep := range g.forward[field] {
			switch color[dep] {
			case colorGray:
				// back-edge: unwind the stack to the re-entered field
				for i, f := range stack {
					if f == dep {
						return append([]string(nil), stack[i:]...)
					}
				}
			case colorWhite:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[field] = colorBlack
		return nil
	}

	for _, field := range g.order {
		if color[field] == colorWhite {
			if cycle := visit(field); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// TopologicalSort orders subset so every field appears after all fields
// it depends on within the subset.
//
// # Description
//
// Dependencies outside subset are treated as already-resolved leaves:
// they contribute nothing to ordering within this call. Ties are broken
// by declaration order. When subset contains a cycle, no strict
// topological order exists; the fields of the cycle are appended in
// declaration order, matching the best-effort, never-fatal cycle policy.
//
// # Inputs
//
//   - subset: Fields to order. Unknown fields sort by their position in
//     subset, after known fields of equal constraint.
//
// # Outputs
//
//   - []string: The subset in dependency order, same length as the
//     deduplicated input.
func (g *Graph) TopologicalSort(subset []string) []string {
	if len(subset) == 0 {
		return nil
	}
	members := make(map[string]bool, len(subset))
	unique := make([]string, 0, len(subset))
	for _, f := range subset {
		if !members[f] {
			members[f] = true
			unique = append(unique, f)
		}
	}

	// indegree restricted to the subset-induced subgraph
	indegree := make(map[string]int, len(unique))
	for _, f := range unique {
		for _, dep := range g.forward[f] {
			if members[dep] && dep != f {
				indegree[f]++
			}
		}
	}

	result := make([]string, 0, len(unique))
	done := make(map[string]bool, len(unique))
	remaining := len(unique)

	for remaining > 0 {
		progressed := false
		for _, f := range g.orderedSubset(unique) {
			if done[f] || indegree[f] > 0 {
				continue
			}
			done[f] = true
			remaining--
			progressed = true
			result = append(result, f)
			for _, dependent := range g.reverse[f] {
				if members[dependent] && !done[dependent] {
					indegree[dependent]--
				}
			}
		}
		if !progressed {
			// cyclic remainder: emit in declaration order
			for _, f := range g.orderedSubset(unique) {
				if !done[f] {
					done[f] = true
					remaining--
					result = append(result, f)
				}
			}
		}
	}
	return result
}

// orderedSubset returns fields sorted by declaration order, with fields
// unknown to the graph after known ones in their given order.
func (g *Graph) orderedSubset(fields []string) []string {
	known := make([]string, 0, len(fields))
	var unknown []string
	for _, f := range fields {
		if _, ok := g.orderIndex[f]; ok {
			known = append(known, f)
		} else {
			unknown = append(unknown, f)
		}
	}
	// insertion sort by declaration index; subsets are small
	for i := 1; i < len(known); i++ {
		for j := i; j > 0 && g.orderIndex[known[j]] < g.orderIndex[known[j-1]]; j-- {
			known[j], known[j-1] = known[j-1], known[j]
		}
	}
	return append(known, unknown...)
}

// AffectedFields returns every field whose dependency set transitively
// includes changed or any of alsoChanged.
//
// # Description
//
// Breadth-first traversal over reverse edges, seeded from all the
// changed fields at once. The alsoChanged list covers paths that change
// together with the primary one: replacing an object or array wholesale
// changes every path inside it too. The primary changed field itself is
// never included; an alsoChanged field is, when something it depends on
// changed. An empty result means no linkage needs recomputing for this
// change, letting the engine skip all work.
func (g *Graph) AffectedFields(changed string, alsoChanged ...string) []string {
	queue := append([]string(nil), g.reverse[changed]...)
	for _, c := range alsoChanged {
		queue = append(queue, g.reverse[c]...)
	}
	visited := make(map[string]bool, len(queue))
	result := make([]string, 0, len(queue))

	for len(queue) > 0 {
		field := queue[0]
		queue = queue[1:]
		if visited[field] {
			continue
		}
		visited[field] = true
		if field != changed {
			result = append(result, field)
		}
		queue = append(queue, g.reverse[field]...)
	}
	return result
}
