// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package linkage computes derived field state for dynamic forms.
//
// A form schema declares linkages: rules tying one field's visibility,
// enablement, options, or value to the values of other fields. The
// Engine expands array-scoped rules per element, builds a dependency
// graph, and on every field change re-evaluates exactly the affected
// fields in dependency order. Value-type linkages write their computed
// values back to the store; all other types accumulate in a result map
// the host renders from.
//
// # Basic Usage
//
//	store := linkage.NewMemoryStore(initialValues)
//	engine, err := linkage.NewEngine(store)
//	if err != nil { ... }
//	if err := engine.Initialize(ctx, form.Linkages); err != nil { ... }
//	// user edits flow through store.SetValue; the engine reacts.
//
// # Thread Safety
//
// Engine is safe for concurrent use. Recompute cycles run one at a
// time; overlapping changes to the same field supersede each other and
// only the latest cycle's results are committed.
package linkage

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cyrilzhao/formlink/pkg/logging"
	"github.com/cyrilzhao/formlink/services/linkage/condition"
	"github.com/cyrilzhao/formlink/services/linkage/depgraph"
	"github.com/cyrilzhao/formlink/services/linkage/expand"
	"github.com/cyrilzhao/formlink/services/linkage/fieldpath"
	"github.com/cyrilzhao/formlink/services/linkage/schema"
)

// CycleHandler is notified with the minimal cycle path whenever a graph
// build detects a dependency cycle.
type CycleHandler func(path []string)

// Engine evaluates linkages against a ValueStore and maintains the
// derived-state result map.
type Engine struct {
	store     ValueStore
	functions *FunctionRegistry
	logger    *logging.Logger
	metrics   *Metrics
	onCycle   CycleHandler
	queue     *TaskQueue

	// mu serializes recompute cycles and guards declared.
	mu          sync.Mutex
	declared    []*schema.LinkageConfig
	unsubscribe func()

	// initialized is atomic: the store change handler checks it
	// synchronously from SetValue, possibly while a cycle holds mu.
	initialized atomic.Bool

	// graphMu guards expanded and graph, which swap wholesale on each
	// rebuild. Readers outside a cycle (OnFieldChanged) take the read
	// side only.
	graphMu  sync.RWMutex
	expanded *expand.Set
	graph    *depgraph.Graph

	// resultsMu guards results.
	resultsMu sync.RWMutex
	results   map[string]*schema.LinkageResult
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the engine metrics. Absent, the engine registers a
// Metrics on a private registry so instrument calls stay valid.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithCycleHandler sets the callback invoked on dependency cycle
// detection. Cycles are reported, not fatal.
func WithCycleHandler(fn CycleHandler) Option {
	return func(e *Engine) { e.onCycle = fn }
}

// WithFunctions sets the derivation function registry.
func WithFunctions(reg *FunctionRegistry) Option {
	return func(e *Engine) { e.functions = reg }
}

// NewEngine creates an engine bound to store.
func NewEngine(store ValueStore, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	e := &Engine{
		store:   store,
		queue:   NewTaskQueue(),
		results: make(map[string]*schema.LinkageResult),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.Default()
	}
	if e.functions == nil {
		e.functions = NewFunctionRegistry()
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(prometheus.NewRegistry())
	}
	return e, nil
}

// Initialize loads the declared linkages, builds the dependency graph,
// evaluates every linkage once against current values, and subscribes
// to store changes. Calling it again replaces the loaded linkages and
// discards all prior results and pending tasks.
func (e *Engine) Initialize(ctx context.Context, declared []*schema.LinkageConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.declared = append([]*schema.LinkageConfig(nil), declared...)
	e.queue.Reset()
	e.resultsMu.Lock()
	e.results = make(map[string]*schema.LinkageResult)
	e.resultsMu.Unlock()

	snapshot := e.store.GetValues()
	if err := e.rebuild(snapshot); err != nil {
		return err
	}

	e.graphMu.RLock()
	all := e.graph.TopologicalSort(e.expanded.Order)
	e.graphMu.RUnlock()

	updates := e.evaluateFields(ctx, all, snapshot)
	e.commit(updates)

	if e.unsubscribe == nil {
		e.unsubscribe = e.store.Subscribe(func(field string) {
			if err := e.OnFieldChanged(context.Background(), field); err != nil {
				e.logger.Error("field change handling failed", "field", field, "error", err)
			}
		})
	}
	e.initialized.Store(true)
	return nil
}

// OnFieldChanged schedules a recompute cycle for the fields affected by
// a change to field. Changes caused by the engine's own write-backs are
// ignored. The cycle runs asynchronously; a later change to the same
// field supersedes it.
func (e *Engine) OnFieldChanged(ctx context.Context, field string) error {
	if !e.isInitialized() {
		return ErrNotInitialized
	}
	if field == "" {
		return fmt.Errorf("%w: empty field path", ErrInvalidInput)
	}
	if e.queue.IsFieldUpdating(field) {
		e.metrics.SelfTriggerSuppressed.Inc()
		return nil
	}

	e.graphMu.RLock()
	affected := e.affectedByLocked(field)
	e.graphMu.RUnlock()

	task := e.queue.Enqueue(field, affected)
	go e.runCycle(ctx, task)
	return nil
}

// Refresh re-expands, rebuilds the graph, and re-evaluates every
// linkage against current values. Use after wholesale value
// replacement or a schema hot-reload via Initialize.
func (e *Engine) Refresh(ctx context.Context) error {
	if !e.isInitialized() {
		return ErrNotInitialized
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	snapshot := e.store.GetValues()
	if err := e.rebuild(snapshot); err != nil {
		return err
	}
	e.graphMu.RLock()
	all := e.graph.TopologicalSort(e.expanded.Order)
	e.graphMu.RUnlock()

	updates := e.evaluateFields(ctx, all, snapshot)
	e.commit(updates)
	return nil
}

// Result returns the derived-state record for field, or nil when
// linkage has no opinion on it.
func (e *Engine) Result(field string) *schema.LinkageResult {
	e.resultsMu.RLock()
	defer e.resultsMu.RUnlock()
	return e.results[field].Clone()
}

// ResultMap returns a copy of the full derived-state map.
func (e *Engine) ResultMap() map[string]*schema.LinkageResult {
	e.resultsMu.RLock()
	defer e.resultsMu.RUnlock()
	out := make(map[string]*schema.LinkageResult, len(e.results))
	for field, r := range e.results {
		out[field] = r.Clone()
	}
	return out
}

// EffectiveVisible reports whether field is visible once ancestor
// visibility is folded in: a field inside a hidden container is hidden
// regardless of its own record.
func (e *Engine) EffectiveVisible(field string) bool {
	e.resultsMu.RLock()
	defer e.resultsMu.RUnlock()
	for _, path := range append(fieldpath.Ancestors(field), field) {
		if r := e.results[path]; r != nil && r.Visible != nil && !*r.Visible {
			return false
		}
	}
	return true
}

// Functions returns the derivation function registry.
func (e *Engine) Functions() *FunctionRegistry { return e.functions }

// Close unsubscribes from the store and drops pending tasks.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
	e.queue.Reset()
	e.initialized.Store(false)
}

func (e *Engine) isInitialized() bool {
	return e.initialized.Load()
}

// runCycle executes one recompute cycle end to end. Stale tasks are
// dropped before evaluation and re-checked before commit so a
// superseded cycle never writes anything.
func (e *Engine) runCycle(ctx context.Context, task Task) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	if !e.queue.IsTaskValid(task) {
		e.metrics.StaleDropped.Inc()
		return
	}

	snapshot := e.store.GetValues()
	if err := e.rebuild(snapshot); err != nil {
		e.logger.Error("graph rebuild failed", "field", task.Field, "error", err)
		return
	}

	// Recompute the affected set on the fresh graph: a change to an
	// array re-expands its element linkages and the pre-change set may
	// be incomplete.
	e.graphMu.RLock()
	affected := e.affectedByLocked(task.Field)
	ordered := e.graph.TopologicalSort(affected)
	e.graphMu.RUnlock()

	updates := e.evaluateFields(ctx, ordered, snapshot)

	if !e.queue.IsTaskValid(task) {
		e.metrics.StaleDropped.Inc()
		return
	}
	e.commit(updates)
	e.queue.Complete(task)
	e.metrics.EvalDuration.Observe(time.Since(start).Seconds())
}

// rebuild re-expands array linkages against values and swaps in a fresh
// dependency graph. Cycles are reported and left in place.
func (e *Engine) rebuild(values map[string]any) error {
	set, err := expand.Expand(e.declared, values)
	if err != nil {
		return fmt.Errorf("expanding linkages: %w", err)
	}

	graph := depgraph.New()
	for _, field := range set.Order {
		graph.AddField(field)
		for _, entry := range set.ByField[field] {
			for _, dep := range entry.Config.Dependencies {
				graph.AddDependency(field, dep)
			}
		}
	}
	if cycle := graph.DetectCycle(); cycle != nil {
		e.metrics.CyclesDetected.Inc()
		e.logger.Warn("dependency cycle detected", "path", cycle)
		if e.onCycle != nil {
			e.onCycle(cycle)
		}
	}

	e.graphMu.Lock()
	e.expanded = set
	e.graph = graph
	e.graphMu.Unlock()
	return nil
}

// affectedByLocked computes the affected set for a change to field,
// folding in ancestry: replacing a container changes every path under
// it, and changing a leaf changes every container holding it. Callers
// hold graphMu.
func (e *Engine) affectedByLocked(field string) []string {
	var related []string
	for _, node := range e.graph.Fields() {
		if node == field {
			continue
		}
		if fieldpath.IsAncestor(field, node) || fieldpath.IsAncestor(node, field) {
			related = append(related, node)
		}
	}
	return e.graph.AffectedFields(field, related...)
}

// fieldUpdate is a pending value write-back.
type fieldUpdate struct {
	field string
	value any
}

// evaluateFields evaluates every linkage of the given fields in order,
// merging contributions into the result map. Computed values are folded
// into the local snapshot immediately so downstream fields in the same
// cycle see them. An evaluation error skips that entry only.
func (e *Engine) evaluateFields(ctx context.Context, fields []string, values map[string]any) []fieldUpdate {
	e.graphMu.RLock()
	set := e.expanded
	e.graphMu.RUnlock()

	var updates []fieldUpdate
	e.resultsMu.Lock()
	defer e.resultsMu.Unlock()

	for _, field := range fields {
		entries := set.ByField[field]
		if len(entries) == 0 {
			continue
		}
		var contributions []*schema.LinkageResult
		failed := false
		for _, entry := range entries {
			contribution, err := e.evaluateEntry(ctx, entry, values)
			if err != nil {
				e.logger.Error("linkage evaluation failed",
					"field", field, "type", string(entry.Config.Type), "error", err)
				failed = true
				continue
			}
			if contribution == nil {
				continue
			}
			contributions = append(contributions, contribution)
			e.metrics.Evaluations.WithLabelValues(string(entry.Config.Type)).Inc()
		}

		// A failed entry aborts only this field's update: the prior
		// record stays as the baseline and successful entries merge over
		// it, so a derivation error never wipes derived state.
		merged := &schema.LinkageResult{}
		if failed {
			if prior := e.results[field]; prior != nil {
				merged = prior.Clone()
			}
		}
		for _, contribution := range contributions {
			merged.Merge(contribution)
		}
		e.results[field] = merged

		if merged.Value != nil && isValueType(entries) {
			// Redundant-write guard: a computed value identical to the
			// current one is not written back, breaking write loops.
			if current, ok := fieldpath.Lookup(values, field); ok && valuesEqual(current, merged.Value) {
				continue
			}
			updates = append(updates, fieldUpdate{field: field, value: merged.Value})
			if err := fieldpath.Write(values, field, merged.Value); err != nil {
				e.logger.Warn("snapshot write failed", "field", field, "error", err)
			}
		}
	}
	return updates
}

// evaluateEntry resolves one expanded linkage to its contribution, or
// nil when the selected branch has no effect.
func (e *Engine) evaluateEntry(ctx context.Context, entry *expand.Entry, values map[string]any) (result *schema.LinkageResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("linkage evaluation panicked: %v", r)
		}
	}()

	cfg := entry.Config
	pass := true
	switch {
	case cfg.When == nil:
	case cfg.When.IsFunction():
		pass, err = e.callGateFunction(ctx, entry, cfg.When.Function, values)
		if err != nil {
			return nil, err
		}
	default:
		pass, err = condition.Evaluate(cfg.When.Condition, values)
		if err != nil {
			return nil, err
		}
	}

	effect := cfg.Fulfill
	if !pass {
		effect = cfg.Otherwise
	}
	if effect == nil {
		return nil, nil
	}
	return e.applyEffect(ctx, entry, effect, values)
}

// callGateFunction runs a named function expected to yield the trigger
// boolean.
func (e *Engine) callGateFunction(ctx context.Context, entry *expand.Entry, name string, values map[string]any) (bool, error) {
	raw, err := e.callFunction(ctx, entry, name, values)
	if err != nil {
		return false, err
	}
	pass, ok := raw.(bool)
	if !ok {
		return false, fmt.Errorf("%w: function %q returned %T, want bool", ErrInvalidInput, name, raw)
	}
	return pass, nil
}

// applyEffect turns an effect into a result contribution routed by the
// linkage type.
func (e *Engine) applyEffect(ctx context.Context, entry *expand.Entry, effect *schema.Effect, values map[string]any) (*schema.LinkageResult, error) {
	out := &schema.LinkageResult{}
	if effect.State != nil {
		out.Merge(effect.State.Clone())
	}

	var raw any
	haveRaw := false
	switch {
	case effect.Function != "":
		value, err := e.callFunction(ctx, entry, effect.Function, values)
		if err != nil {
			return nil, err
		}
		raw, haveRaw = value, true
	case effect.Value != nil:
		raw, haveRaw = effect.Value, true
	}
	if !haveRaw {
		return out, nil
	}

	cfg := entry.Config
	switch cfg.Type {
	case schema.LinkageVisibility:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: visibility effect for %q is %T, want bool", ErrInvalidInput, cfg.Field, raw)
		}
		out.Visible = &b
	case schema.LinkageDisabled:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: disabled effect for %q is %T, want bool", ErrInvalidInput, cfg.Field, raw)
		}
		out.Disabled = &b
	case schema.LinkageReadonly:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: readonly effect for %q is %T, want bool", ErrInvalidInput, cfg.Field, raw)
		}
		out.Readonly = &b
	case schema.LinkageValue, schema.LinkageComputed:
		out.Value = raw
	case schema.LinkageOptions:
		options, err := coerceOptions(raw)
		if err != nil {
			return nil, fmt.Errorf("options effect for %q: %w", cfg.Field, err)
		}
		out.Options = options
	case schema.LinkageSchema:
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: schema effect for %q is %T, want map", ErrInvalidInput, cfg.Field, raw)
		}
		out.Schema = m
	default:
		return nil, fmt.Errorf("%w: %q", schema.ErrInvalidSchema, cfg.Type)
	}
	return out, nil
}

// callFunction looks up and runs a derivation function with the entry's
// array context.
func (e *Engine) callFunction(ctx context.Context, entry *expand.Entry, name string, values map[string]any) (any, error) {
	fn, err := e.functions.Get(name)
	if err != nil {
		e.metrics.UnknownFunctions.Inc()
		return nil, err
	}
	fctx := FunctionContext{FieldPath: entry.Config.Field, ArrayIndex: -1}
	if inner := entry.Innermost(); inner != nil {
		fctx.ArrayPath = inner.ArrayPath
		fctx.ArrayIndex = inner.ArrayIndex
	}
	value, err := fn(ctx, values, fctx)
	if err != nil {
		e.metrics.DerivationErrors.WithLabelValues(name).Inc()
		return nil, fmt.Errorf("function %q: %w", name, err)
	}
	return value, nil
}

// commit writes computed values back to the store, marking each field
// as updating so the store's change notification does not re-trigger a
// cycle.
func (e *Engine) commit(updates []fieldUpdate) {
	for _, u := range updates {
		e.queue.MarkFieldUpdating(u.field)
		err := e.store.SetValue(u.field, u.value, SetOptions{})
		e.queue.UnmarkFieldUpdating(u.field)
		if err != nil {
			e.logger.Error("value write-back failed", "field", u.field, "error", err)
		}
	}
}

func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// isValueType reports whether any entry for a field derives its value.
func isValueType(entries []*expand.Entry) bool {
	for _, entry := range entries {
		if entry.Config.Type == schema.LinkageValue || entry.Config.Type == schema.LinkageComputed {
			return true
		}
	}
	return false
}

// coerceOptions normalizes an effect payload into an option list.
func coerceOptions(raw any) ([]schema.Option, error) {
	switch v := raw.(type) {
	case []schema.Option:
		return append([]schema.Option(nil), v...), nil
	case []any:
		out := make([]schema.Option, 0, len(v))
		for _, item := range v {
			switch o := item.(type) {
			case schema.Option:
				out = append(out, o)
			case map[string]any:
				label, _ := o["label"].(string)
				out = append(out, schema.Option{Label: label, Value: o["value"]})
			default:
				out = append(out, schema.Option{Label: fmt.Sprint(o), Value: o})
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: options payload is %T", ErrInvalidInput, raw)
	}
}
