// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package linkage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyrilzhao/formlink/services/linkage/fieldpath"
	"github.com/cyrilzhao/formlink/services/linkage/schema"
)

func boolPtr(b bool) *bool { return &b }

func visibilityLinkage(field, dep string, when *schema.ConditionExpression) *schema.LinkageConfig {
	return &schema.LinkageConfig{
		Field:        field,
		Type:         schema.LinkageVisibility,
		Dependencies: []string{dep},
		When:         &schema.When{Condition: when},
		Fulfill:      &schema.Effect{State: &schema.LinkageResult{Visible: boolPtr(true)}},
		Otherwise:    &schema.Effect{State: &schema.LinkageResult{Visible: boolPtr(false)}},
	}
}

func multiplyFunc(t *testing.T) DerivationFunc {
	t.Helper()
	return func(_ context.Context, values map[string]any, _ FunctionContext) (any, error) {
		price, ok := fieldpath.Lookup(values, "price")
		if !ok {
			return nil, fmt.Errorf("price missing")
		}
		quantity, ok := fieldpath.Lookup(values, "quantity")
		if !ok {
			return nil, fmt.Errorf("quantity missing")
		}
		return toNumber(price) * toNumber(quantity), nil
	}
}

func toNumber(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}

func TestEngine_RequiresStore(t *testing.T) {
	_, err := NewEngine(nil)
	require.ErrorIs(t, err, ErrNilStore)
}

func TestEngine_OnFieldChangedBeforeInitialize(t *testing.T) {
	engine, err := NewEngine(NewMemoryStore(nil))
	require.NoError(t, err)
	assert.ErrorIs(t, engine.OnFieldChanged(context.Background(), "a"), ErrNotInitialized)
}

func TestEngine_InitializeEvaluatesVisibility(t *testing.T) {
	store := NewMemoryStore(map[string]any{"accountType": "company"})
	engine, err := NewEngine(store)
	require.NoError(t, err)
	defer engine.Close()

	linkages := []*schema.LinkageConfig{
		visibilityLinkage("companyName", "accountType", &schema.ConditionExpression{
			Field:    "accountType",
			Operator: schema.OpEqual,
			Value:    "company",
		}),
	}
	require.NoError(t, engine.Initialize(context.Background(), linkages))

	result := engine.Result("companyName")
	require.NotNil(t, result)
	require.NotNil(t, result.Visible)
	assert.True(t, *result.Visible)
}

func TestEngine_FieldChangeFlipsVisibility(t *testing.T) {
	store := NewMemoryStore(map[string]any{"accountType": "company"})
	engine, err := NewEngine(store)
	require.NoError(t, err)
	defer engine.Close()

	linkages := []*schema.LinkageConfig{
		visibilityLinkage("companyName", "accountType", &schema.ConditionExpression{
			Field:    "accountType",
			Operator: schema.OpEqual,
			Value:    "company",
		}),
	}
	require.NoError(t, engine.Initialize(context.Background(), linkages))

	require.NoError(t, store.SetValue("accountType", "person", SetOptions{}))

	require.Eventually(t, func() bool {
		r := engine.Result("companyName")
		return r != nil && r.Visible != nil && !*r.Visible
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_ValueWriteBack(t *testing.T) {
	store := NewMemoryStore(map[string]any{"price": 100, "quantity": 2})
	functions := NewFunctionRegistry()
	require.NoError(t, functions.Register("multiply", multiplyFunc(t)))

	engine, err := NewEngine(store, WithFunctions(functions))
	require.NoError(t, err)
	defer engine.Close()

	linkages := []*schema.LinkageConfig{{
		Field:        "total",
		Type:         schema.LinkageValue,
		Dependencies: []string{"price", "quantity"},
		Fulfill:      &schema.Effect{Function: "multiply"},
	}}
	require.NoError(t, engine.Initialize(context.Background(), linkages))

	// Initialize writes the first derived total synchronously.
	assert.Equal(t, float64(200), store.GetValues()["total"])

	require.NoError(t, store.SetValue("quantity", 3, SetOptions{}))
	require.Eventually(t, func() bool {
		return store.GetValues()["total"] == float64(300)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_RapidChangesConverge(t *testing.T) {
	store := NewMemoryStore(map[string]any{"price": 10, "quantity": 1})
	functions := NewFunctionRegistry()
	require.NoError(t, functions.Register("multiply", multiplyFunc(t)))

	engine, err := NewEngine(store, WithFunctions(functions))
	require.NoError(t, err)
	defer engine.Close()

	linkages := []*schema.LinkageConfig{{
		Field:        "total",
		Type:         schema.LinkageValue,
		Dependencies: []string{"price", "quantity"},
		Fulfill:      &schema.Effect{Function: "multiply"},
	}}
	require.NoError(t, engine.Initialize(context.Background(), linkages))

	for i := 2; i <= 8; i++ {
		require.NoError(t, store.SetValue("quantity", i, SetOptions{}))
	}

	// Whatever ordering the superseded tasks raced through, only the
	// final change's result may persist.
	require.Eventually(t, func() bool {
		return store.GetValues()["total"] == float64(80)
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, float64(80), store.GetValues()["total"])
}

func TestEngine_DependencyCycleIsReportedNotFatal(t *testing.T) {
	store := NewMemoryStore(map[string]any{"a": 1, "b": 2})

	var mu sync.Mutex
	var reported []string
	engine, err := NewEngine(store, WithCycleHandler(func(path []string) {
		mu.Lock()
		defer mu.Unlock()
		reported = append([]string(nil), path...)
	}))
	require.NoError(t, err)
	defer engine.Close()

	linkages := []*schema.LinkageConfig{
		visibilityLinkage("a", "b", &schema.ConditionExpression{
			Field: "b", Operator: schema.OpIsNotEmpty,
		}),
		visibilityLinkage("b", "a", &schema.ConditionExpression{
			Field: "a", Operator: schema.OpIsNotEmpty,
		}),
	}
	require.NoError(t, engine.Initialize(context.Background(), linkages),
		"a cycle must not fail initialization")

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, reported)
	assert.ElementsMatch(t, []string{"a", "b"}, reported)
}

func TestEngine_GateFunction(t *testing.T) {
	store := NewMemoryStore(map[string]any{"score": 80})
	functions := NewFunctionRegistry()
	require.NoError(t, functions.Register("isHighScore", func(_ context.Context, values map[string]any, _ FunctionContext) (any, error) {
		score, _ := fieldpath.Lookup(values, "score")
		return toNumber(score) >= 60, nil
	}))

	engine, err := NewEngine(store, WithFunctions(functions))
	require.NoError(t, err)
	defer engine.Close()

	linkages := []*schema.LinkageConfig{{
		Field:        "badge",
		Type:         schema.LinkageVisibility,
		Dependencies: []string{"score"},
		When:         &schema.When{Function: "isHighScore"},
		Fulfill:      &schema.Effect{State: &schema.LinkageResult{Visible: boolPtr(true)}},
		Otherwise:    &schema.Effect{State: &schema.LinkageResult{Visible: boolPtr(false)}},
	}}
	require.NoError(t, engine.Initialize(context.Background(), linkages))

	result := engine.Result("badge")
	require.NotNil(t, result)
	assert.True(t, *result.Visible)

	require.NoError(t, store.SetValue("score", 30, SetOptions{}))
	require.Eventually(t, func() bool {
		r := engine.Result("badge")
		return r != nil && r.Visible != nil && !*r.Visible
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_UnknownFunctionSkipsEntry(t *testing.T) {
	store := NewMemoryStore(map[string]any{"price": 1})
	engine, err := NewEngine(store)
	require.NoError(t, err)
	defer engine.Close()

	linkages := []*schema.LinkageConfig{{
		Field:        "total",
		Type:         schema.LinkageValue,
		Dependencies: []string{"price"},
		Fulfill:      &schema.Effect{Function: "nope"},
	}}
	require.NoError(t, engine.Initialize(context.Background(), linkages),
		"an unknown function is logged, not fatal")
	assert.NotContains(t, store.GetValues(), "total")
}

func TestEngine_FailingEntryDoesNotAbortBatch(t *testing.T) {
	store := NewMemoryStore(map[string]any{"price": 1, "mode": "on"})
	functions := NewFunctionRegistry()
	require.NoError(t, functions.Register("boom", func(context.Context, map[string]any, FunctionContext) (any, error) {
		return nil, errors.New("boom")
	}))

	engine, err := NewEngine(store, WithFunctions(functions))
	require.NoError(t, err)
	defer engine.Close()

	linkages := []*schema.LinkageConfig{
		{
			Field:        "broken",
			Type:         schema.LinkageValue,
			Dependencies: []string{"price"},
			Fulfill:      &schema.Effect{Function: "boom"},
		},
		visibilityLinkage("healthy", "mode", &schema.ConditionExpression{
			Field: "mode", Operator: schema.OpEqual, Value: "on",
		}),
	}
	require.NoError(t, engine.Initialize(context.Background(), linkages))

	result := engine.Result("healthy")
	require.NotNil(t, result)
	assert.True(t, *result.Visible, "the healthy field still evaluates")
}

func TestEngine_DerivationErrorKeepsPriorState(t *testing.T) {
	store := NewMemoryStore(map[string]any{"price": 100, "quantity": 2})
	functions := NewFunctionRegistry()

	var calls atomic.Int32
	require.NoError(t, functions.Register("flaky", func(_ context.Context, values map[string]any, _ FunctionContext) (any, error) {
		if calls.Add(1) > 1 {
			return nil, errors.New("upstream unavailable")
		}
		price, _ := fieldpath.Lookup(values, "price")
		quantity, _ := fieldpath.Lookup(values, "quantity")
		return toNumber(price) * toNumber(quantity), nil
	}))

	engine, err := NewEngine(store, WithFunctions(functions))
	require.NoError(t, err)
	defer engine.Close()

	linkages := []*schema.LinkageConfig{{
		Field:        "total",
		Type:         schema.LinkageValue,
		Dependencies: []string{"price", "quantity"},
		Fulfill:      &schema.Effect{Function: "flaky"},
	}}
	require.NoError(t, engine.Initialize(context.Background(), linkages))
	require.Equal(t, float64(200), engine.Result("total").Value)

	require.NoError(t, store.SetValue("price", 150, SetOptions{}))

	// The second evaluation errors; the previously derived total survives.
	require.Eventually(t, func() bool {
		return calls.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	result := engine.Result("total")
	require.NotNil(t, result)
	assert.Equal(t, float64(200), result.Value)
	assert.Equal(t, float64(200), store.GetValues()["total"])
}

func TestEngine_OptionsLinkage(t *testing.T) {
	store := NewMemoryStore(map[string]any{"country": "jp"})
	engine, err := NewEngine(store)
	require.NoError(t, err)
	defer engine.Close()

	linkages := []*schema.LinkageConfig{{
		Field:        "city",
		Type:         schema.LinkageOptions,
		Dependencies: []string{"country"},
		When: &schema.When{Condition: &schema.ConditionExpression{
			Field: "country", Operator: schema.OpEqual, Value: "jp",
		}},
		Fulfill: &schema.Effect{Value: []any{
			map[string]any{"label": "Tokyo", "value": "tokyo"},
			map[string]any{"label": "Osaka", "value": "osaka"},
		}},
		Otherwise: &schema.Effect{Value: []any{}},
	}}
	require.NoError(t, engine.Initialize(context.Background(), linkages))

	result := engine.Result("city")
	require.NotNil(t, result)
	require.Len(t, result.Options, 2)
	assert.Equal(t, schema.Option{Label: "Tokyo", Value: "tokyo"}, result.Options[0])
}

func TestEngine_ArrayTemplateExpansion(t *testing.T) {
	store := NewMemoryStore(map[string]any{
		"contacts": []any{
			map[string]any{"type": "company"},
			map[string]any{"type": "person"},
		},
	})
	engine, err := NewEngine(store)
	require.NoError(t, err)
	defer engine.Close()

	linkages := []*schema.LinkageConfig{
		visibilityLinkage("contacts.companyName", "./type", &schema.ConditionExpression{
			Field: "./type", Operator: schema.OpEqual, Value: "company",
		}),
	}
	require.NoError(t, engine.Initialize(context.Background(), linkages))

	first := engine.Result("contacts.0.companyName")
	require.NotNil(t, first)
	assert.True(t, *first.Visible)

	second := engine.Result("contacts.1.companyName")
	require.NotNil(t, second)
	assert.False(t, *second.Visible)

	// Growing the array re-expands on the next change.
	require.NoError(t, store.SetValue("contacts", []any{
		map[string]any{"type": "person"},
		map[string]any{"type": "person"},
		map[string]any{"type": "company"},
	}, SetOptions{}))

	require.Eventually(t, func() bool {
		r := engine.Result("contacts.2.companyName")
		return r != nil && r.Visible != nil && *r.Visible
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_EffectiveVisible(t *testing.T) {
	store := NewMemoryStore(map[string]any{"mode": "simple"})
	engine, err := NewEngine(store)
	require.NoError(t, err)
	defer engine.Close()

	linkages := []*schema.LinkageConfig{
		visibilityLinkage("advanced", "mode", &schema.ConditionExpression{
			Field: "advanced.threshold", Operator: schema.OpIsNotEmpty,
		}),
	}
	linkages[0].When.Condition = &schema.ConditionExpression{
		Field: "mode", Operator: schema.OpEqual, Value: "expert",
	}
	require.NoError(t, engine.Initialize(context.Background(), linkages))

	assert.False(t, engine.EffectiveVisible("advanced"))
	assert.False(t, engine.EffectiveVisible("advanced.threshold"),
		"children of a hidden container are hidden")
	assert.True(t, engine.EffectiveVisible("mode"),
		"fields without a linkage opinion default to visible")
}

func TestEngine_RefreshAfterReplace(t *testing.T) {
	store := NewMemoryStore(map[string]any{"accountType": "person"})
	engine, err := NewEngine(store)
	require.NoError(t, err)
	defer engine.Close()

	linkages := []*schema.LinkageConfig{
		visibilityLinkage("companyName", "accountType", &schema.ConditionExpression{
			Field: "accountType", Operator: schema.OpEqual, Value: "company",
		}),
	}
	require.NoError(t, engine.Initialize(context.Background(), linkages))
	require.False(t, *engine.Result("companyName").Visible)

	store.Replace(map[string]any{"accountType": "company"})
	require.NoError(t, engine.Refresh(context.Background()))
	assert.True(t, *engine.Result("companyName").Visible)
}

func TestEngine_InitializeReplacesPriorState(t *testing.T) {
	store := NewMemoryStore(map[string]any{"a": 1})
	engine, err := NewEngine(store)
	require.NoError(t, err)
	defer engine.Close()

	first := []*schema.LinkageConfig{
		visibilityLinkage("x", "a", &schema.ConditionExpression{
			Field: "a", Operator: schema.OpIsNotEmpty,
		}),
	}
	require.NoError(t, engine.Initialize(context.Background(), first))
	require.NotNil(t, engine.Result("x"))

	second := []*schema.LinkageConfig{
		visibilityLinkage("y", "a", &schema.ConditionExpression{
			Field: "a", Operator: schema.OpIsNotEmpty,
		}),
	}
	require.NoError(t, engine.Initialize(context.Background(), second))

	assert.Nil(t, engine.Result("x"), "old results must be discarded")
	assert.NotNil(t, engine.Result("y"))
}

func TestFunctionRegistry(t *testing.T) {
	reg := NewFunctionRegistry()
	fn := func(context.Context, map[string]any, FunctionContext) (any, error) { return 1, nil }

	require.NoError(t, reg.Register("one", fn))
	assert.ErrorIs(t, reg.Register("one", fn), ErrDuplicateFunction)
	assert.ErrorIs(t, reg.Register("", fn), ErrInvalidInput)
	assert.ErrorIs(t, reg.Register("nilfn", nil), ErrInvalidInput)

	got, err := reg.Get("one")
	require.NoError(t, err)
	require.NotNil(t, got)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownFunction)

	assert.Equal(t, []string{"one"}, reg.Names())
}
