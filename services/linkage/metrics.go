// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package linkage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus instruments.
type Metrics struct {
	// Evaluations counts linkage evaluations by linkage type.
	Evaluations *prometheus.CounterVec

	// EvalDuration observes the wall time of a full recompute cycle.
	EvalDuration prometheus.Histogram

	// CyclesDetected counts dependency cycles found during graph builds.
	CyclesDetected prometheus.Counter

	// StaleDropped counts recompute results discarded because a newer
	// change superseded them.
	StaleDropped prometheus.Counter

	// SelfTriggerSuppressed counts change notifications ignored because
	// the engine itself was writing the field.
	SelfTriggerSuppressed prometheus.Counter

	// DerivationErrors counts derivation function failures by function
	// name.
	DerivationErrors *prometheus.CounterVec

	// UnknownFunctions counts references to unregistered functions.
	UnknownFunctions prometheus.Counter
}

// NewMetrics creates and registers the engine metrics on reg. Pass a
// fresh prometheus.NewRegistry in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Evaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "formlink",
			Subsystem: "linkage",
			Name:      "evaluations_total",
			Help:      "Linkage evaluations performed, by linkage type.",
		}, []string{"type"}),
		EvalDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "formlink",
			Subsystem: "linkage",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a full linkage recompute cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		CyclesDetected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "formlink",
			Subsystem: "linkage",
			Name:      "dependency_cycles_total",
			Help:      "Dependency cycles detected during graph builds.",
		}),
		StaleDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "formlink",
			Subsystem: "linkage",
			Name:      "stale_results_dropped_total",
			Help:      "Recompute results discarded because a newer change superseded them.",
		}),
		SelfTriggerSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "formlink",
			Subsystem: "linkage",
			Name:      "self_triggers_suppressed_total",
			Help:      "Change notifications ignored during engine write-back.",
		}),
		DerivationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "formlink",
			Subsystem: "linkage",
			Name:      "derivation_errors_total",
			Help:      "Derivation function failures, by function name.",
		}, []string{"function"}),
		UnknownFunctions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "formlink",
			Subsystem: "linkage",
			Name:      "unknown_functions_total",
			Help:      "Linkage evaluations referencing an unregistered function.",
		}),
	}
}
