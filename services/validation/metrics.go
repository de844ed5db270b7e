// Copyright (C) 2025 StillMe Project (anhmtk)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metricAttrs wraps attributes for counter/histogram measurements.
func metricAttrs(attrs ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(attrs...)
}

// Package-level tracer and meter for validation chain operations.
var (
	tracer = otel.Tracer("stillme.validation")
	meter  = otel.Meter("stillme.validation")
)

// Metrics for validation chain operations.
var (
	chainsTotal        metric.Int64Counter
	chainDuration      metric.Float64Histogram
	checkDuration      metric.Float64Histogram
	checkFailuresTotal metric.Int64Counter
	patchesTotal       metric.Int64Counter
	timeoutsTotal      metric.Int64Counter
	panicsTotal        metric.Int64Counter
	fallbacksTotal     metric.Int64Counter
	shortCircuitsTotal metric.Int64Counter
	confidenceHist     metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the meters. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		chainsTotal, err = meter.Int64Counter(
			"validation_chains_total",
			metric.WithDescription("Total validation chains by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		chainDuration, err = meter.Float64Histogram(
			"validation_chain_duration_seconds",
			metric.WithDescription("End-to-end validation chain duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		checkDuration, err = meter.Float64Histogram(
			"validation_check_duration_seconds",
			metric.WithDescription("Per-check duration by check name"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		checkFailuresTotal, err = meter.Int64Counter(
			"validation_check_failures_total",
			metric.WithDescription("Failed check invocations by check and reason"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		patchesTotal, err = meter.Int64Counter(
			"validation_patches_total",
			metric.WithDescription("In-place answer patches by check"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		timeoutsTotal, err = meter.Int64Counter(
			"validation_check_timeouts_total",
			metric.WithDescription("Soft-passed check timeouts by check"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		panicsTotal, err = meter.Int64Counter(
			"validation_check_panics_total",
			metric.WithDescription("Recovered check panics by check"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		fallbacksTotal, err = meter.Int64Counter(
			"validation_fallbacks_total",
			metric.WithDescription("Chains that replaced the draft with a fallback"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		shortCircuitsTotal, err = meter.Int64Counter(
			"validation_short_circuits_total",
			metric.WithDescription("Chains aborted early on a critical failure"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		confidenceHist, err = meter.Float64Histogram(
			"validation_chain_confidence",
			metric.WithDescription("Final chain confidence distribution"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}
