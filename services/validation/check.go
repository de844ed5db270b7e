// Copyright (C) 2025 StillMe Project (anhmtk)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import "context"

// Shared decision flag names. Checks declare these in CheckSpec.Reads and
// CheckSpec.Writes; the engine carries their values across plan groups.
const (
	// FlagHasCitation is set when a valid inline citation marker was
	// confirmed (or patched in) by the citation check.
	FlagHasCitation = "has_citation"

	// FlagLowOverlap is set when answer/context evidence overlap fell
	// below the live threshold.
	FlagLowOverlap = "low_overlap"

	// FlagIsCritical escalates a failing check result to critical at
	// runtime (e.g. a high-confidence source contradiction on a
	// load-bearing fact).
	FlagIsCritical = "is_critical"
)

// Check is a single pluggable validation unit.
//
// A check receives the current answer (which may already have been patched
// by an earlier check), the retrieved context, and the question, and
// returns a verdict. Checks must be side-effect free outside their
// returned CheckResult: shared decision flags travel only through
// FlagWrites, and answer rewrites only through PatchedAnswer.
//
// Thread Safety: implementations must be safe for concurrent use; the
// engine may run a check concurrently with other checks in its plan group.
type Check interface {
	// Spec returns the static description of the check. It must return
	// the same value for the lifetime of the check; the engine reads it
	// once at construction to build the execution plan.
	Spec() CheckSpec

	// Run executes the check against the current answer. The context
	// carries the per-check deadline; implementations doing external
	// calls must honor cancellation.
	Run(ctx context.Context, input *CheckInput) CheckResult
}

// CheckInput provides all data needed for one check invocation.
type CheckInput struct {
	// Answer is the current answer text (draft or latest patch).
	Answer string

	// Documents are the retrieved context documents, best first.
	Documents []ContextDocument

	// Question is the original user question, possibly empty.
	Question string

	// Language is the request's declared language tag, possibly empty.
	Language string

	// Category is the classified question category ("technical",
	// "open_ended", "general"); threshold resolution is category-aware.
	Category string

	// Flags is a read-only copy of the shared flag map as of the start
	// of the check's plan group. Only flags in the check's declared
	// Reads are meaningful here.
	Flags map[string]bool

	// Thresholds holds the resolved live threshold values for this
	// check, already category-adjusted and clamped.
	Thresholds map[string]float64
}

// Flag returns the value of a shared flag, false when unset.
func (in *CheckInput) Flag(name string) bool {
	return in.Flags[name]
}

// Threshold returns the resolved threshold value, or fallback when the
// threshold is not registered.
func (in *CheckInput) Threshold(name string, fallback float64) float64 {
	if v, ok := in.Thresholds[name]; ok {
		return v
	}
	return fallback
}

// HasContext reports whether any context documents were retrieved.
func (in *CheckInput) HasContext() bool {
	return len(in.Documents) > 0
}

// ThresholdReader resolves live threshold values for checks. The
// threshold store implements it; a nil reader falls back to CheckSpec
// defaults. Value must be non-blocking on the read path.
type ThresholdReader interface {
	// Value returns the current value for the named threshold of the
	// named check, adjusted for the question category and clamped to
	// the configured bounds. ok is false for unregistered thresholds.
	Value(check, name, category string) (v float64, ok bool)
}
