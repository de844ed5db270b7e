// Copyright (C) 2025 StillMe Project (anhmtk)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation implements the StillMe answer validation engine.
//
// The engine decides whether a draft RAG answer may be returned to the user
// unmodified, must be rewritten in place (auto-patch), or must be replaced
// by a safe fallback response. It is built from pluggable checks connected
// by a dependency-aware execution plan:
//
//	ValidationRequest
//	      │
//	      ▼
//	┌──────────────────────────────────────────────┐
//	│ Engine                                       │
//	│   plan group 1 (parallel-safe) ──────────┐   │
//	│   plan group 2 (reads group-1 flags) ────┤   │
//	│   plan group N ──────────────────────────┘   │
//	│   short-circuit on critical failure          │
//	└──────────────┬───────────────────────────────┘
//	               ▼
//	 FallbackPolicy → telemetry.Collector → threshold.Optimizer
//
// Checks declare the shared decision flags they read and write; the
// dependency resolver orders them so a reader always runs after its writer
// and proves the remaining checks independent, hence safe to run
// concurrently on a bounded worker pool.
package validation

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// requestValidate validates incoming requests against struct tags.
var requestValidate = validator.New()

// ContextDocument is one retrieved reference document, ordered by the
// retrieval subsystem. The engine never re-queries retrieval mid-chain.
type ContextDocument struct {
	// Text is the document chunk content shown to the LLM.
	Text string `json:"text" validate:"required"`

	// SourceID identifies the origin document for citation markers.
	SourceID string `json:"source_id"`

	// Similarity is the retrieval similarity score in [0,1].
	Similarity float64 `json:"similarity_score" validate:"gte=0,lte=1"`

	// Metadata carries optional retrieval metadata (title, URL, date).
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ValidationRequest is one answer-validation call. It lives for exactly
// one request/result pair.
type ValidationRequest struct {
	// DraftAnswer is the candidate answer produced by the LLM.
	DraftAnswer string `json:"draft_answer" validate:"required"`

	// ContextDocuments are the retrieved reference documents, best first.
	ContextDocuments []ContextDocument `json:"context_documents" validate:"dive"`

	// UserQuestion is the original user question (optional but strongly
	// recommended; category-aware thresholds depend on it).
	UserQuestion string `json:"user_question,omitempty"`

	// Language is a BCP-47-ish language tag ("en", "vi"). Empty means
	// unknown and disables the language check.
	Language string `json:"language,omitempty"`

	// TraceID correlates this run across logs, spans, and the metrics
	// log. Assigned a UUID when empty.
	TraceID string `json:"trace_id,omitempty"`
}

// EnsureDefaults populates the trace ID if the caller supplied none.
func (r *ValidationRequest) EnsureDefaults() {
	if r.TraceID == "" {
		r.TraceID = uuid.NewString()
	}
}

// Validate checks the request against its struct tags.
func (r *ValidationRequest) Validate() error {
	return requestValidate.Struct(r)
}

// AvgSimilarity returns the mean similarity across context documents,
// or 0 when there are none.
func (r *ValidationRequest) AvgSimilarity() float64 {
	if len(r.ContextDocuments) == 0 {
		return 0
	}
	var sum float64
	for _, d := range r.ContextDocuments {
		sum += d.Similarity
	}
	return sum / float64(len(r.ContextDocuments))
}

// CheckResult is the outcome of one check invocation.
type CheckResult struct {
	// Passed is the check verdict. Soft passes (timeouts) report true.
	Passed bool `json:"passed"`

	// ReasonCodes explain the verdict. Never free-form strings.
	ReasonCodes []ReasonCode `json:"reason_codes,omitempty"`

	// PatchedAnswer, when non-nil, exclusively replaces the current
	// answer for all subsequent checks.
	PatchedAnswer *string `json:"patched_answer,omitempty"`

	// ConfidenceAdjustment nudges chain confidence, in [-1,1].
	ConfidenceAdjustment float64 `json:"confidence_adjustment,omitempty"`

	// FlagWrites publishes shared decision flags for downstream checks
	// (e.g. has_citation, low_overlap, is_critical). Only flags listed
	// in the check's CheckSpec.Writes are applied.
	FlagWrites map[string]bool `json:"flag_writes,omitempty"`
}

// CheckTiming records how long one check took within a chain.
type CheckTiming struct {
	Check    string        `json:"check"`
	Elapsed  time.Duration `json:"elapsed"`
	TimedOut bool          `json:"timed_out,omitempty"`
}

// ChainResult is the aggregate outcome of one validation run.
type ChainResult struct {
	// TraceID echoes the request trace ID.
	TraceID string `json:"trace_id"`

	// FinalAnswer is the answer to return to the user. Never empty.
	FinalAnswer string `json:"final_answer"`

	// OverallPassed is true when every executed check passed.
	OverallPassed bool `json:"overall_passed"`

	// ReasonCodes aggregates all emitted codes in check declaration
	// order, deterministic regardless of scheduling.
	ReasonCodes []ReasonCode `json:"reason_codes,omitempty"`

	// UsedFallback is true when the draft was discarded for a canned
	// safe response.
	UsedFallback bool `json:"used_fallback"`

	// Confidence is the accumulated confidence score in [0,1].
	Confidence float64 `json:"confidence"`

	// Patched is true when any check rewrote the answer in place.
	Patched bool `json:"patched"`

	// PatchedBy names the check that owns the final answer text, empty
	// when the draft survived unmodified.
	PatchedBy string `json:"patched_by,omitempty"`

	// Elapsed is total wall time for the chain.
	Elapsed time.Duration `json:"elapsed"`

	// PerCheckTimings lists executed checks in declaration order.
	PerCheckTimings []CheckTiming `json:"per_check_timings,omitempty"`
}

// CheckSpec is the static description of a check, fixed at construction.
type CheckSpec struct {
	// Name uniquely identifies the check in plans, logs, and metrics.
	Name string

	// Layer is a grouping label for reporting ("evidence", "safety").
	Layer string

	// Reads lists shared flags the check consumes. Any writer of these
	// flags is ordered strictly before this check.
	Reads []string

	// Writes lists shared flags the check publishes. Two checks may not
	// declare the same write.
	Writes []string

	// Critical marks a check whose unpatched failure short-circuits the
	// remaining plan and routes directly to the fallback policy.
	Critical bool

	// Timeout bounds one invocation. Zero means the engine default.
	// On expiry the check is soft-passed with a validator_timeout code.
	Timeout time.Duration

	// Thresholds maps threshold names to their default values. Live
	// values are owned by the threshold store and resolved per
	// invocation; these defaults apply when no store is configured.
	Thresholds map[string]float64
}

// AnswerState is the single "current answer" of a run, modeled as an
// explicit sum: the original draft, or a patched text owned by the check
// that produced it. Exactly one AnswerState exists per run; ownership
// transfers when a check returns a patch.
type AnswerState struct {
	text      string
	patchedBy string
}

// OriginalAnswer builds the initial state owning the draft text.
func OriginalAnswer(text string) AnswerState {
	return AnswerState{text: text}
}

// Patch returns a new state owned by the named check.
func (a AnswerState) Patch(text, byCheck string) AnswerState {
	return AnswerState{text: text, patchedBy: byCheck}
}

// Text returns the current answer text.
func (a AnswerState) Text() string { return a.text }

// Patched reports whether ownership has transferred from the draft.
func (a AnswerState) Patched() bool { return a.patchedBy != "" }

// PatchedBy returns the owning check name, empty for the original draft.
func (a AnswerState) PatchedBy() string { return a.patchedBy }
