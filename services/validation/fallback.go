// Copyright (C) 2025 StillMe Project (anhmtk)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"strings"

	"github.com/anhmtk/stillme-validation/pkg/logging"
)

// lastResortAnswer is the hard-coded floor: returned when even fallback
// composition fails. This path must never raise.
const lastResortAnswer = "I don't have enough verified information to " +
	"answer that reliably, so I'd rather not guess."

// FallbackPolicy decides whether a chain outcome warrants discarding the
// draft for a freshly composed safe response, and composes that response.
//
// The fallback never reuses any fragment of the rejected draft: it is
// built only from the question and the aggregated reason codes, so
// possibly-fabricated content cannot leak through.
type FallbackPolicy struct {
	logger *logging.Logger
}

// NewFallbackPolicy creates a policy. A nil logger takes the default.
func NewFallbackPolicy(logger *logging.Logger) *FallbackPolicy {
	if logger == nil {
		logger = logging.Default()
	}
	return &FallbackPolicy{logger: logger}
}

// ShouldFallback reports whether the aggregate reasons require a fallback
// even without a critical short-circuit.
//
// Fallback-eligible combinations:
//   - missing_uncertainty_no_context (always)
//   - missing_citation with no context documents
//   - low_overlap with no context documents
//
// A patched low_overlap or missing_citation with context present is left
// to the patched answer; the caller decides short-circuits separately.
func (p *FallbackPolicy) ShouldFallback(reasons []ReasonCode, contextDocs int) bool {
	if containsReason(reasons, ReasonMissingUncertaintyNoContext) {
		return true
	}
	if contextDocs == 0 {
		if containsReason(reasons, ReasonMissingCitation) ||
			containsReason(reasons, ReasonLowOverlap) {
			return true
		}
	}
	return false
}

// Respond composes a fresh canned response for the failed chain.
//
// The response (a) states the lack of sufficient evidence, (b) explains
// why the claim looks unverifiable when the reasons allow it, and
// (c) never includes any of the original draft.
func (p *FallbackPolicy) Respond(question string, reasons []ReasonCode) string {
	var b strings.Builder

	b.WriteString("I don't have enough verified information in my sources to answer that confidently.")

	if why := p.explain(reasons); why != "" {
		b.WriteString(" ")
		b.WriteString(why)
	}

	if strings.TrimSpace(question) != "" {
		b.WriteString(" If you can share a reference or rephrase the question, I can try again against it.")
	}

	out := b.String()
	if out == "" {
		// Unreachable with the builder above, but this path must not
		// be able to return empty.
		return lastResortAnswer
	}
	return out
}

// LastResort returns the minimal hard-coded uncertainty message.
func (p *FallbackPolicy) LastResort() string {
	return lastResortAnswer
}

// explain maps the dominant reason to a human explanation of why the
// claim is unverifiable. Validator errors and timeouts are deliberately
// not surfaced to the user.
func (p *FallbackPolicy) explain(reasons []ReasonCode) string {
	switch {
	case containsReason(reasons, ReasonSourceConsensusConflict):
		return "My reference documents disagree with each other on a key fact, so I can't assert a single answer."
	case containsReason(reasons, ReasonHallucinationSuspected):
		return "The draft answer made claims I could not trace back to any retrieved document."
	case containsReason(reasons, ReasonMissingUncertaintyNoContext):
		return "No reference documents were found for this question, and the draft stated its claims as certain."
	case containsReason(reasons, ReasonLowOverlap):
		return "The draft answer had too little in common with the retrieved reference material."
	case containsReason(reasons, ReasonMissingCitation):
		return "The draft asserted facts without pointing at any source."
	case containsReason(reasons, ReasonIdentityViolation):
		return "The draft described the assistant in terms that don't reflect what it is."
	default:
		return ""
	}
}
