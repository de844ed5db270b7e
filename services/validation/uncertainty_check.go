// Copyright (C) 2025 StillMe Project (anhmtk)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"context"
	"regexp"
	"time"
)

// uncertaintyMarkers recognizes hedging language that signals the
// answer acknowledges its own limits.
var uncertaintyMarkers = regexp.MustCompile(`(?i)\b(?:i don'?t know|i'?m not sure|not certain|cannot confirm|no information|unclear|may|might|possibly|perhaps|it is unknown|uncertain)\b`)

// UncertaintyCheck demands hedged phrasing from answers that lack
// supporting evidence.
//
// # Description
//
// An assistant answering with no retrieved context and no hedging
// language is asserting facts it cannot support. This check fails such
// drafts with missing_uncertainty_no_context, which the fallback
// policy always honors. It reads the low_overlap flag so it runs after
// the overlap check; weakly grounded but hedged answers pass with a
// confidence penalty rather than a failure.
//
// # Thread Safety
//
// Stateless; safe for concurrent Run calls.
type UncertaintyCheck struct{}

// NewUncertaintyCheck returns a ready UncertaintyCheck.
func NewUncertaintyCheck() *UncertaintyCheck {
	return &UncertaintyCheck{}
}

// Spec declares the check's plan position after the overlap check.
func (c *UncertaintyCheck) Spec() CheckSpec {
	return CheckSpec{
		Name:    "uncertainty_check",
		Layer:   "evidence",
		Reads:   []string{FlagLowOverlap},
		Timeout: 500 * time.Millisecond,
	}
}

// Run verifies that unsupported answers hedge their claims.
func (c *UncertaintyCheck) Run(_ context.Context, in *CheckInput) CheckResult {
	hedged := uncertaintyMarkers.MatchString(in.Answer)

	if !in.HasContext() {
		if hedged {
			return CheckResult{Passed: true, ConfidenceAdjustment: -0.1}
		}
		return CheckResult{
			Passed:      false,
			ReasonCodes: []ReasonCode{ReasonMissingUncertaintyNoContext},
		}
	}

	// Context exists but overlap was weak: a hedge keeps the answer
	// honest, its absence only dents confidence.
	if in.Flag(FlagLowOverlap) && !hedged {
		return CheckResult{Passed: true, ConfidenceAdjustment: -0.15}
	}
	return CheckResult{Passed: true}
}
