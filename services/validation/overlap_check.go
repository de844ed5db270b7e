// Copyright (C) 2025 StillMe Project (anhmtk)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"context"
	"time"
)

// OverlapCheck measures how much of the draft answer's content
// vocabulary is covered by the retrieved context documents.
//
// # Description
//
// The check tokenizes the draft and every context document, discards
// stopwords, and computes the fraction of draft tokens that appear in
// at least one document. A coverage below min_overlap fails with
// low_overlap; with no context documents at all the draft is treated
// as unsupported and additionally flagged hallucination_suspected.
//
// A borderline coverage (at least borderline_ratio of the threshold)
// passes without modification when the citation check has already
// confirmed a resolvable source marker: a cited borderline answer is
// given the benefit of the doubt rather than rewritten.
//
// The low_overlap flag is published either way so the uncertainty
// check can demand hedging from weakly grounded drafts.
//
// # Thread Safety
//
// Stateless; safe for concurrent Run calls.
type OverlapCheck struct{}

// NewOverlapCheck returns a ready OverlapCheck.
func NewOverlapCheck() *OverlapCheck {
	return &OverlapCheck{}
}

// Spec declares the check's flag dependencies and thresholds. Reading
// has_citation places this check after the citation check in the plan.
func (c *OverlapCheck) Spec() CheckSpec {
	return CheckSpec{
		Name:    "overlap_check",
		Layer:   "evidence",
		Reads:   []string{FlagHasCitation},
		Writes:  []string{FlagLowOverlap},
		Timeout: 1 * time.Second,
		Thresholds: map[string]float64{
			"min_overlap":      0.25,
			"borderline_ratio": 0.7,
		},
	}
}

// Run computes lexical coverage of the draft against the context set.
func (c *OverlapCheck) Run(_ context.Context, in *CheckInput) CheckResult {
	if !in.HasContext() {
		return CheckResult{
			Passed:               false,
			ReasonCodes:          []ReasonCode{ReasonLowOverlap, ReasonHallucinationSuspected},
			ConfidenceAdjustment: -0.2,
			FlagWrites:           map[string]bool{FlagLowOverlap: true},
		}
	}

	coverage := c.coverage(in.Answer, in.Documents)
	minOverlap := in.Threshold("min_overlap", 0.25)
	borderline := in.Threshold("borderline_ratio", 0.7)

	if coverage >= minOverlap {
		return CheckResult{
			Passed:     true,
			FlagWrites: map[string]bool{FlagLowOverlap: false},
		}
	}

	// Borderline coverage with a confirmed citation passes unpatched:
	// the marker lets a reader verify the claim directly.
	if coverage >= minOverlap*borderline && in.Flag(FlagHasCitation) {
		return CheckResult{
			Passed:               true,
			ConfidenceAdjustment: -0.1,
			FlagWrites:           map[string]bool{FlagLowOverlap: true},
		}
	}

	return CheckResult{
		Passed:      false,
		ReasonCodes: []ReasonCode{ReasonLowOverlap},
		FlagWrites:  map[string]bool{FlagLowOverlap: true},
	}
}

// coverage returns the fraction of the draft's content tokens found in
// at least one context document. A draft with no content tokens is
// fully covered by definition.
func (c *OverlapCheck) coverage(answer string, docs []ContextDocument) float64 {
	answerTokens := contentTokens(answer)
	if len(answerTokens) == 0 {
		return 1.0
	}

	docSet := make(map[string]bool)
	for _, d := range docs {
		for _, tok := range contentTokens(d.Text) {
			docSet[tok] = true
		}
	}

	matched := 0
	for _, tok := range answerTokens {
		if docSet[tok] {
			matched++
		}
	}
	return float64(matched) / float64(len(answerTokens))
}
