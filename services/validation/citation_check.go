// Copyright (C) 2025 StillMe Project (anhmtk)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	// citationMarker matches bracketed numeric source references such
	// as [1] or [12].
	citationMarker = regexp.MustCompile(`\[(\d{1,3})\]`)

	// factClaimPatterns flag declarative sentences that assert a
	// verifiable fact: dates, quantities, superlatives, and
	// attribution verbs. Opinions and hedged statements stay exempt.
	factClaimPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b\d{3,}\b`),
		regexp.MustCompile(`(?i)\b(?:is|are|was|were)\s+(?:the|a|an)\s+\w+`),
		regexp.MustCompile(`(?i)\b(?:invented|discovered|founded|signed|published|established|created|released|born|died)\b`),
		regexp.MustCompile(`(?i)\b(?:first|largest|smallest|oldest|fastest|most|least)\b`),
		regexp.MustCompile(`(?i)\b(?:percent|million|billion|km|kg|miles)\b`),
	}

	// hedgedClaim exempts sentences that already mark themselves as
	// uncertain from the citation requirement.
	hedgedClaim = regexp.MustCompile(`(?i)\b(?:may|might|could|possibly|perhaps|reportedly|allegedly|i think|it seems)\b`)
)

// CitationCheck verifies that fact-like claims in a draft answer carry
// a bracketed source marker, and patches a marker for the best-matching
// context document in when one is missing.
//
// # Description
//
// The check scans the draft for citation markers of the form [N]. If a
// marker is present and references an existing context document, the
// draft passes and the has_citation flag is published for downstream
// checks. A draft that asserts fact-like claims with no marker fails
// with missing_citation; when context documents exist and the best one
// clears the similarity threshold, the check appends a marker for that
// document so the pipeline can continue with a repaired draft.
//
// # Thread Safety
//
// CitationCheck is stateless after construction and safe for
// concurrent Run calls.
type CitationCheck struct{}

// NewCitationCheck returns a ready CitationCheck.
func NewCitationCheck() *CitationCheck {
	return &CitationCheck{}
}

// Spec declares the check's identity, published flags, and tunable
// thresholds.
func (c *CitationCheck) Spec() CheckSpec {
	return CheckSpec{
		Name:    "citation_check",
		Layer:   "evidence",
		Writes:  []string{FlagHasCitation},
		Timeout: 500 * time.Millisecond,
		Thresholds: map[string]float64{
			"min_similarity_for_citation": 0.4,
		},
	}
}

// Run evaluates the draft answer for citation coverage.
func (c *CitationCheck) Run(_ context.Context, in *CheckInput) CheckResult {
	markers := citationMarker.FindAllStringSubmatch(in.Answer, -1)
	if len(markers) > 0 {
		if c.markersResolve(markers, len(in.Documents)) {
			return CheckResult{
				Passed:     true,
				FlagWrites: map[string]bool{FlagHasCitation: true},
			}
		}
		// A marker pointing past the document list is as unsupported
		// as no marker at all.
		return CheckResult{
			Passed:      false,
			ReasonCodes: []ReasonCode{ReasonMissingCitation},
			FlagWrites:  map[string]bool{FlagHasCitation: false},
		}
	}

	if !hasFactClaim(in.Answer) {
		return CheckResult{
			Passed:     true,
			FlagWrites: map[string]bool{FlagHasCitation: false},
		}
	}

	// Fact-like claim without any marker.
	result := CheckResult{
		Passed:      false,
		ReasonCodes: []ReasonCode{ReasonMissingCitation},
		FlagWrites:  map[string]bool{FlagHasCitation: false},
	}

	if !in.HasContext() {
		return result
	}

	best, bestIdx := bestDocument(in.Documents)
	minSim := in.Threshold("min_similarity_for_citation", 0.4)
	if best.Similarity < minSim {
		return result
	}

	patched := strings.TrimRight(in.Answer, " \t\n")
	patched = fmt.Sprintf("%s [%d]", patched, bestIdx+1)
	result.PatchedAnswer = &patched
	result.FlagWrites[FlagHasCitation] = true
	return result
}

// markersResolve reports whether every marker points at an existing
// document. With no context documents there is nothing to resolve
// against, so markers are accepted as-is.
func (c *CitationCheck) markersResolve(markers [][]string, docCount int) bool {
	if docCount == 0 {
		return true
	}
	for _, m := range markers {
		var n int
		fmt.Sscanf(m[1], "%d", &n)
		if n < 1 || n > docCount {
			return false
		}
	}
	return true
}

// hasFactClaim reports whether any sentence in text asserts a
// verifiable, unhedged fact.
func hasFactClaim(text string) bool {
	for _, sentence := range splitSentences(text) {
		if hedgedClaim.MatchString(sentence) {
			continue
		}
		for _, p := range factClaimPatterns {
			if p.MatchString(sentence) {
				return true
			}
		}
	}
	return false
}

var sentenceSplit = regexp.MustCompile(`[.!?]+\s+`)

func splitSentences(text string) []string {
	parts := sentenceSplit.Split(text, -1)
	out := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

// bestDocument returns the highest-similarity document and its index.
// Callers must ensure docs is non-empty.
func bestDocument(docs []ContextDocument) (ContextDocument, int) {
	best, bestIdx := docs[0], 0
	for i, d := range docs[1:] {
		if d.Similarity > best.Similarity {
			best, bestIdx = d, i+1
		}
	}
	return best, bestIdx
}
