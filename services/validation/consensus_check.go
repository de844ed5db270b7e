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
	"sort"
	"strings"
	"time"

	"github.com/anhmtk/stillme-validation/services/llm"
)

// yearPattern matches four-digit years from 1500 onward. The lower
// bound keeps ordinary quantities out of the conflict scan.
var yearPattern = regexp.MustCompile(`\b(1[5-9]\d{2}|20\d{2})\b`)

// consensusTopDocs bounds the pairwise conflict scan. Lower-ranked
// documents are too noisy to treat as authoritative.
const consensusTopDocs = 3

// ConsensusCheck detects factual disagreement between the top context
// documents on claims the draft answer asserts.
//
// # Description
//
// The check extracts year-like values from the draft and from each of
// the top documents, then looks for cases where two documents state
// different years and the draft commits to one of them. A conflict is
// only acted on when both sides come from sufficiently similar
// retrieval hits (the conflict_confidence threshold); a disagreement
// involving a weak hit is dismissed as noise. When a credible conflict
// is found the check tries to repair the draft by hedging the
// disputed value ("1954 or 1955 (sources differ on the exact year)").
// A conflict on a load-bearing claim that cannot be hedged publishes
// the is_critical flag, which stops the pipeline.
//
// An optional LLM client arbitrates ambiguous conflicts. The call
// honors the check's context deadline; on error or timeout the lexical
// verdict stands, so a slow model degrades quality rather than
// availability.
//
// # Thread Safety
//
// The check holds only an llm.Client reference after construction and
// is safe for concurrent Run calls as long as the client is.
type ConsensusCheck struct {
	arbiter llm.Client
}

// NewConsensusCheck returns a ConsensusCheck. A nil arbiter disables
// LLM arbitration and keeps the check purely lexical.
func NewConsensusCheck(arbiter llm.Client) *ConsensusCheck {
	return &ConsensusCheck{arbiter: arbiter}
}

// Spec declares the check's identity and the is_critical flag it may
// publish. The longer timeout covers one arbitration round-trip.
func (c *ConsensusCheck) Spec() CheckSpec {
	return CheckSpec{
		Name:    "consensus_check",
		Layer:   "consistency",
		Writes:  []string{FlagIsCritical},
		Timeout: 3 * time.Second,
		Thresholds: map[string]float64{
			"conflict_confidence": 0.75,
		},
	}
}

// Run scans for cross-source disagreement on values the draft asserts.
func (c *ConsensusCheck) Run(ctx context.Context, in *CheckInput) CheckResult {
	if len(in.Documents) < 2 {
		return CheckResult{Passed: true, FlagWrites: map[string]bool{FlagIsCritical: false}}
	}

	answerYears := extractYears(in.Answer)
	if len(answerYears) == 0 {
		return CheckResult{Passed: true, FlagWrites: map[string]bool{FlagIsCritical: false}}
	}

	conflict := c.findConflict(answerYears, in.Documents)
	if conflict == nil {
		return CheckResult{Passed: true, FlagWrites: map[string]bool{FlagIsCritical: false}}
	}

	// A disagreement is only as credible as its weaker side. Below the
	// confidence threshold the conflict is treated as retrieval noise,
	// not a finding.
	if conflict.confidence < in.Threshold("conflict_confidence", 0.75) {
		return CheckResult{Passed: true, FlagWrites: map[string]bool{FlagIsCritical: false}}
	}

	// An arbiter can dismiss a lexical conflict that is not a real
	// disagreement (e.g. one source describes a different event).
	if c.arbiter != nil && c.dismissedByArbiter(ctx, in, conflict) {
		return CheckResult{Passed: true, FlagWrites: map[string]bool{FlagIsCritical: false}}
	}

	if patched, ok := hedgeConflict(in.Answer, conflict); ok {
		return CheckResult{
			Passed:               false,
			ReasonCodes:          []ReasonCode{ReasonSourceConsensusConflict},
			PatchedAnswer:        &patched,
			ConfidenceAdjustment: -0.15,
			FlagWrites:           map[string]bool{FlagIsCritical: false},
		}
	}

	// Unpatchable conflict on an asserted value: escalate.
	return CheckResult{
		Passed:      false,
		ReasonCodes: []ReasonCode{ReasonSourceConsensusConflict},
		FlagWrites:  map[string]bool{FlagIsCritical: true},
	}
}

// yearConflict records a disputed value: the year the draft asserts,
// the alternative at least one other source states, and the
// credibility of the disagreement (the retrieval similarity of the
// weaker of the two sides).
type yearConflict struct {
	asserted    string
	alternative string
	confidence  float64
}

// findConflict returns the first year the draft asserts that two top
// documents disagree on, or nil when the sources are consistent.
func (c *ConsensusCheck) findConflict(answerYears []string, docs []ContextDocument) *yearConflict {
	top := docs
	if len(top) > consensusTopDocs {
		top = top[:consensusTopDocs]
	}

	perDoc := make([]map[string]bool, len(top))
	for i, d := range top {
		perDoc[i] = tokenSet(extractYears(d.Text))
	}

	// An answer already naming both years acknowledges the
	// disagreement; re-flagging it would unravel a previous hedge.
	answerSet := tokenSet(answerYears)

	for _, asserted := range answerYears {
		// Find a document backing the asserted year and another
		// stating a different one.
		backing := -1
		for i := range perDoc {
			if perDoc[i][asserted] {
				backing = i
				break
			}
		}
		if backing < 0 {
			continue
		}
		for i := range perDoc {
			if i == backing {
				continue
			}
			if perDoc[i][asserted] {
				continue
			}
			alts := make([]string, 0, len(perDoc[i]))
			for alt := range perDoc[i] {
				if alt != asserted && !answerSet[alt] {
					alts = append(alts, alt)
				}
			}
			if len(alts) == 0 {
				continue
			}
			// Sorted pick keeps the verdict deterministic.
			sort.Strings(alts)
			alternative := alts[0]
			return &yearConflict{
				asserted:    asserted,
				alternative: alternative,
				confidence: min(
					maxSupport(top, perDoc, asserted),
					maxSupport(top, perDoc, alternative),
				),
			}
		}
	}
	return nil
}

// maxSupport returns the highest retrieval similarity among the top
// documents that state the given year.
func maxSupport(docs []ContextDocument, perDoc []map[string]bool, year string) float64 {
	var best float64
	for i := range perDoc {
		if perDoc[i][year] && docs[i].Similarity > best {
			best = docs[i].Similarity
		}
	}
	return best
}

// dismissedByArbiter asks the LLM whether the two years describe the
// same claim. Only an explicit "no conflict" verdict dismisses; any
// error, timeout, or ambiguous reply keeps the lexical finding.
func (c *ConsensusCheck) dismissedByArbiter(ctx context.Context, in *CheckInput, conflict *yearConflict) bool {
	prompt := fmt.Sprintf(
		"Two sources give different years for a claim in an answer.\n"+
			"Answer: %s\nYear A: %s\nYear B: %s\n"+
			"Do these years refer to the same underlying fact and genuinely conflict? "+
			"Reply with exactly CONFLICT or NO_CONFLICT.",
		in.Answer, conflict.asserted, conflict.alternative,
	)
	reply, err := c.arbiter.Complete(ctx, prompt)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToUpper(reply), "NO_CONFLICT")
}

// hedgeConflict rewrites the asserted year as an explicit disagreement
// between sources. Returns false when the asserted year no longer
// appears verbatim in the draft.
func hedgeConflict(answer string, conflict *yearConflict) (string, bool) {
	if !strings.Contains(answer, conflict.asserted) {
		return "", false
	}
	years := []string{conflict.asserted, conflict.alternative}
	sort.Strings(years)
	hedge := fmt.Sprintf("%s or %s (sources differ on the exact year)", years[0], years[1])
	return strings.Replace(answer, conflict.asserted, hedge, 1), true
}

// extractYears returns the distinct year tokens in text, in order of
// first appearance.
func extractYears(text string) []string {
	seen := map[string]bool{}
	var out []string
	for _, y := range yearPattern.FindAllString(text, -1) {
		if !seen[y] {
			seen[y] = true
			out = append(out, y)
		}
	}
	return out
}
