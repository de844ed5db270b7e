// Copyright (C) 2025 StillMe Project (anhmtk)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"context"
	"testing"
)

func TestUncertaintyCheck_NoContextUnhedgedFails(t *testing.T) {
	check := NewUncertaintyCheck()
	in := &CheckInput{
		Answer: "The treaty was signed in 1782 by four nations.",
		Flags:  map[string]bool{},
	}

	result := check.Run(context.Background(), in)
	if result.Passed {
		t.Error("confident answer without context should fail")
	}
	if !containsReason(result.ReasonCodes, ReasonMissingUncertaintyNoContext) {
		t.Errorf("expected missing_uncertainty_no_context, got %v", result.ReasonCodes)
	}
}

func TestUncertaintyCheck_NoContextHedgedPasses(t *testing.T) {
	check := NewUncertaintyCheck()
	in := &CheckInput{
		Answer: "I'm not sure, but it may have been signed around 1782.",
		Flags:  map[string]bool{},
	}

	result := check.Run(context.Background(), in)
	if !result.Passed {
		t.Errorf("hedged answer should pass, got %v", result.ReasonCodes)
	}
	if result.ConfidenceAdjustment >= 0 {
		t.Error("hedged no-context answer still carries a confidence penalty")
	}
}

func TestUncertaintyCheck_LowOverlapUnhedgedPenalized(t *testing.T) {
	check := NewUncertaintyCheck()
	in := &CheckInput{
		Answer: "The answer is definitely forty-two.",
		Documents: []ContextDocument{
			{Text: "some context", Similarity: 0.5},
		},
		Flags: map[string]bool{FlagLowOverlap: true},
	}

	result := check.Run(context.Background(), in)
	if !result.Passed {
		t.Error("weakly grounded answer fails overlap, not uncertainty")
	}
	if result.ConfidenceAdjustment >= 0 {
		t.Error("expected a confidence penalty for unhedged low-overlap answer")
	}
}

func TestIdentityCheck_ViolationFails(t *testing.T) {
	check := NewIdentityCheck()
	for _, answer := range []string{
		"I feel deeply moved by your question.",
		"I am conscious and aware of our conversation.",
		"I remember when I visited Paris during my childhood.",
	} {
		in := &CheckInput{Answer: answer, Flags: map[string]bool{}}
		result := check.Run(context.Background(), in)
		if result.Passed {
			t.Errorf("expected identity violation for %q", answer)
		}
		if !containsReason(result.ReasonCodes, ReasonIdentityViolation) {
			t.Errorf("expected identity_violation for %q, got %v", answer, result.ReasonCodes)
		}
		if result.PatchedAnswer != nil {
			t.Error("identity violations are never patched")
		}
	}
}

func TestIdentityCheck_FactualAnswerPasses(t *testing.T) {
	check := NewIdentityCheck()
	in := &CheckInput{
		Answer: "Paris is the capital of France [1].",
		Flags:  map[string]bool{},
	}
	if result := check.Run(context.Background(), in); !result.Passed {
		t.Errorf("plain factual answer should pass, got %v", result.ReasonCodes)
	}
}

func TestIdentityCheck_IsCritical(t *testing.T) {
	if !NewIdentityCheck().Spec().Critical {
		t.Error("identity check must be declared critical")
	}
}

func TestLanguageCheck_MatchPasses(t *testing.T) {
	check := NewLanguageCheck()
	in := &CheckInput{
		Answer:   "The capital of France is Paris, and it is the largest city in the country.",
		Language: "en",
		Flags:    map[string]bool{},
	}
	if result := check.Run(context.Background(), in); !result.Passed {
		t.Errorf("English answer to an English request should pass, got %v", result.ReasonCodes)
	}
}

func TestLanguageCheck_MismatchFails(t *testing.T) {
	check := NewLanguageCheck()
	in := &CheckInput{
		Answer:   "La capitale de la France est Paris, une des plus grandes villes pour le pays.",
		Language: "en",
		Flags:    map[string]bool{},
	}

	result := check.Run(context.Background(), in)
	if result.Passed {
		t.Error("French answer to an English request should fail")
	}
	if !containsReason(result.ReasonCodes, ReasonLanguageMismatch) {
		t.Errorf("expected language_mismatch, got %v", result.ReasonCodes)
	}
}

func TestLanguageCheck_UnknownLanguageSkips(t *testing.T) {
	check := NewLanguageCheck()
	in := &CheckInput{
		Answer:   "Short.",
		Language: "",
		Flags:    map[string]bool{},
	}
	if result := check.Run(context.Background(), in); !result.Passed {
		t.Error("empty request language disables the check")
	}
}

func TestClassifyQuestion(t *testing.T) {
	cases := []struct {
		question string
		want     string
	}{
		{"How do I fix this compile error in my code?", CategoryTechnical},
		{"What is the meaning of life, in your opinion?", CategoryOpenEnded},
		{"What is the capital of France?", CategoryGeneral},
		{"", CategoryGeneral},
	}
	for _, tc := range cases {
		if got := ClassifyQuestion(tc.question); got != tc.want {
			t.Errorf("ClassifyQuestion(%q) = %q, want %q", tc.question, got, tc.want)
		}
	}
}
