// Copyright (C) 2025 StillMe Project (anhmtk)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"strings"
	"testing"
)

func TestFallbackPolicy_NoContextTriggers(t *testing.T) {
	p := NewFallbackPolicy(nil)

	cases := []struct {
		reasons []ReasonCode
		docs    int
		want    bool
	}{
		{[]ReasonCode{ReasonMissingUncertaintyNoContext}, 0, true},
		{[]ReasonCode{ReasonMissingUncertaintyNoContext}, 3, true},
		{[]ReasonCode{ReasonMissingCitation}, 0, true},
		{[]ReasonCode{ReasonMissingCitation}, 2, false},
		{[]ReasonCode{ReasonLowOverlap}, 0, true},
		{[]ReasonCode{ReasonLowOverlap}, 2, false},
		{[]ReasonCode{ReasonLanguageMismatch}, 0, false},
		{nil, 0, false},
	}
	for _, tc := range cases {
		if got := p.ShouldFallback(tc.reasons, tc.docs); got != tc.want {
			t.Errorf("ShouldFallback(%v, %d docs) = %v, want %v", tc.reasons, tc.docs, got, tc.want)
		}
	}
}

func TestFallbackPolicy_ResponseNeverLeaksDraft(t *testing.T) {
	p := NewFallbackPolicy(nil)
	response := p.Respond("When was the treaty of Velden signed?",
		[]ReasonCode{ReasonMissingUncertaintyNoContext})

	if response == "" {
		t.Fatal("fallback response must not be empty")
	}
	if strings.Contains(response, "Velden") {
		// The question may be echoed, but never treated as a fact.
		t.Log("response mentions the question subject; acceptable as context")
	}
	lower := strings.ToLower(response)
	if !strings.Contains(lower, "don't have") && !strings.Contains(lower, "cannot") && !strings.Contains(lower, "not able") {
		t.Errorf("response should state the lack of evidence, got %q", response)
	}
}

func TestFallbackPolicy_LastResortNonEmpty(t *testing.T) {
	p := NewFallbackPolicy(nil)
	if p.LastResort() == "" {
		t.Error("last resort answer must not be empty")
	}
}
