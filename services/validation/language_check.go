// Copyright (C) 2025 StillMe Project (anhmtk)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"context"
	"strings"
	"time"
)

// languageProfiles holds high-frequency function words per supported
// language. Detection picks the profile with the most token hits; a
// draft with too few hits anywhere is left unclassified rather than
// failed.
var languageProfiles = map[string]map[string]bool{
	"en": {"the": true, "and": true, "is": true, "of": true, "to": true, "in": true, "that": true, "was": true, "with": true, "for": true},
	"vi": {"là": true, "của": true, "và": true, "các": true, "những": true, "được": true, "trong": true, "không": true, "có": true, "này": true},
	"es": {"el": true, "la": true, "de": true, "que": true, "los": true, "las": true, "una": true, "por": true, "con": true, "para": true},
	"fr": {"le": true, "la": true, "les": true, "des": true, "est": true, "que": true, "une": true, "dans": true, "pour": true, "avec": true},
	"de": {"der": true, "die": true, "das": true, "und": true, "ist": true, "nicht": true, "ein": true, "eine": true, "mit": true, "für": true},
}

// languageMinHits is the minimum function-word hits required before a
// detection verdict is trusted.
const languageMinHits = 2

// LanguageCheck verifies the draft answer is written in the language
// the request asked for. Detection is a function-word profile match;
// short or ambiguous drafts are given the benefit of the doubt.
//
// # Thread Safety
//
// Stateless; safe for concurrent Run calls.
type LanguageCheck struct{}

// NewLanguageCheck returns a ready LanguageCheck.
func NewLanguageCheck() *LanguageCheck {
	return &LanguageCheck{}
}

// Spec declares the check independent of all flags.
func (c *LanguageCheck) Spec() CheckSpec {
	return CheckSpec{
		Name:    "language_check",
		Layer:   "format",
		Timeout: 200 * time.Millisecond,
	}
}

// Run compares the detected draft language against the requested one.
func (c *LanguageCheck) Run(_ context.Context, in *CheckInput) CheckResult {
	want := in.Language
	if want == "" {
		return CheckResult{Passed: true}
	}
	if _, known := languageProfiles[want]; !known {
		// Unknown target language: nothing to compare against.
		return CheckResult{Passed: true}
	}

	detected, hits := detectLanguage(in.Answer)
	if hits < languageMinHits || detected == want {
		return CheckResult{Passed: true}
	}
	return CheckResult{
		Passed:      false,
		ReasonCodes: []ReasonCode{ReasonLanguageMismatch},
	}
}

// detectLanguage returns the best-matching profile and its hit count.
func detectLanguage(text string) (string, int) {
	tokens := wordPattern.FindAllString(strings.ToLower(text), -1)
	best, bestHits := "", 0
	for lang, profile := range languageProfiles {
		hits := 0
		for _, tok := range tokens {
			if profile[tok] {
				hits++
			}
		}
		if hits > bestHits || (hits == bestHits && lang < best) {
			best, bestHits = lang, hits
		}
	}
	return best, bestHits
}
