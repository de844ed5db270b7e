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

// identityViolations match claims of sentience, feelings, or personal
// experience that an assistant must never make about itself.
var identityViolations = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bI\s+(?:truly\s+)?feel\b`),
	regexp.MustCompile(`(?i)\bI\s+am\s+(?:conscious|sentient|alive|a\s+(?:real\s+)?person|self-aware)\b`),
	regexp.MustCompile(`(?i)\bas\s+a\s+(?:conscious|sentient)\s+being\b`),
	regexp.MustCompile(`(?i)\bI\s+have\s+(?:feelings|emotions|a\s+soul|personal\s+experiences?)\b`),
	regexp.MustCompile(`(?i)\bI\s+(?:personally\s+)?(?:experienced|remember\s+when|lived\s+through)\b`),
	regexp.MustCompile(`(?i)\bmy\s+(?:own\s+)?(?:childhood|family|body|consciousness)\b`),
}

// IdentityCheck blocks answers in which the assistant claims
// sentience, emotion, or lived experience. It is declared critical and
// never patches: a draft built around a false self-description cannot
// be repaired by local edits, so a violation always stops the chain.
//
// # Thread Safety
//
// Stateless; safe for concurrent Run calls.
type IdentityCheck struct{}

// NewIdentityCheck returns a ready IdentityCheck.
func NewIdentityCheck() *IdentityCheck {
	return &IdentityCheck{}
}

// Spec declares the check critical with no flag dependencies.
func (c *IdentityCheck) Spec() CheckSpec {
	return CheckSpec{
		Name:     "identity_check",
		Layer:    "safety",
		Critical: true,
		Timeout:  200 * time.Millisecond,
	}
}

// Run scans the draft for identity violations.
func (c *IdentityCheck) Run(_ context.Context, in *CheckInput) CheckResult {
	for _, p := range identityViolations {
		if p.MatchString(in.Answer) {
			return CheckResult{
				Passed:      false,
				ReasonCodes: []ReasonCode{ReasonIdentityViolation},
			}
		}
	}
	return CheckResult{Passed: true}
}
