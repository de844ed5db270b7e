// Copyright (C) 2025 StillMe Project (anhmtk)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import "strings"

// ReasonCode is a closed, machine-readable tag explaining a pass/fail
// outcome. Checks must only emit codes defined here (or built via the
// ValidatorError / ValidatorTimeout constructors); free-form strings are
// never valid reason codes.
type ReasonCode string

const (
	// ReasonMissingCitation indicates a fact-like claim without an inline
	// reference marker.
	ReasonMissingCitation ReasonCode = "missing_citation"

	// ReasonLowOverlap indicates the answer shares too little content with
	// the retrieved context documents.
	ReasonLowOverlap ReasonCode = "low_overlap"

	// ReasonLanguageMismatch indicates the answer language disagrees with
	// the request's declared language tag.
	ReasonLanguageMismatch ReasonCode = "language_mismatch"

	// ReasonMissingUncertaintyNoContext indicates a confident answer was
	// produced with no supporting context and no uncertainty expression.
	ReasonMissingUncertaintyNoContext ReasonCode = "missing_uncertainty_no_context"

	// ReasonHallucinationSuspected indicates the answer asserts content
	// that cannot be grounded in any retrieved document.
	ReasonHallucinationSuspected ReasonCode = "hallucination_suspected"

	// ReasonSourceConsensusConflict indicates the top-ranked context
	// documents contradict each other on a fact the answer relies on.
	ReasonSourceConsensusConflict ReasonCode = "source_consensus_conflict"

	// ReasonIdentityViolation indicates the answer claims emotion,
	// consciousness, or unwarranted certainty about the system itself.
	ReasonIdentityViolation ReasonCode = "identity_violation"
)

// Prefixes for the parameterized reason code families. A chain can carry
// one of these per check, so the check name is part of the code.
const (
	reasonValidatorErrorPrefix   = "validator_error:"
	reasonValidatorTimeoutPrefix = "validator_timeout:"
)

// ValidatorError builds the reason code for an unexpected internal failure
// inside the named check (panic or programming error). The chain continues
// past such failures.
func ValidatorError(checkName string) ReasonCode {
	return ReasonCode(reasonValidatorErrorPrefix + checkName)
}

// ValidatorTimeout builds the reason code for a check that exceeded its
// deadline and was soft-passed (fail-open).
func ValidatorTimeout(checkName string) ReasonCode {
	return ReasonCode(reasonValidatorTimeoutPrefix + checkName)
}

// IsValidatorError reports whether the code belongs to the
// validator_error family.
func (r ReasonCode) IsValidatorError() bool {
	return strings.HasPrefix(string(r), reasonValidatorErrorPrefix)
}

// IsValidatorTimeout reports whether the code belongs to the
// validator_timeout family.
func (r ReasonCode) IsValidatorTimeout() bool {
	return strings.HasPrefix(string(r), reasonValidatorTimeoutPrefix)
}

// CheckName returns the check name embedded in a parameterized code, or
// empty string for plain codes.
func (r ReasonCode) CheckName() string {
	s := string(r)
	if i := strings.Index(s, ":"); i >= 0 {
		return s[i+1:]
	}
	return ""
}

// Valid reports whether the code is a member of the closed enumeration.
func (r ReasonCode) Valid() bool {
	switch r {
	case ReasonMissingCitation,
		ReasonLowOverlap,
		ReasonLanguageMismatch,
		ReasonMissingUncertaintyNoContext,
		ReasonHallucinationSuspected,
		ReasonSourceConsensusConflict,
		ReasonIdentityViolation:
		return true
	}
	return r.IsValidatorError() || r.IsValidatorTimeout()
}

// reasonStrings converts a code slice to plain strings for telemetry
// records and log attributes.
func reasonStrings(codes []ReasonCode) []string {
	if len(codes) == 0 {
		return nil
	}
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = string(c)
	}
	return out
}

// containsReason reports whether codes contains the given code.
func containsReason(codes []ReasonCode, code ReasonCode) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}
