// Copyright (C) 2025 StillMe Project (anhmtk)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"regexp"
	"strings"
)

// Package-level compiled regexes and word sets shared by checks.
var (
	// wordPattern extracts word tokens, keeping digits so years and
	// quantities participate in overlap scoring.
	wordPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

	// stopwordsSet filters tokens too common to carry evidence weight.
	// Kept package-level to avoid re-allocating per call.
	stopwordsSet = map[string]bool{
		"the": true, "a": true, "an": true, "and": true, "or": true,
		"of": true, "in": true, "on": true, "at": true, "to": true,
		"is": true, "are": true, "was": true, "were": true, "be": true,
		"it": true, "its": true, "this": true, "that": true, "as": true,
		"for": true, "with": true, "by": true, "from": true, "but": true,
		"not": true, "no": true, "has": true, "have": true, "had": true,
		"which": true, "who": true, "what": true, "their": true,
	}
)

// contentTokens returns the lowercase non-stopword tokens of text.
func contentTokens(text string) []string {
	raw := wordPattern.FindAllString(strings.ToLower(text), -1)
	out := make([]string, 0, len(raw))
	for _, tok := range raw {
		if len(tok) < 2 || stopwordsSet[tok] {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// tokenSet converts tokens to a membership set.
func tokenSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		set[tok] = true
	}
	return set
}
