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

// Question categories used for context-aware threshold adjustment.
// Technical questions get stricter thresholds; open-ended and
// philosophical questions get more lenient ones.
const (
	CategoryTechnical = "technical"
	CategoryOpenEnded = "open_ended"
	CategoryGeneral   = "general"
)

var (
	technicalPattern = regexp.MustCompile(`(?i)\b(api|protocol|algorithm|function|error|config|install|version|database|server|compile|syntax|code|http|latency|memory|cpu|kernel|deploy|formula|equation)\b`)

	openEndedPattern = regexp.MustCompile(`(?i)\b(why do you think|meaning of|philosoph|opinion|ethic|moral|consciousness|believe|feel about|purpose of life|should we|what if)\b`)
)

// ClassifyQuestion assigns a question to a category for threshold
// adjustment. Technical keywords win over open-ended ones: a question
// mentioning both ("is consciousness an algorithm?") is held to the
// stricter standard.
func ClassifyQuestion(question string) string {
	q := strings.TrimSpace(question)
	if q == "" {
		return CategoryGeneral
	}
	if technicalPattern.MatchString(q) {
		return CategoryTechnical
	}
	if openEndedPattern.MatchString(q) {
		return CategoryOpenEnded
	}
	return CategoryGeneral
}
