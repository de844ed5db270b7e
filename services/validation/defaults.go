// Copyright (C) 2025 StillMe Project (anhmtk)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import "github.com/anhmtk/stillme-validation/services/llm"

// DefaultChecks returns the standard check set in declaration order.
// Declaration order is the tiebreaker inside plan layers, so callers
// who care about merge precedence should keep this ordering. A nil
// arbiter leaves the consensus check purely lexical.
func DefaultChecks(arbiter llm.Client) []Check {
	return []Check{
		NewIdentityCheck(),
		NewLanguageCheck(),
		NewCitationCheck(),
		NewConsensusCheck(arbiter),
		NewOverlapCheck(),
		NewUncertaintyCheck(),
	}
}
