// Copyright (C) 2025 StillMe Project (anhmtk)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"fmt"
	"sort"
	"strings"
)

// Plan is a precomputed execution plan: ordered groups of check indices
// (into the engine's declaration-order check slice). Checks within one
// group have no flag dependencies between them and are safe to execute
// concurrently; groups execute strictly in order.
//
// A Plan is built once at engine construction and reused for every
// request. Building is deterministic: identical specs always produce an
// identical plan.
type Plan struct {
	// Groups holds check indices per execution stage, each group sorted
	// by declaration order.
	Groups [][]int
}

// PlanError is a construction-time plan failure (cycle or conflicting
// flag declarations). The engine refuses to start on a PlanError; it can
// never surface at request time.
type PlanError struct {
	// Kind is "cycle" or "write_conflict".
	Kind string

	// Checks names the checks involved, sorted.
	Checks []string

	// Flag is the contested flag for write conflicts, empty for cycles.
	Flag string
}

// Error implements the error interface.
func (e *PlanError) Error() string {
	switch e.Kind {
	case "write_conflict":
		return fmt.Sprintf("plan error: checks %s both declare write of flag %q",
			strings.Join(e.Checks, ", "), e.Flag)
	default:
		return fmt.Sprintf("plan error: dependency cycle among checks %s",
			strings.Join(e.Checks, ", "))
	}
}

// BuildPlan resolves declared flag reads/writes into an execution plan.
//
// Description:
//
//	Builds a directed graph with an edge writer→reader for every flag
//	some check writes and another reads, then layers it with Kahn's
//	algorithm. Each layer contains only mutually independent checks.
//
// Inputs:
//
//	specs - CheckSpecs in declaration order. Names must be unique.
//
// Outputs:
//
//	*Plan - The ordered groups. Deterministic for identical input.
//	error - *PlanError on a cycle or duplicate write declaration, or a
//	        plain error on duplicate check names. Construction-time only.
func BuildPlan(specs []CheckSpec) (*Plan, error) {
	n := len(specs)

	seen := make(map[string]bool, n)
	for _, s := range specs {
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate check name %q", s.Name)
		}
		seen[s.Name] = true
	}

	// Exactly one writer per flag. Two writers without an explicit
	// ordering edge would race on the flag map, so it is rejected
	// outright rather than ordered arbitrarily.
	writers := make(map[string]int)
	for i, s := range specs {
		for _, flag := range s.Writes {
			if prev, dup := writers[flag]; dup {
				names := []string{specs[prev].Name, s.Name}
				sort.Strings(names)
				return nil, &PlanError{Kind: "write_conflict", Checks: names, Flag: flag}
			}
			writers[flag] = i
		}
	}

	// Edge set: writer -> reader, deduplicated.
	succ := make([][]int, n)
	indegree := make([]int, n)
	edgeSeen := make(map[[2]int]bool)
	for i, s := range specs {
		for _, flag := range s.Reads {
			w, ok := writers[flag]
			if !ok || w == i {
				// A read nothing writes resolves to the flag's zero
				// value; self-reads are meaningless and ignored.
				continue
			}
			key := [2]int{w, i}
			if edgeSeen[key] {
				continue
			}
			edgeSeen[key] = true
			succ[w] = append(succ[w], i)
			indegree[i]++
		}
	}

	// Kahn layering. Iterating indices ascending keeps groups in
	// declaration order, making the plan deterministic and the merged
	// reason codes stable.
	plan := &Plan{}
	placed := 0
	remaining := make([]bool, n)
	for i := range remaining {
		remaining[i] = true
	}

	for placed < n {
		var group []int
		for i := 0; i < n; i++ {
			if remaining[i] && indegree[i] == 0 {
				group = append(group, i)
			}
		}
		if len(group) == 0 {
			var cyclic []string
			for i := 0; i < n; i++ {
				if remaining[i] {
					cyclic = append(cyclic, specs[i].Name)
				}
			}
			sort.Strings(cyclic)
			return nil, &PlanError{Kind: "cycle", Checks: cyclic}
		}
		for _, i := range group {
			remaining[i] = false
			placed++
		}
		for _, i := range group {
			for _, j := range succ[i] {
				indegree[j]--
			}
		}
		plan.Groups = append(plan.Groups, group)
	}

	return plan, nil
}

// String renders the plan as "[a b] -> [c] -> [d]" for logs.
func (p *Plan) String() string {
	return p.describe(func(i int) string { return fmt.Sprintf("%d", i) })
}

// Describe renders the plan with check names resolved.
func (p *Plan) Describe(specs []CheckSpec) string {
	return p.describe(func(i int) string { return specs[i].Name })
}

func (p *Plan) describe(name func(int) string) string {
	var b strings.Builder
	for gi, group := range p.Groups {
		if gi > 0 {
			b.WriteString(" -> ")
		}
		b.WriteString("[")
		for i, idx := range group {
			if i > 0 {
				b.WriteString(" ")
			}
			b.WriteString(name(idx))
		}
		b.WriteString("]")
	}
	return b.String()
}
