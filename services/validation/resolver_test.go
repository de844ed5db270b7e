// Copyright (C) 2025 StillMe Project (anhmtk)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"errors"
	"reflect"
	"testing"
)

func specsFor(t *testing.T) []CheckSpec {
	t.Helper()
	return []CheckSpec{
		{Name: "citation", Writes: []string{"has_citation"}},
		{Name: "consensus", Writes: []string{"is_critical"}},
		{Name: "identity"},
		{Name: "language"},
		{Name: "overlap", Reads: []string{"has_citation"}, Writes: []string{"low_overlap"}},
		{Name: "uncertainty", Reads: []string{"low_overlap"}},
	}
}

func TestBuildPlan_LayersRespectDependencies(t *testing.T) {
	specs := specsFor(t)
	plan, err := BuildPlan(specs)
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}

	want := [][]int{
		{0, 1, 2, 3}, // citation, consensus, identity, language
		{4},          // overlap
		{5},          // uncertainty
	}
	if !reflect.DeepEqual(plan.Groups, want) {
		t.Errorf("unexpected plan groups: got %v, want %v", plan.Groups, want)
	}
}

func TestBuildPlan_Deterministic(t *testing.T) {
	first, err := BuildPlan(specsFor(t))
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}
	second, err := BuildPlan(specsFor(t))
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}
	if !reflect.DeepEqual(first.Groups, second.Groups) {
		t.Errorf("plan not deterministic: %v vs %v", first.Groups, second.Groups)
	}
}

func TestBuildPlan_UnwrittenFlagIsIndependent(t *testing.T) {
	specs := []CheckSpec{
		{Name: "a", Reads: []string{"never_written"}},
		{Name: "b"},
	}
	plan, err := BuildPlan(specs)
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}
	if len(plan.Groups) != 1 || len(plan.Groups[0]) != 2 {
		t.Errorf("reader of unwritten flag should join the first layer, got %v", plan.Groups)
	}
}

func TestBuildPlan_CycleFails(t *testing.T) {
	specs := []CheckSpec{
		{Name: "a", Reads: []string{"y"}, Writes: []string{"x"}},
		{Name: "b", Reads: []string{"x"}, Writes: []string{"y"}},
	}
	_, err := BuildPlan(specs)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	var planErr *PlanError
	if !errors.As(err, &planErr) {
		t.Fatalf("expected *PlanError, got %T", err)
	}
	if planErr.Kind != "cycle" {
		t.Errorf("expected cycle kind, got %q", planErr.Kind)
	}
}

func TestBuildPlan_TwoWritersFail(t *testing.T) {
	specs := []CheckSpec{
		{Name: "a", Writes: []string{"shared"}},
		{Name: "b", Writes: []string{"shared"}},
	}
	_, err := BuildPlan(specs)
	if err == nil {
		t.Fatal("expected write conflict error")
	}
	var planErr *PlanError
	if !errors.As(err, &planErr) {
		t.Fatalf("expected *PlanError, got %T", err)
	}
	if planErr.Kind != "write_conflict" {
		t.Errorf("expected write_conflict kind, got %q", planErr.Kind)
	}
	if planErr.Flag != "shared" {
		t.Errorf("expected flag 'shared', got %q", planErr.Flag)
	}
}

func TestBuildPlan_DuplicateNamesFail(t *testing.T) {
	specs := []CheckSpec{{Name: "dup"}, {Name: "dup"}}
	if _, err := BuildPlan(specs); err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func TestBuildPlan_DefaultChecksResolve(t *testing.T) {
	checks := DefaultChecks(nil)
	specs := make([]CheckSpec, len(checks))
	for i, c := range checks {
		specs[i] = c.Spec()
	}
	plan, err := BuildPlan(specs)
	if err != nil {
		t.Fatalf("default check set must always resolve: %v", err)
	}

	pos := make(map[string]int)
	for layer, group := range plan.Groups {
		for _, idx := range group {
			pos[specs[idx].Name] = layer
		}
	}
	if pos["overlap_check"] <= pos["citation_check"] {
		t.Error("overlap_check must run after citation_check")
	}
	if pos["uncertainty_check"] <= pos["overlap_check"] {
		t.Error("uncertainty_check must run after overlap_check")
	}
}
