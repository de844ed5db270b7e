// Copyright (C) 2025 StillMe Project (anhmtk)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anhmtk/stillme-validation/services/validation/telemetry"
)

// stubCheck is a configurable check for engine tests.
type stubCheck struct {
	spec CheckSpec
	run  func(ctx context.Context, in *CheckInput) CheckResult
}

func (s *stubCheck) Spec() CheckSpec { return s.spec }

func (s *stubCheck) Run(ctx context.Context, in *CheckInput) CheckResult {
	return s.run(ctx, in)
}

// memRecorder captures telemetry records for assertions.
type memRecorder struct {
	mu      sync.Mutex
	records []telemetry.Record
}

func (m *memRecorder) Record(rec telemetry.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
}

func (m *memRecorder) last(t *testing.T) telemetry.Record {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == 0 {
		t.Fatal("no telemetry record captured")
	}
	return m.records[len(m.records)-1]
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	engine, err := NewEngine(Config{}, DefaultChecks(nil), opts...)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine
}

func TestEngine_WellGroundedAnswerPassesUntouched(t *testing.T) {
	recorder := &memRecorder{}
	engine := newTestEngine(t, WithRecorder(recorder))

	req := &ValidationRequest{
		DraftAnswer: "The capital of France is Paris [1].",
		ContextDocuments: []ContextDocument{
			{Text: "Paris is the capital and largest city of France.", SourceID: "doc-1", Similarity: 0.92},
		},
		UserQuestion: "What is the capital of France?",
		Language:     "en",
	}

	result := engine.Validate(context.Background(), req)

	if !result.OverallPassed {
		t.Errorf("expected pass, got reasons %v", result.ReasonCodes)
	}
	if result.UsedFallback {
		t.Error("well-grounded answer must not fall back")
	}
	if result.Patched {
		t.Error("well-grounded answer must not be patched")
	}
	if result.FinalAnswer != req.DraftAnswer {
		t.Errorf("answer modified: %q", result.FinalAnswer)
	}
	if result.Confidence != 1.0 {
		t.Errorf("expected full confidence, got %v", result.Confidence)
	}
	if result.TraceID == "" {
		t.Error("expected an assigned trace ID")
	}

	rec := recorder.last(t)
	if !rec.Passed || rec.UsedFallback {
		t.Errorf("telemetry disagrees with result: %+v", rec)
	}
}

func TestEngine_FabricatedAnswerWithoutContextFallsBack(t *testing.T) {
	engine := newTestEngine(t)

	req := &ValidationRequest{
		DraftAnswer:  "The Treaty of Velden was signed in 1782 by four nations.",
		UserQuestion: "When was the Treaty of Velden signed?",
	}

	result := engine.Validate(context.Background(), req)

	if result.OverallPassed {
		t.Error("unsupported confident answer must fail")
	}
	if !result.UsedFallback {
		t.Fatal("expected fallback")
	}
	if !containsReason(result.ReasonCodes, ReasonMissingUncertaintyNoContext) {
		t.Errorf("expected missing_uncertainty_no_context, got %v", result.ReasonCodes)
	}
	for _, fragment := range []string{"Velden", "1782", "four nations"} {
		if strings.Contains(result.FinalAnswer, fragment) {
			t.Errorf("fallback response leaks draft fragment %q: %q", fragment, result.FinalAnswer)
		}
	}
	if result.FinalAnswer == "" {
		t.Error("final answer must never be empty")
	}
}

func TestEngine_ConflictingSourcesHedgeTheAnswer(t *testing.T) {
	engine := newTestEngine(t)

	req := &ValidationRequest{
		DraftAnswer: "The dam was completed in 1954.",
		ContextDocuments: []ContextDocument{
			{Text: "The dam was completed in 1954 after a decade of work.", SourceID: "a", Similarity: 0.9},
			{Text: "Records show the dam was completed in 1955.", SourceID: "b", Similarity: 0.85},
		},
		UserQuestion: "When was the dam completed?",
	}

	result := engine.Validate(context.Background(), req)

	if result.UsedFallback {
		t.Fatalf("hedgeable conflict should not fall back, got %q", result.FinalAnswer)
	}
	if !result.Patched {
		t.Fatal("expected a patched answer")
	}
	if result.PatchedBy != "consensus_check" {
		t.Errorf("expected consensus_check to own the patch, got %q", result.PatchedBy)
	}
	if !strings.Contains(result.FinalAnswer, "1954 or 1955") {
		t.Errorf("expected hedged years, got %q", result.FinalAnswer)
	}
	if result.OverallPassed {
		t.Error("a patched chain still reports failure")
	}
}

func TestEngine_PatchedAnswerSurvivesRevalidation(t *testing.T) {
	engine := newTestEngine(t)

	docs := []ContextDocument{
		{Text: "The dam was completed in 1954 after a decade of work.", SourceID: "a", Similarity: 0.9},
		{Text: "Records show the dam was completed in 1955.", SourceID: "b", Similarity: 0.85},
	}

	first := engine.Validate(context.Background(), &ValidationRequest{
		DraftAnswer:      "The dam was completed in 1954.",
		ContextDocuments: docs,
		UserQuestion:     "When was the dam completed?",
	})
	if !first.Patched {
		t.Fatal("setup: expected first pass to patch")
	}

	second := engine.Validate(context.Background(), &ValidationRequest{
		DraftAnswer:      first.FinalAnswer,
		ContextDocuments: docs,
		UserQuestion:     "When was the dam completed?",
	})
	if containsReason(second.ReasonCodes, ReasonSourceConsensusConflict) {
		t.Errorf("hedged answer re-flagged on revalidation: %v", second.ReasonCodes)
	}
	if second.UsedFallback {
		t.Error("hedged answer must not fall back on revalidation")
	}
}

func TestEngine_DeterministicChecksAreIdempotent(t *testing.T) {
	engine := newTestEngine(t)

	request := func() *ValidationRequest {
		return &ValidationRequest{
			DraftAnswer: "The dam was completed in 1954.",
			ContextDocuments: []ContextDocument{
				{Text: "The dam was completed in 1954 after a decade of work.", SourceID: "a", Similarity: 0.9},
				{Text: "Records show the dam was completed in 1955.", SourceID: "b", Similarity: 0.85},
			},
			UserQuestion: "When was the dam completed?",
			TraceID:      "replay-1",
		}
	}

	normalize := func(r *ChainResult) ChainResult {
		c := *r
		c.Elapsed = 0
		c.PerCheckTimings = nil
		return c
	}

	first := normalize(engine.Validate(context.Background(), request()))
	second := normalize(engine.Validate(context.Background(), request()))

	if !reflect.DeepEqual(first, second) {
		t.Errorf("identical requests produced different results:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestEngine_IdentityViolationShortCircuits(t *testing.T) {
	engine := newTestEngine(t)

	req := &ValidationRequest{
		DraftAnswer: "I am conscious and I truly understand your pain.",
		ContextDocuments: []ContextDocument{
			{Text: "Support resources for difficult times.", SourceID: "a", Similarity: 0.7},
		},
		UserQuestion: "Do you understand me?",
	}

	result := engine.Validate(context.Background(), req)

	if !result.UsedFallback {
		t.Fatal("identity violation must route to fallback")
	}
	if !containsReason(result.ReasonCodes, ReasonIdentityViolation) {
		t.Errorf("expected identity_violation, got %v", result.ReasonCodes)
	}
	for _, timing := range result.PerCheckTimings {
		if timing.Check == "overlap_check" || timing.Check == "uncertainty_check" {
			t.Errorf("short-circuit must skip later layers, but %s ran", timing.Check)
		}
	}
	if strings.Contains(result.FinalAnswer, "conscious") {
		t.Errorf("fallback leaks draft text: %q", result.FinalAnswer)
	}
}

func TestEngine_SlowCheckSoftPasses(t *testing.T) {
	slow := &stubCheck{
		spec: CheckSpec{Name: "slow_check", Timeout: 30 * time.Millisecond},
		run: func(ctx context.Context, in *CheckInput) CheckResult {
			select {
			case <-ctx.Done():
				return CheckResult{Passed: true}
			case <-time.After(2 * time.Second):
				return CheckResult{Passed: true}
			}
		},
	}
	fast := &stubCheck{
		spec: CheckSpec{Name: "fast_check", Timeout: time.Second},
		run: func(ctx context.Context, in *CheckInput) CheckResult {
			return CheckResult{Passed: true}
		},
	}

	engine, err := NewEngine(Config{}, []Check{slow, fast})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	start := time.Now()
	result := engine.Validate(context.Background(), &ValidationRequest{
		DraftAnswer: "Anything at all.",
	})
	elapsed := time.Since(start)

	if elapsed > time.Second {
		t.Errorf("slow check must be cut at its own deadline, took %v", elapsed)
	}
	if !containsReason(result.ReasonCodes, ValidatorTimeout("slow_check")) {
		t.Errorf("expected validator_timeout:slow_check, got %v", result.ReasonCodes)
	}

	var sawTimeout bool
	for _, timing := range result.PerCheckTimings {
		if timing.Check == "slow_check" && timing.TimedOut {
			sawTimeout = true
		}
	}
	if !sawTimeout {
		t.Error("expected slow_check marked timed out in timings")
	}
}

func TestEngine_PanickingCheckIsContained(t *testing.T) {
	panicky := &stubCheck{
		spec: CheckSpec{Name: "panicky_check"},
		run: func(ctx context.Context, in *CheckInput) CheckResult {
			panic("boom")
		},
	}
	engine, err := NewEngine(Config{}, []Check{panicky})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	result := engine.Validate(context.Background(), &ValidationRequest{
		DraftAnswer: "Anything.",
	})

	if result.OverallPassed {
		t.Error("panicking check counts as failed")
	}
	if !containsReason(result.ReasonCodes, ValidatorError("panicky_check")) {
		t.Errorf("expected validator_error:panicky_check, got %v", result.ReasonCodes)
	}
	if result.FinalAnswer == "" {
		t.Error("final answer must never be empty")
	}
}

func TestEngine_NilAndInvalidRequests(t *testing.T) {
	engine := newTestEngine(t)

	result := engine.Validate(context.Background(), nil)
	if !result.UsedFallback || result.FinalAnswer == "" {
		t.Error("nil request must produce a non-empty fallback")
	}

	result = engine.Validate(context.Background(), &ValidationRequest{DraftAnswer: ""})
	if !result.UsedFallback || result.FinalAnswer == "" {
		t.Error("empty draft must produce a non-empty fallback")
	}
}

func TestEngine_FlagWritesOutsideDeclarationIgnored(t *testing.T) {
	rogue := &stubCheck{
		spec: CheckSpec{Name: "rogue_check"}, // declares no writes
		run: func(ctx context.Context, in *CheckInput) CheckResult {
			return CheckResult{
				Passed:     true,
				FlagWrites: map[string]bool{"undeclared_flag": true},
			}
		},
	}
	reader := &stubCheck{
		spec: CheckSpec{Name: "reader_check", Reads: []string{"undeclared_flag"}},
		run: func(ctx context.Context, in *CheckInput) CheckResult {
			if in.Flag("undeclared_flag") {
				return CheckResult{Passed: false}
			}
			return CheckResult{Passed: true}
		},
	}

	engine, err := NewEngine(Config{}, []Check{rogue, reader})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	result := engine.Validate(context.Background(), &ValidationRequest{DraftAnswer: "Anything."})
	if !result.OverallPassed {
		t.Error("an undeclared flag write must not be visible to readers")
	}
}

func TestEngine_SameGroupPatchesMergeInDeclarationOrder(t *testing.T) {
	// Two independent checks patch in the same parallel group: the
	// later declaration owns the answer, deterministically, regardless
	// of completion order.
	patchA := "patched by first"
	patchB := "patched by second"
	first := &stubCheck{
		spec: CheckSpec{Name: "first_patcher"},
		run: func(ctx context.Context, in *CheckInput) CheckResult {
			return CheckResult{Passed: true, PatchedAnswer: &patchA}
		},
	}
	second := &stubCheck{
		spec: CheckSpec{Name: "second_patcher"},
		run: func(ctx context.Context, in *CheckInput) CheckResult {
			return CheckResult{Passed: true, PatchedAnswer: &patchB}
		},
	}

	engine, err := NewEngine(Config{}, []Check{first, second})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if groups := engine.Plan().Groups; len(groups) != 1 {
		t.Fatalf("setup: both patchers must share one group, got %v", groups)
	}

	for i := 0; i < 20; i++ {
		result := engine.Validate(context.Background(), &ValidationRequest{DraftAnswer: "Original."})
		if result.FinalAnswer != patchB {
			t.Fatalf("expected the later declaration's patch, got %q", result.FinalAnswer)
		}
		if result.PatchedBy != "second_patcher" {
			t.Fatalf("expected second_patcher to own the answer, got %q", result.PatchedBy)
		}
	}
}

func TestEngine_ConcurrentValidateIsSafe(t *testing.T) {
	engine := newTestEngine(t)

	req := func() *ValidationRequest {
		return &ValidationRequest{
			DraftAnswer: "The capital of France is Paris [1].",
			ContextDocuments: []ContextDocument{
				{Text: "Paris is the capital and largest city of France.", Similarity: 0.92},
			},
			UserQuestion: "What is the capital of France?",
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if result := engine.Validate(context.Background(), req()); !result.OverallPassed {
				t.Errorf("concurrent validate failed: %v", result.ReasonCodes)
			}
		}()
	}
	wg.Wait()
}
