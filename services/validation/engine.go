// Copyright (C) 2025 StillMe Project (anhmtk)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/anhmtk/stillme-validation/pkg/logging"
	"github.com/anhmtk/stillme-validation/services/validation/telemetry"
)

// Engine configuration defaults.
const (
	// defaultMaxWorkers bounds concurrency within one parallel-safe
	// plan group.
	defaultMaxWorkers = 4

	// defaultCheckTimeout applies to checks whose spec declares none.
	defaultCheckTimeout = 2 * time.Second

	// defaultRequestTimeout bounds a whole chain when the caller's
	// context carries no deadline.
	defaultRequestTimeout = 15 * time.Second
)

// Config is the engine's construction-time configuration. It is immutable
// for the life of the engine; config reload builds a new engine.
type Config struct {
	// MaxWorkers caps concurrent checks within one plan group. The
	// effective pool size per group is min(group size, MaxWorkers).
	MaxWorkers int

	// CheckTimeout is the default per-check deadline.
	CheckTimeout time.Duration

	// RequestTimeout bounds the whole chain when the caller's context
	// has no deadline of its own.
	RequestTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = defaultMaxWorkers
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = defaultCheckTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
}

// Recorder receives one telemetry record per completed chain. The
// telemetry.Collector implements it; a nil recorder disables recording.
type Recorder interface {
	Record(rec telemetry.Record)
}

// Engine orchestrates the validation chain.
//
// The execution plan is computed once at construction from the checks'
// declared flag reads/writes and reused for every request. Validate never
// returns an error and never returns an empty final answer: internal
// failures degrade to a logged reason code plus continuation or fallback.
//
// Thread Safety: safe for concurrent use. Per-request state lives on the
// stack of Validate; the only shared mutable state is the threshold
// snapshot behind the ThresholdReader, which is lock-free on reads.
type Engine struct {
	cfg        Config
	checks     []Check
	specs      []CheckSpec
	plan       *Plan
	thresholds ThresholdReader
	fallback   *FallbackPolicy
	recorder   Recorder
	logger     *logging.Logger
}

// Option customizes engine construction.
type Option func(*Engine)

// WithThresholdReader injects the live threshold store. Without it,
// checks run on their CheckSpec default thresholds.
func WithThresholdReader(r ThresholdReader) Option {
	return func(e *Engine) { e.thresholds = r }
}

// WithRecorder injects the telemetry recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithLogger injects the logger. Defaults to logging.Default().
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithFallbackPolicy overrides the default fallback policy.
func WithFallbackPolicy(p *FallbackPolicy) Option {
	return func(e *Engine) { e.fallback = p }
}

// NewEngine builds an engine over the given checks.
//
// Description:
//
//	Resolves the checks' declared flag dependencies into an execution
//	plan. A dependency cycle or a duplicate write declaration is a
//	construction error: the engine must never accept traffic with an
//	unresolvable plan.
//
// Inputs:
//
//	cfg - Engine configuration. Zero values take defaults.
//	checks - Checks in declaration order. Order fixes the determinism
//	         of merged reason codes.
//	opts - Optional dependencies (thresholds, recorder, logger).
//
// Outputs:
//
//	*Engine - Ready for concurrent Validate calls.
//	error - Non-nil on plan construction failure (*PlanError) or empty
//	        check set.
func NewEngine(cfg Config, checks []Check, opts ...Option) (*Engine, error) {
	cfg.applyDefaults()

	specs := make([]CheckSpec, len(checks))
	for i, c := range checks {
		specs[i] = c.Spec()
	}

	plan, err := BuildPlan(specs)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		checks: checks,
		specs:  specs,
		plan:   plan,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.Default()
	}
	if e.fallback == nil {
		e.fallback = NewFallbackPolicy(e.logger)
	}

	if err := initMetrics(); err != nil {
		e.logger.Warn("validation metrics init failed", "error", err.Error())
	}

	e.logger.Info("validation plan built",
		"checks", len(checks),
		"groups", len(plan.Groups),
		"plan", plan.Describe(specs),
	)
	return e, nil
}

// Plan exposes the precomputed execution plan (for logs and tests).
func (e *Engine) Plan() *Plan { return e.plan }

// checkOutcome is the per-invocation result the engine merges.
type checkOutcome struct {
	res      CheckResult
	elapsed  time.Duration
	timedOut bool
}

// Validate runs the full chain for one request.
//
// Description:
//
//	Walks the precomputed plan group by group. Singleton groups run
//	inline; larger groups run on a bounded worker pool and are merged
//	in declaration order so the aggregated reason codes are
//	deterministic regardless of scheduling. A critical failure without
//	a patch stops the walk (after the group has fully joined, so no
//	goroutines are orphaned) and routes to the fallback policy.
//
// Outputs:
//
//	*ChainResult - Always non-nil with a non-empty FinalAnswer. Validate
//	never propagates an error or panic to its caller.
func (e *Engine) Validate(ctx context.Context, req *ValidationRequest) *ChainResult {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "validation.Engine.Validate")
	defer span.End()

	if req == nil {
		span.SetStatus(codes.Error, "nil request")
		return &ChainResult{
			FinalAnswer:  e.fallback.LastResort(),
			UsedFallback: true,
			ReasonCodes:  []ReasonCode{ValidatorError("request")},
			Elapsed:      time.Since(start),
		}
	}

	req.EnsureDefaults()
	span.SetAttributes(
		attribute.String("trace_id", req.TraceID),
		attribute.Int("context_docs", len(req.ContextDocuments)),
	)

	if err := req.Validate(); err != nil {
		e.logger.Warn("invalid validation request, using fallback",
			"trace_id", req.TraceID, "error", err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		result := &ChainResult{
			TraceID:      req.TraceID,
			FinalAnswer:  e.fallback.LastResort(),
			UsedFallback: true,
			ReasonCodes:  []ReasonCode{ValidatorError("request")},
			Elapsed:      time.Since(start),
		}
		e.record(req, result, "")
		return result
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.RequestTimeout)
		defer cancel()
	}

	category := ClassifyQuestion(req.UserQuestion)
	span.SetAttributes(attribute.String("question_category", category))

	state := OriginalAnswer(req.DraftAnswer)
	flags := make(map[string]bool)
	confidence := 1.0
	shortCircuit := false
	overallPassed := true

	var (
		reasonCodes []ReasonCode
		timings     []CheckTiming
		ranChecks   []string
	)

walk:
	for _, group := range e.plan.Groups {
		outcomes := e.runGroup(ctx, group, state, flags, req, category)

		// Checks in one group all patched the same input text, so a
		// later declaration replaces an earlier group-mate's patch
		// wholesale. Surface it: the discarded rewrite is a plan smell.
		groupPatcher := ""

		// Merge in declaration order: the group slice is already sorted
		// by declaration index, so reason codes, flag writes, and patch
		// ownership are deterministic regardless of completion order.
		for gi, idx := range group {
			spec := e.specs[idx]
			out := outcomes[gi]

			ranChecks = append(ranChecks, spec.Name)
			timings = append(timings, CheckTiming{
				Check:    spec.Name,
				Elapsed:  out.elapsed,
				TimedOut: out.timedOut,
			})
			if checkDuration != nil {
				checkDuration.Record(ctx, out.elapsed.Seconds(),
					metricAttrs(attribute.String("check", spec.Name)))
			}

			reasonCodes = append(reasonCodes, out.res.ReasonCodes...)
			confidence = clamp01(confidence + out.res.ConfidenceAdjustment)

			// Flag writes are restricted to the declared set; anything
			// else would invalidate the plan's independence proof.
			for _, flag := range spec.Writes {
				if v, ok := out.res.FlagWrites[flag]; ok {
					flags[flag] = v
				}
			}

			patched := out.res.PatchedAnswer != nil
			if patched {
				if groupPatcher != "" {
					e.logger.Warn("patch replaced an earlier patch from the same group",
						"trace_id", req.TraceID,
						"check", spec.Name,
						"replaced", groupPatcher,
					)
				}
				state = state.Patch(*out.res.PatchedAnswer, spec.Name)
				groupPatcher = spec.Name
				if patchesTotal != nil {
					patchesTotal.Add(ctx, 1, metricAttrs(attribute.String("check", spec.Name)))
				}
				e.logger.Debug("answer patched",
					"trace_id", req.TraceID, "check", spec.Name)
			}

			if !out.res.Passed {
				overallPassed = false
				confidence = clamp01(confidence - 0.25)
				if checkFailuresTotal != nil {
					checkFailuresTotal.Add(ctx, 1,
						metricAttrs(attribute.String("check", spec.Name)))
				}

				critical := spec.Critical || (flags[FlagIsCritical] && declaresWrite(spec, FlagIsCritical))
				if critical && !patched {
					e.logger.Warn("critical check failed without patch, short-circuiting",
						"trace_id", req.TraceID,
						"check", spec.Name,
						"reasons", reasonStrings(out.res.ReasonCodes),
					)
					if shortCircuitsTotal != nil {
						shortCircuitsTotal.Add(ctx, 1,
							metricAttrs(attribute.String("check", spec.Name)))
					}
					shortCircuit = true
					break walk
				}
			}
		}
	}

	useFallback := shortCircuit ||
		e.fallback.ShouldFallback(reasonCodes, len(req.ContextDocuments))

	var finalAnswer string
	if useFallback {
		overallPassed = false
		finalAnswer = e.fallback.Respond(req.UserQuestion, reasonCodes)
		if fallbacksTotal != nil {
			fallbacksTotal.Add(ctx, 1)
		}
	} else {
		finalAnswer = state.Text()
	}
	if finalAnswer == "" {
		// Validate must always return a non-empty answer.
		finalAnswer = e.fallback.LastResort()
		useFallback = true
		overallPassed = false
	}

	result := &ChainResult{
		TraceID:         req.TraceID,
		FinalAnswer:     finalAnswer,
		OverallPassed:   overallPassed,
		ReasonCodes:     reasonCodes,
		UsedFallback:    useFallback,
		Confidence:      confidence,
		Patched:         !useFallback && state.Patched(),
		Elapsed:         time.Since(start),
		PerCheckTimings: timings,
	}
	if result.Patched {
		result.PatchedBy = state.PatchedBy()
	}

	span.SetAttributes(
		attribute.Bool("passed", result.OverallPassed),
		attribute.Bool("used_fallback", result.UsedFallback),
		attribute.Bool("patched", result.Patched),
		attribute.Int("reason_codes", len(result.ReasonCodes)),
	)
	if chainsTotal != nil {
		chainsTotal.Add(ctx, 1, metricAttrs(
			attribute.Bool("passed", result.OverallPassed),
			attribute.Bool("used_fallback", result.UsedFallback),
		))
	}
	if chainDuration != nil {
		chainDuration.Record(ctx, result.Elapsed.Seconds())
	}
	if confidenceHist != nil {
		confidenceHist.Record(ctx, result.Confidence)
	}

	e.logger.Info("validation chain completed",
		"trace_id", req.TraceID,
		"passed", result.OverallPassed,
		"used_fallback", result.UsedFallback,
		"patched", result.Patched,
		"reasons", reasonStrings(result.ReasonCodes),
		"elapsed_ms", result.Elapsed.Milliseconds(),
	)

	e.record(req, result, category, ranChecks...)
	return result
}

// runGroup executes one plan group and returns outcomes positionally
// aligned with the group slice. Singleton groups run inline; larger
// groups run on a bounded worker pool. The group is fully joined before
// returning: every worker exits within its check's own deadline, so a
// later short-circuit never orphans goroutines.
func (e *Engine) runGroup(
	ctx context.Context,
	group []int,
	state AnswerState,
	flags map[string]bool,
	req *ValidationRequest,
	category string,
) []checkOutcome {
	outcomes := make([]checkOutcome, len(group))

	if len(group) == 1 {
		outcomes[0] = e.runCheck(ctx, group[0], e.buildInput(group[0], state, flags, req, category))
		return outcomes
	}

	workers := min(len(group), min(e.cfg.MaxWorkers, runtime.NumCPU()))
	work := make(chan int, len(group))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for gi := range work {
				idx := group[gi]
				outcomes[gi] = e.runCheck(ctx, idx, e.buildInput(idx, state, flags, req, category))
			}
		}()
	}
	for gi := range group {
		work <- gi
	}
	close(work)
	wg.Wait()

	return outcomes
}

// buildInput assembles a CheckInput with a private flag copy and the
// resolved, category-adjusted thresholds for the check.
func (e *Engine) buildInput(idx int, state AnswerState, flags map[string]bool, req *ValidationRequest, category string) *CheckInput {
	spec := e.specs[idx]

	flagCopy := make(map[string]bool, len(flags))
	for k, v := range flags {
		flagCopy[k] = v
	}

	thresholds := make(map[string]float64, len(spec.Thresholds))
	for name, def := range spec.Thresholds {
		thresholds[name] = def
		if e.thresholds != nil {
			if v, ok := e.thresholds.Value(spec.Name, name, category); ok {
				thresholds[name] = v
			}
		}
	}

	return &CheckInput{
		Answer:     state.Text(),
		Documents:  req.ContextDocuments,
		Question:   req.UserQuestion,
		Language:   req.Language,
		Category:   category,
		Flags:      flagCopy,
		Thresholds: thresholds,
	}
}

// runCheck executes one check with panic containment and its per-check
// deadline. On deadline expiry the check is soft-passed (fail-open) with
// a validator_timeout code; the goroutine running the check keeps
// draining until it honors its canceled context, and its late result is
// discarded.
func (e *Engine) runCheck(ctx context.Context, idx int, input *CheckInput) checkOutcome {
	spec := e.specs[idx]
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = e.cfg.CheckTimeout
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resCh := make(chan CheckResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				e.logger.Error("panic in validation check",
					"check", spec.Name,
					"panic", r,
					"stack", string(buf[:n]),
				)
				if panicsTotal != nil {
					panicsTotal.Add(context.Background(), 1,
						metricAttrs(attribute.String("check", spec.Name)))
				}
				resCh <- CheckResult{
					Passed:      false,
					ReasonCodes: []ReasonCode{ValidatorError(spec.Name)},
				}
			}
		}()
		resCh <- e.checks[idx].Run(cctx, input)
	}()

	select {
	case res := <-resCh:
		return checkOutcome{res: res, elapsed: time.Since(start)}
	case <-cctx.Done():
		if timeoutsTotal != nil {
			timeoutsTotal.Add(context.Background(), 1,
				metricAttrs(attribute.String("check", spec.Name)))
		}
		e.logger.Warn("check deadline exceeded, soft-passing",
			"check", spec.Name, "timeout", timeout.String())
		return checkOutcome{
			res: CheckResult{
				Passed:      true,
				ReasonCodes: []ReasonCode{ValidatorTimeout(spec.Name)},
			},
			elapsed:  time.Since(start),
			timedOut: true,
		}
	}
}

// record hands the chain outcome to the telemetry recorder, if any.
func (e *Engine) record(req *ValidationRequest, result *ChainResult, category string, checks ...string) {
	if e.recorder == nil {
		return
	}
	e.recorder.Record(telemetry.Record{
		Timestamp:       time.Now().UTC(),
		TraceID:         result.TraceID,
		Passed:          result.OverallPassed,
		ReasonCodes:     reasonStrings(result.ReasonCodes),
		Checks:          checks,
		ContextDocCount: len(req.ContextDocuments),
		AvgSimilarity:   req.AvgSimilarity(),
		ElapsedMS:       result.Elapsed.Milliseconds(),
		UsedFallback:    result.UsedFallback,
		Category:        category,
	})
}

func declaresWrite(spec CheckSpec, flag string) bool {
	for _, w := range spec.Writes {
		if w == flag {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
