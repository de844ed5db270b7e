// Copyright (C) 2025 StillMe Project (anhmtk)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package threshold

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/anhmtk/stillme-validation/services/validation/telemetry"
)

// RecordSource supplies recent validation outcomes to the optimizer.
// The telemetry Collector satisfies it.
type RecordSource interface {
	Recent(n int) []telemetry.Record
}

// Checkpointer persists threshold states. The badger-backed
// Checkpoint type satisfies it; a nil Checkpointer disables
// persistence.
type Checkpointer interface {
	Save(ctx context.Context, states map[string]State) error
}

const (
	// defaultEpochInterval is how often the optimizer evaluates the
	// reward window and adjusts thresholds.
	defaultEpochInterval = 1 * time.Minute

	// defaultStepFraction is the relative step size for a threshold
	// adjustment, as a fraction of the bounds span.
	defaultStepFraction = 0.05

	// minWindowRecords is the minimum number of outcomes involving a
	// check before its thresholds move. Below this the signal is
	// noise.
	minWindowRecords = 10

	// checkpointEvery persists state once per this many epochs, in
	// addition to the final checkpoint on Stop.
	checkpointEvery = 5

	// optimizerWindow is how many recent records each epoch reads.
	optimizerWindow = 200
)

// OptimizerConfig tunes the background threshold optimizer.
type OptimizerConfig struct {
	EpochInterval time.Duration
	StepFraction  float64
	Weights       RewardWeights
}

// Optimizer adjusts thresholds by a gradient-free candidate search on
// the reward signal.
//
// # Description
//
// Each epoch the optimizer reads the recent outcome window and, per
// threshold, scores a small discretized candidate set around the live
// value by counterfactually re-classifying the window at each
// candidate. The value moves a bounded step toward the best-scoring
// candidate; a flat reward surface leaves it alone. Every proposal is
// clamped to the threshold's declared bounds, so a pathological
// reward signal can drift a value to its bound but never beyond.
//
// Per-threshold evaluation fans out across goroutines. evaluate is a
// pure function of its arguments and the immutable config, so the
// goroutines share no mutable state; their results are merged into a
// single Store.Apply, preserving the store's single-writer contract.
//
// # Thread Safety
//
// Start and Stop are safe to call once each from any goroutine. The
// optimizer is the sole writer of its Store.
type Optimizer struct {
	store  *Store
	source RecordSource
	ckpt   Checkpointer
	cfg    OptimizerConfig
	logger *slog.Logger

	epoch  int
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewOptimizer builds an Optimizer. source is required; ckpt and the
// zero-value config fields are optional.
func NewOptimizer(store *Store, source RecordSource, ckpt Checkpointer, cfg OptimizerConfig, logger *slog.Logger) *Optimizer {
	if cfg.EpochInterval <= 0 {
		cfg.EpochInterval = defaultEpochInterval
	}
	if cfg.StepFraction <= 0 {
		cfg.StepFraction = defaultStepFraction
	}
	if cfg.Weights == (RewardWeights{}) {
		cfg.Weights = DefaultRewardWeights()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Optimizer{
		store:  store,
		source: source,
		ckpt:   ckpt,
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the epoch loop in a background goroutine.
func (o *Optimizer) Start() {
	go o.run()
}

// Stop halts the loop, waits for the in-flight epoch, and writes a
// final checkpoint.
func (o *Optimizer) Stop() {
	close(o.stopCh)
	<-o.doneCh
	o.checkpoint(context.Background())
}

func (o *Optimizer) run() {
	defer close(o.doneCh)

	ticker := time.NewTicker(o.cfg.EpochInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.Step()
		}
	}
}

// Step runs one optimization epoch synchronously: read the reward
// window, evaluate every threshold, apply the merged updates. Exposed
// so offline tuning can drive epochs without the ticker. Must not be
// called concurrently with a running Start loop.
func (o *Optimizer) Step() {
	o.epoch++
	records := o.source.Recent(optimizerWindow)
	if len(records) == 0 {
		return
	}

	states := o.store.Snapshot()

	var mu sync.Mutex
	updates := make(map[string]State, len(states))

	g, _ := errgroup.WithContext(context.Background())
	for key, st := range states {
		key, st := key, st
		g.Go(func() error {
			next, changed := o.evaluate(st, records)
			if changed {
				mu.Lock()
				updates[key] = next
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait() // evaluate never errors

	if len(updates) > 0 {
		o.store.Apply(updates)
		o.logger.Debug("threshold epoch applied",
			slog.Int("epoch", o.epoch),
			slog.Int("updated", len(updates)),
		)
	}

	if o.epoch%checkpointEvery == 0 {
		o.checkpoint(context.Background())
	}
}

// candidateSteps are the step multiples probed on each side of the
// live value during an epoch.
var candidateSteps = []float64{-2, -1, 0, 1, 2}

// evaluate scores one threshold's reward window, compares the
// discretized candidate set, and proposes the next state. It reads
// only its arguments and the immutable config, so plan fan-out can
// call it from concurrent goroutines.
func (o *Optimizer) evaluate(st State, records []telemetry.Record) (State, bool) {
	window := recordsForCheck(records, st.Definition.Check)

	score := windowReward(window, o.cfg.Weights)
	st.Rewards = append(st.Rewards, score)
	if len(st.Rewards) > rewardWindowCap {
		st.Rewards = st.Rewards[len(st.Rewards)-rewardWindowCap:]
	}

	if len(window) < minWindowRecords {
		return st, true // record the score, leave the value alone
	}

	span := st.Definition.Bounds.Max - st.Definition.Bounds.Min
	if span <= 0 {
		span = math.Max(st.Definition.Default, 1.0)
	}
	step := o.cfg.StepFraction * span

	// Score the candidate set. Ties go to the candidate closest to
	// the live value: a flat surface must not move the threshold.
	best := st.Value
	bestScore := math.Inf(-1)
	for _, m := range candidateSteps {
		cand := clampBounds(st.Value+m*step, st.Definition.Bounds)
		s := candidateReward(window, strictness(cand, st.Definition.Bounds), o.cfg.Weights)
		if s > bestScore ||
			(s == bestScore && math.Abs(cand-st.Value) < math.Abs(best-st.Value)) {
			best, bestScore = cand, s
		}
	}

	// One bounded step toward the best candidate, never the whole
	// distance at once.
	delta := best - st.Value
	if delta > step {
		delta = step
	} else if delta < -step {
		delta = -step
	}
	if delta == 0 {
		return st, true
	}

	st.Value = clampBounds(st.Value+delta, st.Definition.Bounds)
	st.LastUpdated = time.Now().UTC()
	return st, true
}

// Flush writes a checkpoint immediately. Used by offline tuning,
// which never calls Stop.
func (o *Optimizer) Flush(ctx context.Context) {
	o.checkpoint(ctx)
}

// checkpoint persists the current states; failures are logged, never
// fatal.
func (o *Optimizer) checkpoint(ctx context.Context) {
	if o.ckpt == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := o.ckpt.Save(cctx, o.store.Snapshot()); err != nil {
		o.logger.Warn("threshold checkpoint failed", slog.String("error", err.Error()))
	}
}
