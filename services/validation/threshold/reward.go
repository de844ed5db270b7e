// Copyright (C) 2025 StillMe Project (anhmtk)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package threshold

import (
	"github.com/anhmtk/stillme-validation/services/validation/telemetry"
)

// RewardWeights scores a window of validation outcomes. Ground truth
// about answer quality is unavailable online, so each term is a proxy
// computed from the telemetry record alone:
//
//   - Success: the chain passed without falling back.
//   - FalsePositive: the chain failed an answer whose context was
//     highly similar, suggesting an over-strict threshold.
//   - FalseNegative: the chain passed an answer that had no context
//     documents at all, suggesting an under-strict one.
//   - Prevention: the chain fell back on an answer with little or no
//     context, the outcome the pipeline exists to produce.
type RewardWeights struct {
	Success       float64 `yaml:"success"`
	FalsePositive float64 `yaml:"false_positive"`
	FalseNegative float64 `yaml:"false_negative"`
	Prevention    float64 `yaml:"prevention"`
}

// DefaultRewardWeights penalizes false negatives hardest: a fabricated
// answer that slips through costs more than an over-zealous rejection.
func DefaultRewardWeights() RewardWeights {
	return RewardWeights{
		Success:       1.0,
		FalsePositive: -0.5,
		FalseNegative: -2.0,
		Prevention:    1.5,
	}
}

// falsePositiveSimilarity is the average context similarity above
// which a failed chain is counted as a likely false positive.
const falsePositiveSimilarity = 0.8

// windowReward computes the mean per-record reward over a window of
// telemetry records. An empty window scores zero.
func windowReward(records []telemetry.Record, w RewardWeights) float64 {
	if len(records) == 0 {
		return 0
	}
	var total float64
	for _, r := range records {
		total += recordReward(r, w)
	}
	return total / float64(len(records))
}

// recordReward scores a single validation outcome.
func recordReward(r telemetry.Record, w RewardWeights) float64 {
	switch {
	case r.UsedFallback && r.ContextDocCount == 0:
		return w.Prevention
	case r.Passed && !r.UsedFallback && r.ContextDocCount == 0:
		return w.FalseNegative
	case !r.Passed && r.AvgSimilarity >= falsePositiveSimilarity:
		return w.FalsePositive
	case r.Passed && !r.UsedFallback:
		return w.Success
	default:
		return 0
	}
}

// rewardForCheck computes the window reward restricted to records in
// which the named check actually ran. A threshold only learns from
// outcomes it could have influenced.
func rewardForCheck(records []telemetry.Record, check string, w RewardWeights) (float64, int) {
	involved := recordsForCheck(records, check)
	return windowReward(involved, w), len(involved)
}

// recordsForCheck filters the window to records in which the named
// check ran.
func recordsForCheck(records []telemetry.Record, check string) []telemetry.Record {
	var involved []telemetry.Record
	for _, r := range records {
		for _, c := range r.Checks {
			if c == check {
				involved = append(involved, r)
				break
			}
		}
	}
	return involved
}

// strictness maps a threshold value into [0,1] within its bounds, so a
// candidate can be compared against the record's similarity signal.
// Degenerate bounds return the value unchanged.
func strictness(v float64, b Bounds) float64 {
	span := b.Max - b.Min
	if span <= 0 {
		return v
	}
	return (v - b.Min) / span
}

// candidateReward re-scores a window as if the threshold had been set
// to the given strictness. The observed verdict is replaced by a
// counterfactual one derived from the record's retrieval similarity: a
// record is predicted to pass its check when the average similarity
// clears the strictness. Candidates therefore score differently over
// the same window, which is what the search compares.
func candidateReward(records []telemetry.Record, s float64, w RewardWeights) float64 {
	if len(records) == 0 {
		return 0
	}
	var total float64
	for _, r := range records {
		total += counterfactualReward(r, s, w)
	}
	return total / float64(len(records))
}

// counterfactualReward classifies one record under a hypothetical
// strictness. Zero-context fallbacks stay Prevention at any strictness;
// the pass/fail-dependent classes follow the predicted verdict.
func counterfactualReward(r telemetry.Record, s float64, w RewardWeights) float64 {
	predictedPass := r.AvgSimilarity >= s
	switch {
	case r.UsedFallback && r.ContextDocCount == 0:
		return w.Prevention
	case predictedPass && r.ContextDocCount == 0:
		return w.FalseNegative
	case !predictedPass && r.AvgSimilarity >= falsePositiveSimilarity:
		return w.FalsePositive
	case predictedPass && !r.UsedFallback:
		return w.Success
	default:
		return 0
	}
}
