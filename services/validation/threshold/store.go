// Copyright (C) 2025 StillMe Project (anhmtk)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package threshold manages tunable check thresholds: a lock-free
// store read on every check run, and a background optimizer that
// nudges values toward better validation outcomes.
package threshold

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Bounds constrains a threshold to a safe operating range. The
// optimizer never proposes values outside the bounds, and the store
// clamps category-adjusted reads to them as well.
type Bounds struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Definition declares one tunable threshold: which check owns it, its
// name inside that check, the starting value, and its bounds.
type Definition struct {
	Check   string  `yaml:"check" validate:"required"`
	Name    string  `yaml:"name" validate:"required"`
	Default float64 `yaml:"default"`
	Bounds  Bounds  `yaml:"bounds"`
}

// rewardWindowCap bounds the per-threshold reward history kept for the
// optimizer.
const rewardWindowCap = 50

// State is the mutable record for one threshold: its current live
// value plus the recent reward history the optimizer reads.
type State struct {
	Definition  Definition `json:"definition"`
	Value       float64    `json:"value"`
	Rewards     []float64  `json:"rewards"`
	LastUpdated time.Time  `json:"last_updated"`
}

// snapshot is the immutable value map published to readers. Keyed by
// "check/name".
type snapshot struct {
	values map[string]float64
	states map[string]State
}

// Store holds threshold values behind an atomic pointer. Reads take a
// snapshot with no locking; the single-writer optimizer swaps in a new
// snapshot per epoch.
//
// # Thread Safety
//
// Value and Snapshot are safe for unbounded concurrent use. Apply must
// be called from at most one goroutine at a time (the optimizer).
type Store struct {
	live atomic.Pointer[snapshot]
}

// NewStore builds a Store seeded with the default value of every
// definition. Duplicate check/name pairs are an error.
func NewStore(defs []Definition) (*Store, error) {
	states := make(map[string]State, len(defs))
	for _, def := range defs {
		key := thresholdKey(def.Check, def.Name)
		if _, dup := states[key]; dup {
			return nil, fmt.Errorf("duplicate threshold definition %s", key)
		}
		if def.Bounds.Min > def.Bounds.Max {
			return nil, fmt.Errorf("threshold %s: bounds min %.3f exceeds max %.3f", key, def.Bounds.Min, def.Bounds.Max)
		}
		states[key] = State{
			Definition:  def,
			Value:       clampBounds(def.Default, def.Bounds),
			LastUpdated: time.Now().UTC(),
		}
	}

	s := &Store{}
	s.publish(states)
	return s, nil
}

// Value returns the category-adjusted live value for check/name.
// Technical questions are held to stricter thresholds and open-ended
// ones to looser; the adjusted value is clamped back to the declared
// bounds. The second return is false when the threshold is unknown.
func (s *Store) Value(check, name, category string) (float64, bool) {
	snap := s.live.Load()
	v, ok := snap.values[thresholdKey(check, name)]
	if !ok {
		return 0, false
	}
	adjusted := v * categoryFactor(category)
	state := snap.states[thresholdKey(check, name)]
	return clampBounds(adjusted, state.Definition.Bounds), true
}

// Snapshot returns a copy of every threshold state. Used by the
// optimizer and the checkpoint writer.
func (s *Store) Snapshot() map[string]State {
	snap := s.live.Load()
	out := make(map[string]State, len(snap.states))
	for k, st := range snap.states {
		cp := st
		cp.Rewards = append([]float64(nil), st.Rewards...)
		out[k] = cp
	}
	return out
}

// Apply publishes a new set of states, replacing the live snapshot in
// one atomic swap. Unknown keys are ignored; values are clamped to
// their bounds and reward windows truncated to the cap.
//
// Single-writer: only the optimizer calls Apply.
func (s *Store) Apply(updates map[string]State) {
	current := s.live.Load()
	next := make(map[string]State, len(current.states))
	for k, st := range current.states {
		next[k] = st
	}
	for k, st := range updates {
		base, known := next[k]
		if !known {
			continue
		}
		st.Definition = base.Definition
		st.Value = clampBounds(st.Value, base.Definition.Bounds)
		if len(st.Rewards) > rewardWindowCap {
			st.Rewards = st.Rewards[len(st.Rewards)-rewardWindowCap:]
		}
		next[k] = st
	}
	s.publish(next)
}

func (s *Store) publish(states map[string]State) {
	values := make(map[string]float64, len(states))
	for k, st := range states {
		values[k] = st.Value
	}
	s.live.Store(&snapshot{values: values, states: states})
}

// thresholdKey joins check and threshold name into the store key.
func thresholdKey(check, name string) string {
	return check + "/" + name
}

// categoryFactor maps a question category to a strictness multiplier.
// Thresholds are uniformly "higher is stricter", so technical answers
// face a raised bar and open-ended ones a lowered one.
func categoryFactor(category string) float64 {
	switch category {
	case "technical":
		return 1.15
	case "open_ended":
		return 0.8
	default:
		return 1.0
	}
}

func clampBounds(v float64, b Bounds) float64 {
	if b.Min == 0 && b.Max == 0 {
		return v
	}
	if v < b.Min {
		return b.Min
	}
	if v > b.Max {
		return b.Max
	}
	return v
}
