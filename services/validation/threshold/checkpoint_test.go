// Copyright (C) 2025 StillMe Project (anhmtk)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package threshold

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anhmtk/stillme-validation/services/validation/storage/badger"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestCheckpoint_SaveThenLoad(t *testing.T) {
	db := openTestDB(t)
	ckpt := NewCheckpoint(db)

	states := map[string]State{
		"overlap_check/min_overlap": {
			Definition:  Definition{Check: "overlap_check", Name: "min_overlap", Default: 0.25, Bounds: Bounds{Min: 0.1, Max: 0.6}},
			Value:       0.31,
			Rewards:     []float64{0.2, -0.5},
			LastUpdated: time.Now().UTC().Truncate(time.Second),
		},
	}
	require.NoError(t, ckpt.Save(context.Background(), states))

	loaded, err := ckpt.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	got := loaded["overlap_check/min_overlap"]
	assert.InDelta(t, 0.31, got.Value, 1e-9)
	assert.Equal(t, []float64{0.2, -0.5}, got.Rewards)
	assert.Equal(t, "overlap_check", got.Definition.Check)
}

func TestRestore_DroppedDefinitionIgnored(t *testing.T) {
	db := openTestDB(t)
	ckpt := NewCheckpoint(db)

	require.NoError(t, ckpt.Save(context.Background(), map[string]State{
		"removed_check/gone": {
			Definition: Definition{Check: "removed_check", Name: "gone", Default: 0.5},
			Value:      0.7,
		},
	}))

	store, err := NewStore(testDefs())
	require.NoError(t, err)
	restored, err := Restore(context.Background(), ckpt, store)
	require.NoError(t, err)
	assert.Zero(t, restored, "states without a live definition are dropped")
}
