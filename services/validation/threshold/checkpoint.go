// Copyright (C) 2025 StillMe Project (anhmtk)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package threshold

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/anhmtk/stillme-validation/services/validation/storage/badger"
)

// checkpointPrefix namespaces threshold state keys in the shared
// database.
const checkpointPrefix = "threshold/state/"

// Checkpoint persists threshold states to an embedded BadgerDB so a
// restarted service resumes from its learned values instead of the
// configured defaults.
//
// # Thread Safety
//
// Safe for concurrent use; the underlying DB serializes transactions.
type Checkpoint struct {
	db *badger.DB
}

// NewCheckpoint wraps an open database.
func NewCheckpoint(db *badger.DB) *Checkpoint {
	return &Checkpoint{db: db}
}

// Save writes every state as one JSON value per threshold key.
func (c *Checkpoint) Save(ctx context.Context, states map[string]State) error {
	return c.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		for key, st := range states {
			buf, err := json.Marshal(st)
			if err != nil {
				return fmt.Errorf("marshal threshold %s: %w", key, err)
			}
			if err := txn.Set([]byte(checkpointPrefix+key), buf); err != nil {
				return fmt.Errorf("set threshold %s: %w", key, err)
			}
		}
		return nil
	})
}

// Load reads all persisted states. A missing or empty checkpoint
// returns an empty map, not an error.
func (c *Checkpoint) Load(ctx context.Context) (map[string]State, error) {
	states := make(map[string]State)
	err := c.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(checkpointPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())[len(checkpointPrefix):]
			err := item.Value(func(val []byte) error {
				var st State
				if err := json.Unmarshal(val, &st); err != nil {
					return fmt.Errorf("unmarshal threshold %s: %w", key, err)
				}
				states[key] = st
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, err
	}
	return states, nil
}

// Restore loads persisted states and applies them to the store,
// keeping configured definitions and bounds but resuming learned
// values and reward histories. Returns how many thresholds were
// restored.
func Restore(ctx context.Context, ckpt *Checkpoint, store *Store) (int, error) {
	saved, err := ckpt.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load threshold checkpoint: %w", err)
	}
	if len(saved) == 0 {
		return 0, nil
	}

	current := store.Snapshot()
	updates := make(map[string]State, len(saved))
	for key, st := range saved {
		base, known := current[key]
		if !known {
			continue // definition removed from config
		}
		base.Value = st.Value
		base.Rewards = st.Rewards
		base.LastUpdated = st.LastUpdated
		updates[key] = base
	}
	store.Apply(updates)
	return len(updates), nil
}
