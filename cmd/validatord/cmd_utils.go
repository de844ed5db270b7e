// Copyright (C) 2025 StillMe Project (anhmtk)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/anhmtk/stillme-validation/cmd/validatord/config"
	"github.com/anhmtk/stillme-validation/pkg/telemetry"
	"github.com/anhmtk/stillme-validation/services/validation"
	"github.com/anhmtk/stillme-validation/services/validation/storage/badger"
	"github.com/anhmtk/stillme-validation/services/validation/threshold"
)

// enabledChecks returns the default check set filtered by the per-check
// enablement map. Checks absent from the map stay enabled.
func enabledChecks(c config.Config) []validation.Check {
	checks := validation.DefaultChecks(newArbiterFrom(c.LLM))
	if len(c.Engine.Checks) == 0 {
		return checks
	}
	out := make([]validation.Check, 0, len(checks))
	for _, check := range checks {
		if enabled, ok := c.Engine.Checks[check.Spec().Name]; ok && !enabled {
			continue
		}
		out = append(out, check)
	}
	return out
}

// serveMetrics starts the Prometheus scrape endpoint and returns a stop
// function. A missing handler (metrics disabled) is a no-op.
func serveMetrics(addr string) func() {
	handler := telemetry.MetricsHandler()
	if handler == nil {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return func() { srv.Close() }
}

// openCheckpointDB opens the embedded threshold database per config.
func openCheckpointDB() (*badger.DB, error) {
	if cfg.Storage.InMemory {
		return badger.OpenInMemory()
	}
	path, err := expandHome(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	bcfg := badger.DefaultConfig()
	bcfg.Path = path
	bcfg.Logger = logger.Slog()
	return badger.Open(bcfg)
}

// restoreThresholds loads learned values from the checkpoint database
// into the store. A missing database is not an error; the store keeps
// its configured defaults.
func restoreThresholds(ctx context.Context, store *threshold.Store) (int, error) {
	if cfg.Storage.InMemory {
		return 0, nil
	}
	path, err := expandHome(cfg.Storage.Path)
	if err != nil {
		return 0, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return 0, nil
	}

	db, err := openCheckpointDB()
	if err != nil {
		return 0, fmt.Errorf("open threshold database: %w", err)
	}
	defer db.Close()

	return threshold.Restore(ctx, threshold.NewCheckpoint(db), store)
}

// expandHome resolves a leading ~ to the user's home directory.
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
