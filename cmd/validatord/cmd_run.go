// Copyright (C) 2025 StillMe Project (anhmtk)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/anhmtk/stillme-validation/cmd/validatord/config"
	"github.com/anhmtk/stillme-validation/pkg/telemetry"
	"github.com/anhmtk/stillme-validation/services/validation"
	"github.com/anhmtk/stillme-validation/services/validation/threshold"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run as a long-lived validation worker",
	Long: `Reads one validation request per line from stdin and writes one
chain result per line to stdout. While running, the background
optimizer tunes thresholds from live outcomes, the config file is
watched for changes, and Prometheus metrics are served when
metrics.addr is set.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricExporter := "none"
	if cfg.Metrics.Addr != "" {
		metricExporter = "prometheus"
	}
	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "stillme-validation",
		ServiceVersion: Version,
		TraceExporter:  getTraceExporter(),
		MetricExporter: metricExporter,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer shutdown(context.Background())

	if cfg.Metrics.Addr != "" {
		stopMetrics := serveMetrics(cfg.Metrics.Addr)
		defer stopMetrics()
	}

	// Threshold store, restored from the last checkpoint. The
	// database stays open for periodic checkpoints.
	store, err := threshold.NewStore(cfg.Thresholds)
	if err != nil {
		return fmt.Errorf("build threshold store: %w", err)
	}

	db, err := openCheckpointDB()
	if err != nil {
		return fmt.Errorf("open threshold database: %w", err)
	}
	defer db.Close()

	checkpoint := threshold.NewCheckpoint(db)
	if restored, err := threshold.Restore(ctx, checkpoint, store); err != nil {
		logger.Warn("threshold restore failed, using defaults", "error", err)
	} else if restored > 0 {
		logger.Info("restored learned thresholds", "count", restored)
	}

	collector, closeCollector, err := newCollector()
	if err != nil {
		return err
	}
	defer closeCollector()

	if cfg.Optimizer.Enabled {
		opt := threshold.NewOptimizer(store, collector, checkpoint, threshold.OptimizerConfig{
			EpochInterval: cfg.Optimizer.EpochInterval,
			StepFraction:  cfg.Optimizer.StepFraction,
			Weights:       cfg.Optimizer.Weights,
		}, logger.Slog())
		opt.Start()
		defer opt.Stop()
	}

	buildEngine := func(c config.Config) (*validation.Engine, error) {
		return validation.NewEngine(
			validation.Config{
				MaxWorkers:     c.Engine.MaxWorkers,
				CheckTimeout:   c.Engine.CheckTimeout,
				RequestTimeout: c.Engine.RequestTimeout,
			},
			enabledChecks(c),
			validation.WithThresholdReader(store),
			validation.WithRecorder(collector),
			validation.WithLogger(logger),
		)
	}

	var engine atomic.Pointer[validation.Engine]
	initial, err := buildEngine(cfg)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	engine.Store(initial)

	// Live reload swaps the engine; the threshold store and its
	// learned values survive across reloads.
	stopWatch, err := config.Watch(configPath, logger.Slog(), func(next config.Config) {
		rebuilt, err := buildEngine(next)
		if err != nil {
			logger.Warn("config reload kept previous engine", "error", err)
			return
		}
		engine.Store(rebuilt)
	})
	if err != nil {
		logger.Warn("config watch disabled", "error", err)
	} else {
		defer stopWatch()
	}

	logger.Info("validation worker ready")
	return serveLines(ctx, &engine)
}

// serveLines is the stdin/stdout request loop: one JSON request per
// input line, one JSON result per output line.
func serveLines(ctx context.Context, engine *atomic.Pointer[validation.Engine]) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	out := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req validation.ValidationRequest
		if err := json.Unmarshal(line, &req); err != nil {
			logger.Warn("skipping malformed request line", "error", err)
			continue
		}

		result := engine.Load().Validate(ctx, &req)
		if err := out.Encode(result); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
	}
	return scanner.Err()
}

func getTraceExporter() string {
	if v := os.Getenv("OTEL_TRACES_EXPORTER"); v != "" {
		return v
	}
	return "none"
}
