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

	"github.com/spf13/cobra"

	"github.com/anhmtk/stillme-validation/pkg/telemetry"
	vtelemetry "github.com/anhmtk/stillme-validation/services/validation/telemetry"
	"github.com/anhmtk/stillme-validation/services/validation/threshold"
)

var (
	optimizeEpochs  int
	optimizeLogPath string
	optimizeDryRun  bool
)

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Tune check thresholds from the recorded outcome log",
	Long: `Replays the validation metrics log through the threshold optimizer
and checkpoints the learned values, so the next validate run starts
from them. --dry-run prints the proposed values without persisting.`,
	RunE: runOptimize,
}

func init() {
	optimizeCmd.Flags().IntVar(&optimizeEpochs, "epochs", 10, "number of optimization epochs to run")
	optimizeCmd.Flags().StringVar(&optimizeLogPath, "log", "", "metrics log to replay (default: telemetry.log_path from config)")
	optimizeCmd.Flags().BoolVar(&optimizeDryRun, "dry-run", false, "propose values without writing a checkpoint")
}

func runOptimize(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	metricExporter := "none"
	if cfg.Metrics.Addr != "" {
		metricExporter = "prometheus"
	}
	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "stillme-validation",
		ServiceVersion: Version,
		TraceExporter:  "none",
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

	logPath := optimizeLogPath
	if logPath == "" {
		logPath, err = expandHome(cfg.Telemetry.LogPath)
		if err != nil {
			return err
		}
	}
	records, skipped, err := vtelemetry.ReadLog(logPath, 0)
	if err != nil {
		return fmt.Errorf("replay metrics log: %w", err)
	}
	if skipped > 0 {
		logger.Warn("skipped malformed metrics lines", "count", skipped)
	}
	if len(records) == 0 {
		return fmt.Errorf("metrics log %s holds no records; run some validations first", logPath)
	}
	logger.Info("replaying outcome window", "records", len(records), "path", logPath)

	store, err := threshold.NewStore(cfg.Thresholds)
	if err != nil {
		return fmt.Errorf("build threshold store: %w", err)
	}

	var ckpt threshold.Checkpointer
	if !optimizeDryRun {
		db, err := openCheckpointDB()
		if err != nil {
			return fmt.Errorf("open threshold database: %w", err)
		}
		defer db.Close()

		checkpoint := threshold.NewCheckpoint(db)
		if restored, err := threshold.Restore(ctx, checkpoint, store); err != nil {
			logger.Warn("threshold restore failed, starting from defaults", "error", err)
		} else if restored > 0 {
			logger.Info("resumed from checkpoint", "thresholds", restored)
		}
		ckpt = checkpoint
	}

	opt := threshold.NewOptimizer(store, vtelemetry.SliceSource(records), ckpt, threshold.OptimizerConfig{
		EpochInterval: cfg.Optimizer.EpochInterval,
		StepFraction:  cfg.Optimizer.StepFraction,
		Weights:       cfg.Optimizer.Weights,
	}, logger.Slog())

	for i := 0; i < optimizeEpochs; i++ {
		opt.Step()
	}
	if !optimizeDryRun {
		opt.Flush(ctx)
	}

	for key, st := range store.Snapshot() {
		fmt.Printf("%-45s %.4f (default %.4f, window %d)\n",
			key, st.Value, st.Definition.Default, len(st.Rewards))
	}
	return nil
}
