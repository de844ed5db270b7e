// Copyright (C) 2025 StillMe Project (anhmtk)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// validatord validates RAG answers against their retrieved context
// and tunes its own check thresholds from observed outcomes.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/anhmtk/stillme-validation/cmd/validatord/config"
	"github.com/anhmtk/stillme-validation/pkg/logging"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	configPath   string
	logLevelFlag string
	metricsAddr  string
	cfg          config.Config
	logger       *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "validatord",
	Short: "StillMe answer validation engine",
	Long: `validatord runs draft RAG answers through a dependency-ordered chain
of anti-hallucination checks, repairs what it can, and falls back to an
honest "I don't know" when the evidence does not support the draft.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if logLevelFlag != "" {
			cfg.Logging.Level = logLevelFlag
		}
		if metricsAddr != "" {
			cfg.Metrics.Addr = metricsAddr
		}
		logger = logging.New(logging.Config{
			Level:   logging.ParseLevel(cfg.Logging.Level),
			LogDir:  cfg.Logging.Dir,
			Service: "validatord",
			JSON:    cfg.Logging.JSON,
			Quiet:   cfg.Logging.Quiet,
		})
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Close()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the validatord version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("validatord %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "path to the validatord config file")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "override the configured log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(optimizeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
