// Copyright (C) 2025 StillMe Project (anhmtk)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/anhmtk/stillme-validation/cmd/validatord/config"
	"github.com/anhmtk/stillme-validation/pkg/telemetry"
	"github.com/anhmtk/stillme-validation/services/llm"
	"github.com/anhmtk/stillme-validation/services/validation"
	vtelemetry "github.com/anhmtk/stillme-validation/services/validation/telemetry"
	"github.com/anhmtk/stillme-validation/services/validation/threshold"
)

var (
	validateInput  string
	validatePretty bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Run one draft answer through the validation chain",
	Long: `Reads a validation request as JSON from a file or stdin, runs the
full check chain, and prints the chain result as JSON on stdout.

The request shape:

  {
    "draft_answer": "...",
    "context_documents": [{"text": "...", "source_id": "...", "similarity_score": 0.8}],
    "user_question": "...",
    "language": "en"
  }`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVarP(&validateInput, "input", "i", "-", "request JSON file, or - for stdin")
	validateCmd.Flags().BoolVar(&validatePretty, "pretty", false, "indent the result JSON")
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "stillme-validation",
		ServiceVersion: Version,
		TraceExporter:  "none",
		MetricExporter: "none",
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer shutdown(context.Background())

	req, err := readRequest(validateInput)
	if err != nil {
		return err
	}

	store, err := threshold.NewStore(cfg.Thresholds)
	if err != nil {
		return fmt.Errorf("build threshold store: %w", err)
	}
	if restored, err := restoreThresholds(ctx, store); err != nil {
		logger.Warn("threshold restore failed, using defaults", "error", err)
	} else if restored > 0 {
		logger.Info("restored learned thresholds", "count", restored)
	}

	collector, closeCollector, err := newCollector()
	if err != nil {
		return err
	}
	defer closeCollector()

	engine, err := validation.NewEngine(
		validation.Config{
			MaxWorkers:     cfg.Engine.MaxWorkers,
			CheckTimeout:   cfg.Engine.CheckTimeout,
			RequestTimeout: cfg.Engine.RequestTimeout,
		},
		enabledChecks(cfg),
		validation.WithThresholdReader(store),
		validation.WithRecorder(collector),
		validation.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	result := engine.Validate(ctx, req)
	return printJSON(result)
}

// readRequest parses a ValidationRequest from a file or stdin.
func readRequest(input string) (*validation.ValidationRequest, error) {
	var data []byte
	var err error
	if input == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(input)
	}
	if err != nil {
		return nil, fmt.Errorf("read request: %w", err)
	}

	var req validation.ValidationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parse request JSON: %w", err)
	}
	return &req, nil
}

// newArbiterFrom builds the consensus LLM client, or nil when
// disabled.
func newArbiterFrom(c config.LLMConfig) llm.Client {
	if !c.Enabled {
		return nil
	}
	client, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:            os.Getenv(c.APIKeyEnv),
		BaseURL:           c.BaseURL,
		Model:             c.Model,
		MaxTokens:         c.MaxTokens,
		RequestsPerSecond: c.RequestsPerSecond,
	})
	if err != nil {
		logger.Warn("LLM arbiter disabled", "error", err)
		return nil
	}
	return client
}

// newCollector builds the file-backed telemetry collector.
func newCollector() (*vtelemetry.Collector, func(), error) {
	logPath, err := expandHome(cfg.Telemetry.LogPath)
	if err != nil {
		return nil, nil, err
	}
	sink, err := vtelemetry.NewFileSink(logPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open metrics log: %w", err)
	}
	collector := vtelemetry.NewCollector(sink, vtelemetry.Options{
		QueueSize: cfg.Telemetry.QueueSize,
		Logger:    logger,
	})
	return collector, func() {
		if err := collector.Close(); err != nil {
			logger.Warn("collector close", "error", err)
		}
	}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	if validatePretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
