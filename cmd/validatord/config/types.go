// Copyright (C) 2025 StillMe Project (anhmtk)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config defines and loads the validatord YAML configuration.
package config

import (
	"time"

	"github.com/anhmtk/stillme-validation/services/validation/threshold"
)

// Config is the root validatord configuration.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Engine    EngineConfig    `yaml:"engine"`
	LLM       LLMConfig       `yaml:"llm"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Storage   StorageConfig   `yaml:"storage"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Metrics   MetricsConfig   `yaml:"metrics"`

	// Thresholds declares the tunable thresholds the optimizer may
	// adjust. Checks fall back to their built-in defaults for any
	// threshold not declared here.
	Thresholds []threshold.Definition `yaml:"thresholds" validate:"dive"`
}

// LoggingConfig controls the shared logger.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Dir    string `yaml:"dir"`
	JSON   bool   `yaml:"json"`
	Quiet  bool   `yaml:"quiet"`
	Source string `yaml:"-"`
}

// EngineConfig tunes the validation engine.
type EngineConfig struct {
	MaxWorkers     int           `yaml:"max_workers" validate:"omitempty,min=1,max=64"`
	CheckTimeout   time.Duration `yaml:"check_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Checks enables or disables individual checks by name. A check
	// absent from the map stays enabled; config reload re-applies the
	// map to the running engine.
	Checks map[string]bool `yaml:"checks"`
}

// LLMConfig configures the optional consensus arbiter. APIKeyEnv
// names an environment variable; the key itself never appears in the
// file.
type LLMConfig struct {
	Enabled           bool    `yaml:"enabled"`
	BaseURL           string  `yaml:"base_url" validate:"omitempty,url"`
	Model             string  `yaml:"model" validate:"required_if=Enabled true"`
	APIKeyEnv         string  `yaml:"api_key_env"`
	MaxTokens         int     `yaml:"max_tokens" validate:"omitempty,min=1"`
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"omitempty,gt=0"`
}

// TelemetryConfig configures the outcome collector.
type TelemetryConfig struct {
	LogPath   string `yaml:"log_path"`
	QueueSize int    `yaml:"queue_size" validate:"omitempty,min=1"`
}

// StorageConfig configures the embedded checkpoint database.
type StorageConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// OptimizerConfig configures the background threshold optimizer.
type OptimizerConfig struct {
	Enabled       bool                    `yaml:"enabled"`
	EpochInterval time.Duration           `yaml:"epoch_interval"`
	StepFraction  float64                 `yaml:"step_fraction" validate:"omitempty,gt=0,lt=1"`
	Weights       threshold.RewardWeights `yaml:"weights"`
}

// MetricsConfig configures the Prometheus scrape endpoint. An empty
// Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "~/.stillme/logs",
		},
		Engine: EngineConfig{
			MaxWorkers:     4,
			CheckTimeout:   2 * time.Second,
			RequestTimeout: 15 * time.Second,
			Checks: map[string]bool{
				"identity_check":    true,
				"language_check":    true,
				"citation_check":    true,
				"consensus_check":   true,
				"overlap_check":     true,
				"uncertainty_check": true,
			},
		},
		LLM: LLMConfig{
			BaseURL:   "http://localhost:11434/v1",
			APIKeyEnv: "STILLME_LLM_API_KEY",
			MaxTokens: 256,
		},
		Telemetry: TelemetryConfig{
			LogPath:   "~/.stillme/validation_metrics.jsonl",
			QueueSize: 256,
		},
		Storage: StorageConfig{
			Path: "~/.stillme/threshold_db",
		},
		Optimizer: OptimizerConfig{
			Enabled:       true,
			EpochInterval: 1 * time.Minute,
			StepFraction:  0.05,
			Weights:       threshold.DefaultRewardWeights(),
		},
		Thresholds: []threshold.Definition{
			{Check: "citation_check", Name: "min_similarity_for_citation", Default: 0.4, Bounds: threshold.Bounds{Min: 0.2, Max: 0.8}},
			{Check: "overlap_check", Name: "min_overlap", Default: 0.25, Bounds: threshold.Bounds{Min: 0.1, Max: 0.6}},
			{Check: "overlap_check", Name: "borderline_ratio", Default: 0.7, Bounds: threshold.Bounds{Min: 0.5, Max: 0.95}},
			{Check: "consensus_check", Name: "conflict_confidence", Default: 0.75, Bounds: threshold.Bounds{Min: 0.5, Max: 0.95}},
		},
	}
}
