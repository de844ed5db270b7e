// Copyright (C) 2025 StillMe Project (anhmtk)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoad_FirstRunWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "validatord.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)

	_, statErr := os.Stat(path)
	assert.NoError(t, statErr, "first run must create the config file")

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 4, cfg.Engine.MaxWorkers)
	assert.NotEmpty(t, cfg.Thresholds, "defaults declare the tunable thresholds")
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "validatord.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level, "explicit value wins")
	assert.Equal(t, 15*time.Second, cfg.Engine.RequestTimeout, "unset sections keep defaults")
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "validatord.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: loud\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err, "unknown log level must be rejected")
}

func TestLoad_RejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "validatord.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging: [\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "validatord.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644))

	reloaded := make(chan Config, 1)
	stop, err := Watch(path, testLogger(t), func(c Config) {
		select {
		case reloaded <- c:
		default:
		}
	})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644))

	select {
	case c := <-reloaded:
		assert.Equal(t, "debug", c.Logging.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("config change not observed")
	}
}

func TestWatch_InvalidEditKeepsLastGood(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "validatord.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644))

	reloaded := make(chan Config, 1)
	stop, err := Watch(path, testLogger(t), func(c Config) {
		reloaded <- c
	})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: loud\n"), 0o644))

	select {
	case <-reloaded:
		t.Fatal("invalid config must not trigger onChange")
	case <-time.After(500 * time.Millisecond):
	}
}
