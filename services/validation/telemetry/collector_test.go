// Copyright (C) 2025 StillMe Project (anhmtk)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(traceID string) Record {
	return Record{
		Timestamp:       time.Now().UTC(),
		TraceID:         traceID,
		Passed:          true,
		ReasonCodes:     []string{},
		Checks:          []string{"citation_check"},
		ContextDocCount: 2,
		AvgSimilarity:   0.8,
		ElapsedMS:       12,
		Category:        "general",
	}
}

func TestFileSink_AppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics", "validation.jsonl")
	sink, err := NewFileSink(path)
	require.NoError(t, err, "sink must create parent directories")

	require.NoError(t, sink.Append(context.Background(), testRecord("t-1")))
	require.NoError(t, sink.Append(context.Background(), testRecord("t-2")))
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec), "every line must be valid JSON")
		ids = append(ids, rec.TraceID)
	}
	assert.Equal(t, []string{"t-1", "t-2"}, ids, "append-only, in order")
}

func TestCollector_WritesThrough(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.jsonl")
	sink, err := NewFileSink(path)
	require.NoError(t, err)

	c := NewCollector(sink, Options{QueueSize: 8})
	for i := 0; i < 5; i++ {
		c.Record(testRecord(fmt.Sprintf("t-%d", i)))
	}
	require.NoError(t, c.Close())

	records, skipped, err := ReadLog(path, 0)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	assert.Len(t, records, 5)
	assert.EqualValues(t, 5, c.Total())
}

// failingSink fails every Append until unblocked.
type failingSink struct {
	mu      sync.Mutex
	healthy bool
	writes  []Record
}

func (s *failingSink) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.healthy {
		return errors.New("sink unavailable")
	}
	s.writes = append(s.writes, rec)
	return nil
}

func (s *failingSink) Close() error { return nil }

func (s *failingSink) setHealthy(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = v
}

func (s *failingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func TestCollector_RetriesFailedWrites(t *testing.T) {
	sink := &failingSink{}
	c := NewCollector(sink, Options{
		QueueSize:     4,
		RetryInterval: 20 * time.Millisecond,
	})

	c.Record(testRecord("t-1"))
	c.Record(testRecord("t-2"))

	// Give the writer time to fail both records into the retry buffer.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, sink.count(), "unhealthy sink must receive nothing durable")

	sink.setHealthy(true)
	assert.Eventually(t, func() bool { return sink.count() == 2 },
		2*time.Second, 10*time.Millisecond,
		"records must be flushed once the sink recovers")

	require.NoError(t, c.Close())
	assert.Equal(t, 2, sink.count(), "no duplicates after close")
}

func TestCollector_RecentWindow(t *testing.T) {
	sink := &failingSink{healthy: true}
	c := NewCollector(sink, Options{RingSize: 3})
	defer c.Close()

	for i := 0; i < 5; i++ {
		c.Record(testRecord(fmt.Sprintf("t-%d", i)))
	}

	recent := c.Recent(10)
	require.Len(t, recent, 3, "ring keeps only the newest RingSize records")
	assert.Equal(t, "t-2", recent[0].TraceID)
	assert.Equal(t, "t-4", recent[2].TraceID)

	two := c.Recent(2)
	require.Len(t, two, 2)
	assert.Equal(t, "t-4", two[1].TraceID, "newest last")
}

func TestReadLog_SkipsTornLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.jsonl")
	sink, err := NewFileSink(path)
	require.NoError(t, err)
	require.NoError(t, sink.Append(context.Background(), testRecord("t-1")))
	require.NoError(t, sink.Close())

	// Simulate a crash mid-append.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"trace_id":"torn`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	records, skipped, err := ReadLog(path, 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, 1, skipped)
}

func TestSliceSource_Recent(t *testing.T) {
	src := SliceSource{testRecord("a"), testRecord("b"), testRecord("c")}

	assert.Len(t, src.Recent(0), 3, "non-positive n returns everything")
	assert.Len(t, src.Recent(10), 3)

	last := src.Recent(2)
	require.Len(t, last, 2)
	assert.Equal(t, "b", last[0].TraceID)
	assert.Equal(t, "c", last[1].TraceID)
}
