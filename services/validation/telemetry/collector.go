// Copyright (C) 2025 StillMe Project (anhmtk)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package telemetry records validation chain outcomes.
//
// The collector appends one Record per completed chain to a durable
// append-only sink (one self-describing JSON document per line), keeps an
// in-memory ring of recent records for the threshold optimizer, and never
// blocks the request path beyond a small fixed budget. Records that cannot
// be written immediately are buffered and retried rather than dropped;
// drops can only happen at Close and are counted and logged.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anhmtk/stillme-validation/pkg/logging"
)

// Record is the audit entry for one completed validation chain.
// Records are immutable once handed to the collector; the collector and
// all readers treat them as values.
type Record struct {
	// Timestamp is when the chain completed.
	Timestamp time.Time `json:"timestamp"`

	// TraceID correlates with logs and spans.
	TraceID string `json:"trace_id"`

	// Passed is the chain verdict.
	Passed bool `json:"passed"`

	// ReasonCodes are the chain's aggregated reason codes as strings.
	ReasonCodes []string `json:"reason_codes,omitempty"`

	// Checks names the checks that executed, declaration order.
	Checks []string `json:"checks,omitempty"`

	// ContextDocCount is the number of retrieved documents.
	ContextDocCount int `json:"context_doc_count"`

	// AvgSimilarity is the mean retrieval similarity, 0 with no docs.
	AvgSimilarity float64 `json:"avg_similarity"`

	// ElapsedMS is the chain wall time in milliseconds.
	ElapsedMS int64 `json:"elapsed_ms"`

	// UsedFallback is true when the draft was replaced wholesale.
	UsedFallback bool `json:"used_fallback"`

	// Category is the classified question category.
	Category string `json:"category,omitempty"`
}

// Sink is the durable destination for records.
type Sink interface {
	// Append durably writes one record. Must be safe for use from the
	// collector's single writer goroutine.
	Append(ctx context.Context, rec Record) error

	// Close releases sink resources.
	Close() error
}

// FileSink appends records to a JSONL file, one record per line. The file
// is independently readable for offline analysis.
type FileSink struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// NewFileSink opens (or creates) the JSONL log at path, creating parent
// directories as needed.
func NewFileSink(path string) (*FileSink, error) {
	if path == "" {
		return nil, fmt.Errorf("sink path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create metrics log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("open metrics log %s: %w", path, err)
	}
	return &FileSink{path: path, f: f}, nil
}

// Append writes one record as a JSON line.
func (s *FileSink) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("sink closed")
	}
	if _, err := s.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

// Close syncs and closes the log file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Sync()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	s.f = nil
	return err
}

// Path returns the log file path.
func (s *FileSink) Path() string { return s.path }

// Collector configuration defaults.
const (
	// defaultQueueSize bounds the async record queue.
	defaultQueueSize = 256

	// defaultEnqueueBudget is the longest Record may block the caller
	// when the queue is full.
	defaultEnqueueBudget = 5 * time.Millisecond

	// defaultRetryInterval is how often failed sink writes are retried.
	defaultRetryInterval = 2 * time.Second

	// defaultRingSize is the in-memory window kept for the optimizer.
	defaultRingSize = 512
)

// Options tunes the collector. Zero values take the defaults above.
type Options struct {
	QueueSize     int
	EnqueueBudget time.Duration
	RetryInterval time.Duration
	RingSize      int
	Logger        *logging.Logger
}

// Collector receives chain outcomes and persists them without blocking
// validation callers.
//
// Thread Safety: safe for concurrent use. A single internal goroutine
// owns the sink; Record may be called from any goroutine.
type Collector struct {
	sink   Sink
	queue  chan Record
	budget time.Duration
	logger *logging.Logger

	retryInterval time.Duration

	mu      sync.Mutex
	retry   []Record // records whose sink write failed, oldest first
	ring    []Record // recent records for the optimizer
	ringCap int
	total   uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewCollector creates and starts a collector writing to sink.
func NewCollector(sink Sink, opts Options) *Collector {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.EnqueueBudget <= 0 {
		opts.EnqueueBudget = defaultEnqueueBudget
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	if opts.RingSize <= 0 {
		opts.RingSize = defaultRingSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}

	c := &Collector{
		sink:          sink,
		queue:         make(chan Record, opts.QueueSize),
		budget:        opts.EnqueueBudget,
		retryInterval: opts.RetryInterval,
		ringCap:       opts.RingSize,
		logger:        opts.Logger,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go c.run()
	return c
}

// Record enqueues one chain outcome. It blocks at most the configured
// enqueue budget; when the queue stays full the record is parked in the
// retry buffer instead of being dropped.
func (c *Collector) Record(rec Record) {
	c.addToRing(rec)

	select {
	case c.queue <- rec:
		return
	default:
	}

	timer := time.NewTimer(c.budget)
	defer timer.Stop()
	select {
	case c.queue <- rec:
	case <-timer.C:
		c.mu.Lock()
		c.retry = append(c.retry, rec)
		n := len(c.retry)
		c.mu.Unlock()
		c.logger.Warn("metrics queue full, record parked for retry",
			"trace_id", rec.TraceID, "retry_buffer", n)
	}
}

// Recent returns up to n most recent records, newest last. The returned
// slice is a copy.
func (c *Collector) Recent(n int) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 || n > len(c.ring) {
		n = len(c.ring)
	}
	out := make([]Record, n)
	copy(out, c.ring[len(c.ring)-n:])
	return out
}

// Total returns the number of records accepted so far.
func (c *Collector) Total() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Close flushes the queue and retry buffer, then closes the sink.
// Records that still cannot be written are counted and logged; Close is
// the only point where a record can be lost, and never silently.
func (c *Collector) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done

	lost := 0
	c.mu.Lock()
	pending := c.retry
	c.retry = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, rec := range pending {
		if err := c.sink.Append(ctx, rec); err != nil {
			lost++
		}
	}
	if lost > 0 {
		c.logger.Error("metrics records lost at shutdown", "count", lost)
	}
	return c.sink.Close()
}

func (c *Collector) addToRing(rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total++
	c.ring = append(c.ring, rec)
	if len(c.ring) > c.ringCap {
		c.ring = c.ring[len(c.ring)-c.ringCap:]
	}
}

// run is the single writer goroutine owning the sink.
func (c *Collector) run() {
	defer close(c.done)

	ticker := time.NewTicker(c.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case rec := <-c.queue:
			c.write(rec)
		case <-ticker.C:
			c.flushRetries()
		case <-c.stop:
			// Drain whatever is queued before exiting.
			for {
				select {
				case rec := <-c.queue:
					c.write(rec)
				default:
					c.flushRetries()
					return
				}
			}
		}
	}
}

func (c *Collector) write(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.sink.Append(ctx, rec); err != nil {
		c.mu.Lock()
		c.retry = append(c.retry, rec)
		n := len(c.retry)
		c.mu.Unlock()
		c.logger.Warn("metrics sink unavailable, buffering record",
			"trace_id", rec.TraceID, "retry_buffer", n, "error", err.Error())
	}
}

func (c *Collector) flushRetries() {
	c.mu.Lock()
	pending := c.retry
	c.retry = nil
	c.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var failed []Record
	for i, rec := range pending {
		if err := c.sink.Append(ctx, rec); err != nil {
			// Keep ordering: everything from the first failure on is
			// retried next tick.
			failed = append(failed, pending[i:]...)
			break
		}
	}

	c.mu.Lock()
	c.retry = append(failed, c.retry...)
	c.mu.Unlock()

	if len(failed) == 0 {
		c.logger.Info("metrics retry buffer flushed", "count", len(pending))
	}
}
