// Copyright (C) 2025 StillMe Project (anhmtk)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// ReadLog replays a JSONL metrics log into memory, newest records
// last. Malformed lines are skipped and counted rather than failing
// the whole read: a crash mid-append can leave one torn line at the
// tail. limit <= 0 reads everything.
func ReadLog(path string, limit int) ([]Record, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open metrics log: %w", err)
	}
	defer f.Close()

	var (
		records []Record
		skipped int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, skipped, fmt.Errorf("scan metrics log: %w", err)
	}

	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, skipped, nil
}

// SliceSource adapts an in-memory record slice to the optimizer's
// record source. Recent returns the last n records.
type SliceSource []Record

// Recent returns up to n of the newest records.
func (s SliceSource) Recent(n int) []Record {
	if n <= 0 || n >= len(s) {
		out := make([]Record, len(s))
		copy(out, s)
		return out
	}
	out := make([]Record, n)
	copy(out, s[len(s)-n:])
	return out
}
