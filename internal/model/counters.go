package model

import "sync/atomic"

// BulkScanJobCounters holds one atomic counter per terminal JobStatus for a
// single bulk scan, plus a running total. Every per-status counter and
// TotalDone are monotonically non-decreasing; TotalDone always equals the
// sum of the per-status counters.
type BulkScanJobCounters struct {
	counters  map[JobStatus]*atomic.Int64
	totalDone atomic.Int64
}

// NewBulkScanJobCounters returns counters seeded at zero for every terminal
// status.
func NewBulkScanJobCounters() *BulkScanJobCounters {
	c := &BulkScanJobCounters{
		counters: make(map[JobStatus]*atomic.Int64, len(AllTerminalStatuses)),
	}
	for _, s := range AllTerminalStatuses {
		c.counters[s] = &atomic.Int64{}
	}
	return c
}

// Increment bumps the counter for status and the running total atomically.
// status must be terminal; a non-terminal status is a programming error and
// is silently ignored (there is nothing to count for TO_BE_EXECUTED).
func (c *BulkScanJobCounters) Increment(status JobStatus) {
	counter, ok := c.counters[status]
	if !ok {
		return
	}
	counter.Add(1)
	c.totalDone.Add(1)
}

// Get returns the current value for status.
func (c *BulkScanJobCounters) Get(status JobStatus) int {
	counter, ok := c.counters[status]
	if !ok {
		return 0
	}
	return int(counter.Load())
}

// TotalDone returns the running total across all statuses.
func (c *BulkScanJobCounters) TotalDone() int {
	return int(c.totalDone.Load())
}

// Snapshot copies the current counter values into a plain map, safe to
// embed into a BulkScan record. Taken after the last increment that
// triggered finalization, so it is consistent at the point of use even
// though the copy itself is non-atomic.
func (c *BulkScanJobCounters) Snapshot() map[JobStatus]int {
	out := make(map[JobStatus]int, len(c.counters))
	for s, counter := range c.counters {
		out[s] = int(counter.Load())
	}
	return out
}
