// Package flow handles parsing and representation of screen flow YAML files.
package flow

import (
	"sync"
	"time"
)

// Flow represents a parsed flow definition bound to a single device.
type Flow struct {
	ID             string        // Unique flow identity (header id, or file base name)
	Name           string        // Human-readable name
	DeviceID       string        // Device this flow runs on
	UpdateInterval time.Duration // Re-schedule interval; 0 means on-demand only
	FlowTimeout    time.Duration // Wall-clock budget for a whole run; 0 means unlimited
	StopOnError    bool          // Abort the run at the first failed step
	Steps          []Step        // Steps to execute
	SourcePath     string        // Path to the source file
	Source         []byte        // Raw YAML, kept for persistence round-trips

	mu      sync.Mutex
	enabled bool
	stats   Stats
}

// Stats accumulates execution history for a flow. The executor is the only
// writer; it updates stats while still holding the device lock.
type Stats struct {
	ExecutionCount int64     `json:"execution_count"`
	SuccessCount   int64     `json:"success_count"`
	FailureCount   int64     `json:"failure_count"`
	LastExecuted   time.Time `json:"last_executed"`
	LastSuccess    bool      `json:"last_success"`
	LastError      string    `json:"last_error,omitempty"`
}

// Enabled reports whether the flow should still be scheduled and executed.
func (f *Flow) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// SetEnabled marks the flow enabled or disabled. Disabled flows already
// sitting in a queue are discarded when dequeued.
func (f *Flow) SetEnabled(v bool) {
	f.mu.Lock()
	f.enabled = v
	f.mu.Unlock()
}

// Stats returns a copy of the flow's execution statistics.
func (f *Flow) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// RestoreStats replaces the statistics wholesale, used when loading a
// persisted flow record.
func (f *Flow) RestoreStats(s Stats) {
	f.mu.Lock()
	f.stats = s
	f.mu.Unlock()
}

// RecordResult folds one execution outcome into the statistics and returns
// the updated copy. LastError keeps the most recent failure message even
// after later successes.
func (f *Flow) RecordResult(success bool, errMsg string, at time.Time) Stats {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stats.ExecutionCount++
	f.stats.LastExecuted = at
	f.stats.LastSuccess = success
	if success {
		f.stats.SuccessCount++
	} else {
		f.stats.FailureCount++
		if errMsg != "" {
			f.stats.LastError = errMsg
		}
	}
	return f.stats
}
