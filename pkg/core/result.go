package core

import (
	"time"

	"github.com/devicelab-dev/screenpulse/pkg/flow"
)

// RunState classifies how a flow run ended.
type RunState string

// Run states.
const (
	RunCompleted       RunState = "completed"        // every step succeeded
	RunFailedStopped   RunState = "failed_stopped"   // a step failed and the run aborted
	RunFailedContinued RunState = "failed_continued" // a step failed but the run carried on to the end
	RunTimedOut        RunState = "timed_out"        // the flow timeout expired mid-run
)

// Success returns true if the state represents a fully successful run.
func (s RunState) Success() bool {
	return s == RunCompleted
}

// ExecutionResult captures the complete outcome of executing a flow once.
// Created fresh per run; the executor folds it into the flow's statistics
// and the monitor's history, after which it is discarded.
type ExecutionResult struct {
	// Identity
	RunID    string `json:"run_id"`
	FlowID   string `json:"flow_id"`
	FlowName string `json:"flow_name,omitempty"`
	DeviceID string `json:"device_id"`

	// Status
	State   RunState `json:"state"`
	Success bool     `json:"success"`

	// Step accounting. ExecutedSteps counts steps that completed
	// successfully; FailedStep is the index of the first failure, -1 when
	// every step passed.
	ExecutedSteps int `json:"executed_steps"`
	TotalSteps    int `json:"total_steps"`
	FailedStep    int `json:"failed_step"`

	// Captured sensor values by sensor identity
	Values map[string]any `json:"values,omitempty"`

	// Error info (if the run failed)
	Error string `json:"error,omitempty"`

	// Timing
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// NewResult creates an empty result for one run of the given flow.
func NewResult(f *flow.Flow, runID string, startedAt time.Time) *ExecutionResult {
	return &ExecutionResult{
		RunID:      runID,
		FlowID:     f.ID,
		FlowName:   f.Name,
		DeviceID:   f.DeviceID,
		TotalSteps: len(f.Steps),
		FailedStep: -1,
		Values:     make(map[string]any),
		StartedAt:  startedAt,
	}
}

// FailureResult creates a result for a run that never reached the
// executor, e.g. when the device is not registered or the executor
// panicked.
func FailureResult(f *flow.Flow, msg string) *ExecutionResult {
	r := NewResult(f, "", time.Now())
	r.State = RunFailedStopped
	r.Error = msg
	return r
}
