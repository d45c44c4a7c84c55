package core

import (
	"errors"
	"fmt"

	"github.com/devicelab-dev/screenpulse/pkg/flow"
)

// Predefined errors for fixed failure conditions.
var (
	// ErrDeviceBusy means the device lock could not be acquired. Not an
	// execution failure: another flow is simply mid-run and the caller
	// decides whether to skip or re-queue.
	ErrDeviceBusy = errors.New("device busy")

	// ErrUnknownStep marks a step kind the executor cannot dispatch. A
	// configuration error: fatal for the run, never retried.
	ErrUnknownStep = errors.New("unknown step kind")

	// ErrFlowTimeout means the flow's wall-clock budget expired mid-run.
	ErrFlowTimeout = errors.New("flow timeout exceeded")

	// ErrValidationMismatch means no element in the UI hierarchy matched
	// the expected attributes. Eligible for step-level retry.
	ErrValidationMismatch = errors.New("no element matches expected attributes")

	// ErrNoScreenshot means capture_sensors ran before any step produced
	// a working screenshot.
	ErrNoScreenshot = errors.New("no working screenshot available")

	// ErrDeviceNotFound means no device with the given identity is
	// registered.
	ErrDeviceNotFound = errors.New("device not registered")

	// ErrFlowNotFound means the store holds no record for the flow.
	ErrFlowNotFound = errors.New("flow not found")
)

// StepError records a step that exhausted its retry budget. The cause is
// the last attempt's failure.
type StepError struct {
	Index    int
	StepType flow.StepType
	Attempts int
	Cause    error
}

// Error implements the error interface
func (e *StepError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("step %d (%s) failed after %d attempts: %v", e.Index, e.StepType, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("step %d (%s) failed: %v", e.Index, e.StepType, e.Cause)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *StepError) Unwrap() error {
	return e.Cause
}
