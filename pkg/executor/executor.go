// Package executor runs a flow's steps against an already-locked device.
package executor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/devicelab-dev/screenpulse/pkg/core"
	"github.com/devicelab-dev/screenpulse/pkg/flow"
	"github.com/devicelab-dev/screenpulse/pkg/stitcher"
)

// Config configures flow execution.
type Config struct {
	// RetryDelay is the fixed pause between failed step attempts.
	RetryDelay time.Duration
	// SettleDelay is the wait after an interaction step before the screen
	// is re-captured.
	SettleDelay time.Duration
	// ArtifactsDir stores failure screenshots and hierarchy dumps. Empty
	// disables artifact capture.
	ArtifactsDir string
	// Stitch provides defaults for scrollCapture steps.
	Stitch stitcher.Options
}

// Executor executes flows. The scheduler guarantees that only one flow
// runs per device; the executor itself does no locking.
type Executor struct {
	config    Config
	stitcher  *stitcher.Stitcher
	extractor core.Extractor
	publisher core.Publisher
	store     core.FlowStore
	logger    hclog.Logger
}

// New creates an Executor. extractor, publisher, and store may be nil:
// captureSensors steps then fail, publishing and stats persistence are
// skipped respectively.
func New(cfg Config, extractor core.Extractor, publisher core.Publisher, store core.FlowStore, logger hclog.Logger) *Executor {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	return &Executor{
		config:    cfg,
		stitcher:  stitcher.New(logger),
		extractor: extractor,
		publisher: publisher,
		store:     store,
		logger:    logger.Named("executor"),
	}
}

// Execute runs all steps of f against dev and returns the result. Errors
// are reported through the result, never as a second return: a flow run
// always produces exactly one ExecutionResult and one statistics update.
func (e *Executor) Execute(ctx context.Context, dev core.Device, f *flow.Flow) *core.ExecutionResult {
	runID := uuid.NewString()
	result := core.NewResult(f, runID, time.Now())

	fr := &flowRun{
		ctx:    ctx,
		exec:   e,
		dev:    dev,
		flow:   f,
		result: result,
	}
	if f.FlowTimeout > 0 {
		fr.deadline = result.StartedAt.Add(f.FlowTimeout)
	}
	fr.run()

	result.Duration = time.Since(result.StartedAt)
	e.applyStats(f, result)

	e.logger.Info("flow finished",
		"flow", f.ID,
		"device", f.DeviceID,
		"run", runID,
		"state", result.State,
		"steps", fmt.Sprintf("%d/%d", result.ExecutedSteps, result.TotalSteps),
		"duration", result.Duration)
	return result
}

// applyStats updates the flow's statistics exactly once per run and
// persists them. The run context may already be expired, so persistence
// uses its own deadline.
func (e *Executor) applyStats(f *flow.Flow, result *core.ExecutionResult) {
	f.RecordResult(result.Success, result.Error, result.StartedAt)
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.SaveStats(ctx, f); err != nil {
		e.logger.Warn("failed to persist flow stats", "flow", f.ID, "error", err)
	}
}

// flowRun carries the state of one execution: the step cursor, the
// working screenshot, and the result being built.
type flowRun struct {
	ctx    context.Context
	exec   *Executor
	dev    core.Device
	flow   *flow.Flow
	result *core.ExecutionResult

	// deadline is the flow's wall-clock budget, zero when unlimited. It
	// is enforced between steps only; a step in flight is bounded by its
	// own transport timeouts, not by this.
	deadline time.Time

	// screen is the working screenshot, refreshed by interaction steps
	// and replaced wholesale by scrollCapture.
	screen image.Image
}

func (fr *flowRun) run() {
	for i, step := range fr.flow.Steps {
		if fr.ctx.Err() != nil {
			fr.abortCanceled(i)
			return
		}
		if !fr.deadline.IsZero() && time.Now().After(fr.deadline) {
			fr.abortTimeout(i)
			return
		}

		err := fr.executeStepWithRetry(i, step)
		if err == nil {
			fr.result.ExecutedSteps++
			continue
		}

		// A step that failed because the run was canceled underneath it
		// aborts the run rather than counting as a step failure.
		if fr.ctx.Err() != nil {
			fr.abortCanceled(i)
			return
		}

		fr.recordFailure(i, step, err)
		if fr.flow.StopOnError {
			fr.result.State = core.RunFailedStopped
			return
		}
	}

	if fr.result.FailedStep >= 0 {
		fr.result.State = core.RunFailedContinued
		return
	}
	fr.result.State = core.RunCompleted
	fr.result.Success = true
}

// abortCanceled finalizes the run after outside cancellation at step idx.
func (fr *flowRun) abortCanceled(idx int) {
	if fr.result.FailedStep < 0 {
		fr.result.FailedStep = idx
	}
	fr.result.State = core.RunFailedStopped
	if fr.result.Error == "" {
		fr.result.Error = "execution canceled"
	}
}

// abortTimeout finalizes the run when the flow budget ran out before
// step idx.
func (fr *flowRun) abortTimeout(idx int) {
	if fr.result.FailedStep < 0 {
		fr.result.FailedStep = idx
	}
	fr.result.State = core.RunTimedOut
	if fr.result.Error == "" {
		fr.result.Error = core.ErrFlowTimeout.Error()
	}
}

// recordFailure notes a step failure; the first one fixes the failure
// point and the recorded error.
func (fr *flowRun) recordFailure(idx int, step flow.Step, err error) {
	if fr.result.FailedStep < 0 {
		fr.result.FailedStep = idx
		fr.result.Error = err.Error()
	}
	fr.exec.logger.Error("step failed",
		"flow", fr.flow.ID,
		"step", idx,
		"type", step.Type(),
		"error", err)
	fr.saveFailureArtifacts(idx)
}

// executeStepWithRetry runs one step up to its attempt budget with a
// fixed pause between attempts. Unknown step kinds fail immediately.
func (fr *flowRun) executeStepWithRetry(idx int, step flow.Step) error {
	maxAttempts := step.MaxAttempts()

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(fr.ctx, fr.exec.config.RetryDelay); err != nil {
				break
			}
			fr.exec.logger.Debug("retrying step",
				"flow", fr.flow.ID, "step", idx, "attempt", attempt)
		}

		attempts = attempt
		err := fr.executeStep(step)
		if err == nil {
			if attempt > 1 {
				fr.exec.logger.Info("step recovered",
					"flow", fr.flow.ID, "step", idx, "attempt", attempt)
			}
			return nil
		}
		lastErr = err

		if errors.Is(err, core.ErrUnknownStep) || fr.ctx.Err() != nil {
			break
		}
		if maxAttempts > 1 {
			fr.exec.logger.Warn("step attempt failed",
				"flow", fr.flow.ID, "step", idx, "attempt", attempt, "error", err)
		}
	}

	return &core.StepError{
		Index:    idx,
		StepType: step.Type(),
		Attempts: attempts,
		Cause:    lastErr,
	}
}

// executeStep performs one attempt of one step.
func (fr *flowRun) executeStep(step flow.Step) error {
	switch s := step.(type) {
	case *flow.LaunchAppStep:
		return fr.interact(func() error { return fr.dev.LaunchApp(fr.ctx, s.AppID) })
	case *flow.WaitStep:
		return sleepCtx(fr.ctx, s.Duration())
	case *flow.TapStep:
		return fr.interact(func() error { return fr.tap(s) })
	case *flow.SwipeStep:
		return fr.interact(func() error { return fr.swipe(s) })
	case *flow.TextInputStep:
		return fr.interact(func() error { return fr.dev.InputText(fr.ctx, s.Text) })
	case *flow.KeyEventStep:
		return fr.interact(func() error { return fr.dev.PressKey(fr.ctx, s.Key) })
	case *flow.ExecuteActionStep:
		return fr.interact(func() error { return fr.dev.ExecuteAction(fr.ctx, s.Action, s.Params) })
	case *flow.GoHomeStep:
		return fr.interact(func() error { return fr.dev.GoHome(fr.ctx) })
	case *flow.CaptureSensorsStep:
		return fr.captureSensors(s)
	case *flow.ValidateScreenStep:
		return fr.validateScreen(s)
	case *flow.ScrollCaptureStep:
		return fr.scrollCapture(s)
	case *flow.ConditionalStep:
		return fr.conditional(s)
	default:
		return fmt.Errorf("%w: %s", core.ErrUnknownStep, step.Type())
	}
}

// interact runs a device interaction and refreshes the working screenshot
// once the screen settles.
func (fr *flowRun) interact(op func() error) error {
	if err := op(); err != nil {
		return err
	}
	if err := sleepCtx(fr.ctx, fr.exec.config.SettleDelay); err != nil {
		return err
	}
	screen, err := fr.dev.CaptureScreen(fr.ctx)
	if err != nil {
		return fmt.Errorf("failed to capture screenshot: %w", err)
	}
	fr.screen = screen
	return nil
}

// captureSensors extracts values from the working screenshot. It never
// re-captures: the screenshot must come from a preceding interaction or
// scrollCapture step. Each value is published as soon as it is read so
// partial progress survives later step failures.
func (fr *flowRun) captureSensors(s *flow.CaptureSensorsStep) error {
	if fr.screen == nil {
		return core.ErrNoScreenshot
	}
	if fr.exec.extractor == nil {
		return errors.New("no sensor extractor configured")
	}

	for _, sensorID := range s.Sensors {
		value, err := fr.exec.extractor.Extract(fr.ctx, fr.screen, sensorID)
		if err != nil {
			return fmt.Errorf("failed to extract sensor %q: %w", sensorID, err)
		}
		fr.result.Values[sensorID] = value

		if fr.exec.publisher == nil {
			continue
		}
		if err := fr.exec.publisher.Publish(fr.ctx, fr.flow.DeviceID, sensorID, value); err != nil {
			fr.exec.logger.Warn("failed to publish sensor value",
				"device", fr.flow.DeviceID, "sensor", sensorID, "error", err)
		}
	}
	return nil
}

// validateScreen checks that some element carries every expected
// attribute. Extra attributes on the element are ignored.
func (fr *flowRun) validateScreen(s *flow.ValidateScreenStep) error {
	root, err := fr.dev.UIHierarchy(fr.ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch hierarchy: %w", err)
	}
	if root.FindMatch(s.Expect) == nil {
		return core.ErrValidationMismatch
	}
	return nil
}

// scrollCapture stitches the scrollable view and makes the stitched image
// the working screenshot for the rest of the flow.
func (fr *flowRun) scrollCapture(s *flow.ScrollCaptureStep) error {
	opts := fr.exec.config.Stitch
	if s.MaxScrolls > 0 {
		opts.MaxScrolls = s.MaxScrolls
	}
	if s.ScrollRatio > 0 {
		opts.ScrollRatio = s.ScrollRatio
	}
	if s.OverlapRatio > 0 {
		opts.OverlapRatio = s.OverlapRatio
	}

	res, err := fr.exec.stitcher.Capture(fr.ctx, fr.dev, opts)
	if err != nil {
		return err
	}
	fr.screen = res.Image
	fr.exec.logger.Debug("scroll capture done",
		"flow", fr.flow.ID,
		"scrolls", res.Scrolls,
		"height", res.FinalHeight,
		"bottom", res.BottomReached)
	return nil
}

// conditional evaluates the visibility condition and runs one branch. The
// whole step counts once toward the flow regardless of branch length.
func (fr *flowRun) conditional(s *flow.ConditionalStep) error {
	root, err := fr.dev.UIHierarchy(fr.ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch hierarchy: %w", err)
	}

	branch := s.Else
	if root.FindMatch(s.When.Visible) != nil {
		branch = s.Then
	}

	for _, nested := range branch {
		if err := fr.ctx.Err(); err != nil {
			return err
		}
		if err := fr.executeNestedStep(nested); err != nil {
			return err
		}
	}
	return nil
}

// executeNestedStep runs a branch step with its own retry budget.
func (fr *flowRun) executeNestedStep(step flow.Step) error {
	maxAttempts := step.MaxAttempts()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(fr.ctx, fr.exec.config.RetryDelay); err != nil {
				break
			}
		}
		err := fr.executeStep(step)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, core.ErrUnknownStep) || fr.ctx.Err() != nil {
			break
		}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
