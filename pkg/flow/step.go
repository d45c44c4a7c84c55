// Package flow handles parsing and representation of screen flow YAML files.
package flow

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// StepType represents the type of step.
type StepType string

// Step type constants.
const (
	// Navigation & Interaction
	StepLaunchApp     StepType = "launchApp"
	StepWait          StepType = "wait"
	StepTap           StepType = "tap"
	StepSwipe         StepType = "swipe"
	StepTextInput     StepType = "textInput"
	StepKeyEvent      StepType = "keyEvent"
	StepExecuteAction StepType = "executeAction"
	StepGoHome        StepType = "goHome"

	// Capture & Validation
	StepCaptureSensors StepType = "captureSensors"
	StepValidateScreen StepType = "validateScreen"
	StepScrollCapture  StepType = "scrollCapture"

	// Flow Control
	StepConditional StepType = "conditional"
)

// Step is the interface for all flow steps.
type Step interface {
	Type() StepType
	Label() string
	Retryable() bool
	MaxAttempts() int
	Describe() string
}

// BaseStep contains common fields for all steps.
type BaseStep struct {
	StepType       StepType `yaml:"-"`
	StepLabel      string   `yaml:"label"`
	RetryOnFailure bool     `yaml:"retryOnFailure"`
	MaxRetries     int      `yaml:"maxRetries"`
}

// Type returns the step type.
func (b *BaseStep) Type() StepType { return b.StepType }

// Label returns the step label.
func (b *BaseStep) Label() string { return b.StepLabel }

// Retryable returns whether the step retries on failure.
func (b *BaseStep) Retryable() bool { return b.RetryOnFailure }

// MaxAttempts returns the attempt budget for the step: maxRetries when
// retryOnFailure is set, otherwise exactly one attempt.
func (b *BaseStep) MaxAttempts() int {
	if !b.RetryOnFailure || b.MaxRetries < 1 {
		return 1
	}
	return b.MaxRetries
}

// Describe returns a human-readable description.
func (b *BaseStep) Describe() string { return string(b.StepType) }

// ============================================
// Navigation & Interaction Steps
// ============================================

// LaunchAppStep launches an app on the device.
type LaunchAppStep struct {
	BaseStep `yaml:",inline"`
	AppID    string `yaml:"appId"`
}

// WaitStep pauses the flow for a fixed duration.
type WaitStep struct {
	BaseStep   `yaml:",inline"`
	DurationMs int `yaml:"ms"`
}

// Duration returns the wait time.
func (s *WaitStep) Duration() time.Duration {
	return time.Duration(s.DurationMs) * time.Millisecond
}

// TapStep taps on specific coordinates. Point takes "x%, y%" relative to
// the screen size and wins over X/Y when set.
type TapStep struct {
	BaseStep `yaml:",inline"`
	X        int    `yaml:"x"`
	Y        int    `yaml:"y"`
	Point    string `yaml:"point"`
}

// SwipeStep performs a swipe gesture, either by direction or by absolute
// coordinates.
type SwipeStep struct {
	BaseStep   `yaml:",inline"`
	Direction  string `yaml:"direction"` // UP, DOWN, LEFT, RIGHT
	StartX     int    `yaml:"startX"`
	StartY     int    `yaml:"startY"`
	EndX       int    `yaml:"endX"`
	EndY       int    `yaml:"endY"`
	DurationMs int    `yaml:"duration"`
}

// Duration returns the gesture duration, defaulting to 300ms.
func (s *SwipeStep) Duration() time.Duration {
	if s.DurationMs <= 0 {
		return 300 * time.Millisecond
	}
	return time.Duration(s.DurationMs) * time.Millisecond
}

// TextInputStep types text into the focused field.
type TextInputStep struct {
	BaseStep `yaml:",inline"`
	Text     string `yaml:"text"`
}

// KeyEventStep sends a key event to the device.
type KeyEventStep struct {
	BaseStep `yaml:",inline"`
	Key      string `yaml:"key"`
}

// ExecuteActionStep invokes a named device-side action with parameters.
type ExecuteActionStep struct {
	BaseStep `yaml:",inline"`
	Action   string            `yaml:"action"`
	Params   map[string]string `yaml:"params"`
}

// GoHomeStep returns the device to its home screen.
type GoHomeStep struct {
	BaseStep `yaml:",inline"`
}

// ============================================
// Capture & Validation Steps
// ============================================

// CaptureSensorsStep extracts sensor values from the current working
// screenshot. It never captures a screenshot itself.
type CaptureSensorsStep struct {
	BaseStep `yaml:",inline"`
	Sensors  []string `yaml:"sensors"`
}

// ValidateScreenStep asserts that an element matching the expected
// attributes is present in the UI hierarchy.
type ValidateScreenStep struct {
	BaseStep `yaml:",inline"`
	Expect   map[string]string `yaml:"expect"`
}

// ScrollCaptureStep captures a scrolling screenshot and installs the
// stitched image as the working screenshot. Zero values fall back to the
// service-wide stitch defaults.
type ScrollCaptureStep struct {
	BaseStep     `yaml:",inline"`
	MaxScrolls   int     `yaml:"maxScrolls"`
	ScrollRatio  float64 `yaml:"scrollRatio"`
	OverlapRatio float64 `yaml:"overlapRatio"`
}

// ============================================
// Flow Control Steps
// ============================================

// Condition selects a conditional branch based on the current UI hierarchy.
type Condition struct {
	Visible map[string]string `yaml:"visible"`
}

// ConditionalStep runs one of two inline branches depending on a condition.
// The whole construct counts as a single step for retry and result
// accounting.
type ConditionalStep struct {
	BaseStep `yaml:",inline"`
	When     Condition `yaml:"-"`
	Then     []Step    `yaml:"-"`
	Else     []Step    `yaml:"-"`
}

// ============================================
// Describe() implementations for detailed output
// ============================================

// Describe returns a human-readable description of the launch app step.
func (s *LaunchAppStep) Describe() string {
	return "launchApp: " + s.AppID
}

// Describe returns a human-readable description of the wait step.
func (s *WaitStep) Describe() string {
	return fmt.Sprintf("wait: %dms", s.DurationMs)
}

// Describe returns a human-readable description of the tap step.
func (s *TapStep) Describe() string {
	if s.Point != "" {
		return "tap: " + s.Point
	}
	return fmt.Sprintf("tap: (%d, %d)", s.X, s.Y)
}

// Describe returns a human-readable description of the swipe step.
func (s *SwipeStep) Describe() string {
	if s.Direction != "" {
		return "swipe: " + s.Direction
	}
	return fmt.Sprintf("swipe: (%d, %d) -> (%d, %d)", s.StartX, s.StartY, s.EndX, s.EndY)
}

// Describe returns a human-readable description of the text input step.
func (s *TextInputStep) Describe() string {
	return "textInput: \"" + s.Text + "\""
}

// Describe returns a human-readable description of the key event step.
func (s *KeyEventStep) Describe() string {
	return "keyEvent: " + s.Key
}

// Describe returns a human-readable description of the execute action step.
func (s *ExecuteActionStep) Describe() string {
	return "executeAction: " + s.Action
}

// Describe returns a human-readable description of the capture sensors step.
func (s *CaptureSensorsStep) Describe() string {
	return "captureSensors: " + strings.Join(s.Sensors, ", ")
}

// Describe returns a human-readable description of the validate screen step.
func (s *ValidateScreenStep) Describe() string {
	keys := make([]string, 0, len(s.Expect))
	for k := range s.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return "validateScreen: " + strings.Join(keys, ", ")
}

// Describe returns a human-readable description of the scroll capture step.
func (s *ScrollCaptureStep) Describe() string {
	if s.MaxScrolls > 0 {
		return fmt.Sprintf("scrollCapture: up to %d scrolls", s.MaxScrolls)
	}
	return "scrollCapture"
}

// Describe returns a human-readable description of the conditional step.
func (s *ConditionalStep) Describe() string {
	return fmt.Sprintf("conditional: %d/%d steps", len(s.Then), len(s.Else))
}
