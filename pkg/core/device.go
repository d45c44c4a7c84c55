// Package core provides the execution model types shared by the scheduler,
// executor, and stitcher.
package core

import (
	"context"
	"image"
	"time"
)

// Device defines the transport to a single device.
// Implementations: ADB bridge, cloud device farm, in-process fake, etc.
// The executor handles flow logic; Device just performs individual
// operations. Every operation honors context cancellation so a shutdown
// interrupts in-flight transport calls promptly.
type Device interface {
	// CaptureScreen captures the current screen
	CaptureScreen(ctx context.Context) (image.Image, error)

	// UIHierarchy captures the current UI element tree
	UIHierarchy(ctx context.Context) (*UIElement, error)

	// ScrollPosition reports the vertical scroll offset of the foreground
	// scrollable view. ok is false when the platform cannot tell.
	ScrollPosition(ctx context.Context) (pos int, ok bool, err error)

	// Tap taps at absolute screen coordinates
	Tap(ctx context.Context, x, y int) error

	// Swipe performs a swipe gesture between two points
	Swipe(ctx context.Context, startX, startY, endX, endY int, duration time.Duration) error

	// InputText types text into the focused field
	InputText(ctx context.Context, text string) error

	// PressKey sends a key event
	PressKey(ctx context.Context, key string) error

	// LaunchApp brings the given app to the foreground
	LaunchApp(ctx context.Context, appID string) error

	// GoHome returns to the device home screen
	GoHome(ctx context.Context) error

	// ExecuteAction invokes a named device-side action
	ExecuteAction(ctx context.Context, action string, params map[string]string) error
}
