// Package mock provides an in-memory device for tests and dry runs.
package mock

import (
	"context"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/devicelab-dev/screenpulse/pkg/core"
)

// Device simulates a device with a vertically scrollable page. The page
// content is a deterministic per-row pattern, so screenshots taken at the
// same scroll offset are identical and overlapping captures align exactly.
type Device struct {
	// Configuration
	Config Config

	mu      sync.Mutex
	scrollY int

	// Operation counters, readable via Counters
	taps     int
	swipes   int
	texts    int
	keys     int
	launches int
	homes    int
	actions  int
	captures int
}

// Config configures mock device behavior.
type Config struct {
	DeviceID     string
	ScreenWidth  int // default 1080
	ScreenHeight int // default 1920
	// PageHeight is the total scrollable content height. Defaults to the
	// screen height, i.e. nothing to scroll.
	PageHeight int
	// NoScrollInfo simulates platforms that cannot report scroll position.
	NoScrollInfo bool
	// Hierarchy is returned by UIHierarchy. A small sample tree is used
	// when nil.
	Hierarchy *core.UIElement
	// StepDelay adds artificial delay per operation
	StepDelay time.Duration
}

// Counters is a snapshot of how often each operation ran.
type Counters struct {
	Taps     int
	Swipes   int
	Texts    int
	Keys     int
	Launches int
	Homes    int
	Actions  int
	Captures int
}

// New creates a new mock device.
func New(cfg Config) *Device {
	if cfg.DeviceID == "" {
		cfg.DeviceID = "mock-device"
	}
	if cfg.ScreenWidth <= 0 {
		cfg.ScreenWidth = 1080
	}
	if cfg.ScreenHeight <= 0 {
		cfg.ScreenHeight = 1920
	}
	if cfg.PageHeight < cfg.ScreenHeight {
		cfg.PageHeight = cfg.ScreenHeight
	}
	return &Device{Config: cfg}
}

// Counters returns a snapshot of the operation counters.
func (d *Device) Counters() Counters {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Counters{
		Taps:     d.taps,
		Swipes:   d.swipes,
		Texts:    d.texts,
		Keys:     d.keys,
		Launches: d.launches,
		Homes:    d.homes,
		Actions:  d.actions,
		Captures: d.captures,
	}
}

// ScrollY returns the current scroll offset.
func (d *Device) ScrollY() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scrollY
}

func (d *Device) delay(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.Config.StepDelay <= 0 {
		return nil
	}
	t := time.NewTimer(d.Config.StepDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// rowColor is the deterministic color of one absolute page row. The mix of
// a fast and a staircase term keeps rows distinct within any realistic
// matching window.
func rowColor(y int) color.RGBA {
	v := uint8((y*73 + (y/7)*151) % 256)
	return color.RGBA{R: v, G: 255 - v, B: v ^ 0x5a, A: 255}
}

// CaptureScreen renders the visible window of the page.
func (d *Device) CaptureScreen(ctx context.Context) (image.Image, error) {
	if err := d.delay(ctx); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.captures++

	w, h := d.Config.ScreenWidth, d.Config.ScreenHeight
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		c := rowColor(d.scrollY + y)
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img, nil
}

// RenderPage renders the entire scrollable page at once. Tests use it as
// ground truth for stitched captures.
func (d *Device) RenderPage() *image.RGBA {
	w, h := d.Config.ScreenWidth, d.Config.PageHeight
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		c := rowColor(y)
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// UIHierarchy returns the configured hierarchy, or a small sample tree.
func (d *Device) UIHierarchy(ctx context.Context) (*core.UIElement, error) {
	if err := d.delay(ctx); err != nil {
		return nil, err
	}
	if d.Config.Hierarchy != nil {
		return d.Config.Hierarchy, nil
	}
	return &core.UIElement{
		Class: "FrameLayout",
		Children: []*core.UIElement{
			{
				Class:  "TextView",
				Text:   "Mock Screen",
				Bounds: core.Bounds{X: 0, Y: 0, Width: d.Config.ScreenWidth, Height: 80},
			},
		},
	}, nil
}

// ScrollPosition reports the simulated scroll offset.
func (d *Device) ScrollPosition(ctx context.Context) (int, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	if d.Config.NoScrollInfo {
		return 0, false, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scrollY, true, nil
}

// Tap records a tap.
func (d *Device) Tap(ctx context.Context, x, y int) error {
	if err := d.delay(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.taps++
	d.mu.Unlock()
	return nil
}

// Swipe records a swipe and moves the scroll position by the vertical
// gesture distance, clamped to the page bounds.
func (d *Device) Swipe(ctx context.Context, startX, startY, endX, endY int, duration time.Duration) error {
	if err := d.delay(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.swipes++

	// A finger moving up drags content up, increasing the scroll offset.
	d.scrollY += startY - endY
	maxScroll := d.Config.PageHeight - d.Config.ScreenHeight
	if d.scrollY > maxScroll {
		d.scrollY = maxScroll
	}
	if d.scrollY < 0 {
		d.scrollY = 0
	}
	return nil
}

// InputText records typed text.
func (d *Device) InputText(ctx context.Context, text string) error {
	if err := d.delay(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.texts++
	d.mu.Unlock()
	return nil
}

// PressKey records a key event.
func (d *Device) PressKey(ctx context.Context, key string) error {
	if err := d.delay(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.keys++
	d.mu.Unlock()
	return nil
}

// LaunchApp records an app launch and resets the scroll position.
func (d *Device) LaunchApp(ctx context.Context, appID string) error {
	if err := d.delay(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.launches++
	d.scrollY = 0
	d.mu.Unlock()
	return nil
}

// GoHome records a home press and resets the scroll position.
func (d *Device) GoHome(ctx context.Context) error {
	if err := d.delay(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.homes++
	d.scrollY = 0
	d.mu.Unlock()
	return nil
}

// ExecuteAction records a named action.
func (d *Device) ExecuteAction(ctx context.Context, action string, params map[string]string) error {
	if err := d.delay(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.actions++
	d.mu.Unlock()
	return nil
}
