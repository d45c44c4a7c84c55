// Package stitcher builds a single tall image of a scrollable view from
// overlapping screen captures.
package stitcher

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/devicelab-dev/screenpulse/pkg/core"
)

const (
	// DefaultMaxScrolls caps the number of scroll iterations.
	DefaultMaxScrolls = 20
	// DefaultScrollRatio is the fraction of screen height scrolled per step.
	DefaultScrollRatio = 0.75
	// DefaultOverlapRatio is the expected overlap between captures.
	DefaultOverlapRatio = 0.25
	// DefaultMatchThreshold is the match score below which a seam warning
	// is logged.
	DefaultMatchThreshold = 0.8
	// DefaultSettleDelay is how long to wait for scroll animations.
	DefaultSettleDelay = 500 * time.Millisecond

	swipeDuration = 300 * time.Millisecond
)

// Options controls one capture run. Zero values fall back to defaults.
type Options struct {
	MaxScrolls     int
	ScrollRatio    float64
	OverlapRatio   float64
	SettleDelay    time.Duration
	MatchThreshold float64
}

func (o Options) withDefaults() Options {
	if o.MaxScrolls <= 0 {
		o.MaxScrolls = DefaultMaxScrolls
	}
	if o.ScrollRatio <= 0 || o.ScrollRatio > 1 {
		o.ScrollRatio = DefaultScrollRatio
	}
	if o.OverlapRatio <= 0 || o.OverlapRatio >= 1 {
		o.OverlapRatio = DefaultOverlapRatio
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = DefaultSettleDelay
	}
	if o.MatchThreshold <= 0 || o.MatchThreshold > 1 {
		o.MatchThreshold = DefaultMatchThreshold
	}
	return o
}

// Result is the stitched image plus capture metadata.
type Result struct {
	Image *image.RGBA

	// Scrolls is how many scroll iterations contributed content.
	Scrolls int
	// ScreenHeight is the height of a single screenshot.
	ScreenHeight int
	// FinalHeight is the height of the stitched image.
	FinalHeight int
	// BottomReached reports whether the page end was detected, as opposed
	// to stopping at the scroll cap.
	BottomReached bool
	Elapsed       time.Duration
}

// Stitcher captures scrolling screenshots.
type Stitcher struct {
	logger hclog.Logger
}

// New creates a Stitcher.
func New(logger hclog.Logger) *Stitcher {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Stitcher{logger: logger.Named("stitcher")}
}

// Capture scrolls through the device's current view and returns the
// stitched image. The page length does not need to be known in advance:
// scrolling stops when the scroll position stops moving, when consecutive
// frames are identical, or at the scroll cap.
func (s *Stitcher) Capture(ctx context.Context, dev core.Device, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	started := time.Now()

	first, err := dev.CaptureScreen(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	acc := toRGBA(first)
	screenW := acc.Bounds().Dx()
	screenH := acc.Bounds().Dy()

	overlapPx := int(float64(screenH) * opts.OverlapRatio)
	scrollPx := int(float64(screenH) * opts.ScrollRatio)
	if overlapPx < 1 || scrollPx < 1 {
		return nil, fmt.Errorf("screen too small to stitch: %dx%d", screenW, screenH)
	}

	res := &Result{ScreenHeight: screenH}
	prev := acc

	for i := 0; i < opts.MaxScrolls; i++ {
		posBefore, posKnown, err := dev.ScrollPosition(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read scroll position: %w", err)
		}
		if !posKnown && i == 0 {
			s.logger.Debug("scroll position unavailable, relying on frame comparison")
		}

		if err := s.scroll(ctx, dev, screenW, screenH, scrollPx); err != nil {
			return nil, fmt.Errorf("failed to scroll: %w", err)
		}
		if err := sleepCtx(ctx, opts.SettleDelay); err != nil {
			return nil, err
		}

		shot, err := dev.CaptureScreen(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to capture screenshot: %w", err)
		}

		posAfter, afterKnown, err := dev.ScrollPosition(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read scroll position: %w", err)
		}
		rgba := toRGBA(shot)

		// Position equality beats image similarity: pages that inject
		// content while scrolled (ads, feeds) change pixels without
		// moving.
		if posKnown && afterKnown {
			if posBefore == posAfter {
				res.BottomReached = true
				break
			}
		} else if framesEqual(prev, rgba) {
			res.BottomReached = true
			break
		}

		if rgba.Bounds().Dx() != screenW || rgba.Bounds().Dy() != screenH {
			return nil, fmt.Errorf("screenshot size changed mid-capture: %v", rgba.Bounds())
		}

		offset, score := matchOverlap(acc, rgba, overlapPx)
		if score < opts.MatchThreshold {
			s.logger.Warn("low overlap match score, seam may be visible",
				"score", fmt.Sprintf("%.3f", score), "iteration", i+1)
		}

		// Rows before offset+overlapPx repeat content already in the
		// accumulated image.
		newStart := offset + overlapPx
		if newStart >= screenH {
			res.BottomReached = true
			break
		}
		acc = appendRows(acc, rgba, newStart)
		prev = rgba
		res.Scrolls++
	}

	res.Image = acc
	res.FinalHeight = acc.Bounds().Dy()
	res.Elapsed = time.Since(started)

	s.logger.Debug("capture finished",
		"scrolls", res.Scrolls,
		"height", res.FinalHeight,
		"bottom", res.BottomReached,
		"elapsed", res.Elapsed)
	return res, nil
}

// scroll issues one upward swipe covering scrollPx of content.
func (s *Stitcher) scroll(ctx context.Context, dev core.Device, w, h, scrollPx int) error {
	x := w / 2
	startY := (h + scrollPx) / 2
	endY := startY - scrollPx
	return dev.Swipe(ctx, x, startY, x, endY, swipeDuration)
}

// appendRows grows acc by the rows of shot from newStart down.
func appendRows(acc, shot *image.RGBA, newStart int) *image.RGBA {
	accH := acc.Bounds().Dy()
	addH := shot.Bounds().Dy() - newStart
	out := image.NewRGBA(image.Rect(0, 0, acc.Bounds().Dx(), accH+addH))
	draw.Draw(out, image.Rect(0, 0, acc.Bounds().Dx(), accH), acc, image.Point{}, draw.Src)
	draw.Draw(out, image.Rect(0, accH, shot.Bounds().Dx(), accH+addH), shot, image.Point{X: 0, Y: newStart}, draw.Src)
	return out
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
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
