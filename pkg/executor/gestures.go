package executor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/devicelab-dev/screenpulse/pkg/flow"
)

// tap resolves the step's point against the screen size when given in
// "x%, y%" or "x, y" form.
func (fr *flowRun) tap(s *flow.TapStep) error {
	x, y := s.X, s.Y
	if s.Point != "" {
		w, h, err := fr.screenSize()
		if err != nil {
			return err
		}
		x, y, err = resolvePoint(s.Point, w, h)
		if err != nil {
			return err
		}
	}
	return fr.dev.Tap(fr.ctx, x, y)
}

// swipe runs a coordinate swipe, or derives coordinates from a direction.
func (fr *flowRun) swipe(s *flow.SwipeStep) error {
	if s.Direction == "" {
		return fr.dev.Swipe(fr.ctx, s.StartX, s.StartY, s.EndX, s.EndY, s.Duration())
	}

	w, h, err := fr.screenSize()
	if err != nil {
		return err
	}
	centerX := w / 2
	centerY := h / 2

	var startX, startY, endX, endY int
	switch strings.ToLower(s.Direction) {
	case "up":
		startX, startY = centerX, h*2/3
		endX, endY = centerX, h/3
	case "down":
		startX, startY = centerX, h/3
		endX, endY = centerX, h*2/3
	case "left":
		startX, startY = w*2/3, centerY
		endX, endY = w/3, centerY
	case "right":
		startX, startY = w/3, centerY
		endX, endY = w*2/3, centerY
	default:
		return fmt.Errorf("invalid swipe direction: %s", s.Direction)
	}
	return fr.dev.Swipe(fr.ctx, startX, startY, endX, endY, s.Duration())
}

// screenSize measures the screen from the working screenshot, probing the
// device when no screenshot exists yet.
func (fr *flowRun) screenSize() (int, int, error) {
	if fr.screen != nil {
		b := fr.screen.Bounds()
		return b.Dx(), b.Dy(), nil
	}
	shot, err := fr.dev.CaptureScreen(fr.ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	b := shot.Bounds()
	return b.Dx(), b.Dy(), nil
}

// resolvePoint parses "50%, 15%" or "700, 300" into absolute coordinates.
func resolvePoint(point string, w, h int) (int, int, error) {
	cleaned := strings.ReplaceAll(point, " ", "")
	parts := strings.Split(cleaned, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid point format: %s", point)
	}

	if strings.HasSuffix(parts[0], "%") || strings.HasSuffix(parts[1], "%") {
		x, err := strconv.ParseFloat(strings.TrimSuffix(parts[0], "%"), 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid x coordinate: %s", parts[0])
		}
		y, err := strconv.ParseFloat(strings.TrimSuffix(parts[1], "%"), 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid y coordinate: %s", parts[1])
		}
		return int(x / 100 * float64(w)), int(y / 100 * float64(h)), nil
	}

	x, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid x coordinate: %s", parts[0])
	}
	y, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid y coordinate: %s", parts[1])
	}
	return x, y, nil
}
