package uia2

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/devicelab-dev/screenpulse/pkg/core"
)

// Android key codes for the names accepted by keyEvent steps.
var keyCodes = map[string]int{
	"home":        3,
	"back":        4,
	"menu":        82,
	"enter":       66,
	"delete":      67,
	"tab":         61,
	"space":       62,
	"search":      84,
	"power":       26,
	"volume_up":   24,
	"volume_down": 25,
	"dpad_up":     19,
	"dpad_down":   20,
	"dpad_left":   21,
	"dpad_right":  22,
	"dpad_center": 23,
}

const keyCodeHome = 3

// Config describes how to reach one device.
type Config struct {
	DeviceID string        // logical identity used in flows and results
	BaseURL  string        // UIAutomator2 server, e.g. http://127.0.0.1:6790
	Serial   string        // adb serial; empty uses the only connected device
	ADBPath  string        // adb binary, default "adb" from PATH
	Timeout  time.Duration // per-request HTTP timeout
}

// shellFunc runs a shell command on the device. Swappable in tests.
type shellFunc func(ctx context.Context, command string) (string, error)

// Device implements core.Device against the UIAutomator2 server.
// Gestures and capture go over HTTP; app lifecycle goes through adb.
type Device struct {
	cfg    Config
	client *client
	shell  shellFunc
	logger hclog.Logger

	mu sync.Mutex // guards session creation
}

var _ core.Device = (*Device)(nil)

// New creates a device handle. No connection is made until the first
// operation needs a session.
func New(cfg Config, logger hclog.Logger) *Device {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://127.0.0.1:6790"
	}
	if cfg.ADBPath == "" {
		cfg.ADBPath = "adb"
	}
	logger = logger.Named("uia2").With("device", cfg.DeviceID)

	d := &Device{
		cfg:    cfg,
		client: newClient(cfg.BaseURL, cfg.Timeout, logger),
		logger: logger,
	}
	d.shell = d.adbShell
	return d
}

// Close ends the automation session if one was created.
func (d *Device) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client.deleteSession(ctx)
}

func (d *Device) ensureSession(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client.sessionID != "" {
		return nil
	}
	if err := d.client.createSession(ctx); err != nil {
		return err
	}
	d.logger.Debug("session created", "session", d.client.sessionID)
	return nil
}

// CaptureScreen fetches a PNG screenshot.
func (d *Device) CaptureScreen(ctx context.Context) (image.Image, error) {
	if err := d.ensureSession(ctx); err != nil {
		return nil, err
	}
	b64, err := d.client.stringValue(ctx, http.MethodGet, d.client.sessionPath("/screenshot"))
	if err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, fmt.Errorf("failed to decode screenshot: %w", err)
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode screenshot: %w", err)
	}
	return img, nil
}

// UIHierarchy fetches and parses the page source.
func (d *Device) UIHierarchy(ctx context.Context) (*core.UIElement, error) {
	if err := d.ensureSession(ctx); err != nil {
		return nil, err
	}
	source, err := d.client.stringValue(ctx, http.MethodGet, d.client.sessionPath("/source"))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page source: %w", err)
	}
	return parseHierarchy(source)
}

// ScrollPosition is not observable through the automation server; the
// page source carries no scroll offsets. Callers fall back to image
// comparison for bottom detection.
func (d *Device) ScrollPosition(context.Context) (int, bool, error) {
	return 0, false, nil
}

// Tap sends a W3C pointer sequence: move, down, brief pause, up.
func (d *Device) Tap(ctx context.Context, x, y int) error {
	if err := d.ensureSession(ctx); err != nil {
		return err
	}
	return d.pointerActions(ctx, []map[string]interface{}{
		{"type": "pointerMove", "duration": 0, "x": x, "y": y, "origin": "viewport"},
		{"type": "pointerDown", "button": 0},
		{"type": "pause", "duration": 50},
		{"type": "pointerUp", "button": 0},
	})
}

// Swipe drags the pointer between two points over the given duration.
func (d *Device) Swipe(ctx context.Context, startX, startY, endX, endY int, duration time.Duration) error {
	if err := d.ensureSession(ctx); err != nil {
		return err
	}
	return d.pointerActions(ctx, []map[string]interface{}{
		{"type": "pointerMove", "duration": 0, "x": startX, "y": startY, "origin": "viewport"},
		{"type": "pointerDown", "button": 0},
		{"type": "pointerMove", "duration": duration.Milliseconds(), "x": endX, "y": endY, "origin": "viewport"},
		{"type": "pointerUp", "button": 0},
	})
}

func (d *Device) pointerActions(ctx context.Context, actions []map[string]interface{}) error {
	payload := map[string]interface{}{
		"actions": []map[string]interface{}{{
			"type":       "pointer",
			"id":         "finger1",
			"parameters": map[string]interface{}{"pointerType": "touch"},
			"actions":    actions,
		}},
	}
	_, err := d.client.request(ctx, http.MethodPost, d.client.sessionPath("/actions"), payload)
	return err
}

// InputText types into the focused element.
func (d *Device) InputText(ctx context.Context, text string) error {
	if err := d.ensureSession(ctx); err != nil {
		return err
	}
	_, err := d.client.request(ctx, http.MethodPost,
		d.client.sessionPath("/appium/element/active/value"),
		map[string]string{"text": text})
	return err
}

// PressKey sends a key event by name or raw Android key code.
func (d *Device) PressKey(ctx context.Context, key string) error {
	if err := d.ensureSession(ctx); err != nil {
		return err
	}
	code, ok := keyCodes[strings.ToLower(key)]
	if !ok {
		n, err := strconv.Atoi(key)
		if err != nil {
			return fmt.Errorf("unknown key %q", key)
		}
		code = n
	}
	return d.pressKeyCode(ctx, code)
}

func (d *Device) pressKeyCode(ctx context.Context, code int) error {
	_, err := d.client.request(ctx, http.MethodPost,
		d.client.sessionPath("/appium/device/press_keycode"),
		map[string]int{"keycode": code})
	return err
}

// LaunchApp starts the app via monkey, which needs no activity name.
func (d *Device) LaunchApp(ctx context.Context, appID string) error {
	if appID == "" {
		return fmt.Errorf("no app id to launch")
	}
	cmd := fmt.Sprintf("monkey -p %s -c android.intent.category.LAUNCHER 1", appID)
	if _, err := d.shell(ctx, cmd); err != nil {
		return fmt.Errorf("failed to launch %s: %w", appID, err)
	}
	return nil
}

// GoHome presses the home key.
func (d *Device) GoHome(ctx context.Context) error {
	if err := d.ensureSession(ctx); err != nil {
		return err
	}
	return d.pressKeyCode(ctx, keyCodeHome)
}

// ExecuteAction runs a named device-side action.
func (d *Device) ExecuteAction(ctx context.Context, action string, params map[string]string) error {
	switch action {
	case "shell":
		cmd := params["command"]
		if cmd == "" {
			return fmt.Errorf("shell action requires a command param")
		}
		_, err := d.shell(ctx, cmd)
		return err
	case "stopApp":
		appID := params["appId"]
		if appID == "" {
			return fmt.Errorf("stopApp action requires an appId param")
		}
		_, err := d.shell(ctx, "am force-stop "+appID)
		return err
	case "clearState":
		appID := params["appId"]
		if appID == "" {
			return fmt.Errorf("clearState action requires an appId param")
		}
		_, err := d.shell(ctx, "pm clear "+appID)
		return err
	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

// adbShell runs a command on the device through adb.
func (d *Device) adbShell(ctx context.Context, command string) (string, error) {
	args := []string{}
	if d.cfg.Serial != "" {
		args = append(args, "-s", d.cfg.Serial)
	}
	args = append(args, "shell", command)

	out, err := exec.CommandContext(ctx, d.cfg.ADBPath, args...).CombinedOutput() //#nosec G204 -- adb path and serial come from service config
	if err != nil {
		return "", fmt.Errorf("adb shell %q: %w: %s", command, err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
