package uia2

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// DiscoveredDevice is one line of adb's device list.
type DiscoveredDevice struct {
	Serial string
	State  string // device, offline, unauthorized
	Model  string
}

// Discover lists the devices adb currently knows about. An empty adbPath
// uses the adb binary from PATH.
func Discover(ctx context.Context, adbPath string) ([]DiscoveredDevice, error) {
	if adbPath == "" {
		adbPath = "adb"
	}
	out, err := exec.CommandContext(ctx, adbPath, "devices", "-l").CombinedOutput() //#nosec G204 -- adb path comes from service config
	if err != nil {
		return nil, fmt.Errorf("adb devices: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return parseDeviceList(string(out)), nil
}

// parseDeviceList reads `adb devices -l` output. Header and daemon
// startup lines are skipped.
func parseDeviceList(out string) []DiscoveredDevice {
	var devices []DiscoveredDevice
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		d := DiscoveredDevice{Serial: fields[0], State: fields[1]}
		for _, f := range fields[2:] {
			if v, ok := strings.CutPrefix(f, "model:"); ok {
				d.Model = v
			}
		}
		devices = append(devices, d)
	}
	return devices
}
