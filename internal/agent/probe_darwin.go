//go:build darwin

package agent

import (
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// totalMemoryBytes reads hw.memsize via sysctl.
func totalMemoryBytes() int64 {
	out, err := exec.Command("sysctl", "-n", "hw.memsize").Output()
	if err != nil {
		return 0
	}
	bytes, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0
	}
	return bytes
}

// gpuProbe reports the integrated GPU on Apple silicon. Intel Macs
// would need system_profiler parsing; they report zero for now.
func gpuProbe() (int, string) {
	if runtime.GOARCH == "arm64" {
		return 1, "Apple Silicon"
	}
	return 0, ""
}

// idleDuration queries HIDIdleTime (nanoseconds) through ioreg.
func idleDuration() time.Duration {
	out, err := exec.Command("ioreg", "-c", "IOHIDSystem", "-d", "4").Output()
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line, "HIDIdleTime") {
			continue
		}
		parts := strings.Split(line, "=")
		if len(parts) != 2 {
			continue
		}
		ns, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err == nil {
			return time.Duration(ns)
		}
	}
	return 0
}

// hasDisplay is always true on macOS outside headless CI.
func hasDisplay() bool {
	return true
}

// batteryLow reports a draining battery under the floor, via pmset.
func batteryLow() (bool, int) {
	out, err := exec.Command("pmset", "-g", "batt").Output()
	if err != nil {
		return false, 100
	}
	text := string(out)
	if !strings.Contains(text, "Battery") {
		return false, 100 // desktop
	}

	pct := 100
	for _, line := range strings.Split(text, "\n") {
		idx := strings.Index(line, "%")
		if idx <= 0 {
			continue
		}
		start := idx - 1
		for start > 0 && line[start-1] >= '0' && line[start-1] <= '9' {
			start--
		}
		if p, err := strconv.Atoi(line[start:idx]); err == nil && p > 0 {
			pct = p
			break
		}
	}
	if pct >= lowBatteryPct {
		return false, pct
	}
	charging := strings.Contains(text, "AC Power") || strings.Contains(text, "charging")
	return !charging, pct
}
