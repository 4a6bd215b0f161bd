//go:build linux

package agent

import (
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// totalMemoryBytes reads MemTotal from /proc/meminfo.
func totalMemoryBytes() int64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}

// gpuProbe counts NVIDIA GPUs via nvidia-smi. Machines without the
// tool report zero GPUs and still qualify for dispatch.
func gpuProbe() (int, string) {
	out, err := exec.Command("nvidia-smi", "--query-gpu=name", "--format=csv,noheader").Output()
	if err != nil {
		return 0, ""
	}
	names := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(names) == 0 || names[0] == "" {
		return 0, ""
	}
	return len(names), strings.TrimSpace(names[0])
}

// idleDuration approximates user idle time. Full X11/Wayland idle
// detection needs libXss or logind over D-Bus; the framebuffer mtime
// heuristic is what we can read without linking either.
func idleDuration() time.Duration {
	info, err := os.Stat("/sys/class/graphics/fb0")
	if err != nil {
		return 0
	}
	return time.Since(info.ModTime())
}

// hasDisplay reports whether a graphical session exists. Headless
// boxes claim around the clock.
func hasDisplay() bool {
	return os.Getenv("DISPLAY") != "" || os.Getenv("WAYLAND_DISPLAY") != ""
}

// batteryLow reports a draining battery under the floor, via sysfs.
func batteryLow() (bool, int) {
	data, err := os.ReadFile("/sys/class/power_supply/BAT0/capacity")
	if err != nil {
		return false, 100 // no battery: desktop or server
	}
	pct, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pct == 0 {
		return false, 100
	}
	if pct >= lowBatteryPct {
		return false, pct
	}
	status, err := os.ReadFile("/sys/class/power_supply/BAT0/status")
	if err == nil && strings.TrimSpace(string(status)) == "Charging" {
		return false, pct
	}
	return true, pct
}
