//go:build windows

package agent

import (
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unsafe"
)

var (
	user32               = syscall.NewLazyDLL("user32.dll")
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procGetLastInputInfo = user32.NewProc("GetLastInputInfo")
	procGetTickCount     = kernel32.NewProc("GetTickCount")
)

// powershell runs one query and returns its trimmed stdout.
func powershell(query string) (string, error) {
	out, err := exec.Command("powershell", "-NoProfile", "-Command", query).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// totalMemoryBytes queries Win32_ComputerSystem.
func totalMemoryBytes() int64 {
	out, err := powershell(`(Get-CimInstance Win32_ComputerSystem -ErrorAction SilentlyContinue).TotalPhysicalMemory`)
	if err != nil {
		return 0
	}
	bytes, err := strconv.ParseInt(out, 10, 64)
	if err != nil {
		return 0
	}
	return bytes
}

// gpuProbe queries Win32_VideoController names.
func gpuProbe() (int, string) {
	out, err := powershell(`(Get-CimInstance Win32_VideoController -ErrorAction SilentlyContinue).Name`)
	if err != nil || out == "" {
		return 0, ""
	}
	names := strings.Split(out, "\n")
	return len(names), strings.TrimSpace(names[0])
}

type lastInputInfo struct {
	cbSize uint32
	dwTime uint32
}

// idleDuration uses GetLastInputInfo (keyboard and mouse activity).
func idleDuration() time.Duration {
	var info lastInputInfo
	info.cbSize = uint32(unsafe.Sizeof(info))

	ret, _, _ := procGetLastInputInfo.Call(uintptr(unsafe.Pointer(&info)))
	if ret == 0 {
		return 0 // API failed, assume active
	}
	tick, _, _ := procGetTickCount.Call()
	idle := uint32(tick) - info.dwTime
	return time.Duration(idle) * time.Millisecond
}

// hasDisplay is always true on Windows desktops.
func hasDisplay() bool {
	return true
}

// batteryLow reports a draining battery under the floor, via WMI.
func batteryLow() (bool, int) {
	out, err := powershell(`(Get-CimInstance Win32_Battery -ErrorAction SilentlyContinue).EstimatedChargeRemaining`)
	if err != nil || out == "" {
		return false, 100 // no battery
	}
	pct, err := strconv.Atoi(out)
	if err != nil || pct == 0 {
		return false, 100
	}
	if pct >= lowBatteryPct {
		return false, pct
	}
	status, err := powershell(`(Get-CimInstance Win32_Battery -ErrorAction SilentlyContinue).BatteryStatus`)
	if err == nil {
		if s, err := strconv.Atoi(status); err == nil && s == 2 {
			return false, pct // 2 = AC connected
		}
	}
	return true, pct
}
