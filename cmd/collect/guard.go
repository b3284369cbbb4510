package collect

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

// sessionGuard holds the machine-wide measurement state the sampler needs:
// the kernel NMI watchdog (disabled for the session, it would otherwise consume
// a PMU counter) and the perf event multiplexing interval on every PMU device.
// Prior values are captured at acquisition and restored by Release, which is
// idempotent and must run on every exit path.

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type sessionGuard struct {
	nmiWatchdogPath string
	nmiPrev         string
	muxPrev         map[string]int
	released        bool
}

// acquireSession captures and mutates the global measurement state. A non-nil
// error reports a partial acquisition; the returned guard still restores
// whatever was captured.
func acquireSession(procRoot string, sysRoot string, muxIntervalMs int) (guard *sessionGuard, err error) {
	guard = &sessionGuard{
		nmiWatchdogPath: filepath.Join(procRoot, "sys", "kernel", "nmi_watchdog"),
		muxPrev:         make(map[string]int),
	}
	// NMI watchdog
	if prev, readErr := os.ReadFile(guard.nmiWatchdogPath); readErr == nil {
		guard.nmiPrev = strings.TrimSpace(string(prev))
		if guard.nmiPrev == "1" {
			slog.Info("disabling NMI watchdog")
			if writeErr := os.WriteFile(guard.nmiWatchdogPath, []byte("0"), 0644); writeErr != nil {
				guard.nmiPrev = "" // nothing to restore
				err = fmt.Errorf("failed to disable NMI watchdog: %w", writeErr)
			}
		}
	} else {
		slog.Warn("failed to read NMI watchdog state", slog.String("error", readErr.Error()))
	}
	// perf mux interval on every PMU device
	for _, path := range muxIntervalFiles(sysRoot) {
		content, readErr := os.ReadFile(path) // #nosec G304
		if readErr != nil {
			continue
		}
		prev, atoiErr := strconv.Atoi(strings.TrimSpace(string(content)))
		if atoiErr != nil {
			continue
		}
		if writeErr := os.WriteFile(path, []byte(strconv.Itoa(muxIntervalMs)), 0644); writeErr != nil {
			if err == nil {
				err = fmt.Errorf("failed to set mux interval on %s: %w", path, writeErr)
			}
			continue
		}
		guard.muxPrev[path] = prev
	}
	slog.Info("acquired measurement session state", slog.Int("muxDevices", len(guard.muxPrev)), slog.Int("muxIntervalMs", muxIntervalMs))
	return
}

// Release restores the captured state. Safe to call more than once.
func (g *sessionGuard) Release() {
	if g == nil || g.released {
		return
	}
	g.released = true
	if g.nmiPrev == "1" {
		slog.Info("re-enabling NMI watchdog")
		if err := os.WriteFile(g.nmiWatchdogPath, []byte(g.nmiPrev), 0644); err != nil {
			slog.Error("failed to re-enable NMI watchdog", slog.String("error", err.Error()))
		}
	}
	for path, prev := range g.muxPrev {
		if err := os.WriteFile(path, []byte(strconv.Itoa(prev)), 0644); err != nil {
			slog.Error("failed to restore perf mux interval", slog.String("device", path), slog.String("error", err.Error()))
		}
	}
	slog.Info("measurement session state restored")
}

// muxIntervalFiles finds every perf_event_mux_interval_ms file under the sysfs
// devices tree
func muxIntervalFiles(sysRoot string) (paths []string) {
	devicesDir := filepath.Join(sysRoot, "devices")
	_ = filepath.WalkDir(devicesDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, keep walking
		}
		if !d.IsDir() && d.Name() == "perf_event_mux_interval_ms" {
			paths = append(paths, path)
		}
		return nil
	})
	return
}
