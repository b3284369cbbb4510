package collect

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func fakeMachine(t *testing.T, nmi string, muxValues map[string]string) (procRoot string, sysRoot string) {
	t.Helper()
	root := t.TempDir()
	procRoot = filepath.Join(root, "proc")
	sysRoot = filepath.Join(root, "sys")
	assert.NoError(t, os.MkdirAll(filepath.Join(procRoot, "sys", "kernel"), 0755))
	assert.NoError(t, os.WriteFile(filepath.Join(procRoot, "sys", "kernel", "nmi_watchdog"), []byte(nmi+"\n"), 0644))
	for device, value := range muxValues {
		deviceDir := filepath.Join(sysRoot, "devices", device)
		assert.NoError(t, os.MkdirAll(deviceDir, 0755))
		assert.NoError(t, os.WriteFile(filepath.Join(deviceDir, "perf_event_mux_interval_ms"), []byte(value+"\n"), 0644))
	}
	return
}

func readTrimmed(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	assert.NoError(t, err)
	return strings.TrimSpace(string(content))
}

func TestSessionGuardRestores(t *testing.T) {
	procRoot, sysRoot := fakeMachine(t, "1", map[string]string{"cpu": "4", "uncore_cha_0": "8"})
	guard, err := acquireSession(procRoot, sysRoot, 125)
	assert.NoError(t, err)

	nmiPath := filepath.Join(procRoot, "sys", "kernel", "nmi_watchdog")
	assert.Equal(t, "0", readTrimmed(t, nmiPath))
	assert.Equal(t, "125", readTrimmed(t, filepath.Join(sysRoot, "devices", "cpu", "perf_event_mux_interval_ms")))
	assert.Equal(t, "125", readTrimmed(t, filepath.Join(sysRoot, "devices", "uncore_cha_0", "perf_event_mux_interval_ms")))

	guard.Release()
	assert.Equal(t, "1", readTrimmed(t, nmiPath))
	assert.Equal(t, "4", readTrimmed(t, filepath.Join(sysRoot, "devices", "cpu", "perf_event_mux_interval_ms")))
	assert.Equal(t, "8", readTrimmed(t, filepath.Join(sysRoot, "devices", "uncore_cha_0", "perf_event_mux_interval_ms")))
}

func TestSessionGuardReleaseIdempotent(t *testing.T) {
	procRoot, sysRoot := fakeMachine(t, "1", map[string]string{"cpu": "4"})
	guard, err := acquireSession(procRoot, sysRoot, 125)
	assert.NoError(t, err)
	guard.Release()
	// a second release must not clobber state mutated since the first
	muxPath := filepath.Join(sysRoot, "devices", "cpu", "perf_event_mux_interval_ms")
	assert.NoError(t, os.WriteFile(muxPath, []byte("16"), 0644))
	guard.Release()
	assert.Equal(t, "16", readTrimmed(t, muxPath))
}

func TestSessionGuardNMIAlreadyDisabled(t *testing.T) {
	procRoot, sysRoot := fakeMachine(t, "0", map[string]string{"cpu": "4"})
	guard, err := acquireSession(procRoot, sysRoot, 125)
	assert.NoError(t, err)
	nmiPath := filepath.Join(procRoot, "sys", "kernel", "nmi_watchdog")
	assert.Equal(t, "0", readTrimmed(t, nmiPath))
	guard.Release()
	assert.Equal(t, "0", readTrimmed(t, nmiPath))
}

func TestSessionGuardNilRelease(t *testing.T) {
	var guard *sessionGuard
	guard.Release()
}
