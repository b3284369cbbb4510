package topology

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
)

func TestUarchFromModel(t *testing.T) {
	tests := []struct {
		family   int
		model    int
		stepping int
		want     string
	}{
		{6, 79, 1, "bdx"},
		{6, 85, 4, "skx"},
		{6, 85, 7, "clx"},
		{6, 106, 6, "icx"},
		{6, 143, 8, "spr"},
		{6, 207, 2, "emr"},
		{6, 173, 1, "gnr"},
		{6, 42, 7, "fam6_mod42"},
		{25, 1, 1, "fam25_mod1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, uarchFromModel(tt.family, tt.model, tt.stepping))
	}
}

func TestTSCFrequencyHz(t *testing.T) {
	// base frequency from the model name wins
	freq := tscFrequencyHz("Intel(R) Xeon(R) Platinum 8280 CPU @ 2.70GHz", nil)
	assert.Equal(t, 2700000000, freq)
	// fall back to the maximum observed core frequency
	cpuInfo := []procfs.CPUInfo{{CPUMHz: 1200.0}, {CPUMHz: 2400.0}}
	freq = tscFrequencyHz("Intel(R) Xeon(R) Platinum 8488C", cpuInfo)
	assert.Equal(t, 2400000000, freq)
}

func TestUncoreDeviceIDs(t *testing.T) {
	devicesDir := t.TempDir()
	for _, name := range []string{
		"uncore_cha_0", "uncore_cha_1", "uncore_cha_10", "uncore_cha_2",
		"uncore_imc_0", "uncore_imc_2", // non-consecutive instance ids
		"uncore_upi_0",
		"cpu", "breakpoint", "software",
	} {
		assert.NoError(t, os.Mkdir(filepath.Join(devicesDir, name), 0755))
	}
	ids := uncoreDeviceIDs(devicesDir)
	assert.Equal(t, []int{0, 1, 2, 10}, ids["cha"])
	assert.Equal(t, []int{0, 2}, ids["imc"])
	assert.Equal(t, []int{0}, ids["upi"])
	assert.NotContains(t, ids, "cpu")
}

func TestUncoreDeviceIDsMissingDir(t *testing.T) {
	ids := uncoreDeviceIDs(filepath.Join(t.TempDir(), "no-such-dir"))
	assert.Empty(t, ids)
}

func TestTopologyFromCPUInfo(t *testing.T) {
	// 2 sockets x 2 cores x 2 threads
	var cpuInfo []procfs.CPUInfo
	for i := 0; i < 8; i++ {
		socket := "0"
		if i >= 4 {
			socket = "1"
		}
		cpuInfo = append(cpuInfo, procfs.CPUInfo{
			Processor:  uint(i),
			VendorID:   "GenuineIntel",
			CPUFamily:  "6",
			Model:      "106",
			Stepping:   "6",
			ModelName:  "Intel(R) Xeon(R) Platinum 8375C CPU @ 2.90GHz",
			PhysicalID: socket,
			Siblings:   4,
			CPUCores:   2,
		})
	}
	topo, err := topologyFromCPUInfo(cpuInfo)
	assert.NoError(t, err)
	assert.Equal(t, 2, topo.SocketCount)
	assert.Equal(t, 2, topo.CoresPerSocket)
	assert.Equal(t, 2, topo.ThreadsPerCore)
	assert.Equal(t, "icx", topo.Microarchitecture)
	assert.Equal(t, 2900000000, topo.TSCFrequencyHz)
	assert.Equal(t, 0, topo.CPUSocketMap[0])
	assert.Equal(t, 1, topo.CPUSocketMap[7])
}
