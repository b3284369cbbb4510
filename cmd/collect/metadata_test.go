package collect

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"pmumon/internal/dump"
)

func TestCountCPUList(t *testing.T) {
	assert.Equal(t, 7, countCPUList("0-3,8,10-11"))
	assert.Equal(t, 1, countCPUList("5"))
	assert.Equal(t, 64, countCPUList("0-63"))
	assert.Equal(t, 0, countCPUList(""))
}

func TestResolveCgroups(t *testing.T) {
	cgroupRoot := t.TempDir()
	containerDir := filepath.Join(cgroupRoot, "system.slice", "docker-b6abcdef1234.scope")
	assert.NoError(t, os.MkdirAll(containerDir, 0755))
	assert.NoError(t, os.WriteFile(filepath.Join(containerDir, "cpuset.cpus.effective"), []byte("0-3\n"), 0644))

	cgroups, err := resolveCgroups([]string{"b6abcdef"}, cgroupRoot)
	assert.NoError(t, err)
	assert.Len(t, cgroups, 1)
	assert.Equal(t, "b6abcdef", cgroups[0].ID)
	assert.Equal(t, filepath.Join("system.slice", "docker-b6abcdef1234.scope"), cgroups[0].Name)
	assert.Equal(t, 4, cgroups[0].CPUSetSize)
}

func TestResolveCgroupsNotFound(t *testing.T) {
	_, err := resolveCgroups([]string{"nosuchcid"}, t.TempDir())
	assert.Error(t, err)
}

func TestBuildMetadata(t *testing.T) {
	topo := testTopology()
	topo.TSCFrequencyHz = 2700000000
	topo.CPUSocketMap = map[int]int{}
	for cpu := 0; cpu < 16; cpu++ {
		socket := 0
		if cpu%16 >= 8 {
			socket = 1
		}
		topo.CPUSocketMap[cpu] = socket
	}
	metadata := buildMetadata(topo, scopeSystem, granularityCPU, nil, "1.0.0")
	assert.Equal(t, 2700.0, metadata.TSCFrequencyMHz)
	assert.Equal(t, 4, metadata.CoresPerSocket)
	assert.Equal(t, 2, metadata.SocketCount)
	assert.Equal(t, 2, metadata.ThreadsPerCore)
	assert.Equal(t, 2, metadata.IMCCount)
	assert.Equal(t, 3, metadata.CHACount)
	assert.Equal(t, 1, metadata.UPICount)
	assert.True(t, metadata.PerCoreMode)
	assert.False(t, metadata.CgroupMode)
	assert.Equal(t, dump.ShapePerCore, metadata.Shape())
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, metadata.SocketCPUs[0])
	assert.Equal(t, []int{8, 9, 10, 11, 12, 13, 14, 15}, metadata.SocketCPUs[1])
}

func TestChaCountFallsBackToUncoreDevices(t *testing.T) {
	topo := testTopology()
	// no CHA mask register is known for this microarchitecture, so the
	// count comes from the enumerated uncore cha devices
	topo.Microarchitecture = "unknown"
	assert.Equal(t, 3, chaCount(topo))
}

func TestBuildMetadataCgroupMode(t *testing.T) {
	topo := testTopology()
	topo.CPUSocketMap = map[int]int{0: 0, 1: 0}
	cgroups := []cgroupInfo{{ID: "b6abcdef", Name: "system.slice/docker-b6abcdef.scope", CPUSetSize: 4}}
	metadata := buildMetadata(topo, scopeCgroup, granularitySystem, cgroups, "1.0.0")
	assert.True(t, metadata.CgroupMode)
	assert.False(t, metadata.PerCoreMode)
	assert.Equal(t, dump.ShapePerCgroup, metadata.Shape())
	assert.Equal(t, 4, metadata.CgroupCPUSets["b6abcdef"])
}
