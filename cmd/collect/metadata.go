package collect

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"pmumon/internal/dump"
	"pmumon/internal/topology"
)

// buildMetadata bridges the probed topology and the collection parameters into
// the metadata block written at the head of the raw dump
func buildMetadata(topo *topology.Topology, scope string, granularity string, cgroups []cgroupInfo, version string) dump.Metadata {
	metadata := dump.Metadata{
		TSCFrequencyMHz:  float64(topo.TSCFrequencyHz) / 1000000,
		CoresPerSocket:   topo.CoresPerSocket,
		SocketCount:      topo.SocketCount,
		ThreadsPerCore:   topo.ThreadsPerCore,
		IMCCount:         len(topo.UncoreDeviceIDs["imc"]),
		CHACount:         chaCount(topo),
		UPICount:         len(topo.UncoreDeviceIDs["upi"]),
		SamplingInterval: float64(flagPerfPrintInterval),
		MuxIntervalMs:    flagPerfMuxInterval,
		Architecture:     topo.Microarchitecture,
		Model:            topo.ModelName,
		KernelVersion:    topo.KernelVersion,
		PerCoreMode:      scope == scopeSystem && granularity != granularitySystem,
		CgroupMode:       scope == scopeCgroup,
		ToolVersion:      version,
	}
	// logical CPUs per socket, in CPU id order
	socketCPUs := make([][]int, topo.SocketCount)
	for cpu := 0; cpu < len(topo.CPUSocketMap); cpu++ {
		socket := topo.CPUSocketMap[cpu]
		if socket >= 0 && socket < topo.SocketCount {
			socketCPUs[socket] = append(socketCPUs[socket], cpu)
		}
	}
	metadata.SocketCPUs = socketCPUs
	if len(cgroups) > 0 {
		metadata.CgroupCPUSets = make(map[string]int, len(cgroups))
		for _, cgroup := range cgroups {
			metadata.CgroupCPUSets[cgroup.ID] = cgroup.CPUSetSize
		}
	}
	return metadata
}

// chaCount prefers the CHA mask MSR, which reports the fused-off CHAs some
// sysfs enumerations miss, and falls back to counting uncore cha devices when
// the MSR is unreadable or the microarchitecture has no known mask register.
func chaCount(topo *topology.Topology) int {
	if n := topology.ChaCount(0, topo.Microarchitecture); n > 0 {
		return n
	}
	return len(topo.UncoreDeviceIDs["cha"])
}

// cgroupInfo describes one monitored container's cgroup
type cgroupInfo struct {
	ID         string // the container id as given on the command line
	Name       string // the cgroup name handed to perf --for-each-cgroup
	CPUSetSize int    // number of CPUs in the cgroup's effective cpuset
}

// resolveCgroups maps container ids to their cgroup names by searching the
// cgroup filesystem, and records each cgroup's effective cpuset size so metric
// evaluation can scale per-container constants correctly.
func resolveCgroups(cids []string, cgroupRoot string) (cgroups []cgroupInfo, err error) {
	for _, cid := range cids {
		var match string
		walkErr := filepath.WalkDir(cgroupRoot, func(path string, d os.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			if strings.Contains(d.Name(), cid) {
				match = path
				return filepath.SkipAll
			}
			return nil
		})
		if walkErr != nil {
			err = walkErr
			return
		}
		if match == "" {
			err = fmt.Errorf("no cgroup found for container id %q", cid)
			return
		}
		name, relErr := filepath.Rel(cgroupRoot, match)
		if relErr != nil {
			err = relErr
			return
		}
		cgroup := cgroupInfo{ID: cid, Name: name, CPUSetSize: cpusetSize(match)}
		slog.Info("resolved container cgroup", slog.String("cid", cid), slog.String("cgroup", cgroup.Name), slog.Int("cpus", cgroup.CPUSetSize))
		cgroups = append(cgroups, cgroup)
	}
	return
}

// cpusetSize reads the cgroup's effective cpuset and counts its CPUs. Zero
// means the cpuset could not be determined.
func cpusetSize(cgroupDir string) int {
	for _, file := range []string{"cpuset.cpus.effective", "cpuset.cpus"} {
		content, err := os.ReadFile(filepath.Join(cgroupDir, file)) // #nosec G304
		if err != nil {
			continue
		}
		if n := countCPUList(strings.TrimSpace(string(content))); n > 0 {
			return n
		}
	}
	slog.Warn("could not determine cgroup cpuset size", slog.String("cgroup", cgroupDir))
	return 0
}

// countCPUList counts CPUs in a kernel cpu list string, e.g., "0-3,8,10-11" -> 7
func countCPUList(list string) (count int) {
	if list == "" {
		return
	}
	for _, chunk := range strings.Split(list, ",") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		if lo, hi, found := strings.Cut(chunk, "-"); found {
			first, err1 := strconv.Atoi(lo)
			last, err2 := strconv.Atoi(hi)
			if err1 == nil && err2 == nil && last >= first {
				count += last - first + 1
			}
		} else if _, err := strconv.Atoi(chunk); err == nil {
			count++
		}
	}
	return
}
