// Package topology probes the machine topology needed to compile perf event
// groups and to derive metric constants, e.g., socket count, cores per socket,
// hyperthreading, uncore device instances, TSC frequency.
package topology

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
)

// Topology represents the machine attributes that influence event selection and
// metric evaluation. It is built once per session and not modified afterward.
type Topology struct {
	SocketCount        int
	CoresPerSocket     int
	ThreadsPerCore     int
	CPUSocketMap       map[int]int      // logical CPU -> socket
	UncoreDeviceIDs    map[string][]int // device type, e.g., "cha" -> instance ids
	TSCFrequencyHz     int
	KernelVersion      string
	Microarchitecture  string
	ModelName          string
	Vendor             string
	PerfSupportedEvents string
	SupportsUncore     bool
	SupportsRefCycles  bool
	SupportsFixedTMA   bool
}

const (
	defaultProcRoot = "/proc"
	defaultSysRoot  = "/sys"
)

// Probe collects the machine topology. The proc and sys roots are
// parameterized for testing; pass empty strings to use the defaults.
func Probe(procRoot string, sysRoot string) (topo Topology, err error) {
	if procRoot == "" {
		procRoot = defaultProcRoot
	}
	if sysRoot == "" {
		sysRoot = defaultSysRoot
	}
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		err = fmt.Errorf("failed to open proc filesystem at %s: %w", procRoot, err)
		return
	}
	cpuInfo, err := fs.CPUInfo()
	if err != nil {
		err = fmt.Errorf("failed to read cpuinfo: %w", err)
		return
	}
	if len(cpuInfo) == 0 {
		err = fmt.Errorf("no CPUs found in cpuinfo")
		return
	}
	if topo, err = topologyFromCPUInfo(cpuInfo); err != nil {
		return
	}
	topo.KernelVersion = kernelVersion(procRoot)
	topo.UncoreDeviceIDs = uncoreDeviceIDs(filepath.Join(sysRoot, "bus", "event_source", "devices"))
	topo.SupportsUncore = len(topo.UncoreDeviceIDs) > 0
	if !topo.SupportsUncore {
		slog.Warn("no uncore PMU devices found, uncore events will not be collected")
	}
	topo.PerfSupportedEvents = perfSupportedEvents()
	topo.SupportsRefCycles = supportsEvent("ref-cycles")
	if !topo.SupportsRefCycles {
		slog.Warn("ref-cycles event not supported on target")
	}
	topo.SupportsFixedTMA = supportsFixedTMA(topo.Microarchitecture)
	if !topo.SupportsFixedTMA {
		slog.Warn("fixed-counter TMA events not supported on target")
	}
	return
}

// topologyFromCPUInfo derives the CPU counts, socket map, microarchitecture,
// and TSC frequency from parsed cpuinfo records.
func topologyFromCPUInfo(cpuInfo []procfs.CPUInfo) (topo Topology, err error) {
	topo.CPUSocketMap = make(map[int]int)
	sockets := make(map[int]bool)
	for _, cpu := range cpuInfo {
		socket, _ := strconv.Atoi(cpu.PhysicalID)
		sockets[socket] = true
		topo.CPUSocketMap[int(cpu.Processor)] = socket
	}
	topo.SocketCount = len(sockets)
	if topo.SocketCount == 0 {
		topo.SocketCount = 1
	}
	first := cpuInfo[0]
	topo.CoresPerSocket = int(first.CPUCores)
	if topo.CoresPerSocket == 0 {
		topo.CoresPerSocket = len(cpuInfo) / topo.SocketCount
	}
	siblings := int(first.Siblings)
	if topo.CoresPerSocket > 0 && siblings >= topo.CoresPerSocket {
		topo.ThreadsPerCore = siblings / topo.CoresPerSocket
	}
	if topo.ThreadsPerCore == 0 {
		topo.ThreadsPerCore = 1
	}
	topo.ModelName = first.ModelName
	topo.Vendor = first.VendorID
	family, _ := strconv.Atoi(first.CPUFamily)
	model, _ := strconv.Atoi(first.Model)
	stepping, _ := strconv.Atoi(first.Stepping)
	topo.Microarchitecture = uarchFromModel(family, model, stepping)
	topo.TSCFrequencyHz = tscFrequencyHz(first.ModelName, cpuInfo)
	return
}

// uarchFromModel maps family/model/stepping to a short microarchitecture tag.
func uarchFromModel(family int, model int, stepping int) string {
	if family != 6 {
		return fmt.Sprintf("fam%d_mod%d", family, model)
	}
	switch model {
	case 63:
		return "hsx"
	case 79, 86:
		return "bdx"
	case 85:
		if stepping < 5 {
			return "skx"
		}
		return "clx"
	case 106, 108:
		return "icx"
	case 143:
		return "spr"
	case 207:
		return "emr"
	case 173, 174:
		return "gnr"
	default:
		return fmt.Sprintf("fam%d_mod%d", family, model)
	}
}

var reBaseFrequency = regexp.MustCompile(`@ ([0-9.]+)GHz`)

// tscFrequencyHz derives the TSC frequency from the base frequency advertised
// in the model name, falling back to the maximum observed core frequency.
func tscFrequencyHz(modelName string, cpuInfo []procfs.CPUInfo) int {
	if match := reBaseFrequency.FindStringSubmatch(modelName); match != nil {
		if ghz, err := strconv.ParseFloat(match[1], 64); err == nil {
			return int(ghz * 1e9)
		}
	}
	maxMHz := 0.0
	for _, cpu := range cpuInfo {
		if float64(cpu.CPUMHz) > maxMHz {
			maxMHz = float64(cpu.CPUMHz)
		}
	}
	return int(maxMHz * 1e6)
}

var reUncoreDevice = regexp.MustCompile(`^uncore_(\w+?)_(\d+)$`)

// uncoreDeviceIDs scans the perf event source devices and returns the instance
// ids found for each uncore device type. Instance ids are not guaranteed to be
// consecutive, e.g., memory controller ids on some platforms.
func uncoreDeviceIDs(devicesDir string) map[string][]int {
	ids := make(map[string][]int)
	entries, err := os.ReadDir(devicesDir)
	if err != nil {
		slog.Debug("failed to read event source devices", slog.String("dir", devicesDir), slog.String("error", err.Error()))
		return ids
	}
	for _, entry := range entries {
		match := reUncoreDevice.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		id, err := strconv.Atoi(match[2])
		if err != nil {
			continue
		}
		ids[match[1]] = append(ids[match[1]], id)
	}
	for deviceType := range ids {
		sort.Ints(ids[deviceType])
	}
	return ids
}

func kernelVersion(procRoot string) string {
	data, err := os.ReadFile(filepath.Join(procRoot, "sys", "kernel", "osrelease"))
	if err != nil {
		slog.Debug("failed to read kernel version", slog.String("error", err.Error()))
		return ""
	}
	return strings.TrimSpace(string(data))
}

// perfSupportedEvents returns the output of 'perf list' for filtering events
// that the installed perf does not know about.
func perfSupportedEvents() string {
	cmd := exec.Command("perf", "list")
	out, err := cmd.Output()
	if err != nil {
		slog.Warn("failed to run perf list", slog.String("error", err.Error()))
		return ""
	}
	return string(out)
}

// supportsEvent runs a short collection of the given event to confirm the
// kernel/hardware combination can count it.
func supportsEvent(event string) bool {
	cmd := exec.Command("perf", "stat", "-a", "-e", event, "sleep", ".1")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return false
	}
	return !strings.Contains(string(out), "<not supported>")
}

// supportsFixedTMA confirms that the fixed-purpose top-down analysis counters
// can be programmed. They commonly cannot in virtualized environments even
// when the microarchitecture has them.
func supportsFixedTMA(uarch string) bool {
	switch uarch {
	case "icx", "spr", "emr", "gnr":
	default:
		// fixed TMA counters first appeared in icelake
		return false
	}
	cmd := exec.Command("perf", "stat", "-a", "-e", "{slots,topdown-bad-spec}", "sleep", ".1")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return false
	}
	return !strings.Contains(string(out), "<not supported>") && !strings.Contains(string(out), "<not counted>")
}
