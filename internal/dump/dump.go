// Package dump implements the self-describing raw collection file shared by
// the collector and the postprocessor. A dump is comma-delimited text with
// three sequential blocks: metadata key/value pairs, the compiled perf event
// declarations in group order, and the interval-mode perf stat data rows.
package dump

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

const (
	MetaSentinel   = "### META DATA ###"
	EventsSentinel = "### PERF EVENTS ###"
	DataSentinel   = "### PERF DATA ###"
)

// ScopeShape identifies the column layout of the data rows. It is determined
// once from the metadata block and dispatched on everywhere a row is parsed.
type ScopeShape int

const (
	ShapeSystem ScopeShape = iota
	ShapePerCore
	ShapePerSocket
	ShapePerCgroup
)

func (s ScopeShape) String() string {
	switch s {
	case ShapeSystem:
		return "system"
	case ShapePerCore:
		return "percore"
	case ShapePerSocket:
		return "persocket"
	case ShapePerCgroup:
		return "percgroup"
	}
	return "unknown"
}

// PressureSample is one resource-pressure side-channel observation taken
// during collection.
type PressureSample struct {
	Resource  string // cpu, memory, io
	Timestamp float64
	SomePct   float64
	FullPct   float64
}

// Metadata holds everything the postprocessor needs to interpret the data
// rows without re-probing the machine that produced them.
type Metadata struct {
	TSCFrequencyMHz  float64
	CoresPerSocket   int
	SocketCount      int
	ThreadsPerCore   int
	IMCCount         int
	CHACount         int
	UPICount         int
	SamplingInterval float64 // seconds
	MuxIntervalMs    int
	Architecture     string
	Model            string
	KernelVersion    string
	SocketCPUs       [][]int        // logical CPUs per socket
	CgroupCPUSets    map[string]int // cgroup id -> assigned cpu count
	Pressure         []PressureSample
	PerCoreMode      bool
	CgroupMode       bool
	ToolVersion      string
}

// Shape returns the data row layout implied by the collection mode flags.
func (m Metadata) Shape() ScopeShape {
	if m.CgroupMode {
		return ShapePerCgroup
	}
	if m.PerCoreMode {
		return ShapePerCore
	}
	return ShapeSystem
}

// CPUCount returns the number of online logical CPUs.
func (m Metadata) CPUCount() int {
	return m.CoresPerSocket * m.ThreadsPerCore * m.SocketCount
}

// EventDecl is one line of the event declaration block. Raw is the exact
// event text handed to perf, Name the display name used in metric formulas.
// A declaration closing a group carries a trailing ';' before the scope
// suffix, e.g., "cpu-cycles;:c".
type EventDecl struct {
	Raw         string
	Name        string
	Uncore      bool
	ClosesGroup bool
}

// String renders the declaration the way it is written to the dump.
func (d EventDecl) String() string {
	scope := ":c"
	if d.Uncore {
		scope = ":u"
	}
	if d.ClosesGroup {
		return d.Raw + ";" + scope
	}
	return d.Raw + scope
}

// BaseName returns the event name with any uncore device instance suffix
// removed, e.g., "UNC_M_CAS.RD.3" -> "UNC_M_CAS.RD".
func (d EventDecl) BaseName() string {
	if !d.Uncore {
		return d.Name
	}
	idx := strings.LastIndex(d.Name, ".")
	if idx == -1 {
		return d.Name
	}
	if _, err := strconv.Atoi(d.Name[idx+1:]); err != nil {
		return d.Name
	}
	return d.Name[:idx]
}

// ParseEventDecl parses one event declaration line back into its parts.
func ParseEventDecl(line string) (decl EventDecl, err error) {
	line = strings.TrimSpace(line)
	if len(line) < 3 {
		err = fmt.Errorf("event declaration too short: %q", line)
		return
	}
	switch line[len(line)-2:] {
	case ":c":
	case ":u":
		decl.Uncore = true
	default:
		err = fmt.Errorf("event declaration missing scope suffix: %q", line)
		return
	}
	line = line[:len(line)-2]
	if strings.HasSuffix(line, ";") {
		decl.ClosesGroup = true
		line = line[:len(line)-1]
	}
	decl.Raw = line
	if strings.Contains(line, "name=") {
		parts := strings.Split(line, "'")
		if len(parts) < 2 {
			err = fmt.Errorf("malformed named event declaration: %q", line)
			return
		}
		decl.Name = parts[1]
	} else {
		decl.Name = line
	}
	return
}

// Groups arranges declarations into ordered event groups honoring the
// group-closing markers. Every group is non-empty and closed.
func Groups(decls []EventDecl) (groups [][]EventDecl) {
	var group []EventDecl
	for _, decl := range decls {
		group = append(group, decl)
		if decl.ClosesGroup {
			groups = append(groups, group)
			group = nil
		}
	}
	if len(group) > 0 {
		// tolerate a missing final close marker
		groups = append(groups, group)
	}
	return
}

// WriteHeader prepends the metadata and event declaration blocks to the file
// at path, which holds the perf stat data rows. When the file already starts
// with a metadata block the file is left unchanged.
func WriteHeader(path string, metadata Metadata, decls []EventDecl) (err error) {
	existing, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return
	}
	if strings.HasPrefix(string(existing), MetaSentinel) {
		slog.Debug("metadata already present, not prepending", slog.String("path", path))
		return
	}
	f, err := os.Create(path) // #nosec G304
	if err != nil {
		return
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	writeMetadata(w, metadata)
	fmt.Fprintf(w, "%s,\n", EventsSentinel)
	for _, decl := range decls {
		fmt.Fprintln(w, decl.String())
	}
	fmt.Fprintf(w, "%s,\n", DataSentinel)
	if _, err = w.Write(existing); err != nil {
		return
	}
	return w.Flush()
}

func writeMetadata(w io.Writer, m Metadata) {
	fmt.Fprintf(w, "%s,\n", MetaSentinel)
	fmt.Fprintf(w, "TSC Frequency(MHz),%s,\n", strconv.FormatFloat(m.TSCFrequencyMHz, 'f', -1, 64))
	fmt.Fprintf(w, "CPU count,%d,\n", m.CoresPerSocket)
	fmt.Fprintf(w, "SOCKET count,%d,\n", m.SocketCount)
	fmt.Fprintf(w, "HT count,%d,\n", m.ThreadsPerCore)
	fmt.Fprintf(w, "IMC count,%d,\n", m.IMCCount)
	fmt.Fprintf(w, "CHA count,%d,\n", m.CHACount)
	fmt.Fprintf(w, "UPI count,%d,\n", m.UPICount)
	fmt.Fprintf(w, "Sampling Interval,%s,\n", strconv.FormatFloat(m.SamplingInterval, 'f', -1, 64))
	fmt.Fprintf(w, "Perf event mux Interval ms,%d,\n", m.MuxIntervalMs)
	fmt.Fprintf(w, "Architecture,%s,\n", m.Architecture)
	fmt.Fprintf(w, "Model,%s,\n", m.Model)
	fmt.Fprintf(w, "kernel version,%s\n", m.KernelVersion)
	for socket, cpus := range m.SocketCPUs {
		fmt.Fprintf(w, "Socket:%d,", socket)
		for _, cpu := range cpus {
			fmt.Fprintf(w, "%d;", cpu)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "Percore mode,%s,\n", enabledDisabled(m.PerCoreMode))
	fmt.Fprintf(w, "Cgroup mode,%s,\n", enabledDisabled(m.CgroupMode))
	for cid, cpus := range m.CgroupCPUSets {
		fmt.Fprintf(w, "Cgroup,%s,%d,\n", cid, cpus)
	}
	for _, p := range m.Pressure {
		fmt.Fprintf(w, "Pressure,%s,%f,%f,%f,\n", p.Resource, p.Timestamp, p.SomePct, p.FullPct)
	}
	fmt.Fprintf(w, "Tool version,%s,\n", m.ToolVersion)
}

func enabledDisabled(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

// Dump is a fully parsed raw collection file.
type Dump struct {
	Metadata Metadata
	Events   []EventDecl
	Buckets  []Bucket
	// NotCounted holds names of events that reported "<not counted>" at
	// least once during the run.
	NotCounted []string
}

// Parse reads the complete dump. A dump whose first content is not the
// metadata sentinel cannot be safely interpreted and is rejected.
func Parse(r io.Reader) (d Dump, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	first := true
	inEvents := false
	var dataLines []string
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if first {
			if !strings.HasPrefix(line, MetaSentinel) {
				err = fmt.Errorf("raw file does not begin with %q, cannot interpret it", MetaSentinel)
				return
			}
			first = false
			continue
		}
		if strings.HasPrefix(line, EventsSentinel) {
			inEvents = true
			continue
		}
		if strings.HasPrefix(line, DataSentinel) {
			inEvents = false
			// remaining lines are data rows
			for scanner.Scan() {
				dataLine := strings.TrimRight(scanner.Text(), "\r")
				if strings.TrimSpace(dataLine) == "" {
					continue
				}
				dataLines = append(dataLines, dataLine)
			}
			break
		}
		if inEvents {
			var decl EventDecl
			if decl, err = ParseEventDecl(line); err != nil {
				return
			}
			d.Events = append(d.Events, decl)
			continue
		}
		parseMetadataLine(line, &d.Metadata)
	}
	if err = scanner.Err(); err != nil {
		return
	}
	if first {
		err = fmt.Errorf("raw file is empty")
		return
	}
	if len(d.Events) == 0 {
		err = fmt.Errorf("raw file has no event declarations")
		return
	}
	d.Buckets, d.NotCounted, err = parseDataRows(dataLines, d.Metadata)
	return
}

func parseMetadataLine(line string, m *Metadata) {
	fields := strings.Split(line, ",")
	key := fields[0]
	value := ""
	if len(fields) > 1 {
		value = strings.TrimSpace(fields[1])
	}
	switch {
	case strings.HasPrefix(key, "TSC"):
		m.TSCFrequencyMHz, _ = strconv.ParseFloat(value, 64)
	case strings.HasPrefix(key, "CPU count"):
		m.CoresPerSocket, _ = strconv.Atoi(value)
	case strings.HasPrefix(key, "SOCKET"):
		m.SocketCount, _ = strconv.Atoi(value)
	case strings.HasPrefix(key, "HT"):
		m.ThreadsPerCore, _ = strconv.Atoi(value)
	case strings.HasPrefix(key, "IMC"):
		m.IMCCount, _ = strconv.Atoi(value)
	case strings.HasPrefix(key, "CHA"):
		m.CHACount, _ = strconv.Atoi(value)
	case strings.HasPrefix(key, "UPI"):
		m.UPICount, _ = strconv.Atoi(value)
	case strings.HasPrefix(key, "Sampling"):
		m.SamplingInterval, _ = strconv.ParseFloat(value, 64)
	case strings.HasPrefix(key, "Perf event mux"):
		m.MuxIntervalMs, _ = strconv.Atoi(value)
	case key == "Architecture":
		m.Architecture = value
	case key == "Model":
		m.Model = value
	case strings.HasPrefix(key, "kernel version"):
		m.KernelVersion = value
	case strings.HasPrefix(key, "Socket:"):
		var cpus []int
		for _, cpuStr := range strings.Split(strings.TrimSuffix(fields[1], ";"), ";") {
			if cpu, err := strconv.Atoi(strings.TrimSpace(cpuStr)); err == nil {
				cpus = append(cpus, cpu)
			}
		}
		m.SocketCPUs = append(m.SocketCPUs, cpus)
	case strings.HasPrefix(key, "Percore mode"):
		m.PerCoreMode = value == "enabled"
	case strings.HasPrefix(key, "Cgroup mode"):
		m.CgroupMode = value == "enabled"
	case key == "Cgroup" && len(fields) >= 3:
		if m.CgroupCPUSets == nil {
			m.CgroupCPUSets = make(map[string]int)
		}
		m.CgroupCPUSets[value], _ = strconv.Atoi(strings.TrimSpace(fields[2]))
	case key == "Pressure" && len(fields) >= 5:
		var p PressureSample
		p.Resource = value
		p.Timestamp, _ = strconv.ParseFloat(fields[2], 64)
		p.SomePct, _ = strconv.ParseFloat(fields[3], 64)
		p.FullPct, _ = strconv.ParseFloat(fields[4], 64)
		m.Pressure = append(m.Pressure, p)
	case strings.HasPrefix(key, "Tool version"):
		m.ToolVersion = value
	default:
		slog.Debug("ignoring unknown metadata line", slog.String("key", key))
	}
}
