package collect

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

// helper functions for parsing the event definition list and compiling the
// hardware-multiplexable sampling groups

import (
	"bufio"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"pmumon/internal/dump"
	"pmumon/internal/topology"
)

// EventDefinition represents a single perf event
type EventDefinition struct {
	Raw    string
	Name   string
	Device string
}

// GroupDefinition represents a group of perf events counted in one hardware window
type GroupDefinition []EventDefinition

// loadEventGroups reads the events defined in the microarchitecture-specific event
// definition file, filters them by platform capability, and expands uncore events
// to cover every hardware instance of their device. The returned declarations
// mirror the compiled groups and are written verbatim into the raw dump so
// postprocessing can reconstruct group membership.
func loadEventGroups(eventDefinitionOverridePath string, topo *topology.Topology, scope string) (groups []GroupDefinition, decls []dump.EventDecl, uncollectableEvents []string, err error) {
	var file fs.File
	if eventDefinitionOverridePath != "" {
		file, err = os.Open(eventDefinitionOverridePath) // #nosec G304
		if err != nil {
			return
		}
	} else {
		if file, err = openDefaultEventFile(topo); err != nil {
			return
		}
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	uncollectable := mapset.NewSet[string]()
	var group GroupDefinition
	var coreEventCount int
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		// strip end of line comment
		if idx := strings.Index(line, "#"); idx != -1 {
			line = strings.TrimSpace(line[:idx])
		}
		closesGroup := line[len(line)-1] == ';'
		var event EventDefinition
		if event, err = parseEventDefinition(line[:len(line)-1]); err != nil {
			return
		}
		if isCollectableEvent(event, topo, scope) {
			group = append(group, event)
			if !isUncoreEvent(event) {
				coreEventCount++
			}
		} else {
			uncollectable.Add(event.Name)
		}
		if closesGroup {
			// end of group detected; a dropped closing event promotes the prior
			// surviving event to close the group
			if len(group) > 0 {
				groups = append(groups, group)
			} else {
				slog.Debug("No collectable events in group", slog.String("ending", line))
			}
			group = GroupDefinition{}
		}
	}
	if err = scanner.Err(); err != nil {
		return
	}
	if uncollectable.Contains("cpu-cycles") {
		err = fmt.Errorf("cpu-cycles event not collectable, PMUs not available on this host. Run on bare metal or in a full-socket VM")
		return
	}
	if coreEventCount == 0 {
		err = fmt.Errorf("no collectable core events found on this platform")
		return
	}
	uncollectableEvents = uncollectable.ToSlice()
	if uncollectable.Cardinality() != 0 {
		slog.Warn("events not collectable on this platform", slog.String("events", uncollectable.String()))
	}
	// expand uncore groups for all uncore device instances
	arena := newUncoreArena(topo.UncoreDeviceIDs)
	if groups, err = arena.expandGroups(groups); err != nil {
		return
	}
	decls = declarationsFromGroups(groups)
	return
}

// openDefaultEventFile selects the embedded event definition file for the
// probed microarchitecture, falling back to the generic list
func openDefaultEventFile(topo *topology.Topology) (file fs.File, err error) {
	uarch := strings.ToLower(strings.Split(topo.Microarchitecture, "_")[0])
	// use alternate events when TMA fixed counters are not supported
	alternate := ""
	if !topo.SupportsFixedTMA && (uarch == "icx" || uarch == "spr" || uarch == "emr" || uarch == "gnr") {
		alternate = "_nofixedtma"
	}
	eventFileName := fmt.Sprintf("%s%s.txt", uarch, alternate)
	if file, err = resources.Open(filepath.Join("resources", "events", eventFileName)); err == nil {
		return
	}
	slog.Debug("no event definitions for microarchitecture, using default list", slog.String("uarch", uarch))
	return resources.Open(filepath.Join("resources", "events", "default.txt"))
}

func isUncoreEvent(event EventDefinition) bool {
	return event.Device != "" && event.Device != "cpu"
}

// isCollectableEvent confirms if given event can be collected on the platform
func isCollectableEvent(event EventDefinition, topo *topology.Topology, scope string) bool {
	// fixed-counter TMA
	if !topo.SupportsFixedTMA && (event.Name == "TOPDOWN.SLOTS" || strings.HasPrefix(event.Name, "PERF_METRICS.")) {
		slog.Debug("Fixed counter TMA not supported on target", slog.String("event", event.Name))
		return false
	}
	// short-circuit for cpu events
	if event.Device == "cpu" {
		return true
	}
	// uncore events
	if isUncoreEvent(event) {
		// uncore counters are not attributable to a single process or cgroup
		if scope == scopeProcess || scope == scopeCgroup {
			slog.Debug("Uncore events not supported in process or cgroup scope", slog.String("event", event.Name))
			return false
		}
		if !topo.SupportsUncore {
			slog.Debug("Uncore events not supported on target", slog.String("event", event.Name))
			return false
		}
		if event.Device != "power" {
			if _, ok := topo.UncoreDeviceIDs[event.Device]; !ok {
				slog.Debug("Uncore device not found", slog.String("device", event.Device))
				return false
			}
			if !strings.Contains(event.Raw, "umask") && !strings.Contains(event.Raw, "event") {
				slog.Debug("Uncore event missing umask or event", slog.String("event", event.Name))
				return false
			}
		}
		return true
	}
	// if we got this far, event.Device is empty
	// is ref-cycles supported?
	if !topo.SupportsRefCycles && strings.Contains(event.Name, "ref-cycles") {
		slog.Debug("ref-cycles not supported on target", slog.String("event", event.Name))
		return false
	}
	// no cstate events when collecting at process or cgroup scope
	if (scope == scopeProcess || scope == scopeCgroup) && strings.Contains(event.Name, "cstate_") {
		slog.Debug("Cstate events not supported in process or cgroup scope", slog.String("event", event.Name))
		return false
	}
	// finally, if it isn't in the perf list output, it isn't collectable
	name := strings.Split(event.Name, ":")[0]
	name = strings.Split(name, "/")[0]
	if !strings.Contains(topo.PerfSupportedEvents, name) {
		slog.Debug("Event not supported by perf", slog.String("event", name))
		return false
	}
	return true
}

// parseEventDefinition parses one line from the event definition file into a representative structure
func parseEventDefinition(line string) (eventDef EventDefinition, err error) {
	eventDef.Raw = line
	fields := strings.Split(line, ",")
	if len(fields) == 1 {
		eventDef.Name = fields[0]
		if strings.HasPrefix(eventDef.Name, "power/") {
			eventDef.Device = "power"
		}
	} else if len(fields) > 1 {
		nameField := fields[len(fields)-1]
		if !strings.HasPrefix(nameField, "name=") {
			err = fmt.Errorf("unrecognized event format, name field not found: %s", line)
			return
		}
		eventDef.Name = nameField[6 : len(nameField)-2]
		eventDef.Device = strings.Split(fields[0], "/")[0]
	} else {
		err = fmt.Errorf("unrecognized event format: %s", line)
		return
	}
	return
}

// uncoreArena addresses uncore event expansion by (device type, instance id)
// rather than splicing instance numbers into strings at the use sites
type uncoreArena struct {
	ids map[string][]int
	re  *regexp.Regexp
}

func newUncoreArena(deviceIDs map[string][]int) *uncoreArena {
	// example: cha/event=0x35,umask=0xc80ffe01,name='UNC_CHA_TOR_INSERTS.IA_MISS_CRD'/
	// expands to: uncore_cha_0/event=0x35,umask=0xc80ffe01,name='UNC_CHA_TOR_INSERTS.IA_MISS_CRD.0'/
	return &uncoreArena{
		ids: deviceIDs,
		re:  regexp.MustCompile(`(\w+)/event=(0x[0-9a-fA-F]+),umask=(0x[0-9a-fA-F]+.*),name='(.*)'`),
	}
}

// expandGroup produces one sibling group per hardware instance of the group's
// device, each event display name numbered with the instance id
func (a *uncoreArena) expandGroup(group GroupDefinition) (groups []GroupDefinition, err error) {
	device := group[0].Device
	instances := a.ids[device]
	if len(instances) == 0 {
		slog.Warn("No uncore devices found", slog.String("type", device))
		return
	}
	for _, deviceID := range instances {
		var newGroup GroupDefinition
		for _, event := range group {
			match := a.re.FindStringSubmatch(event.Raw)
			if len(match) == 0 {
				err = fmt.Errorf("unexpected raw event format: %s", event.Raw)
				return
			}
			var newEvent EventDefinition
			newEvent.Name = fmt.Sprintf("%s.%d", match[4], deviceID)
			newEvent.Raw = fmt.Sprintf("uncore_%s_%d/event=%s,umask=%s,name='%s'/", match[1], deviceID, match[2], match[3], newEvent.Name)
			newEvent.Device = event.Device
			newGroup = append(newGroup, newEvent)
		}
		groups = append(groups, newGroup)
	}
	return
}

// expandGroups expands groups with uncore events to include events for all uncore
// device instances. Assumes uncore device events are in their own groups, not
// mixed with other device types.
func (a *uncoreArena) expandGroups(groups []GroupDefinition) (expandedGroups []GroupDefinition, err error) {
	for _, group := range groups {
		if _, ok := a.ids[group[0].Device]; ok {
			var newGroups []GroupDefinition
			if newGroups, err = a.expandGroup(group); err != nil {
				return
			}
			expandedGroups = append(expandedGroups, newGroups...)
		} else {
			expandedGroups = append(expandedGroups, group)
		}
	}
	return
}

// declarationsFromGroups renders the compiled groups as the declaration lines
// written to the raw dump, the last member of each group marked as closing
func declarationsFromGroups(groups []GroupDefinition) (decls []dump.EventDecl) {
	for _, group := range groups {
		for i, event := range group {
			decls = append(decls, dump.EventDecl{
				Raw:         event.Raw,
				Name:        event.Name,
				Uncore:      isUncoreEvent(event),
				ClosesGroup: i == len(group)-1,
			})
		}
	}
	return
}
