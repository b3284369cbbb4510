package postprocess

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

// metric evaluation over the parsed sample buckets

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"pmumon/internal/dump"
)

// level is one evaluation granularity. The constants substituted into metric
// expressions and the way samples are folded into frames both depend on it.
type level int

const (
	levelSystem level = iota
	levelSocket
	levelCore
	levelCgroup
)

func (l level) String() string {
	switch l {
	case levelSystem:
		return "sys"
	case levelSocket:
		return "socket"
	case levelCore:
		return "core"
	case levelCgroup:
		return "cgroup"
	}
	return "unknown"
}

// levelsFor returns the evaluation levels a dump of the given shape supports.
// The system-wide rollup is always produced, narrower levels only when the
// data rows carry the matching scope instance column.
func levelsFor(shape dump.ScopeShape) []level {
	switch shape {
	case dump.ShapePerCore, dump.ShapePerSocket:
		return []level{levelSystem, levelSocket, levelCore}
	case dump.ShapePerCgroup:
		return []level{levelSystem, levelCgroup}
	default:
		return []level{levelSystem}
	}
}

// eventGroup holds the observed values of one perf event group within a
// single frame, keyed by event display name.
type eventGroup struct {
	values map[string]float64
}

// metricFrame is the evaluation unit: all event group values observed for one
// scope instance at one timestamp.
type metricFrame struct {
	timestamp float64
	instance  string // "" at system level
	groups    []eventGroup
}

// diagnostics accumulates the per-run evaluation quality findings reported
// after the output files are written.
type diagnostics struct {
	missingEvents mapset.Set[string] // metrics with unresolvable variables
	zeroDivision  mapset.Set[string] // metrics that divided by zero
	multiGroup    mapset.Set[string] // metrics fed from more than one group
	notCounted    mapset.Set[string] // events perf reported as not counted
}

func newDiagnostics() *diagnostics {
	return &diagnostics{
		missingEvents: mapset.NewSet[string](),
		zeroDivision:  mapset.NewSet[string](),
		multiGroup:    mapset.NewSet[string](),
		notCounted:    mapset.NewSet[string](),
	}
}

// metricValue is one evaluated metric observation.
type metricValue struct {
	metric    string
	instance  string
	timestamp float64
	value     float64
}

// buildFrames folds the dump's sample buckets into evaluation frames for one
// level. At system level all scope instances are summed and uncore device
// instances are collapsed onto their base event name. Socket and core levels
// carry core events only, uncore counters have no per-core attribution.
func buildFrames(d *dump.Dump, lvl level) (frames []metricFrame) {
	declGroups := dump.Groups(d.Events)
	for i := range d.Buckets {
		bucket := &d.Buckets[i]
		index := indexBucket(bucket)
		switch lvl {
		case levelSystem:
			frames = append(frames, systemFrame(bucket.Timestamp, index, declGroups))
		case levelSocket:
			for socket, cpus := range d.Metadata.SocketCPUs {
				keys := make([]string, 0, len(cpus))
				for _, cpu := range cpus {
					keys = append(keys, strconv.Itoa(cpu))
				}
				frames = append(frames, summedFrame(bucket.Timestamp, strconv.Itoa(socket), index, declGroups, keys))
			}
		case levelCore:
			for _, key := range instanceKeys(bucket) {
				frames = append(frames, summedFrame(bucket.Timestamp, key, index, declGroups, []string{key}))
			}
		case levelCgroup:
			for _, key := range instanceKeys(bucket) {
				frames = append(frames, summedFrame(bucket.Timestamp, key, index, declGroups, []string{key}))
			}
		}
	}
	return
}

// indexBucket arranges a bucket's samples for lookup by event name and scope
// instance key.
func indexBucket(b *dump.Bucket) map[string]map[string]float64 {
	index := make(map[string]map[string]float64)
	for _, sample := range b.Samples {
		if index[sample.Event] == nil {
			index[sample.Event] = make(map[string]float64)
		}
		index[sample.Event][sample.Key] = sample.Value
	}
	return index
}

// instanceKeys returns the sorted distinct scope instance keys in a bucket.
// Numeric keys sort numerically so CPU 10 follows CPU 9.
func instanceKeys(b *dump.Bucket) (keys []string) {
	seen := mapset.NewSet[string]()
	for _, sample := range b.Samples {
		if sample.Key != "" {
			seen.Add(sample.Key)
		}
	}
	keys = seen.ToSlice()
	slices.SortFunc(keys, func(a, b string) int {
		na, errA := strconv.Atoi(a)
		nb, errB := strconv.Atoi(b)
		if errA == nil && errB == nil {
			return na - nb
		}
		if a < b {
			return -1
		} else if a > b {
			return 1
		}
		return 0
	})
	return
}

// systemFrame sums every scope instance of every event. Sibling groups of the
// same uncore event set, one per hardware device instance, merge into a
// single group keyed by the base event name.
func systemFrame(timestamp float64, index map[string]map[string]float64, declGroups [][]dump.EventDecl) (frame metricFrame) {
	frame.timestamp = timestamp
	merged := make(map[string]int) // uncore group signature -> frame group index
	for _, declGroup := range declGroups {
		if len(declGroup) == 0 {
			continue
		}
		if declGroup[0].Uncore {
			signature := ""
			for _, decl := range declGroup {
				signature += decl.BaseName() + ","
			}
			idx, ok := merged[signature]
			if !ok {
				frame.groups = append(frame.groups, eventGroup{values: make(map[string]float64)})
				idx = len(frame.groups) - 1
				merged[signature] = idx
			}
			for _, decl := range declGroup {
				value, ok := sumValues(index[decl.Name], nil)
				if !ok {
					continue
				}
				base := decl.BaseName()
				if existing, ok := frame.groups[idx].values[base]; ok && !math.IsNaN(existing) {
					frame.groups[idx].values[base] = existing + value
				} else {
					frame.groups[idx].values[base] = value
				}
			}
			continue
		}
		group := eventGroup{values: make(map[string]float64)}
		for _, decl := range declGroup {
			if value, ok := sumValues(index[decl.Name], nil); ok {
				group.values[decl.Name] = value
			}
		}
		frame.groups = append(frame.groups, group)
	}
	return
}

// summedFrame builds a frame from core event groups only, summing each event
// over the given scope instance keys.
func summedFrame(timestamp float64, instance string, index map[string]map[string]float64, declGroups [][]dump.EventDecl, keys []string) (frame metricFrame) {
	frame.timestamp = timestamp
	frame.instance = instance
	for _, declGroup := range declGroups {
		if len(declGroup) == 0 || declGroup[0].Uncore {
			continue
		}
		group := eventGroup{values: make(map[string]float64)}
		for _, decl := range declGroup {
			if value, ok := sumValues(index[decl.Name], keys); ok {
				group.values[decl.Name] = value
			}
		}
		frame.groups = append(frame.groups, group)
	}
	return
}

// sumValues sums the event's values over the given keys, or over all keys
// when keys is nil. NaN observations are skipped; when every observation is
// NaN the sum is NaN so downstream treats the event as not counted.
func sumValues(byKey map[string]float64, keys []string) (sum float64, found bool) {
	if byKey == nil {
		return
	}
	counted := 0
	sawNaN := false
	add := func(v float64) {
		found = true
		if math.IsNaN(v) {
			sawNaN = true
			return
		}
		sum += v
		counted++
	}
	if keys == nil {
		for _, v := range byKey {
			add(v)
		}
	} else {
		for _, key := range keys {
			if v, ok := byKey[key]; ok {
				add(v)
			}
		}
	}
	if found && counted == 0 && sawNaN {
		sum = math.NaN()
	}
	return
}

// loadMetricBestGroups chooses, for each of the metric's variables, the event
// group that will supply its value. Groups that cover more of the metric's
// variables win so that related events come from the same multiplexing
// window. Returns the number of distinct groups used.
func loadMetricBestGroups(metric *MetricDefinition, frame *metricFrame) (groupsUsed int, err error) {
	remaining := mapset.NewSet[string]()
	for name, group := range metric.Variables {
		if group == -1 {
			remaining.Add(name)
		}
	}
	used := mapset.NewSet[int]()
	for _, group := range metric.Variables {
		if group >= 0 {
			used.Add(group)
		}
	}
	for remaining.Cardinality() > 0 {
		bestGroup := -1
		var bestMatched mapset.Set[string]
		for idx, group := range frame.groups {
			matched := mapset.NewSet[string]()
			for name := range remaining.Iter() {
				if value, ok := group.values[name]; ok && !math.IsNaN(value) {
					matched.Add(name)
				}
			}
			if bestMatched == nil || matched.Cardinality() > bestMatched.Cardinality() {
				bestGroup = idx
				bestMatched = matched
			}
			if matched.Cardinality() == remaining.Cardinality() {
				break
			}
		}
		if bestMatched == nil || bestMatched.Cardinality() == 0 {
			// mark so later frames do not retry the lookup
			for name := range remaining.Iter() {
				metric.Variables[name] = -2
			}
			err = fmt.Errorf("metric variables (%s) not found for metric: %s",
				strings.Join(remaining.ToSlice(), ", "), metric.Name)
			return
		}
		for name := range bestMatched.Iter() {
			metric.Variables[name] = bestGroup
			remaining.Remove(name)
		}
		used.Add(bestGroup)
	}
	groupsUsed = used.Cardinality()
	return
}

// variableValues resolves the metric's variables against the frame using the
// previously chosen groups.
func variableValues(metric *MetricDefinition, frame *metricFrame) (values map[string]any, err error) {
	values = make(map[string]any)
	for name, group := range metric.Variables {
		if group < 0 || group >= len(frame.groups) {
			err = fmt.Errorf("variable %q has no supplying group for metric: %s", name, metric.Name)
			return
		}
		value, ok := frame.groups[group].values[name]
		if !ok {
			value = math.NaN()
		}
		values[name] = value
	}
	return
}

// evaluateExpression guards against the expression engine panicking on
// malformed input.
func evaluateExpression(metric *MetricDefinition, values map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while evaluating metric %s: %v", metric.Name, r)
		}
	}()
	result, err = metric.Evaluable.Evaluate(values)
	return
}

// evaluateFrames computes every configured metric for every frame. Divisions
// by zero are reported as zero with a diagnostic, frames whose inputs were not
// counted produce NaN observations that the aggregator leaves blank.
func evaluateFrames(metrics []MetricDefinition, frames []metricFrame, diags *diagnostics) (results []metricValue) {
	for f := range frames {
		frame := &frames[f]
		for m := range metrics {
			metric := &metrics[m]
			if metricAbandoned(metric) {
				continue
			}
			if metricUnassigned(metric) {
				groupsUsed, err := loadMetricBestGroups(metric, frame)
				if err != nil {
					slog.Debug("metric cannot be resolved", slog.String("metric", metric.Name), slog.String("error", err.Error()))
					diags.missingEvents.Add(metric.Name)
					continue
				}
				if groupsUsed > 1 {
					diags.multiGroup.Add(metric.Name)
				}
			}
			values, err := variableValues(metric, frame)
			if err != nil {
				diags.missingEvents.Add(metric.Name)
				continue
			}
			result, err := evaluateExpression(metric, values)
			if err != nil {
				slog.Debug("metric evaluation failed", slog.String("metric", metric.Name), slog.String("error", err.Error()))
				diags.missingEvents.Add(metric.Name)
				continue
			}
			value, ok := result.(float64)
			if !ok {
				slog.Debug("metric did not evaluate to a number", slog.String("metric", metric.Name))
				diags.missingEvents.Add(metric.Name)
				continue
			}
			if math.IsInf(value, 0) {
				diags.zeroDivision.Add(metric.Name)
				value = 0
			}
			results = append(results, metricValue{
				metric:    metric.Name,
				instance:  frame.instance,
				timestamp: frame.timestamp,
				value:     value,
			})
		}
	}
	return
}

func metricAbandoned(metric *MetricDefinition) bool {
	for _, group := range metric.Variables {
		if group == -2 {
			return true
		}
	}
	return false
}

func metricUnassigned(metric *MetricDefinition) bool {
	for _, group := range metric.Variables {
		if group == -1 {
			return true
		}
	}
	return false
}
