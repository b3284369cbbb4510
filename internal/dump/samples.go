package dump

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

// parsing and normalization of the interval-mode perf stat data rows

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// minViableFraction is the smallest fraction of the nominal sampling interval
// a trailing bucket may cover and still be usable. Shorter trailing buckets
// carry too much scheduler jitter relative to their duration and are dropped.
const minViableFraction = 0.9

// counters collected on only one hardware thread per physical core, the
// sibling thread reports nothing
var htSharedEvents = []string{"cstate_core/c6-residency/"}

// Sample is one normalized counter observation. Value is events per second
// over the bucket's true interval. Key identifies the scope instance: empty
// for system-wide rows, a logical CPU id for per-core rows, a cgroup id for
// per-cgroup rows.
type Sample struct {
	Event string
	Key   string
	Value float64
	Pcnt  float64 // percentage of the window the event was actually counted
}

// Bucket holds all samples observed at one distinct timestamp. Interval is
// the delta to the previous distinct timestamp, the true duration over which
// the counters accumulated.
type Bucket struct {
	Timestamp float64
	Interval  float64
	Samples   []Sample
}

// rowLayout maps the perf stat CSV columns for one scope shape. The layout is
// decided once from the metadata rather than repeated index arithmetic at
// every use site.
type rowLayout struct {
	valueIdx int
	eventIdx int
	pcntIdx  int
	keyIdx   int // -1 when rows carry no scope instance column
	minCols  int
}

func layoutFor(shape ScopeShape) rowLayout {
	switch shape {
	case ShapePerCore, ShapePerSocket:
		// time,CPU<n>,value,unit,event,runtime,pcnt
		return rowLayout{valueIdx: 2, eventIdx: 4, pcntIdx: 6, keyIdx: 1, minCols: 7}
	case ShapePerCgroup:
		// time,value,unit,cgroup,event,runtime,pcnt
		return rowLayout{valueIdx: 1, eventIdx: 4, pcntIdx: 6, keyIdx: 3, minCols: 7}
	default:
		// time,value,unit,event,runtime,pcnt
		return rowLayout{valueIdx: 1, eventIdx: 3, pcntIdx: 5, keyIdx: -1, minCols: 6}
	}
}

// parseDataRows turns raw CSV rows into normalized sample buckets. Rows from
// the first distinct timestamp only establish the baseline and are not
// emitted. A trailing bucket whose interval is below the minimum viable
// duration is discarded.
func parseDataRows(lines []string, metadata Metadata) (buckets []Bucket, notCounted []string, err error) {
	layout := layoutFor(metadata.Shape())
	notCountedSet := mapset.NewSet[string]()
	var raw []Bucket // includes the baseline bucket
	var current *Bucket
	for _, line := range lines {
		if strings.HasPrefix(line, "#") {
			continue // perf session comment, e.g., "# started on ..."
		}
		fields := strings.Split(line, ",")
		if len(fields) < layout.minCols {
			continue
		}
		var timestamp float64
		if timestamp, err = strconv.ParseFloat(strings.TrimSpace(fields[0]), 64); err != nil {
			err = fmt.Errorf("unparseable timestamp in data row: %q", line)
			return
		}
		var sample Sample
		sample.Event = strings.TrimSpace(fields[layout.eventIdx])
		if layout.keyIdx != -1 {
			sample.Key = strings.TrimSpace(fields[layout.keyIdx])
			sample.Key = strings.TrimPrefix(sample.Key, "CPU")
		}
		valueField := strings.TrimSpace(fields[layout.valueIdx])
		if sample.Value, err = strconv.ParseFloat(valueField, 64); err != nil {
			err = nil
			sample.Value = math.NaN()
			if valueField == "<not counted>" {
				notCountedSet.Add(sample.Event)
			}
		}
		if sample.Pcnt, err = strconv.ParseFloat(strings.TrimSpace(fields[layout.pcntIdx]), 64); err != nil {
			err = nil
		} else if sample.Pcnt == 0 && !math.IsNaN(sample.Value) {
			// counter never scheduled during the interval, value is garbage
			sample.Value = math.NaN()
			notCountedSet.Add(sample.Event)
		}
		if current == nil || current.Timestamp != timestamp {
			raw = append(raw, Bucket{Timestamp: timestamp})
			current = &raw[len(raw)-1]
		}
		current.Samples = append(current.Samples, sample)
	}
	if len(raw) == 0 {
		return
	}
	// the interval is the delta between consecutive distinct timestamps, not
	// the nominal configured interval, which corrects for sampling jitter
	prev := 0.0
	for i := range raw {
		raw[i].Interval = raw[i].Timestamp - prev
		prev = raw[i].Timestamp
	}
	// first bucket is baseline only
	buckets = raw[1:]
	minViable := minViableFraction * metadata.SamplingInterval
	if len(buckets) > 0 && metadata.SamplingInterval > 0 && buckets[len(buckets)-1].Interval < minViable {
		slog.Warn("discarding trailing sample bucket below minimum viable duration",
			slog.Float64("interval", buckets[len(buckets)-1].Interval),
			slog.Float64("minimum", minViable))
		buckets = buckets[:len(buckets)-1]
	}
	for i := range buckets {
		normalizeBucket(&buckets[i], metadata)
	}
	notCounted = notCountedSet.ToSlice()
	slices.Sort(notCounted)
	return
}

// normalizeBucket converts accumulated counts to events per second and
// applies the hyperthread-shared counter adjustment.
func normalizeBucket(b *Bucket, metadata Metadata) {
	for i := range b.Samples {
		if b.Interval > 0 {
			b.Samples[i].Value /= b.Interval
		}
	}
	if metadata.ThreadsPerCore < 2 {
		return
	}
	shape := metadata.Shape()
	var siblings []Sample
	for i := range b.Samples {
		if !isHTSharedEvent(b.Samples[i].Event) {
			continue
		}
		switch shape {
		case ShapeSystem:
			// counted on one thread per core, both threads were resident
			b.Samples[i].Value *= float64(metadata.ThreadsPerCore)
		case ShapePerCore, ShapePerSocket:
			// synthesize the sibling thread's row so every scope sees the
			// counter consistently
			cpu, err := strconv.Atoi(b.Samples[i].Key)
			if err != nil {
				continue
			}
			sibling := b.Samples[i]
			sibling.Key = strconv.Itoa(cpu + metadata.CoresPerSocket*metadata.SocketCount)
			siblings = append(siblings, sibling)
		}
	}
	b.Samples = append(b.Samples, siblings...)
}

func isHTSharedEvent(event string) bool {
	return slices.Contains(htSharedEvents, event)
}
