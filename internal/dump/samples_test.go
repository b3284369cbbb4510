package dump

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func systemRow(ts float64, value string, event string) string {
	return fmt.Sprintf("%.3f,%s,,%s,1000,100.00", ts, value, event)
}

func coreRow(ts float64, cpu int, value string, event string) string {
	return fmt.Sprintf("%.3f,CPU%d,%s,,%s,1000,100.00", ts, cpu, value, event)
}

func cgroupRow(ts float64, cid string, value string, event string) string {
	return fmt.Sprintf("%.3f,%s,,%s,%s,1000,100.00", ts, value, cid, event)
}

func TestParseDataRowsBucketCount(t *testing.T) {
	metadata := Metadata{SamplingInterval: 5, CoresPerSocket: 4, SocketCount: 1, ThreadsPerCore: 1}
	// K distinct timestamps yield at most K-1 usable buckets
	var lines []string
	for _, ts := range []float64{5.005, 10.007, 15.002, 20.009} {
		lines = append(lines, systemRow(ts, "1000000", "cpu-cycles"))
	}
	buckets, notCounted, err := parseDataRows(lines, metadata)
	assert.NoError(t, err)
	assert.Len(t, buckets, 3)
	assert.Empty(t, notCounted)
	// interval is the distinct-timestamp delta, not the nominal interval
	assert.InDelta(t, 5.002, buckets[0].Interval, 0.0001)
	// values are normalized to events per second over the true interval
	assert.InDelta(t, 1000000/5.002, buckets[0].Samples[0].Value, 0.01)
}

func TestParseDataRowsDiscardsShortTrailingBucket(t *testing.T) {
	metadata := Metadata{SamplingInterval: 5, CoresPerSocket: 4, SocketCount: 1, ThreadsPerCore: 1}
	lines := []string{
		systemRow(5.005, "1000000", "cpu-cycles"),
		systemRow(10.007, "1000000", "cpu-cycles"),
		systemRow(13.001, "600000", "cpu-cycles"), // interrupted 3s into the interval
	}
	buckets, _, err := parseDataRows(lines, metadata)
	assert.NoError(t, err)
	assert.Len(t, buckets, 1)
	assert.InDelta(t, 10.007, buckets[0].Timestamp, 0.0001)
}

func TestParseDataRowsNotCounted(t *testing.T) {
	metadata := Metadata{SamplingInterval: 5, CoresPerSocket: 4, SocketCount: 1, ThreadsPerCore: 1}
	lines := []string{
		systemRow(5.0, "1000000", "cpu-cycles"),
		systemRow(5.0, "<not counted>", "UNC_M_CAS_COUNT.RD.0"),
		systemRow(10.0, "1000000", "cpu-cycles"),
		systemRow(10.0, "<not counted>", "UNC_M_CAS_COUNT.RD.0"),
	}
	buckets, notCounted, err := parseDataRows(lines, metadata)
	assert.NoError(t, err)
	assert.Len(t, buckets, 1)
	assert.Equal(t, []string{"UNC_M_CAS_COUNT.RD.0"}, notCounted)
	var uncoreSample Sample
	for _, s := range buckets[0].Samples {
		if s.Event == "UNC_M_CAS_COUNT.RD.0" {
			uncoreSample = s
		}
	}
	assert.True(t, math.IsNaN(uncoreSample.Value))
}

func TestParseDataRowsZeroValidity(t *testing.T) {
	metadata := Metadata{SamplingInterval: 5, CoresPerSocket: 4, SocketCount: 1, ThreadsPerCore: 1}
	// a 0.00 validity column means the counter was never scheduled, so the
	// reported value is stale and must not feed metric evaluation
	lines := []string{
		systemRow(5.0, "1000000", "cpu-cycles"),
		"5.000,123456,,UNC_CHA_CLOCKTICKS.0,1000,0.00",
		systemRow(10.0, "1000000", "cpu-cycles"),
		"10.000,123456,,UNC_CHA_CLOCKTICKS.0,1000,0.00",
	}
	buckets, notCounted, err := parseDataRows(lines, metadata)
	assert.NoError(t, err)
	assert.Len(t, buckets, 1)
	assert.Equal(t, []string{"UNC_CHA_CLOCKTICKS.0"}, notCounted)
	var uncoreSample Sample
	for _, s := range buckets[0].Samples {
		if s.Event == "UNC_CHA_CLOCKTICKS.0" {
			uncoreSample = s
		}
	}
	assert.True(t, math.IsNaN(uncoreSample.Value))
}

func TestParseDataRowsPerCoreLayout(t *testing.T) {
	metadata := Metadata{SamplingInterval: 5, CoresPerSocket: 2, SocketCount: 1, ThreadsPerCore: 1, PerCoreMode: true}
	lines := []string{
		coreRow(5.0, 0, "100", "instructions"),
		coreRow(5.0, 1, "200", "instructions"),
		coreRow(10.0, 0, "100", "instructions"),
		coreRow(10.0, 1, "200", "instructions"),
	}
	buckets, _, err := parseDataRows(lines, metadata)
	assert.NoError(t, err)
	assert.Len(t, buckets, 1)
	assert.Len(t, buckets[0].Samples, 2)
	assert.Equal(t, "0", buckets[0].Samples[0].Key)
	assert.Equal(t, "1", buckets[0].Samples[1].Key)
}

func TestParseDataRowsPerCgroupLayout(t *testing.T) {
	metadata := Metadata{SamplingInterval: 5, CoresPerSocket: 2, SocketCount: 1, ThreadsPerCore: 1, CgroupMode: true}
	lines := []string{
		cgroupRow(5.0, "db", "100", "instructions"),
		cgroupRow(5.0, "web", "200", "instructions"),
		cgroupRow(10.0, "db", "100", "instructions"),
		cgroupRow(10.0, "web", "200", "instructions"),
	}
	buckets, _, err := parseDataRows(lines, metadata)
	assert.NoError(t, err)
	assert.Len(t, buckets, 1)
	assert.Equal(t, "db", buckets[0].Samples[0].Key)
	assert.Equal(t, "web", buckets[0].Samples[1].Key)
}

func TestHTSharedCounterSystemScope(t *testing.T) {
	metadata := Metadata{SamplingInterval: 5, CoresPerSocket: 2, SocketCount: 1, ThreadsPerCore: 2}
	lines := []string{
		systemRow(5.0, "4", "cstate_core/c6-residency/"),
		systemRow(10.0, "4", "cstate_core/c6-residency/"),
	}
	buckets, _, err := parseDataRows(lines, metadata)
	assert.NoError(t, err)
	assert.Len(t, buckets, 1)
	// doubled at system scope when hyperthreading is on
	assert.InDelta(t, 4.0/5.0*2, buckets[0].Samples[0].Value, 0.0001)
}

func TestHTSharedCounterPerCoreScope(t *testing.T) {
	metadata := Metadata{SamplingInterval: 5, CoresPerSocket: 2, SocketCount: 1, ThreadsPerCore: 2, PerCoreMode: true}
	lines := []string{
		coreRow(5.0, 0, "4", "cstate_core/c6-residency/"),
		coreRow(10.0, 0, "4", "cstate_core/c6-residency/"),
	}
	buckets, _, err := parseDataRows(lines, metadata)
	assert.NoError(t, err)
	assert.Len(t, buckets, 1)
	// a duplicate row is synthesized for the sibling logical CPU
	assert.Len(t, buckets[0].Samples, 2)
	assert.Equal(t, "0", buckets[0].Samples[0].Key)
	assert.Equal(t, "2", buckets[0].Samples[1].Key)
	assert.Equal(t, buckets[0].Samples[0].Value, buckets[0].Samples[1].Value)
}

func TestHTSharedCounterNoHT(t *testing.T) {
	metadata := Metadata{SamplingInterval: 5, CoresPerSocket: 2, SocketCount: 1, ThreadsPerCore: 1}
	lines := []string{
		systemRow(5.0, "4", "cstate_core/c6-residency/"),
		systemRow(10.0, "4", "cstate_core/c6-residency/"),
	}
	buckets, _, err := parseDataRows(lines, metadata)
	assert.NoError(t, err)
	// no adjustment without hyperthreading
	assert.InDelta(t, 4.0/5.0, buckets[0].Samples[0].Value, 0.0001)
}
