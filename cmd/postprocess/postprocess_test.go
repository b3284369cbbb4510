package postprocess

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"pmumon/internal/common"
	"pmumon/internal/dump"
)

func TestEvaluateCgroupsScalesTSCPerContainer(t *testing.T) {
	metadata := dump.Metadata{
		TSCFrequencyMHz: 1, // 1 MHz keeps the arithmetic readable
		CoresPerSocket:  16,
		SocketCount:     2,
		ThreadsPerCore:  2,
		CgroupMode:      true,
		CgroupCPUSets:   map[string]int{"aaa111": 4, "bbb222": 8},
	}
	definitions := []MetricDefinition{
		{Name: "metric_CPU utilization %", Expression: "100 * [ref-cycles] / [TSC]"},
	}
	// both containers report the same count, the one pinned to fewer CPUs is
	// proportionally busier
	frames := []metricFrame{
		{timestamp: 5, instance: "docker-aaa111.scope", groups: []eventGroup{{values: map[string]float64{"ref-cycles": 4e6}}}},
		{timestamp: 5, instance: "docker-bbb222.scope", groups: []eventGroup{{values: map[string]float64{"ref-cycles": 4e6}}}},
	}
	diags := newDiagnostics()
	results, metricOrder, err := evaluateCgroups(definitions, frames, metadata, diags)
	assert.NoError(t, err)
	assert.Equal(t, []string{"CPU utilization %"}, metricOrder)
	assert.Len(t, results, 2)
	assert.InDelta(t, 100.0, results[0].value, 0.001)
	assert.InDelta(t, 50.0, results[1].value, 0.001)
}

func TestInstanceLabeler(t *testing.T) {
	metadata := testMetadata()
	assert.Equal(t, ".S1", instanceLabeler(levelSocket, metadata)("1"))
	assert.Equal(t, ".C12", instanceLabeler(levelCore, metadata)("12"))
	assert.Equal(t, ".b6abcdef", instanceLabeler(levelCgroup, metadata)("docker-b6abcdef1234.scope"))
	assert.Equal(t, "", instanceLabeler(levelSystem, metadata)("anything"))
}

func TestValidateFlags(t *testing.T) {
	resetFlags := func() {
		flagRawFilePath = "perfstat.csv"
		flagMetricFilePath = ""
		flagTxnRate = 0
		flagOutFileBase = "metrics"
	}

	resetFlags()
	assert.NoError(t, validateFlags(Cmd, nil))

	resetFlags()
	flagRawFilePath = ""
	err := validateFlags(Cmd, nil)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrUsage))

	resetFlags()
	flagTxnRate = -1
	assert.Error(t, validateFlags(Cmd, nil))

	resetFlags()
	flagOutFileBase = ""
	assert.Error(t, validateFlags(Cmd, nil))

	resetFlags()
	flagMetricFilePath = "metrics.toml"
	assert.Error(t, validateFlags(Cmd, nil))

	resetFlags()
}
