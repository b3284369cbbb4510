package dump

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseEventDecl(t *testing.T) {
	tests := []struct {
		line        string
		name        string
		uncore      bool
		closesGroup bool
	}{
		{"cpu-cycles:c", "cpu-cycles", false, false},
		{"instructions;:c", "instructions", false, true},
		{"cpu/event=0x3c,umask=0x0,name='CPU_CLK_UNHALTED.THREAD_P'/:c", "CPU_CLK_UNHALTED.THREAD_P", false, false},
		{"uncore_imc_2/event=0x4,umask=0x3,name='UNC_M_CAS_COUNT.RD.2'/;:u", "UNC_M_CAS_COUNT.RD.2", true, true},
		{"cstate_core/c6-residency/;:c", "cstate_core/c6-residency/", false, true},
	}
	for _, tt := range tests {
		decl, err := ParseEventDecl(tt.line)
		assert.NoError(t, err, tt.line)
		assert.Equal(t, tt.name, decl.Name, tt.line)
		assert.Equal(t, tt.uncore, decl.Uncore, tt.line)
		assert.Equal(t, tt.closesGroup, decl.ClosesGroup, tt.line)
		// declarations render back to the exact line they were parsed from
		assert.Equal(t, tt.line, decl.String(), tt.line)
	}
}

func TestParseEventDeclErrors(t *testing.T) {
	_, err := ParseEventDecl("cpu-cycles")
	assert.Error(t, err)
	_, err = ParseEventDecl("x")
	assert.Error(t, err)
}

func TestBaseName(t *testing.T) {
	decl := EventDecl{Name: "UNC_M_CAS_COUNT.RD.3", Uncore: true}
	assert.Equal(t, "UNC_M_CAS_COUNT.RD", decl.BaseName())
	decl = EventDecl{Name: "UNC_CHA_CLOCKTICKS", Uncore: true}
	assert.Equal(t, "UNC_CHA_CLOCKTICKS", decl.BaseName())
	decl = EventDecl{Name: "cpu-cycles", Uncore: false}
	assert.Equal(t, "cpu-cycles", decl.BaseName())
}

func TestGroupsWellFormed(t *testing.T) {
	decls := []EventDecl{
		{Name: "a"}, {Name: "b", ClosesGroup: true},
		{Name: "c", ClosesGroup: true},
		{Name: "d"}, {Name: "e"}, {Name: "f", ClosesGroup: true},
	}
	groups := Groups(decls)
	assert.Len(t, groups, 3)
	assert.Len(t, groups[0], 2)
	assert.Len(t, groups[1], 1)
	assert.Len(t, groups[2], 3)
	for _, group := range groups {
		assert.NotEmpty(t, group)
		assert.True(t, group[len(group)-1].ClosesGroup)
	}
}

func testMetadata() Metadata {
	return Metadata{
		TSCFrequencyMHz:  2300,
		CoresPerSocket:   4,
		SocketCount:      2,
		ThreadsPerCore:   2,
		IMCCount:         4,
		CHACount:         10,
		UPICount:         3,
		SamplingInterval: 5,
		MuxIntervalMs:    125,
		Architecture:     "icx",
		Model:            "Intel(R) Xeon(R) Platinum 8375C CPU @ 2.90GHz",
		KernelVersion:    "6.8.0-40-generic",
		SocketCPUs:       [][]int{{0, 1, 2, 3, 8, 9, 10, 11}, {4, 5, 6, 7, 12, 13, 14, 15}},
		Pressure: []PressureSample{
			{Resource: "cpu", Timestamp: 5, SomePct: 1.25, FullPct: 0},
		},
		ToolVersion: "1.0.0",
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	decls := []EventDecl{
		{Raw: "cpu-cycles", Name: "cpu-cycles"},
		{Raw: "instructions", Name: "instructions", ClosesGroup: true},
		{Raw: "uncore_imc_0/event=0x4,umask=0x3,name='UNC_M_CAS_COUNT.RD.0'/", Name: "UNC_M_CAS_COUNT.RD.0", Uncore: true, ClosesGroup: true},
	}
	path := filepath.Join(t.TempDir(), "raw.csv")
	rows := "5.005,1000000,,cpu-cycles,5005000,100.00\n" +
		"5.005,500000,,instructions,5005000,100.00\n" +
		"5.005,20000,,UNC_M_CAS_COUNT.RD.0,5005000,100.00\n" +
		"10.008,1000000,,cpu-cycles,5003000,100.00\n" +
		"10.008,500000,,instructions,5003000,100.00\n" +
		"10.008,20000,,UNC_M_CAS_COUNT.RD.0,5003000,100.00\n"
	assert.NoError(t, os.WriteFile(path, []byte(rows), 0644))
	metadata := testMetadata()
	assert.NoError(t, WriteHeader(path, metadata, decls))

	f, err := os.Open(path)
	assert.NoError(t, err)
	defer f.Close()
	d, err := Parse(f)
	assert.NoError(t, err)
	// the parsed constants match the values that produced the header
	assert.Equal(t, metadata.TSCFrequencyMHz, d.Metadata.TSCFrequencyMHz)
	assert.Equal(t, metadata.CoresPerSocket, d.Metadata.CoresPerSocket)
	assert.Equal(t, metadata.SocketCount, d.Metadata.SocketCount)
	assert.Equal(t, metadata.ThreadsPerCore, d.Metadata.ThreadsPerCore)
	assert.Equal(t, metadata.IMCCount, d.Metadata.IMCCount)
	assert.Equal(t, metadata.CHACount, d.Metadata.CHACount)
	assert.Equal(t, metadata.UPICount, d.Metadata.UPICount)
	assert.Equal(t, metadata.SamplingInterval, d.Metadata.SamplingInterval)
	assert.Equal(t, metadata.MuxIntervalMs, d.Metadata.MuxIntervalMs)
	assert.Equal(t, metadata.Architecture, d.Metadata.Architecture)
	assert.Equal(t, metadata.Model, d.Metadata.Model)
	assert.Equal(t, metadata.KernelVersion, d.Metadata.KernelVersion)
	assert.Equal(t, metadata.SocketCPUs, d.Metadata.SocketCPUs)
	assert.Len(t, d.Metadata.Pressure, 1)
	assert.Equal(t, decls, d.Events)
	// two distinct timestamps parse to one usable bucket, first is baseline
	assert.Len(t, d.Buckets, 1)
}

func TestWriteHeaderIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.csv")
	assert.NoError(t, os.WriteFile(path, []byte("1.0,1,,cpu-cycles,1,100\n"), 0644))
	decls := []EventDecl{{Raw: "cpu-cycles", Name: "cpu-cycles", ClosesGroup: true}}
	assert.NoError(t, WriteHeader(path, testMetadata(), decls))
	once, err := os.ReadFile(path)
	assert.NoError(t, err)
	assert.NoError(t, WriteHeader(path, testMetadata(), decls))
	twice, err := os.ReadFile(path)
	assert.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestParseRejectsMissingMetadata(t *testing.T) {
	_, err := Parse(strings.NewReader("5.005,1000,,cpu-cycles,100,100.00\n"))
	assert.Error(t, err)
	_, err = Parse(strings.NewReader(""))
	assert.Error(t, err)
}

func TestShape(t *testing.T) {
	assert.Equal(t, ShapeSystem, Metadata{}.Shape())
	assert.Equal(t, ShapePerCore, Metadata{PerCoreMode: true}.Shape())
	assert.Equal(t, ShapePerCgroup, Metadata{CgroupMode: true}.Shape())
	// cgroup mode wins, per-core collection is not possible per cgroup
	assert.Equal(t, ShapePerCgroup, Metadata{PerCoreMode: true, CgroupMode: true}.Shape())
}
