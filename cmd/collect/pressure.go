package collect

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

// OS pressure-stall side channel. PSI stall ratios are not exposed through the
// PMU sampler, so they are read on the same cadence as the sampler's print
// interval and buffered into the raw dump's metadata block.

import (
	"log/slog"

	"github.com/prometheus/procfs"

	"pmumon/internal/dump"
)

var pressureResources = []string{"cpu", "memory", "io"}

type pressureSampler struct {
	fs        procfs.FS
	supported bool
}

func newPressureSampler(procRoot string) *pressureSampler {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		slog.Warn("pressure stall sampling unavailable", slog.String("error", err.Error()))
		return &pressureSampler{}
	}
	if _, err := fs.PSIStatsForResource("cpu"); err != nil {
		slog.Info("kernel does not expose pressure stall information, skipping side channel")
		return &pressureSampler{}
	}
	return &pressureSampler{fs: fs, supported: true}
}

// sample reads the 10-second stall averages for all resources at the given
// elapsed session time
func (p *pressureSampler) sample(elapsed float64) (samples []dump.PressureSample) {
	if !p.supported {
		return
	}
	for _, resource := range pressureResources {
		stats, err := p.fs.PSIStatsForResource(resource)
		if err != nil {
			slog.Debug("failed to read pressure stats", slog.String("resource", resource), slog.String("error", err.Error()))
			continue
		}
		sample := dump.PressureSample{Resource: resource, Timestamp: elapsed}
		if stats.Some != nil {
			sample.SomePct = stats.Some.Avg10
		}
		if stats.Full != nil {
			sample.FullPct = stats.Full.Avg10
		}
		samples = append(samples, sample)
	}
	return
}
