package collect

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"pmumon/internal/dump"
)

// getPerfCommandArgs returns the command arguments for the 'perf stat' command
// based on the collection mode and the compiled event groups
func getPerfCommandArgs(eventGroups []GroupDefinition, pids []string, cgroups []cgroupInfo, timeout int, outputPath string) (args []string) {
	// -I: print interval in ms
	// -x ,: CSV formatted event output
	// -o: write event output to the raw file
	args = append(args, "stat", "-I", fmt.Sprintf("%d", flagPerfPrintInterval*1000), "-x", ",", "-o", outputPath)
	switch {
	case len(pids) > 0:
		args = append(args, "-p", strings.Join(pids, ",")) // collect only for these processes
	case len(cgroups) > 0:
		var names []string
		for _, cgroup := range cgroups {
			names = append(names, cgroup.Name)
		}
		args = append(args, "-a", "--for-each-cgroup", strings.Join(names, ",")) // collect only for these cgroups
	default:
		args = append(args, "-a") // system-wide collection
		if flagGranularity == granularityCPU || flagGranularity == granularitySocket {
			args = append(args, "-A") // no aggregation
		}
	}
	// -e: event groups to collect
	args = append(args, "-e")
	var groups []string
	for _, group := range eventGroups {
		var events []string
		for _, event := range group {
			events = append(events, event.Raw)
		}
		groups = append(groups, fmt.Sprintf("{%s}", strings.Join(events, ",")))
	}
	args = append(args, strings.Join(groups, ","))
	if len(argsApplication) > 0 {
		// run the application and collect for its lifetime
		args = append(args, "--")
		args = append(args, argsApplication...)
	} else if timeout != 0 {
		args = append(args, "sleep", fmt.Sprintf("%d", timeout))
	}
	return
}

// runSampler starts the perf child process and monitors it on a fixed-period
// timer loop without blocking on its output. Each tick also samples the
// pressure side channel into the metadata buffer and updates the optional
// telemetry endpoint. Returns when the child exits.
func runSampler(perfCmd *exec.Cmd, pressure *pressureSampler, telemetry *telemetryServer, metadata *dump.Metadata) error {
	slog.Info("running sampler", slog.String("command", perfCmd.String()))
	if err := perfCmd.Start(); err != nil {
		return fmt.Errorf("failed to start sampler: %w", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- perfCmd.Wait()
	}()
	ticker := time.NewTicker(time.Duration(flagPerfPrintInterval) * time.Second)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case err := <-done:
			if err != nil {
				if getSignalReceived() {
					// the child was interrupted along with us, not a failure
					slog.Info("sampler interrupted", slog.String("error", err.Error()))
					return nil
				}
				return fmt.Errorf("sampler terminated unexpectedly: %w", err)
			}
			return nil
		case <-ticker.C:
			elapsed := time.Since(start).Seconds()
			samples := pressure.sample(elapsed)
			metadata.Pressure = append(metadata.Pressure, samples...)
			telemetry.tick(samples)
		}
	}
}
