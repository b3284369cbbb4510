// Package collect is a subcommand of the root command. It compiles the
// platform's event list into sampling groups, drives the external sampler,
// and emits a self-describing raw dump for postprocessing.
package collect

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"embed"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"pmumon/internal/common"
	"pmumon/internal/dump"
	"pmumon/internal/topology"
	"pmumon/internal/util"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

const cmdName = "collect"

var examples = []string{
	fmt.Sprintf("  Collect for 60 seconds:                $ %s %s --duration 60", common.AppName, cmdName),
	fmt.Sprintf("  Collect while a workload runs:         $ %s %s -- /path/to/myapp arg1 arg2", common.AppName, cmdName),
	fmt.Sprintf("  Collect per-core samples:              $ %s %s --granularity cpu", common.AppName, cmdName),
	fmt.Sprintf("  Collect for specified processes:       $ %s %s --pids 1234,6789", common.AppName, cmdName),
	fmt.Sprintf("  Collect for specified containers:      $ %s %s --cids b6abcde,f7fghij", common.AppName, cmdName),
}

var Cmd = &cobra.Command{
	Use:           cmdName,
	Short:         "Collect core and uncore PMU event counts into a raw file",
	Long:          "",
	Example:       strings.Join(examples, "\n"),
	RunE:          runCmd,
	PreRunE:       validateFlags,
	GroupID:       "primary",
	Args:          cobra.ArbitraryArgs,
	SilenceErrors: true,
}

//go:embed resources
var resources embed.FS

// globals
var (
	gSignalMutex    sync.Mutex
	gSignalReceived bool
)

func setSignalReceived() {
	gSignalMutex.Lock()
	defer gSignalMutex.Unlock()
	gSignalReceived = true
}

func getSignalReceived() bool {
	for i := 0; i < 10; i++ {
		gSignalMutex.Lock()
		received := gSignalReceived
		gSignalMutex.Unlock()
		if received {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return gSignalReceived
}

var (
	// collection options
	flagDuration int
	flagPidList  []string
	flagCidList  []string
	// output options
	flagGranularity string
	flagRawFileName string
	// advanced options
	flagEventFilePath     string
	flagPerfPrintInterval int
	flagPerfMuxInterval   int
	flagPerfPath          string
	flagNoRoot            bool
	flagServerAddr        string

	// positional arguments
	argsApplication []string
)

const (
	flagDurationName = "duration"
	flagPidListName  = "pids"
	flagCidListName  = "cids"

	flagGranularityName = "granularity"
	flagRawFileNameName = "rawfile"

	flagEventFilePathName     = "eventfile"
	flagPerfPrintIntervalName = "interval"
	flagPerfMuxIntervalName   = "muxinterval"
	flagPerfPathName          = "perfpath"
	flagNoRootName            = "noroot"
	flagServerAddrName        = "server"
)

const (
	granularitySystem = "system"
	granularitySocket = "socket"
	granularityCPU    = "cpu"
)

var granularityOptions = []string{granularitySystem, granularitySocket, granularityCPU}

const (
	scopeSystem  = "system"
	scopeProcess = "process"
	scopeCgroup  = "cgroup"
)

func init() {
	Cmd.Flags().IntVar(&flagDuration, flagDurationName, 0, "")
	Cmd.Flags().StringSliceVar(&flagPidList, flagPidListName, []string{}, "")
	Cmd.Flags().StringSliceVar(&flagCidList, flagCidListName, []string{}, "")

	Cmd.Flags().StringVar(&flagGranularity, flagGranularityName, granularitySystem, "")
	Cmd.Flags().StringVar(&flagRawFileName, flagRawFileNameName, "perfstat.csv", "")

	Cmd.Flags().StringVar(&flagEventFilePath, flagEventFilePathName, "", "")
	Cmd.Flags().IntVar(&flagPerfPrintInterval, flagPerfPrintIntervalName, 5, "")
	Cmd.Flags().IntVar(&flagPerfMuxInterval, flagPerfMuxIntervalName, 125, "")
	Cmd.Flags().StringVar(&flagPerfPath, flagPerfPathName, "perf", "")
	Cmd.Flags().BoolVar(&flagNoRoot, flagNoRootName, false, "")
	Cmd.Flags().StringVar(&flagServerAddr, flagServerAddrName, "", "")

	Cmd.SetUsageFunc(usageFunc)
}

func usageFunc(cmd *cobra.Command) error {
	cmd.Printf("Usage: %s [flags] [-- application args]\n\n", cmd.CommandPath())
	cmd.Printf("Examples:\n%s\n\n", cmd.Example)
	cmd.Println("Arguments:")
	cmd.Printf("  application (optional): path to an application to run and collect for\n\n")
	cmd.Println("Flags:")
	for _, group := range getFlagGroups() {
		cmd.Printf("  %s:\n", group.GroupName)
		for _, flag := range group.Flags {
			flagDefault := ""
			if cmd.Flags().Lookup(flag.Name).DefValue != "" {
				flagDefault = fmt.Sprintf(" (default: %s)", cmd.Flags().Lookup(flag.Name).DefValue)
			}
			cmd.Printf("    --%-20s %s%s\n", flag.Name, flag.Help, flagDefault)
		}
	}
	cmd.Println("\nGlobal Flags:")
	cmd.Parent().PersistentFlags().VisitAll(func(pf *pflag.Flag) {
		flagDefault := ""
		if cmd.Parent().PersistentFlags().Lookup(pf.Name).DefValue != "" {
			flagDefault = fmt.Sprintf(" (default: %s)", pf.DefValue)
		}
		cmd.Printf("  --%-20s %s%s\n", pf.Name, pf.Usage, flagDefault)
	})
	return nil
}

func getFlagGroups() []common.FlagGroup {
	var groups []common.FlagGroup
	flags := []common.Flag{
		{
			Name: flagDurationName,
			Help: "number of seconds to run the collection. If 0, the collection runs until interrupted or until the application argument exits.",
		},
		{
			Name: flagPidListName,
			Help: "comma separated list of process ids to attach to",
		},
		{
			Name: flagCidListName,
			Help: "comma separated list of container ids to attach to",
		},
	}
	groups = append(groups, common.FlagGroup{
		GroupName: "Collection Options",
		Flags:     flags,
	})
	flags = []common.Flag{
		{
			Name: flagGranularityName,
			Help: fmt.Sprintf("level of sample granularity. Only valid when collecting system-wide. Options: %s.", strings.Join(granularityOptions, ", ")),
		},
		{
			Name: flagRawFileNameName,
			Help: "name of the raw file written to the output directory",
		},
	}
	groups = append(groups, common.FlagGroup{
		GroupName: "Output Options",
		Flags:     flags,
	})
	flags = []common.Flag{
		{
			Name: flagEventFilePathName,
			Help: "perf event definition file. Will override default event definitions.",
		},
		{
			Name: flagPerfPrintIntervalName,
			Help: "event collection interval in seconds",
		},
		{
			Name: flagPerfMuxIntervalName,
			Help: "multiplexing interval in milliseconds",
		},
		{
			Name: flagPerfPathName,
			Help: "path to the perf binary",
		},
		{
			Name: flagNoRootName,
			Help: "do not modify the NMI watchdog or mux interval settings",
		},
		{
			Name: flagServerAddrName,
			Help: "listen address for a live telemetry endpoint, e.g., localhost:9090. Disabled when empty.",
		},
	}
	groups = append(groups, common.FlagGroup{
		GroupName: "Advanced Options",
		Flags:     flags,
	})
	return groups
}

// usageError prints the validation failure and marks it so the process exits
// with the usage status code
func usageError(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return fmt.Errorf("%w: %v", common.ErrUsage, err)
}

func validateFlags(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		argsApplication = args
		if flagDuration > 0 {
			return usageError("duration is not supported with an application argument")
		}
		if len(flagPidList) > 0 || len(flagCidList) > 0 {
			return usageError("pids and cids are not supported with an application argument")
		}
	}
	if flagDuration < 0 {
		return usageError("duration must be a positive integer")
	}
	if flagDuration != 0 && flagDuration < flagPerfPrintInterval {
		return usageError("duration must be greater than or equal to the event collection interval (%ds)", flagPerfPrintInterval)
	}
	if len(flagPidList) > 0 && len(flagCidList) > 0 {
		return usageError("cannot specify both pids and cids")
	}
	for _, pid := range flagPidList {
		if _, err := strconv.Atoi(pid); err != nil {
			return usageError("pids must be integers")
		}
	}
	if !util.StringInList(flagGranularity, granularityOptions) {
		return usageError("invalid granularity: %s, valid options are: %s", flagGranularity, strings.Join(granularityOptions, ", "))
	}
	if flagGranularity != granularitySystem && (len(flagPidList) > 0 || len(flagCidList) > 0) {
		return usageError("granularity option must be %s when attaching to processes or containers", granularitySystem)
	}
	if flagPerfPrintInterval < 1 {
		return usageError("event collection interval must be at least 1 second")
	}
	if flagPerfMuxInterval < 10 {
		return usageError("mux interval must be at least 10 milliseconds")
	}
	if flagRawFileName == "" {
		return usageError("rawfile must not be empty")
	}
	return nil
}

// collectionScope derives the attach mode from the pid/cid flags
func collectionScope() string {
	if len(flagPidList) > 0 {
		return scopeProcess
	}
	if len(flagCidList) > 0 {
		return scopeCgroup
	}
	return scopeSystem
}

func runCmd(cmd *cobra.Command, args []string) error {
	appContext := cmd.Context().Value(common.AppContext{}).(common.AppContext)
	fatal := func(err error) error {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		slog.Error(err.Error())
		cmd.SilenceUsage = true
		return err
	}
	// handle signals
	// child processes will exit when the signals are received which will
	// allow this app to exit normally
	sigChannel := make(chan os.Signal, 1)
	signal.Notify(sigChannel, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChannel)
	go func() {
		sig := <-sigChannel
		setSignalReceived()
		slog.Info("received signal", slog.String("signal", sig.String()))
		// propagate signal to children
		util.SignalChildren(sig)
	}()
	// round up to the next collection interval boundary
	if flagDuration != 0 {
		qf := float64(flagDuration) / float64(flagPerfPrintInterval)
		qi := flagDuration / flagPerfPrintInterval
		if qf > float64(qi) {
			flagDuration = (qi + 1) * flagPerfPrintInterval
		}
	}
	// probe the machine
	topo, err := topology.Probe("/proc", "/sys")
	if err != nil {
		return fatal(fmt.Errorf("failed to probe topology: %w", err))
	}
	slog.Info("topology probed",
		slog.Int("sockets", topo.SocketCount),
		slog.Int("coresPerSocket", topo.CoresPerSocket),
		slog.Int("threadsPerCore", topo.ThreadsPerCore),
		slog.String("uarch", topo.Microarchitecture),
		slog.Int("tscFrequencyHz", topo.TSCFrequencyHz))
	// warn when another agent already owns the PMU counters
	if busy, busyErr := topology.PMUBusy(0); busyErr != nil {
		slog.Debug("unable to probe PMU counter activity", slog.String("error", busyErr.Error()))
	} else if busy {
		slog.Warn("PMU counters are active, another collection agent may be running")
		fmt.Fprintln(os.Stderr, "Warning: PMU counters appear to be in use, collected counts may be unreliable.")
	}
	// resolve container cgroups
	scope := collectionScope()
	var cgroups []cgroupInfo
	if scope == scopeCgroup {
		if cgroups, err = resolveCgroups(flagCidList, "/sys/fs/cgroup"); err != nil {
			return fatal(fmt.Errorf("failed to resolve container cgroups: %w", err))
		}
	}
	// compile the event groups
	groups, decls, _, err := loadEventGroups(flagEventFilePath, &topo, scope)
	if err != nil {
		return fatal(fmt.Errorf("failed to load event definitions: %w", err))
	}
	slog.Info("compiled event groups", slog.Int("groups", len(groups)), slog.Int("events", len(decls)))
	// create the output directory
	if err = util.CreateDirectoryIfNotExists(appContext.OutputDir, 0755); err != nil {
		return fatal(fmt.Errorf("failed to create output directory: %w", err))
	}
	rawFilePath := filepath.Join(appContext.OutputDir, flagRawFileName)
	// acquire the machine-wide measurement state, restored on every exit path
	if !flagNoRoot {
		guard, guardErr := acquireSession("/proc", "/sys", flagPerfMuxInterval)
		if guardErr != nil {
			slog.Warn("incomplete measurement session setup, results may be noisy", slog.String("error", guardErr.Error()))
		}
		defer guard.Release()
	}
	// optional live telemetry endpoint
	var telemetry *telemetryServer
	if flagServerAddr != "" {
		telemetry = startTelemetryServer(flagServerAddr)
		defer telemetry.stop()
	}
	metadata := buildMetadata(&topo, scope, flagGranularity, cgroups, appContext.Version)
	pressure := newPressureSampler("/proc")
	perfArgs := getPerfCommandArgs(groups, flagPidList, cgroups, flagDuration, rawFilePath)
	perfCmd := exec.Command(flagPerfPath, perfArgs...) // #nosec G204
	if term.IsTerminal(int(os.Stdout.Fd())) {
		if flagDuration == 0 && len(argsApplication) == 0 {
			fmt.Println("collecting, press Ctrl+C to stop")
		} else if flagDuration > 0 {
			fmt.Printf("collecting for %d seconds\n", flagDuration)
		}
	}
	collectionStart := time.Now()
	if err = runSampler(perfCmd, pressure, telemetry, &metadata); err != nil {
		return fatal(err)
	}
	// attach the header so postprocessing never re-probes this machine
	if err = dump.WriteHeader(rawFilePath, metadata, decls); err != nil {
		return fatal(fmt.Errorf("failed to write raw file header: %w", err))
	}
	elapsed := time.Since(collectionStart).Seconds()
	if elapsed < 2*float64(flagPerfPrintInterval) {
		slog.Warn("collection ran for less than two sampling intervals", slog.Float64("seconds", elapsed))
		fmt.Fprintln(os.Stderr, "Warning: short collection, some metrics may read as zero or blank.")
	}
	fmt.Printf("Raw file: %s\n", rawFilePath)
	return nil
}
