// Package postprocess is a subcommand of the root command. It parses a raw
// collection file, evaluates the metric definitions against it at every
// granularity the data supports, and writes time series and summary outputs.
package postprocess

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"pmumon/internal/common"
	"pmumon/internal/dump"
	"pmumon/internal/util"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const cmdName = "postprocess"

var examples = []string{
	fmt.Sprintf("  Process a raw file:                    $ %s %s --rawfile perfstat.csv", common.AppName, cmdName),
	fmt.Sprintf("  Write an xlsx workbook as well:        $ %s %s --rawfile perfstat.csv --xlsx", common.AppName, cmdName),
	fmt.Sprintf("  Normalize metrics to a txn rate:       $ %s %s --rawfile perfstat.csv --txnrate 100", common.AppName, cmdName),
}

var Cmd = &cobra.Command{
	Use:           cmdName,
	Short:         "Derive metrics from a raw PMU collection file",
	Long:          "",
	Example:       strings.Join(examples, "\n"),
	RunE:          runCmd,
	PreRunE:       validateFlags,
	GroupID:       "primary",
	Args:          cobra.NoArgs,
	SilenceErrors: true,
}

var (
	// input options
	flagRawFilePath    string
	flagMetricFilePath string
	flagTxnRate        float64
	// output options
	flagOutFileBase string
	flagXlsx        bool
	flagStrict      bool
)

const (
	flagRawFilePathName    = "rawfile"
	flagMetricFilePathName = "metricfile"
	flagTxnRateName        = "txnrate"

	flagOutFileBaseName = "outfile"
	flagXlsxName        = "xlsx"
	flagStrictName      = "strict"
)

func init() {
	Cmd.Flags().StringVar(&flagRawFilePath, flagRawFilePathName, "", "")
	Cmd.Flags().StringVar(&flagMetricFilePath, flagMetricFilePathName, "", "")
	Cmd.Flags().Float64Var(&flagTxnRate, flagTxnRateName, 0, "")

	Cmd.Flags().StringVar(&flagOutFileBase, flagOutFileBaseName, "metrics", "")
	Cmd.Flags().BoolVar(&flagXlsx, flagXlsxName, false, "")
	Cmd.Flags().BoolVar(&flagStrict, flagStrictName, false, "")

	Cmd.SetUsageFunc(usageFunc)
}

func usageFunc(cmd *cobra.Command) error {
	cmd.Printf("Usage: %s [flags]\n\n", cmd.CommandPath())
	cmd.Printf("Examples:\n%s\n\n", cmd.Example)
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
			Name: flagRawFilePathName,
			Help: "path to the raw file produced by the collect command",
		},
		{
			Name: flagMetricFilePathName,
			Help: "metric definition file (json or yaml). Will override default metric definitions.",
		},
		{
			Name: flagTxnRateName,
			Help: "transactions per second. When set, metrics with a txn variant are normalized to it.",
		},
	}
	groups = append(groups, common.FlagGroup{
		GroupName: "Input Options",
		Flags:     flags,
	})
	flags = []common.Flag{
		{
			Name: flagOutFileBaseName,
			Help: "base name for the output files written to the output directory",
		},
		{
			Name: flagXlsxName,
			Help: "additionally write all outputs into a single xlsx workbook",
		},
		{
			Name: flagStrictName,
			Help: "exit with an error when any metric had missing events or divided by zero",
		},
	}
	groups = append(groups, common.FlagGroup{
		GroupName: "Output Options",
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
	if flagRawFilePath == "" {
		return usageError("rawfile is required")
	}
	if flagTxnRate < 0 {
		return usageError("txnrate must not be negative")
	}
	if flagOutFileBase == "" {
		return usageError("outfile must not be empty")
	}
	if flagMetricFilePath != "" {
		ext := strings.ToLower(filepath.Ext(flagMetricFilePath))
		if ext != ".json" && ext != ".yaml" && ext != ".yml" {
			return usageError("metricfile must be a .json, .yaml, or .yml file")
		}
	}
	return nil
}

func runCmd(cmd *cobra.Command, args []string) error {
	appContext := cmd.Context().Value(common.AppContext{}).(common.AppContext)
	fatal := func(err error) error {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		slog.Error(err.Error())
		cmd.SilenceUsage = true
		return err
	}
	f, err := os.Open(flagRawFilePath) // #nosec G304
	if err != nil {
		return fatal(fmt.Errorf("failed to open raw file: %w", err))
	}
	d, err := dump.Parse(f)
	f.Close()
	if err != nil {
		return fatal(fmt.Errorf("failed to parse raw file: %w", err))
	}
	slog.Info("raw file parsed",
		slog.String("shape", d.Metadata.Shape().String()),
		slog.Int("events", len(d.Events)),
		slog.Int("buckets", len(d.Buckets)))
	if len(d.Buckets) < 2 {
		slog.Warn("raw file holds fewer than two usable sample buckets", slog.Int("buckets", len(d.Buckets)))
		fmt.Fprintln(os.Stderr, "Warning: short collection, some metrics may read as zero or blank.")
	}
	definitions, err := loadMetricDefinitions(flagMetricFilePath, d.Metadata)
	if err != nil {
		return fatal(fmt.Errorf("failed to load metric definitions: %w", err))
	}
	if err = util.CreateDirectoryIfNotExists(appContext.OutputDir, 0755); err != nil {
		return fatal(fmt.Errorf("failed to create output directory: %w", err))
	}
	diags := newDiagnostics()
	diags.notCounted.Append(d.NotCounted...)
	var sheets []workbookSheet
	for _, lvl := range levelsFor(d.Metadata.Shape()) {
		frames := buildFrames(&d, lvl)
		var results []metricValue
		var metricOrder []string
		if lvl == levelCgroup {
			if results, metricOrder, err = evaluateCgroups(definitions, frames, d.Metadata, diags); err != nil {
				return fatal(err)
			}
		} else {
			var metrics []MetricDefinition
			if metrics, err = configureMetrics(definitions, levelConstants(d.Metadata, lvl, 0), flagTxnRate); err != nil {
				return fatal(fmt.Errorf("failed to configure metrics: %w", err))
			}
			metricOrder = metricNames(metrics)
			results = evaluateFrames(metrics, frames, diags)
		}
		table := buildTable(results, metricOrder, lvl, instanceLabeler(lvl, d.Metadata))
		records := table.records()
		summary := table.summaryRecords()
		seriesPath := filepath.Join(appContext.OutputDir, fmt.Sprintf("%s.%s.csv", flagOutFileBase, lvl))
		if err = writeCSV(seriesPath, records); err != nil {
			return fatal(fmt.Errorf("failed to write %s: %w", seriesPath, err))
		}
		summaryPath := filepath.Join(appContext.OutputDir, fmt.Sprintf("%s.%s.average.csv", flagOutFileBase, lvl))
		if err = writeCSV(summaryPath, summary); err != nil {
			return fatal(fmt.Errorf("failed to write %s: %w", summaryPath, err))
		}
		fmt.Printf("Metrics: %s\n", seriesPath)
		fmt.Printf("Summary: %s\n", summaryPath)
		sheets = append(sheets,
			workbookSheet{name: lvl.String(), records: records},
			workbookSheet{name: lvl.String() + " summary", records: summary})
	}
	if flagXlsx {
		workbookPath := filepath.Join(appContext.OutputDir, flagOutFileBase+".xlsx")
		if err = writeWorkbook(workbookPath, sheets); err != nil {
			return fatal(err)
		}
		fmt.Printf("Workbook: %s\n", workbookPath)
	}
	reportDiagnostics(diags)
	if flagStrict && (diags.missingEvents.Cardinality() > 0 || diags.zeroDivision.Cardinality() > 0) {
		return fatal(fmt.Errorf("strict mode: %d metric(s) with missing events, %d metric(s) divided by zero",
			diags.missingEvents.Cardinality(), diags.zeroDivision.Cardinality()))
	}
	return nil
}

// evaluateCgroups configures the metrics separately for every container
// because the TSC constant depends on the container's cpuset size.
func evaluateCgroups(definitions []MetricDefinition, frames []metricFrame, metadata dump.Metadata, diags *diagnostics) (results []metricValue, metricOrder []string, err error) {
	byInstance := make(map[string][]metricFrame)
	var instances []string
	for _, frame := range frames {
		if _, ok := byInstance[frame.instance]; !ok {
			instances = append(instances, frame.instance)
		}
		byInstance[frame.instance] = append(byInstance[frame.instance], frame)
	}
	for _, instance := range instances {
		cpus, _ := cgroupCPUs(metadata, instance)
		var metrics []MetricDefinition
		if metrics, err = configureMetrics(definitions, levelConstants(metadata, levelCgroup, cpus), flagTxnRate); err != nil {
			err = fmt.Errorf("failed to configure metrics for container %s: %w", instance, err)
			return
		}
		if metricOrder == nil {
			metricOrder = metricNames(metrics)
		}
		results = append(results, evaluateFrames(metrics, byInstance[instance], diags)...)
	}
	return
}

// cgroupCPUs resolves a data row's cgroup name to the container id and cpuset
// size recorded in the metadata. Rows carry the full cgroup path while the
// metadata is keyed by container id, so match by substring.
func cgroupCPUs(metadata dump.Metadata, instance string) (cpus int, cid string) {
	for id, n := range metadata.CgroupCPUSets {
		if strings.Contains(instance, id) {
			return n, id
		}
	}
	slog.Warn("no cpuset recorded for cgroup, assuming all CPUs", slog.String("cgroup", instance))
	return metadata.CPUCount(), instance
}

// instanceLabeler returns the column suffix applied for each scope instance.
func instanceLabeler(lvl level, metadata dump.Metadata) func(instance string) string {
	switch lvl {
	case levelSocket:
		return func(instance string) string { return ".S" + instance }
	case levelCore:
		return func(instance string) string { return ".C" + instance }
	case levelCgroup:
		return func(instance string) string {
			_, cid := cgroupCPUs(metadata, instance)
			return "." + cid
		}
	default:
		return func(string) string { return "" }
	}
}

func metricNames(metrics []MetricDefinition) (names []string) {
	for _, metric := range metrics {
		names = append(names, metric.Name)
	}
	return
}

// reportDiagnostics summarizes evaluation quality on stdout and details the
// affected names in the log.
func reportDiagnostics(diags *diagnostics) {
	p := message.NewPrinter(language.English)
	p.Printf("Diagnostics: %d metrics with missing events, %d metrics clamped on division by zero, %d metrics fed from multiple groups, %d events not counted\n",
		diags.missingEvents.Cardinality(),
		diags.zeroDivision.Cardinality(),
		diags.multiGroup.Cardinality(),
		diags.notCounted.Cardinality())
	logSet := func(label string, set interface{ ToSlice() []string }) {
		names := set.ToSlice()
		if len(names) == 0 {
			return
		}
		sort.Strings(names)
		slog.Info(label, slog.String("names", strings.Join(names, ", ")))
	}
	logSet("metrics with missing events", diags.missingEvents)
	logSet("metrics clamped on division by zero", diags.zeroDivision)
	logSet("metrics fed from multiple groups", diags.multiGroup)
	logSet("events not counted", diags.notCounted)
}
