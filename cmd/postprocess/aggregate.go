package postprocess

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

// aggregation of evaluated metrics into the time series and summary outputs

import (
	"encoding/csv"
	"math"
	"os"
	"slices"
	"strconv"

	"pmumon/internal/util"
)

// metricTable is one evaluation level's results arranged for output: one row
// per timestamp, one column per metric and scope instance.
type metricTable struct {
	lvl       level
	columns   []string // display labels, metric order then instance order
	series    map[string][]float64
	order     []float64 // sorted distinct timestamps
	instances []string
}

// buildTable arranges the evaluated metric values by timestamp and column.
// Metric order follows the definition file, instance order the scope instance
// ordering of the frames, so repeated runs produce identical output.
func buildTable(results []metricValue, metricOrder []string, lvl level, labelFor func(instance string) string) (table metricTable) {
	table.lvl = lvl
	table.series = make(map[string][]float64)
	instanceSeen := make(map[string]bool)
	for _, r := range results {
		if !instanceSeen[r.instance] {
			instanceSeen[r.instance] = true
			table.instances = append(table.instances, r.instance)
		}
	}
	slices.SortFunc(table.instances, func(a, b string) int {
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
	timestampSeen := make(map[float64]bool)
	for _, r := range results {
		if !timestampSeen[r.timestamp] {
			timestampSeen[r.timestamp] = true
			table.order = append(table.order, r.timestamp)
		}
	}
	slices.Sort(table.order)
	timestampIdx := make(map[float64]int, len(table.order))
	for i, ts := range table.order {
		timestampIdx[ts] = i
	}
	for _, metric := range metricOrder {
		for _, instance := range table.instances {
			label := metric
			if lvl != levelSystem {
				label += labelFor(instance)
			}
			table.columns = append(table.columns, label)
			series := make([]float64, len(table.order))
			for i := range series {
				series[i] = math.NaN()
			}
			table.series[label] = series
		}
	}
	labelOf := make(map[string]string, len(table.instances))
	for _, instance := range table.instances {
		if lvl == levelSystem {
			labelOf[instance] = ""
		} else {
			labelOf[instance] = labelFor(instance)
		}
	}
	for _, r := range results {
		label := r.metric + labelOf[r.instance]
		if series, ok := table.series[label]; ok {
			series[timestampIdx[r.timestamp]] = r.value
		}
	}
	return
}

// records renders the time series as CSV records, blank cells for values that
// could not be computed.
func (t metricTable) records() (records [][]string) {
	header := append([]string{"time"}, t.columns...)
	records = append(records, header)
	for i, ts := range t.order {
		row := make([]string, 0, len(t.columns)+1)
		row = append(row, strconv.FormatFloat(ts, 'f', 4, 64))
		for _, column := range t.columns {
			row = append(row, formatValue(t.series[column][i]))
		}
		records = append(records, row)
	}
	return
}

// summaryRecords renders the per-column statistics over the run.
func (t metricTable) summaryRecords() (records [][]string) {
	records = append(records, []string{"metric", "avg", "p95", "min", "max"})
	for _, column := range t.columns {
		var values []float64
		for _, v := range t.series[column] {
			if !math.IsNaN(v) {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			records = append(records, []string{column, "", "", "", ""})
			continue
		}
		records = append(records, []string{
			column,
			formatValue(util.Mean(values)),
			formatValue(util.Percentile(values, 95)),
			formatValue(slices.Min(values)),
			formatValue(slices.Max(values)),
		})
	}
	return
}

func formatValue(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', 6, 64)
}

func writeCSV(path string, records [][]string) (err error) {
	f, err := os.Create(path) // #nosec G304
	if err != nil {
		return
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err = w.WriteAll(records); err != nil {
		return
	}
	w.Flush()
	return w.Error()
}
