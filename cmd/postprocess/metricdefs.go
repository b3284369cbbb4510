package postprocess

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

// loading and configuration of the metric definitions

import (
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/casbin/govaluate"
	"gopkg.in/yaml.v2"

	"pmumon/internal/dump"
)

//go:embed resources
var resources embed.FS

// MetricDefinition is the static definition of a derived metric as loaded from
// the metric file, then configured for one evaluation level. Variables maps
// each event name referenced by the expression to the index of the event group
// chosen to supply its value, -1 before a group has been chosen and -2 when no
// group can supply it.
type MetricDefinition struct {
	Name          string `json:"name" yaml:"name"`
	Expression    string `json:"expression" yaml:"expression"`
	NameTxn       string `json:"name-txn" yaml:"name-txn"`
	ExpressionTxn string `json:"expression-txn" yaml:"expression-txn"`
	Variables     map[string]int
	Evaluable     *govaluate.EvaluableExpression
}

// metricConstants are the placeholder values substituted into metric
// expressions before parsing. They differ per evaluation level, e.g., the TSC
// constant covers the whole machine at system level but a single logical CPU
// at core level.
type metricConstants struct {
	TSCFrequencyHz   float64
	TSC              float64
	CoresPerSocket   float64
	CHAsPerSocket    float64
	SocketCount      float64
	ThreadsPerCore   float64
	HyperThreadingOn bool
}

func levelConstants(metadata dump.Metadata, lvl level, cgroupCPUs int) (consts metricConstants) {
	consts = metricConstants{
		TSCFrequencyHz:   metadata.TSCFrequencyMHz * 1e6,
		CoresPerSocket:   float64(metadata.CoresPerSocket),
		CHAsPerSocket:    float64(metadata.CHACount),
		SocketCount:      float64(metadata.SocketCount),
		ThreadsPerCore:   float64(metadata.ThreadsPerCore),
		HyperThreadingOn: metadata.ThreadsPerCore > 1,
	}
	switch lvl {
	case levelSystem:
		consts.TSC = consts.TSCFrequencyHz * float64(metadata.CPUCount())
	case levelSocket:
		consts.SocketCount = 1
		consts.TSC = consts.TSCFrequencyHz * float64(metadata.CoresPerSocket*metadata.ThreadsPerCore)
	case levelCore:
		consts.SocketCount = 1
		consts.CoresPerSocket = 1
		consts.TSC = consts.TSCFrequencyHz
	case levelCgroup:
		// a container accumulates TSC cycles only on the CPUs in its cpuset
		consts.TSC = consts.TSCFrequencyHz * float64(cgroupCPUs)
	}
	return
}

// loadMetricDefinitions reads the metric definitions from the given file or,
// when no file is given, from the embedded definitions matching the
// microarchitecture recorded in the raw file.
func loadMetricDefinitions(metricDefinitionOverridePath string, metadata dump.Metadata) (metrics []MetricDefinition, err error) {
	var bytes []byte
	if metricDefinitionOverridePath != "" {
		if bytes, err = os.ReadFile(metricDefinitionOverridePath); err != nil { // #nosec G304
			return
		}
		ext := strings.ToLower(filepath.Ext(metricDefinitionOverridePath))
		if ext == ".yaml" || ext == ".yml" {
			err = yaml.Unmarshal(bytes, &metrics)
		} else {
			err = json.Unmarshal(bytes, &metrics)
		}
		return
	}
	uarch := strings.ToLower(metadata.Architecture)
	if bytes, err = resources.ReadFile(filepath.Join("resources", "metrics", uarch+".json")); err != nil {
		slog.Warn("no metric definitions for microarchitecture, using defaults", slog.String("uarch", uarch))
		if bytes, err = resources.ReadFile(filepath.Join("resources", "metrics", "default.json")); err != nil {
			return
		}
	}
	err = json.Unmarshal(bytes, &metrics)
	return
}

// configureMetrics substitutes the constant placeholders for one evaluation
// level, applies the transaction-rate variants, and parses each expression.
// The input definitions are not modified, each call returns a fresh slice.
func configureMetrics(definitions []MetricDefinition, consts metricConstants, txnRate float64) (metrics []MetricDefinition, err error) {
	tscFreq := strconv.FormatFloat(consts.TSCFrequencyHz, 'f', -1, 64)
	tsc := strconv.FormatFloat(consts.TSC, 'f', -1, 64)
	coresPerSocket := strconv.FormatFloat(consts.CoresPerSocket, 'f', -1, 64)
	chasPerSocket := strconv.FormatFloat(consts.CHAsPerSocket, 'f', -1, 64)
	socketCount := strconv.FormatFloat(consts.SocketCount, 'f', -1, 64)
	hyperThreadingOn := fmt.Sprintf("%t", consts.HyperThreadingOn)
	threadsPerCore := strconv.FormatFloat(consts.ThreadsPerCore, 'f', -1, 64)
	for _, def := range definitions {
		metric := def
		if txnRate != 0 && metric.ExpressionTxn != "" {
			metric.Expression = metric.ExpressionTxn
			if metric.NameTxn != "" {
				metric.Name = metric.NameTxn
			}
		}
		metric.Name = strings.TrimPrefix(metric.Name, "metric_")
		expression := metric.Expression
		expression = strings.ReplaceAll(expression, "[SYSTEM_TSC_FREQ]", tscFreq)
		expression = strings.ReplaceAll(expression, "[TSC]", tsc)
		expression = strings.ReplaceAll(expression, "[CORES_PER_SOCKET]", coresPerSocket)
		expression = strings.ReplaceAll(expression, "[CHAS_PER_SOCKET]", chasPerSocket)
		expression = strings.ReplaceAll(expression, "[SOCKET_COUNT]", socketCount)
		expression = strings.ReplaceAll(expression, "[HYPERTHREADING_ON]", hyperThreadingOn)
		expression = strings.ReplaceAll(expression, "[CONST_THREAD_COUNT]", threadsPerCore)
		expression = strings.ReplaceAll(expression, "[TXN]", strconv.FormatFloat(txnRate, 'f', -1, 64))
		if expression, err = transformConditional(expression); err != nil {
			return
		}
		metric.Expression = expression
		metric.Variables = make(map[string]int)
		for _, variable := range expressionVariables(expression) {
			metric.Variables[variable] = -1 // group not yet chosen
		}
		if metric.Evaluable, err = govaluate.NewEvaluableExpressionWithFunctions(expression, evaluatorFunctions()); err != nil {
			err = fmt.Errorf("failed to parse metric expression %q: %w", metric.Name, err)
			return
		}
		metrics = append(metrics, metric)
	}
	return
}

// expressionVariables returns the bracketed variable names in the expression.
func expressionVariables(expression string) (variables []string) {
	start := -1
	for i, c := range expression {
		switch c {
		case '[':
			start = i + 1
		case ']':
			if start != -1 {
				variables = append(variables, expression[start:i])
				start = -1
			}
		}
	}
	return
}

// transformConditional rewrites python-style "<val> if <cond> else <val>"
// conditionals into the ternary form the expression engine understands. Only
// one conditional per expression is supported.
func transformConditional(origIn string) (out string, err error) {
	numIfs := strings.Count(origIn, "if")
	if numIfs == 0 {
		out = origIn
		return
	}
	if numIfs > 1 {
		err = fmt.Errorf("only one conditional per expression is supported: %q", origIn)
		return
	}
	ifIdx := strings.Index(origIn, "if")
	elseIdx := strings.Index(origIn, "else")
	if elseIdx == -1 {
		err = fmt.Errorf("conditional missing else clause: %q", origIn)
		return
	}
	trueVal := strings.TrimSpace(origIn[:ifIdx])
	condition := strings.TrimSpace(origIn[ifIdx+len("if"):elseIdx])
	falseVal := strings.TrimSpace(origIn[elseIdx+len("else"):])
	// the true value may be wrapped in parens that belong to an enclosing
	// expression, balance them before reassembly
	opens := strings.Count(trueVal, "(")
	closes := strings.Count(trueVal, ")")
	prefix := ""
	for opens > closes {
		idx := strings.Index(trueVal, "(")
		prefix += trueVal[:idx+1]
		trueVal = trueVal[idx+1:]
		opens--
	}
	suffix := ""
	opens = strings.Count(falseVal, "(")
	closes = strings.Count(falseVal, ")")
	for closes > opens {
		idx := strings.LastIndex(falseVal, ")")
		suffix = falseVal[idx:] + suffix
		falseVal = falseVal[:idx]
		closes--
	}
	out = fmt.Sprintf("%s%s ? %s : %s%s", prefix, condition, trueVal, strings.TrimSpace(falseVal), suffix)
	return
}

func evaluatorFunctions() map[string]govaluate.ExpressionFunction {
	return map[string]govaluate.ExpressionFunction{
		"min": func(args ...any) (any, error) {
			if len(args) == 0 {
				return nil, fmt.Errorf("min requires at least one argument")
			}
			result := math.Inf(1)
			for _, arg := range args {
				v, ok := arg.(float64)
				if !ok {
					return nil, fmt.Errorf("min requires numeric arguments")
				}
				result = math.Min(result, v)
			}
			return result, nil
		},
		"max": func(args ...any) (any, error) {
			if len(args) == 0 {
				return nil, fmt.Errorf("max requires at least one argument")
			}
			result := math.Inf(-1)
			for _, arg := range args {
				v, ok := arg.(float64)
				if !ok {
					return nil, fmt.Errorf("max requires numeric arguments")
				}
				result = math.Max(result, v)
			}
			return result, nil
		},
	}
}
