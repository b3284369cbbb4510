// Package common provides shared types used by the command implementations.
package common

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"errors"
	"os"
	"path/filepath"
)

// AppName is the name of the application
var AppName = filepath.Base(os.Args[0])

// ErrUsage marks command line validation failures so Execute can exit with a
// distinct code from runtime failures.
var ErrUsage = errors.New("usage error")

// AppContext represents the application context that can be accessed from all commands.
type AppContext struct {
	Timestamp    string // Timestamp is the application startup time, used in output file names.
	OutputDir    string // OutputDir is the directory where the application will write output files.
	LocalTempDir string // LocalTempDir is the temp directory on the local host (created by the application).
	LogFilePath  string // LogFilePath is the path to the log file, empty when logging to stdout or syslog.
	Version      string // Version is the version of the application.
	Debug        bool   // Debug indicates that debug logging is enabled.
}

type Flag struct {
	Name string
	Help string
}

type FlagGroup struct {
	GroupName string
	Flags     []Flag
}
