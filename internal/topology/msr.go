package topology

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

// model-specific register access used for PMU-in-use detection and uncore
// cache/home agent counting, requires the msr kernel module and root

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"os"
	"syscall"

	"github.com/pkg/errors"
)

const msrPath = "/dev/cpu/%d/msr"

// fixed-purpose and general-purpose performance counter MSRs, if any of these
// are counting, some other agent is using the PMU
var pmuCounterMSRs = []int64{
	0x309, 0x30a, 0x30b, 0x30c, // fixed counters
	0xc1, 0xc2, 0xc3, 0xc4, 0xc5, 0xc6, 0xc7, 0xc8, // general purpose counters
}

// cache/home agent configuration MSR per microarchitecture, each set bit in
// the mask represents an active CHA
var chaMaskMSRs = map[string]int64{
	"bdx": 0x702,
	"skx": 0x396,
	"clx": 0x396,
	"icx": 0x702,
	"spr": 0x2FFE,
	"emr": 0x2FFE,
	"gnr": 0x2FFE,
}

// MSR provides read access to the model-specific registers of one CPU.
type MSR struct {
	fd int
}

// OpenMSR opens the msr device interface for the given logical CPU.
func OpenMSR(cpu int) (*MSR, error) {
	device := fmt.Sprintf(msrPath, cpu)
	if _, err := os.Stat(device); err != nil {
		return nil, errors.Wrap(err, "msr module not loaded, load it with 'modprobe msr'")
	}
	fd, err := syscall.Open(device, syscall.O_RDONLY, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", device)
	}
	return &MSR{fd: fd}, nil
}

// Read returns the value of the MSR at the given register offset.
func (m *MSR) Read(offset int64) (uint64, error) {
	buf := make([]byte, 8)
	rc, err := syscall.Pread(m.fd, buf, offset)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read msr 0x%x", offset)
	}
	if rc != 8 {
		return 0, errors.Errorf("wrong byte count %d reading msr 0x%x", rc, offset)
	}
	// all x86 uses little endian format
	return binary.LittleEndian.Uint64(buf), nil
}

// Close closes the msr device interface.
func (m *MSR) Close() {
	syscall.Close(m.fd)
}

// PMUBusy reports whether any of the fixed or general purpose performance
// counters on the given CPU are actively counting, indicating that another
// agent, e.g., the NMI watchdog or another profiler, is using the PMU.
func PMUBusy(cpu int) (busy bool, err error) {
	msr, err := OpenMSR(cpu)
	if err != nil {
		return
	}
	defer msr.Close()
	first := make(map[int64]uint64, len(pmuCounterMSRs))
	for _, offset := range pmuCounterMSRs {
		var val uint64
		if val, err = msr.Read(offset); err != nil {
			return
		}
		first[offset] = val
	}
	for _, offset := range pmuCounterMSRs {
		var val uint64
		if val, err = msr.Read(offset); err != nil {
			return
		}
		if val != 0 && val != first[offset] {
			busy = true
			return
		}
	}
	return
}

// ChaCount reads the cache/home agent mask register and returns the number of
// active CHAs on the socket owning the given CPU. Returns 0 when the
// microarchitecture has no known mask register or the MSR is unreadable.
func ChaCount(cpu int, uarch string) int {
	offset, ok := chaMaskMSRs[uarch]
	if !ok {
		return 0
	}
	msr, err := OpenMSR(cpu)
	if err != nil {
		return 0
	}
	defer msr.Close()
	mask, err := msr.Read(offset)
	if err != nil {
		return 0
	}
	return bits.OnesCount64(mask)
}
