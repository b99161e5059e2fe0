// Copyright 2026 The Agentd Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// residentMemory returns the process's RSS in bytes, or 0 when the
// probe fails. Status reporting is best effort.
func residentMemory() uint64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return info.RSS
}
