// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package hal maps a GPU identity to the per-generation behavior gpuctl
// needs: which runlist register layout to use, whether perfmon is driven by
// RPC or by legacy commands, and which optional blocks exist.
package hal

import (
	"fmt"

	"gpuctl.dev/gpuctl/pkg/abi/nvgpu"
	"gpuctl.dev/gpuctl/pkg/errors/gpuerr"
	"gpuctl.dev/gpuctl/pkg/log"
)

// RunlistLayout selects the runlist submit registers.
type RunlistLayout int

const (
	// RunlistShared is the Kepler through Volta layout: one base/submit pair
	// with the runlist id encoded in the submit value.
	RunlistShared RunlistLayout = iota
	// RunlistPerID is the Turing layout: one register block per runlist.
	RunlistPerID
)

// String implements fmt.Stringer.
func (l RunlistLayout) String() string {
	switch l {
	case RunlistShared:
		return "shared"
	case RunlistPerID:
		return "per-id"
	default:
		return fmt.Sprintf("RunlistLayout(%d)", int(l))
	}
}

// HAL is the per-generation operation table.
type HAL struct {
	// Name is the chip name, e.g. "gv11b".
	Name string
	// GPUID is arch + impl.
	GPUID uint32

	Runlist          RunlistLayout
	RunlistEntrySize uint32
	RunlistCountMax  uint32

	// PerfmonRPC is set when perfmon is driven by RPC instead of commands.
	PerfmonRPC bool
	// IdleCounters is set when the PMU exposes idle counters.
	IdleCounters bool
}

var table = []HAL{
	{
		Name:             "gk20a",
		GPUID:            nvgpu.GK20A_GPUID_GK20A,
		Runlist:          RunlistShared,
		RunlistEntrySize: nvgpu.RAM_RL_ENTRY_SIZE,
		RunlistCountMax:  nvgpu.FIFO_RUNLIST_MAX,
		IdleCounters:     true,
	},
	{
		Name:             "gm20b",
		GPUID:            nvgpu.GK20A_GPUID_GM20B,
		Runlist:          RunlistShared,
		RunlistEntrySize: nvgpu.RAM_RL_ENTRY_SIZE,
		RunlistCountMax:  nvgpu.FIFO_RUNLIST_MAX,
		IdleCounters:     true,
	},
	{
		Name:             "gm20b_b",
		GPUID:            nvgpu.GK20A_GPUID_GM20B_B,
		Runlist:          RunlistShared,
		RunlistEntrySize: nvgpu.RAM_RL_ENTRY_SIZE,
		RunlistCountMax:  nvgpu.FIFO_RUNLIST_MAX,
		IdleCounters:     true,
	},
	{
		Name:             "gp10b",
		GPUID:            nvgpu.NVGPU_GPUID_GP10B,
		Runlist:          RunlistShared,
		RunlistEntrySize: nvgpu.RAM_RL_ENTRY_SIZE,
		RunlistCountMax:  nvgpu.FIFO_RUNLIST_MAX,
		IdleCounters:     true,
	},
	{
		Name:             "gv11b",
		GPUID:            nvgpu.NVGPU_GPUID_GV11B,
		Runlist:          RunlistShared,
		RunlistEntrySize: nvgpu.TU104_RAM_RL_ENTRY_SIZE,
		RunlistCountMax:  nvgpu.FIFO_RUNLIST_MAX,
		PerfmonRPC:       true,
		IdleCounters:     true,
	},
	{
		Name:             "tu104",
		GPUID:            nvgpu.NVGPU_GPUID_TU104,
		Runlist:          RunlistPerID,
		RunlistEntrySize: nvgpu.TU104_RAM_RL_ENTRY_SIZE,
		RunlistCountMax:  nvgpu.TU104_FIFO_RUNLIST_MAX,
		IdleCounters:     true,
	},
}

// Lookup returns the HAL for the GPU with the given architecture and
// implementation ids.
func Lookup(arch, impl uint32) (*HAL, error) {
	id := arch + impl
	for i := range table {
		if table[i].GPUID == id {
			log.Infof("%s detected", table[i].Name)
			return &table[i], nil
		}
	}
	return nil, fmt.Errorf("arch %#x impl %#x: %w", arch, impl, gpuerr.ErrNoDevice)
}

// ByName returns the HAL for a chip name.
func ByName(name string) (*HAL, error) {
	for i := range table {
		if table[i].Name == name {
			return &table[i], nil
		}
	}
	return nil, fmt.Errorf("chip %q: %w", name, gpuerr.ErrNoDevice)
}

// Names returns every supported chip name.
func Names() []string {
	names := make([]string, 0, len(table))
	for i := range table {
		names = append(names, table[i].Name)
	}
	return names
}

// Arch returns the architecture id of h.
func (h *HAL) Arch() uint32 {
	return h.GPUID &^ 0xf
}

// Impl returns the implementation id of h.
func (h *HAL) Impl() uint32 {
	return h.GPUID & 0xf
}
