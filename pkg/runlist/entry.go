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

package runlist

import (
	"fmt"

	"gpuctl.dev/gpuctl/pkg/abi/nvgpu"
	"gpuctl.dev/gpuctl/pkg/errors/gpuerr"
	"gpuctl.dev/gpuctl/pkg/hal"
	"gpuctl.dev/gpuctl/pkg/marshal"
)

// maxEntries is the largest count the submit registers can carry.
const maxEntries = 0xffff

// Entry is a runlist entry: a channel, or a TSG header followed by its
// channels.
type Entry struct {
	// TSG marks a TSG header entry.
	TSG bool
	// ID is the channel or TSG id.
	ID uint32

	// TimesliceScale and TimesliceTimeout are set on TSG entries.
	TimesliceScale   uint32
	TimesliceTimeout uint32
	// TSGLength is the number of channel entries following a TSG entry.
	TSGLength uint32

	// RunqueueSel and SubctxID are set on channel entries of GPUs with
	// 16-byte entries.
	RunqueueSel uint32
	SubctxID    uint32
}

// Encode writes entries to dst in the format of h and returns the number of
// entries written.
func Encode(h *hal.HAL, entries []Entry, dst []byte) (uint32, error) {
	size := int(h.RunlistEntrySize)
	if len(entries) > maxEntries {
		return 0, fmt.Errorf("%d runlist entries: %w", len(entries), gpuerr.ErrSizeOverflow)
	}
	if len(entries)*size > len(dst) {
		return 0, fmt.Errorf("%d runlist entries do not fit a %d byte buffer: %w", len(entries), len(dst), gpuerr.ErrSizeOverflow)
	}
	for i := range entries {
		b := dst[i*size:]
		switch size {
		case nvgpu.RAM_RL_ENTRY_SIZE:
			encodeEntry(&entries[i], b)
		case nvgpu.TU104_RAM_RL_ENTRY_SIZE:
			encodeEntryV2(&entries[i], b)
		default:
			return 0, fmt.Errorf("runlist entry size %d: %w", size, gpuerr.ErrNoDevice)
		}
	}
	return uint32(len(entries)), nil
}

// encodeEntry writes an 8-byte entry.
func encodeEntry(e *Entry, dst []byte) {
	w0 := e.ID & nvgpu.RAM_RL_ENTRY_ID_M
	var w1 uint32
	if e.TSG {
		w0 |= nvgpu.RAM_RL_ENTRY_TYPE_TSG |
			e.TimesliceScale<<nvgpu.RAM_RL_ENTRY_TIMESLICE_SCALE_SHIFT |
			e.TimesliceTimeout<<nvgpu.RAM_RL_ENTRY_TIMESLICE_TIMEOUT_SHIFT
		w1 = (e.TSGLength & nvgpu.RAM_RL_ENTRY_TSG_LENGTH_M) << nvgpu.RAM_RL_ENTRY_TSG_LENGTH_SHIFT
	}
	dst = marshal.PutUint32(dst, w0)
	marshal.PutUint32(dst, w1)
}

// encodeEntryV2 writes a 16-byte entry.
func encodeEntryV2(e *Entry, dst []byte) {
	var w0, w3 uint32
	if e.TSG {
		w0 = nvgpu.TU104_RAM_RL_ENTRY_TYPE_TSG |
			e.TimesliceScale<<nvgpu.TU104_RAM_RL_ENTRY_TIMESLICE_SCALE_SHIFT |
			e.TimesliceTimeout<<nvgpu.TU104_RAM_RL_ENTRY_TIMESLICE_TIMEOUT_SHIFT
		w3 = e.TSGLength & nvgpu.TU104_RAM_RL_ENTRY_TSG_LENGTH_M
	} else {
		w0 = nvgpu.TU104_RAM_RL_ENTRY_TYPE_CHAN |
			(e.RunqueueSel&1)<<nvgpu.TU104_RAM_RL_ENTRY_RUNQUEUE_SEL_SHIFT
		w3 = e.SubctxID & nvgpu.TU104_RAM_RL_ENTRY_SUBCTX_M
	}
	dst = marshal.PutUint32(dst, w0)
	dst = marshal.PutUint32(dst, 0)
	dst = marshal.PutUint32(dst, e.ID&nvgpu.TU104_RAM_RL_ENTRY_ID_M)
	marshal.PutUint32(dst, w3)
}
