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

package nvgpu

// Runlist registers, Kepler through Volta layout. A single base/submit pair
// is shared by all runlists; the target runlist is selected by an engine
// field in the submit register.
const (
	FIFO_RUNLIST_BASE = 0x00002270
	FIFO_RUNLIST      = 0x00002274
	FIFO_ENG_RUNLIST  = 0x00002284
	FIFO_ENG_STRIDE   = 8

	FIFO_RUNLIST_BASE_TARGET_VID_MEM      = 0x0
	FIFO_RUNLIST_BASE_TARGET_SYS_MEM_COH  = 0x20000000
	FIFO_RUNLIST_BASE_TARGET_SYS_MEM_NCOH = 0x30000000

	FIFO_ENG_RUNLIST_PENDING_TRUE = 0x100000

	FIFO_RUNLIST_BASE_PTR_ALIGN_SHIFT = 12

	// Entry size and count for this layout.
	RAM_RL_ENTRY_SIZE = 8
	FIFO_RUNLIST_MAX  = 16
)

// FifoRunlistBasePtr encodes a buffer address into FIFO_RUNLIST_BASE.
func FifoRunlistBasePtr(addr uint64) uint32 {
	return uint32(addr>>FIFO_RUNLIST_BASE_PTR_ALIGN_SHIFT) & 0xfffffff
}

// FifoRunlistEngine encodes the runlist id into FIFO_RUNLIST.
func FifoRunlistEngine(id uint32) uint32 { return (id & 0xf) << 20 }

// FifoRunlistLength encodes the entry count into FIFO_RUNLIST.
func FifoRunlistLength(n uint32) uint32 { return n & 0xffff }

// FifoEngRunlist returns the pending status register of runlist id.
func FifoEngRunlist(id uint32) uint32 { return FIFO_ENG_RUNLIST + id*FIFO_ENG_STRIDE }

// Runlist registers, Turing layout. Each runlist has its own base and
// submit registers.
const (
	FIFO_RUNLIST_BASE_LO_0  = 0x00002b00
	FIFO_RUNLIST_BASE_HI_0  = 0x00002b04
	FIFO_RUNLIST_SUBMIT_0   = 0x00002b08
	FIFO_RUNLIST_SUBMIT_I_0 = 0x00002b0c
	FIFO_RUNLIST_STRIDE     = 16

	FIFO_RUNLIST_BASE_LO_TARGET_VID_MEM      = 0x0
	FIFO_RUNLIST_BASE_LO_TARGET_SYS_MEM_COH  = 0x2
	FIFO_RUNLIST_BASE_LO_TARGET_SYS_MEM_NCOH = 0x3

	FIFO_RUNLIST_SUBMIT_INFO_PENDING_TRUE = 0x8000

	FIFO_RUNLIST_BASE_LO_PTR_ALIGN_SHIFT = 12

	TU104_RAM_RL_ENTRY_SIZE = 16
	TU104_FIFO_RUNLIST_MAX  = 13
)

// FifoRunlistBaseLo returns the base low register of runlist id.
func FifoRunlistBaseLo(id uint32) uint32 { return FIFO_RUNLIST_BASE_LO_0 + id*FIFO_RUNLIST_STRIDE }

// FifoRunlistBaseHi returns the base high register of runlist id.
func FifoRunlistBaseHi(id uint32) uint32 { return FIFO_RUNLIST_BASE_HI_0 + id*FIFO_RUNLIST_STRIDE }

// FifoRunlistSubmit returns the submit register of runlist id.
func FifoRunlistSubmit(id uint32) uint32 { return FIFO_RUNLIST_SUBMIT_0 + id*FIFO_RUNLIST_STRIDE }

// FifoRunlistSubmitInfo returns the submit status register of runlist id.
func FifoRunlistSubmitInfo(id uint32) uint32 {
	return FIFO_RUNLIST_SUBMIT_I_0 + id*FIFO_RUNLIST_STRIDE
}

// FifoRunlistBaseLoPtr encodes the low bits of a buffer address into
// FIFO_RUNLIST_BASE_LO.
func FifoRunlistBaseLoPtr(addr uint64) uint32 {
	return (uint32(addr>>FIFO_RUNLIST_BASE_LO_PTR_ALIGN_SHIFT) & 0xfffff) << 12
}

// FifoRunlistBaseHiPtr encodes the high bits of a buffer address into
// FIFO_RUNLIST_BASE_HI.
func FifoRunlistBaseHiPtr(addr uint64) uint32 {
	return uint32(addr >> 32)
}

// FifoRunlistSubmitLength encodes the entry count into FIFO_RUNLIST_SUBMIT.
func FifoRunlistSubmitLength(n uint32) uint32 { return n & 0xffff }
