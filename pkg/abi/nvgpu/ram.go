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

// Runlist entry layout, Kepler through Volta. Word 0 carries the id and
// type; word 1 carries the TSG length.
const (
	RAM_RL_ENTRY_ID_M                    = 0xfff
	RAM_RL_ENTRY_TYPE_CHAN               = 0x0
	RAM_RL_ENTRY_TYPE_TSG                = 0x2000
	RAM_RL_ENTRY_TIMESLICE_SCALE_SHIFT   = 14
	RAM_RL_ENTRY_TIMESLICE_TIMEOUT_SHIFT = 18
	RAM_RL_ENTRY_TSG_LENGTH_SHIFT        = 26
	RAM_RL_ENTRY_TSG_LENGTH_M            = 0x3f
)

// Runlist entry layout, Turing. Word 0 carries type, runqueue and
// timeslice; word 2 carries the channel or TSG id; word 3 carries the
// subcontext id for channel entries and the TSG length for TSG entries.
const (
	TU104_RAM_RL_ENTRY_TYPE_CHAN               = 0x0
	TU104_RAM_RL_ENTRY_TYPE_TSG                = 0x1
	TU104_RAM_RL_ENTRY_RUNQUEUE_SEL_SHIFT      = 1
	TU104_RAM_RL_ENTRY_TIMESLICE_SCALE_SHIFT   = 16
	TU104_RAM_RL_ENTRY_TIMESLICE_TIMEOUT_SHIFT = 24
	TU104_RAM_RL_ENTRY_ID_M                    = 0xfff
	TU104_RAM_RL_ENTRY_SUBCTX_M                = 0x3f
	TU104_RAM_RL_ENTRY_TSG_LENGTH_M            = 0xff
)
