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

package pmuif

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gpuctl.dev/gpuctl/pkg/marshal"
)

func TestSizes(t *testing.T) {
	for _, tc := range []struct {
		name string
		m    marshal.Marshallable
		want int
	}{
		{"PMUHdr", &PMUHdr{}, 4},
		{"Allocation", &Allocation{}, 8},
		{"InitMsg", &InitMsg{}, 38},
		{"PerfmonCounter", &PerfmonCounter{}, 12},
		{"PerfmonCounterV3", &PerfmonCounterV3{}, 12},
		{"PerfmonCmdStart", &PerfmonCmdStart{}, 12},
		{"PerfmonCmdStop", &PerfmonCmdStop{}, 1},
		{"PerfmonCmdInit", &PerfmonCmdInit{}, 20},
		{"PerfmonMsg", &PerfmonMsg{}, 4},
		{"RPCCmd", &RPCCmd{}, 8},
		{"RPCHeader", &RPCHeader{}, 12},
		{"PerfmonRPCInit", &PerfmonRPCInit{}, 144},
		{"PerfmonRPCStart", &PerfmonRPCStart{}, 140},
		{"PerfmonRPCStop", &PerfmonRPCStop{}, 16},
		{"PerfmonRPCQuery", &PerfmonRPCQuery{}, 36},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.m.SizeBytes(); got != tc.want {
				t.Errorf("SizeBytes() = %d, want %d", got, tc.want)
			}
			// Marshal panics if the encoder disagrees with SizeBytes.
			if got := len(marshal.Marshal(tc.m)); got != tc.want {
				t.Errorf("len(Marshal()) = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestCounterAllocOffsets(t *testing.T) {
	alloc := Allocation{Size: 0x1234, Offset: 0xdeadbeef}
	want := marshal.Marshal(&alloc)

	start := marshal.Marshal(&PerfmonCmdStart{CmdType: PMU_PERFMON_CMD_ID_START, CounterAlloc: alloc})
	if diff := cmp.Diff(want, start[PerfmonCmdStartCounterAllocOffset:][:SizeAllocation]); diff != "" {
		t.Errorf("start counter_alloc mismatch (-want +got):\n%s", diff)
	}
	init := marshal.Marshal(&PerfmonCmdInit{CmdType: PMU_PERFMON_CMD_ID_INIT, CounterAlloc: alloc})
	if diff := cmp.Diff(want, init[PerfmonCmdInitCounterAllocOffset:][:SizeAllocation]); diff != "" {
		t.Errorf("init counter_alloc mismatch (-want +got):\n%s", diff)
	}
}

func TestQuerySampleBufferLayout(t *testing.T) {
	var q PerfmonRPCQuery
	q.Hdr.UnitID = PMU_UNIT_PERFMON_T18X
	q.Hdr.Function = NV_PMU_RPC_ID_PERFMON_T18X_QUERY
	q.SampleBuffer[0] = 450
	b := marshal.Marshal(&q)
	if got := marshal.ByteOrder.Uint16(b[SizeRPCHeader:]); got != 450 {
		t.Errorf("sample_buffer[0] = %d, want 450", got)
	}

	var got PerfmonRPCQuery
	if err := marshal.Unmarshal(b, &got, false); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if diff := cmp.Diff(q, got); diff != "" {
		t.Errorf("query mismatch (-want +got):\n%s", diff)
	}
}

func TestUnitIDIsValid(t *testing.T) {
	for _, tc := range []struct {
		id   uint8
		want bool
	}{
		{PMU_UNIT_PERFMON, true},
		{PMU_UNIT_PERFMON_T18X, true},
		{PMU_UNIT_RC, true},
		{PMU_UNIT_END, false},
		{PMU_UNIT_INVALID, false},
	} {
		if got := UnitIDIsValid(tc.id); got != tc.want {
			t.Errorf("UnitIDIsValid(%#x) = %t, want %t", tc.id, got, tc.want)
		}
	}
}
