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

package sim

import (
	"gpuctl.dev/gpuctl/pkg/abi/pmuif"
)

// RaisePerfmonEvent makes the firmware post a perfmon event, such as a load
// threshold crossing.
func (g *GPU) RaisePerfmonEvent(msgType, data uint8) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.event(&pmuif.PerfmonMsg{
		MsgType: msgType,
		StateID: 0,
		GroupID: pmuif.PMU_DOMAIN_GROUP_PSTATE,
		Data:    data,
	})
}

// PostRawMessage writes an arbitrary message to the message queue.
func (g *GPU) PostRawMessage(hdr pmuif.PMUHdr, body []byte) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.postMessage(&hdr, rawBody(body))
}

type rawBody []byte

func (b rawBody) SizeBytes() int                   { return len(b) }
func (b rawBody) MarshalBytes(dst []byte) []byte   { return dst[copy(dst, b):] }
func (b rawBody) UnmarshalBytes(src []byte) []byte { return src[copy(b, src):] }

// SetSample sets the load the firmware reports in perfmon queries and in
// the sample buffer.
func (g *GPU) SetSample(v uint16) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sample = v
	g.writeSample()
}

// SetDropRPC makes the firmware consume RPCs without replying.
func (g *GPU) SetDropRPC(drop bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dropRPC = drop
}

// SetRPCStatus sets the falcon status reported in RPC replies.
func (g *GPU) SetRPCStatus(status uint8) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rpcStatus = status
}

// SetRunlistPendingPolls sets how many status reads report a submitted
// runlist as pending. Negative values keep it pending forever.
func (g *GPU) SetRunlistPendingPolls(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.runlistPolls = n
}

// Commands returns every command consumed so far.
func (g *GPU) Commands() []Command {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Command(nil), g.commands...)
}

// Sampling reports whether the firmware is sampling load.
func (g *GPU) Sampling() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sampling
}

// Counter returns the last perfmon counter descriptor the firmware received.
func (g *GPU) Counter() pmuif.PerfmonCounter {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counter
}

// Submits returns every runlist submission.
func (g *GPU) Submits() []RunlistSubmit {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]RunlistSubmit(nil), g.submits...)
}

// Dropped returns the number of messages dropped on a full message queue.
func (g *GPU) Dropped() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dropped
}
