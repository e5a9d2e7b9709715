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
	"gpuctl.dev/gpuctl/pkg/abi/nvgpu"
	"gpuctl.dev/gpuctl/pkg/abi/pmuif"
	"gpuctl.dev/gpuctl/pkg/hal"
	"gpuctl.dev/gpuctl/pkg/log"
	"gpuctl.dev/gpuctl/pkg/marshal"
)

func align(v uint32) uint32 {
	return (v + pmuif.QUEUE_ALIGNMENT - 1) &^ (pmuif.QUEUE_ALIGNMENT - 1)
}

// runQueue consumes every command between tail and head of command queue i.
func (g *GPU) runQueue(i uint32) {
	q := g.queues[i]
	head := g.regs[nvgpu.PmuQueueHead(i)]
	tail := g.regs[nvgpu.PmuQueueTail(i)]
	for tail != head {
		if tail < q.offset || tail+pmuif.PMU_CMD_HDR_SIZE > q.offset+q.size {
			log.Warningf("sim: queue %d tail %#x outside queue", i, tail)
			break
		}
		var hdr pmuif.PMUHdr
		hdr.UnmarshalBytes(g.dmem[tail:])
		if hdr.UnitID == pmuif.PMU_UNIT_REWIND {
			tail = q.offset
			continue
		}
		if hdr.Size < pmuif.PMU_CMD_HDR_SIZE {
			log.Warningf("sim: queue %d bad command size %d", i, hdr.Size)
			break
		}
		body := append([]byte(nil), g.dmem[tail+pmuif.PMU_CMD_HDR_SIZE:tail+uint32(hdr.Size)]...)
		tail += align(uint32(hdr.Size))
		g.commands = append(g.commands, Command{Hdr: hdr, Body: body})
		g.handleCommand(&hdr, body)
	}
	g.regs[nvgpu.PmuQueueTail(i)] = tail
}

func (g *GPU) handleCommand(hdr *pmuif.PMUHdr, body []byte) {
	if len(body) >= pmuif.SizeRPCCmd && body[0] == pmuif.NV_PMU_RPC_CMD_ID {
		g.handleRPC(hdr, body)
		return
	}
	switch hdr.UnitID {
	case pmuif.PMU_UNIT_PERFMON, pmuif.PMU_UNIT_PERFMON_T18X:
		g.perfmonUnit = hdr.UnitID
		g.handlePerfmon(hdr, body)
	default:
		ack := pmuif.GenericMsg{}
		g.reply(hdr, &ack)
	}
}

func (g *GPU) handlePerfmon(hdr *pmuif.PMUHdr, body []byte) {
	if len(body) == 0 {
		return
	}
	switch body[0] {
	case pmuif.PMU_PERFMON_CMD_ID_INIT:
		var cmd pmuif.PerfmonCmdInit
		if len(body) < cmd.SizeBytes() {
			log.Warningf("sim: short perfmon init")
			return
		}
		cmd.UnmarshalBytes(body)
		g.readCounter(cmd.CounterAlloc)
		g.sampleBuffer = uint32(cmd.SampleBuffer)
		g.writeSample()
		g.reply(hdr, &pmuif.PerfmonMsg{MsgType: pmuif.PMU_PERFMON_MSG_ID_ACK})
		g.event(&pmuif.PerfmonMsg{MsgType: pmuif.PMU_PERFMON_MSG_ID_INIT_EVENT})
	case pmuif.PMU_PERFMON_CMD_ID_START:
		var cmd pmuif.PerfmonCmdStart
		if len(body) < cmd.SizeBytes() {
			log.Warningf("sim: short perfmon start")
			return
		}
		cmd.UnmarshalBytes(body)
		g.readCounter(cmd.CounterAlloc)
		g.sampling = true
		g.reply(hdr, &pmuif.PerfmonMsg{MsgType: pmuif.PMU_PERFMON_MSG_ID_ACK})
	case pmuif.PMU_PERFMON_CMD_ID_STOP:
		g.sampling = false
		g.reply(hdr, &pmuif.PerfmonMsg{MsgType: pmuif.PMU_PERFMON_MSG_ID_ACK})
	}
}

// writeSample publishes the current sample in the sample buffer named by
// perfmon INIT, if any.
func (g *GPU) writeSample() {
	if g.sampleBuffer == 0 || int(g.sampleBuffer)+2 > len(g.dmem) {
		return
	}
	marshal.PutUint16(g.dmem[g.sampleBuffer:], g.sample)
}

func (g *GPU) readCounter(a pmuif.Allocation) {
	if a.Size < pmuif.SizePerfmonCounter || int(a.Offset)+int(a.Size) > len(g.dmem) {
		log.Warningf("sim: bad counter allocation %+v", a)
		return
	}
	g.counter.UnmarshalBytes(g.dmem[a.Offset:])
}

func (g *GPU) handleRPC(hdr *pmuif.PMUHdr, body []byte) {
	var cmd pmuif.RPCCmd
	cmd.UnmarshalBytes(body)
	if cmd.RPCDmemSize < pmuif.SizeRPCHeader || int(cmd.RPCDmemPtr)+int(cmd.RPCDmemSize) > len(g.dmem) {
		log.Warningf("sim: bad RPC buffer %+v", cmd)
		return
	}
	if g.dropRPC {
		return
	}
	buf := g.dmem[cmd.RPCDmemPtr : cmd.RPCDmemPtr+uint32(cmd.RPCDmemSize)]
	var rh pmuif.RPCHeader
	rh.UnmarshalBytes(buf)
	rh.FlcnStatus = g.rpcStatus
	rh.ExecTimePmuNs = 1000

	if hdr.UnitID == pmuif.PMU_UNIT_PERFMON_T18X || hdr.UnitID == pmuif.PMU_UNIT_PERFMON {
		g.perfmonUnit = hdr.UnitID
		switch rh.Function {
		case pmuif.NV_PMU_RPC_ID_PERFMON_T18X_START:
			if len(buf) >= pmuif.SizePerfmonRPCStart {
				var c pmuif.PerfmonCounterV3
				c.UnmarshalBytes(buf[pmuif.SizeRPCHeader+4:])
				g.counter = pmuif.PerfmonCounter{
					Index:          c.Index,
					GroupID:        c.GroupID,
					Flags:          uint8(c.Flags),
					Valid:          1,
					UpperThreshold: c.UpperThreshold,
					LowerThreshold: c.LowerThreshold,
					Scale:          c.Scale,
				}
			}
			g.sampling = true
		case pmuif.NV_PMU_RPC_ID_PERFMON_T18X_STOP:
			g.sampling = false
		case pmuif.NV_PMU_RPC_ID_PERFMON_T18X_QUERY:
			if len(buf) >= pmuif.SizePerfmonRPCQuery {
				marshal.PutUint16(buf[pmuif.SizeRPCHeader:], g.sample)
			}
		}
	}
	rh.MarshalBytes(buf)
	g.reply(hdr, &rh)
}

// reply posts a response to the command with header hdr.
func (g *GPU) reply(hdr *pmuif.PMUHdr, body marshal.Marshallable) {
	rhdr := pmuif.PMUHdr{
		UnitID: hdr.UnitID,
		Size:   uint8(pmuif.PMU_MSG_HDR_SIZE + body.SizeBytes()),
		SeqID:  hdr.SeqID,
	}
	g.postMessage(&rhdr, body)
}

// event posts an unsolicited perfmon message.
func (g *GPU) event(body marshal.Marshallable) bool {
	hdr := pmuif.PMUHdr{
		UnitID:    g.perfmonUnit,
		Size:      uint8(pmuif.PMU_MSG_HDR_SIZE + body.SizeBytes()),
		CtrlFlags: pmuif.PMU_CMD_FLAGS_EVENT,
	}
	return g.postMessage(&hdr, body)
}

// postMessage writes a message to the message queue and raises SWGEN0.
func (g *GPU) postMessage(hdr *pmuif.PMUHdr, body marshal.Marshallable) bool {
	q := g.queues[pmuif.PMU_MESSAGE_QUEUE]
	head := g.regs[nvgpu.PWR_PMU_MSGQ_HEAD]
	tail := g.regs[nvgpu.PWR_PMU_MSGQ_TAIL]
	need := align(uint32(hdr.Size))

	rewind := false
	free := int64(0)
	if head >= tail {
		free = int64(q.offset) + int64(q.size) - int64(head) - pmuif.PMU_MSG_HDR_SIZE
		if int64(need) > free {
			rewind = true
			head = q.offset
		}
	}
	if head < tail {
		free = int64(tail) - int64(head) - 1
	}
	if int64(need) > free {
		g.dropped++
		g.dropLog.Warningf("sim: message queue full, dropping unit %#x seq %d", hdr.UnitID, hdr.SeqID)
		return false
	}
	if rewind {
		r := pmuif.PMUHdr{UnitID: pmuif.PMU_UNIT_REWIND, Size: pmuif.PMU_MSG_HDR_SIZE}
		r.MarshalBytes(g.dmem[g.regs[nvgpu.PWR_PMU_MSGQ_HEAD]:])
	}
	rest := hdr.MarshalBytes(g.dmem[head:])
	body.MarshalBytes(rest)
	g.regs[nvgpu.PWR_PMU_MSGQ_HEAD] = head + need
	g.signal()
	return true
}

func (g *GPU) pendingBit() uint32 {
	if g.hal.Runlist == hal.RunlistPerID {
		return nvgpu.FIFO_RUNLIST_SUBMIT_INFO_PENDING_TRUE
	}
	return nvgpu.FIFO_ENG_RUNLIST_PENDING_TRUE
}

func (g *GPU) runlistStatusReg(off uint32) (uint32, bool) {
	for id := uint32(0); id < g.hal.RunlistCountMax; id++ {
		if g.hal.Runlist == hal.RunlistPerID && off == nvgpu.FifoRunlistSubmitInfo(id) {
			return id, true
		}
		if g.hal.Runlist == hal.RunlistShared && off == nvgpu.FifoEngRunlist(id) {
			return id, true
		}
	}
	return 0, false
}

// maybeSubmit records a runlist submission if off is a submit register.
func (g *GPU) maybeSubmit(off, val uint32) {
	var s RunlistSubmit
	switch {
	case g.hal.Runlist == hal.RunlistShared && off == nvgpu.FIFO_RUNLIST:
		base := g.regs[nvgpu.FIFO_RUNLIST_BASE]
		s = RunlistSubmit{
			ID:     (val >> 20) & 0xf,
			Base:   uint64(base&0xfffffff) << nvgpu.FIFO_RUNLIST_BASE_PTR_ALIGN_SHIFT,
			Target: base & 0x30000000,
			Count:  val & 0xffff,
		}
	case g.hal.Runlist == hal.RunlistPerID:
		found := false
		for id := uint32(0); id < g.hal.RunlistCountMax; id++ {
			if off == nvgpu.FifoRunlistSubmit(id) {
				lo := g.regs[nvgpu.FifoRunlistBaseLo(id)]
				hi := g.regs[nvgpu.FifoRunlistBaseHi(id)]
				s = RunlistSubmit{
					ID:     id,
					Base:   uint64(hi)<<32 | uint64(lo&^0xfff),
					Target: lo & 0x3,
					Count:  val & 0xffff,
				}
				found = true
				break
			}
		}
		if !found {
			return
		}
	default:
		return
	}
	g.submits = append(g.submits, s)
	g.pending[s.ID] = g.runlistPolls
}
