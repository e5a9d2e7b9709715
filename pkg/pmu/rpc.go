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

package pmu

import (
	"fmt"

	"gpuctl.dev/gpuctl/pkg/abi/pmuif"
	"gpuctl.dev/gpuctl/pkg/errors/gpuerr"
	"gpuctl.dev/gpuctl/pkg/log"
	"gpuctl.dev/gpuctl/pkg/marshal"
)

type rpcReply struct {
	buf []byte
	err error
}

// rpcPost copies rpc to DMEM and posts the RPC command that points at it on
// LPQ. done, if not nil, is called with the record read back from DMEM
// after the reply has been dispatched.
func (p *PMU) rpcPost(rpc pmuif.RPC, flags uint8, done func(rpcReply)) error {
	h := rpc.Header()
	buf := marshal.Marshal(rpc)
	cmd := &Cmd{
		Hdr: pmuif.PMUHdr{UnitID: h.UnitID},
		Body: &pmuif.RPCCmd{
			CmdType: pmuif.NV_PMU_RPC_CMD_ID,
			Flags:   flags,
		},
	}
	_, err := p.CmdPost(cmd, &Payload{RPC: buf}, pmuif.PMU_COMMAND_QUEUE_LPQ, func(msg *Msg, err error) {
		if err == nil {
			p.handleRPCReply(buf)
		}
		if done != nil {
			done(rpcReply{buf: buf, err: err})
		}
	})
	if err != nil {
		return fmt.Errorf("posting RPC unit %#x function %#x: %w", h.UnitID, h.Function, err)
	}
	return nil
}

// RPCPost posts rpc without waiting for the reply, which is still
// dispatched to the unit's RPC handler. It is safe to call from callbacks.
func (p *PMU) RPCPost(rpc pmuif.RPC, flags uint8) error {
	return p.rpcPost(rpc, flags, nil)
}

// RPCExecute posts rpc and waits for the reply or the poll timeout. On
// success rpc holds the record as returned by the firmware. A non-zero
// firmware status fails with gpuerr.ErrRPCFailed.
//
// RPCExecute must not be called from a callback.
func (p *PMU) RPCExecute(rpc pmuif.RPC, flags uint8) error {
	h := rpc.Header()
	unit, fn := h.UnitID, h.Function
	replies := make(chan rpcReply, 1)
	if err := p.rpcPost(rpc, flags, func(r rpcReply) { replies <- r }); err != nil {
		return err
	}

	select {
	case r := <-replies:
		if r.err != nil {
			return fmt.Errorf("RPC unit %#x function %#x: %w", unit, fn, r.err)
		}
		if err := marshal.Unmarshal(r.buf, rpc, false); err != nil {
			return fmt.Errorf("decoding RPC unit %#x function %#x reply: %w", unit, fn, err)
		}
		if status := rpc.Header().FlcnStatus; status != 0 {
			return fmt.Errorf("RPC unit %#x function %#x returned status %#x: %w", unit, fn, status, gpuerr.ErrRPCFailed)
		}
		return nil
	case <-p.dev.Clock().After(p.dev.PollTimeout()):
		rpcTimeouts.Increment()
		log.Warningf("PMU RPC unit %#x function %#x timed out after %v", unit, fn, p.dev.PollTimeout())
		return fmt.Errorf("RPC unit %#x function %#x: %w", unit, fn, gpuerr.ErrRPCTimeout)
	}
}

// handleRPCReply dispatches an RPC record returned by the firmware to the
// handler of its unit.
func (p *PMU) handleRPCReply(buf []byte) {
	var h pmuif.RPCHeader
	if err := marshal.Unmarshal(buf, &h, true); err != nil {
		p.rpcLog.Warningf("Short RPC reply: %v", err)
		return
	}
	if h.FlcnStatus != 0 {
		p.rpcLog.Warningf("RPC unit %#x function %#x failed with status %#x", h.UnitID, h.Function, h.FlcnStatus)
		return
	}
	switch h.UnitID {
	case pmuif.PMU_UNIT_PERFMON, pmuif.PMU_UNIT_PERFMON_T18X:
		p.handlePerfmonRPC(&h, buf)
	default:
		p.rpcLog.Warningf("Dropping RPC reply for unit %#x function %#x", h.UnitID, h.Function)
	}
}
