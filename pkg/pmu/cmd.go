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

// Byte offsets of the DMEM buffer descriptor in pmuif.RPCCmd.
const (
	rpcCmdDmemSizeOffset = 2
	rpcCmdDmemPtrOffset  = 4
)

// Cmd is a command for a PMU unit. CmdPost fills in the header size,
// sequence id and control flags.
type Cmd struct {
	Hdr  pmuif.PMUHdr
	Body marshal.Marshallable
}

// Msg is a message read from the message queue.
type Msg struct {
	Hdr  pmuif.PMUHdr
	Body []byte
}

// Callback is called when the response to a command arrives. err is set if
// the output payload could not be read back.
type Callback func(msg *Msg, err error)

// PayloadBuf is a buffer staged in DMEM alongside a command. Offset is the
// byte offset, within the command body, of the pmuif.Allocation that tells
// the firmware where the buffer is.
type PayloadBuf struct {
	Buf    []byte
	Offset uint32
}

// Payload describes the DMEM buffers of a command. In is copied to DMEM
// before the command is posted. Out is copied back when the response
// arrives; if it is the same slice as In the two share one allocation. RPC
// is an RPC record, both copied in and read back.
type Payload struct {
	In  PayloadBuf
	Out PayloadBuf
	RPC []byte
}

func sameBuf(a, b []byte) bool {
	return len(a) != 0 && len(a) == len(b) && &a[0] == &b[0]
}

func validatePayloadBuf(name string, b *PayloadBuf, bodySize uint32) error {
	switch {
	case b.Buf == nil && b.Offset != 0:
		return fmt.Errorf("%s offset %d without buffer: %w", name, b.Offset, gpuerr.ErrInvalidPayload)
	case b.Buf == nil:
		return nil
	case len(b.Buf) == 0:
		return fmt.Errorf("%s buffer is empty: %w", name, gpuerr.ErrInvalidPayload)
	case len(b.Buf) > 0xffff:
		return fmt.Errorf("%s buffer of %d bytes: %w", name, len(b.Buf), gpuerr.ErrInvalidPayload)
	case b.Offset+pmuif.SizeAllocation > bodySize:
		return fmt.Errorf("%s allocation at %d does not fit a %d byte command: %w", name, b.Offset, bodySize, gpuerr.ErrInvalidPayload)
	}
	return nil
}

func validatePayload(payload *Payload, bodySize uint32) error {
	if payload == nil {
		return nil
	}
	if payload.In.Buf == nil && payload.Out.Buf == nil && payload.RPC == nil {
		return fmt.Errorf("payload has no buffers: %w", gpuerr.ErrInvalidPayload)
	}
	if err := validatePayloadBuf("input", &payload.In, bodySize); err != nil {
		return err
	}
	if err := validatePayloadBuf("output", &payload.Out, bodySize); err != nil {
		return err
	}
	if payload.RPC != nil {
		if len(payload.RPC) < pmuif.SizeRPCHeader || len(payload.RPC) > 0xffff {
			return fmt.Errorf("RPC record of %d bytes: %w", len(payload.RPC), gpuerr.ErrInvalidPayload)
		}
		if bodySize < pmuif.SizeRPCCmd {
			return fmt.Errorf("RPC command body of %d bytes: %w", bodySize, gpuerr.ErrInvalidPayload)
		}
	}
	return nil
}

// CmdPost posts cmd to command queue queueID and returns its sequence id.
// It returns once the command is in the queue. cb, if not nil, is called
// from the message path when the response arrives; payload buffers are
// released either way.
func (p *PMU) CmdPost(cmd *Cmd, payload *Payload, queueID uint32, cb Callback) (uint8, error) {
	if !IsSWCommandQueue(queueID) {
		return 0, fmt.Errorf("posting to queue %d: %w", queueID, gpuerr.ErrInvalidQueue)
	}
	if unit := cmd.Hdr.UnitID; unit == pmuif.PMU_UNIT_REWIND || !pmuif.UnitIDIsValid(unit) {
		return 0, fmt.Errorf("posting to unit %#x: %w", unit, gpuerr.ErrInvalidUnit)
	}
	if cmd.Body == nil {
		return 0, fmt.Errorf("command without body: %w", gpuerr.ErrInvalidPayload)
	}
	bodySize := uint32(cmd.Body.SizeBytes())
	size := pmuif.PMU_CMD_HDR_SIZE + bodySize
	if size > pmuif.PMU_MAX_CMD_SIZE {
		return 0, fmt.Errorf("command of %d bytes: %w", size, gpuerr.ErrSizeOverflow)
	}
	if !p.Ready() {
		return 0, gpuerr.ErrNotReady
	}
	q := p.queues[queueID]
	if size > q.size/2 {
		return 0, fmt.Errorf("command of %d bytes for a %d byte queue: %w", size, q.size, gpuerr.ErrSizeOverflow)
	}
	if err := validatePayload(payload, bodySize); err != nil {
		return 0, err
	}

	s, err := p.acquireSeq(cb)
	if err != nil {
		return 0, err
	}
	// s belongs to the message path once the command is pushed, and may be
	// released before push returns.
	id := s.id
	cmd.Hdr.Size = uint8(size)
	cmd.Hdr.SeqID = id
	cmd.Hdr.CtrlFlags = pmuif.PMU_CMD_FLAGS_STATUS | pmuif.PMU_CMD_FLAGS_INTR

	data := make([]byte, size)
	body := cmd.Hdr.MarshalBytes(data)
	cmd.Body.MarshalBytes(body)
	if err := p.stagePayload(s, body, payload); err != nil {
		p.releaseSeq(s)
		return 0, err
	}
	if err := p.push(q, data); err != nil {
		p.releaseSeq(s)
		return 0, err
	}
	commandsPosted.Increment(queueName(queueID))
	log.Debugf("PMU cmd posted: unit %#x seq %d queue %d size %d", cmd.Hdr.UnitID, id, queueID, size)
	return id, nil
}

// stagePayload copies the payload buffers to DMEM and patches their
// locations into body. Allocations are recorded in s even on failure.
func (p *PMU) stagePayload(s *sequence, body []byte, payload *Payload) error {
	if payload == nil {
		return nil
	}
	stage := func(buf []byte) (uint32, error) {
		off, err := p.dmem.Alloc(uint32(len(buf)))
		if err != nil {
			return 0, err
		}
		s.allocs = append(s.allocs, off)
		if err := p.flcn.CopyToDMEM(off, buf, 0); err != nil {
			return 0, err
		}
		return off, nil
	}
	if in := &payload.In; in.Buf != nil {
		off, err := stage(in.Buf)
		if err != nil {
			return fmt.Errorf("staging input payload: %w", err)
		}
		a := pmuif.Allocation{Size: uint16(len(in.Buf)), Offset: off}
		a.MarshalBytes(body[in.Offset:])
		if sameBuf(in.Buf, payload.Out.Buf) {
			s.out, s.outOff = payload.Out.Buf, off
		}
	}
	if out := &payload.Out; out.Buf != nil {
		if s.out == nil {
			off, err := p.dmem.Alloc(uint32(len(out.Buf)))
			if err != nil {
				return fmt.Errorf("allocating output payload: %w", err)
			}
			s.allocs = append(s.allocs, off)
			s.out, s.outOff = out.Buf, off
		}
		a := pmuif.Allocation{Size: uint16(len(out.Buf)), Offset: s.outOff}
		a.MarshalBytes(body[out.Offset:])
	}
	if payload.RPC != nil {
		off, err := stage(payload.RPC)
		if err != nil {
			return fmt.Errorf("staging RPC record: %w", err)
		}
		s.rpc, s.rpcOff = payload.RPC, off
		marshal.PutUint16(body[rpcCmdDmemSizeOffset:], uint16(len(payload.RPC)))
		marshal.PutUint32(body[rpcCmdDmemPtrOffset:], off)
	}
	return nil
}
