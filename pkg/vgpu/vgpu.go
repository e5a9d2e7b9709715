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

// Package vgpu sends channel setup requests to the GPU server when gpuctl
// runs in a virtualized guest, where RAMFC is owned by the server.
package vgpu

import (
	"fmt"

	"gpuctl.dev/gpuctl/pkg/errors/gpuerr"
	"gpuctl.dev/gpuctl/pkg/log"
	"gpuctl.dev/gpuctl/pkg/marshal"
)

// CmdChannelSetupRAMFC asks the server to program a channel's RAMFC.
const CmdChannelSetupRAMFC = 17

// Message sizes.
const (
	SizeRAMFCParams = 40
	SizeCmdMsg      = 16 + SizeRAMFCParams
)

// Comm is the transport to the GPU server.
type Comm interface {
	// Handle returns the guest's connection handle.
	Handle() uint64
	// SendRecv sends msg and overwrites it with the reply.
	SendRecv(msg []byte) error
}

// Channel is the guest view of a server-side channel.
type Channel struct {
	// VirtCtx is the server's handle for the channel.
	VirtCtx uint64
	// UserdIOVA is the address of the channel's USERD.
	UserdIOVA uint64
}

// RAMFCParams are the parameters of CmdChannelSetupRAMFC.
type RAMFCParams struct {
	Handle     uint64
	GPFIFOVA   uint64
	NumEntries uint32
	UserdAddr  uint64
	IOVA       uint8
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (p *RAMFCParams) SizeBytes() int { return SizeRAMFCParams }

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (p *RAMFCParams) MarshalBytes(dst []byte) []byte {
	dst = marshal.PutUint64(dst, p.Handle)
	dst = marshal.PutUint64(dst, p.GPFIFOVA)
	dst = marshal.PutUint32(dst, p.NumEntries)
	dst = marshal.Pad(dst, 4)
	dst = marshal.PutUint64(dst, p.UserdAddr)
	dst = marshal.PutUint8(dst, p.IOVA)
	return marshal.Pad(dst, 7)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (p *RAMFCParams) UnmarshalBytes(src []byte) []byte {
	p.Handle, src = marshal.Uint64(src)
	p.GPFIFOVA, src = marshal.Uint64(src)
	p.NumEntries, src = marshal.Uint32(src)
	src = src[4:]
	p.UserdAddr, src = marshal.Uint64(src)
	p.IOVA, src = marshal.Uint8(src)
	return src[7:]
}

// CmdMsg is a request to the GPU server. The server stores its status in
// Ret.
type CmdMsg struct {
	Cmd    uint32
	Ret    int32
	Handle uint64
	Params RAMFCParams
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (m *CmdMsg) SizeBytes() int { return SizeCmdMsg }

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (m *CmdMsg) MarshalBytes(dst []byte) []byte {
	dst = marshal.PutUint32(dst, m.Cmd)
	dst = marshal.PutUint32(dst, uint32(m.Ret))
	dst = marshal.PutUint64(dst, m.Handle)
	return m.Params.MarshalBytes(dst)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (m *CmdMsg) UnmarshalBytes(src []byte) []byte {
	m.Cmd, src = marshal.Uint32(src)
	var ret uint32
	ret, src = marshal.Uint32(src)
	m.Ret = int32(ret)
	m.Handle, src = marshal.Uint64(src)
	return m.Params.UnmarshalBytes(src)
}

// SetupRAMFC asks the server to set up the RAMFC of ch for a GPFIFO of
// entries entries at gpfifoBase. Any failure, local or reported by the
// server, is gpuerr.ErrAllocationFailure.
func SetupRAMFC(comm Comm, ch *Channel, gpfifoBase uint64, entries uint32) error {
	msg := CmdMsg{
		Cmd:    CmdChannelSetupRAMFC,
		Handle: comm.Handle(),
		Params: RAMFCParams{
			Handle:     ch.VirtCtx,
			GPFIFOVA:   gpfifoBase,
			NumEntries: entries,
			UserdAddr:  ch.UserdIOVA,
		},
	}
	buf := marshal.Marshal(&msg)
	if err := comm.SendRecv(buf); err != nil {
		log.Warningf("vgpu: RAMFC setup for channel %#x: %v", ch.VirtCtx, err)
		return fmt.Errorf("RAMFC setup for channel %#x: %v: %w", ch.VirtCtx, err, gpuerr.ErrAllocationFailure)
	}
	if err := marshal.Unmarshal(buf, &msg, true); err != nil {
		return fmt.Errorf("RAMFC setup reply: %v: %w", err, gpuerr.ErrAllocationFailure)
	}
	if msg.Ret != 0 {
		return fmt.Errorf("RAMFC setup for channel %#x: server returned %d: %w", ch.VirtCtx, msg.Ret, gpuerr.ErrAllocationFailure)
	}
	log.Debugf("vgpu: RAMFC set up for channel %#x, %d entries at %#x", ch.VirtCtx, entries, gpfifoBase)
	return nil
}
