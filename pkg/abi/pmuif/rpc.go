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
	"gpuctl.dev/gpuctl/pkg/marshal"
)

// NV_PMU_RPC_CMD_ID is the command type of every RPC command, whatever its
// unit.
const NV_PMU_RPC_CMD_ID = 0x80

// PERFMON_T18X RPC functions.
const (
	NV_PMU_RPC_ID_PERFMON_T18X_INIT   = 0x00
	NV_PMU_RPC_ID_PERFMON_T18X_DEINIT = 0x01
	NV_PMU_RPC_ID_PERFMON_T18X_START  = 0x02
	NV_PMU_RPC_ID_PERFMON_T18X_STOP   = 0x03
	NV_PMU_RPC_ID_PERFMON_T18X_QUERY  = 0x04
	NV_PMU_RPC_ID_PERFMON_T18X__COUNT = 0x05
)

const (
	SizeRPCCmd               = 8
	SizeRPCHeader            = 12
	SizePerfmonRPCInit       = 144
	SizePerfmonRPCStart      = 140
	SizePerfmonRPCStop       = 16
	SizePerfmonRPCQuery      = 36
	SizePerfmonRPCCounterArr = NV_PMU_PERFMON_MAX_COUNTERS * SizePerfmonCounterV3
)

// RPCCmd is the command body that points the firmware at an RPC record in
// DMEM.
type RPCCmd struct {
	CmdType     uint8
	Flags       uint8
	RPCDmemSize uint16
	RPCDmemPtr  uint32
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (c *RPCCmd) SizeBytes() int { return SizeRPCCmd }

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (c *RPCCmd) MarshalBytes(dst []byte) []byte {
	dst = marshal.PutUint8(dst, c.CmdType)
	dst = marshal.PutUint8(dst, c.Flags)
	dst = marshal.PutUint16(dst, c.RPCDmemSize)
	return marshal.PutUint32(dst, c.RPCDmemPtr)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (c *RPCCmd) UnmarshalBytes(src []byte) []byte {
	c.CmdType, src = marshal.Uint8(src)
	c.Flags, src = marshal.Uint8(src)
	c.RPCDmemSize, src = marshal.Uint16(src)
	c.RPCDmemPtr, src = marshal.Uint32(src)
	return src
}

// RPCHeader starts every RPC record. The firmware fills FlcnStatus and the
// execution times.
type RPCHeader struct {
	UnitID        uint8
	Function      uint8
	Flags         uint8
	FlcnStatus    uint8
	ExecTimeNvNs  uint32
	ExecTimePmuNs uint32
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (h *RPCHeader) SizeBytes() int { return SizeRPCHeader }

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (h *RPCHeader) MarshalBytes(dst []byte) []byte {
	dst = marshal.PutUint8(dst, h.UnitID)
	dst = marshal.PutUint8(dst, h.Function)
	dst = marshal.PutUint8(dst, h.Flags)
	dst = marshal.PutUint8(dst, h.FlcnStatus)
	dst = marshal.PutUint32(dst, h.ExecTimeNvNs)
	return marshal.PutUint32(dst, h.ExecTimePmuNs)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (h *RPCHeader) UnmarshalBytes(src []byte) []byte {
	h.UnitID, src = marshal.Uint8(src)
	h.Function, src = marshal.Uint8(src)
	h.Flags, src = marshal.Uint8(src)
	h.FlcnStatus, src = marshal.Uint8(src)
	h.ExecTimeNvNs, src = marshal.Uint32(src)
	h.ExecTimePmuNs, src = marshal.Uint32(src)
	return src
}

// RPC is implemented by every RPC record.
type RPC interface {
	marshal.Marshallable

	// Header returns the record's RPC header.
	Header() *RPCHeader
}

func marshalCounters(dst []byte, c *[NV_PMU_PERFMON_MAX_COUNTERS]PerfmonCounterV3) []byte {
	for i := range c {
		dst = c[i].MarshalBytes(dst)
	}
	return dst
}

func unmarshalCounters(src []byte, c *[NV_PMU_PERFMON_MAX_COUNTERS]PerfmonCounterV3) []byte {
	for i := range c {
		src = c[i].UnmarshalBytes(src)
	}
	return src
}

// PerfmonRPCInit configures the perfmon task.
type PerfmonRPCInit struct {
	Hdr                RPCHeader
	SamplePeriodUs     uint32
	ToDecreaseCount    uint8
	BaseCounterID      uint8
	SamplesInMovingAvg uint8
	NumCounters        uint8
	Counter            [NV_PMU_PERFMON_MAX_COUNTERS]PerfmonCounterV3
	Scratch            [1]uint32
}

// Header implements RPC.Header.
func (r *PerfmonRPCInit) Header() *RPCHeader { return &r.Hdr }

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (r *PerfmonRPCInit) SizeBytes() int { return SizePerfmonRPCInit }

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (r *PerfmonRPCInit) MarshalBytes(dst []byte) []byte {
	dst = r.Hdr.MarshalBytes(dst)
	dst = marshal.PutUint32(dst, r.SamplePeriodUs)
	dst = marshal.PutUint8(dst, r.ToDecreaseCount)
	dst = marshal.PutUint8(dst, r.BaseCounterID)
	dst = marshal.PutUint8(dst, r.SamplesInMovingAvg)
	dst = marshal.PutUint8(dst, r.NumCounters)
	dst = marshalCounters(dst, &r.Counter)
	return marshal.PutUint32(dst, r.Scratch[0])
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (r *PerfmonRPCInit) UnmarshalBytes(src []byte) []byte {
	src = r.Hdr.UnmarshalBytes(src)
	r.SamplePeriodUs, src = marshal.Uint32(src)
	r.ToDecreaseCount, src = marshal.Uint8(src)
	r.BaseCounterID, src = marshal.Uint8(src)
	r.SamplesInMovingAvg, src = marshal.Uint8(src)
	r.NumCounters, src = marshal.Uint8(src)
	src = unmarshalCounters(src, &r.Counter)
	r.Scratch[0], src = marshal.Uint32(src)
	return src
}

// PerfmonRPCStart starts sampling.
type PerfmonRPCStart struct {
	Hdr     RPCHeader
	StateID uint8
	Flags   uint8
	GroupID uint8
	_       uint8
	Counter [NV_PMU_PERFMON_MAX_COUNTERS]PerfmonCounterV3
	Scratch [1]uint32
}

// Header implements RPC.Header.
func (r *PerfmonRPCStart) Header() *RPCHeader { return &r.Hdr }

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (r *PerfmonRPCStart) SizeBytes() int { return SizePerfmonRPCStart }

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (r *PerfmonRPCStart) MarshalBytes(dst []byte) []byte {
	dst = r.Hdr.MarshalBytes(dst)
	dst = marshal.PutUint8(dst, r.StateID)
	dst = marshal.PutUint8(dst, r.Flags)
	dst = marshal.PutUint8(dst, r.GroupID)
	dst = marshal.Pad(dst, 1)
	dst = marshalCounters(dst, &r.Counter)
	return marshal.PutUint32(dst, r.Scratch[0])
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (r *PerfmonRPCStart) UnmarshalBytes(src []byte) []byte {
	src = r.Hdr.UnmarshalBytes(src)
	r.StateID, src = marshal.Uint8(src)
	r.Flags, src = marshal.Uint8(src)
	r.GroupID, src = marshal.Uint8(src)
	src = src[1:]
	src = unmarshalCounters(src, &r.Counter)
	r.Scratch[0], src = marshal.Uint32(src)
	return src
}

// PerfmonRPCStop stops sampling.
type PerfmonRPCStop struct {
	Hdr     RPCHeader
	Scratch [1]uint32
}

// Header implements RPC.Header.
func (r *PerfmonRPCStop) Header() *RPCHeader { return &r.Hdr }

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (r *PerfmonRPCStop) SizeBytes() int { return SizePerfmonRPCStop }

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (r *PerfmonRPCStop) MarshalBytes(dst []byte) []byte {
	dst = r.Hdr.MarshalBytes(dst)
	return marshal.PutUint32(dst, r.Scratch[0])
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (r *PerfmonRPCStop) UnmarshalBytes(src []byte) []byte {
	src = r.Hdr.UnmarshalBytes(src)
	r.Scratch[0], src = marshal.Uint32(src)
	return src
}

// PerfmonRPCQuery reads the latest samples. Only SampleBuffer[0] is
// populated by current firmware.
type PerfmonRPCQuery struct {
	Hdr          RPCHeader
	SampleBuffer [NV_PMU_PERFMON_MAX_COUNTERS]uint16
	Scratch      [1]uint32
}

// Header implements RPC.Header.
func (r *PerfmonRPCQuery) Header() *RPCHeader { return &r.Hdr }

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (r *PerfmonRPCQuery) SizeBytes() int { return SizePerfmonRPCQuery }

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (r *PerfmonRPCQuery) MarshalBytes(dst []byte) []byte {
	dst = r.Hdr.MarshalBytes(dst)
	for _, s := range r.SampleBuffer {
		dst = marshal.PutUint16(dst, s)
	}
	return marshal.PutUint32(dst, r.Scratch[0])
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (r *PerfmonRPCQuery) UnmarshalBytes(src []byte) []byte {
	src = r.Hdr.UnmarshalBytes(src)
	for i := range r.SampleBuffer {
		r.SampleBuffer[i], src = marshal.Uint16(src)
	}
	r.Scratch[0], src = marshal.Uint32(src)
	return src
}

var (
	_ marshal.Marshallable = (*RPCCmd)(nil)
	_ marshal.Marshallable = (*RPCHeader)(nil)
	_ RPC                  = (*PerfmonRPCInit)(nil)
	_ RPC                  = (*PerfmonRPCStart)(nil)
	_ RPC                  = (*PerfmonRPCStop)(nil)
	_ RPC                  = (*PerfmonRPCQuery)(nil)
)
