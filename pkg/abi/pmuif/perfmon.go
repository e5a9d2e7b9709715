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

// Perfmon command ids.
const (
	PMU_PERFMON_CMD_ID_START = 0
	PMU_PERFMON_CMD_ID_STOP  = 1
	PMU_PERFMON_CMD_ID_INIT  = 2
)

// Perfmon message ids.
const (
	PMU_PERFMON_MSG_ID_INCREASE_EVENT = 0
	PMU_PERFMON_MSG_ID_DECREASE_EVENT = 1
	PMU_PERFMON_MSG_ID_INIT_EVENT     = 2
	PMU_PERFMON_MSG_ID_ACK            = 3
)

// Perfmon start flags.
const (
	PMU_PERFMON_FLAG_ENABLE_INCREASE = 1 << 0
	PMU_PERFMON_FLAG_ENABLE_DECREASE = 1 << 1
	PMU_PERFMON_FLAG_CLEAR_PREV      = 1 << 2
)

// Domain groups.
const (
	PMU_DOMAIN_GROUP_PSTATE  = 0
	PMU_DOMAIN_GROUP_GPC2CLK = 1
	PMU_DOMAIN_GROUP_NUM     = 2
)

// NV_PMU_PERFMON_MAX_COUNTERS is the size of every counter array.
const NV_PMU_PERFMON_MAX_COUNTERS = 10

// Record sizes and the offsets of the COUNTER_ALLOC field the host patches
// with the payload allocation.
const (
	SizePerfmonCounter   = 12
	SizePerfmonCounterV3 = 12
	SizePerfmonCmdStart  = 12
	SizePerfmonCmdStop   = 1
	SizePerfmonCmdInit   = 20
	SizePerfmonMsg       = 4

	PerfmonCmdStartCounterAllocOffset = 4
	PerfmonCmdInitCounterAllocOffset  = 8
)

// PerfmonCounter is the counter descriptor carried as a command payload.
type PerfmonCounter struct {
	Index          uint8
	Flags          uint8
	GroupID        uint8
	Valid          uint8
	UpperThreshold uint16
	LowerThreshold uint16
	Scale          uint32
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (c *PerfmonCounter) SizeBytes() int { return SizePerfmonCounter }

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (c *PerfmonCounter) MarshalBytes(dst []byte) []byte {
	dst = marshal.PutUint8(dst, c.Index)
	dst = marshal.PutUint8(dst, c.Flags)
	dst = marshal.PutUint8(dst, c.GroupID)
	dst = marshal.PutUint8(dst, c.Valid)
	dst = marshal.PutUint16(dst, c.UpperThreshold)
	dst = marshal.PutUint16(dst, c.LowerThreshold)
	return marshal.PutUint32(dst, c.Scale)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (c *PerfmonCounter) UnmarshalBytes(src []byte) []byte {
	c.Index, src = marshal.Uint8(src)
	c.Flags, src = marshal.Uint8(src)
	c.GroupID, src = marshal.Uint8(src)
	c.Valid, src = marshal.Uint8(src)
	c.UpperThreshold, src = marshal.Uint16(src)
	c.LowerThreshold, src = marshal.Uint16(src)
	c.Scale, src = marshal.Uint32(src)
	return src
}

// PerfmonCounterV3 is the counter descriptor embedded in RPC records.
type PerfmonCounterV3 struct {
	Index          uint8
	GroupID        uint8
	Flags          uint16
	UpperThreshold uint16
	LowerThreshold uint16
	Scale          uint32
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (c *PerfmonCounterV3) SizeBytes() int { return SizePerfmonCounterV3 }

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (c *PerfmonCounterV3) MarshalBytes(dst []byte) []byte {
	dst = marshal.PutUint8(dst, c.Index)
	dst = marshal.PutUint8(dst, c.GroupID)
	dst = marshal.PutUint16(dst, c.Flags)
	dst = marshal.PutUint16(dst, c.UpperThreshold)
	dst = marshal.PutUint16(dst, c.LowerThreshold)
	return marshal.PutUint32(dst, c.Scale)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (c *PerfmonCounterV3) UnmarshalBytes(src []byte) []byte {
	c.Index, src = marshal.Uint8(src)
	c.GroupID, src = marshal.Uint8(src)
	c.Flags, src = marshal.Uint16(src)
	c.UpperThreshold, src = marshal.Uint16(src)
	c.LowerThreshold, src = marshal.Uint16(src)
	c.Scale, src = marshal.Uint32(src)
	return src
}

// PerfmonCmdStart starts sampling.
type PerfmonCmdStart struct {
	CmdType      uint8
	GroupID      uint8
	StateID      uint8
	Flags        uint8
	CounterAlloc Allocation
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (c *PerfmonCmdStart) SizeBytes() int { return SizePerfmonCmdStart }

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (c *PerfmonCmdStart) MarshalBytes(dst []byte) []byte {
	dst = marshal.PutUint8(dst, c.CmdType)
	dst = marshal.PutUint8(dst, c.GroupID)
	dst = marshal.PutUint8(dst, c.StateID)
	dst = marshal.PutUint8(dst, c.Flags)
	return c.CounterAlloc.MarshalBytes(dst)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (c *PerfmonCmdStart) UnmarshalBytes(src []byte) []byte {
	c.CmdType, src = marshal.Uint8(src)
	c.GroupID, src = marshal.Uint8(src)
	c.StateID, src = marshal.Uint8(src)
	c.Flags, src = marshal.Uint8(src)
	return c.CounterAlloc.UnmarshalBytes(src)
}

// PerfmonCmdStop stops sampling.
type PerfmonCmdStop struct {
	CmdType uint8
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (c *PerfmonCmdStop) SizeBytes() int { return SizePerfmonCmdStop }

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (c *PerfmonCmdStop) MarshalBytes(dst []byte) []byte {
	return marshal.PutUint8(dst, c.CmdType)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (c *PerfmonCmdStop) UnmarshalBytes(src []byte) []byte {
	c.CmdType, src = marshal.Uint8(src)
	return src
}

// PerfmonCmdInit configures the perfmon task.
type PerfmonCmdInit struct {
	CmdType            uint8
	ToDecreaseCount    uint8
	BaseCounterID      uint8
	_                  uint8
	SamplePeriodUs     uint32
	CounterAlloc       Allocation
	NumCounters        uint8
	SamplesInMovingAvg uint8
	SampleBuffer       uint16
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (c *PerfmonCmdInit) SizeBytes() int { return SizePerfmonCmdInit }

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (c *PerfmonCmdInit) MarshalBytes(dst []byte) []byte {
	dst = marshal.PutUint8(dst, c.CmdType)
	dst = marshal.PutUint8(dst, c.ToDecreaseCount)
	dst = marshal.PutUint8(dst, c.BaseCounterID)
	dst = marshal.Pad(dst, 1)
	dst = marshal.PutUint32(dst, c.SamplePeriodUs)
	dst = c.CounterAlloc.MarshalBytes(dst)
	dst = marshal.PutUint8(dst, c.NumCounters)
	dst = marshal.PutUint8(dst, c.SamplesInMovingAvg)
	return marshal.PutUint16(dst, c.SampleBuffer)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (c *PerfmonCmdInit) UnmarshalBytes(src []byte) []byte {
	c.CmdType, src = marshal.Uint8(src)
	c.ToDecreaseCount, src = marshal.Uint8(src)
	c.BaseCounterID, src = marshal.Uint8(src)
	src = src[1:]
	c.SamplePeriodUs, src = marshal.Uint32(src)
	src = c.CounterAlloc.UnmarshalBytes(src)
	c.NumCounters, src = marshal.Uint8(src)
	c.SamplesInMovingAvg, src = marshal.Uint8(src)
	c.SampleBuffer, src = marshal.Uint16(src)
	return src
}

// PerfmonMsg is the body of every perfmon message. Data is only meaningful
// for threshold events.
type PerfmonMsg struct {
	MsgType uint8
	StateID uint8
	GroupID uint8
	Data    uint8
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (m *PerfmonMsg) SizeBytes() int { return SizePerfmonMsg }

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (m *PerfmonMsg) MarshalBytes(dst []byte) []byte {
	dst = marshal.PutUint8(dst, m.MsgType)
	dst = marshal.PutUint8(dst, m.StateID)
	dst = marshal.PutUint8(dst, m.GroupID)
	return marshal.PutUint8(dst, m.Data)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (m *PerfmonMsg) UnmarshalBytes(src []byte) []byte {
	m.MsgType, src = marshal.Uint8(src)
	m.StateID, src = marshal.Uint8(src)
	m.GroupID, src = marshal.Uint8(src)
	m.Data, src = marshal.Uint8(src)
	return src
}

var (
	_ marshal.Marshallable = (*PerfmonCounter)(nil)
	_ marshal.Marshallable = (*PerfmonCounterV3)(nil)
	_ marshal.Marshallable = (*PerfmonCmdStart)(nil)
	_ marshal.Marshallable = (*PerfmonCmdStop)(nil)
	_ marshal.Marshallable = (*PerfmonCmdInit)(nil)
	_ marshal.Marshallable = (*PerfmonMsg)(nil)
)
