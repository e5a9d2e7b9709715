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

// Package pmuif describes the interface between the host and the PMU
// firmware: queue and unit ids, message and command headers, and the fixed
// layout of every record the two sides exchange through DMEM.
//
// All records are packed little-endian. Sizes are asserted by Size*
// constants, and offsets of fields the host patches after marshalling are
// exported as *Offset constants.
package pmuif

import (
	"gpuctl.dev/gpuctl/pkg/marshal"
)

// Queue ids. The first four are command queues; the last is the single
// message queue.
const (
	PMU_COMMAND_QUEUE_HPQ  = 0
	PMU_COMMAND_QUEUE_LPQ  = 1
	PMU_COMMAND_QUEUE_BIOS = 2
	PMU_COMMAND_QUEUE_SMI  = 3
	PMU_MESSAGE_QUEUE      = 4
	PMU_QUEUE_COUNT        = 5

	// Every queue element starts and ends on this alignment.
	QUEUE_ALIGNMENT = 4
)

// Hardware mutex ids.
const (
	PMU_MUTEX_ID_RSVD1 = iota
	PMU_MUTEX_ID_GPUSER
	PMU_MUTEX_ID_QUEUE_BIOS
	PMU_MUTEX_ID_QUEUE_SMI
	PMU_MUTEX_ID_GPMUTEX
	PMU_MUTEX_ID_I2C
	PMU_MUTEX_ID_RMLOCK
	PMU_MUTEX_ID_MSGBOX
	PMU_MUTEX_ID_FIFO
	PMU_MUTEX_ID_PG
	PMU_MUTEX_ID_GR
	PMU_MUTEX_ID_CLK
	PMU_MUTEX_ID_RSVD6
	PMU_MUTEX_ID_RSVD7
	PMU_MUTEX_ID_RSVD8
	PMU_MUTEX_ID_RSVD9
	PMU_MUTEX_ID_INVALID
)

// Unit ids. A unit is a firmware subsystem addressed by commands and
// messages.
const (
	PMU_UNIT_REWIND            = 0x00
	PMU_UNIT_PG                = 0x03
	PMU_UNIT_INIT              = 0x07
	PMU_UNIT_ACR               = 0x0A
	PMU_UNIT_CLK               = 0x0D
	PMU_UNIT_VOLT              = 0x0E
	PMU_UNIT_PERFMON_T18X      = 0x11
	PMU_UNIT_PERFMON           = 0x12
	PMU_UNIT_PERF              = 0x13
	PMU_UNIT_THERM             = 0x14
	PMU_UNIT_PMGR              = 0x18
	PMU_UNIT_FECS_MEM_OVERRIDE = 0x1E
	PMU_UNIT_RC                = 0x1F
	PMU_UNIT_END               = 0x23
	PMU_UNIT_INVALID           = 0xFF
)

// UnitIDIsValid reports whether id names a real unit.
func UnitIDIsValid(id uint8) bool {
	return id < PMU_UNIT_END
}

// Header control flags.
const (
	PMU_CMD_FLAGS_PMU_MASK  = 0xF0
	PMU_CMD_FLAGS_STATUS    = 1 << 0
	PMU_CMD_FLAGS_INTR      = 1 << 1
	PMU_CMD_FLAGS_EVENT     = 1 << 2
	PMU_CMD_FLAGS_WATERMARK = 1 << 3
)

// Sizes of fixed records.
const (
	PMU_CMD_HDR_SIZE = 4
	PMU_MSG_HDR_SIZE = 4

	// Sequence ids are carried in an 8-bit header field.
	PMU_MAX_NUM_SEQUENCES = 256

	// Largest command or message, bounded by the 8-bit size field.
	PMU_MAX_CMD_SIZE = 0xff

	SizeAllocation = 8
	SizeInitMsg    = 38
	SizeQueueInfo  = 6
)

// PMUHdr is the header of every command and message.
type PMUHdr struct {
	UnitID    uint8
	Size      uint8
	CtrlFlags uint8
	SeqID     uint8
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (h *PMUHdr) SizeBytes() int { return PMU_CMD_HDR_SIZE }

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (h *PMUHdr) MarshalBytes(dst []byte) []byte {
	dst = marshal.PutUint8(dst, h.UnitID)
	dst = marshal.PutUint8(dst, h.Size)
	dst = marshal.PutUint8(dst, h.CtrlFlags)
	return marshal.PutUint8(dst, h.SeqID)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (h *PMUHdr) UnmarshalBytes(src []byte) []byte {
	h.UnitID, src = marshal.Uint8(src)
	h.Size, src = marshal.Uint8(src)
	h.CtrlFlags, src = marshal.Uint8(src)
	h.SeqID, src = marshal.Uint8(src)
	return src
}

// Allocation describes a DMEM region allocated by the host for a command
// payload. It is embedded in command bodies.
type Allocation struct {
	Size   uint16
	_      uint16
	Offset uint32
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (a *Allocation) SizeBytes() int { return SizeAllocation }

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (a *Allocation) MarshalBytes(dst []byte) []byte {
	dst = marshal.PutUint16(dst, a.Size)
	dst = marshal.Pad(dst, 2)
	return marshal.PutUint32(dst, a.Offset)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (a *Allocation) UnmarshalBytes(src []byte) []byte {
	a.Size, src = marshal.Uint16(src)
	src = src[2:]
	a.Offset, src = marshal.Uint32(src)
	return src
}

// PMU_INIT_MSG_TYPE_PMU_INIT is the only message of PMU_UNIT_INIT.
const PMU_INIT_MSG_TYPE_PMU_INIT = 0

// QueueInfo describes one queue in the init message.
type QueueInfo struct {
	Size   uint16
	Offset uint16
	Index  uint8
	_      uint8
}

// InitMsg is sent by the firmware once it has booted. It describes the
// queue layout and the DMEM region the host may allocate from.
type InitMsg struct {
	MsgType             uint8
	_                   uint8
	OSDebugEntryPoint   uint16
	QueueInfo           [PMU_QUEUE_COUNT]QueueInfo
	SWManagedAreaOffset uint16
	SWManagedAreaSize   uint16
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (m *InitMsg) SizeBytes() int { return SizeInitMsg }

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (m *InitMsg) MarshalBytes(dst []byte) []byte {
	dst = marshal.PutUint8(dst, m.MsgType)
	dst = marshal.Pad(dst, 1)
	dst = marshal.PutUint16(dst, m.OSDebugEntryPoint)
	for i := range m.QueueInfo {
		q := &m.QueueInfo[i]
		dst = marshal.PutUint16(dst, q.Size)
		dst = marshal.PutUint16(dst, q.Offset)
		dst = marshal.PutUint8(dst, q.Index)
		dst = marshal.Pad(dst, 1)
	}
	dst = marshal.PutUint16(dst, m.SWManagedAreaOffset)
	return marshal.PutUint16(dst, m.SWManagedAreaSize)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (m *InitMsg) UnmarshalBytes(src []byte) []byte {
	m.MsgType, src = marshal.Uint8(src)
	src = src[1:]
	m.OSDebugEntryPoint, src = marshal.Uint16(src)
	for i := range m.QueueInfo {
		q := &m.QueueInfo[i]
		q.Size, src = marshal.Uint16(src)
		q.Offset, src = marshal.Uint16(src)
		q.Index, src = marshal.Uint8(src)
		src = src[1:]
	}
	m.SWManagedAreaOffset, src = marshal.Uint16(src)
	m.SWManagedAreaSize, src = marshal.Uint16(src)
	return src
}

// Generic acknowledgement carried by units without a richer reply.
const SizeGenericMsg = 4

// GenericMsg is the first word of every unit message body.
type GenericMsg struct {
	MsgType uint8
	Data    [3]uint8
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (m *GenericMsg) SizeBytes() int { return SizeGenericMsg }

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (m *GenericMsg) MarshalBytes(dst []byte) []byte {
	dst = marshal.PutUint8(dst, m.MsgType)
	return dst[copy(dst[:3], m.Data[:]):]
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (m *GenericMsg) UnmarshalBytes(src []byte) []byte {
	m.MsgType, src = marshal.Uint8(src)
	return src[copy(m.Data[:], src[:3]):]
}

var (
	_ marshal.Marshallable = (*PMUHdr)(nil)
	_ marshal.Marshallable = (*Allocation)(nil)
	_ marshal.Marshallable = (*InitMsg)(nil)
	_ marshal.Marshallable = (*GenericMsg)(nil)
)
