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

// PMU falcon register block. Falcon-relative offsets are added to
// PWR_FALCON_BASE.
const (
	PWR_FALCON_BASE = 0x0010a000

	FALCON_IRQSSET  = 0x000
	FALCON_IRQSCLR  = 0x004
	FALCON_IRQSTAT  = 0x008
	FALCON_IRQMSET  = 0x010
	FALCON_IRQMCLR  = 0x014
	FALCON_IRQMASK  = 0x018
	FALCON_HWCFG    = 0x108
	FALCON_DMEMC_0  = 0x1c0
	FALCON_DMEMD_0  = 0x1c4
	FALCON_PORT_LEN = 8

	// Number of DMEM access ports.
	FALCON_DMEM_PORTS = 4
)

// IRQ bits shared by IRQSTAT, IRQSSET, IRQSCLR and IRQMASK.
const (
	FALCON_IRQ_GPTMR  = 1 << 0
	FALCON_IRQ_WDTMR  = 1 << 1
	FALCON_IRQ_MTHD   = 1 << 2
	FALCON_IRQ_CTXSW  = 1 << 3
	FALCON_IRQ_HALT   = 1 << 4
	FALCON_IRQ_EXTERR = 1 << 5
	FALCON_IRQ_SWGEN0 = 1 << 6
	FALCON_IRQ_SWGEN1 = 1 << 7
)

// FalconDmemc returns the DMEM control register of port.
func FalconDmemc(port uint32) uint32 {
	return PWR_FALCON_BASE + FALCON_DMEMC_0 + port*FALCON_PORT_LEN
}

// FalconDmemd returns the DMEM data register of port.
func FalconDmemd(port uint32) uint32 {
	return PWR_FALCON_BASE + FALCON_DMEMD_0 + port*FALCON_PORT_LEN
}

// DMEMC fields.
const (
	FALCON_DMEMC_OFFS_M = 0x3f << 2
	FALCON_DMEMC_BLK_M  = 0xffff << 8
	FALCON_DMEMC_AINCW  = 1 << 24
	FALCON_DMEMC_AINCR  = 1 << 25

	// DMEM block size in bytes.
	FALCON_DMEM_BLKSIZE = 256
)

// DmemcAddr returns the address bits of a DMEMC value for a byte address.
func DmemcAddr(addr uint32) uint32 {
	return addr & (FALCON_DMEMC_OFFS_M | FALCON_DMEMC_BLK_M)
}

// HwcfgDmemSize returns the DMEM size in bytes described by HWCFG.
func HwcfgDmemSize(r uint32) uint32 {
	return ((r >> 9) & 0x1ff) * FALCON_DMEM_BLKSIZE
}

// Hwcfg encodes a DMEM size in bytes into HWCFG.
func Hwcfg(dmemSize uint32) uint32 {
	return ((dmemSize / FALCON_DMEM_BLKSIZE) & 0x1ff) << 9
}

// PMU command and message queue pointers.
const (
	PWR_PMU_QUEUE_HEAD_0 = 0x0010a4a0
	PWR_PMU_QUEUE_TAIL_0 = 0x0010a4b0
	PWR_PMU_QUEUE__SIZE  = 4
	PWR_PMU_MSGQ_HEAD    = 0x0010a4c8
	PWR_PMU_MSGQ_TAIL    = 0x0010a4cc
)

// PmuQueueHead returns the head pointer register of command queue i.
func PmuQueueHead(i uint32) uint32 { return PWR_PMU_QUEUE_HEAD_0 + i*4 }

// PmuQueueTail returns the tail pointer register of command queue i.
func PmuQueueTail(i uint32) uint32 { return PWR_PMU_QUEUE_TAIL_0 + i*4 }

// PMU hardware mutexes.
const (
	PWR_PMU_MUTEX_0          = 0x0010a580
	PWR_PMU_MUTEX__SIZE      = 16
	PWR_PMU_MUTEX_ID         = 0x0010a488
	PWR_PMU_MUTEX_ID_RELEASE = 0x0010a48c

	PWR_PMU_MUTEX_VALUE_M            = 0xff
	PWR_PMU_MUTEX_VALUE_INITIAL_LOCK = 0x0
	PWR_PMU_MUTEX_ID_VALUE_M         = 0xff
	PWR_PMU_MUTEX_ID_VALUE_INIT      = 0x0
	PWR_PMU_MUTEX_ID_VALUE_NOT_AVAIL = 0xff
)

// PmuMutex returns the register of hardware mutex i.
func PmuMutex(i uint32) uint32 { return PWR_PMU_MUTEX_0 + i*4 }

// PMU idle counters.
const (
	PWR_PMU_IDLE_MASK_0   = 0x0010a504
	PWR_PMU_IDLE_COUNT_0  = 0x0010a508
	PWR_PMU_IDLE_CTRL_0   = 0x0010a50c
	PWR_PMU_IDLE_STRIDE   = 16
	PWR_PMU_IDLE__SIZE    = 8
	PWR_PMU_IDLE_MASK_1   = 0x0010aa34
	PWR_PMU_IDLE_INTR     = 0x0010a9e4
	PWR_PMU_IDLE_INTR_STS = 0x0010a9e8

	PWR_PMU_IDLE_COUNT_VALUE_M = 0x7fffffff
	PWR_PMU_IDLE_COUNT_RESET   = 1 << 31

	PWR_PMU_IDLE_MASK_GR_ENABLED   = 0x1
	PWR_PMU_IDLE_MASK_CE_2_ENABLED = 0x200000

	PWR_PMU_IDLE_CTRL_VALUE_M      = 0x3
	PWR_PMU_IDLE_CTRL_VALUE_BUSY   = 0x2
	PWR_PMU_IDLE_CTRL_VALUE_ALWAYS = 0x3
	PWR_PMU_IDLE_CTRL_FILTER_M     = 0x4
	PWR_PMU_IDLE_CTRL_FILTER_DIS   = 0x0

	PWR_PMU_IDLE_INTR_STS_INTR_M = 0x1
)

// PmuIdleMask returns the idle mask register of counter i.
func PmuIdleMask(i uint32) uint32 { return PWR_PMU_IDLE_MASK_0 + i*PWR_PMU_IDLE_STRIDE }

// PmuIdleCount returns the idle count register of counter i.
func PmuIdleCount(i uint32) uint32 { return PWR_PMU_IDLE_COUNT_0 + i*PWR_PMU_IDLE_STRIDE }

// PmuIdleCtrl returns the idle control register of counter i.
func PmuIdleCtrl(i uint32) uint32 { return PWR_PMU_IDLE_CTRL_0 + i*PWR_PMU_IDLE_STRIDE }
