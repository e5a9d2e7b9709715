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

// Package sim is a register-level GPU simulator. It models the PMU falcon's
// DMEM ports, command and message queues, hardware mutexes and idle
// counters, a scripted PMU firmware that answers perfmon commands and RPCs,
// and the runlist submit registers.
//
// The simulator never calls into host code. It delivers messages by writing
// the message queue and raising the falcon SWGEN0 interrupt, exactly as
// hardware would.
package sim

import (
	"sync"
	"time"

	"gpuctl.dev/gpuctl/pkg/abi/nvgpu"
	"gpuctl.dev/gpuctl/pkg/abi/pmuif"
	"gpuctl.dev/gpuctl/pkg/hal"
	"gpuctl.dev/gpuctl/pkg/log"
)

// DMEM layout published by the simulated firmware.
const (
	DefaultDMEMSize = 0x4000

	cmdQueueBase = 0x0800
	cmdQueueSize = 0x0200
	msgQueueBase = 0x1000
	msgQueueSize = 0x0400
	swAreaBase   = 0x1800
	swAreaSize   = 0x2000
)

// Options configures a GPU.
type Options struct {
	// Chip is a HAL name. Defaults to "gv11b".
	Chip string
	// DMEMSize defaults to DefaultDMEMSize.
	DMEMSize uint32
}

// Command is a command consumed by the simulated firmware.
type Command struct {
	Hdr  pmuif.PMUHdr
	Body []byte
}

// RunlistSubmit records a runlist submission.
type RunlistSubmit struct {
	ID     uint32
	Base   uint64
	Target uint32
	Count  uint32
}

type queueLayout struct {
	offset uint32
	size   uint32
}

// GPU is a simulated GPU. It implements mmio.Registers.
type GPU struct {
	hal *hal.HAL
	irq chan struct{}

	mu     sync.Mutex
	regs   map[uint32]uint32
	dmem   []byte
	dmemc  [nvgpu.FALCON_DMEM_PORTS]uint32
	queues [pmuif.PMU_QUEUE_COUNT]queueLayout
	tokens [256]bool

	// Firmware state.
	commands     []Command
	perfmonUnit  uint8
	sampling     bool
	counter      pmuif.PerfmonCounter
	sample       uint16
	sampleBuffer uint32
	dropRPC      bool
	rpcStatus    uint8
	dropped      int
	dropLog      log.Logger
	runlistPolls int
	pending      map[uint32]int
	submits      []RunlistSubmit
	resumeErr    error
	resumes      int
}

// New returns a powered-on GPU whose firmware has not booted yet.
func New(opts Options) (*GPU, error) {
	if opts.Chip == "" {
		opts.Chip = "gv11b"
	}
	if opts.DMEMSize == 0 {
		opts.DMEMSize = DefaultDMEMSize
	}
	h, err := hal.ByName(opts.Chip)
	if err != nil {
		return nil, err
	}
	g := &GPU{
		hal:     h,
		irq:     make(chan struct{}, 1),
		regs:    make(map[uint32]uint32),
		dmem:    make([]byte, opts.DMEMSize),
		pending: make(map[uint32]int),
		dropLog: log.BasicRateLimitedLogger(time.Second),
	}
	g.regs[nvgpu.PMC_BOOT_0] = nvgpu.Boot0(h.Arch(), h.Impl())
	g.regs[nvgpu.PWR_FALCON_BASE+nvgpu.FALCON_HWCFG] = nvgpu.Hwcfg(opts.DMEMSize)
	for i := uint32(0); i < pmuif.PMU_MESSAGE_QUEUE; i++ {
		g.queues[i] = queueLayout{offset: cmdQueueBase + i*cmdQueueSize, size: cmdQueueSize}
		g.regs[nvgpu.PmuQueueHead(i)] = g.queues[i].offset
		g.regs[nvgpu.PmuQueueTail(i)] = g.queues[i].offset
	}
	g.queues[pmuif.PMU_MESSAGE_QUEUE] = queueLayout{offset: msgQueueBase, size: msgQueueSize}
	g.regs[nvgpu.PWR_PMU_MSGQ_HEAD] = msgQueueBase
	g.regs[nvgpu.PWR_PMU_MSGQ_TAIL] = msgQueueBase
	switch h.GPUID {
	case nvgpu.NVGPU_GPUID_GP10B, nvgpu.NVGPU_GPUID_GV11B:
		g.perfmonUnit = pmuif.PMU_UNIT_PERFMON_T18X
	default:
		g.perfmonUnit = pmuif.PMU_UNIT_PERFMON
	}
	return g, nil
}

// Interrupts returns the channel signalled when the falcon raises SWGEN0.
func (g *GPU) Interrupts() <-chan struct{} {
	return g.irq
}

// signal must be called with mu held.
func (g *GPU) signal() {
	g.regs[nvgpu.PWR_FALCON_BASE+nvgpu.FALCON_IRQSTAT] |= nvgpu.FALCON_IRQ_SWGEN0
	select {
	case g.irq <- struct{}{}:
	default:
	}
}

// Boot starts the firmware: it publishes the queue layout in the INIT
// message and raises an interrupt.
func (g *GPU) Boot() {
	g.mu.Lock()
	defer g.mu.Unlock()
	var init pmuif.InitMsg
	init.MsgType = pmuif.PMU_INIT_MSG_TYPE_PMU_INIT
	for i, q := range g.queues {
		init.QueueInfo[i] = pmuif.QueueInfo{
			Size:   uint16(q.size),
			Offset: uint16(q.offset),
			Index:  uint8(i),
		}
	}
	init.SWManagedAreaOffset = swAreaBase
	init.SWManagedAreaSize = swAreaSize
	hdr := pmuif.PMUHdr{
		UnitID: pmuif.PMU_UNIT_INIT,
		Size:   uint8(pmuif.PMU_MSG_HDR_SIZE + init.SizeBytes()),
	}
	g.postMessage(&hdr, &init)
	log.Debugf("sim: PMU booted")
}

// Read32 implements mmio.Registers.Read32.
func (g *GPU) Read32(off uint32) uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if port, ok := dmemPort(off, nvgpu.FALCON_DMEMD_0); ok {
		addr := nvgpu.DmemcAddr(g.dmemc[port])
		v := g.dmemWord(addr)
		if g.dmemc[port]&nvgpu.FALCON_DMEMC_AINCR != 0 {
			g.advance(port)
		}
		return v
	}
	if port, ok := dmemPort(off, nvgpu.FALCON_DMEMC_0); ok {
		return g.dmemc[port]
	}
	switch {
	case off == nvgpu.PWR_PMU_MUTEX_ID:
		for t := 1; t < nvgpu.PWR_PMU_MUTEX_ID_VALUE_NOT_AVAIL; t++ {
			if !g.tokens[t] {
				g.tokens[t] = true
				return uint32(t)
			}
		}
		return nvgpu.PWR_PMU_MUTEX_ID_VALUE_NOT_AVAIL
	}
	if id, ok := g.runlistStatusReg(off); ok {
		if n := g.pending[id]; n != 0 {
			if n > 0 {
				g.pending[id] = n - 1
			}
			return g.regs[off] | g.pendingBit()
		}
		return g.regs[off] &^ g.pendingBit()
	}
	return g.regs[off]
}

// Write32 implements mmio.Registers.Write32.
func (g *GPU) Write32(off, val uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if port, ok := dmemPort(off, nvgpu.FALCON_DMEMD_0); ok {
		g.setDMEMWord(nvgpu.DmemcAddr(g.dmemc[port]), val)
		if g.dmemc[port]&nvgpu.FALCON_DMEMC_AINCW != 0 {
			g.advance(port)
		}
		return
	}
	if port, ok := dmemPort(off, nvgpu.FALCON_DMEMC_0); ok {
		g.dmemc[port] = val
		return
	}
	for i := uint32(0); i < pmuif.PMU_MESSAGE_QUEUE; i++ {
		if off == nvgpu.PmuQueueHead(i) {
			g.regs[off] = val
			g.runQueue(i)
			return
		}
	}
	for i := uint32(0); i < nvgpu.PWR_PMU_MUTEX__SIZE; i++ {
		if off == nvgpu.PmuMutex(i) {
			switch cur := g.regs[off]; {
			case val == nvgpu.PWR_PMU_MUTEX_VALUE_INITIAL_LOCK:
				g.regs[off] = 0
			case cur == 0:
				g.regs[off] = val & nvgpu.PWR_PMU_MUTEX_VALUE_M
			}
			return
		}
	}
	for i := uint32(0); i < nvgpu.PWR_PMU_IDLE__SIZE; i++ {
		if off == nvgpu.PmuIdleCount(i) {
			if val&nvgpu.PWR_PMU_IDLE_COUNT_RESET != 0 {
				g.regs[off] = 0
			}
			return
		}
	}
	switch off {
	case nvgpu.PWR_FALCON_BASE + nvgpu.FALCON_IRQSCLR:
		g.regs[nvgpu.PWR_FALCON_BASE+nvgpu.FALCON_IRQSTAT] &^= val
	case nvgpu.PWR_FALCON_BASE + nvgpu.FALCON_IRQSSET:
		g.regs[nvgpu.PWR_FALCON_BASE+nvgpu.FALCON_IRQSTAT] |= val
		if val&nvgpu.FALCON_IRQ_SWGEN0 != 0 {
			g.signal()
		}
	case nvgpu.PWR_PMU_MUTEX_ID_RELEASE:
		g.tokens[val&nvgpu.PWR_PMU_MUTEX_ID_VALUE_M] = false
	case nvgpu.PWR_PMU_IDLE_INTR_STS:
		g.regs[off] &^= val
	default:
		g.regs[off] = val
		g.maybeSubmit(off, val)
	}
}

func dmemPort(off, reg uint32) (uint32, bool) {
	base := nvgpu.PWR_FALCON_BASE + reg
	if off < base || (off-base)%nvgpu.FALCON_PORT_LEN != 0 {
		return 0, false
	}
	port := (off - base) / nvgpu.FALCON_PORT_LEN
	return port, port < nvgpu.FALCON_DMEM_PORTS
}

func (g *GPU) advance(port uint32) {
	const m = nvgpu.FALCON_DMEMC_OFFS_M | nvgpu.FALCON_DMEMC_BLK_M
	addr := (g.dmemc[port] & m) + 4
	g.dmemc[port] = (g.dmemc[port] &^ m) | (addr & m)
}

func (g *GPU) dmemWord(addr uint32) uint32 {
	if int(addr)+4 > len(g.dmem) {
		return 0
	}
	b := g.dmem[addr:]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (g *GPU) setDMEMWord(addr, v uint32) {
	if int(addr)+4 > len(g.dmem) {
		return
	}
	b := g.dmem[addr:]
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

// DMEM returns a copy of n bytes of DMEM at off.
func (g *GPU) DMEM(off, n uint32) []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]byte(nil), g.dmem[off:off+n]...)
}

// SetDMEM writes b to DMEM at off.
func (g *GPU) SetDMEM(off uint32, b []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	copy(g.dmem[off:], b)
}

// Resume implements gpu.PowerManager.Resume.
func (g *GPU) Resume() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resumeErr != nil {
		return g.resumeErr
	}
	g.resumes++
	return nil
}

// SetResumeError makes Resume fail with err.
func (g *GPU) SetResumeError(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resumeErr = err
}

// Resumes returns the number of successful resumes.
func (g *GPU) Resumes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resumes
}

// SetIdleCount sets idle counter i.
func (g *GPU) SetIdleCount(i, v uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.regs[nvgpu.PmuIdleCount(i)] = v & nvgpu.PWR_PMU_IDLE_COUNT_VALUE_M
}

// SetIdleIntr latches the idle counter overflow interrupt.
func (g *GPU) SetIdleIntr() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.regs[nvgpu.PWR_PMU_IDLE_INTR_STS] |= nvgpu.PWR_PMU_IDLE_INTR_STS_INTR_M
}

// HoldMutex makes hardware mutex i owned by token, as if the firmware held
// it.
func (g *GPU) HoldMutex(i, token uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.regs[nvgpu.PmuMutex(i)] = token
}

// Reg returns the raw value of a register without side effects.
func (g *GPU) Reg(off uint32) uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.regs[off]
}
