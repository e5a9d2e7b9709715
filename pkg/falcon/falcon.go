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

// Package falcon provides host access to a Falcon microcontroller's data
// memory (DMEM) and interrupt registers, and a heap allocator for the part of
// DMEM the firmware leaves to the host.
package falcon

import (
	"fmt"
	"sync"

	"gpuctl.dev/gpuctl/pkg/abi/nvgpu"
	"gpuctl.dev/gpuctl/pkg/errors/gpuerr"
	"gpuctl.dev/gpuctl/pkg/log"
	"gpuctl.dev/gpuctl/pkg/marshal"
	"gpuctl.dev/gpuctl/pkg/mmio"
)

// Falcon is the PMU falcon.
type Falcon struct {
	regs     mmio.Registers
	dmemSize uint32

	// copyMu serializes DMEM port programming.
	copyMu sync.Mutex
}

// New returns the PMU falcon, reading its DMEM size from HWCFG.
func New(regs mmio.Registers) *Falcon {
	f := &Falcon{
		regs:     regs,
		dmemSize: nvgpu.HwcfgDmemSize(regs.Read32(nvgpu.PWR_FALCON_BASE + nvgpu.FALCON_HWCFG)),
	}
	log.Debugf("PMU falcon DMEM size %#x", f.dmemSize)
	return f
}

// DMEMSize returns the DMEM size in bytes.
func (f *Falcon) DMEMSize() uint32 { return f.dmemSize }

func (f *Falcon) checkRange(off uint32, size int, port uint32) error {
	switch {
	case size == 0:
		return fmt.Errorf("zero-length DMEM access at %#x: %w", off, gpuerr.ErrDMEMRange)
	case off%4 != 0:
		return fmt.Errorf("DMEM offset %#x not 4-byte aligned: %w", off, gpuerr.ErrDMEMRange)
	case uint64(off)+uint64(size) > uint64(f.dmemSize):
		return fmt.Errorf("DMEM access [%#x, %#x) beyond %#x: %w", off, uint64(off)+uint64(size), f.dmemSize, gpuerr.ErrDMEMRange)
	case port >= nvgpu.FALCON_DMEM_PORTS:
		return fmt.Errorf("DMEM port %d: %w", port, gpuerr.ErrDMEMRange)
	}
	return nil
}

// CopyToDMEM writes src to DMEM at dst through port.
func (f *Falcon) CopyToDMEM(dst uint32, src []byte, port uint32) error {
	if err := f.checkRange(dst, len(src), port); err != nil {
		return err
	}
	f.copyMu.Lock()
	defer f.copyMu.Unlock()

	dst = nvgpu.DmemcAddr(dst)
	f.regs.Write32(nvgpu.FalconDmemc(port), dst|nvgpu.FALCON_DMEMC_AINCW)
	words := len(src) / 4
	for i := 0; i < words; i++ {
		f.regs.Write32(nvgpu.FalconDmemd(port), marshal.ByteOrder.Uint32(src[i*4:]))
	}
	if tail := src[words*4:]; len(tail) != 0 {
		var w [4]byte
		copy(w[:], tail)
		f.regs.Write32(nvgpu.FalconDmemd(port), marshal.ByteOrder.Uint32(w[:]))
	}

	want := nvgpu.DmemcAddr(dst + alignUp(uint32(len(src)), 4))
	if got := nvgpu.DmemcAddr(f.regs.Read32(nvgpu.FalconDmemc(port))); got != want {
		log.Warningf("DMEM copy to %#x stopped at %#x, expected %#x", dst, got, want)
	}
	return nil
}

// CopyFromDMEM reads len(dst) bytes of DMEM at src through port.
func (f *Falcon) CopyFromDMEM(src uint32, dst []byte, port uint32) error {
	if err := f.checkRange(src, len(dst), port); err != nil {
		return err
	}
	f.copyMu.Lock()
	defer f.copyMu.Unlock()

	f.regs.Write32(nvgpu.FalconDmemc(port), nvgpu.DmemcAddr(src)|nvgpu.FALCON_DMEMC_AINCR)
	words := len(dst) / 4
	for i := 0; i < words; i++ {
		marshal.ByteOrder.PutUint32(dst[i*4:], f.regs.Read32(nvgpu.FalconDmemd(port)))
	}
	if tail := dst[words*4:]; len(tail) != 0 {
		var w [4]byte
		marshal.ByteOrder.PutUint32(w[:], f.regs.Read32(nvgpu.FalconDmemd(port)))
		copy(tail, w[:])
	}
	return nil
}

// IRQStat returns the pending interrupts.
func (f *Falcon) IRQStat() uint32 {
	return f.regs.Read32(nvgpu.PWR_FALCON_BASE + nvgpu.FALCON_IRQSTAT)
}

// ClearIRQ acknowledges the interrupts in mask.
func (f *Falcon) ClearIRQ(mask uint32) {
	f.regs.Write32(nvgpu.PWR_FALCON_BASE+nvgpu.FALCON_IRQSCLR, mask)
}

// RaiseIRQ sets the interrupts in mask, so that pending work is rescanned.
func (f *Falcon) RaiseIRQ(mask uint32) {
	f.regs.Write32(nvgpu.PWR_FALCON_BASE+nvgpu.FALCON_IRQSSET, mask)
}

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}
