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

	"gpuctl.dev/gpuctl/pkg/abi/nvgpu"
	"gpuctl.dev/gpuctl/pkg/log"
	"gpuctl.dev/gpuctl/pkg/marshal"
	"gpuctl.dev/gpuctl/pkg/metric"
)

// BusyCyclesNormMax is the saturated value of BusyCyclesNorm.
const BusyCyclesNormMax = 1000

// Idle counters. Perfmon uses 3 and 6, BusyCyclesNorm 4 and 0, and
// LoadCounters 1 and 2.
const (
	idleCounterTotal       = 0
	idleCounterRawBusy     = 1
	idleCounterRawTotal    = 2
	idleCounterPerfmon     = 3
	idleCounterBusy        = 4
	idleCounterPerfmonBase = 6
)

var (
	loadShadowGauge = metric.MustCreateNewUint64Gauge(
		"/pmu/load",
		"Last PMU load sample, in tenths of a percent.")
	loadAvgGauge = metric.MustCreateNewUint64Gauge(
		"/pmu/load_avg",
		"Moving average of the PMU load, in tenths of a percent.")
)

// updateAverage returns the next moving average of the load.
func updateAverage(avg, shadow uint32) uint32 {
	return (9*avg + shadow) / 10
}

// LoadUpdate takes a new load sample and updates the moving average. The
// sample is 0 until the firmware has acknowledged perfmon INIT. If the QUERY
// RPC fails, the average still advances with the previous sample and the
// error is returned.
func (p *PMU) LoadUpdate() error {
	ps, err := p.perfmonState()
	if err != nil {
		return err
	}
	ps.mu.Lock()
	ready := ps.ready
	ps.mu.Unlock()

	var (
		load     uint32
		queryErr error
	)
	if ready {
		if p.dev.HAL.PerfmonRPC {
			queryErr = p.PerfmonGetSamplesRPC()
			ps.mu.Lock()
			load = ps.load
			ps.mu.Unlock()
		} else {
			ps.mu.Lock()
			off := ps.sampleBuffer
			ps.mu.Unlock()
			var b [2]byte
			if err := p.flcn.CopyFromDMEM(off, b[:], 0); err != nil {
				return fmt.Errorf("reading perfmon sample buffer: %w", err)
			}
			load = uint32(marshal.ByteOrder.Uint16(b[:]))
		}
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.load = load
	ps.loadShadow = load / 10
	ps.loadAvg = updateAverage(ps.loadAvg, ps.loadShadow)
	loadShadowGauge.Set(uint64(ps.loadShadow))
	loadAvgGauge.Set(uint64(ps.loadAvg))
	return queryErr
}

// LoadNorm returns the last load sample divided by 10.
func (p *PMU) LoadNorm() uint32 {
	ps := p.Perfmon()
	if ps == nil {
		return 0
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.loadShadow
}

// LoadAvg returns the moving average of LoadNorm.
func (p *PMU) LoadAvg() uint32 {
	ps := p.Perfmon()
	if ps == nil {
		return 0
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.loadAvg
}

func (p *PMU) readIdleCounter(i uint32) uint32 {
	return p.dev.Read32(nvgpu.PmuIdleCount(i)) & nvgpu.PWR_PMU_IDLE_COUNT_VALUE_M
}

func (p *PMU) resetIdleCounter(i uint32) {
	p.dev.Write32(nvgpu.PmuIdleCount(i), nvgpu.PWR_PMU_IDLE_COUNT_RESET)
}

func (p *PMU) setIdleCtrl(i, value uint32) {
	const m = nvgpu.PWR_PMU_IDLE_CTRL_VALUE_M | nvgpu.PWR_PMU_IDLE_CTRL_FILTER_M
	v := p.dev.Read32(nvgpu.PmuIdleCtrl(i))
	p.dev.Write32(nvgpu.PmuIdleCtrl(i), v&^m|value|nvgpu.PWR_PMU_IDLE_CTRL_FILTER_DIS)
}

// InitPerfmonCounter programs the idle counters used for load sampling.
func (p *PMU) InitPerfmonCounter() {
	const grce = nvgpu.PWR_PMU_IDLE_MASK_GR_ENABLED | nvgpu.PWR_PMU_IDLE_MASK_CE_2_ENABLED

	// Counters 3 and 6 belong to perfmon.
	p.dev.Write32(nvgpu.PmuIdleMask(idleCounterPerfmon), grce)
	p.setIdleCtrl(idleCounterPerfmon, nvgpu.PWR_PMU_IDLE_CTRL_VALUE_BUSY)
	p.setIdleCtrl(idleCounterPerfmonBase, nvgpu.PWR_PMU_IDLE_CTRL_VALUE_ALWAYS)

	// Counters 1 and 2 expose the same readings without disturbing them.
	p.dev.Write32(nvgpu.PmuIdleMask(idleCounterRawBusy), grce)
	p.setIdleCtrl(idleCounterRawBusy, nvgpu.PWR_PMU_IDLE_CTRL_VALUE_BUSY)
	p.setIdleCtrl(idleCounterRawTotal, nvgpu.PWR_PMU_IDLE_CTRL_VALUE_ALWAYS)

	// Counters 4 and 0 feed BusyCyclesNorm. Overflow of counter 0 latches
	// the idle interrupt status.
	p.dev.Write32(nvgpu.PWR_PMU_IDLE_INTR, 0)
	p.setIdleCtrl(idleCounterTotal, nvgpu.PWR_PMU_IDLE_CTRL_VALUE_ALWAYS)
	p.dev.Write32(nvgpu.PmuIdleMask(idleCounterBusy), grce)
	p.setIdleCtrl(idleCounterBusy, nvgpu.PWR_PMU_IDLE_CTRL_VALUE_BUSY)
	p.resetIdleCounter(idleCounterTotal)
	p.resetIdleCounter(idleCounterBusy)
	p.dev.Write32(nvgpu.PWR_PMU_IDLE_INTR_STS, nvgpu.PWR_PMU_IDLE_INTR_STS_INTR_M)
}

// BusyCyclesNorm returns the fraction of cycles the GPU was busy since the
// last call, scaled to BusyCyclesNormMax. Anything suspicious saturates the
// result. It returns 0 if the GPU cannot be resumed.
func (p *PMU) BusyCyclesNorm() uint32 {
	if err := p.dev.Busy(); err != nil {
		log.Warningf("Reading busy cycles: %v", err)
		return 0
	}
	defer p.dev.Idle()

	if !p.dev.HAL.IdleCounters {
		return BusyCyclesNormMax
	}
	busy := uint64(p.readIdleCounter(idleCounterBusy))
	total := uint64(p.readIdleCounter(idleCounterTotal))
	intr := p.dev.Read32(nvgpu.PWR_PMU_IDLE_INTR_STS) & nvgpu.PWR_PMU_IDLE_INTR_STS_INTR_M

	p.resetIdleCounter(idleCounterBusy)
	p.resetIdleCounter(idleCounterTotal)

	switch {
	case intr != 0:
		p.dev.Write32(nvgpu.PWR_PMU_IDLE_INTR_STS, nvgpu.PWR_PMU_IDLE_INTR_STS_INTR_M)
		return BusyCyclesNormMax
	case total == 0 || busy > total:
		return BusyCyclesNormMax
	default:
		return uint32(busy * BusyCyclesNormMax / total)
	}
}

// LoadCounters returns the raw busy and total cycle counters, or zeros if
// the GPU is powered off or cannot be resumed.
func (p *PMU) LoadCounters() (busy, total uint32) {
	if !p.dev.PoweredOn() {
		return 0, 0
	}
	if err := p.dev.Busy(); err != nil {
		return 0, 0
	}
	defer p.dev.Idle()
	return p.readIdleCounter(idleCounterRawBusy), p.readIdleCounter(idleCounterRawTotal)
}

// ResetLoadCounters resets the counters read by LoadCounters.
func (p *PMU) ResetLoadCounters() {
	if !p.dev.PoweredOn() {
		return
	}
	if err := p.dev.Busy(); err != nil {
		return
	}
	defer p.dev.Idle()
	p.resetIdleCounter(idleCounterRawTotal)
	p.resetIdleCounter(idleCounterRawBusy)
}
