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

// Package gpu holds the per-device state shared by the PMU and FIFO control
// paths: register access, identity, feature flags, timeouts and the power
// reference count.
package gpu

import (
	"fmt"
	"math"
	"sync"
	"time"

	"gpuctl.dev/gpuctl/pkg/abi/nvgpu"
	"gpuctl.dev/gpuctl/pkg/hal"
	"gpuctl.dev/gpuctl/pkg/log"
	"gpuctl.dev/gpuctl/pkg/mmio"
	"gpuctl.dev/gpuctl/pkg/timeout"
)

// Feature is a per-device capability flag.
type Feature int

const (
	// PMUPerfmon enables PMU load sampling.
	PMUPerfmon Feature = iota
	// UseCoherentSysmem routes system memory apertures through the coherent
	// path.
	UseCoherentSysmem
	// TimeoutsEnabled bounds hardware waits. When clear, waits on the GR
	// idle timeout are effectively unbounded.
	TimeoutsEnabled

	numFeatures
)

// Default timeouts.
const (
	DefaultPollTimeout   = 3000 * time.Millisecond
	DefaultGRIdleTimeout = 3000 * time.Millisecond
)

// PowerManager resumes a powered-down GPU.
type PowerManager interface {
	Resume() error
}

// Options configures a Device.
type Options struct {
	// Regs is the BAR0 register file.
	Regs mmio.Registers
	// Interrupts is signalled when the device raises an interrupt. It may be
	// nil, in which case nothing services the PMU message queue.
	Interrupts <-chan struct{}
	// Power resumes the device when it is powered down. It may be nil if the
	// device is always on.
	Power PowerManager
	// Clock defaults to timeout.RealClock.
	Clock timeout.Clock
	// Features to enable.
	Features []Feature
	// PollTimeout bounds PMU RPC and perfmon query waits. Zero selects
	// DefaultPollTimeout.
	PollTimeout time.Duration
	// GRIdleTimeout bounds runlist submission waits. Zero selects
	// DefaultGRIdleTimeout.
	GRIdleTimeout time.Duration
}

// Device is one GPU.
type Device struct {
	regs  mmio.Registers
	irq   <-chan struct{}
	clock timeout.Clock

	// HAL is immutable after New.
	HAL *hal.HAL

	features      [numFeatures]bool
	pollTimeout   time.Duration
	grIdleTimeout time.Duration

	powerMu   sync.Mutex
	power     PowerManager
	poweredOn bool
	usage     int
}

// New reads the identity register and returns the Device.
func New(opts Options) (*Device, error) {
	boot := opts.Regs.Read32(nvgpu.PMC_BOOT_0)
	h, err := hal.Lookup(nvgpu.BootArch(boot), nvgpu.BootImpl(boot))
	if err != nil {
		return nil, fmt.Errorf("probing GPU: %w", err)
	}
	d := &Device{
		regs:          opts.Regs,
		irq:           opts.Interrupts,
		clock:         opts.Clock,
		HAL:           h,
		pollTimeout:   opts.PollTimeout,
		grIdleTimeout: opts.GRIdleTimeout,
		power:         opts.Power,
		poweredOn:     true,
	}
	if d.clock == nil {
		d.clock = timeout.RealClock
	}
	if d.pollTimeout == 0 {
		d.pollTimeout = DefaultPollTimeout
	}
	if d.grIdleTimeout == 0 {
		d.grIdleTimeout = DefaultGRIdleTimeout
	}
	for _, f := range opts.Features {
		d.features[f] = true
	}
	return d, nil
}

// Read32 reads a BAR0 register.
func (d *Device) Read32(off uint32) uint32 { return d.regs.Read32(off) }

// Write32 writes a BAR0 register.
func (d *Device) Write32(off, val uint32) { d.regs.Write32(off, val) }

// Interrupts returns the device interrupt channel, which may be nil.
func (d *Device) Interrupts() <-chan struct{} { return d.irq }

// Clock returns the device time source.
func (d *Device) Clock() timeout.Clock { return d.clock }

// GPUID returns arch + impl.
func (d *Device) GPUID() uint32 { return d.HAL.GPUID }

// Enabled reports whether f is set.
func (d *Device) Enabled(f Feature) bool { return d.features[f] }

// PollTimeout is the bound on PMU RPC and query waits.
func (d *Device) PollTimeout() time.Duration { return d.pollTimeout }

// GRIdleTimeout is the bound on runlist waits. It is effectively unbounded
// when TimeoutsEnabled is clear.
func (d *Device) GRIdleTimeout() time.Duration {
	if !d.Enabled(TimeoutsEnabled) {
		return math.MaxUint32 * time.Millisecond
	}
	return d.grIdleTimeout
}

// PoweredOn reports whether the device is currently powered.
func (d *Device) PoweredOn() bool {
	d.powerMu.Lock()
	defer d.powerMu.Unlock()
	return d.poweredOn
}

// PowerOff marks the device as powered down. The next Busy resumes it.
func (d *Device) PowerOff() {
	d.powerMu.Lock()
	defer d.powerMu.Unlock()
	if d.usage != 0 {
		log.Warningf("Powering off GPU with %d busy references", d.usage)
	}
	d.poweredOn = false
}

// Busy takes a power reference, resuming the device if needed. Every
// successful Busy must be paired with Idle.
func (d *Device) Busy() error {
	d.powerMu.Lock()
	defer d.powerMu.Unlock()
	if !d.poweredOn {
		if d.power != nil {
			if err := d.power.Resume(); err != nil {
				return fmt.Errorf("resuming GPU: %w", err)
			}
		}
		d.poweredOn = true
	}
	d.usage++
	return nil
}

// Idle drops a power reference taken by Busy.
func (d *Device) Idle() {
	d.powerMu.Lock()
	defer d.powerMu.Unlock()
	if d.usage == 0 {
		log.Warningf("Unbalanced GPU idle")
		return
	}
	d.usage--
}

// Usage returns the number of outstanding power references.
func (d *Device) Usage() int {
	d.powerMu.Lock()
	defer d.powerMu.Unlock()
	return d.usage
}
