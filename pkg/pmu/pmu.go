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

// Package pmu implements the host side of the PMU command/response protocol.
//
// The PMU is a falcon microcontroller that runs power management firmware.
// The host talks to it through ring buffers in falcon DMEM: commands are
// written to one of four command queues and responses and events are read
// from the single message queue. The firmware publishes the queue layout in
// an INIT message after boot; nothing else can be posted before that.
//
// Lock ordering:
//
//	PMU.msgMu
//	  queue.mu (HPQ, LPQ) or a PMU hardware mutex (BIOS, SMI)
//	    PMU.seqMu
//	PerfmonState.mu
//	PMU.mutexMu
//
// Callbacks run with msgMu held. They may post commands but must not wait
// for a response.
package pmu

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gpuctl.dev/gpuctl/pkg/abi/nvgpu"
	"gpuctl.dev/gpuctl/pkg/abi/pmuif"
	"gpuctl.dev/gpuctl/pkg/errors/gpuerr"
	"gpuctl.dev/gpuctl/pkg/falcon"
	"gpuctl.dev/gpuctl/pkg/gpu"
	"gpuctl.dev/gpuctl/pkg/log"
	"gpuctl.dev/gpuctl/pkg/metric"
)

var (
	commandsPosted = metric.MustCreateNewUint64Metric(
		"/pmu/commands_posted",
		"Commands posted to the PMU, by queue.",
		metric.NewField("queue", []string{"hpq", "lpq"}))
	messagesRead = metric.MustCreateNewUint64Metric(
		"/pmu/messages_read",
		"Messages read from the PMU message queue.")
	rpcTimeouts = metric.MustCreateNewUint64Metric(
		"/pmu/rpc_timeouts",
		"PMU RPCs that did not complete within the poll timeout.")
)

// PMU is the host side of one GPU's PMU.
type PMU struct {
	dev  *gpu.Device
	flcn *falcon.Falcon

	// ready is set once the INIT message has been processed. queues and
	// dmem are immutable afterwards.
	ready   atomic.Bool
	readyCh chan struct{}
	queues  [pmuif.PMU_QUEUE_COUNT]*queue
	dmem    *falcon.Allocator

	// msgMu serializes consumers of the message queue.
	msgMu sync.Mutex

	seqMu sync.Mutex
	seqs  [pmuif.PMU_MAX_NUM_SEQUENCES]sequence

	mutexMu sync.Mutex
	mutexes [nvgpu.PWR_PMU_MUTEX__SIZE]hwMutex

	perfmonMu sync.Mutex
	perfmon   *PerfmonState

	// rpcLog and eventLog throttle reports of firmware traffic the host
	// does not understand.
	rpcLog   log.Logger
	eventLog log.Logger
}

// New returns the PMU of dev. The PMU is not usable until its INIT message
// has been processed; see WaitReady.
func New(dev *gpu.Device) *PMU {
	p := &PMU{
		dev:      dev,
		flcn:     falcon.New(dev),
		readyCh:  make(chan struct{}),
		rpcLog:   log.RateLimitedLogger(log.WithField("pmu", "rpc"), time.Second),
		eventLog: log.RateLimitedLogger(log.WithField("pmu", "event"), time.Second),
	}
	for i := range p.seqs {
		p.seqs[i].id = uint8(i)
	}
	return p
}

// Device returns the GPU the PMU belongs to.
func (p *PMU) Device() *gpu.Device { return p.dev }

// Ready reports whether the INIT message has been processed.
func (p *PMU) Ready() bool { return p.ready.Load() }

// WaitReady blocks until the INIT message has been processed, ctx is
// cancelled or the poll timeout elapses.
func (p *PMU) WaitReady(ctx context.Context) error {
	select {
	case <-p.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.dev.Clock().After(p.dev.PollTimeout()):
		return fmt.Errorf("waiting for PMU INIT message: %w", gpuerr.ErrTimeout)
	}
}

// ISR services a falcon interrupt. Only SWGEN0, raised by the firmware when
// it posts a message, is handled.
func (p *PMU) ISR() error {
	stat := p.flcn.IRQStat()
	if stat&nvgpu.FALCON_IRQ_SWGEN0 == 0 {
		return nil
	}
	p.flcn.ClearIRQ(nvgpu.FALCON_IRQ_SWGEN0)
	return p.ProcessMessages()
}

// Serve runs ISR for every device interrupt until ctx is cancelled.
func (p *PMU) Serve(ctx context.Context) error {
	irq := p.dev.Interrupts()
	if irq == nil {
		return fmt.Errorf("device has no interrupt source: %w", gpuerr.ErrNoDevice)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-irq:
			if err := p.ISR(); err != nil {
				log.Warningf("PMU ISR failed: %v", err)
			}
		}
	}
}

// DMEMAvailable returns the number of free bytes in the DMEM heap, or 0
// before the PMU is ready.
func (p *PMU) DMEMAvailable() uint32 {
	if !p.Ready() {
		return 0
	}
	return p.dmem.Available()
}
