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
	"sync"

	"gpuctl.dev/gpuctl/pkg/abi/nvgpu"
	"gpuctl.dev/gpuctl/pkg/abi/pmuif"
	"gpuctl.dev/gpuctl/pkg/errors/gpuerr"
	"gpuctl.dev/gpuctl/pkg/gpu"
	"gpuctl.dev/gpuctl/pkg/log"
	"gpuctl.dev/gpuctl/pkg/marshal"
	"gpuctl.dev/gpuctl/pkg/metric"
)

// Perfmon tunables.
const (
	perfmonSamplePeriodUs     = 16700
	perfmonToDecreaseCount    = 15
	perfmonBaseCounterID      = 6
	perfmonSamplesInMovingAvg = 17
	perfmonNumCounters        = 1

	// perfmonCounterIndex is the idle counter counting GR and CE2 busy
	// cycles.
	perfmonCounterIndex = 3

	// Thresholds in hundredths of a percent.
	perfmonUpperThreshold = 3000
	perfmonLowerThreshold = 1000

	// The sample buffer holds two 16-bit samples.
	perfmonSampleBufferSize = 4
)

var perfmonEvents = metric.MustCreateNewUint64Metric(
	"/pmu/perfmon_events",
	"Perfmon events received from the PMU, by type.",
	metric.NewField("type", []string{"increase", "decrease", "init", "other"}))

// PerfmonState is the host state of PMU load sampling. It lives as long as
// the device and survives power cycles.
type PerfmonState struct {
	mu sync.Mutex

	ready           bool
	samplingEnabled bool

	// load is the last raw sample, loadShadow load/10 and loadAvg a
	// moving average of loadShadow.
	load       uint32
	loadShadow uint32
	loadAvg    uint32

	// eventsCount counts increase and decrease events alike.
	eventsCount uint64

	// sampleBuffer is the DMEM offset of the firmware's sample buffer.
	sampleBuffer    uint32
	hasSampleBuffer bool

	stateID [pmuif.PMU_DOMAIN_GROUP_NUM]uint8
	counter pmuif.PerfmonCounter
}

// perfmonUnitID returns the perfmon unit of a GPU generation.
func perfmonUnitID(gpuID uint32) (uint8, error) {
	switch gpuID {
	case nvgpu.GK20A_GPUID_GK20A, nvgpu.GK20A_GPUID_GM20B, nvgpu.GK20A_GPUID_GM20B_B:
		return pmuif.PMU_UNIT_PERFMON, nil
	case nvgpu.NVGPU_GPUID_GP10B, nvgpu.NVGPU_GPUID_GV11B:
		return pmuif.PMU_UNIT_PERFMON_T18X, nil
	default:
		log.Warningf("No perfmon support for %#x", gpuID)
		return pmuif.PMU_UNIT_INVALID, fmt.Errorf("perfmon on GPU %#x: %w", gpuID, gpuerr.ErrInvalidUnit)
	}
}

// perfmonCounterAllocOffset returns the offset of the counter allocation in
// the body of perfmon command cmdType.
func perfmonCounterAllocOffset(cmdType uint8) (uint32, error) {
	switch cmdType {
	case pmuif.PMU_PERFMON_CMD_ID_START:
		return pmuif.PerfmonCmdStartCounterAllocOffset, nil
	case pmuif.PMU_PERFMON_CMD_ID_INIT:
		return pmuif.PerfmonCmdInitCounterAllocOffset, nil
	default:
		return 0, fmt.Errorf("perfmon command %d has no counter: %w", cmdType, gpuerr.ErrOffsetResolution)
	}
}

// InitializePerfmon allocates the perfmon state. Later calls keep the
// existing state.
func (p *PMU) InitializePerfmon() *PerfmonState {
	p.perfmonMu.Lock()
	defer p.perfmonMu.Unlock()
	if p.perfmon == nil {
		p.perfmon = &PerfmonState{
			counter: pmuif.PerfmonCounter{
				Index:   perfmonCounterIndex,
				GroupID: pmuif.PMU_DOMAIN_GROUP_PSTATE,
			},
		}
	}
	return p.perfmon
}

// DeinitializePerfmon frees the perfmon state and its sample buffer.
func (p *PMU) DeinitializePerfmon() {
	p.perfmonMu.Lock()
	defer p.perfmonMu.Unlock()
	if p.perfmon == nil {
		return
	}
	ps := p.perfmon
	ps.mu.Lock()
	if ps.hasSampleBuffer {
		p.dmem.Free(ps.sampleBuffer)
		ps.hasSampleBuffer = false
	}
	ps.mu.Unlock()
	p.perfmon = nil
}

// Perfmon returns the perfmon state, or nil if it is not initialized.
func (p *PMU) Perfmon() *PerfmonState {
	p.perfmonMu.Lock()
	defer p.perfmonMu.Unlock()
	return p.perfmon
}

func (p *PMU) perfmonState() (*PerfmonState, error) {
	if ps := p.Perfmon(); ps != nil {
		return ps, nil
	}
	return nil, fmt.Errorf("perfmon not initialized: %w", gpuerr.ErrNotReady)
}

// InitPerfmon configures load sampling with the legacy INIT command.
func (p *PMU) InitPerfmon() error {
	if !p.dev.Enabled(gpu.PMUPerfmon) {
		return nil
	}
	ps, err := p.perfmonState()
	if err != nil {
		return err
	}
	unit, err := perfmonUnitID(p.dev.GPUID())
	if err != nil {
		return fmt.Errorf("perfmon INIT skipped: %w", err)
	}
	off, err := perfmonCounterAllocOffset(pmuif.PMU_PERFMON_CMD_ID_INIT)
	if err != nil {
		return fmt.Errorf("perfmon INIT skipped: %w", err)
	}
	if !p.Ready() {
		return gpuerr.ErrNotReady
	}

	ps.mu.Lock()
	ps.ready = false
	p.InitPerfmonCounter()
	if !ps.hasSampleBuffer {
		b, err := p.dmem.Alloc(perfmonSampleBufferSize)
		if err != nil {
			ps.mu.Unlock()
			return fmt.Errorf("allocating perfmon sample buffer: %w", err)
		}
		ps.sampleBuffer, ps.hasSampleBuffer = b, true
	}
	cmd := &Cmd{
		Hdr: pmuif.PMUHdr{UnitID: unit},
		Body: &pmuif.PerfmonCmdInit{
			CmdType:            pmuif.PMU_PERFMON_CMD_ID_INIT,
			ToDecreaseCount:    perfmonToDecreaseCount,
			BaseCounterID:      perfmonBaseCounterID,
			SamplePeriodUs:     perfmonSamplePeriodUs,
			NumCounters:        perfmonNumCounters,
			SamplesInMovingAvg: perfmonSamplesInMovingAvg,
			SampleBuffer:       uint16(ps.sampleBuffer),
		},
	}
	payload := &Payload{In: PayloadBuf{Buf: marshal.Marshal(&ps.counter), Offset: off}}
	ps.mu.Unlock()

	log.Debugf("cmd post PMU_PERFMON_CMD_ID_INIT")
	if _, err := p.CmdPost(cmd, payload, pmuif.PMU_COMMAND_QUEUE_LPQ, nil); err != nil {
		return fmt.Errorf("posting perfmon INIT: %w", err)
	}
	return nil
}

// PerfmonStartSampling starts load sampling with the legacy START command.
func (p *PMU) PerfmonStartSampling() error {
	if !p.dev.Enabled(gpu.PMUPerfmon) {
		return nil
	}
	ps, err := p.perfmonState()
	if err != nil {
		return err
	}
	unit, err := perfmonUnitID(p.dev.GPUID())
	if err != nil {
		return fmt.Errorf("perfmon START skipped: %w", err)
	}
	off, err := perfmonCounterAllocOffset(pmuif.PMU_PERFMON_CMD_ID_START)
	if err != nil {
		return fmt.Errorf("perfmon START skipped: %w", err)
	}

	ps.mu.Lock()
	ps.counter.UpperThreshold = perfmonUpperThreshold
	ps.counter.LowerThreshold = perfmonLowerThreshold
	ps.counter.Valid = 1
	cmd := &Cmd{
		Hdr: pmuif.PMUHdr{UnitID: unit},
		Body: &pmuif.PerfmonCmdStart{
			CmdType: pmuif.PMU_PERFMON_CMD_ID_START,
			GroupID: pmuif.PMU_DOMAIN_GROUP_PSTATE,
			StateID: ps.stateID[pmuif.PMU_DOMAIN_GROUP_PSTATE],
			Flags: pmuif.PMU_PERFMON_FLAG_ENABLE_INCREASE |
				pmuif.PMU_PERFMON_FLAG_ENABLE_DECREASE |
				pmuif.PMU_PERFMON_FLAG_CLEAR_PREV,
		},
	}
	payload := &Payload{In: PayloadBuf{Buf: marshal.Marshal(&ps.counter), Offset: off}}
	ps.mu.Unlock()

	log.Debugf("cmd post PMU_PERFMON_CMD_ID_START")
	if _, err := p.CmdPost(cmd, payload, pmuif.PMU_COMMAND_QUEUE_LPQ, nil); err != nil {
		return fmt.Errorf("posting perfmon START: %w", err)
	}
	return nil
}

// PerfmonStopSampling stops load sampling with the legacy STOP command.
func (p *PMU) PerfmonStopSampling() error {
	if !p.dev.Enabled(gpu.PMUPerfmon) {
		return nil
	}
	unit, err := perfmonUnitID(p.dev.GPUID())
	if err != nil {
		return fmt.Errorf("perfmon STOP skipped: %w", err)
	}
	cmd := &Cmd{
		Hdr:  pmuif.PMUHdr{UnitID: unit},
		Body: &pmuif.PerfmonCmdStop{CmdType: pmuif.PMU_PERFMON_CMD_ID_STOP},
	}
	log.Debugf("cmd post PMU_PERFMON_CMD_ID_STOP")
	if _, err := p.CmdPost(cmd, nil, pmuif.PMU_COMMAND_QUEUE_LPQ, nil); err != nil {
		return fmt.Errorf("posting perfmon STOP: %w", err)
	}
	return nil
}

// SetupPerfmon initializes the perfmon state and configures sampling
// through RPC or commands, whichever the GPU uses.
func (p *PMU) SetupPerfmon() error {
	p.InitializePerfmon()
	if p.dev.HAL.PerfmonRPC {
		return p.InitPerfmonRPC()
	}
	return p.InitPerfmon()
}

// StartSampling starts load sampling through RPC or commands.
func (p *PMU) StartSampling() error {
	if p.dev.HAL.PerfmonRPC {
		return p.PerfmonStartSamplingRPC()
	}
	return p.PerfmonStartSampling()
}

// StopSampling stops load sampling through RPC or commands.
func (p *PMU) StopSampling() error {
	if p.dev.HAL.PerfmonRPC {
		return p.PerfmonStopSamplingRPC()
	}
	return p.PerfmonStopSampling()
}

// restartSampling re-arms sampling from the message path, where waiting
// for an RPC reply would deadlock.
func (p *PMU) restartSampling() error {
	if p.dev.HAL.PerfmonRPC {
		if !p.dev.Enabled(gpu.PMUPerfmon) {
			return nil
		}
		return p.RPCPost(p.perfmonStartRPC(), 0)
	}
	return p.PerfmonStartSampling()
}

// HandlePerfmonEvent handles an unsolicited perfmon message. While sampling
// is enabled every event re-arms sampling.
func (p *PMU) HandlePerfmonEvent(msg *pmuif.PerfmonMsg) error {
	ps, err := p.perfmonState()
	if err != nil {
		return err
	}
	ps.mu.Lock()
	switch msg.MsgType {
	case pmuif.PMU_PERFMON_MSG_ID_INCREASE_EVENT:
		log.Debugf("perfmon increase event: state_id %d, group_id %d, pct %d", msg.StateID, msg.GroupID, msg.Data)
		ps.eventsCount++
		perfmonEvents.Increment("increase")
	case pmuif.PMU_PERFMON_MSG_ID_DECREASE_EVENT:
		log.Debugf("perfmon decrease event: state_id %d, group_id %d, pct %d", msg.StateID, msg.GroupID, msg.Data)
		ps.eventsCount++
		perfmonEvents.Increment("decrease")
	case pmuif.PMU_PERFMON_MSG_ID_INIT_EVENT:
		log.Debugf("perfmon init event")
		ps.ready = true
		perfmonEvents.Increment("init")
	default:
		log.Debugf("Invalid perfmon msg type %d", msg.MsgType)
		perfmonEvents.Increment("other")
	}
	restart := ps.samplingEnabled
	ps.mu.Unlock()

	if restart {
		return p.restartSampling()
	}
	return nil
}

// SamplingEnabled reports whether events re-arm sampling.
func (p *PMU) SamplingEnabled() bool {
	ps := p.Perfmon()
	if ps == nil {
		return false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.samplingEnabled
}

// SetSamplingEnabled sets whether events re-arm sampling. It does not start
// or stop sampling.
func (p *PMU) SetSamplingEnabled(enabled bool) {
	ps := p.InitializePerfmon()
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.samplingEnabled = enabled
}

// PerfmonReady reports whether the firmware has acknowledged perfmon INIT.
func (p *PMU) PerfmonReady() bool {
	ps := p.Perfmon()
	if ps == nil {
		return false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.ready
}

// EventsCount returns the number of increase and decrease events received.
func (p *PMU) EventsCount() uint64 {
	ps := p.Perfmon()
	if ps == nil {
		return 0
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.eventsCount
}
