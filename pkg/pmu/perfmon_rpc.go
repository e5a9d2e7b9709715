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

	"gpuctl.dev/gpuctl/pkg/abi/pmuif"
	"gpuctl.dev/gpuctl/pkg/gpu"
	"gpuctl.dev/gpuctl/pkg/log"
	"gpuctl.dev/gpuctl/pkg/marshal"
)

// InitPerfmonRPC configures load sampling with the INIT RPC.
func (p *PMU) InitPerfmonRPC() error {
	if !p.dev.Enabled(gpu.PMUPerfmon) {
		return nil
	}
	ps, err := p.perfmonState()
	if err != nil {
		return err
	}
	ps.mu.Lock()
	ps.ready = false
	ps.mu.Unlock()
	p.InitPerfmonCounter()

	rpc := &pmuif.PerfmonRPCInit{
		Hdr: pmuif.RPCHeader{
			UnitID:   pmuif.PMU_UNIT_PERFMON_T18X,
			Function: pmuif.NV_PMU_RPC_ID_PERFMON_T18X_INIT,
		},
		SamplePeriodUs:     perfmonSamplePeriodUs,
		ToDecreaseCount:    perfmonToDecreaseCount,
		BaseCounterID:      perfmonBaseCounterID,
		SamplesInMovingAvg: perfmonSamplesInMovingAvg,
		NumCounters:        perfmonNumCounters,
	}
	rpc.Counter[0].Index = perfmonCounterIndex

	log.Debugf("RPC post NV_PMU_RPC_ID_PERFMON_INIT")
	if err := p.RPCExecute(rpc, 0); err != nil {
		return fmt.Errorf("perfmon INIT: %w", err)
	}
	return nil
}

// perfmonStartRPC returns a START record for the PSTATE group.
func (p *PMU) perfmonStartRPC() *pmuif.PerfmonRPCStart {
	rpc := &pmuif.PerfmonRPCStart{
		Hdr: pmuif.RPCHeader{
			UnitID:   pmuif.PMU_UNIT_PERFMON_T18X,
			Function: pmuif.NV_PMU_RPC_ID_PERFMON_T18X_START,
		},
		GroupID: pmuif.PMU_DOMAIN_GROUP_PSTATE,
		Flags: pmuif.PMU_PERFMON_FLAG_ENABLE_INCREASE |
			pmuif.PMU_PERFMON_FLAG_ENABLE_DECREASE |
			pmuif.PMU_PERFMON_FLAG_CLEAR_PREV,
	}
	if ps := p.Perfmon(); ps != nil {
		ps.mu.Lock()
		rpc.StateID = ps.stateID[pmuif.PMU_DOMAIN_GROUP_PSTATE]
		ps.mu.Unlock()
	}
	rpc.Counter[0].UpperThreshold = perfmonUpperThreshold
	rpc.Counter[0].LowerThreshold = perfmonLowerThreshold
	return rpc
}

// PerfmonStartSamplingRPC starts load sampling with the START RPC.
func (p *PMU) PerfmonStartSamplingRPC() error {
	if !p.dev.Enabled(gpu.PMUPerfmon) {
		return nil
	}
	log.Debugf("RPC post NV_PMU_RPC_ID_PERFMON_START")
	if err := p.RPCExecute(p.perfmonStartRPC(), 0); err != nil {
		return fmt.Errorf("perfmon START: %w", err)
	}
	return nil
}

// PerfmonStopSamplingRPC stops load sampling with the STOP RPC.
func (p *PMU) PerfmonStopSamplingRPC() error {
	if !p.dev.Enabled(gpu.PMUPerfmon) {
		return nil
	}
	rpc := &pmuif.PerfmonRPCStop{
		Hdr: pmuif.RPCHeader{
			UnitID:   pmuif.PMU_UNIT_PERFMON_T18X,
			Function: pmuif.NV_PMU_RPC_ID_PERFMON_T18X_STOP,
		},
	}
	log.Debugf("RPC post NV_PMU_RPC_ID_PERFMON_STOP")
	if err := p.RPCExecute(rpc, 0); err != nil {
		return fmt.Errorf("perfmon STOP: %w", err)
	}
	return nil
}

// PerfmonGetSamplesRPC queries the current load sample. The reply handler
// stores it as the raw load before PerfmonGetSamplesRPC returns.
func (p *PMU) PerfmonGetSamplesRPC() error {
	if !p.dev.Enabled(gpu.PMUPerfmon) {
		return nil
	}
	rpc := &pmuif.PerfmonRPCQuery{
		Hdr: pmuif.RPCHeader{
			UnitID:   pmuif.PMU_UNIT_PERFMON_T18X,
			Function: pmuif.NV_PMU_RPC_ID_PERFMON_T18X_QUERY,
		},
	}
	log.Debugf("RPC post NV_PMU_RPC_ID_PERFMON_QUERY")
	if err := p.RPCExecute(rpc, 0); err != nil {
		return fmt.Errorf("perfmon QUERY: %w", err)
	}
	return nil
}

// handlePerfmonRPC handles perfmon RPC replies.
func (p *PMU) handlePerfmonRPC(h *pmuif.RPCHeader, buf []byte) {
	ps := p.Perfmon()
	if ps == nil {
		p.rpcLog.Warningf("Perfmon RPC function %#x reply without perfmon state", h.Function)
		return
	}
	switch h.Function {
	case pmuif.NV_PMU_RPC_ID_PERFMON_T18X_INIT:
		log.Debugf("reply NV_PMU_RPC_ID_PERFMON_INIT")
		ps.mu.Lock()
		ps.ready = true
		ps.mu.Unlock()
	case pmuif.NV_PMU_RPC_ID_PERFMON_T18X_START:
		log.Debugf("reply NV_PMU_RPC_ID_PERFMON_START")
	case pmuif.NV_PMU_RPC_ID_PERFMON_T18X_STOP:
		log.Debugf("reply NV_PMU_RPC_ID_PERFMON_STOP")
	case pmuif.NV_PMU_RPC_ID_PERFMON_T18X_QUERY:
		log.Debugf("reply NV_PMU_RPC_ID_PERFMON_QUERY")
		var q pmuif.PerfmonRPCQuery
		if err := marshal.Unmarshal(buf, &q, true); err != nil {
			p.rpcLog.Warningf("Short perfmon QUERY reply: %v", err)
			return
		}
		ps.mu.Lock()
		ps.load = uint32(q.SampleBuffer[0])
		ps.mu.Unlock()
	default:
		p.rpcLog.Warningf("Invalid perfmon RPC reply function %#x", h.Function)
	}
}
