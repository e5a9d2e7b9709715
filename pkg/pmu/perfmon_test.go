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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gpuctl.dev/gpuctl/pkg/abi/nvgpu"
	"gpuctl.dev/gpuctl/pkg/abi/pmuif"
	"gpuctl.dev/gpuctl/pkg/errors/gpuerr"
	"gpuctl.dev/gpuctl/pkg/sim"
)

// countCommands returns the number of perfmon commands of cmdType received
// by the firmware.
func countCommands(g *sim.GPU, cmdType uint8) int {
	n := 0
	for _, c := range g.Commands() {
		if (c.Hdr.UnitID == pmuif.PMU_UNIT_PERFMON || c.Hdr.UnitID == pmuif.PMU_UNIT_PERFMON_T18X) && len(c.Body) > 0 && c.Body[0] == cmdType {
			n++
		}
	}
	return n
}

func TestPerfmonUnitID(t *testing.T) {
	for _, tc := range []struct {
		name  string
		gpuID uint32
		want  uint8
		err   error
	}{
		{"gk20a", nvgpu.GK20A_GPUID_GK20A, pmuif.PMU_UNIT_PERFMON, nil},
		{"gm20b", nvgpu.GK20A_GPUID_GM20B, pmuif.PMU_UNIT_PERFMON, nil},
		{"gm20b_b", nvgpu.GK20A_GPUID_GM20B_B, pmuif.PMU_UNIT_PERFMON, nil},
		{"gp10b", nvgpu.NVGPU_GPUID_GP10B, pmuif.PMU_UNIT_PERFMON_T18X, nil},
		{"gv11b", nvgpu.NVGPU_GPUID_GV11B, pmuif.PMU_UNIT_PERFMON_T18X, nil},
		{"tu104", nvgpu.NVGPU_GPUID_TU104, pmuif.PMU_UNIT_INVALID, gpuerr.ErrInvalidUnit},
		{"unknown", 0, pmuif.PMU_UNIT_INVALID, gpuerr.ErrInvalidUnit},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := perfmonUnitID(tc.gpuID)
			if !errors.Is(err, tc.err) {
				t.Errorf("perfmonUnitID(%#x) error = %v, want %v", tc.gpuID, err, tc.err)
			}
			if got != tc.want {
				t.Errorf("perfmonUnitID(%#x) = %#x, want %#x", tc.gpuID, got, tc.want)
			}
		})
	}
}

func TestPerfmonCounterAllocOffset(t *testing.T) {
	for _, tc := range []struct {
		cmdType uint8
		want    uint32
		err     error
	}{
		{pmuif.PMU_PERFMON_CMD_ID_START, 4, nil},
		{pmuif.PMU_PERFMON_CMD_ID_INIT, 8, nil},
		{pmuif.PMU_PERFMON_CMD_ID_STOP, 0, gpuerr.ErrOffsetResolution},
	} {
		got, err := perfmonCounterAllocOffset(tc.cmdType)
		if !errors.Is(err, tc.err) {
			t.Errorf("perfmonCounterAllocOffset(%d) error = %v, want %v", tc.cmdType, err, tc.err)
		}
		if got != tc.want {
			t.Errorf("perfmonCounterAllocOffset(%d) = %d, want %d", tc.cmdType, got, tc.want)
		}
	}
}

func TestInitializePerfmonIdempotent(t *testing.T) {
	p, _ := newTestPMU(t, testOpts{chip: "gm20b", features: defaultFeatures()})
	if p.Perfmon() != nil {
		t.Fatalf("perfmon state exists before InitializePerfmon")
	}
	ps := p.InitializePerfmon()
	ps.eventsCount = 5
	if again := p.InitializePerfmon(); again != ps {
		t.Errorf("second InitializePerfmon returned new state")
	}
	if got := p.EventsCount(); got != 5 {
		t.Errorf("EventsCount() = %d, want 5", got)
	}
	p.DeinitializePerfmon()
	if p.Perfmon() != nil {
		t.Errorf("perfmon state survives DeinitializePerfmon")
	}
	p.DeinitializePerfmon()
}

func TestPerfmonNotInitialized(t *testing.T) {
	p, _ := newTestPMU(t, testOpts{chip: "gm20b", features: defaultFeatures()})
	for name, fn := range map[string]func() error{
		"InitPerfmon":    p.InitPerfmon,
		"InitPerfmonRPC": p.InitPerfmonRPC,
		"LoadUpdate":     p.LoadUpdate,
		"PerfmonStart":   p.PerfmonStartSampling,
	} {
		if err := fn(); !errors.Is(err, gpuerr.ErrNotReady) {
			t.Errorf("%s returned %v, want %v", name, err, gpuerr.ErrNotReady)
		}
	}
	if err := p.HandlePerfmonEvent(&pmuif.PerfmonMsg{}); !errors.Is(err, gpuerr.ErrNotReady) {
		t.Errorf("HandlePerfmonEvent returned %v, want %v", err, gpuerr.ErrNotReady)
	}
}

func TestPerfmonFeatureDisabled(t *testing.T) {
	for _, chip := range []string{"gm20b", "gv11b"} {
		t.Run(chip, func(t *testing.T) {
			p, g := newTestPMU(t, testOpts{chip: chip})
			for name, fn := range map[string]func() error{
				"SetupPerfmon":  p.SetupPerfmon,
				"StartSampling": p.StartSampling,
				"StopSampling":  p.StopSampling,
			} {
				if err := fn(); err != nil {
					t.Errorf("%s returned %v, want nil", name, err)
				}
			}
			if n := len(g.Commands()); n != 0 {
				t.Errorf("firmware received %d commands, want 0", n)
			}
		})
	}
}

func TestInitPerfmonUnsupportedGPU(t *testing.T) {
	p, g := newTestPMU(t, testOpts{chip: "tu104", features: defaultFeatures()})
	ps := p.InitializePerfmon()
	ps.ready = true
	avail := p.DMEMAvailable()

	if err := p.InitPerfmon(); !errors.Is(err, gpuerr.ErrInvalidUnit) {
		t.Errorf("InitPerfmon returned %v, want %v", err, gpuerr.ErrInvalidUnit)
	}
	if !ps.ready {
		t.Errorf("failed InitPerfmon cleared ready")
	}
	if ps.hasSampleBuffer {
		t.Errorf("failed InitPerfmon allocated the sample buffer")
	}
	if got := p.DMEMAvailable(); got != avail {
		t.Errorf("DMEMAvailable() = %#x, want %#x", got, avail)
	}
	if err := p.PerfmonStartSampling(); !errors.Is(err, gpuerr.ErrInvalidUnit) {
		t.Errorf("PerfmonStartSampling returned %v, want %v", err, gpuerr.ErrInvalidUnit)
	}
	if err := p.PerfmonStopSampling(); !errors.Is(err, gpuerr.ErrInvalidUnit) {
		t.Errorf("PerfmonStopSampling returned %v, want %v", err, gpuerr.ErrInvalidUnit)
	}
	if n := len(g.Commands()); n != 0 {
		t.Errorf("firmware received %d commands, want 0", n)
	}
}

func TestInitPerfmon(t *testing.T) {
	p, g := newTestPMU(t, testOpts{chip: "gm20b", features: defaultFeatures()})
	avail := p.DMEMAvailable()
	if err := p.SetupPerfmon(); err != nil {
		t.Fatalf("SetupPerfmon failed: %v", err)
	}
	if p.PerfmonReady() {
		t.Errorf("perfmon ready before INIT_EVENT was processed")
	}
	if err := p.ProcessMessages(); err != nil {
		t.Fatalf("ProcessMessages failed: %v", err)
	}
	if !p.PerfmonReady() {
		t.Errorf("perfmon not ready after INIT_EVENT")
	}

	cmds := g.Commands()
	if len(cmds) != 1 {
		t.Fatalf("firmware received %d commands, want 1", len(cmds))
	}
	if got := cmds[0].Hdr.UnitID; got != pmuif.PMU_UNIT_PERFMON {
		t.Errorf("INIT unit = %#x, want %#x", got, pmuif.PMU_UNIT_PERFMON)
	}
	var init pmuif.PerfmonCmdInit
	init.UnmarshalBytes(cmds[0].Body)
	ps := p.Perfmon()
	if init.CmdType != pmuif.PMU_PERFMON_CMD_ID_INIT ||
		init.ToDecreaseCount != 15 ||
		init.BaseCounterID != 6 ||
		init.SamplePeriodUs != 16700 ||
		init.NumCounters != 1 ||
		init.SamplesInMovingAvg != 17 ||
		uint32(init.SampleBuffer) != ps.sampleBuffer {
		t.Errorf("INIT command = %+v", init)
	}
	if init.CounterAlloc.Size != pmuif.SizePerfmonCounter {
		t.Errorf("INIT counter allocation size = %d, want %d", init.CounterAlloc.Size, pmuif.SizePerfmonCounter)
	}
	want := pmuif.PerfmonCounter{Index: 3, GroupID: pmuif.PMU_DOMAIN_GROUP_PSTATE}
	if diff := cmp.Diff(want, g.Counter()); diff != "" {
		t.Errorf("counter seen by firmware (-want +got):\n%s", diff)
	}
	if got := g.Reg(nvgpu.PmuIdleMask(idleCounterPerfmon)); got != nvgpu.PWR_PMU_IDLE_MASK_GR_ENABLED|nvgpu.PWR_PMU_IDLE_MASK_CE_2_ENABLED {
		t.Errorf("perfmon idle mask = %#x", got)
	}

	// Only the sample buffer stays allocated.
	if got, want := p.DMEMAvailable(), avail-32; got != want {
		t.Errorf("DMEMAvailable() = %#x, want %#x", got, want)
	}
	// A second INIT reuses the sample buffer.
	buf := ps.sampleBuffer
	if err := p.InitPerfmon(); err != nil {
		t.Fatalf("second InitPerfmon failed: %v", err)
	}
	if err := p.ProcessMessages(); err != nil {
		t.Fatalf("ProcessMessages failed: %v", err)
	}
	if ps.sampleBuffer != buf {
		t.Errorf("sample buffer moved from %#x to %#x", buf, ps.sampleBuffer)
	}
	p.DeinitializePerfmon()
	if got := p.DMEMAvailable(); got != avail {
		t.Errorf("DMEMAvailable() = %#x after DeinitializePerfmon, want %#x", got, avail)
	}
}

func TestPerfmonEvents(t *testing.T) {
	p, g := newTestPMU(t, testOpts{chip: "gm20b", serve: true, features: defaultFeatures()})
	if err := p.SetupPerfmon(); err != nil {
		t.Fatalf("SetupPerfmon failed: %v", err)
	}
	waitFor(t, "perfmon ready", p.PerfmonReady)

	p.SetSamplingEnabled(true)
	if !p.SamplingEnabled() {
		t.Fatalf("sampling not enabled")
	}
	if err := p.StartSampling(); err != nil {
		t.Fatalf("StartSampling failed: %v", err)
	}
	waitFor(t, "sampling", g.Sampling)
	want := pmuif.PerfmonCounter{
		Index:          3,
		GroupID:        pmuif.PMU_DOMAIN_GROUP_PSTATE,
		Valid:          1,
		UpperThreshold: 3000,
		LowerThreshold: 1000,
	}
	if diff := cmp.Diff(want, g.Counter()); diff != "" {
		t.Errorf("counter seen by firmware (-want +got):\n%s", diff)
	}
	increases := perfmonEvents.Value("increase")

	// Each threshold event re-arms sampling.
	g.RaisePerfmonEvent(pmuif.PMU_PERFMON_MSG_ID_INCREASE_EVENT, 40)
	waitFor(t, "first event", func() bool { return p.EventsCount() == 1 })
	waitFor(t, "restart", func() bool { return countCommands(g, pmuif.PMU_PERFMON_CMD_ID_START) == 2 })

	g.RaisePerfmonEvent(pmuif.PMU_PERFMON_MSG_ID_DECREASE_EVENT, 5)
	waitFor(t, "second event", func() bool { return p.EventsCount() == 2 })
	waitFor(t, "restart", func() bool { return countCommands(g, pmuif.PMU_PERFMON_CMD_ID_START) == 3 })

	if got := perfmonEvents.Value("increase") - increases; got != 1 {
		t.Errorf("increase events metric grew by %d, want 1", got)
	}

	p.SetSamplingEnabled(false)
	if err := p.StopSampling(); err != nil {
		t.Fatalf("StopSampling failed: %v", err)
	}
	waitFor(t, "sampling stopped", func() bool { return !g.Sampling() })

	g.RaisePerfmonEvent(pmuif.PMU_PERFMON_MSG_ID_INCREASE_EVENT, 40)
	waitFor(t, "third event", func() bool { return p.EventsCount() == 3 })
	if n := countCommands(g, pmuif.PMU_PERFMON_CMD_ID_START); n != 3 {
		t.Errorf("firmware received %d START commands, want 3", n)
	}
	if g.Sampling() {
		t.Errorf("event restarted sampling while disabled")
	}
}

func TestHandlePerfmonEventUnknownType(t *testing.T) {
	p, g := newTestPMU(t, testOpts{chip: "gm20b", features: defaultFeatures()})
	p.InitializePerfmon()
	if err := p.HandlePerfmonEvent(&pmuif.PerfmonMsg{MsgType: 0x7f}); err != nil {
		t.Errorf("HandlePerfmonEvent returned %v", err)
	}
	if got := p.EventsCount(); got != 0 {
		t.Errorf("EventsCount() = %d, want 0", got)
	}
	if p.PerfmonReady() {
		t.Errorf("unknown event made perfmon ready")
	}
	if n := len(g.Commands()); n != 0 {
		t.Errorf("firmware received %d commands, want 0", n)
	}
}

func TestPerfmonRPCEvents(t *testing.T) {
	p, g := newTestPMU(t, testOpts{chip: "gv11b", serve: true, features: defaultFeatures()})
	if err := p.SetupPerfmon(); err != nil {
		t.Fatalf("SetupPerfmon failed: %v", err)
	}
	// The INIT reply is handled before RPCExecute returns.
	if !p.PerfmonReady() {
		t.Fatalf("perfmon not ready after INIT RPC")
	}

	p.SetSamplingEnabled(true)
	if err := p.StartSampling(); err != nil {
		t.Fatalf("StartSampling failed: %v", err)
	}
	if !g.Sampling() {
		t.Fatalf("firmware not sampling after START RPC")
	}
	c := g.Counter()
	if c.UpperThreshold != 3000 || c.LowerThreshold != 1000 {
		t.Errorf("firmware thresholds = %d/%d, want 3000/1000", c.UpperThreshold, c.LowerThreshold)
	}

	g.RaisePerfmonEvent(pmuif.PMU_PERFMON_MSG_ID_INCREASE_EVENT, 40)
	waitFor(t, "event", func() bool { return p.EventsCount() == 1 })
	// INIT, START and the restart.
	waitFor(t, "restart", func() bool { return len(g.Commands()) == 3 })
	waitFor(t, "restart reply", func() bool { return p.OutstandingCommands() == 0 })

	if err := p.StopSampling(); err != nil {
		t.Fatalf("StopSampling failed: %v", err)
	}
	if g.Sampling() {
		t.Errorf("firmware sampling after STOP RPC")
	}
}
