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
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gpuctl.dev/gpuctl/pkg/abi/nvgpu"
	"gpuctl.dev/gpuctl/pkg/abi/pmuif"
	"gpuctl.dev/gpuctl/pkg/errors/gpuerr"
	"gpuctl.dev/gpuctl/pkg/gpu"
	"gpuctl.dev/gpuctl/pkg/sim"
)

// rawBody is a command body of arbitrary bytes.
type rawBody []byte

func (b rawBody) SizeBytes() int                   { return len(b) }
func (b rawBody) MarshalBytes(dst []byte) []byte   { return dst[copy(dst, b):] }
func (b rawBody) UnmarshalBytes(src []byte) []byte { return src[copy(b, src):] }

type testOpts struct {
	chip     string
	serve    bool
	noBoot   bool
	features []gpu.Feature
	poll     time.Duration
}

func defaultFeatures() []gpu.Feature {
	return []gpu.Feature{gpu.PMUPerfmon, gpu.TimeoutsEnabled}
}

// newTestPMU returns a PMU attached to a simulated GPU whose firmware has
// booted. With serve set, interrupts are serviced by Serve until the test
// ends; otherwise the test calls ProcessMessages itself.
func newTestPMU(t *testing.T, o testOpts) (*PMU, *sim.GPU) {
	t.Helper()
	g, err := sim.New(sim.Options{Chip: o.chip})
	if err != nil {
		t.Fatalf("sim.New failed: %v", err)
	}
	if o.poll == 0 {
		o.poll = 5 * time.Second
	}
	dev, err := gpu.New(gpu.Options{
		Regs:        g,
		Interrupts:  g.Interrupts(),
		Power:       g,
		Features:    o.features,
		PollTimeout: o.poll,
	})
	if err != nil {
		t.Fatalf("gpu.New failed: %v", err)
	}
	p := New(dev)
	if o.serve {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			p.Serve(ctx)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}
	if o.noBoot {
		return p, g
	}
	g.Boot()
	if o.serve {
		if err := p.WaitReady(context.Background()); err != nil {
			t.Fatalf("WaitReady failed: %v", err)
		}
	} else if err := p.ProcessMessages(); err != nil {
		t.Fatalf("ProcessMessages failed: %v", err)
	}
	if !p.Ready() {
		t.Fatalf("PMU not ready after boot")
	}
	return p, g
}

// waitFor polls cond until it holds or a generous deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestQueueClassification(t *testing.T) {
	for _, tc := range []struct {
		id      uint32
		command bool
		sw      bool
		message bool
		class   LockClass
	}{
		{pmuif.PMU_COMMAND_QUEUE_HPQ, true, true, false, LockSoftware},
		{pmuif.PMU_COMMAND_QUEUE_LPQ, true, true, false, LockSoftware},
		{pmuif.PMU_COMMAND_QUEUE_BIOS, true, false, false, LockHardware},
		{pmuif.PMU_COMMAND_QUEUE_SMI, true, false, false, LockHardware},
		{pmuif.PMU_MESSAGE_QUEUE, false, false, true, LockNone},
	} {
		if got := IsCommandQueue(tc.id); got != tc.command {
			t.Errorf("IsCommandQueue(%d) = %t, want %t", tc.id, got, tc.command)
		}
		if got := IsSWCommandQueue(tc.id); got != tc.sw {
			t.Errorf("IsSWCommandQueue(%d) = %t, want %t", tc.id, got, tc.sw)
		}
		if got := IsMessageQueue(tc.id); got != tc.message {
			t.Errorf("IsMessageQueue(%d) = %t, want %t", tc.id, got, tc.message)
		}
		if got := QueueLockClass(tc.id); got != tc.class {
			t.Errorf("QueueLockClass(%d) = %d, want %d", tc.id, got, tc.class)
		}
	}
}

func TestInitMessage(t *testing.T) {
	p, _ := newTestPMU(t, testOpts{features: defaultFeatures()})

	type layout struct {
		Index, Offset, Size uint32
	}
	var got []layout
	for _, q := range p.queues {
		got = append(got, layout{q.index, q.offset, q.size})
	}
	// Layout published by the simulated firmware.
	want := []layout{
		{0, 0x800, 0x200},
		{1, 0xa00, 0x200},
		{2, 0xc00, 0x200},
		{3, 0xe00, 0x200},
		{4, 0x1000, 0x400},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("queues (-want +got):\n%s", diff)
	}
	if got, want := p.DMEMAvailable(), uint32(0x2000); got != want {
		t.Errorf("DMEMAvailable() = %#x, want %#x", got, want)
	}
}

func TestWaitReadyTimeout(t *testing.T) {
	p, _ := newTestPMU(t, testOpts{noBoot: true, poll: 10 * time.Millisecond})
	if err := p.WaitReady(context.Background()); !errors.Is(err, gpuerr.ErrTimeout) {
		t.Errorf("WaitReady returned %v, want %v", err, gpuerr.ErrTimeout)
	}
}

func TestInitMessageWrongUnit(t *testing.T) {
	p, g := newTestPMU(t, testOpts{noBoot: true})
	g.PostRawMessage(pmuif.PMUHdr{UnitID: pmuif.PMU_UNIT_PG, Size: 8}, make([]byte, 4))
	if err := p.ProcessMessages(); !errors.Is(err, gpuerr.ErrQueueCorrupt) {
		t.Errorf("ProcessMessages returned %v, want %v", err, gpuerr.ErrQueueCorrupt)
	}
	if p.Ready() {
		t.Errorf("PMU ready after non-INIT message")
	}
}

func TestCmdPostNotReady(t *testing.T) {
	p, g := newTestPMU(t, testOpts{noBoot: true})
	cmd := &Cmd{Hdr: pmuif.PMUHdr{UnitID: pmuif.PMU_UNIT_PG}, Body: rawBody{0, 1, 2, 3}}
	if _, err := p.CmdPost(cmd, nil, pmuif.PMU_COMMAND_QUEUE_HPQ, nil); !errors.Is(err, gpuerr.ErrNotReady) {
		t.Errorf("CmdPost returned %v, want %v", err, gpuerr.ErrNotReady)
	}
	if n := len(g.Commands()); n != 0 {
		t.Errorf("firmware received %d commands, want 0", n)
	}
}

func TestCmdPostValidation(t *testing.T) {
	p, g := newTestPMU(t, testOpts{})
	body := func() rawBody { return make(rawBody, 12) }
	for _, tc := range []struct {
		name    string
		unit    uint8
		body    rawBody
		payload *Payload
		queue   uint32
		want    error
	}{
		{"BIOS queue", pmuif.PMU_UNIT_PG, body(), nil, pmuif.PMU_COMMAND_QUEUE_BIOS, gpuerr.ErrInvalidQueue},
		{"SMI queue", pmuif.PMU_UNIT_PG, body(), nil, pmuif.PMU_COMMAND_QUEUE_SMI, gpuerr.ErrInvalidQueue},
		{"message queue", pmuif.PMU_UNIT_PG, body(), nil, pmuif.PMU_MESSAGE_QUEUE, gpuerr.ErrInvalidQueue},
		{"unknown queue", pmuif.PMU_UNIT_PG, body(), nil, 9, gpuerr.ErrInvalidQueue},
		{"invalid unit", pmuif.PMU_UNIT_INVALID, body(), nil, pmuif.PMU_COMMAND_QUEUE_LPQ, gpuerr.ErrInvalidUnit},
		{"unit past end", pmuif.PMU_UNIT_END, body(), nil, pmuif.PMU_COMMAND_QUEUE_LPQ, gpuerr.ErrInvalidUnit},
		{"rewind unit", pmuif.PMU_UNIT_REWIND, body(), nil, pmuif.PMU_COMMAND_QUEUE_LPQ, gpuerr.ErrInvalidUnit},
		{"size overflow", pmuif.PMU_UNIT_PG, make(rawBody, 252), nil, pmuif.PMU_COMMAND_QUEUE_LPQ, gpuerr.ErrSizeOverflow},
		{"empty payload", pmuif.PMU_UNIT_PG, body(), &Payload{}, pmuif.PMU_COMMAND_QUEUE_LPQ, gpuerr.ErrInvalidPayload},
		{"zero size input", pmuif.PMU_UNIT_PG, body(), &Payload{In: PayloadBuf{Buf: []byte{}}}, pmuif.PMU_COMMAND_QUEUE_LPQ, gpuerr.ErrInvalidPayload},
		{"offset without buffer", pmuif.PMU_UNIT_PG, body(), &Payload{In: PayloadBuf{Buf: []byte{1}}, Out: PayloadBuf{Offset: 4}}, pmuif.PMU_COMMAND_QUEUE_LPQ, gpuerr.ErrInvalidPayload},
		{"allocation outside body", pmuif.PMU_UNIT_PG, body(), &Payload{In: PayloadBuf{Buf: []byte{1}, Offset: 8}}, pmuif.PMU_COMMAND_QUEUE_LPQ, gpuerr.ErrInvalidPayload},
		{"short RPC", pmuif.PMU_UNIT_PG, body(), &Payload{RPC: make([]byte, 4)}, pmuif.PMU_COMMAND_QUEUE_LPQ, gpuerr.ErrInvalidPayload},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cmd := &Cmd{Hdr: pmuif.PMUHdr{UnitID: tc.unit}, Body: tc.body}
			if _, err := p.CmdPost(cmd, tc.payload, tc.queue, nil); !errors.Is(err, tc.want) {
				t.Errorf("CmdPost returned %v, want %v", err, tc.want)
			}
		})
	}
	if n := len(g.Commands()); n != 0 {
		t.Errorf("firmware received %d commands, want 0", n)
	}
	if n := p.OutstandingCommands(); n != 0 {
		t.Errorf("OutstandingCommands() = %d, want 0", n)
	}
	if got, want := p.DMEMAvailable(), uint32(0x2000); got != want {
		t.Errorf("DMEMAvailable() = %#x, want %#x", got, want)
	}
}

func TestCmdPostResponse(t *testing.T) {
	p, g := newTestPMU(t, testOpts{})
	var got []pmuif.PMUHdr
	cb := func(msg *Msg, err error) {
		if err != nil {
			t.Errorf("callback error: %v", err)
		}
		got = append(got, msg.Hdr)
	}
	var want []pmuif.PMUHdr
	for i, queue := range []uint32{pmuif.PMU_COMMAND_QUEUE_HPQ, pmuif.PMU_COMMAND_QUEUE_LPQ, pmuif.PMU_COMMAND_QUEUE_HPQ} {
		cmd := &Cmd{Hdr: pmuif.PMUHdr{UnitID: pmuif.PMU_UNIT_PG}, Body: rawBody{byte(i), 1, 2, 3}}
		seq, err := p.CmdPost(cmd, nil, queue, cb)
		if err != nil {
			t.Fatalf("CmdPost failed: %v", err)
		}
		if seq != uint8(i) {
			t.Errorf("CmdPost returned sequence %d, want %d", seq, i)
		}
		want = append(want, pmuif.PMUHdr{UnitID: pmuif.PMU_UNIT_PG, Size: 8, SeqID: seq})
	}
	if n := p.OutstandingCommands(); n != 3 {
		t.Errorf("OutstandingCommands() = %d, want 3", n)
	}

	var sent []pmuif.PMUHdr
	for _, c := range g.Commands() {
		sent = append(sent, c.Hdr)
	}
	wantSent := []pmuif.PMUHdr{
		{UnitID: pmuif.PMU_UNIT_PG, Size: 8, CtrlFlags: pmuif.PMU_CMD_FLAGS_STATUS | pmuif.PMU_CMD_FLAGS_INTR, SeqID: 0},
		{UnitID: pmuif.PMU_UNIT_PG, Size: 8, CtrlFlags: pmuif.PMU_CMD_FLAGS_STATUS | pmuif.PMU_CMD_FLAGS_INTR, SeqID: 1},
		{UnitID: pmuif.PMU_UNIT_PG, Size: 8, CtrlFlags: pmuif.PMU_CMD_FLAGS_STATUS | pmuif.PMU_CMD_FLAGS_INTR, SeqID: 2},
	}
	if diff := cmp.Diff(wantSent, sent); diff != "" {
		t.Errorf("commands received by firmware (-want +got):\n%s", diff)
	}

	if err := p.ProcessMessages(); err != nil {
		t.Fatalf("ProcessMessages failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("responses (-want +got):\n%s", diff)
	}
	if n := p.OutstandingCommands(); n != 0 {
		t.Errorf("OutstandingCommands() = %d, want 0", n)
	}
}

func TestCmdPostPayload(t *testing.T) {
	p, g := newTestPMU(t, testOpts{})
	avail := p.DMEMAvailable()

	buf := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	payload := &Payload{
		In:  PayloadBuf{Buf: buf, Offset: 4},
		Out: PayloadBuf{Buf: buf, Offset: 4},
	}
	called := false
	cmd := &Cmd{Hdr: pmuif.PMUHdr{UnitID: pmuif.PMU_UNIT_PG}, Body: make(rawBody, 12)}
	if _, err := p.CmdPost(cmd, payload, pmuif.PMU_COMMAND_QUEUE_LPQ, func(msg *Msg, err error) {
		called = true
		if err != nil {
			t.Errorf("callback error: %v", err)
		}
	}); err != nil {
		t.Fatalf("CmdPost failed: %v", err)
	}

	cmds := g.Commands()
	if len(cmds) != 1 {
		t.Fatalf("firmware received %d commands, want 1", len(cmds))
	}
	var a pmuif.Allocation
	a.UnmarshalBytes(cmds[0].Body[4:])
	if a.Size != 8 {
		t.Errorf("allocation size = %d, want 8", a.Size)
	}
	if diff := cmp.Diff([]byte{1, 2, 3, 4, 5, 6, 7, 8}, g.DMEM(a.Offset, 8)); diff != "" {
		t.Errorf("staged input (-want +got):\n%s", diff)
	}

	// The firmware overwrites the shared buffer before replying.
	g.SetDMEM(a.Offset, []byte{9, 9, 9, 9, 8, 8, 8, 8})
	if err := p.ProcessMessages(); err != nil {
		t.Fatalf("ProcessMessages failed: %v", err)
	}
	if !called {
		t.Fatalf("callback not called")
	}
	if diff := cmp.Diff([]byte{9, 9, 9, 9, 8, 8, 8, 8}, buf); diff != "" {
		t.Errorf("output payload (-want +got):\n%s", diff)
	}
	if got := p.DMEMAvailable(); got != avail {
		t.Errorf("DMEMAvailable() = %#x after response, want %#x", got, avail)
	}
}

func TestQueueRewind(t *testing.T) {
	p, g := newTestPMU(t, testOpts{})
	const n = 300
	got := 0
	cb := func(msg *Msg, err error) {
		if err != nil {
			t.Errorf("callback error: %v", err)
		}
		got++
	}
	for i := 0; i < n; i++ {
		cmd := &Cmd{Hdr: pmuif.PMUHdr{UnitID: pmuif.PMU_UNIT_PG}, Body: make(rawBody, 60)}
		if _, err := p.CmdPost(cmd, nil, pmuif.PMU_COMMAND_QUEUE_LPQ, cb); err != nil {
			t.Fatalf("CmdPost %d failed: %v", i, err)
		}
		if err := p.ProcessMessages(); err != nil {
			t.Fatalf("ProcessMessages %d failed: %v", i, err)
		}
	}
	if got != n {
		t.Errorf("got %d responses, want %d", got, n)
	}
	if cmds := g.Commands(); len(cmds) != n {
		t.Errorf("firmware received %d commands, want %d", len(cmds), n)
	}
	if d := g.Dropped(); d != 0 {
		t.Errorf("firmware dropped %d messages", d)
	}
	lpq := p.queues[pmuif.PMU_COMMAND_QUEUE_LPQ]
	if head := g.Reg(nvgpu.PmuQueueHead(lpq.index)); head < lpq.offset || head >= lpq.offset+lpq.size {
		t.Errorf("LPQ head %#x outside [%#x, %#x)", head, lpq.offset, lpq.offset+lpq.size)
	}
}

func TestInvalidUnitMessageSkipped(t *testing.T) {
	p, g := newTestPMU(t, testOpts{})
	g.PostRawMessage(pmuif.PMUHdr{UnitID: pmuif.PMU_UNIT_END, Size: 8}, make([]byte, 4))
	called := false
	cmd := &Cmd{Hdr: pmuif.PMUHdr{UnitID: pmuif.PMU_UNIT_PG}, Body: make(rawBody, 4)}
	if _, err := p.CmdPost(cmd, nil, pmuif.PMU_COMMAND_QUEUE_HPQ, func(*Msg, error) { called = true }); err != nil {
		t.Fatalf("CmdPost failed: %v", err)
	}
	if err := p.ProcessMessages(); err != nil {
		t.Fatalf("ProcessMessages failed: %v", err)
	}
	if !called {
		t.Errorf("response after invalid message not delivered")
	}
}

func TestCorruptMessageQueue(t *testing.T) {
	p, g := newTestPMU(t, testOpts{})
	g.PostRawMessage(pmuif.PMUHdr{UnitID: pmuif.PMU_UNIT_PG, Size: 2}, nil)
	if err := p.ProcessMessages(); !errors.Is(err, gpuerr.ErrQueueCorrupt) {
		t.Errorf("ProcessMessages returned %v, want %v", err, gpuerr.ErrQueueCorrupt)
	}
	// The queue is usable again.
	called := false
	cmd := &Cmd{Hdr: pmuif.PMUHdr{UnitID: pmuif.PMU_UNIT_PG}, Body: make(rawBody, 4)}
	if _, err := p.CmdPost(cmd, nil, pmuif.PMU_COMMAND_QUEUE_HPQ, func(*Msg, error) { called = true }); err != nil {
		t.Fatalf("CmdPost failed: %v", err)
	}
	if err := p.ProcessMessages(); err != nil {
		t.Fatalf("ProcessMessages failed: %v", err)
	}
	if !called {
		t.Errorf("response after reset not delivered")
	}
}

func TestServe(t *testing.T) {
	p, _ := newTestPMU(t, testOpts{serve: true})
	done := make(chan uint8, 1)
	cmd := &Cmd{Hdr: pmuif.PMUHdr{UnitID: pmuif.PMU_UNIT_PG}, Body: make(rawBody, 4)}
	seq, err := p.CmdPost(cmd, nil, pmuif.PMU_COMMAND_QUEUE_HPQ, func(msg *Msg, err error) { done <- msg.Hdr.SeqID })
	if err != nil {
		t.Fatalf("CmdPost failed: %v", err)
	}
	select {
	case got := <-done:
		if got != seq {
			t.Errorf("response sequence %d, want %d", got, seq)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no response")
	}
}

func TestCmdPostConcurrent(t *testing.T) {
	p, g := newTestPMU(t, testOpts{serve: true})
	const (
		workers = 8
		posts   = 40
	)
	var fired [workers][posts]atomic.Int32
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			queue := uint32(pmuif.PMU_COMMAND_QUEUE_HPQ)
			if w%2 == 1 {
				queue = pmuif.PMU_COMMAND_QUEUE_LPQ
			}
			for i := 0; i < posts; i++ {
				done := make(chan struct{})
				cmd := &Cmd{Hdr: pmuif.PMUHdr{UnitID: pmuif.PMU_UNIT_PG}, Body: rawBody{byte(w), byte(i), 0xa5, 0x5a}}
				_, err := p.CmdPost(cmd, nil, queue, func(msg *Msg, err error) {
					if err != nil {
						t.Errorf("worker %d post %d: callback error: %v", w, i, err)
					}
					if fired[w][i].Add(1) == 1 {
						close(done)
					}
				})
				if err != nil {
					t.Errorf("worker %d post %d: CmdPost failed: %v", w, i, err)
					return
				}
				select {
				case <-done:
				case <-time.After(5 * time.Second):
					t.Errorf("worker %d post %d: no response", w, i)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	waitFor(t, "outstanding commands", func() bool { return p.OutstandingCommands() == 0 })

	for w := range fired {
		for i := range fired[w] {
			if n := fired[w][i].Load(); n != 1 {
				t.Errorf("worker %d post %d: callback fired %d times, want 1", w, i, n)
			}
		}
	}

	want := make(map[[2]byte]int)
	for w := 0; w < workers; w++ {
		for i := 0; i < posts; i++ {
			want[[2]byte{byte(w), byte(i)}] = 1
		}
	}
	got := make(map[[2]byte]int)
	for _, c := range g.Commands() {
		if c.Hdr.UnitID != pmuif.PMU_UNIT_PG || c.Hdr.Size != 8 || len(c.Body) != 4 || c.Body[2] != 0xa5 || c.Body[3] != 0x5a {
			t.Errorf("malformed command: hdr %+v body %v", c.Hdr, c.Body)
			continue
		}
		got[[2]byte{c.Body[0], c.Body[1]}]++
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("commands received by firmware (-want +got):\n%s", diff)
	}
	if d := g.Dropped(); d != 0 {
		t.Errorf("firmware dropped %d messages", d)
	}
}

func TestProcessMessagesConcurrent(t *testing.T) {
	p, g := newTestPMU(t, testOpts{})
	const n = 32
	var fired [n]atomic.Int32
	for i := 0; i < n; i++ {
		i := i
		queue := uint32(pmuif.PMU_COMMAND_QUEUE_HPQ)
		if i%2 == 1 {
			queue = pmuif.PMU_COMMAND_QUEUE_LPQ
		}
		cmd := &Cmd{Hdr: pmuif.PMUHdr{UnitID: pmuif.PMU_UNIT_PG}, Body: rawBody{byte(i), 0, 0, 0}}
		if _, err := p.CmdPost(cmd, nil, queue, func(msg *Msg, err error) {
			if err != nil {
				t.Errorf("post %d: callback error: %v", i, err)
			}
			fired[i].Add(1)
		}); err != nil {
			t.Fatalf("CmdPost %d failed: %v", i, err)
		}
	}

	var wg sync.WaitGroup
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.ProcessMessages(); err != nil {
				t.Errorf("ProcessMessages failed: %v", err)
			}
		}()
	}
	wg.Wait()

	var want, got [n]int32
	for i := range fired {
		want[i] = 1
		got[i] = fired[i].Load()
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("callbacks per command (-want +got):\n%s", diff)
	}
	if n := p.OutstandingCommands(); n != 0 {
		t.Errorf("OutstandingCommands() = %d, want 0", n)
	}
	if d := g.Dropped(); d != 0 {
		t.Errorf("firmware dropped %d messages", d)
	}
}

func TestMutex(t *testing.T) {
	p, g := newTestPMU(t, testOpts{})
	const id = pmuif.PMU_MUTEX_ID_FIFO

	token, err := p.MutexAcquire(id)
	if err != nil {
		t.Fatalf("MutexAcquire failed: %v", err)
	}
	if got := g.Reg(nvgpu.PmuMutex(id)); got != token {
		t.Errorf("mutex register = %#x, want token %#x", got, token)
	}
	nested, err := p.MutexAcquire(id)
	if err != nil {
		t.Fatalf("nested MutexAcquire failed: %v", err)
	}
	if nested != token {
		t.Errorf("nested MutexAcquire returned %#x, want %#x", nested, token)
	}
	if err := p.MutexRelease(id, token); err != nil {
		t.Fatalf("MutexRelease failed: %v", err)
	}
	if got := g.Reg(nvgpu.PmuMutex(id)); got != token {
		t.Errorf("mutex register = %#x after first release, want %#x", got, token)
	}
	if err := p.MutexRelease(id, token); err != nil {
		t.Fatalf("MutexRelease failed: %v", err)
	}
	if got := g.Reg(nvgpu.PmuMutex(id)); got != 0 {
		t.Errorf("mutex register = %#x after last release, want 0", got)
	}
	if err := p.MutexRelease(id, token); !errors.Is(err, gpuerr.ErrInvalidMutex) {
		t.Errorf("extra MutexRelease returned %v, want %v", err, gpuerr.ErrInvalidMutex)
	}
	if _, err := p.MutexAcquire(nvgpu.PWR_PMU_MUTEX__SIZE); !errors.Is(err, gpuerr.ErrInvalidMutex) {
		t.Errorf("MutexAcquire of bad id returned %v, want %v", err, gpuerr.ErrInvalidMutex)
	}
}

func TestMutexHeldByFirmware(t *testing.T) {
	p, g := newTestPMU(t, testOpts{})
	g.HoldMutex(pmuif.PMU_MUTEX_ID_GR, 0x42)
	if _, err := p.MutexAcquire(pmuif.PMU_MUTEX_ID_GR); !errors.Is(err, gpuerr.ErrBusy) {
		t.Errorf("MutexAcquire returned %v, want %v", err, gpuerr.ErrBusy)
	}
	if got := g.Reg(nvgpu.PmuMutex(pmuif.PMU_MUTEX_ID_GR)); got != 0x42 {
		t.Errorf("mutex register = %#x, want 0x42", got)
	}
}

func TestHardwareQueueLock(t *testing.T) {
	p, g := newTestPMU(t, testOpts{})
	unlock, err := p.lockQueue(p.queues[pmuif.PMU_COMMAND_QUEUE_BIOS])
	if err != nil {
		t.Fatalf("lockQueue failed: %v", err)
	}
	if got := g.Reg(nvgpu.PmuMutex(pmuif.PMU_MUTEX_ID_QUEUE_BIOS)); got == 0 {
		t.Errorf("BIOS queue mutex not taken")
	}
	unlock()
	if got := g.Reg(nvgpu.PmuMutex(pmuif.PMU_MUTEX_ID_QUEUE_BIOS)); got != 0 {
		t.Errorf("BIOS queue mutex = %#x after unlock, want 0", got)
	}
}
