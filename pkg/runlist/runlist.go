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

// Package runlist submits runlists to the GPU's host FIFO.
//
// A runlist is the list of channels and TSGs an engine schedules. Each
// runlist has two buffers: the host builds the next list in the inactive
// buffer, points the hardware at it and waits for the hardware to pick it
// up, after which that buffer becomes the active one.
package runlist

import (
	"fmt"
	"sync"

	"gpuctl.dev/gpuctl/pkg/abi/nvgpu"
	"gpuctl.dev/gpuctl/pkg/abi/pmuif"
	"gpuctl.dev/gpuctl/pkg/errors/gpuerr"
	"gpuctl.dev/gpuctl/pkg/gpu"
	"gpuctl.dev/gpuctl/pkg/hal"
	"gpuctl.dev/gpuctl/pkg/log"
	"gpuctl.dev/gpuctl/pkg/metric"
	"gpuctl.dev/gpuctl/pkg/timeout"
)

var (
	submits = metric.MustCreateNewUint64Metric(
		"/runlist/submits",
		"Runlists submitted to hardware, by register layout.",
		metric.NewField("layout", []string{hal.RunlistShared.String(), hal.RunlistPerID.String()}))
	waitTimeouts = metric.MustCreateNewUint64Metric(
		"/runlist/wait_timeouts",
		"Runlist submissions the hardware did not pick up within the GR idle timeout.")
)

// Arbiter serializes runlist updates with the PMU firmware, which also
// reprograms runlists.
type Arbiter interface {
	MutexAcquire(id uint32) (uint32, error)
	MutexRelease(id, token uint32) error
}

// Runlist is one hardware runlist.
type Runlist struct {
	// ID is the hardware runlist id.
	ID uint32
	// Mem holds the two runlist buffers.
	Mem [2]*gpu.Mem

	// mu serializes updates.
	mu     sync.Mutex
	count  uint32
	active int
}

// Active returns the index of the buffer the hardware is using.
func (r *Runlist) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Count returns the number of entries in the active buffer.
func (r *Runlist) Count() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Submitter owns the runlists of a device.
type Submitter struct {
	dev *gpu.Device
	arb Arbiter

	mu       sync.Mutex
	runlists map[uint32]*Runlist
}

// New returns a Submitter for dev. arb may be nil if no firmware shares the
// runlists.
func New(dev *gpu.Device, arb Arbiter) *Submitter {
	return &Submitter{
		dev:      dev,
		arb:      arb,
		runlists: make(map[uint32]*Runlist),
	}
}

// Add registers runlist id with its two buffers.
func (s *Submitter) Add(id uint32, mem [2]*gpu.Mem) (*Runlist, error) {
	if id >= s.dev.HAL.RunlistCountMax {
		return nil, fmt.Errorf("runlist %d of %d: %w", id, s.dev.HAL.RunlistCountMax, gpuerr.ErrInvalidRunlist)
	}
	for i, m := range mem {
		if m == nil {
			return nil, fmt.Errorf("runlist %d buffer %d missing: %w", id, i, gpuerr.ErrInvalidRunlist)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runlists[id]; ok {
		return nil, fmt.Errorf("runlist %d already added: %w", id, gpuerr.ErrInvalidRunlist)
	}
	r := &Runlist{ID: id, Mem: mem}
	s.runlists[id] = r
	return r, nil
}

// Runlist returns runlist id.
func (s *Submitter) Runlist(id uint32) (*Runlist, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runlists[id]
	if !ok {
		return nil, fmt.Errorf("runlist %d: %w", id, gpuerr.ErrInvalidRunlist)
	}
	return r, nil
}

// HWSubmit points the hardware at buffer bufIndex of runlist id and submits
// count entries. With count 0 the base registers are left alone and the
// runlist is emptied.
func (s *Submitter) HWSubmit(id, count uint32, bufIndex int) error {
	r, err := s.Runlist(id)
	if err != nil {
		return err
	}
	if bufIndex < 0 || bufIndex >= len(r.Mem) {
		return fmt.Errorf("runlist %d buffer %d: %w", id, bufIndex, gpuerr.ErrInvalidRunlist)
	}
	mem := r.Mem[bufIndex]
	layout := s.dev.HAL.Runlist

	switch layout {
	case hal.RunlistShared:
		if count != 0 {
			target, err := s.dev.ApertureMask(mem,
				nvgpu.FIFO_RUNLIST_BASE_TARGET_SYS_MEM_NCOH,
				nvgpu.FIFO_RUNLIST_BASE_TARGET_SYS_MEM_COH,
				nvgpu.FIFO_RUNLIST_BASE_TARGET_VID_MEM)
			if err != nil {
				return fmt.Errorf("submitting runlist %d: %w", id, err)
			}
			s.dev.Write32(nvgpu.FIFO_RUNLIST_BASE, nvgpu.FifoRunlistBasePtr(mem.Addr)|target)
		}
		s.dev.Write32(nvgpu.FIFO_RUNLIST, nvgpu.FifoRunlistEngine(id)|nvgpu.FifoRunlistLength(count))
	case hal.RunlistPerID:
		if count != 0 {
			target, err := s.dev.ApertureMask(mem,
				nvgpu.FIFO_RUNLIST_BASE_LO_TARGET_SYS_MEM_NCOH,
				nvgpu.FIFO_RUNLIST_BASE_LO_TARGET_SYS_MEM_COH,
				nvgpu.FIFO_RUNLIST_BASE_LO_TARGET_VID_MEM)
			if err != nil {
				return fmt.Errorf("submitting runlist %d: %w", id, err)
			}
			s.dev.Write32(nvgpu.FifoRunlistBaseLo(id), nvgpu.FifoRunlistBaseLoPtr(mem.Addr)|target)
			s.dev.Write32(nvgpu.FifoRunlistBaseHi(id), nvgpu.FifoRunlistBaseHiPtr(mem.Addr))
		}
		s.dev.Write32(nvgpu.FifoRunlistSubmit(id), nvgpu.FifoRunlistSubmitLength(count))
	default:
		return fmt.Errorf("runlist layout %v: %w", layout, gpuerr.ErrNoDevice)
	}
	submits.Increment(layout.String())
	log.Debugf("runlist %d: submitted %d entries from buffer %d", id, count, bufIndex)
	return nil
}

// pending reports whether the hardware is still loading runlist id.
func (s *Submitter) pending(id uint32) bool {
	if s.dev.HAL.Runlist == hal.RunlistPerID {
		return s.dev.Read32(nvgpu.FifoRunlistSubmitInfo(id))&nvgpu.FIFO_RUNLIST_SUBMIT_INFO_PENDING_TRUE != 0
	}
	return s.dev.Read32(nvgpu.FifoEngRunlist(id))&nvgpu.FIFO_ENG_RUNLIST_PENDING_TRUE != 0
}

// WaitPending waits for the hardware to finish loading runlist id, for at
// most the GR idle timeout.
func (s *Submitter) WaitPending(id uint32) error {
	if _, err := s.Runlist(id); err != nil {
		return err
	}
	err := timeout.Poll(s.dev.Clock(), s.dev.GRIdleTimeout(), timeout.DefaultDelay, timeout.MaxDelay, func() (bool, error) {
		return !s.pending(id), nil
	})
	if err != nil {
		waitTimeouts.Increment()
		return fmt.Errorf("runlist %d still pending after %v: %w", id, s.dev.GRIdleTimeout(), err)
	}
	return nil
}

// Update writes entries to the inactive buffer of runlist id, submits it
// and waits for the hardware to load it. The buffers are only swapped once
// the hardware has the new list; on failure the active buffer is unchanged.
func (s *Submitter) Update(id uint32, entries []Entry) error {
	r, err := s.Runlist(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	next := 1 - r.active
	count, err := Encode(s.dev.HAL, entries, r.Mem[next].Data)
	if err != nil {
		return fmt.Errorf("updating runlist %d: %w", id, err)
	}

	if s.arb != nil {
		// Without the mutex the update still goes ahead, as the firmware
		// only delays its own runlist work while it holds it.
		token, err := s.arb.MutexAcquire(pmuif.PMU_MUTEX_ID_FIFO)
		if err != nil {
			log.Debugf("runlist %d: updating without FIFO mutex: %v", id, err)
		} else {
			defer func() {
				if err := s.arb.MutexRelease(pmuif.PMU_MUTEX_ID_FIFO, token); err != nil {
					log.Warningf("runlist %d: releasing FIFO mutex: %v", id, err)
				}
			}()
		}
	}

	if err := s.HWSubmit(id, count, next); err != nil {
		return err
	}
	if err := s.WaitPending(id); err != nil {
		return err
	}
	r.active = next
	r.count = count
	return nil
}
