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
	"time"

	"gpuctl.dev/gpuctl/pkg/abi/nvgpu"
	"gpuctl.dev/gpuctl/pkg/abi/pmuif"
	"gpuctl.dev/gpuctl/pkg/errors/gpuerr"
	"gpuctl.dev/gpuctl/pkg/timeout"
)

// queueFullRetry is the delay between checks of a full command queue.
const queueFullRetry = time.Millisecond

// LockClass is the kind of lock that guards a queue.
type LockClass int

const (
	// LockNone is used by the message queue, which has a single consumer.
	LockNone LockClass = iota
	// LockSoftware is a host mutex, for queues only the host writes.
	LockSoftware
	// LockHardware is a PMU hardware mutex, for queues shared with
	// firmware.
	LockHardware
)

// IsCommandQueue reports whether id is one of the four command queues.
func IsCommandQueue(id uint32) bool {
	return id < pmuif.PMU_MESSAGE_QUEUE
}

// IsSWCommandQueue reports whether id is a command queue owned by the host
// and therefore a valid destination for CmdPost.
func IsSWCommandQueue(id uint32) bool {
	return id == pmuif.PMU_COMMAND_QUEUE_HPQ || id == pmuif.PMU_COMMAND_QUEUE_LPQ
}

// IsMessageQueue reports whether id is the message queue.
func IsMessageQueue(id uint32) bool {
	return id == pmuif.PMU_MESSAGE_QUEUE
}

// QueueLockClass returns the lock class of queue id.
func QueueLockClass(id uint32) LockClass {
	switch {
	case IsSWCommandQueue(id):
		return LockSoftware
	case IsCommandQueue(id):
		return LockHardware
	default:
		return LockNone
	}
}

// queueName returns the metric field value of a software queue.
func queueName(id uint32) string {
	if id == pmuif.PMU_COMMAND_QUEUE_HPQ {
		return "hpq"
	}
	return "lpq"
}

// queue is a ring buffer in DMEM.
type queue struct {
	id     uint32
	index  uint32
	offset uint32
	size   uint32

	// mu guards position for LockSoftware queues.
	mu sync.Mutex
	// hwMutex is the PMU mutex id guarding LockHardware queues.
	hwMutex uint32

	// position is the write pointer of a command queue or the read
	// pointer of the message queue while the queue is open.
	position uint32
}

func newQueue(id uint32, info *pmuif.QueueInfo) *queue {
	q := &queue{
		id:     id,
		index:  uint32(info.Index),
		offset: uint32(info.Offset),
		size:   uint32(info.Size),
	}
	switch id {
	case pmuif.PMU_COMMAND_QUEUE_BIOS:
		q.hwMutex = pmuif.PMU_MUTEX_ID_QUEUE_BIOS
	case pmuif.PMU_COMMAND_QUEUE_SMI:
		q.hwMutex = pmuif.PMU_MUTEX_ID_QUEUE_SMI
	}
	return q
}

func alignQueue(n uint32) uint32 {
	return (n + pmuif.QUEUE_ALIGNMENT - 1) &^ (pmuif.QUEUE_ALIGNMENT - 1)
}

func (p *PMU) queueHead(q *queue) uint32 {
	if IsMessageQueue(q.id) {
		return p.dev.Read32(nvgpu.PWR_PMU_MSGQ_HEAD)
	}
	return p.dev.Read32(nvgpu.PmuQueueHead(q.index))
}

func (p *PMU) setQueueHead(q *queue, v uint32) {
	if IsMessageQueue(q.id) {
		p.dev.Write32(nvgpu.PWR_PMU_MSGQ_HEAD, v)
		return
	}
	p.dev.Write32(nvgpu.PmuQueueHead(q.index), v)
}

func (p *PMU) queueTail(q *queue) uint32 {
	if IsMessageQueue(q.id) {
		return p.dev.Read32(nvgpu.PWR_PMU_MSGQ_TAIL)
	}
	return p.dev.Read32(nvgpu.PmuQueueTail(q.index))
}

func (p *PMU) setQueueTail(q *queue, v uint32) {
	if IsMessageQueue(q.id) {
		p.dev.Write32(nvgpu.PWR_PMU_MSGQ_TAIL, v)
		return
	}
	p.dev.Write32(nvgpu.PmuQueueTail(q.index), v)
}

// lockQueue takes the lock of q's class and returns the function that
// drops it.
func (p *PMU) lockQueue(q *queue) (func(), error) {
	switch QueueLockClass(q.id) {
	case LockSoftware:
		q.mu.Lock()
		return q.mu.Unlock, nil
	case LockHardware:
		token, err := p.MutexAcquire(q.hwMutex)
		if err != nil {
			return nil, fmt.Errorf("locking queue %d: %w", q.id, err)
		}
		return func() {
			if err := p.MutexRelease(q.hwMutex, token); err != nil {
				panic(fmt.Sprintf("releasing lock of queue %d: %v", q.id, err))
			}
		}, nil
	default:
		return func() {}, nil
	}
}

// hasRoom reports whether need bytes can be written at the head of command
// queue q, and whether the head must first be rewound to the start of the
// ring. The end of the ring always keeps room for a REWIND header.
func (p *PMU) hasRoom(q *queue, need uint32) (ok, rewind bool) {
	head := p.queueHead(q)
	tail := p.queueTail(q)
	var free int64
	if head >= tail {
		free = int64(q.offset) + int64(q.size) - int64(head) - pmuif.PMU_CMD_HDR_SIZE
		if int64(need) > free {
			rewind = true
			head = q.offset
		}
	}
	if head < tail {
		free = int64(tail) - int64(head) - 1
	}
	return int64(need) <= free, rewind
}

// push writes data, an encoded command, to command queue q. It waits for
// the firmware to drain a full queue for at most the poll timeout.
func (p *PMU) push(q *queue, data []byte) error {
	unlock, err := p.lockQueue(q)
	if err != nil {
		return err
	}
	defer unlock()

	need := alignQueue(uint32(len(data)))
	var rewind bool
	if err := timeout.Poll(p.dev.Clock(), p.dev.PollTimeout(), queueFullRetry, queueFullRetry, func() (bool, error) {
		var ok bool
		ok, rewind = p.hasRoom(q, need)
		return ok, nil
	}); err != nil {
		return fmt.Errorf("queue %d has no room for %d bytes: %w", q.id, need, gpuerr.ErrBusy)
	}

	q.position = p.queueHead(q)
	if rewind {
		hdr := pmuif.PMUHdr{UnitID: pmuif.PMU_UNIT_REWIND, Size: pmuif.PMU_CMD_HDR_SIZE}
		rw := make([]byte, pmuif.PMU_CMD_HDR_SIZE)
		hdr.MarshalBytes(rw)
		if err := p.flcn.CopyToDMEM(q.position, rw, 0); err != nil {
			return fmt.Errorf("rewinding queue %d: %w", q.id, err)
		}
		q.position = q.offset
	}
	buf := make([]byte, need)
	copy(buf, data)
	if err := p.flcn.CopyToDMEM(q.position, buf, 0); err != nil {
		return fmt.Errorf("writing queue %d: %w", q.id, err)
	}
	q.position += need
	p.setQueueHead(q, q.position)
	return nil
}
