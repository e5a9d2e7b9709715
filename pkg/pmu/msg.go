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
	"gpuctl.dev/gpuctl/pkg/abi/pmuif"
	"gpuctl.dev/gpuctl/pkg/errors/gpuerr"
	"gpuctl.dev/gpuctl/pkg/falcon"
	"gpuctl.dev/gpuctl/pkg/log"
	"gpuctl.dev/gpuctl/pkg/marshal"
)

// ProcessMessages drains the message queue. Before the PMU is ready the
// first message must be INIT.
func (p *PMU) ProcessMessages() error {
	p.msgMu.Lock()
	defer p.msgMu.Unlock()

	if !p.Ready() {
		done, err := p.processInit()
		if err != nil || !done {
			return err
		}
	}
	for {
		msg, err := p.readMessage()
		if err != nil {
			return err
		}
		if msg == nil {
			return nil
		}
		messagesRead.Increment()
		p.dispatch(msg)
	}
}

// processInit reads the INIT message directly from DMEM and sets up the
// queues and the DMEM heap it describes. It returns false if the message
// queue is empty.
func (p *PMU) processInit() (bool, error) {
	head := p.dev.Read32(nvgpu.PWR_PMU_MSGQ_HEAD)
	tail := p.dev.Read32(nvgpu.PWR_PMU_MSGQ_TAIL)
	if head == tail {
		return false, nil
	}

	var hdr pmuif.PMUHdr
	b := make([]byte, pmuif.PMU_MSG_HDR_SIZE)
	if err := p.flcn.CopyFromDMEM(tail, b, 0); err != nil {
		return false, fmt.Errorf("reading INIT header: %w", err)
	}
	hdr.UnmarshalBytes(b)
	if hdr.UnitID != pmuif.PMU_UNIT_INIT {
		return false, fmt.Errorf("expected INIT message, got unit %#x: %w", hdr.UnitID, gpuerr.ErrQueueCorrupt)
	}
	var init pmuif.InitMsg
	if int(hdr.Size) < pmuif.PMU_MSG_HDR_SIZE+init.SizeBytes() {
		return false, fmt.Errorf("INIT message of %d bytes: %w", hdr.Size, gpuerr.ErrQueueCorrupt)
	}
	b = make([]byte, init.SizeBytes())
	if err := p.flcn.CopyFromDMEM(tail+pmuif.PMU_MSG_HDR_SIZE, b, 0); err != nil {
		return false, fmt.Errorf("reading INIT message: %w", err)
	}
	init.UnmarshalBytes(b)
	if init.MsgType != pmuif.PMU_INIT_MSG_TYPE_PMU_INIT {
		return false, fmt.Errorf("INIT message type %d: %w", init.MsgType, gpuerr.ErrQueueCorrupt)
	}
	p.dev.Write32(nvgpu.PWR_PMU_MSGQ_TAIL, tail+alignQueue(uint32(hdr.Size)))

	for i := range p.queues {
		p.queues[i] = newQueue(uint32(i), &init.QueueInfo[i])
		log.Debugf("PMU queue %d: index %d offset %#x size %#x", i, p.queues[i].index, p.queues[i].offset, p.queues[i].size)
	}
	p.queues[pmuif.PMU_MESSAGE_QUEUE].position = p.queueTail(p.queues[pmuif.PMU_MESSAGE_QUEUE])
	p.dmem = falcon.NewAllocator(uint32(init.SWManagedAreaOffset), uint32(init.SWManagedAreaSize))
	p.ready.Store(true)
	close(p.readyCh)
	log.Infof("PMU ready: DMEM heap %#x+%#x", p.dmem.Base(), p.dmem.Size())
	return true, nil
}

// readMessage returns the next message, or nil if the queue is empty. Each
// message is committed by advancing the tail before it is returned.
func (p *PMU) readMessage() (*Msg, error) {
	q := p.queues[pmuif.PMU_MESSAGE_QUEUE]
	for {
		head := p.queueHead(q)
		if head == q.position {
			return nil, nil
		}
		if q.position < q.offset || q.position+pmuif.PMU_MSG_HDR_SIZE > q.offset+q.size {
			return nil, p.resetMessageQueue(q, head, fmt.Errorf("read position %#x outside queue: %w", q.position, gpuerr.ErrQueueCorrupt))
		}

		var msg Msg
		b := make([]byte, pmuif.PMU_MSG_HDR_SIZE)
		if err := p.flcn.CopyFromDMEM(q.position, b, 0); err != nil {
			return nil, fmt.Errorf("reading message header: %w", err)
		}
		msg.Hdr.UnmarshalBytes(b)
		if msg.Hdr.UnitID == pmuif.PMU_UNIT_REWIND {
			q.position = q.offset
			p.setQueueTail(q, q.position)
			continue
		}
		size := uint32(msg.Hdr.Size)
		if size < pmuif.PMU_MSG_HDR_SIZE || q.position+size > q.offset+q.size {
			return nil, p.resetMessageQueue(q, head, fmt.Errorf("message of %d bytes at %#x: %w", size, q.position, gpuerr.ErrQueueCorrupt))
		}
		if size > pmuif.PMU_MSG_HDR_SIZE {
			msg.Body = make([]byte, size-pmuif.PMU_MSG_HDR_SIZE)
			if err := p.flcn.CopyFromDMEM(q.position+pmuif.PMU_MSG_HDR_SIZE, msg.Body, 0); err != nil {
				return nil, fmt.Errorf("reading message body: %w", err)
			}
		}
		q.position += alignQueue(size)
		p.setQueueTail(q, q.position)

		if !pmuif.UnitIDIsValid(msg.Hdr.UnitID) {
			log.Warningf("Dropping PMU message with invalid unit %#x", msg.Hdr.UnitID)
			continue
		}
		return &msg, nil
	}
}

// resetMessageQueue discards everything in the message queue.
func (p *PMU) resetMessageQueue(q *queue, head uint32, err error) error {
	log.Warningf("Discarding PMU message queue: %v", err)
	q.position = head
	p.setQueueTail(q, head)
	return err
}

// dispatch routes msg to the event handlers or to the callback of its
// sequence.
func (p *PMU) dispatch(msg *Msg) {
	if msg.Hdr.CtrlFlags&pmuif.PMU_CMD_FLAGS_EVENT != 0 {
		p.handleEvent(msg)
		return
	}
	p.handleResponse(msg)
}

func (p *PMU) handleEvent(msg *Msg) {
	switch msg.Hdr.UnitID {
	case pmuif.PMU_UNIT_PERFMON, pmuif.PMU_UNIT_PERFMON_T18X:
		var m pmuif.PerfmonMsg
		if err := marshal.Unmarshal(msg.Body, &m, true); err != nil {
			log.Warningf("Short perfmon event: %v", err)
			return
		}
		if err := p.HandlePerfmonEvent(&m); err != nil {
			log.Warningf("Handling perfmon event: %v", err)
		}
	default:
		p.eventLog.Debugf("Ignoring event from PMU unit %#x", msg.Hdr.UnitID)
	}
}

func (p *PMU) handleResponse(msg *Msg) {
	p.seqMu.Lock()
	s := &p.seqs[msg.Hdr.SeqID]
	if !s.inUse {
		p.seqMu.Unlock()
		log.Warningf("PMU response for idle sequence %d from unit %#x", msg.Hdr.SeqID, msg.Hdr.UnitID)
		return
	}
	p.seqMu.Unlock()

	var err error
	if s.out != nil {
		if cerr := p.flcn.CopyFromDMEM(s.outOff, s.out, 0); cerr != nil {
			err = fmt.Errorf("reading output payload: %w", cerr)
		}
	}
	if s.rpc != nil && err == nil {
		if cerr := p.flcn.CopyFromDMEM(s.rpcOff, s.rpc, 0); cerr != nil {
			err = fmt.Errorf("reading RPC record: %w", cerr)
		}
	}
	if s.cb != nil {
		s.cb(msg, err)
	} else if err != nil {
		log.Warningf("PMU sequence %d: %v", s.id, err)
	}
	p.releaseSeq(s)
}
