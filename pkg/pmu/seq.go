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

	"gpuctl.dev/gpuctl/pkg/errors/gpuerr"
)

// sequence tracks one outstanding command. Its id is the header seq_id of
// the command and of its response.
type sequence struct {
	id    uint8
	inUse bool
	cb    Callback

	// out and rpc are copied back from DMEM at outOff and rpcOff when the
	// response arrives.
	out    []byte
	outOff uint32
	rpc    []byte
	rpcOff uint32

	// allocs are DMEM allocations freed on release.
	allocs []uint32
}

// acquireSeq reserves the lowest free sequence.
func (p *PMU) acquireSeq(cb Callback) (*sequence, error) {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	for i := range p.seqs {
		s := &p.seqs[i]
		if !s.inUse {
			s.inUse = true
			s.cb = cb
			return s, nil
		}
	}
	return nil, fmt.Errorf("no free PMU sequence: %w", gpuerr.ErrBusy)
}

// releaseSeq frees the DMEM held by s and returns it to the table.
func (p *PMU) releaseSeq(s *sequence) {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	for _, off := range s.allocs {
		p.dmem.Free(off)
	}
	id := s.id
	*s = sequence{id: id}
}

// OutstandingCommands returns the number of commands awaiting a response.
func (p *PMU) OutstandingCommands() int {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	n := 0
	for i := range p.seqs {
		if p.seqs[i].inUse {
			n++
		}
	}
	return n
}
