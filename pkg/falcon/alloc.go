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

package falcon

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"gpuctl.dev/gpuctl/pkg/errors/gpuerr"
	"gpuctl.dev/gpuctl/pkg/log"
)

// DMEMAllocAlignment is the alignment of every DMEM allocation.
const DMEMAllocAlignment = 32

// extent is a free range of DMEM.
type extent struct {
	start uint32
	len   uint32
}

func extentLess(a, b extent) bool { return a.start < b.start }

// Allocator hands out DMEM ranges from the firmware's software-managed
// area. Free ranges are kept in a B-tree ordered by offset and coalesced on
// free. Allocation is first-fit.
type Allocator struct {
	mu    sync.Mutex
	base  uint32
	size  uint32
	free  *btree.BTreeG[extent]
	used  map[uint32]uint32
	avail uint32
}

// NewAllocator returns an allocator for [base, base+size). base is rounded
// up to DMEMAllocAlignment.
func NewAllocator(base, size uint32) *Allocator {
	start := alignUp(base, DMEMAllocAlignment)
	end := base + size
	a := &Allocator{
		base: start,
		free: btree.NewG(2, extentLess),
		used: make(map[uint32]uint32),
	}
	if end > start {
		a.size = end - start
		a.free.ReplaceOrInsert(extent{start: start, len: a.size})
		a.avail = a.size
	}
	return a
}

// Alloc returns the offset of a new allocation of at least size bytes.
func (a *Allocator) Alloc(size uint32) (uint32, error) {
	if size == 0 {
		return 0, fmt.Errorf("zero-length DMEM allocation: %w", gpuerr.ErrAllocationFailure)
	}
	n := alignUp(size, DMEMAllocAlignment)

	a.mu.Lock()
	defer a.mu.Unlock()
	var (
		found extent
		ok    bool
	)
	a.free.Ascend(func(e extent) bool {
		if e.len >= n {
			found, ok = e, true
			return false
		}
		return true
	})
	if !ok {
		return 0, fmt.Errorf("DMEM allocation of %d bytes, %d available: %w", size, a.avail, gpuerr.ErrAllocationFailure)
	}
	a.free.Delete(found)
	if found.len > n {
		a.free.ReplaceOrInsert(extent{start: found.start + n, len: found.len - n})
	}
	a.used[found.start] = n
	a.avail -= n
	return found.start, nil
}

// Free releases the allocation at off.
func (a *Allocator) Free(off uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.used[off]
	if !ok {
		log.Warningf("Freeing unallocated DMEM at %#x", off)
		return
	}
	delete(a.used, off)
	a.avail += n

	e := extent{start: off, len: n}
	var prev, next extent
	hasPrev, hasNext := false, false
	a.free.DescendLessOrEqual(e, func(p extent) bool {
		prev, hasPrev = p, p.start+p.len == e.start
		return false
	})
	a.free.AscendGreaterOrEqual(e, func(x extent) bool {
		next, hasNext = x, e.start+e.len == x.start
		return false
	})
	if hasPrev {
		a.free.Delete(prev)
		e = extent{start: prev.start, len: prev.len + e.len}
	}
	if hasNext {
		a.free.Delete(next)
		e.len += next.len
	}
	a.free.ReplaceOrInsert(e)
}

// Available returns the number of free bytes.
func (a *Allocator) Available() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.avail
}

// Base returns the first allocatable offset.
func (a *Allocator) Base() uint32 { return a.base }

// Size returns the size of the managed range.
func (a *Allocator) Size() uint32 { return a.size }
