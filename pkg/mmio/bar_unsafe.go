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

package mmio

import (
	"sync/atomic"
	"unsafe"
)

func (b *BAR) word(off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&b.mem[off]))
}

func (b *BAR) load(off uint32) uint32 {
	return atomic.LoadUint32(b.word(off))
}

func (b *BAR) store(off uint32, val uint32) {
	atomic.StoreUint32(b.word(off), val)
}
