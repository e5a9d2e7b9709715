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

// Package mmio provides 32-bit register access to a GPU's BAR0 aperture.
package mmio

// Registers is a 32-bit register file addressed by byte offset.
//
// Implementations must be safe for concurrent use; each access is a single
// 32-bit load or store.
type Registers interface {
	Read32(off uint32) uint32
	Write32(off uint32, val uint32)
}

// BadRead is returned by reads outside the mapped aperture, matching what
// the PCI bus returns for an aborted read.
const BadRead = 0xffffffff
