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

package gpu

import (
	"fmt"

	"gpuctl.dev/gpuctl/pkg/errors/gpuerr"
)

// Aperture is the memory a buffer lives in.
type Aperture int

const (
	ApertureInvalid Aperture = iota
	ApertureSysmem
	ApertureSysmemCoh
	ApertureVidmem
)

// String implements fmt.Stringer.
func (a Aperture) String() string {
	switch a {
	case ApertureSysmem:
		return "sysmem"
	case ApertureSysmemCoh:
		return "sysmem-coh"
	case ApertureVidmem:
		return "vidmem"
	default:
		return "invalid"
	}
}

// Mem is a buffer visible to the GPU.
type Mem struct {
	Aperture Aperture
	// Addr is the GPU-visible address of Data.
	Addr uint64
	// Data is the CPU view of the buffer.
	Data []byte
}

// ApertureMask selects the field value matching mem's aperture. System
// memory is treated as coherent when UseCoherentSysmem is enabled.
func (d *Device) ApertureMask(mem *Mem, sysmem, sysmemCoh, vidmem uint32) (uint32, error) {
	ap := mem.Aperture
	if ap == ApertureSysmem && d.Enabled(UseCoherentSysmem) {
		ap = ApertureSysmemCoh
	}
	switch ap {
	case ApertureSysmem:
		return sysmem, nil
	case ApertureSysmemCoh:
		return sysmemCoh, nil
	case ApertureVidmem:
		return vidmem, nil
	default:
		return 0, fmt.Errorf("buffer at %#x: %w", mem.Addr, gpuerr.ErrInvalidAperture)
	}
}
