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

// Package nvgpu contains register layouts and identifiers for the Tegra and
// Turing GPU generations driven by gpuctl.
//
// Names follow the hardware manuals where a Go spelling would obscure the
// mapping back to them.
package nvgpu

// GPU architecture and implementation ids, as reported by
// NV_PMC_BOOT_0. The GPU id used for dispatch is arch + impl.
const (
	NVGPU_GPU_ARCH_GK100 = 0x000000E0
	NVGPU_GPU_ARCH_GM200 = 0x00000120
	NVGPU_GPU_ARCH_GP100 = 0x00000130
	NVGPU_GPU_ARCH_GV110 = 0x00000150
	NVGPU_GPU_ARCH_TU100 = 0x00000160

	NVGPU_GPU_IMPL_GK20A   = 0x0000000A
	NVGPU_GPU_IMPL_GM20B   = 0x0000000B
	NVGPU_GPU_IMPL_GM20B_B = 0x0000000E
	NVGPU_GPU_IMPL_GP10B   = 0x0000000B
	NVGPU_GPU_IMPL_GV11B   = 0x0000000B
	NVGPU_GPU_IMPL_TU104   = 0x00000004
)

// GPU ids.
const (
	GK20A_GPUID_GK20A   = NVGPU_GPU_ARCH_GK100 + NVGPU_GPU_IMPL_GK20A
	GK20A_GPUID_GM20B   = NVGPU_GPU_ARCH_GM200 + NVGPU_GPU_IMPL_GM20B
	GK20A_GPUID_GM20B_B = NVGPU_GPU_ARCH_GM200 + NVGPU_GPU_IMPL_GM20B_B
	NVGPU_GPUID_GP10B   = NVGPU_GPU_ARCH_GP100 + NVGPU_GPU_IMPL_GP10B
	NVGPU_GPUID_GV11B   = NVGPU_GPU_ARCH_GV110 + NVGPU_GPU_IMPL_GV11B
	NVGPU_GPUID_TU104   = NVGPU_GPU_ARCH_TU100 + NVGPU_GPU_IMPL_TU104
)

// NV_PMC_BOOT_0 decodes the chip identity.
const (
	PMC_BOOT_0 = 0x00000000
)

// BootArch returns the architecture field of NV_PMC_BOOT_0.
func BootArch(r uint32) uint32 {
	return ((r >> 24) & 0x1f) << 4
}

// BootImpl returns the implementation field of NV_PMC_BOOT_0.
func BootImpl(r uint32) uint32 {
	return (r >> 20) & 0xf
}

// Boot0 encodes arch and impl the way NV_PMC_BOOT_0 reports them.
func Boot0(arch, impl uint32) uint32 {
	return ((arch>>4)&0x1f)<<24 | (impl&0xf)<<20
}
