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
	"errors"
	"testing"

	"gpuctl.dev/gpuctl/pkg/errors/gpuerr"
)

func TestAllocFirstFit(t *testing.T) {
	a := NewAllocator(0x1810, 0x100)
	if got := a.Base(); got != 0x1820 {
		t.Fatalf("Base() = %#x, want 0x1820", got)
	}
	x, err := a.Alloc(4)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	y, err := a.Alloc(33)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if x != 0x1820 || y != 0x1840 {
		t.Errorf("allocations at %#x, %#x, want 0x1820, 0x1840", x, y)
	}
	if got, want := a.Available(), a.Size()-32-64; got != want {
		t.Errorf("Available() = %d, want %d", got, want)
	}
}

func TestAllocExhaustion(t *testing.T) {
	a := NewAllocator(0, 64)
	if _, err := a.Alloc(64); err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if _, err := a.Alloc(1); !errors.Is(err, gpuerr.ErrAllocationFailure) {
		t.Errorf("Alloc on full heap returned %v, want %v", err, gpuerr.ErrAllocationFailure)
	}
	if _, err := a.Alloc(0); !errors.Is(err, gpuerr.ErrAllocationFailure) {
		t.Errorf("Alloc(0) returned %v, want %v", err, gpuerr.ErrAllocationFailure)
	}
}

func TestFreeCoalesces(t *testing.T) {
	a := NewAllocator(0, 128)
	var offs []uint32
	for i := 0; i < 4; i++ {
		off, err := a.Alloc(32)
		if err != nil {
			t.Fatalf("Alloc %d failed: %v", i, err)
		}
		offs = append(offs, off)
	}
	// Free out of order so that both neighbors have to merge.
	a.Free(offs[0])
	a.Free(offs[2])
	a.Free(offs[1])
	a.Free(offs[3])
	if got := a.Available(); got != 128 {
		t.Fatalf("Available() = %d, want 128", got)
	}
	off, err := a.Alloc(128)
	if err != nil {
		t.Fatalf("Alloc of whole heap after free failed: %v", err)
	}
	if off != 0 {
		t.Errorf("Alloc = %#x, want 0", off)
	}
}

func TestFreeUnknown(t *testing.T) {
	a := NewAllocator(0, 64)
	a.Free(0x20)
	if got := a.Available(); got != 64 {
		t.Errorf("Available() = %d, want 64", got)
	}
}
